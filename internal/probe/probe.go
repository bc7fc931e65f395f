// Package probe describes packets to send before they are serialized.
package probe

import (
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/tkjaer/paristrace/internal/field"
	"github.com/tkjaer/paristrace/internal/protocol"
)

// Probe is an ordered stack of layers plus a field index and an optional
// payload. Layer 0 is the outermost header.
type Probe struct {
	layers  []*Layer
	fields  map[string]*field.Field
	payload []byte
}

// New builds a probe with one layer per protocol, outermost first. When a
// protocol carried inside IP is stacked on a layer that declares a
// "protocol" field, that field is filled in.
func New(protocols ...protocol.Protocol) *Probe {
	p := &Probe{fields: make(map[string]*field.Field)}
	for _, proto := range protocols {
		p.AddLayer(NewLayer(proto))
	}
	return p
}

// NewByName is like New but resolves protocols through the registry.
func NewByName(names ...string) (*Probe, error) {
	protocols := make([]protocol.Protocol, 0, len(names))
	for _, n := range names {
		proto, err := protocol.Lookup(n)
		if err != nil {
			return nil, err
		}
		protocols = append(protocols, proto)
	}
	return New(protocols...), nil
}

// AddLayer pushes l on top of the stack.
func (p *Probe) AddLayer(l *Layer) {
	if n := len(p.layers); n > 0 {
		if num, ok := l.Protocol.(protocol.Numbered); ok {
			lower := p.layers[n-1]
			if lower.HasField("protocol") {
				if err := lower.SetField(field.I8("protocol", num.Number())); err != nil {
					slog.Debug("Failed to set encapsulated protocol", "layer", lower.Protocol.Name(), "error", err)
				}
			}
		}
	}
	p.layers = append(p.layers, l)
}

// Layers returns the layer stack, outermost first.
func (p *Probe) Layers() []*Layer {
	return p.layers
}

// Layer returns the layer at index i, or nil when out of range.
func (p *Probe) Layer(i int) *Layer {
	if i < 0 || i >= len(p.layers) {
		return nil
	}
	return p.layers[i]
}

// SetFields records every field in the probe's index and writes it into each
// layer whose protocol declares its key. A field no layer declares is kept in
// the index only. On error the probe is left unchanged.
func (p *Probe) SetFields(fields ...*field.Field) error {
	staged := make(map[int][]byte)
	for _, f := range fields {
		for i, l := range p.layers {
			if !l.HasField(f.Key()) {
				continue
			}
			buf, ok := staged[i]
			if !ok {
				buf = append([]byte(nil), l.Buffer...)
				staged[i] = buf
			}
			if err := protocol.WriteField(l.Protocol, buf, f); err != nil {
				return fmt.Errorf("set %s: %w", f.Key(), err)
			}
		}
	}
	for i, buf := range staged {
		p.layers[i].Buffer = buf
	}
	for _, f := range fields {
		p.fields[f.Key()] = f.Clone()
	}
	return nil
}

// Field returns the field stored under key in the probe's index.
func (p *Probe) Field(key string) (*field.Field, bool) {
	f, ok := p.fields[key]
	return f, ok
}

// SetPayload replaces the payload with a copy of b.
func (p *Probe) SetPayload(b []byte) {
	p.payload = append([]byte(nil), b...)
}

func (p *Probe) Payload() []byte {
	return p.payload
}

// Size returns the serialized length of the probe.
func (p *Probe) Size() int {
	n := len(p.payload)
	for _, l := range p.layers {
		n += len(l.Buffer)
	}
	return n
}

// Buffer returns a new slice holding every layer buffer in order followed by
// the payload.
func (p *Probe) Buffer() []byte {
	buf := make([]byte, 0, p.Size())
	for _, l := range p.layers {
		buf = append(buf, l.Buffer...)
	}
	return append(buf, p.payload...)
}

// Dump writes the probe's fields and layers to w.
func (p *Probe) Dump(w io.Writer) {
	keys := make([]string, 0, len(p.fields))
	for k := range p.fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	fmt.Fprintf(w, "probe: %d layers, %d bytes payload\n", len(p.layers), len(p.payload))
	for _, k := range keys {
		p.fields[k].Dump(w)
	}
	for i, l := range p.layers {
		fmt.Fprintf(w, "[%d] ", i)
		l.Dump(w)
	}
}
