package probe

import (
	"fmt"
	"io"

	"github.com/tkjaer/paristrace/internal/field"
	"github.com/tkjaer/paristrace/internal/protocol"
)

// Layer is one encapsulation level of a probe: a protocol and the raw bytes
// of its header.
type Layer struct {
	Protocol protocol.Protocol
	Buffer   []byte
}

// NewLayer returns a layer for p with a header-sized buffer holding p's
// defaults.
func NewLayer(p protocol.Protocol) *Layer {
	l := &Layer{
		Protocol: p,
		Buffer:   make([]byte, p.HeaderLen()),
	}
	if d, ok := p.(protocol.Defaulter); ok {
		d.WriteDefaults(l.Buffer)
	}
	return l
}

// SetField writes f into the layer's header.
func (l *Layer) SetField(f *field.Field) error {
	return protocol.WriteField(l.Protocol, l.Buffer, f)
}

// Field reads key back from the layer's header.
func (l *Layer) Field(key string) (*field.Field, error) {
	return protocol.ReadField(l.Protocol, l.Buffer, key)
}

// HasField reports whether the layer's protocol declares key.
func (l *Layer) HasField(key string) bool {
	return protocol.HasField(l.Protocol, key)
}

// Dump writes every declared field of the layer to w.
func (l *Layer) Dump(w io.Writer) {
	fmt.Fprintf(w, "%s (%d bytes)\n", l.Protocol.Name(), len(l.Buffer))
	for _, spec := range l.Protocol.Fields() {
		f, err := l.Field(spec.Key)
		if err != nil {
			continue
		}
		fmt.Fprint(w, "  ")
		f.Dump(w)
	}
}
