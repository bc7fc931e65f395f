// Package protocol holds the per-protocol capability records used to lay out
// and checksum probe headers.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"
	"sync"

	"github.com/tkjaer/paristrace/internal/field"
)

var (
	ErrUnknownProtocol = errors.New("unknown protocol")
	ErrUnknownField    = errors.New("unknown field")
	ErrShortBuffer     = errors.New("buffer shorter than header")
	ErrNoPseudoHeader  = errors.New("pseudo-header required")
)

// Protocol describes how to lay out and checksum one header.
type Protocol interface {
	Name() string
	HeaderLen() int
	// NeedsPseudoHeader reports whether WriteChecksum needs context derived
	// from the layer directly below.
	NeedsPseudoHeader() bool
	// WriteChecksum writes the checksum into segment, which starts with this
	// protocol's header and runs to the end of the packet.
	WriteChecksum(segment, psh []byte) error
	Fields() []FieldSpec
}

// PseudoHeaderProvider is implemented by network protocols able to provide
// checksum context to the layer they carry. upperLen is the length of the
// upper layer segment.
type PseudoHeaderProvider interface {
	PseudoHeader(header []byte, upperLen int) ([]byte, error)
}

// LengthWriter is implemented by protocols carrying a length field.
type LengthWriter interface {
	WriteLength(segment []byte) error
}

// Defaulter is implemented by protocols with non-zero header defaults.
type Defaulter interface {
	WriteDefaults(header []byte)
}

// Numbered is implemented by protocols carried inside IP.
type Numbered interface {
	Number() uint8
}

// FieldSpec locates a field within a header.
type FieldSpec struct {
	Key    string
	Type   field.Type
	Offset int
	// Width is the byte width of TypeString fields.
	Width int
	// Low selects the low nibble of the byte at Offset for TypeInt4 fields.
	Low bool
	// Address marks TypeString fields holding a textual IP address.
	Address bool
}

func lookupSpec(specs []FieldSpec, key string) (FieldSpec, bool) {
	for _, s := range specs {
		if s.Key == key {
			return s, true
		}
	}
	return FieldSpec{}, false
}

// HasField reports whether p declares key.
func HasField(p Protocol, key string) bool {
	_, ok := lookupSpec(p.Fields(), key)
	return ok
}

// WriteField stores f in header according to p's layout.
func WriteField(p Protocol, header []byte, f *field.Field) error {
	spec, ok := lookupSpec(p.Fields(), f.Key())
	if !ok {
		return fmt.Errorf("%w: %s has no field %q", ErrUnknownField, p.Name(), f.Key())
	}
	if f.Type() != spec.Type {
		return fmt.Errorf("%w: %s.%s is %s, got %s", field.ErrTypeMismatch, p.Name(), spec.Key, spec.Type, f.Type())
	}
	if spec.Offset+max(field.TypeSize(spec.Type), spec.Width) > len(header) {
		return fmt.Errorf("%w: %s.%s", ErrShortBuffer, p.Name(), spec.Key)
	}

	b := header[spec.Offset:]
	switch spec.Type {
	case field.TypeInt4:
		v, _ := f.Int4()
		if spec.Low {
			b[0] = b[0]&0xf0 | v
		} else {
			b[0] = b[0]&0x0f | v<<4
		}
	case field.TypeInt8:
		v, _ := f.Int8()
		b[0] = v
	case field.TypeInt16:
		v, _ := f.Int16()
		binary.BigEndian.PutUint16(b, v)
	case field.TypeInt32:
		v, _ := f.Int32()
		binary.BigEndian.PutUint32(b, v)
	case field.TypeString:
		raw, _ := f.Raw()
		if spec.Address {
			var err error
			if raw, err = addressBytes(string(raw), spec.Width); err != nil {
				return fmt.Errorf("%s.%s: %w", p.Name(), spec.Key, err)
			}
		}
		if len(raw) != spec.Width {
			return fmt.Errorf("%s.%s: value is %d bytes, want %d", p.Name(), spec.Key, len(raw), spec.Width)
		}
		copy(b, raw)
	}
	return nil
}

// ReadField reads key from header according to p's layout.
func ReadField(p Protocol, header []byte, key string) (*field.Field, error) {
	spec, ok := lookupSpec(p.Fields(), key)
	if !ok {
		return nil, fmt.Errorf("%w: %s has no field %q", ErrUnknownField, p.Name(), key)
	}
	if spec.Offset+max(field.TypeSize(spec.Type), spec.Width) > len(header) {
		return nil, fmt.Errorf("%w: %s.%s", ErrShortBuffer, p.Name(), key)
	}

	b := header[spec.Offset:]
	switch spec.Type {
	case field.TypeInt4:
		if spec.Low {
			return field.I4(key, b[0]&0x0f), nil
		}
		return field.I4(key, b[0]>>4), nil
	case field.TypeInt8:
		return field.I8(key, b[0]), nil
	case field.TypeInt16:
		return field.I16(key, binary.BigEndian.Uint16(b)), nil
	case field.TypeInt32:
		return field.I32(key, binary.BigEndian.Uint32(b)), nil
	}
	if spec.Address {
		addr, _ := netip.AddrFromSlice(b[:spec.Width])
		return field.Str(key, addr.String()), nil
	}
	return field.Bytes(key, b[:spec.Width]), nil
}

func addressBytes(s string, width int) ([]byte, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return nil, err
	}
	switch width {
	case 4:
		if !addr.Unmap().Is4() {
			return nil, fmt.Errorf("%s is not an IPv4 address", s)
		}
		a := addr.Unmap().As4()
		return a[:], nil
	case 16:
		if !addr.Is6() || addr.Is4In6() {
			return nil, fmt.Errorf("%s is not an IPv6 address", s)
		}
		a := addr.As16()
		return a[:], nil
	}
	return nil, fmt.Errorf("unsupported address width %d", width)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Protocol{
		IPv4.Name():   IPv4,
		IPv6.Name():   IPv6,
		UDP.Name():    UDP,
		TCP.Name():    TCP,
		ICMPv4.Name(): ICMPv4,
	}
)

// Register makes p available to Lookup. A protocol registered under an
// existing name replaces it.
func Register(p Protocol) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[p.Name()] = p
}

// Lookup returns the protocol registered under name.
func Lookup(name string) (Protocol, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	p, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, name)
	}
	return p, nil
}

// Names returns the sorted names of all registered protocols.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
