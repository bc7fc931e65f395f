// Package packet turns probes into checksummed, transmit-ready packets.
package packet

import (
	"errors"
	"fmt"
	"net/netip"
	"time"

	"github.com/tkjaer/paristrace/internal/probe"
	"github.com/tkjaer/paristrace/internal/protocol"
)

var (
	// ErrMissingField is returned when a probe lacks dst_ip or dst_port, or
	// holds them with the wrong type.
	ErrMissingField = errors.New("missing field")
	// ErrMissingContextLayer is returned when a layer needing a
	// pseudo-header has no lower layer able to provide one.
	ErrMissingContextLayer = errors.New("missing context layer")
	// ErrInvalidAddress is returned when dst_ip does not parse as an address.
	ErrInvalidAddress = errors.New("invalid destination address")
)

// Region locates one layer inside a packet buffer.
type Region struct {
	Protocol protocol.Protocol
	Offset   int
	Length   int
	// Context is the pseudo-header the layer's checksum was computed with,
	// nil for self-contained checksums.
	Context []byte
}

// Packet is a serialized probe plus the metadata needed to route it.
type Packet struct {
	DstIP   netip.Addr
	DstPort uint16
	Buffer  []byte
	Regions []Region
	// Tag is the correlation tag written by the tagging step, zero if none.
	Tag uint16
	// Time is the capture or transmission timestamp, set by whoever moves
	// the packet to or from the wire.
	Time time.Time
}

// Segment returns the bytes from region i to the end of the buffer.
func (p *Packet) Segment(i int) []byte {
	return p.Buffer[p.Regions[i].Offset:]
}

// Payload returns the bytes following the innermost layer header.
func (p *Packet) Payload() []byte {
	if len(p.Regions) == 0 {
		return p.Buffer
	}
	last := p.Regions[len(p.Regions)-1]
	return p.Buffer[last.Offset+last.Length:]
}

// Clone returns a deep copy of p.
func (p *Packet) Clone() *Packet {
	c := *p
	c.Buffer = append([]byte(nil), p.Buffer...)
	c.Regions = append([]Region(nil), p.Regions...)
	return &c
}

type options struct {
	tagger Tagger
}

// Option configures FromProbe.
type Option func(*options)

// WithTagger sets the tagging step run after checksum resolution.
func WithTagger(t Tagger) Option {
	return func(o *options) {
		if t != nil {
			o.tagger = t
		}
	}
}

// FromProbe serializes pr into a new packet. Layers are resolved innermost
// first so that a lower layer's checksum covers the finished content above
// it. The probe itself is not modified.
func FromProbe(pr *probe.Probe, opts ...Option) (*Packet, error) {
	o := options{tagger: NopTagger{}}
	for _, opt := range opts {
		opt(&o)
	}

	dst, port, err := destination(pr)
	if err != nil {
		return nil, err
	}

	layers := pr.Layers()
	pkt := &Packet{
		DstIP:   dst,
		DstPort: port,
		Buffer:  pr.Buffer(),
		Regions: make([]Region, len(layers)),
	}
	offset := 0
	for i, l := range layers {
		pkt.Regions[i] = Region{Protocol: l.Protocol, Offset: offset, Length: len(l.Buffer)}
		offset += len(l.Buffer)
	}

	for i := len(layers) - 1; i >= 0; i-- {
		if err := resolve(pkt, i); err != nil {
			return nil, err
		}
	}

	if err := o.tagger.Tag(pr, pkt); err != nil {
		return nil, fmt.Errorf("tag packet: %w", err)
	}
	return pkt, nil
}

func destination(pr *probe.Probe) (netip.Addr, uint16, error) {
	f, ok := pr.Field("dst_ip")
	if !ok {
		return netip.Addr{}, 0, fmt.Errorf("%w: dst_ip", ErrMissingField)
	}
	s, err := f.Text()
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("%w: dst_ip: %w", ErrMissingField, err)
	}
	dst, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("%w: %w", ErrInvalidAddress, err)
	}

	f, ok = pr.Field("dst_port")
	if !ok {
		return netip.Addr{}, 0, fmt.Errorf("%w: dst_port", ErrMissingField)
	}
	port, err := f.Int16()
	if err != nil {
		return netip.Addr{}, 0, fmt.Errorf("%w: dst_port: %w", ErrMissingField, err)
	}
	return dst.Unmap(), port, nil
}

// resolve finalizes the length and checksum of layer i.
func resolve(pkt *Packet, i int) error {
	r := &pkt.Regions[i]
	segment := pkt.Segment(i)

	if lw, ok := r.Protocol.(protocol.LengthWriter); ok {
		if err := lw.WriteLength(segment); err != nil {
			return fmt.Errorf("layer %d (%s): %w", i, r.Protocol.Name(), err)
		}
	}

	if !r.Protocol.NeedsPseudoHeader() {
		if err := r.Protocol.WriteChecksum(segment, nil); err != nil {
			return fmt.Errorf("layer %d (%s): %w", i, r.Protocol.Name(), err)
		}
		return nil
	}

	if i == 0 {
		return fmt.Errorf("%w: %s is the outermost layer", ErrMissingContextLayer, r.Protocol.Name())
	}
	lower := pkt.Regions[i-1]
	provider, ok := lower.Protocol.(protocol.PseudoHeaderProvider)
	if !ok {
		return fmt.Errorf("%w: %s cannot provide a pseudo-header for %s",
			ErrMissingContextLayer, lower.Protocol.Name(), r.Protocol.Name())
	}
	psh, err := provider.PseudoHeader(pkt.Buffer[lower.Offset:r.Offset], len(segment))
	if err != nil {
		return fmt.Errorf("layer %d (%s): pseudo-header: %w", i, r.Protocol.Name(), err)
	}
	r.Context = psh
	if err := r.Protocol.WriteChecksum(segment, psh); err != nil {
		return fmt.Errorf("layer %d (%s): %w", i, r.Protocol.Name(), err)
	}
	return nil
}
