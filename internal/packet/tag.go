package packet

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/tkjaer/paristrace/internal/probe"
	"github.com/tkjaer/paristrace/internal/protocol"
)

// ErrInvalidTag is returned when a packet cannot carry its tag.
var ErrInvalidTag = errors.New("invalid tag")

// Tagger runs once all checksums are resolved. It may rewrite the packet to
// embed a tag used to correlate replies with the probe that caused them.
type Tagger interface {
	Tag(pr *probe.Probe, pkt *Packet) error
}

// NopTagger leaves packets untagged.
type NopTagger struct{}

func (NopTagger) Tag(*probe.Probe, *Packet) error { return nil }

// DefaultTagKey is the probe field ChecksumTagger reads its tag from.
const DefaultTagKey = "tag"

// ChecksumTagger stores a 16-bit tag in the UDP checksum of the innermost UDP
// layer and rewrites the first two payload bytes so the checksum stays valid.
// Routers quote the UDP header in ICMP errors, so the tag comes back with
// every reply while the flow identifier (addresses, ports) stays constant.
//
// The tag is read from the probe field named Key (an int16 field), or
// DefaultTagKey when Key is empty.
type ChecksumTagger struct {
	Key string
}

func (t ChecksumTagger) Tag(pr *probe.Probe, pkt *Packet) error {
	key := t.Key
	if key == "" {
		key = DefaultTagKey
	}
	f, ok := pr.Field(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMissingField, key)
	}
	tag, err := f.Int16()
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrMissingField, key, err)
	}
	if tag == 0 {
		// A zero UDP checksum means "no checksum".
		return fmt.Errorf("%w: zero", ErrInvalidTag)
	}

	i := len(pkt.Regions) - 1
	for ; i >= 0; i-- {
		if pkt.Regions[i].Protocol == protocol.UDP {
			break
		}
	}
	if i < 0 {
		return fmt.Errorf("%w: no udp layer", ErrInvalidTag)
	}
	r := pkt.Regions[i]
	if r.Context == nil {
		return fmt.Errorf("%w: udp layer has no pseudo-header", ErrMissingContextLayer)
	}
	seg := pkt.Segment(i)
	if len(seg) < r.Length+2 {
		return fmt.Errorf("%w: udp payload shorter than 2 bytes", ErrInvalidTag)
	}

	binary.BigEndian.PutUint16(seg[6:], tag)
	pad := seg[r.Length : r.Length+2]
	pad[0], pad[1] = 0, 0
	sum := protocol.Fold(protocol.Sum(seg, protocol.Sum(r.Context, 0)))
	binary.BigEndian.PutUint16(pad, ^sum)
	pkt.Tag = tag
	return nil
}

// ChecksumTag returns the tag carried in a UDP header.
func ChecksumTag(udpHeader []byte) (uint16, bool) {
	if len(udpHeader) < 8 {
		return 0, false
	}
	return binary.BigEndian.Uint16(udpHeader[6:]), true
}
