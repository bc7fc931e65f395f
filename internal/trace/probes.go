package trace

import (
	"fmt"
	"net/netip"

	"github.com/tkjaer/paristrace/internal/field"
	"github.com/tkjaer/paristrace/internal/packet"
	"github.com/tkjaer/paristrace/internal/probe"
)

// flow is the part of a probe that stays constant for the whole trace, so
// per-flow load balancers send every probe down the same path.
type flow struct {
	src, dst         netip.Addr
	srcPort, dstPort uint16
	payloadSize      int
}

// buildProbe returns a UDP probe for the given TTL. The tag travels in the
// UDP checksum; the payload starts zeroed and is rewritten by the tagger.
func buildProbe(f flow, ttl uint8, tag uint16) (*probe.Probe, error) {
	network := "ipv4"
	if f.dst.Is6() {
		network = "ipv6"
	}
	pr, err := probe.NewByName(network, "udp")
	if err != nil {
		return nil, err
	}
	err = pr.SetFields(
		field.Str("src_ip", f.src.String()),
		field.Str("dst_ip", f.dst.String()),
		field.I8("ttl", ttl),
		field.I16("src_port", f.srcPort),
		field.I16("dst_port", f.dstPort),
		field.I16(packet.DefaultTagKey, tag),
	)
	if err != nil {
		return nil, fmt.Errorf("ttl %d: %w", ttl, err)
	}
	pr.SetPayload(make([]byte, f.payloadSize))
	return pr, nil
}

// encodeTag numbers probes from 1 so no tag is zero, which UDP reserves for
// "no checksum".
func encodeTag(ttl, firstTTL uint8, query, queries int) uint16 {
	return uint16(int(ttl-firstTTL)*queries + query + 1)
}

// decodeTag returns the TTL and query index a tag was created for.
func decodeTag(tag uint16, firstTTL uint8, queries int) (uint8, int) {
	n := int(tag) - 1
	return firstTTL + uint8(n/queries), n % queries
}
