// Package match correlates ICMP error replies with the probes that caused
// them.
//
// Probes are tracked by flow (destination address, source and destination
// port) plus the tag carried in the UDP checksum. Routers quote the offending
// IP header and the first eight bytes of its payload, which is the whole UDP
// header, so every key part survives the round trip.
package match

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/jellydator/ttlcache/v3"

	"github.com/tkjaer/paristrace/internal/packet"
)

var ErrNotUDP = errors.New("not an IP/UDP probe")

// DefaultTimeout is how long a probe stays outstanding.
const DefaultTimeout = 3 * time.Second

// Reply is a matched answer to a tracked probe.
type Reply struct {
	// From is the address that sent the ICMP error.
	From netip.Addr
	Dst  netip.Addr
	// TTL is the TTL (hop limit) the probe was sent with.
	TTL  uint8
	Tag  uint16
	Type uint8
	Code uint8
	// Final is set for destination unreachable errors, which end a trace.
	Final    bool
	Sent     time.Time
	Received time.Time
	RTT      time.Duration
}

// Timeout describes a probe that expired without a reply.
type Timeout struct {
	Dst  netip.Addr
	TTL  uint8
	Tag  uint16
	Sent time.Time
}

type flowKey struct {
	dst     netip.Addr
	srcPort uint16
	dstPort uint16
	tag     uint16
}

type outstanding struct {
	ttl  uint8
	sent time.Time
}

type Config struct {
	Timeout   time.Duration
	OnTimeout func(Timeout)
}

// Tracker is the registry of outstanding probes.
type Tracker struct {
	cache *ttlcache.Cache[flowKey, outstanding]
}

// NewTracker creates a tracker and starts its expiry loop. Call Stop to
// release it.
func NewTracker(cfg Config) *Tracker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	t := &Tracker{
		cache: ttlcache.New(ttlcache.WithTTL[flowKey, outstanding](cfg.Timeout)),
	}
	if cfg.OnTimeout != nil {
		t.cache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[flowKey, outstanding]) {
			if reason == ttlcache.EvictionReasonExpired {
				cfg.OnTimeout(Timeout{
					Dst:  item.Key().dst,
					TTL:  item.Value().ttl,
					Tag:  item.Key().tag,
					Sent: item.Value().sent,
				})
			}
		})
	}
	go t.cache.Start()
	return t
}

// Stop halts the expiry loop. Outstanding probes no longer time out.
func (t *Tracker) Stop() {
	t.cache.Stop()
}

// Len returns the number of outstanding probes.
func (t *Tracker) Len() int {
	return t.cache.Len()
}

// Track records pkt as outstanding. pkt.Time is used as the send time, or
// the current time if unset.
func (t *Tracker) Track(pkt *packet.Packet) error {
	key, ttl, err := probeKey(pkt.Buffer)
	if err != nil {
		return err
	}
	sent := pkt.Time
	if sent.IsZero() {
		sent = time.Now()
	}
	t.cache.Set(key, outstanding{ttl: ttl, sent: sent}, ttlcache.DefaultTTL)
	return nil
}

// Forget drops pkt from the registry without reporting a timeout.
func (t *Tracker) Forget(pkt *packet.Packet) {
	key, _, err := probeKey(pkt.Buffer)
	if err != nil {
		return
	}
	t.cache.Delete(key)
}

// Match decodes pkt as an ICMP error and looks up the probe it quotes. A
// matched probe is removed from the registry.
func (t *Tracker) Match(pkt *packet.Packet) (Reply, bool) {
	r, quoted, ok := decodeReply(pkt.Buffer)
	if !ok {
		return Reply{}, false
	}
	key, _, err := probeKey(quoted)
	if err != nil {
		slog.Debug("Ignoring ICMP error with undecodable quote", "from", r.From, "error", err)
		return Reply{}, false
	}
	item := t.cache.Get(key)
	if item == nil {
		return Reply{}, false
	}
	t.cache.Delete(key)

	r.Dst = key.dst
	r.Tag = key.tag
	r.TTL = item.Value().ttl
	r.Sent = item.Value().sent
	r.Received = pkt.Time
	if r.Received.IsZero() {
		r.Received = time.Now()
	}
	r.RTT = r.Received.Sub(r.Sent)
	return r, true
}

// probeKey decodes an IP/UDP header pair. The UDP header may be the only
// bytes following the IP header, as in an ICMP quote.
func probeKey(buf []byte) (flowKey, uint8, error) {
	if len(buf) == 0 {
		return flowKey{}, 0, ErrNotUDP
	}
	var (
		key     flowKey
		ttl     uint8
		proto   layers.IPProtocol
		payload []byte
	)
	switch buf[0] >> 4 {
	case 4:
		p := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.Default)
		ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			return flowKey{}, 0, fmt.Errorf("%w: bad ipv4 header", ErrNotUDP)
		}
		key.dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
		ttl, proto, payload = ip.TTL, ip.Protocol, ip.LayerPayload()
	case 6:
		p := gopacket.NewPacket(buf, layers.LayerTypeIPv6, gopacket.Default)
		ip, ok := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		if !ok {
			return flowKey{}, 0, fmt.Errorf("%w: bad ipv6 header", ErrNotUDP)
		}
		key.dst, _ = netip.AddrFromSlice(ip.DstIP.To16())
		ttl, proto, payload = ip.HopLimit, ip.NextHeader, ip.LayerPayload()
	default:
		return flowKey{}, 0, fmt.Errorf("%w: ip version %d", ErrNotUDP, buf[0]>>4)
	}
	if proto != layers.IPProtocolUDP {
		return flowKey{}, 0, fmt.Errorf("%w: protocol %v", ErrNotUDP, proto)
	}
	if len(payload) < 8 {
		return flowKey{}, 0, fmt.Errorf("%w: truncated udp header", ErrNotUDP)
	}
	key.srcPort = binary.BigEndian.Uint16(payload[0:2])
	key.dstPort = binary.BigEndian.Uint16(payload[2:4])
	key.tag, _ = packet.ChecksumTag(payload[:8])
	return key, ttl, nil
}

// decodeReply returns the ICMP type and sender of an ICMP time exceeded or
// destination unreachable error, plus the quoted packet.
func decodeReply(buf []byte) (Reply, []byte, bool) {
	if len(buf) == 0 {
		return Reply{}, nil, false
	}
	var r Reply
	switch buf[0] >> 4 {
	case 4:
		p := gopacket.NewPacket(buf, layers.LayerTypeIPv4, gopacket.Default)
		ip, ok := p.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		if !ok {
			return Reply{}, nil, false
		}
		icmp, ok := p.Layer(layers.LayerTypeICMPv4).(*layers.ICMPv4)
		if !ok {
			return Reply{}, nil, false
		}
		r.From, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		r.Type, r.Code = icmp.TypeCode.Type(), icmp.TypeCode.Code()
		switch r.Type {
		case layers.ICMPv4TypeTimeExceeded:
		case layers.ICMPv4TypeDestinationUnreachable:
			r.Final = true
		default:
			return Reply{}, nil, false
		}
		return r, icmp.Payload, true
	case 6:
		p := gopacket.NewPacket(buf, layers.LayerTypeIPv6, gopacket.Default)
		ip, ok := p.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		if !ok {
			return Reply{}, nil, false
		}
		icmp, ok := p.Layer(layers.LayerTypeICMPv6).(*layers.ICMPv6)
		if !ok {
			return Reply{}, nil, false
		}
		r.From, _ = netip.AddrFromSlice(ip.SrcIP.To16())
		r.Type, r.Code = icmp.TypeCode.Type(), icmp.TypeCode.Code()
		switch r.Type {
		case layers.ICMPv6TypeTimeExceeded:
		case layers.ICMPv6TypeDestinationUnreachable:
			r.Final = true
		default:
			return Reply{}, nil, false
		}
		quoted, ok := innerIPv6(icmp.Payload)
		if !ok {
			return Reply{}, nil, false
		}
		return r, quoted, true
	}
	return Reply{}, nil, false
}

// innerIPv6 locates the quoted IPv6 header in an ICMPv6 error body, with or
// without the four unused bytes that precede it on the wire.
func innerIPv6(payload []byte) ([]byte, bool) {
	for _, off := range []int{0, 4} {
		if len(payload) >= off+40 && payload[off]>>4 == 6 {
			return payload[off:], true
		}
	}
	return nil, false
}
