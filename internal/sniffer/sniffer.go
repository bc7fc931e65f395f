// Package sniffer captures ICMP replies with libpcap and hands them to the
// network layer as packets starting at their IP header.
package sniffer

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"

	"github.com/tkjaer/paristrace/internal/packet"
)

var ErrNoInterface = errors.New("no capture interface")

const defaultSnaplen = 65536

// Handler receives every captured packet. It runs on the capture goroutine.
type Handler func(*packet.Packet)

type Config struct {
	Interface string
	// Source is the local probe source address; only replies sent to it are
	// captured.
	Source  netip.Addr
	Snaplen int32
	Promisc bool
	// Timeout bounds how long libpcap buffers packets before delivering
	// them. Zero blocks until a packet arrives.
	Timeout time.Duration
}

type Sniffer struct {
	handle    *pcap.Handle
	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New opens a live capture on cfg.Interface and starts delivering packets to
// handler.
func New(cfg Config, handler Handler) (*Sniffer, error) {
	if cfg.Interface == "" {
		return nil, ErrNoInterface
	}
	if cfg.Snaplen == 0 {
		cfg.Snaplen = defaultSnaplen
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = pcap.BlockForever
	}
	h, err := pcap.OpenLive(cfg.Interface, cfg.Snaplen, cfg.Promisc, timeout)
	if err != nil {
		return nil, fmt.Errorf("open capture on %s: %w", cfg.Interface, err)
	}
	filter := Filter(cfg.Source)
	if err := h.SetBPFFilter(filter); err != nil {
		h.Close()
		return nil, fmt.Errorf("set capture filter %q: %w", filter, err)
	}
	slog.Debug("Opened pcap handle", "interface", cfg.Interface, "filter", filter)

	s := &Sniffer{
		handle: h,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	src := gopacket.NewPacketSource(h, h.LinkType())
	go func() {
		defer close(s.done)
		deliver(src.Packets(), s.stop, handler)
	}()
	return s, nil
}

// Filter returns the BPF expression matching ICMP time exceeded and
// destination unreachable errors addressed to src.
func Filter(src netip.Addr) string {
	if src.Is4() || src.Is4In6() {
		// ICMP type 11 (time exceeded) and type 3 (destination unreachable)
		return fmt.Sprintf("dst host %v and icmp and (icmp[0] == 11 or icmp[0] == 3)", src.Unmap())
	}
	// ICMPv6 type 3 (time exceeded) and type 1 (destination unreachable)
	return fmt.Sprintf("dst host %v and icmp6 and (icmp6[0] == 3 or icmp6[0] == 1)", src)
}

func deliver(in <-chan gopacket.Packet, stop <-chan struct{}, handler Handler) {
	for {
		select {
		case <-stop:
			slog.Debug("Stopping sniffer")
			return
		case p, ok := <-in:
			if !ok {
				return
			}
			if pkt, ok := fromCapture(p); ok {
				handler(pkt)
			}
		}
	}
}

// fromCapture copies the network layer of p and everything it carries into a
// new packet stamped with the capture time.
func fromCapture(p gopacket.Packet) (*packet.Packet, bool) {
	nl := p.NetworkLayer()
	if nl == nil {
		return nil, false
	}
	contents, payload := nl.LayerContents(), nl.LayerPayload()
	buf := make([]byte, len(contents)+len(payload))
	copy(buf, contents)
	copy(buf[len(contents):], payload)

	pkt := &packet.Packet{Buffer: buf, Time: p.Metadata().Timestamp}
	if pkt.Time.IsZero() {
		pkt.Time = time.Now()
	}
	if dst, ok := netip.AddrFromSlice(nl.NetworkFlow().Dst().Raw()); ok {
		pkt.DstIP = dst.Unmap()
	}
	return pkt, true
}

// Close stops delivery and closes the capture handle.
func (s *Sniffer) Close() error {
	s.closeOnce.Do(func() {
		close(s.stop)
		s.handle.Close()
		<-s.done
	})
	return nil
}
