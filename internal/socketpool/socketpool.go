// Package socketpool sends fully serialized IP packets through raw sockets.
package socketpool

import (
	"errors"
	"fmt"
	"log/slog"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/tkjaer/paristrace/internal/packet"
)

var (
	ErrNoSocket    = errors.New("no socket for address family")
	ErrShortPacket = errors.New("packet shorter than its ip header")
	ErrUnsupported = errors.New("raw ipv6 sockets are not supported on this platform")
)

type Config struct {
	IPv4 bool
	IPv6 bool
}

// ip6Sender writes a packet that starts with its own IPv6 header.
type ip6Sender interface {
	send(buf []byte, dst [16]byte) error
	close() error
}

// Pool holds one raw socket per enabled address family. Packets carry their
// own IP header, so the kernel transmits them unchanged apart from the
// fields it always fills in (IPv4 checksum and id when zero).
type Pool struct {
	conn4 net.PacketConn
	raw4  *ipv4.RawConn
	six   ip6Sender
}

var openIPv6 = openRawIPv6

// New opens the requested raw sockets. It needs CAP_NET_RAW.
func New(cfg Config) (*Pool, error) {
	p := &Pool{}
	if cfg.IPv4 {
		c, err := net.ListenPacket("ip4:255", "0.0.0.0")
		if err != nil {
			return nil, fmt.Errorf("open raw ipv4 socket: %w", err)
		}
		raw, err := ipv4.NewRawConn(c)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("open raw ipv4 socket: %w", err)
		}
		p.conn4, p.raw4 = c, raw
	}
	if cfg.IPv6 {
		s, err := openIPv6()
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("open raw ipv6 socket: %w", err)
		}
		p.six = s
	}
	slog.Debug("Socket pool opened", "ipv4", p.raw4 != nil, "ipv6", p.six != nil)
	return p, nil
}

// Send transmits pkt.Buffer to pkt.DstIP.
func (p *Pool) Send(pkt *packet.Packet) error {
	switch {
	case pkt.DstIP.Is4():
		if p.raw4 == nil {
			return fmt.Errorf("%w: ipv4", ErrNoSocket)
		}
		h, payload, err := splitIPv4(pkt.Buffer)
		if err != nil {
			return err
		}
		return p.raw4.WriteTo(h, payload, nil)
	case pkt.DstIP.Is6():
		if p.six == nil {
			return fmt.Errorf("%w: ipv6", ErrNoSocket)
		}
		return p.six.send(pkt.Buffer, pkt.DstIP.As16())
	}
	return fmt.Errorf("%w: %v", ErrNoSocket, pkt.DstIP)
}

// splitIPv4 parses the header at the start of buf and returns it with the
// bytes that follow it.
func splitIPv4(buf []byte) (*ipv4.Header, []byte, error) {
	if len(buf) < ipv4.HeaderLen {
		return nil, nil, ErrShortPacket
	}
	hlen := int(buf[0]&0x0f) << 2
	if hlen < ipv4.HeaderLen || len(buf) < hlen {
		return nil, nil, ErrShortPacket
	}
	h, err := ipv4.ParseHeader(buf[:hlen])
	if err != nil {
		return nil, nil, fmt.Errorf("parse ipv4 header: %w", err)
	}
	return h, buf[hlen:], nil
}

func (p *Pool) Close() error {
	var errs []error
	if p.conn4 != nil {
		errs = append(errs, p.conn4.Close())
	}
	if p.six != nil {
		errs = append(errs, p.six.close())
	}
	return errors.Join(errs...)
}
