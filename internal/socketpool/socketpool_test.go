package socketpool

import (
	"errors"
	"net/netip"
	"testing"

	"github.com/tkjaer/paristrace/internal/packet"
)

func TestSplitIPv4(t *testing.T) {
	hdr := []byte{
		0x45, 0x00, 0x00, 0x1e, 0x00, 0x00, 0x00, 0x00,
		0x03, 0x11, 0x00, 0x00, 192, 0, 2, 1,
		10, 0, 0, 1,
	}
	payload := []byte{0xc3, 0x50, 0x82, 0x9a, 0x00, 0x0a, 0x00, 0x00, 'h', 'i'}

	h, rest, err := splitIPv4(append(append([]byte(nil), hdr...), payload...))
	if err != nil {
		t.Fatalf("splitIPv4() error = %v", err)
	}
	if h.TTL != 3 || h.Protocol != 17 {
		t.Errorf("header ttl/proto = %d/%d, want 3/17", h.TTL, h.Protocol)
	}
	if h.Dst.String() != "10.0.0.1" {
		t.Errorf("header dst = %v, want 10.0.0.1", h.Dst)
	}
	if string(rest) != string(payload) {
		t.Errorf("payload = %x, want %x", rest, payload)
	}

	tests := []struct {
		name string
		buf  []byte
	}{
		{"empty", nil},
		{"short", hdr[:12]},
		{"ihl beyond buffer", append([]byte{0x46}, hdr[1:]...)},
		{"ihl too small", append([]byte{0x44}, hdr[1:]...)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := splitIPv4(tt.buf); !errors.Is(err, ErrShortPacket) {
				t.Errorf("splitIPv4() error = %v, want ErrShortPacket", err)
			}
		})
	}
}

func TestSendWithoutSocket(t *testing.T) {
	p := &Pool{}
	for _, dst := range []string{"10.0.0.1", "2001:db8::1"} {
		err := p.Send(&packet.Packet{DstIP: netip.MustParseAddr(dst), Buffer: make([]byte, 40)})
		if !errors.Is(err, ErrNoSocket) {
			t.Errorf("Send(%s) error = %v, want ErrNoSocket", dst, err)
		}
	}
	if err := p.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}

func TestNewIPv6Failure(t *testing.T) {
	orig := openIPv6
	openIPv6 = func() (ip6Sender, error) { return nil, ErrUnsupported }
	defer func() { openIPv6 = orig }()

	if _, err := New(Config{IPv6: true}); !errors.Is(err, ErrUnsupported) {
		t.Errorf("New() error = %v, want ErrUnsupported", err)
	}
}

type recordingSender struct {
	buf []byte
	dst [16]byte
}

func (r *recordingSender) send(buf []byte, dst [16]byte) error {
	r.buf, r.dst = buf, dst
	return nil
}

func (r *recordingSender) close() error { return nil }

func TestSendIPv6(t *testing.T) {
	rec := &recordingSender{}
	p := &Pool{six: rec}
	dst := netip.MustParseAddr("2001:db8::1")
	buf := append([]byte{0x60}, make([]byte, 47)...)

	if err := p.Send(&packet.Packet{DstIP: dst, Buffer: buf}); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if rec.dst != dst.As16() || len(rec.buf) != 48 {
		t.Errorf("sent %d bytes to %v", len(rec.buf), netip.AddrFrom16(rec.dst))
	}
}
