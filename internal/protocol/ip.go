package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/tkjaer/paristrace/internal/field"
)

const (
	ipv4HeaderLen = 20
	ipv6HeaderLen = 40
	defaultTTL    = 64
)

var (
	IPv4 Protocol = ipv4{}
	IPv6 Protocol = ipv6{}
)

type ipv4 struct{}

var ipv4Fields = []FieldSpec{
	{Key: "version", Type: field.TypeInt4, Offset: 0},
	{Key: "ihl", Type: field.TypeInt4, Offset: 0, Low: true},
	{Key: "tos", Type: field.TypeInt8, Offset: 1},
	{Key: "length", Type: field.TypeInt16, Offset: 2},
	{Key: "id", Type: field.TypeInt16, Offset: 4},
	{Key: "frag_off", Type: field.TypeInt16, Offset: 6},
	{Key: "ttl", Type: field.TypeInt8, Offset: 8},
	{Key: "protocol", Type: field.TypeInt8, Offset: 9},
	{Key: "checksum", Type: field.TypeInt16, Offset: 10},
	{Key: "src_ip", Type: field.TypeString, Offset: 12, Width: 4, Address: true},
	{Key: "dst_ip", Type: field.TypeString, Offset: 16, Width: 4, Address: true},
}

func (ipv4) Name() string             { return "ipv4" }
func (ipv4) HeaderLen() int           { return ipv4HeaderLen }
func (ipv4) NeedsPseudoHeader() bool  { return false }
func (ipv4) Fields() []FieldSpec      { return ipv4Fields }
func (ipv4) WriteDefaults(hdr []byte) { hdr[0], hdr[8] = 0x45, defaultTTL }

// headerLen returns the IHL-derived header length, falling back to the
// minimum header when IHL is unset.
func (ipv4) headerLen(b []byte) int {
	if n := int(b[0]&0x0f) * 4; n >= ipv4HeaderLen {
		return n
	}
	return ipv4HeaderLen
}

func (p ipv4) WriteLength(segment []byte) error {
	if len(segment) < ipv4HeaderLen {
		return fmt.Errorf("%w: ipv4", ErrShortBuffer)
	}
	if len(segment) > 0xffff {
		return fmt.Errorf("ipv4: packet length %d exceeds 65535", len(segment))
	}
	binary.BigEndian.PutUint16(segment[2:], uint16(len(segment)))
	return nil
}

func (p ipv4) WriteChecksum(segment, _ []byte) error {
	if len(segment) < ipv4HeaderLen || p.headerLen(segment) > len(segment) {
		return fmt.Errorf("%w: ipv4", ErrShortBuffer)
	}
	hdr := segment[:p.headerLen(segment)]
	hdr[10], hdr[11] = 0, 0
	binary.BigEndian.PutUint16(hdr[10:], Checksum(hdr, nil))
	return nil
}

// PseudoHeader returns the RFC 768/793 pseudo-header: source, destination,
// zero, protocol and upper layer length.
func (p ipv4) PseudoHeader(hdr []byte, upperLen int) ([]byte, error) {
	if len(hdr) < ipv4HeaderLen {
		return nil, fmt.Errorf("%w: ipv4", ErrShortBuffer)
	}
	if upperLen > 0xffff {
		return nil, fmt.Errorf("ipv4: upper layer length %d exceeds 65535", upperLen)
	}
	psh := make([]byte, 12)
	copy(psh[0:8], hdr[12:20])
	psh[9] = hdr[9]
	binary.BigEndian.PutUint16(psh[10:], uint16(upperLen))
	return psh, nil
}

type ipv6 struct{}

var ipv6Fields = []FieldSpec{
	{Key: "version", Type: field.TypeInt4, Offset: 0},
	{Key: "length", Type: field.TypeInt16, Offset: 4},
	{Key: "protocol", Type: field.TypeInt8, Offset: 6},
	{Key: "ttl", Type: field.TypeInt8, Offset: 7},
	{Key: "src_ip", Type: field.TypeString, Offset: 8, Width: 16, Address: true},
	{Key: "dst_ip", Type: field.TypeString, Offset: 24, Width: 16, Address: true},
}

func (ipv6) Name() string             { return "ipv6" }
func (ipv6) HeaderLen() int           { return ipv6HeaderLen }
func (ipv6) NeedsPseudoHeader() bool  { return false }
func (ipv6) Fields() []FieldSpec      { return ipv6Fields }
func (ipv6) WriteDefaults(hdr []byte) { hdr[0], hdr[7] = 0x60, defaultTTL }

// WriteChecksum is a no-op: IPv6 has no header checksum.
func (ipv6) WriteChecksum(segment, _ []byte) error {
	if len(segment) < ipv6HeaderLen {
		return fmt.Errorf("%w: ipv6", ErrShortBuffer)
	}
	return nil
}

func (ipv6) WriteLength(segment []byte) error {
	if len(segment) < ipv6HeaderLen {
		return fmt.Errorf("%w: ipv6", ErrShortBuffer)
	}
	n := len(segment) - ipv6HeaderLen
	if n > 0xffff {
		return fmt.Errorf("ipv6: payload length %d exceeds 65535", n)
	}
	binary.BigEndian.PutUint16(segment[4:], uint16(n))
	return nil
}

// PseudoHeader returns the RFC 8200 section 8.1 pseudo-header.
func (ipv6) PseudoHeader(hdr []byte, upperLen int) ([]byte, error) {
	if len(hdr) < ipv6HeaderLen {
		return nil, fmt.Errorf("%w: ipv6", ErrShortBuffer)
	}
	psh := make([]byte, 40)
	copy(psh[0:32], hdr[8:40])
	binary.BigEndian.PutUint32(psh[32:], uint32(upperLen))
	psh[39] = hdr[6]
	return psh, nil
}
