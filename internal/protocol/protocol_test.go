package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/tkjaer/paristrace/internal/field"
)

func TestChecksum_RFC1071Example(t *testing.T) {
	data := []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}
	if got := Checksum(data, nil); got != 0x220d {
		t.Errorf("Checksum() = %#04x, want 0x220d", got)
	}
}

func TestChecksum_OddLength(t *testing.T) {
	// A trailing byte is padded with zero.
	if got, want := Checksum([]byte{0x01, 0x02, 0x03}, nil), Checksum([]byte{0x01, 0x02, 0x03, 0x00}, nil); got != want {
		t.Errorf("Checksum(odd) = %#04x, want %#04x", got, want)
	}
}

func TestIPv4_WriteChecksum(t *testing.T) {
	hdr := []byte{
		0x45, 0x00, 0x00, 0x73, 0x00, 0x00, 0x40, 0x00,
		0x40, 0x11, 0x00, 0x00, 0xc0, 0xa8, 0x00, 0x01,
		0xc0, 0xa8, 0x00, 0xc7,
	}
	if err := IPv4.WriteChecksum(hdr, nil); err != nil {
		t.Fatalf("WriteChecksum() error = %v", err)
	}
	if got := binary.BigEndian.Uint16(hdr[10:]); got != 0xb861 {
		t.Errorf("checksum = %#04x, want 0xb861", got)
	}
	if !Valid(hdr, nil) {
		t.Error("header does not validate after WriteChecksum")
	}
}

func TestIPv4_ChecksumCoversHeaderOnly(t *testing.T) {
	seg := make([]byte, 28)
	IPv4.(Defaulter).WriteDefaults(seg)
	_ = IPv4.WriteChecksum(seg, nil)
	first := binary.BigEndian.Uint16(seg[10:])

	seg[25] = 0xff
	_ = IPv4.WriteChecksum(seg, nil)
	if got := binary.BigEndian.Uint16(seg[10:]); got != first {
		t.Errorf("checksum changed with payload: %#04x != %#04x", got, first)
	}
}

func TestIPv4_PseudoHeader(t *testing.T) {
	hdr := make([]byte, ipv4HeaderLen)
	IPv4.(Defaulter).WriteDefaults(hdr)
	for _, f := range []*field.Field{
		field.Str("src_ip", "192.0.2.1"),
		field.Str("dst_ip", "10.0.0.1"),
		field.I8("protocol", 17),
	} {
		if err := WriteField(IPv4, hdr, f); err != nil {
			t.Fatalf("WriteField(%s) error = %v", f.Key(), err)
		}
	}

	psh, err := IPv4.(PseudoHeaderProvider).PseudoHeader(hdr, 8)
	if err != nil {
		t.Fatalf("PseudoHeader() error = %v", err)
	}
	want := []byte{192, 0, 2, 1, 10, 0, 0, 1, 0, 17, 0, 8}
	if !bytes.Equal(psh, want) {
		t.Errorf("PseudoHeader() = %v, want %v", psh, want)
	}
}

func TestIPv6_PseudoHeader(t *testing.T) {
	hdr := make([]byte, ipv6HeaderLen)
	IPv6.(Defaulter).WriteDefaults(hdr)
	_ = WriteField(IPv6, hdr, field.Str("src_ip", "2001:db8::1"))
	_ = WriteField(IPv6, hdr, field.Str("dst_ip", "2001:db8::2"))
	_ = WriteField(IPv6, hdr, field.I8("protocol", 17))

	psh, err := IPv6.(PseudoHeaderProvider).PseudoHeader(hdr, 16)
	if err != nil {
		t.Fatalf("PseudoHeader() error = %v", err)
	}
	if len(psh) != 40 {
		t.Fatalf("len(PseudoHeader()) = %d, want 40", len(psh))
	}
	if !bytes.Equal(psh[0:32], hdr[8:40]) {
		t.Error("pseudo-header addresses do not match header")
	}
	if got := binary.BigEndian.Uint32(psh[32:]); got != 16 {
		t.Errorf("upper length = %d, want 16", got)
	}
	if psh[39] != 17 {
		t.Errorf("next header = %d, want 17", psh[39])
	}
}

func TestUDP_WriteChecksum(t *testing.T) {
	psh := []byte{192, 0, 2, 1, 10, 0, 0, 1, 0, 17, 0, 12}
	seg := make([]byte, 12)
	_ = WriteField(UDP, seg, field.I16("src_port", 50000))
	_ = WriteField(UDP, seg, field.I16("dst_port", 33434))
	copy(seg[8:], "abcd")
	if err := UDP.(LengthWriter).WriteLength(seg); err != nil {
		t.Fatalf("WriteLength() error = %v", err)
	}
	if err := UDP.WriteChecksum(seg, psh); err != nil {
		t.Fatalf("WriteChecksum() error = %v", err)
	}
	if !Valid(seg, psh) {
		t.Error("segment does not validate with pseudo-header")
	}
	if got := binary.BigEndian.Uint16(seg[4:]); got != 12 {
		t.Errorf("length = %d, want 12", got)
	}
}

func TestUDP_WriteChecksumWithoutPseudoHeader(t *testing.T) {
	err := UDP.WriteChecksum(make([]byte, 8), nil)
	if !errors.Is(err, ErrNoPseudoHeader) {
		t.Errorf("WriteChecksum(nil psh) error = %v, want ErrNoPseudoHeader", err)
	}
}

func TestWriteReadField(t *testing.T) {
	tests := []struct {
		name  string
		proto Protocol
		f     *field.Field
	}{
		{name: "ipv4 version high nibble", proto: IPv4, f: field.I4("version", 4)},
		{name: "ipv4 ihl low nibble", proto: IPv4, f: field.I4("ihl", 6)},
		{name: "ipv4 ttl", proto: IPv4, f: field.I8("ttl", 3)},
		{name: "ipv4 id", proto: IPv4, f: field.I16("id", 0xbeef)},
		{name: "ipv4 dst", proto: IPv4, f: field.Str("dst_ip", "10.0.0.1")},
		{name: "ipv6 dst", proto: IPv6, f: field.Str("dst_ip", "2001:db8::2")},
		{name: "tcp seq", proto: TCP, f: field.I32("seq", 0xdeadbeef)},
		{name: "tcp data offset", proto: TCP, f: field.I4("data_offset", 8)},
		{name: "icmp type", proto: ICMPv4, f: field.I8("type", 13)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := make([]byte, tt.proto.HeaderLen())
			if d, ok := tt.proto.(Defaulter); ok {
				d.WriteDefaults(hdr)
			}
			if err := WriteField(tt.proto, hdr, tt.f); err != nil {
				t.Fatalf("WriteField() error = %v", err)
			}
			got, err := ReadField(tt.proto, hdr, tt.f.Key())
			if err != nil {
				t.Fatalf("ReadField() error = %v", err)
			}
			var gotBuf, wantBuf bytes.Buffer
			got.Dump(&gotBuf)
			tt.f.Dump(&wantBuf)
			if gotBuf.String() != wantBuf.String() {
				t.Errorf("ReadField() = %q, want %q", gotBuf.String(), wantBuf.String())
			}
		})
	}
}

func TestWriteField_NibblesDoNotClobber(t *testing.T) {
	hdr := make([]byte, ipv4HeaderLen)
	_ = WriteField(IPv4, hdr, field.I4("version", 4))
	_ = WriteField(IPv4, hdr, field.I4("ihl", 5))
	if hdr[0] != 0x45 {
		t.Errorf("hdr[0] = %#02x, want 0x45", hdr[0])
	}
}

func TestWriteField_Errors(t *testing.T) {
	hdr := make([]byte, ipv4HeaderLen)

	if err := WriteField(IPv4, hdr, field.I8("dst_port", 1)); !errors.Is(err, ErrUnknownField) {
		t.Errorf("unknown key error = %v, want ErrUnknownField", err)
	}
	if err := WriteField(IPv4, hdr, field.I16("ttl", 1)); !errors.Is(err, field.ErrTypeMismatch) {
		t.Errorf("wrong type error = %v, want ErrTypeMismatch", err)
	}
	if err := WriteField(IPv4, hdr, field.Str("dst_ip", "2001:db8::1")); err == nil {
		t.Error("IPv6 address in IPv4 header: want error")
	}
	if err := WriteField(IPv4, hdr, field.Str("dst_ip", "not-an-ip")); err == nil {
		t.Error("invalid address: want error")
	}
	if err := WriteField(IPv4, hdr[:10], field.Str("dst_ip", "10.0.0.1")); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("short buffer error = %v, want ErrShortBuffer", err)
	}
}

type fakeProto struct{ udp }

func (fakeProto) Name() string { return "fake" }

func TestRegistry(t *testing.T) {
	for _, name := range []string{"ipv4", "ipv6", "udp", "tcp", "icmpv4"} {
		p, err := Lookup(name)
		if err != nil {
			t.Errorf("Lookup(%q) error = %v", name, err)
			continue
		}
		if p.Name() != name {
			t.Errorf("Lookup(%q).Name() = %q", name, p.Name())
		}
	}

	if _, err := Lookup("sctp"); !errors.Is(err, ErrUnknownProtocol) {
		t.Errorf("Lookup(sctp) error = %v, want ErrUnknownProtocol", err)
	}

	Register(fakeProto{})
	if _, err := Lookup("fake"); err != nil {
		t.Errorf("Lookup(fake) after Register error = %v", err)
	}
}
