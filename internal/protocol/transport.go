package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/tkjaer/paristrace/internal/field"
)

const (
	udpHeaderLen    = 8
	tcpHeaderLen    = 20
	icmpv4HeaderLen = 8
)

var (
	UDP    Protocol = udp{}
	TCP    Protocol = tcp{}
	ICMPv4 Protocol = icmpv4{}
)

type udp struct{}

var udpFields = []FieldSpec{
	{Key: "src_port", Type: field.TypeInt16, Offset: 0},
	{Key: "dst_port", Type: field.TypeInt16, Offset: 2},
	{Key: "length", Type: field.TypeInt16, Offset: 4},
	{Key: "checksum", Type: field.TypeInt16, Offset: 6},
}

func (udp) Name() string            { return "udp" }
func (udp) HeaderLen() int          { return udpHeaderLen }
func (udp) NeedsPseudoHeader() bool { return true }
func (udp) Fields() []FieldSpec     { return udpFields }
func (udp) Number() uint8           { return 17 }

func (udp) WriteLength(segment []byte) error {
	if len(segment) < udpHeaderLen {
		return fmt.Errorf("%w: udp", ErrShortBuffer)
	}
	if len(segment) > 0xffff {
		return fmt.Errorf("udp: datagram length %d exceeds 65535", len(segment))
	}
	binary.BigEndian.PutUint16(segment[4:], uint16(len(segment)))
	return nil
}

func (udp) WriteChecksum(segment, psh []byte) error {
	if len(segment) < udpHeaderLen {
		return fmt.Errorf("%w: udp", ErrShortBuffer)
	}
	if psh == nil {
		return fmt.Errorf("%w: udp", ErrNoPseudoHeader)
	}
	segment[6], segment[7] = 0, 0
	cs := Checksum(segment, psh)
	if cs == 0 {
		// Zero means "no checksum" for UDP over IPv4.
		cs = 0xffff
	}
	binary.BigEndian.PutUint16(segment[6:], cs)
	return nil
}

type tcp struct{}

var tcpFields = []FieldSpec{
	{Key: "src_port", Type: field.TypeInt16, Offset: 0},
	{Key: "dst_port", Type: field.TypeInt16, Offset: 2},
	{Key: "seq", Type: field.TypeInt32, Offset: 4},
	{Key: "ack", Type: field.TypeInt32, Offset: 8},
	{Key: "data_offset", Type: field.TypeInt4, Offset: 12},
	{Key: "flags", Type: field.TypeInt8, Offset: 13},
	{Key: "window", Type: field.TypeInt16, Offset: 14},
	{Key: "checksum", Type: field.TypeInt16, Offset: 16},
	{Key: "urg_ptr", Type: field.TypeInt16, Offset: 18},
}

func (tcp) Name() string            { return "tcp" }
func (tcp) HeaderLen() int          { return tcpHeaderLen }
func (tcp) NeedsPseudoHeader() bool { return true }
func (tcp) Fields() []FieldSpec     { return tcpFields }
func (tcp) Number() uint8           { return 6 }

// WriteDefaults prepares a SYN with a five word header and a full window.
func (tcp) WriteDefaults(hdr []byte) {
	hdr[12] = 5 << 4
	hdr[13] = 0x02
	binary.BigEndian.PutUint16(hdr[14:], 65535)
}

func (tcp) WriteChecksum(segment, psh []byte) error {
	if len(segment) < tcpHeaderLen {
		return fmt.Errorf("%w: tcp", ErrShortBuffer)
	}
	if psh == nil {
		return fmt.Errorf("%w: tcp", ErrNoPseudoHeader)
	}
	segment[16], segment[17] = 0, 0
	binary.BigEndian.PutUint16(segment[16:], Checksum(segment, psh))
	return nil
}

type icmpv4 struct{}

var icmpv4Fields = []FieldSpec{
	{Key: "type", Type: field.TypeInt8, Offset: 0},
	{Key: "code", Type: field.TypeInt8, Offset: 1},
	{Key: "checksum", Type: field.TypeInt16, Offset: 2},
	{Key: "id", Type: field.TypeInt16, Offset: 4},
	{Key: "seq", Type: field.TypeInt16, Offset: 6},
}

func (icmpv4) Name() string             { return "icmpv4" }
func (icmpv4) HeaderLen() int           { return icmpv4HeaderLen }
func (icmpv4) NeedsPseudoHeader() bool  { return false }
func (icmpv4) Fields() []FieldSpec      { return icmpv4Fields }
func (icmpv4) Number() uint8            { return 1 }
func (icmpv4) WriteDefaults(hdr []byte) { hdr[0] = 8 } // echo request

func (icmpv4) WriteChecksum(segment, _ []byte) error {
	if len(segment) < icmpv4HeaderLen {
		return fmt.Errorf("%w: icmpv4", ErrShortBuffer)
	}
	segment[2], segment[3] = 0, 0
	binary.BigEndian.PutUint16(segment[2:], Checksum(segment, nil))
	return nil
}
