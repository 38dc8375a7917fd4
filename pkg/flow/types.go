// Package flow defines the connection event shared by the frame classifier,
// the event aggregator and every consumer downstream of them.
package flow

import (
	"encoding/binary"
	"fmt"
	"net/netip"
)

// Protocol is the IPv4 protocol number carried by a frame.
type Protocol uint8

// Protocol numbers the classifier names explicitly. Any other value is
// kept as-is and reported as unknown.
const (
	ProtoICMP Protocol = 1
	ProtoTCP  Protocol = 6
	ProtoUDP  Protocol = 17
)

// Known reports whether p is one of ICMP, TCP or UDP.
func (p Protocol) Known() bool {
	return p == ProtoICMP || p == ProtoTCP || p == ProtoUDP
}

// HasPorts reports whether the protocol carries a transport port pair.
func (p Protocol) HasPorts() bool {
	return p == ProtoTCP || p == ProtoUDP
}

func (p Protocol) String() string {
	switch p {
	case ProtoICMP:
		return "ICMP"
	case ProtoTCP:
		return "TCP"
	case ProtoUDP:
		return "UDP"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(p))
	}
}

// ConnectionEvent is emitted once per accepted frame. Addresses are in host
// byte order (10.0.0.5 == 0x0A000005); ports are zero for protocols
// without ports.
type ConnectionEvent struct {
	Protocol Protocol
	SrcIP    uint32
	SrcPort  uint16
	DstIP    uint32
	DstPort  uint16
	PID      uint32
}

// Key returns the 5-tuple identifying the event's connection.
func (e ConnectionEvent) Key() Key {
	return Key{
		Protocol: e.Protocol,
		SrcIP:    e.SrcIP,
		DstIP:    e.DstIP,
		SrcPort:  e.SrcPort,
		DstPort:  e.DstPort,
	}
}

// SrcAddr returns the source as an address/port pair.
func (e ConnectionEvent) SrcAddr() netip.AddrPort {
	return netip.AddrPortFrom(AddrFromUint32(e.SrcIP), e.SrcPort)
}

// DstAddr returns the destination as an address/port pair.
func (e ConnectionEvent) DstAddr() netip.AddrPort {
	return netip.AddrPortFrom(AddrFromUint32(e.DstIP), e.DstPort)
}

func (e ConnectionEvent) String() string {
	return fmt.Sprintf("%s %s -> %s pid=%d", e.Protocol, e.SrcAddr(), e.DstAddr(), e.PID)
}

// Key is the 5-tuple of a tracked connection.
type Key struct {
	Protocol Protocol
	SrcIP    uint32
	DstIP    uint32
	SrcPort  uint16
	DstPort  uint16
}

func (k Key) String() string {
	return fmt.Sprintf("%s %s -> %s", k.Protocol,
		netip.AddrPortFrom(AddrFromUint32(k.SrcIP), k.SrcPort),
		netip.AddrPortFrom(AddrFromUint32(k.DstIP), k.DstPort))
}

// AddrFromUint32 converts a host-order IPv4 address to netip.Addr.
func AddrFromUint32(ip uint32) netip.Addr {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], ip)
	return netip.AddrFrom4(b)
}

// Uint32FromAddr converts an IPv4 address to host order. The second result
// is false for anything that is not IPv4 (IPv4-mapped IPv6 is unmapped).
func Uint32FromAddr(a netip.Addr) (uint32, bool) {
	a = a.Unmap()
	if !a.Is4() {
		return 0, false
	}
	b := a.As4()
	return binary.BigEndian.Uint32(b[:]), true
}

// RecordSize is the size of an encoded event record.
const RecordSize = 20

// Event record layout, native (little-endian) kernel ordering:
//
//	[0]      protocol
//	[1:4]    padding
//	[4:8]    src ip
//	[8:12]   dst ip
//	[12:14]  src port
//	[14:16]  dst port
//	[16:20]  pid
const (
	recProto   = 0
	recSrcIP   = 4
	recDstIP   = 8
	recSrcPort = 12
	recDstPort = 14
	recPID     = 16
)

// MarshalRecord encodes e into buf, which must be at least RecordSize bytes.
func MarshalRecord(buf []byte, e ConnectionEvent) {
	_ = buf[RecordSize-1]
	buf[recProto] = uint8(e.Protocol)
	buf[1], buf[2], buf[3] = 0, 0, 0
	binary.LittleEndian.PutUint32(buf[recSrcIP:], e.SrcIP)
	binary.LittleEndian.PutUint32(buf[recDstIP:], e.DstIP)
	binary.LittleEndian.PutUint16(buf[recSrcPort:], e.SrcPort)
	binary.LittleEndian.PutUint16(buf[recDstPort:], e.DstPort)
	binary.LittleEndian.PutUint32(buf[recPID:], e.PID)
}

// UnmarshalRecord decodes an event record.
func UnmarshalRecord(data []byte) (ConnectionEvent, error) {
	if len(data) < RecordSize {
		return ConnectionEvent{}, fmt.Errorf("event record too short: %d bytes", len(data))
	}
	return ConnectionEvent{
		Protocol: Protocol(data[recProto]),
		SrcIP:    binary.LittleEndian.Uint32(data[recSrcIP:]),
		DstIP:    binary.LittleEndian.Uint32(data[recDstIP:]),
		SrcPort:  binary.LittleEndian.Uint16(data[recSrcPort:]),
		DstPort:  binary.LittleEndian.Uint16(data[recDstPort:]),
		PID:      binary.LittleEndian.Uint32(data[recPID:]),
	}, nil
}
