package classifier

import "encoding/binary"

// Base selects the header a field offset is relative to.
type Base uint8

const (
	// BaseFrame offsets are from the first byte of the link-layer frame.
	BaseFrame Base = iota
	// BaseNetwork offsets are from the first byte of the IPv4 header.
	BaseNetwork
	// BaseTransport offsets are from the first byte after the IPv4 header,
	// whose length is taken from IHL.
	BaseTransport
)

// Field describes one fixed-width header field.
type Field struct {
	Name   string
	Base   Base
	Offset int
	Width  int // 1, 2 or 4 bytes, big-endian on the wire
}

// Layout is a versioned table of the header fields the classifier reads.
type Layout struct {
	Version int

	EtherType  Field
	VersionIHL Field
	Protocol   Field
	SrcAddr    Field
	DstAddr    Field
	SrcPort    Field
	DstPort    Field

	// NetworkStart is the offset of the IPv4 header in the frame.
	NetworkStart int
	// EtherTypeIPv4 is the EtherType value accepted for classification.
	EtherTypeIPv4 uint16
	// MinHeaderLen is the smallest legal IPv4 header length in bytes.
	MinHeaderLen int
}

// LayoutV1 is Ethernet II + IPv4 + TCP/UDP port prefix.
var LayoutV1 = Layout{
	Version:       1,
	EtherType:     Field{Name: "eth.type", Base: BaseFrame, Offset: 12, Width: 2},
	VersionIHL:    Field{Name: "ip.version_ihl", Base: BaseNetwork, Offset: 0, Width: 1},
	Protocol:      Field{Name: "ip.proto", Base: BaseNetwork, Offset: 9, Width: 1},
	SrcAddr:       Field{Name: "ip.src", Base: BaseNetwork, Offset: 12, Width: 4},
	DstAddr:       Field{Name: "ip.dst", Base: BaseNetwork, Offset: 16, Width: 4},
	SrcPort:       Field{Name: "l4.sport", Base: BaseTransport, Offset: 0, Width: 2},
	DstPort:       Field{Name: "l4.dport", Base: BaseTransport, Offset: 2, Width: 2},
	NetworkStart:  14,
	EtherTypeIPv4: 0x0800,
	MinHeaderLen:  20,
}

// Fields returns every field in the layout, for inspection.
func (l *Layout) Fields() []Field {
	return []Field{l.EtherType, l.VersionIHL, l.Protocol, l.SrcAddr, l.DstAddr, l.SrcPort, l.DstPort}
}

// ReadField decodes f from frame. netStart and transStart are the absolute
// offsets of the network and transport headers. ok is false when the field
// does not lie entirely within frame.
func ReadField(frame []byte, f Field, netStart, transStart int) (v uint32, ok bool) {
	var start int
	switch f.Base {
	case BaseFrame:
		start = f.Offset
	case BaseNetwork:
		start = netStart + f.Offset
	case BaseTransport:
		start = transStart + f.Offset
	default:
		return 0, false
	}
	end := start + f.Width
	if start < 0 || end > len(frame) {
		return 0, false
	}
	b := frame[start:end]
	switch f.Width {
	case 1:
		return uint32(b[0]), true
	case 2:
		return uint32(binary.BigEndian.Uint16(b)), true
	case 4:
		return binary.BigEndian.Uint32(b), true
	}
	return 0, false
}
