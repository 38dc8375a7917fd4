// Package classifier decides, per raw Ethernet frame, whether traffic passes
// and extracts the connection 5-tuple. It performs no I/O and does not
// allocate.
package classifier

import (
	"errors"

	"github.com/psaab/meshdp/pkg/flow"
)

// Verdict is the outcome of classifying one frame.
type Verdict uint8

const (
	// Pass lets the frame through and produces a connection event.
	Pass Verdict = iota
	// PassSilent lets a non-IPv4 frame through without an event.
	PassSilent
	// Reject drops the frame. Result.Err says why.
	Reject
)

func (v Verdict) String() string {
	switch v {
	case Pass:
		return "pass"
	case PassSilent:
		return "pass_silent"
	case Reject:
		return "reject"
	}
	return "unknown"
}

var (
	// ErrParse is returned for truncated or malformed headers.
	ErrParse = errors.New("classifier: malformed frame")
	// ErrBlocked is returned when the source address is blocklisted.
	ErrBlocked = errors.New("classifier: source blocked")
)

// Blocklist is the read-only view of blocked source addresses.
type Blocklist interface {
	Contains(ip uint32) bool
}

// Result is the classification of one frame. Event is only meaningful when
// Verdict is Pass.
type Result struct {
	Verdict Verdict
	Event   flow.ConnectionEvent
	Err     error
}

// Classify classifies frame with LayoutV1.
func Classify(frame []byte, bl Blocklist, pid uint32) Result {
	return ClassifyLayout(&LayoutV1, frame, bl, pid)
}

// ClassifyLayout classifies frame using the given header layout. bl may be
// nil.
func ClassifyLayout(l *Layout, frame []byte, bl Blocklist, pid uint32) Result {
	net := l.NetworkStart

	etype, ok := ReadField(frame, l.EtherType, net, 0)
	if !ok {
		return Result{Verdict: Reject, Err: ErrParse}
	}
	if uint16(etype) != l.EtherTypeIPv4 {
		return Result{Verdict: PassSilent}
	}

	vihl, ok := ReadField(frame, l.VersionIHL, net, 0)
	if !ok {
		return Result{Verdict: Reject, Err: ErrParse}
	}
	if vihl>>4 != 4 {
		return Result{Verdict: Reject, Err: ErrParse}
	}
	ihl := int(vihl&0x0f) * 4
	if ihl < l.MinHeaderLen {
		return Result{Verdict: Reject, Err: ErrParse}
	}
	trans := net + ihl

	proto, ok := ReadField(frame, l.Protocol, net, trans)
	if !ok {
		return Result{Verdict: Reject, Err: ErrParse}
	}
	src, ok := ReadField(frame, l.SrcAddr, net, trans)
	if !ok {
		return Result{Verdict: Reject, Err: ErrParse}
	}
	dst, ok := ReadField(frame, l.DstAddr, net, trans)
	if !ok {
		return Result{Verdict: Reject, Err: ErrParse}
	}
	// Options live between the fixed header and IHL; the header must be
	// complete even when the protocol carries no ports.
	if trans > len(frame) {
		return Result{Verdict: Reject, Err: ErrParse}
	}

	ev := flow.ConnectionEvent{
		Protocol: flow.Protocol(proto),
		SrcIP:    src,
		DstIP:    dst,
		PID:      pid,
	}
	if ev.Protocol.HasPorts() {
		sp, ok := ReadField(frame, l.SrcPort, net, trans)
		if !ok {
			return Result{Verdict: Reject, Err: ErrParse}
		}
		dp, ok := ReadField(frame, l.DstPort, net, trans)
		if !ok {
			return Result{Verdict: Reject, Err: ErrParse}
		}
		ev.SrcPort = uint16(sp)
		ev.DstPort = uint16(dp)
	}

	if bl != nil && bl.Contains(src) {
		return Result{Verdict: Reject, Err: ErrBlocked}
	}
	return Result{Verdict: Pass, Event: ev}
}
