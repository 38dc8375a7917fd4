// Package capture hosts the frame classifier on a live packet source and
// feeds accepted connection events to the aggregator.
package capture

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/psaab/meshdp/pkg/classifier"
	"github.com/psaab/meshdp/pkg/events"
	"github.com/psaab/meshdp/pkg/metrics"
)

// ErrTimeout is returned by a FrameSource when no frame arrived within its
// read timeout. The capture loop uses it to check for shutdown.
var ErrTimeout = errors.New("capture: read timeout")

// maxFrame fits a standard MTU frame plus VLAN tag.
const maxFrame = 1600

// FrameSource yields raw link-layer frames.
type FrameSource interface {
	ReadFrame(buf []byte) (int, error)
	Close() error
}

// PIDLookup maps a local port to the pid owning it, or 0.
type PIDLookup interface {
	Lookup(port uint16) uint32
}

// Stats counts classification verdicts.
type Stats struct {
	Frames  uint64
	Passed  uint64
	Silent  uint64
	Parse   uint64
	Blocked uint64
}

// Capture reads frames from Source, classifies them and pushes accepted
// events to Sink.
type Capture struct {
	Source    FrameSource
	Blocklist classifier.Blocklist
	Sink      events.Sink
	PIDs      PIDLookup        // optional
	Metrics   *metrics.Metrics // optional

	frames, passed, silent, parse, blocked atomic.Uint64
}

// Stats returns a snapshot of the verdict counters.
func (c *Capture) Stats() Stats {
	return Stats{
		Frames:  c.frames.Load(),
		Passed:  c.passed.Load(),
		Silent:  c.silent.Load(),
		Parse:   c.parse.Load(),
		Blocked: c.blocked.Load(),
	}
}

// Run blocks until ctx is cancelled or the source fails.
func (c *Capture) Run(ctx context.Context) error {
	slog.Info("frame capture started")
	defer c.Source.Close()

	buf := make([]byte, maxFrame)
	for {
		if ctx.Err() != nil {
			slog.Info("frame capture stopped", "frames", c.frames.Load())
			return nil
		}
		n, err := c.Source.ReadFrame(buf)
		if err != nil {
			if errors.Is(err, ErrTimeout) {
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		c.handle(buf[:n])
	}
}

func (c *Capture) handle(frame []byte) {
	c.frames.Add(1)
	res := classifier.Classify(frame, c.Blocklist, 0)
	c.Metrics.FrameClassified(res.Verdict.String())

	switch res.Verdict {
	case classifier.PassSilent:
		c.silent.Add(1)
	case classifier.Reject:
		if errors.Is(res.Err, classifier.ErrBlocked) {
			c.blocked.Add(1)
		} else {
			c.parse.Add(1)
		}
	case classifier.Pass:
		c.passed.Add(1)
		ev := res.Event
		if c.PIDs != nil {
			ev.PID = c.PIDs.Lookup(ev.SrcPort)
			if ev.PID == 0 {
				ev.PID = c.PIDs.Lookup(ev.DstPort)
			}
		}
		c.Sink.Push(ev)
	}
}
