package events

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/ringbuf"

	"github.com/psaab/meshdp/pkg/flow"
)

// EventSource yields raw event records, one per call.
type EventSource interface {
	// ReadEvent blocks until a record is available. It returns an error
	// once the source is closed.
	ReadEvent() ([]byte, error)

	// Close unblocks any pending ReadEvent.
	Close() error
}

// Sink receives decoded events. *Aggregator satisfies it.
type Sink interface {
	Push(ev flow.ConnectionEvent)
}

// Reader decodes fixed-size records from an EventSource into a Sink.
type Reader struct {
	source  EventSource
	sink    Sink
	skipped atomic.Uint64
}

// NewReader creates a reader from source into sink.
func NewReader(source EventSource, sink Sink) *Reader {
	return &Reader{source: source, sink: sink}
}

// Skipped returns how many records were too short to decode.
func (r *Reader) Skipped() uint64 { return r.skipped.Load() }

// Run reads until ctx is cancelled or the source fails.
func (r *Reader) Run(ctx context.Context) {
	if r.source == nil {
		slog.Warn("event source is nil, event reader not starting")
		return
	}
	slog.Info("event reader started")

	stop := context.AfterFunc(ctx, func() { r.source.Close() })
	defer stop()

	for {
		data, err := r.source.ReadEvent()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ringbuf.ErrClosed) {
				slog.Info("event reader stopped")
				return
			}
			slog.Error("event source read error", "err", err)
			return
		}
		ev, err := flow.UnmarshalRecord(data)
		if err != nil {
			r.skipped.Add(1)
			slog.Debug("skipping event record", "err", err)
			continue
		}
		r.sink.Push(ev)
	}
}

// RingbufSource reads records from a BPF ring buffer map filled by a
// kernel-hosted classifier.
type RingbufSource struct {
	rd *ringbuf.Reader
}

// NewRingbufSource opens a reader on m, which must be a BPF_MAP_TYPE_RINGBUF.
func NewRingbufSource(m *ebpf.Map) (*RingbufSource, error) {
	rd, err := ringbuf.NewReader(m)
	if err != nil {
		return nil, fmt.Errorf("ringbuf reader: %w", err)
	}
	return &RingbufSource{rd: rd}, nil
}

// ReadEvent returns the next raw sample.
func (s *RingbufSource) ReadEvent() ([]byte, error) {
	rec, err := s.rd.Read()
	if err != nil {
		return nil, err
	}
	return rec.RawSample, nil
}

// Close closes the underlying reader.
func (s *RingbufSource) Close() error {
	return s.rd.Close()
}
