// Package export publishes batches of connection events to NATS.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/psaab/meshdp/pkg/events"
	"github.com/psaab/meshdp/pkg/flow"
)

const (
	DefaultSubject  = "meshdp.connections"
	DefaultInterval = 10 * time.Second
	DefaultMaxBatch = 1000
)

// Publisher sends one message. *nats.Conn satisfies it.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Source hands out event subscriptions. *events.Aggregator satisfies it.
type Source interface {
	Subscribe(bufSize int) *events.Subscription
}

// Config holds the export settings.
type Config struct {
	Subject  string
	Interval time.Duration
	// MaxBatch flushes early once this many events are pending.
	MaxBatch int
	Host     string
}

// Record is one exported connection.
type Record struct {
	Protocol string `json:"protocol"`
	SrcIP    string `json:"src_ip"`
	SrcPort  uint16 `json:"src_port,omitempty"`
	DstIP    string `json:"dst_ip"`
	DstPort  uint16 `json:"dst_port,omitempty"`
	PID      uint32 `json:"pid,omitempty"`
}

// Batch is the JSON message body.
type Batch struct {
	Host        string    `json:"host"`
	Time        time.Time `json:"time"`
	Seq         uint64    `json:"seq"`
	Connections []Record  `json:"connections"`
}

// Exporter batches events from a subscription and publishes them.
type Exporter struct {
	cfg Config
	pub Publisher
	src Source

	seq uint64

	exportedFlows   atomic.Uint64
	exportedBatches atomic.Uint64
	failures        atomic.Uint64
}

// Connect dials the NATS server at url.
func Connect(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("meshdpd"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "err", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return nc, nil
}

// NewExporter creates an exporter publishing events from src to pub.
func NewExporter(pub Publisher, src Source, cfg Config) *Exporter {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultMaxBatch
	}
	if cfg.Host == "" {
		cfg.Host, _ = os.Hostname()
	}
	return &Exporter{cfg: cfg, pub: pub, src: src}
}

// Run collects events until ctx is cancelled, publishing a batch every
// interval. Pending events are flushed on exit.
func (e *Exporter) Run(ctx context.Context) {
	sub := e.src.Subscribe(e.cfg.MaxBatch)
	defer sub.Close()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	slog.Info("exporter started", "subject", e.cfg.Subject, "interval", e.cfg.Interval)

	var pending []flow.ConnectionEvent
	for {
		select {
		case <-ctx.Done():
			pending = drain(sub.C, pending)
			e.flush(pending)
			slog.Info("exporter stopped")
			return
		case ev := <-sub.C:
			pending = append(pending, ev)
			if len(pending) >= e.cfg.MaxBatch {
				e.flush(pending)
				pending = nil
			}
		case <-ticker.C:
			e.flush(pending)
			pending = nil
		}
	}
}

func drain(c <-chan flow.ConnectionEvent, pending []flow.ConnectionEvent) []flow.ConnectionEvent {
	for {
		select {
		case ev := <-c:
			pending = append(pending, ev)
		default:
			return pending
		}
	}
}

func (e *Exporter) flush(evs []flow.ConnectionEvent) {
	if len(evs) == 0 {
		return
	}
	e.seq++
	b := Batch{
		Host:        e.cfg.Host,
		Time:        time.Now().UTC(),
		Seq:         e.seq,
		Connections: make([]Record, 0, len(evs)),
	}
	for _, ev := range evs {
		b.Connections = append(b.Connections, recordFrom(ev))
	}
	data, err := json.Marshal(b)
	if err != nil {
		slog.Error("export marshal failed", "err", err)
		return
	}
	if err := e.pub.Publish(e.cfg.Subject, data); err != nil {
		e.failures.Add(1)
		slog.Warn("export publish failed", "subject", e.cfg.Subject, "events", len(evs), "err", err)
		return
	}
	e.exportedFlows.Add(uint64(len(evs)))
	e.exportedBatches.Add(1)
}

func recordFrom(ev flow.ConnectionEvent) Record {
	r := Record{
		Protocol: ev.Protocol.String(),
		SrcIP:    flow.AddrFromUint32(ev.SrcIP).String(),
		DstIP:    flow.AddrFromUint32(ev.DstIP).String(),
		PID:      ev.PID,
	}
	if ev.Protocol.HasPorts() {
		r.SrcPort = ev.SrcPort
		r.DstPort = ev.DstPort
	}
	return r
}

// Stats returns export statistics.
func (e *Exporter) Stats() (flows, batches, failures uint64) {
	return e.exportedFlows.Load(), e.exportedBatches.Load(), e.failures.Load()
}
