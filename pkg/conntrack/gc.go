package conntrack

import (
	"context"
	"log/slog"
	"time"
)

// GC periodically removes idle connections from a Table.
type GC struct {
	table       *Table
	interval    time.Duration
	idleTimeout time.Duration
}

// NewGC creates a collector that sweeps every interval and removes
// entries idle for longer than idleTimeout.
func NewGC(table *Table, interval, idleTimeout time.Duration) *GC {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &GC{table: table, interval: interval, idleTimeout: idleTimeout}
}

// Run starts the GC loop. It blocks until ctx is cancelled.
func (gc *GC) Run(ctx context.Context) {
	slog.Info("conntrack GC started", "interval", gc.interval, "idle_timeout", gc.idleTimeout)
	ticker := time.NewTicker(gc.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("conntrack GC stopped")
			return
		case <-ticker.C:
			gc.sweep()
		}
	}
}

func (gc *GC) sweep() int {
	expired := gc.table.expire(gc.table.now().Add(-gc.idleTimeout))
	if expired > 0 {
		slog.Info("conntrack GC sweep",
			"remaining_entries", gc.table.Len(),
			"expired_deleted", expired)
	}
	return expired
}
