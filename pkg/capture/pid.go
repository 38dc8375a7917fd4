package capture

import (
	"context"
	"log/slog"
	"sync"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
)

// PIDResolver maps local TCP/UDP ports to owning process ids using the
// host connection table. The table is refreshed periodically.
type PIDResolver struct {
	interval time.Duration
	list     func(ctx context.Context) ([]psnet.ConnectionStat, error)

	mu    sync.RWMutex
	ports map[uint16]uint32
}

// NewPIDResolver creates a resolver that refreshes every interval.
func NewPIDResolver(interval time.Duration) *PIDResolver {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &PIDResolver{
		interval: interval,
		list: func(ctx context.Context) ([]psnet.ConnectionStat, error) {
			return psnet.ConnectionsWithContext(ctx, "inet")
		},
		ports: make(map[uint16]uint32),
	}
}

// Lookup returns the pid owning port, or 0.
func (r *PIDResolver) Lookup(port uint16) uint32 {
	if port == 0 {
		return 0
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ports[port]
}

// Refresh rebuilds the port table.
func (r *PIDResolver) Refresh(ctx context.Context) error {
	conns, err := r.list(ctx)
	if err != nil {
		return err
	}
	ports := make(map[uint16]uint32, len(conns))
	for _, c := range conns {
		if c.Pid <= 0 || c.Laddr.Port == 0 || c.Laddr.Port > 0xffff {
			continue
		}
		ports[uint16(c.Laddr.Port)] = uint32(c.Pid)
	}
	r.mu.Lock()
	r.ports = ports
	r.mu.Unlock()
	return nil
}

// Run refreshes until ctx is cancelled.
func (r *PIDResolver) Run(ctx context.Context) {
	if err := r.Refresh(ctx); err != nil {
		slog.Warn("pid table refresh failed", "err", err)
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				slog.Debug("pid table refresh failed", "err", err)
			}
		}
	}
}
