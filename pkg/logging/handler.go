package logging

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

type clientSet struct {
	mu      sync.RWMutex
	clients []*SyslogClient
}

func (cs *clientSet) load() []*SyslogClient {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return cs.clients
}

// SyslogHandler is an slog.Handler that mirrors records to remote syslog
// servers in addition to a wrapped base handler. Handlers derived with
// WithAttrs or WithGroup share the client set.
type SyslogHandler struct {
	base   slog.Handler
	set    *clientSet
	attrs  []slog.Attr
	groups []string
}

// NewSyslogHandler wraps base with syslog forwarding.
func NewSyslogHandler(base slog.Handler) *SyslogHandler {
	return &SyslogHandler{base: base, set: &clientSet{}}
}

// SetClients replaces the set of syslog clients. Old clients are closed.
func (h *SyslogHandler) SetClients(clients []*SyslogClient) {
	h.set.mu.Lock()
	old := h.set.clients
	h.set.clients = clients
	h.set.mu.Unlock()

	for _, c := range old {
		c.Close()
	}
}

// Close closes all syslog clients.
func (h *SyslogHandler) Close() {
	h.SetClients(nil)
}

// Enabled implements slog.Handler.
func (h *SyslogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *SyslogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	clients := h.set.load()
	if len(clients) == 0 {
		return err
	}
	severity := slogLevelToSyslog(r.Level)
	var msg string
	for _, c := range clients {
		if !c.ShouldSend(severity) {
			continue
		}
		if msg == "" {
			msg = formatRecord(r, h.attrs, h.groups)
		}
		c.Send(severity, msg)
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *SyslogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithAttrs(attrs),
		set:    h.set,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *SyslogHandler) WithGroup(name string) slog.Handler {
	return &SyslogHandler{
		base:   h.base.WithGroup(name),
		set:    h.set,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

func slogLevelToSyslog(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	default:
		return SyslogDebug
	}
}

// formatRecord produces a compact key=value rendering of a record.
func formatRecord(r slog.Record, preAttrs []slog.Attr, groups []string) string {
	var b strings.Builder
	b.WriteString(r.Message)

	for _, a := range preAttrs {
		fmt.Fprintf(&b, " %s=%s", a.Key, a.Value.String())
	}

	prefix := ""
	if len(groups) > 0 {
		prefix = strings.Join(groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s%s=%s", prefix, a.Key, a.Value.String())
		return true
	})

	return b.String()
}
