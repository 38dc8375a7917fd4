// Package logging builds the daemon's slog handler: text or JSON on a
// local writer, optionally mirrored to remote syslog servers.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
)

// Options configures the default logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	// Syslog lists remote host:port UDP destinations.
	Syslog         []string
	SyslogSeverity string // error, warning, info; empty sends everything
}

// ParseLevel converts a level name to a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// NewHandler returns a text or JSON handler writing to w.
func NewHandler(w io.Writer, level slog.Level, format string) (slog.Handler, error) {
	opts := &slog.HandlerOptions{Level: level}
	switch strings.ToLower(format) {
	case "", "text":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// Setup builds the handler described by opts. The returned SyslogHandler
// must be closed on shutdown.
func Setup(w io.Writer, opts Options) (*SyslogHandler, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	base, err := NewHandler(w, level, opts.Format)
	if err != nil {
		return nil, err
	}
	h := NewSyslogHandler(base)
	if len(opts.Syslog) == 0 {
		return h, nil
	}

	minSev := ParseSeverity(opts.SyslogSeverity)
	var clients []*SyslogClient
	for _, addr := range opts.Syslog {
		c, err := NewSyslogClient(addr)
		if err != nil {
			for _, c := range clients {
				c.Close()
			}
			return nil, err
		}
		c.MinSeverity = minSev
		clients = append(clients, c)
	}
	h.SetClients(clients)
	return h, nil
}
