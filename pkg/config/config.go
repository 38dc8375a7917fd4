package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Frontend: FrontendConfig{
			UDPAddr:     ":5053",
			TCPAddr:     ":5054",
			BackendPort: 8080,
			ReadTimeout: 10 * time.Second,
		},
		Forward: ForwardConfig{Timeout: 10 * time.Second},
		Cache:   CacheConfig{Capacity: 1024},
		Conntrack: ConntrackConfig{
			Size:        65536,
			IdleTimeout: 5 * time.Minute,
			GCInterval:  30 * time.Second,
		},
		Events: EventsConfig{QueueSize: 4096, HistorySize: 256},
		Capture: CaptureConfig{
			PIDRefresh:  5 * time.Second,
			ReadTimeout: 500 * time.Millisecond,
		},
		ControlPlane: ControlPlaneConfig{Mode: ControlPlaneKubernetes},
		API:          APIConfig{Addr: ":9090"},
		GRPC:         GRPCConfig{Addr: "127.0.0.1:50051"},
		Export: ExportConfig{
			Subject:  "meshdp.connections",
			Interval: 10 * time.Second,
			MaxBatch: 1000,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads the YAML file at path over the defaults, applies MESHDP_*
// environment overrides and validates the result. An empty path uses
// defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Parse decodes YAML data over the defaults without validating.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv overrides fields from environment variables.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"MESHDP_UDP_ADDR":      &c.Frontend.UDPAddr,
		"MESHDP_TCP_ADDR":      &c.Frontend.TCPAddr,
		"MESHDP_API_ADDR":      &c.API.Addr,
		"MESHDP_GRPC_ADDR":     &c.GRPC.Addr,
		"MESHDP_IFACE":         &c.Capture.Iface,
		"MESHDP_KUBECONFIG":    &c.ControlPlane.Kubeconfig,
		"MESHDP_NATS_URL":      &c.Export.NATSURL,
		"MESHDP_BLOCKLIST":     &c.Blocklist.File,
		"MESHDP_LOG_LEVEL":     &c.Log.Level,
		"MESHDP_LOG_FORMAT":    &c.Log.Format,
		"MESHDP_CONTROL_PLANE": &c.ControlPlane.Mode,
	}
	for k, p := range strs {
		if v, ok := lookup(k); ok {
			*p = v
		}
	}
	if v, ok := lookup("MESHDP_BACKEND_PORT"); ok {
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return fmt.Errorf("MESHDP_BACKEND_PORT: %w", err)
		}
		c.Frontend.BackendPort = uint32(n)
	}
	if v, ok := lookup("MESHDP_FORWARD_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("MESHDP_FORWARD_TIMEOUT: %w", err)
		}
		c.Forward.Timeout = d
	}
	return nil
}

// Validate checks ranges and cross-field constraints.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	for name, addr := range map[string]string{
		"frontend.udp_addr": c.Frontend.UDPAddr,
		"frontend.tcp_addr": c.Frontend.TCPAddr,
		"api.addr":          c.API.Addr,
		"grpc.addr":         c.GRPC.Addr,
	} {
		if addr == "" {
			continue
		}
		_, _, err := net.SplitHostPort(addr)
		check(err == nil, "%s: %q is not host:port", name, addr)
	}
	check(c.Frontend.UDPAddr != "" || c.Frontend.TCPAddr != "", "frontend: at least one of udp_addr and tcp_addr is required")
	check(c.Frontend.BackendPort > 0 && c.Frontend.BackendPort <= 65535, "frontend.backend_port: %d out of range", c.Frontend.BackendPort)
	check(c.Frontend.ReadTimeout > 0, "frontend.read_timeout must be positive")
	check(c.Forward.Timeout > 0, "forward.timeout must be positive")
	check(c.Cache.Capacity > 0, "cache.capacity must be positive")
	check(c.Cache.TTL >= 0, "cache.ttl must not be negative")
	check(c.Conntrack.Size > 0, "conntrack.size must be positive")
	check(c.Conntrack.IdleTimeout > 0, "conntrack.idle_timeout must be positive")
	check(c.Conntrack.GCInterval > 0, "conntrack.gc_interval must be positive")
	check(c.Events.QueueSize > 0, "events.queue_size must be positive")
	check(c.Events.HistorySize >= 0, "events.history_size must not be negative")
	check(c.Capture.Iface == "" || c.Capture.RingbufPin == "", "capture: iface and ringbuf_pin are exclusive")

	for _, a := range c.Blocklist.Addrs {
		addr, err := netip.ParseAddr(a)
		check(err == nil && addr.Is4(), "blocklist.addrs: %q is not an IPv4 address", a)
	}

	switch c.ControlPlane.Mode {
	case ControlPlaneKubernetes:
	case ControlPlaneStatic:
		for _, svc := range c.ControlPlane.Services {
			check(svc.Name != "", "control_plane.services: service without name")
			for _, p := range svc.Pods {
				addr, err := netip.ParseAddr(p.IP)
				check(err == nil && addr.Is4(), "control_plane.services[%s]: pod %q ip %q is not IPv4", svc.Name, p.Name, p.IP)
			}
		}
	default:
		check(false, "control_plane.mode: unknown mode %q", c.ControlPlane.Mode)
	}

	if c.Export.NATSURL != "" {
		check(c.Export.Subject != "", "export.subject is required with nats_url")
		check(c.Export.Interval > 0, "export.interval must be positive")
	}
	return errors.Join(errs...)
}
