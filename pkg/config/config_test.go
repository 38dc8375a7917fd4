package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Frontend.UDPAddr != ":5053" || cfg.Frontend.TCPAddr != ":5054" {
		t.Errorf("frontend addrs = %q %q", cfg.Frontend.UDPAddr, cfg.Frontend.TCPAddr)
	}
	if cfg.Forward.Timeout != 10*time.Second {
		t.Errorf("forward.timeout = %v, want 10s", cfg.Forward.Timeout)
	}
	if cfg.Cache.TTL != 0 {
		t.Errorf("cache.ttl = %v, want 0", cfg.Cache.TTL)
	}
}

const sampleConfig = `
frontend:
  udp_addr: 127.0.0.1:6053
  tcp_addr: ""
  backend_port: 9000
forward:
  timeout: 2s
cache:
  capacity: 64
  ttl: 30s
blocklist:
  addrs: [192.168.1.1, 10.9.9.9]
control_plane:
  mode: static
  services:
    - name: orders
      namespace: default
      selector: {app: orders}
      pods:
        - name: orders-1
          ip: 10.0.0.5
          labels: {app: orders}
export:
  nats_url: nats://127.0.0.1:4222
  interval: 1m
log:
  level: debug
  format: json
`

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meshdp.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Frontend.UDPAddr != "127.0.0.1:6053" || cfg.Frontend.TCPAddr != "" {
		t.Errorf("frontend = %+v", cfg.Frontend)
	}
	if cfg.Frontend.BackendPort != 9000 {
		t.Errorf("backend_port = %d, want 9000", cfg.Frontend.BackendPort)
	}
	if cfg.Forward.Timeout != 2*time.Second || cfg.Cache.TTL != 30*time.Second {
		t.Errorf("durations: timeout %v ttl %v", cfg.Forward.Timeout, cfg.Cache.TTL)
	}
	// Untouched sections keep their defaults.
	if cfg.Conntrack.Size != 65536 || cfg.API.Addr != ":9090" {
		t.Errorf("defaults lost: conntrack %d api %q", cfg.Conntrack.Size, cfg.API.Addr)
	}
	if len(cfg.ControlPlane.Services) != 1 || cfg.ControlPlane.Services[0].Pods[0].IP != "10.0.0.5" {
		t.Errorf("services = %+v", cfg.ControlPlane.Services)
	}
	if cfg.Export.Subject != "meshdp.connections" || cfg.Export.Interval != time.Minute {
		t.Errorf("export = %+v", cfg.Export)
	}
	if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
		t.Errorf("log = %+v", cfg.Log)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("frontend:\n  udp_adr: :1\n"), 0o644)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "udp_adr") {
		t.Errorf("unknown field error = %v", err)
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(nil)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Frontend.BackendPort != 8080 {
		t.Errorf("backend_port = %d, want 8080", cfg.Frontend.BackendPort)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MESHDP_UDP_ADDR":        ":7053",
		"MESHDP_BACKEND_PORT":    "9443",
		"MESHDP_FORWARD_TIMEOUT": "3s",
		"MESHDP_CONTROL_PLANE":   "static",
	}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatal(err)
	}
	if cfg.Frontend.UDPAddr != ":7053" || cfg.Frontend.BackendPort != 9443 {
		t.Errorf("frontend = %+v", cfg.Frontend)
	}
	if cfg.Forward.Timeout != 3*time.Second || cfg.ControlPlane.Mode != "static" {
		t.Errorf("timeout %v mode %q", cfg.Forward.Timeout, cfg.ControlPlane.Mode)
	}

	env["MESHDP_BACKEND_PORT"] = "http"
	if err := Default().ApplyEnv(lookup); err == nil {
		t.Error("expected error for non-numeric port")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no listeners", func(c *Config) { c.Frontend.UDPAddr, c.Frontend.TCPAddr = "", "" }, "at least one"},
		{"bad addr", func(c *Config) { c.API.Addr = "9090" }, "api.addr"},
		{"port range", func(c *Config) { c.Frontend.BackendPort = 70000 }, "backend_port"},
		{"zero timeout", func(c *Config) { c.Forward.Timeout = 0 }, "forward.timeout"},
		{"zero capacity", func(c *Config) { c.Cache.Capacity = 0 }, "cache.capacity"},
		{"ipv6 blocklist", func(c *Config) { c.Blocklist.Addrs = []string{"::1"} }, "blocklist.addrs"},
		{"unknown mode", func(c *Config) { c.ControlPlane.Mode = "consul" }, "unknown mode"},
		{"bad pod ip", func(c *Config) {
			c.ControlPlane.Mode = ControlPlaneStatic
			c.ControlPlane.Services = []StaticService{{Name: "orders", Pods: []StaticPod{{Name: "p", IP: "x"}}}}
		}, "is not IPv4"},
		{"capture exclusive", func(c *Config) { c.Capture.Iface, c.Capture.RingbufPin = "eth0", "/sys/fs/bpf/ev" }, "exclusive"},
		{"export interval", func(c *Config) { c.Export.NATSURL, c.Export.Interval = "nats://x", 0 }, "export.interval"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.want)
			}
		})
	}
}
