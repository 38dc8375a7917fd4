// Package config defines the daemon configuration and its YAML loader.
package config

import "time"

// Config is the complete daemon configuration.
type Config struct {
	Frontend     FrontendConfig     `yaml:"frontend"`
	Forward      ForwardConfig      `yaml:"forward"`
	Cache        CacheConfig        `yaml:"cache"`
	Conntrack    ConntrackConfig    `yaml:"conntrack"`
	Events       EventsConfig       `yaml:"events"`
	Capture      CaptureConfig      `yaml:"capture"`
	Blocklist    BlocklistConfig    `yaml:"blocklist"`
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	API          APIConfig          `yaml:"api"`
	GRPC         GRPCConfig         `yaml:"grpc"`
	Export       ExportConfig       `yaml:"export"`
	Log          LogConfig          `yaml:"log"`
}

// FrontendConfig holds the ingress listeners. An empty address disables
// that transport.
type FrontendConfig struct {
	UDPAddr     string        `yaml:"udp_addr"`
	TCPAddr     string        `yaml:"tcp_addr"`
	BackendPort uint32        `yaml:"backend_port"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

type ForwardConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// CacheConfig sizes the service resolution cache. A zero TTL keeps
// entries until evicted or invalidated.
type CacheConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

type ConntrackConfig struct {
	Size        int           `yaml:"size"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	GCInterval  time.Duration `yaml:"gc_interval"`
}

type EventsConfig struct {
	QueueSize   int `yaml:"queue_size"`
	HistorySize int `yaml:"history_size"`
}

// CaptureConfig selects the packet source. Iface empty disables capture.
// RingbufPin reads kernel-side events from a pinned BPF ring buffer
// instead of a raw socket.
type CaptureConfig struct {
	Iface      string        `yaml:"iface"`
	RingbufPin string        `yaml:"ringbuf_pin"`
	PIDRefresh time.Duration `yaml:"pid_refresh"`
	// ReadTimeout bounds each raw socket read so shutdown is observed.
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// BlocklistConfig lists blocked IPv4 sources. File is watched for
// changes; Addrs are always included. MapPin mirrors the set into a
// pinned BPF hash map.
type BlocklistConfig struct {
	File   string   `yaml:"file"`
	Addrs  []string `yaml:"addrs"`
	MapPin string   `yaml:"map_pin"`
}

const (
	ControlPlaneKubernetes = "kubernetes"
	ControlPlaneStatic     = "static"
)

// ControlPlaneConfig selects the service discovery backend.
type ControlPlaneConfig struct {
	Mode       string          `yaml:"mode"`
	Kubeconfig string          `yaml:"kubeconfig"`
	Services   []StaticService `yaml:"services"`
}

// StaticService declares a service and its pods for static mode.
type StaticService struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace"`
	Selector  map[string]string `yaml:"selector"`
	Pods      []StaticPod       `yaml:"pods"`
}

type StaticPod struct {
	Name   string            `yaml:"name"`
	IP     string            `yaml:"ip"`
	Labels map[string]string `yaml:"labels"`
}

// APIConfig holds the HTTP API and metrics listener. Users and APIKeys
// enable authentication on /api/v1 routes.
type APIConfig struct {
	Addr    string            `yaml:"addr"`
	Users   map[string]string `yaml:"users"`
	APIKeys []string          `yaml:"api_keys"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr"`
}

// ExportConfig enables NATS export when NATSURL is set.
type ExportConfig struct {
	NATSURL  string        `yaml:"nats_url"`
	Subject  string        `yaml:"subject"`
	Interval time.Duration `yaml:"interval"`
	MaxBatch int           `yaml:"max_batch"`
}

type LogConfig struct {
	Level          string   `yaml:"level"`
	Format         string   `yaml:"format"`
	Syslog         []string `yaml:"syslog"`
	SyslogSeverity string   `yaml:"syslog_severity"`
}
