// Package daemon implements the meshdp daemon lifecycle.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/cilium/ebpf"
	"golang.org/x/sync/errgroup"

	"github.com/psaab/meshdp/pkg/api"
	"github.com/psaab/meshdp/pkg/blocklist"
	"github.com/psaab/meshdp/pkg/capture"
	"github.com/psaab/meshdp/pkg/config"
	"github.com/psaab/meshdp/pkg/conntrack"
	"github.com/psaab/meshdp/pkg/controlplane"
	"github.com/psaab/meshdp/pkg/events"
	"github.com/psaab/meshdp/pkg/export"
	"github.com/psaab/meshdp/pkg/flow"
	"github.com/psaab/meshdp/pkg/forwarder"
	"github.com/psaab/meshdp/pkg/frontend"
	"github.com/psaab/meshdp/pkg/grpcapi"
	"github.com/psaab/meshdp/pkg/metrics"
	"github.com/psaab/meshdp/pkg/resolver"
)

// Options configures the daemon.
type Options struct {
	Config *config.Config
	// ControlPlane overrides the one described by Config.
	ControlPlane controlplane.ControlPlane
	// Publisher overrides the NATS connection used for export.
	Publisher export.Publisher
}

// Daemon is the main meshdp daemon.
type Daemon struct {
	opts Options
	cfg  *config.Config

	metrics   *metrics.Metrics
	cache     *resolver.Cache
	events    *events.Aggregator
	conntrack *conntrack.Table
	blocklist *blocklist.Set
	frontend  *frontend.Server

	ready     chan struct{}
	readyOnce sync.Once
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	return &Daemon{
		opts:  opts,
		cfg:   opts.Config,
		ready: make(chan struct{}),
	}
}

// Ready is closed once the front end listeners are bound.
func (d *Daemon) Ready() <-chan struct{} { return d.ready }

// FrontendAddrs returns the bound front end addresses. Valid after Ready.
func (d *Daemon) FrontendAddrs() (udp, tcp net.Addr) {
	return d.frontend.UDPAddr(), d.frontend.TCPAddr()
}

// Cache returns the service resolution cache. Valid after Ready.
func (d *Daemon) Cache() *resolver.Cache { return d.cache }

// Run starts the daemon and blocks until shutdown. Listener bind failures
// are returned.
func (d *Daemon) Run(ctx context.Context) error {
	cfg := d.cfg
	slog.Info("starting meshdp daemon",
		"udp", cfg.Frontend.UDPAddr,
		"tcp", cfg.Frontend.TCPAddr,
		"control_plane", cfg.ControlPlane.Mode,
		"pid", os.Getpid())

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	cp, err := d.controlPlane()
	if err != nil {
		return err
	}

	d.metrics = metrics.New()
	d.cache = resolver.New(cp, resolver.Options{
		Capacity: cfg.Cache.Capacity,
		TTL:      cfg.Cache.TTL,
		Metrics:  d.metrics,
	})
	d.events = events.NewAggregator(cfg.Events.QueueSize, cfg.Events.HistorySize)
	d.conntrack = conntrack.NewTable(cfg.Conntrack.Size)

	blSource, err := d.setupBlocklist()
	if err != nil {
		return err
	}

	fwd := forwarder.New(forwarder.Options{
		Resolver: d.cache,
		Metrics:  d.metrics,
		Timeout:  cfg.Forward.Timeout,
	})
	d.frontend = frontend.New(frontend.Config{
		UDPAddr:     cfg.Frontend.UDPAddr,
		TCPAddr:     cfg.Frontend.TCPAddr,
		BackendPort: cfg.Frontend.BackendPort,
		ReadTimeout: cfg.Frontend.ReadTimeout,
		Forwarder:   fwd,
		Blocklist:   d.blocklist,
		Metrics:     d.metrics,
	})
	if err := d.frontend.Listen(); err != nil {
		return err
	}

	if err := d.metrics.RegisterState(metrics.State{
		CacheEntries:     d.cache.Len,
		ConntrackEntries: d.conntrack.Len,
		QueueDepth:       d.events.Depth,
		EventsDropped:    d.events.Dropped,
		BlocklistEntries: d.blocklist.Len,
	}); err != nil {
		return fmt.Errorf("register state metrics: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.frontend.Run(gctx) })

	apiSrv := api.NewServer(api.Config{
		Addr:      cfg.API.Addr,
		Auth:      authConfig(cfg.API),
		Metrics:   d.metrics,
		Cache:     d.cache,
		Conntrack: d.conntrack,
		Events:    d.events,
		Blocklist: d.blocklist,
	})
	if cfg.API.Addr != "" {
		g.Go(func() error { return apiSrv.Run(gctx) })
	}

	if cfg.GRPC.Addr != "" {
		grpcSrv := grpcapi.NewServer(cfg.GRPC.Addr, grpcapi.Config{
			Events:    d.events,
			Cache:     d.cache,
			Conntrack: d.conntrack,
		})
		g.Go(func() error { return grpcSrv.Run(gctx) })
	}

	gc := conntrack.NewGC(d.conntrack, cfg.Conntrack.GCInterval, cfg.Conntrack.IdleTimeout)
	g.Go(func() error {
		gc.Run(gctx)
		return nil
	})

	if blSource != nil {
		g.Go(func() error {
			if err := blSource.Watch(gctx); err != nil {
				slog.Warn("blocklist watch stopped", "err", err)
			}
			return nil
		})
	}

	if err := d.startCapture(gctx, g); err != nil {
		slog.Warn("packet capture disabled", "err", err)
	}

	closeExport := d.startExport(gctx, g)
	defer closeExport()

	d.readyOnce.Do(func() { close(d.ready) })

	<-gctx.Done()
	if ctx.Err() != nil {
		slog.Info("signal received, shutting down")
	}
	err = g.Wait()

	logFinalStats(d.events, d.conntrack, d.cache)
	slog.Info("shutdown complete")
	return err
}

func (d *Daemon) controlPlane() (controlplane.ControlPlane, error) {
	if d.opts.ControlPlane != nil {
		return d.opts.ControlPlane, nil
	}
	cp := d.cfg.ControlPlane
	switch cp.Mode {
	case config.ControlPlaneStatic:
		return staticControlPlane(cp.Services), nil
	default:
		k, err := controlplane.NewKubernetesFromConfig(cp.Kubeconfig)
		if err != nil {
			return nil, fmt.Errorf("control plane: %w", err)
		}
		return k, nil
	}
}

func staticControlPlane(services []config.StaticService) *controlplane.Static {
	s := controlplane.NewStatic()
	for _, svc := range services {
		ns := svc.Namespace
		if ns == "" {
			ns = resolver.DefaultNamespace
		}
		s.AddService(controlplane.Service{Name: svc.Name, Namespace: ns, Selector: svc.Selector})
		for _, p := range svc.Pods {
			labels := p.Labels
			if labels == nil {
				labels = svc.Selector
			}
			s.AddPod(ns, controlplane.Pod{Name: p.Name, IP: p.IP, Labels: labels})
		}
	}
	return s
}

// setupBlocklist builds the shared set from static addresses and the
// optional watched file, mirroring it into a pinned BPF map if configured.
func (d *Daemon) setupBlocklist() (*blocklist.FileSource, error) {
	bc := d.cfg.Blocklist
	static, err := blocklist.ParseAddrs(bc.Addrs)
	if err != nil {
		return nil, err
	}
	d.blocklist = blocklist.New(static...)

	var mirror *blocklist.MapMirror
	if bc.MapPin != "" {
		m, err := ebpf.LoadPinnedMap(bc.MapPin, nil)
		if err != nil {
			slog.Warn("blocklist map unavailable", "pin", bc.MapPin, "err", err)
		} else {
			mirror = blocklist.NewMapMirror(m)
		}
	}
	syncMirror := func(addrs []uint32) {
		if mirror == nil {
			return
		}
		if err := mirror.Sync(addrs); err != nil {
			slog.Warn("blocklist map sync failed", "err", err)
		}
	}

	if bc.File == "" {
		syncMirror(d.blocklist.Addrs())
		return nil, nil
	}
	src := blocklist.NewFileSource(bc.File, d.blocklist)
	src.Base = static
	src.OnReload = syncMirror
	if err := src.Load(); err != nil {
		slog.Warn("blocklist file not loaded", "err", err)
		syncMirror(d.blocklist.Addrs())
	}
	return src, nil
}

// eventSink records every accepted event in conntrack and the aggregator.
type eventSink struct {
	agg *events.Aggregator
	ct  *conntrack.Table
}

func (s eventSink) Push(ev flow.ConnectionEvent) {
	s.ct.Observe(ev)
	s.agg.Push(ev)
}

func (d *Daemon) startCapture(ctx context.Context, g *errgroup.Group) error {
	cc := d.cfg.Capture
	sink := eventSink{agg: d.events, ct: d.conntrack}

	switch {
	case cc.RingbufPin != "":
		m, err := ebpf.LoadPinnedMap(cc.RingbufPin, nil)
		if err != nil {
			return fmt.Errorf("load ring buffer %s: %w", cc.RingbufPin, err)
		}
		src, err := events.NewRingbufSource(m)
		if err != nil {
			m.Close()
			return err
		}
		r := events.NewReader(src, sink)
		g.Go(func() error {
			defer m.Close()
			r.Run(ctx)
			return nil
		})
	case cc.Iface != "":
		src, err := capture.OpenAFPacket(cc.Iface, cc.ReadTimeout)
		if err != nil {
			return err
		}
		pids := capture.NewPIDResolver(cc.PIDRefresh)
		c := &capture.Capture{
			Source:    src,
			Blocklist: d.blocklist,
			Sink:      sink,
			PIDs:      pids,
			Metrics:   d.metrics,
		}
		g.Go(func() error {
			pids.Run(ctx)
			return nil
		})
		g.Go(func() error {
			if err := c.Run(ctx); err != nil {
				slog.Warn("capture stopped", "iface", cc.Iface, "err", err)
			}
			return nil
		})
	}
	return nil
}

// startExport runs the NATS exporter if configured. The returned func
// releases the connection.
func (d *Daemon) startExport(ctx context.Context, g *errgroup.Group) func() {
	ec := d.cfg.Export
	pub := d.opts.Publisher
	closeFn := func() {}
	if pub == nil {
		if ec.NATSURL == "" {
			return closeFn
		}
		nc, err := export.Connect(ec.NATSURL)
		if err != nil {
			slog.Warn("export disabled", "err", err)
			return closeFn
		}
		pub = nc
		closeFn = func() {
			if err := nc.Drain(); err != nil {
				nc.Close()
			}
		}
	}
	exp := export.NewExporter(pub, d.events, export.Config{
		Subject:  ec.Subject,
		Interval: ec.Interval,
		MaxBatch: ec.MaxBatch,
	})
	g.Go(func() error {
		exp.Run(ctx)
		return nil
	})
	return closeFn
}

func authConfig(ac config.APIConfig) *api.AuthConfig {
	if len(ac.Users) == 0 && len(ac.APIKeys) == 0 {
		return nil
	}
	keys := make(map[string]bool, len(ac.APIKeys))
	for _, k := range ac.APIKeys {
		keys[k] = true
	}
	return &api.AuthConfig{Users: ac.Users, APIKeys: keys}
}

// logFinalStats logs counter summaries before exit.
func logFinalStats(agg *events.Aggregator, ct *conntrack.Table, cache *resolver.Cache) {
	slog.Info("final stats",
		"events_pushed", agg.Pushed(),
		"events_dropped", agg.Dropped(),
		"events_queued", agg.Depth(),
		"conntrack_entries", ct.Len(),
		"cache_entries", cache.Len())
}
