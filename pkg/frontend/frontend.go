// Package frontend accepts client messages on UDP and TCP, decodes their
// envelopes and dispatches them to the forwarder.
package frontend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/psaab/meshdp/pkg/envelope"
	"github.com/psaab/meshdp/pkg/flow"
	"github.com/psaab/meshdp/pkg/forwarder"
	"github.com/psaab/meshdp/pkg/metrics"
)

const (
	// DefaultUDPAddr and DefaultTCPAddr are the ingress listen addresses.
	DefaultUDPAddr = ":5053"
	DefaultTCPAddr = ":5054"
	// DefaultBackendPort is the pod port requests are forwarded to.
	DefaultBackendPort = 8080

	maxMessageSize = 64 << 10
)

// Forwarder is the subset of *forwarder.Forwarder used by the front end.
type Forwarder interface {
	ForwardTCP(ctx context.Context, req forwarder.Request) ([]byte, error)
	ForwardUDP(ctx context.Context, req forwarder.Request, reply forwarder.ReplyWriter) ([]byte, error)
	DeliverOutgoing(env envelope.Envelope, from net.Addr) bool
}

// Blocklist reports blocked source addresses in host order.
type Blocklist interface {
	Contains(ip uint32) bool
}

// Config configures a Server.
type Config struct {
	UDPAddr     string // empty disables UDP
	TCPAddr     string // empty disables TCP
	BackendPort uint32
	// ReadTimeout bounds the single read of a TCP message.
	ReadTimeout time.Duration

	Forwarder Forwarder
	Blocklist Blocklist        // optional
	Metrics   *metrics.Metrics // optional
}

// Server is the data-plane front end.
type Server struct {
	cfg Config

	mu      sync.Mutex
	udp     *net.UDPConn
	tcp     net.Listener
	stopped bool
	// reading holds accepted connections still waiting for their message.
	reading map[net.Conn]struct{}

	handlers sync.WaitGroup
}

// New creates a server. Call Listen then Run.
func New(cfg Config) *Server {
	if cfg.BackendPort == 0 {
		cfg.BackendPort = DefaultBackendPort
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = forwarder.DefaultTimeout
	}
	return &Server{cfg: cfg, reading: make(map[net.Conn]struct{})}
}

// Listen binds the configured sockets. Bind failures are returned.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.UDPAddr != "" {
		addr, err := net.ResolveUDPAddr("udp", s.cfg.UDPAddr)
		if err != nil {
			return fmt.Errorf("frontend: resolve %s: %w", s.cfg.UDPAddr, err)
		}
		conn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("frontend: listen udp %s: %w", s.cfg.UDPAddr, err)
		}
		s.udp = conn
	}
	if s.cfg.TCPAddr != "" {
		ln, err := net.Listen("tcp", s.cfg.TCPAddr)
		if err != nil {
			if s.udp != nil {
				s.udp.Close()
				s.udp = nil
			}
			return fmt.Errorf("frontend: listen tcp %s: %w", s.cfg.TCPAddr, err)
		}
		s.tcp = ln
	}
	return nil
}

// UDPAddr returns the bound UDP address, or nil.
func (s *Server) UDPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.udp == nil {
		return nil
	}
	return s.udp.LocalAddr()
}

// TCPAddr returns the bound TCP address, or nil.
func (s *Server) TCPAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcp == nil {
		return nil
	}
	return s.tcp.Addr()
}

// Run serves until ctx is cancelled, then waits for in-flight handlers.
// Listen is called first if it has not been.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	bound := s.udp != nil || s.tcp != nil
	s.mu.Unlock()
	if !bound {
		if err := s.Listen(); err != nil {
			return err
		}
	}

	stop := context.AfterFunc(ctx, s.stop)
	defer stop()

	// Handlers outlive cancellation; each is bounded by the forward timeout.
	hctx := context.WithoutCancel(ctx)

	var loops sync.WaitGroup
	if s.udp != nil {
		slog.Info("frontend listening", "transport", "udp", "addr", s.udp.LocalAddr())
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.serveUDP(hctx)
		}()
	}
	if s.tcp != nil {
		slog.Info("frontend listening", "transport", "tcp", "addr", s.tcp.Addr())
		loops.Add(1)
		go func() {
			defer loops.Done()
			s.serveTCP(hctx)
		}()
	}
	loops.Wait()
	s.handlers.Wait()
	slog.Info("frontend stopped")
	return nil
}

func (s *Server) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.udp != nil {
		s.udp.Close()
	}
	if s.tcp != nil {
		s.tcp.Close()
	}
	// Idle clients must not hold up shutdown. Requests already read are
	// left to finish within the forward timeout.
	now := time.Now()
	for c := range s.reading {
		c.SetReadDeadline(now)
	}
}

// trackRead registers conn as waiting for its message. It reports false
// once the server is stopping.
func (s *Server) trackRead(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.reading[conn] = struct{}{}
	return true
}

func (s *Server) untrackRead(conn net.Conn) {
	s.mu.Lock()
	delete(s.reading, conn)
	s.mu.Unlock()
}

func (s *Server) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

// blocked reports whether addr is a blocklisted IPv4 source.
func (s *Server) blocked(addr net.Addr) bool {
	if s.cfg.Blocklist == nil {
		return false
	}
	var ip net.IP
	switch a := addr.(type) {
	case *net.UDPAddr:
		ip = a.IP
	case *net.TCPAddr:
		ip = a.IP
	default:
		return false
	}
	a, _ := netip.AddrFromSlice(ip)
	v4, ok := flow.Uint32FromAddr(a)
	return ok && s.cfg.Blocklist.Contains(v4)
}

// decode parses msg and reports whether it is routable. Unroutable
// messages get UnknownReply.
func (s *Server) decode(transport string, msg []byte, from net.Addr) (envelope.Envelope, bool) {
	env, err := envelope.Decode(msg)
	if err != nil {
		s.cfg.Metrics.FrontendMessage(transport, "malformed")
		slog.Debug("frontend: malformed message", "transport", transport, "remote", from, "err", err)
		return env, false
	}
	s.cfg.Metrics.FrontendMessage(transport, env.Direction.String())
	if env.Direction == envelope.Unknown || env.Service == "" {
		slog.Debug("frontend: unknown message", "transport", transport, "remote", from)
		return env, false
	}
	return env, true
}

func (s *Server) request(env envelope.Envelope, from net.Addr) forwarder.Request {
	return forwarder.Request{
		Service:   env.Service,
		Namespace: env.Namespace,
		Payload:   env.Payload,
		Port:      s.cfg.BackendPort,
		Client:    from,
	}
}

func logForwardError(transport string, env envelope.Envelope, from net.Addr, err error) {
	level := slog.LevelWarn
	if errors.Is(err, forwarder.ErrResolution) || errors.Is(err, forwarder.ErrTimeout) {
		level = slog.LevelInfo
	}
	slog.Log(context.Background(), level, "frontend: forward failed",
		"transport", transport, "service", env.Target(), "remote", from, "err", err)
}
