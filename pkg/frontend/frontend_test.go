package frontend

import (
	"context"
	"io"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/psaab/meshdp/pkg/blocklist"
	"github.com/psaab/meshdp/pkg/controlplane"
	"github.com/psaab/meshdp/pkg/envelope"
	"github.com/psaab/meshdp/pkg/forwarder"
	"github.com/psaab/meshdp/pkg/resolver"
)

func startServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	if cfg.UDPAddr == "" {
		cfg.UDPAddr = "127.0.0.1:0"
	}
	if cfg.TCPAddr == "" {
		cfg.TCPAddr = "127.0.0.1:0"
	}
	s := New(cfg)
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Error("server did not stop")
		}
	})
	return s
}

func newForwarder(t *testing.T, timeout time.Duration) (*forwarder.Forwarder, *resolver.Cache) {
	t.Helper()
	cache := resolver.New(controlplane.NewStatic(), resolver.Options{})
	return forwarder.New(forwarder.Options{Resolver: cache, Timeout: timeout}), cache
}

// pongBackend answers every UDP datagram with "pong".
func pongBackend(t *testing.T) uint32 {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	go func() {
		buf := make([]byte, 2048)
		for {
			_, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			conn.WriteToUDP([]byte("pong"), from)
		}
	}()
	return uint32(conn.LocalAddr().(*net.UDPAddr).Port)
}

// exchangeUDP sends msg to the server and returns the reply, or nil if
// nothing arrived within wait.
func exchangeUDP(t *testing.T, s *Server, msg string, wait time.Duration) []byte {
	t.Helper()
	conn, err := net.DialUDP("udp4", nil, s.UDPAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	if _, err := conn.Write([]byte(msg)); err != nil {
		t.Fatal(err)
	}
	conn.SetReadDeadline(time.Now().Add(wait))
	buf := make([]byte, 2048)
	n, err := conn.Read(buf)
	if err != nil {
		return nil
	}
	return buf[:n]
}

func TestUDPIncomingEndToEnd(t *testing.T) {
	fwd, cache := newForwarder(t, 2*time.Second)
	port := pongBackend(t)
	if err := cache.Register("orders", netip.MustParseAddr("127.0.0.1"), port); err != nil {
		t.Fatal(err)
	}
	s := startServer(t, Config{Forwarder: fwd})

	got := exchangeUDP(t, s, "orders.default:ping", 3*time.Second)
	if string(got) != "pong" {
		t.Errorf("reply = %q, want pong", got)
	}
}

func TestUDPUnresolvedServiceIsSilent(t *testing.T) {
	fwd, _ := newForwarder(t, time.Second)
	s := startServer(t, Config{Forwarder: fwd})

	if got := exchangeUDP(t, s, "unknown.ns:x", 300*time.Millisecond); got != nil {
		t.Errorf("reply = %q, want silence", got)
	}
}

func TestUDPUnknownMessage(t *testing.T) {
	fwd, _ := newForwarder(t, time.Second)
	s := startServer(t, Config{Forwarder: fwd})

	for _, msg := range []string{"no delimiter", "bogus/svc:x", ":payload"} {
		got := exchangeUDP(t, s, msg, 2*time.Second)
		if string(got) != envelope.UnknownReply {
			t.Errorf("%q: reply = %q, want %q", msg, got, envelope.UnknownReply)
		}
	}
}

func TestUDPBlockedSourceDropped(t *testing.T) {
	fwd, _ := newForwarder(t, time.Second)
	s := startServer(t, Config{Forwarder: fwd, Blocklist: blocklist.New(0x7F000001)})

	if got := exchangeUDP(t, s, "no delimiter", 300*time.Millisecond); got != nil {
		t.Errorf("blocked source got reply %q", got)
	}
}

func TestTCPIncomingEndToEnd(t *testing.T) {
	fwd, cache := newForwarder(t, 2*time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()
	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		buf := make([]byte, 256)
		c.Read(buf)
		c.Write([]byte("pong"))
	}()
	port := uint32(ln.Addr().(*net.TCPAddr).Port)
	if err := cache.Register("orders", netip.MustParseAddr("127.0.0.1"), port); err != nil {
		t.Fatal(err)
	}

	s := startServer(t, Config{Forwarder: fwd})
	conn, err := net.Dial("tcp", s.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	conn.Write([]byte("orders.default:ping"))
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	got, _ := io.ReadAll(conn)
	if string(got) != "pong" {
		t.Errorf("reply = %q, want pong", got)
	}
}

func TestTCPUnknownAndFailure(t *testing.T) {
	fwd, _ := newForwarder(t, time.Second)
	s := startServer(t, Config{Forwarder: fwd})

	send := func(msg string) []byte {
		conn, err := net.Dial("tcp", s.TCPAddr().String())
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		conn.Write([]byte(msg))
		conn.SetReadDeadline(time.Now().Add(3 * time.Second))
		got, _ := io.ReadAll(conn)
		return got
	}

	if got := send("garbage"); string(got) != envelope.UnknownReply {
		t.Errorf("malformed reply = %q", got)
	}
	// Unresolvable service: connection closed without payload.
	if got := send("unknown.ns:x"); len(got) != 0 {
		t.Errorf("unresolved reply = %q, want none", got)
	}
}

type fakeForwarder struct {
	mu        sync.Mutex
	delivered []envelope.Envelope
	got       chan struct{}
}

func (f *fakeForwarder) ForwardTCP(context.Context, forwarder.Request) ([]byte, error) {
	return nil, forwarder.ErrResolution
}

func (f *fakeForwarder) ForwardUDP(context.Context, forwarder.Request, forwarder.ReplyWriter) ([]byte, error) {
	return nil, forwarder.ErrResolution
}

func (f *fakeForwarder) DeliverOutgoing(env envelope.Envelope, from net.Addr) bool {
	f.mu.Lock()
	f.delivered = append(f.delivered, env)
	f.mu.Unlock()
	f.got <- struct{}{}
	return true
}

func TestOutgoingIsDelivered(t *testing.T) {
	fwd := &fakeForwarder{got: make(chan struct{}, 2)}
	s := startServer(t, Config{Forwarder: fwd})

	if got := exchangeUDP(t, s, "out/orders.default:pong", 200*time.Millisecond); got != nil {
		t.Errorf("outgoing message got reply %q", got)
	}
	select {
	case <-fwd.got:
	case <-time.After(2 * time.Second):
		t.Fatal("DeliverOutgoing not called")
	}
	fwd.mu.Lock()
	defer fwd.mu.Unlock()
	env := fwd.delivered[0]
	if env.Service != "orders" || env.Namespace != "default" || string(env.Payload) != "pong" {
		t.Errorf("delivered %+v", env)
	}
}

func TestIdleTCPClientDoesNotDelayShutdown(t *testing.T) {
	fwd, _ := newForwarder(t, time.Second)
	s := New(Config{
		UDPAddr:     "127.0.0.1:0",
		TCPAddr:     "127.0.0.1:0",
		ReadTimeout: 10 * time.Second,
		Forwarder:   fwd,
	})
	if err := s.Listen(); err != nil {
		t.Fatalf("Listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	conn, err := net.Dial("tcp", s.TCPAddr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Wait until the handler is blocked in its read.
	deadline := time.Now().Add(2 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.reading)
		s.mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("connection was never accepted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	start := time.Now()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run blocked on an idle TCP client")
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("Run returned %v after cancel, want well under 1s", d)
	}

	// The idle client is closed without a reply.
	conn.SetReadDeadline(time.Now().Add(time.Second))
	if got, _ := io.ReadAll(conn); len(got) != 0 {
		t.Errorf("idle client got %q", got)
	}
}

func TestListenFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	s := New(Config{UDPAddr: "127.0.0.1:0", TCPAddr: ln.Addr().String()})
	if err := s.Listen(); err == nil {
		t.Fatal("expected bind failure")
	}
	if s.UDPAddr() != nil {
		t.Error("UDP socket should be released after TCP bind failure")
	}
}
