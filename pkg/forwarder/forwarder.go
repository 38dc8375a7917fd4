// Package forwarder performs the resolve, send and receive round trip for
// a client request against a service endpoint.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/psaab/meshdp/pkg/metrics"
	"github.com/psaab/meshdp/pkg/resolver"
)

const (
	// DefaultTimeout bounds every forwarded round trip.
	DefaultTimeout = 10 * time.Second
	// ResponseBufferSize is the largest response read from a backend.
	ResponseBufferSize = 64 << 10
)

var (
	// ErrResolution is returned when the service has no endpoint.
	ErrResolution = resolver.ErrResolution
	// ErrBadEndpoint is returned when the endpoint is not a usable
	// socket address.
	ErrBadEndpoint = errors.New("invalid endpoint address")
	// ErrTimeout is returned when the backend did not answer in time.
	ErrTimeout = errors.New("forward timed out")
	// ErrTransport wraps connect, send and receive failures.
	ErrTransport = errors.New("forward transport error")
)

// Resolver resolves a service to an endpoint. *resolver.Cache satisfies it.
type Resolver interface {
	Lookup(ctx context.Context, name, namespace string, port uint32) (resolver.Endpoint, error)
}

// ReplyWriter sends a datagram to addr. *net.UDPConn satisfies it.
type ReplyWriter interface {
	WriteTo(b []byte, addr net.Addr) (int, error)
}

// Request is one client request to forward.
type Request struct {
	Service   string
	Namespace string
	Payload   []byte
	Port      uint32
	// Client is the original sender. It labels metrics and receives the
	// relayed UDP reply.
	Client net.Addr
}

// Options configures a Forwarder.
type Options struct {
	Resolver Resolver
	Metrics  *metrics.Metrics
	// Timeout bounds each round trip. Zero means DefaultTimeout.
	Timeout time.Duration
}

// Forwarder forwards requests over TCP or UDP.
type Forwarder struct {
	res     Resolver
	m       *metrics.Metrics
	timeout time.Duration
	waiters *waiterSet
}

// New creates a forwarder.
func New(opts Options) *Forwarder {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	return &Forwarder{
		res:     opts.Resolver,
		m:       opts.Metrics,
		timeout: opts.Timeout,
		waiters: newWaiterSet(),
	}
}

// Timeout returns the per-request bound.
func (f *Forwarder) Timeout() time.Duration { return f.timeout }

// endpoint resolves req and validates the result as a socket address.
func (f *Forwarder) endpoint(ctx context.Context, req Request) (netip.AddrPort, error) {
	ep, err := f.res.Lookup(ctx, req.Service, req.Namespace, req.Port)
	if err != nil {
		return netip.AddrPort{}, err
	}
	addr := ep.Addr()
	if ep.Port == 0 || ep.Port > 0xffff || addr.IsUnspecified() {
		return netip.AddrPort{}, fmt.Errorf("%w: %s", ErrBadEndpoint, ep)
	}
	return netip.AddrPortFrom(addr, uint16(ep.Port)), nil
}

// clientLabel returns the IP of addr for the per-client counter.
func clientLabel(addr net.Addr) string {
	if a := addrIP(addr); a.IsValid() {
		return a.String()
	}
	return "unknown"
}

// addrIP extracts the IP from a net.Addr, or the zero Addr.
func addrIP(addr net.Addr) netip.Addr {
	switch a := addr.(type) {
	case *net.UDPAddr:
		if a == nil {
			return netip.Addr{}
		}
		ip, _ := netip.AddrFromSlice(a.IP)
		return ip.Unmap()
	case *net.TCPAddr:
		if a == nil {
			return netip.Addr{}
		}
		ip, _ := netip.AddrFromSlice(a.IP)
		return ip.Unmap()
	case nil:
		return netip.Addr{}
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}
	}
	return ap.Addr().Unmap()
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
