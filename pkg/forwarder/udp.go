package forwarder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/psaab/meshdp/pkg/envelope"
	"github.com/psaab/meshdp/pkg/metrics"
)

// ForwardUDP sends req to the resolved endpoint from a fresh ephemeral
// socket and waits for the answer. The answer is accepted from any port
// on the endpoint IP, either directly on the ephemeral socket or as an
// Outgoing envelope handed over by DeliverOutgoing. It is relayed to
// req.Client through reply and returned.
func (f *Forwarder) ForwardUDP(ctx context.Context, req Request, reply ReplyWriter) ([]byte, error) {
	target, err := f.endpoint(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	deadline := start.Add(f.timeout)

	lc := net.ListenConfig{Control: setBroadcast}
	pc, err := lc.ListenPacket(ctx, "udp4", ":0")
	if err != nil {
		return nil, fmt.Errorf("%w: listen: %w", ErrTransport, err)
	}
	conn := pc.(*net.UDPConn)
	defer conn.Close()

	w := f.waiters.add(target.Addr(), req.Service)
	defer f.waiters.remove(w)

	msg, err := envelope.Encode(envelope.Envelope{
		Direction: envelope.Outgoing,
		Service:   req.Service,
		Namespace: req.Namespace,
		Payload:   req.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if _, err := conn.WriteToUDPAddrPort(msg, target); err != nil {
		slog.Warn("udp forward send failed", "remote", target, "err", err)
		return nil, fmt.Errorf("%w: send %s: %w", ErrTransport, target, err)
	}

	direct := make(chan []byte, 1)
	go readMatching(conn, target.Addr(), deadline, direct)

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()

	var resp []byte
	select {
	case resp = <-direct:
	case resp = <-w.ch:
	case <-timer.C:
		f.m.ObserveResponse(metrics.LabelUDPTimeout, time.Since(start))
		slog.Debug("udp forward timed out", "remote", target)
		return nil, fmt.Errorf("%w: %s", ErrTimeout, target)
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrTransport, target, ctx.Err())
	}

	f.m.ObserveResponse(metrics.LabelUDP, time.Since(start))
	f.m.IncRequest(clientLabel(req.Client))

	if reply != nil && req.Client != nil {
		if _, err := reply.WriteTo(resp, req.Client); err != nil {
			slog.Warn("udp reply relay failed", "client", req.Client, "err", err)
			return nil, fmt.Errorf("%w: relay to %s: %w", ErrTransport, req.Client, err)
		}
	}
	return resp, nil
}

// readMatching delivers the first datagram from want on out. Datagrams
// from other addresses are ignored. A backend reply wrapped as an Outgoing
// envelope is unwrapped.
func readMatching(conn *net.UDPConn, want netip.Addr, deadline time.Time, out chan<- []byte) {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return
	}
	buf := make([]byte, ResponseBufferSize)
	for {
		n, from, err := conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) && !isTimeout(err) {
				slog.Debug("udp forward read failed", "err", err)
			}
			return
		}
		if from.Addr().Unmap() != want {
			slog.Debug("udp forward ignoring datagram", "from", from, "want", want)
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		if env, err := envelope.Decode(data); err == nil && env.Direction == envelope.Outgoing {
			data = env.Payload
		}
		out <- data
		return
	}
}

func setBroadcast(network, address string, c syscall.RawConn) error {
	var serr error
	err := c.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BROADCAST, 1)
	})
	if err != nil {
		return err
	}
	return serr
}

// DeliverOutgoing hands the payload of an Outgoing envelope to a UDP
// forward waiting on the sender's IP. It reports whether anyone took it.
func (f *Forwarder) DeliverOutgoing(env envelope.Envelope, from net.Addr) bool {
	ip := addrIP(from)
	if !ip.IsValid() {
		return false
	}
	return f.waiters.deliver(ip, env.Service, env.Payload)
}
