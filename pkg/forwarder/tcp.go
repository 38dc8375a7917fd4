package forwarder

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/psaab/meshdp/pkg/envelope"
	"github.com/psaab/meshdp/pkg/metrics"
)

// ForwardTCP sends req to the resolved endpoint and returns the response.
// A backend that closes without sending anything yields (nil, nil). The
// connection is closed on return.
func (f *Forwarder) ForwardTCP(ctx context.Context, req Request) ([]byte, error) {
	target, err := f.endpoint(ctx, req)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	deadline := start.Add(f.timeout)
	dctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dctx, "tcp", target.String())
	if err != nil {
		return nil, f.tcpFailure(ctx, start, target.String(), "dial", err)
	}
	defer conn.Close()

	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	// Unblock I/O if the caller goes away before the deadline.
	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	msg, err := envelope.Encode(envelope.Envelope{
		Direction: envelope.Outgoing,
		Service:   req.Service,
		Namespace: req.Namespace,
		Payload:   req.Payload,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	if _, err := conn.Write(msg); err != nil {
		return nil, f.tcpFailure(ctx, start, target.String(), "write", err)
	}

	buf := make([]byte, ResponseBufferSize)
	n, err := conn.Read(buf)
	if n == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			slog.Debug("tcp forward: backend sent no data", "remote", target)
			return nil, nil
		}
		return nil, f.tcpFailure(ctx, start, target.String(), "read", err)
	}

	f.m.ObserveResponse(metrics.LabelTCP, time.Since(start))
	f.m.IncRequest(clientLabel(req.Client))
	return buf[:n], nil
}

func (f *Forwarder) tcpFailure(ctx context.Context, start time.Time, remote, op string, err error) error {
	if ctx.Err() != nil && !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s: %w", ErrTransport, op, remote, ctx.Err())
	}
	if isTimeout(err) {
		f.m.ObserveResponse(metrics.LabelTCPTimeout, time.Since(start))
		slog.Debug("tcp forward timed out", "remote", remote, "op", op)
		return fmt.Errorf("%w: %s %s", ErrTimeout, op, remote)
	}
	slog.Warn("tcp forward failed", "remote", remote, "op", op, "err", err)
	return fmt.Errorf("%w: %s %s: %w", ErrTransport, op, remote, err)
}
