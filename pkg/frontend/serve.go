package frontend

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/psaab/meshdp/pkg/envelope"
)

func (s *Server) serveUDP(ctx context.Context) {
	buf := make([]byte, maxMessageSize)
	for {
		n, remote, err := s.udp.ReadFromUDP(buf)
		if err != nil {
			if s.isStopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("frontend udp read error", "err", err)
			continue
		}
		if s.blocked(remote) {
			slog.Debug("frontend: dropping blocked source", "transport", "udp", "remote", remote)
			continue
		}
		msg := make([]byte, n)
		copy(msg, buf[:n])

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			s.handleDatagram(ctx, msg, remote)
		}()
	}
}

func (s *Server) handleDatagram(ctx context.Context, msg []byte, remote *net.UDPAddr) {
	env, ok := s.decode("udp", msg, remote)
	if !ok {
		if _, err := s.udp.WriteToUDP([]byte(envelope.UnknownReply), remote); err != nil {
			slog.Debug("frontend udp write error", "remote", remote, "err", err)
		}
		return
	}

	switch env.Direction {
	case envelope.Incoming:
		// ForwardUDP relays the answer to remote through the listener.
		if _, err := s.cfg.Forwarder.ForwardUDP(ctx, s.request(env, remote), s.udp); err != nil {
			logForwardError("udp", env, remote, err)
		}
	case envelope.Outgoing:
		if !s.cfg.Forwarder.DeliverOutgoing(env, remote) {
			slog.Debug("frontend: outgoing message with no waiter", "service", env.Target(), "remote", remote)
		}
	}
}

func (s *Server) serveTCP(ctx context.Context) {
	for {
		conn, err := s.tcp.Accept()
		if err != nil {
			if s.isStopped() || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("frontend tcp accept error", "err", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		if s.blocked(conn.RemoteAddr()) {
			slog.Debug("frontend: dropping blocked source", "transport", "tcp", "remote", conn.RemoteAddr())
			conn.Close()
			continue
		}

		s.handlers.Add(1)
		go func() {
			defer s.handlers.Done()
			defer conn.Close()
			s.handleConn(ctx, conn)
		}()
	}
}

// handleConn serves one message per connection: a single read, then at
// most one response.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	remote := conn.RemoteAddr()
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
		return
	}
	if !s.trackRead(conn) {
		return
	}
	buf := make([]byte, maxMessageSize)
	n, err := conn.Read(buf)
	s.untrackRead(conn)
	if n == 0 {
		if err != nil {
			slog.Debug("frontend tcp read error", "remote", remote, "err", err)
		}
		return
	}

	env, ok := s.decode("tcp", buf[:n], remote)
	if !ok {
		conn.Write([]byte(envelope.UnknownReply))
		return
	}

	switch env.Direction {
	case envelope.Incoming:
		resp, err := s.cfg.Forwarder.ForwardTCP(ctx, s.request(env, remote))
		if err != nil {
			logForwardError("tcp", env, remote, err)
			return
		}
		if len(resp) == 0 {
			return
		}
		if err := conn.SetWriteDeadline(time.Now().Add(s.cfg.ReadTimeout)); err != nil {
			return
		}
		if _, err := conn.Write(resp); err != nil {
			slog.Debug("frontend tcp write error", "remote", remote, "err", err)
		}
	case envelope.Outgoing:
		if !s.cfg.Forwarder.DeliverOutgoing(env, remote) {
			slog.Debug("frontend: outgoing message with no waiter", "service", env.Target(), "remote", remote)
		}
	}
}
