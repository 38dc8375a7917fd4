// Package grpcapi implements the gRPC monitoring service.
package grpcapi

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/psaab/meshdp/pkg/conntrack"
	"github.com/psaab/meshdp/pkg/events"
	"github.com/psaab/meshdp/pkg/flow"
	"github.com/psaab/meshdp/pkg/resolver"
)

// DefaultAddr is the default gRPC listen address.
const DefaultAddr = "127.0.0.1:50051"

// Config configures the gRPC server.
type Config struct {
	Events    *events.Aggregator
	Cache     *resolver.Cache
	Conntrack *conntrack.Table
}

// Server implements the Monitor gRPC service.
type Server struct {
	events    *events.Aggregator
	cache     *resolver.Cache
	conntrack *conntrack.Table
	addr      string
}

var _ MonitorServer = (*Server)(nil)

// NewServer creates a new gRPC server.
func NewServer(addr string, cfg Config) *Server {
	if addr == "" {
		addr = DefaultAddr
	}
	return &Server{
		events:    cfg.Events,
		cache:     cfg.Cache,
		conntrack: cfg.Conntrack,
		addr:      addr,
	}
}

// Run starts the gRPC server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("gRPC listen: %w", err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	srv := grpc.NewServer()
	RegisterMonitorServer(srv, s)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("gRPC server listening", "addr", lis.Addr())
		if err := srv.Serve(lis); err != nil {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	srv.GracefulStop()
	slog.Info("gRPC server stopped")
	return nil
}

// SnapshotConnections drains and returns all queued connection events.
func (s *Server) SnapshotConnections(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.events == nil {
		return nil, status.Error(codes.Unavailable, "event aggregator not available")
	}
	evs := s.events.SnapshotAndClear()
	list := make([]any, 0, len(evs))
	for _, ev := range evs {
		list = append(list, eventFields(ev))
	}
	return newStruct(map[string]any{
		"connections": list,
		"dropped":     s.events.Dropped(),
	})
}

// ListCache returns every service resolution cache entry.
func (s *Server) ListCache(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.cache == nil {
		return nil, status.Error(codes.Unavailable, "resolution cache not available")
	}
	entries := s.cache.Entries()
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, map[string]any{
			"service": e.Service,
			"ip":      e.Endpoint.Addr().String(),
			"port":    e.Endpoint.Port,
		})
	}
	return newStruct(map[string]any{"entries": list})
}

// ListConntrack returns tracked connections, most recently seen first.
func (s *Server) ListConntrack(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	if s.conntrack == nil {
		return nil, status.Error(codes.Unavailable, "conntrack not available")
	}
	entries := s.conntrack.Entries()
	list := make([]any, 0, len(entries))
	for _, e := range entries {
		list = append(list, map[string]any{
			"protocol":   e.Key.Protocol.String(),
			"src_ip":     flow.AddrFromUint32(e.Key.SrcIP).String(),
			"src_port":   uint32(e.Key.SrcPort),
			"dst_ip":     flow.AddrFromUint32(e.Key.DstIP).String(),
			"dst_port":   uint32(e.Key.DstPort),
			"pid":        e.PID,
			"packets":    e.Packets,
			"first_seen": e.FirstSeen.Format(time.RFC3339),
			"last_seen":  e.LastSeen.Format(time.RFC3339),
		})
	}
	return newStruct(map[string]any{"entries": list})
}

func eventFields(ev flow.ConnectionEvent) map[string]any {
	return map[string]any{
		"protocol": ev.Protocol.String(),
		"src_ip":   flow.AddrFromUint32(ev.SrcIP).String(),
		"src_port": uint32(ev.SrcPort),
		"dst_ip":   flow.AddrFromUint32(ev.DstIP).String(),
		"dst_port": uint32(ev.DstPort),
		"pid":      ev.PID,
	}
}

func newStruct(m map[string]any) (*structpb.Struct, error) {
	st, err := structpb.NewStruct(m)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return st, nil
}
