package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

var errExit = errors.New("exit")

// monitor is the subset of *grpcapi.Client used by the shell.
type monitor interface {
	SnapshotConnections(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error)
	ListCache(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error)
	ListConntrack(ctx context.Context, opts ...grpc.CallOption) (*structpb.Struct, error)
}

type ctl struct {
	client  monitor
	out     io.Writer
	timeout time.Duration
}

func (c *ctl) dispatch(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])

	case "quit", "exit":
		return errExit

	case "?", "help":
		c.showHelp()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *ctl) handleShow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("show: missing argument (connections, cache, conntrack)")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	switch args[0] {
	case "connections":
		resp, err := c.client.SnapshotConnections(ctx)
		if err != nil {
			return err
		}
		rows := list(resp, "connections")
		w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROTO\tSOURCE\tDESTINATION\tPID")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", str(r, "protocol"),
				endpoint(r, "src_ip", "src_port"), endpoint(r, "dst_ip", "dst_port"), num(r, "pid"))
		}
		w.Flush()
		fmt.Fprintf(c.out, "%d connections (%s dropped)\n", len(rows), num(resp.GetFields(), "dropped"))
		return nil

	case "cache":
		resp, err := c.client.ListCache(ctx)
		if err != nil {
			return err
		}
		rows := list(resp, "entries")
		w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SERVICE\tENDPOINT")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\n", str(r, "service"), endpoint(r, "ip", "port"))
		}
		w.Flush()
		return nil

	case "conntrack":
		resp, err := c.client.ListConntrack(ctx)
		if err != nil {
			return err
		}
		rows := list(resp, "entries")
		w := tabwriter.NewWriter(c.out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROTO\tSOURCE\tDESTINATION\tPACKETS\tPID\tLAST SEEN")
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", str(r, "protocol"),
				endpoint(r, "src_ip", "src_port"), endpoint(r, "dst_ip", "dst_port"),
				num(r, "packets"), num(r, "pid"), str(r, "last_seen"))
		}
		w.Flush()
		return nil

	default:
		return fmt.Errorf("show: unknown target %q", args[0])
	}
}

func (c *ctl) showHelp() {
	fmt.Fprintln(c.out, "Commands:")
	fmt.Fprintln(c.out, "  show connections   drain and list queued connection events")
	fmt.Fprintln(c.out, "  show cache         list the service resolution cache")
	fmt.Fprintln(c.out, "  show conntrack     list tracked connections")
	fmt.Fprintln(c.out, "  exit               leave the shell")
}

func list(s *structpb.Struct, key string) []map[string]*structpb.Value {
	var out []map[string]*structpb.Value
	for _, v := range s.GetFields()[key].GetListValue().GetValues() {
		out = append(out, v.GetStructValue().GetFields())
	}
	return out
}

func str(m map[string]*structpb.Value, key string) string {
	return m[key].GetStringValue()
}

func num(m map[string]*structpb.Value, key string) string {
	return fmt.Sprintf("%d", int64(m[key].GetNumberValue()))
}

func endpoint(m map[string]*structpb.Value, ipKey, portKey string) string {
	port := int64(m[portKey].GetNumberValue())
	if port == 0 {
		return str(m, ipKey)
	}
	return fmt.Sprintf("%s:%d", str(m, ipKey), port)
}
