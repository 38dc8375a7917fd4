// meshdpctl is the remote monitoring client for meshdpd.
//
// It connects to the meshdpd gRPC monitor and runs either a single
// command given as arguments or an interactive shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/psaab/meshdp/pkg/grpcapi"
)

func main() {
	addr := flag.String("addr", grpcapi.DefaultAddr, "meshdpd gRPC address")
	timeout := flag.Duration("timeout", 5*time.Second, "per-call timeout")
	flag.Parse()

	conn, err := grpc.NewClient(*addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshdpctl: connect: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	c := &ctl{
		client:  grpcapi.NewClient(conn),
		out:     os.Stdout,
		timeout: *timeout,
	}

	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && !errors.Is(err, errExit) {
			fmt.Fprintf(os.Stderr, "meshdpctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "meshdp> ",
		HistoryFile:     "/tmp/meshdpctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshdpctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	_, err = c.client.ListCache(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshdpctl: cannot reach meshdpd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	fmt.Printf("meshdpctl connected to %s\n", *addr)
	fmt.Println("Type 'help' for commands")

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := c.dispatch(line); err != nil {
			if errors.Is(err, errExit) {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("show",
		readline.PcItem("connections"),
		readline.PcItem("cache"),
		readline.PcItem("conntrack"),
	),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)
