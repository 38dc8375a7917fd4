// meshdpd is the meshdp sidecar data-plane daemon.
//
// It accepts enveloped messages on UDP and TCP, resolves the target
// service through the cluster control plane and forwards the payload to
// a backing pod.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/meshdp/pkg/config"
	"github.com/psaab/meshdp/pkg/daemon"
	"github.com/psaab/meshdp/pkg/logging"
)

func main() {
	configFile := flag.String("config", "", "YAML configuration file (empty = defaults)")
	debug := flag.Bool("debug", false, "enable debug logging")
	checkOnly := flag.Bool("check", false, "validate the configuration and exit")
	udpAddr := flag.String("udp-addr", "", "UDP front end listen address (overrides config)")
	tcpAddr := flag.String("tcp-addr", "", "TCP front end listen address (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "metrics and HTTP API listen address (overrides config)")
	grpcAddr := flag.String("grpc-addr", "", "gRPC monitor listen address (overrides config)")
	iface := flag.String("iface", "", "interface to capture frames on (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshdpd: %v\n", err)
		os.Exit(1)
	}

	// Only flags given on the command line override the file, so an
	// explicit empty value can disable a listener.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "udp-addr":
			cfg.Frontend.UDPAddr = *udpAddr
		case "tcp-addr":
			cfg.Frontend.TCPAddr = *tcpAddr
		case "metrics-addr":
			cfg.API.Addr = *metricsAddr
		case "grpc-addr":
			cfg.GRPC.Addr = *grpcAddr
		case "iface":
			cfg.Capture.Iface = *iface
		}
	})
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "meshdpd: invalid config: %v\n", err)
		os.Exit(1)
	}
	if *checkOnly {
		fmt.Println("configuration OK")
		return
	}

	// Set up structured logging
	handler, err := logging.Setup(os.Stderr, logging.Options{
		Level:          cfg.Log.Level,
		Format:         cfg.Log.Format,
		Syslog:         cfg.Log.Syslog,
		SyslogSeverity: cfg.Log.SyslogSeverity,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshdpd: logging: %v\n", err)
		os.Exit(1)
	}
	defer handler.Close()
	slog.SetDefault(slog.New(handler))

	d := daemon.New(daemon.Options{Config: cfg})
	if err := d.Run(context.Background()); err != nil {
		slog.Error("daemon failed", "err", err)
		handler.Close()
		os.Exit(1)
	}
}
