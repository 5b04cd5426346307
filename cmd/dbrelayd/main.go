package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/dbrelay/dbrelay/internal/api"
	"github.com/dbrelay/dbrelay/internal/async"
	"github.com/dbrelay/dbrelay/internal/config"
	"github.com/dbrelay/dbrelay/internal/driver"
	"github.com/dbrelay/dbrelay/internal/health"
	"github.com/dbrelay/dbrelay/internal/metrics"
	"github.com/dbrelay/dbrelay/internal/rpc"
	"github.com/dbrelay/dbrelay/internal/session"
)

func main() {
	var (
		showVersion = flag.Bool("version", false, "print version and exit")
		stdio       = flag.Bool("stdio", true, "serve JSON-RPC on stdin/stdout")
		configPath  = flag.String("config", "", "path to optional configuration file")
	)
	flag.BoolVar(showVersion, "v", false, "print version and exit (shorthand)")
	flag.Parse()

	if *showVersion {
		reg := driver.NewRegistry()
		fmt.Printf("dbrelayd %s (protocol %s, drivers: %s)\n",
			rpc.DaemonVersion, rpc.ProtocolVersion, strings.Join(reg.Drivers(), ", "))
		return
	}
	if !*stdio {
		fmt.Fprintln(os.Stderr, "dbrelayd: stdio is the only transport")
		os.Exit(1)
	}

	// Load configuration; the daemon runs fine without a file.
	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "dbrelayd: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	// stdout carries protocol frames; everything else goes to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: cfg.Log.SlogLevel(),
	}))
	slog.SetDefault(logger)
	slog.Info("dbrelayd starting...", "version", rpc.DaemonVersion)

	// Write errors on a closed stdout must surface as return values, not
	// kill the process.
	signal.Ignore(syscall.SIGPIPE)

	// Initialize components
	m := metrics.New()
	registry := driver.NewRegistry()

	sm := session.NewManager(registry, driver.Limits{
		MaxRows:      cfg.Limits.MaxResultRows,
		MaxFieldSize: cfg.Limits.MaxFieldSize,
	})
	sm.SetOnChange(m.SetSessionsOpen)

	queue := async.NewQueue()
	srv := rpc.NewServer(os.Stdin, os.Stdout, sm, queue, m, registry.Drivers())
	srv.SetQueryLimitCap(cfg.Limits.QueryLimitCap)

	// Start health checker
	hc := health.NewChecker(sm, m, cfg.Health)
	hc.Start()

	// Start ops server when configured
	var opsServer *api.Server
	if cfg.Ops.ListenAddr != "" {
		opsServer = api.NewServer(sm, hc, m)
		if err := opsServer.Start(cfg.Ops.ListenAddr); err != nil {
			slog.Error("failed to start ops server", "err", err)
			os.Exit(1)
		}
	}

	// Set up config hot-reload
	var configWatcher *config.Watcher
	if *configPath != "" {
		var err error
		configWatcher, err = config.NewWatcher(*configPath, func(newCfg *config.Config) {
			sm.UpdateDefaults(driver.Limits{
				MaxRows:      newCfg.Limits.MaxResultRows,
				MaxFieldSize: newCfg.Limits.MaxFieldSize,
			})
			srv.SetQueryLimitCap(newCfg.Limits.QueryLimitCap)
		})
		if err != nil {
			slog.Warn("config hot-reload not available", "err", err)
		}
	}

	// Shutdown signals flip the protocol loop's flag; the loop drains
	// in-flight queries itself before returning.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down...", "signal", sig)
		srv.Shutdown()
	}()

	err := srv.Run(context.Background())

	if configWatcher != nil {
		configWatcher.Stop()
	}
	if opsServer != nil {
		opsServer.Stop()
	}
	hc.Stop()
	sm.Close()

	if err != nil {
		slog.Error("protocol loop failed", "err", err)
		os.Exit(1)
	}
	slog.Info("dbrelayd stopped")
}
