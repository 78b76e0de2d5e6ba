package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/harunnryd/livetag/pkg/livetag"
	"github.com/harunnryd/livetag/pkg/logging"
)

func main() {
	configPath := flag.String("config", "configs/livetag.yaml", "path to the YAML config")
	listen := flag.String("listen", "", "override server.listen_addr")
	flag.Parse()

	cfg, err := livetag.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Server.ListenAddr = *listen
	}
	logging.InitLogger(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat})

	engine, err := livetag.NewEngine(livetag.EngineOptions{Config: cfg})
	if err != nil {
		slog.Error("engine_init_failed", "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("signal_received", "signal", sig.String())
		cancel()
	}()

	if err := engine.Run(ctx); err != nil {
		slog.Error("engine_stopped_with_error", "error", err)
		os.Exit(1)
	}
}
