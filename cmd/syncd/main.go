package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/docsync/docsync/internal/config"
	"github.com/docsync/docsync/internal/core/observability/log"
	"github.com/docsync/docsync/internal/core/store"
	"github.com/docsync/docsync/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config")
	listenAddr := flag.String("listen", "", "listen address, overrides config")
	flag.Parse()

	cfg, err := config.LoadPath(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "syncd:", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}

	logger := log.New(cfg.LogLevel)
	srv := server.New(cfg, store.NewMemory(), logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-stopCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Error("relay stopped", log.Error(err))
		os.Exit(1)
	}
}
