package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/boardsync/boardsync/internal/config"
	"github.com/boardsync/boardsync/internal/core/observability/log"
	"github.com/boardsync/boardsync/internal/server"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "error loading config:", err)
		os.Exit(1)
	}

	logger := log.New(cfg.Level())
	srvConf := server.DefaultConfig()
	srvConf.ListenAddr = cfg.ListenAddr
	srvConf.PresenceAddr = cfg.PresenceAddr
	srvConf.LockStaleness = cfg.LockStaleness
	srvConf.LogLevel = cfg.Level()
	srv := server.NewServer(srvConf, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, os.Interrupt, syscall.SIGTERM, syscall.SIGINT)

	if err = srv.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error starting server:", err)
		os.Exit(1)
	}

	<-stopCh
	cancel()
	if err = srv.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, "error stopping server:", err)
	}
}
