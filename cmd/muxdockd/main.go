package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/g960059/muxdock/internal/config"
	"github.com/g960059/muxdock/internal/logging"
	"github.com/g960059/muxdock/internal/mux"
	"github.com/g960059/muxdock/internal/recovery"
	"github.com/g960059/muxdock/internal/registry"
	"github.com/g960059/muxdock/internal/secret"
	"github.com/g960059/muxdock/internal/store"
)

func main() {
	cfg := config.DefaultConfig()
	flag.StringVar(&cfg.SocketPath, "socket", cfg.SocketPath, "UDS path for muxdockd")
	flag.StringVar(&cfg.DBPath, "db", cfg.DBPath, "SQLite entity db path")
	flag.StringVar(&cfg.MuxBinary, "mux", cfg.MuxBinary, "multiplexer binary")
	flag.BoolVar(&cfg.AutoReattach, "auto-reattach", cfg.AutoReattach, "silently reattach recovered sessions")
	flag.BoolVar(&cfg.MuxEnabled, "mux-enabled", cfg.MuxEnabled, "allow multiplexer backends")
	flag.Parse()

	log := logging.Component("muxdockd")

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	entityStore, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		fatal(err)
	}
	defer entityStore.Close() //nolint:errcheck

	muxMgr := mux.NewManager(cfg, mux.NewExecutor(cfg))
	reg := registry.New(cfg, muxMgr, entityStore, secret.NewStaticResolver(nil))

	srv := newServer(cfg, reg, entityStore)

	scanner := recovery.NewScanner(cfg, muxMgr, entityStore, reg.OpenEntityIDs, srv.recordRecovered)
	srv.setScanner(scanner)
	result, scanErr := scanner.Scan(ctx)
	if scanErr != nil {
		log.WithError(scanErr).Warn("recovery scan failed")
	}
	srv.setOrphans(result.Orphans)

	if err := srv.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fatal(err)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "muxdockd: %v\n", err)
	os.Exit(1)
}
