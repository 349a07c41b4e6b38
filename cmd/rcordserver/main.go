// Command rcordserver runs the RCord server core: the control and media
// gateways, the Presence Monitor, and the operator Admin API, or — given a
// "store" subcommand — inspects a database file offline.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"

	"rcord/internal/adminapi"
	"rcord/internal/config"
	"rcord/internal/control"
	"rcord/internal/media"
	"rcord/internal/metrics"
	"rcord/internal/presence"
	"rcord/internal/session"
	"rcord/internal/store"
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "store" {
		if err := runInspector(os.Args[2:]); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		return
	}

	fs := flag.NewFlagSet("rcordserver", flag.ExitOnError)
	cfg, err := config.Load(fs, os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("server exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	registry := session.NewRegistry(st)
	metricsCounters := metrics.New()

	controlGW := control.New(st, registry, metricsCounters)
	mediaGW := media.New(st, registry, metricsCounters)
	monitor := presence.New(st, registry, cfg.HeartbeatTimeout, cfg.CheckInterval)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("shutting down...")
		cancel()
	}()

	controlLn, err := net.Listen("tcp", cfg.ControlAddr())
	if err != nil {
		return fmt.Errorf("listen control: %w", err)
	}
	mediaLn, err := net.Listen("tcp", cfg.MediaAddr())
	if err != nil {
		return fmt.Errorf("listen media: %w", err)
	}

	go monitor.Run(ctx)

	go func() {
		if err := mediaGW.Serve(ctx, mediaLn); err != nil {
			slog.Error("media gateway stopped", "err", err)
		}
	}()

	if cfg.AdminAddr != "" {
		admin := adminapi.New(st, registry, metricsCounters)
		go func() {
			if err := admin.Run(ctx, cfg.AdminAddr); err != nil {
				slog.Error("admin api stopped", "err", err)
			}
		}()
		slog.Info("admin api listening", "addr", cfg.AdminAddr)
	}

	slog.Info("control gateway listening", "addr", cfg.ControlAddr())
	slog.Info("media gateway listening", "addr", cfg.MediaAddr())
	return controlGW.Serve(ctx, controlLn)
}
