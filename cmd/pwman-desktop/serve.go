package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/pwman/sidecar/app"
	"github.com/pwman/sidecar/events"
	"github.com/pwman/sidecar/internal/instance"
	"github.com/pwman/sidecar/sidecar"
	"github.com/pwman/sidecar/sidecar/health"
	"github.com/pwman/sidecar/sidecar/process"
)

const shutdownTimeout = 5 * time.Second

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the supervisor and the control API until interrupted",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "sidecar",
				Usage: "The sync server executable, a name or a path.",
			},
			&cli.StringFlag{
				Name:  "sync-addr",
				Usage: "The address the sync server listens on.",
			},
			&cli.StringFlag{
				Name:  "base-dir",
				Usage: "The sync server's data directory.",
			},
			&cli.StringFlag{
				Name:  "vaults-dir",
				Usage: "The directory scanned for vaults.",
			},
			&cli.BoolFlag{
				Name:  "no-autostart",
				Usage: "Don't start the sync server on launch.",
			},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if c.IsSet("sidecar") {
		cfg.Sync.Sidecar = c.String("sidecar")
	}
	if c.IsSet("sync-addr") {
		cfg.Sync.Addr = c.String("sync-addr")
	}
	if c.IsSet("base-dir") {
		cfg.Sync.BaseDir = c.String("base-dir")
	}
	if c.IsSet("vaults-dir") {
		cfg.Vaults.Dir = c.String("vaults-dir")
	}
	if c.Bool("no-autostart") {
		cfg.Sync.Autostart = false
	}
	if err := cfg.Normalize(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Sync()

	lock, err := instance.Acquire(cfg.API.LockFile)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			log.Warnw("releasing instance lock", "path", lock.Path(), "error", err)
		}
	}()

	hub := events.NewHub(events.WithHubLogger(log.Named("events")))
	defer hub.Close()

	supervisor := sidecar.New(
		sidecar.WithLogger(log),
		sidecar.WithLauncher(&process.ExecLauncher{Log: log}),
		sidecar.WithSink(events.Multi(hub, &events.LogSink{Log: log.Named("sync")})),
		sidecar.WithProber(&health.Probe{Interval: cfg.HealthInterval(), Log: log.Named("health")}),
		sidecar.WithCommand(cfg.Sync.Sidecar),
		sidecar.WithHealthTimeout(cfg.HealthTimeout()),
	)

	server := app.NewServer(
		supervisor,
		app.WithLogger(log),
		app.WithListenAddr(cfg.API.ListenAddr),
		app.WithEvents(hub),
		app.WithVaultDir(cfg.Vaults.Dir),
		app.WithSyncDefaults(cfg.Sync.Addr, cfg.Sync.BaseDir),
	)
	if err := server.Listen(); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(server.Serve)
	if cfg.Sync.Autostart {
		group.Go(func() error {
			err := supervisor.Start(groupCtx, cfg.Sync.Addr, cfg.Sync.BaseDir)
			if err != nil && !errors.Is(err, sidecar.ErrSupervisorShutdown) {
				// The UI can retry through the API.
				log.Warnw("autostart failed", "error", err)
			}
			return nil
		})
	}
	group.Go(func() error {
		<-groupCtx.Done()
		log.Infow("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		err := supervisor.Shutdown(shutdownCtx)
		if err != nil {
			log.Warnw("stopping sync server", "error", err)
		}
		// Ends the event streams so their connections don't hold up the server.
		hub.Close()
		return server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}
