package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/semabot/semabot/internal/adapters/matrix"
	"github.com/semabot/semabot/internal/alias"
	"github.com/semabot/semabot/internal/banner"
	"github.com/semabot/semabot/internal/comms"
	"github.com/semabot/semabot/internal/config"
	"github.com/semabot/semabot/internal/logging"
	"github.com/semabot/semabot/internal/monitor"
	"github.com/semabot/semabot/internal/semaphore"
	"github.com/semabot/semabot/internal/tail"
)

func newStartCmd() *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Connect to Matrix and start handling commands",
		Long: `Connect to the Matrix homeserver, join the configured rooms and
answer commands until interrupted or told to exit from chat.

Examples:
  semabot start                       # Use ~/.semabot/config.yaml
  semabot start --config ./bot.yaml   # Use another config file
  semabot start --debug               # Verbose logging`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if debug {
				cfg.Logging.Level = "debug"
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			if err := logging.Init(cfg.Logging); err != nil {
				return fmt.Errorf("failed to initialize logging: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg)
		},
	}

	cmd.Flags().BoolVar(&debug, "debug", false, "Enable debug logging")
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	log := logging.WithComponent("main")

	sem := semaphore.NewClient(cfg.Semaphore)
	if err := sem.Ping(ctx); err != nil {
		// Semaphore may come up after the bot; commands report failures.
		log.Warn("Semaphore is not reachable yet", slog.String("url", cfg.Semaphore.URL), slog.Any("error", err))
	}

	mx := matrix.NewClient(cfg.Matrix)
	if _, err := mx.Whoami(ctx); err != nil {
		return fmt.Errorf("matrix login check failed: %w", err)
	}

	aliases, err := alias.NewStore(cfg.Aliases, cfg.AliasFile)
	if err != nil {
		return fmt.Errorf("failed to load aliases: %w", err)
	}

	tasks := monitor.NewTasks()
	engine := tail.NewEngine(sem, mx, cfg.Tail)
	defer engine.Close()

	var handler *comms.Handler
	observer := monitor.NewObserver(tasks, mx,
		monitor.WithHeartbeat(cfg.Monitor.Heartbeat),
		monitor.WithTaskURL(sem.TaskURL),
		monitor.WithOnRunning(func(ctx context.Context, job monitor.Job) {
			handler.OnTaskRunning(ctx, job)
		}),
	)

	registry := monitor.DefaultRegistry()
	backend, err := registry.EnableAll(cfg.Monitor.Backends, monitor.Deps{
		Source:   sem,
		Tasks:    tasks,
		Observer: observer,
		Config:   cfg.Monitor,
	})
	if err != nil {
		// Commands still work; tasks are just not watched.
		log.Warn("No task monitor is active", slog.Any("error", err))
	}

	handler = comms.NewHandler(&comms.HandlerConfig{
		Messenger: mx,
		Client:    sem,
		Tasks:     tasks,
		Monitors:  registry,
		Tail:      engine,
		Aliases:   aliases,
		Config:    cfg.Bot,
		OnExit:    cancel,
	})
	defer handler.Close()

	transport := matrix.NewTransport(mx, handler,
		matrix.WithSyncTimeout(cfg.Matrix.SyncTimeout),
		matrix.WithAutoJoin(cfg.Bot.AllowedRooms),
	)

	banner.PrintWithVersion(os.Stdout, version)
	banner.Startup(os.Stdout, startupInfo(cfg, mx.UserID(), backend, registry.Skipped()))

	g, gctx := errgroup.WithContext(ctx)
	if backend != nil {
		g.Go(func() error { return backend.Start(gctx) })
	}
	g.Go(func() error { return transport.Run(gctx) })
	g.Go(func() error {
		if err := aliases.Watch(gctx); err != nil {
			log.Warn("Alias file is not watched", slog.String("path", cfg.AliasFile), slog.Any("error", err))
		}
		return nil
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Shutting down")
	return nil
}

func startupInfo(cfg *config.Config, userID string, backend monitor.Backend, skipped []monitor.Skipped) banner.Info {
	info := banner.Info{
		Version:   version,
		UserID:    userID,
		Semaphore: cfg.Semaphore.URL,
		Prefix:    cfg.Bot.Prefix,
		Rooms:     cfg.Bot.AllowedRooms,
	}
	if backend != nil {
		info.Monitor = backend.Name()
	}
	for _, s := range skipped {
		info.Skipped = append(info.Skipped, s.Name+": "+s.Reason)
	}
	return info
}
