package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/taskfolk/syncline/internal/api"
	"github.com/taskfolk/syncline/internal/cache"
	"github.com/taskfolk/syncline/internal/config"
	"github.com/taskfolk/syncline/internal/coordinator"
	"github.com/taskfolk/syncline/internal/logging"
	"github.com/taskfolk/syncline/internal/netmon"
	"github.com/taskfolk/syncline/internal/queue"
	"github.com/taskfolk/syncline/internal/socket"
	"github.com/taskfolk/syncline/internal/store"
)

var Version = "dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("syncline starting",
		slog.String("version", Version),
		slog.String("environment", cfg.Environment),
		slog.String("device_id", cfg.DeviceID),
		slog.String("api_url", cfg.APIBaseURL),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.StatePath, cfg.StateSecret)
	if err != nil {
		return fmt.Errorf("opening state store: %w", err)
	}
	defer st.Close()

	catalog, err := coordinator.LoadCatalog(cfg.CatalogFile)
	if err != nil {
		return fmt.Errorf("loading collection catalog: %w", err)
	}

	apiClient := api.New(cfg.APIBaseURL, cfg.AuthToken, cfg.DeviceID, nil)

	monitor := netmon.New(netmon.Config{
		ProbeURL:   cfg.ProbeURL,
		Interval:   cfg.ProbeInterval,
		ResolvFile: cfg.ResolvFile,
	}, logging.Component(logger, "netmon"))

	sock := socket.New(socket.Config{
		URL:                  cfg.SocketURL,
		Token:                cfg.AuthToken,
		DeviceID:             cfg.DeviceID,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		ReconnectMaxDelay:    cfg.ReconnectMaxDelay,
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
	}, logging.Component(logger, "socket"))

	co := coordinator.New(coordinator.Config{
		SyncInterval: cfg.SyncInterval,
		Retry:        cfg.RetryConfig(),
		Catalog:      catalog,
	}, st, apiClient,
		cache.New(st, cfg.CacheFreshness),
		queue.New(st, logging.Component(logger, "queue")),
		monitor, sock,
		logging.Component(logger, "coordinator"),
	)

	// One synchronous probe so startup decisions see real connectivity
	// instead of the zero value.
	monitor.Refresh(ctx)

	if err := co.Initialize(ctx); err != nil {
		return fmt.Errorf("initializing coordinator: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return monitor.Run(gctx) })
	g.Go(func() error { return co.Run(gctx) })
	g.Go(func() error {
		return superviseSocket(gctx, monitor, sock, logging.Component(logger, "socket"))
	})

	err = g.Wait()

	if derr := sock.Disconnect(); derr != nil {
		logger.Warn("socket close failed", slog.String("error", derr.Error()))
	}

	logger.Info("syncline stopped")

	if errors.Is(err, context.Canceled) {
		return nil
	}

	return err
}

// superviseSocket keeps the realtime channel up while the network is up.
// The client recovers dropped connections on its own; this covers what it
// deliberately does not: the first dial, and coming back from an offline
// stretch or an exhausted reconnect schedule.
func superviseSocket(ctx context.Context, monitor *netmon.Monitor, client *socket.Client, logger *slog.Logger) error {
	edges := make(chan bool, 8)
	cancel := monitor.Subscribe(func(online bool) {
		select {
		case edges <- online:
		default:
		}
	})
	defer cancel()

	if monitor.Online() {
		if err := client.Connect(ctx); err != nil {
			logger.Warn("socket connect failed", slog.String("error", err.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case online := <-edges:
			if !online || client.State() != socket.StateDisconnected {
				continue
			}

			if err := client.Connect(ctx); err != nil {
				logger.Warn("socket connect failed", slog.String("error", err.Error()))
			}
		}
	}
}
