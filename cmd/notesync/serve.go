package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"slices"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/astromechza/notesync/pkg/events"
	"github.com/astromechza/notesync/pkg/hub"
	"github.com/astromechza/notesync/pkg/presence"
	"github.com/astromechza/notesync/pkg/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func serve(ctx context.Context) error {
	slog.Info("Opening database", "path", cfg.Store.Path)
	st, err := store.Open(cfg.Store.Path)
	if err != nil {
		return err
	}
	defer st.Close()

	opts := hub.Options{
		Store:     st,
		KeepAlive: cfg.Server.KeepAlive,
		CanEdit: func(id hub.Identity) bool {
			return !slices.Contains(cfg.Server.ReadOnly, id.DisplayName)
		},
	}

	if len(cfg.Redis.Addrs) > 0 {
		rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: cfg.Redis.Addrs, Password: cfg.Redis.Password})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		opts.Presence = presence.NewRedisMirror(rdb, cfg.Redis.PresenceTTL)
		slog.Info("mirroring presence to redis", "addrs", cfg.Redis.Addrs)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		producer, err := events.NewProducer(cfg.Kafka.Brokers)
		if err != nil {
			return err
		}
		defer producer.Close()
		dispatcher := events.NewDispatcher(producer, cfg.Kafka.Topic, events.Options{
			QueueSize: cfg.Kafka.QueueSize,
			Workers:   cfg.Kafka.Workers,
			MaxRetry:  cfg.Kafka.MaxRetry,
		}, slog.Default())
		defer dispatcher.Close()
		opts.Events = dispatcher
		slog.Info("publishing note events to kafka", "topic", cfg.Kafka.Topic)
	}

	h := hub.New(opts)
	s := &server{hub: h, store: st}
	httpServer := &http.Server{Addr: cfg.Server.Addr, Handler: s.router()}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		slog.Info("listening", "addr", cfg.Server.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server listen failed: %w", err)
		}
		return nil
	})
	eg.Go(func() error {
		h.RunSnapshots(ctx, cfg.Server.SnapshotInterval)
		return nil
	})
	eg.Go(func() error {
		<-ctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		// hijacked websocket connections are not tracked by Shutdown, closing the hub drops them
		hubErr := h.Close(shutdownCtx)
		return errors.Join(httpServer.Shutdown(shutdownCtx), hubErr)
	})

	return eg.Wait()
}
