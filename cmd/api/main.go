package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"scriptcustody/auth"
	"scriptcustody/batch"
	"scriptcustody/config"
	"scriptcustody/custody"
	"scriptcustody/db"
	"scriptcustody/discrepancy"
	"scriptcustody/logging"
	"scriptcustody/publisher"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "custody api: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.DatabaseURL, logger); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("bootstrap database pool: %w", err)
	}
	defer pool.Close()

	events, closeEvents, err := buildPublisher(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEvents()

	tokens, err := auth.NewService(cfg.JWTSecret)
	if err != nil {
		return err
	}

	store := custody.NewPGStore(pool)
	batches := batch.NewService(batch.NewRepository(pool)).WithLogger(logger)
	transfers := custody.NewService(store, events).WithLogger(logger)
	resolver := discrepancy.NewResolver(store, transfers).WithLogger(logger)

	server := NewServer(tokens, batches, transfers, transfers.Ledger(), resolver, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("custody api listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("custody api shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// buildPublisher always logs events and additionally fans them out to the
// brokers that are configured.
func buildPublisher(cfg config.Config, logger *zap.Logger) (custody.Publisher, func(), error) {
	sinks := publisher.Multi{publisher.NewLog(logger)}
	var closers []func() error

	if cfg.AMQPURL != "" {
		amqpPub, closeAMQP, err := publisher.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange, logger)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, amqpPub)
		closers = append(closers, closeAMQP)
	}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		sinks = append(sinks, publisher.NewRedis(client, cfg.RedisChannel))
		closers = append(closers, client.Close)
	}

	closeAll := func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Warn("close event publisher", zap.Error(err))
			}
		}
	}
	return sinks, closeAll, nil
}
