package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/syntrixbase/changefeed/internal/config"
	"github.com/syntrixbase/changefeed/internal/feed/checkpoint"
	"github.com/syntrixbase/changefeed/internal/feed/cursor"
	"github.com/syntrixbase/changefeed/internal/feed/health"
	"github.com/syntrixbase/changefeed/internal/feed/relay"
	"github.com/syntrixbase/changefeed/internal/feed/supervisor"
	"github.com/syntrixbase/changefeed/internal/feed/watcher"
	"github.com/syntrixbase/changefeed/internal/logging"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	configDir := flag.String("config", "config", "Configuration directory")
	flag.Parse()

	// 1. Load Configuration
	cfg, err := config.LoadConfig(*configDir)
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	// 2. Setup logging
	if err := logging.Initialize(cfg.Logging); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}
	defer logging.Shutdown()
	logger := slog.Default()

	if err := run(cfg, logger); err != nil {
		logger.Error("changefeed exited with error", "error", err)
		_ = logging.Shutdown()
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	logger.Info("changefeed starting",
		"watcher", cfg.Watch.Name,
		"database", cfg.Mongo.Database,
		"collection", cfg.Mongo.Collection,
	)

	opts, err := cfg.Watch.Options()
	if err != nil {
		return err
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	// Connect to MongoDB
	client, err := connectMongo(ctx, cfg.Mongo)
	if err != nil {
		return err
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := client.Disconnect(disconnectCtx); err != nil {
			logger.Warn("failed to disconnect from mongodb", "error", err)
		}
	}()
	db := client.Database(cfg.Mongo.Database)

	w := watcher.New[bson.M](cfg.Watch.Name, cursor.NewMongoOpener(db.Collection(cfg.Mongo.Collection), logger), logger)
	w.OnChanges(func(_ context.Context, records []bson.M) error {
		logger.Debug("changes delivered", "watcher", w.Name(), "records", len(records))
		return nil
	})
	w.OnError(func(err error) {
		logger.Error("watch loop failed", "watcher", w.Name(), "error", err)
	})

	checker := health.NewChecker(logger)
	checker.Register(w)

	// Relay to JetStream
	if cfg.Relay.Enabled {
		nc, err := nats.Connect(cfg.Relay.URL, nats.Name("changefeed-"+cfg.Watch.Name))
		if err != nil {
			return fmt.Errorf("failed to connect to nats: %w", err)
		}
		defer nc.Close()

		pub, err := relay.NewPublisher(nc, relay.Options{
			Stream:        cfg.Relay.Stream,
			SubjectPrefix: cfg.Relay.SubjectPrefix,
			MemoryStorage: cfg.Relay.MemoryStorage,
			MaxAge:        cfg.Relay.MaxAge,
		}, logger)
		if err != nil {
			return err
		}
		w.OnEnvelopesAsync(pub.Handle)
		logger.Info("relay enabled", "url", cfg.Relay.URL, "stream", cfg.Relay.Stream)
	}

	// Load the checkpoint
	store, closeStore, err := openCheckpointStore(cfg, db)
	if err != nil {
		return err
	}
	defer closeStore.Close()

	var position bson.Raw
	var saver *checkpoint.Saver
	if store != nil {
		position, err = store.Load(ctx)
		if err != nil {
			return fmt.Errorf("failed to load checkpoint: %w", err)
		}
		if position != nil {
			logger.Info("resuming from checkpoint", "watcher", w.Name(), "position", position)
		}

		if opts.AutoResume {
			saver = checkpoint.NewSaver(w.Name(), store, w, checkpoint.Policy{
				Interval:   cfg.Checkpoint.Interval,
				OnShutdown: cfg.Checkpoint.OnShutdown,
			}, position, logger)
		} else {
			logger.Warn("auto resume disabled, checkpoint is read once and not updated", "watcher", w.Name())
		}
	}

	// Supervise restarts
	var sup *supervisor.Supervisor
	if cfg.Supervisor.Enabled {
		sup = supervisor.New(w, supervisor.Config{
			InitialInterval: cfg.Supervisor.InitialInterval,
			MaxInterval:     cfg.Supervisor.MaxInterval,
			MaxElapsed:      cfg.Supervisor.MaxElapsed,
			StableAfter:     cfg.Supervisor.StableAfter,
		}, logger)
		sup.Start(ctx)
	}

	if err := w.StartFrom(ctx, opts, position); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	if saver != nil {
		saver.Start(ctx)
	}

	// Start metrics and health server in background
	if cfg.Metrics.Address != "" {
		mux := health.NewMux(checker, cfg.Metrics.Path, cfg.Metrics.HealthPath)
		go func() {
			if err := health.StartServer(ctx, cfg.Metrics.Address, mux, logger); err != nil {
				logger.Error("metrics server error", "error", err)
			}
		}()
	}

	logger.Info("changefeed started", "watcher", w.Name(), "id", w.ID())

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig)

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Cancelling the watch context ends the loop after its current batch.
	cancel()
	select {
	case <-w.Done():
	case <-shutdownCtx.Done():
		logger.Warn("watch loop did not stop in time")
	}

	if sup != nil {
		sup.Stop()
	}
	if saver != nil {
		if err := saver.Stop(shutdownCtx); err != nil {
			logger.Error("failed to save final checkpoint", "error", err)
		}
	}

	logger.Info("changefeed stopped")
	return nil
}

func connectMongo(ctx context.Context, cfg config.MongoConfig) (*mongo.Client, error) {
	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	client, err := mongo.Connect(connectCtx, options.Client().ApplyURI(cfg.URI))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongodb: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, fmt.Errorf("failed to ping mongodb: %w", err)
	}
	return client, nil
}

// openCheckpointStore returns the configured store, or nil for "none", and
// the resource to close on shutdown.
func openCheckpointStore(cfg *config.Config, db *mongo.Database) (checkpoint.Store, io.Closer, error) {
	switch cfg.Checkpoint.Backend {
	case "mongodb":
		return checkpoint.NewMongoStore(db, cfg.Checkpoint.Collection, cfg.Watch.Name), nopCloser{}, nil
	case "pebble":
		pdb, err := checkpoint.OpenPebble(cfg.Checkpoint.Path)
		if err != nil {
			return nil, nil, err
		}
		return pdb.Store(cfg.Watch.Name), pdb, nil
	default:
		return nil, nopCloser{}, nil
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
