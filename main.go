package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/serroba/scenesync/internal/acl"
	"github.com/serroba/scenesync/internal/api"
	"github.com/serroba/scenesync/internal/collab"
	"github.com/serroba/scenesync/internal/config"
	"github.com/serroba/scenesync/internal/identity"
	"github.com/serroba/scenesync/internal/logging"
	"github.com/serroba/scenesync/internal/relay"
	"github.com/serroba/scenesync/internal/storage"
	"github.com/serroba/scenesync/internal/worker"
)

func main() {
	configFile := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server stopped")
	}
}

// redisClients shares one client per address between storage, access control
// and the relay.
type redisClients map[string]*redis.Client

func (c redisClients) get(addr string) *redis.Client {
	if client, ok := c[addr]; ok {
		return client
	}

	client := redis.NewClient(&redis.Options{Addr: addr})
	c[addr] = client

	return client
}

func (c redisClients) close() {
	for _, client := range c {
		_ = client.Close()
	}
}

type closer func() error

// openStores builds the snapshot store and the permission store for the
// configured driver.
func openStores(cfg config.StorageConfig, clients redisClients) (storage.Store, acl.Store, closer, error) {
	noop := func() error { return nil }

	switch cfg.Driver {
	case config.DriverBolt:
		store, err := storage.OpenBoltStore(cfg.Path)
		if err != nil {
			return nil, nil, nil, err
		}

		perms, err := acl.NewBoltStore(store.DB())
		if err != nil {
			_ = store.Close()

			return nil, nil, nil, err
		}

		return store, perms, store.Close, nil
	case config.DriverRedis:
		client := clients.get(cfg.RedisAddr)

		return storage.NewRedisStore(client, cfg.RedisPrefix), acl.NewRedisStore(client, cfg.RedisPrefix), noop, nil
	case config.DriverPostgres:
		store, err := storage.OpenSQLStore(cfg.DSN)
		if err != nil {
			return nil, nil, nil, err
		}

		perms, err := acl.NewSQLStore(store.DB())
		if err != nil {
			_ = store.Close()

			return nil, nil, nil, err
		}

		return store, perms, store.Close, nil
	default:
		return storage.NewMemoryStore(), acl.NewMemoryStore(), noop, nil
	}
}

func run(cfg config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clients := redisClients{}
	defer clients.close()

	store, perms, closeStore, err := openStores(cfg.Storage, clients)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}

	defer func() {
		if err := closeStore(); err != nil {
			logger.Error().Err(err).Msg("close storage")
		}
	}()

	node := cfg.Relay.NodeID
	if node == "" {
		node = uuid.NewString()
	}

	var rel relay.Relay
	if cfg.Relay.Enabled {
		rel = relay.NewRedis(clients.get(cfg.Relay.RedisAddr), node, logger)
	}

	pool := worker.NewPool(cfg.Persist.Workers, cfg.Persist.QueueSize, logger)

	var manager *collab.Manager

	persister := storage.NewPersister(storage.PersisterConfig{
		Store:    store,
		Pool:     pool,
		Debounce: cfg.Persist.Debounce,
		Retry: storage.RetryPolicy{
			InitialInterval: cfg.Persist.RetryInitial,
			MaxInterval:     cfg.Persist.RetryMax,
			MaxAttempts:     cfg.Persist.RetryAttempts,
		},
		Logger: logger,
		OnFailure: func(docID string, err error) {
			manager.PersistenceFailed(docID, err)
		},
	})

	manager = collab.NewManager(collab.ManagerConfig{
		Persister:     persister,
		Relay:         rel,
		Node:          node,
		GracePeriod:   cfg.Room.GracePeriod,
		AwarenessTTL:  cfg.Awareness.TTL,
		SweepInterval: cfg.Awareness.SweepInterval,
		Logger:        logger,
	})

	verifier := identity.NewVerifier([]byte(cfg.Auth.Secret),
		identity.WithIssuer(cfg.Auth.Issuer),
		identity.WithDevHeader(cfg.Auth.DevHeader))

	if cfg.Auth.DevHeader {
		logger.Warn().Str("header", identity.DevHeader).Msg("development identity header enabled")
	}

	server := api.NewServer(api.ServerConfig{
		Manager:        manager,
		Checker:        acl.NewChecker(perms),
		Verifier:       verifier,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		SendBuffer:     cfg.Room.SendBuffer,
		Logger:         logger,
	})

	httpServer := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info().
			Str("addr", cfg.Server.Addr).
			Str("node", node).
			Str("storage", cfg.Storage.Driver).
			Bool("relay", cfg.Relay.Enabled).
			Msg("starting server")

		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		logger.Info().Msg("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		// Hijacked WebSocket connections are not tracked by Shutdown; closing
		// the rooms ends them and stores their final snapshots.
		errs := []error{httpServer.Shutdown(shutdownCtx)}
		errs = append(errs, manager.CloseAll(shutdownCtx))
		errs = append(errs, persister.Flush(shutdownCtx))
		errs = append(errs, pool.Shutdown(shutdownCtx))

		return errors.Join(errs...)
	})

	return g.Wait()
}
