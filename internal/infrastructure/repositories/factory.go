package repositories

import (
	"context"

	"livecast/internal/core/ports"
	"livecast/internal/infrastructure/repositories/memory"
	pgrepo "livecast/internal/infrastructure/repositories/postgres"
	redisrepo "livecast/internal/infrastructure/repositories/redis"
	"livecast/pkg/config"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RepositoryFactory builds the session store for the configured backend,
// falling back to memory when the backend cannot be reached.
type RepositoryFactory struct {
	backend    string
	instanceID string

	redisClient *redis.Client
	pgPool      *pgxpool.Pool

	store   ports.SessionStore
	closers []func() error
	logger  *zap.SugaredLogger
}

// NewRepositoryFactory connects to the configured store backend.
func NewRepositoryFactory(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*RepositoryFactory, error) {
	factory := &RepositoryFactory{
		backend:    config.StoreMemory,
		instanceID: uuid.NewString(),
		logger:     logger,
	}

	switch cfg.Store.Backend {
	case config.StoreRedis:
		client, err := redisrepo.NewRedisClient(ctx, redisrepo.OptionsFromConfig(cfg), logger)
		if err != nil {
			logger.Warnw("failed to connect to Redis, falling back to memory store",
				"error", err,
			)
			break
		}
		factory.redisClient = client
		factory.backend = config.StoreRedis

	case config.StorePostgres:
		pool, err := pgrepo.NewPool(ctx, cfg.Store.Postgres.DSN, cfg.Store.Postgres.MaxConns, logger)
		if err != nil {
			logger.Warnw("failed to connect to Postgres, falling back to memory store",
				"error", err,
			)
			break
		}
		factory.pgPool = pool
		factory.backend = config.StorePostgres
	}

	logger.Infow("using session store",
		"backend", factory.backend,
		"instance_id", factory.instanceID,
	)
	return factory, nil
}

// Backend reports the backend actually in use.
func (f *RepositoryFactory) Backend() string {
	return f.backend
}

// CreateSessionStore returns the session store, starting its change feed on
// first use.
func (f *RepositoryFactory) CreateSessionStore(ctx context.Context) ports.SessionStore {
	if f.store != nil {
		return f.store
	}

	switch {
	case f.redisClient != nil:
		store := redisrepo.NewSessionStore(f.redisClient, f.instanceID, f.logger)
		store.Start(ctx)
		f.closers = append(f.closers, store.Close)
		f.store = store
	case f.pgPool != nil:
		store := pgrepo.NewSessionStore(f.pgPool, f.instanceID, f.logger)
		store.Start(ctx, f.pgPool)
		f.closers = append(f.closers, store.Close)
		f.store = store
	default:
		f.store = memory.NewSessionStore()
	}
	return f.store
}

// Close stops change feeds and closes backend connections.
func (f *RepositoryFactory) Close() error {
	var firstErr error
	for _, closeFn := range f.closers {
		if err := closeFn(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.closers = nil

	if f.redisClient != nil {
		if err := redisrepo.CloseRedisClient(f.redisClient); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if f.pgPool != nil {
		f.pgPool.Close()
	}
	return firstErr
}

// HealthCheck checks the backend connection.
func (f *RepositoryFactory) HealthCheck(ctx context.Context) error {
	switch {
	case f.redisClient != nil:
		return redisrepo.HealthCheck(ctx, f.redisClient)
	case f.pgPool != nil:
		return f.pgPool.Ping(ctx)
	default:
		return nil
	}
}
