package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	"livecast/internal/core/domain"
	"livecast/pkg/config"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Every key and channel livecast touches lives under keyNamespace, so a
// shared Redis can be scanned or flushed per application.
const keyNamespace = "livecast:"

const (
	streamKeyPrefix  = keyNamespace + "stream:"
	activeIndexKey   = streamKeyPrefix + "active"
	schemaVersionKey = keyNamespace + "schema:version"
	eventsChannel    = keyNamespace + "stream-events"
)

func streamKey(id domain.StreamID) string {
	return streamKeyPrefix + string(id)
}

func activeKey() string {
	return activeIndexKey
}

// streamIDFromKey reverses streamKey. The active index is not a stream.
func streamIDFromKey(key string) (domain.StreamID, bool) {
	if key == activeIndexKey {
		return "", false
	}
	id, ok := strings.CutPrefix(key, streamKeyPrefix)
	if !ok || id == "" {
		return "", false
	}
	return domain.StreamID(id), true
}

const (
	defaultMinIdleConns = 2
	defaultDialTimeout  = 5 * time.Second
	defaultReadTimeout  = 3 * time.Second
	defaultWriteTimeout = 3 * time.Second
	healthCheckTimeout  = 2 * time.Second
)

// Options configures the connection pool. Zero values take the defaults.
type Options struct {
	Address      string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func OptionsFromConfig(cfg *config.Config) Options {
	r := cfg.Store.Redis
	return Options{
		Address:      r.Address,
		Password:     r.Password,
		DB:           r.DB,
		PoolSize:     r.PoolSize,
		MinIdleConns: r.MinIdleConns,
		DialTimeout:  r.DialTimeout,
		ReadTimeout:  r.ReadTimeout,
		WriteTimeout: r.WriteTimeout,
	}
}

func (o Options) redisOptions() *redis.Options {
	if o.MinIdleConns <= 0 {
		o.MinIdleConns = defaultMinIdleConns
	}
	if o.PoolSize > 0 && o.MinIdleConns > o.PoolSize {
		o.MinIdleConns = o.PoolSize
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = defaultReadTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	return &redis.Options{
		Addr:         o.Address,
		Password:     o.Password,
		DB:           o.DB,
		PoolSize:     o.PoolSize,
		MinIdleConns: o.MinIdleConns,
		DialTimeout:  o.DialTimeout,
		ReadTimeout:  o.ReadTimeout,
		WriteTimeout: o.WriteTimeout,
	}
}

// NewRedisClient connects, checks the server answers within the dial
// timeout and brings the livecast key schema up to date.
func NewRedisClient(ctx context.Context, opts Options, logger *zap.SugaredLogger) (*redis.Client, error) {
	redisOpts := opts.redisOptions()
	client := redis.NewClient(redisOpts)

	pingCtx, cancel := context.WithTimeout(ctx, redisOpts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", opts.Address, err)
	}

	if err := Migrate(ctx, client, logger); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	if logger != nil {
		logger.Infow("connected to Redis",
			"address", opts.Address,
			"db", opts.DB,
			"pool_size", redisOpts.PoolSize,
			"min_idle_conns", redisOpts.MinIdleConns,
			"namespace", keyNamespace,
		)
	}
	return client, nil
}

// HealthCheck pings the server, bounded by a short timeout so a stalled
// connection fails the check instead of hanging it.
func HealthCheck(ctx context.Context, client redis.UniversalClient) error {
	if client == nil {
		return fmt.Errorf("redis client is not connected")
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping failed: %w", err)
	}
	return nil
}

func CloseRedisClient(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
