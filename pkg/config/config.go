package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v2"
)

// Ban policies.
const (
	BanPolicyKickOnly  = "kick_only"
	BanPolicyBlocklist = "blocklist"
)

// Mute policies.
const (
	MutePolicyAnyone     = "anyone"
	MutePolicyHostOrSelf = "host_or_self"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// RTC engines.
const (
	EnginePion = "pion"
	EngineNone = "none"
)

// BreakerConfig configures one operation class.
type BreakerConfig struct {
	FailureThreshold int           `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	MaxRetries       int           `yaml:"max_retries"`
}

type Config struct {
	Server struct {
		Address         string        `yaml:"address"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Session struct {
		StalenessWindow time.Duration `yaml:"staleness_window"`
		BanPolicy       string        `yaml:"ban_policy"`
		MutePolicy      string        `yaml:"mute_policy"`
		// ListCacheTTL bounds how long stream reads are served from cache.
		// Zero disables the cache.
		ListCacheTTL time.Duration `yaml:"list_cache_ttl"`
	} `yaml:"session"`

	Recovery struct {
		MaxRecoveryAttempts       int           `yaml:"max_recovery_attempts"`
		RecoveryDelay             time.Duration `yaml:"recovery_delay"`
		BackoffMultiplier         float64       `yaml:"backoff_multiplier"`
		EnableAutoRecovery        bool          `yaml:"enable_auto_recovery"`
		FallbackToPersistenceOnly bool          `yaml:"fallback_to_persistence_only"`
		JoinTimeout               time.Duration `yaml:"join_timeout"`
		TeardownWait              time.Duration `yaml:"teardown_wait"`
	} `yaml:"recovery"`

	Breakers map[string]BreakerConfig `yaml:"breakers"`

	RTC struct {
		Engine       string `yaml:"engine"`
		SignalingURL string `yaml:"signaling_url"`
		ICEServers   []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
		PortRange struct {
			Min uint16 `yaml:"min"`
			Max uint16 `yaml:"max"`
		} `yaml:"port_range"`
		SpeakingThreshold int           `yaml:"speaking_threshold"`
		VolumeInterval    time.Duration `yaml:"volume_interval"`
		PacketLossWarning float64       `yaml:"packet_loss_warning"`
		// RelayEnabled serves the channel relay on /rtc/ws in this process.
		RelayEnabled bool `yaml:"relay_enabled"`
	} `yaml:"rtc"`

	Store struct {
		Backend string `yaml:"backend"`

		Redis struct {
			Address      string        `yaml:"address"`
			Password     string        `yaml:"password"`
			DB           int           `yaml:"db"`
			PoolSize     int           `yaml:"pool_size"`
			MinIdleConns int           `yaml:"min_idle_conns"`
			DialTimeout  time.Duration `yaml:"dial_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
		} `yaml:"redis"`

		Postgres struct {
			DSN      string `yaml:"dsn"`
			MaxConns int32  `yaml:"max_conns"`
		} `yaml:"postgres"`
	} `yaml:"store"`

	Backup struct {
		Enabled  bool          `yaml:"enabled"`
		Dir      string        `yaml:"dir"`
		Interval time.Duration `yaml:"interval"`
		Keep     int           `yaml:"keep"`
		// RestoreOnStart loads the latest snapshot into the memory store.
		RestoreOnStart bool `yaml:"restore_on_start"`
		// MaxRestoreAge ignores snapshots older than this. Zero accepts any.
		MaxRestoreAge time.Duration `yaml:"max_restore_age"`
	} `yaml:"backup"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
	} `yaml:"monitoring"`

	Tracing struct {
		Enabled     bool    `yaml:"enabled"`
		JaegerURL   string  `yaml:"jaeger_url"`
		Environment string  `yaml:"environment"`
		SampleRate  float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Auth struct {
		JWTSecret      string        `yaml:"jwt_secret"`
		AccessTokenTTL time.Duration `yaml:"access_token_ttl"`
		RTCTokenTTL    time.Duration `yaml:"rtc_token_ttl"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"auth"`

	RateLimiting struct {
		Enabled           bool    `yaml:"enabled"`
		RequestsPerSecond float64 `yaml:"requests_per_second"`
		Burst             int     `yaml:"burst"`
		MaxConcurrent     int     `yaml:"max_concurrent"`
	} `yaml:"rate_limiting"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	// Server
	if c.Server.Address == "" {
		return fmt.Errorf("server.address must not be empty")
	}
	if c.Server.ReadTimeout <= 0 || c.Server.WriteTimeout <= 0 || c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("server timeouts must be > 0")
	}

	// Session
	if c.Session.StalenessWindow <= 0 {
		return fmt.Errorf("session.staleness_window must be > 0")
	}
	switch c.Session.BanPolicy {
	case BanPolicyKickOnly, BanPolicyBlocklist:
	default:
		return fmt.Errorf("session.ban_policy must be %q or %q", BanPolicyKickOnly, BanPolicyBlocklist)
	}
	switch c.Session.MutePolicy {
	case MutePolicyAnyone, MutePolicyHostOrSelf:
	default:
		return fmt.Errorf("session.mute_policy must be %q or %q", MutePolicyAnyone, MutePolicyHostOrSelf)
	}
	if c.Session.ListCacheTTL < 0 {
		return fmt.Errorf("session.list_cache_ttl must be >= 0")
	}

	// Recovery
	if c.Recovery.MaxRecoveryAttempts < 1 {
		return fmt.Errorf("recovery.max_recovery_attempts must be >= 1")
	}
	if c.Recovery.RecoveryDelay < 0 {
		return fmt.Errorf("recovery.recovery_delay must be >= 0")
	}
	if c.Recovery.BackoffMultiplier < 1 {
		return fmt.Errorf("recovery.backoff_multiplier must be >= 1")
	}
	if c.Recovery.JoinTimeout <= 0 {
		return fmt.Errorf("recovery.join_timeout must be > 0")
	}

	// Breakers
	for name, b := range c.Breakers {
		if b.FailureThreshold < 1 {
			return fmt.Errorf("breakers.%s.failure_threshold must be >= 1", name)
		}
		if b.ResetTimeout <= 0 {
			return fmt.Errorf("breakers.%s.reset_timeout must be > 0", name)
		}
		if b.MaxRetries < 0 {
			return fmt.Errorf("breakers.%s.max_retries must be >= 0", name)
		}
	}

	// RTC
	switch c.RTC.Engine {
	case EnginePion:
		if c.RTC.SignalingURL == "" {
			return fmt.Errorf("rtc.signaling_url must not be empty when rtc.engine=pion")
		}
	case EngineNone:
	default:
		return fmt.Errorf("rtc.engine must be %q or %q", EnginePion, EngineNone)
	}
	if c.RTC.PortRange.Min > 0 || c.RTC.PortRange.Max > 0 {
		if c.RTC.PortRange.Min == 0 || c.RTC.PortRange.Max == 0 {
			return fmt.Errorf("rtc.port_range.min and max must both be set when one is set")
		}
		if c.RTC.PortRange.Min >= c.RTC.PortRange.Max {
			return fmt.Errorf("rtc.port_range.min must be < max")
		}
	}
	if c.RTC.SpeakingThreshold < 0 || c.RTC.SpeakingThreshold > 255 {
		return fmt.Errorf("rtc.speaking_threshold must be within [0, 255]")
	}

	// Store
	switch c.Store.Backend {
	case StoreMemory:
	case StoreRedis:
		if c.Store.Redis.Address == "" {
			return fmt.Errorf("store.redis.address must not be empty when store.backend=redis")
		}
		if c.Store.Redis.PoolSize <= 0 {
			return fmt.Errorf("store.redis.pool_size must be > 0 when store.backend=redis")
		}
		if c.Store.Redis.MinIdleConns < 0 || c.Store.Redis.DialTimeout < 0 ||
			c.Store.Redis.ReadTimeout < 0 || c.Store.Redis.WriteTimeout < 0 {
			return fmt.Errorf("store.redis idle connections and timeouts must not be negative")
		}
	case StorePostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must not be empty when store.backend=postgres")
		}
	default:
		return fmt.Errorf("store.backend must be one of memory, redis, postgres")
	}

	// Backup
	if c.Backup.Enabled {
		if c.Backup.Dir == "" {
			return fmt.Errorf("backup.dir must not be empty when backup is enabled")
		}
		if c.Backup.Interval <= 0 {
			return fmt.Errorf("backup.interval must be > 0 when backup is enabled")
		}
		if c.Backup.Keep < 1 {
			return fmt.Errorf("backup.keep must be >= 1 when backup is enabled")
		}
	}

	// Logging
	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	// Auth
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must not be empty")
	}
	if c.Auth.AccessTokenTTL <= 0 {
		return fmt.Errorf("auth.access_token_ttl must be > 0")
	}

	// Rate limiting
	if c.RateLimiting.Enabled {
		if c.RateLimiting.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limiting.requests_per_second must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.Burst <= 0 {
			return fmt.Errorf("rate_limiting.burst must be > 0 when rate limiting is enabled")
		}
		if c.RateLimiting.MaxConcurrent < 0 {
			return fmt.Errorf("rate_limiting.max_concurrent must be >= 0 when rate limiting is enabled")
		}
	}

	return nil
}

// Load reads configuration from YAML file, applies defaults and env overrides.
func Load(configPath string) (*Config, error) {
	// If file does not exist, fall back to defaults
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Server.Address = ":8080"
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 30 * time.Second
	cfg.Server.ShutdownTimeout = 30 * time.Second

	cfg.Session.StalenessWindow = 30 * time.Second
	cfg.Session.BanPolicy = BanPolicyKickOnly
	cfg.Session.MutePolicy = MutePolicyAnyone
	cfg.Session.ListCacheTTL = 2 * time.Second

	cfg.Recovery.MaxRecoveryAttempts = 3
	cfg.Recovery.RecoveryDelay = 2 * time.Second
	cfg.Recovery.BackoffMultiplier = 1.5
	cfg.Recovery.EnableAutoRecovery = true
	cfg.Recovery.FallbackToPersistenceOnly = true
	cfg.Recovery.JoinTimeout = 15 * time.Second
	cfg.Recovery.TeardownWait = 500 * time.Millisecond

	cfg.Breakers = map[string]BreakerConfig{
		"channel_join":       {FailureThreshold: 3, ResetTimeout: 30 * time.Second, MaxRetries: 3},
		"engine_cleanup":     {FailureThreshold: 2, ResetTimeout: 10 * time.Second, MaxRetries: 1},
		"stream_access":      {FailureThreshold: 5, ResetTimeout: 15 * time.Second, MaxRetries: 2},
		"streaming_recovery": {FailureThreshold: 3, ResetTimeout: 60 * time.Second, MaxRetries: 3},
	}

	cfg.RTC.Engine = EngineNone
	cfg.RTC.SignalingURL = "ws://localhost:8081/ws"
	cfg.RTC.SpeakingThreshold = 10
	cfg.RTC.VolumeInterval = 200 * time.Millisecond
	cfg.RTC.PacketLossWarning = 0.1
	cfg.RTC.RelayEnabled = true

	cfg.Store.Backend = StoreMemory
	cfg.Store.Redis.Address = "localhost:6379"
	cfg.Store.Redis.PoolSize = 10
	cfg.Store.Redis.MinIdleConns = 2
	cfg.Store.Redis.DialTimeout = 5 * time.Second
	cfg.Store.Redis.ReadTimeout = 3 * time.Second
	cfg.Store.Redis.WriteTimeout = 3 * time.Second
	cfg.Store.Postgres.MaxConns = 10

	cfg.Backup.Enabled = false
	cfg.Backup.Dir = "./data/snapshots"
	cfg.Backup.Interval = time.Minute
	cfg.Backup.Keep = 10
	cfg.Backup.RestoreOnStart = true
	cfg.Backup.MaxRestoreAge = 15 * time.Minute

	cfg.Monitoring.PrometheusEnabled = true

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.Environment = "development"
	cfg.Tracing.SampleRate = 1.0

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Auth.JWTSecret = "change-me-in-production"
	cfg.Auth.AccessTokenTTL = 15 * time.Minute
	cfg.Auth.RTCTokenTTL = time.Hour
	cfg.Auth.AllowedOrigins = []string{"*"}

	cfg.RateLimiting.Enabled = false
	cfg.RateLimiting.RequestsPerSecond = 50
	cfg.RateLimiting.Burst = 100

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("LIVECAST_SERVER_ADDRESS"); addr != "" {
		c.Server.Address = addr
	}
	if level := os.Getenv("LIVECAST_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if secret := os.Getenv("LIVECAST_JWT_SECRET"); secret != "" {
		c.Auth.JWTSecret = secret
	}
	if backend := os.Getenv("LIVECAST_STORE_BACKEND"); backend != "" {
		c.Store.Backend = backend
	}
	if addr := os.Getenv("LIVECAST_REDIS_ADDRESS"); addr != "" {
		c.Store.Redis.Address = addr
	}
	if dsn := os.Getenv("LIVECAST_POSTGRES_DSN"); dsn != "" {
		c.Store.Postgres.DSN = dsn
	}
	if engine := os.Getenv("LIVECAST_RTC_ENGINE"); engine != "" {
		c.RTC.Engine = engine
	}
	if url := os.Getenv("LIVECAST_RTC_SIGNALING_URL"); url != "" {
		c.RTC.SignalingURL = url
	}
	if v := os.Getenv("LIVECAST_MAX_RECOVERY_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Recovery.MaxRecoveryAttempts = n
		}
	}
}
