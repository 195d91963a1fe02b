package app

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"zerochat/cmd/internal/auth"
	"zerochat/cmd/internal/realtime"
)

// envPrefix namespaces every variable the server reads.
const envPrefix = "ZERO_"

// Config contains all runtime configuration loaded from environment variables.
type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:"0.0.0.0:8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	ReadHeaderTimeout time.Duration `env:"HTTP_READ_HEADER_TIMEOUT" envDefault:"5s"`
	ReadTimeout       time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	WriteTimeout      time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"15s"`
	IdleTimeout       time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	MaxHeaderBytes    int           `env:"HTTP_MAX_HEADER_BYTES" envDefault:"1048576"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Store backend: DatabaseURL wins, then MongoURI, else in-memory.
	DatabaseURL  string `env:"DATABASE_URL"`
	DBMaxConns   int32  `env:"DB_MAX_CONNS" envDefault:"10"`
	DBMinConns   int32  `env:"DB_MIN_CONNS" envDefault:"0"`
	DBSchema     string `env:"DB_SCHEMA" envDefault:"zerochat"`
	DBMigrate    bool   `env:"DB_AUTO_MIGRATE" envDefault:"false"`
	MongoURI     string `env:"MONGO_URI"`
	MongoDB      string `env:"MONGO_DB" envDefault:"zerochat"`
	MongoIndexes bool   `env:"MONGO_ENSURE_INDEXES" envDefault:"true"`

	// If true, /readyz returns 503 unless a durable store is configured and reachable.
	ReadinessRequireDB bool `env:"READINESS_REQUIRE_DB" envDefault:"false"`

	MetricsEnabled bool `env:"METRICS_ENABLED" envDefault:"true"`

	Auth auth.Config     `envPrefix:"AUTH_"`
	WS   realtime.Config `envPrefix:"WS_"`
}

// Backend names the conversation store the config selects.
func (c Config) Backend() string {
	switch {
	case strings.TrimSpace(c.DatabaseURL) != "":
		return "postgres"
	case strings.TrimSpace(c.MongoURI) != "":
		return "mongo"
	default:
		return "memory"
	}
}

// Validate rejects combinations the server cannot start with.
func (c Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "pretty", "text":
	default:
		return fmt.Errorf("config: unknown log format %q", c.LogFormat)
	}
	if strings.TrimSpace(c.HTTPAddr) == "" {
		return errors.New("config: empty http addr")
	}
	if c.WS.RequireAuth && strings.TrimSpace(c.Auth.Secret) == "" {
		return errors.New("config: ZERO_WS_REQUIRE_AUTH=true but ZERO_AUTH_JWT_SECRET is missing")
	}
	if strings.TrimSpace(c.Auth.Secret) != "" {
		if err := c.Auth.Validate(); err != nil {
			return fmt.Errorf("config: auth: %w", err)
		}
	}
	return nil
}

// LoadConfig parses ZERO_* variables and validates the result.
func LoadConfig() (Config, error) {
	return loadConfig(env.Options{Prefix: envPrefix})
}

func loadConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
