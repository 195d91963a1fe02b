package realtime

import (
	"strings"
	"time"
)

const (
	wsDefaultSendQueueSize = 256
	wsMinSendQueueSize     = 32

	wsDefaultWriteTimeout = 5 * time.Second
	wsDefaultReadIdle     = 2 * time.Minute
)

// Config holds the gateway knobs. It is parsed from ZERO_WS_* variables as
// part of the app config.
type Config struct {
	// DevInsecure disables websocket.Accept's origin verification. Dev only.
	DevInsecure bool `env:"DEV_INSECURE" envDefault:"false"`

	// Origin is required by default and only localhost is allowed by default.
	OriginRequired bool     `env:"ORIGIN_REQUIRED" envDefault:"true"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envDefault:"http://localhost,http://127.0.0.1" envSeparator:","`

	// RequireAuth rejects handshakes without a valid access token. When false,
	// a user_id query parameter identifies the user (development).
	RequireAuth bool `env:"REQUIRE_AUTH" envDefault:"true"`

	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"5s"`
	ReadIdleTimeout time.Duration `env:"READ_IDLE_TIMEOUT" envDefault:"2m"`
	SendQueue       int           `env:"SEND_QUEUE" envDefault:"256"`

	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"25s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`

	RateEvents int           `env:"RATE_EVENTS" envDefault:"120"`
	RateWindow time.Duration `env:"RATE_WINDOW" envDefault:"10s"`
}

// DefaultConfig mirrors the envDefault tags.
func DefaultConfig() Config {
	return Config{
		OriginRequired:    true,
		AllowedOrigins:    []string{"http://localhost", "http://127.0.0.1"},
		RequireAuth:       true,
		WriteTimeout:      wsDefaultWriteTimeout,
		ReadIdleTimeout:   wsDefaultReadIdle,
		SendQueue:         wsDefaultSendQueueSize,
		HeartbeatInterval: heartbeatInterval,
		HeartbeatTimeout:  heartbeatTimeout,
		RateEvents:        rateLimitEvents,
		RateWindow:        rateLimitWindow,
	}
}

// normalize replaces invalid values with defaults.
func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = d.ReadIdleTimeout
	}
	if c.SendQueue < wsMinSendQueueSize {
		c.SendQueue = wsMinSendQueueSize
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = d.HeartbeatTimeout
	}
	if c.RateEvents <= 0 {
		c.RateEvents = d.RateEvents
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}

	origins := make([]string, 0, len(c.AllowedOrigins))
	for _, o := range c.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.AllowedOrigins = origins
	return c
}
