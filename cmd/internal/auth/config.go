package auth

import (
	"strings"
	"time"
)

// MinSecretBytes is the shortest accepted HMAC signing secret.
const MinSecretBytes = 32

// Config controls access-token issuance and verification.
//
// It is parsed from the environment as part of the app config
// (ZERO_AUTH_* variables).
type Config struct {
	// Issuer is the value set in the "iss" claim of access tokens.
	Issuer string `env:"ISSUER" envDefault:"zerochat"`

	// AccessTokenTTL defines the lifetime of access tokens.
	AccessTokenTTL time.Duration `env:"ACCESS_TTL" envDefault:"15m"`

	// ClockSkew is the leeway applied to exp/nbf/iat checks.
	ClockSkew time.Duration `env:"CLOCK_SKEW" envDefault:"30s"`

	// Secret is the HS256 signing key.
	Secret string `env:"JWT_SECRET"`
}

// DefaultConfig returns the development defaults without a secret.
func DefaultConfig() Config {
	return Config{
		Issuer:         "zerochat",
		AccessTokenTTL: 15 * time.Minute,
		ClockSkew:      30 * time.Second,
	}
}

// Validate returns ErrConfig when the configuration cannot sign tokens.
func (c Config) Validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return ErrConfig
	}
	if c.AccessTokenTTL <= 0 || c.ClockSkew < 0 {
		return ErrConfig
	}
	if len(strings.TrimSpace(c.Secret)) < MinSecretBytes {
		return ErrConfig
	}
	return nil
}
