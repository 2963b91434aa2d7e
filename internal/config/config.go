package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all runtime configuration for the idgate API process.
type Config struct {
	Addr   string `env:"IDGATE_ADDR" envDefault:":8080"`
	Issuer string `env:"IDGATE_ISSUER" envDefault:"http://localhost:8080"`
	PGDSN  string `env:"IDGATE_PG_DSN"`

	PrivateKeyFile string `env:"IDGATE_PRIVATE_KEY_FILE"`
	PublicKeyFile  string `env:"IDGATE_PUBLIC_KEY_FILE"`

	AccessTTL  time.Duration `env:"IDGATE_ACCESS_TTL" envDefault:"15m"`
	IDTokenTTL time.Duration `env:"IDGATE_ID_TOKEN_TTL" envDefault:"1h"`
	RefreshTTL time.Duration `env:"IDGATE_REFRESH_TTL" envDefault:"336h"`
	CodeTTL    time.Duration `env:"IDGATE_CODE_TTL" envDefault:"5m"`

	MaxBodyBytes int64 `env:"IDGATE_MAX_BODY_BYTES" envDefault:"65536"`
}

// Load parses configuration from the environment and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.Issuer) == "" {
		return errors.New("config: issuer is required")
	}
	if strings.HasSuffix(c.Issuer, "/") {
		return errors.New("config: issuer must not end with a slash")
	}
	if c.PrivateKeyFile == "" || c.PublicKeyFile == "" {
		return errors.New("config: signing key files are required")
	}
	if c.RefreshTTL < 7*24*time.Hour || c.RefreshTTL > 30*24*time.Hour {
		return fmt.Errorf("config: refresh TTL %s outside the 7d-30d range", c.RefreshTTL)
	}
	return nil
}
