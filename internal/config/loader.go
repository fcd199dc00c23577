package config

import (
	"context"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):.
//  1. defaults (New())
//  2. file (YAML) if MERIT_CONFIG is set
//  3. env (prefix MERIT_)
func Load(ctx context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	// Load from file if provided
	if path := os.Getenv("MERIT_CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, wrapLoadError(err)
		}
	}

	// Environment variables: MERIT_ADDR, MERIT_BATCH_LIMIT, ...
	// Map env keys like MERIT_BATCH_LIMIT -> batch_limit (flat keys).
	// Preserve underscores to match koanf tags on the struct.
	envProvider := env.Provider("MERIT_", ".", func(s string) string {
		s = strings.ToLower(s)
		s = strings.TrimPrefix(s, "merit_")
		return s
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, wrapLoadError(err)
	}

	// Unmarshal into a copy
	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, wrapLoadError(err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Addr == "" {
		return ErrEmptyAddr
	}
	if c.BatchLimit <= 0 {
		return ErrInvalidBatchLimit
	}
	if c.BreakerFailureThreshold <= 0 || c.BreakerSuccessThreshold <= 0 {
		return ErrInvalidBreaker
	}
	return nil
}
