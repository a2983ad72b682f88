// Package config loads service configuration from a YAML file with
// environment overrides and carries the limits the sync pipeline enforces.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/erauner12/bucketsync/internal/auth"
)

const envPrefix = "BUCKETSYNC_"

type Config struct {
	// Env is "dev" or "production". Production refuses memory storage and
	// the dev shared secret.
	Env         string            `koanf:"env"`
	LogLevel    string            `koanf:"log_level"`
	HTTP        HTTPConfig        `koanf:"http"`
	Storage     StorageConfig     `koanf:"storage"`
	SyncRules   string            `koanf:"sync_rules"`
	Auth        AuthConfig        `koanf:"auth"`
	Limits      LimitsConfig      `koanf:"limits"`
	Replication ReplicationConfig `koanf:"replication"`
}

type HTTPConfig struct {
	Addr            string        `koanf:"addr"`
	CORSOrigins     []string      `koanf:"cors_origins"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

type StorageConfig struct {
	// Kind selects the bucket storage backend: "postgres" or "memory".
	Kind        string `koanf:"kind"`
	DatabaseURL string `koanf:"database_url"`
	MaxConns    int32  `koanf:"max_conns"`
}

type AuthConfig struct {
	Audiences      []string   `koanf:"audiences"`
	JWKS           []auth.JWK `koanf:"jwks"`
	JWKSURLs       []string   `koanf:"jwks_urls"`
	SupabaseSecret string     `koanf:"supabase_secret"`
	// DevSecret is a wildcard HS256 secret for local development.
	DevSecret        string        `koanf:"dev_secret"`
	MaxTokenLifetime time.Duration `koanf:"max_token_lifetime"`
	// ExpiryMargin ends sync streams this long before token expiry, giving
	// clients room to refresh and reconnect.
	ExpiryMargin time.Duration `koanf:"expiry_margin"`
}

type LimitsConfig struct {
	MaxBucketsPerConnection int           `koanf:"max_buckets_per_connection"`
	MaxParameterResults     int           `koanf:"max_parameter_results"`
	ScanSlots               int64         `koanf:"scan_slots"`
	ScanTimeout             time.Duration `koanf:"scan_timeout"`
	ScanMaxOps              int           `koanf:"scan_max_ops"`
	ScanMaxBytes            int64         `koanf:"scan_max_bytes"`
	PreemptAfterOps         int           `koanf:"preempt_after_ops"`
	FlushHintBytes          int           `koanf:"flush_hint_bytes"`
	ChecksumCacheSize       int           `koanf:"checksum_cache_size"`
	WriteCheckpointsPerMin  int           `koanf:"write_checkpoints_per_minute"`
}

type ReplicationConfig struct {
	MaxBatchOps   int   `koanf:"max_batch_ops"`
	MaxBatchBytes int64 `koanf:"max_batch_bytes"`
	MaxRowBytes   int64 `koanf:"max_row_bytes"`
}

// Default returns the configuration the service runs with when a key is not
// set in the file or the environment.
func Default() *Config {
	return &Config{
		Env:       "production",
		LogLevel:  "info",
		HTTP:      HTTPConfig{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
		Storage:   StorageConfig{Kind: "postgres", MaxConns: 8},
		SyncRules: "sync-rules.yaml",
		Auth: AuthConfig{
			MaxTokenLifetime: 24 * time.Hour,
			ExpiryMargin:     30 * time.Second,
		},
		Limits: LimitsConfig{
			MaxBucketsPerConnection: 1000,
			MaxParameterResults:     1000,
			ScanSlots:               10,
			ScanTimeout:             30 * time.Second,
			ScanMaxOps:              1000,
			ScanMaxBytes:            1 << 20,
			PreemptAfterOps:         1000,
			FlushHintBytes:          50 << 10,
			ChecksumCacheSize:       10000,
			WriteCheckpointsPerMin:  60,
		},
		Replication: ReplicationConfig{
			MaxBatchOps:   1000,
			MaxBatchBytes: 4 << 20,
			MaxRowBytes:   15 << 20,
		},
	}
}

// Load reads the YAML file at path (skipped when empty) and applies
// environment overrides. BUCKETSYNC_ variables map onto config keys with a
// double underscore separating levels: BUCKETSYNC_STORAGE__DATABASE_URL sets
// storage.database_url.
//
// Validation is separate so the caller can apply flag overrides first.
func Load(path string) (*Config, error) {
	k := koanf.New(".")
	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func envKey(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "__", ".")
}

var (
	ErrUnknownEnvironment        = errors.New(`env must be "dev" or "production"`)
	ErrUnknownStorageKind        = errors.New(`storage.kind must be "postgres" or "memory"`)
	ErrMissingDatabaseURL        = errors.New("storage.database_url is required for postgres storage")
	ErrMemoryStorageInProduction = errors.New("memory storage is not allowed in production")
	ErrMissingSyncRules          = errors.New("sync_rules path is required")
	ErrNoAuthKeys                = errors.New("no verification keys configured: set auth.jwks, auth.jwks_urls, auth.supabase_secret or auth.dev_secret")
	ErrDevSecretInProduction     = errors.New("auth.dev_secret is not allowed in production")
	ErrNoAudiences               = errors.New("auth.audiences is required unless only the supabase collector is configured")
)

func (c *Config) Validate() error {
	switch c.Env {
	case "dev", "production":
	default:
		return ErrUnknownEnvironment
	}

	switch c.Storage.Kind {
	case "postgres":
		if c.Storage.DatabaseURL == "" {
			return ErrMissingDatabaseURL
		}
	case "memory":
		if c.Env == "production" {
			return ErrMemoryStorageInProduction
		}
	default:
		return ErrUnknownStorageKind
	}

	if c.SyncRules == "" {
		return ErrMissingSyncRules
	}

	hasKeys := len(c.Auth.JWKS) > 0 || len(c.Auth.JWKSURLs) > 0 ||
		c.Auth.SupabaseSecret != "" || c.Auth.DevSecret != ""
	if !hasKeys {
		return ErrNoAuthKeys
	}
	if c.Auth.DevSecret != "" && c.Env == "production" {
		return ErrDevSecretInProduction
	}
	supabaseOnly := c.Auth.SupabaseSecret != "" &&
		len(c.Auth.JWKS) == 0 && len(c.Auth.JWKSURLs) == 0 && c.Auth.DevSecret == ""
	if len(c.Auth.Audiences) == 0 && !supabaseOnly {
		return ErrNoAudiences
	}
	return nil
}
