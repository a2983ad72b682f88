package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/erauner12/bucketsync/internal/auth"
	"github.com/erauner12/bucketsync/internal/config"
	"github.com/erauner12/bucketsync/internal/db"
	"github.com/erauner12/bucketsync/internal/httpapi"
	"github.com/erauner12/bucketsync/internal/replication"
	"github.com/erauner12/bucketsync/internal/rules"
	"github.com/erauner12/bucketsync/internal/storage"
	"github.com/erauner12/bucketsync/internal/storage/memstore"
	"github.com/erauner12/bucketsync/internal/storage/pgstore"
	"github.com/erauner12/bucketsync/internal/syncer"
)

// devInitialLSN is the position the first checkpoint commits at when memory
// storage runs without a replication source.
const devInitialLSN = "0/1"

func main() {
	configPath := flag.String("config", "", "path to the service configuration file")
	flag.Parse()

	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "bucketsync").Logger()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}

	// Pretty logging for local dev
	if cfg.Env == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	ctx := context.Background()

	store, err := openStore(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open storage")
	}

	version, err := deployRules(ctx, store, cfg.SyncRules)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.SyncRules).Msg("failed to deploy sync rules")
	}

	// Memory storage has no replication source feeding it, so the deployed
	// version would never activate on its own. Commit an initial empty
	// checkpoint to bring the stream loop up.
	if cfg.Storage.Kind == "memory" {
		if err := bootstrapDev(ctx, store, version); err != nil {
			log.Fatal().Err(err).Msg("failed to activate sync rules for dev mode")
		}
	}

	keys, err := buildKeyStore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build verification key store")
	}

	sy := syncer.New(store, syncer.Options{
		MaxBuckets:          cfg.Limits.MaxBucketsPerConnection,
		MaxParameterResults: cfg.Limits.MaxParameterResults,
		PreemptAfterOps:     cfg.Limits.PreemptAfterOps,
		GateSlots:           cfg.Limits.ScanSlots,
		GateTimeout:         cfg.Limits.ScanTimeout,
		Scan: storage.ScanOptions{
			MaxOps:   cfg.Limits.ScanMaxOps,
			MaxBytes: cfg.Limits.ScanMaxBytes,
		},
		FlushHintBytes:    cfg.Limits.FlushHintBytes,
		ChecksumCacheSize: cfg.Limits.ChecksumCacheSize,
	}, log.Logger)

	srv := httpapi.NewServer(store, sy, keys, httpapi.Options{
		CORSOrigins:       cfg.HTTP.CORSOrigins,
		TokenExpiryMargin: cfg.Auth.ExpiryMargin,
		WriteCheckpoints:  httpapi.RateLimit{PerMinute: cfg.Limits.WriteCheckpointsPerMin},
	}, log.Logger)

	// No Read/WriteTimeout: sync streams outlive any fixed deadline. Each
	// stream bounds its own lifetime by the token expiry.
	httpServer := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           srv.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("env", cfg.Env).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()

	// Closing the store ends the checkpoint feeds, which unwinds open sync
	// streams; Shutdown can then drain the remaining requests instead of
	// waiting out its deadline on long-lived connections.
	if err := store.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("storage close error")
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	if cfg.Storage.Kind == "memory" {
		log.Warn().Msg("using in-memory storage, synced data is lost on restart")
		return memstore.New(log.Logger), nil
	}
	pool, err := db.Open(ctx, cfg.Storage.DatabaseURL, cfg.Storage.MaxConns, log.Logger)
	if err != nil {
		return nil, fmt.Errorf("connect to postgres: %w", err)
	}
	store, err := pgstore.Open(ctx, pool, log.Logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

// deployRules loads the sync rules file and registers it. An unchanged
// document returns the already-deployed version.
func deployRules(ctx context.Context, store storage.Store, path string) (*rules.Version, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sync rules: %w", err)
	}
	v, err := store.DeploySyncRules(ctx, content)
	if err != nil {
		return nil, err
	}
	log.Info().Int32("version", v.ID).Str("state", string(v.State)).Msg("sync rules deployed")
	return v, nil
}

// bootstrapDev commits an empty checkpoint through the batch writer, which
// activates the deployed version the same way the first consistent commit of
// a real replication stream would.
func bootstrapDev(ctx context.Context, store storage.Store, v *rules.Version) error {
	flush := storage.NewFlushSerializer()
	defer flush.Close()
	w, err := replication.NewBatchWriter(log.Logger, store.Buckets(v), v, flush, replication.WriterOptions{})
	if err != nil {
		return err
	}
	_, _, err = w.Commit(ctx, devInitialLSN)
	return err
}

func buildKeyStore(cfg *config.Config) (*auth.KeyStore, error) {
	var collectors []auth.KeyCollector
	if len(cfg.Auth.JWKS) > 0 {
		static, err := auth.NewStaticCollector(cfg.Auth.JWKS)
		if err != nil {
			return nil, fmt.Errorf("parse configured jwks: %w", err)
		}
		collectors = append(collectors, static)
	}
	for _, url := range cfg.Auth.JWKSURLs {
		rc := auth.NewRemoteCollector(url, log.Logger)
		rc.StartBackgroundRetry()
		collectors = append(collectors, rc)
	}
	if cfg.Auth.SupabaseSecret != "" {
		collectors = append(collectors, auth.NewSupabaseCollector(cfg.Auth.SupabaseSecret))
	}
	if cfg.Auth.DevSecret != "" {
		log.Warn().Msg("dev shared secret is configured, do not use this in production")
		collectors = append(collectors, auth.NewDevCollector(cfg.Auth.DevSecret))
	}
	return auth.NewKeyStore(collectors, auth.KeyStoreOptions{
		Audiences:   cfg.Auth.Audiences,
		MaxLifetime: cfg.Auth.MaxTokenLifetime,
	}, log.Logger), nil
}
