package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"nostr-bridge/internal/backfill"
	"nostr-bridge/internal/bridge"
	"nostr-bridge/internal/broadcast"
	"nostr-bridge/internal/cache"
	"nostr-bridge/internal/config"
	"nostr-bridge/internal/dispatch"
	"nostr-bridge/internal/relaypool"
	"nostr-bridge/internal/store"
	"nostr-bridge/internal/vault"
)

const (
	shutdownTimeout     = 10 * time.Second
	taskShutdownTimeout = 30 * time.Second
)

// securityHeaders adds the headers every JSON response carries.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func main() {
	InitLogger()
	if err := run(); err != nil {
		slog.Error("bridge exited", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Queue workers and background tasks outlive the signal so they can
	// drain during shutdown.
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	st, storeBackend, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	backend, cacheBackend, err := openCache(cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	v, err := vault.New(cfg.MasterKey)
	switch {
	case errors.Is(err, vault.ErrNotConfigured):
		slog.Warn("NOSTR_MASTER_KEY not set, identity features disabled")
	case err != nil:
		return fmt.Errorf("master key: %w", err)
	}

	pool := relaypool.New(relaypool.Options{
		ReconnectDelay: cfg.ReconnectDelay,
		ConnectTimeout: cfg.ConnectTimeout,
		PublishTimeout: cfg.PublishTimeout,
	})
	pool.Start(cfg.Relays)
	defer pool.Close()
	if len(cfg.Relays) == 0 {
		slog.Warn("no relays configured")
	}

	broadcaster := broadcast.New(pool)
	queue, queueBackend, err := openQueue(cfg, broadcaster)
	if err != nil {
		return err
	}
	defer queue.Close()
	if err := queue.Start(appCtx); err != nil {
		return fmt.Errorf("start dispatch queue: %w", err)
	}

	snapshots := cache.NewContactSnapshots(backend, cache.DefaultConfig().ContactSnapshotTTL)
	svc := bridge.New(appCtx, st, v, queue, pool, snapshots, bridge.Options{
		ClientName:   cfg.ClientName,
		NIP05Domain:  cfg.NIP05Domain,
		Relays:       cfg.Relays,
		FetchTimeout: cfg.FetchTimeout,
		Backfill: backfill.Options{
			BatchSize:     cfg.BackfillBatchSize,
			BatchInterval: cfg.BackfillBatchInterval,
		},
	})

	if cfg.BackfillCron != "" {
		sweeper, err := backfill.NewSweeper(cfg.BackfillCron, svc.Sweep)
		if err != nil {
			return err
		}
		go sweeper.Run(ctx)
	}

	registerProcessMetrics(pool, backends{store: storeBackend, cache: cacheBackend, queue: queueBackend})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           securityHeaders(NewServer(cfg.AuthToken, broadcaster, pool, svc, cfg.Relays).Routes()),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.PublishTimeout + 30*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server",
			"port", cfg.Port,
			"relays", len(cfg.Relays),
			"store", storeBackend,
			"cache", cacheBackend,
			"queue", queueBackend,
			"identity", svc.Configured())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
		slog.Info("shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown incomplete", "error", err)
	}
	svc.Shutdown(taskShutdownTimeout)
	return nil
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, string, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL not set, using in-memory store")
		return store.NewMemory(), "memory", nil
	}
	pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("open store: %w", err)
	}
	return pg, "postgres", nil
}

func openCache(cfg *config.Config) (cache.Backend, string, error) {
	cacheCfg := cache.DefaultConfig()
	if cfg.RedisURL == "" {
		return cache.NewMemoryCache(cacheCfg.MaxEntries, cacheCfg.CleanupInterval), "memory", nil
	}
	rc, err := cache.NewRedisCache(cfg.RedisURL, "nostr-bridge:")
	if err != nil {
		return nil, "", fmt.Errorf("open cache: %w", err)
	}
	return rc, "redis", nil
}

func openQueue(cfg *config.Config, b dispatch.Broadcaster) (dispatch.Queue, string, error) {
	opts := dispatch.DefaultOptions()
	opts.MaxAttempts = cfg.DispatchMaxAttempts
	opts.RetryDelay = cfg.DispatchRetryDelay
	opts.JobTimeout = cfg.PublishTimeout + 5*time.Second
	opts.DrainTimeout = cfg.DispatchDrainTimeout

	if cfg.NATSURL == "" {
		return dispatch.NewMemoryQueue(b, opts), "memory", nil
	}
	subject := cfg.NATSSubject
	if subject == "" {
		subject = dispatch.DefaultSubject
	}
	q, err := dispatch.NewNATSQueue(cfg.NATSURL, subject, b, opts)
	if err != nil {
		return nil, "", fmt.Errorf("open dispatch queue: %w", err)
	}
	return q, "nats", nil
}
