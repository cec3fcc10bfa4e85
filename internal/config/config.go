// Package config loads the bridge configuration from the environment.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/joho/godotenv"

	"nostr-bridge/internal/nostr"
)

// ErrMissingAuthToken is returned when BRIDGE_AUTH_TOKEN is unset.
var ErrMissingAuthToken = errors.New("BRIDGE_AUTH_TOKEN is required")

// Config is the process configuration.
type Config struct {
	Relays    []string
	AuthToken string
	Port      string

	MasterKey   string
	DatabaseURL string
	RedisURL    string
	NATSURL     string
	NATSSubject string

	ReconnectDelay time.Duration
	ConnectTimeout time.Duration
	PublishTimeout time.Duration
	FetchTimeout   time.Duration

	BackfillBatchSize     int
	BackfillBatchInterval time.Duration
	BackfillCron          string

	NIP05Domain string
	ClientName  string

	DispatchMaxAttempts int
	DispatchRetryDelay  time.Duration
	// DispatchDrainTimeout bounds how long shutdown keeps sending queued jobs.
	DispatchDrainTimeout time.Duration
}

// RelaysFile is the optional JSON relay list named by RELAYS_CONFIG.
type RelaysFile struct {
	Relays []string `json:"relays"`
}

// Load reads .env if present, then the environment.
func Load() (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := &Config{
		AuthToken:   strings.TrimSpace(os.Getenv("BRIDGE_AUTH_TOKEN")),
		Port:        getString("PORT", "8080"),
		MasterKey:   strings.TrimSpace(os.Getenv("NOSTR_MASTER_KEY")),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RedisURL:    os.Getenv("REDIS_URL"),
		NATSURL:     os.Getenv("NATS_URL"),
		NATSSubject: os.Getenv("NATS_SUBJECT"),
		NIP05Domain: strings.ToLower(strings.TrimSpace(os.Getenv("NIP05_DOMAIN"))),
		ClientName:  getString("CLIENT_NAME", "nostr-bridge"),
	}
	if cfg.AuthToken == "" {
		return nil, ErrMissingAuthToken
	}

	relays, err := loadRelays()
	if err != nil {
		return nil, err
	}
	cfg.Relays = relays

	var errs []error
	cfg.ReconnectDelay = getDuration("RECONNECT_DELAY", 5*time.Second, &errs)
	cfg.ConnectTimeout = getDuration("CONNECT_TIMEOUT", 10*time.Second, &errs)
	cfg.PublishTimeout = getDuration("PUBLISH_TIMEOUT", 10*time.Second, &errs)
	cfg.FetchTimeout = getDuration("FETCH_TIMEOUT", 3*time.Second, &errs)
	cfg.BackfillBatchSize = getInt("BACKFILL_BATCH_SIZE", 10, &errs)
	cfg.BackfillBatchInterval = getDuration("BACKFILL_BATCH_INTERVAL", time.Second, &errs)
	cfg.DispatchMaxAttempts = getInt("DISPATCH_MAX_ATTEMPTS", 3, &errs)
	cfg.DispatchRetryDelay = getDuration("DISPATCH_RETRY_DELAY", 30*time.Second, &errs)
	cfg.DispatchDrainTimeout = getDuration("DISPATCH_DRAIN_TIMEOUT", 20*time.Second, &errs)

	cfg.BackfillCron = strings.TrimSpace(os.Getenv("BACKFILL_CRON"))
	if cfg.BackfillCron != "" && !gronx.IsValid(cfg.BackfillCron) {
		errs = append(errs, fmt.Errorf("BACKFILL_CRON: invalid expression %q", cfg.BackfillCron))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadRelays merges RELAYS with the file named by RELAYS_CONFIG, keeping
// the first occurrence of each normalized URL.
func loadRelays() ([]string, error) {
	raw := os.Getenv("RELAYS")
	if path := os.Getenv("RELAYS_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read relays config: %w", err)
		}
		var file RelaysFile
		if err := json.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("invalid JSON in relays config %s: %w", path, err)
		}
		slog.Info("loaded relays configuration", "path", path, "relays", len(file.Relays))
		raw = strings.Join(append([]string{raw}, file.Relays...), ",")
	}

	relays, invalid := nostr.ParseRelayList(raw)
	for _, r := range invalid {
		slog.Warn("ignoring invalid relay url", "relay", r)
	}
	return relays, nil
}

func getString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getDuration(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		*errs = append(*errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return def
	}
	return d
}

func getInt(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		*errs = append(*errs, fmt.Errorf("%s: expected a positive integer, got %q", key, v))
		return def
	}
	return n
}
