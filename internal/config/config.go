package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// AppConfig holds everything a single arenad instance needs. One process runs
// the gateway, the matchmaker loop, the watchdog and the presence janitor.
type AppConfig struct {
	InstanceID string `yaml:"instance_id"`

	RedisURL    string `yaml:"redis_url"`
	NATSURL     string `yaml:"nats_url"`
	DatabaseURL string `yaml:"database_url"`

	WSListenAddr     string `yaml:"ws_listen_addr"`
	StatusListenAddr string `yaml:"status_listen_addr"`

	TurnTimeout     time.Duration `yaml:"turn_timeout"`
	PauseTimeout    time.Duration `yaml:"pause_timeout"`
	PresenceTTL     time.Duration `yaml:"presence_ttl"`
	StrikeThreshold int           `yaml:"strike_threshold"`

	MatchmakerInterval time.Duration `yaml:"matchmaker_interval"`
	WatchdogInterval   time.Duration `yaml:"watchdog_interval"`
	JanitorInterval    time.Duration `yaml:"janitor_interval"`

	QueueScanLimit int `yaml:"queue_scan_limit"`
	DefaultRating  int `yaml:"default_rating"`
}

// Load reads env vars, then applies ARENA_CONFIG (YAML) as an overlay when set.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		WSListenAddr:       ":8080",
		StatusListenAddr:   ":8081",
		TurnTimeout:        30 * time.Second,
		PauseTimeout:       60 * time.Second,
		PresenceTTL:        90 * time.Second,
		StrikeThreshold:    4,
		MatchmakerInterval: 1500 * time.Millisecond,
		WatchdogInterval:   2 * time.Second,
		JanitorInterval:    20 * time.Second,
		QueueScanLimit:     40,
		DefaultRating:      1000,
	}

	cfg.InstanceID = strings.TrimSpace(os.Getenv("INSTANCE_ID"))
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.NATSURL = strings.TrimSpace(os.Getenv("NATS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))

	if v := strings.TrimSpace(os.Getenv("WS_LISTEN_ADDR")); v != "" {
		cfg.WSListenAddr = v
	}
	if v := strings.TrimSpace(os.Getenv("STATUS_LISTEN_ADDR")); v != "" {
		cfg.StatusListenAddr = v
	}

	if err := loadDuration(&cfg.TurnTimeout, "TURN_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := loadDuration(&cfg.PauseTimeout, "PAUSE_TIMEOUT"); err != nil {
		return nil, err
	}
	if err := loadDuration(&cfg.PresenceTTL, "PRESENCE_TTL"); err != nil {
		return nil, err
	}
	if err := loadDuration(&cfg.MatchmakerInterval, "MATCHMAKER_INTERVAL"); err != nil {
		return nil, err
	}
	if err := loadDuration(&cfg.WatchdogInterval, "WATCHDOG_INTERVAL"); err != nil {
		return nil, err
	}
	if err := loadDuration(&cfg.JanitorInterval, "JANITOR_INTERVAL"); err != nil {
		return nil, err
	}

	if v := strings.TrimSpace(os.Getenv("STRIKE_THRESHOLD")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.StrikeThreshold = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("QUEUE_SCAN_LIMIT")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.QueueScanLimit = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("DEFAULT_RATING")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultRating = n
		}
	}

	if path := strings.TrimSpace(os.Getenv("ARENA_CONFIG")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.NATSURL == "" {
		return nil, errors.New("NATS_URL is required")
	}

	return cfg, nil
}

func loadDuration(dst *time.Duration, key string) error {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", key)
	}
	*dst = d
	return nil
}
