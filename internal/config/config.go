package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds relayd and client-side call settings, loaded from the
// environment (.env honored when present).
type Config struct {
	AppEnv   string // APP_ENV
	Addr     string // RELAY_ADDR (listen address for relayd)
	RelayURL string // RELAY_URL (ws:// URL clients dial)
	LogLevel string // LOG_LEVEL

	// RingTimeout ends unanswered calls. 0 disables the timer.
	RingTimeout time.Duration // RING_TIMEOUT_SECONDS

	// ICEServers is the operator-supplied list of stun:/turn: endpoints.
	ICEServers []string // ICE_SERVERS, comma separated
}

// Load reads the environment with defaults suitable for development.
func Load() (*Config, error) {
	_ = godotenv.Load()

	ringRaw := getEnv("RING_TIMEOUT_SECONDS", "45")
	ringSecs, err := strconv.Atoi(ringRaw)
	if err != nil {
		return nil, fmt.Errorf("config: invalid RING_TIMEOUT_SECONDS %q: %w", ringRaw, err)
	}

	cfg := &Config{
		AppEnv:      getEnv("APP_ENV", "development"),
		Addr:        getEnv("RELAY_ADDR", ":8080"),
		RelayURL:    getEnv("RELAY_URL", "ws://localhost:8080/ws"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
		RingTimeout: time.Duration(ringSecs) * time.Second,
	}
	if raw := getEnv("ICE_SERVERS", "stun:stun.l.google.com:19302"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.ICEServers = append(cfg.ICEServers, s)
			}
		}
	}
	return cfg, nil
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return errors.New("config: RELAY_ADDR is required")
	}
	if c.RingTimeout < 0 {
		return errors.New("config: RING_TIMEOUT_SECONDS must not be negative")
	}
	return nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
