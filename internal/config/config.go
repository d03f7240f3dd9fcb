// Package config loads the sync engine configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Policy selects the default conflict resolution behavior.
type Policy string

const (
	PolicyLocalWins           Policy = "local_wins"
	PolicyRemoteWins          Policy = "remote_wins"
	PolicyLatestTimestampWins Policy = "latest_timestamp_wins"
	PolicyManual              Policy = "manual"
)

// ParsePolicy converts a config string into a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case PolicyLocalWins:
		return PolicyLocalWins, nil
	case PolicyRemoteWins:
		return PolicyRemoteWins, nil
	case PolicyLatestTimestampWins:
		return PolicyLatestTimestampWins, nil
	case PolicyManual, "":
		return PolicyManual, nil
	}
	return "", fmt.Errorf("unknown conflict policy: %q", s)
}

// Config is the environment surface consumed by the core.
type Config struct {
	DeviceID     string
	DeviceName   string
	DataDir      string
	ListenAddr   string
	PeerURL      string
	Policy       Policy
	SyncInterval time.Duration
	AdminSecret  string
	LogLevel     string
}

// Load reads configuration from the environment with development defaults.
// DEVICE_ID has no default: every device must carry a stable identity.
func Load() (Config, error) {
	cfg := Config{
		DeviceID:    os.Getenv("DEVICE_ID"),
		DeviceName:  getEnv("DEVICE_NAME", "unnamed-device"),
		DataDir:     getEnv("DATA_DIR", "./data"),
		ListenAddr:  getEnv("LISTEN_ADDR", ":8390"),
		PeerURL:     os.Getenv("PEER_URL"),
		AdminSecret: getEnv("ADMIN_SECRET", "dev-secret-change-in-production"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),
	}

	if cfg.DeviceID == "" {
		return Config{}, fmt.Errorf("DEVICE_ID must be set")
	}

	policy, err := ParsePolicy(os.Getenv("CONFLICT_POLICY"))
	if err != nil {
		return Config{}, err
	}
	cfg.Policy = policy

	interval := getEnv("SYNC_INTERVAL", "15m")
	cfg.SyncInterval, err = time.ParseDuration(interval)
	if err != nil {
		return Config{}, fmt.Errorf("invalid SYNC_INTERVAL %q: %w", interval, err)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
