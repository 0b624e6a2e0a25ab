package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// Config is the root configuration for chatsync.
type Config struct {
	General       GeneralConfig       `json:"general"`
	Backend       BackendConfig       `json:"backend"`
	Sync          SyncConfig          `json:"sync"`
	Presence      PresenceConfig      `json:"presence"`
	Notifications NotificationsConfig `json:"notifications"`
	Metrics       MetricsConfig       `json:"metrics"`
}

type GeneralConfig struct {
	DataDir  string `json:"dataDir"`
	LogLevel string `json:"logLevel"`
	LogFile  string `json:"logFile,omitempty"` // optional log file path
	UserID   string `json:"userId"`
	Username string `json:"username,omitempty"`
}

type BackendConfig struct {
	URL   string `json:"url"`
	Token string `json:"token,omitempty"`
}

type SyncConfig struct {
	SendRetries      int    `json:"sendRetries"`
	SubscribeRetries int    `json:"subscribeRetries"`
	BackoffBaseMS    int    `json:"backoffBaseMs"`
	BackoffCapMS     int    `json:"backoffCapMs"`
	QueueDBPath      string `json:"queueDbPath"`
}

type PresenceConfig struct {
	HeartbeatSeconds int `json:"heartbeatSeconds"`
	StaleSeconds     int `json:"staleSeconds"`
	// JoinRetries is deliberately separate from sync.sendRetries.
	JoinRetries int `json:"joinRetries"`
}

type NotificationsConfig struct {
	Enabled   bool   `json:"enabled"`
	RulesPath string `json:"rulesPath,omitempty"`
}

type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Host    string `json:"host"`
	Port    int    `json:"port"`
}

// BackoffBase returns the configured base delay as a duration.
func (s SyncConfig) BackoffBase() time.Duration {
	return time.Duration(s.BackoffBaseMS) * time.Millisecond
}

// BackoffCap returns the configured delay ceiling as a duration.
func (s SyncConfig) BackoffCap() time.Duration {
	return time.Duration(s.BackoffCapMS) * time.Millisecond
}

func (p PresenceConfig) Heartbeat() time.Duration {
	return time.Duration(p.HeartbeatSeconds) * time.Second
}

func (p PresenceConfig) StaleAfter() time.Duration {
	return time.Duration(p.StaleSeconds) * time.Second
}

func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chatsync"
	}
	return filepath.Join(home, ".chatsync")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads, env-expands, parses and validates a config file.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.General.DataDir = ExpandPath(cfg.General.DataDir)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)
	cfg.Sync.QueueDBPath = ExpandPath(cfg.Sync.QueueDBPath)
	cfg.Notifications.RulesPath = ExpandPath(cfg.Notifications.RulesPath)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars substitutes ${VAR} and ${VAR:-default} references.
// Unset variables without a default keep the original text.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match
		}
		return val
	})
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

// Save writes the config as indented JSON, creating the directory.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "", "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if cfg.Backend.URL == "" {
		errs = append(errs, "backend.url is required")
	} else if !strings.HasPrefix(cfg.Backend.URL, "ws://") && !strings.HasPrefix(cfg.Backend.URL, "wss://") {
		errs = append(errs, "backend.url must start with ws:// or wss://")
	}

	if cfg.Sync.SendRetries < 1 || cfg.Sync.SendRetries > 20 {
		errs = append(errs, "sync.sendRetries must be between 1 and 20")
	}
	if cfg.Sync.SubscribeRetries < 1 || cfg.Sync.SubscribeRetries > 20 {
		errs = append(errs, "sync.subscribeRetries must be between 1 and 20")
	}
	if cfg.Sync.BackoffBaseMS < 1 {
		errs = append(errs, "sync.backoffBaseMs must be >= 1")
	}
	if cfg.Sync.BackoffCapMS < cfg.Sync.BackoffBaseMS {
		errs = append(errs, "sync.backoffCapMs must be >= sync.backoffBaseMs")
	}

	if cfg.Presence.HeartbeatSeconds < 1 {
		errs = append(errs, "presence.heartbeatSeconds must be >= 1")
	}
	if cfg.Presence.StaleSeconds < cfg.Presence.HeartbeatSeconds {
		errs = append(errs, "presence.staleSeconds must be >= presence.heartbeatSeconds")
	}
	if cfg.Presence.JoinRetries < 1 || cfg.Presence.JoinRetries > 20 {
		errs = append(errs, "presence.joinRetries must be between 1 and 20")
	}

	if cfg.Metrics.Port < 0 || cfg.Metrics.Port > 65535 {
		errs = append(errs, "metrics.port must be between 0 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
