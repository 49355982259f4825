package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "thesis-chat"
	// DefaultDedupWindowMillis is how long an inbound frame signature is remembered.
	DefaultDedupWindowMillis = 10_000
	// DefaultProfileTimeoutMillis bounds one profile lookup.
	DefaultProfileTimeoutMillis = 5_000
	// DefaultHandshakeTimeoutMillis bounds the websocket dial and upgrade.
	DefaultHandshakeTimeoutMillis = 10_000
	// DefaultDiscoveryService is the mDNS service browsed when no endpoint is configured.
	DefaultDiscoveryService = "_thesischat._tcp"
	// DefaultLogLevel is the zap level used when none is configured.
	DefaultLogLevel = "info"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
	// profileDBFileName is the local profile directory database.
	profileDBFileName = "profiles.db"
)

const (
	envDataDir = "THESIS_CHAT_DATA_DIR"
	envUserID  = "THESIS_CHAT_USER_ID"
)

// SessionConfig contains persistent chat client settings.
type SessionConfig struct {
	ClientID               string `json:"client_id"`
	UserID                 string `json:"user_id"`
	Endpoint               string `json:"endpoint"`
	DiscoveryService       string `json:"discovery_service"`
	DedupWindowMillis      int    `json:"dedup_window_millis"`
	ProfileTimeoutMillis   int    `json:"profile_timeout_millis"`
	HandshakeTimeoutMillis int    `json:"handshake_timeout_millis"`
	LogLevel               string `json:"log_level"`
	ProfileDBPath          string `json:"profile_db_path"`
}

// CurrentUserID reports the identity the chat connection is addressed by.
//
// THESIS_CHAT_USER_ID takes precedence over the persisted value.
func (c *SessionConfig) CurrentUserID() (string, bool) {
	if c == nil {
		return "", false
	}
	if override := strings.TrimSpace(os.Getenv(envUserID)); override != "" {
		return override, true
	}
	userID := strings.TrimSpace(c.UserID)
	return userID, userID != ""
}

// DedupWindow returns the dedup window as a duration.
func (c *SessionConfig) DedupWindow() time.Duration {
	return time.Duration(c.DedupWindowMillis) * time.Millisecond
}

// ProfileTimeout returns the profile lookup timeout as a duration.
func (c *SessionConfig) ProfileTimeout() time.Duration {
	return time.Duration(c.ProfileTimeoutMillis) * time.Millisecond
}

// HandshakeTimeout returns the websocket handshake timeout as a duration.
func (c *SessionConfig) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMillis) * time.Millisecond
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If THESIS_CHAT_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv(envDataDir); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory if needed.
func EnsureDataDirectories(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*SessionConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg SessionConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *SessionConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns both.
func LoadOrCreate() (*SessionConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig(dataDir string) *SessionConfig {
	return &SessionConfig{
		ClientID:               uuid.NewString(),
		DiscoveryService:       DefaultDiscoveryService,
		DedupWindowMillis:      DefaultDedupWindowMillis,
		ProfileTimeoutMillis:   DefaultProfileTimeoutMillis,
		HandshakeTimeoutMillis: DefaultHandshakeTimeoutMillis,
		LogLevel:               DefaultLogLevel,
		ProfileDBPath:          filepath.Join(dataDir, profileDBFileName),
	}
}

func normalizeDefaults(cfg *SessionConfig, dataDir string) bool {
	updated := false

	if cfg.ClientID == "" {
		cfg.ClientID = uuid.NewString()
		updated = true
	}

	if endpoint := strings.TrimSpace(cfg.Endpoint); endpoint != cfg.Endpoint {
		cfg.Endpoint = endpoint
		updated = true
	}

	if cfg.DiscoveryService == "" {
		cfg.DiscoveryService = DefaultDiscoveryService
		updated = true
	}

	if cfg.DedupWindowMillis <= 0 {
		cfg.DedupWindowMillis = DefaultDedupWindowMillis
		updated = true
	}

	if cfg.ProfileTimeoutMillis <= 0 {
		cfg.ProfileTimeoutMillis = DefaultProfileTimeoutMillis
		updated = true
	}

	if cfg.HandshakeTimeoutMillis <= 0 {
		cfg.HandshakeTimeoutMillis = DefaultHandshakeTimeoutMillis
		updated = true
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = DefaultLogLevel
		updated = true
	}

	if cfg.ProfileDBPath == "" {
		cfg.ProfileDBPath = filepath.Join(dataDir, profileDBFileName)
		updated = true
	}

	return updated
}
