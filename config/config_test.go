package config

import (
	"path/filepath"
	"testing"
	"time"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(envDataDir, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.ClientID == "" {
		t.Fatalf("expected non-empty client ID")
	}
	if firstCfg.DedupWindowMillis != DefaultDedupWindowMillis {
		t.Fatalf("expected default dedup window %d, got %d", DefaultDedupWindowMillis, firstCfg.DedupWindowMillis)
	}
	if firstCfg.DedupWindow() != 10*time.Second {
		t.Fatalf("expected 10s dedup window, got %s", firstCfg.DedupWindow())
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}
	if firstCfg.ProfileDBPath != filepath.Join(tempDir, "profiles.db") {
		t.Fatalf("unexpected profile db path %q", firstCfg.ProfileDBPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.ClientID != firstCfg.ClientID {
		t.Fatalf("expected stable client ID, got %q then %q", firstCfg.ClientID, secondCfg.ClientID)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(envDataDir, tempDir)

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	partial := &SessionConfig{
		ClientID: "legacy-client",
		UserID:   "lecturer-7",
		Endpoint: "  wss://chat.example.edu/chat  ",
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.ClientID != "legacy-client" {
		t.Fatalf("expected client ID to be retained, got %q", cfg.ClientID)
	}
	if cfg.Endpoint != "wss://chat.example.edu/chat" {
		t.Fatalf("expected trimmed endpoint, got %q", cfg.Endpoint)
	}
	if cfg.DiscoveryService != DefaultDiscoveryService {
		t.Fatalf("expected default discovery service, got %q", cfg.DiscoveryService)
	}
	if cfg.HandshakeTimeout() != 10*time.Second {
		t.Fatalf("expected default handshake timeout, got %s", cfg.HandshakeTimeout())
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.LogLevel != DefaultLogLevel {
		t.Fatalf("expected normalized config to be persisted, got log level %q", reloaded.LogLevel)
	}
}

func TestCurrentUserID(t *testing.T) {
	t.Setenv(envUserID, "")

	var missing *SessionConfig
	if _, ok := missing.CurrentUserID(); ok {
		t.Fatalf("expected nil config to have no identity")
	}

	cfg := &SessionConfig{UserID: "  "}
	if _, ok := cfg.CurrentUserID(); ok {
		t.Fatalf("expected blank user ID to be treated as missing")
	}

	cfg.UserID = "student-42"
	if id, ok := cfg.CurrentUserID(); !ok || id != "student-42" {
		t.Fatalf("unexpected identity %q ok=%v", id, ok)
	}

	t.Setenv(envUserID, "override-1")
	if id, ok := cfg.CurrentUserID(); !ok || id != "override-1" {
		t.Fatalf("expected env override, got %q ok=%v", id, ok)
	}
}
