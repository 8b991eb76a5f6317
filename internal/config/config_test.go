package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearBridgeEnv unsets all bridge env vars for the duration of a test.
func clearBridgeEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CCBRIDGE_BOT_TOKEN", "CCBRIDGE_CHAT_ID", "CCBRIDGE_USE_THREADS",
		"CCBRIDGE_VERBOSE", "CCBRIDGE_APPROVALS",
		"CCBRIDGE_STALE_SESSION_TIMEOUT_HOURS", "CCBRIDGE_THREAD_WAIT_TIMEOUT",
		"CCBRIDGE_DEDUP_TTL", "CCBRIDGE_APPROVAL_TTL", "CCBRIDGE_SOCKET_PATH",
		"CCBRIDGE_CONFIG_ROOT",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("CCBRIDGE_BOT_TOKEN", "tok")
	t.Setenv("CCBRIDGE_CHAT_ID", "-100123")

	cfg, err := LoadFrom(t.TempDir())
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}

	if !cfg.UseThreads || !cfg.Verbose || !cfg.Approvals {
		t.Errorf("feature flags = %v/%v/%v, want all true", cfg.UseThreads, cfg.Verbose, cfg.Approvals)
	}
	if cfg.StaleSessionTimeout != 72*time.Hour {
		t.Errorf("StaleSessionTimeout = %v, want 72h", cfg.StaleSessionTimeout)
	}
	if cfg.ThreadWaitTimeout != 5*time.Second {
		t.Errorf("ThreadWaitTimeout = %v, want 5s", cfg.ThreadWaitTimeout)
	}
	if cfg.DedupTTL != 10*time.Second {
		t.Errorf("DedupTTL = %v, want 10s", cfg.DedupTTL)
	}
	if cfg.ApprovalTTL != 5*time.Minute {
		t.Errorf("ApprovalTTL = %v, want 5m", cfg.ApprovalTTL)
	}
	if cfg.ChatID != -100123 {
		t.Errorf("ChatID = %d, want -100123", cfg.ChatID)
	}
	if filepath.Base(cfg.SocketPath) != "bridge.sock" {
		t.Errorf("SocketPath = %q, want .../bridge.sock", cfg.SocketPath)
	}
}

func TestLoadRequiresCredentials(t *testing.T) {
	clearBridgeEnv(t)
	if _, err := LoadFrom(t.TempDir()); err == nil {
		t.Error("LoadFrom() succeeded without token")
	}

	t.Setenv("CCBRIDGE_BOT_TOKEN", "tok")
	if _, err := LoadFrom(t.TempDir()); err == nil {
		t.Error("LoadFrom() succeeded without chat id")
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	clearBridgeEnv(t)
	root := t.TempDir()
	file := `
bot_token = "file-token"
chat_id = 42
verbose = false
stale_session_timeout_hours = 24
thread_wait_timeout = "2s"
`
	if err := os.WriteFile(filepath.Join(root, "config.toml"), []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("CCBRIDGE_BOT_TOKEN", "env-token")
	t.Setenv("CCBRIDGE_STALE_SESSION_TIMEOUT_HOURS", "48")

	cfg, err := LoadFrom(root)
	if err != nil {
		t.Fatalf("LoadFrom() error: %v", err)
	}
	if cfg.BotToken != "env-token" {
		t.Errorf("BotToken = %q, want env-token (env wins)", cfg.BotToken)
	}
	if cfg.ChatID != 42 {
		t.Errorf("ChatID = %d, want 42 (from file)", cfg.ChatID)
	}
	if cfg.Verbose {
		t.Error("Verbose = true, want false (from file)")
	}
	if cfg.StaleSessionTimeout != 48*time.Hour {
		t.Errorf("StaleSessionTimeout = %v, want 48h (env wins)", cfg.StaleSessionTimeout)
	}
	if cfg.ThreadWaitTimeout != 2*time.Second {
		t.Errorf("ThreadWaitTimeout = %v, want 2s (from file)", cfg.ThreadWaitTimeout)
	}
}

func TestLoadRejectsBadValues(t *testing.T) {
	clearBridgeEnv(t)
	t.Setenv("CCBRIDGE_BOT_TOKEN", "tok")
	t.Setenv("CCBRIDGE_CHAT_ID", "not-a-number")
	if _, err := LoadFrom(t.TempDir()); err == nil {
		t.Error("LoadFrom() accepted non-numeric chat id")
	}

	t.Setenv("CCBRIDGE_CHAT_ID", "1")
	t.Setenv("CCBRIDGE_DEDUP_TTL", "ten seconds")
	if _, err := LoadFrom(t.TempDir()); err == nil {
		t.Error("LoadFrom() accepted malformed duration")
	}
}

func TestLoadPathsReadsSocketPathFromFile(t *testing.T) {
	clearBridgeEnv(t)
	root := t.TempDir()
	file := `socket_path = "/tmp/custom-bridge.sock"` + "\n"
	if err := os.WriteFile(filepath.Join(root, "config.toml"), []byte(file), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadPathsFrom(root)
	if err != nil {
		t.Fatalf("LoadPathsFrom() error: %v", err)
	}
	if cfg.SocketPath != "/tmp/custom-bridge.sock" {
		t.Errorf("SocketPath = %q, want file value", cfg.SocketPath)
	}

	// Environment still wins over the file.
	t.Setenv("CCBRIDGE_SOCKET_PATH", "/tmp/env-bridge.sock")
	cfg, err = LoadPathsFrom(root)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.SocketPath != "/tmp/env-bridge.sock" {
		t.Errorf("SocketPath = %q, want env value", cfg.SocketPath)
	}
}

func TestResolveSocketPathBoundary(t *testing.T) {
	origLimit := sunPathLimit
	defer func() { sunPathLimit = origLimit }()

	root := "/tmp/r"
	exact := len(filepath.Join(root, "bridge.sock"))

	// Path length equal to the limit is accepted.
	sunPathLimit = func() int { return exact }
	path, fallback := resolveSocketPath(root)
	if fallback {
		t.Errorf("path of exactly limit length fell back to %q", path)
	}

	// One byte over triggers the fallback.
	sunPathLimit = func() int { return exact - 1 }
	path, fallback = resolveSocketPath(root)
	if !fallback {
		t.Error("over-limit path did not fall back")
	}
	if !strings.HasPrefix(filepath.Base(path), "ccbridge-") {
		t.Errorf("fallback path = %q, want ccbridge-<uid>.sock under tmp", path)
	}
}

func TestEnsureRootPermissions(t *testing.T) {
	root := filepath.Join(t.TempDir(), "state")
	if err := EnsureRoot(root); err != nil {
		t.Fatalf("EnsureRoot() error: %v", err)
	}
	info, err := os.Stat(root)
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm != 0o700 {
		t.Errorf("root mode = %o, want 0700", perm)
	}
}
