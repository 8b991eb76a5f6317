// Package config loads bridge configuration from the environment with an
// optional TOML file underneath. Environment variables always win; the file
// exists so that long-lived deployments don't need a wall of exports.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Defaults for tunables inherited from the original deployment. All are
// overridable via environment or config file.
const (
	DefaultStaleSessionTimeout = 72 * time.Hour
	DefaultThreadWaitTimeout   = 5 * time.Second
	DefaultDedupTTL            = 10 * time.Second
	DefaultApprovalTTL         = 5 * time.Minute
)

// sunPathLimit is the longest socket path the platform accepts: 104 on the
// BSDs and macOS, 108 on Linux. Overridden in tests.
var sunPathLimit = func() int {
	if runtime.GOOS == "linux" {
		return 108
	}
	return 104
}

// Config is the resolved daemon configuration.
type Config struct {
	// BotToken authenticates the Telegram bot. Required.
	BotToken string
	// ChatID is the forum chat this daemon serves. Required.
	ChatID int64

	// UseThreads creates one forum topic per session when true.
	UseThreads bool
	// Verbose enables debug logging.
	Verbose bool
	// Approvals enables the approval-button flow.
	Approvals bool

	StaleSessionTimeout time.Duration
	ThreadWaitTimeout   time.Duration
	DedupTTL            time.Duration
	ApprovalTTL         time.Duration

	// Root is the user-private state directory (0700).
	Root string
	// SocketPath is the IPC socket; defaults to <Root>/bridge.sock with a
	// short fallback when the computed path would overflow sun_path.
	SocketPath string

	// SocketFallback reports that SocketPath was relocated because the
	// canonical path exceeded the platform limit. Logged once at startup.
	SocketFallback bool
}

// fileConfig is the TOML shape. Pointer fields distinguish "absent" from
// zero so the env layer can override only what the file actually set.
type fileConfig struct {
	BotToken                 *string `toml:"bot_token"`
	ChatID                   *int64  `toml:"chat_id"`
	UseThreads               *bool   `toml:"use_threads"`
	Verbose                  *bool   `toml:"verbose"`
	Approvals                *bool   `toml:"approvals"`
	StaleSessionTimeoutHours *int    `toml:"stale_session_timeout_hours"`
	ThreadWaitTimeout        *string `toml:"thread_wait_timeout"`
	DedupTTL                 *string `toml:"dedup_ttl"`
	ApprovalTTL              *string `toml:"approval_ttl"`
	SocketPath               *string `toml:"socket_path"`
}

// PIDPath returns the daemon PID file path.
func (c *Config) PIDPath() string { return filepath.Join(c.Root, "bridge.pid") }

// StorePath returns the sqlite database path.
func (c *Config) StorePath() string { return filepath.Join(c.Root, "sessions.db") }

// LogPath returns the daemon log file path.
func (c *Config) LogPath() string { return filepath.Join(c.Root, "daemon.log") }

// DefaultRoot returns the canonical XDG-style state directory.
func DefaultRoot() (string, error) {
	if root := os.Getenv("CCBRIDGE_CONFIG_ROOT"); root != "" {
		return root, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolving config dir: %w", err)
	}
	return filepath.Join(base, "ccbridge"), nil
}

// Load resolves the full configuration: defaults, then config.toml in the
// root (if present), then environment variables.
func Load() (*Config, error) {
	root, err := DefaultRoot()
	if err != nil {
		return nil, err
	}
	return LoadFrom(root)
}

// LoadPaths resolves only the filesystem paths. Management commands use
// this so that status and logs work without bot credentials. The config
// file is still consulted: a socket_path set only there must be visible.
func LoadPaths() (*Config, error) {
	root, err := DefaultRoot()
	if err != nil {
		return nil, err
	}
	return LoadPathsFrom(root)
}

// LoadPathsFrom is LoadPaths with an explicit root, for tests.
func LoadPathsFrom(root string) (*Config, error) {
	cfg := &Config{Root: root}
	if err := cfg.applyFile(filepath.Join(root, "config.toml")); err != nil {
		return nil, err
	}
	if v := os.Getenv("CCBRIDGE_SOCKET_PATH"); v != "" {
		cfg.SocketPath = v
	}
	if cfg.SocketPath == "" {
		cfg.SocketPath, cfg.SocketFallback = resolveSocketPath(root)
	}
	return cfg, nil
}

// LoadFrom is Load with an explicit root, for tests.
func LoadFrom(root string) (*Config, error) {
	cfg := &Config{
		UseThreads:          true,
		Verbose:             true,
		Approvals:           true,
		StaleSessionTimeout: DefaultStaleSessionTimeout,
		ThreadWaitTimeout:   DefaultThreadWaitTimeout,
		DedupTTL:            DefaultDedupTTL,
		ApprovalTTL:         DefaultApprovalTTL,
		Root:                root,
	}

	if err := cfg.applyFile(filepath.Join(root, "config.toml")); err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.SocketPath == "" {
		cfg.SocketPath, cfg.SocketFallback = resolveSocketPath(root)
	}

	if cfg.BotToken == "" {
		return nil, fmt.Errorf("bot token is required (set CCBRIDGE_BOT_TOKEN)")
	}
	if cfg.ChatID == 0 {
		return nil, fmt.Errorf("chat id is required (set CCBRIDGE_CHAT_ID)")
	}
	return cfg, nil
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var fc fileConfig
	if err := toml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}

	if fc.BotToken != nil {
		c.BotToken = *fc.BotToken
	}
	if fc.ChatID != nil {
		c.ChatID = *fc.ChatID
	}
	if fc.UseThreads != nil {
		c.UseThreads = *fc.UseThreads
	}
	if fc.Verbose != nil {
		c.Verbose = *fc.Verbose
	}
	if fc.Approvals != nil {
		c.Approvals = *fc.Approvals
	}
	if fc.StaleSessionTimeoutHours != nil {
		c.StaleSessionTimeout = time.Duration(*fc.StaleSessionTimeoutHours) * time.Hour
	}
	if fc.SocketPath != nil {
		c.SocketPath = *fc.SocketPath
	}

	for _, d := range []struct {
		raw *string
		dst *time.Duration
		key string
	}{
		{fc.ThreadWaitTimeout, &c.ThreadWaitTimeout, "thread_wait_timeout"},
		{fc.DedupTTL, &c.DedupTTL, "dedup_ttl"},
		{fc.ApprovalTTL, &c.ApprovalTTL, "approval_ttl"},
	} {
		if d.raw == nil {
			continue
		}
		parsed, err := time.ParseDuration(*d.raw)
		if err != nil {
			return fmt.Errorf("parsing %s: %w", d.key, err)
		}
		*d.dst = parsed
	}
	return nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CCBRIDGE_BOT_TOKEN"); v != "" {
		c.BotToken = v
	}
	if v := os.Getenv("CCBRIDGE_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("parsing CCBRIDGE_CHAT_ID %q: %w", v, err)
		}
		c.ChatID = id
	}

	for _, b := range []struct {
		key string
		dst *bool
	}{
		{"CCBRIDGE_USE_THREADS", &c.UseThreads},
		{"CCBRIDGE_VERBOSE", &c.Verbose},
		{"CCBRIDGE_APPROVALS", &c.Approvals},
	} {
		v := os.Getenv(b.key)
		if v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", b.key, v, err)
		}
		*b.dst = parsed
	}

	if v := os.Getenv("CCBRIDGE_STALE_SESSION_TIMEOUT_HOURS"); v != "" {
		hours, err := strconv.Atoi(v)
		if err != nil || hours <= 0 {
			return fmt.Errorf("parsing CCBRIDGE_STALE_SESSION_TIMEOUT_HOURS %q", v)
		}
		c.StaleSessionTimeout = time.Duration(hours) * time.Hour
	}

	for _, d := range []struct {
		key string
		dst *time.Duration
	}{
		{"CCBRIDGE_THREAD_WAIT_TIMEOUT", &c.ThreadWaitTimeout},
		{"CCBRIDGE_DEDUP_TTL", &c.DedupTTL},
		{"CCBRIDGE_APPROVAL_TTL", &c.ApprovalTTL},
	} {
		v := os.Getenv(d.key)
		if v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", d.key, v, err)
		}
		*d.dst = parsed
	}

	if v := os.Getenv("CCBRIDGE_SOCKET_PATH"); v != "" {
		c.SocketPath = v
	}
	return nil
}

// resolveSocketPath computes the socket path for a root, falling back to a
// short per-uid path under the temp dir when the canonical one would not
// fit in sun_path.
func resolveSocketPath(root string) (path string, fallback bool) {
	path = filepath.Join(root, "bridge.sock")
	if len(path) <= sunPathLimit() {
		return path, false
	}
	short := filepath.Join(os.TempDir(), fmt.Sprintf("ccbridge-%d.sock", os.Getuid()))
	return short, true
}

// EnsureRoot creates the state directory with owner-only permissions.
func EnsureRoot(root string) error {
	if err := os.MkdirAll(root, 0o700); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}
	// MkdirAll leaves the mode alone for a pre-existing directory.
	if err := os.Chmod(root, 0o700); err != nil {
		return fmt.Errorf("restricting state dir: %w", err)
	}
	return nil
}
