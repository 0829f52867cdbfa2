package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	DataDir   string `json:"data_dir"`
	StorePath string `json:"-"`

	ClaudeDir  string `json:"claude_dir"`
	CodexDir   string `json:"codex_dir"`
	OpenCodeDB string `json:"opencode_db"`

	// Multi-directory support (from config.json). When set, these
	// take precedence over the single-dir fields above. Env vars
	// override these with a single-element slice.
	ClaudeDirs []string `json:"claude_dirs,omitempty"`
	CodexDirs  []string `json:"codex_dirs,omitempty"`

	SyncStrategy string        `json:"sync_strategy"` // watch | interval
	SyncInterval time.Duration `json:"-"`
	PostSyncHook string        `json:"post_sync_hook,omitempty"`

	BackupEnabled   bool          `json:"backup_enabled"`
	BackupInterval  time.Duration `json:"-"`
	BackupKeep      int           `json:"backup_keep"`
	BackupDir       string        `json:"-"`
	LegacyBackupDir string        `json:"-"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf(
			"determining home directory: %w", err,
		)
	}
	dataDir := filepath.Join(home, ".usagehub")
	return Config{
		Host:    "127.0.0.1",
		Port:    8184,
		DataDir: dataDir,

		ClaudeDir: filepath.Join(home, ".claude", "usage"),
		CodexDir:  filepath.Join(home, ".codex", "usage"),
		OpenCodeDB: filepath.Join(
			home, ".local", "share", "opencode", "usage.db",
		),

		SyncStrategy: "watch",
		SyncInterval: 5 * time.Minute,

		BackupEnabled:  true,
		BackupInterval: 24 * time.Hour,
		BackupKeep:     7,
	}, nil
}

// Load builds a Config by layering: defaults < config file < env <
// flags. The provided FlagSet must already be parsed by the
// caller. Only flags that were explicitly set override the lower
// layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, fs)
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, config file, and env,
// without parsing CLI flags. Use this for subcommands that manage
// their own flag sets.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}
	cfg.loadEnv()

	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	cfg.StorePath = filepath.Join(cfg.DataDir, "usage.db")
	cfg.BackupDir = filepath.Join(cfg.DataDir, "backups")
	cfg.LegacyBackupDir = cfg.DataDir
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var file struct {
		Host          string   `json:"host"`
		Port          int      `json:"port"`
		ClaudeDirs    []string `json:"claude_dirs"`
		CodexDirs     []string `json:"codex_dirs"`
		OpenCodeDB    string   `json:"opencode_db"`
		SyncStrategy  string   `json:"sync_strategy"`
		SyncIntervalS int      `json:"sync_interval_seconds"`
		PostSyncHook  string   `json:"post_sync_hook"`
		BackupEnabled *bool    `json:"backup_enabled"`
		BackupHours   int      `json:"backup_interval_hours"`
		BackupKeep    int      `json:"backup_keep"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}

	if file.Host != "" {
		c.Host = file.Host
	}
	if file.Port != 0 {
		c.Port = file.Port
	}
	// Only apply config-file values when not already set by env
	// var. loadEnv runs before loadFile, so a non-zero value here
	// means the env var won.
	if len(file.ClaudeDirs) > 0 && c.ClaudeDirs == nil {
		c.ClaudeDirs = file.ClaudeDirs
	}
	if len(file.CodexDirs) > 0 && c.CodexDirs == nil {
		c.CodexDirs = file.CodexDirs
	}
	if file.OpenCodeDB != "" && os.Getenv("OPENCODE_DB") == "" {
		c.OpenCodeDB = file.OpenCodeDB
	}
	if file.SyncStrategy != "" {
		c.SyncStrategy = file.SyncStrategy
	}
	if file.SyncIntervalS > 0 {
		c.SyncInterval = time.Duration(file.SyncIntervalS) *
			time.Second
	}
	if file.PostSyncHook != "" {
		c.PostSyncHook = file.PostSyncHook
	}
	if file.BackupEnabled != nil {
		c.BackupEnabled = *file.BackupEnabled
	}
	if file.BackupHours > 0 {
		c.BackupInterval = time.Duration(file.BackupHours) *
			time.Hour
	}
	if file.BackupKeep > 0 {
		c.BackupKeep = file.BackupKeep
	}
	return nil
}

func (c *Config) loadEnv() {
	if v := os.Getenv("CLAUDE_USAGE_DIR"); v != "" {
		c.ClaudeDir = v
		c.ClaudeDirs = []string{v}
	}
	if v := os.Getenv("CODEX_USAGE_DIR"); v != "" {
		c.CodexDir = v
		c.CodexDirs = []string{v}
	}
	if v := os.Getenv("OPENCODE_DB"); v != "" {
		c.OpenCodeDB = v
	}
	if v := os.Getenv("USAGEHUB_DATA_DIR"); v != "" {
		c.DataDir = v
	}
}

// ResolveClaudeDirs returns the effective list of Claude usage
// directories. Precedence: env var (single) > config file array >
// default (single).
func (c *Config) ResolveClaudeDirs() []string {
	return resolveDirs(c.ClaudeDirs, c.ClaudeDir)
}

// ResolveCodexDirs returns the effective list of Codex usage
// directories.
func (c *Config) ResolveCodexDirs() []string {
	return resolveDirs(c.CodexDirs, c.CodexDir)
}

func resolveDirs(multi []string, single string) []string {
	if len(multi) > 0 {
		return multi
	}
	if single != "" {
		return []string{single}
	}
	return nil
}

// RegisterServeFlags registers serve-command flags on fs. The
// caller must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8184, "Port to listen on")
	fs.String(
		"sync-strategy", "watch",
		"Sync trigger strategy: watch or interval",
	)
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = f.Value.String()
		case "port":
			// flag already validated the int; ignore parse error
			cfg.Port, _ = strconv.Atoi(f.Value.String())
		case "sync-strategy":
			cfg.SyncStrategy = f.Value.String()
		}
	})
}
