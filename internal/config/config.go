package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/alexjbarnes/kullo-sync/internal/logging"
	"github.com/alexjbarnes/kullo-sync/internal/syncer"
	"github.com/alexjbarnes/kullo-sync/kullo"
)

// Config holds all environment-based configuration for kullo-sync.
type Config struct {
	// Account address in user#domain form.
	Address string `env:"KULLO_ADDRESS"`

	// Master key as 16 blocks of 6 digits. When empty the key is read
	// from the system keyring.
	MasterKey string `env:"KULLO_MASTER_KEY"`

	// API root. Defaults to https://<domain>/v1 for the address's domain.
	APIURL string `env:"KULLO_API_URL"`

	// WebSocket push endpoint. Empty disables push-triggered syncs; "auto"
	// derives it from the API URL.
	NotifyURL string `env:"KULLO_NOTIFY_URL"`

	// Directory holding session.db and state.db. Defaults to
	// ~/.kullo-sync.
	DataDir string `env:"KULLO_DATA_DIR"`

	// Sender details used for messages queued through the outbox.
	UserName         string `env:"KULLO_USER_NAME"`
	UserOrganization string `env:"KULLO_USER_ORGANIZATION"`
	UserFooter       string `env:"KULLO_USER_FOOTER"`

	SyncMode     string        `env:"SYNC_MODE" envDefault:"without_attachments"`
	SyncInterval time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`

	// Markdown drafts dropped here are sent. Empty disables the watcher.
	OutboxDir string `env:"OUTBOX_DIR"`

	EnableMCP      bool   `env:"ENABLE_MCP" envDefault:"false"`
	KeyringService string `env:"KEYRING_SERVICE" envDefault:"kullo-sync"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. The file may hold the master key.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.DataDir == "" {
		dir, err := DefaultDataDir()
		if err != nil {
			return nil, err
		}

		cfg.DataDir = dir
	}

	if cfg.APIURL == "" {
		addr, _ := kullo.ParseAddress(cfg.Address)
		cfg.APIURL = kullo.DefaultBaseURL(addr.Domain())
	}

	if cfg.NotifyURL == "auto" {
		cfg.NotifyURL = kullo.NotifyURL(cfg.APIURL)
	}

	// The outbox watcher compares event paths against its root, which
	// only works reliably with absolute paths.
	for _, dir := range []*string{&cfg.DataDir, &cfg.OutboxDir} {
		if *dir == "" {
			continue
		}

		abs, err := filepath.Abs(*dir)
		if err != nil {
			return nil, fmt.Errorf("resolving %s to absolute path: %w", *dir, err)
		}

		*dir = abs
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Address == "" {
		return fmt.Errorf("KULLO_ADDRESS is required")
	}

	if _, err := kullo.ParseAddress(c.Address); err != nil {
		return fmt.Errorf("KULLO_ADDRESS: %w", err)
	}

	if c.MasterKey != "" {
		if _, err := kullo.ParseMasterKey(c.MasterKey); err != nil {
			return fmt.Errorf("KULLO_MASTER_KEY: %w", err)
		}
	}

	if _, err := ParseSyncMode(c.SyncMode); err != nil {
		return fmt.Errorf("SYNC_MODE: %w", err)
	}

	if c.SyncInterval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative")
	}

	if c.LogLevel != "" {
		if _, ok := logging.ParseLevel(c.LogLevel); !ok {
			return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error")
		}
	}

	return nil
}

// DefaultDataDir returns ~/.kullo-sync.
func DefaultDataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".kullo-sync"), nil
}

// ParseSyncMode maps a SYNC_MODE value to a sync mode. Empty means
// without_attachments.
func ParseSyncMode(s string) (syncer.Mode, error) {
	return syncer.ParseMode(s)
}

// Mode returns the configured sync mode. Only valid after Load.
func (c *Config) Mode() syncer.Mode {
	m, _ := ParseSyncMode(c.SyncMode)
	return m
}

// Account returns the parsed address. Only valid after Load.
func (c *Config) Account() kullo.Address {
	addr, _ := kullo.ParseAddress(c.Address)
	return addr
}

// SessionPath is the mail store database.
func (c *Config) SessionPath() string {
	return filepath.Join(c.DataDir, "session.db")
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
