// Package config loads pwman-desktop settings from a TOML file and applies defaults.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap/zapcore"
)

// Sync configures the supervised sync server.
type Sync struct {
	Addr             string `toml:"addr"`
	BaseDir          string `toml:"base_dir"`
	Sidecar          string `toml:"sidecar"`
	Autostart        bool   `toml:"autostart"`
	HealthTimeoutMS  int    `toml:"health_timeout_ms"`
	HealthIntervalMS int    `toml:"health_interval_ms"`
}

// API configures the loopback control API.
type API struct {
	ListenAddr string `toml:"listen_addr"`
	LockFile   string `toml:"lock_file"`
}

// Vaults configures vault discovery.
type Vaults struct {
	Dir string `toml:"dir"`
}

// Logging configures log output.
type Logging struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// Config is the full pwman-desktop configuration.
type Config struct {
	Sync    Sync    `toml:"sync"`
	API     API     `toml:"api"`
	Vaults  Vaults  `toml:"vaults"`
	Logging Logging `toml:"logging"`
}

// HealthTimeout returns the readiness deadline for a sync server start.
func (c *Config) HealthTimeout() time.Duration {
	return time.Duration(c.Sync.HealthTimeoutMS) * time.Millisecond
}

// HealthInterval returns the readiness poll interval.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.Sync.HealthIntervalMS) * time.Millisecond
}

// DefaultPath returns the default location of the configuration file.
func DefaultPath() string {
	return filepath.Join(stateDir(), "desktop.toml")
}

// Load reads the configuration at path, or DefaultPath when path is empty.
// A missing file is not an error; defaults are used instead.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		path = DefaultPath()
	}
	resolved, err := expandPath(path)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(resolved)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("open config: %w", err)
	default:
		defer f.Close()
		dec := toml.NewDecoder(f)
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", resolved, err)
		}
	}

	if err := cfg.Normalize(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Normalize expands "~" in path fields and makes them absolute.
func (c *Config) Normalize() error {
	for _, p := range []*string{&c.Sync.BaseDir, &c.API.LockFile, &c.Vaults.Dir} {
		expanded, err := expandPath(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	// Bare sidecar names are resolved at launch time, only expand real paths.
	if strings.ContainsAny(c.Sync.Sidecar, `/\`) {
		expanded, err := expandPath(c.Sync.Sidecar)
		if err != nil {
			return err
		}
		c.Sync.Sidecar = expanded
	}
	return nil
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if _, _, err := net.SplitHostPort(c.Sync.Addr); err != nil {
		return fmt.Errorf("sync.addr %q: %w", c.Sync.Addr, err)
	}
	if _, _, err := net.SplitHostPort(c.API.ListenAddr); err != nil {
		return fmt.Errorf("api.listen_addr %q: %w", c.API.ListenAddr, err)
	}
	if c.Sync.BaseDir == "" {
		return errors.New("sync.base_dir must be set")
	}
	if c.Sync.Sidecar == "" {
		return errors.New("sync.sidecar must be set")
	}
	if c.Sync.HealthTimeoutMS <= 0 {
		return fmt.Errorf("sync.health_timeout_ms must be positive, got %d", c.Sync.HealthTimeoutMS)
	}
	if c.Sync.HealthIntervalMS <= 0 {
		return fmt.Errorf("sync.health_interval_ms must be positive, got %d", c.Sync.HealthIntervalMS)
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		return fmt.Errorf("logging.format must be console or json, got %q", c.Logging.Format)
	}
	return nil
}

func stateDir() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "pwman")
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	absolute, err := filepath.Abs(filepath.Clean(pathValue))
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", pathValue, err)
	}
	return absolute, nil
}
