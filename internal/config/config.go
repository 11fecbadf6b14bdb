// Package config loads and saves the small on-disk configuration the
// pelink CLI uses: where to look for modules, plus ramdisk and bootstrap
// cache settings that are stored in the file but not acted on by the
// loader.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/rogpeppe/go-internal/lockedfile"
)

// Config is the parsed shape of a pelink configuration file.
type Config struct {
	// SearchPaths are tried in order when a module is requested by a bare
	// name rather than an absolute path, mirroring the process manager's
	// own library search path.
	SearchPaths []string `yaml:"search_paths"`

	// RamdiskPrefix is read from and written to the config file, but no
	// loader component consults it: ramdisk routing always uses the
	// pefs.RamdiskPrefix constant.
	RamdiskPrefix string `yaml:"ramdisk_prefix,omitempty"`

	// CacheDir names a bootstrap cache directory. It is read from and
	// written to the config file only; no loader component creates, reads
	// or locks this directory.
	CacheDir string `yaml:"cache_dir,omitempty"`

	// CacheSizeBytes is a size bound for CacheDir, 0 meaning unbounded.
	// It is stored in the config file only and is not enforced.
	CacheSizeBytes int64 `yaml:"cache_size_bytes,omitempty"`
}

// EnvVar is the environment variable pointing at a config file, checked
// before the default path.
const EnvVar = "PELINK_CONFIG"

// DefaultPath returns getenv(EnvVar) if set, otherwise
// $XDG_CONFIG_HOME/pelink/config.yaml (or the platform equivalent via
// os.UserConfigDir).
func DefaultPath(getenv func(string) string) (string, error) {
	if path := getenv(EnvVar); path != "" {
		return path, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine system config directory: %w", err)
	}
	return filepath.Join(dir, "pelink", "config.yaml"), nil
}

// Load reads and parses the configuration file at path. A missing file is
// not an error: it returns the zero Config, since every field has a
// usable default downstream (an empty SearchPaths means only absolute
// paths resolve).
func Load(path string) (*Config, error) {
	body, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return &cfg, nil
}

// Save writes cfg to path as YAML, creating its parent directory if
// needed and locking against concurrent writers the same way the
// teacher's own config writer locks its login file.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return err
	}

	unlock, err := lockedfile.MutexAt(path + ".lock").Lock()
	if err != nil {
		return err
	}
	defer unlock()

	body, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
