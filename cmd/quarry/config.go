package main

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
)

// config holds the settings shared by every subcommand. Values from the
// JSON config file are defaults; flags set on the command line win.
type config struct {
	// Root is the directory holding the image and layer stores.
	Root string `json:"data-root,omitempty"`
	// CacheDB is the path of the persistent layer cache database. Empty
	// selects an in-memory cache that lasts one invocation.
	CacheDB string `json:"cache-db,omitempty"`
}

func defaultConfigFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".quarry", "config.json")
}

func defaultRoot() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".quarry"
	}
	return filepath.Join(home, ".quarry")
}

// loadConfig reads the config file (when present) and overlays any flags
// the user set explicitly.
func loadConfig(path string, flags *pflag.FlagSet) (*config, error) {
	cfg := &config{Root: defaultRoot()}

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file is fine; defaults apply.
		case err != nil:
			return nil, errors.Wrapf(err, "reading config file %s", path)
		default:
			if err := json.Unmarshal(raw, cfg); err != nil {
				return nil, errors.Wrapf(err, "parsing config file %s", path)
			}
		}
	}

	if flags != nil {
		if flags.Changed("data-root") {
			cfg.Root, _ = flags.GetString("data-root")
		}
		if flags.Changed("cache-db") {
			cfg.CacheDB, _ = flags.GetString("cache-db")
		}
	}
	if cfg.Root == "" {
		cfg.Root = defaultRoot()
	}
	return cfg, nil
}
