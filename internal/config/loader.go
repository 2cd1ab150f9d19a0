package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const (
	// maxConfigFileSize bounds config reads to keep a corrupt or
	// hostile file from exhausting memory.
	maxConfigFileSize = 1024 * 1024

	// envPrefix namespaces memoryd environment overrides.
	envPrefix = "MEMORYD_"
)

// Load reads configuration from a YAML file, then overrides with
// environment variables.
//
// Precedence (highest to lowest):
//  1. Environment variables (MEMORYD_COLLECTION_MIN_INTERVAL, ...)
//  2. YAML config file (~/.config/memoryd/config.yaml by default)
//  3. Defaults from Default()
//
// Environment variables map section-first: the first underscore after
// the prefix separates the section from the field name.
//
//	MEMORYD_DATABASE_PATH        -> database.path
//	MEMORYD_LOGGING_LEVEL        -> logging.level
//	MEMORYD_COLLECTION_MIN_INTERVAL -> collection.min_interval
//
// Sections whose names contain underscores (working_memory) are not
// reachable via env; use the YAML file for those.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "memoryd", "config.yaml")
	}

	if _, err := os.Stat(configPath); err == nil {
		f, err := os.Open(configPath)
		if err != nil {
			return nil, fmt.Errorf("opening config file: %w", err)
		}
		defer f.Close()

		info, err := f.Stat()
		if err != nil {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
		if info.Size() > maxConfigFileSize {
			return nil, fmt.Errorf("config file %s exceeds %d bytes", configPath, maxConfigFileSize)
		}

		content, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}

		// rawbytes avoids re-opening the file between stat and parse.
		if err := k.Load(rawbytes.Provider(content), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		// MEMORYD_DATABASE_PATH -> database.path
		// MEMORYD_COLLECTION_MIN_INTERVAL -> collection.min_interval
		lower := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		parts := strings.SplitN(lower, "_", 2)
		if len(parts) == 1 {
			return lower
		}
		return parts[0] + "." + parts[1]
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment overrides: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if cfg.Database.Path == "" {
		path, err := defaultDatabasePath()
		if err != nil {
			return nil, err
		}
		cfg.Database.Path = path
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// defaultDatabasePath returns ~/.local/share/memoryd/memoryd.db,
// creating the directory if needed.
func defaultDatabasePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	dir := filepath.Join(home, ".local", "share", "memoryd")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating data directory %s: %w", dir, err)
	}
	return filepath.Join(dir, "memoryd.db"), nil
}
