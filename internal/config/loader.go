package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// LoadFromFile loads configuration from a file, auto-detecting the format by
// extension. Supported formats: .yaml, .yml, .json, .toml.
func LoadFromFile(path string) (*Config, error) {
	ext := strings.ToLower(filepath.Ext(path))

	var cfg Config
	switch ext {
	case ".yaml", ".yml":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse YAML config: %w", err)
		}
	case ".json":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse JSON config: %w", err)
		}
	case ".toml":
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("parse TOML config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json, .toml)", ext)
	}

	return processConfig(&cfg)
}

// LoadWatcherConfig loads the base config file and then layers a live
// environment/flag overlay on top with viper, for Watcher-mode processes
// that are commonly redeployed with per-environment indexerUrl/rpcUrl
// overrides rather than edited config files.
//
// Recognized overlay keys (env var form, prefixed CHAININDEXOR_):
//   - database.directory, database.connection_string
//   - options.mode
//   - networks.<name>.rpc_url, networks.<name>.indexer_url are NOT
//     overlaid individually; only the process-wide keys above are, since
//     per-network overrides would require a schema-aware merge viper does
//     not do for slices.
func LoadWatcherConfig(path string, flags OverlayFlags) (*Config, error) {
	cfg, err := LoadFromFile(path)
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("chainindexor")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	if flags.DatabaseDirectory != "" {
		v.Set("database.directory", flags.DatabaseDirectory)
	}
	if flags.DatabaseConnectionString != "" {
		v.Set("database.connection_string", flags.DatabaseConnectionString)
	}
	if flags.Mode != "" {
		v.Set("options.mode", flags.Mode)
	}

	if v.IsSet("database.directory") {
		cfg.Database.Directory = v.GetString("database.directory")
	}
	if v.IsSet("database.connection_string") {
		cfg.Database.ConnectionString = v.GetString("database.connection_string")
	}
	if v.IsSet("options.mode") {
		cfg.Options.Mode = Mode(v.GetString("options.mode"))
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration after overlay: %w", err)
	}
	return cfg, nil
}

// OverlayFlags are the process-wide values LoadWatcherConfig allows an
// operator to override without editing the config file.
type OverlayFlags struct {
	DatabaseDirectory        string
	DatabaseConnectionString string
	Mode                     string
}

func processConfig(cfg *Config) (*Config, error) {
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
