// Package config provides configuration for the oracle daemon: a yaml
// file in the data directory, overridden by environment variables,
// overridden by CLI flags.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfig wraps configuration failures; they abort boot.
var ErrConfig = errors.New("config error")

// Defaults.
const (
	DefaultDataDir       = "~/.cadena-oracle"
	DefaultAPIAddr       = "127.0.0.1:8000"
	DefaultHorizonDays   = 390
	DefaultKeySecretFile = "secret.sec"

	configFileName = "config.yaml"
)

// Config holds all daemon configuration.
type Config struct {
	// DataDir holds the database and, by default, the secret file.
	DataDir string `yaml:"data_dir"`

	// APIAddr is the HTTP listen address.
	APIAddr string `yaml:"api_addr"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// Signet selects the signet network instead of mainnet.
	Signet bool `yaml:"signet"`

	// HorizonDays is how far ahead events are pre-committed.
	HorizonDays int `yaml:"horizon_days"`

	// DemoMode additionally exposes the OpenAPI schema endpoint.
	DemoMode bool `yaml:"demo_mode"`

	// KeySecretFile is the path of the encrypted entropy file.
	KeySecretFile string `yaml:"key_secret_file"`

	// KeySecretPwd decrypts the secret file. Environment only; never
	// written to the config file.
	KeySecretPwd string `yaml:"-"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:       DefaultDataDir,
		APIAddr:       DefaultAPIAddr,
		LogLevel:      "info",
		HorizonDays:   DefaultHorizonDays,
		KeySecretFile: DefaultKeySecretFile,
	}
}

// Path returns the config file location inside a data directory.
func Path(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// Load reads the config file from the data directory, creating a default
// one if absent, then applies environment overrides.
func Load(dataDir string) (*Config, error) {
	expandHome := func(p string) string {
		if strings.HasPrefix(p, "~") {
			if home, err := os.UserHomeDir(); err == nil {
				return filepath.Join(home, p[1:])
			}
		}
		return p
	}

	cfg := Default()
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	cfg.DataDir = expandHome(cfg.DataDir)

	path := Path(cfg.DataDir)
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: failed to parse %s: %v", ErrConfig, path, err)
		}
	case os.IsNotExist(err):
		if err := cfg.Save(path); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: failed to read %s: %v", ErrConfig, path, err)
	}

	cfg.ApplyEnv()
	cfg.DataDir = expandHome(cfg.DataDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config as yaml.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("%w: failed to create config dir: %v", ErrConfig, err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("%w: failed to marshal config: %v", ErrConfig, err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("%w: failed to write %s: %v", ErrConfig, path, err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment:
// KEY_SECRET_FILE_NAME, KEY_SECRET_PWD, DB_DIR, HORIZON_DAYS, DEMO_MODE.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("KEY_SECRET_FILE_NAME"); v != "" {
		c.KeySecretFile = v
	}
	if v := os.Getenv("KEY_SECRET_PWD"); v != "" {
		c.KeySecretPwd = v
	}
	if v := os.Getenv("DB_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("HORIZON_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			c.HorizonDays = days
		}
	}
	if v := os.Getenv("DEMO_MODE"); v != "" {
		c.DemoMode = v == "1" || v == "true"
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is empty", ErrConfig)
	}
	if c.APIAddr == "" {
		return fmt.Errorf("%w: api_addr is empty", ErrConfig)
	}
	if c.HorizonDays <= 0 {
		return fmt.Errorf("%w: horizon_days must be positive, got %d", ErrConfig, c.HorizonDays)
	}
	if c.KeySecretFile == "" {
		return fmt.Errorf("%w: key_secret_file is empty", ErrConfig)
	}
	return nil
}

// SecretFilePath resolves the secret file location: absolute paths are
// used as-is, relative ones live in the data directory.
func (c *Config) SecretFilePath() string {
	if filepath.IsAbs(c.KeySecretFile) {
		return c.KeySecretFile
	}
	return filepath.Join(c.DataDir, c.KeySecretFile)
}
