// Package config loads ledger configuration from a YAML file and KIRANA_*
// environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. KIRANA_REMOTE_URL.
const EnvPrefix = "KIRANA"

// Remote backends.
const (
	BackendNone     = "none"
	BackendServer   = "server"
	BackendDynamoDB = "dynamodb"
)

type DynamoDBConfig struct {
	Region       string        `mapstructure:"region"`
	Table        string        `mapstructure:"table"`
	Endpoint     string        `mapstructure:"endpoint"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type RemoteConfig struct {
	Backend  string         `mapstructure:"backend"`
	URL      string         `mapstructure:"url"`
	Token    string         `mapstructure:"token"`
	DynamoDB DynamoDBConfig `mapstructure:"dynamodb"`
}

type ServerConfig struct {
	Addr      string        `mapstructure:"addr"`
	DBPath    string        `mapstructure:"db_path"`
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
	Mode      string        `mapstructure:"mode"`
}

type AssistantConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"api_key"`
}

type LogConfig struct {
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

type DaemonConfig struct {
	ProbeInterval    time.Duration `mapstructure:"probe_interval"`
	DebounceInterval time.Duration `mapstructure:"debounce_interval"`
}

type Config struct {
	AppID     string          `mapstructure:"app_id"`
	DataDir   string          `mapstructure:"data_dir"`
	Remote    RemoteConfig    `mapstructure:"remote"`
	Server    ServerConfig    `mapstructure:"server"`
	Assistant AssistantConfig `mapstructure:"assistant"`
	Log       LogConfig       `mapstructure:"log"`
	Daemon    DaemonConfig    `mapstructure:"daemon"`
}

// DefaultDir returns $HOME/.kirana, or .kirana when no home is known.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".kirana"
	}
	return filepath.Join(home, ".kirana")
}

// DefaultPath returns the default config file location.
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// defaults is the configuration used when nothing is set, keyed the way it
// is written to config.yaml. Durations are strings so the written file stays
// readable.
func defaults() map[string]any {
	dir := DefaultDir()
	return map[string]any{
		"app_id":   "default-app-id",
		"data_dir": dir,
		"remote": map[string]any{
			"backend": BackendNone,
			"url":     "http://localhost:8787",
			"token":   "",
			"dynamodb": map[string]any{
				"region":        "us-east-1",
				"table":         "LedgerDocs",
				"endpoint":      "",
				"poll_interval": "3s",
			},
		},
		"server": map[string]any{
			"addr":       ":8787",
			"db_path":    filepath.Join(dir, "server.db"),
			"jwt_secret": "",
			"token_ttl":  "720h",
			"mode":       "release",
		},
		// An empty model selects the provider's default.
		"assistant": map[string]any{
			"provider": "gemini",
			"model":    "",
			"api_key":  "",
		},
		"log": map[string]any{
			"file":         "",
			"max_size_mb":  10,
			"max_backups":  3,
			"max_age_days": 28,
		},
		"daemon": map[string]any{
			"probe_interval":    "10s",
			"debounce_interval": "250ms",
		},
	}
}

// setDefaults registers every key so environment overrides apply even when
// the file omits them.
func setDefaults(v *viper.Viper, prefix string, m map[string]any) {
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if sub, ok := val.(map[string]any); ok {
			setDefaults(v, key, sub)
			continue
		}
		v.SetDefault(key, val)
	}
}

// Load reads the config file at path (DefaultPath when empty) and applies
// environment overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, "", defaults())

	if path == "" {
		path = DefaultPath()
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Validate checks values viper cannot.
func (c *Config) Validate() error {
	switch c.Remote.Backend {
	case BackendNone, BackendServer, BackendDynamoDB:
	default:
		return fmt.Errorf("unknown remote.backend %q (want %s, %s or %s)",
			c.Remote.Backend, BackendNone, BackendServer, BackendDynamoDB)
	}
	if c.DataDir == "" {
		return errors.New("data_dir cannot be empty")
	}
	return nil
}

// LocalDBPath returns the Local Store database file.
func (c *Config) LocalDBPath() string {
	return filepath.Join(c.DataDir, "ledger.db")
}

// WriteDefault writes the default configuration as YAML to path. It refuses
// to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config file %s already exists", path)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(defaults())
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
