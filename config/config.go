// Package config loads engine configuration from YAML files, the
// environment, and an optional .env file.
//
// Search order: an explicit --config path, then
// {XDG_CONFIG_HOME}/nerve/config.yaml, then ./config.yaml. Environment
// variables with the NERVE_ prefix override file values
// (NERVE_SERVER_NAME, NERVE_HISTORY_DIR, ...).
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/nervehq/nerve/core"
	"github.com/nervehq/nerve/history"
	"github.com/nervehq/nerve/internal/fileutil"
	"github.com/nervehq/nerve/internal/logger"
)

const (
	appName   = "nerve"
	envPrefix = "NERVE"
)

// Config is the engine configuration.
type Config struct {
	// ServerName namespaces history files.
	ServerName string `mapstructure:"server_name"`

	History struct {
		Enabled bool   `mapstructure:"enabled"`
		Dir     string `mapstructure:"dir"`
	} `mapstructure:"history"`

	Node struct {
		ReadyTimeout    time.Duration `mapstructure:"ready_timeout"`
		ResponseTimeout time.Duration `mapstructure:"response_timeout"`
		DefaultParser   string        `mapstructure:"default_parser"`
	} `mapstructure:"node"`

	Log struct {
		Level  string `mapstructure:"level"`
		Format string `mapstructure:"format"`
	} `mapstructure:"log"`

	Metrics struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"metrics"`
}

// LoadOptions configures Load.
type LoadOptions struct {
	// ConfigFile is an explicit config file path; empty uses the search
	// path.
	ConfigFile string
	// DotEnv is an optional .env file loaded into the process
	// environment before reading config. Missing files are ignored.
	DotEnv string
}

// Load reads the configuration. Missing config files are not an error;
// defaults and the environment fully define a working config.
func Load(opts LoadOptions) (*Config, error) {
	if opts.DotEnv != "" {
		// Existing process env wins over .env values.
		_ = godotenv.Load(opts.DotEnv)
	}

	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(filepath.Join(xdg.ConfigHome, appName))
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if opts.ConfigFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("%w: read config: %v", core.ErrInvalid, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: decode config: %v", core.ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server_name", appName)
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.dir", history.DefaultBaseDir)
	v.SetDefault("node.ready_timeout", 60*time.Second)
	v.SetDefault("node.response_timeout", 1800*time.Second)
	v.SetDefault("node.default_parser", "raw")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("metrics.enabled", false)
}

// Logger builds the logger described by the Log section. Extra options
// (a test writer, for example) are appended after the configured ones.
func (c *Config) Logger(opts ...logger.Option) logger.Logger {
	base := []logger.Option{logger.WithFormat(c.Log.Format)}
	if c.Log.Level == "debug" {
		base = append(base, logger.WithDebug())
	}
	return logger.NewLogger(append(base, opts...)...)
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	if err := fileutil.ValidateSafeName(c.ServerName); err != nil {
		return fmt.Errorf("server_name: %w", err)
	}
	switch c.Node.DefaultParser {
	case "raw", "claude", "codex":
	default:
		return fmt.Errorf("node.default_parser %q: %w", c.Node.DefaultParser, core.ErrInvalid)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("log.format %q: %w", c.Log.Format, core.ErrInvalid)
	}
	switch c.Log.Level {
	case "debug", "info":
	default:
		return fmt.Errorf("log.level %q: %w", c.Log.Level, core.ErrInvalid)
	}
	if c.Node.ReadyTimeout < 0 || c.Node.ResponseTimeout < 0 {
		return fmt.Errorf("node timeouts must be non-negative: %w", core.ErrInvalid)
	}
	return nil
}
