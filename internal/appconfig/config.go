// Package appconfig loads the small set of settings shared by both CLI
// binaries: which server to talk to and how to log. It layers an optional
// config file under flags and GEARMAN_-prefixed environment variables,
// following the same viper.Viper pattern the rest of this module's
// dependency stack uses for configuration.
package appconfig

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root settings object for cmd/gearman-client and
// cmd/gearman-worker.
type Config struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	LogLevel string `mapstructure:"log-level"`
	LogFile  string `mapstructure:"log-file"`
}

// Addr returns host:port for dialing.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Load reads configPath (if non-empty) as YAML or TOML, then layers
// GEARMAN_HOST / GEARMAN_PORT / GEARMAN_LOG_LEVEL / GEARMAN_LOG_FILE
// environment overrides on top. Unset fields keep their defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("GEARMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetDefault("host", "127.0.0.1")
	v.SetDefault("port", 4730)
	v.SetDefault("log-level", "info")
	v.SetDefault("log-file", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %q: %w", configPath, err)
			}
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
