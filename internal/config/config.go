// Package config defines the process-wiring configuration surface: the
// handful of knobs that turn into a Session, an Endpoint, a Resolver and a
// logger for the tlsflow CLI. It is deliberately small — almost everything
// this module specifies lives below the config layer, not in it.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is read from flags, environment (TLSFLOW_ prefix) and an optional
// config file, in that order of precedence via viper.
type Config struct {
	Host          string `mapstructure:"host"`
	Port          uint32 `mapstructure:"port"`
	ServerName    string `mapstructure:"serverName"`
	Preference    string `mapstructure:"preference"` // ipv4only, ipv6only, ipv4or6, ipv6or4, any
	InsecureSkip  bool   `mapstructure:"insecureSkip"`
	DialTimeoutMS int64  `mapstructure:"dialTimeoutMs"`

	ResolverServers   []string `mapstructure:"resolverServers"`
	ResolverTimeoutMS int64    `mapstructure:"resolverTimeoutMs"`

	LogLevel    string `mapstructure:"logLevel"`
	DisableANSI bool   `mapstructure:"disableAnsi"`

	ConfigPath string `mapstructure:"-"`
}

// Default returns a Config with the values tlsflow runs with when a flag,
// environment variable or config file doesn't override them.
func Default() *Config {
	return &Config{
		Port:              443,
		Preference:        "ipv4or6",
		DialTimeoutMS:     10_000,
		ResolverTimeoutMS: 5_000,
		LogLevel:          "info",
	}
}

// Load merges defaults, an optional config file at configPath, and
// whatever flags/env have already been bound into v, into a Config.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", configPath, err)
		}
	}

	v.SetEnvPrefix("TLSFLOW")
	v.AutomaticEnv()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return cfg, nil
}

// DialTimeout is DialTimeoutMS as a time.Duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMS) * time.Millisecond
}

// ResolverTimeout is ResolverTimeoutMS as a time.Duration.
func (c *Config) ResolverTimeout() time.Duration {
	return time.Duration(c.ResolverTimeoutMS) * time.Millisecond
}
