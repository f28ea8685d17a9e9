// Package config loads the gateway configuration from the environment.
//
// Every key is read from a GATEWAY_ prefixed variable, with underscores
// separating nesting levels, e.g. GATEWAY_SERVER_ADDR sets server.addr.
package config

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	pkg "github.com/peteski22/proxy-plugins/pkg/contract/plugin"
)

const envPrefix = "GATEWAY_"

type Config struct {
	Server    ServerConfig   `koanf:"server"`
	Upstream  UpstreamConfig `koanf:"upstream"`
	Directory string         `koanf:"directory"`
	Limit     string         `koanf:"limit"`
	Redis     RedisConfig    `koanf:"redis"`
	Stats     StatsConfig    `koanf:"stats"`
	Plugins   PluginsConfig  `koanf:"plugins"`
	Log       LogConfig      `koanf:"log"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type UpstreamConfig struct {
	URL string `koanf:"url"`
}

type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

type StatsConfig struct {
	Prefix string `koanf:"prefix"`
	Keys   bool   `koanf:"keys"`
}

type PluginsConfig struct {
	Dir      string `koanf:"dir"`
	Step     string `koanf:"step"`
	Required bool   `koanf:"required"`
}

type LogConfig struct {
	Level string `koanf:"level"`
}

var defaults = map[string]any{
	"server.addr":  ":8080",
	"stats.prefix": "proxy-plugins:stats",
	"plugins.step": pkg.StepProxyUpstream.String(),
	"log.level":    "info",
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			if err := k.Set(key, value); err != nil {
				return nil, fmt.Errorf("setting default %s: %w", key, err)
			}
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that cannot be verified by decoding alone.
func (c *Config) Validate() error {
	if c.Upstream.URL != "" {
		u, err := url.Parse(c.Upstream.URL)
		if err != nil {
			return fmt.Errorf("invalid upstream.url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("invalid upstream.url %q: scheme must be http or https", c.Upstream.URL)
		}
	}
	if _, err := c.PluginStep(); err != nil {
		return fmt.Errorf("invalid plugins.step: %w", err)
	}
	if c.Redis.DB < 0 {
		return fmt.Errorf("invalid redis.db %d", c.Redis.DB)
	}
	return nil
}

// PluginStep returns the step remote plugins are registered at.
func (c *Config) PluginStep() (pkg.Step, error) {
	return pkg.ParseStep(c.Plugins.Step)
}
