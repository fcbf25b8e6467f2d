// Package config loads the pool and node settings for a bot process
// from a yaml file selected by CONFIG_ENV, with sane defaults for
// everything but credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"

	"github.com/lavakit/lavakit/pkg/lavakit"
)

type Config struct {
	LogLevel string `mapstructure:"log_level"`
	Bot      Bot    `mapstructure:"bot"`
	Nodes    []Node `mapstructure:"nodes"`
}

type Bot struct {
	// TokenEnv names the environment variable holding the gateway
	// token; the token itself never lives in the config file.
	TokenEnv string `mapstructure:"token_env"`
	Prefix   string `mapstructure:"prefix"`
}

type Node struct {
	Label          string        `mapstructure:"label"`
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Password       string        `mapstructure:"password"`
	Secure         bool          `mapstructure:"secure"`
	Regions        []string      `mapstructure:"regions"`
	ResumeTimeout  int           `mapstructure:"resume_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PingPeriod     time.Duration `mapstructure:"ping_period"`
}

// Load reads config/config.<CONFIG_ENV>.yaml, defaulting to dev.
func Load() (*Config, error) {
	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	return LoadFrom(fmt.Sprintf("config/config.%s.yaml", env))
}

// LoadFrom reads one explicit config file. A missing file is not an
// error; defaults apply.
func LoadFrom(fileName string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(fileName)

	v.SetDefault("log_level", "info")
	v.SetDefault("bot.token_env", "BOT_TOKEN")
	v.SetDefault("bot.prefix", "!")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("config loaded")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	for i := range cfg.Nodes {
		n := &cfg.Nodes[i]
		if n.Label == "" {
			// Unnamed nodes still need a stable key in the pool.
			n.Label = uuid.NewString()
		}
		if n.Host == "" {
			n.Host = "localhost"
		}
		if n.Port == 0 {
			n.Port = 2333
		}
	}
	return &cfg, nil
}

// NodeConfigs converts the file entries into pool node configs.
func (c *Config) NodeConfigs() []lavakit.NodeConfig {
	out := make([]lavakit.NodeConfig, len(c.Nodes))
	for i, n := range c.Nodes {
		out[i] = lavakit.NodeConfig{
			Label:          n.Label,
			Host:           n.Host,
			Port:           n.Port,
			Password:       n.Password,
			Secure:         n.Secure,
			Regions:        n.Regions,
			ResumeTimeout:  n.ResumeTimeout,
			RequestTimeout: n.RequestTimeout,
			PingPeriod:     n.PingPeriod,
		}
	}
	return out
}
