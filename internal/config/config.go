package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the pilot-center YAML configuration. listen_ip and listen_port
// are required; a missing value is a fatal startup error. TLS is enabled
// only when both cert_path and key_path are set.
type Config struct {
	Websocket Websocket `mapstructure:"websocket"`
	Msu       Msu       `mapstructure:"msu"`

	InviteTimeout time.Duration `mapstructure:"invite_timeout"`
}

type Websocket struct {
	ListenIP   string `mapstructure:"listen_ip"`
	ListenPort int    `mapstructure:"listen_port"`
	CertPath   string `mapstructure:"cert_path"`
	KeyPath    string `mapstructure:"key_path"`
	Path       string `mapstructure:"path"`
}

type Msu struct {
	TTL           time.Duration `mapstructure:"ttl"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
}

var (
	ErrMissingListenIP   = errors.New("config: websocket.listen_ip is required")
	ErrMissingListenPort = errors.New("config: websocket.listen_port is required")
)

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)

	v.SetDefault("websocket.path", "/pilot/center")
	v.SetDefault("msu.ttl", "30s")
	v.SetDefault("msu.prune_interval", "10s")
	v.SetDefault("invite_timeout", "5s")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Websocket.ListenIP == "" {
		return nil, ErrMissingListenIP
	}
	if cfg.Websocket.ListenPort == 0 {
		return nil, ErrMissingListenPort
	}
	return &cfg, nil
}
