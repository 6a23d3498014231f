// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/luxfi/packet"
)

// Config is the pktmux configuration. Sources, lowest to highest
// precedence: defaults, config file, PKTMUX_* environment, flags.
type Config struct {
	Transport string      `mapstructure:"transport"`
	Addr      string      `mapstructure:"addr"`
	Log       LogConfig   `mapstructure:"log"`
	Serve     ServeConfig `mapstructure:"serve"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

type ServeConfig struct {
	Root         string        `mapstructure:"root"`
	Gateway      string        `mapstructure:"gateway"`
	PingInterval time.Duration `mapstructure:"ping_interval"`
	CallTimeout  time.Duration `mapstructure:"call_timeout"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("PKTMUX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("transport", packet.DefaultTransport)
	v.SetDefault("addr", "127.0.0.1:7333")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("serve.root", ".")
	v.SetDefault("serve.call_timeout", 30*time.Second)
	return v
}

// LoadConfig reads configFile (optional) through v and decodes it.
func LoadConfig(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", configFile, err)
		}
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if !packet.HasTransport(cfg.Transport) {
		return nil, fmt.Errorf("%w: %s (available: %s)", packet.ErrUnknownTransport,
			cfg.Transport, strings.Join(packet.AvailableTransports(), ", "))
	}
	return &cfg, nil
}

// NewLogger builds the process logger. With a file configured, output
// goes to a size-rotated file instead of stderr.
func NewLogger(cfg LogConfig) (*logrus.Logger, error) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	var out io.Writer = os.Stderr
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		}
	}
	log.SetOutput(out)
	return log, nil
}
