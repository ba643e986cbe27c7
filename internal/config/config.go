// Package config loads btlsim configuration.
//
// Values are resolved with the following precedence:
//  1. Command-line options (highest priority)
//  2. Environment variables (BTL_* prefix, "." replaced by "_")
//  3. Configuration file
//  4. Default values (lowest priority)
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/btl-go/btl"
	"github.com/rocketbitz/btl-go/engine"
	"github.com/rocketbitz/btl-go/internal/gni"
)

// Config holds all btlsim settings.
type Config struct {
	LogLevel string         `mapstructure:"log_level"`
	Module   ModuleConfig   `mapstructure:"module"`
	Progress ProgressConfig `mapstructure:"progress"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// ModuleConfig sizes the per-NIC transport module.
type ModuleConfig struct {
	Name             string `mapstructure:"name"`
	DeviceCount      int    `mapstructure:"device_count"`
	HandlesPerDevice int    `mapstructure:"handles_per_device"`
	MailboxCredits   int    `mapstructure:"mailbox_credits"`
	MaxMailboxes     int    `mapstructure:"max_mailboxes"`
	MaxMessageSize   int    `mapstructure:"max_message_size"`
	LocalAddr        uint32 `mapstructure:"local_addr"`
	LocalID          uint32 `mapstructure:"local_id"`
}

// ProgressConfig tunes the progress loop.
type ProgressConfig struct {
	Timeout    time.Duration `mapstructure:"timeout"`
	MinBackoff time.Duration `mapstructure:"min_backoff"`
	MaxBackoff time.Duration `mapstructure:"max_backoff"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Addr      string `mapstructure:"addr"`
	Namespace string `mapstructure:"namespace"`
}

// Options carries command-line overrides.
type Options struct {
	LogLevel    string
	MetricsAddr string
}

// Load reads configuration from configPath (optional), the environment and
// opts, then validates the result.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("BTL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}
	if opts.MetricsAddr != "" {
		v.Set("metrics.addr", opts.MetricsAddr)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	def := btl.DefaultModuleConfig()

	v.SetDefault("log_level", "info")

	v.SetDefault("module.name", "")
	v.SetDefault("module.device_count", def.DeviceCount)
	v.SetDefault("module.handles_per_device", def.HandlesPerDevice)
	v.SetDefault("module.mailbox_credits", def.MailboxCredits)
	v.SetDefault("module.max_mailboxes", def.MaxMailboxes)
	v.SetDefault("module.max_message_size", def.MaxMessageSize)
	v.SetDefault("module.local_addr", 1)
	v.SetDefault("module.local_id", 0x100)

	v.SetDefault("progress.timeout", 5*time.Second)
	v.SetDefault("progress.min_backoff", time.Millisecond)
	v.SetDefault("progress.max_backoff", 10*time.Millisecond)

	v.SetDefault("metrics.addr", "")
	v.SetDefault("metrics.namespace", "btlsim")
}

// Validate rejects settings the transport cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	m := c.Module
	if m.DeviceCount < 1 || m.DeviceCount > int(gni.DeviceIDMask)+1 {
		errs = append(errs, fmt.Errorf("module.device_count must be between 1 and %d", int(gni.DeviceIDMask)+1))
	}
	if m.HandlesPerDevice < 1 {
		errs = append(errs, errors.New("module.handles_per_device must be positive"))
	}
	if m.MailboxCredits < 1 {
		errs = append(errs, errors.New("module.mailbox_credits must be positive"))
	}
	if m.MaxMailboxes < 1 {
		errs = append(errs, errors.New("module.max_mailboxes must be positive"))
	}
	if m.MaxMessageSize < 1 {
		errs = append(errs, errors.New("module.max_message_size must be positive"))
	}
	if m.LocalID&gni.DeviceIDMask != 0 {
		errs = append(errs, fmt.Errorf("module.local_id %#x overlaps the device id bits", m.LocalID))
	}
	p := c.Progress
	if p.Timeout < 0 {
		errs = append(errs, errors.New("progress.timeout must not be negative"))
	}
	if p.MinBackoff <= 0 {
		errs = append(errs, errors.New("progress.min_backoff must be positive"))
	}
	if p.MaxBackoff < p.MinBackoff {
		errs = append(errs, errors.New("progress.max_backoff must not be below progress.min_backoff"))
	}
	return errors.Join(errs...)
}

// Level returns the configured log level, defaulting to info.
func (c *Config) Level() zapcore.Level {
	lvl, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

// ModuleConfig converts the module section into btl.ModuleConfig.
func (c *Config) ModuleConfig(logger *zap.Logger, matcher gni.Matcher) btl.ModuleConfig {
	return btl.ModuleConfig{
		Name:             c.Module.Name,
		DeviceCount:      c.Module.DeviceCount,
		HandlesPerDevice: c.Module.HandlesPerDevice,
		MailboxCredits:   c.Module.MailboxCredits,
		MaxMailboxes:     c.Module.MaxMailboxes,
		MaxMessageSize:   c.Module.MaxMessageSize,
		Matcher:          matcher,
		Logger:           logger,
	}
}

// EngineConfig converts the progress section into engine.Config.
func (c *Config) EngineConfig(name string, logger *zap.SugaredLogger, metrics engine.MetricHook) engine.Config {
	cfg := engine.Config{
		Name:       name,
		Timeout:    c.Progress.Timeout,
		MinBackoff: c.Progress.MinBackoff,
		MaxBackoff: c.Progress.MaxBackoff,
	}
	if logger != nil {
		cfg.Logger = logger
		cfg.StructuredLogger = logger
	}
	if metrics != nil {
		cfg.Metrics = metrics
	}
	return cfg
}
