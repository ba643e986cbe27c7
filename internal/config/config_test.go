package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/btl-go/internal/gni"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", Options{})
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 1, cfg.Module.DeviceCount)
	assert.Equal(t, 64, cfg.Module.HandlesPerDevice)
	assert.Equal(t, 16, cfg.Module.MailboxCredits)
	assert.Equal(t, 256, cfg.Module.MaxMailboxes)
	assert.Equal(t, 5*time.Second, cfg.Progress.Timeout)
	assert.Equal(t, time.Millisecond, cfg.Progress.MinBackoff)
	assert.Equal(t, 10*time.Millisecond, cfg.Progress.MaxBackoff)
	assert.Equal(t, "btlsim", cfg.Metrics.Namespace)
	assert.Empty(t, cfg.Metrics.Addr)
	assert.Equal(t, zapcore.InfoLevel, cfg.Level())
}

func TestLoadFileEnvAndOptions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "btl.yaml")
	data := []byte(`log_level: debug
module:
  device_count: 2
  handles_per_device: 8
  mailbox_credits: 4
progress:
  min_backoff: 2ms
  max_backoff: 20ms
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	t.Setenv("BTL_MODULE_MAX_MAILBOXES", "32")
	t.Setenv("BTL_LOG_LEVEL", "warn")

	cfg, err := Load(path, Options{MetricsAddr: ":9100"})
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.LogLevel, "environment overrides the file")
	assert.Equal(t, 2, cfg.Module.DeviceCount)
	assert.Equal(t, 8, cfg.Module.HandlesPerDevice)
	assert.Equal(t, 4, cfg.Module.MailboxCredits)
	assert.Equal(t, 32, cfg.Module.MaxMailboxes)
	assert.Equal(t, 2*time.Millisecond, cfg.Progress.MinBackoff)
	assert.Equal(t, 20*time.Millisecond, cfg.Progress.MaxBackoff)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
}

func TestLoadOptionsOverrideEnv(t *testing.T) {
	t.Setenv("BTL_LOG_LEVEL", "warn")
	cfg, err := Load("", Options{LogLevel: "debug"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, cfg.Level())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg, err := Load("", Options{})
		require.NoError(t, err)
		return *cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "bad log level", mutate: func(c *Config) { c.LogLevel = "loud" }, errMsg: "log_level"},
		{name: "zero devices", mutate: func(c *Config) { c.Module.DeviceCount = 0 }, errMsg: "module.device_count"},
		{name: "too many devices", mutate: func(c *Config) { c.Module.DeviceCount = 257 }, errMsg: "module.device_count"},
		{name: "zero handles", mutate: func(c *Config) { c.Module.HandlesPerDevice = 0 }, errMsg: "module.handles_per_device"},
		{name: "zero credits", mutate: func(c *Config) { c.Module.MailboxCredits = 0 }, errMsg: "module.mailbox_credits"},
		{name: "zero mailboxes", mutate: func(c *Config) { c.Module.MaxMailboxes = 0 }, errMsg: "module.max_mailboxes"},
		{name: "zero message size", mutate: func(c *Config) { c.Module.MaxMessageSize = 0 }, errMsg: "module.max_message_size"},
		{name: "device bits in local id", mutate: func(c *Config) { c.Module.LocalID = 0x101 }, errMsg: "module.local_id"},
		{name: "zero min backoff", mutate: func(c *Config) { c.Progress.MinBackoff = 0 }, errMsg: "progress.min_backoff"},
		{name: "inverted backoff", mutate: func(c *Config) {
			c.Progress.MinBackoff = 10 * time.Millisecond
			c.Progress.MaxBackoff = time.Millisecond
		}, errMsg: "progress.max_backoff"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.errMsg == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

func TestConverters(t *testing.T) {
	cfg, err := Load("", Options{})
	require.NoError(t, err)
	cfg.Module.Name = "rank0"

	logger := zap.NewNop()
	fabric := gni.NewSimFabric()
	nic, err := fabric.NewNIC(1, 0x100)
	require.NoError(t, err)

	mc := cfg.ModuleConfig(logger, nic)
	assert.Equal(t, "rank0", mc.Name)
	assert.Equal(t, cfg.Module.HandlesPerDevice, mc.HandlesPerDevice)
	assert.Equal(t, cfg.Module.MailboxCredits, mc.MailboxCredits)
	assert.Same(t, logger, mc.Logger)
	assert.NotNil(t, mc.Matcher)

	ec := cfg.EngineConfig("rank0", logger.Sugar(), nil)
	assert.Equal(t, "rank0", ec.Name)
	assert.Equal(t, cfg.Progress.Timeout, ec.Timeout)
	assert.Equal(t, cfg.Progress.MinBackoff, ec.MinBackoff)
	assert.NotNil(t, ec.Logger)
	assert.NotNil(t, ec.StructuredLogger)
	assert.Nil(t, ec.Metrics)
}
