package config_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spf13/viper"

	"github.com/xkilldash9x/browserpilot/internal/config"
)

func TestNewDefaultConfig_IsValid(t *testing.T) {
	cfg := config.NewDefaultConfig()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 30*time.Second, cfg.Session.DefaultTimeout)
	assert.Equal(t, 256, cfg.Session.QueueSize)
	assert.Equal(t, 50.0, cfg.Session.CommandRate)
	assert.Equal(t, config.DialogPolicyDismiss, cfg.Dialogs.Policy)
	assert.Equal(t, 10*time.Second, cfg.Dialogs.Timeout)
	assert.Equal(t, []string{"*"}, cfg.Security.Allow)
	assert.Empty(t, cfg.Security.Deny)
	assert.False(t, cfg.Reconnect.Enabled)
	assert.True(t, cfg.Browser.Headless)

	// Validate expands the home-relative download directory.
	assert.True(t, filepath.IsAbs(cfg.Downloads.Dir), "downloads dir must be expanded to an absolute path")
}

func TestNewConfigFromViper_AppliesOverrides(t *testing.T) {
	v := viper.New()
	config.SetDefaults(v)
	v.Set("session.queue_size", 32)
	v.Set("dialogs.policy", "forward")
	v.Set("security.deny", []string{"*.blocked.test"})

	cfg, err := config.NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, 32, cfg.Session.QueueSize)
	assert.Equal(t, config.DialogPolicyForward, cfg.Dialogs.Policy)
	assert.Equal(t, []string{"*.blocked.test"}, cfg.Security.Deny)
}

func TestValidate_RejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
	}{
		{"zero queue size", func(c *config.Config) { c.Session.QueueSize = 0 }},
		{"negative timeout", func(c *config.Config) { c.Session.DefaultTimeout = -time.Second }},
		{"zero command rate", func(c *config.Config) { c.Session.CommandRate = 0 }},
		{"unknown dialog policy", func(c *config.Config) { c.Dialogs.Policy = "maybe" }},
		{"zero dialog timeout", func(c *config.Config) { c.Dialogs.Timeout = 0 }},
		{"reconnect without attempts", func(c *config.Config) {
			c.Reconnect.Enabled = true
			c.Reconnect.MaxAttempts = 0
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.NewDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
