package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	Session    SessionConfig    `mapstructure:"session" yaml:"session"`
	Watchdogs  WatchdogsConfig  `mapstructure:"watchdogs" yaml:"watchdogs"`
	Security   SecurityConfig   `mapstructure:"security" yaml:"security"`
	Downloads  DownloadsConfig  `mapstructure:"downloads" yaml:"downloads"`
	Dialogs    DialogsConfig    `mapstructure:"dialogs" yaml:"dialogs"`
	AboutBlank AboutBlankConfig `mapstructure:"aboutblank" yaml:"aboutblank"`
	Reconnect  ReconnectConfig  `mapstructure:"reconnect" yaml:"reconnect"`
	Browser    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// SessionConfig tunes the session lifecycle manager and the event bus it owns.
type SessionConfig struct {
	// DefaultTimeout bounds SubmitAction when the caller passes no timeout.
	DefaultTimeout time.Duration `mapstructure:"default_timeout" yaml:"default_timeout"`
	// AttachTimeout bounds the target attach handshake.
	AttachTimeout time.Duration `mapstructure:"attach_timeout" yaml:"attach_timeout"`
	// QueueSize is the bounded event bus queue. A full queue blocks
	// publishers rather than dropping events.
	QueueSize int `mapstructure:"queue_size" yaml:"queue_size"`
	// CommandRate paces outbound protocol commands per second.
	CommandRate float64 `mapstructure:"command_rate" yaml:"command_rate"`
	// StableQuiet is the settle window used by wait_stable operations.
	StableQuiet time.Duration `mapstructure:"stable_quiet" yaml:"stable_quiet"`
}

// WatchdogsConfig toggles the individual watchdog units.
type WatchdogsConfig struct {
	Downloads  bool `mapstructure:"downloads" yaml:"downloads"`
	Popups     bool `mapstructure:"popups" yaml:"popups"`
	Security   bool `mapstructure:"security" yaml:"security"`
	Snapshot   bool `mapstructure:"snapshot" yaml:"snapshot"`
	AboutBlank bool `mapstructure:"aboutblank" yaml:"aboutblank"`
}

// SecurityConfig is the navigation allow/deny policy. Patterns match domains,
// with a leading "*." matching any subdomain. Deny wins over allow.
type SecurityConfig struct {
	Allow []string `mapstructure:"allow" yaml:"allow"`
	Deny  []string `mapstructure:"deny" yaml:"deny"`
}

// DownloadsConfig controls the managed download directory.
type DownloadsConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

// DialogPolicy selects the automatic response to page dialogs.
type DialogPolicy string

const (
	DialogPolicyDismiss DialogPolicy = "dismiss"
	DialogPolicyAccept  DialogPolicy = "accept"
	DialogPolicyForward DialogPolicy = "forward"
)

// DialogsConfig controls the popup watchdog.
type DialogsConfig struct {
	Policy DialogPolicy `mapstructure:"policy" yaml:"policy"`
	// Timeout bounds how long a forwarded dialog waits for a caller decision
	// before the default response is issued. An unanswered dialog blocks the
	// page, so this must stay bounded.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// AboutBlankConfig controls blank-page recovery. An empty DefaultURL disables
// the redirect.
type AboutBlankConfig struct {
	DefaultURL string `mapstructure:"default_url" yaml:"default_url"`
}

// ReconnectConfig is the policy applied after a Degraded transition.
type ReconnectConfig struct {
	Enabled     bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff" yaml:"backoff"`
}

// BrowserConfig holds settings for the underlying browser process.
type BrowserConfig struct {
	Headless bool     `mapstructure:"headless" yaml:"headless"`
	Args     []string `mapstructure:"args" yaml:"args"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "browserpilot")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Session --
	v.SetDefault("session.default_timeout", "30s")
	v.SetDefault("session.attach_timeout", "15s")
	v.SetDefault("session.queue_size", 256)
	v.SetDefault("session.command_rate", 50.0)
	v.SetDefault("session.stable_quiet", "500ms")

	// -- Watchdogs --
	v.SetDefault("watchdogs.downloads", true)
	v.SetDefault("watchdogs.popups", true)
	v.SetDefault("watchdogs.security", true)
	v.SetDefault("watchdogs.snapshot", true)
	v.SetDefault("watchdogs.aboutblank", true)

	// -- Security --
	v.SetDefault("security.allow", []string{"*"})
	v.SetDefault("security.deny", []string{})

	// -- Downloads --
	v.SetDefault("downloads.dir", "~/Downloads/browserpilot")

	// -- Dialogs --
	v.SetDefault("dialogs.policy", string(DialogPolicyDismiss))
	v.SetDefault("dialogs.timeout", "10s")

	// -- AboutBlank --
	v.SetDefault("aboutblank.default_url", "")

	// -- Reconnect --
	v.SetDefault("reconnect.enabled", false)
	v.SetDefault("reconnect.max_attempts", 3)
	v.SetDefault("reconnect.backoff", "2s")

	// -- Browser --
	v.SetDefault("browser.headless", true)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults always unmarshal; this is a programming error.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a validated configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for sane values and normalizes paths.
func (c *Config) Validate() error {
	if c.Session.QueueSize <= 0 {
		return fmt.Errorf("session.queue_size must be a positive integer")
	}
	if c.Session.DefaultTimeout <= 0 {
		return fmt.Errorf("session.default_timeout must be a positive duration")
	}
	if c.Session.CommandRate <= 0 {
		return fmt.Errorf("session.command_rate must be positive")
	}
	switch c.Dialogs.Policy {
	case DialogPolicyDismiss, DialogPolicyAccept, DialogPolicyForward:
	default:
		return fmt.Errorf("dialogs.policy must be one of dismiss, accept, forward (got %q)", c.Dialogs.Policy)
	}
	if c.Dialogs.Timeout <= 0 {
		return fmt.Errorf("dialogs.timeout must be a positive duration")
	}
	if c.Reconnect.Enabled && c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("reconnect.max_attempts must be greater than 0 when reconnect is enabled")
	}

	dir, err := homedir.Expand(c.Downloads.Dir)
	if err != nil {
		return fmt.Errorf("downloads.dir: %w", err)
	}
	c.Downloads.Dir = filepath.Clean(dir)
	return nil
}
