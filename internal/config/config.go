// Package config handles loading and validation of SDK configuration.
//
// Adapted from the teacher's internal/config/config.go: a viper-backed
// struct with mapstructure/yaml tags, SetDefault calls for every optional
// field, and a deprecated-field aliasing convention (there it was
// nvstreamer_path -> streamer_path; here it is session_id -> ui_session_id).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all configuration recognised by the connection core.
type Config struct {
	APIURL    string `mapstructure:"api_url" yaml:"api_url"`
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`

	UISessionID string `mapstructure:"ui_session_id" yaml:"ui_session_id"`

	// SessionID is a deprecated alias for UISessionID, accepted for
	// backward compatibility with older configuration files.
	// Deprecated: use UISessionID instead.
	SessionID string `mapstructure:"session_id" yaml:"session_id"`

	AutoReconnect bool `mapstructure:"auto_reconnect" yaml:"auto_reconnect"`

	Reconnection ReconnectionConfig `mapstructure:"reconnection" yaml:"reconnection"`

	ConnectionTimeout time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	PingInterval      time.Duration `mapstructure:"ping_interval" yaml:"ping_interval"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout" yaml:"pong_timeout"`
	MaxMessageSize    int64         `mapstructure:"max_message_size" yaml:"max_message_size"`

	Debug     bool              `mapstructure:"debug" yaml:"debug"`
	Headers   map[string]string `mapstructure:"headers" yaml:"headers"`
	Protocols []string          `mapstructure:"protocols" yaml:"protocols"`

	EnableTurnManager bool `mapstructure:"enable_turn_manager" yaml:"enable_turn_manager"`
	EnableAudio       bool `mapstructure:"enable_audio" yaml:"enable_audio"`

	MaxUploadSize      int64    `mapstructure:"max_upload_size" yaml:"max_upload_size"`
	AllowedMimeTypes   []string `mapstructure:"allowed_mime_types" yaml:"allowed_mime_types"`
	MaxFilesPerMessage int      `mapstructure:"max_files_per_message" yaml:"max_files_per_message"`

	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
}

// ReconnectionConfig holds the backoff parameters for the reconnection loop.
type ReconnectionConfig struct {
	InitialDelay      time.Duration `mapstructure:"initial_delay" yaml:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay" yaml:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxAttempts       int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	JitterFactor      float64       `mapstructure:"jitter_factor" yaml:"jitter_factor"`
}

// Load reads configuration from configPath (YAML), applying environment
// variable overrides and built-in defaults. Environment variables take the
// form AGENTRT_<KEY>, with "." replaced by "_" for nested keys.
//
// An optional onChange callback, if non-nil, is invoked with the reloaded
// Config whenever the file changes on disk (grounded on viper's WatchConfig,
// pulled in by the teacher's fsnotify dependency); only the mutable upload
// limits are expected to be usefully hot-reloaded this way.
func Load(configPath string, onChange func(*Config)) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	}

	v.SetEnvPrefix("AGENTRT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(*os.PathError); !ok {
				return nil, fmt.Errorf("reading config file: %w", err)
			}
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	if onChange != nil && configPath != "" {
		v.OnConfigChange(func(e fsnotify.Event) {
			updated, err := unmarshal(v)
			if err != nil {
				return
			}
			onChange(updated)
		})
		v.WatchConfig()
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

func unmarshal(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if cfg.UISessionID == "" && cfg.SessionID != "" {
		cfg.UISessionID = cfg.SessionID
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("auto_reconnect", true)
	v.SetDefault("reconnection.initial_delay", time.Second)
	v.SetDefault("reconnection.max_delay", 30*time.Second)
	v.SetDefault("reconnection.backoff_multiplier", 1.5)
	v.SetDefault("reconnection.max_attempts", 0)
	v.SetDefault("reconnection.jitter_factor", 0.3)
	v.SetDefault("connection_timeout", 10*time.Second)
	v.SetDefault("ping_interval", 30*time.Second)
	v.SetDefault("pong_timeout", 10*time.Second)
	v.SetDefault("max_message_size", int64(10*1024*1024))
	v.SetDefault("enable_turn_manager", false)
	v.SetDefault("enable_audio", true)
	v.SetDefault("max_upload_size", int64(50*1024*1024))
	v.SetDefault("max_files_per_message", 10)
	v.SetDefault("log_level", "info")
}

// Validate checks that required fields are present and well-formed.
func (c *Config) Validate() error {
	if c.APIURL == "" {
		return fmt.Errorf("api_url is required")
	}
	if c.Reconnection.InitialDelay <= 0 {
		return fmt.Errorf("reconnection.initial_delay must be positive")
	}
	if c.Reconnection.MaxDelay < c.Reconnection.InitialDelay {
		return fmt.Errorf("reconnection.max_delay must be >= reconnection.initial_delay")
	}
	return nil
}
