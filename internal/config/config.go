package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "ASCENT"
	defaultDatabasePath  = "ascent.db"
	defaultLogLevel      = "info"
	defaultPushInterval  = 30 * time.Second
	defaultPullInterval  = 60 * time.Second
	defaultPageSize      = 200
	defaultSafetyWindow  = 5 * time.Minute
	defaultRetryBase     = 1 * time.Second
	defaultRetryMax      = 60 * time.Second
	defaultRetryAttempts = 5
	defaultRemoteAddress = "0.0.0.0:8080"
)

// AppConfig captures runtime configuration for the sync daemon.
type AppConfig struct {
	DatabasePath  string
	RemoteURL     string
	OwnerID       string
	DeviceID      string
	LogLevel      string
	PushInterval  time.Duration
	PullInterval  time.Duration
	PageSize      int
	SafetyWindow  time.Duration
	RetryBase     time.Duration
	RetryMax      time.Duration
	RetryAttempts int
}

// RemoteConfig captures configuration for the reference remote server.
type RemoteConfig struct {
	HTTPAddress   string
	SigningSecret string
	LogLevel      string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("sync.push_interval", defaultPushInterval)
	configViper.SetDefault("sync.pull_interval", defaultPullInterval)
	configViper.SetDefault("sync.page_size", defaultPageSize)
	configViper.SetDefault("sync.safety_window", defaultSafetyWindow)
	configViper.SetDefault("retry.base_delay", defaultRetryBase)
	configViper.SetDefault("retry.max_delay", defaultRetryMax)
	configViper.SetDefault("retry.max_attempts", defaultRetryAttempts)
	configViper.SetDefault("remote.http_address", defaultRemoteAddress)
}

// Load parses sync daemon configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		DatabasePath:  configViper.GetString("database.path"),
		RemoteURL:     configViper.GetString("remote.url"),
		OwnerID:       configViper.GetString("owner.id"),
		DeviceID:      configViper.GetString("device.id"),
		LogLevel:      configViper.GetString("log.level"),
		PushInterval:  configViper.GetDuration("sync.push_interval"),
		PullInterval:  configViper.GetDuration("sync.pull_interval"),
		PageSize:      configViper.GetInt("sync.page_size"),
		SafetyWindow:  configViper.GetDuration("sync.safety_window"),
		RetryBase:     configViper.GetDuration("retry.base_delay"),
		RetryMax:      configViper.GetDuration("retry.max_delay"),
		RetryAttempts: configViper.GetInt("retry.max_attempts"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadRemote parses reference server configuration from viper.
func LoadRemote(configViper *viper.Viper) (RemoteConfig, error) {
	cfg := RemoteConfig{
		HTTPAddress:   configViper.GetString("remote.http_address"),
		SigningSecret: configViper.GetString("remote.signing_secret"),
		LogLevel:      configViper.GetString("log.level"),
	}

	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return RemoteConfig{}, fmt.Errorf("remote.signing_secret is required")
	}
	if strings.TrimSpace(cfg.HTTPAddress) == "" {
		return RemoteConfig{}, fmt.Errorf("remote.http_address is required")
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.RemoteURL) == "" {
		return fmt.Errorf("remote.url is required")
	}
	if strings.TrimSpace(c.OwnerID) == "" {
		return fmt.Errorf("owner.id is required")
	}
	if strings.TrimSpace(c.DeviceID) == "" {
		return fmt.Errorf("device.id is required")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if c.RetryAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	return nil
}
