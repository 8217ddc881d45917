package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "PARLOR"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "parlor.db"
	defaultLogLevel      = "info"
	defaultRetention     = 150
	defaultSlowModeMilli = 0
)

// AppConfig captures runtime configuration for the session server.
type AppConfig struct {
	HTTPAddress     string
	DatabasePath    string
	LogLevel        string
	AdminPassphrase string
	Retention       int
	SlowModeMilli   int
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("chat.retention", defaultRetention)
	configViper.SetDefault("chat.slow_mode_ms", defaultSlowModeMilli)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabasePath:    configViper.GetString("database.path"),
		LogLevel:        configViper.GetString("log.level"),
		AdminPassphrase: configViper.GetString("admin.passphrase"),
		Retention:       configViper.GetInt("chat.retention"),
		SlowModeMilli:   configViper.GetInt("chat.slow_mode_ms"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AdminPassphrase) == "" {
		return fmt.Errorf("admin.passphrase is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Retention <= 0 {
		return fmt.Errorf("chat.retention must be positive")
	}
	if c.SlowModeMilli < 0 {
		return fmt.Errorf("chat.slow_mode_ms must not be negative")
	}
	return nil
}
