package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix            = "CARECIRCLE"
	defaultHTTPAddress   = "0.0.0.0:8080"
	defaultDatabasePath  = "carecircle.db"
	defaultLogLevel      = "info"
	defaultInviteBaseURL = "http://localhost:5173"
	defaultInviteTTL     = 168
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress   string
	DatabasePath  string
	LedgerRPCURL  string
	InviteBaseURL string
	InviteTTL     time.Duration
	SMTPHost      string
	SMTPUsername  string
	SMTPPassword  string
	SMTPFromName  string
	SMTPFrom      string
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

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("invite.base_url", defaultInviteBaseURL)
	configViper.SetDefault("invite.ttl_hours", defaultInviteTTL)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("smtp.from_name", "CareCircle")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:   configViper.GetString("http.address"),
		DatabasePath:  configViper.GetString("database.path"),
		LedgerRPCURL:  configViper.GetString("ledger.rpc_url"),
		InviteBaseURL: configViper.GetString("invite.base_url"),
		InviteTTL:     time.Duration(configViper.GetInt("invite.ttl_hours")) * time.Hour,
		SMTPHost:      configViper.GetString("smtp.host"),
		SMTPUsername:  configViper.GetString("smtp.username"),
		SMTPPassword:  configViper.GetString("smtp.password"),
		SMTPFromName:  configViper.GetString("smtp.from_name"),
		SMTPFrom:      configViper.GetString("smtp.from"),
		LogLevel:      configViper.GetString("log.level"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.InviteBaseURL) == "" {
		return fmt.Errorf("invite.base_url is required")
	}
	if c.InviteTTL <= 0 {
		return fmt.Errorf("invite.ttl_hours must be positive")
	}
	if strings.TrimSpace(c.SMTPHost) != "" && strings.TrimSpace(c.SMTPFrom) == "" {
		return fmt.Errorf("smtp.from is required when smtp.host is set")
	}
	return nil
}
