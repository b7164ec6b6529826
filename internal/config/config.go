package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "STENCIL"
	defaultHTTPAddress     = "0.0.0.0:8080"
	defaultDatabasePath    = "stencil.db"
	defaultLogLevel        = "info"
	defaultTokenTTLMinutes = 60
	defaultLockIdleMinutes = 15
	defaultAuthIssuer      = "stencil-auth"
	defaultAuthAudience    = "stencil-api"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabasePath      string
	LogLevel          string
	SigningSecret     string
	AuthIssuer        string
	AuthAudience      string
	TokenTTL          time.Duration
	IdPJWKSURL        string
	IdPAudience       string
	IdPAllowedIssuers []string
	LockIdleTimeout   time.Duration
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
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("auth.audience", defaultAuthAudience)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("lock.idle_timeout_minutes", defaultLockIdleMinutes)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		AuthIssuer:        configViper.GetString("auth.issuer"),
		AuthAudience:      configViper.GetString("auth.audience"),
		TokenTTL:          time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		IdPJWKSURL:        configViper.GetString("idp.jwks_url"),
		IdPAudience:       configViper.GetString("idp.audience"),
		IdPAllowedIssuers: configViper.GetStringSlice("idp.allowed_issuers"),
		LockIdleTimeout:   time.Duration(configViper.GetInt("lock.idle_timeout_minutes")) * time.Minute,
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.IdPJWKSURL) == "" {
		return fmt.Errorf("idp.jwks_url is required")
	}
	if strings.TrimSpace(c.IdPAudience) == "" {
		return fmt.Errorf("idp.audience is required")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl_minutes must be positive")
	}
	if c.LockIdleTimeout <= 0 {
		return fmt.Errorf("lock.idle_timeout_minutes must be positive")
	}
	return nil
}
