package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"medchat/internal/chat"
)

type Config struct {
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// Chat client
	APIURL               string        `mapstructure:"MEDCHAT_API_URL"`
	WSURL                string        `mapstructure:"MEDCHAT_WS_URL"`
	WSPath               string        `mapstructure:"MEDCHAT_WS_PATH"`
	Role                 string        `mapstructure:"MEDCHAT_ROLE"`
	SessionID            string        `mapstructure:"MEDCHAT_SESSION_ID"`
	ReconnectBaseDelay   time.Duration `mapstructure:"RECONNECT_BASE_DELAY"`
	ReconnectMaxAttempts int           `mapstructure:"RECONNECT_MAX_ATTEMPTS"`

	// Shared
	RedisAddr string `mapstructure:"REDIS_ADDR"`

	// Development backend
	Addr      string `mapstructure:"ADDR"`
	DBDSN     string `mapstructure:"DB_DSN"`
	JWTSecret string `mapstructure:"JWT_SECRET"`
	Store     string `mapstructure:"STORE"`
	Broker    string `mapstructure:"BROKER"`
}

var keys = []string{
	"ENV", "LOG_LEVEL",
	"MEDCHAT_API_URL", "MEDCHAT_WS_URL", "MEDCHAT_WS_PATH", "MEDCHAT_ROLE", "MEDCHAT_SESSION_ID",
	"RECONNECT_BASE_DELAY", "RECONNECT_MAX_ATTEMPTS",
	"REDIS_ADDR",
	"ADDR", "DB_DSN", "JWT_SECRET", "STORE", "BROKER",
}

// Load reads .env (if present) and the environment. Command-specific checks
// live in ValidateClient and ValidateServer.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("MEDCHAT_API_URL", "http://localhost:8080")
	v.SetDefault("MEDCHAT_WS_PATH", "/ws")
	v.SetDefault("MEDCHAT_ROLE", string(chat.RolePatient))
	v.SetDefault("RECONNECT_BASE_DELAY", "1s")
	v.SetDefault("RECONNECT_MAX_ATTEMPTS", 5)
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("ADDR", ":8080")
	v.SetDefault("STORE", "postgres")
	v.SetDefault("BROKER", "redis")

	// Bind explicitly so Unmarshal sees variables without defaults.
	for _, k := range keys {
		v.BindEnv(k)
	}

	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// WebsocketURL is MEDCHAT_WS_URL, or the API URL when unset.
func (c *Config) WebsocketURL() string {
	if c.WSURL != "" {
		return c.WSURL
	}
	return c.APIURL
}

func (c *Config) ClientRole() chat.Role {
	role, _ := chat.ParseRole(c.Role)
	return role
}

func (c *Config) Level() zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(c.LogLevel))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

func (c *Config) ValidateClient() error {
	for name, raw := range map[string]string{"MEDCHAT_API_URL": c.APIURL, "MEDCHAT_WS_URL": c.WebsocketURL()} {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%s must be an absolute URL, got %q", name, raw)
		}
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("MEDCHAT_WS_PATH must start with '/', got %q", c.WSPath)
	}
	if _, ok := chat.ParseRole(c.Role); !ok {
		return fmt.Errorf("MEDCHAT_ROLE must be %q or %q, got %q", chat.RolePatient, chat.RoleDoctor, c.Role)
	}
	if c.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("RECONNECT_BASE_DELAY must be positive, got %s", c.ReconnectBaseDelay)
	}
	if c.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be positive, got %d", c.ReconnectMaxAttempts)
	}
	if c.SessionID != "" && c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required when MEDCHAT_SESSION_ID is set")
	}
	return nil
}

func (c *Config) ValidateServer() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is not set")
	}
	switch c.Store {
	case "postgres":
		if c.DBDSN == "" {
			return fmt.Errorf("DB_DSN is required when STORE is \"postgres\"")
		}
	case "memory":
	default:
		return fmt.Errorf("STORE must be \"postgres\" or \"memory\", got %q", c.Store)
	}
	switch c.Broker {
	case "redis":
		if c.RedisAddr == "" {
			return fmt.Errorf("REDIS_ADDR is required when BROKER is \"redis\"")
		}
	case "local":
	default:
		return fmt.Errorf("BROKER must be \"redis\" or \"local\", got %q", c.Broker)
	}
	return nil
}
