package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// Config is the full bridge configuration. Values come from the yaml file
// with environment overrides for anything secret.
type Config struct {
	Identifier string `mapstructure:"identifier"`
	Credential string `mapstructure:"credential"`
	ClientID   string `mapstructure:"client_id"`

	BaseURL string `mapstructure:"base_url"`
	WSURL   string `mapstructure:"ws_url"`

	DataDir    string `mapstructure:"data_dir"`
	ListenAddr string `mapstructure:"listen_addr"`
	LogLevel   string `mapstructure:"log_level"`
	LogFormat  string `mapstructure:"log_format"`

	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	Heartbeat      time.Duration `mapstructure:"heartbeat"`
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
	UnlockCooldown time.Duration `mapstructure:"unlock_cooldown"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	SQLitePath    string `mapstructure:"sqlite_path"`
}

// LoadConfig reads the bridge config. A missing file is not fatal when the
// required values arrive via environment.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.AutomaticEnv()

	v.SetDefault("base_url", "https://api.kiwik.cn/v1")
	v.SetDefault("ws_url", "wss://wsapp.kiwik.cn")
	v.SetDefault("data_dir", ".")
	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "text")
	v.SetDefault("http_timeout", 10*time.Second)
	v.SetDefault("heartbeat", 30*time.Second)
	v.SetDefault("retry_base_delay", 5*time.Second)
	v.SetDefault("max_retries", 5)
	v.SetDefault("unlock_cooldown", 60*time.Second)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Env overrides for credentials so they stay out of the yaml.
	if id := os.Getenv("KIWI_IDENTIFIER"); id != "" {
		cfg.Identifier = id
	}
	if cred := os.Getenv("KIWI_CREDENTIAL"); cred != "" {
		cfg.Credential = cred
	}
	if cid := os.Getenv("KIWI_CLIENT_ID"); cid != "" {
		cfg.ClientID = cid
	}

	if cfg.Identifier == "" || cfg.Credential == "" {
		return nil, fmt.Errorf("identifier and credential are required")
	}
	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client_id is required")
	}
	return &cfg, nil
}
