package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/spf13/viper"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Push     PushConfig
}

type ServerConfig struct {
	Port           int `mapstructure:"port"`
	TimeoutSeconds int `mapstructure:"timeoutSeconds"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type RedisConfig struct {
	URL          string `mapstructure:"url"`
	MaxRetries   int    `mapstructure:"max_retries"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
}

type PushConfig struct {
	Enabled             bool        `mapstructure:"enabled"`
	SendTimeoutSeconds  int         `mapstructure:"send_timeout_seconds"`
	ProviderParallelism int         `mapstructure:"provider_parallelism"`
	Retry               RetryConfig `mapstructure:"retry"`
	APNS                APNSConfig  `mapstructure:"apns"`
	FCM                 FCMConfig   `mapstructure:"fcm"`
	Expo                ExpoConfig  `mapstructure:"expo"`
}

type RetryConfig struct {
	MaxAttempts int     `mapstructure:"max_attempts"`
	BaseDelayMS int     `mapstructure:"base_delay_ms"`
	Multiplier  float64 `mapstructure:"multiplier"`
	MaxDelayMS  int     `mapstructure:"max_delay_ms"`
}

func (c RetryConfig) BaseDelay() time.Duration {
	return time.Duration(c.BaseDelayMS) * time.Millisecond
}

func (c RetryConfig) MaxDelay() time.Duration {
	return time.Duration(c.MaxDelayMS) * time.Millisecond
}

type APNSConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	KeyPath string `mapstructure:"key_path"`
	KeyID   string `mapstructure:"key_id"`
	TeamID  string `mapstructure:"team_id"`
	Topic   string `mapstructure:"topic"`
	Host    string `mapstructure:"host"`
	// Key holds the PEM inline; populated from the environment, never from
	// the config file.
	Key string `mapstructure:"-"`
}

type FCMConfig struct {
	Enabled         bool   `mapstructure:"enabled"`
	CredentialsFile string `mapstructure:"credentials_file"`
	Endpoint        string `mapstructure:"endpoint"`
	// CredentialsJSON holds the service account inline; environment only.
	CredentialsJSON string `mapstructure:"-"`
}

type ExpoConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Host        string `mapstructure:"host"`
	AccessToken string `mapstructure:"-"`
}

// secrets are the credential values that must never live in the yaml file.
type secrets struct {
	APNSKey         string `envconfig:"PUSH_APNS_KEY"`
	FCMCredentials  string `envconfig:"PUSH_FCM_CREDENTIALS"`
	ExpoAccessToken string `envconfig:"PUSH_EXPO_ACCESS_TOKEN"`
	DBPassword      string `envconfig:"PUSH_DB_PASSWORD"`
}

func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")

	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	var sec secrets
	if err := envconfig.Process("", &sec); err != nil {
		return nil, fmt.Errorf("failed to read secrets from environment: %w", err)
	}
	if sec.APNSKey != "" {
		config.Push.APNS.Key = sec.APNSKey
	}
	if sec.FCMCredentials != "" {
		config.Push.FCM.CredentialsJSON = sec.FCMCredentials
	}
	if sec.ExpoAccessToken != "" {
		config.Push.Expo.AccessToken = sec.ExpoAccessToken
	}
	if sec.DBPassword != "" {
		config.Database.Password = sec.DBPassword
	}

	return &config, nil
}
