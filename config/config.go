package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the billwatch pipeline.
type Config struct {
	General  GeneralConfig  `mapstructure:"general"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Congress CongressConfig `mapstructure:"congress"`
	OpenAI   OpenAIConfig   `mapstructure:"openai"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
}

// GeneralConfig contains general application settings.
type GeneralConfig struct {
	Debug    bool   `mapstructure:"debug"`
	LogLevel string `mapstructure:"log_level"`
	Listen   string `mapstructure:"listen"`
}

// StorageConfig contains storage and persistence settings.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig contains Postgres connection settings.
type PostgresConfig struct {
	URL      string        `mapstructure:"url"`
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	User     string        `mapstructure:"user"`
	Password string        `mapstructure:"password"`
	DBName   string        `mapstructure:"dbname"`
	SSLMode  string        `mapstructure:"sslmode"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (p PostgresConfig) Validate() error {
	if strings.TrimSpace(p.URL) != "" {
		return nil
	}
	if strings.TrimSpace(p.Host) == "" {
		return fmt.Errorf("storage.postgres.host required when url is not provided")
	}
	if strings.TrimSpace(p.DBName) == "" {
		return fmt.Errorf("storage.postgres.dbname required when url is not provided")
	}
	return nil
}

// DSN assembles a postgres connection string from the configured parts.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (r RedisConfig) Validate() error {
	if strings.TrimSpace(r.Host) == "" {
		return fmt.Errorf("storage.redis.host required")
	}
	if strings.TrimSpace(r.Port) == "" {
		return fmt.Errorf("storage.redis.port required")
	}
	return nil
}

// Addr returns host:port for the redis client.
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%s", r.Host, r.Port)
}

// CongressConfig contains settings for the upstream legislative record API.
type CongressConfig struct {
	APIKey   string        `mapstructure:"api_key"`
	Endpoint string        `mapstructure:"endpoint"`
	PageSize int           `mapstructure:"page_size"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

func (c CongressConfig) Validate() error {
	if strings.TrimSpace(c.APIKey) == "" {
		return fmt.Errorf("congress.api_key required")
	}
	return nil
}

// OpenAIConfig contains model provider settings.
type OpenAIConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

func (o OpenAIConfig) Validate() error {
	if strings.TrimSpace(o.APIKey) == "" {
		return fmt.Errorf("openai.api_key required")
	}
	return nil
}

// TelegramConfig contains the operator notification channel settings.
// Notifications are optional; an empty token disables them.
type TelegramConfig struct {
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// PipelineConfig contains batch sizes, quotas and lease behaviour for the stages.
type PipelineConfig struct {
	FetchBatchSize   int           `mapstructure:"fetch_batch_size"`
	ModelBatchSize   int           `mapstructure:"model_batch_size"`
	DailyQuota       int           `mapstructure:"daily_quota"`
	LeaseTTL         time.Duration `mapstructure:"lease_ttl"`
	MaxDeliveries    int64         `mapstructure:"max_deliveries"`
	MaxInvocations   int           `mapstructure:"max_invocations"`
	TopicSubjects    []string      `mapstructure:"topic_subjects"`
	Categories       []string      `mapstructure:"categories"`
	CollectorCron    string        `mapstructure:"collector_cron"`
	SummaryMaxLength int           `mapstructure:"summary_max_length"`
	EmbeddingDims    int           `mapstructure:"embedding_dims"`
}

func (p PipelineConfig) Validate() error {
	if p.FetchBatchSize <= 0 {
		return fmt.Errorf("pipeline.fetch_batch_size must be > 0")
	}
	if p.ModelBatchSize <= 0 {
		return fmt.Errorf("pipeline.model_batch_size must be > 0")
	}
	if p.DailyQuota <= 0 {
		return fmt.Errorf("pipeline.daily_quota must be > 0")
	}
	if p.MaxDeliveries <= 0 {
		return fmt.Errorf("pipeline.max_deliveries must be > 0")
	}
	if len(p.Categories) == 0 {
		return fmt.Errorf("pipeline.categories must not be empty")
	}
	return nil
}

// LoadConfig loads config from file, falling back to well-known locations
// and BILLWATCH_* environment variables.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.listen", ":10010")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("congress.endpoint", "https://api.congress.gov/v3")
	viper.SetDefault("congress.page_size", 250)
	viper.SetDefault("congress.timeout", 30*time.Second)
	viper.SetDefault("openai.completion_model", "gpt-4o-mini")
	viper.SetDefault("openai.embedding_model", "text-embedding-3-small")
	viper.SetDefault("openai.timeout", 60*time.Second)
	viper.SetDefault("pipeline.fetch_batch_size", 10)
	viper.SetDefault("pipeline.model_batch_size", 20)
	viper.SetDefault("pipeline.daily_quota", 4500)
	viper.SetDefault("pipeline.lease_ttl", 5*time.Minute)
	viper.SetDefault("pipeline.max_deliveries", 5)
	viper.SetDefault("pipeline.max_invocations", 500)
	viper.SetDefault("pipeline.topic_subjects", []string{"Health"})
	viper.SetDefault("pipeline.categories", []string{
		"Healthcare Costs",
		"Public Health",
		"Health Insurance",
		"Pharmaceuticals",
		"Mental Health",
		"Medical Research",
	})
	viper.SetDefault("pipeline.collector_cron", "0 6 * * *")
	viper.SetDefault("pipeline.summary_max_length", 1000)
	viper.SetDefault("pipeline.embedding_dims", 1536)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		exe, _ := os.Executable()
		exeDir := filepath.Dir(exe)
		viper.AddConfigPath(exeDir)
		viper.AddConfigPath(filepath.Join(exeDir, ".."))
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("BILLWATCH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// config file is optional when everything arrives via env
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			panic(fmt.Errorf("fatal error config file: %w", err))
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		panic(fmt.Errorf("fatal error config file: %w", err))
	}

	for _, v := range []error{
		config.Storage.Postgres.Validate(),
		config.Storage.Redis.Validate(),
		config.Congress.Validate(),
		config.OpenAI.Validate(),
		config.Pipeline.Validate(),
	} {
		if v != nil {
			panic(v)
		}
	}
	return &config
}
