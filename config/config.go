package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	BackendSQL      = "sql"
	BackendDynamoDB = "dynamodb"
)

// Config is the effective server configuration. Values come from the YAML
// file (if any) and are then overridden by environment variables.
type Config struct {
	Port    string `yaml:"port"`
	GinMode string `yaml:"gin_mode"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Database  DatabaseConfig  `yaml:"database"`
	DynamoDB  DynamoDBConfig  `yaml:"dynamodb"`
	Provider  ProviderConfig  `yaml:"provider"`
	Migration MigrationConfig `yaml:"migration"`

	Timezone    string   `yaml:"timezone"`
	CORSOrigins []string `yaml:"cors_origins"`
}

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
	// ConversationBackend selects where conversations and messages live.
	// Users and credentials always stay in the SQL database.
	ConversationBackend string `yaml:"conversation_backend"`
}

type DynamoDBConfig struct {
	Endpoint    string `yaml:"endpoint"`
	Region      string `yaml:"region"`
	TablePrefix string `yaml:"table_prefix"`
}

type ProviderConfig struct {
	ID          string        `yaml:"id"`
	BaseURL     string        `yaml:"base_url"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float32       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

type MigrationConfig struct {
	Schedule string `yaml:"schedule"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:      "5001",
		GinMode:   "release",
		LogLevel:  "info",
		LogFormat: "json",
		Database: DatabaseConfig{
			Driver:              DriverSQLite,
			URL:                 "database/chathub.db",
			ConversationBackend: BackendSQL,
		},
		DynamoDB: DynamoDBConfig{
			Endpoint:    "http://localhost:8000",
			Region:      "us-east-1",
			TablePrefix: "chathub_",
		},
		Provider: ProviderConfig{
			ID:          "siliconflow",
			BaseURL:     "https://api.siliconflow.cn/v1",
			MaxTokens:   2048,
			Temperature: 0.7,
			Timeout:     30 * time.Second,
		},
		Migration: MigrationConfig{
			Schedule: "@every 10m",
		},
		Timezone:    "Asia/Shanghai",
		CORSOrigins: []string{"http://localhost:3000"},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path == "" {
		path = os.Getenv("CHATHUB_CONFIG")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.GinMode, "GIN_MODE")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.LogFormat, "LOG_FORMAT")
	setString(&c.Database.Driver, "DB_DRIVER")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Database.ConversationBackend, "CONVERSATION_BACKEND")
	setString(&c.DynamoDB.Endpoint, "DYNAMODB_ENDPOINT")
	setString(&c.DynamoDB.Region, "DYNAMODB_REGION")
	setString(&c.DynamoDB.TablePrefix, "DYNAMODB_TABLE_PREFIX")
	setString(&c.Provider.ID, "PROVIDER_ID")
	setString(&c.Provider.BaseURL, "PROVIDER_BASE_URL")
	setString(&c.Migration.Schedule, "MIGRATION_SCHEDULE")
	setString(&c.Timezone, "TIMEZONE")

	if v := os.Getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
	if v := os.Getenv("PROVIDER_MAX_TOKENS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PROVIDER_MAX_TOKENS: %w", err)
		}
		c.Provider.MaxTokens = n
	}
	if v := os.Getenv("PROVIDER_TEMPERATURE"); v != "" {
		f, err := strconv.ParseFloat(v, 32)
		if err != nil {
			return fmt.Errorf("PROVIDER_TEMPERATURE: %w", err)
		}
		c.Provider.Temperature = float32(f)
	}
	if v := os.Getenv("PROVIDER_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("PROVIDER_TIMEOUT: %w", err)
		}
		c.Provider.Timeout = d
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Database.ConversationBackend {
	case BackendSQL, BackendDynamoDB:
	default:
		return fmt.Errorf("unsupported conversation backend %q", c.Database.ConversationBackend)
	}
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required")
	}
	if c.Provider.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	if c.Provider.MaxTokens <= 0 {
		return fmt.Errorf("provider max tokens must be positive, got %d", c.Provider.MaxTokens)
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider timeout must be positive, got %s", c.Provider.Timeout)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + strings.TrimPrefix(c.Port, ":")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
