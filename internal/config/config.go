package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
)

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `json:"server"`
	Database DatabaseConfig `json:"database"`
	Security SecurityConfig `json:"security"`
	Market   MarketConfig   `json:"market"`
	Logging  LoggingConfig  `json:"logging"`
	Workers  WorkersConfig  `json:"workers"`
}

// ServerConfig represents server configuration
type ServerConfig struct {
	Host         string        `json:"host"`
	Port         int           `json:"port"`
	ReadTimeout  time.Duration `json:"read_timeout"`
	WriteTimeout time.Duration `json:"write_timeout"`
	IdleTimeout  time.Duration `json:"idle_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	// Driver is "postgres" or "sqlite".
	Driver         string        `json:"driver"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	User           string        `json:"user"`
	Password       string        `json:"password"`
	DBName         string        `json:"db_name"`
	SSLMode        string        `json:"ssl_mode"`
	SQLitePath     string        `json:"sqlite_path"`
	MaxConnections int           `json:"max_connections"`
	MaxIdleConns   int           `json:"max_idle_conns"`
	MaxLifetime    time.Duration `json:"max_lifetime"`
	LogQueries     bool          `json:"log_queries"`
}

// SecurityConfig
type SecurityConfig struct {
	JWTSecret string        `json:"jwt_secret"`
	TokenTTL  time.Duration `json:"token_ttl"`
}

// MarketConfig seeds the market settings on first start and names the
// bootstrap administrator.
type MarketConfig struct {
	FeeBps         uint16 `json:"fee_bps"`
	FeeRecipient   string `json:"fee_recipient"`
	BootstrapAdmin string `json:"bootstrap_admin"`
}

// LoggingConfig
type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

// WorkersConfig
type WorkersConfig struct {
	StatsSchedule string `json:"stats_schedule"`
}

// LoadConfig loads configuration from defaults, an optional JSON file, an
// optional .env file and the process environment, in that order.
func LoadConfig(configPath string) (*Config, error) {
	// Default config
	config := &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:         "postgres",
			Host:           "localhost",
			Port:           5432,
			User:           os.Getenv("USER"),
			DBName:         "credit_exchange",
			SSLMode:        "disable",
			MaxConnections: 25,
			MaxIdleConns:   5,
			MaxLifetime:    30 * time.Minute,
		},
		Security: SecurityConfig{
			TokenTTL: 24 * time.Hour,
		},
		Market: MarketConfig{
			FeeBps: 25,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Workers: WorkersConfig{
			StatsSchedule: "@every 5m",
		},
	}

	// Load from file if exists
	if configPath != "" {
		if data, err := os.ReadFile(configPath); err == nil {
			if err := json.Unmarshal(data, config); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		}
	}

	// .env never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	// Override with environment variables
	if err := overrideWithEnv(config); err != nil {
		return nil, err
	}

	return config, nil
}

func overrideWithEnv(config *Config) error {
	str := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		if v := os.Getenv(name); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = n
		}
		return nil
	}
	duration := func(name string, dst *time.Duration) error {
		if v := os.Getenv(name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s: %w", name, err)
			}
			*dst = d
		}
		return nil
	}

	str("SERVER_HOST", &config.Server.Host)
	if err := integer("SERVER_PORT", &config.Server.Port); err != nil {
		return err
	}

	str("DATABASE_DRIVER", &config.Database.Driver)
	str("DATABASE_HOST", &config.Database.Host)
	if err := integer("DATABASE_PORT", &config.Database.Port); err != nil {
		return err
	}
	str("DATABASE_USER", &config.Database.User)
	str("DATABASE_PASSWORD", &config.Database.Password)
	str("DATABASE_DBNAME", &config.Database.DBName)
	str("DATABASE_SSLMODE", &config.Database.SSLMode)
	str("DATABASE_SQLITE_PATH", &config.Database.SQLitePath)

	str("JWT_SECRET", &config.Security.JWTSecret)
	if err := duration("JWT_TOKEN_TTL", &config.Security.TokenTTL); err != nil {
		return err
	}

	if v := os.Getenv("MARKET_FEE_BPS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("MARKET_FEE_BPS: %w", err)
		}
		config.Market.FeeBps = uint16(n)
	}
	str("MARKET_FEE_RECIPIENT", &config.Market.FeeRecipient)
	str("MARKET_BOOTSTRAP_ADMIN", &config.Market.BootstrapAdmin)

	str("LOG_LEVEL", &config.Logging.Level)
	str("LOG_FORMAT", &config.Logging.Format)
	str("STATS_SCHEDULE", &config.Workers.StatsSchedule)
	return nil
}

// Validate reports the first setting the services cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Security.JWTSecret == "" {
		return errors.New("security.jwt_secret is required")
	}
	if c.Security.TokenTTL <= 0 {
		return errors.New("security.token_ttl must be positive")
	}
	if c.Market.FeeBps > 100 {
		return fmt.Errorf("market.fee_bps %d exceeds the maximum of 100", c.Market.FeeBps)
	}
	if _, err := c.Market.FeeRecipientID(); err != nil {
		return err
	}
	if c.Market.BootstrapAdmin != "" {
		if _, err := c.Market.BootstrapAdminID(); err != nil {
			return err
		}
	}
	return nil
}

// FeeRecipientID parses the configured fee recipient.
func (c *MarketConfig) FeeRecipientID() (uuid.UUID, error) {
	id, err := uuid.Parse(c.FeeRecipient)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("market.fee_recipient %q is not a valid principal", c.FeeRecipient)
	}
	return id, nil
}

// BootstrapAdminID parses the configured bootstrap admin. It returns uuid.Nil
// when none is configured.
func (c *MarketConfig) BootstrapAdminID() (uuid.UUID, error) {
	if c.BootstrapAdmin == "" {
		return uuid.Nil, nil
	}
	id, err := uuid.Parse(c.BootstrapAdmin)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("market.bootstrap_admin %q is not a valid principal", c.BootstrapAdmin)
	}
	return id, nil
}

// GetDatabaseURL returns the database connection string
func (c *DatabaseConfig) GetDatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.DBName, c.SSLMode)
}

// GetServerAddr returns the server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
