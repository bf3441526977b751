// Package config loads service configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"

	"github.com/Sternrassler/woo-export/pkg/export"
)

// DefaultConfigFile is read when CONFIG_FILE is not set.
const DefaultConfigFile = ".env.yaml"

// Config holds the full service configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogPretty bool

	Redis    RedisConfig
	Source   SourceConfig
	Entities EntitiesConfig
	Tasks    TasksConfig
	S3       S3Config
	Dispatch DispatchConfig
}

// RedisConfig configures the Redis connection used by the task queue and ledger.
type RedisConfig struct {
	URL      string // host:port or redis:// URL
	Password string
	DB       int
}

// Options returns go-redis options. URL may be a plain host:port or a
// redis:// URL; password and DB settings apply to the plain form only.
func (r RedisConfig) Options() (*redis.Options, error) {
	if strings.HasPrefix(r.URL, "redis://") || strings.HasPrefix(r.URL, "rediss://") {
		opts, err := redis.ParseURL(r.URL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return opts, nil
	}
	return &redis.Options{
		Addr:     r.URL,
		Password: r.Password,
		DB:       r.DB,
	}, nil
}

// SourceConfig configures access to the shop REST API.
type SourceConfig struct {
	Username  string
	Password  string
	PerPage   int
	UserAgent string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int

	// MaxPages caps the page count accepted from the shop and fanned out
	MaxPages int
}

// EntitiesConfig holds per-entity endpoints and buckets.
type EntitiesConfig struct {
	OrdersEndpoint   string
	ProductsEndpoint string
	OrdersBucket     string
	ProductsBucket   string
}

// TasksConfig configures fan-out task creation.
type TasksConfig struct {
	// Endpoint is the public base URL of this service; page tasks call back into it
	Endpoint    string
	Audience    string
	Token       string
	Spacing     time.Duration
	Concurrency int
	Queue       string
}

// S3Config configures the object store.
type S3Config struct {
	Endpoint   string
	AccessKey  string
	SecretKey  string
	Region     string
	UseSSL     bool
	VerifyETag bool
}

// DispatchConfig configures the task dispatcher.
type DispatchConfig struct {
	Workers      int
	PollInterval time.Duration
	MaxAttempts  int
	Lease        time.Duration
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_PRETTY", false)

	v.SetDefault("REDIS_URL", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)

	v.SetDefault("USERNAME", "")
	v.SetDefault("PASSWORD", "")
	v.SetDefault("PER_PAGE", 100)
	v.SetDefault("USER_AGENT", "woo-export/0.1.0")
	v.SetDefault("SOURCE_TIMEOUT", "30s")
	v.SetDefault("SOURCE_RATE_LIMIT", 2.0)
	v.SetDefault("SOURCE_RATE_BURST", 2)
	v.SetDefault("MAX_PAGES", 10000)

	v.SetDefault("ORDERS_ENDPOINT", "")
	v.SetDefault("PRODUCTS_ENDPOINT", "")
	v.SetDefault("ORDERS_BUCKET", "")
	v.SetDefault("PRODUCTS_BUCKET", "")

	v.SetDefault("ENDPOINT", "")
	v.SetDefault("TASK_AUDIENCE", "")
	v.SetDefault("TASK_TOKEN", "")
	v.SetDefault("TASK_SPACING", "12s")
	v.SetDefault("TASK_CONCURRENCY", 1)
	v.SetDefault("QUEUE", "woo-export")

	v.SetDefault("S3_ENDPOINT", "localhost:9000")
	v.SetDefault("S3_ACCESS_KEY", "")
	v.SetDefault("S3_SECRET_KEY", "")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_USE_SSL", false)
	v.SetDefault("S3_VERIFY_ETAG", true)

	v.SetDefault("DISPATCH_WORKERS", 4)
	v.SetDefault("DISPATCH_POLL_INTERVAL", "1s")
	v.SetDefault("DISPATCH_MAX_ATTEMPTS", 5)
	v.SetDefault("DISPATCH_LEASE", "10m")
}

// Load reads the configuration file named by CONFIG_FILE (default .env.yaml)
// when it exists and applies environment overrides.
func Load() (*Config, error) {
	path := os.Getenv("CONFIG_FILE")
	if path == "" {
		path = DefaultConfigFile
	}
	return LoadFile(path)
}

// LoadFile is Load with an explicit file path. A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("read config file %s: %w", path, err)
			}
		}
	}

	cfg := &Config{
		Port:      v.GetString("PORT"),
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogPretty: v.GetBool("LOG_PRETTY"),
		Redis: RedisConfig{
			URL:      v.GetString("REDIS_URL"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Source: SourceConfig{
			Username:  v.GetString("USERNAME"),
			Password:  v.GetString("PASSWORD"),
			PerPage:   v.GetInt("PER_PAGE"),
			UserAgent: v.GetString("USER_AGENT"),
			Timeout:   v.GetDuration("SOURCE_TIMEOUT"),
			RateLimit: v.GetFloat64("SOURCE_RATE_LIMIT"),
			RateBurst: v.GetInt("SOURCE_RATE_BURST"),
			MaxPages:  v.GetInt("MAX_PAGES"),
		},
		Entities: EntitiesConfig{
			OrdersEndpoint:   v.GetString("ORDERS_ENDPOINT"),
			ProductsEndpoint: v.GetString("PRODUCTS_ENDPOINT"),
			OrdersBucket:     v.GetString("ORDERS_BUCKET"),
			ProductsBucket:   v.GetString("PRODUCTS_BUCKET"),
		},
		Tasks: TasksConfig{
			Endpoint:    strings.TrimRight(v.GetString("ENDPOINT"), "/"),
			Audience:    v.GetString("TASK_AUDIENCE"),
			Token:       v.GetString("TASK_TOKEN"),
			Spacing:     v.GetDuration("TASK_SPACING"),
			Concurrency: v.GetInt("TASK_CONCURRENCY"),
			Queue:       v.GetString("QUEUE"),
		},
		S3: S3Config{
			Endpoint:   v.GetString("S3_ENDPOINT"),
			AccessKey:  v.GetString("S3_ACCESS_KEY"),
			SecretKey:  v.GetString("S3_SECRET_KEY"),
			Region:     v.GetString("S3_REGION"),
			UseSSL:     v.GetBool("S3_USE_SSL"),
			VerifyETag: v.GetBool("S3_VERIFY_ETAG"),
		},
		Dispatch: DispatchConfig{
			Workers:      v.GetInt("DISPATCH_WORKERS"),
			PollInterval: v.GetDuration("DISPATCH_POLL_INTERVAL"),
			MaxAttempts:  v.GetInt("DISPATCH_MAX_ATTEMPTS"),
			Lease:        v.GetDuration("DISPATCH_LEASE"),
		},
	}

	// The audience defaults to the callback endpoint, like an identity token bound to the target service.
	if cfg.Tasks.Audience == "" {
		cfg.Tasks.Audience = cfg.Tasks.Endpoint
	}

	return cfg, nil
}

// Validate checks the settings the export service cannot run without.
func (c *Config) Validate() error {
	var problems []string
	require := func(value, key string) {
		if strings.TrimSpace(value) == "" {
			problems = append(problems, key+" is required")
		}
	}

	require(c.Port, "PORT")
	require(c.Redis.URL, "REDIS_URL")
	require(c.Source.Username, "USERNAME")
	require(c.Source.Password, "PASSWORD")
	require(c.Entities.OrdersEndpoint, "ORDERS_ENDPOINT")
	require(c.Entities.ProductsEndpoint, "PRODUCTS_ENDPOINT")
	require(c.Entities.OrdersBucket, "ORDERS_BUCKET")
	require(c.Entities.ProductsBucket, "PRODUCTS_BUCKET")
	require(c.Tasks.Endpoint, "ENDPOINT")
	require(c.S3.Endpoint, "S3_ENDPOINT")

	if c.Source.PerPage < 1 || c.Source.PerPage > 100 {
		problems = append(problems, fmt.Sprintf("PER_PAGE must be between 1 and 100 (got %d)", c.Source.PerPage))
	}
	if c.Source.MaxPages < 1 {
		problems = append(problems, "MAX_PAGES must be at least 1")
	}
	if c.Tasks.Spacing <= 0 {
		problems = append(problems, "TASK_SPACING must be positive")
	}
	if c.Tasks.Concurrency < 1 {
		problems = append(problems, "TASK_CONCURRENCY must be at least 1")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateDispatcher checks the settings the task dispatcher needs.
func (c *Config) ValidateDispatcher() error {
	var problems []string
	if strings.TrimSpace(c.Redis.URL) == "" {
		problems = append(problems, "REDIS_URL is required")
	}
	if c.Dispatch.Workers < 1 {
		problems = append(problems, "DISPATCH_WORKERS must be at least 1")
	}
	if c.Dispatch.PollInterval <= 0 {
		problems = append(problems, "DISPATCH_POLL_INTERVAL must be positive")
	}
	if c.Dispatch.MaxAttempts < 1 {
		problems = append(problems, "DISPATCH_MAX_ATTEMPTS must be at least 1")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Registry builds the entity registry from the per-entity settings.
func (c *Config) Registry() (*export.Registry, error) {
	return export.NewRegistry(
		export.EntityConfig{
			Entity:   export.EntityOrders,
			Endpoint: c.Entities.OrdersEndpoint,
			Bucket:   c.Entities.OrdersBucket,
		},
		export.EntityConfig{
			Entity:   export.EntityProducts,
			Endpoint: c.Entities.ProductsEndpoint,
			Bucket:   c.Entities.ProductsBucket,
		},
	)
}

// Buckets returns the distinct buckets of all entities.
func (c *Config) Buckets() []string {
	seen := make(map[string]bool)
	var out []string
	for _, b := range []string{c.Entities.OrdersBucket, c.Entities.ProductsBucket} {
		if b != "" && !seen[b] {
			seen[b] = true
			out = append(out, b)
		}
	}
	return out
}
