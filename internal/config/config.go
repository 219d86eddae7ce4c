package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Job store drivers
const (
	StoreDriverPostgres = "postgres"
	StoreDriverSQLite   = "sqlite"
	StoreDriverMongoDB  = "mongodb"
	StoreDriverMemory   = "memory"
)

// Config represents the complete application configuration
type Config struct {
	App      AppConfig      `yaml:"app"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`
	Store    StoreConfig    `yaml:"store"`
	Database DatabaseConfig `yaml:"database"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	MongoDB  MongoDBConfig  `yaml:"mongodb"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Worker   WorkerConfig   `yaml:"worker"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Delivery DeliveryConfig `yaml:"delivery"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxBodyBytes caps intake payloads.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`
}

// StoreConfig selects the job store backend
type StoreConfig struct {
	Driver string `yaml:"driver"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// SQLiteConfig holds the embedded database location
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// MongoDBConfig holds MongoDB connection configuration
type MongoDBConfig struct {
	URI            string        `yaml:"uri"`
	Database       string        `yaml:"database"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	MaxPoolSize    uint64        `yaml:"max_pool_size"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	// Enabled turns on trigger publishing from the API service. The worker
	// service always needs RabbitMQ.
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      QueueConfig      `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// QueueConfig holds RabbitMQ queue configuration
type QueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level        string `yaml:"level"`
	Format       string `yaml:"format"`
	Output       string `yaml:"output"`
	EnableCaller bool   `yaml:"enable_caller"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	Concurrency     int           `yaml:"concurrency"`
	CycleTimeout    time.Duration `yaml:"cycle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// DispatchInterval and RetryInterval schedule periodic triggers. Zero
	// disables the schedule and leaves triggering to external publishers.
	DispatchInterval time.Duration `yaml:"dispatch_interval"`
	RetryInterval    time.Duration `yaml:"retry_interval"`
}

// PipelineConfig holds dispatch limits and per-origin policies
type PipelineConfig struct {
	FanOutConcurrency int            `yaml:"fan_out_concurrency"`
	ReplayConcurrency int            `yaml:"replay_concurrency"`
	RecordTimeout     time.Duration  `yaml:"record_timeout"`
	Origins           []OriginConfig `yaml:"origins"`
}

// OriginConfig holds the policy of one origin
type OriginConfig struct {
	Name       string   `yaml:"name"`
	Collection string   `yaml:"collection"`
	BatchSize  int      `yaml:"batch_size"`
	RetryLimit int      `yaml:"retry_limit"`
	JobTypes   []string `yaml:"job_types"`
}

// DeliveryConfig holds the destination adapters
type DeliveryConfig struct {
	Salesforce SalesforceConfig `yaml:"salesforce"`
	CommCare   CommCareConfig   `yaml:"commcare"`
	Relational RelationalConfig `yaml:"relational"`
}

// RateLimitConfig caps requests per second towards a destination
type RateLimitConfig struct {
	PerSecond float64 `yaml:"per_second"`
	Burst     int     `yaml:"burst"`
}

// SalesforceConfig holds CRM REST settings
type SalesforceConfig struct {
	LoginURL     string          `yaml:"login_url"`
	InstanceURL  string          `yaml:"instance_url"`
	APIVersion   string          `yaml:"api_version"`
	ClientID     string          `yaml:"client_id"`
	ClientSecret string          `yaml:"client_secret"`
	Username     string          `yaml:"username"`
	Password     string          `yaml:"password"`
	AccessToken  string          `yaml:"access_token"`
	Timeout      time.Duration   `yaml:"timeout"`
	RateLimit    RateLimitConfig `yaml:"rate_limit"`
}

// CommCareConfig holds field-platform submission settings
type CommCareConfig struct {
	SubmitURL string          `yaml:"submit_url"`
	Username  string          `yaml:"username"`
	APIKey    string          `yaml:"api_key"`
	OwnerID   string          `yaml:"owner_id"`
	UserID    string          `yaml:"user_id"`
	Timeout   time.Duration   `yaml:"timeout"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// RelationalConfig holds the target database of relational upserts
type RelationalConfig struct {
	Driver     string          `yaml:"driver"`
	Postgres   DatabaseConfig  `yaml:"postgres"`
	SQLitePath string          `yaml:"sqlite_path"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default}. Bare $ is left alone so
// secrets containing it survive.
func expandEnv(data []byte) []byte {
	return envRef.ReplaceAllFunc(data, func(m []byte) []byte {
		sub := envRef.FindSubmatch(m)
		if v, ok := os.LookupEnv(string(sub[1])); ok {
			return []byte(v)
		}
		return sub[2]
	})
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(expandEnv(data), &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()
	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Store.Driver == "" {
		c.Store.Driver = StoreDriverPostgres
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 10 << 20
	}
	if c.Delivery.Relational.Driver == "" {
		c.Delivery.Relational.Driver = StoreDriverPostgres
	}
	// Relational upserts go to the job database unless a target is named.
	if c.Delivery.Relational.Driver == StoreDriverPostgres && c.Delivery.Relational.Postgres.Host == "" {
		c.Delivery.Relational.Postgres = c.Database
	}
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if c.RabbitMQ.Enabled {
		if err := c.validateRabbitMQ(); err != nil {
			return err
		}
	}

	return c.validatePipeline()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.DispatchInterval < 0 || c.Worker.RetryInterval < 0 {
		return fmt.Errorf("worker dispatch_interval and retry_interval must not be negative")
	}

	if err := c.validateStore(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	return c.validatePipeline()
}

func (c *Config) validateStore() error {
	switch c.Store.Driver {
	case StoreDriverPostgres:
		return c.Database.validate("database")
	case StoreDriverSQLite:
		if c.SQLite.Path == "" {
			return fmt.Errorf("sqlite path is required")
		}
	case StoreDriverMongoDB:
		if c.MongoDB.URI == "" {
			return fmt.Errorf("mongodb uri is required")
		}
		if c.MongoDB.Database == "" {
			return fmt.Errorf("mongodb database is required")
		}
	case StoreDriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}

func (d DatabaseConfig) validate(section string) error {
	if d.Host == "" {
		return fmt.Errorf("%s host is required", section)
	}

	if d.Port < MinPort || d.Port > MaxPort {
		return fmt.Errorf("invalid %s port: %d (must be between %d and %d)", section, d.Port, MinPort, MaxPort)
	}

	if d.Database == "" {
		return fmt.Errorf("%s name is required", section)
	}
	return nil
}

func (c *Config) validateRabbitMQ() error {
	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validatePipeline() error {
	if len(c.Pipeline.Origins) == 0 {
		return errors.New("at least one pipeline origin is required")
	}

	if c.Pipeline.FanOutConcurrency < 0 || c.Pipeline.ReplayConcurrency < 0 {
		return errors.New("pipeline concurrency must not be negative")
	}

	seen := make(map[string]bool, len(c.Pipeline.Origins))
	for _, o := range c.Pipeline.Origins {
		if o.Name == "" {
			return errors.New("pipeline origin name is required")
		}
		if seen[o.Name] {
			return fmt.Errorf("duplicate pipeline origin %q", o.Name)
		}
		seen[o.Name] = true

		if o.BatchSize < 0 || o.RetryLimit < 0 {
			return fmt.Errorf("origin %s: batch_size and retry_limit must not be negative", o.Name)
		}
	}

	switch c.Delivery.Relational.Driver {
	case StoreDriverPostgres, StoreDriverSQLite:
	default:
		return fmt.Errorf("unknown relational delivery driver %q", c.Delivery.Relational.Driver)
	}

	return nil
}

// Collections maps origin name to its document store collection.
func (c *Config) Collections() map[string]string {
	out := make(map[string]string, len(c.Pipeline.Origins))
	for _, o := range c.Pipeline.Origins {
		out[o.Name] = o.Collection
	}
	return out
}
