package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Queries  QueriesConfig  `yaml:"queries"`
	Schema   SchemaConfig   `yaml:"schema"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
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

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PoolSize     int           `yaml:"pool_size"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration
type RabbitMQConfig struct {
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queues     []QueueConfig    `yaml:"queues"`
	Connection ConnectionConfig `yaml:"connection"`
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

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int `yaml:"prefetch_count"`
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
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Queues          []string      `yaml:"queues"`
}

// QueriesConfig holds query dispatch configuration
type QueriesConfig struct {
	// JobExpiry bounds how long a dedup registry entry may outlive its job.
	JobExpiry          time.Duration `yaml:"job_expiry"`
	TaskMetaExpiry     time.Duration `yaml:"task_meta_expiry"`
	AdhocTimeLimit     time.Duration `yaml:"adhoc_time_limit"`
	ScheduledTimeLimit time.Duration `yaml:"scheduled_time_limit"`
	AdhocQueue         string        `yaml:"adhoc_queue"`
	ScheduledQueue     string        `yaml:"scheduled_queue"`
}

// SchemaConfig holds schema cache and reconciliation configuration
type SchemaConfig struct {
	RefreshInterval    time.Duration `yaml:"refresh_interval"`
	StaleGracePeriod   time.Duration `yaml:"stale_grace_period"`
	RefreshTimeLimit   time.Duration `yaml:"refresh_time_limit"`
	RetentionDays      int           `yaml:"retention_days"`
	MaxTypeLength      int           `yaml:"max_type_length"`
	SampleMaxLength    int           `yaml:"sample_max_length"`
	SampleRefreshDays  int           `yaml:"sample_refresh_days"`
	SampleUpdateDays   int           `yaml:"sample_update_days"`
	TableSampleLimit   int           `yaml:"table_sample_limit"`
	RefreshQueue       string        `yaml:"refresh_queue"`
	SweepSchedule      string        `yaml:"sweep_schedule"`
}

// MetricsConfig holds statsd configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Prefix  string `yaml:"prefix"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills in defaults for optional settings
func (c *Config) applyDefaults() {
	if c.Queries.JobExpiry == 0 {
		c.Queries.JobExpiry = 12 * time.Hour
	}
	if c.Queries.TaskMetaExpiry == 0 {
		c.Queries.TaskMetaExpiry = 24 * time.Hour
	}
	if c.Queries.AdhocTimeLimit == 0 {
		c.Queries.AdhocTimeLimit = 30 * time.Minute
	}
	if c.Queries.ScheduledTimeLimit == 0 {
		c.Queries.ScheduledTimeLimit = time.Hour
	}
	if c.Queries.AdhocQueue == "" {
		c.Queries.AdhocQueue = "queries"
	}
	if c.Queries.ScheduledQueue == "" {
		c.Queries.ScheduledQueue = "scheduled_queries"
	}
	if c.Schema.RefreshInterval == 0 {
		c.Schema.RefreshInterval = 30 * time.Minute
	}
	if c.Schema.StaleGracePeriod == 0 {
		c.Schema.StaleGracePeriod = 10 * time.Minute
	}
	if c.Schema.RefreshTimeLimit == 0 {
		c.Schema.RefreshTimeLimit = 25 * time.Minute
	}
	if c.Schema.RetentionDays == 0 {
		c.Schema.RetentionDays = 60
	}
	if c.Schema.MaxTypeLength == 0 {
		c.Schema.MaxTypeLength = 250
	}
	if c.Schema.SampleMaxLength == 0 {
		c.Schema.SampleMaxLength = 4000
	}
	if c.Schema.SampleRefreshDays == 0 {
		c.Schema.SampleRefreshDays = 14
	}
	if c.Schema.SampleUpdateDays == 0 {
		c.Schema.SampleUpdateDays = 7
	}
	if c.Schema.TableSampleLimit == 0 {
		c.Schema.TableSampleLimit = 50
	}
	if c.Schema.RefreshQueue == "" {
		c.Schema.RefreshQueue = "schemas"
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	if c.Redis.Port < MinPort || c.Redis.Port > MaxPort {
		return fmt.Errorf("invalid redis port: %d (must be between %d and %d)", c.Redis.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if len(c.RabbitMQ.Queues) == 0 {
		return fmt.Errorf("at least one rabbitmq queue is required")
	}

	for _, q := range c.RabbitMQ.Queues {
		if q.Name == "" {
			return fmt.Errorf("rabbitmq queue name is required")
		}
	}

	// A dedup registry entry must never outlive its task state record,
	// otherwise lookups dedup onto a phantom never-terminal job
	if c.Queries.TaskMetaExpiry < c.Queries.JobExpiry {
		return fmt.Errorf("task meta expiry (%s) must not be shorter than job expiry (%s)", c.Queries.TaskMetaExpiry, c.Queries.JobExpiry)
	}

	return nil
}

// ValidateWorker checks worker specific settings
func (c *Config) ValidateWorker() error {
	if err := c.Validate(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if len(c.Worker.Queues) == 0 {
		return fmt.Errorf("worker must consume at least one queue")
	}

	return nil
}
