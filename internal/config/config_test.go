package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				// Verify some key fields are populated
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, 5432, cfg.Database.Port)
				assert.Equal(t, "redash_db", cfg.Database.Database)
				assert.Equal(t, 6379, cfg.Redis.Port)
				assert.Equal(t, "redash_exchange", cfg.RabbitMQ.Exchange.Name)
				assert.Len(t, cfg.RabbitMQ.Queues, 3)
				assert.Equal(t, "query-dispatch-api", cfg.App.Name)
				assert.Equal(t, 12*time.Hour, cfg.Queries.JobExpiry)
				assert.Equal(t, 30*time.Minute, cfg.Schema.RefreshInterval)
			}
		})
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	// Not present in the file, filled by applyDefaults
	assert.Equal(t, "queries", cfg.Queries.AdhocQueue)
	assert.Equal(t, "scheduled_queries", cfg.Queries.ScheduledQueue)
	assert.Equal(t, "schemas", cfg.Schema.RefreshQueue)
	assert.Equal(t, 4000, cfg.Schema.SampleMaxLength)
	assert.Equal(t, 50, cfg.Schema.TableSampleLimit)
	assert.Equal(t, 24*time.Hour, cfg.Queries.TaskMetaExpiry)
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "redash_db",
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		RabbitMQ: RabbitMQConfig{
			Host: "localhost",
			Port: 5672,
			Exchange: ExchangeConfig{
				Name: "redash_exchange",
			},
			Queues: []QueueConfig{
				{Name: "queries"},
			},
		},
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name:      "empty database name",
			mutate:    func(c *Config) { c.Database.Database = "" },
			wantErr:   true,
			errString: "database name is required",
		},
		{
			name:      "empty redis host",
			mutate:    func(c *Config) { c.Redis.Host = "" },
			wantErr:   true,
			errString: "redis host is required",
		},
		{
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name:      "no queues",
			mutate:    func(c *Config) { c.RabbitMQ.Queues = nil },
			wantErr:   true,
			errString: "at least one rabbitmq queue is required",
		},
		{
			name:      "empty queue name",
			mutate:    func(c *Config) { c.RabbitMQ.Queues = []QueueConfig{{Name: ""}} },
			wantErr:   true,
			errString: "rabbitmq queue name is required",
		},
		{
			name: "task meta expiry shorter than job expiry",
			mutate: func(c *Config) {
				c.Queries.JobExpiry = 12 * time.Hour
				c.Queries.TaskMetaExpiry = 6 * time.Hour
			},
			wantErr:   true,
			errString: "task meta expiry",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorker(t *testing.T) {
	cfg := validConfig()
	cfg.Worker = WorkerConfig{Concurrency: 4, Queues: []string{"queries"}}
	require.NoError(t, cfg.ValidateWorker())

	cfg.Worker.Concurrency = 0
	err := cfg.ValidateWorker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker concurrency must be greater than 0")

	cfg.Worker.Concurrency = 4
	cfg.Worker.Queues = nil
	err = cfg.ValidateWorker()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "worker must consume at least one queue")
}
