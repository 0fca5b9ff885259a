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
				assert.Equal(t, "renderq_db", cfg.Database.Database)
				assert.Equal(t, "renderq.jobs", cfg.RabbitMQ.Exchange)
				assert.Equal(t, "renderq.jobs.available", cfg.RabbitMQ.Queue)
				assert.Equal(t, "renderq.events", cfg.RabbitMQ.NotifyExchange)
				assert.Equal(t, "renderq-api", cfg.App.Name)
				assert.Equal(t, 3, cfg.Admission.MaxConcurrentPerUser)
				assert.Equal(t, 30*time.Minute, cfg.Admission.StaleAfter)
				assert.Equal(t, 4, cfg.Worker.Concurrency)
				assert.Equal(t, 5*time.Minute, cfg.Worker.JobTimeout)
				assert.Equal(t, time.Minute, cfg.Sweeper.Interval)
			}
		})
	}
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "renderq_db",
		},
		RabbitMQ: RabbitMQConfig{
			Host:           "localhost",
			Port:           5672,
			Exchange:       "renderq.jobs",
			Queue:          "renderq.jobs.available",
			NotifyExchange: "renderq.events",
		},
		Admission: AdmissionConfig{
			MaxConcurrentPerUser: 3,
			StaleAfter:           30 * time.Minute,
			RetryLimit:           3,
		},
		Worker: WorkerConfig{
			Concurrency:  4,
			JobTimeout:   5 * time.Minute,
			DrainTimeout: 30 * time.Second,
		},
		Render: RenderConfig{
			OutputRoot: "/tmp/renderq/out",
		},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
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
			name:      "empty rabbitmq host",
			mutate:    func(c *Config) { c.RabbitMQ.Host = "" },
			wantErr:   true,
			errString: "rabbitmq host is required",
		},
		{
			name:      "empty exchange",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange = "" },
			wantErr:   true,
			errString: "rabbitmq exchange is required",
		},
		{
			name:      "empty queue",
			mutate:    func(c *Config) { c.RabbitMQ.Queue = "" },
			wantErr:   true,
			errString: "rabbitmq queue is required",
		},
		{
			name:      "empty notify exchange",
			mutate:    func(c *Config) { c.RabbitMQ.NotifyExchange = "" },
			wantErr:   true,
			errString: "rabbitmq notify_exchange is required",
		},
		{
			name:      "zero concurrency cap",
			mutate:    func(c *Config) { c.Admission.MaxConcurrentPerUser = 0 },
			wantErr:   true,
			errString: "max_concurrent_per_user must be greater than 0",
		},
		{
			name:      "zero stale cutoff",
			mutate:    func(c *Config) { c.Admission.StaleAfter = 0 },
			wantErr:   true,
			errString: "stale_after must be greater than 0",
		},
		{
			name:      "negative retry limit",
			mutate:    func(c *Config) { c.Admission.RetryLimit = -1 },
			wantErr:   true,
			errString: "retry_limit must not be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
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
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "zero job timeout",
			mutate:    func(c *Config) { c.Worker.JobTimeout = 0 },
			wantErr:   true,
			errString: "worker job_timeout must be greater than 0",
		},
		{
			name:      "zero drain timeout",
			mutate:    func(c *Config) { c.Worker.DrainTimeout = 0 },
			wantErr:   true,
			errString: "worker drain_timeout must be greater than 0",
		},
		{
			name:      "missing output root",
			mutate:    func(c *Config) { c.Render.OutputRoot = "" },
			wantErr:   true,
			errString: "render output_root is required",
		},
		{
			name:      "shared validation still applies",
			mutate:    func(c *Config) { c.RabbitMQ.Queue = "" },
			wantErr:   true,
			errString: "rabbitmq queue is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestLoad_ValidateIntegration(t *testing.T) {
	t.Run("load and validate valid config", func(t *testing.T) {
		cfg, err := Load("testdata/valid_config.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		require.NoError(t, cfg.ValidateAPIConfig())
		require.NoError(t, cfg.ValidateWorkerConfig())
	})

	t.Run("load config with invalid port", func(t *testing.T) {
		cfg, err := Load("testdata/invalid_port.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid server port")
	})

	t.Run("load config with missing database", func(t *testing.T) {
		cfg, err := Load("testdata/missing_database.yaml")
		require.NoError(t, err)
		require.NotNil(t, cfg)

		err = cfg.ValidateAPIConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "database name is required")
	})
}
