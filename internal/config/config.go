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
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	RabbitMQ  RabbitMQConfig  `yaml:"rabbitmq"`
	Logging   LoggingConfig   `yaml:"logging"`
	App       AppConfig       `yaml:"app"`
	Admission AdmissionConfig `yaml:"admission"`
	Worker    WorkerConfig    `yaml:"worker"`
	Render    RenderConfig    `yaml:"render"`
	Health    HealthConfig    `yaml:"health"`
	Sweeper   SweeperConfig   `yaml:"sweeper"`
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

// RabbitMQConfig holds RabbitMQ connection and topology configuration.
// The work queue carries job announcements; the notify exchange fans out
// lifecycle events to any interested listener.
type RabbitMQConfig struct {
	Host           string           `yaml:"host"`
	Port           int              `yaml:"port"`
	User           string           `yaml:"user"`
	Password       string           `yaml:"password"`
	VHost          string           `yaml:"vhost"`
	Exchange       string           `yaml:"exchange"`
	Queue          string           `yaml:"queue"`
	RoutingKey     string           `yaml:"routing_key"`
	NotifyExchange string           `yaml:"notify_exchange"`
	Connection     ConnectionConfig `yaml:"connection"`
	Consumer       ConsumerConfig   `yaml:"consumer"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts int           `yaml:"retry_attempts"`
	RetryInterval time.Duration `yaml:"retry_interval"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int    `yaml:"prefetch_count"`
	Tag           string `yaml:"tag"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// AdmissionConfig holds submission gating configuration
type AdmissionConfig struct {
	MaxConcurrentPerUser int           `yaml:"max_concurrent_per_user"`
	StaleAfter           time.Duration `yaml:"stale_after"`
	RetryLimit           int           `yaml:"retry_limit"`
	RetryDelay           time.Duration `yaml:"retry_delay"`
	ExpireIn             time.Duration `yaml:"expire_in"`
	BreakerThreshold     int           `yaml:"breaker_threshold"`
	BreakerResetTimeout  time.Duration `yaml:"breaker_reset_timeout"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID           string        `yaml:"id"`
	Concurrency  int           `yaml:"concurrency"`
	JobTimeout   time.Duration `yaml:"job_timeout"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// RenderConfig holds render output configuration
type RenderConfig struct {
	WorkDir     string        `yaml:"work_dir"`
	OutputRoot  string        `yaml:"output_root"`
	OutputBase  string        `yaml:"output_base_url"`
	MinDuration time.Duration `yaml:"min_duration"`
	MaxDuration time.Duration `yaml:"max_duration"`
}

// HealthConfig holds health monitor configuration
type HealthConfig struct {
	Interval         time.Duration `yaml:"interval"`
	RecentWindow     time.Duration `yaml:"recent_window"`
	BacklogCeiling   int           `yaml:"backlog_ceiling"`
	FailureMargin    int           `yaml:"failure_margin"`
	ArchiveThreshold int           `yaml:"archive_threshold"`
	ArchiveRetention time.Duration `yaml:"archive_retention"`
	ArchiveBatch     int           `yaml:"archive_batch"`
}

// SweeperConfig holds stale-row recovery configuration
type SweeperConfig struct {
	Interval time.Duration `yaml:"interval"`
	MinAge   time.Duration `yaml:"min_age"`
	Batch    int           `yaml:"batch"`
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

	return &config, nil
}

func (c *Config) validateShared() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange == "" {
		return fmt.Errorf("rabbitmq exchange is required")
	}

	if c.RabbitMQ.Queue == "" {
		return fmt.Errorf("rabbitmq queue is required")
	}

	if c.RabbitMQ.NotifyExchange == "" {
		return fmt.Errorf("rabbitmq notify_exchange is required")
	}

	return nil
}

// ValidateAPIConfig checks the fields the API service depends on
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Admission.MaxConcurrentPerUser <= 0 {
		return fmt.Errorf("admission max_concurrent_per_user must be greater than 0")
	}

	if c.Admission.StaleAfter <= 0 {
		return fmt.Errorf("admission stale_after must be greater than 0")
	}

	if c.Admission.RetryLimit < 0 {
		return fmt.Errorf("admission retry_limit must not be negative")
	}

	return nil
}

// ValidateWorkerConfig checks the fields the worker service depends on
func (c *Config) ValidateWorkerConfig() error {
	if err := c.validateShared(); err != nil {
		return err
	}

	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.JobTimeout <= 0 {
		return fmt.Errorf("worker job_timeout must be greater than 0")
	}

	if c.Worker.DrainTimeout <= 0 {
		return fmt.Errorf("worker drain_timeout must be greater than 0")
	}

	if c.Render.OutputRoot == "" {
		return fmt.Errorf("render output_root is required")
	}

	return nil
}
