package rabbitmq

import (
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Config holds RabbitMQ connection configuration
type Config struct {
	Host          string
	Port          int
	User          string
	Password      string
	VHost         string
	RetryAttempts int
	RetryInterval time.Duration
	Heartbeat     time.Duration
}

// Client wraps a single AMQP connection. The work queue and the notification
// channel each own their own Client so a slow consumer on one cannot block
// publishes on the other; topology (exchanges, queues, bindings) is declared
// by the owning package, not here.
type Client struct {
	config *Config
	conn   *amqp.Connection
	logger *slog.Logger
	name   string
}

// NewClient dials RabbitMQ with bounded retries. The name labels the
// connection in logs (e.g. "queue", "notify-listener", "notify-publisher").
func NewClient(name string, config *Config, logger *slog.Logger) (*Client, error) {
	client := &Client{
		config: config,
		logger: logger,
		name:   name,
	}

	if err := client.connect(); err != nil {
		return nil, fmt.Errorf("failed to create RabbitMQ client %q: %w", name, err)
	}

	return client, nil
}

// URL builds the AMQP dial string from the configuration
func (c *Config) URL() string {
	return fmt.Sprintf("amqp://%s:%s@%s:%d%s",
		c.User,
		c.Password,
		c.Host,
		c.Port,
		c.VHost,
	)
}

// connect establishes the connection with retry logic
func (c *Client) connect() error {
	var err error

	amqpConfig := amqp.Config{
		Heartbeat: c.config.Heartbeat,
		Locale:    "en_US",
	}

	attempts := c.config.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}

	for attempt := 1; attempt <= attempts; attempt++ {
		c.logger.Info("Connecting to RabbitMQ",
			slog.String("connection", c.name),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", attempts),
		)

		c.conn, err = amqp.DialConfig(c.config.URL(), amqpConfig)
		if err == nil {
			c.logger.Info("Successfully connected to RabbitMQ",
				slog.String("connection", c.name),
			)
			return nil
		}

		c.logger.Error("Failed to connect to RabbitMQ",
			slog.String("connection", c.name),
			slog.Any("error", err),
			slog.Int("attempt", attempt),
		)

		if attempt < attempts {
			time.Sleep(c.config.RetryInterval)
		}
	}

	return fmt.Errorf("failed to connect to RabbitMQ after %d attempts: %w", attempts, err)
}

// Reconnect drops any existing connection and dials again. Callers must
// reopen channels and redeclare their topology afterwards.
func (c *Client) Reconnect() error {
	if c.conn != nil && !c.conn.IsClosed() {
		_ = c.conn.Close()
	}
	return c.connect()
}

// Channel opens a fresh channel on the connection
func (c *Client) Channel() (*amqp.Channel, error) {
	if c.conn == nil || c.conn.IsClosed() {
		return nil, fmt.Errorf("rabbitmq connection %q is closed", c.name)
	}

	ch, err := c.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel on %q: %w", c.name, err)
	}
	return ch, nil
}

// NotifyClose registers a listener for connection-level close events
func (c *Client) NotifyClose() chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// IsConnected returns the connection status
func (c *Client) IsConnected() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

// Close closes the RabbitMQ connection
func (c *Client) Close() error {
	c.logger.Info("Closing RabbitMQ connection",
		slog.String("connection", c.name),
	)

	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil {
			c.logger.Error("Failed to close RabbitMQ connection",
				slog.String("connection", c.name),
				slog.Any("error", err),
			)
			return err
		}
	}

	return nil
}
