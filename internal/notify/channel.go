// Package notify implements the push notification channel between processes:
// a listener connection subscribed to the job.available and job.completed
// channels, and a separate publisher connection so a slow consumer never
// blocks new announcements. Delivery is at-most-once; consumers treat events
// as hints and fall back to polling the job store.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/renderlab/renderq/internal/backoff"
	"github.com/renderlab/renderq/internal/domain"
	"github.com/renderlab/renderq/shared/rabbitmq"
)

// Handler receives a validated event. Handlers run on the listener loop and
// must not block: resolve a waiter, flip a flag, return.
type Handler func(event *domain.NotificationEvent)

// Config holds notification channel settings.
type Config struct {
	Exchange          string
	Channels          []string
	KeepaliveInterval time.Duration
	ReconnectPolicy   backoff.Policy
}

// Channel is the lifecycle-managed pub/sub service. Construct one per
// process and inject it; Start before use, Stop on shutdown.
type Channel struct {
	config    *Config
	rabbitCfg *rabbitmq.Config
	logger    *slog.Logger

	mu       sync.Mutex
	handlers map[string]map[int]Handler
	nextID   int

	listener  *rabbitmq.Client
	publisher *rabbitmq.Client
	pubCh     *amqp.Channel
	pubMu     sync.Mutex

	connected atomic.Bool
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewChannel creates an unstarted notification channel.
func NewChannel(cfg *Config, rabbitCfg *rabbitmq.Config, logger *slog.Logger) *Channel {
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{domain.ChannelJobAvailable, domain.ChannelJobCompleted}
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 15 * time.Second
	}
	if cfg.ReconnectPolicy.Base == 0 {
		cfg.ReconnectPolicy = backoff.Reconnect()
	}

	return &Channel{
		config:    cfg,
		rabbitCfg: rabbitCfg,
		logger:    logger,
		handlers:  make(map[string]map[int]Handler),
		stopCh:    make(chan struct{}),
	}
}

// Start dials both connections and launches the listen and keepalive loops
func (c *Channel) Start(ctx context.Context) error {
	listener, err := rabbitmq.NewClient("notify-listener", c.rabbitCfg, c.logger)
	if err != nil {
		return fmt.Errorf("failed to start notify listener: %w", err)
	}
	publisher, err := rabbitmq.NewClient("notify-publisher", c.rabbitCfg, c.logger)
	if err != nil {
		listener.Close()
		return fmt.Errorf("failed to start notify publisher: %w", err)
	}

	c.listener = listener
	c.publisher = publisher

	if err := c.openPublisher(); err != nil {
		listener.Close()
		publisher.Close()
		return err
	}

	c.connected.Store(true)

	c.wg.Add(2)
	go c.listenLoop(ctx)
	go c.keepaliveLoop(ctx)

	c.logger.Info("Notification channel started",
		slog.String("exchange", c.config.Exchange),
		slog.Any("channels", c.config.Channels),
	)
	return nil
}

// openPublisher opens the publish channel and declares the exchange
func (c *Channel) openPublisher() error {
	ch, err := c.publisher.Channel()
	if err != nil {
		return err
	}
	if err := c.declareExchange(ch); err != nil {
		return err
	}

	c.pubMu.Lock()
	c.pubCh = ch
	c.pubMu.Unlock()
	return nil
}

func (c *Channel) declareExchange(ch *amqp.Channel) error {
	err := ch.ExchangeDeclare(
		c.config.Exchange, // name
		"topic",           // type
		false,             // durable: events are ephemeral hints
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare notify exchange: %w", err)
	}
	return nil
}

// subscribeAll declares an exclusive queue and binds every logical channel.
// Called on every (re)connect, so subscriptions survive reconnects.
func (c *Channel) subscribeAll(ch *amqp.Channel) (<-chan amqp.Delivery, error) {
	if err := c.declareExchange(ch); err != nil {
		return nil, err
	}

	q, err := ch.QueueDeclare(
		"",    // broker-named
		false, // durable
		true,  // auto-delete
		true,  // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return nil, fmt.Errorf("failed to declare notify queue: %w", err)
	}

	for _, routing := range c.config.Channels {
		if err := ch.QueueBind(q.Name, routing, c.config.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("failed to bind notify channel %q: %w", routing, err)
		}
	}

	msgs, err := ch.Consume(
		q.Name,
		"",    // consumer tag
		true,  // auto-ack: losing an event only delays the fallback poll
		true,  // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return nil, fmt.Errorf("failed to consume notify queue: %w", err)
	}

	return msgs, nil
}

// listenLoop consumes events and dispatches them, reconnecting with backoff
// on any connection error or unexpected close.
func (c *Channel) listenLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		if c.stopped(ctx) {
			return
		}

		ch, err := c.listener.Channel()
		var msgs <-chan amqp.Delivery
		if err == nil {
			msgs, err = c.subscribeAll(ch)
		}
		if err != nil {
			c.logger.Error("Notify subscription failed",
				slog.String("error", err.Error()),
			)
			c.connected.Store(false)
			if !c.reconnect(ctx) {
				return
			}
			continue
		}

		c.connected.Store(true)
		c.logger.Info("Notify listener subscribed",
			slog.Any("channels", c.config.Channels),
		)

		if !c.consume(ctx, msgs) {
			return
		}

		// Delivery stream ended: connection or channel dropped.
		c.connected.Store(false)
		if !c.reconnect(ctx) {
			return
		}
	}
}

// consume dispatches deliveries until the stream closes. Returns false when
// shutdown was requested.
func (c *Channel) consume(ctx context.Context, msgs <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case <-c.stopCh:
			return false
		case d, ok := <-msgs:
			if !ok {
				c.logger.Warn("Notify delivery stream closed")
				return true
			}
			c.dispatch(d.RoutingKey, d.Body)
		}
	}
}

// dispatch validates the payload and synchronously invokes every handler
// registered for the channel. Malformed payloads are dropped, not fatal.
func (c *Channel) dispatch(channelName string, body []byte) {
	var evt domain.NotificationEvent
	if err := json.Unmarshal(body, &evt); err != nil || evt.JobID == "" ||
		(channelName == domain.ChannelJobCompleted && !evt.Valid()) {
		c.logger.Warn("Dropping malformed notification payload",
			slog.String("channel", channelName),
			slog.String("body", string(body)),
		)
		return
	}

	c.mu.Lock()
	registered := c.handlers[channelName]
	handlers := make([]Handler, 0, len(registered))
	for _, h := range registered {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(&evt)
	}
}

// reconnect redials the listener with exponential backoff and jitter.
// Returns false when shutdown interrupted the attempt.
func (c *Channel) reconnect(ctx context.Context) bool {
	for attempt := 1; ; attempt++ {
		delay := c.config.ReconnectPolicy.Delay(attempt)
		c.logger.Warn("Notify listener reconnecting",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
		)

		select {
		case <-ctx.Done():
			return false
		case <-c.stopCh:
			return false
		case <-time.After(delay):
		}

		if err := c.listener.Reconnect(); err != nil {
			c.logger.Error("Notify listener reconnect failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}

		c.logger.Info("Notify listener reconnected",
			slog.Int("attempt", attempt),
		)
		return true
	}
}

// keepaliveLoop periodically probes both connections. For the listener the
// probe is observational: it flips the connected flag for health reporting,
// while the reconnect itself is driven by the listen loop when the delivery
// stream ends. The publisher has no loop of its own, so a dead publisher is
// redialed here.
func (c *Channel) keepaliveLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			if !c.listener.IsConnected() {
				c.logger.Warn("Keepalive probe: notify listener connection is down")
				c.connected.Store(false)
			}
			if !c.publisher.IsConnected() {
				c.logger.Warn("Keepalive probe: notify publisher connection is down")
				if err := c.publisher.Reconnect(); err != nil {
					c.logger.Error("Notify publisher reconnect failed",
						slog.String("error", err.Error()),
					)
					continue
				}
				if err := c.openPublisher(); err != nil {
					c.logger.Error("Notify publisher channel reopen failed",
						slog.String("error", err.Error()),
					)
				}
			}
		}
	}
}

func (c *Channel) stopped(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	case <-c.stopCh:
		return true
	default:
		return false
	}
}

// Publish sends an event on the named channel
func (c *Channel) Publish(ctx context.Context, channelName string, evt *domain.NotificationEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	c.pubMu.Lock()
	ch := c.pubCh
	c.pubMu.Unlock()
	if ch == nil {
		return fmt.Errorf("notify publisher is not started")
	}

	err = ch.PublishWithContext(
		ctx,
		c.config.Exchange,
		channelName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType: "application/json",
			Body:        body,
			Timestamp:   time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	c.logger.Debug("Notification published",
		slog.String("channel", channelName),
		slog.String("job_id", evt.JobID),
	)
	return nil
}

// Subscribe registers a handler for a channel and returns its unsubscribe
// function. Unsubscribing twice is a no-op.
func (c *Channel) Subscribe(channelName string, h Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	if c.handlers[channelName] == nil {
		c.handlers[channelName] = make(map[int]Handler)
	}
	c.handlers[channelName][id] = h

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[channelName], id)
	}
}

// Connected reports whether the listener side is currently subscribed
func (c *Channel) Connected() bool {
	return c.connected.Load()
}

// Stop unsubscribes and closes both connections
func (c *Channel) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	c.wg.Wait()

	if c.listener != nil {
		c.listener.Close()
	}
	if c.publisher != nil {
		c.publisher.Close()
	}
	c.connected.Store(false)

	c.logger.Info("Notification channel stopped")
}
