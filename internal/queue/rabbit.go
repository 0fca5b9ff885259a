package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/renderlab/renderq/shared/rabbitmq"
)

// RabbitConfig holds the work queue topology settings.
type RabbitConfig struct {
	Exchange      string
	Queue         string
	RoutingKey    string
	PrefetchCount int
	ConsumerTag   string
}

// RabbitBackend implements Backend on a durable RabbitMQ queue with manual
// acknowledgements. Retries are scheduled with an in-process timer; the
// requeue sweeper recovers announcements lost to a crash in that window.
type RabbitBackend struct {
	config     *RabbitConfig
	client     *rabbitmq.Client
	channel    *amqp.Channel
	dedup      DedupSource
	stats      StatsSource
	logger     *slog.Logger
	deliveries chan Delivery

	mu     sync.Mutex
	timers map[string]*time.Timer
	closed bool
}

// NewRabbitBackend declares the work queue topology on a fresh channel and
// starts translating broker deliveries.
func NewRabbitBackend(cfg *RabbitConfig, client *rabbitmq.Client, dedup DedupSource, stats StatsSource, logger *slog.Logger) (*RabbitBackend, error) {
	b := &RabbitBackend{
		config:     cfg,
		client:     client,
		dedup:      dedup,
		stats:      stats,
		logger:     logger,
		deliveries: make(chan Delivery),
		timers:     make(map[string]*time.Timer),
	}

	if err := b.setup(); err != nil {
		return nil, err
	}

	return b, nil
}

// setup declares exchange, queue, and binding
func (b *RabbitBackend) setup() error {
	ch, err := b.client.Channel()
	if err != nil {
		return err
	}

	if err := ch.ExchangeDeclare(
		b.config.Exchange, // name
		"direct",          // type
		true,              // durable
		false,             // auto-deleted
		false,             // internal
		false,             // no-wait
		nil,               // arguments
	); err != nil {
		return fmt.Errorf("failed to declare work exchange: %w", err)
	}

	if _, err := ch.QueueDeclare(
		b.config.Queue, // name
		true,           // durable
		false,          // auto-delete
		false,          // exclusive
		false,          // no-wait
		nil,            // arguments
	); err != nil {
		return fmt.Errorf("failed to declare work queue: %w", err)
	}

	if err := ch.QueueBind(
		b.config.Queue,
		b.config.RoutingKey,
		b.config.Exchange,
		false, // no-wait
		nil,   // arguments
	); err != nil {
		return fmt.Errorf("failed to bind work queue: %w", err)
	}

	b.channel = ch

	b.logger.Info("Work queue topology declared",
		slog.String("exchange", b.config.Exchange),
		slog.String("queue", b.config.Queue),
	)

	return nil
}

// StartConsuming sets QoS and begins feeding Deliveries. Only the worker
// service calls this; the API service uses the backend publish-only.
func (b *RabbitBackend) StartConsuming(ctx context.Context) error {
	if err := b.channel.Qos(b.config.PrefetchCount, 0, false); err != nil {
		return fmt.Errorf("failed to set QoS: %w", err)
	}

	msgs, err := b.channel.Consume(
		b.config.Queue,
		b.config.ConsumerTag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	b.logger.Info("Work queue consumer started",
		slog.String("consumer_tag", b.config.ConsumerTag),
		slog.Int("prefetch_count", b.config.PrefetchCount),
	)

	go b.translate(ctx, msgs)
	return nil
}

// translate converts broker deliveries into queue.Delivery values, dropping
// malformed payloads with a NACK so they cannot wedge the stream.
func (b *RabbitBackend) translate(ctx context.Context, msgs <-chan amqp.Delivery) {
	defer close(b.deliveries)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				b.logger.Warn("RabbitMQ delivery channel closed")
				return
			}

			var msg Message
			if err := json.Unmarshal(d.Body, &msg); err != nil || msg.JobID == "" {
				b.logger.Error("Dropping malformed queue message",
					slog.String("body", string(d.Body)),
				)
				if nackErr := d.Nack(false, false); nackErr != nil {
					b.logger.Error("Failed to NACK malformed message",
						slog.String("error", nackErr.Error()),
					)
				}
				continue
			}

			select {
			case b.deliveries <- Delivery{Message: msg, Tag: d.DeliveryTag}:
			case <-ctx.Done():
				// Return undelivered work to the queue on shutdown.
				if nackErr := d.Nack(false, true); nackErr != nil {
					b.logger.Error("Failed to NACK message on shutdown",
						slog.String("error", nackErr.Error()),
					)
				}
				return
			}
		}
	}
}

// Enqueue publishes a persistent job-ready message. The job row's primary
// key is the singleton authority (duplicate submissions never insert a second
// live row); the check here keeps the broker consistent with it by refusing
// to announce keys that no longer have a live job.
func (b *RabbitBackend) Enqueue(ctx context.Context, msg Message, opts Options) error {
	if opts.SingletonKey != "" && b.dedup != nil {
		active, err := b.dedup.HasActiveJob(ctx, opts.SingletonKey)
		if err != nil {
			return fmt.Errorf("singleton check failed: %w", err)
		}
		if !active {
			b.logger.Info("Skipping announcement for settled singleton key",
				slog.String("singleton_key", opts.SingletonKey),
			)
			return nil
		}
	}

	if msg.EnqueuedAt.IsZero() {
		msg.EnqueuedAt = time.Now()
	}
	if opts.ExpireIn > 0 && msg.ExpiresAt == nil {
		expires := msg.EnqueuedAt.Add(opts.ExpireIn)
		msg.ExpiresAt = &expires
	}

	return b.publish(ctx, msg)
}

func (b *RabbitBackend) publish(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}

	err = b.channel.PublishWithContext(
		ctx,
		b.config.Exchange,
		b.config.RoutingKey,
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish queue message: %w", err)
	}

	b.logger.Debug("Job announced on work queue",
		slog.String("job_id", msg.JobID),
	)
	return nil
}

// Deliveries returns the claimed message stream
func (b *RabbitBackend) Deliveries() <-chan Delivery {
	return b.deliveries
}

// Ack acknowledges a delivery by tag
func (b *RabbitBackend) Ack(tag uint64) error {
	return b.channel.Ack(tag, false)
}

// Nack rejects a delivery, optionally returning it to the queue
func (b *RabbitBackend) Nack(tag uint64, requeue bool) error {
	return b.channel.Nack(tag, false, requeue)
}

// ScheduleRetry re-announces the job after the delay. The job row is already
// back in QUEUED, so if this process dies before the timer fires the sweeper
// re-announces it from the durable record instead.
func (b *RabbitBackend) ScheduleRetry(ctx context.Context, msg Message, delay time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("queue backend is closed")
	}

	jobID := msg.JobID
	b.timers[jobID] = time.AfterFunc(delay, func() {
		b.mu.Lock()
		delete(b.timers, jobID)
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return
		}

		if err := b.publish(context.Background(), msg); err != nil {
			// The sweeper will pick the QUEUED row up.
			b.logger.Error("Failed to re-announce job after retry delay",
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			)
		}
	})

	b.logger.Info("Retry scheduled",
		slog.String("job_id", jobID),
		slog.Duration("delay", delay),
	)
	return nil
}

// Stats reads durable per-status counts from the job store
func (b *RabbitBackend) Stats(ctx context.Context) (*Stats, error) {
	counts, err := b.stats.CountByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &Stats{
		Pending:   counts.Queued,
		Active:    counts.Processing,
		Completed: counts.Completed,
		Failed:    counts.Failed,
	}, nil
}

// Close cancels pending retry timers and closes the channel
func (b *RabbitBackend) Close() error {
	b.mu.Lock()
	b.closed = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()

	if b.channel != nil {
		return b.channel.Close()
	}
	return nil
}
