// Package health periodically samples the orchestration subsystem and
// aggregates an overall status with actionable recommendations. It also
// performs housekeeping, archiving long-terminal jobs when the backlog
// crosses its volume threshold.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/renderlab/renderq/internal/jobstore"
	"github.com/renderlab/renderq/internal/queue"
)

// Overall status values.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Pinger checks datastore liveness; satisfied by *postgresql.Client.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnectionReporter reports push-channel liveness; satisfied by
// *notify.Channel.
type ConnectionReporter interface {
	Connected() bool
}

// StatsStore is the job store surface the monitor samples. Satisfied by
// *jobstore.Storage.
type StatsStore interface {
	CountByStatus(ctx context.Context) (*jobstore.StatusCounts, error)
	RecentOutcomes(ctx context.Context, window time.Duration) (completed, failed int, err error)
	AverageDuration(ctx context.Context, window time.Duration) (time.Duration, error)
	ArchiveTerminalJobs(ctx context.Context, retention time.Duration, limit int) (int, error)
}

// Config holds monitor settings. Interval 0 disables periodic sampling;
// Snapshot then samples on demand.
type Config struct {
	Interval         time.Duration
	RecentWindow     time.Duration
	BacklogCeiling   int
	FailureMargin    int
	ArchiveThreshold int
	ArchiveRetention time.Duration
	ArchiveBatch     int
	Concurrency      int
}

// Component is one sampled subsystem.
type Component struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Snapshot is an aggregated health report.
type Snapshot struct {
	Overall         string      `json:"overall"`
	Components      []Component `json:"components"`
	Recommendations []string    `json:"recommendations"`
	SampledAt       time.Time   `json:"sampled_at"`
}

// Metrics is the numeric counterpart served by the metrics endpoint.
type Metrics struct {
	Pending         int     `json:"pending"`
	Active          int     `json:"active"`
	Completed       int     `json:"completed"`
	Failed          int     `json:"failed"`
	SuccessRate     float64 `json:"success_rate"`
	AverageDuration string  `json:"average_duration"`
}

// Monitor samples the subsystem on a ticker.
type Monitor struct {
	db      Pinger
	backend queue.Backend
	channel ConnectionReporter
	store   StatsStore
	config  Config
	logger  *slog.Logger

	mu   sync.Mutex
	last *Snapshot
}

// NewMonitor creates a health monitor.
func NewMonitor(db Pinger, backend queue.Backend, channel ConnectionReporter, store StatsStore, cfg Config, logger *slog.Logger) *Monitor {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = time.Hour
	}
	if cfg.ArchiveBatch <= 0 {
		cfg.ArchiveBatch = 500
	}

	return &Monitor{
		db:      db,
		backend: backend,
		channel: channel,
		store:   store,
		config:  cfg,
		logger:  logger,
	}
}

// Run samples until the context is canceled. No-op when Interval is zero.
func (m *Monitor) Run(ctx context.Context) {
	if m.config.Interval <= 0 {
		m.logger.Info("Health monitor periodic sampling disabled")
		return
	}

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.logger.Info("Health monitor started",
		slog.Duration("interval", m.config.Interval),
	)

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health monitor stopped")
			return
		case <-ticker.C:
			snapshot := m.sample(ctx)
			m.housekeep(ctx, snapshot)
		}
	}
}

// Snapshot returns the latest report, sampling on demand if none exists.
func (m *Monitor) Snapshot(ctx context.Context) *Snapshot {
	m.mu.Lock()
	last := m.last
	m.mu.Unlock()

	if last == nil {
		return m.sample(ctx)
	}
	return last
}

// sample collects component states and derives the overall status
func (m *Monitor) sample(ctx context.Context) *Snapshot {
	snapshot := &Snapshot{
		Overall:   StatusHealthy,
		SampledAt: time.Now(),
	}

	degrade := func(reason string) {
		if snapshot.Overall == StatusHealthy {
			snapshot.Overall = StatusDegraded
		}
		snapshot.Recommendations = append(snapshot.Recommendations, reason)
	}
	down := func(reason string) {
		snapshot.Overall = StatusUnhealthy
		snapshot.Recommendations = append(snapshot.Recommendations, reason)
	}

	// Database.
	if err := m.db.Ping(ctx); err != nil {
		snapshot.Components = append(snapshot.Components, Component{
			Name: "database", Status: StatusUnhealthy, Detail: err.Error(),
		})
		down("database is unreachable: check PostgreSQL connectivity")
	} else {
		snapshot.Components = append(snapshot.Components, Component{Name: "database", Status: StatusHealthy})
	}

	// Notification channel.
	if m.channel != nil {
		if m.channel.Connected() {
			snapshot.Components = append(snapshot.Components, Component{Name: "notifications", Status: StatusHealthy})
		} else {
			snapshot.Components = append(snapshot.Components, Component{
				Name: "notifications", Status: StatusUnhealthy, Detail: "listener disconnected",
			})
			down("notification listener is down: completions fall back to polling until it reconnects")
		}
	}

	// Queue depth.
	stats, err := m.backend.Stats(ctx)
	if err != nil {
		snapshot.Components = append(snapshot.Components, Component{
			Name: "queue", Status: StatusUnhealthy, Detail: err.Error(),
		})
		down("queue stats unavailable: check the queue backend")
	} else {
		queueStatus := StatusHealthy
		detail := fmt.Sprintf("pending=%d active=%d", stats.Pending, stats.Active)
		if m.config.BacklogCeiling > 0 && stats.Pending > m.config.BacklogCeiling {
			queueStatus = StatusDegraded
			rec := fmt.Sprintf("pending backlog %d exceeds ceiling %d: add workers or raise concurrency",
				stats.Pending, m.config.BacklogCeiling)
			if m.config.Concurrency > 0 {
				rec = fmt.Sprintf("%s (currently %d)", rec, m.config.Concurrency)
			}
			degrade(rec)
		}
		snapshot.Components = append(snapshot.Components, Component{
			Name: "queue", Status: queueStatus, Detail: detail,
		})
	}

	// Recent outcomes.
	completed, failed, err := m.store.RecentOutcomes(ctx, m.config.RecentWindow)
	if err != nil {
		m.logger.Warn("Failed to sample recent outcomes",
			slog.String("error", err.Error()),
		)
	} else {
		outcomeStatus := StatusHealthy
		if failed > completed+m.config.FailureMargin {
			outcomeStatus = StatusDegraded
			degrade(fmt.Sprintf("failures (%d) outpace completions (%d) in the last %s: inspect the dead letter table",
				failed, completed, m.config.RecentWindow))
		}
		snapshot.Components = append(snapshot.Components, Component{
			Name:   "outcomes",
			Status: outcomeStatus,
			Detail: fmt.Sprintf("completed=%d failed=%d window=%s", completed, failed, m.config.RecentWindow),
		})
	}

	m.mu.Lock()
	m.last = snapshot
	m.mu.Unlock()

	if snapshot.Overall != StatusHealthy {
		m.logger.Warn("Health sample",
			slog.String("overall", snapshot.Overall),
			slog.Any("recommendations", snapshot.Recommendations),
		)
	}

	return snapshot
}

// housekeep archives long-terminal jobs once the table crosses the volume
// threshold.
func (m *Monitor) housekeep(ctx context.Context, snapshot *Snapshot) {
	if m.config.ArchiveThreshold <= 0 {
		return
	}

	stats, err := m.backend.Stats(ctx)
	if err != nil {
		return
	}

	terminal := stats.Completed + stats.Failed
	if terminal < m.config.ArchiveThreshold {
		return
	}

	archived, err := m.store.ArchiveTerminalJobs(ctx, m.config.ArchiveRetention, m.config.ArchiveBatch)
	if err != nil {
		m.logger.Error("Housekeeping archive failed",
			slog.String("error", err.Error()),
		)
		return
	}

	if archived > 0 {
		m.logger.Info("Housekeeping archived terminal jobs",
			slog.Int("archived", archived),
			slog.Int("terminal_before", terminal),
		)
	}
}

// Metrics reports counts, durations, and success rate
func (m *Monitor) Metrics(ctx context.Context) (*Metrics, error) {
	stats, err := m.backend.Stats(ctx)
	if err != nil {
		return nil, err
	}

	completed, failed, err := m.store.RecentOutcomes(ctx, m.config.RecentWindow)
	if err != nil {
		return nil, err
	}

	avg, err := m.store.AverageDuration(ctx, m.config.RecentWindow)
	if err != nil {
		return nil, err
	}

	successRate := 0.0
	if completed+failed > 0 {
		successRate = float64(completed) / float64(completed+failed)
	}

	return &Metrics{
		Pending:         stats.Pending,
		Active:          stats.Active,
		Completed:       stats.Completed,
		Failed:          stats.Failed,
		SuccessRate:     successRate,
		AverageDuration: avg.String(),
	}, nil
}
