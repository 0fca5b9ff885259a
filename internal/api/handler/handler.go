package handler

import (
	"log/slog"

	"github.com/renderlab/renderq/internal/admission"
	"github.com/renderlab/renderq/internal/health"
	"github.com/renderlab/renderq/internal/jobstore"
	"github.com/renderlab/renderq/internal/waiter"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger    *slog.Logger
	Storage   *jobstore.Storage
	Admission *admission.Controller
	Waiter    *waiter.Registry
	Monitor   *health.Monitor
}

// JobHandler handles job-related HTTP requests
type JobHandler struct {
	logger    *slog.Logger
	storage   *jobstore.Storage
	admission *admission.Controller
	waiter    *waiter.Registry
	monitor   *health.Monitor
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:    deps.Logger,
		storage:   deps.Storage,
		admission: deps.Admission,
		waiter:    deps.Waiter,
		monitor:   deps.Monitor,
	}
}
