package handler

import (
	"log/slog"

	"github.com/inthavong/doctrans-be/internal/queue"
	"github.com/inthavong/doctrans-be/internal/report"
	"github.com/inthavong/doctrans-be/internal/store"
)

// Dependencies holds all dependencies needed by handlers
type Dependencies struct {
	Logger   *slog.Logger
	Store    store.Store
	Broker   queue.Broker
	Reporter report.Reporter
	Hub      *StreamHub
	Queues   queue.Config
}

// JobHandler handles job-related HTTP requests. Reads go straight to the
// store; every status change goes through the reporter so the stream hub
// sees it.
type JobHandler struct {
	logger   *slog.Logger
	store    store.Store
	broker   queue.Broker
	reporter report.Reporter
	queues   queue.Config
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger:   deps.Logger,
		store:    deps.Store,
		broker:   deps.Broker,
		reporter: deps.Reporter,
		queues:   deps.Queues,
	}
}
