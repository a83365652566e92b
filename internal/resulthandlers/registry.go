// Package resulthandlers implements the result-handler registry (C9): a small plugin surface
// invoked exactly once per job on reaching a terminal state, grounded on the ordering and
// fan-out shape of the teacher's JobWSHub.Broadcast (internal/services/jobmanager/queue.go,
// websocket.go) but generalized from a single broadcast sink into a priority-ordered chain
// of independent handlers (spec.md §4.7).
package resulthandlers

import (
	"context"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"

	"github.com/bobmcallan/batchd/internal/common"
	"github.com/bobmcallan/batchd/internal/models"
)

// Event is the fixed view a handler receives about a job that has just reached a terminal
// state (spec.md §4.7 "Handlers see").
type Event struct {
	JobID              string
	Model              string
	Status             string
	TotalRequests      int
	CompletedRequests  int
	FailedRequests     int
	OutputFileID       string
	Metadata           map[string]string
}

// EventFromJob builds the handler-visible Event from a durable job row.
func EventFromJob(job *models.BatchJob) Event {
	return Event{
		JobID:             job.ID,
		Model:             job.Model,
		Status:            job.Status,
		TotalRequests:     job.TotalRequests,
		CompletedRequests: job.CompletedRequests,
		FailedRequests:    job.FailedRequests,
		OutputFileID:      job.OutputFileID,
		Metadata:          job.Metadata,
	}
}

// Handler is a terminal-state plugin: name, priority (lower runs first), a gate, and the
// two lifecycle callbacks spec.md §4.7 requires.
type Handler interface {
	Name() string
	Priority() int
	Enabled(ctx context.Context) bool
	Handle(ctx context.Context, event Event) error
	OnError(err error)
}

// Registry runs its handlers sequentially in stable priority order, exactly once per
// terminal job. A handler's own failure is logged and routed to its OnError, never blocking
// or aborting the handlers after it.
type Registry struct {
	logger   *common.Logger
	mu       sync.Mutex
	handlers []Handler
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *common.Logger) *Registry {
	return &Registry{logger: logger}
}

// Register adds a handler. Order among equal priorities is insertion order (stable sort).
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers = append(r.handlers, h)
	sort.SliceStable(r.handlers, func(i, j int) bool {
		return r.handlers[i].Priority() < r.handlers[j].Priority()
	})
}

// Dispatch runs every enabled handler, in priority order, for one terminal job. Each
// handler is isolated: a panic or error never prevents the next handler from running.
func (r *Registry) Dispatch(ctx context.Context, job *models.BatchJob) {
	r.mu.Lock()
	handlers := make([]Handler, len(r.handlers))
	copy(handlers, r.handlers)
	r.mu.Unlock()

	event := EventFromJob(job)
	for _, h := range handlers {
		r.runOne(ctx, h, event)
	}
}

func (r *Registry) runOne(ctx context.Context, h Handler, event Event) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("handler %s panicked: %v\n%s", h.Name(), rec, debug.Stack())
			r.logger.Error().Str("handler", h.Name()).Str("job_id", event.JobID).Msg(err.Error())
			h.OnError(err)
		}
	}()

	if !h.Enabled(ctx) {
		return
	}
	if err := h.Handle(ctx, event); err != nil {
		r.logger.Warn().Err(err).Str("handler", h.Name()).Str("job_id", event.JobID).Msg("Result handler failed")
		h.OnError(err)
	}
}
