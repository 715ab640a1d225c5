// Package scheduler dispatches compiled crews onto background workers and
// owns every write to an execution's status.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/crew"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/metrics"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/repository"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/status"
	"github.com/BLEND360/blendx-sfguide-mktplace-sub001/pkg/models"
)

// RestartMessage is written to executions orphaned by a process restart.
const RestartMessage = "interrupted by process restart"

// ErrShuttingDown is returned by Start once Shutdown has begun.
var ErrShuttingDown = errors.New("scheduler is shutting down")

var tracer = otel.Tracer("github.com/BLEND360/blendx-sfguide-mktplace-sub001/internal/scheduler")

// Runnable is a unit of work the scheduler can execute.
type Runnable interface {
	Run(ctx context.Context, inputs map[string]any) (*crew.Result, error)
}

// RunnableFunc adapts a function to Runnable.
type RunnableFunc func(ctx context.Context, inputs map[string]any) (*crew.Result, error)

// Run calls f.
func (f RunnableFunc) Run(ctx context.Context, inputs map[string]any) (*crew.Result, error) {
	return f(ctx, inputs)
}

// Logger is the subset of the application logger used here.
type Logger interface {
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Options configures a Scheduler.
type Options struct {
	// MaxConcurrent bounds running executions. Excess work queues without
	// blocking Start.
	MaxConcurrent int64
	Metrics       *metrics.Metrics
	Logger        Logger
	// Now stamps created_at on new records in every store, so listings
	// that merge stores order on one clock. Defaults to time.Now.
	Now func() time.Time
}

// StartOptions describe one dispatch.
type StartOptions struct {
	// Persist stores the execution durably. Otherwise it lives only in the
	// in-memory table and is lost on restart.
	Persist    bool
	WorkflowID *string
	Inputs     map[string]any
	Metadata   map[string]any
}

// Scheduler runs executions in the background and is the single writer of
// their lifecycle: one PROCESSING insert and exactly one terminal update.
type Scheduler struct {
	durable   repository.ExecutionStore
	ephemeral repository.ExecutionStore
	status    *status.Service

	sem     *semaphore.Weighted
	wg      sync.WaitGroup
	closing atomic.Bool

	metrics *metrics.Metrics
	logger  Logger
	now     func() time.Time
}

// New creates a Scheduler. durable may be nil, in which case persisted
// starts fail.
func New(durable, ephemeral repository.ExecutionStore, opts Options) *Scheduler {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if ephemeral == nil {
		ephemeral = repository.NewMemoryStore()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Scheduler{
		durable:   durable,
		ephemeral: ephemeral,
		status:    status.NewService(durable, ephemeral),
		sem:       semaphore.NewWeighted(opts.MaxConcurrent),
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
	}
}

// Queries returns the read-side service over the scheduler's stores.
func (s *Scheduler) Queries() *status.Service {
	return s.status
}

// Start records a new PROCESSING execution, hands r to a worker and returns
// the execution id without waiting for the run.
func (s *Scheduler) Start(ctx context.Context, r Runnable, opts StartOptions) (string, error) {
	if s.closing.Load() {
		return "", ErrShuttingDown
	}
	store, mode := s.ephemeral, "ephemeral"
	if opts.Persist {
		if s.durable == nil {
			return "", errors.New("no durable execution store configured")
		}
		store, mode = s.durable, "persisted"
	}

	meta := make(map[string]any, len(opts.Metadata)+2)
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	meta["mode"] = mode
	if len(opts.Inputs) > 0 {
		meta["inputs"] = opts.Inputs
	}

	exec := &models.Execution{
		ExecutionID: uuid.NewString(),
		WorkflowID:  opts.WorkflowID,
		Metadata:    meta,
		Ephemeral:   !opts.Persist,
		CreatedAt:   s.now().UTC(),
	}
	if err := store.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("failed to record execution: %w", err)
	}

	s.metrics.ExecutionsStarted.WithLabelValues(mode).Inc()
	s.metrics.ExecutionsInFlight.Inc()
	s.logger.Info("execution dispatched", "execution_id", exec.ExecutionID, "mode", mode)

	// the run outlives the request but keeps its trace
	runCtx := context.WithoutCancel(ctx)
	link := trace.LinkFromContext(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.work(runCtx, link, store, exec.ExecutionID, r, opts.Inputs)
	}()
	return exec.ExecutionID, nil
}

// Status returns the current view of an execution.
func (s *Scheduler) Status(ctx context.Context, id string) (*status.View, error) {
	return s.status.Get(ctx, id)
}

func (s *Scheduler) work(ctx context.Context, link trace.Link, store repository.ExecutionStore, id string, r Runnable, inputs map[string]any) {
	started := time.Now()
	var once sync.Once
	finish := func(out repository.Outcome) {
		once.Do(func() {
			s.finish(ctx, store, id, out, started)
		})
	}
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("execution panicked", "execution_id", id, "panic", p, "stack", string(debug.Stack()))
			finish(repository.Outcome{Status: models.ExecutionError, ErrorMessage: fmt.Sprintf("internal error: %v", p)})
		}
	}()

	if err := s.sem.Acquire(ctx, 1); err != nil {
		finish(repository.Outcome{Status: models.ExecutionError, ErrorMessage: "execution could not be scheduled: " + err.Error()})
		return
	}
	defer s.sem.Release(1)

	ctx, span := tracer.Start(ctx, "crew.execution",
		trace.WithLinks(link),
		trace.WithAttributes(attribute.String("execution.id", id)))
	defer span.End()

	result, err := r.Run(ctx, inputs)
	if err != nil {
		span.RecordError(err)
		finish(repository.Outcome{Status: models.ExecutionError, ErrorMessage: err.Error()})
		return
	}
	if result == nil {
		result = &crew.Result{}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		finish(repository.Outcome{Status: models.ExecutionError, ErrorMessage: "failed to encode result: " + err.Error()})
		return
	}
	finish(repository.Outcome{Status: models.ExecutionCompleted, RawResult: raw, ResultText: result.Final})
}

func (s *Scheduler) finish(ctx context.Context, store repository.ExecutionStore, id string, out repository.Outcome, started time.Time) {
	s.metrics.ExecutionsInFlight.Dec()
	s.metrics.ExecutionDuration.Observe(time.Since(started).Seconds())

	err := store.FinishExecution(ctx, id, out)
	switch {
	case err == nil:
		s.metrics.ExecutionsFinished.WithLabelValues(string(out.Status)).Inc()
		s.logger.Info("execution finished", "execution_id", id, "status", out.Status,
			"duration", time.Since(started).String())
	case errors.Is(err, repository.ErrTerminal):
		s.logger.Warn("execution already terminal, dropping write", "execution_id", id, "status", out.Status)
	default:
		s.logger.Error("failed to record execution outcome", "execution_id", id, "status", out.Status, "error", err)
	}
}

// Recover marks durable executions left PROCESSING by a previous process
// as ERROR. Run it once at startup before accepting work.
func (s *Scheduler) Recover(ctx context.Context) (int64, error) {
	if s.durable == nil {
		return 0, nil
	}
	n, err := s.durable.FailProcessing(ctx, RestartMessage)
	if err != nil {
		return 0, fmt.Errorf("failed to recover executions: %w", err)
	}
	if n > 0 {
		s.logger.Warn("marked interrupted executions as failed", "count", n)
	}
	return n, nil
}

// Shutdown stops accepting work and waits for in-flight executions until
// ctx ends. Executions still running when ctx ends keep going until the
// process exits; durable ones are reconciled by the next Recover.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.closing.Store(true)
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("executions still running at shutdown: %w", ctx.Err())
	}
}
