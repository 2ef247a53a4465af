// Package jobengine is a single-threaded executor that runs a
// JobDocument's steps in order against a pluggable registry of named
// handlers, reporting monotonic status transitions as it goes.
package jobengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetd/pkg/agenterrors"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/types"
)

// defaultHandlerTimeout bounds a single step when the caller doesn't
// override it.
const defaultHandlerTimeout = 60 * time.Second

// StepResult captures one step's outcome.
type StepResult struct {
	ActionType string
	ExitCode   int
	Stdout     string
	Stderr     string
	Reason     string
	Err        error
}

// Handler executes one job step's action and returns its result. Handlers
// must respect ctx cancellation/timeout.
type Handler func(ctx context.Context, input map[string]any) StepResult

// HandlerRegistry maps an action type name to the Handler that executes
// it.
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewHandlerRegistry creates an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]Handler)}
}

// Register adds (or replaces) the handler for actionType.
func (r *HandlerRegistry) Register(actionType string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[actionType] = h
}

func (r *HandlerRegistry) lookup(actionType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[actionType]
	return h, ok
}

// StatusReporter is called every time a job's status changes, so the
// caller (pkg/agent) can report it to the cloud over the
// broker-preferred/HTTP-fallback transport.
type StatusReporter func(job types.JobExecutionData)

// Engine runs one job at a time; a second job can only start once the
// first reaches a terminal status.
type Engine struct {
	registry       *HandlerRegistry
	logger         zerolog.Logger
	handlerTimeout time.Duration
	report         StatusReporter

	mu      sync.Mutex
	running bool
	current types.JobKey
}

// New creates an Engine. report may be nil in tests that don't care about
// status callbacks.
func New(registry *HandlerRegistry, logger zerolog.Logger, report StatusReporter) *Engine {
	return &Engine{
		registry:       registry,
		logger:         logger,
		handlerTimeout: defaultHandlerTimeout,
		report:         report,
	}
}

// IsBusy reports whether a job is currently executing.
func (e *Engine) IsBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// CurrentJob returns the key of the job in progress, if any.
func (e *Engine) CurrentJob() (types.JobKey, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current, e.running
}

// Execute runs job's steps in order, sequentially, aborting on the first
// step failure. It is the caller's responsibility (pkg/jobdelivery) to
// refuse to call Execute again while IsBusy is true.
func (e *Engine) Execute(ctx context.Context, job types.JobExecutionData) types.JobExecutionData {
	e.mu.Lock()
	e.running = true
	e.current = job.Key()
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	job.Status = types.JobInProgress
	job.StartedAt = now()
	e.emit(job)
	timer := metrics.NewTimer()

	timeout := e.handlerTimeout
	if job.TimeoutSeconds > 0 {
		timeout = time.Duration(job.TimeoutSeconds) * time.Second
	}

	for i, step := range job.JobDocument.Steps {
		result := e.runStep(ctx, step.Action, timeout)
		if result.Err != nil {
			e.logger.Error().Err(result.Err).Str("job_id", job.JobID).Int("step", i).Str("action", step.Action.Type).Msg("job step failed, aborting job")
			job.Status = terminalStatusFor(result.Err)
			job.FinishedAt = now()
			timer.ObserveDuration(metrics.JobExecutionDuration)
			metrics.JobExecutionsTotal.WithLabelValues(string(job.Status)).Inc()
			e.emit(job)
			return job
		}
	}

	job.Status = types.JobSucceeded
	job.FinishedAt = now()
	timer.ObserveDuration(metrics.JobExecutionDuration)
	metrics.JobExecutionsTotal.WithLabelValues(string(job.Status)).Inc()
	e.emit(job)
	return job
}

func (e *Engine) runStep(ctx context.Context, action types.JobAction, timeout time.Duration) StepResult {
	handler, ok := e.registry.lookup(action.Type)
	if !ok {
		return StepResult{ActionType: action.Type, Err: agenterrors.New(agenterrors.HandlerError, fmt.Errorf("no handler registered for action %q", action.Type))}
	}

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan StepResult, 1)
	go func() {
		done <- handler(stepCtx, action.Input)
	}()

	select {
	case result := <-done:
		return result
	case <-stepCtx.Done():
		return StepResult{
			ActionType: action.Type,
			Err:        agenterrors.New(agenterrors.HandlerTimeout, fmt.Errorf("handler for action %q timed out after %s", action.Type, timeout)),
		}
	}
}

func terminalStatusFor(err error) types.JobStatus {
	if agenterrors.Is(err, agenterrors.HandlerTimeout) {
		return types.JobTimedOut
	}
	return types.JobFailed
}

func (e *Engine) emit(job types.JobExecutionData) {
	if e.report != nil {
		e.report(job)
	}
}

// now is a var so tests can substitute a fixed clock.
var now = defaultNow

func defaultNow() time.Time { return time.Now() }
