// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package workflow sequences named steps in a cooperative poll loop. The
// engine is an explicit instance constructed per agent; there is no
// process-wide step table.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/absmach/certs-agent/pkg/errors"
	"github.com/go-kit/kit/metrics"
)

var ErrStepFailed = errors.New("workflow step failed")

// Step is one named unit of the check-decide-act sequence. A failing step
// aborts the rest of the iteration unless ContinueOnError is set; the loop
// itself always survives and retries on the next interval.
type Step struct {
	Name            string
	Run             func(ctx context.Context) error
	ContinueOnError bool
}

// Stats is a point-in-time copy of the engine's execution state.
type Stats struct {
	Iterations    uint64
	FailedSteps   uint64
	LastError     string
	StepDurations map[string]time.Duration
	StepSuccesses map[string]uint64
	StepFailures  map[string]uint64
}

// Engine owns the step list and the loop cadence for one agent process.
type Engine struct {
	name     string
	interval time.Duration
	logger   *slog.Logger
	counter  metrics.Counter
	latency  metrics.Histogram

	steps []Step

	mu            sync.Mutex
	iterations    uint64
	failedSteps   uint64
	lastError     string
	stepDurations map[string]time.Duration
	stepSuccesses map[string]uint64
	stepFailures  map[string]uint64
}

func New(name string, interval time.Duration, logger *slog.Logger, counter metrics.Counter, latency metrics.Histogram) *Engine {
	return &Engine{
		name:          name,
		interval:      interval,
		logger:        logger,
		counter:       counter,
		latency:       latency,
		stepDurations: make(map[string]time.Duration),
		stepSuccesses: make(map[string]uint64),
		stepFailures:  make(map[string]uint64),
	}
}

// Register appends a step. Steps run in registration order every iteration.
func (e *Engine) Register(step Step) {
	e.steps = append(e.steps, step)
}

// RunIteration executes the step sequence once.
func (e *Engine) RunIteration(ctx context.Context) error {
	e.mu.Lock()
	e.iterations++
	iteration := e.iterations
	e.mu.Unlock()

	for _, step := range e.steps {
		begin := time.Now()
		err := step.Run(ctx)
		elapsed := time.Since(begin)
		e.record(step.Name, elapsed, err)

		if err == nil {
			continue
		}

		e.logStepFailure(step.Name, iteration, err)
		if step.ContinueOnError {
			continue
		}
		return errors.Wrap(ErrStepFailed, err)
	}
	return nil
}

// RunLoop repeats RunIteration every interval until the context is
// cancelled or maxIterations (0 means unbounded) is reached. Step failures
// never end the loop; the only exit conditions are cancellation and the
// iteration bound.
func (e *Engine) RunLoop(ctx context.Context, maxIterations uint64) error {
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	var done uint64
	for {
		if err := e.RunIteration(ctx); err != nil {
			e.logger.Warn(fmt.Sprintf("%s iteration aborted, retrying next interval", e.name), slog.Any("error", err))
		}
		done++
		if maxIterations > 0 && done >= maxIterations {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Snapshot copies the execution counters for observability consumers.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()

	stats := Stats{
		Iterations:    e.iterations,
		FailedSteps:   e.failedSteps,
		LastError:     e.lastError,
		StepDurations: make(map[string]time.Duration, len(e.stepDurations)),
		StepSuccesses: make(map[string]uint64, len(e.stepSuccesses)),
		StepFailures:  make(map[string]uint64, len(e.stepFailures)),
	}
	for k, v := range e.stepDurations {
		stats.StepDurations[k] = v
	}
	for k, v := range e.stepSuccesses {
		stats.StepSuccesses[k] = v
	}
	for k, v := range e.stepFailures {
		stats.StepFailures[k] = v
	}
	return stats
}

func (e *Engine) record(step string, elapsed time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "failure"
	}
	e.counter.With("step", step, "status", status).Add(1)
	e.latency.With("step", step, "status", status).Observe(elapsed.Seconds())

	e.mu.Lock()
	defer e.mu.Unlock()
	e.stepDurations[step] = elapsed
	if err != nil {
		e.failedSteps++
		e.stepFailures[step]++
		e.lastError = err.Error()
		return
	}
	e.stepSuccesses[step]++
}

// logStepFailure applies the severity policy: authorization failures and
// local defects are errors, everything transient is a warning handled by
// the next poll cycle.
func (e *Engine) logStepFailure(step string, iteration uint64, err error) {
	attrs := []any{
		slog.String("step", step),
		slog.Uint64("iteration", iteration),
		slog.Any("error", err),
	}
	switch errors.KindOf(err) {
	case errors.KindAuthorization:
		e.logger.Error(fmt.Sprintf("%s step rejected as unauthorized", e.name), attrs...)
	case errors.KindMalformed:
		e.logger.Error(fmt.Sprintf("%s step failed with a local defect, will not be retried", e.name), attrs...)
	default:
		e.logger.Warn(fmt.Sprintf("%s step failed", e.name), attrs...)
	}
}
