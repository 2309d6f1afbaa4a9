// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package workflow_test

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/absmach/certs-agent/pkg/errors"
	"github.com/absmach/certs-agent/workflow"
	"github.com/go-kit/kit/metrics/discard"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var logger = slog.New(slog.NewTextHandler(io.Discard, nil))

func newEngine(interval time.Duration) *workflow.Engine {
	return workflow.New("test", interval, logger, discard.NewCounter(), discard.NewHistogram())
}

func TestRunIterationOrder(t *testing.T) {
	e := newEngine(time.Minute)

	var order []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		e.Register(workflow.Step{
			Name: name,
			Run: func(context.Context) error {
				order = append(order, name)
				return nil
			},
		})
	}

	require.NoError(t, e.RunIteration(context.Background()))
	assert.Equal(t, []string{"first", "second", "third"}, order)

	stats := e.Snapshot()
	assert.Equal(t, uint64(1), stats.Iterations)
	assert.Equal(t, uint64(0), stats.FailedSteps)
	assert.Equal(t, uint64(1), stats.StepSuccesses["second"])
}

func TestRunIterationAbortsOnFailure(t *testing.T) {
	e := newEngine(time.Minute)
	stepErr := errors.New("boom")

	var ran []string
	e.Register(workflow.Step{Name: "ok", Run: func(context.Context) error {
		ran = append(ran, "ok")
		return nil
	}})
	e.Register(workflow.Step{Name: "fails", Run: func(context.Context) error {
		ran = append(ran, "fails")
		return stepErr
	}})
	e.Register(workflow.Step{Name: "skipped", Run: func(context.Context) error {
		ran = append(ran, "skipped")
		return nil
	}})

	err := e.RunIteration(context.Background())
	assert.True(t, errors.Contains(err, workflow.ErrStepFailed), "expected %v, got %v", workflow.ErrStepFailed, err)
	assert.Equal(t, []string{"ok", "fails"}, ran)

	stats := e.Snapshot()
	assert.Equal(t, uint64(1), stats.FailedSteps)
	assert.Equal(t, uint64(1), stats.StepFailures["fails"])
	assert.Contains(t, stats.LastError, "boom")
}

func TestRunIterationContinueOnError(t *testing.T) {
	e := newEngine(time.Minute)

	var ran []string
	e.Register(workflow.Step{
		Name:            "tolerated",
		ContinueOnError: true,
		Run: func(context.Context) error {
			ran = append(ran, "tolerated")
			return errors.New("soft failure")
		},
	})
	e.Register(workflow.Step{Name: "after", Run: func(context.Context) error {
		ran = append(ran, "after")
		return nil
	}})

	require.NoError(t, e.RunIteration(context.Background()))
	assert.Equal(t, []string{"tolerated", "after"}, ran)
	assert.Equal(t, uint64(1), e.Snapshot().FailedSteps)
}

func TestRunLoopSurvivesStepFailures(t *testing.T) {
	e := newEngine(time.Millisecond)

	var calls int
	e.Register(workflow.Step{Name: "flaky", Run: func(context.Context) error {
		calls++
		return errors.NewKind("still broken", errors.KindTransient)
	}})

	require.NoError(t, e.RunLoop(context.Background(), 3))
	assert.Equal(t, 3, calls)
	assert.Equal(t, uint64(3), e.Snapshot().Iterations)
}

func TestRunLoopStopsOnCancel(t *testing.T) {
	e := newEngine(time.Hour)
	e.Register(workflow.Step{Name: "noop", Run: func(context.Context) error { return nil }})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := e.RunLoop(ctx, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(1), e.Snapshot().Iterations)
}
