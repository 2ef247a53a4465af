package jobdelivery

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetd/pkg/jobengine"
	"github.com/cuemby/fleetd/pkg/types"
)

func ctxTimeout() <-chan time.Time { return time.After(time.Second) }
func ctxWait() time.Duration       { return time.Second }
func ctxTick() time.Duration       { return 5 * time.Millisecond }

// newTestDelivery builds a Delivery without a real broker/http client, since
// deliver's dedupe and busy-gating logic never touches either.
func newTestDelivery(engine *jobengine.Engine) *Delivery {
	return &Delivery{
		opts:   Options{DeviceUUID: "device-1"},
		engine: engine,
		logger: zerolog.Nop(),
		mode:   ModeHTTP,
		seen:   make(map[types.JobKey]struct{}),
		stopCh: make(chan struct{}),
	}
}

func newIdleEngine() *jobengine.Engine {
	return jobengine.New(jobengine.NewHandlerRegistry(), zerolog.Nop(), nil)
}

func TestDeliverExecutesNewJob(t *testing.T) {
	registry := jobengine.NewHandlerRegistry()
	started := make(chan struct{}, 1)
	registry.Register("noop", func(ctx context.Context, input map[string]any) jobengine.StepResult {
		started <- struct{}{}
		return jobengine.StepResult{}
	})
	engine := jobengine.New(registry, zerolog.Nop(), nil)
	d := newTestDelivery(engine)

	job := types.JobExecutionData{JobID: "job-1", JobDocument: types.JobDocument{Steps: []types.JobStep{{Action: types.JobAction{Type: "noop"}}}}}
	d.deliver(context.Background(), job)

	select {
	case <-started:
	case <-ctxTimeout():
		t.Fatal("expected job to execute")
	}
}

func TestDeliverIgnoresDuplicateKey(t *testing.T) {
	registry := jobengine.NewHandlerRegistry()
	var runs int
	done := make(chan struct{}, 2)
	registry.Register("noop", func(ctx context.Context, input map[string]any) jobengine.StepResult {
		runs++
		done <- struct{}{}
		return jobengine.StepResult{}
	})
	engine := jobengine.New(registry, zerolog.Nop(), nil)
	d := newTestDelivery(engine)

	job := types.JobExecutionData{JobID: "job-1", VersionNumber: 1, ExecutionNumber: 1, JobDocument: types.JobDocument{Steps: []types.JobStep{{Action: types.JobAction{Type: "noop"}}}}}
	d.deliver(context.Background(), job)
	<-done
	// wait for the engine to go idle again before the second attempt
	require.Eventually(t, func() bool { return !engine.IsBusy() }, ctxWait(), ctxTick())

	d.deliver(context.Background(), job)

	select {
	case <-done:
		t.Fatal("duplicate job key must not execute twice")
	case <-ctxTimeout():
	}
}

func TestDeliverDropsWhenEngineBusy(t *testing.T) {
	registry := jobengine.NewHandlerRegistry()
	release := make(chan struct{})
	registry.Register("block", func(ctx context.Context, input map[string]any) jobengine.StepResult {
		<-release
		return jobengine.StepResult{}
	})
	engine := jobengine.New(registry, zerolog.Nop(), nil)
	d := newTestDelivery(engine)

	first := types.JobExecutionData{JobID: "job-1", JobDocument: types.JobDocument{Steps: []types.JobStep{{Action: types.JobAction{Type: "block"}}}}}
	d.deliver(context.Background(), first)
	require.Eventually(t, func() bool { return engine.IsBusy() }, ctxWait(), ctxTick())

	second := types.JobExecutionData{JobID: "job-2"}
	d.deliver(context.Background(), second)

	_, busy := engine.CurrentJob()
	assert.True(t, busy)
	key, _ := engine.CurrentJob()
	assert.Equal(t, first.Key(), key, "the busy engine must still be running the first job, not the second")

	close(release)
}

func TestDeliverRetriedAfterBusyDropEventuallyExecutes(t *testing.T) {
	registry := jobengine.NewHandlerRegistry()
	release := make(chan struct{})
	registry.Register("block", func(ctx context.Context, input map[string]any) jobengine.StepResult {
		<-release
		return jobengine.StepResult{}
	})
	started := make(chan struct{}, 1)
	registry.Register("noop", func(ctx context.Context, input map[string]any) jobengine.StepResult {
		started <- struct{}{}
		return jobengine.StepResult{}
	})
	engine := jobengine.New(registry, zerolog.Nop(), nil)
	d := newTestDelivery(engine)

	blocker := types.JobExecutionData{JobID: "job-1", JobDocument: types.JobDocument{Steps: []types.JobStep{{Action: types.JobAction{Type: "block"}}}}}
	d.deliver(context.Background(), blocker)
	require.Eventually(t, func() bool { return engine.IsBusy() }, ctxWait(), ctxTick())

	retried := types.JobExecutionData{JobID: "job-2", JobDocument: types.JobDocument{Steps: []types.JobStep{{Action: types.JobAction{Type: "noop"}}}}}
	d.deliver(context.Background(), retried) // dropped: engine busy

	close(release)
	require.Eventually(t, func() bool { return !engine.IsBusy() }, ctxWait(), ctxTick())

	// The re-notify/re-poll the primary promised: same key, delivered again
	// now that the engine is free. It must not have been marked seen on
	// the earlier busy drop, or this would be silently ignored forever.
	d.deliver(context.Background(), retried)

	select {
	case <-started:
	case <-ctxTimeout():
		t.Fatal("job dropped while busy must still run once retried")
	}
}

func TestSetPollIntervalUpdatesOptsWithoutTicker(t *testing.T) {
	d := newTestDelivery(newIdleEngine())
	d.SetPollInterval(45 * time.Second)
	assert.Equal(t, 45*time.Second, d.opts.PollInterval)
}

func TestSetPollIntervalResetsLiveTicker(t *testing.T) {
	d := newTestDelivery(newIdleEngine())
	d.pollTicker = time.NewTicker(time.Hour)
	defer d.pollTicker.Stop()

	d.SetPollInterval(5 * time.Millisecond)

	select {
	case <-d.pollTicker.C:
	case <-time.After(time.Second):
		t.Fatal("reset ticker never fired at the new interval")
	}
}
