package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetd/pkg/driver"
	"github.com/cuemby/fleetd/pkg/eventbus"
	"github.com/cuemby/fleetd/pkg/types"
)

// fakeDriver is a hand-written test double, not a mocking-framework
// generated one, matching the rest of this codebase's test style.
type fakeDriver struct {
	mu           sync.Mutex
	observed     types.CurrentState
	applyErr     map[driver.ActionType]error // force a given action type to fail
	applied      []driver.Action
	observeCalls int
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{applyErr: make(map[driver.ActionType]error)}
}

func (f *fakeDriver) Name() string                             { return "fake" }
func (f *fakeDriver) Version(ctx context.Context) (string, error) { return "1.0", nil }
func (f *fakeDriver) Close() error                              { return nil }
func (f *fakeDriver) AttachLogs(ctx context.Context, serviceID string, sink driver.LogSink) error {
	return nil
}

func (f *fakeDriver) Observe(ctx context.Context) (types.CurrentState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.observeCalls++
	return f.observed, nil
}

func (f *fakeDriver) Observations() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.observeCalls
}

func (f *fakeDriver) ApplyPlan(ctx context.Context, plan driver.Plan) ([]driver.ApplyResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	results := make([]driver.ApplyResult, 0, len(plan.Actions))
	for _, action := range plan.Actions {
		f.applied = append(f.applied, action)
		err := f.applyErr[action.Type]
		results = append(results, driver.ApplyResult{Action: action, Err: err})

		if err == nil {
			switch action.Type {
			case driver.ActionCreateContainer, driver.ActionStartContainer, driver.ActionRecreateAndStart:
				f.setRunning(action)
			case driver.ActionRemoveContainer:
				f.removeRunning(action)
			}
		}
	}
	return results, nil
}

func (f *fakeDriver) setRunning(action driver.Action) {
	if f.observed.Apps == nil {
		f.observed.Apps = make(map[string]types.AppSpec)
	}
	app := f.observed.Apps[action.AppID]
	app.AppID = action.AppID

	for i, svc := range app.Services {
		if svc.ServiceID == action.ServiceID {
			app.Services[i] = action.Spec
			f.observed.Apps[action.AppID] = app
			return
		}
	}
	app.Services = append(app.Services, action.Spec)
	f.observed.Apps[action.AppID] = app
}

func (f *fakeDriver) removeRunning(action driver.Action) {
	app, ok := f.observed.Apps[action.AppID]
	if !ok {
		return
	}
	kept := app.Services[:0]
	for _, svc := range app.Services {
		if svc.ServiceID != action.ServiceID {
			kept = append(kept, svc)
		}
	}
	app.Services = kept
	f.observed.Apps[action.AppID] = app
}

func newTestBus() *eventbus.Bus {
	return eventbus.New(zerolog.Nop(), 8)
}

func TestReconcileOnceStandsUpNewService(t *testing.T) {
	fd := newFakeDriver()
	bus := newTestBus()
	r := New(fd, bus, zerolog.Nop(), time.Hour)

	r.SetTarget(types.TargetState{
		Apps: map[string]types.AppSpec{
			"app1": {AppID: "app1", Services: []types.ServiceSpec{{ServiceID: "web", ImageName: "nginx"}}},
		},
	})

	err := r.reconcileOnce(context.Background())
	require.NoError(t, err)

	current := r.GetCurrentState()
	require.Len(t, current.Apps["app1"].Services, 1)
	assert.Equal(t, "web", current.Apps["app1"].Services[0].ServiceID)
}

func TestReconcileOnceEmitsUnhealthyAfterThreeConsecutiveFailures(t *testing.T) {
	fd := newFakeDriver()
	fd.applyErr[driver.ActionPullImage] = errors.New("registry unreachable")
	bus := newTestBus()
	r := New(fd, bus, zerolog.Nop(), time.Hour)

	unhealthy := make(chan string, 1)
	unsub := bus.Subscribe(eventbus.TopicServiceUnhealthy, func(ev eventbus.Event) {
		if svc, ok := ev.Payload.(string); ok {
			select {
			case unhealthy <- svc:
			default:
			}
		}
	})
	defer unsub()

	r.SetTarget(types.TargetState{
		Apps: map[string]types.AppSpec{
			"app1": {AppID: "app1", Services: []types.ServiceSpec{{ServiceID: "web", ImageName: "nginx"}}},
		},
	})

	for i := 0; i < 2; i++ {
		require.NoError(t, r.reconcileOnce(context.Background()))
		select {
		case <-unhealthy:
			t.Fatalf("unhealthy event fired too early, at attempt %d", i+1)
		case <-time.After(50 * time.Millisecond):
		}
	}

	require.NoError(t, r.reconcileOnce(context.Background()))
	select {
	case svc := <-unhealthy:
		assert.Equal(t, "web", svc)
	case <-time.After(time.Second):
		t.Fatal("expected unhealthy event on third consecutive failure")
	}
}

func TestReconcileOnceLeavesFingerprintAloneOnFailedPull(t *testing.T) {
	spec := types.ServiceSpec{ServiceID: "web", ImageName: "nginx:1.25"}
	fd := newFakeDriver()
	fd.observed = types.CurrentState{
		Apps: map[string]types.AppSpec{"app1": {AppID: "app1", Services: []types.ServiceSpec{spec}}},
	}
	bus := newTestBus()
	r := New(fd, bus, zerolog.Nop(), time.Hour)
	r.fingerprints["web"] = fingerprint(spec)

	changed := spec
	changed.ImageName = "nginx:1.26"
	fd.applyErr[driver.ActionPullImage] = errors.New("registry unreachable")

	r.SetTarget(types.TargetState{
		Apps: map[string]types.AppSpec{"app1": {AppID: "app1", Services: []types.ServiceSpec{changed}}},
	})

	require.NoError(t, r.reconcileOnce(context.Background()))

	r.mu.RLock()
	defer r.mu.RUnlock()
	assert.Equal(t, fingerprint(spec), r.fingerprints["web"], "a failed pull must not overwrite the last-known-good fingerprint")
}

func TestReconcileOnceTearsDownRemovedService(t *testing.T) {
	spec := types.ServiceSpec{ServiceID: "old", ImageName: "redis"}
	fd := newFakeDriver()
	fd.observed = types.CurrentState{
		Apps: map[string]types.AppSpec{"app1": {AppID: "app1", Services: []types.ServiceSpec{spec}}},
	}
	bus := newTestBus()
	r := New(fd, bus, zerolog.Nop(), time.Hour)
	r.fingerprints["old"] = fingerprint(spec)

	r.SetTarget(types.TargetState{})

	require.NoError(t, r.reconcileOnce(context.Background()))

	current := r.GetCurrentState()
	assert.Empty(t, current.Apps["app1"].Services)
}

func TestSetIntervalUpdatesFieldBeforeStart(t *testing.T) {
	r := New(newFakeDriver(), newTestBus(), zerolog.Nop(), time.Hour)
	r.SetInterval(5 * time.Second)

	r.intervalMu.Lock()
	defer r.intervalMu.Unlock()
	assert.Equal(t, 5*time.Second, r.interval)
}

func TestSetIntervalResetsRunningTicker(t *testing.T) {
	fd := newFakeDriver()
	r := New(fd, newTestBus(), zerolog.Nop(), time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Start(ctx)

	require.Eventually(t, func() bool {
		r.intervalMu.Lock()
		defer r.intervalMu.Unlock()
		return r.ticker != nil
	}, time.Second, time.Millisecond, "ticker should be set once Start runs")

	r.SetInterval(5 * time.Millisecond)
	require.Eventually(t, func() bool {
		return fd.Observations() > 0
	}, time.Second, time.Millisecond, "a reconciliation tick should fire well before the original hour-long interval")

	r.Stop()
}
