// Package reconciler is fleetd's core control loop: it diffs the cloud's
// declared TargetState against the driver's observed CurrentState, builds
// a driver.Plan, and applies it on a fixed interval using the same
// ticker+stopCh long-lived-goroutine idiom every other polling loop in
// this agent uses.
package reconciler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetd/pkg/driver"
	"github.com/cuemby/fleetd/pkg/eventbus"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/types"
)

// unhealthyThreshold is the number of consecutive failed apply attempts on
// a service before it is reported via eventbus.TopicServiceUnhealthy.
const unhealthyThreshold = 3

// Reconciler owns the device's target/current state and runs the
// reconciliation loop.
type Reconciler struct {
	mu sync.RWMutex

	target  types.TargetState
	current types.CurrentState

	fingerprints map[string]string // serviceID -> last-applied fingerprint
	failures     map[string]int    // serviceID -> consecutive failed applies

	driver     driver.Driver
	bus        *eventbus.Bus
	logger     zerolog.Logger
	intervalMu sync.Mutex
	interval   time.Duration
	ticker     *time.Ticker

	running chan struct{} // acts as a 1-slot semaphore guarding overlap
	stopCh  chan struct{}
	unsub   func()
}

// New creates a Reconciler. It subscribes to
// eventbus.TopicTargetStateChanged so the Sync Engine (or any other
// component) can hand it a new target without a direct dependency.
func New(d driver.Driver, bus *eventbus.Bus, logger zerolog.Logger, interval time.Duration) *Reconciler {
	r := &Reconciler{
		fingerprints: make(map[string]string),
		failures:     make(map[string]int),
		driver:       d,
		bus:          bus,
		logger:       logger,
		interval:     interval,
		running:      make(chan struct{}, 1),
		stopCh:       make(chan struct{}),
	}

	r.unsub = bus.Subscribe(eventbus.TopicTargetStateChanged, func(ev eventbus.Event) {
		if target, ok := ev.Payload.(types.TargetState); ok {
			r.SetTarget(target)
		}
	})

	return r
}

// SetTarget installs a new desired state. Rapid successive calls collapse
// naturally: only the most recently set target is ever read by the next
// reconciliation tick, so a burst of target-state-changed events applies
// only the last one.
func (r *Reconciler) SetTarget(target types.TargetState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.target = target
}

// GetTargetState returns the currently installed target.
func (r *Reconciler) GetTargetState() types.TargetState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.target
}

// GetCurrentState returns the most recently observed current state.
func (r *Reconciler) GetCurrentState() types.CurrentState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Start runs the reconciliation loop until ctx is canceled or Stop is
// called.
func (r *Reconciler) Start(ctx context.Context) {
	r.intervalMu.Lock()
	ticker := time.NewTicker(r.interval)
	r.ticker = ticker
	r.intervalMu.Unlock()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// SetInterval changes the reconciliation tick period. It takes effect on
// the running ticker immediately (the next tick fires `d` after the
// call), matching how the config distributor rewires a live loop's
// interval without restarting it.
func (r *Reconciler) SetInterval(d time.Duration) {
	r.intervalMu.Lock()
	defer r.intervalMu.Unlock()
	r.interval = d
	if r.ticker != nil {
		r.ticker.Reset(d)
	}
}

// Stop ends the reconciliation loop and unsubscribes from the event bus.
func (r *Reconciler) Stop() {
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	if r.unsub != nil {
		r.unsub()
	}
}

// tick runs exactly one reconciliation pass, skipping entirely if the
// previous pass is still running (a slow driver call should never cause
// two overlapping plans to apply against the same containers).
func (r *Reconciler) tick(ctx context.Context) {
	select {
	case r.running <- struct{}{}:
	default:
		r.logger.Warn().Msg("reconciliation tick skipped: previous run still in progress")
		return
	}
	defer func() { <-r.running }()

	if err := r.reconcileOnce(ctx); err != nil {
		r.logger.Error().Err(err).Msg("reconciliation pass failed")
	}
}

func (r *Reconciler) reconcileOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	observed, err := r.driver.Observe(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	target := r.target
	fingerprints := make(map[string]string, len(r.fingerprints))
	for k, v := range r.fingerprints {
		fingerprints[k] = v
	}
	r.mu.Unlock()

	plan := buildPlan(target, observed, fingerprints)
	if len(plan.Actions) == 0 {
		r.mu.Lock()
		r.current = observed
		r.mu.Unlock()
		return nil
	}

	results, err := r.driver.ApplyPlan(ctx, plan)
	if err != nil {
		return err
	}

	r.mu.Lock()
	for _, res := range results {
		svc := res.Action.ServiceID
		if res.Err != nil {
			r.failures[svc]++
			if r.failures[svc] == unhealthyThreshold {
				metrics.ServicesUnhealthyTotal.Inc()
				r.bus.Publish(eventbus.Event{Topic: eventbus.TopicServiceUnhealthy, Payload: svc})
			}
			continue
		}
		// A pull failure must never erase a good running container's
		// fingerprint: only a successful create/start/recreate commits
		// the new fingerprint, so a failed pull leaves the service
		// eligible for retry next tick without touching what's live.
		if res.Action.Type == driver.ActionCreateContainer || res.Action.Type == driver.ActionRecreateAndStart {
			r.fingerprints[svc] = fingerprint(res.Action.Spec)
		}
		if res.Action.Type == driver.ActionRemoveContainer {
			delete(r.fingerprints, svc)
			delete(r.failures, svc)
		}
		if res.Err == nil {
			r.failures[svc] = 0
		}
	}
	r.mu.Unlock()

	reobserved, err := r.driver.Observe(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.current = reobserved
	r.mu.Unlock()

	r.bus.Publish(eventbus.Event{Topic: eventbus.TopicCurrentStateChanged, Payload: reobserved})
	r.bus.Publish(eventbus.Event{Topic: eventbus.TopicReconciliationDone, Payload: nil})

	return nil
}
