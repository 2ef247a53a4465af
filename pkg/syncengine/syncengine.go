// Package syncengine runs a poll loop that fetches TargetState from the
// cloud with conditional GET and backoff, and a report loop that sends a
// diff-minimal StateReport back, falling through to the offline queue
// when the cloud is unreachable.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"reflect"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetd/pkg/agenterrors"
	"github.com/cuemby/fleetd/pkg/broker"
	"github.com/cuemby/fleetd/pkg/connmonitor"
	"github.com/cuemby/fleetd/pkg/eventbus"
	"github.com/cuemby/fleetd/pkg/httpclient"
	"github.com/cuemby/fleetd/pkg/identity"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/queue"
	"github.com/cuemby/fleetd/pkg/types"
)

const (
	minBackoff = 15 * time.Second
	maxBackoff = 15 * time.Minute
	jitterFrac = 0.30
)

// Options configures an Engine.
type Options struct {
	DeviceUUID       string
	CloudBaseURL     string
	PollInterval     time.Duration
	ReportInterval   time.Duration
	MetricsInterval  time.Duration
}

// CurrentStateProvider supplies the device's observed reality for report
// construction; implemented by pkg/reconciler.Reconciler in production.
type CurrentStateProvider interface {
	GetCurrentState() types.CurrentState
}

// MetricsProvider supplies the optional system-metrics payload, sampled at
// most once per MetricsInterval.
type MetricsProvider func() *types.Metrics

// FeatureHealthProvider supplies feature health snapshots for a report.
type FeatureHealthProvider func() []types.FeatureHealth

// Engine runs the poll and report loops.
type Engine struct {
	opts Options

	http    *httpclient.Client
	broker  *broker.Client
	bus     *eventbus.Bus
	monitor *connmonitor.Monitor
	idStore *identity.Store
	offline *queue.Queue
	logger  zerolog.Logger

	state    CurrentStateProvider
	metrics  MetricsProvider
	features FeatureHealthProvider

	mu           sync.Mutex
	lastReported types.StateReport
	haveReported bool
	lastMetrics  time.Time
	pollFailures int
	lastVersion  uint64
	haveVersion  bool
	reportTicker *time.Ticker

	stopCh chan struct{}
	unsub  func()
}

// New creates an Engine. It subscribes to eventbus.TopicConnectionRestored
// so a reconnect drains the offline queue without polling for it.
func New(
	opts Options,
	httpClient *httpclient.Client,
	brokerClient *broker.Client,
	bus *eventbus.Bus,
	monitor *connmonitor.Monitor,
	idStore *identity.Store,
	offlineQueue *queue.Queue,
	state CurrentStateProvider,
	metrics MetricsProvider,
	features FeatureHealthProvider,
	logger zerolog.Logger,
) *Engine {
	if opts.PollInterval <= 0 {
		opts.PollInterval = minBackoff
	}
	if opts.ReportInterval <= 0 {
		opts.ReportInterval = 30 * time.Second
	}
	if opts.MetricsInterval <= 0 {
		opts.MetricsInterval = 5 * time.Minute
	}

	e := &Engine{
		opts:     opts,
		http:     httpClient,
		broker:   brokerClient,
		bus:      bus,
		monitor:  monitor,
		idStore:  idStore,
		offline:  offlineQueue,
		state:    state,
		metrics:  metrics,
		features: features,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}

	e.unsub = bus.Subscribe(eventbus.TopicConnectionRestored, func(eventbus.Event) {
		e.flushOfflineQueue()
	})

	return e
}

// Start runs the poll and report loops until ctx is canceled or Stop is
// called.
func (e *Engine) Start(ctx context.Context) {
	go e.pollLoop(ctx)
	go e.reportLoop(ctx)
}

// Stop ends both loops and unsubscribes from the event bus.
func (e *Engine) Stop() {
	select {
	case <-e.stopCh:
	default:
		close(e.stopCh)
	}
	if e.unsub != nil {
		e.unsub()
	}
}

func (e *Engine) pollLoop(ctx context.Context) {
	backoff := e.opts.PollInterval
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		err := e.pollOnce(ctx)
		if err != nil && !httpclient.IsNotModified(err) {
			e.monitor.MarkFailure(connmonitor.OpPoll, err)
			e.mu.Lock()
			e.pollFailures++
			n := e.pollFailures
			e.mu.Unlock()
			backoff = nextBackoff(n)
		} else {
			e.monitor.MarkSuccess(connmonitor.OpPoll)
			e.mu.Lock()
			e.pollFailures = 0
			e.mu.Unlock()
			backoff = e.pollInterval()
		}

		timer.Reset(withJitter(backoff))
	}
}

func (e *Engine) pollOnce(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PollDuration)

	etag, err := e.idStore.LoadETag()
	if err != nil {
		e.logger.Warn().Err(err).Msg("failed to load cached etag")
	}

	url := fmt.Sprintf("%s/device/%s/state", e.opts.CloudBaseURL, e.opts.DeviceUUID)
	result, err := e.http.Get(ctx, url, httpclient.GetOptions{IfNoneMatch: etag})
	if err != nil {
		return err
	}

	var envelope types.TargetStateEnvelope
	if err := json.Unmarshal(result.Body, &envelope); err != nil {
		return agenterrors.New(agenterrors.ProtocolError, fmt.Errorf("failed to decode target state: %w", err))
	}
	target, ok := envelope[e.opts.DeviceUUID]
	if !ok {
		return agenterrors.New(agenterrors.ProtocolError, fmt.Errorf("target state response missing entry for device %s", e.opts.DeviceUUID))
	}

	if err := e.idStore.SaveETag(result.ETag); err != nil {
		e.logger.Warn().Err(err).Msg("failed to persist etag")
	}

	e.checkVersion(target.Version)

	e.bus.Publish(eventbus.Event{Topic: eventbus.TopicTargetStateChanged, Payload: target})
	return nil
}

// checkVersion logs, rather than rejects, a target state whose version
// number is lower than the last one applied. The cloud resets a device's
// version counter to 1 after certain resets; any new version is accepted
// and applied, with a downgrade only ever surfaced as a log line.
func (e *Engine) checkVersion(version uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.haveVersion && version < e.lastVersion {
		e.logger.Warn().
			Uint64("previous_version", e.lastVersion).
			Uint64("new_version", version).
			Msg("target state version decreased, applying anyway")
	}
	e.lastVersion = version
	e.haveVersion = true
}

func (e *Engine) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(e.reportInterval())
	e.mu.Lock()
	e.reportTicker = ticker
	e.mu.Unlock()
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.reportOnce(ctx)
		}
	}
}

func (e *Engine) pollInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.PollInterval
}

func (e *Engine) reportInterval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.opts.ReportInterval
}

// SetPollInterval changes the target-state poll period; the change is
// picked up the next time the poll loop computes its backoff.
func (e *Engine) SetPollInterval(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.PollInterval = d
}

// SetReportInterval changes the state-report period, resetting the live
// ticker so the new interval takes effect on the next tick.
func (e *Engine) SetReportInterval(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.ReportInterval = d
	if e.reportTicker != nil {
		e.reportTicker.Reset(d)
	}
}

// SetMetricsInterval changes how often a report is allowed to carry a
// fresh metrics sample.
func (e *Engine) SetMetricsInterval(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.opts.MetricsInterval = d
}

func (e *Engine) reportOnce(ctx context.Context) {
	report := e.buildReport()

	e.mu.Lock()
	unchanged := e.haveReported && reportEqual(report, e.lastReported)
	e.mu.Unlock()
	if unchanged {
		return
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReportDuration)

	err := e.send(ctx, report)
	if err != nil {
		e.monitor.MarkFailure(connmonitor.OpReport, err)
		if e.monitor.GetHealth().Status == types.ConnectionOffline {
			if enqueueErr := e.offline.Enqueue(types.QueuedReport{Report: report.StripVerbose(), EnqueuedAt: now()}); enqueueErr != nil {
				e.logger.Error().Err(enqueueErr).Msg("failed to enqueue report for offline delivery")
			}
		}
		return
	}

	e.monitor.MarkSuccess(connmonitor.OpReport)
	e.mu.Lock()
	e.lastReported = report
	e.haveReported = true
	e.mu.Unlock()
}

func (e *Engine) buildReport() types.StateReport {
	state := e.state.GetCurrentState()

	report := types.StateReport{
		Apps:                   state.Apps,
		Config:                 state.Config,
		Version:                state.Version,
		IsOnline:               e.monitor.IsOnline(),
		SensorHealth:           nil,
		ProtocolAdaptersHealth: nil,
	}
	if e.features != nil {
		report.SensorHealth = e.features()
	}

	e.mu.Lock()
	dueForMetrics := e.metrics != nil && now().Sub(e.lastMetrics) >= e.opts.MetricsInterval
	e.mu.Unlock()

	if dueForMetrics {
		report.Metrics = e.metrics()
		e.mu.Lock()
		e.lastMetrics = now()
		e.mu.Unlock()
	}

	return report
}

// send attempts broker delivery first (preferred: lower overhead, no
// connection setup per report), falling back to HTTP PATCH if the broker
// is unavailable.
func (e *Engine) send(ctx context.Context, report types.StateReport) error {
	body, err := json.Marshal(types.StateReportEnvelope{e.opts.DeviceUUID: report})
	if err != nil {
		return fmt.Errorf("failed to marshal state report: %w", err)
	}

	if e.broker != nil && e.broker.IsConnected() {
		topic := fmt.Sprintf("iot/device/%s/state", e.opts.DeviceUUID)
		if err := e.broker.Publish(topic, body, broker.PublishOptions{QoS: 1}); err == nil {
			return nil
		}
	}

	url := fmt.Sprintf("%s/device/state", e.opts.CloudBaseURL)
	return e.http.Patch(ctx, url, body, httpclient.PatchOptions{Gzip: true})
}

func (e *Engine) flushOfflineQueue() {
	sent, err := e.offline.Flush(func(entry types.QueuedReport) error {
		body, err := json.Marshal(types.StateReportEnvelope{e.opts.DeviceUUID: entry.Report})
		if err != nil {
			return err
		}
		url := fmt.Sprintf("%s/device/state", e.opts.CloudBaseURL)
		return e.http.Patch(context.Background(), url, body, httpclient.PatchOptions{Gzip: true})
	}, queue.FlushOptions{MaxRetries: 1})

	if err != nil {
		e.logger.Warn().Err(err).Int("sent", sent).Msg("offline queue flush stopped early")
		return
	}
	if sent > 0 {
		e.logger.Info().Int("sent", sent).Msg("flushed offline queue after reconnect")
	}
}

func reportEqual(a, b types.StateReport) bool {
	// Runtime-only service fields are cleared before the apps are compared.
	stripRuntime := func(apps map[string]types.AppSpec) map[string]types.AppSpec {
		out := make(map[string]types.AppSpec, len(apps))
		for id, app := range apps {
			services := make([]types.ServiceSpec, len(app.Services))
			for i, svc := range app.Services {
				svc.ContainerID, svc.Status = "", ""
				services[i] = svc
			}
			app.Services = services
			out[id] = app
		}
		return out
	}
	return reflect.DeepEqual(stripRuntime(a.Apps), stripRuntime(b.Apps)) &&
		reflect.DeepEqual(a.Config, b.Config) &&
		a.Version == b.Version &&
		a.IsOnline == b.IsOnline
}

// nextBackoff computes min(maxBackoff, minBackoff*2^(n-1)) for the nth
// consecutive failure.
func nextBackoff(consecutiveFailures int) time.Duration {
	if consecutiveFailures < 1 {
		consecutiveFailures = 1
	}
	multiplier := math.Pow(2, float64(consecutiveFailures-1))
	d := time.Duration(float64(minBackoff) * multiplier)
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// withJitter applies +/-jitterFrac random jitter to d.
func withJitter(d time.Duration) time.Duration {
	delta := (rand.Float64()*2 - 1) * jitterFrac
	return time.Duration(float64(d) * (1 + delta))
}

var now = time.Now
