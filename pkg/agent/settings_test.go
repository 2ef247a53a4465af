package agent

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetd/pkg/broker"
	"github.com/cuemby/fleetd/pkg/config"
	"github.com/cuemby/fleetd/pkg/configdist"
	"github.com/cuemby/fleetd/pkg/connmonitor"
	"github.com/cuemby/fleetd/pkg/driver"
	"github.com/cuemby/fleetd/pkg/eventbus"
	"github.com/cuemby/fleetd/pkg/httpclient"
	"github.com/cuemby/fleetd/pkg/identity"
	"github.com/cuemby/fleetd/pkg/jobdelivery"
	"github.com/cuemby/fleetd/pkg/jobengine"
	"github.com/cuemby/fleetd/pkg/queue"
	"github.com/cuemby/fleetd/pkg/reconciler"
	"github.com/cuemby/fleetd/pkg/syncengine"
	"github.com/cuemby/fleetd/pkg/types"
)

// noopDriver satisfies driver.Driver with no-op behavior; these tests only
// exercise settings dispatch, never a working container runtime.
type noopDriver struct{}

func (noopDriver) Name() string                            { return "noop" }
func (noopDriver) Version(context.Context) (string, error) { return "0", nil }
func (noopDriver) ApplyPlan(context.Context, driver.Plan) ([]driver.ApplyResult, error) {
	return nil, nil
}
func (noopDriver) Observe(context.Context) (types.CurrentState, error) {
	return types.CurrentState{}, nil
}
func (noopDriver) AttachLogs(context.Context, string, driver.LogSink) error { return nil }
func (noopDriver) Close() error                                            { return nil }

func newTestAgent(t *testing.T) *Agent {
	t.Helper()
	dir := t.TempDir()

	idStore, err := identity.Open(dir)
	require.NoError(t, err)
	t.Cleanup(func() { idStore.Close() })

	offlineQueue, err := queue.Open(dir, 16)
	require.NoError(t, err)
	t.Cleanup(func() { offlineQueue.Close() })

	bus := eventbus.New(zerolog.Nop(), 8)
	monitor := connmonitor.New(bus, zerolog.Nop())
	httpClient := httpclient.New("key", time.Second)
	brokerClient := broker.New(broker.Options{URL: "tcp://127.0.0.1:1"}, zerolog.Nop())

	recon := reconciler.New(noopDriver{}, bus, zerolog.Nop(), time.Hour)
	engine := jobengine.New(jobengine.NewHandlerRegistry(), zerolog.Nop(), nil)
	delivery := jobdelivery.New(jobdelivery.Options{DeviceUUID: "device-1"}, brokerClient, httpClient, engine, zerolog.Nop())

	sync := syncengine.New(
		syncengine.Options{DeviceUUID: "device-1", CloudBaseURL: "http://cloud.invalid"},
		httpClient, brokerClient, bus, monitor, idStore, offlineQueue,
		recon, nil, nil, zerolog.Nop(),
	)

	return &Agent{
		bus:      bus,
		recon:    recon,
		sync:     sync,
		delivery: delivery,
	}
}

// TestRegisterSettingsDispatchesEverySettingsKey exercises every recognized
// settings.<key> once, confirming registerSettings routes each to the
// matching component without panicking or sending it somewhere unexpected.
// The interval setters themselves (reconciler.SetInterval,
// syncengine.Engine.SetPollInterval/SetReportInterval/SetMetricsInterval,
// jobdelivery.Delivery.SetPollInterval) each have their own unit tests; this
// one is about the routing switch, not their internals.
func TestRegisterSettingsDispatchesEverySettingsKey(t *testing.T) {
	a := newTestAgent(t)
	a.registerSettings()
	defer a.settingsUnsub()

	keys := []string{
		config.KeySettingsReconciliationIntervalMs,
		config.KeySettingsTargetStatePollIntervalMs,
		config.KeySettingsDeviceReportIntervalMs,
		config.KeySettingsMetricsIntervalMs,
		config.KeySettingsCloudJobsPollingIntervalMs,
		config.KeySettingsShadowPublishIntervalMs,
	}
	for _, key := range keys {
		a.bus.Publish(eventbus.Event{
			Topic:   eventbus.TopicSettingsChanged,
			Payload: configdist.SettingsChange{Key: key, Value: 10 * time.Second},
		})
	}

	// eventbus dispatch is asynchronous; give the subscriber a moment to
	// drain before the test (and its deferred cleanup) tears components down.
	time.Sleep(20 * time.Millisecond)
}

func TestRegisterSettingsIgnoresUnknownKey(t *testing.T) {
	a := newTestAgent(t)
	a.registerSettings()
	defer a.settingsUnsub()

	a.bus.Publish(eventbus.Event{
		Topic:   eventbus.TopicSettingsChanged,
		Payload: configdist.SettingsChange{Key: "somethingElse", Value: time.Second},
	})
	time.Sleep(20 * time.Millisecond)
}

func TestRegisterSettingsIgnoresNonDurationValue(t *testing.T) {
	a := newTestAgent(t)
	a.registerSettings()
	defer a.settingsUnsub()

	a.bus.Publish(eventbus.Event{
		Topic: eventbus.TopicSettingsChanged,
		Payload: configdist.SettingsChange{
			Key:   config.KeySettingsReconciliationIntervalMs,
			Value: "not-a-duration",
		},
	})
	time.Sleep(20 * time.Millisecond)
}
