package syncengine

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetd/pkg/broker"
	"github.com/cuemby/fleetd/pkg/connmonitor"
	"github.com/cuemby/fleetd/pkg/eventbus"
	"github.com/cuemby/fleetd/pkg/httpclient"
	"github.com/cuemby/fleetd/pkg/identity"
	"github.com/cuemby/fleetd/pkg/queue"
	"github.com/cuemby/fleetd/pkg/types"
)

type fixedState struct {
	state types.CurrentState
}

func (f fixedState) GetCurrentState() types.CurrentState { return f.state }

// newTestEngine builds an Engine against a real (temp-dir-backed) identity
// store and offline queue and an unconnected broker, talking to baseURL for
// everything HTTP.
func newTestEngine(t *testing.T, baseURL string) (*Engine, *identity.Store, *queue.Queue) {
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
	httpClient := httpclient.New("test-key", 2*time.Second)
	brokerClient := broker.New(broker.Options{URL: "tcp://127.0.0.1:1"}, zerolog.Nop())

	e := New(
		Options{DeviceUUID: "device-1", CloudBaseURL: baseURL},
		httpClient, brokerClient, bus, monitor, idStore, offlineQueue,
		fixedState{}, nil, nil, zerolog.Nop(),
	)
	return e, idStore, offlineQueue
}

func TestPollOnceDecodesUUIDKeyedEnvelope(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"v1"`)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"device-1":{"apps":{},"config":{},"version":3,"needs_deployment":true}}`))
	}))
	defer server.Close()

	e, idStore, _ := newTestEngine(t, server.URL)

	err := e.pollOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, uint64(3), e.lastVersion, "target state must be read out of the entry keyed by this device's own uuid")

	etag, err := idStore.LoadETag()
	require.NoError(t, err)
	assert.Equal(t, `"v1"`, etag)
}

func TestPollOnceErrorsWhenEnvelopeMissingDeviceEntry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"some-other-device":{"apps":{},"config":{},"version":1}}`))
	}))
	defer server.Close()

	e, _, _ := newTestEngine(t, server.URL)

	err := e.pollOnce(context.Background())
	assert.Error(t, err, "a response with no entry for this device's uuid is not a valid target state")
}

func TestSendPatchesUUIDKeyedEnvelopeWithFlattenedMetrics(t *testing.T) {
	type wireReport struct {
		Version  uint64  `json:"version"`
		IsOnline bool    `json:"is_online"`
		CPUUsage float64 `json:"cpu_usage"`
	}
	var captured map[string]wireReport

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "gzip", r.Header.Get("Content-Encoding"))
		reader, err := gzip.NewReader(r.Body)
		require.NoError(t, err)
		defer reader.Close()
		require.NoError(t, json.NewDecoder(reader).Decode(&captured))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e, _, _ := newTestEngine(t, server.URL)

	report := types.StateReport{
		Version:  5,
		IsOnline: true,
		Metrics:  &types.Metrics{CPUUsage: 42.5},
	}

	require.NoError(t, e.send(context.Background(), report))

	entry, ok := captured["device-1"]
	require.True(t, ok, "the report must be wrapped in a {<uuid>: {...}} envelope keyed by this device")
	assert.Equal(t, uint64(5), entry.Version)
	assert.True(t, entry.IsOnline)
	assert.Equal(t, 42.5, entry.CPUUsage, "Metrics fields are flattened onto the report object, not nested")
}

func TestReportOnceEnqueuesOnlyOnceTheMonitorDeclaresOffline(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	e, _, offlineQueue := newTestEngine(t, server.URL)

	e.reportOnce(context.Background()) // 1st consecutive failure: still online
	size, err := offlineQueue.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, size, "a single report failure should not enqueue while still online")

	e.reportOnce(context.Background()) // 2nd: degraded, still not offline
	size, err = offlineQueue.Size()
	require.NoError(t, err)
	assert.Equal(t, 0, size, "degraded is not offline; the queue is for offline periods specifically")

	e.reportOnce(context.Background()) // 3rd: offline
	size, err = offlineQueue.Size()
	require.NoError(t, err)
	assert.Equal(t, 1, size, "once the monitor calls it offline, a failed report must be queued")
}
