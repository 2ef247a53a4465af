package jobdelivery

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetd/pkg/httpclient"
	"github.com/cuemby/fleetd/pkg/jobengine"
	"github.com/cuemby/fleetd/pkg/types"
)

func newWireTestDelivery(engine *jobengine.Engine, baseURL string, mode Mode) *Delivery {
	return &Delivery{
		opts:   Options{DeviceUUID: "device-1", CloudBaseURL: baseURL},
		http:   httpclient.New("test-key", 2*time.Second),
		engine: engine,
		logger: zerolog.Nop(),
		mode:   mode,
		seen:   make(map[types.JobKey]struct{}),
		stopCh: make(chan struct{}),
	}
}

func TestPollOnceDecodesSnakeCaseJobPollResponse(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"job_id":"job-42","job_name":"restart","job_document":{"steps":[{"action":{"type":"noop"}}]},"timeout_seconds":5,"created_at":"2026-01-01T00:00:00Z"}`))
	}))
	defer server.Close()

	started := make(chan struct{}, 1)
	registry := jobengine.NewHandlerRegistry()
	registry.Register("noop", func(ctx context.Context, input map[string]any) jobengine.StepResult {
		started <- struct{}{}
		return jobengine.StepResult{}
	})
	engine := jobengine.New(registry, zerolog.Nop(), nil)
	d := newWireTestDelivery(engine, server.URL, ModeHTTP)

	d.pollOnce(context.Background())

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("a polled job in the documented snake_case shape must decode and execute")
	}
}

func TestHandleNotifyDecodesCamelCaseExecutionEnvelope(t *testing.T) {
	started := make(chan struct{}, 1)
	registry := jobengine.NewHandlerRegistry()
	registry.Register("noop", func(ctx context.Context, input map[string]any) jobengine.StepResult {
		started <- struct{}{}
		return jobengine.StepResult{}
	})
	engine := jobengine.New(registry, zerolog.Nop(), nil)
	d := newWireTestDelivery(engine, "", ModeMQTT)

	payload := []byte(`{"execution":{"jobId":"job-7","deviceUuid":"device-1","jobDocument":{"steps":[{"action":{"type":"noop"}}]},"versionNumber":1,"executionNumber":1}}`)
	d.handleNotify(context.Background(), payload)

	select {
	case <-started:
	case <-time.After(time.Second):
		t.Fatal("a notified job in the AWS-IoT-Jobs execution envelope must decode and execute")
	}
}

func TestHandleNotifyFallsBackToThingNameWhenDeviceUUIDMissing(t *testing.T) {
	payload := []byte(`{"execution":{"jobId":"job-8","thingName":"device-1","jobDocument":{"steps":[]}}}`)
	var envelope jobNotifyEnvelope
	require.NoError(t, json.Unmarshal(payload, &envelope))

	job := envelope.Execution.toJobExecutionData()
	assert.Equal(t, "device-1", job.DeviceUUID, "thingName must be used when deviceUuid is absent")
}

func TestPollOnceHonorsPerJobTimeoutSeconds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"job_id":"job-slow","job_document":{"steps":[{"action":{"type":"slow"}}]},"timeout_seconds":1}`))
	}))
	defer server.Close()

	registry := jobengine.NewHandlerRegistry()
	registry.Register("slow", func(ctx context.Context, input map[string]any) jobengine.StepResult {
		<-ctx.Done()
		return jobengine.StepResult{}
	})
	reported := make(chan types.JobExecutionData, 1)
	engine := jobengine.New(registry, zerolog.Nop(), func(job types.JobExecutionData) {
		if job.Status.Terminal() {
			reported <- job
		}
	})
	d := newWireTestDelivery(engine, server.URL, ModeHTTP)

	d.pollOnce(context.Background())

	select {
	case job := <-reported:
		assert.Equal(t, types.JobTimedOut, job.Status, "a job with timeout_seconds=1 must time out at 1s, not the 60s default")
	case <-time.After(3 * time.Second):
		t.Fatal("job with timeout_seconds=1 should have timed out well before the default 60s")
	}
}
