// Package jobdelivery is dual-transport delivery of jobs to this device:
// MQTT push as the primary path with an HTTP poll as fallback, a single
// coordinator goroutine deciding every 5s which mode is active, and
// dedupe so the same (jobId, versionNumber, executionNumber) is never
// executed twice.
package jobdelivery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetd/pkg/broker"
	"github.com/cuemby/fleetd/pkg/httpclient"
	"github.com/cuemby/fleetd/pkg/jobengine"
	"github.com/cuemby/fleetd/pkg/types"
)

// polledJob is the body GET /api/v1/devices/{uuid}/jobs/next returns. It is
// a different wire shape from the broker notify payload (snake_case HTTP
// convention, not the AWS-IoT-Jobs-style envelope below).
type polledJob struct {
	JobID          string            `json:"job_id"`
	JobName        string            `json:"job_name"`
	JobDocument    types.JobDocument `json:"job_document"`
	TimeoutSeconds uint64            `json:"timeout_seconds"`
	CreatedAt      time.Time         `json:"created_at"`
}

func (p polledJob) toJobExecutionData(deviceUUID string) types.JobExecutionData {
	return types.JobExecutionData{
		JobID:          p.JobID,
		DeviceUUID:     deviceUUID,
		JobDocument:    p.JobDocument,
		Status:         types.JobQueued,
		TimeoutSeconds: p.TimeoutSeconds,
		QueuedAt:       p.CreatedAt,
	}
}

// jobNotifyEnvelope is the payload published on the broker's
// jobs/notify-next topic: a single "execution" object in the
// AWS-IoT-Jobs convention, camelCase and distinct from the HTTP poll shape.
type jobNotifyEnvelope struct {
	Execution jobNotifyExecution `json:"execution"`
}

type jobNotifyExecution struct {
	JobID           string            `json:"jobId"`
	DeviceUUID      string            `json:"deviceUuid"`
	ThingName       string            `json:"thingName"`
	JobDocument     types.JobDocument `json:"jobDocument"`
	Status          string            `json:"status"`
	VersionNumber   uint64            `json:"versionNumber"`
	ExecutionNumber uint64            `json:"executionNumber"`
}

func (e jobNotifyExecution) toJobExecutionData() types.JobExecutionData {
	deviceUUID := e.DeviceUUID
	if deviceUUID == "" {
		deviceUUID = e.ThingName
	}
	status := types.JobQueued
	if e.Status != "" {
		status = types.JobStatus(e.Status)
	}
	return types.JobExecutionData{
		JobID:           e.JobID,
		DeviceUUID:      deviceUUID,
		JobDocument:     e.JobDocument,
		Status:          status,
		VersionNumber:   e.VersionNumber,
		ExecutionNumber: e.ExecutionNumber,
	}
}

// Mode identifies which transport is currently believed to be delivering
// jobs.
type Mode string

const (
	ModeMQTT Mode = "mqtt"
	ModeHTTP Mode = "http"
)

const coordinatorInterval = 5 * time.Second

// Options configures a Delivery.
type Options struct {
	DeviceUUID   string
	CloudBaseURL string
	PollInterval time.Duration
}

// Delivery coordinates MQTT push and HTTP poll delivery of jobs to the
// single-job jobengine.Engine.
type Delivery struct {
	opts   Options
	broker *broker.Client
	http   *httpclient.Client
	engine *jobengine.Engine
	logger zerolog.Logger

	mu         sync.Mutex
	mode       Mode
	seen       map[types.JobKey]struct{}
	pollTicker *time.Ticker
	stopCh     chan struct{}
}

// New creates a Delivery. It does not start until Start is called.
func New(opts Options, brokerClient *broker.Client, httpClient *httpclient.Client, engine *jobengine.Engine, logger zerolog.Logger) *Delivery {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 30 * time.Second
	}
	return &Delivery{
		opts:   opts,
		broker: brokerClient,
		http:   httpClient,
		engine: engine,
		logger: logger,
		mode:   ModeHTTP,
		seen:   make(map[types.JobKey]struct{}),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to the MQTT notify topic and launches the coordinator
// and HTTP-poll loops.
func (d *Delivery) Start(ctx context.Context) error {
	topic := fmt.Sprintf("iot/device/%s/jobs/notify-next", d.opts.DeviceUUID)
	if err := d.broker.Subscribe(topic, 1, func(_ string, payload []byte) {
		d.handleNotify(ctx, payload)
	}); err != nil {
		d.logger.Warn().Err(err).Msg("failed to subscribe to job notify topic, relying on HTTP poll")
	}

	go d.coordinatorLoop()
	go d.pollLoop(ctx)
	return nil
}

// Stop ends the coordinator and poll loops.
func (d *Delivery) Stop() {
	select {
	case <-d.stopCh:
	default:
		close(d.stopCh)
	}
}

// Mode reports the transport the coordinator currently believes is
// delivering jobs.
func (d *Delivery) Mode() Mode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mode
}

// coordinatorLoop re-evaluates every 5s whether MQTT is connected; if so,
// MQTT is preferred and pollLoop skips its HTTP requests until the broker
// is seen disconnected again.
func (d *Delivery) coordinatorLoop() {
	ticker := time.NewTicker(coordinatorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.mu.Lock()
			if d.broker.IsConnected() {
				d.mode = ModeMQTT
			} else {
				d.mode = ModeHTTP
			}
			d.mu.Unlock()
		}
	}
}

// pollLoop polls the HTTP fallback endpoint on each tick while the
// coordinator reports ModeHTTP; ticks that find ModeMQTT are skipped.
func (d *Delivery) pollLoop(ctx context.Context) {
	d.mu.Lock()
	ticker := time.NewTicker(d.opts.PollInterval)
	d.pollTicker = ticker
	d.mu.Unlock()
	defer ticker.Stop()

	for {
		select {
		case <-d.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if d.Mode() == ModeMQTT {
				continue
			}
			d.pollOnce(ctx)
		}
	}
}

// SetPollInterval changes the HTTP-fallback poll period, resetting the
// live ticker so the new interval takes effect on the next tick.
func (d *Delivery) SetPollInterval(interval time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.opts.PollInterval = interval
	if d.pollTicker != nil {
		d.pollTicker.Reset(interval)
	}
}

func (d *Delivery) pollOnce(ctx context.Context) {
	if d.engine.IsBusy() {
		return
	}

	url := fmt.Sprintf("%s/devices/%s/jobs/next", d.opts.CloudBaseURL, d.opts.DeviceUUID)
	result, err := d.http.Get(ctx, url, httpclient.GetOptions{})
	if err != nil {
		if !httpclient.IsNotModified(err) {
			d.logger.Warn().Err(err).Msg("job poll failed")
		}
		return
	}
	if len(result.Body) == 0 {
		return
	}

	var polled polledJob
	if err := json.Unmarshal(result.Body, &polled); err != nil {
		d.logger.Error().Err(err).Msg("failed to decode polled job")
		return
	}
	if polled.JobID == "" {
		return
	}

	d.deliver(ctx, polled.toJobExecutionData(d.opts.DeviceUUID))
}

func (d *Delivery) handleNotify(ctx context.Context, payload []byte) {
	var envelope jobNotifyEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		d.logger.Error().Err(err).Msg("failed to decode notified job")
		return
	}
	if envelope.Execution.JobID == "" {
		return
	}
	d.deliver(ctx, envelope.Execution.toJobExecutionData())
}

// deliver applies the dedupe and single-active-job gates before handing a
// job to the engine. A notification that arrives while a job is already
// executing is dropped *without* being recorded as seen — the primary
// will re-notify and the poller will re-pick it, and it must still look
// new when that happens, or it would never run at all.
func (d *Delivery) deliver(ctx context.Context, job types.JobExecutionData) {
	key := job.Key()

	d.mu.Lock()
	if _, duplicate := d.seen[key]; duplicate {
		d.mu.Unlock()
		d.logger.Debug().Str("job_id", job.JobID).Msg("ignoring duplicate job delivery")
		return
	}
	if d.engine.IsBusy() {
		d.mu.Unlock()
		d.logger.Debug().Str("job_id", job.JobID).Msg("ignoring job delivery, engine busy")
		return
	}
	d.seen[key] = struct{}{}
	d.mu.Unlock()

	go d.engine.Execute(ctx, job)
}
