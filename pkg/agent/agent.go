// Package agent wires fleetd's components together and owns the process
// lifecycle: startup order, event-bus subscriptions between components,
// and a graceful shutdown sequence (jobs, then features, then sync, then
// reconciler, then driver, then broker).
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetd/pkg/broker"
	"github.com/cuemby/fleetd/pkg/config"
	"github.com/cuemby/fleetd/pkg/configdist"
	"github.com/cuemby/fleetd/pkg/connmonitor"
	"github.com/cuemby/fleetd/pkg/driver"
	containerddriver "github.com/cuemby/fleetd/pkg/driver/containerd"
	"github.com/cuemby/fleetd/pkg/eventbus"
	"github.com/cuemby/fleetd/pkg/feature"
	"github.com/cuemby/fleetd/pkg/httpclient"
	"github.com/cuemby/fleetd/pkg/identity"
	"github.com/cuemby/fleetd/pkg/jobdelivery"
	"github.com/cuemby/fleetd/pkg/jobengine"
	"github.com/cuemby/fleetd/pkg/queue"
	"github.com/cuemby/fleetd/pkg/reconciler"
	"github.com/cuemby/fleetd/pkg/syncengine"
	"github.com/cuemby/fleetd/pkg/types"
)

// Agent owns every long-lived component of a running fleetd process.
type Agent struct {
	cfg    *config.Bootstrap
	logger zerolog.Logger

	bus        *eventbus.Bus
	idStore    *identity.Store
	offline    *queue.Queue
	broker     *broker.Client
	http       *httpclient.Client
	monitor    *connmonitor.Monitor
	driver     driver.Driver
	recon      *reconciler.Reconciler
	configDist *configdist.Distributor
	features   *feature.Supervisor
	registry   *jobengine.HandlerRegistry
	engine     *jobengine.Engine
	delivery   *jobdelivery.Delivery
	sync       *syncengine.Engine

	featuresUnsub func()
	settingsUnsub func()

	identity *types.DeviceIdentity
}

// New constructs an Agent from its bootstrap config. It does not start any
// goroutines or open any connections; call Start for that.
func New(cfg *config.Bootstrap, logger zerolog.Logger) (*Agent, error) {
	idStore, err := identity.Open(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open identity store: %w", err)
	}

	id, found, err := idStore.Load()
	if err != nil {
		idStore.Close()
		return nil, fmt.Errorf("failed to load device identity: %w", err)
	}
	if !found {
		id = &types.DeviceIdentity{
			APIKey:     cfg.APIKey,
			BrokerURL:  cfg.BrokerURL,
			BrokerUser: cfg.BrokerUser,
			BrokerPass: cfg.BrokerPass,
		}
	}
	if err := idStore.EnsureUUID(id); err != nil {
		idStore.Close()
		return nil, fmt.Errorf("failed to assign device UUID: %w", err)
	}
	id.AgentVersion = cfg.AgentVersion

	offlineQueue, err := queue.Open(cfg.DataDir, cfg.OfflineQueueCap)
	if err != nil {
		idStore.Close()
		return nil, fmt.Errorf("failed to open offline queue: %w", err)
	}

	bus := eventbus.New(logger.With().Str("component", "eventbus").Logger(), 0)
	monitor := connmonitor.New(bus, logger.With().Str("component", "connmonitor").Logger())
	httpClient := httpclient.New(cfg.APIKey, 30*time.Second)

	brokerClient := broker.New(broker.Options{
		URL:      cfg.BrokerURL,
		ClientID: id.UUID,
		Username: cfg.BrokerUser,
		Password: cfg.BrokerPass,
	}, logger.With().Str("component", "broker").Logger())

	containerDriver, err := containerddriver.New("", logger.With().Str("component", "driver").Logger())
	if err != nil {
		idStore.Close()
		offlineQueue.Close()
		return nil, fmt.Errorf("failed to initialize container driver: %w", err)
	}

	recon := reconciler.New(containerDriver, bus, logger.With().Str("component", "reconciler").Logger(), 15*time.Second)
	configDist := configdist.New(bus, logger.With().Str("component", "configdist").Logger())
	features := feature.New(bus, logger.With().Str("component", "feature").Logger())

	registry := jobengine.NewHandlerRegistry()
	registerBuiltinHandlers(registry)

	a := &Agent{
		cfg:        cfg,
		logger:     logger,
		bus:        bus,
		idStore:    idStore,
		offline:    offlineQueue,
		broker:     brokerClient,
		http:       httpClient,
		monitor:    monitor,
		driver:     containerDriver,
		recon:      recon,
		configDist: configDist,
		features:   features,
		registry:   registry,
		identity:   id,
	}

	reportFn := func(job types.JobExecutionData) { a.reportJobStatus(job) }
	a.engine = jobengine.New(registry, logger.With().Str("component", "jobengine").Logger(), reportFn)

	a.delivery = jobdelivery.New(jobdelivery.Options{
		DeviceUUID:   id.UUID,
		CloudBaseURL: cfg.CloudBaseURL,
		PollInterval: 30 * time.Second,
	}, brokerClient, httpClient, a.engine, logger.With().Str("component", "jobdelivery").Logger())

	a.sync = syncengine.New(
		syncengine.Options{
			DeviceUUID:     id.UUID,
			CloudBaseURL:   cfg.CloudBaseURL,
			PollInterval:   15 * time.Second,
			ReportInterval: 30 * time.Second,
		},
		httpClient, brokerClient, bus, monitor, idStore, offlineQueue,
		recon, nil, func() []types.FeatureHealth { return features.HealthSnapshots() },
		logger.With().Str("component", "syncengine").Logger(),
	)

	return a, nil
}

// Start brings every component up in dependency order: broker connection,
// driver readiness, reconciler loop, config distribution (already
// subscribed), feature supervisor defaults, job engine/delivery, then
// sync engine (whose first poll seeds the target state everything else
// reacts to).
func (a *Agent) Start(ctx context.Context) error {
	if err := a.broker.Connect(); err != nil {
		a.logger.Warn().Err(err).Msg("broker connection failed at startup, continuing in degraded mode")
	}

	go a.recon.Start(ctx)

	a.registerSettings()
	a.registerFeatures(ctx)
	if err := a.features.SetEnabled("job_engine", true); err != nil {
		return fmt.Errorf("failed to start job engine feature: %w", err)
	}
	if err := a.features.SetEnabled("cloud_jobs", true); err != nil {
		return fmt.Errorf("failed to start cloud jobs feature: %w", err)
	}

	a.sync.Start(ctx)

	a.logger.Info().Str("device_uuid", a.identity.UUID).Msg("fleetd agent started")
	return nil
}

// Stop shuts everything down in order: jobs, then the remaining features,
// then sync, then reconciler, then driver, then broker, then the offline
// queue and identity store. The logger is not closed here.
func (a *Agent) Stop() {
	// Disabling job_engine also stops cloud_jobs, which depends on it.
	_ = a.features.SetEnabled("job_engine", false)
	a.features.StopAll()
	if a.featuresUnsub != nil {
		a.featuresUnsub()
	}
	if a.settingsUnsub != nil {
		a.settingsUnsub()
	}
	a.sync.Stop()
	a.recon.Stop()
	a.configDist.Close()

	if err := a.driver.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("error closing container driver")
	}
	a.broker.Disconnect(250)

	if err := a.offline.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("error closing offline queue")
	}
	if err := a.idStore.Close(); err != nil {
		a.logger.Warn().Err(err).Msg("error closing identity store")
	}

	a.logger.Info().Msg("fleetd agent stopped")
}

// reportJobStatus reports a job status transition to the cloud, preferring
// the broker and falling back to HTTP, the same transport precedence the
// Sync Engine uses for reports.
func (a *Agent) reportJobStatus(job types.JobExecutionData) {
	update := types.JobStatusUpdate{Status: job.Status}
	body, err := json.Marshal(update)
	if err != nil {
		a.logger.Error().Err(err).Str("job_id", job.JobID).Msg("failed to marshal job status update")
		return
	}

	topic := fmt.Sprintf("iot/device/%s/jobs/%s/update", a.identity.UUID, job.JobID)
	if a.broker.IsConnected() {
		if err := a.broker.Publish(topic, body, broker.PublishOptions{QoS: 1}); err == nil {
			return
		}
	}

	url := fmt.Sprintf("%s/devices/%s/jobs/%s/status", a.cfg.CloudBaseURL, a.identity.UUID, job.JobID)
	if err := a.http.Patch(context.Background(), url, body, httpclient.PatchOptions{}); err != nil {
		a.logger.Warn().Err(err).Str("job_id", job.JobID).Msg("failed to report job status")
	}
}
