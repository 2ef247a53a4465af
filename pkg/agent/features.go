package agent

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/fleetd/pkg/config"
	"github.com/cuemby/fleetd/pkg/configdist"
	"github.com/cuemby/fleetd/pkg/eventbus"
	"github.com/cuemby/fleetd/pkg/feature"
	"github.com/cuemby/fleetd/pkg/health"
	"github.com/cuemby/fleetd/pkg/types"
)

// simpleFeature is a feature.Feature backed by start/stop closures, for
// the features whose "running" state is a toggle rather than a whole
// subsystem with its own lifecycle type. A feature that has something
// worth probing beyond its own running bit (a local socket, an HTTP
// endpoint) can carry a health.Checker; HealthSnapshot folds its Result
// into the reported FeatureHealth instead of reporting a bare toggle.
type simpleFeature struct {
	name      string
	dependsOn []string
	start     func() error
	stop      func() error
	checker   health.Checker
	healthCfg health.Config
	status    *health.Status

	mu      sync.Mutex
	running bool
	message string
}

func (f *simpleFeature) Name() string          { return f.name }
func (f *simpleFeature) DependsOn() []string   { return f.dependsOn }
func (f *simpleFeature) IsRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.running
}

func (f *simpleFeature) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	if f.start != nil {
		if err := f.start(); err != nil {
			f.message = err.Error()
			return err
		}
	}
	f.running = true
	f.message = ""
	return nil
}

func (f *simpleFeature) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return nil
	}
	if f.stop != nil {
		if err := f.stop(); err != nil {
			f.message = err.Error()
			return err
		}
	}
	f.running = false
	return nil
}

func (f *simpleFeature) HealthSnapshot() types.FeatureHealth {
	f.mu.Lock()
	running := f.running
	message := f.message
	checker := f.checker
	status := f.status
	cfg := f.healthCfg
	f.mu.Unlock()

	if !running || checker == nil {
		return types.FeatureHealth{
			Name:    f.name,
			Running: running,
			Healthy: running && message == "",
			Message: message,
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	result := checker.Check(ctx)
	cancel()

	healthy := result.Healthy
	if status != nil {
		status.Update(result, cfg)
		healthy = status.Healthy
	}

	msg := result.Message
	if msg == "" {
		msg = message
	}
	return types.FeatureHealth{
		Name:    f.name,
		Running: running,
		Healthy: healthy,
		Message: msg,
	}
}

// registerFeatures registers fleetd's optional feature set with the
// supervisor and wires features.changed events from the config
// distributor into supervisor.SetEnabled calls. job_engine is a
// dependency of cloud_jobs: cloud jobs delivery is meaningless without an
// engine to run them.
func (a *Agent) registerFeatures(ctx context.Context) {
	a.features.Register(&simpleFeature{name: "job_engine"})

	a.features.Register(&simpleFeature{
		name:      "cloud_jobs",
		dependsOn: []string{"job_engine"},
		start:     func() error { return a.delivery.Start(ctx) },
		stop:      func() error { a.delivery.Stop(); return nil },
	})

	a.features.Register(&simpleFeature{
		name:      "remote_access",
		checker:   health.NewTCPChecker(a.remoteAccessAddr()).WithTimeout(3 * time.Second),
		healthCfg: health.DefaultConfig(),
		status:    health.NewStatus(),
	})
	a.features.Register(&simpleFeature{name: "sensor_publish"})
	a.features.Register(&simpleFeature{
		name:      "protocol_adapters",
		checker:   health.NewExecChecker(a.protocolAdapterHealthCmd()).WithTimeout(3 * time.Second),
		healthCfg: health.DefaultConfig(),
		status:    health.NewStatus(),
	})
	a.features.Register(&simpleFeature{name: "shadow"})

	a.featuresUnsub = a.bus.Subscribe(eventbus.TopicFeaturesChanged, func(ev eventbus.Event) {
		change, ok := ev.Payload.(configdist.FeaturesChange)
		if !ok {
			return
		}
		name, ok := featureNameForKey(change.Key)
		if !ok {
			return
		}
		if err := a.features.SetEnabled(name, change.Enabled); err != nil {
			a.logger.Error().Err(err).Str("feature", name).Msg("failed to apply feature toggle from cloud config")
		}
	})
}

// remoteAccessAddr returns the address the remote_access feature's health
// checker probes, falling back to the package default if unconfigured.
func (a *Agent) remoteAccessAddr() string {
	if a.cfg.RemoteAccessAddr != "" {
		return a.cfg.RemoteAccessAddr
	}
	return config.DefaultRemoteAccessAddr
}

// protocolAdapterHealthCmd returns the command the protocol_adapters
// feature's health checker runs, falling back to the package default if
// unconfigured.
func (a *Agent) protocolAdapterHealthCmd() []string {
	if len(a.cfg.ProtocolAdapterHealthCmd) > 0 {
		return a.cfg.ProtocolAdapterHealthCmd
	}
	return config.DefaultProtocolAdapterHealthCmd
}

func featureNameForKey(key string) (string, bool) {
	switch key {
	case "enableRemoteAccess":
		return "remote_access", true
	case "enableJobEngine":
		return "job_engine", true
	case "enableCloudJobs":
		return "cloud_jobs", true
	case "enableSensorPublish":
		return "sensor_publish", true
	case "enableProtocolAdapters":
		return "protocol_adapters", true
	case "enableShadow":
		return "shadow", true
	default:
		return "", false
	}
}
