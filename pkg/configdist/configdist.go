// Package configdist watches for target-state-changed events, pulls out
// the DeviceConfig section, diffs it section-by-section against the last
// config it accepted, and republishes only the sections that actually
// changed so pkg/log and the feature supervisor don't have to re-derive a
// diff themselves.
package configdist

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetd/pkg/config"
	"github.com/cuemby/fleetd/pkg/eventbus"
	"github.com/cuemby/fleetd/pkg/log"
	"github.com/cuemby/fleetd/pkg/types"
)

// LoggingChange is published on eventbus.TopicLoggingChanged.
type LoggingChange struct {
	Level string
}

// SettingsChange is published on eventbus.TopicSettingsChanged.
type SettingsChange struct {
	Key   string
	Value any
}

// FeaturesChange is published on eventbus.TopicFeaturesChanged.
type FeaturesChange struct {
	Key     string
	Enabled bool
}

// UnknownSectionChange is published for any section this package does not
// recognize, preserved verbatim for whatever component cares about it.
type UnknownSectionChange struct {
	Section string
	Body    any
}

// Distributor tracks the last DeviceConfig it accepted and emits
// per-section change events when a new one arrives.
type Distributor struct {
	mu     sync.Mutex
	bus    *eventbus.Bus
	logger zerolog.Logger

	last  types.DeviceConfig
	unsub func()
}

// New creates a Distributor and subscribes it to target-state-changed.
func New(bus *eventbus.Bus, logger zerolog.Logger) *Distributor {
	d := &Distributor{bus: bus, logger: logger}
	d.unsub = bus.Subscribe(eventbus.TopicTargetStateChanged, func(ev eventbus.Event) {
		if target, ok := ev.Payload.(types.TargetState); ok {
			d.Apply(target.Config)
		}
	})
	return d
}

// Close unsubscribes from the event bus.
func (d *Distributor) Close() {
	if d.unsub != nil {
		d.unsub()
	}
}

// Apply diffs cfg against the last accepted config and publishes per-section
// events for whatever changed. An invalid value in a recognized section
// (e.g. an unparseable logging level) is rejected for that key only — the
// previous value stays in force and the rest of the sections still apply.
func (d *Distributor) Apply(cfg types.DeviceConfig) {
	d.mu.Lock()
	defer d.mu.Unlock()

	prev := d.last
	if prev == nil {
		prev = types.DeviceConfig{}
	}

	d.diffLogging(prev, cfg)
	d.diffSettings(prev, cfg)
	d.diffFeatures(prev, cfg)
	d.diffUnknownSections(prev, cfg)

	d.last = cfg.Clone()
}

func (d *Distributor) diffLogging(prev, next types.DeviceConfig) {
	nextLevel, ok := config.LoggingLevel(next)
	if !ok {
		return
	}
	prevLevel, _ := config.LoggingLevel(prev)
	if nextLevel == prevLevel {
		return
	}

	level, valid := log.ParseLevel(nextLevel)
	if !valid {
		d.logger.Warn().Str("level", nextLevel).Msg("rejecting unknown logging.level, keeping previous value")
		return
	}

	log.SetLevel(level)
	d.bus.Publish(eventbus.Event{Topic: eventbus.TopicLoggingChanged, Payload: LoggingChange{Level: nextLevel}})
}

var settingsKeys = []string{
	config.KeySettingsReconciliationIntervalMs,
	config.KeySettingsTargetStatePollIntervalMs,
	config.KeySettingsDeviceReportIntervalMs,
	config.KeySettingsMetricsIntervalMs,
	config.KeySettingsCloudJobsPollingIntervalMs,
	config.KeySettingsShadowPublishIntervalMs,
}

func (d *Distributor) diffSettings(prev, next types.DeviceConfig) {
	for _, key := range settingsKeys {
		nextVal, nextOK := config.SettingsIntervalMs(next, key)
		prevVal, prevOK := config.SettingsIntervalMs(prev, key)
		if nextOK && (!prevOK || nextVal != prevVal) {
			d.bus.Publish(eventbus.Event{Topic: eventbus.TopicSettingsChanged, Payload: SettingsChange{Key: key, Value: nextVal}})
		}
	}
}

var featureKeys = []string{
	config.KeyFeatureEnableRemoteAccess,
	config.KeyFeatureEnableJobEngine,
	config.KeyFeatureEnableCloudJobs,
	config.KeyFeatureEnableSensorPublish,
	config.KeyFeatureEnableProtocolAdapters,
	config.KeyFeatureEnableShadow,
}

func (d *Distributor) diffFeatures(prev, next types.DeviceConfig) {
	for _, key := range featureKeys {
		nextVal, nextOK := config.FeatureEnabled(next, key)
		prevVal, prevOK := config.FeatureEnabled(prev, key)
		if nextOK && (!prevOK || nextVal != prevVal) {
			d.bus.Publish(eventbus.Event{Topic: eventbus.TopicFeaturesChanged, Payload: FeaturesChange{Key: key, Enabled: nextVal}})
		}
	}
}

func (d *Distributor) diffUnknownSections(prev, next types.DeviceConfig) {
	for name, body := range next {
		if name == config.SectionLogging || name == config.SectionSettings || name == config.SectionFeatures {
			continue
		}
		if prevBody, ok := prev[name]; !ok || config.String(prevBody) != config.String(body) {
			d.bus.Publish(eventbus.Event{Topic: eventbus.TopicUnknownSectionChanged, Payload: UnknownSectionChange{Section: name, Body: body}})
		}
	}
}
