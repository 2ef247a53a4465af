package agent

import (
	"time"

	"github.com/cuemby/fleetd/pkg/config"
	"github.com/cuemby/fleetd/pkg/configdist"
	"github.com/cuemby/fleetd/pkg/eventbus"
)

// registerSettings wires settings.changed events from the config
// distributor into the live loops whose timing they control. Each
// setting rewires its owner's running ticker directly rather than
// restarting the loop, so an interval change never drops a tick.
func (a *Agent) registerSettings() {
	a.settingsUnsub = a.bus.Subscribe(eventbus.TopicSettingsChanged, func(ev eventbus.Event) {
		change, ok := ev.Payload.(configdist.SettingsChange)
		if !ok {
			return
		}
		d, ok := change.Value.(time.Duration)
		if !ok {
			return
		}

		switch change.Key {
		case config.KeySettingsReconciliationIntervalMs:
			a.recon.SetInterval(d)
		case config.KeySettingsTargetStatePollIntervalMs:
			a.sync.SetPollInterval(d)
		case config.KeySettingsDeviceReportIntervalMs:
			a.sync.SetReportInterval(d)
		case config.KeySettingsMetricsIntervalMs:
			a.sync.SetMetricsInterval(d)
		case config.KeySettingsCloudJobsPollingIntervalMs:
			a.delivery.SetPollInterval(d)
		case config.KeySettingsShadowPublishIntervalMs:
			// No shadow publish loop lives in this agent; the interval has
			// nothing to rewire until a shadow feature owns one.
		}
	})
}
