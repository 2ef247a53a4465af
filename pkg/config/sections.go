package config

import (
	"fmt"
	"time"

	"github.com/cuemby/fleetd/pkg/types"
)

// Recognized DeviceConfig section/key names.
const (
	SectionLogging  = "logging"
	SectionSettings = "settings"
	SectionFeatures = "features"

	KeyLoggingLevel = "level"

	KeySettingsReconciliationIntervalMs   = "reconciliationIntervalMs"
	KeySettingsTargetStatePollIntervalMs  = "targetStatePollIntervalMs"
	KeySettingsDeviceReportIntervalMs     = "deviceReportIntervalMs"
	KeySettingsMetricsIntervalMs          = "metricsIntervalMs"
	KeySettingsCloudJobsPollingIntervalMs = "cloudJobsPollingIntervalMs"
	KeySettingsShadowPublishIntervalMs    = "shadowPublishIntervalMs"

	KeyFeatureEnableRemoteAccess      = "enableRemoteAccess"
	KeyFeatureEnableJobEngine         = "enableJobEngine"
	KeyFeatureEnableCloudJobs         = "enableCloudJobs"
	KeyFeatureEnableSensorPublish     = "enableSensorPublish"
	KeyFeatureEnableProtocolAdapters  = "enableProtocolAdapters"
	KeyFeatureEnableShadow            = "enableShadow"
)

// Section returns the body of a named DeviceConfig section as a
// map[string]any, or (nil, false) if absent or not shaped like a section
// body (an unknown section may be anything; recognized ones are always
// objects).
func Section(cfg types.DeviceConfig, name string) (map[string]any, bool) {
	raw, ok := cfg[name]
	if !ok {
		return nil, false
	}
	m, ok := raw.(map[string]any)
	return m, ok
}

// LoggingLevel reads the "logging.level" value, if the logging section and
// key are present.
func LoggingLevel(cfg types.DeviceConfig) (string, bool) {
	section, ok := Section(cfg, SectionLogging)
	if !ok {
		return "", false
	}
	v, ok := section[KeyLoggingLevel].(string)
	return v, ok
}

// SettingsIntervalMs reads a "settings.<key>" millisecond value.
func SettingsIntervalMs(cfg types.DeviceConfig, key string) (time.Duration, bool) {
	section, ok := Section(cfg, SectionSettings)
	if !ok {
		return 0, false
	}
	raw, ok := section[key]
	if !ok {
		return 0, false
	}
	ms, ok := toFloat(raw)
	if !ok || ms <= 0 {
		return 0, false
	}
	return time.Duration(ms) * time.Millisecond, true
}

// FeatureEnabled reads a "features.<key>" boolean.
func FeatureEnabled(cfg types.DeviceConfig, key string) (bool, bool) {
	section, ok := Section(cfg, SectionFeatures)
	if !ok {
		return false, false
	}
	v, ok := section[key].(bool)
	return v, ok
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// String is a convenience formatter used in log lines when a whole section
// needs to be logged without marshaling the caller's own type.
func String(v any) string {
	return fmt.Sprintf("%v", v)
}
