// Package types holds the data model shared by every fleetd component:
// device identity, the declarative app/container spec, device
// configuration, target/current state, state reports, connection health,
// and job execution records. Types that cross the wire to the cloud carry
// json tags matching the documented external contract; purely internal
// types (DeviceIdentity, ConnectionHealth, JobKey) don't need them and
// don't have them.
package types

import (
	"encoding/json"
	"time"
)

// DeviceIdentity is stable across restarts and established before the core
// starts; fleetd only ever reads it.
type DeviceIdentity struct {
	UUID         string
	APIKey       string
	BrokerURL    string
	BrokerUser   string
	BrokerPass   string
	OSVersion    string
	AgentVersion string
}

// AppSpec is a declarative application: an id, a name, and the services
// that make it up. Order of Services is insignificant; equality between
// two AppSpecs is by ServiceID, not by slice order.
type AppSpec struct {
	AppID    string        `json:"app_id"`
	AppName  string        `json:"app_name,omitempty"`
	Services []ServiceSpec `json:"services"`
}

// ServiceSpec is a single container-producing unit within an AppSpec.
type ServiceSpec struct {
	ServiceID   string        `json:"service_id"`
	ServiceName string        `json:"service_name,omitempty"`
	ImageName   string        `json:"image_name"`
	Config      ServiceConfig `json:"config"`

	// Observed/runtime-only fields. Never participate in the config
	// fingerprint and are excluded from diff comparisons.
	ContainerID string `json:"container_id,omitempty"`
	Status      string `json:"status,omitempty"`
}

// ServiceConfig is the configuration-relevant portion of a service: the
// fields a fingerprint is computed over.
type ServiceConfig struct {
	RestartPolicy string            `json:"restart_policy,omitempty"`
	NetworkMode   string            `json:"network_mode,omitempty"`
	Ports         []PortMapping     `json:"ports,omitempty"`
	Volumes       []VolumeMapping   `json:"volumes,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	Labels        map[string]string `json:"labels,omitempty"`
	Networks      []string          `json:"networks,omitempty"`
}

// PortMapping maps a container port to a host port.
type PortMapping struct {
	ContainerPort int    `json:"container_port"`
	HostPort      int    `json:"host_port"`
	Protocol      string `json:"protocol"` // "tcp" or "udp"
}

// VolumeMapping maps a host or named volume into a container.
type VolumeMapping struct {
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// DeviceConfig is a mapping from section name to section body. Recognized
// sections get typed accessors below; everything else is preserved
// verbatim so the device survives config keys from a newer cloud schema.
type DeviceConfig map[string]any

// Clone returns a deep-enough copy for diffing: section bodies are copied
// recursively, keeping the same representation they arrived in
// (map[string]any, []any, or scalars), which is what JSON unmarshaling
// into DeviceConfig always produces.
func (c DeviceConfig) Clone() DeviceConfig {
	if c == nil {
		return nil
	}
	out := make(DeviceConfig, len(c))
	for k, v := range c {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, vv := range t {
			m[k] = cloneValue(vv)
		}
		return m
	case []any:
		s := make([]any, len(t))
		for i, vv := range t {
			s[i] = cloneValue(vv)
		}
		return s
	default:
		return v
	}
}

// TargetState is produced by the cloud and consumed by the device. On the
// wire it is the value side of TargetStateEnvelope, never marshaled on its
// own.
type TargetState struct {
	Apps            map[string]AppSpec `json:"apps"`
	Config          DeviceConfig       `json:"config"`
	Version         uint64             `json:"version"`
	NeedsDeployment bool               `json:"needs_deployment,omitempty"`
}

// TargetStateEnvelope is the `{<uuid>: {apps, config, version,
// needs_deployment?}}` body GET /api/v1/device/{uuid}/state returns. The
// cloud always keys the single entry by the requesting device's own uuid.
type TargetStateEnvelope map[string]TargetState

// CurrentState is the device's observed reality, echoed back to the cloud.
type CurrentState struct {
	Apps    map[string]AppSpec `json:"apps"`
	Config  DeviceConfig       `json:"config"`
	Version uint64             `json:"version"`
}

// ToCurrentStateShape projects a TargetState onto CurrentState's shape, so
// code that diffs "what's wanted" against "what's running" can index both
// sides the same way.
func (t TargetState) ToCurrentStateShape() CurrentState {
	return CurrentState{Apps: t.Apps, Config: t.Config, Version: t.Version}
}

// FeatureHealth is a single feature's health snapshot, attached to reports.
type FeatureHealth struct {
	Name    string `json:"name"`
	Running bool   `json:"running"`
	Healthy bool   `json:"healthy"`
	Message string `json:"message,omitempty"`
}

// Metrics is the optional system-metrics payload attached to a report at
// most once per metricsInterval. On the wire its fields are flattened
// directly into the state-report object rather than nested under a
// "metrics" key (see StateReport.MarshalJSON).
type Metrics struct {
	CPUUsage          float64
	MemoryUsage       int64
	MemoryTotal       int64
	StorageUsage      int64
	StorageTotal      int64
	Temperature       float64
	UptimeSeconds     int64
	TopProcesses      []string
	NetworkInterfaces []string
}

// StateReport is a diff-minimal projection of CurrentState sent to the
// cloud. Runtime-only fields (container id, status string) are excluded
// from the fields the diff considers, to avoid churn on recreations.
type StateReport struct {
	Apps                   map[string]AppSpec
	Config                 DeviceConfig
	Version                uint64
	IsOnline               bool
	OSVersion              string
	AgentVersion           string
	LocalIP                string
	Metrics                *Metrics
	SensorHealth           []FeatureHealth
	ProtocolAdaptersHealth []FeatureHealth
}

// stateReportWire is the flattened `{<uuid>: {apps, config, version,
// is_online, os_version?, ..., cpu_usage?, ...}}` shape PATCH
// /api/v1/device/state documents: Metrics has no wire representation of
// its own, its fields sit alongside the report's.
type stateReportWire struct {
	Apps                   map[string]AppSpec `json:"apps"`
	Config                 DeviceConfig       `json:"config"`
	Version                uint64             `json:"version"`
	IsOnline               bool               `json:"is_online"`
	OSVersion              string             `json:"os_version,omitempty"`
	AgentVersion           string             `json:"agent_version,omitempty"`
	LocalIP                string             `json:"local_ip,omitempty"`
	CPUUsage               *float64           `json:"cpu_usage,omitempty"`
	MemoryUsage            *int64             `json:"memory_usage,omitempty"`
	MemoryTotal            *int64             `json:"memory_total,omitempty"`
	StorageUsage           *int64             `json:"storage_usage,omitempty"`
	StorageTotal           *int64             `json:"storage_total,omitempty"`
	Temperature            *float64           `json:"temperature,omitempty"`
	UptimeSeconds          *int64             `json:"uptime,omitempty"`
	TopProcesses           []string           `json:"top_processes,omitempty"`
	NetworkInterfaces      []string           `json:"network_interfaces,omitempty"`
	SensorHealth           []FeatureHealth    `json:"sensor_health,omitempty"`
	ProtocolAdaptersHealth []FeatureHealth    `json:"protocol_adapters_health,omitempty"`
}

// MarshalJSON flattens Metrics (when present) into the wire object instead
// of nesting it under a "metrics" key, matching the documented PATCH body.
func (r StateReport) MarshalJSON() ([]byte, error) {
	w := stateReportWire{
		Apps:                   r.Apps,
		Config:                 r.Config,
		Version:                r.Version,
		IsOnline:               r.IsOnline,
		OSVersion:              r.OSVersion,
		AgentVersion:           r.AgentVersion,
		LocalIP:                r.LocalIP,
		SensorHealth:           r.SensorHealth,
		ProtocolAdaptersHealth: r.ProtocolAdaptersHealth,
	}
	if r.Metrics != nil {
		m := r.Metrics
		w.CPUUsage = &m.CPUUsage
		w.MemoryUsage = &m.MemoryUsage
		w.MemoryTotal = &m.MemoryTotal
		w.StorageUsage = &m.StorageUsage
		w.StorageTotal = &m.StorageTotal
		w.Temperature = &m.Temperature
		w.UptimeSeconds = &m.UptimeSeconds
		w.TopProcesses = m.TopProcesses
		w.NetworkInterfaces = m.NetworkInterfaces
	}
	return json.Marshal(w)
}

// UnmarshalJSON reconstructs Metrics from the flattened wire fields,
// leaving it nil when none of them were present.
func (r *StateReport) UnmarshalJSON(data []byte) error {
	var w stateReportWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	r.Apps = w.Apps
	r.Config = w.Config
	r.Version = w.Version
	r.IsOnline = w.IsOnline
	r.OSVersion = w.OSVersion
	r.AgentVersion = w.AgentVersion
	r.LocalIP = w.LocalIP
	r.SensorHealth = w.SensorHealth
	r.ProtocolAdaptersHealth = w.ProtocolAdaptersHealth
	r.Metrics = nil

	if w.CPUUsage == nil && w.MemoryUsage == nil && w.MemoryTotal == nil &&
		w.StorageUsage == nil && w.StorageTotal == nil && w.Temperature == nil &&
		w.UptimeSeconds == nil && len(w.TopProcesses) == 0 && len(w.NetworkInterfaces) == 0 {
		return nil
	}

	m := &Metrics{TopProcesses: w.TopProcesses, NetworkInterfaces: w.NetworkInterfaces}
	if w.CPUUsage != nil {
		m.CPUUsage = *w.CPUUsage
	}
	if w.MemoryUsage != nil {
		m.MemoryUsage = *w.MemoryUsage
	}
	if w.MemoryTotal != nil {
		m.MemoryTotal = *w.MemoryTotal
	}
	if w.StorageUsage != nil {
		m.StorageUsage = *w.StorageUsage
	}
	if w.StorageTotal != nil {
		m.StorageTotal = *w.StorageTotal
	}
	if w.Temperature != nil {
		m.Temperature = *w.Temperature
	}
	if w.UptimeSeconds != nil {
		m.UptimeSeconds = *w.UptimeSeconds
	}
	r.Metrics = m
	return nil
}

// StateReportEnvelope is the `{<uuid>: {...}}` wire envelope PATCH
// /api/v1/device/state expects, keyed the same way
// TargetStateEnvelope is on the way in.
type StateReportEnvelope map[string]StateReport

// ConnectionStatus is the coarse health classification in ConnectionHealth.
type ConnectionStatus string

const (
	ConnectionOnline   ConnectionStatus = "online"
	ConnectionDegraded ConnectionStatus = "degraded"
	ConnectionOffline  ConnectionStatus = "offline"
)

// ConnectionHealth summarizes the poll and report operation streams.
// Purely internal: never serialized to the cloud.
type ConnectionHealth struct {
	Status              ConnectionStatus
	PollSuccessRate     float64
	ReportSuccessRate   float64
	LastPollSuccessAt   time.Time
	LastReportSuccessAt time.Time
	OfflineSince        *time.Time
}

// JobStatus is the monotonic status enum a JobExecutionData moves through.
type JobStatus string

const (
	JobQueued     JobStatus = "QUEUED"
	JobInProgress JobStatus = "IN_PROGRESS"
	JobSucceeded  JobStatus = "SUCCEEDED"
	JobFailed     JobStatus = "FAILED"
	JobTimedOut   JobStatus = "TIMED_OUT"
	JobCanceled   JobStatus = "CANCELED"
)

// Terminal reports whether a JobStatus will never transition again.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobSucceeded, JobFailed, JobTimedOut, JobCanceled:
		return true
	default:
		return false
	}
}

// JobStep is a single step of a JobDocument: a named handler invoked with
// typed input.
type JobStep struct {
	Action JobAction `json:"action"`
}

// JobAction names a handler and carries its input.
type JobAction struct {
	Type  string         `json:"type"`
	Input map[string]any `json:"input,omitempty"`
}

// JobDocument is the ordered list of steps a job executes.
type JobDocument struct {
	Version uint64    `json:"version,omitempty"`
	Steps   []JobStep `json:"steps"`
}

// JobExecutionData identifies and tracks one delivery of a job to this
// device. (JobID, VersionNumber, ExecutionNumber) is the dedupe key. This
// is fleetd's internal execution record, not a wire type: the HTTP job
// poll and the MQTT job-notify payload each have their own wire shape
// (see pkg/jobdelivery), both decoded into a JobExecutionData at the
// boundary.
type JobExecutionData struct {
	JobID           string
	DeviceUUID      string
	JobDocument     JobDocument
	Status          JobStatus
	VersionNumber   uint64
	ExecutionNumber uint64
	TimeoutSeconds  uint64
	QueuedAt        time.Time
	StartedAt       time.Time
	FinishedAt      time.Time
}

// Key returns the (jobId, versionNumber, executionNumber) dedupe key.
func (j JobExecutionData) Key() JobKey {
	return JobKey{JobID: j.JobID, VersionNumber: j.VersionNumber, ExecutionNumber: j.ExecutionNumber}
}

// JobKey is the dedupe identity of a job delivery.
type JobKey struct {
	JobID           string
	VersionNumber   uint64
	ExecutionNumber uint64
}

// JobStatusUpdate is the body of PATCH
// /api/v1/devices/{uuid}/jobs/{jobId}/status.
type JobStatusUpdate struct {
	Status        JobStatus `json:"status"`
	ExitCode      *int      `json:"exit_code,omitempty"`
	Stdout        string    `json:"stdout,omitempty"`
	Stderr        string    `json:"stderr,omitempty"`
	StatusDetails string    `json:"status_details,omitempty"`
}

// QueuedReport is an on-disk record in the offline queue: a stripped
// StateReport (environment, labels, and top-processes omitted) plus the
// time it was enqueued.
type QueuedReport struct {
	Report     StateReport `json:"report"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
}

// StripVerbose returns a copy of the report with environment, labels, and
// top-process fields removed, for storage in the offline queue.
func (r StateReport) StripVerbose() StateReport {
	stripped := r
	stripped.Apps = make(map[string]AppSpec, len(r.Apps))
	for id, app := range r.Apps {
		strippedApp := app
		strippedApp.Services = make([]ServiceSpec, len(app.Services))
		for i, svc := range app.Services {
			s := svc
			s.Config.Environment = nil
			s.Config.Labels = nil
			strippedApp.Services[i] = s
		}
		stripped.Apps[id] = strippedApp
	}
	if stripped.Metrics != nil {
		m := *stripped.Metrics
		m.TopProcesses = nil
		stripped.Metrics = &m
	}
	return stripped
}
