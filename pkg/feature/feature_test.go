package feature

import (
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/fleetd/pkg/eventbus"
	"github.com/cuemby/fleetd/pkg/types"
)

type recordingFeature struct {
	mu        sync.Mutex
	name      string
	dependsOn []string
	running   bool
	startErr  error
	events    *[]string
}

func (f *recordingFeature) Name() string          { return f.name }
func (f *recordingFeature) DependsOn() []string   { return f.dependsOn }
func (f *recordingFeature) IsRunning() bool        { f.mu.Lock(); defer f.mu.Unlock(); return f.running }

func (f *recordingFeature) Start() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return nil
	}
	if f.startErr != nil {
		return f.startErr
	}
	f.running = true
	*f.events = append(*f.events, "start:"+f.name)
	return nil
}

func (f *recordingFeature) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return nil
	}
	f.running = false
	*f.events = append(*f.events, "stop:"+f.name)
	return nil
}

func (f *recordingFeature) HealthSnapshot() types.FeatureHealth {
	f.mu.Lock()
	defer f.mu.Unlock()
	return types.FeatureHealth{Name: f.name, Running: f.running, Healthy: f.running}
}

func newSupervisor() *Supervisor {
	return New(eventbus.New(zerolog.Nop(), 8), zerolog.Nop())
}

func TestSetEnabledStartsDependenciesFirst(t *testing.T) {
	s := newSupervisor()
	var events []string

	s.Register(&recordingFeature{name: "job_engine", events: &events})
	s.Register(&recordingFeature{name: "cloud_jobs", dependsOn: []string{"job_engine"}, events: &events})

	require.NoError(t, s.SetEnabled("cloud_jobs", true))

	assert.Equal(t, []string{"start:job_engine", "start:cloud_jobs"}, events)
	assert.True(t, s.IsEnabled("job_engine"))
	assert.True(t, s.IsEnabled("cloud_jobs"))
}

func TestSetEnabledIsIdempotent(t *testing.T) {
	s := newSupervisor()
	var events []string
	s.Register(&recordingFeature{name: "remote_access", events: &events})

	require.NoError(t, s.SetEnabled("remote_access", true))
	require.NoError(t, s.SetEnabled("remote_access", true))

	assert.Equal(t, []string{"start:remote_access"}, events, "enabling an already-enabled feature must be a no-op")
}

func TestSetEnabledFalseStopsDependentsFirst(t *testing.T) {
	s := newSupervisor()
	var events []string

	s.Register(&recordingFeature{name: "job_engine", events: &events})
	s.Register(&recordingFeature{name: "cloud_jobs", dependsOn: []string{"job_engine"}, events: &events})

	require.NoError(t, s.SetEnabled("cloud_jobs", true))
	events = nil

	require.NoError(t, s.SetEnabled("job_engine", false))

	assert.Equal(t, []string{"stop:cloud_jobs", "stop:job_engine"}, events, "a dependent must stop before what it depends on")
	assert.False(t, s.IsEnabled("cloud_jobs"))
	assert.False(t, s.IsEnabled("job_engine"))
}

func TestSetEnabledDetectsDependencyCycle(t *testing.T) {
	s := newSupervisor()
	var events []string

	s.Register(&recordingFeature{name: "a", dependsOn: []string{"b"}, events: &events})
	s.Register(&recordingFeature{name: "b", dependsOn: []string{"a"}, events: &events})

	err := s.SetEnabled("a", true)
	assert.Error(t, err)
}

func TestSetEnabledPublishesFeatureFailedOnStartError(t *testing.T) {
	s := newSupervisor()
	bus := s.bus
	var events []string

	s.Register(&recordingFeature{name: "broken", events: &events, startErr: errors.New("boom")})

	failed := make(chan string, 1)
	unsub := bus.Subscribe(eventbus.TopicFeatureFailed, func(ev eventbus.Event) {
		failed <- ev.Payload.(string)
	})
	defer unsub()

	err := s.SetEnabled("broken", true)
	assert.Error(t, err)
	assert.False(t, s.IsEnabled("broken"))
}

func TestStopAllStopsEveryEnabledFeature(t *testing.T) {
	s := newSupervisor()
	var events []string

	s.Register(&recordingFeature{name: "job_engine", events: &events})
	s.Register(&recordingFeature{name: "cloud_jobs", dependsOn: []string{"job_engine"}, events: &events})
	s.Register(&recordingFeature{name: "sensor_publish", events: &events})

	require.NoError(t, s.SetEnabled("cloud_jobs", true))
	require.NoError(t, s.SetEnabled("sensor_publish", true))

	s.StopAll()

	assert.False(t, s.IsEnabled("job_engine"))
	assert.False(t, s.IsEnabled("cloud_jobs"))
	assert.False(t, s.IsEnabled("sensor_publish"))
}
