// Package feature is a small declarative dependency graph over fleetd's
// optional features (remote access, job engine, cloud jobs, sensor
// publish, protocol adapters, shadow), so enabling or disabling one via
// config always starts or stops its dependencies in the right order.
package feature

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetd/pkg/eventbus"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/types"
)

// Feature is one supervised unit. Start/Stop must be idempotent: the
// supervisor may call Start on an already-running feature (e.g. on
// startup, before it knows current state) and must get back a no-op.
type Feature interface {
	Name() string
	DependsOn() []string
	Start() error
	Stop() error
	IsRunning() bool
	HealthSnapshot() types.FeatureHealth
}

// Supervisor owns the registered features and their desired enabled state.
type Supervisor struct {
	mu       sync.Mutex
	bus      *eventbus.Bus
	logger   zerolog.Logger
	features map[string]Feature
	enabled  map[string]bool
}

// New creates an empty Supervisor.
func New(bus *eventbus.Bus, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		bus:      bus,
		logger:   logger,
		features: make(map[string]Feature),
		enabled:  make(map[string]bool),
	}
}

// Register adds f to the supervisor, initially disabled.
func (s *Supervisor) Register(f Feature) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.features[f.Name()] = f
}

// SetEnabled starts or stops name (and, transitively, whatever its
// dependency graph requires) to match enabled. Both directions are
// idempotent: enabling an already-enabled feature, or disabling an
// already-disabled one, is a no-op.
func (s *Supervisor) SetEnabled(name string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.enabled[name] == enabled {
		return nil
	}

	if enabled {
		order, err := s.startOrder(name)
		if err != nil {
			return err
		}
		for _, n := range order {
			if s.enabled[n] {
				continue
			}
			f, ok := s.features[n]
			if !ok {
				return fmt.Errorf("feature %q not registered", n)
			}
			if err := f.Start(); err != nil {
				s.logger.Error().Err(err).Str("feature", n).Msg("feature failed to start")
				metrics.FeatureStartFailuresTotal.WithLabelValues(n).Inc()
				s.bus.Publish(eventbus.Event{Topic: eventbus.TopicFeatureFailed, Payload: n})
				return fmt.Errorf("failed to start feature %s: %w", n, err)
			}
			s.enabled[n] = true
		}
		return nil
	}

	order, err := s.stopOrder(name)
	if err != nil {
		return err
	}
	var firstErr error
	for _, n := range order {
		if !s.enabled[n] {
			continue
		}
		f, ok := s.features[n]
		if !ok {
			continue
		}
		if err := f.Stop(); err != nil {
			s.logger.Error().Err(err).Str("feature", n).Msg("feature failed to stop")
			if firstErr == nil {
				firstErr = fmt.Errorf("failed to stop feature %s: %w", n, err)
			}
			continue
		}
		s.enabled[n] = false
	}
	return firstErr
}

// IsEnabled reports the supervisor's desired state for name, not
// necessarily the feature's live IsRunning() value.
func (s *Supervisor) IsEnabled(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enabled[name]
}

// HealthSnapshots returns a snapshot of every registered feature, in
// registration order is not guaranteed (map iteration).
func (s *Supervisor) HealthSnapshots() []types.FeatureHealth {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.FeatureHealth, 0, len(s.features))
	for _, f := range s.features {
		out = append(out, f.HealthSnapshot())
	}
	return out
}

// StopAll stops every enabled feature, in a valid overall stop order, for
// graceful shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	names := make([]string, 0, len(s.features))
	for n := range s.features {
		names = append(names, n)
	}
	s.mu.Unlock()

	for _, n := range names {
		_ = s.SetEnabled(n, false)
	}
}

// startOrder returns name's dependencies followed by name itself,
// depth-first, so every prerequisite starts before the feature that needs
// it.
func (s *Supervisor) startOrder(name string) ([]string, error) {
	var order []string
	visiting := make(map[string]bool)
	visited := make(map[string]bool)

	var visit func(n string) error
	visit = func(n string) error {
		if visited[n] {
			return nil
		}
		if visiting[n] {
			return fmt.Errorf("dependency cycle detected at feature %q", n)
		}
		visiting[n] = true

		f, ok := s.features[n]
		if !ok {
			return fmt.Errorf("feature %q not registered", n)
		}
		for _, dep := range f.DependsOn() {
			if err := visit(dep); err != nil {
				return err
			}
		}

		visiting[n] = false
		visited[n] = true
		order = append(order, n)
		return nil
	}

	if err := visit(name); err != nil {
		return nil, err
	}
	return order, nil
}

// stopOrder returns name and everything that (transitively) depends on it,
// reverse-dependency-first, so a feature is always stopped before anything
// it depends on.
func (s *Supervisor) stopOrder(name string) ([]string, error) {
	dependents := make(map[string][]string)
	for n, f := range s.features {
		for _, dep := range f.DependsOn() {
			dependents[dep] = append(dependents[dep], n)
		}
	}

	var order []string
	seen := make(map[string]bool)

	var visit func(n string)
	visit = func(n string) {
		if seen[n] {
			return
		}
		seen[n] = true
		for _, dependent := range dependents[n] {
			visit(dependent)
		}
		order = append(order, n)
	}

	visit(name)
	return order, nil
}
