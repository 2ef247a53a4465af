// Package connmonitor tracks the device's connection health: consecutive
// success/failure on the poll and report streams independently, derived
// into an overall online/degraded/offline status, with transitions
// published on the event bus so the offline queue and sync engine can
// react without polling this package directly.
package connmonitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/fleetd/pkg/eventbus"
	"github.com/cuemby/fleetd/pkg/metrics"
	"github.com/cuemby/fleetd/pkg/types"
)

// Op identifies which stream an outcome applies to.
type Op string

const (
	OpPoll   Op = "poll"
	OpReport Op = "report"
)

const (
	degradedThreshold = 2
	offlineThreshold  = 3
)

// Monitor tracks connection health and emits status-change events.
type Monitor struct {
	mu     sync.Mutex
	bus    *eventbus.Bus
	logger zerolog.Logger

	consecutiveFailures map[Op]int
	lastSuccessAt       map[Op]time.Time
	attempts            map[Op]int
	successes           map[Op]int

	status       types.ConnectionStatus
	offlineSince *time.Time
}

// New creates a Monitor in the online state.
func New(bus *eventbus.Bus, logger zerolog.Logger) *Monitor {
	return &Monitor{
		bus:                  bus,
		logger:               logger,
		consecutiveFailures:  make(map[Op]int),
		lastSuccessAt:        make(map[Op]time.Time),
		attempts:             make(map[Op]int),
		successes:            make(map[Op]int),
		status:               types.ConnectionOnline,
	}
}

// MarkSuccess records a successful attempt on op.
func (m *Monitor) MarkSuccess(op Op) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts[op]++
	m.successes[op]++
	m.consecutiveFailures[op] = 0
	m.lastSuccessAt[op] = nowFunc()

	m.recompute()
}

// MarkFailure records a failed attempt on op.
func (m *Monitor) MarkFailure(op Op, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.attempts[op]++
	m.consecutiveFailures[op]++

	m.logger.Warn().Err(err).Str("op", string(op)).Int("consecutive_failures", m.consecutiveFailures[op]).Msg("connection attempt failed")

	m.recompute()
}

// recompute derives the overall status from the worse of the two streams'
// consecutive failure counts and publishes a transition event if the
// status changed. Degraded at 2 consecutive failures on either stream,
// offline at 3 — a single stuck stream is enough, since a device that
// can't report is no less offline for still being able to poll. Recovery
// to online requires both counters back at 0; a single failure below the
// degraded threshold leaves the status as it was.
func (m *Monitor) recompute() {
	pollFail := m.consecutiveFailures[OpPoll]
	reportFail := m.consecutiveFailures[OpReport]
	worst := pollFail
	if reportFail > worst {
		worst = reportFail
	}

	var next types.ConnectionStatus
	switch {
	case worst >= offlineThreshold:
		next = types.ConnectionOffline
	case worst >= degradedThreshold:
		next = types.ConnectionDegraded
	case worst == 0:
		next = types.ConnectionOnline
	default:
		next = m.status
	}

	metrics.PollSuccessRate.Set(successRate(m.attempts[OpPoll], m.successes[OpPoll]))
	metrics.ReportSuccessRate.Set(successRate(m.attempts[OpReport], m.successes[OpReport]))

	if next == m.status {
		return
	}

	prev := m.status
	m.status = next

	if next == types.ConnectionOnline {
		metrics.ConnectionOnline.Set(1)
	} else {
		metrics.ConnectionOnline.Set(0)
	}

	now := nowFunc()
	if next == types.ConnectionOffline {
		m.offlineSince = &now
	} else if prev == types.ConnectionOffline && next != types.ConnectionOffline {
		m.offlineSince = nil
	}

	m.logger.Info().Str("from", string(prev)).Str("to", string(next)).Msg("connection status changed")

	switch next {
	case types.ConnectionOnline:
		m.bus.Publish(eventbus.Event{Topic: eventbus.TopicConnectionOnline, Payload: nil})
		if prev == types.ConnectionOffline || prev == types.ConnectionDegraded {
			m.bus.Publish(eventbus.Event{Topic: eventbus.TopicConnectionRestored, Payload: nil})
		}
	case types.ConnectionDegraded:
		m.bus.Publish(eventbus.Event{Topic: eventbus.TopicConnectionDegraded, Payload: nil})
	case types.ConnectionOffline:
		m.bus.Publish(eventbus.Event{Topic: eventbus.TopicConnectionOffline, Payload: nil})
	}
}

// GetHealth returns a snapshot of the current connection health.
func (m *Monitor) GetHealth() types.ConnectionHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := types.ConnectionHealth{
		Status:              m.status,
		PollSuccessRate:     successRate(m.attempts[OpPoll], m.successes[OpPoll]),
		ReportSuccessRate:   successRate(m.attempts[OpReport], m.successes[OpReport]),
		LastPollSuccessAt:   m.lastSuccessAt[OpPoll],
		LastReportSuccessAt: m.lastSuccessAt[OpReport],
		OfflineSince:        m.offlineSince,
	}
	return h
}

// IsOnline reports whether the current status is online.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status == types.ConnectionOnline
}

func successRate(attempts, successes int) float64 {
	if attempts == 0 {
		return 1
	}
	return float64(successes) / float64(attempts)
}

// nowFunc is a var so tests can fake the clock without touching real time.
var nowFunc = time.Now
