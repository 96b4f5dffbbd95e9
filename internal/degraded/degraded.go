// Package degraded implements the Degraded Signal Service: a per-dependency
// health tracker with hysteresis that emits change events exactly once per
// subscriber per transition.
package degraded

import (
	"sync"
	"time"
)

// Status is a dependency's health state.
type Status string

const (
	StatusAvailable   Status = "available"
	StatusDegraded    Status = "degraded"
	StatusUnavailable Status = "unavailable"
)

// Dependency names known to the wire protocol's event.degraded envelope.
type Dependency string

const (
	DependencyRedis    Dependency = "redis"
	DependencyPostgres Dependency = "postgres"
	DependencyMetrics  Dependency = "metrics"
	DependencyUnknown  Dependency = "unknown"
)

// Thresholds configures the hysteresis transition points.
type Thresholds struct {
	FailureThreshold    int // available -> degraded
	RecoveryThreshold   int // any -> available
	UnavailableThreshold int // degraded|available -> unavailable
}

// DefaultThresholds matches spec.md §4.3's defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{FailureThreshold: 2, RecoveryThreshold: 2, UnavailableThreshold: 6}
}

// Change is a single status transition, delivered to every subscriber
// exactly once, in emission order.
type Change struct {
	Dependency      Dependency
	Status          string // "degraded" or "recovered", per spec.md §4.3 wire shape
	ObservedAt      time.Time
	Message         string
	PreviousStatus  Status
	CurrentStatus   Status
}

type depState struct {
	status               Status
	consecutiveFailures   int
	consecutiveSuccesses  int
	lastObservedAt        time.Time
}

// Service tracks health per dependency and fans out transitions to
// subscribers. Safe for concurrent use.
type Service struct {
	mu         sync.Mutex
	thresholds map[Dependency]Thresholds
	defaults   Thresholds
	states     map[Dependency]*depState
	subs       []chan Change
}

// New constructs a Service using defaults for any dependency without an
// explicit override.
func New(defaults Thresholds) *Service {
	return &Service{
		thresholds: make(map[Dependency]Thresholds),
		defaults:   defaults,
		states:     make(map[Dependency]*depState),
	}
}

// Configure overrides thresholds for a specific dependency.
func (s *Service) Configure(dep Dependency, t Thresholds) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thresholds[dep] = t
}

func (s *Service) thresholdsFor(dep Dependency) Thresholds {
	if t, ok := s.thresholds[dep]; ok {
		return t
	}
	return s.defaults
}

func (s *Service) stateFor(dep Dependency) *depState {
	st, ok := s.states[dep]
	if !ok {
		st = &depState{status: StatusAvailable}
		s.states[dep] = st
	}
	return st
}

// Subscribe registers and returns a channel, created with a 32-slot buffer,
// that receives every subsequent transition. Sends are not dropped: once a
// subscriber's buffer is full and nobody reads it, RecordFailure /
// RecordSuccess block until it is drained.
func (s *Service) Subscribe() <-chan Change {
	ch := make(chan Change, 32)
	s.mu.Lock()
	s.subs = append(s.subs, ch)
	s.mu.Unlock()
	return ch
}

// Snapshot returns every dependency currently not available, for a newly
// joining client.
func (s *Service) Snapshot() []Change {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Change
	for dep, st := range s.states {
		if st.status == StatusAvailable {
			continue
		}
		out = append(out, Change{
			Dependency:     dep,
			Status:         wireStatus(st.status),
			ObservedAt:     st.lastObservedAt,
			CurrentStatus:  st.status,
			PreviousStatus: st.status,
		})
	}
	return out
}

func wireStatus(s Status) string {
	if s == StatusAvailable {
		return "recovered"
	}
	return "degraded"
}

// RecordFailure registers a failed observation for dep and returns the
// resulting status.
func (s *Service) RecordFailure(dep Dependency, now time.Time, message string) Status {
	s.mu.Lock()
	th := s.thresholdsFor(dep)
	st := s.stateFor(dep)
	prev := st.status

	st.consecutiveFailures++
	st.consecutiveSuccesses = 0
	st.lastObservedAt = now

	switch {
	case st.consecutiveFailures >= th.UnavailableThreshold:
		st.status = StatusUnavailable
	case st.consecutiveFailures >= th.FailureThreshold:
		if st.status != StatusUnavailable {
			st.status = StatusDegraded
		}
	}

	changed := st.status != prev
	var ev Change
	if changed {
		ev = Change{
			Dependency: dep, Status: wireStatus(st.status), ObservedAt: now,
			Message: message, PreviousStatus: prev, CurrentStatus: st.status,
		}
	}
	subs := append([]chan Change(nil), s.subs...)
	s.mu.Unlock()

	if changed {
		for _, ch := range subs {
			ch <- ev
		}
	}
	return st.status
}

// RecordSuccess registers a successful observation for dep and returns the
// resulting status.
func (s *Service) RecordSuccess(dep Dependency, now time.Time, message string) Status {
	s.mu.Lock()
	th := s.thresholdsFor(dep)
	st := s.stateFor(dep)
	prev := st.status

	st.consecutiveSuccesses++
	st.consecutiveFailures = 0
	st.lastObservedAt = now

	if st.status != StatusAvailable && st.consecutiveSuccesses >= th.RecoveryThreshold {
		st.status = StatusAvailable
	}

	changed := st.status != prev
	var ev Change
	if changed {
		ev = Change{
			Dependency: dep, Status: wireStatus(st.status), ObservedAt: now,
			Message: message, PreviousStatus: prev, CurrentStatus: st.status,
		}
	}
	subs := append([]chan Change(nil), s.subs...)
	s.mu.Unlock()

	if changed {
		for _, ch := range subs {
			ch <- ev
		}
	}
	return st.status
}

// Reset clears a dependency's counters and returns it to available.
func (s *Service) Reset(dep Dependency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, dep)
}

// Status returns the current status of dep (available if never observed).
func (s *Service) Status(dep Dependency) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[dep]
	if !ok {
		return StatusAvailable
	}
	return st.status
}

// DegradedEvent is the wire event.degraded envelope shape (spec.md §4.16).
type DegradedEvent struct {
	Type       string     `json:"type"`
	Dependency Dependency `json:"dependency"`
	Status     string     `json:"status"`
	ObservedAt time.Time  `json:"observedAt"`
	Message    string     `json:"message,omitempty"`
}

// ToEvent converts a Change into the outbound wire envelope.
func (c Change) ToEvent() DegradedEvent {
	return DegradedEvent{
		Type:       "event.degraded",
		Dependency: c.Dependency,
		Status:     c.Status,
		ObservedAt: c.ObservedAt,
		Message:    c.Message,
	}
}
