// Package dbguard implements the DB Outage Guard: a closed/open/half-open
// circuit breaker in front of durable-store calls. "Half-open" is implicit
// — it's simply the first attempt allowed through after the cooldown
// deadline passes.
package dbguard

import (
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud/internal/catalog"
	"github.com/dkirby-ms/tilemud/internal/degraded"
)

// Config configures the guard's trip behavior.
type Config struct {
	FailureThreshold int
	CooldownMs       int64
}

// DefaultConfig matches spec.md §4.4's defaults.
func DefaultConfig() Config {
	return Config{FailureThreshold: 3, CooldownMs: 15000}
}

// Guard wraps durable-store operations with a fail-fast circuit breaker,
// forwarding health samples to a degraded.Service.
type Guard struct {
	mu          sync.Mutex
	cfg         Config
	dependency  degraded.Dependency
	signal      *degraded.Service
	failures    int
	cooldownAt  time.Time // zero if not tripped
	tripped     bool
	now         func() time.Time
}

// New constructs a Guard for the given dependency, reporting health
// transitions to signal.
func New(cfg Config, dependency degraded.Dependency, signal *degraded.Service) *Guard {
	return &Guard{cfg: cfg, dependency: dependency, signal: signal, now: time.Now}
}

// AssertAvailable fails fast with an internal_error if the guard is
// tripped and the cooldown has not yet elapsed. If the cooldown elapsed,
// the trip is cleared (half-open: the next call is let through).
func (g *Guard) AssertAvailable() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.tripped {
		return nil
	}

	now := g.now()
	if now.Before(g.cooldownAt) {
		retryAt := g.cooldownAt
		err := catalog.New(catalog.InternalError, nil)
		return errWithRetryAt{TileMudError: err, retryAt: retryAt}
	}

	// Cooldown elapsed: half-open, allow this attempt through.
	g.tripped = false
	g.failures = 0
	return nil
}

// errWithRetryAt decorates a catalog error with the wall-clock deadline at
// which the caller may retry.
type errWithRetryAt struct {
	*catalog.TileMudError
	retryAt time.Time
}

// RetryAt returns the time after which a caller may retry.
func (e errWithRetryAt) RetryAt() time.Time { return e.retryAt }

// RecordSuccess clears the failure count and any trip, and reports a
// success sample to the degraded signal on every call.
func (g *Guard) RecordSuccess() {
	g.mu.Lock()
	wasTripped := g.tripped
	g.failures = 0
	g.tripped = false
	now := g.now()
	g.mu.Unlock()

	g.signal.RecordSuccess(g.dependency, now, "")
	_ = wasTripped
}

// RecordFailure increments the failure count and, once it reaches
// FailureThreshold, engages (or extends) the cooldown.
func (g *Guard) RecordFailure(cause error) {
	now := g.now()

	g.mu.Lock()
	g.failures++
	if g.failures >= g.cfg.FailureThreshold {
		newDeadline := now.Add(time.Duration(g.cfg.CooldownMs) * time.Millisecond)
		if !g.tripped || newDeadline.After(g.cooldownAt) {
			g.cooldownAt = newDeadline
		}
		g.tripped = true
	}
	g.mu.Unlock()

	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	g.signal.RecordFailure(g.dependency, now, msg)
}

// Tripped reports whether the breaker is currently engaged.
func (g *Guard) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.tripped
}

// Do runs op only if AssertAvailable succeeds, recording success/failure
// automatically. This is the idiomatic call shape every durable-store
// accessor should use: assertAvailable() -> operation -> record*().
func (g *Guard) Do(op func() error) error {
	if err := g.AssertAvailable(); err != nil {
		return err
	}
	if err := op(); err != nil {
		g.RecordFailure(err)
		return err
	}
	g.RecordSuccess()
	return nil
}
