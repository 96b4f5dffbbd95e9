// Package sequence implements the Action Sequence Service: a per-session
// monotonic sequence evaluator with a TTL-bounded pending-snapshot flag.
package sequence

import (
	"sync"
	"time"
)

// Outcome is the result of evaluating one inbound sequence number.
type Outcome string

const (
	OutcomeAccept         Outcome = "accept"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeOutOfOrder     Outcome = "out_of_order" // reserved; see DESIGN.md Open Question #1 — never produced
	OutcomeGap            Outcome = "gap"
	OutcomeInvalid        Outcome = "invalid"
	OutcomeMissingSession Outcome = "missing_session"
)

// Eval is the result of Evaluate.
type Eval struct {
	Outcome           Outcome
	RequiresFullResync bool
}

type sessionState struct {
	lastSeq           int64
	pendingSnapshot   bool
	pendingExpiresAt  time.Time
}

// Service tracks last-acknowledged sequence per session plus a
// one-per-TTL pending-snapshot scheduling flag. Safe for concurrent use.
type Service struct {
	mu         sync.Mutex
	sessions   map[string]*sessionState
	pendingTTL time.Duration
	now        func() time.Time

	onSchedule func(sessionID string, requiresFullResync bool)
}

// New constructs a Service. pendingTTL is sequence.pendingSnapshotTtlMs
// from config (default 10s per spec.md §6).
func New(pendingTTL time.Duration) *Service {
	return &Service{
		sessions:   make(map[string]*sessionState),
		pendingTTL: pendingTTL,
		now:        time.Now,
	}
}

// OnSchedule registers a callback invoked once per scheduling window when
// a pending snapshot is newly scheduled for a session.
func (s *Service) OnSchedule(fn func(sessionID string, requiresFullResync bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSchedule = fn
}

// Seed primes a session's last-known sequence, e.g. from the Player
// Session Store at session open/resume.
func (s *Service) Seed(sessionID string, lastSeq int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &sessionState{lastSeq: lastSeq}
}

// Forget removes tracking state for a session (on terminate).
func (s *Service) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
}

func (s *sessionState) pendingActive(now time.Time) bool {
	return s.pendingSnapshot && now.Before(s.pendingExpiresAt)
}

// Evaluate classifies an inbound (sessionId, sequence) pair.
func (s *Service) Evaluate(sessionID string, sequence int64) Eval {
	if sequence < 0 {
		return Eval{Outcome: OutcomeInvalid}
	}

	s.mu.Lock()
	st, known := s.sessions[sessionID]
	now := s.now()

	if !known {
		scheduled := s.scheduleLocked(sessionID, nil, now, true)
		s.mu.Unlock()
		if scheduled != nil {
			scheduled.fn(scheduled.id, scheduled.requiresFullResync)
		}
		return Eval{Outcome: OutcomeMissingSession, RequiresFullResync: true}
	}

	switch {
	case sequence == st.lastSeq+1:
		s.mu.Unlock()
		return Eval{Outcome: OutcomeAccept}
	case sequence <= st.lastSeq:
		s.mu.Unlock()
		return Eval{Outcome: OutcomeDuplicate}
	default: // sequence > lastSeq+1: gap
		scheduled := s.scheduleLocked(sessionID, st, now, false)
		s.mu.Unlock()
		if scheduled != nil {
			scheduled.fn(scheduled.id, scheduled.requiresFullResync)
		}
		return Eval{Outcome: OutcomeGap}
	}
}

type scheduledNotice struct {
	id                 string
	requiresFullResync bool
	fn                 func(sessionID string, requiresFullResync bool)
}

// scheduleLocked schedules a pending snapshot for sessionID if one isn't
// already active, returning a notice to fire outside the lock (or nil if
// already scheduled within the TTL, or no callback registered). The
// callback reference is captured while the lock is held.
func (s *Service) scheduleLocked(sessionID string, st *sessionState, now time.Time, requiresFullResync bool) *scheduledNotice {
	if st == nil {
		// missing_session: track under a synthetic entry so repeated
		// evaluate calls for the same unknown session still dedupe.
		st = s.sessions[sessionID]
		if st == nil {
			st = &sessionState{lastSeq: -1}
			s.sessions[sessionID] = st
		}
	}

	if st.pendingActive(now) {
		return nil
	}

	st.pendingSnapshot = true
	st.pendingExpiresAt = now.Add(s.pendingTTL)

	if s.onSchedule == nil {
		return nil
	}
	return &scheduledNotice{id: sessionID, requiresFullResync: requiresFullResync, fn: s.onSchedule}
}

// Acknowledge advances a session's last-seq monotonically (max(old, seq))
// and clears any pending snapshot.
func (s *Service) Acknowledge(sessionID string, sequence int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		st = &sessionState{}
		s.sessions[sessionID] = st
	}
	if sequence > st.lastSeq {
		st.lastSeq = sequence
	}
	st.pendingSnapshot = false
}

// ResetSequence floors value to a non-negative integer, sets last-seq, and
// clears any pending snapshot.
func (s *Service) ResetSequence(sessionID string, value int64) {
	if value < 0 {
		value = 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &sessionState{lastSeq: value}
}

// LastSequence returns the last-acknowledged sequence for sessionID, and
// whether the session is known.
func (s *Service) LastSequence(sessionID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.sessions[sessionID]
	if !ok {
		return 0, false
	}
	return st.lastSeq, true
}
