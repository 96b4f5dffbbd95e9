// Package grace implements the Reconnect Session Manager: room-scoped,
// KV-backed grace sessions that let a disconnected player's in-room state
// survive a short window for a new socket to resume into. Distinct from
// internal/reconnecttoken + internal/reconnectflow, which handle
// cross-connection session continuity rather than in-room state.
package grace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkirby-ms/tilemud/internal/dbguard"
	"github.com/dkirby-ms/tilemud/internal/kv"
)

// Preset grace-period durations (spec.md §4.15).
const (
	PresetQuick    = 30 * time.Second
	PresetStandard = 5 * time.Minute
	PresetExtended = 15 * time.Minute
	DefaultGrace   = 60 * time.Second
)

// Session is the durable grace-window record for one disconnected player.
type Session struct {
	PlayerID       string                 `json:"playerId"`
	InstanceID     string                 `json:"instanceId"`
	SessionID      string                 `json:"sessionId"`
	DisconnectedAt time.Time              `json:"disconnectedAt"`
	GracePeriodMs  int64                  `json:"gracePeriodMs"`
	PlayerState    map[string]interface{} `json:"playerState"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
}

func (s Session) expiresAt() time.Time {
	return s.DisconnectedAt.Add(time.Duration(s.GracePeriodMs) * time.Millisecond)
}

// Manager tracks grace sessions over the shared KV store.
type Manager struct {
	kv    *kv.Store
	guard *dbguard.Guard
	now   func() time.Time
}

// New constructs a Manager.
func New(store *kv.Store, guard *dbguard.Guard) *Manager {
	return &Manager{kv: store, guard: guard, now: time.Now}
}

// primaryKey follows spec.md §6's KV shape: reconnect:session:<playerId>:<instanceId>.
func primaryKey(playerID, instanceID string) string {
	return fmt.Sprintf("%s:%s:%s", kv.PrefixReconnectSess, playerID, instanceID)
}

func secondaryKey(playerID string) string {
	return fmt.Sprintf("%s:%s", kv.PrefixReconnectPlr, playerID)
}

type secondaryRef struct {
	InstanceID string `json:"instanceId"`
	SessionID  string `json:"sessionId"`
}

// CreateRequest is the input to CreateSession.
type CreateRequest struct {
	PlayerID      string
	InstanceID    string
	SessionID     string
	PlayerState   map[string]interface{}
	GracePeriodMs int64 // 0 uses DefaultGrace
	Metadata      map[string]interface{}
}

// CreateSession stores a grace-window record plus a secondary
// player→{instanceId,sessionId} pointer, both TTLed to the grace period.
func (m *Manager) CreateSession(ctx context.Context, req CreateRequest) (Session, error) {
	graceMs := req.GracePeriodMs
	if graceMs <= 0 {
		graceMs = DefaultGrace.Milliseconds()
	}

	sess := Session{
		PlayerID:       req.PlayerID,
		InstanceID:     req.InstanceID,
		SessionID:      req.SessionID,
		DisconnectedAt: m.now(),
		GracePeriodMs:  graceMs,
		PlayerState:    req.PlayerState,
		Metadata:       req.Metadata,
	}

	ttl := ttlFor(graceMs)
	raw, err := json.Marshal(sess)
	if err != nil {
		return Session{}, fmt.Errorf("grace: marshal session: %w", err)
	}
	refRaw, err := json.Marshal(secondaryRef{InstanceID: req.InstanceID, SessionID: req.SessionID})
	if err != nil {
		return Session{}, fmt.Errorf("grace: marshal secondary ref: %w", err)
	}

	err = m.guard.Do(func() error {
		pipe := m.kv.Client.TxPipeline()
		pipe.Set(ctx, primaryKey(req.PlayerID, req.InstanceID), raw, ttl)
		pipe.Set(ctx, secondaryKey(req.PlayerID), refRaw, ttl)
		_, execErr := pipe.Exec(ctx)
		return execErr
	})
	if err != nil {
		return Session{}, err
	}
	return sess, nil
}

func ttlFor(gracePeriodMs int64) time.Duration {
	secs := (gracePeriodMs + 999) / 1000
	return time.Duration(secs) * time.Second
}

// GetSession fetches a grace session, removing and returning not-found if
// it is malformed or its grace period has elapsed.
func (m *Manager) GetSession(ctx context.Context, playerID, instanceID string) (Session, bool, error) {
	var raw string
	var found bool
	err := m.guard.Do(func() error {
		v, getErr := m.kv.Client.Get(ctx, primaryKey(playerID, instanceID)).Result()
		if errors.Is(getErr, redis.Nil) {
			return nil
		}
		if getErr != nil {
			return getErr
		}
		raw = v
		found = true
		return nil
	})
	if err != nil {
		return Session{}, false, err
	}
	if !found {
		return Session{}, false, nil
	}

	var sess Session
	if jsonErr := json.Unmarshal([]byte(raw), &sess); jsonErr != nil {
		m.removeQuiet(ctx, playerID, instanceID)
		return Session{}, false, nil
	}
	if m.now().After(sess.expiresAt()) {
		m.removeQuiet(ctx, playerID, instanceID)
		return Session{}, false, nil
	}
	return sess, true, nil
}

func (m *Manager) removeQuiet(ctx context.Context, playerID, instanceID string) {
	_ = m.guard.Do(func() error {
		return m.kv.Client.Del(ctx, primaryKey(playerID, instanceID), secondaryKey(playerID)).Err()
	})
}

// ReconnectResult is the outcome of AttemptReconnect.
type ReconnectResult struct {
	Success           bool
	Session           Session
	NewSessionRequired bool
	Reason            string
}

// AttemptReconnect rebinds an active grace session to newSessionID,
// re-persisting with its remaining TTL, or reports that a fresh session is
// required.
func (m *Manager) AttemptReconnect(ctx context.Context, playerID, instanceID, newSessionID string) (ReconnectResult, error) {
	sess, found, err := m.GetSession(ctx, playerID, instanceID)
	if err != nil {
		return ReconnectResult{}, err
	}
	if !found {
		return ReconnectResult{NewSessionRequired: true, Reason: "grace_period_expired"}, nil
	}

	sess.SessionID = newSessionID
	if err := m.rePersist(ctx, sess); err != nil {
		return ReconnectResult{}, err
	}
	return ReconnectResult{Success: true, Session: sess}, nil
}

func (m *Manager) rePersist(ctx context.Context, sess Session) error {
	remaining := sess.expiresAt().Sub(m.now())
	if remaining <= 0 {
		remaining = time.Second
	}

	raw, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("grace: marshal session: %w", err)
	}
	refRaw, err := json.Marshal(secondaryRef{InstanceID: sess.InstanceID, SessionID: sess.SessionID})
	if err != nil {
		return fmt.Errorf("grace: marshal secondary ref: %w", err)
	}

	return m.guard.Do(func() error {
		pipe := m.kv.Client.TxPipeline()
		pipe.Set(ctx, primaryKey(sess.PlayerID, sess.InstanceID), raw, remaining)
		pipe.Set(ctx, secondaryKey(sess.PlayerID), refRaw, remaining)
		_, execErr := pipe.Exec(ctx)
		return execErr
	})
}

// UpdatePlayerState shallow-merges patch into the session's playerState
// and re-persists with its remaining TTL. Returns false if the session has
// expired.
func (m *Manager) UpdatePlayerState(ctx context.Context, playerID, instanceID string, patch map[string]interface{}) (bool, error) {
	sess, found, err := m.GetSession(ctx, playerID, instanceID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	if sess.PlayerState == nil {
		sess.PlayerState = make(map[string]interface{}, len(patch))
	}
	for k, v := range patch {
		sess.PlayerState[k] = v
	}

	if err := m.rePersist(ctx, sess); err != nil {
		return false, err
	}
	return true, nil
}

// ExtendGracePeriod adds additionalMs to the session's grace period and
// re-persists with the new remaining TTL.
func (m *Manager) ExtendGracePeriod(ctx context.Context, playerID, instanceID string, additionalMs int64) (Session, bool, error) {
	sess, found, err := m.GetSession(ctx, playerID, instanceID)
	if err != nil {
		return Session{}, false, err
	}
	if !found {
		return Session{}, false, nil
	}

	sess.GracePeriodMs += additionalMs
	if err := m.rePersist(ctx, sess); err != nil {
		return Session{}, false, err
	}
	return sess, true, nil
}

// ListActiveSessions scans for grace sessions, optionally filtered to one
// instanceId. The primary key's segment order (playerId before
// instanceId, per spec.md §6) doesn't support an instance-scoped SCAN
// pattern, so the filter is applied after decoding each candidate.
func (m *Manager) ListActiveSessions(ctx context.Context, instanceID string) ([]Session, error) {
	var out []Session
	err := m.guard.Do(func() error {
		iter := m.kv.Client.Scan(ctx, 0, kv.PrefixReconnectSess+":*", 0).Iterator()
		for iter.Next(ctx) {
			raw, getErr := m.kv.Client.Get(ctx, iter.Val()).Result()
			if errors.Is(getErr, redis.Nil) {
				continue
			}
			if getErr != nil {
				return getErr
			}
			var sess Session
			if jsonErr := json.Unmarshal([]byte(raw), &sess); jsonErr != nil {
				continue
			}
			if m.now().After(sess.expiresAt()) {
				continue
			}
			if instanceID != "" && sess.InstanceID != instanceID {
				continue
			}
			out = append(out, sess)
		}
		return iter.Err()
	})
	return out, err
}

// CleanupExpiredSessions scans and removes any grace session (and its
// secondary pointer) whose grace period has elapsed.
func (m *Manager) CleanupExpiredSessions(ctx context.Context) (int, error) {
	removed := 0
	err := m.guard.Do(func() error {
		iter := m.kv.Client.Scan(ctx, 0, kv.PrefixReconnectSess+":*", 0).Iterator()
		for iter.Next(ctx) {
			rawKey := iter.Val()
			raw, getErr := m.kv.Client.Get(ctx, rawKey).Result()
			if errors.Is(getErr, redis.Nil) {
				continue
			}
			if getErr != nil {
				return getErr
			}
			var sess Session
			if jsonErr := json.Unmarshal([]byte(raw), &sess); jsonErr != nil || m.now().After(sess.expiresAt()) {
				if delErr := m.kv.Client.Del(ctx, rawKey, secondaryKey(sess.PlayerID)).Err(); delErr != nil {
					return delErr
				}
				removed++
			}
		}
		return iter.Err()
	})
	return removed, err
}

// Stats summarizes the current grace-session population.
type Stats struct {
	ActiveCount int
	ByInstance  map[string]int
}

// GetSessionStats reports active grace-session counts overall and per
// instance.
func (m *Manager) GetSessionStats(ctx context.Context) (Stats, error) {
	sessions, err := m.ListActiveSessions(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ActiveCount: len(sessions), ByInstance: make(map[string]int)}
	for _, s := range sessions {
		stats.ByInstance[s.InstanceID]++
	}
	return stats, nil
}
