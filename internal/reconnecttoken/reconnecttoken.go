// Package reconnecttoken implements the Reconnect Token Store: opaque,
// single-use, cryptographically random tokens bound to a session's last
// known sequence, redeemable exactly once via an atomic delete-on-read.
package reconnecttoken

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkirby-ms/tilemud/internal/dbguard"
	"github.com/dkirby-ms/tilemud/internal/kv"
)

// DefaultTTL matches spec.md §4.10's "on the order of minutes" guidance.
const DefaultTTL = 5 * time.Minute

// Payload is the server-side record a token resolves to.
type Payload struct {
	Token              string    `json:"token"`
	SessionID          string    `json:"sessionId"`
	LastSequenceNumber int64     `json:"lastSequenceNumber"`
	IssuedAt           time.Time `json:"issuedAt"`
	ExpiresAt          time.Time `json:"expiresAt"`
}

// Store issues and consumes reconnect tokens against the shared Redis
// store, fronted by a dbguard.Guard.
type Store struct {
	kv    *kv.Store
	guard *dbguard.Guard
	now   func() time.Time
}

// New constructs a Store.
func New(store *kv.Store, guard *dbguard.Guard) *Store {
	return &Store{kv: store, guard: guard, now: time.Now}
}

// IssueRequest is the input to Issue.
type IssueRequest struct {
	SessionID          string
	LastSequenceNumber int64
	TTL                time.Duration // 0 uses DefaultTTL
}

func newOpaqueToken() (string, error) {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("reconnecttoken: generate random token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b[:]), nil
}

func key(token string) string {
	return kv.PrefixReconnectTok + ":" + token
}

// Issue mints a fresh opaque token bound to (sessionId, lastSequenceNumber)
// and stores its payload with a TTL.
func (s *Store) Issue(ctx context.Context, req IssueRequest) (Payload, error) {
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	token, err := newOpaqueToken()
	if err != nil {
		return Payload{}, err
	}

	now := s.now()
	payload := Payload{
		Token:              token,
		SessionID:          req.SessionID,
		LastSequenceNumber: req.LastSequenceNumber,
		IssuedAt:           now,
		ExpiresAt:          now.Add(ttl),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Payload{}, fmt.Errorf("reconnecttoken: marshal payload: %w", err)
	}

	err = s.guard.Do(func() error {
		return s.kv.Client.Set(ctx, key(token), raw, ttl).Err()
	})
	if err != nil {
		return Payload{}, err
	}
	return payload, nil
}

// Consume redeems token exactly once: on success the token is deleted
// atomically as part of the read, so a concurrent or repeated consume sees
// it as unknown. Returns (payload, true, nil) on success, (zero, false,
// nil) for an unknown or expired token, and (zero, false, err) on a KV
// failure.
func (s *Store) Consume(ctx context.Context, token string) (Payload, bool, error) {
	var raw string
	var found bool

	err := s.guard.Do(func() error {
		v, getErr := s.kv.Client.GetDel(ctx, key(token)).Result()
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
		return Payload{}, false, err
	}
	if !found {
		return Payload{}, false, nil
	}

	var payload Payload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return Payload{}, false, fmt.Errorf("reconnecttoken: unmarshal payload: %w", err)
	}
	return payload, true, nil
}
