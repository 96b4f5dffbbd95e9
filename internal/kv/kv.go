// Package kv wraps a shared Redis client used as both the rate-limit
// sliding-window store and the reconnect grace/token cache. Key prefixes
// keep the namespaces disjoint per spec.md §5's resource policy.
package kv

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const (
	PrefixRateLimit     = "ratelimit"
	PrefixReconnectSess = "reconnect:session"
	PrefixReconnectPlr  = "reconnect:player"
	PrefixReconnectTok  = "reconnect:token"
)

// Store is a thin handle around a *redis.Client, grounded on the
// pack's Redis session-store wrappers (a single client field plus
// prefix-scoped key builders rather than a bespoke abstraction).
type Store struct {
	Client *redis.Client
}

// New wraps an existing *redis.Client.
func New(client *redis.Client) *Store {
	return &Store{Client: client}
}

// Ping verifies connectivity to Redis.
func (s *Store) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

// Close closes the underlying connection pool.
func (s *Store) Close() error {
	return s.Client.Close()
}
