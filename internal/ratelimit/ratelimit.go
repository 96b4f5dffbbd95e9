// Package ratelimit implements the Rate Limiter: per-(channel, subject)
// multi-window sliding counters over the shared Redis store.
//
// Each window is a sorted set keyed by (prefix, channel, subject,
// windowDurationMs); members are timestamped admissions evicted once they
// fall outside the window. For one admission, the evict+count of every
// window goes out in one transactional pipeline, and an admitted entry is
// then added to every window in a second pipelined round trip, the
// closest a plain Redis client gets to the "pipelined/transactional"
// requirement in spec.md §4.5 without Lua scripting. The two round trips
// are not atomic with each other.
package ratelimit

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dkirby-ms/tilemud/internal/catalog"
	"github.com/dkirby-ms/tilemud/internal/dbguard"
	"github.com/dkirby-ms/tilemud/internal/kv"
)

// Window is one (durationMs, limit) sliding-window rule. A channel must
// satisfy every configured window (AND semantics).
type Window struct {
	DurationMs int64
	Limit      int64
}

// Config maps channel name to its configured windows.
type Config map[string][]Window

// DefaultConfig matches spec.md §4.5's defaults.
func DefaultConfig() Config {
	return Config{
		"chat_in_instance": {{DurationMs: 10_000, Limit: 20}},
		"private_message":  {{DurationMs: 10_000, Limit: 10}},
		"tile_action": {
			{DurationMs: 1_000, Limit: 5},
			{DurationMs: 2_000, Limit: 10},
		},
	}
}

// Result is the outcome of Evaluate.
type Result struct {
	Channel    string
	Allowed    bool
	Remaining  *int64
	Limit      *int64
	WindowMs   *int64
	RetryAfter *int64 // seconds, >=1, set only when denied
}

// Limiter evaluates and enforces sliding-window rate limits over Redis.
type Limiter struct {
	store  *kv.Store
	guard  *dbguard.Guard
	cfg    Config
	now    func() time.Time
}

// New constructs a Limiter. guard gates every Redis round trip per
// spec.md §4.4's "every durable-store/KV call passes through the guard".
func New(store *kv.Store, guard *dbguard.Guard, cfg Config) *Limiter {
	return &Limiter{store: store, guard: guard, cfg: cfg, now: time.Now}
}

func memberID(now time.Time) string {
	var b [8]byte
	_, _ = rand.Read(b[:])
	return fmt.Sprintf("%d-%s", now.UnixMilli(), hex.EncodeToString(b[:]))
}

func key(channel, subject string, window Window) string {
	return fmt.Sprintf("%s:%s:%s:%d", kv.PrefixRateLimit, channel, subject, window.DurationMs)
}

// Evaluate checks (and, if admitted, records) one admission against every
// window configured for channel. Every admitted call counts against the
// windows; the Limiter has no read-only inspection call.
func (l *Limiter) Evaluate(ctx context.Context, channel, subject string) (Result, error) {
	windows, ok := l.cfg[channel]
	if !ok {
		return Result{Channel: channel, Allowed: true}, nil
	}

	if err := l.guard.AssertAvailable(); err != nil {
		// Fail closed: deny consistently across channels (DESIGN.md Open
		// Question #3) rather than silently admitting under an outage.
		return Result{Channel: channel, Allowed: false}, err
	}

	now := l.now()
	member := memberID(now)

	type windowOutcome struct {
		window Window
		count  int64
		oldest int64
	}
	outcomes := make([]windowOutcome, 0, len(windows))

	pipe := l.store.Client.TxPipeline()
	cmds := make([]*redis.IntCmd, len(windows))
	oldestCmds := make([]*redis.ZSliceCmd, len(windows))
	for i, w := range windows {
		k := key(channel, subject, w)
		cutoff := now.Add(-time.Duration(w.DurationMs) * time.Millisecond).UnixMilli()
		pipe.ZRemRangeByScore(ctx, k, "-inf", fmt.Sprintf("(%d", cutoff))
		cmds[i] = pipe.ZCard(ctx, k)
		oldestCmds[i] = pipe.ZRangeWithScores(ctx, k, 0, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		l.guard.RecordFailure(err)
		return Result{Channel: channel, Allowed: false}, err
	}
	l.guard.RecordSuccess()

	for i, w := range windows {
		count := cmds[i].Val()
		var oldest int64
		if zs := oldestCmds[i].Val(); len(zs) > 0 {
			oldest = int64(zs[0].Score)
		}
		outcomes = append(outcomes, windowOutcome{window: w, count: count, oldest: oldest})
	}

	var violated []windowOutcome
	for _, o := range outcomes {
		if o.count >= o.window.Limit {
			violated = append(violated, o)
		}
	}

	if len(violated) > 0 {
		var retryAfter int64 = 1
		for _, v := range violated {
			deadline := v.oldest + v.window.DurationMs
			remainMs := deadline - now.UnixMilli()
			secs := int64(math.Ceil(float64(remainMs) / 1000.0))
			if secs < 1 {
				secs = 1
			}
			if secs > retryAfter {
				retryAfter = secs
			}
		}
		tightest := violated[0].window
		remaining := tightest.Limit - violated[0].count
		return Result{
			Channel:    channel,
			Allowed:    false,
			Limit:      &tightest.Limit,
			WindowMs:   &tightest.DurationMs,
			Remaining:  &remaining,
			RetryAfter: &retryAfter,
		}, nil
	}

	// Admit: record this entry in every window.
	addPipe := l.store.Client.Pipeline()
	for _, w := range windows {
		k := key(channel, subject, w)
		addPipe.ZAdd(ctx, k, redis.Z{Score: float64(now.UnixMilli()), Member: member})
		addPipe.PExpire(ctx, k, time.Duration(w.DurationMs)*time.Millisecond)
	}
	if _, err := addPipe.Exec(ctx); err != nil {
		l.guard.RecordFailure(err)
		return Result{Channel: channel, Allowed: false}, err
	}
	l.guard.RecordSuccess()

	tightest := windows[0]
	remaining := tightest.Limit - outcomes[0].count - 1
	return Result{
		Channel:   channel,
		Allowed:   true,
		Limit:     &tightest.Limit,
		WindowMs:  &tightest.DurationMs,
		Remaining: &remaining,
	}, nil
}

// Enforce evaluates channel for subject and returns a rate_limit_exceeded
// TileMudError (with RetryAfter set) when denied.
func (l *Limiter) Enforce(ctx context.Context, channel, subject string) error {
	res, err := l.Evaluate(ctx, channel, subject)
	if err != nil {
		return catalog.New(catalog.InternalError, err)
	}
	if !res.Allowed {
		retryAfter := 1
		if res.RetryAfter != nil {
			retryAfter = int(*res.RetryAfter)
		}
		return catalog.New(catalog.RateLimitExceeded, nil).WithRetryAfter(retryAfter)
	}
	return nil
}
