// Package pipeline implements the Action Pipeline: a bounded, deduplicated
// queue that accepts actions in arrival order but drains them in priority
// order. Mutating calls are serialized per spec.md §9 ("draining is
// expected to run from a single consumer"); the lock is held only for the
// duration of the heap operation, not across rate-limit checks.
package pipeline

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/dkirby-ms/tilemud/internal/catalog"
	"github.com/dkirby-ms/tilemud/internal/ratelimit"
)

// Action is one queued unit of work. PriorityTier/CategoryRank/
// InitiativeRank/Timestamp/ID together form the total order used at drain.
type Action struct {
	ID             string
	PlayerID       string
	Kind           string // e.g. "tile_action", "npc_event", "scripted_event"
	PriorityTier   int
	CategoryRank   int
	InitiativeRank int
	Timestamp      int64 // unix millis
	DedupeKey      string
	Payload        interface{}
}

// less implements the 5-level total order from spec.md §4.8.
func less(a, b Action) bool {
	if a.PriorityTier != b.PriorityTier {
		return a.PriorityTier < b.PriorityTier
	}
	if a.CategoryRank != b.CategoryRank {
		return a.CategoryRank < b.CategoryRank
	}
	if a.InitiativeRank != b.InitiativeRank {
		return a.InitiativeRank < b.InitiativeRank
	}
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.ID < b.ID
}

// actionHeap is a container/heap.Interface min-heap ordered by less.
type actionHeap []Action

func (h actionHeap) Len() int            { return len(h) }
func (h actionHeap) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h actionHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *actionHeap) Push(x interface{}) { *h = append(*h, x.(Action)) }
func (h *actionHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Config bounds and gates a Queue.
type Config struct {
	MaxQueueSize int
}

// DefaultConfig matches spec.md §4.8's default.
func DefaultConfig() Config {
	return Config{MaxQueueSize: 512}
}

// Queue is the bounded, deduplicated, priority-ordered action queue.
type Queue struct {
	mu        sync.Mutex
	cfg       Config
	items     actionHeap
	ids       map[string]struct{}
	dedupeKey map[string]struct{}
	limiter   *ratelimit.Limiter
}

// New constructs an empty Queue. limiter is consulted on admission of
// tile_action kind entries (spec.md §4.8: "other action kinds, no rate
// check at this layer").
func New(cfg Config, limiter *ratelimit.Limiter) *Queue {
	q := &Queue{
		cfg:       cfg,
		items:     make(actionHeap, 0, cfg.MaxQueueSize),
		ids:       make(map[string]struct{}),
		dedupeKey: make(map[string]struct{}),
		limiter:   limiter,
	}
	heap.Init(&q.items)
	return q
}

// EnqueueResult reports how Enqueue resolved.
type EnqueueResult struct {
	Admitted  bool
	Duplicate bool // true if rejected due to id or dedupeKey collision
}

// Enqueue admits action if the queue has capacity, the id/dedupeKey are
// novel, and (for tile_action kind) the rate limiter allows it.
func (q *Queue) Enqueue(ctx context.Context, a Action) (EnqueueResult, error) {
	if a.Kind == "tile_action" && q.limiter != nil {
		if err := q.limiter.Enforce(ctx, "tile_action", a.PlayerID); err != nil {
			return EnqueueResult{}, err
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if _, dup := q.ids[a.ID]; dup {
		return EnqueueResult{Duplicate: true}, nil
	}
	if a.DedupeKey != "" {
		if _, dup := q.dedupeKey[a.DedupeKey]; dup {
			return EnqueueResult{Duplicate: true}, nil
		}
	}
	if len(q.items) >= q.cfg.MaxQueueSize {
		return EnqueueResult{}, catalog.New(catalog.InstanceCapacityExceeded, nil)
	}

	heap.Push(&q.items, a)
	q.ids[a.ID] = struct{}{}
	if a.DedupeKey != "" {
		q.dedupeKey[a.DedupeKey] = struct{}{}
	}
	return EnqueueResult{Admitted: true}, nil
}

// Peek returns up to limit actions in priority order without mutating the
// queue.
func (q *Queue) Peek(limit int) []Action {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.sortedCopy(limit)
}

// sortedCopy must be called with q.mu held.
func (q *Queue) sortedCopy(limit int) []Action {
	cp := make(actionHeap, len(q.items))
	copy(cp, q.items)
	heap.Init(&cp)

	n := limit
	if n <= 0 || n > len(cp) {
		n = len(cp)
	}
	out := make([]Action, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, heap.Pop(&cp).(Action))
	}
	return out
}

// DrainBatch removes and returns up to limit actions in priority order.
func (q *Queue) DrainBatch(limit int) []Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := limit
	if n <= 0 || n > len(q.items) {
		n = len(q.items)
	}
	out := make([]Action, 0, n)
	for i := 0; i < n; i++ {
		a := heap.Pop(&q.items).(Action)
		delete(q.ids, a.ID)
		if a.DedupeKey != "" {
			delete(q.dedupeKey, a.DedupeKey)
		}
		out = append(out, a)
	}
	return out
}

// RemoveWhere removes every queued action for which pred returns true,
// supporting cancellation (e.g. a disconnected player's pending actions).
// Returns the removed actions.
func (q *Queue) RemoveWhere(pred func(Action) bool) []Action {
	q.mu.Lock()
	defer q.mu.Unlock()

	var removed []Action
	kept := make(actionHeap, 0, len(q.items))
	for _, a := range q.items {
		if pred(a) {
			removed = append(removed, a)
			delete(q.ids, a.ID)
			if a.DedupeKey != "" {
				delete(q.dedupeKey, a.DedupeKey)
			}
			continue
		}
		kept = append(kept, a)
	}
	q.items = kept
	heap.Init(&q.items)
	return removed
}

// Clear empties the queue entirely.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = q.items[:0]
	q.ids = make(map[string]struct{})
	q.dedupeKey = make(map[string]struct{})
}

// Len reports the current queue size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// NowMillis is a small helper for callers constructing Action.Timestamp.
func NowMillis() int64 { return time.Now().UnixMilli() }
