package sequence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvaluate_AcceptThenDuplicate(t *testing.T) {
	svc := New(10 * time.Second)
	svc.Seed("s1", 0)

	ev := svc.Evaluate("s1", 1)
	assert.Equal(t, OutcomeAccept, ev.Outcome)
	svc.Acknowledge("s1", 1)

	ev = svc.Evaluate("s1", 1)
	assert.Equal(t, OutcomeDuplicate, ev.Outcome)
}

func TestEvaluate_Gap_SchedulesOncePerWindow(t *testing.T) {
	svc := New(10 * time.Second)
	svc.Seed("s1", 3)

	var scheduled []string
	svc.OnSchedule(func(sessionID string, requiresFullResync bool) {
		scheduled = append(scheduled, sessionID)
		assert.False(t, requiresFullResync)
	})

	ev := svc.Evaluate("s1", 5)
	assert.Equal(t, OutcomeGap, ev.Outcome)

	ev = svc.Evaluate("s1", 6)
	assert.Equal(t, OutcomeGap, ev.Outcome)

	require.Len(t, scheduled, 1)

	last, ok := svc.LastSequence("s1")
	require.True(t, ok)
	assert.Equal(t, int64(3), last) // unchanged; gap never advances seq
}

func TestEvaluate_Invalid(t *testing.T) {
	svc := New(10 * time.Second)
	svc.Seed("s1", 0)

	ev := svc.Evaluate("s1", -1)
	assert.Equal(t, OutcomeInvalid, ev.Outcome)
}

func TestEvaluate_MissingSession(t *testing.T) {
	svc := New(10 * time.Second)

	var resyncs []bool
	svc.OnSchedule(func(_ string, requiresFullResync bool) {
		resyncs = append(resyncs, requiresFullResync)
	})

	ev := svc.Evaluate("unknown", 1)
	assert.Equal(t, OutcomeMissingSession, ev.Outcome)
	assert.True(t, ev.RequiresFullResync)
	require.Len(t, resyncs, 1)
	assert.True(t, resyncs[0])
}

func TestAcknowledge_MonotonicAndClearsPending(t *testing.T) {
	svc := New(10 * time.Second)
	svc.Seed("s1", 0)

	svc.Evaluate("s1", 5) // schedules gap
	svc.Acknowledge("s1", 3)
	last, _ := svc.LastSequence("s1")
	assert.Equal(t, int64(3), last)

	svc.Acknowledge("s1", 1) // should not regress
	last, _ = svc.LastSequence("s1")
	assert.Equal(t, int64(3), last)

	// pending cleared: a fresh gap after acknowledge schedules again
	var count int
	svc.OnSchedule(func(string, bool) { count++ })
	svc.Evaluate("s1", 10)
	assert.Equal(t, 1, count)
}

func TestResetSequence_FloorsNegative(t *testing.T) {
	svc := New(10 * time.Second)
	svc.ResetSequence("s1", -5)
	last, ok := svc.LastSequence("s1")
	require.True(t, ok)
	assert.Equal(t, int64(0), last)
}

func TestPendingSnapshotExpiresAfterTTL(t *testing.T) {
	svc := New(5 * time.Millisecond)
	svc.Seed("s1", 0)

	var count int
	svc.OnSchedule(func(string, bool) { count++ })

	svc.Evaluate("s1", 5)
	assert.Equal(t, 1, count)

	time.Sleep(10 * time.Millisecond)
	svc.Evaluate("s1", 6)
	assert.Equal(t, 2, count)
}
