package dbguard

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkirby-ms/tilemud/internal/degraded"
)

func TestGuard_TripsAfterThresholdAndFastFails(t *testing.T) {
	signal := degraded.New(degraded.DefaultThresholds())
	g := New(Config{FailureThreshold: 3, CooldownMs: 15000}, degraded.DependencyPostgres, signal)

	fixedNow := time.Now()
	g.now = func() time.Time { return fixedNow }

	for i := 0; i < 2; i++ {
		require.NoError(t, g.AssertAvailable())
		g.RecordFailure(assertErr{})
	}
	assert.False(t, g.Tripped())

	require.NoError(t, g.AssertAvailable())
	g.RecordFailure(assertErr{})
	assert.True(t, g.Tripped())

	err := g.AssertAvailable()
	require.Error(t, err)
}

func TestGuard_HalfOpenAfterCooldown(t *testing.T) {
	signal := degraded.New(degraded.DefaultThresholds())
	g := New(Config{FailureThreshold: 1, CooldownMs: 1000}, degraded.DependencyPostgres, signal)

	start := time.Now()
	g.now = func() time.Time { return start }
	g.RecordFailure(assertErr{})
	assert.True(t, g.Tripped())

	g.now = func() time.Time { return start.Add(2 * time.Second) }
	require.NoError(t, g.AssertAvailable())
	assert.False(t, g.Tripped())

	g.RecordSuccess()
	assert.False(t, g.Tripped())
}

func TestGuard_DoHelper(t *testing.T) {
	signal := degraded.New(degraded.DefaultThresholds())
	g := New(DefaultConfig(), degraded.DependencyRedis, signal)

	calls := 0
	err := g.Do(func() error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

type assertErr struct{}

func (assertErr) Error() string { return "boom" }
