package expiry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHorizon(t *testing.T) {
	require.Equal(t, 10*time.Minute+fudge, Horizon(10, 0))
	require.Equal(t, 40*time.Minute, Horizon(10, 30))
	require.Equal(t, fudge, Horizon(0, 0))
}

func TestEvaluateFresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Summary{
		EndTime:    now.Add(2 * time.Hour),
		RenewUntil: now.Add(48 * time.Hour),
		Client:     "alice@EX",
	}
	assert.Equal(t, Fresh, Evaluate(now, s, 10, 0))
}

func TestEvaluateStale(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Summary{
		EndTime:    now.Add(5 * time.Minute),
		RenewUntil: now.Add(48 * time.Hour),
		Client:     "alice@EX",
	}
	assert.Equal(t, Stale, Evaluate(now, s, 10, 0))
}

func TestEvaluateUnrenewable(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Summary{
		EndTime:    now.Add(5 * time.Minute),
		RenewUntil: now.Add(5 * time.Minute),
		Client:     "alice@EX",
	}
	assert.Equal(t, Unrenewable, Evaluate(now, s, 10, 0))
}

func TestEvaluateIncompleteSummaryIsStale(t *testing.T) {
	now := time.Now()
	assert.Equal(t, Stale, Evaluate(now, Summary{}, 10, 0))
	assert.Equal(t, Stale, Evaluate(now, Summary{EndTime: now.Add(time.Hour)}, 10, 0))
}

// -K 0 -H 0 boundary: Horizon(0, 0) is still the 120s fudge, so a
// ticket with end_time == now is Stale, never Fresh.
func TestEvaluateZeroIntervalBoundary(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s := Summary{
		EndTime:    now,
		RenewUntil: now.Add(time.Hour),
		Client:     "alice@EX",
	}
	assert.Equal(t, Stale, Evaluate(now, s, 0, 0))
}
