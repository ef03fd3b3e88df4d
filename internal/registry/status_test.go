package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestComputeStatus(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)
	threshold := 15 * time.Minute

	cases := []struct {
		name           string
		elapsed        time.Duration
		hasReservation bool
		want           Status
	}{
		{"just acted", 5 * time.Second, false, StatusActive},
		{"under thirty seconds", 29 * time.Second, true, StatusActive},
		{"thirty seconds exactly", 30 * time.Second, false, StatusIdle},
		{"a few minutes", 4 * time.Minute, false, StatusIdle},
		{"long gone without a claim", 5 * time.Minute, false, StatusAway},
		{"hours gone without a claim", 3 * time.Hour, false, StatusAway},
		{"quiet but holding a claim", 10 * time.Minute, true, StatusIdle},
		{"claim held past the threshold", 15 * time.Minute, true, StatusStuck},
		{"claim held far past the threshold", 2 * time.Hour, true, StatusStuck},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			status, idle := ComputeStatus(now.Add(-tc.elapsed), now, tc.hasReservation, threshold)
			assert.Equal(t, tc.want, status)
			assert.Equal(t, tc.elapsed, idle)
		})
	}
}

func TestComputeStatusDegradesOnBadTimestamps(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	status, idle := ComputeStatus(time.Time{}, now, true, time.Minute)
	assert.Equal(t, StatusActive, status)
	assert.Equal(t, time.Duration(0), idle)

	// Clock skew: a last-activity stamp from the future.
	status, idle = ComputeStatus(now.Add(time.Hour), now, false, time.Minute)
	assert.Equal(t, StatusActive, status)
	assert.Equal(t, time.Duration(0), idle)
}

func TestComputeStatusZeroThresholdNeverStuck(t *testing.T) {
	now := time.Date(2026, 8, 25, 12, 0, 0, 0, time.UTC)

	status, _ := ComputeStatus(now.Add(-time.Hour), now, true, 0)
	assert.Equal(t, StatusIdle, status)
}
