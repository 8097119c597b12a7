package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAveragerEmpty(t *testing.T) {
	a := NewTimeAverager(5)
	_, ok := a.AverageIgnoringOutliers()
	assert.False(t, ok)
	assert.False(t, a.HasSamples())
}

func TestAveragerDiscardsNegative(t *testing.T) {
	a := NewTimeAverager(5)
	a.Add(-5 * time.Millisecond)
	assert.False(t, a.HasSamples())
}

func TestAveragerCapsAboveMax(t *testing.T) {
	a := NewTimeAverager(5)
	a.maxRTT = 10 * time.Millisecond
	a.Add(1 * time.Second)
	avg, ok := a.AverageIgnoringOutliers()
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, avg)
}

func TestAveragerWithinMinMax(t *testing.T) {
	a := NewTimeAverager(10)
	samples := []time.Duration{10 * time.Millisecond, 12 * time.Millisecond, 11 * time.Millisecond, 9 * time.Millisecond}
	for _, s := range samples {
		a.Add(s)
	}
	avg, ok := a.AverageIgnoringOutliers()
	require.True(t, ok)
	assert.GreaterOrEqual(t, avg, 9*time.Millisecond)
	assert.LessOrEqual(t, avg, 12*time.Millisecond)
}

func TestAveragerIgnoresOutlier(t *testing.T) {
	a := NewTimeAverager(10)
	for i := 0; i < 8; i++ {
		a.Add(10 * time.Millisecond)
	}
	a.Add(500 * time.Millisecond) // one big outlier
	avg, ok := a.AverageIgnoringOutliers()
	require.True(t, ok)
	assert.Less(t, avg, 50*time.Millisecond)
}

func TestAveragerRingBoundedByWindow(t *testing.T) {
	a := NewTimeAverager(3)
	a.Add(1 * time.Millisecond)
	a.Add(2 * time.Millisecond)
	a.Add(3 * time.Millisecond)
	a.Add(4 * time.Millisecond) // evicts the 1ms sample
	assert.Len(t, a.Samples(), 3)
}

func TestAveragerStaleTicks(t *testing.T) {
	a := NewTimeAverager(3)
	a.Add(1 * time.Millisecond)
	a.Tick()
	a.Tick()
	assert.Equal(t, 2, a.StaleTicks())
	a.Add(2 * time.Millisecond)
	assert.Equal(t, 0, a.StaleTicks())
}
