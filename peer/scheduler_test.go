package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedulerFiresEarliestTaskFirst(t *testing.T) {
	s := newScheduler()
	var order []string

	base := time.Now()

	s.add("slow", time.Hour, func(time.Time) { order = append(order, "slow") })
	s.add("fast", time.Millisecond, func(time.Time) { order = append(order, "fast") })

	require.Equal(t, "fast", s.queue[0].name)
	s.fireDue(base.Add(2 * time.Millisecond))
	assert.Equal(t, []string{"fast"}, order)
}

func TestSchedulerReschedulesAfterFiring(t *testing.T) {
	s := newScheduler()
	count := 0
	s.add("tick", time.Millisecond, func(time.Time) { count++ })

	now := time.Now()
	s.fireDue(now.Add(5 * time.Millisecond))
	assert.Equal(t, 1, count)
	assert.True(t, s.queue[0].nextAt.After(now))
}

func TestNextWakeReflectsEarliestTask(t *testing.T) {
	s := newScheduler()
	assert.Equal(t, time.Hour, s.nextWake(time.Now()))

	s.add("only", 10*time.Millisecond, func(time.Time) {})
	d := s.nextWake(time.Now())
	assert.True(t, d > 0 && d <= 10*time.Millisecond)
}
