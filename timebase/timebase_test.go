package timebase

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewOffsetIsZero(t *testing.T) {
	b := New()
	assert.Equal(t, int64(0), b.OffsetMicros())
}

func TestSetOffsetAffectsNetworkNow(t *testing.T) {
	b := New()
	before := b.NetworkNow()
	b.SetOffsetMicros(1_000_000) // +1s
	after := b.NetworkNow()
	assert.Greater(t, after, before)
}

func TestBecomeSeniorResetsOffset(t *testing.T) {
	b := New()
	b.SetOffsetMicros(5_000_000)
	b.BecomeSenior()
	assert.Equal(t, int64(0), b.OffsetMicros())
}

func TestUptimeSecondsGrows(t *testing.T) {
	b := New()
	assert.Equal(t, uint32(0), b.UptimeSeconds())
	// backdate the start instead of sleeping whole seconds in a unit test.
	b.start = b.start.Add(-2 * time.Second)
	assert.Equal(t, uint32(2), b.UptimeSeconds())
}
