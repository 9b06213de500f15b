package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestThrottle_LeadingEdge(t *testing.T) {
	t0 := time.Unix(0, 0)
	th := NewThrottle(time.Second, 500*time.Millisecond)

	assert.True(t, th.Allow(t0))
	assert.False(t, th.Allow(t0.Add(499*time.Millisecond)))
	assert.True(t, th.Allow(t0.Add(500*time.Millisecond)), "boundary is inclusive")
	assert.Equal(t, t0.Add(time.Second), th.SilenceUntil())
}

func TestThrottle_SettleNeverShortens(t *testing.T) {
	t0 := time.Unix(0, 0)
	th := NewThrottle(time.Second, 500*time.Millisecond)

	th.Settle(t0)
	assert.Equal(t, t0.Add(time.Second), th.SilenceUntil())

	th.Settle(t0.Add(-800 * time.Millisecond))
	assert.Equal(t, t0.Add(time.Second), th.SilenceUntil())

	th.Settle(t0.Add(200 * time.Millisecond))
	assert.Equal(t, t0.Add(1200*time.Millisecond), th.SilenceUntil())
}

func TestThrottle_AtMostOnePerPeriod(t *testing.T) {
	t0 := time.Unix(0, 0)
	th := NewThrottle(time.Second, 500*time.Millisecond)
	th.Settle(t0)

	var emitted int
	for ms := 0; ms < 3000; ms += 10 {
		if th.Allow(t0.Add(time.Duration(ms) * time.Millisecond)) {
			emitted++
		}
	}
	// Windows start at 1000, 1500, 2000 and 2500.
	assert.Equal(t, 4, emitted)
}
