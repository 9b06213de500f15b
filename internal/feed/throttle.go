package feed

import "time"

// Throttle is a leading-edge rate limiter with an extendable quiet period.
// The zero value lets the first call through.
type Throttle struct {
	settle       time.Duration
	period       time.Duration
	silenceUntil time.Time
}

func NewThrottle(settle, period time.Duration) *Throttle {
	return &Throttle{settle: settle, period: period}
}

// Allow reports whether an emission at now may proceed. A successful call
// silences the throttle for one period.
func (t *Throttle) Allow(now time.Time) bool {
	if now.Before(t.silenceUntil) {
		return false
	}
	t.silenceUntil = now.Add(t.period)
	return true
}

// Settle opens a quiet window after a subscription is acknowledged so the
// initial burst of levels lands before the first emission. It never shortens
// an existing window.
func (t *Throttle) Settle(now time.Time) {
	if until := now.Add(t.settle); until.After(t.silenceUntil) {
		t.silenceUntil = until
	}
}

func (t *Throttle) SilenceUntil() time.Time {
	return t.silenceUntil
}
