package adapter

import (
	"context"
	"sync"
	"time"

	"github.com/caesar-terminal/depthbook/internal/host"
)

// FeedMonitorConfig holds tunable parameters for the FeedMonitor.
type FeedMonitorConfig struct {
	// StaleThreshold is the maximum age of the last UPDATE before the book
	// is considered stale. Default: 5s.
	StaleThreshold time.Duration

	// CoolOff is how long after a (re)connect or subscription change the
	// book is held unhealthy while the feed repopulates it. Default: 2s.
	CoolOff time.Duration
}

// DefaultFeedMonitorConfig returns production defaults.
func DefaultFeedMonitorConfig() FeedMonitorConfig {
	return FeedMonitorConfig{
		StaleThreshold: 5 * time.Second,
		CoolOff:        2 * time.Second,
	}
}

// FeedStatus is a point-in-time view of feed health.
type FeedStatus struct {
	Healthy      bool      `json:"healthy"`
	Reason       string    `json:"reason,omitempty"`
	Connected    bool      `json:"connected"`
	Subscription string    `json:"subscription,omitempty"`
	LastUpdate   time.Time `json:"lastUpdate,omitzero"`
	LastError    string    `json:"lastError,omitempty"`
}

// FeedMonitor watches the event stream and decides whether the book being
// served is trustworthy. It enforces:
//   - a live connection
//   - fresh data, judged by the time of the last UPDATE
//   - a cool-off period after every connect or subscription change
type FeedMonitor struct {
	cfg  FeedMonitorConfig
	feed <-chan FeedEvent

	mu           sync.RWMutex
	connected    bool
	subscription string
	lastUpdate   time.Time
	recoveredAt  time.Time
	lastError    string

	nowFunc func() time.Time // injectable clock for testing
}

// NewFeedMonitor creates a FeedMonitor fed by a Broadcaster subscription.
func NewFeedMonitor(cfg FeedMonitorConfig, feed <-chan FeedEvent) *FeedMonitor {
	return &FeedMonitor{
		cfg:     cfg,
		feed:    feed,
		nowFunc: time.Now,
	}
}

// Healthy reports whether the book is currently fit to serve.
func (fm *FeedMonitor) Healthy() bool {
	return fm.Status().Healthy
}

// Status evaluates health and explains the verdict.
func (fm *FeedMonitor) Status() FeedStatus {
	now := fm.nowFunc()

	fm.mu.RLock()
	st := FeedStatus{
		Connected:    fm.connected,
		Subscription: fm.subscription,
		LastUpdate:   fm.lastUpdate,
		LastError:    fm.lastError,
	}
	recoveredAt := fm.recoveredAt
	fm.mu.RUnlock()

	switch {
	case !st.Connected:
		st.Reason = "not connected"
	case st.LastUpdate.IsZero():
		st.Reason = "no data received"
	case now.Sub(st.LastUpdate) > fm.cfg.StaleThreshold:
		st.Reason = "stale"
	case now.Sub(recoveredAt) < fm.cfg.CoolOff:
		st.Reason = "cooling off"
	default:
		st.Healthy = true
	}
	return st
}

// Run consumes the event feed, updating connection and freshness state. It
// blocks until ctx is cancelled.
func (fm *FeedMonitor) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fm.feed:
			if !ok {
				return
			}
			fm.record(ev)
		}
	}
}

func (fm *FeedMonitor) record(ev FeedEvent) {
	now := fm.nowFunc()

	fm.mu.Lock()
	defer fm.mu.Unlock()

	switch ev.Event.Type {
	case host.EventConnected:
		fm.connected = true
		fm.subscription = ev.Event.Text()
		fm.lastUpdate = time.Time{}
		fm.recoveredAt = now
		fm.lastError = ""
	case host.EventSubscriptionChanged:
		fm.subscription = ev.Event.Text()
		fm.lastUpdate = time.Time{}
		fm.recoveredAt = now
	case host.EventUpdate:
		fm.lastUpdate = now
	case host.EventConnectionError:
		fm.lastError = ev.Event.Text()
	case host.EventClosed:
		fm.connected = false
	}
}
