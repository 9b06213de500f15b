package controller

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/config"
	"github.com/caesar-terminal/depthbook/internal/feed"
	"github.com/caesar-terminal/depthbook/internal/host"
)

type stubTransport struct {
	events chan feed.TransportEvent

	mu        sync.Mutex
	sent      []map[string]any
	holdClose bool
	closing   bool
	closed    bool
}

func (s *stubTransport) Events() <-chan feed.TransportEvent { return s.events }

func (s *stubTransport) Send(data []byte) error {
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()
	return nil
}

// Close ends the transport. Tests call it directly to simulate the peer
// dropping the connection. With holdClose set the close stays pending until
// release is called.
func (s *stubTransport) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closing = true
	if s.holdClose {
		return
	}
	s.finishLocked()
}

func (s *stubTransport) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.holdClose = false
	s.finishLocked()
}

func (s *stubTransport) closeRequested() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *stubTransport) finishLocked() {
	if s.closed {
		return
	}
	s.closed = true
	s.events <- feed.TransportEvent{Kind: feed.EventClose}
	close(s.events)
}

func (s *stubTransport) push(t *testing.T, v any) {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	s.events <- feed.TransportEvent{Kind: feed.EventMessage, Data: raw}
}

func (s *stubTransport) commands() []map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]map[string]any(nil), s.sent...)
}

type stubDialer struct {
	holdClose bool

	mu     sync.Mutex
	opened []*stubTransport
}

func (d *stubDialer) Open(context.Context) feed.Transport {
	tr := &stubTransport{events: make(chan feed.TransportEvent, 64), holdClose: d.holdClose}
	tr.events <- feed.TransportEvent{Kind: feed.EventOpen}
	d.mu.Lock()
	d.opened = append(d.opened, tr)
	d.mu.Unlock()
	return tr
}

func (d *stubDialer) transport(t *testing.T, i int) *stubTransport {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	require.Greater(t, len(d.opened), i)
	return d.opened[i]
}

func (d *stubDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.opened)
}

func testConfig() Config {
	return Config{
		Feed:      feed.Config{Tag: feed.BookUIFeed, Throttle: 500 * time.Millisecond},
		Primary:   "PI_XBTUSD",
		Alternate: "PI_ETHUSD",
	}
}

func startController(t *testing.T, cfg Config) (*Controller, *stubDialer, context.CancelFunc) {
	t.Helper()
	d := &stubDialer{}
	c, cancel := runController(t, d, cfg)
	return c, d, cancel
}

func runController(t *testing.T, d *stubDialer, cfg Config) (*Controller, context.CancelFunc) {
	t.Helper()
	c := New(d, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	t.Cleanup(cancel)
	return c, cancel
}

func nextEvent(t *testing.T, c *Controller) adapter.FeedEvent {
	t.Helper()
	select {
	case ev, ok := <-c.Events():
		require.True(t, ok, "events closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for controller event")
	}
	return adapter.FeedEvent{}
}

func expectEvent(t *testing.T, c *Controller, want host.EventType) adapter.FeedEvent {
	t.Helper()
	ev := nextEvent(t, c)
	require.Equal(t, want, ev.Event.Type, "got %s", ev.Event)
	return ev
}

func expectQuiet(t *testing.T, c *Controller, d time.Duration) {
	t.Helper()
	select {
	case ev := <-c.Events():
		t.Fatalf("unexpected event %s", ev.Event)
	case <-time.After(d):
	}
}

func bookDelta(product string) map[string]any {
	return map[string]any{
		"feed":       feed.BookUIFeed,
		"product_id": product,
		"bids":       [][2]float64{{100, 5}},
		"asks":       [][2]float64{{105, 3}},
	}
}

func TestController_AutoconnectAndUpdate(t *testing.T) {
	cfg := testConfig()
	cfg.Autoconnect = true
	c, d, _ := startController(t, cfg)

	ev := expectEvent(t, c, host.EventConnected)
	assert.Equal(t, "PI_XBTUSD", ev.Subscription)
	assert.False(t, ev.Timestamp.IsZero())
	assert.True(t, c.Status().Connected)

	_, ok := c.Latest()
	assert.False(t, ok)

	d.transport(t, 0).push(t, bookDelta("PI_XBTUSD"))
	expectEvent(t, c, host.EventUpdate)

	snap, ok := c.Latest()
	require.True(t, ok)
	assert.Equal(t, 5.0, snap.Spread)
}

func TestController_CloseThenConnectSpawnsNewHost(t *testing.T) {
	cfg := testConfig()
	cfg.Autoconnect = true
	c, d, _ := startController(t, cfg)

	expectEvent(t, c, host.EventConnected)
	d.transport(t, 0).push(t, bookDelta("PI_XBTUSD"))
	expectEvent(t, c, host.EventUpdate)

	require.NoError(t, c.Close())
	expectEvent(t, c, host.EventClosed)

	st := c.Status()
	assert.False(t, st.Connected)
	assert.Equal(t, "PI_XBTUSD", st.Subscription)
	_, ok := c.Latest()
	assert.False(t, ok, "book is cleared on close")

	require.NoError(t, c.Reconnect())
	ev := expectEvent(t, c, host.EventConnected)
	assert.Equal(t, "PI_XBTUSD", ev.Event.Text())
	assert.Equal(t, 2, d.count())
}

func TestController_ConnectWhileConnected(t *testing.T) {
	cfg := testConfig()
	cfg.Autoconnect = true
	c, d, _ := startController(t, cfg)

	expectEvent(t, c, host.EventConnected)
	require.NoError(t, c.Connect("PI_ETHUSD"))

	ev := expectEvent(t, c, host.EventActionError)
	assert.Equal(t, host.MsgAlreadyConnected, ev.Event.Text())
	assert.Equal(t, 1, d.count())
}

func TestController_ToggleWhileDisconnected(t *testing.T) {
	c, d, _ := startController(t, testConfig())

	require.NoError(t, c.Toggle())
	ev := expectEvent(t, c, host.EventSubscriptionChanged)
	assert.Equal(t, "PI_ETHUSD", ev.Event.Text())
	assert.Equal(t, "PI_ETHUSD", c.Subscription())
	assert.Zero(t, d.count(), "toggling offline does not dial")

	require.NoError(t, c.Toggle())
	assert.Equal(t, "PI_XBTUSD", expectEvent(t, c, host.EventSubscriptionChanged).Event.Text())

	require.NoError(t, c.Toggle())
	expectEvent(t, c, host.EventSubscriptionChanged)
	require.NoError(t, c.Connect(""))
	assert.Equal(t, "PI_ETHUSD", expectEvent(t, c, host.EventConnected).Event.Text())
}

func TestController_ToggleWhileConnected(t *testing.T) {
	cfg := testConfig()
	cfg.Autoconnect = true
	c, d, _ := startController(t, cfg)

	expectEvent(t, c, host.EventConnected)
	d.transport(t, 0).push(t, bookDelta("PI_XBTUSD"))
	expectEvent(t, c, host.EventUpdate)

	require.NoError(t, c.Toggle())
	ev := expectEvent(t, c, host.EventSubscriptionChanged)
	assert.Equal(t, "PI_ETHUSD", ev.Event.Text())
	assert.Equal(t, "PI_ETHUSD", ev.Subscription)

	_, ok := c.Latest()
	assert.False(t, ok, "book is cleared on subscription change")

	cmds := d.transport(t, 0).commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, "unsubscribe", cmds[1]["event"])
	assert.Equal(t, "subscribe", cmds[2]["event"])
	assert.Equal(t, []any{"PI_ETHUSD"}, cmds[2]["product_ids"])
}

func TestController_ConfirmedChange(t *testing.T) {
	cfg := testConfig()
	cfg.Autoconnect = true
	cfg.ConfirmTimeout = 200 * time.Millisecond
	c, _, _ := startController(t, cfg)

	expectEvent(t, c, host.EventConnected)
	require.NoError(t, c.ChangeSubscription("PI_ETHUSD"))
	assert.Eventually(t, func() bool { return c.Status().Changing }, time.Second, 5*time.Millisecond)

	ev := expectEvent(t, c, host.EventActionError)
	assert.Equal(t, host.MsgChangeNotConfirmed, ev.Event.Text())
	assert.False(t, c.Status().Changing)
}

func TestController_NoHost(t *testing.T) {
	c, _, _ := startController(t, testConfig())

	require.NoError(t, c.ChangeSubscription("PI_ETHUSD"))
	ev := expectEvent(t, c, host.EventActionError)
	assert.Equal(t, host.MsgNotConnected, ev.Event.Text())

	require.NoError(t, c.Close())
	expectQuiet(t, c, 100*time.Millisecond)
}

func TestController_UnknownCommand(t *testing.T) {
	c, _, _ := startController(t, testConfig())

	require.NoError(t, c.Dispatch("SUBSCRIBE_ALL", "", nil))
	ev := expectEvent(t, c, host.EventActionError)
	assert.Equal(t, "Unknown command: SUBSCRIBE_ALL", ev.Event.Text())
}

func TestController_RejectionsGoToCaller(t *testing.T) {
	cfg := testConfig()
	cfg.Autoconnect = true
	c, d, _ := startController(t, cfg)
	expectEvent(t, c, host.EventConnected)

	reply := make(chan host.Event, 4)
	require.NoError(t, c.Dispatch(host.CommandConnect, "PI_ETHUSD", reply))
	require.NoError(t, c.Dispatch("SUBSCRIBE_ALL", "", reply))
	require.NoError(t, c.Dispatch(host.CommandChangeSubscription, "", reply))

	for _, want := range []string{host.MsgAlreadyConnected, "Unknown command: SUBSCRIBE_ALL", host.MsgSubscriptionRequired} {
		select {
		case ev := <-reply:
			assert.Equal(t, host.EventActionError, ev.Type)
			assert.Equal(t, want, ev.Text())
		case <-time.After(2 * time.Second):
			t.Fatalf("no reply for %q", want)
		}
	}
	expectQuiet(t, c, 100*time.Millisecond)
	assert.Equal(t, 1, d.count())
	assert.Empty(t, c.Status().Error)
}

func TestController_RejectedConnectKeepsExplicitClose(t *testing.T) {
	cfg := testConfig()
	cfg.Autoconnect = true
	cfg.Reconnect = true
	cfg.ReconnectDelay = 10 * time.Millisecond
	d := &stubDialer{holdClose: true}
	c, _ := runController(t, d, cfg)

	expectEvent(t, c, host.EventConnected)
	tr := d.transport(t, 0)

	require.NoError(t, c.Close())
	require.Eventually(t, tr.closeRequested, time.Second, 5*time.Millisecond)

	// The session is still closing, so this CONNECT is misuse.
	require.NoError(t, c.Connect(""))
	assert.Equal(t, host.MsgAlreadyConnected, expectEvent(t, c, host.EventActionError).Event.Text())

	tr.release()
	expectEvent(t, c, host.EventClosed)
	expectQuiet(t, c, 100*time.Millisecond)
	assert.Equal(t, 1, d.count(), "explicit close must not be followed by a reconnect")
}

func TestController_ReconnectPolicy(t *testing.T) {
	cfg := testConfig()
	cfg.Autoconnect = true
	cfg.Reconnect = true
	cfg.ReconnectDelay = 10 * time.Millisecond
	c, d, _ := startController(t, cfg)

	expectEvent(t, c, host.EventConnected)
	d.transport(t, 0).Close()
	expectEvent(t, c, host.EventClosed)

	expectEvent(t, c, host.EventConnected)
	assert.Equal(t, 2, d.count())
}

func TestController_NoReconnectAfterClose(t *testing.T) {
	cfg := testConfig()
	cfg.Autoconnect = true
	cfg.Reconnect = true
	cfg.ReconnectDelay = 10 * time.Millisecond
	c, d, _ := startController(t, cfg)

	expectEvent(t, c, host.EventConnected)
	require.NoError(t, c.Close())
	expectEvent(t, c, host.EventClosed)

	expectQuiet(t, c, 100*time.Millisecond)
	assert.Equal(t, 1, d.count())
}

func TestController_ConnectionErrorKept(t *testing.T) {
	cfg := testConfig()
	cfg.Autoconnect = true
	c, d, _ := startController(t, cfg)

	expectEvent(t, c, host.EventConnected)
	d.transport(t, 0).push(t, map[string]any{"event": "alert", "message": "Bad request"})

	assert.Equal(t, "Bad request", expectEvent(t, c, host.EventConnectionError).Event.Text())
	expectEvent(t, c, host.EventClosed)
	assert.Equal(t, "Bad request", c.Status().Error)
}

func TestController_ShutdownClosesSession(t *testing.T) {
	d := &stubDialer{}
	cfg := testConfig()
	cfg.Autoconnect = true
	c := New(d, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	expectEvent(t, c, host.EventConnected)
	cancel()

	var types []host.EventType
	for ev := range c.Events() {
		types = append(types, ev.Event.Type)
	}
	assert.Contains(t, types, host.EventClosed)

	select {
	case err := <-errc:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}

	cmds := d.transport(t, 0).commands()
	assert.Equal(t, "unsubscribe", cmds[len(cmds)-1]["event"])
	assert.ErrorIs(t, c.Connect(""), ErrStopped)
	assert.ErrorIs(t, c.Run(context.Background()), ErrAlreadyRunning)
}

func TestFromConfig(t *testing.T) {
	t.Setenv("DEPTHBOOK_CONTROLLER_CONFIRM_CHANGES", "true")
	t.Setenv("DEPTHBOOK_CONTROLLER_RECONNECT_DELAY_MS", "250")

	appCfg, err := config.Load("")
	require.NoError(t, err)

	cfg := FromConfig(appCfg)
	assert.Equal(t, "PI_XBTUSD", cfg.Primary)
	assert.Equal(t, "PI_ETHUSD", cfg.Alternate)
	assert.Equal(t, feed.BookUIFeed, cfg.Feed.Tag)
	assert.Equal(t, time.Second, cfg.Feed.Settle)
	assert.Equal(t, 5*time.Second, cfg.ConfirmTimeout)
	assert.Equal(t, 250*time.Millisecond, cfg.ReconnectDelay)
	assert.Equal(t, 2500*time.Millisecond, cfg.MaxReconnectDelay)

	c := New(&stubDialer{}, cfg, withClock(time.Now))
	assert.Equal(t, "PI_XBTUSD", c.Subscription())
}
