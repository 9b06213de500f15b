package host

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caesar-terminal/depthbook/internal/feed"
)

// stubTransport opens immediately and closes as soon as it is asked to.
type stubTransport struct {
	events chan feed.TransportEvent

	mu     sync.Mutex
	sent   []map[string]any
	closed bool
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

func (s *stubTransport) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	s.events <- feed.TransportEvent{Kind: feed.EventClose}
	close(s.events)
}

// push delivers a JSON message as if the feed had sent it.
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
	mu     sync.Mutex
	opened []*stubTransport
}

func (d *stubDialer) Open(context.Context) feed.Transport {
	tr := &stubTransport{events: make(chan feed.TransportEvent, 64)}
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

func startHost(t *testing.T, opts ...Option) (*Host, *stubDialer, context.CancelFunc) {
	t.Helper()
	d := &stubDialer{}
	h := New(d, feed.DefaultConfig(), opts...)
	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)
	t.Cleanup(cancel)
	return h, d, cancel
}

func nextEvent(t *testing.T, h *Host) Event {
	t.Helper()
	select {
	case ev, ok := <-h.Events():
		require.True(t, ok, "events closed early")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for host event")
	}
	return Event{}
}

func expectEvent(t *testing.T, h *Host, want EventType) Event {
	t.Helper()
	ev := nextEvent(t, h)
	require.Equal(t, want, ev.Type, "got %s", ev)
	return ev
}

func drain(t *testing.T, h *Host) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("events channel was not closed")
		}
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

func TestHost_ConnectAndUpdate(t *testing.T) {
	h, d, _ := startHost(t)

	require.NoError(t, h.Post(Connect("PI_XBTUSD")))
	assert.Equal(t, "PI_XBTUSD", expectEvent(t, h, EventConnected).Text())

	d.transport(t, 0).push(t, bookDelta("PI_XBTUSD"))
	ev := expectEvent(t, h, EventUpdate)
	snap, ok := ev.Snapshot()
	require.True(t, ok)
	assert.Equal(t, 5.0, snap.MaxTotal)
	assert.Equal(t, 5.0, snap.Spread)

	cmds := d.transport(t, 0).commands()
	require.Len(t, cmds, 1)
	assert.Equal(t, "subscribe", cmds[0]["event"])
}

func TestHost_DoubleConnectRejected(t *testing.T) {
	h, d, _ := startHost(t)

	require.NoError(t, h.Post(Connect("A")))
	require.NoError(t, h.Post(Connect("B")))

	// CONNECTED and the rejection may arrive in either order.
	events := []Event{nextEvent(t, h), nextEvent(t, h)}
	require.NoError(t, h.Post(Close()))
	events = append(events, drain(t, h)...)

	counts := map[EventType]int{}
	for _, ev := range events {
		counts[ev.Type]++
		if ev.Type == EventActionError {
			assert.Equal(t, MsgAlreadyConnected, ev.Text())
		}
	}
	assert.Equal(t, 1, counts[EventConnected])
	assert.Equal(t, 1, counts[EventActionError])
	assert.Equal(t, 1, counts[EventClosed])
	assert.Equal(t, EventClosed, events[len(events)-1].Type)
	assert.Equal(t, 1, d.count(), "only one transport was opened")
}

func TestHost_CloseTerminates(t *testing.T) {
	h, d, _ := startHost(t)

	require.NoError(t, h.Post(Connect("A")))
	expectEvent(t, h, EventConnected)
	require.NoError(t, h.Post(Close()))
	expectEvent(t, h, EventClosed)

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("host did not terminate")
	}
	assert.ErrorIs(t, h.Post(Connect("A")), ErrTerminated)
	assert.Empty(t, drain(t, h))

	cmds := d.transport(t, 0).commands()
	require.Len(t, cmds, 2)
	assert.Equal(t, "unsubscribe", cmds[1]["event"])
}

func TestHost_CloseWithoutSessionIsNoop(t *testing.T) {
	h, _, _ := startHost(t)

	require.NoError(t, h.Post(Close()))
	require.NoError(t, h.Post(Connect("A")))

	expectEvent(t, h, EventConnected)
}

func TestHost_ChangeSubscription(t *testing.T) {
	h, d, _ := startHost(t)

	require.NoError(t, h.Post(ChangeSubscription("B")))
	assert.Equal(t, MsgNotConnected, expectEvent(t, h, EventActionError).Text())

	require.NoError(t, h.Post(Connect("A")))
	expectEvent(t, h, EventConnected)

	require.NoError(t, h.Post(ChangeSubscription("B")))
	assert.Equal(t, "B", expectEvent(t, h, EventSubscriptionChanged).Text())

	cmds := d.transport(t, 0).commands()
	require.Len(t, cmds, 3)
	assert.Equal(t, "unsubscribe", cmds[1]["event"])
	assert.Equal(t, []any{"A"}, cmds[1]["product_ids"])
	assert.Equal(t, "subscribe", cmds[2]["event"])
	assert.Equal(t, []any{"B"}, cmds[2]["product_ids"])
}

func TestHost_ConfirmedChange(t *testing.T) {
	h, d, _ := startHost(t, WithConfirmedChanges(100*time.Millisecond))

	require.NoError(t, h.Post(Connect("A")))
	expectEvent(t, h, EventConnected)

	require.NoError(t, h.Post(ChangeSubscription("B")))
	tr := d.transport(t, 0)
	require.Eventually(t, func() bool { return len(tr.commands()) == 3 }, time.Second, 5*time.Millisecond)
	tr.push(t, map[string]any{"event": feed.EventSubscribed, "product_ids": []string{"B"}})
	assert.Equal(t, "B", expectEvent(t, h, EventSubscriptionChanged).Text())

	require.NoError(t, h.Post(ChangeSubscription("C")))
	assert.Equal(t, MsgChangeNotConfirmed, expectEvent(t, h, EventActionError).Text())
}

func TestHost_UnconfirmedChangeReverts(t *testing.T) {
	h, d, _ := startHost(t, WithConfirmedChanges(50*time.Millisecond))

	require.NoError(t, h.Post(Connect("A")))
	expectEvent(t, h, EventConnected)

	require.NoError(t, h.Post(ChangeSubscription("B")))
	assert.Equal(t, MsgChangeNotConfirmed, expectEvent(t, h, EventActionError).Text())

	tr := d.transport(t, 0)
	cmds := tr.commands()
	require.Len(t, cmds, 5)
	assert.Equal(t, "unsubscribe", cmds[3]["event"])
	assert.Equal(t, []any{"B"}, cmds[3]["product_ids"])
	assert.Equal(t, "subscribe", cmds[4]["event"])
	assert.Equal(t, []any{"A"}, cmds[4]["product_ids"])

	// A late ack and book for B are ignored; A's book flows again.
	tr.push(t, map[string]any{"event": feed.EventSubscribed, "product_ids": []string{"B"}})
	tr.push(t, bookDelta("B"))
	delta := bookDelta("A")
	delta["bids"] = [][2]float64{{90, 2}}
	tr.push(t, delta)

	ev := expectEvent(t, h, EventUpdate)
	snap, ok := ev.Snapshot()
	require.True(t, ok)
	require.Len(t, snap.Bids, 1)
	assert.Equal(t, 90.0, snap.Bids[0].Price)
}

func TestHost_AlertClosesAndTerminates(t *testing.T) {
	h, d, _ := startHost(t)

	require.NoError(t, h.Post(Connect("A")))
	expectEvent(t, h, EventConnected)

	d.transport(t, 0).push(t, map[string]any{"event": feed.EventAlert, "message": "Bad request"})
	assert.Equal(t, "Bad request", expectEvent(t, h, EventConnectionError).Text())
	expectEvent(t, h, EventClosed)

	<-h.Done()
	assert.ErrorIs(t, h.Post(Close()), ErrTerminated)
}

func TestHost_TransportError(t *testing.T) {
	h, d, _ := startHost(t)

	require.NoError(t, h.Post(Connect("A")))
	expectEvent(t, h, EventConnected)

	d.transport(t, 0).events <- feed.TransportEvent{Kind: feed.EventError}
	assert.Equal(t, feed.ConnectionErrorMessage, expectEvent(t, h, EventConnectionError).Text())
	expectEvent(t, h, EventClosed)
}

func TestHost_UnknownCommand(t *testing.T) {
	h, _, _ := startHost(t)

	require.NoError(t, h.Post(Command{Type: "PAUSE"}))
	assert.Equal(t, "Unknown command: PAUSE", expectEvent(t, h, EventActionError).Text())

	require.NoError(t, h.Post(Connect("")))
	assert.Equal(t, MsgSubscriptionRequired, expectEvent(t, h, EventActionError).Text())
}

func TestHost_ContextCancelClosesSession(t *testing.T) {
	h, _, cancel := startHost(t)

	require.NoError(t, h.Post(Connect("A")))
	expectEvent(t, h, EventConnected)

	cancel()
	expectEvent(t, h, EventClosed)
	<-h.Done()
}

func TestHost_RunTwice(t *testing.T) {
	h, _, cancel := startHost(t)
	require.NoError(t, h.Post(Connect("A")))
	expectEvent(t, h, EventConnected)

	assert.ErrorIs(t, h.Run(context.Background()), ErrAlreadyRunning)
	cancel()
}
