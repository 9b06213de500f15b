package feed

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/caesar-terminal/depthbook/internal/book"
)

var (
	ErrNotOpen        = errors.New("feed: session is not open")
	ErrAlreadyStarted = errors.New("feed: session already started")
)

// State is the lifecycle position of a Session.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config holds the protocol constants of a session.
type Config struct {
	Tag      string
	Settle   time.Duration
	Throttle time.Duration
}

func DefaultConfig() Config {
	return Config{
		Tag:      BookUIFeed,
		Settle:   DefaultSettle,
		Throttle: DefaultThrottle,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithClock overrides the time source used by the throttle.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.rec = r }
}

// Session maintains one order book from a single feed subscription. It is
// not safe for concurrent use: Connect, Handle, ChangeSubscription and Close
// must all be called from the same goroutine, which is also the goroutine
// that receives Handler callbacks.
type Session struct {
	id      string
	cfg     Config
	dialer  Dialer
	handler Handler

	state        State
	subscription string
	bids, asks   *book.LevelStore
	throttle     *Throttle
	conn         Transport
	events       <-chan TransportEvent

	now    func() time.Time
	logger *slog.Logger
	rec    Recorder
}

// NewSession creates an idle session.
func NewSession(cfg Config, dialer Dialer, handler Handler, opts ...Option) *Session {
	s := &Session{
		id:       uuid.NewString(),
		cfg:      cfg,
		dialer:   dialer,
		handler:  handler,
		bids:     book.NewLevelStore(),
		asks:     book.NewLevelStore(),
		throttle: NewThrottle(cfg.Settle, cfg.Throttle),
		now:      time.Now,
		logger:   slog.Default(),
		rec:      nopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "feed", "session_id", s.id)
	return s
}

func (s *Session) ID() string           { return s.id }
func (s *Session) State() State         { return s.state }
func (s *Session) Subscription() string { return s.subscription }

// Connect opens the transport and returns without waiting for it.
func (s *Session) Connect(ctx context.Context, subscription string) error {
	if s.state != StateIdle {
		return ErrAlreadyStarted
	}
	s.subscription = subscription
	s.state = StateConnecting
	s.conn = s.dialer.Open(ctx)
	s.events = s.conn.Events()
	s.logger.Info("connecting", "subscription", subscription)
	return nil
}

// Events returns the transport event stream to feed into Handle. It is nil
// before Connect and after the session has closed.
func (s *Session) Events() <-chan TransportEvent {
	return s.events
}

// Handle processes one transport event.
func (s *Session) Handle(ev TransportEvent) {
	if s.state == StateClosed {
		return
	}
	switch ev.Kind {
	case EventOpen:
		s.handleOpen()
	case EventMessage:
		s.handleMessage(ev.Data)
	case EventError:
		s.logger.Warn("transport error", "error", ev.Err)
		s.fail(ConnectionErrorMessage)
	case EventClose:
		s.handleClose()
	}
}

// Run drives the session until it closes or ctx is cancelled. Cancelling ctx
// closes the session gracefully and keeps draining until the transport ends.
func (s *Session) Run(ctx context.Context) {
	done := ctx.Done()
	for s.events != nil {
		select {
		case <-done:
			s.Close()
			done = nil
		case ev, ok := <-s.events:
			if !ok {
				s.handleClose()
				return
			}
			s.Handle(ev)
		}
	}
}

// ChangeSubscription moves the session to another subscription. Both sides
// of the book are discarded.
func (s *Session) ChangeSubscription(subscription string) error {
	if s.state != StateOpen {
		return ErrNotOpen
	}
	s.unsubscribe()
	s.subscribe(subscription)
	return nil
}

// Close unsubscribes and closes the transport. The session reaches
// StateClosed when the transport reports its close. Safe to call repeatedly.
func (s *Session) Close() {
	switch s.state {
	case StateIdle:
		s.state = StateClosed
	case StateConnecting:
		s.state = StateClosing
		s.conn.Close()
	case StateOpen:
		s.unsubscribe()
		s.state = StateClosing
		s.conn.Close()
	}
}

func (s *Session) handleOpen() {
	if s.state != StateConnecting {
		return
	}
	s.subscribe(s.subscription)
	s.state = StateOpen
	s.logger.Info("connected", "subscription", s.subscription)
	s.handler.OnOpen(s.subscription)
}

func (s *Session) handleMessage(raw []byte) {
	if s.state != StateOpen {
		s.rec.PacketIgnored("not_open")
		return
	}

	msg, err := ParseMessage(raw)
	if err != nil {
		s.logger.Debug("ignoring malformed message", "error", err, "bytes", len(raw))
		s.rec.PacketIgnored("malformed")
		return
	}

	if msg.Event == EventSubscribed && slices.Contains(msg.ProductIDs, s.subscription) {
		s.rec.PacketReceived("subscribed")
		s.throttle.Settle(s.now())
		if sh, ok := s.handler.(SubscribedHandler); ok {
			sh.OnSubscribed(s.subscription)
		}
		return
	}

	switch {
	case msg.HasLevels() && msg.Feed == s.cfg.Tag && msg.ProductID == s.subscription:
		s.applyDelta(msg)
	case msg.Event == EventAlert:
		s.rec.PacketReceived("alert")
		s.logger.Warn("feed alert", "message", msg.Message)
		text := msg.Message
		if text == "" {
			text = DefaultErrorMessage
		}
		s.fail(text)
	case msg.HasLevels() && msg.Feed != s.cfg.Tag:
		s.rec.PacketIgnored("feed_mismatch")
	case msg.HasLevels():
		s.logger.Debug("ignoring delta for other subscription", "product_id", msg.ProductID)
		s.rec.PacketIgnored("subscription_mismatch")
	default:
		s.rec.PacketIgnored("unrecognized")
	}
}

func (s *Session) applyDelta(msg Message) {
	s.rec.PacketReceived("delta")
	s.bids.ApplyAll(msg.Bids)
	s.asks.ApplyAll(msg.Asks)

	if !s.throttle.Allow(s.now()) {
		s.rec.SnapshotSuppressed()
		return
	}
	snap := book.BuildSnapshot(s.bids, s.asks)
	s.rec.SnapshotEmitted(len(snap.Bids), len(snap.Asks))
	s.handler.OnUpdate(snap)
}

// fail reports a fatal condition and forces the transport closed. The close
// callback follows when the transport ends.
func (s *Session) fail(message string) {
	s.handler.OnError(message)
	if s.state == StateConnecting || s.state == StateOpen {
		s.state = StateClosing
		s.conn.Close()
	}
}

func (s *Session) handleClose() {
	if s.state == StateClosed {
		return
	}
	s.state = StateClosed
	s.events = nil
	s.bids.Reset()
	s.asks.Reset()
	s.logger.Info("closed", "subscription", s.subscription)
	s.handler.OnClose()
}

func (s *Session) subscribe(subscription string) {
	s.subscription = subscription
	s.send(eventSubscribe, subscription)
}

func (s *Session) unsubscribe() {
	s.send(eventUnsubscribe, s.subscription)
	s.bids.Reset()
	s.asks.Reset()
}

func (s *Session) send(event, subscription string) {
	if err := s.conn.Send(encodeCommand(event, s.cfg.Tag, subscription)); err != nil {
		s.logger.Warn("send failed", "event", event, "subscription", subscription, "error", err)
	}
}
