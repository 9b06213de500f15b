// Package host runs a feed session inside an actor. Callers interact with it
// only by posting commands and reading events; all session state lives on
// the host goroutine.
package host

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/feed"
)

var (
	ErrTerminated     = errors.New("host: terminated")
	ErrAlreadyRunning = errors.New("host: already running")
)

// Recorder observes host activity in addition to session traffic.
type Recorder interface {
	feed.Recorder
	EventEmitted(eventType string)
	SessionOpened()
	SessionClosed()
}

type nopRecorder struct{}

func (nopRecorder) PacketReceived(string)    {}
func (nopRecorder) PacketIgnored(string)     {}
func (nopRecorder) SnapshotEmitted(int, int) {}
func (nopRecorder) SnapshotSuppressed()      {}
func (nopRecorder) EventEmitted(string)      {}
func (nopRecorder) SessionOpened()           {}
func (nopRecorder) SessionClosed()           {}

// Option configures a Host.
type Option func(*Host)

func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

func WithRecorder(r Recorder) Option {
	return func(h *Host) { h.rec = r }
}

// WithConfirmedChanges delays SUBSCRIPTION_CHANGED until the feed
// acknowledges the new subscription. Without an acknowledgement inside
// timeout the session moves back to the last confirmed subscription and the
// host reports an ACTION_ERROR instead.
func WithConfirmedChanges(timeout time.Duration) Option {
	return func(h *Host) { h.confirmTimeout = timeout }
}

// WithSessionOptions passes options through to every session the host
// creates.
func WithSessionOptions(opts ...feed.Option) Option {
	return func(h *Host) { h.sessionOpts = append(h.sessionOpts, opts...) }
}

// Host owns at most one feed.Session and is single-use: once that session
// closes the host emits CLOSED and terminates.
type Host struct {
	id     string
	cfg    feed.Config
	dialer feed.Dialer

	base           *slog.Logger
	logger         *slog.Logger
	rec            Recorder
	confirmTimeout time.Duration
	sessionOpts    []feed.Option

	inbox  *mailbox[Command]
	outbox *mailbox[Event]

	// Owned by the Run goroutine.
	session   *feed.Session
	pending   string
	confirmed string
	confirm   *time.Timer
	finished  bool

	running atomic.Bool
	done    chan struct{}
}

// New creates a host. Nothing happens until Run is called.
func New(dialer feed.Dialer, cfg feed.Config, opts ...Option) *Host {
	h := &Host{
		id:     uuid.NewString(),
		cfg:    cfg,
		dialer: dialer,
		logger: slog.Default(),
		rec:    nopRecorder{},
		inbox:  newMailbox[Command](),
		outbox: newMailbox[Event](),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.base = h.logger.With("host_id", h.id)
	h.logger = h.base.With("component", "host")
	return h
}

func (h *Host) ID() string { return h.id }

// Post enqueues cmd without blocking.
func (h *Host) Post(cmd Command) error {
	if !h.inbox.Push(cmd) {
		return ErrTerminated
	}
	return nil
}

// Events delivers host events in order. The channel is closed after the
// host terminates and every pending event has been read.
func (h *Host) Events() <-chan Event {
	return h.outbox.Out()
}

// Done is closed when Run has returned.
func (h *Host) Done() <-chan struct{} {
	return h.done
}

// Run processes commands and session traffic until the session closes.
// Cancelling ctx closes the session gracefully; Run returns once it has
// closed, or immediately when there is no session.
func (h *Host) Run(ctx context.Context) error {
	if !h.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer h.shutdown()

	// Sessions outlive ctx long enough to finish their close handshake.
	sessionCtx := context.WithoutCancel(ctx)
	cancelled := ctx.Done()

	h.logger.Info("host started")
	for !h.finished {
		var events <-chan feed.TransportEvent
		if h.session != nil {
			events = h.session.Events()
		}
		var timeout <-chan time.Time
		if h.confirm != nil {
			timeout = h.confirm.C
		}

		select {
		case cmd := <-h.inbox.Out():
			h.handle(sessionCtx, cmd)
		case ev, ok := <-events:
			if !ok {
				ev = feed.TransportEvent{Kind: feed.EventClose}
			}
			h.session.Handle(ev)
		case <-timeout:
			h.confirmExpired()
		case <-cancelled:
			cancelled = nil
			if h.session == nil {
				return ctx.Err()
			}
			h.logger.Info("context cancelled, closing session")
			h.session.Close()
		}
	}
	return nil
}

func (h *Host) handle(ctx context.Context, cmd Command) {
	h.logger.Debug("command", "type", cmd.Type, "value", cmd.Value)

	switch cmd.Type {
	case CommandConnect:
		h.connect(ctx, cmd.Value)
	case CommandClose:
		if h.session != nil {
			h.session.Close()
		}
	case CommandChangeSubscription:
		h.changeSubscription(cmd.Value)
	default:
		h.logger.Warn("unknown command", "type", cmd.Type)
		h.emit(UnknownCommand(cmd.Type))
	}
}

func (h *Host) connect(ctx context.Context, subscription string) {
	if h.session != nil {
		h.emit(ActionError(MsgAlreadyConnected))
		return
	}
	if subscription == "" {
		h.emit(ActionError(MsgSubscriptionRequired))
		return
	}

	opts := append([]feed.Option{
		feed.WithLogger(h.base),
		feed.WithRecorder(h.rec),
	}, h.sessionOpts...)
	h.session = feed.NewSession(h.cfg, h.dialer, sink{h}, opts...)
	if err := h.session.Connect(ctx, subscription); err != nil {
		h.logger.Error("session connect failed", "error", err)
		h.session = nil
		h.emit(ActionError(err.Error()))
		return
	}
	h.rec.SessionOpened()
}

func (h *Host) changeSubscription(subscription string) {
	if h.session == nil {
		h.emit(ActionError(MsgNotConnected))
		return
	}
	if subscription == "" {
		h.emit(ActionError(MsgSubscriptionRequired))
		return
	}
	previous := h.session.Subscription()
	if err := h.session.ChangeSubscription(subscription); err != nil {
		h.emit(ActionError(MsgNotConnected))
		return
	}

	if h.confirmTimeout <= 0 {
		h.emit(SubscriptionChanged(subscription))
		return
	}
	if h.pending == "" {
		h.confirmed = previous
	}
	h.pending = subscription
	h.stopConfirm()
	h.confirm = time.NewTimer(h.confirmTimeout)
}

// confirmExpired reverts an unacknowledged change so the books the session
// keeps producing belong to the subscription callers last saw confirmed.
func (h *Host) confirmExpired() {
	h.logger.Warn("subscription change not confirmed, reverting",
		"subscription", h.pending, "restored", h.confirmed, "timeout", h.confirmTimeout)
	h.confirm = nil
	if h.session != nil && h.confirmed != "" {
		if err := h.session.ChangeSubscription(h.confirmed); err != nil {
			h.logger.Warn("revert failed", "error", err)
		}
	}
	h.pending, h.confirmed = "", ""
	h.emit(ActionError(MsgChangeNotConfirmed))
}

func (h *Host) stopConfirm() {
	if h.confirm != nil {
		h.confirm.Stop()
		h.confirm = nil
	}
}

func (h *Host) emit(ev Event) {
	h.rec.EventEmitted(string(ev.Type))
	if !h.outbox.Push(ev) {
		h.logger.Debug("dropping event after shutdown", "type", ev.Type)
	}
}

func (h *Host) shutdown() {
	h.stopConfirm()
	h.inbox.Stop()
	h.outbox.Close()
	h.logger.Info("host terminated")
	close(h.done)
}

// sink routes session callbacks into host events. It runs on the host
// goroutine because the session is only driven from Run.
type sink struct{ h *Host }

func (s sink) OnOpen(subscription string) {
	s.h.emit(connected(subscription))
}

func (s sink) OnClose() {
	s.h.session = nil
	s.h.pending, s.h.confirmed = "", ""
	s.h.stopConfirm()
	s.h.finished = true
	s.h.rec.SessionClosed()
	s.h.emit(closed())
}

func (s sink) OnError(message string) {
	s.h.emit(connectionError(message))
}

func (s sink) OnUpdate(snapshot book.Snapshot) {
	s.h.emit(update(snapshot))
}

func (s sink) OnSubscribed(subscription string) {
	if s.h.pending == "" || s.h.pending != subscription {
		return
	}
	s.h.pending, s.h.confirmed = "", ""
	s.h.stopConfirm()
	s.h.emit(SubscriptionChanged(subscription))
}
