// Package controller drives hosts on behalf of remote callers. A host is
// single-use, so the controller spawns a fresh one for every connect and
// keeps the caller-facing state (current subscription, latest book) across
// them.
package controller

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jpillora/backoff"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/config"
	"github.com/caesar-terminal/depthbook/internal/feed"
	"github.com/caesar-terminal/depthbook/internal/host"
)

var (
	ErrStopped        = errors.New("controller: stopped")
	ErrAlreadyRunning = errors.New("controller: already running")
)

// Commands understood by the controller on top of the host commands.
const (
	CommandToggle    host.CommandType = "TOGGLE"
	CommandReconnect host.CommandType = "RECONNECT"
)

// Config holds the controller settings.
type Config struct {
	Feed      feed.Config
	Primary   string
	Alternate string

	// Autoconnect connects to Primary as soon as Run starts.
	Autoconnect bool

	// Reconnect re-issues CONNECT after ReconnectDelay when a session closes
	// without an explicit CLOSE. Consecutive failures back off up to
	// MaxReconnectDelay.
	Reconnect         bool
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// ConfirmTimeout > 0 switches hosts to confirmed subscription changes.
	ConfirmTimeout time.Duration
}

// FromConfig maps the application configuration onto controller settings.
func FromConfig(cfg *config.Config) Config {
	c := Config{
		Feed: feed.Config{
			Tag:      cfg.Feed.Tag,
			Settle:   cfg.Feed.Settle(),
			Throttle: cfg.Feed.Throttle(),
		},
		Primary:           cfg.Feed.Primary,
		Alternate:         cfg.Feed.Alternate,
		Autoconnect:       cfg.Controller.Autoconnect,
		Reconnect:         cfg.Controller.Reconnect,
		ReconnectDelay:    cfg.Controller.ReconnectDelay(),
		MaxReconnectDelay: 10 * cfg.Controller.ReconnectDelay(),
	}
	if cfg.Controller.ConfirmChanges {
		c.ConfirmTimeout = cfg.Controller.ConfirmTimeout()
	}
	return c
}

// Status is the caller-facing connection state.
type Status struct {
	Subscription string `json:"subscription" yaml:"subscription"`
	Connected    bool   `json:"connected" yaml:"connected"`
	Connecting   bool   `json:"connecting" yaml:"connecting"`
	Changing     bool   `json:"changing" yaml:"changing"`
	Error        string `json:"error,omitempty" yaml:"error,omitempty"`
}

// Option configures a Controller.
type Option func(*Controller)

func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// WithRecorder is handed to every host the controller creates.
func WithRecorder(r host.Recorder) Option {
	return func(c *Controller) { c.rec = r }
}

// WithHostOptions appends options to every host the controller creates.
func WithHostOptions(opts ...host.Option) Option {
	return func(c *Controller) { c.hostOpts = append(c.hostOpts, opts...) }
}

func withClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

type request struct {
	cmd   host.CommandType
	value string
	reply chan<- host.Event
}

// Controller serialises caller commands onto the live host and republishes
// host events as adapter.FeedEvent. It satisfies adapter.EventsProvider.
type Controller struct {
	cfg      Config
	dialer   feed.Dialer
	logger   *slog.Logger
	base     *slog.Logger
	rec      host.Recorder
	hostOpts []host.Option
	now      func() time.Time

	requests chan request
	events   chan adapter.FeedEvent
	running  atomic.Bool
	done     chan struct{}

	mu     sync.RWMutex
	status Status
	latest *book.Snapshot

	// Owned by the Run goroutine.
	host          *host.Host
	hostEvents    <-chan host.Event
	explicitClose bool
	retry         *backoff.Backoff
	retryTimer    *time.Timer
}

// New creates a controller. Nothing happens until Run is called.
func New(dialer feed.Dialer, cfg Config, opts ...Option) *Controller {
	c := &Controller{
		cfg:      cfg,
		dialer:   dialer,
		logger:   slog.Default(),
		now:      time.Now,
		requests: make(chan request, 64),
		events:   make(chan adapter.FeedEvent, 256),
		done:     make(chan struct{}),
		status:   Status{Subscription: cfg.Primary},
	}
	for _, opt := range opts {
		opt(c)
	}
	c.base = c.logger
	c.logger = c.logger.With("component", "controller")
	c.retry = &backoff.Backoff{
		Min:    cfg.ReconnectDelay,
		Max:    max(cfg.MaxReconnectDelay, cfg.ReconnectDelay),
		Factor: 2,
	}
	return c
}

// Events delivers every host event stamped with the subscription current at
// the time. It is closed when Run returns.
func (c *Controller) Events() <-chan adapter.FeedEvent {
	return c.events
}

// Status returns the current connection state.
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

// Subscription returns the subscription in effect, or the one the next
// connect will use.
func (c *Controller) Subscription() string {
	return c.Status().Subscription
}

// Latest returns the most recent book for the current subscription. It is
// cleared while connecting, while a subscription change is in flight and
// after the connection closes.
func (c *Controller) Latest() (book.Snapshot, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.latest == nil {
		return book.Snapshot{}, false
	}
	return *c.latest, true
}

// Connect opens a connection on a fresh host. An empty subscription reuses
// the current one.
func (c *Controller) Connect(subscription string) error {
	return c.enqueue(request{cmd: host.CommandConnect, value: subscription})
}

// Close asks the live host to close its session. Without one it does nothing.
func (c *Controller) Close() error {
	return c.enqueue(request{cmd: host.CommandClose})
}

func (c *Controller) ChangeSubscription(subscription string) error {
	return c.enqueue(request{cmd: host.CommandChangeSubscription, value: subscription})
}

// Toggle flips between the primary and alternate subscriptions. When not
// connected the remembered subscription changes immediately.
func (c *Controller) Toggle() error {
	return c.enqueue(request{cmd: CommandToggle})
}

// Reconnect connects to the current subscription on a fresh host.
func (c *Controller) Reconnect() error {
	return c.enqueue(request{cmd: CommandReconnect})
}

// Dispatch submits a command by type, as received from a remote caller.
// Commands the controller rejects itself (unknown types, connecting while
// connected, changing while disconnected) are answered on reply so other
// callers never see them. A nil reply publishes the rejection on Events.
// Sends on reply never block; a full channel drops the answer.
func (c *Controller) Dispatch(cmd host.CommandType, value string, reply chan<- host.Event) error {
	return c.enqueue(request{cmd: cmd, value: value, reply: reply})
}

func (c *Controller) enqueue(req request) error {
	select {
	case <-c.done:
		return ErrStopped
	default:
	}
	select {
	case c.requests <- req:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

// Run serves commands until ctx is cancelled. On cancellation the live
// host closes its session and Run waits for it to terminate before
// returning.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.events)
	defer close(c.done)

	c.logger.Info("controller started",
		"primary", c.cfg.Primary, "alternate", c.cfg.Alternate,
		"autoconnect", c.cfg.Autoconnect, "reconnect", c.cfg.Reconnect)

	if c.cfg.Autoconnect {
		c.connect(ctx, c.Subscription(), nil)
	}

	for {
		var retry <-chan time.Time
		if c.retryTimer != nil {
			retry = c.retryTimer.C
		}

		select {
		case req := <-c.requests:
			c.handle(ctx, req)
		case ev, ok := <-c.hostEvents:
			if !ok {
				c.hostGone()
				continue
			}
			c.observe(ctx, ev)
		case <-retry:
			c.retryTimer = nil
			c.logger.Info("reconnecting", "subscription", c.Subscription(), "attempt", c.retry.Attempt())
			c.connect(ctx, c.Subscription(), nil)
		case <-ctx.Done():
			c.stopRetry()
			c.drainHost(ctx)
			c.logger.Info("controller stopped")
			return nil
		}
	}
}

func (c *Controller) handle(ctx context.Context, req request) {
	c.logger.Debug("command", "type", req.cmd, "value", req.value)

	switch req.cmd {
	case host.CommandConnect:
		sub := req.value
		if sub == "" {
			sub = c.Subscription()
		}
		c.connect(ctx, sub, req.reply)
	case CommandReconnect:
		c.connect(ctx, c.Subscription(), req.reply)
	case host.CommandClose:
		c.explicitClose = true
		c.stopRetry()
		if c.host != nil {
			c.post(ctx, host.Close(), req.reply)
		}
	case host.CommandChangeSubscription:
		c.changeSubscription(ctx, req.value, req.reply)
	case CommandToggle:
		c.toggle(ctx, req.reply)
	default:
		c.logger.Warn("unknown command", "type", req.cmd)
		c.reject(ctx, req.reply, host.UnknownCommand(req.cmd))
	}
}

// connect spawns a host for subscription. A live host, even one that is
// still closing, means the caller is already connected; the rejection
// leaves every piece of state, including a pending explicit close, as it
// was.
func (c *Controller) connect(ctx context.Context, subscription string, reply chan<- host.Event) {
	if c.host != nil {
		c.reject(ctx, reply, host.ActionError(host.MsgAlreadyConnected))
		return
	}
	if subscription == "" {
		c.reject(ctx, reply, host.ActionError(host.MsgSubscriptionRequired))
		return
	}
	c.stopRetry()
	c.explicitClose = false

	opts := []host.Option{host.WithLogger(c.base)}
	if c.rec != nil {
		opts = append(opts, host.WithRecorder(c.rec))
	}
	if c.cfg.ConfirmTimeout > 0 {
		opts = append(opts, host.WithConfirmedChanges(c.cfg.ConfirmTimeout))
	}
	opts = append(opts, c.hostOpts...)

	h := host.New(c.dialer, c.cfg.Feed, opts...)
	c.host = h
	c.hostEvents = h.Events()
	c.logger.Info("spawned host", "host_id", h.ID(), "subscription", subscription)

	c.setState(func(s *Status) {
		s.Subscription = subscription
		s.Connecting = true
		s.Error = ""
	}, true)

	go func() {
		if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("host stopped", "host_id", h.ID(), "error", err)
		}
	}()
	c.post(ctx, host.Connect(subscription), reply)
}

func (c *Controller) changeSubscription(ctx context.Context, subscription string, reply chan<- host.Event) {
	if c.host == nil || !c.Status().Connected {
		c.reject(ctx, reply, host.ActionError(host.MsgNotConnected))
		return
	}
	if subscription == "" {
		c.reject(ctx, reply, host.ActionError(host.MsgSubscriptionRequired))
		return
	}
	c.setState(func(s *Status) { s.Changing = true }, true)
	c.post(ctx, host.ChangeSubscription(subscription), reply)
}

func (c *Controller) toggle(ctx context.Context, reply chan<- host.Event) {
	st := c.Status()
	next := c.cfg.Primary
	if st.Subscription == c.cfg.Primary {
		next = c.cfg.Alternate
	}

	if !st.Connected || c.host == nil {
		c.setState(func(s *Status) { s.Subscription = next }, true)
		c.publish(ctx, host.SubscriptionChanged(next))
		return
	}
	c.changeSubscription(ctx, next, reply)
}

func (c *Controller) post(ctx context.Context, cmd host.Command, reply chan<- host.Event) {
	if err := c.host.Post(cmd); err != nil {
		// The host terminated between its last event and this command.
		c.logger.Debug("host rejected command", "type", cmd.Type, "error", err)
		c.reject(ctx, reply, host.ActionError(host.MsgNotConnected))
	}
}

// reject answers a refused command on the caller's reply channel, or on
// Events when the caller has none.
func (c *Controller) reject(ctx context.Context, reply chan<- host.Event, ev host.Event) {
	if reply == nil {
		c.publish(ctx, ev)
		return
	}
	select {
	case reply <- ev:
	default:
		c.logger.Warn("reply dropped, caller is not reading", "type", ev.Type, "text", ev.Text())
	}
}

// observe folds a host event into the controller state and republishes it.
func (c *Controller) observe(ctx context.Context, ev host.Event) {
	switch ev.Type {
	case host.EventConnected:
		c.retry.Reset()
		c.setState(func(s *Status) {
			s.Connected = true
			s.Connecting = false
			s.Subscription = ev.Text()
		}, true)
	case host.EventSubscriptionChanged:
		c.setState(func(s *Status) {
			s.Changing = false
			s.Subscription = ev.Text()
		}, true)
	case host.EventUpdate:
		if snap, ok := ev.Snapshot(); ok {
			c.mu.Lock()
			c.latest = &snap
			c.mu.Unlock()
		}
	case host.EventConnectionError:
		c.setState(func(s *Status) { s.Error = ev.Text() }, false)
	case host.EventActionError:
		c.setState(func(s *Status) {
			s.Error = ev.Text()
			s.Changing = false
			if !s.Connected {
				s.Connecting = false
			}
		}, false)
	case host.EventClosed:
		c.setState(func(s *Status) {
			s.Connected = false
			s.Connecting = false
			s.Changing = false
		}, true)
		// CLOSED is the last event of a host; commands posted after it
		// would be lost, so the next connect spawns a new one.
		c.retireHost()
		c.scheduleReconnect()
	}
	c.publish(ctx, ev)
}

// hostGone handles a host that terminated without reporting CLOSED, which
// happens when it is cancelled before any session was opened.
func (c *Controller) hostGone() {
	c.retireHost()
	c.setState(func(s *Status) {
		s.Connected = false
		s.Connecting = false
		s.Changing = false
	}, false)
}

func (c *Controller) retireHost() {
	if c.host != nil {
		c.logger.Debug("host retired", "host_id", c.host.ID())
	}
	c.host = nil
	c.hostEvents = nil
}

func (c *Controller) scheduleReconnect() {
	if !c.cfg.Reconnect || c.explicitClose {
		return
	}
	delay := c.retry.Duration()
	c.logger.Info("connection lost, scheduling reconnect", "delay", delay)
	c.stopRetry()
	c.retryTimer = time.NewTimer(delay)
}

func (c *Controller) stopRetry() {
	if c.retryTimer != nil {
		c.retryTimer.Stop()
		c.retryTimer = nil
	}
}

// drainHost waits for a live host to finish closing after ctx was
// cancelled, so its CLOSED event is still observed.
func (c *Controller) drainHost(ctx context.Context) {
	if c.hostEvents == nil {
		return
	}
	for ev := range c.hostEvents {
		c.observe(ctx, ev)
	}
	c.stopRetry()
	c.retireHost()
}

func (c *Controller) setState(fn func(*Status), clearBook bool) {
	c.mu.Lock()
	fn(&c.status)
	if clearBook {
		c.latest = nil
	}
	c.mu.Unlock()
}

// publish stamps ev and hands it to Events. Once ctx is cancelled events
// are delivered only if a reader is ready.
func (c *Controller) publish(ctx context.Context, ev host.Event) {
	fe := adapter.FeedEvent{
		Event:        ev,
		Subscription: c.Subscription(),
		Timestamp:    c.now(),
	}
	select {
	case c.events <- fe:
		return
	default:
	}
	select {
	case c.events <- fe:
	case <-ctx.Done():
		c.logger.Debug("dropping event after shutdown", "type", ev.Type)
	}
}
