package adapter

import (
	"context"
	"log/slog"
	"sync"
)

// BroadcasterOption configures a Broadcaster.
type BroadcasterOption func(*Broadcaster)

func WithBroadcastLogger(l *slog.Logger) BroadcasterOption {
	return func(b *Broadcaster) { b.logger = l }
}

// WithDropHook registers fn to be called for every event a slow subscriber
// misses.
func WithDropHook(fn func()) BroadcasterOption {
	return func(b *Broadcaster) { b.onDrop = fn }
}

// Broadcaster is a many-to-many hub that ingests FeedEvents from any number
// of providers and distributes them to per-subscription subscribers and a
// unified "all" stream.
type Broadcaster struct {
	sources []<-chan FeedEvent

	// Filtered subscribers keyed by subscription.
	mu   sync.RWMutex
	subs map[string][]chan FeedEvent

	// allMu guards the unified subscriber list and stopped.
	allMu   sync.RWMutex
	allSub  []chan FeedEvent
	stopped bool

	logger *slog.Logger
	onDrop func()
}

// NewBroadcaster creates a Broadcaster ready for provider registration.
func NewBroadcaster(opts ...BroadcasterOption) *Broadcaster {
	b := &Broadcaster{
		subs:   make(map[string][]chan FeedEvent),
		logger: slog.Default(),
		onDrop: func() {},
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "broadcaster")
	return b
}

// Register adds a provider's event channel as a source. Must be called
// before Run.
func (b *Broadcaster) Register(provider EventsProvider) {
	b.sources = append(b.sources, provider.Events())
}

// Subscribe returns a buffered channel that receives FeedEvents for one
// subscription. The caller must drain the channel to avoid dropped events.
// The channel is closed when Run returns.
func (b *Broadcaster) Subscribe(subscription string) <-chan FeedEvent {
	ch := make(chan FeedEvent, 256)

	b.allMu.RLock()
	defer b.allMu.RUnlock()
	if b.stopped {
		close(ch)
		return ch
	}

	b.mu.Lock()
	b.subs[subscription] = append(b.subs[subscription], ch)
	b.mu.Unlock()

	return ch
}

// SubscribeAll returns a buffered channel that receives every FeedEvent
// regardless of subscription. Used by the gRPC streams, the Redis sink and
// the feed monitor.
func (b *Broadcaster) SubscribeAll() <-chan FeedEvent {
	ch := make(chan FeedEvent, 512)

	b.allMu.Lock()
	if b.stopped {
		close(ch)
	} else {
		b.allSub = append(b.allSub, ch)
	}
	b.allMu.Unlock()

	return ch
}


// Unsubscribe removes and closes a channel returned by Subscribe or
// SubscribeAll. Unknown channels are ignored.
func (b *Broadcaster) Unsubscribe(sub <-chan FeedEvent) {
	b.allMu.Lock()
	for i, ch := range b.allSub {
		if ch == sub {
			b.allSub = append(b.allSub[:i], b.allSub[i+1:]...)
			close(ch)
			b.allMu.Unlock()
			return
		}
	}
	b.allMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()
	for key, list := range b.subs {
		for i, ch := range list {
			if ch == sub {
				b.subs[key] = append(list[:i], list[i+1:]...)
				if len(b.subs[key]) == 0 {
					delete(b.subs, key)
				}
				close(ch)
				return
			}
		}
	}
}

// Run starts consuming from all registered sources and distributing events.
// It blocks until ctx is cancelled or every source is closed, then closes
// every subscriber channel so consumers see the end of the stream. Each
// source gets its own goroutine.
func (b *Broadcaster) Run(ctx context.Context) {
	defer b.stop()

	var wg sync.WaitGroup

	for _, src := range b.sources {
		wg.Add(1)
		go func(ch <-chan FeedEvent) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-ch:
					if !ok {
						return
					}
					b.distribute(ev)
				}
			}
		}(src)
	}

	wg.Wait()
}

func (b *Broadcaster) stop() {
	b.allMu.Lock()
	b.stopped = true
	for _, ch := range b.allSub {
		close(ch)
	}
	b.allSub = nil
	b.allMu.Unlock()

	b.mu.Lock()
	for _, list := range b.subs {
		for _, ch := range list {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan FeedEvent)
	b.mu.Unlock()
}

// distribute sends an event to all matching filtered subscribers and all
// unified subscribers. Non-blocking: slow consumers get events dropped.
func (b *Broadcaster) distribute(ev FeedEvent) {
	b.mu.RLock()
	for _, ch := range b.subs[ev.Subscription] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping event for slow subscriber",
				"subscription", ev.Subscription, "type", ev.Event.Type)
			b.onDrop()
		}
	}
	b.mu.RUnlock()

	b.allMu.RLock()
	for _, ch := range b.allSub {
		select {
		case ch <- ev:
		default:
			b.onDrop()
		}
	}
	b.allMu.RUnlock()
}
