package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/host"
)

// RedisClient abstracts the Redis operations used by RedisWriter.
// In production this is satisfied by GoRedis; in tests by a mock.
type RedisClient interface {
	HSet(ctx context.Context, key string, values ...any) error
}

// GoRedis adapts *redis.Client to RedisClient.
type GoRedis struct {
	Client *redis.Client
}

func (g GoRedis) HSet(ctx context.Context, key string, values ...any) error {
	return g.Client.HSet(ctx, key, values...).Err()
}

// topOfBook holds the last-written best bid/ask for a subscription so we
// can skip duplicate writes.
type topOfBook struct {
	Bid string
	Ask string
}

// RedisWriter subscribes to a Broadcaster's unified stream and keeps the
// latest top of book for every subscription in Redis using the schema:
//
//	Key:    book:{subscription}
//	Fields: bid, ask, spread, margin, ts
//
// Writes are non-blocking: updates are buffered in an internal channel and
// flushed by a dedicated goroutine. Duplicate prices are suppressed.
type RedisWriter struct {
	client RedisClient
	feed   <-chan FeedEvent
	buf    chan FeedEvent
	logger *slog.Logger

	// OnWrite, if set, observes every flush with "written", "skipped" or
	// "error".
	OnWrite func(result string)

	mu   sync.Mutex
	last map[string]topOfBook // keyed by Redis key
}

// NewRedisWriter creates a RedisWriter that reads from the Broadcaster's
// SubscribeAll channel and writes to the given Redis client.
func NewRedisWriter(client RedisClient, feed <-chan FeedEvent, logger *slog.Logger) *RedisWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisWriter{
		client:  client,
		feed:    feed,
		buf:     make(chan FeedEvent, 1024),
		logger:  logger.With("component", "redis_writer"),
		OnWrite: func(string) {},
		last:    make(map[string]topOfBook),
	}
}

// Run starts two goroutines: one to drain the Broadcaster feed into an
// internal buffer, and one to flush buffered updates to Redis. It blocks
// until ctx is cancelled.
func (rw *RedisWriter) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)

	// Ingestion: drain the Broadcaster feed into the internal buffer
	// so we never block the Broadcaster.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-rw.feed:
				if !ok {
					return
				}
				select {
				case rw.buf <- ev:
				default:
					// Buffer full, drop.
				}
			}
		}
	}()

	// Flusher: write buffered updates to Redis.
	go func() {
		defer wg.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-rw.buf:
				rw.handle(ctx, ev)
			}
		}
	}()

	wg.Wait()
}

func (rw *RedisWriter) handle(ctx context.Context, ev FeedEvent) {
	switch ev.Event.Type {
	case host.EventUpdate:
		snap, ok := ev.Event.Snapshot()
		if !ok {
			return
		}
		rw.write(ctx, ev, snap)
	case host.EventClosed, host.EventSubscriptionChanged:
		// The next book starts empty; always write its first top of book.
		rw.mu.Lock()
		rw.last = make(map[string]topOfBook)
		rw.mu.Unlock()
	}
}

// write extracts best bid/ask, checks for duplicates, and issues an HSET.
func (rw *RedisWriter) write(ctx context.Context, ev FeedEvent, snap book.Snapshot) {
	bestBid := formatPrice(snap.BestBid())
	bestAsk := formatPrice(snap.BestAsk())

	key := fmt.Sprintf("book:%s", ev.Subscription)

	rw.mu.Lock()
	prev, exists := rw.last[key]
	if exists && prev.Bid == bestBid && prev.Ask == bestAsk {
		rw.mu.Unlock()
		rw.OnWrite("skipped")
		return
	}
	rw.last[key] = topOfBook{Bid: bestBid, Ask: bestAsk}
	rw.mu.Unlock()

	margin := ""
	if snap.Margin != nil {
		margin = strconv.FormatFloat(*snap.Margin, 'f', -1, 64)
	}
	ts := strconv.FormatInt(ev.Timestamp.UnixMilli(), 10)

	err := rw.client.HSet(ctx, key,
		"bid", bestBid,
		"ask", bestAsk,
		"spread", formatPrice(snap.Spread),
		"margin", margin,
		"ts", ts,
	)
	if err != nil {
		rw.logger.Warn("hset failed", "key", key, "error", err)
		rw.OnWrite("error")
		return
	}
	rw.OnWrite("written")
}

func formatPrice(p float64) string {
	return strconv.FormatFloat(p, 'f', -1, 64)
}
