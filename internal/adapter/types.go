package adapter

import (
	"time"

	"github.com/caesar-terminal/depthbook/internal/host"
)

// FeedEvent is a host event stamped with the subscription that was current
// when it was produced. Downstream consumers (HTTP, gRPC, Redis, health)
// operate on this type regardless of which host emitted it.
type FeedEvent struct {
	Event        host.Event
	Subscription string
	Timestamp    time.Time
}

// EventsProvider is the interface a producer must satisfy to plug into the
// Broadcaster.
type EventsProvider interface {
	Events() <-chan FeedEvent
}
