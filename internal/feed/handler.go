package feed

import "github.com/caesar-terminal/depthbook/internal/book"

// Handler receives session callbacks. All calls are made from the goroutine
// that drives the session.
type Handler interface {
	OnOpen(subscription string)
	OnClose()
	OnError(message string)
	OnUpdate(snapshot book.Snapshot)
}

// SubscribedHandler is implemented by handlers that want the feed's
// subscribe acknowledgements.
type SubscribedHandler interface {
	OnSubscribed(subscription string)
}

// HandlerFuncs adapts plain functions to Handler. Nil fields are skipped.
type HandlerFuncs struct {
	Open       func(subscription string)
	Close      func()
	Error      func(message string)
	Update     func(snapshot book.Snapshot)
	Subscribed func(subscription string)
}

func (h HandlerFuncs) OnOpen(subscription string) {
	if h.Open != nil {
		h.Open(subscription)
	}
}

func (h HandlerFuncs) OnClose() {
	if h.Close != nil {
		h.Close()
	}
}

func (h HandlerFuncs) OnError(message string) {
	if h.Error != nil {
		h.Error(message)
	}
}

func (h HandlerFuncs) OnUpdate(snapshot book.Snapshot) {
	if h.Update != nil {
		h.Update(snapshot)
	}
}

func (h HandlerFuncs) OnSubscribed(subscription string) {
	if h.Subscribed != nil {
		h.Subscribed(subscription)
	}
}

// Recorder observes session traffic. internal/metrics provides the
// Prometheus implementation.
type Recorder interface {
	PacketReceived(kind string)
	PacketIgnored(reason string)
	SnapshotEmitted(bidLevels, askLevels int)
	SnapshotSuppressed()
}

type nopRecorder struct{}

func (nopRecorder) PacketReceived(string)    {}
func (nopRecorder) PacketIgnored(string)     {}
func (nopRecorder) SnapshotEmitted(int, int) {}
func (nopRecorder) SnapshotSuppressed()      {}
