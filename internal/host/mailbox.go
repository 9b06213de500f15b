package host

import (
	"sync"

	"github.com/gammazero/deque"
)

// mailbox is an unbounded FIFO with a channel on the receiving side. Push
// never blocks, so a slow reader cannot stall the writer.
type mailbox[T any] struct {
	mu     sync.Mutex
	queue  deque.Deque[T]
	closed bool

	notify   chan struct{}
	out      chan T
	stop     chan struct{}
	stopOnce sync.Once
}

func newMailbox[T any]() *mailbox[T] {
	m := &mailbox[T]{
		queue:  deque.Deque[T]{},
		notify: make(chan struct{}, 1),
		out:    make(chan T),
		stop:   make(chan struct{}),
	}
	go m.pump()
	return m
}

// Push enqueues v. It returns false once the mailbox is closed or stopped.
func (m *mailbox[T]) Push(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue.PushBack(v)
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox[T]) Out() <-chan T {
	return m.out
}

func (m *mailbox[T]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.queue.Len()
}

// Close rejects further pushes. Queued items are still delivered, then Out
// is closed.
func (m *mailbox[T]) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()

	select {
	case m.notify <- struct{}{}:
	default:
	}
}

// Stop rejects further pushes and discards anything still queued.
func (m *mailbox[T]) Stop() {
	m.mu.Lock()
	m.closed = true
	m.queue.Clear()
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *mailbox[T]) pump() {
	defer close(m.out)
	for {
		m.mu.Lock()
		if m.queue.Len() == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			select {
			case <-m.notify:
				continue
			case <-m.stop:
				return
			}
		}
		v := m.queue.PopFront()
		m.mu.Unlock()

		select {
		case m.out <- v:
		case <-m.stop:
			return
		}
	}
}
