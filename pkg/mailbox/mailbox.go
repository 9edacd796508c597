// Package mailbox provides an unbounded, ordered, single-consumer queue. Posting never blocks, so a slow consumer
// can never stall the goroutine that produced the item.
package mailbox

import (
	"sync"

	"github.com/eapache/queue"
)

type Mailbox[T any] struct {
	mu     sync.Mutex
	items  *queue.Queue
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

// New starts a consumer goroutine that calls handle for every posted item in post order.
func New[T any](handle func(T)) *Mailbox[T] {
	m := &Mailbox[T]{
		items: queue.New(),
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go m.run(handle)
	return m
}

// Post enqueues v. It returns false if the mailbox has been closed.
func (m *Mailbox[T]) Post(v T) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.items.Add(v)
	m.mu.Unlock()
	m.signal()
	return true
}

// Close stops accepting new items. Items already posted are still delivered. Safe to call from the consumer.
func (m *Mailbox[T]) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()
	m.signal()
}

// Done is closed once the consumer goroutine has exited.
func (m *Mailbox[T]) Done() <-chan struct{} {
	return m.done
}

func (m *Mailbox[T]) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func (m *Mailbox[T]) run(handle func(T)) {
	defer close(m.done)
	for {
		m.mu.Lock()
		if m.items.Length() == 0 {
			closed := m.closed
			m.mu.Unlock()
			if closed {
				return
			}
			<-m.wake
			continue
		}
		v := m.items.Remove().(T)
		m.mu.Unlock()
		handle(v)
	}
}
