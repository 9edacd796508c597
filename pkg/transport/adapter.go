// Package transport binds concrete duplex byte channels to the small event interface the connection layer drives.
package transport

import (
	"errors"
	"sync"
	"sync/atomic"
)

type ConnectionState int32

const (
	Connecting ConnectionState = iota
	Connected
	Disconnected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	case Disconnected:
		return "DISCONNECTED"
	}
	return "UNKNOWN"
}

// Close codes reported through OnClose. They follow the websocket close code numbering.
const (
	CloseNormal    = 1000
	CloseGoingAway = 1001
	CloseAbnormal  = 1006
)

var (
	ErrNotConnected = errors.New("transport not connected")
	ErrBackpressure = errors.New("transport send buffer full")
)

// Adapter is an opaque duplex channel carrying encoded frames. Every On* method returns a function that removes the
// handler again. Handlers must not block for long; they run on the adapter's delivery goroutine.
type Adapter interface {
	Send(frame []byte) error
	State() ConnectionState
	OnMessage(fn func(frame []byte)) (unbind func())
	OnConnected(fn func()) (unbind func())
	OnError(fn func(err error)) (unbind func())
	OnClose(fn func(code int)) (unbind func())
	// Start begins delivering events. Handlers should be bound before calling it.
	Start()
	// Disconnect closes the channel. It is idempotent and does not invoke the adapter's own close handlers.
	Disconnect()
}

type listeners[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]func(T)
}

func (l *listeners[T]) add(fn func(T)) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fns == nil {
		l.fns = make(map[int]func(T))
	}
	id := l.next
	l.next++
	l.fns[id] = fn
	return func() {
		l.mu.Lock()
		delete(l.fns, id)
		l.mu.Unlock()
	}
}

func (l *listeners[T]) emit(v T) {
	l.mu.Lock()
	fns := make([]func(T), 0, len(l.fns))
	for _, fn := range l.fns {
		fns = append(fns, fn)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// events is the listener bookkeeping shared by every adapter implementation.
type events struct {
	state     atomic.Int32
	message   listeners[[]byte]
	connected listeners[struct{}]
	errored   listeners[error]
	closed    listeners[int]
}

func (e *events) State() ConnectionState {
	return ConnectionState(e.state.Load())
}

func (e *events) setState(s ConnectionState) {
	e.state.Store(int32(s))
}

// transition moves from one state to another and reports whether it happened.
func (e *events) transition(from, to ConnectionState) bool {
	return e.state.CompareAndSwap(int32(from), int32(to))
}

func (e *events) OnMessage(fn func([]byte)) func() {
	return e.message.add(fn)
}

func (e *events) OnConnected(fn func()) func() {
	return e.connected.add(func(struct{}) { fn() })
}

func (e *events) OnError(fn func(error)) func() {
	return e.errored.add(fn)
}

func (e *events) OnClose(fn func(int)) func() {
	return e.closed.add(fn)
}
