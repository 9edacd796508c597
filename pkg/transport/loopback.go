package transport

import (
	"sync"

	"github.com/astromechza/notesync/pkg/mailbox"
)

// Loopback is one end of an in-process channel. Use NewLoopbackPair to embed an editor and a hub in the same process
// without a network in between.
type Loopback struct {
	events
	peer    *Loopback
	inbox   *mailbox.Mailbox[func()]
	mu      *sync.Mutex
	started bool
}

// NewLoopbackPair returns two adapters wired to each other. Both must be started before either reports connected.
func NewLoopbackPair() (*Loopback, *Loopback) {
	mu := new(sync.Mutex)
	a := &Loopback{mu: mu}
	b := &Loopback{mu: mu}
	a.peer, b.peer = b, a
	a.inbox = mailbox.New(func(fn func()) { fn() })
	b.inbox = mailbox.New(func(fn func()) { fn() })
	return a, b
}

func (l *Loopback) Start() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started || l.State() != Connecting {
		return
	}
	l.started = true
	if !l.peer.started || l.peer.State() != Connecting {
		return
	}
	for _, end := range []*Loopback{l, l.peer} {
		end.setState(Connected)
	}
	for _, end := range []*Loopback{l, l.peer} {
		end := end
		end.inbox.Post(func() { end.connected.emit(struct{}{}) })
	}
}

func (l *Loopback) Send(frame []byte) error {
	if l.State() != Connected {
		return ErrNotConnected
	}
	cp := append([]byte{}, frame...)
	peer := l.peer
	peer.inbox.Post(func() { peer.message.emit(cp) })
	return nil
}

// Disconnect closes both ends. The far end observes a normal close.
func (l *Loopback) Disconnect() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.State() == Disconnected {
		return
	}
	l.setState(Disconnected)
	l.inbox.Close()

	peer := l.peer
	if peer.State() == Disconnected {
		return
	}
	peer.setState(Disconnected)
	peer.inbox.Post(func() { peer.closed.emit(CloseNormal) })
	peer.inbox.Close()
}
