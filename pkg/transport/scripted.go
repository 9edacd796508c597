package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/astromechza/notesync/pkg/document"
	"github.com/astromechza/notesync/pkg/mailbox"
	"github.com/astromechza/notesync/pkg/wire"
)

// Scripted is a deterministic stand-in for a sync server. It answers READY_REQUEST, STATE_REQUEST and PING after a
// fixed delay, serving state from its own document, and records every message it was sent. Useful for tests and
// offline demos.
type Scripted struct {
	events
	doc   *document.Document
	delay time.Duration
	inbox *mailbox.Mailbox[func()]

	mu   sync.Mutex
	sent []wire.Message
}

func NewScripted(doc *document.Document, delay time.Duration) *Scripted {
	return &Scripted{
		doc:   doc,
		delay: delay,
		inbox: mailbox.New(func(fn func()) { fn() }),
	}
}

func (s *Scripted) Start() {
	if !s.transition(Connecting, Connected) {
		return
	}
	s.inbox.Post(func() { s.connected.emit(struct{}{}) })
}

func (s *Scripted) Send(frame []byte) error {
	if s.State() != Connected {
		return ErrNotConnected
	}
	m, err := wire.Decode(frame)
	if err != nil {
		return fmt.Errorf("scripted peer got an undecodable frame: %w", err)
	}
	s.mu.Lock()
	s.sent = append(s.sent, m)
	s.mu.Unlock()

	switch v := m.(type) {
	case wire.ReadyRequest:
		s.reply(wire.ReadyAnswer{})
	case wire.Ping:
		s.reply(wire.Pong{})
	case wire.StateRequest:
		delta, err := s.doc.EncodeStateAsUpdate(v.StateVector)
		if err != nil {
			return fmt.Errorf("scripted peer failed to encode state: %w", err)
		}
		s.reply(wire.StateUpdate{Delta: delta})
	}
	return nil
}

// Inject delivers m to the bound message handlers as if the far end had sent it, after the usual delay.
func (s *Scripted) Inject(m wire.Message) {
	s.reply(m)
}

// InjectFrame delivers raw bytes, bypassing the codec.
func (s *Scripted) InjectFrame(frame []byte) {
	s.inbox.Post(func() {
		time.Sleep(s.delay)
		s.message.emit(frame)
	})
}

// Drop simulates the far end closing the channel with code.
func (s *Scripted) Drop(code int) {
	if !s.transition(Connected, Disconnected) {
		return
	}
	s.inbox.Post(func() { s.closed.emit(code) })
	s.inbox.Close()
}

// Sent returns a copy of every message sent so far.
func (s *Scripted) Sent() []wire.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]wire.Message{}, s.sent...)
}

func (s *Scripted) Disconnect() {
	s.setState(Disconnected)
	s.inbox.Close()
}

func (s *Scripted) reply(m wire.Message) {
	frame, err := wire.Encode(m)
	if err != nil {
		panic(err)
	}
	s.InjectFrame(frame)
}
