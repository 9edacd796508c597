// Package client is the editor side of note synchronisation: a Session syncs a local document over one connection
// and a Reconnector keeps opening sessions over fresh connections for as long as it runs.
package client

import (
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/notesync/pkg/connection"
	"github.com/astromechza/notesync/pkg/document"
	"github.com/astromechza/notesync/pkg/syncer"
	"github.com/astromechza/notesync/pkg/transport"
	"github.com/astromechza/notesync/pkg/wire"
)

type Options struct {
	// KeepAlive is the ping interval. Zero uses connection.DefaultKeepAliveInterval.
	KeepAlive time.Duration
	Logger    *slog.Logger
}

// Session is one connection's worth of syncing. The document is owned by the caller and survives the session.
type Session struct {
	doc         *document.Document
	transporter *connection.Transporter
	adapter     *syncer.ClientAdapter
	logger      *slog.Logger

	mu       sync.Mutex
	nextID   int
	presence map[int]func(wire.PresenceSet)
	notices  map[int]func(wire.Message)
}

// Open starts syncing doc over adapter.
func Open(doc *document.Document, adapter transport.Adapter, opts Options) *Session {
	s := newSession(doc, adapter, opts)
	s.transporter.Start()
	return s
}

func newSession(doc *document.Document, adapter transport.Adapter, opts Options) *Session {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	s := &Session{
		doc:      doc,
		logger:   opts.Logger,
		presence: make(map[int]func(wire.PresenceSet)),
		notices:  make(map[int]func(wire.Message)),
	}
	s.transporter = connection.New(adapter, opts.Logger)
	connection.NewKeepAlive(s.transporter, opts.KeepAlive)
	s.adapter = syncer.NewClient(doc, s.transporter, opts.Logger)

	connection.Subscribe(s.transporter, func(m wire.PresenceSet) {
		s.mu.Lock()
		fns := make([]func(wire.PresenceSet), 0, len(s.presence))
		for _, fn := range s.presence {
			fns = append(fns, fn)
		}
		s.mu.Unlock()
		for _, fn := range fns {
			fn(m)
		}
	})
	connection.Subscribe(s.transporter, func(m wire.MetadataUpdated) { s.notice(m) })
	connection.Subscribe(s.transporter, func(m wire.DocumentDeleted) { s.notice(m) })
	connection.Subscribe(s.transporter, func(m wire.ServerVersionUpdated) { s.notice(m) })
	s.transporter.OnFault(func(err error) { s.logger.Warn("connection fault", "err", err) })
	return s
}

func (s *Session) IsSynced() bool {
	return s.adapter.IsSynced()
}

func (s *Session) OnSynced(fn func()) (unbind func()) {
	return s.adapter.OnSynced(fn)
}

func (s *Session) OnDesynced(fn func()) (unbind func()) {
	return s.adapter.OnDesynced(fn)
}

// SendPresence shares the local selection. It is dropped while not connected.
func (s *Session) SendPresence(cursor wire.Cursor) {
	s.sendIfReady(wire.PresenceUpdate{Cursor: cursor})
}

func (s *Session) SetActive(active bool) {
	s.sendIfReady(wire.PresenceActivity{Active: active})
}

// RequestPresence asks the server for a fresh PRESENCE_SET.
func (s *Session) RequestPresence() {
	s.sendIfReady(wire.PresenceRequest{})
}

func (s *Session) sendIfReady(m wire.Message) {
	if s.transporter.IsReady() {
		s.transporter.SendMessage(m)
	}
}

// OnPresence receives the other users of the note whenever the server sends an update.
func (s *Session) OnPresence(fn func(wire.PresenceSet)) (unbind func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.presence[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.presence, id)
		s.mu.Unlock()
	}
}

// OnNotice receives METADATA_UPDATED, DOCUMENT_DELETED and SERVER_VERSION_UPDATED.
func (s *Session) OnNotice(fn func(wire.Message)) (unbind func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	s.notices[id] = fn
	return func() {
		s.mu.Lock()
		delete(s.notices, id)
		s.mu.Unlock()
	}
}

func (s *Session) notice(m wire.Message) {
	s.mu.Lock()
	fns := make([]func(wire.Message), 0, len(s.notices))
	for _, fn := range s.notices {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (s *Session) Close() {
	s.transporter.Disconnect()
}

// Done is closed after the session's connection has gone and every desync callback ran.
func (s *Session) Done() <-chan struct{} {
	return s.transporter.Done()
}
