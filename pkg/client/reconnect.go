package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/astromechza/notesync/pkg/document"
	"github.com/astromechza/notesync/pkg/transport"
	"github.com/astromechza/notesync/pkg/wire"
)

var ErrNoteDeleted = errors.New("note was deleted")

// Dialer opens a new, not yet started adapter to the server.
type Dialer func(ctx context.Context) (transport.Adapter, error)

type ReconnectOptions struct {
	Session Options
	// Delay is the first wait after a failed or dropped connection. It doubles up to MaxDelay and resets once a
	// session synced.
	Delay    time.Duration
	MaxDelay time.Duration
}

// Reconnector keeps doc synced across connection drops. Every attempt gets a brand new adapter, transporter and
// sync adapter; only the document carries over, so local edits made while offline are delivered on the next
// handshake.
type Reconnector struct {
	doc    *document.Document
	dial   Dialer
	opts   ReconnectOptions
	logger *slog.Logger

	mu       sync.Mutex
	current  *Session
	nextID   int
	synced   map[int]func()
	desynced map[int]func()
	presence map[int]func(wire.PresenceSet)
}

func NewReconnector(doc *document.Document, dial Dialer, opts ReconnectOptions) *Reconnector {
	if opts.Session.Logger == nil {
		opts.Session.Logger = slog.Default()
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}
	if opts.MaxDelay < opts.Delay {
		opts.MaxDelay = 30 * opts.Delay
	}
	return &Reconnector{
		doc:      doc,
		dial:     dial,
		opts:     opts,
		logger:   opts.Session.Logger,
		synced:   make(map[int]func()),
		desynced: make(map[int]func()),
		presence: make(map[int]func(wire.PresenceSet)),
	}
}

// Run connects and reconnects until ctx is done or the server reports the note deleted.
func (r *Reconnector) Run(ctx context.Context) error {
	delay := r.opts.Delay
	for {
		s, err := r.connect(ctx)
		if err != nil {
			r.logger.Warn("failed to connect", "err", err, "retry_in", delay)
		} else {
			deleted, wasSynced := r.follow(ctx, s)
			if deleted {
				return ErrNoteDeleted
			}
			if wasSynced {
				delay = r.opts.Delay
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		t := time.NewTimer(delay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		}
		delay = min(delay*2, r.opts.MaxDelay)
	}
}

func (r *Reconnector) connect(ctx context.Context) (*Session, error) {
	adapter, err := r.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	s := newSession(r.doc, adapter, r.opts.Session)
	r.mu.Lock()
	r.current = s
	r.mu.Unlock()
	return s, nil
}

// follow starts s, waits until it ends and reports whether the note got deleted and whether s ever synced.
func (r *Reconnector) follow(ctx context.Context, s *Session) (deleted, synced bool) {
	var mu sync.Mutex
	s.OnSynced(func() {
		mu.Lock()
		synced = true
		mu.Unlock()
		r.logger.Info("synced")
		r.emit(r.synced)
	})
	s.OnDesynced(func() {
		r.logger.Info("desynced")
		r.emit(r.desynced)
	})
	s.OnPresence(func(set wire.PresenceSet) {
		r.mu.Lock()
		fns := make([]func(wire.PresenceSet), 0, len(r.presence))
		for _, fn := range r.presence {
			fns = append(fns, fn)
		}
		r.mu.Unlock()
		for _, fn := range fns {
			fn(set)
		}
	})
	s.OnNotice(func(m wire.Message) {
		if _, ok := m.(wire.DocumentDeleted); ok {
			mu.Lock()
			deleted = true
			mu.Unlock()
			s.Close()
		}
	})

	s.transporter.Start()

	select {
	case <-s.Done():
	case <-ctx.Done():
		s.Close()
		<-s.Done()
	}
	r.mu.Lock()
	if r.current == s {
		r.current = nil
	}
	r.mu.Unlock()
	mu.Lock()
	defer mu.Unlock()
	return deleted, synced
}

// Session returns the live session, if any.
func (r *Reconnector) Session() *Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

// SendPresence forwards to the live session; it is dropped while offline.
func (r *Reconnector) SendPresence(cursor wire.Cursor) {
	if s := r.Session(); s != nil {
		s.SendPresence(cursor)
	}
}

func (r *Reconnector) OnSynced(fn func()) (unbind func()) {
	return r.add(r.synced, fn)
}

func (r *Reconnector) OnDesynced(fn func()) (unbind func()) {
	return r.add(r.desynced, fn)
}

func (r *Reconnector) OnPresence(fn func(wire.PresenceSet)) (unbind func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.presence[id] = fn
	return func() {
		r.mu.Lock()
		delete(r.presence, id)
		r.mu.Unlock()
	}
}

func (r *Reconnector) add(into map[int]func(), fn func()) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	into[id] = fn
	return func() {
		r.mu.Lock()
		delete(into, id)
		r.mu.Unlock()
	}
}

func (r *Reconnector) emit(from map[int]func()) {
	r.mu.Lock()
	fns := make([]func(), 0, len(from))
	for _, fn := range from {
		fns = append(fns, fn)
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
