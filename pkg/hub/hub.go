// Package hub hosts the server side of note synchronisation. It owns one document per active note, attaches every
// incoming connection to the document of its note and fans accepted edits out to the other connections.
package hub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/astromechza/notesync/pkg/connection"
	"github.com/astromechza/notesync/pkg/document"
	"github.com/astromechza/notesync/pkg/events"
	"github.com/astromechza/notesync/pkg/fanout"
	"github.com/astromechza/notesync/pkg/metrics"
	"github.com/astromechza/notesync/pkg/presence"
	"github.com/astromechza/notesync/pkg/store"
	"github.com/astromechza/notesync/pkg/transport"
)

var (
	ErrClosed        = errors.New("hub closed")
	ErrNoteNotActive = errors.New("note is not active")
)

// Identity is who is behind a connection, as established by whatever authenticated it.
type Identity struct {
	UserID      string
	DisplayName string
}

// NoteStore is the persistence collaborator. It is consulted when a note is first opened and on snapshots, never per
// edit.
type NoteStore interface {
	Get(ctx context.Context, id string) (store.Note, error)
	Persist(ctx context.Context, id, content string, state []byte) (bool, error)
}

type Publisher interface {
	Enqueue(ctx context.Context, evt events.NotePersisted) error
}

type PresenceMirror interface {
	Touch(ctx context.Context, noteID string, m presence.Member) error
	Remove(ctx context.Context, noteID, connectionID string) error
}

type Options struct {
	// Store is optional. Without it every note starts empty and nothing is persisted.
	Store NoteStore
	// Events is optional and receives a NotePersisted event after every snapshot that changed something.
	Events Publisher
	// Presence is optional and mirrors room membership.
	Presence PresenceMirror
	// CanEdit is asked for every inbound update. Nil allows everyone.
	CanEdit   func(Identity) bool
	KeepAlive time.Duration
	Logger    *slog.Logger
}

type Hub struct {
	opts   Options
	logger *slog.Logger
	peers  *fanout.Registry[*Connection]
	loads  singleflight.Group

	mu     sync.Mutex
	notes  map[string]*note
	closed bool
}

// note is the in-memory state of one active note.
type note struct {
	id        string
	doc       *document.Document
	room      *presence.Room
	dirty     atomic.Bool
	deleted   atomic.Bool
	unobserve func()
	persistMu sync.Mutex
}

func New(opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = connection.DefaultKeepAliveInterval
	}
	return &Hub{
		opts:   opts,
		logger: opts.Logger,
		peers:  fanout.NewRegistry[*Connection](),
		notes:  make(map[string]*note),
	}
}

// OpenConnection attaches adapter to noteID, loading the note first if it is not active yet. The adapter is started
// before this returns; the connection lives until either side disconnects.
func (h *Hub) OpenConnection(ctx context.Context, noteID string, adapter transport.Adapter, id Identity) (*Connection, error) {
	for {
		n, err := h.acquire(ctx, noteID)
		if err != nil {
			return nil, err
		}

		h.mu.Lock()
		if h.closed {
			h.mu.Unlock()
			return nil, ErrClosed
		}
		if h.notes[noteID] != n {
			// evicted between load and registration
			h.mu.Unlock()
			continue
		}
		c := h.newConnection(n, adapter, id)
		h.peers.AddPeer(c, noteID)
		h.mu.Unlock()

		metrics.ConnectionsActive.Inc()
		member := n.room.Join(c.ID, id.DisplayName)
		h.mirrorTouch(noteID, member)
		c.logger.Info("connection opened", "user", id.UserID, "style", member.StyleIndex)
		c.transporter.Start()
		return c, nil
	}
}

func (h *Hub) acquire(ctx context.Context, noteID string) (*note, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	if n, ok := h.notes[noteID]; ok {
		h.mu.Unlock()
		return n, nil
	}
	h.mu.Unlock()

	v, err, _ := h.loads.Do(noteID, func() (any, error) {
		h.mu.Lock()
		if n, ok := h.notes[noteID]; ok {
			h.mu.Unlock()
			return n, nil
		}
		h.mu.Unlock()

		n, err := h.load(ctx, noteID)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		h.notes[noteID] = n
		h.mu.Unlock()
		metrics.NotesActive.Inc()
		return n, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*note), nil
}

func (h *Hub) load(ctx context.Context, noteID string) (*note, error) {
	var doc *document.Document
	if h.opts.Store == nil {
		d, err := document.New("")
		if err != nil {
			return nil, fmt.Errorf("failed to create note %s: %w", noteID, err)
		}
		doc = d
	} else {
		stored, err := h.opts.Store.Get(ctx, noteID)
		if err != nil {
			return nil, fmt.Errorf("failed to load note %s: %w", noteID, err)
		}
		if len(stored.State) > 0 {
			doc, err = document.Load(stored.State)
		} else {
			doc, err = document.New(stored.Content)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to restore note %s: %w", noteID, err)
		}
	}
	n := &note{id: noteID, doc: doc, room: presence.NewRoom()}
	n.unobserve = doc.Observe(func(document.Update) { n.dirty.Store(true) })
	h.logger.Info("note loaded", "note", noteID)
	return n, nil
}

// release runs once per connection after its transporter disconnected.
func (h *Hub) release(c *Connection) {
	n := c.note
	h.mu.Lock()
	_, emptied := h.peers.RemovePeer(c)
	h.mu.Unlock()
	metrics.ConnectionsActive.Dec()

	if n.room.Leave(c.ID) {
		h.mirrorRemove(n.id, c.ID)
		h.sendPresenceSets(n)
	}
	c.logger.Info("connection closed")
	if emptied {
		h.evict(n)
	}
}

// evict persists a note nobody is connected to and drops it from memory, unless somebody joined again meanwhile.
func (h *Hub) evict(n *note) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := h.persist(ctx, n); errors.Is(err, store.ErrNotFound) {
		// removed from the store underneath us
		n.deleted.Store(true)
	} else if err != nil {
		h.logger.Error("failed to persist note before eviction, keeping it in memory", "note", n.id, "err", err)
		return
	}

	h.mu.Lock()
	if h.peers.HasNote(n.id) || h.notes[n.id] != n {
		h.mu.Unlock()
		return
	}
	delete(h.notes, n.id)
	h.mu.Unlock()

	n.close()
	metrics.NotesActive.Dec()
	h.logger.Info("note evicted", "note", n.id)
}

func (n *note) close() {
	n.unobserve()
	n.doc.Close()
}

// broadcast re-sends an accepted delta to every other connection of the same note.
func (h *Hub) broadcast(from *Connection, delta []byte) {
	others := h.peers.PeersOfExcluding(from.NoteID, from)
	for _, c := range others {
		c.adapter.Forward(delta)
	}
	metrics.BroadcastRecipients.Observe(float64(len(others)))
}

func (h *Hub) connectionsOf(noteID string) []*Connection {
	return h.peers.PeersOfExcluding(noteID, nil)
}

func (h *Hub) mayEdit(id Identity) bool {
	return h.opts.CanEdit == nil || h.opts.CanEdit(id)
}

// ActiveNotes lists the notes with an in-memory document.
func (h *Hub) ActiveNotes() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.notes))
	for id := range h.notes {
		out = append(out, id)
	}
	return out
}

func (h *Hub) active(noteID string) (*note, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.notes[noteID]
	return n, ok
}

// Close disconnects everyone, persists every active note and refuses new connections.
func (h *Hub) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	notes := make([]*note, 0, len(h.notes))
	for _, n := range h.notes {
		notes = append(notes, n)
	}
	h.mu.Unlock()

	var conns []*Connection
	for _, n := range notes {
		conns = append(conns, h.connectionsOf(n.id)...)
	}
	for _, c := range conns {
		c.Close()
	}
	for _, c := range conns {
		select {
		case <-c.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	var errs []error
	for _, n := range notes {
		if err := h.persist(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	h.mu.Lock()
	for _, n := range notes {
		if h.notes[n.id] == n {
			delete(h.notes, n.id)
			n.close()
			metrics.NotesActive.Dec()
		}
	}
	h.mu.Unlock()
	return errors.Join(errs...)
}
