package hub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/notesync/pkg/connection"
	"github.com/astromechza/notesync/pkg/presence"
	"github.com/astromechza/notesync/pkg/syncer"
	"github.com/astromechza/notesync/pkg/transport"
	"github.com/astromechza/notesync/pkg/wire"
)

const mirrorTimeout = time.Second

// Connection is the handle the hosting layer gets for one attached peer.
type Connection struct {
	ID       string
	NoteID   string
	Identity Identity

	hub         *Hub
	note        *note
	transporter *connection.Transporter
	adapter     *syncer.ServerAdapter
	logger      *slog.Logger

	mu      sync.Mutex
	unbinds []func()
}

func (h *Hub) newConnection(n *note, adapter transport.Adapter, id Identity) *Connection {
	c := &Connection{
		ID:       uuid.NewString(),
		NoteID:   n.id,
		Identity: id,
		hub:      h,
		note:     n,
	}
	c.logger = h.logger.With("note", n.id, "conn", c.ID)
	c.transporter = connection.New(adapter, c.logger)
	connection.NewKeepAlive(c.transporter, h.opts.KeepAlive)
	c.adapter = syncer.NewServer(n.doc, c.transporter, syncer.ServerOptions{
		MayAcceptEdits: func() bool { return h.mayEdit(id) },
		Broadcast:      func(delta []byte) { h.broadcast(c, delta) },
		Logger:         c.logger,
	})
	c.unbinds = []func(){
		connection.Subscribe(c.transporter, func(m wire.PresenceUpdate) { c.SendPresence(m.Cursor) }),
		connection.Subscribe(c.transporter, func(m wire.PresenceActivity) { c.SetActive(m.Active) }),
		connection.Subscribe(c.transporter, func(wire.PresenceRequest) {
			c.transporter.SendMessage(n.room.SetFor(c.ID))
		}),
		c.transporter.OnEvent(connection.EventReady, func() { h.sendPresenceSets(n) }),
		c.transporter.OnFault(func(err error) { c.logger.Warn("connection fault", "err", err) }),
		c.transporter.OnEvent(connection.EventDisconnected, func() {
			c.unbindAll()
			h.release(c)
		}),
	}
	return c
}

func (c *Connection) unbindAll() {
	c.mu.Lock()
	unbinds := c.unbinds
	c.unbinds = nil
	c.mu.Unlock()
	for _, unbind := range unbinds {
		unbind()
	}
}

// OnSynced fires once the connection is usable. Server connections are synced from the start, so a callback bound
// while connected runs immediately.
func (c *Connection) OnSynced(fn func()) (unbind func()) {
	return c.adapter.OnSynced(fn)
}

func (c *Connection) OnDesynced(fn func()) (unbind func()) {
	return c.adapter.OnDesynced(fn)
}

// SendPresence records the cursor of this connection and tells the other connections of the note.
func (c *Connection) SendPresence(cursor wire.Cursor) {
	if m, ok := c.note.room.SetCursor(c.ID, cursor); ok {
		c.hub.mirrorTouch(c.NoteID, m)
		c.hub.sendPresenceSets(c.note)
	}
}

// SetActive records whether the peer's editor currently has focus.
func (c *Connection) SetActive(active bool) {
	if m, ok := c.note.room.SetActive(c.ID, active); ok {
		c.hub.mirrorTouch(c.NoteID, m)
		c.hub.sendPresenceSets(c.note)
	}
}

func (c *Connection) IsConnected() bool {
	return c.transporter.IsConnected()
}

// Close disconnects the peer. It is safe to call more than once.
func (c *Connection) Close() {
	c.transporter.Disconnect()
}

// Done is closed once the connection has been fully released by the hub.
func (c *Connection) Done() <-chan struct{} {
	return c.transporter.Done()
}

// sendPresenceSets sends every ready connection of n the presence of everybody else.
func (h *Hub) sendPresenceSets(n *note) {
	for _, c := range h.connectionsOf(n.id) {
		if c.transporter.IsReady() {
			c.transporter.SendMessage(n.room.SetFor(c.ID))
		}
	}
}

func (h *Hub) mirrorTouch(noteID string, m presence.Member) {
	if h.opts.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := h.opts.Presence.Touch(ctx, noteID, m); err != nil {
		h.logger.Warn("failed to mirror presence", "note", noteID, "conn", m.ConnectionID, "err", err)
	}
}

func (h *Hub) mirrorRemove(noteID, connectionID string) {
	if h.opts.Presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
	defer cancel()
	if err := h.opts.Presence.Remove(ctx, noteID, connectionID); err != nil {
		h.logger.Warn("failed to remove mirrored presence", "note", noteID, "conn", connectionID, "err", err)
	}
}
