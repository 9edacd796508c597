package hub

import (
	"github.com/astromechza/notesync/pkg/wire"
)

// NotifyMetadataUpdated tells every connection of noteID that the note's title, sharing or similar changed outside
// of the document itself. Clients refetch what they need.
func (h *Hub) NotifyMetadataUpdated(noteID string) int {
	return h.sendAll(noteID, wire.MetadataUpdated{})
}

// NotifyDeleted tells the connections of noteID that the note is gone and disconnects them. The note is not
// persisted again afterwards.
func (h *Hub) NotifyDeleted(noteID string) int {
	n, ok := h.active(noteID)
	if !ok {
		return 0
	}
	n.deleted.Store(true)
	conns := h.connectionsOf(noteID)
	for _, c := range conns {
		if c.transporter.IsConnected() {
			c.transporter.SendMessage(wire.DocumentDeleted{})
		}
		c.Close()
	}
	h.logger.Info("note deleted, peers dropped", "note", noteID, "peers", len(conns))
	return len(conns)
}

// NotifyServerVersionUpdated asks every connected client to reload after a deploy.
func (h *Hub) NotifyServerVersionUpdated() int {
	total := 0
	for _, id := range h.ActiveNotes() {
		total += h.sendAll(id, wire.ServerVersionUpdated{})
	}
	return total
}

// sendAll sends m to every connected peer of noteID and returns how many it reached.
func (h *Hub) sendAll(noteID string, m wire.Message) int {
	sent := 0
	for _, c := range h.connectionsOf(noteID) {
		if c.transporter.IsConnected() {
			c.transporter.SendMessage(m)
			sent++
		}
	}
	return sent
}
