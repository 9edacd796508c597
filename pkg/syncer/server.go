package syncer

import (
	"log/slog"
	"sync"

	"github.com/astromechza/notesync/pkg/connection"
	"github.com/astromechza/notesync/pkg/document"
	"github.com/astromechza/notesync/pkg/metrics"
	"github.com/astromechza/notesync/pkg/wire"
)

type ServerOptions struct {
	// MayAcceptEdits is asked once per inbound update. A nil func accepts everything.
	MayAcceptEdits func() bool
	// Broadcast receives every accepted delta so it can be re-sent to the other peers of the note.
	Broadcast func(delta []byte)
	Logger    *slog.Logger
}

// ServerAdapter is the server's side of one peer connection. The server holds the source of truth, so the adapter
// is synced from the start and never requests state for itself, only to collect what the peer has that it lacks.
type ServerAdapter struct {
	*syncState
	doc  *document.Document
	t    *connection.Transporter
	opts ServerOptions

	mu      sync.Mutex
	unbinds []func()
}

func NewServer(doc *document.Document, t *connection.Transporter, opts ServerOptions) *ServerAdapter {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a := &ServerAdapter{
		syncState: newSyncState(true),
		doc:       doc,
		t:         t,
		opts:      opts,
	}
	a.unbinds = []func(){
		t.OnEvent(connection.EventDisconnected, a.detach),
		connection.Subscribe(t, a.handleStateRequest),
		connection.Subscribe(t, a.handleStateUpdate),
		doc.Observe(a.handleDocumentUpdate),
	}
	return a
}

// Forward sends a delta accepted from another peer of the same note.
func (a *ServerAdapter) Forward(delta []byte) {
	if a.t.IsConnected() {
		a.t.SendMessage(wire.StateUpdate{Delta: delta})
	}
}

func (a *ServerAdapter) handleStateRequest(m wire.StateRequest) {
	delta, err := a.doc.EncodeStateAsUpdate(m.StateVector)
	if err != nil {
		a.opts.Logger.Warn("failed to answer state request, dropping connection", "err", err)
		a.t.Disconnect()
		return
	}
	a.t.SendMessage(wire.StateUpdate{Delta: delta})
	a.t.SendMessage(wire.StateRequest{StateVector: a.doc.EncodeStateVector()})
}

func (a *ServerAdapter) handleStateUpdate(m wire.StateUpdate) {
	if a.opts.MayAcceptEdits != nil && !a.opts.MayAcceptEdits() {
		metrics.UpdatesRejected.Inc()
		a.opts.Logger.Debug("dropping update from peer without edit permission", "size", len(m.Delta))
		return
	}
	if err := a.doc.ApplyUpdate(m.Delta, a); err != nil {
		metrics.UpdateFailures.WithLabelValues("server").Inc()
		a.opts.Logger.Warn("failed to apply update from peer, dropping connection", "err", err)
		a.t.Disconnect()
		return
	}
	metrics.UpdatesApplied.WithLabelValues("server").Inc()
	if a.opts.Broadcast != nil && len(m.Delta) > 0 {
		a.opts.Broadcast(m.Delta)
	}
}

// handleDocumentUpdate forwards changes made on the server itself. Changes applied by any peer adapter reach the
// other peers through Broadcast instead.
func (a *ServerAdapter) handleDocumentUpdate(u document.Update) {
	if _, fromPeer := u.Origin.(*ServerAdapter); fromPeer {
		return
	}
	a.Forward(u.Data)
}

func (a *ServerAdapter) detach() {
	a.mu.Lock()
	unbinds := a.unbinds
	a.unbinds = nil
	a.mu.Unlock()
	for _, unbind := range unbinds {
		unbind()
	}
	a.set(false)
}
