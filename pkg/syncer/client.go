package syncer

import (
	"log/slog"
	"sync"

	"github.com/astromechza/notesync/pkg/connection"
	"github.com/astromechza/notesync/pkg/document"
	"github.com/astromechza/notesync/pkg/metrics"
	"github.com/astromechza/notesync/pkg/wire"
)

// ClientAdapter syncs a local document with a server over one transporter. It starts unsynced, asks for the
// server's state once the connection is ready and becomes synced on the first STATE_UPDATE that follows. A new
// adapter is needed for every new transporter; the document outlives both.
type ClientAdapter struct {
	*syncState
	doc    *document.Document
	t      *connection.Transporter
	logger *slog.Logger

	mu        sync.Mutex
	requested bool
	unbinds   []func()
}

func NewClient(doc *document.Document, t *connection.Transporter, logger *slog.Logger) *ClientAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	a := &ClientAdapter{
		syncState: newSyncState(false),
		doc:       doc,
		t:         t,
		logger:    logger,
	}
	a.unbinds = []func(){
		t.OnEvent(connection.EventReady, a.requestState),
		t.OnEvent(connection.EventDisconnected, a.detach),
		connection.Subscribe(t, a.handleStateUpdate),
		connection.Subscribe(t, a.handleStateRequest),
		doc.Observe(a.handleLocalUpdate),
	}
	return a
}

func (a *ClientAdapter) requestState() {
	a.mu.Lock()
	a.requested = true
	a.mu.Unlock()
	a.t.SendMessage(wire.StateRequest{StateVector: a.doc.EncodeStateVector()})
}

func (a *ClientAdapter) handleStateUpdate(m wire.StateUpdate) {
	if err := a.doc.ApplyUpdate(m.Delta, a); err != nil {
		metrics.UpdateFailures.WithLabelValues("client").Inc()
		a.logger.Warn("failed to apply update from server, dropping connection", "err", err)
		a.t.Disconnect()
		return
	}
	metrics.UpdatesApplied.WithLabelValues("client").Inc()

	a.mu.Lock()
	requested := a.requested
	a.mu.Unlock()
	if requested && a.t.IsConnected() {
		a.set(true)
	}
}

// handleStateRequest sends whatever the server lacks, which is how edits made while offline get delivered.
func (a *ClientAdapter) handleStateRequest(m wire.StateRequest) {
	delta, err := a.doc.EncodeStateAsUpdate(m.StateVector)
	if err != nil {
		a.logger.Warn("failed to answer state request, dropping connection", "err", err)
		a.t.Disconnect()
		return
	}
	a.t.SendMessage(wire.StateUpdate{Delta: delta})
}

func (a *ClientAdapter) handleLocalUpdate(u document.Update) {
	if u.Origin == a || !a.IsSynced() {
		return
	}
	a.t.SendMessage(wire.StateUpdate{Delta: u.Data})
}

func (a *ClientAdapter) detach() {
	a.mu.Lock()
	unbinds := a.unbinds
	a.unbinds = nil
	a.requested = false
	a.mu.Unlock()
	for _, unbind := range unbinds {
		unbind()
	}
	a.set(false)
}
