package hub

import (
	"context"
	"fmt"
	"time"

	"github.com/astromechza/notesync/pkg/events"
	"github.com/astromechza/notesync/pkg/metrics"
)

// Snapshot persists the current content of an active note.
func (h *Hub) Snapshot(ctx context.Context, noteID string) error {
	n, ok := h.active(noteID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNoteNotActive, noteID)
	}
	return h.persist(ctx, n)
}

// Latest returns the saved replica of an active note.
func (h *Hub) Latest(noteID string) ([]byte, bool) {
	n, ok := h.active(noteID)
	if !ok {
		return nil, false
	}
	return n.doc.Save(), true
}

// Text returns the current text of an active note.
func (h *Hub) Text(noteID string) (string, error) {
	n, ok := h.active(noteID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNoteNotActive, noteID)
	}
	return n.doc.Text()
}

// RunSnapshots persists changed notes every interval until ctx is done, then flushes once more. Notes left without
// any connection are evicted on the way.
func (h *Hub) RunSnapshots(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			h.snapshotDirty(ctx)
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), interval)
			h.snapshotDirty(flushCtx)
			cancel()
			return
		}
	}
}

func (h *Hub) snapshotDirty(ctx context.Context) {
	h.mu.Lock()
	notes := make([]*note, 0, len(h.notes))
	for _, n := range h.notes {
		notes = append(notes, n)
	}
	h.mu.Unlock()

	for _, n := range notes {
		if !h.peers.HasNote(n.id) {
			h.evict(n)
			continue
		}
		if !n.dirty.Load() {
			continue
		}
		if err := h.persist(ctx, n); err != nil {
			h.logger.Error("failed to snapshot note", "note", n.id, "err", err)
		}
	}
}

func (h *Hub) persist(ctx context.Context, n *note) error {
	if h.opts.Store == nil || n.deleted.Load() {
		return nil
	}
	n.persistMu.Lock()
	defer n.persistMu.Unlock()

	n.dirty.Store(false)
	started := time.Now()
	content, err := n.doc.Text()
	if err != nil {
		n.dirty.Store(true)
		metrics.SnapshotFailures.Inc()
		return fmt.Errorf("failed to read note %s: %w", n.id, err)
	}
	state := n.doc.Save()
	changed, err := h.opts.Store.Persist(ctx, n.id, content, state)
	metrics.SnapshotDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		n.dirty.Store(true)
		metrics.SnapshotFailures.Inc()
		return fmt.Errorf("failed to persist note %s: %w", n.id, err)
	}
	if !changed {
		return nil
	}
	h.logger.Info("persisted", "note", n.id, "size", len(state))

	if h.opts.Events != nil {
		evt := events.NotePersisted{
			EventType:   events.TypeNotePersisted,
			NoteID:      n.id,
			Heads:       n.doc.Heads(),
			ContentSize: len(content),
			StateSize:   len(state),
			PersistedAt: time.Now().UTC(),
		}
		if err := h.opts.Events.Enqueue(ctx, evt); err != nil {
			h.logger.Warn("failed to queue persisted event", "note", n.id, "err", err)
		}
	}
	return nil
}
