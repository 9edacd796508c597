// Package fanout tracks which peers are attached to which note so that an accepted update can be re-sent to every
// other peer of the same note.
package fanout

import (
	"fmt"
	"sync"
)

// Registry maps peers to notes. A peer belongs to at most one note, and a note with no peers has no entry.
// Misuse (adding a peer twice, removing an unknown peer, asking for an absent note) panics because it is a bug in
// the calling layer.
type Registry[P comparable] struct {
	mu     sync.RWMutex
	byNote map[string]map[P]struct{}
	byPeer map[P]string
}

func NewRegistry[P comparable]() *Registry[P] {
	return &Registry[P]{
		byNote: make(map[string]map[P]struct{}),
		byPeer: make(map[P]string),
	}
}

func (r *Registry[P]) AddPeer(peer P, noteID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byPeer[peer]; ok {
		panic(fmt.Sprintf("fanout: peer %v is already registered to note %q", peer, existing))
	}
	peers, ok := r.byNote[noteID]
	if !ok {
		peers = make(map[P]struct{})
		r.byNote[noteID] = peers
	}
	peers[peer] = struct{}{}
	r.byPeer[peer] = noteID
}

// RemovePeer unregisters peer and returns the note it belonged to. emptied is true when peer was the last one and
// the note entry has been dropped.
func (r *Registry[P]) RemovePeer(peer P) (noteID string, emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	noteID, ok := r.byPeer[peer]
	if !ok {
		panic(fmt.Sprintf("fanout: peer %v is not registered", peer))
	}
	delete(r.byPeer, peer)
	peers := r.byNote[noteID]
	delete(peers, peer)
	if len(peers) == 0 {
		delete(r.byNote, noteID)
		return noteID, true
	}
	return noteID, false
}

func (r *Registry[P]) HasNote(noteID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.byNote[noteID]
	return ok
}

func (r *Registry[P]) NoteOf(peer P) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	noteID, ok := r.byPeer[peer]
	return noteID, ok
}

// PeersOf returns a copy of the peers of noteID. Check HasNote first: an absent note panics.
func (r *Registry[P]) PeersOf(noteID string) []P {
	r.mu.RLock()
	defer r.mu.RUnlock()
	peers, ok := r.byNote[noteID]
	if !ok {
		panic(fmt.Sprintf("fanout: note %q has no registered peers", noteID))
	}
	return collect(peers, func(P) bool { return true })
}

// PeersOfExcluding returns every peer of noteID except skip. An absent note yields nothing.
func (r *Registry[P]) PeersOfExcluding(noteID string, skip P) []P {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return collect(r.byNote[noteID], func(p P) bool { return p != skip })
}

// Notes lists the notes that currently have at least one peer.
func (r *Registry[P]) Notes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.byNote))
	for id := range r.byNote {
		out = append(out, id)
	}
	return out
}

// Len is the number of registered peers across all notes.
func (r *Registry[P]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byPeer)
}

func collect[P comparable](peers map[P]struct{}, keep func(P) bool) []P {
	out := make([]P, 0, len(peers))
	for p := range peers {
		if keep(p) {
			out = append(out, p)
		}
	}
	return out
}
