package fanout

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAddPeer_Twice panics because a connection serves exactly one note.
func TestAddPeer_Twice(t *testing.T) {
	r := NewRegistry[string]()
	r.AddPeer("p1", "n1")
	assert.Panics(t, func() { r.AddPeer("p1", "n1") })
	assert.Panics(t, func() { r.AddPeer("p1", "n2") })
	assert.Equal(t, 1, r.Len())
}

// TestRemovePeer_Unregistered panics.
func TestRemovePeer_Unregistered(t *testing.T) {
	r := NewRegistry[string]()
	assert.Panics(t, func() { r.RemovePeer("ghost") })

	r.AddPeer("p1", "n1")
	r.RemovePeer("p1")
	assert.Panics(t, func() { r.RemovePeer("p1") })
}

// TestRemovePeer_LastPeerDropsNote verifies an emptied note is reported absent rather than present-with-no-peers.
func TestRemovePeer_LastPeerDropsNote(t *testing.T) {
	r := NewRegistry[string]()
	r.AddPeer("p1", "n1")
	r.AddPeer("p2", "n1")

	note, emptied := r.RemovePeer("p1")
	assert.Equal(t, "n1", note)
	assert.False(t, emptied)
	assert.True(t, r.HasNote("n1"))

	note, emptied = r.RemovePeer("p2")
	assert.Equal(t, "n1", note)
	assert.True(t, emptied)
	assert.False(t, r.HasNote("n1"))
	assert.Panics(t, func() { r.PeersOf("n1") })
	assert.Empty(t, r.PeersOfExcluding("n1", "p2"))
	assert.Empty(t, r.Notes())
}

// TestPeersOfExcluding selects exactly the other peers of the same note.
func TestPeersOfExcluding(t *testing.T) {
	r := NewRegistry[string]()
	r.AddPeer("p1", "n")
	r.AddPeer("p2", "n")
	r.AddPeer("p3", "n")
	r.AddPeer("q1", "other")

	assert.ElementsMatch(t, []string{"p2", "p3"}, r.PeersOfExcluding("n", "p1"))
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, r.PeersOf("n"))
	assert.ElementsMatch(t, []string{"q1"}, r.PeersOf("other"))
	assert.ElementsMatch(t, []string{"n", "other"}, r.Notes())

	note, ok := r.NoteOf("q1")
	require.True(t, ok)
	assert.Equal(t, "other", note)
	_, ok = r.NoteOf("nobody")
	assert.False(t, ok)
}

// TestPeersOf_ReturnsCopy verifies callers cannot mutate the registry through a returned slice.
func TestPeersOf_ReturnsCopy(t *testing.T) {
	r := NewRegistry[int]()
	r.AddPeer(1, "n")
	peers := r.PeersOf("n")
	peers[0] = 99
	assert.Equal(t, []int{1}, r.PeersOf("n"))
}

// TestConcurrentChurn adds and removes peers from many goroutines and checks nothing is left behind.
func TestConcurrentChurn(t *testing.T) {
	r := NewRegistry[int]()
	var wg sync.WaitGroup
	for i := range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			note := []string{"a", "b", "c"}[i%3]
			r.AddPeer(i, note)
			_ = r.PeersOfExcluding(note, i)
			r.RemovePeer(i)
		}()
	}
	wg.Wait()
	assert.Zero(t, r.Len())
	assert.Empty(t, r.Notes())
}
