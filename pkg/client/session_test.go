package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/notesync/pkg/document"
	"github.com/astromechza/notesync/pkg/transport"
	"github.com/astromechza/notesync/pkg/wire"
)

const waitFor = 2 * time.Second

func await(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func scripted(t *testing.T, text string) (*transport.Scripted, *document.Document) {
	t.Helper()
	remote, err := document.New(text)
	require.NoError(t, err)
	t.Cleanup(remote.Close)
	local := document.Empty()
	t.Cleanup(local.Close)
	return transport.NewScripted(remote, time.Millisecond), local
}

// TestOpen_SyncsFromServer ends up with the server's text and reports synced.
func TestOpen_SyncsFromServer(t *testing.T) {
	peer, local := scripted(t, "hello")
	s := Open(local, peer, Options{})
	t.Cleanup(s.Close)
	synced := make(chan struct{}, 1)
	s.OnSynced(func() { synced <- struct{}{} })

	await(t, synced, "synced")
	assert.True(t, s.IsSynced())
	got, err := local.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", got)
}

// TestSession_PresenceAndNotices routes presence and notices to subscribers and presence changes to the server.
func TestSession_PresenceAndNotices(t *testing.T) {
	peer, local := scripted(t, "hello")
	s := Open(local, peer, Options{})
	t.Cleanup(s.Close)
	synced := make(chan struct{}, 1)
	s.OnSynced(func() { synced <- struct{}{} })
	presence := make(chan wire.PresenceSet, 1)
	s.OnPresence(func(set wire.PresenceSet) { presence <- set })
	notices := make(chan wire.Message, 4)
	s.OnNotice(func(m wire.Message) { notices <- m })
	await(t, synced, "synced")

	peer.Inject(wire.PresenceSet{Users: []wire.PresenceUser{{DisplayName: "bob", StyleIndex: 1}}})
	select {
	case set := <-presence:
		assert.Equal(t, "bob", set.Users[0].DisplayName)
	case <-time.After(waitFor):
		t.Fatal("no presence set")
	}

	peer.Inject(wire.MetadataUpdated{})
	peer.Inject(wire.ServerVersionUpdated{})
	assert.Equal(t, wire.TagMetadataUpdated, (<-notices).Tag())
	assert.Equal(t, wire.TagServerVersionUpdated, (<-notices).Tag())

	s.SendPresence(wire.Cursor{From: 2, To: 4})
	s.SetActive(false)
	s.RequestPresence()
	assert.Eventually(t, func() bool {
		var update, activity, request bool
		for _, m := range peer.Sent() {
			switch v := m.(type) {
			case wire.PresenceUpdate:
				update = v.Cursor == wire.Cursor{From: 2, To: 4}
			case wire.PresenceActivity:
				activity = !v.Active
			case wire.PresenceRequest:
				request = true
			}
		}
		return update && activity && request
	}, waitFor, 5*time.Millisecond)
}

// TestSession_PresenceDroppedWhileConnecting does not treat an early presence update as a send on a dead connection.
func TestSession_PresenceDroppedWhileConnecting(t *testing.T) {
	a, _ := transport.NewLoopbackPair()
	s := Open(document.Empty(), a, Options{})
	t.Cleanup(s.Close)

	s.SendPresence(wire.Cursor{})
	time.Sleep(20 * time.Millisecond)
	select {
	case <-s.Done():
		t.Fatal("session closed by an early presence update")
	default:
	}
}
