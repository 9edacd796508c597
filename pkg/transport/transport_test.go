package transport

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/notesync/pkg/document"
	"github.com/astromechza/notesync/pkg/wire"
)

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		var zero T
		t.Fatal("timed out")
		return zero
	}
}

// TestLoopback_ConnectsOnlyWhenBothStarted verifies neither end reports connected until both are started.
func TestLoopback_ConnectsOnlyWhenBothStarted(t *testing.T) {
	a, b := NewLoopbackPair()
	connected := make(chan string, 2)
	a.OnConnected(func() { connected <- "a" })
	b.OnConnected(func() { connected <- "b" })

	a.Start()
	assert.Equal(t, Connecting, a.State())
	assert.ErrorIs(t, a.Send([]byte("x")), ErrNotConnected)

	b.Start()
	got := []string{recv(t, connected), recv(t, connected)}
	assert.ElementsMatch(t, []string{"a", "b"}, got)
	assert.Equal(t, Connected, a.State())
	assert.Equal(t, Connected, b.State())
}

// TestLoopback_OrderedDeliveryAndClose verifies frames arrive in send order and disconnect reaches the far end.
func TestLoopback_OrderedDeliveryAndClose(t *testing.T) {
	a, b := NewLoopbackPair()
	frames := make(chan string, 10)
	closed := make(chan int, 1)
	b.OnMessage(func(f []byte) { frames <- string(f) })
	b.OnClose(func(code int) { closed <- code })
	a.Start()
	b.Start()

	for _, f := range []string{"1", "2", "3"} {
		require.NoError(t, a.Send([]byte(f)))
	}
	a.Disconnect()
	a.Disconnect()

	assert.Equal(t, "1", recv(t, frames))
	assert.Equal(t, "2", recv(t, frames))
	assert.Equal(t, "3", recv(t, frames))
	assert.Equal(t, CloseNormal, recv(t, closed))
	assert.Equal(t, Disconnected, b.State())
}

// TestLoopback_UnbindStopsDelivery verifies an unbound handler no longer receives frames.
func TestLoopback_UnbindStopsDelivery(t *testing.T) {
	a, b := NewLoopbackPair()
	first := make(chan []byte, 4)
	second := make(chan []byte, 4)
	unbind := b.OnMessage(func(f []byte) { first <- f })
	b.OnMessage(func(f []byte) { second <- f })
	a.Start()
	b.Start()

	unbind()
	require.NoError(t, a.Send([]byte("x")))
	recv(t, second)
	assert.Empty(t, first)
}

// TestScripted_AnswersHandshakeAndState verifies the scripted peer replies deterministically.
func TestScripted_AnswersHandshakeAndState(t *testing.T) {
	doc, err := document.New("hello")
	require.NoError(t, err)
	defer doc.Close()

	s := NewScripted(doc, time.Millisecond)
	msgs := make(chan wire.Message, 4)
	s.OnMessage(func(f []byte) {
		m, err := wire.Decode(f)
		assert.NoError(t, err)
		msgs <- m
	})
	s.Start()

	for _, m := range []wire.Message{wire.ReadyRequest{}, wire.StateRequest{}, wire.Ping{}} {
		frame, err := wire.Encode(m)
		require.NoError(t, err)
		require.NoError(t, s.Send(frame))
	}

	assert.Equal(t, wire.ReadyAnswer{}, recv(t, msgs))
	update := recv(t, msgs).(wire.StateUpdate)
	assert.Equal(t, wire.Pong{}, recv(t, msgs))
	assert.Len(t, s.Sent(), 3)

	replica := document.Empty()
	defer replica.Close()
	require.NoError(t, replica.ApplyUpdate(update.Delta, nil))
	txt, err := replica.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", txt)
}

// TestWebsocket_FramesAndClose runs two websocket adapters against each other through an httptest server.
func TestWebsocket_FramesAndClose(t *testing.T) {
	serverSide := make(chan *Websocket, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if err != nil {
			return
		}
		serverSide <- NewWebsocket(conn, nil)
	}))
	defer srv.Close()

	client, err := DialWebsocket(t.Context(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil, nil)
	require.NoError(t, err)
	server := recv(t, serverSide)

	frames := make(chan []byte, 4)
	closed := make(chan int, 1)
	server.OnMessage(func(f []byte) { frames <- f })
	server.OnClose(func(code int) { closed <- code })
	server.Start()
	client.Start()
	assert.Equal(t, Connected, client.State())

	require.NoError(t, client.Send([]byte{1, 2, 3}))
	assert.Equal(t, []byte{1, 2, 3}, recv(t, frames))

	client.Disconnect()
	assert.Equal(t, CloseNormal, recv(t, closed))
	assert.ErrorIs(t, client.Send([]byte{4}), ErrNotConnected)
}
