package connection

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/notesync/pkg/transport"
	"github.com/astromechza/notesync/pkg/wire"
)

const waitFor = 2 * time.Second

func signal(t *Transporter, ev Event) <-chan struct{} {
	ch := make(chan struct{}, 8)
	t.OnEvent(ev, func() { ch <- struct{}{} })
	return ch
}

func await(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(waitFor):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// rawPeer is the far end of a loopback pair driven by hand instead of by a transporter.
type rawPeer struct {
	*transport.Loopback
	received chan wire.Message
}

func newRawPeer(end *transport.Loopback, answerReady bool) *rawPeer {
	p := &rawPeer{Loopback: end, received: make(chan wire.Message, 64)}
	end.OnMessage(func(frame []byte) {
		m, err := wire.Decode(frame)
		if err != nil {
			return
		}
		if _, ok := m.(wire.ReadyRequest); ok && answerReady {
			p.send(wire.ReadyAnswer{})
		}
		p.received <- m
	})
	return p
}

func (p *rawPeer) send(m wire.Message) {
	frame, _ := wire.Encode(m)
	_ = p.Send(frame)
}

// TestHandshake_BothEndsBecomeReady verifies two transporters exchange READY_REQUEST/READY_ANSWER.
func TestHandshake_BothEndsBecomeReady(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	ta, tb := New(a, nil), New(b, nil)
	connected := signal(ta, EventConnected)
	readyA, readyB := signal(ta, EventReady), signal(tb, EventReady)
	ta.Start()
	tb.Start()

	await(t, connected, "connected")
	await(t, readyA, "a ready")
	await(t, readyB, "b ready")
	assert.True(t, ta.IsReady())
	assert.True(t, tb.IsReady())
	assert.Equal(t, transport.Connected, ta.State())
}

// TestSubscribe_DeliversTypedMessages verifies subscribers receive decoded messages of their own type only.
func TestSubscribe_DeliversTypedMessages(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	ta, tb := New(a, nil), New(b, nil)
	updates := make(chan wire.StateUpdate, 1)
	var requests atomic.Int32
	Subscribe(tb, func(m wire.StateUpdate) { updates <- m })
	Subscribe(tb, func(wire.StateRequest) { requests.Add(1) })
	ready := signal(ta, EventReady)
	ta.Start()
	tb.Start()
	await(t, ready, "ready")

	ta.SendMessage(wire.StateUpdate{Delta: []byte("abc")})
	select {
	case m := <-updates:
		assert.Equal(t, []byte("abc"), m.Delta)
	case <-time.After(waitFor):
		t.Fatal("no update delivered")
	}
	assert.Zero(t, requests.Load())
}

// TestDecodeFault_DropsOnlyThatConnection verifies a malformed frame disconnects its own connection and nothing else.
func TestDecodeFault_DropsOnlyThatConnection(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	victim := New(a, nil)
	peer := newRawPeer(b, true)
	faults := make(chan error, 1)
	victim.OnFault(func(err error) { faults <- err })
	gone := signal(victim, EventDisconnected)

	c, d := transport.NewLoopbackPair()
	healthy, other := New(c, nil), New(d, nil)
	healthyReady := signal(healthy, EventReady)
	healthyGone := signal(healthy, EventDisconnected)

	victim.Start()
	peer.Start()
	healthy.Start()
	other.Start()
	await(t, healthyReady, "healthy ready")
	<-peer.received

	require.NoError(t, peer.Send([]byte{0xde, 0xad}))
	await(t, gone, "victim disconnected")
	select {
	case err := <-faults:
		assert.ErrorIs(t, err, wire.ErrDecode)
	default:
		t.Fatal("fault not reported before disconnect")
	}

	assert.Equal(t, transport.Disconnected, victim.State())
	assert.True(t, healthy.IsConnected())
	assert.Empty(t, healthyGone)
}

// TestSendMessage_NotConnectedSelfDisconnects verifies sending before the channel opened drops the connection.
func TestSendMessage_NotConnectedSelfDisconnects(t *testing.T) {
	a, _ := transport.NewLoopbackPair()
	tr := New(a, nil)
	gone := signal(tr, EventDisconnected)

	assert.NotPanics(t, func() { tr.SendMessage(wire.Ping{}) })
	await(t, gone, "disconnected")
	assert.Equal(t, transport.Disconnected, tr.State())
}

// TestDisconnect_IdempotentAndUnbinds verifies a second Disconnect is a no-op and nothing is delivered afterwards.
func TestDisconnect_IdempotentAndUnbinds(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	tr := New(a, nil)
	peer := newRawPeer(b, true)
	var disconnects atomic.Int32
	var pings atomic.Int32
	tr.OnEvent(EventDisconnected, func() { disconnects.Add(1) })
	Subscribe(tr, func(wire.Ping) { pings.Add(1) })
	ready := signal(tr, EventReady)
	tr.Start()
	peer.Start()
	await(t, ready, "ready")

	tr.Disconnect()
	tr.Disconnect()
	peer.send(wire.Ping{})

	select {
	case <-tr.Done():
	case <-time.After(waitFor):
		t.Fatal("transporter did not finish")
	}
	assert.EqualValues(t, 1, disconnects.Load())
	assert.Zero(t, pings.Load())
}

// TestFarEndClose_Disconnects verifies a close from the other side moves the transporter to DISCONNECTED.
func TestFarEndClose_Disconnects(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	tr := New(a, nil)
	peer := newRawPeer(b, true)
	ready := signal(tr, EventReady)
	gone := signal(tr, EventDisconnected)
	tr.Start()
	peer.Start()
	await(t, ready, "ready")

	peer.Disconnect()
	await(t, gone, "disconnected")
	assert.False(t, tr.IsConnected())
}

// TestKeepAlive_UnresponsivePeerIsDropped verifies a peer that never answers PING is disconnected.
func TestKeepAlive_UnresponsivePeerIsDropped(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	tr := New(a, nil)
	NewKeepAlive(tr, 20*time.Millisecond)
	peer := newRawPeer(b, true)
	gone := signal(tr, EventDisconnected)
	tr.Start()
	peer.Start()

	await(t, gone, "keep-alive disconnect")

	var sawPing bool
	for len(peer.received) > 0 {
		if _, ok := (<-peer.received).(wire.Ping); ok {
			sawPing = true
		}
	}
	assert.True(t, sawPing, "keep-alive should have probed the peer")
}

// TestKeepAlive_ResponsivePeerStays verifies two keep-alives answering each other keep the connection open.
func TestKeepAlive_ResponsivePeerStays(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	ta, tb := New(a, nil), New(b, nil)
	NewKeepAlive(ta, 20*time.Millisecond)
	NewKeepAlive(tb, 20*time.Millisecond)
	gone := signal(ta, EventDisconnected)
	ta.Start()
	tb.Start()

	select {
	case <-gone:
		t.Fatal("responsive connection was dropped")
	case <-time.After(200 * time.Millisecond):
	}
	assert.True(t, ta.IsReady())
	ta.Disconnect()
}

// TestKeepAlive_AnswersPing verifies a PING from the far end is answered with PONG.
func TestKeepAlive_AnswersPing(t *testing.T) {
	a, b := transport.NewLoopbackPair()
	tr := New(a, nil)
	NewKeepAlive(tr, time.Hour)
	peer := newRawPeer(b, false)
	tr.Start()
	peer.Start()

	peer.send(wire.Ping{})
	deadline := time.After(waitFor)
	for {
		select {
		case m := <-peer.received:
			if m.Tag() == wire.TagPong {
				return
			}
		case <-deadline:
			t.Fatal("no pong received")
		}
	}
}
