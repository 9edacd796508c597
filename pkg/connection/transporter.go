// Package connection drives one transport adapter: it owns the connection state, encodes and decodes frames, runs
// the ready handshake and lets higher layers subscribe to typed messages and lifecycle events.
package connection

import (
	"log/slog"
	"sync"

	"github.com/astromechza/notesync/pkg/mailbox"
	"github.com/astromechza/notesync/pkg/metrics"
	"github.com/astromechza/notesync/pkg/transport"
	"github.com/astromechza/notesync/pkg/wire"
)

type Event int

const (
	// EventConnected fires once the adapter reports an open channel.
	EventConnected Event = iota
	// EventReady fires when the far end answered our READY_REQUEST.
	EventReady
	// EventDisconnected fires exactly once, after the adapter listeners have been unbound.
	EventDisconnected
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventReady:
		return "ready"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// Transporter is the single point through which a connection sends and receives messages. A transporter is used
// for one connection attempt only; reconnecting means building a new one.
//
// Adapter callbacks are queued and handled one at a time on the transporter's own goroutine, so subscribers are
// never re-entered and may send from inside a handler.
type Transporter struct {
	adapter transport.Adapter
	logger  *slog.Logger
	inbox   *mailbox.Mailbox[func()]

	mu      sync.Mutex
	state   transport.ConnectionState
	ready   bool
	unbinds []func()

	subsMu   sync.Mutex
	nextID   int
	messages map[wire.Tag]map[int]func(wire.Message)
	events   map[Event]map[int]func()
	faults   map[int]func(error)
}

func New(adapter transport.Adapter, logger *slog.Logger) *Transporter {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transporter{
		adapter:  adapter,
		logger:   logger,
		state:    transport.Connecting,
		messages: make(map[wire.Tag]map[int]func(wire.Message)),
		events:   make(map[Event]map[int]func()),
		faults:   make(map[int]func(error)),
	}
	t.inbox = mailbox.New(func(fn func()) { fn() })
	t.unbinds = []func(){
		adapter.OnConnected(func() { t.inbox.Post(t.handleConnected) }),
		adapter.OnMessage(func(frame []byte) { t.inbox.Post(func() { t.handleFrame(frame) }) }),
		adapter.OnError(func(err error) {
			t.inbox.Post(func() {
				t.logger.Warn("transport error", "err", err)
				t.Disconnect()
			})
		}),
		adapter.OnClose(func(code int) {
			t.inbox.Post(func() {
				t.logger.Debug("transport closed", "code", code)
				t.Disconnect()
			})
		}),
	}
	return t
}

// Start lets the adapter begin delivering events. Subscribe to everything you need first.
func (t *Transporter) Start() {
	t.adapter.Start()
}

func (t *Transporter) State() transport.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transporter) IsConnected() bool {
	return t.State() == transport.Connected
}

// IsReady reports whether the ready handshake completed on this connection.
func (t *Transporter) IsReady() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ready && t.state == transport.Connected
}

// SendMessage encodes and sends m. Sending on a connection that is not connected is not an error for the caller:
// the transporter disconnects itself and drops the message.
func (t *Transporter) SendMessage(m wire.Message) {
	if !t.IsConnected() {
		t.logger.Debug("cannot send over a closed connection", "tag", m.Tag())
		t.Disconnect()
		return
	}
	frame, err := wire.Encode(m)
	if err != nil {
		t.logger.Error("failed to encode message", "tag", m.Tag(), "err", err)
		return
	}
	if err := t.adapter.Send(frame); err != nil {
		t.logger.Warn("failed to send message", "tag", m.Tag(), "err", err)
		t.Disconnect()
		return
	}
	metrics.FramesSent.WithLabelValues(m.Tag().String()).Inc()
}

// Disconnect closes the connection. It unbinds every adapter listener before returning and is a no-op when already
// disconnected.
func (t *Transporter) Disconnect() {
	t.mu.Lock()
	if t.state == transport.Disconnected {
		t.mu.Unlock()
		return
	}
	t.state = transport.Disconnected
	t.ready = false
	unbinds := t.unbinds
	t.unbinds = nil
	t.mu.Unlock()

	for _, unbind := range unbinds {
		unbind()
	}
	t.adapter.Disconnect()
	t.inbox.Post(func() { t.emit(EventDisconnected) })
	t.inbox.Close()
}

// Done is closed after EventDisconnected has been delivered to every subscriber.
func (t *Transporter) Done() <-chan struct{} {
	return t.inbox.Done()
}

// Subscribe registers fn for every inbound message of type M.
func Subscribe[M wire.Message](t *Transporter, fn func(M)) (unbind func()) {
	var zero M
	return t.onMessage(zero.Tag(), func(m wire.Message) {
		if v, ok := m.(M); ok {
			fn(v)
		}
	})
}

func (t *Transporter) OnEvent(ev Event, fn func()) (unbind func()) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	id := t.nextID
	t.nextID++
	if t.events[ev] == nil {
		t.events[ev] = make(map[int]func())
	}
	t.events[ev][id] = fn
	return func() {
		t.subsMu.Lock()
		delete(t.events[ev], id)
		t.subsMu.Unlock()
	}
}

// OnFault registers fn for local diagnostics, such as a frame that failed to decode. The connection is dropped
// right after the fault is reported.
func (t *Transporter) OnFault(fn func(error)) (unbind func()) {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	id := t.nextID
	t.nextID++
	t.faults[id] = fn
	return func() {
		t.subsMu.Lock()
		delete(t.faults, id)
		t.subsMu.Unlock()
	}
}

func (t *Transporter) onMessage(tag wire.Tag, fn func(wire.Message)) func() {
	t.subsMu.Lock()
	defer t.subsMu.Unlock()
	id := t.nextID
	t.nextID++
	if t.messages[tag] == nil {
		t.messages[tag] = make(map[int]func(wire.Message))
	}
	t.messages[tag][id] = fn
	return func() {
		t.subsMu.Lock()
		delete(t.messages[tag], id)
		t.subsMu.Unlock()
	}
}

func (t *Transporter) handleConnected() {
	t.mu.Lock()
	if t.state != transport.Connecting {
		t.mu.Unlock()
		return
	}
	t.state = transport.Connected
	t.mu.Unlock()

	t.emit(EventConnected)
	t.SendMessage(wire.ReadyRequest{})
}

func (t *Transporter) handleFrame(frame []byte) {
	if !t.IsConnected() {
		return
	}
	m, err := wire.Decode(frame)
	if err != nil {
		metrics.DecodeFailures.Inc()
		t.logger.Warn("dropping connection after undecodable frame", "err", err, "size", len(frame))
		t.fault(err)
		t.Disconnect()
		return
	}
	metrics.FramesReceived.WithLabelValues(m.Tag().String()).Inc()

	switch m.(type) {
	case wire.ReadyRequest:
		t.SendMessage(wire.ReadyAnswer{})
	case wire.ReadyAnswer:
		t.mu.Lock()
		first := !t.ready && t.state == transport.Connected
		if first {
			t.ready = true
		}
		t.mu.Unlock()
		if first {
			t.emit(EventReady)
		}
	}

	t.subsMu.Lock()
	fns := make([]func(wire.Message), 0, len(t.messages[m.Tag()]))
	for _, fn := range t.messages[m.Tag()] {
		fns = append(fns, fn)
	}
	t.subsMu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (t *Transporter) emit(ev Event) {
	t.subsMu.Lock()
	fns := make([]func(), 0, len(t.events[ev]))
	for _, fn := range t.events[ev] {
		fns = append(fns, fn)
	}
	t.subsMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (t *Transporter) fault(err error) {
	t.subsMu.Lock()
	fns := make([]func(error), 0, len(t.faults))
	for _, fn := range t.faults {
		fns = append(fns, fn)
	}
	t.subsMu.Unlock()
	for _, fn := range fns {
		fn(err)
	}
}
