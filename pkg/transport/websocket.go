package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	sendBufferSize = 256
	writeWait      = 10 * time.Second
)

// Websocket adapts an established gorilla websocket connection. Outbound frames go through a bounded queue drained
// by a write pump, so Send never blocks the caller; a peer that cannot keep up is disconnected. A normal Disconnect
// flushes frames that were already queued before the close frame goes out.
type Websocket struct {
	events
	conn      *websocket.Conn
	logger    *slog.Logger
	send      chan []byte
	done      chan struct{}
	closeCode int
	pumping   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

func NewWebsocket(conn *websocket.Conn, logger *slog.Logger) *Websocket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Websocket{
		conn:   conn,
		logger: logger,
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// DialWebsocket connects to a sync endpoint. The returned adapter still needs Start.
func DialWebsocket(ctx context.Context, url string, header http.Header, logger *slog.Logger) (*Websocket, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	return NewWebsocket(conn, logger), nil
}

func (w *Websocket) Start() {
	w.startOnce.Do(func() {
		if !w.transition(Connecting, Connected) {
			return
		}
		w.pumping.Store(true)
		go w.readPump()
		go w.writePump()
		w.connected.emit(struct{}{})
	})
}

func (w *Websocket) Send(frame []byte) error {
	if w.State() != Connected {
		return ErrNotConnected
	}
	select {
	case <-w.done:
		return ErrNotConnected
	default:
	}
	select {
	case w.send <- frame:
		return nil
	default:
		w.logger.Warn("peer is not keeping up, dropping connection", "buffered", len(w.send))
		w.shutdown(websocket.CloseTryAgainLater)
		return ErrBackpressure
	}
}

func (w *Websocket) Disconnect() {
	w.shutdown(websocket.CloseNormalClosure)
}

// shutdown marks the adapter disconnected. The write pump owns closing the socket once it runs.
func (w *Websocket) shutdown(code int) {
	w.stopOnce.Do(func() {
		w.setState(Disconnected)
		w.closeCode = code
		close(w.done)
		if !w.pumping.Load() {
			w.closeConn(code)
		}
	})
}

func (w *Websocket) closeConn(code int) {
	_ = w.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(writeWait),
	)
	_ = w.conn.Close()
}

func (w *Websocket) write(frame []byte) error {
	_ = w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return w.conn.WriteMessage(websocket.BinaryMessage, frame)
}

func (w *Websocket) readPump() {
	for {
		mt, p, err := w.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			switch {
			case errors.As(err, &ce):
				w.closed.emit(ce.Code)
			case w.State() == Disconnected:
				// local shutdown closed the socket under us
			default:
				w.errored.emit(fmt.Errorf("failed to read message: %w", err))
				w.closed.emit(CloseAbnormal)
			}
			w.shutdown(CloseAbnormal)
			return
		}
		switch mt {
		case websocket.BinaryMessage:
			w.message.emit(p)
		default:
			w.logger.Debug("ignoring non-binary frame", "type", mt)
		}
	}
}

func (w *Websocket) writePump() {
	for {
		select {
		case frame := <-w.send:
			if err := w.write(frame); err != nil {
				w.errored.emit(fmt.Errorf("failed to write message: %w", err))
				w.shutdown(CloseAbnormal)
				w.closeConn(CloseAbnormal)
				return
			}
		case <-w.done:
			if w.closeCode == websocket.CloseNormalClosure {
				w.flush()
			}
			w.closeConn(w.closeCode)
			return
		}
	}
}

func (w *Websocket) flush() {
	for {
		select {
		case frame := <-w.send:
			if err := w.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}
