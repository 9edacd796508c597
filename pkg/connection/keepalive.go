package connection

import (
	"sync"
	"time"

	"github.com/astromechza/notesync/pkg/metrics"
	"github.com/astromechza/notesync/pkg/wire"
)

const DefaultKeepAliveInterval = 30 * time.Second

// KeepAlive probes the far end of a transporter with PING once per interval after the connection became ready. If
// no PONG arrived during an interval the transporter is disconnected. It also answers the far end's PINGs.
type KeepAlive struct {
	t        *Transporter
	interval time.Duration

	mu       sync.Mutex
	stop     chan struct{}
	pongSeen bool
	unbinds  []func()
}

func NewKeepAlive(t *Transporter, interval time.Duration) *KeepAlive {
	if interval <= 0 {
		interval = DefaultKeepAliveInterval
	}
	k := &KeepAlive{t: t, interval: interval}
	k.unbinds = []func(){
		Subscribe(t, func(wire.Ping) { t.SendMessage(wire.Pong{}) }),
		Subscribe(t, func(wire.Pong) {
			k.mu.Lock()
			k.pongSeen = true
			k.mu.Unlock()
		}),
		t.OnEvent(EventReady, k.start),
		t.OnEvent(EventDisconnected, k.halt),
	}
	return k
}

func (k *KeepAlive) start() {
	k.mu.Lock()
	if k.stop != nil {
		k.mu.Unlock()
		return
	}
	k.pongSeen = false
	k.stop = make(chan struct{})
	go k.loop(k.stop)
	k.mu.Unlock()

	k.t.SendMessage(wire.Ping{})
}

func (k *KeepAlive) loop(stop <-chan struct{}) {
	ticker := time.NewTicker(k.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if !k.tick() {
				return
			}
		case <-stop:
			return
		}
	}
}

// tick reports whether the connection is still considered alive.
func (k *KeepAlive) tick() bool {
	k.mu.Lock()
	seen := k.pongSeen
	k.pongSeen = false
	k.mu.Unlock()

	if seen {
		k.t.SendMessage(wire.Ping{})
		return true
	}
	metrics.KeepAliveTimeouts.Inc()
	k.t.logger.Info("no pong within keep-alive interval, disconnecting", "interval", k.interval)
	k.t.Disconnect()
	return false
}

func (k *KeepAlive) halt() {
	k.mu.Lock()
	if k.stop != nil {
		close(k.stop)
	}
	unbinds := k.unbinds
	k.unbinds = nil
	k.mu.Unlock()
	for _, unbind := range unbinds {
		unbind()
	}
}
