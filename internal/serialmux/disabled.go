package serialmux

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
)

// DisabledSerialMux stands in for the link when no board is attached
// (-disable-board, or a port that failed to open). Commands are counted and
// dropped. Subscriber channels never carry lines and are closed on
// Unsubscribe or Close.
type DisabledSerialMux struct {
	mu       sync.Mutex
	channels map[string]chan string
	closed   bool
	commands atomic.Uint64
}

func NewDisabledSerialMux() *DisabledSerialMux {
	return &DisabledSerialMux{channels: make(map[string]chan string)}
}

func (d *DisabledSerialMux) Subscribe() (string, chan string) {
	id, ch := randomID(), make(chan string)
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		close(ch)
	} else {
		d.channels[id] = ch
	}
	return id, ch
}

func (d *DisabledSerialMux) Unsubscribe(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.drop(id)
}

// drop closes one channel; d.mu must be held.
func (d *DisabledSerialMux) drop(id string) {
	if ch, ok := d.channels[id]; ok {
		close(ch)
		delete(d.channels, id)
	}
}

func (d *DisabledSerialMux) SendCommand(string) error {
	d.commands.Add(1)
	return nil
}

// Monitor blocks until ctx is done.
func (d *DisabledSerialMux) Monitor(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (d *DisabledSerialMux) Initialize() error { return nil }

func (d *DisabledSerialMux) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	for id := range d.channels {
		d.drop(id)
	}
	return nil
}

// Stats reports dropped commands; no lines are ever received.
func (d *DisabledSerialMux) Stats() LinkStats {
	d.mu.Lock()
	n := len(d.channels)
	d.mu.Unlock()
	return LinkStats{Commands: d.commands.Load(), Subscribers: n}
}

// AttachAdminRoutes mounts the usual console; commands are accepted and
// dropped and the tail stays silent.
func (d *DisabledSerialMux) AttachAdminRoutes(mux *http.ServeMux) {
	AttachAdminRoutesForMux(mux, d)
}
