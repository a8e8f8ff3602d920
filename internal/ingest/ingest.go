// Package ingest moves board lines from the serial link into the controller
// and persists throttled telemetry snapshots.
package ingest

import (
	"context"
	"sync/atomic"

	"github.com/banshee-data/amr.controller/internal/monitoring"
	"github.com/banshee-data/amr.controller/internal/protocol"
)

var logf = monitoring.Component("ingest")

// Subscriber is the part of a serial mux the pump listens on.
type Subscriber interface {
	Subscribe() (string, chan string)
	Unsubscribe(string)
}

// Handler receives every decoded board message.
type Handler interface {
	HandleMessage(msg protocol.Message)
}

// Pump forwards decoded lines from a subscription to a Handler.
type Pump struct {
	Source  Subscriber
	Handler Handler

	lines   atomic.Int64
	invalid atomic.Int64
}

// Stats returns how many lines were seen and how many failed to decode.
func (p *Pump) Stats() (lines, invalid int64) {
	return p.lines.Load(), p.invalid.Load()
}

// Run subscribes and handles lines until ctx is cancelled or the
// subscription channel is closed.
func (p *Pump) Run(ctx context.Context) error {
	id, c := p.Source.Subscribe()
	defer p.Source.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-c:
			if !ok {
				logf("subscription closed")
				return nil
			}
			p.HandleLine(line)
		}
	}
}

// HandleLine decodes a single line and dispatches it.
func (p *Pump) HandleLine(line string) {
	p.lines.Add(1)
	msg, err := protocol.Parse(line)
	if err != nil {
		p.invalid.Add(1)
		logf("unknown line %q: %v", line, err)
		return
	}
	p.Handler.HandleMessage(msg)
}
