package control

import (
	"context"
	"time"

	"github.com/banshee-data/amr.controller/internal/robot"
)

// journalBuffer bounds records waiting to be persisted.
const journalBuffer = 256

// Journal persists command and event records. Writes happen on the Run
// goroutine, never while the controller lock is held.
type Journal interface {
	RecordCommand(ctx context.Context, rec robot.CommandRecord) error
	RecordEvent(ctx context.Context, ev robot.Event) error
}

type journalEntry struct {
	command *robot.CommandRecord
	event   *robot.Event
}

func (c *Controller) eventLocked(kind robot.EventKind, detail string) {
	ev := robot.Event{Time: c.clock.Now(), Kind: kind, Detail: detail}
	logf("event %s %s", kind, detail)
	c.events = append(c.events, ev)
	if len(c.events) > c.logCap {
		c.events = c.events[len(c.events)-c.logCap:]
	}
	c.enqueueLocked(journalEntry{event: &ev})
}

func (c *Controller) commandLocked(rec robot.CommandRecord) {
	c.commands = append(c.commands, rec)
	if len(c.commands) > c.logCap {
		c.commands = c.commands[len(c.commands)-c.logCap:]
	}
	c.enqueueLocked(journalEntry{command: &rec})
}

func (c *Controller) enqueueLocked(e journalEntry) {
	if c.journal == nil {
		return
	}
	select {
	case c.pending <- e:
	default:
		logf("journal backlog full, dropping record")
	}
}

// Events returns up to n recent events, newest first.
func (c *Controller) Events(n int) []robot.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.events) {
		n = len(c.events)
	}
	out := make([]robot.Event, n)
	for i := 0; i < n; i++ {
		out[i] = c.events[len(c.events)-1-i]
	}
	return out
}

// Commands returns up to n recent command records, newest first.
func (c *Controller) Commands(n int) []robot.CommandRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 || n > len(c.commands) {
		n = len(c.commands)
	}
	out := make([]robot.CommandRecord, n)
	for i := 0; i < n; i++ {
		out[i] = c.commands[len(c.commands)-1-i]
	}
	return out
}

func (c *Controller) writeJournal(ctx context.Context, e journalEntry) {
	var err error
	switch {
	case e.command != nil:
		err = c.journal.RecordCommand(ctx, *e.command)
	case e.event != nil:
		err = c.journal.RecordEvent(ctx, *e.event)
	}
	if err != nil {
		logf("failed to journal record: %v", err)
	}
}

// Run ticks the safety checks every TickInterval and persists journal
// records until ctx is cancelled. Records still queued at shutdown are
// flushed before Run returns.
func (c *Controller) Run(ctx context.Context) error {
	t := c.clock.NewTicker(TickInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			c.flushJournal(context.WithoutCancel(ctx))
			return nil
		case now := <-t.C():
			c.Tick(now)
		case e := <-c.pending:
			c.writeJournal(ctx, e)
		}
	}
}

func (c *Controller) flushJournal(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for {
		select {
		case e := <-c.pending:
			c.writeJournal(ctx, e)
		default:
			return
		}
	}
}
