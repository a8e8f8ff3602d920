package db

import (
	"context"
	"fmt"
	"time"

	"github.com/banshee-data/amr.controller/internal/robot"
)

// RecordCommand stores one entry of the command log.
func (db *DB) RecordCommand(ctx context.Context, rec robot.CommandRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO commands (id, time_ns, command, source, accepted, error) VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Time.UnixNano(), rec.Command, string(rec.Source), boolInt(rec.Accepted), rec.Error)
	if err != nil {
		return fmt.Errorf("failed to record command: %w", err)
	}
	return nil
}

// RecentCommands returns up to limit commands, newest first.
func (db *DB) RecentCommands(ctx context.Context, limit int) ([]robot.CommandRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, time_ns, command, source, accepted, error FROM commands ORDER BY time_ns DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query commands: %w", err)
	}
	defer rows.Close()

	var out []robot.CommandRecord
	for rows.Next() {
		var (
			rec      robot.CommandRecord
			ns       int64
			source   string
			accepted int
		)
		if err := rows.Scan(&rec.ID, &ns, &rec.Command, &source, &accepted, &rec.Error); err != nil {
			return nil, fmt.Errorf("failed to scan command: %w", err)
		}
		rec.Time = time.Unix(0, ns).UTC()
		rec.Source = robot.CommandSource(source)
		rec.Accepted = accepted == 1
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordEvent stores one entry of the event log.
func (db *DB) RecordEvent(ctx context.Context, ev robot.Event) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO events (time_ns, kind, detail) VALUES (?, ?, ?)`,
		ev.Time.UnixNano(), string(ev.Kind), ev.Detail)
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

// RecentEvents returns up to limit events, newest first.
func (db *DB) RecentEvents(ctx context.Context, limit int) ([]robot.Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, time_ns, kind, detail FROM events ORDER BY time_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var out []robot.Event
	for rows.Next() {
		var (
			ev   robot.Event
			ns   int64
			kind string
		)
		if err := rows.Scan(&ev.ID, &ns, &kind, &ev.Detail); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Time = time.Unix(0, ns).UTC()
		ev.Kind = robot.EventKind(kind)
		out = append(out, ev)
	}
	return out, rows.Err()
}
