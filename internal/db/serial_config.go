package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SerialConfig is a stored serial port configuration for the low-level board.
type SerialConfig struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	PortPath    string `json:"port_path"`
	BaudRate    int    `json:"baud_rate"`
	DataBits    int    `json:"data_bits"`
	StopBits    int    `json:"stop_bits"`
	Parity      string `json:"parity"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
	CreatedAt   int64  `json:"created_at"`
	UpdatedAt   int64  `json:"updated_at"`
}

const serialConfigColumns = `id, name, port_path, baud_rate, data_bits, stop_bits, parity, enabled, description, created_at, updated_at`

func scanSerialConfig(scan func(dest ...any) error) (SerialConfig, error) {
	var c SerialConfig
	var enabled int
	err := scan(&c.ID, &c.Name, &c.PortPath, &c.BaudRate, &c.DataBits, &c.StopBits,
		&c.Parity, &enabled, &c.Description, &c.CreatedAt, &c.UpdatedAt)
	c.Enabled = enabled == 1
	return c, err
}

func (db *DB) querySerialConfigs(ctx context.Context, where string) ([]SerialConfig, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+serialConfigColumns+` FROM serial_config `+where+` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query serial configs: %w", err)
	}
	defer rows.Close()

	var configs []SerialConfig
	for rows.Next() {
		c, err := scanSerialConfig(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("failed to scan serial config: %w", err)
		}
		configs = append(configs, c)
	}
	return configs, rows.Err()
}

// GetSerialConfigs returns all serial configurations.
func (db *DB) GetSerialConfigs(ctx context.Context) ([]SerialConfig, error) {
	return db.querySerialConfigs(ctx, "")
}

// GetEnabledSerialConfigs returns the enabled serial configurations.
func (db *DB) GetEnabledSerialConfigs(ctx context.Context) ([]SerialConfig, error) {
	return db.querySerialConfigs(ctx, "WHERE enabled = 1")
}

// GetSerialConfig returns a single configuration or ErrNotFound.
func (db *DB) GetSerialConfig(ctx context.Context, id int) (*SerialConfig, error) {
	row := db.QueryRowContext(ctx, `SELECT `+serialConfigColumns+` FROM serial_config WHERE id = ?`, id)
	c, err := scanSerialConfig(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("serial config %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get serial config: %w", err)
	}
	return &c, nil
}

// CreateSerialConfig inserts c and returns its new ID.
func (db *DB) CreateSerialConfig(ctx context.Context, c *SerialConfig) (int64, error) {
	result, err := db.ExecContext(ctx,
		`INSERT INTO serial_config (name, port_path, baud_rate, data_bits, stop_bits, parity, enabled, description)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.Name, c.PortPath, c.BaudRate, c.DataBits, c.StopBits, c.Parity, boolInt(c.Enabled), c.Description)
	if err != nil {
		return 0, fmt.Errorf("failed to create serial config: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID: %w", err)
	}
	return id, nil
}

// UpdateSerialConfig overwrites the row with c.ID.
func (db *DB) UpdateSerialConfig(ctx context.Context, c *SerialConfig) error {
	result, err := db.ExecContext(ctx,
		`UPDATE serial_config
		 SET name = ?, port_path = ?, baud_rate = ?, data_bits = ?, stop_bits = ?,
		     parity = ?, enabled = ?, description = ?
		 WHERE id = ?`,
		c.Name, c.PortPath, c.BaudRate, c.DataBits, c.StopBits, c.Parity, boolInt(c.Enabled), c.Description, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update serial config: %w", err)
	}
	return expectOneRow(result, c.ID)
}

// DeleteSerialConfig removes the row with id.
func (db *DB) DeleteSerialConfig(ctx context.Context, id int) error {
	result, err := db.ExecContext(ctx, `DELETE FROM serial_config WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete serial config: %w", err)
	}
	return expectOneRow(result, id)
}

func expectOneRow(result sql.Result, id int) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("serial config %d: %w", id, ErrNotFound)
	}
	return nil
}
