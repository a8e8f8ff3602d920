package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/banshee-data/amr.controller/internal/robot"
)

// TelemetryRecord is one persisted snapshot.
type TelemetryRecord struct {
	ID              int64        `json:"id"`
	Time            time.Time    `json:"time"`
	X               float64      `json:"x"`
	Y               float64      `json:"y"`
	Theta           float64      `json:"theta"`
	Mode            robot.Mode   `json:"mode"`
	Health          robot.Health `json:"status"`
	Emergency       bool         `json:"emergency"`
	BatteryVoltage  float64      `json:"battery_voltage"`
	BatteryPercent  int          `json:"battery_percent"`
	UltrasonicFront float64      `json:"ultrasonic_front"`
	UltrasonicBack  float64      `json:"ultrasonic_back"`
	LeftSpeed       float64      `json:"left_speed"`
	RightSpeed      float64      `json:"right_speed"`
	LeftEncoder     int64        `json:"left_encoder"`
	RightEncoder    int64        `json:"right_encoder"`
	GyroZ           float64      `json:"gyro_z"`
	Distance        float64      `json:"distance"`
}

const telemetryColumns = `id, time_ns, x, y, theta, mode, health, emergency,
	battery_voltage, battery_percent, ultrasonic_front, ultrasonic_back,
	left_speed, right_speed, left_encoder, right_encoder, gyro_z, distance`

// RecordTelemetry stores a snapshot.
func (db *DB) RecordTelemetry(ctx context.Context, s robot.Snapshot) error {
	_, err := db.ExecContext(ctx, `INSERT INTO telemetry (
			time_ns, x, y, theta, mode, health, emergency,
			battery_voltage, battery_percent, ultrasonic_front, ultrasonic_back,
			left_speed, right_speed, left_encoder, right_encoder, gyro_z, distance
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Timestamp.UnixNano(), s.Pose.X, s.Pose.Y, s.Pose.Theta, string(s.Mode), string(s.Health),
		boolInt(s.EmergencyActive), s.Battery.Voltage, s.Battery.Percentage,
		s.Sensors.UltrasonicFront, s.Sensors.UltrasonicBack,
		s.Motors.LeftSpeed, s.Motors.RightSpeed, s.Motors.LeftEncoder, s.Motors.RightEncoder,
		s.Sensors.IMU.GyroZ, s.Distance,
	)
	if err != nil {
		return fmt.Errorf("failed to record telemetry: %w", err)
	}
	return nil
}

// RecentTelemetry returns up to limit rows, newest first.
func (db *DB) RecentTelemetry(ctx context.Context, limit int) ([]TelemetryRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+telemetryColumns+` FROM telemetry ORDER BY time_ns DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	return scanTelemetry(rows)
}

// TelemetrySince returns rows at or after since, oldest first.
func (db *DB) TelemetrySince(ctx context.Context, since time.Time) ([]TelemetryRecord, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+telemetryColumns+` FROM telemetry WHERE time_ns >= ? ORDER BY time_ns ASC, id ASC`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query telemetry: %w", err)
	}
	return scanTelemetry(rows)
}

func scanTelemetry(rows *sql.Rows) ([]TelemetryRecord, error) {
	defer rows.Close()

	var out []TelemetryRecord
	for rows.Next() {
		var (
			r         TelemetryRecord
			ns        int64
			mode      string
			health    string
			emergency int
		)
		if err := rows.Scan(&r.ID, &ns, &r.X, &r.Y, &r.Theta, &mode, &health, &emergency,
			&r.BatteryVoltage, &r.BatteryPercent, &r.UltrasonicFront, &r.UltrasonicBack,
			&r.LeftSpeed, &r.RightSpeed, &r.LeftEncoder, &r.RightEncoder, &r.GyroZ, &r.Distance); err != nil {
			return nil, fmt.Errorf("failed to scan telemetry: %w", err)
		}
		r.Time = time.Unix(0, ns).UTC()
		r.Mode = robot.Mode(mode)
		r.Health = robot.Health(health)
		r.Emergency = emergency == 1
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// PruneTelemetry deletes rows older than cutoff and returns how many went.
func (db *DB) PruneTelemetry(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, `DELETE FROM telemetry WHERE time_ns < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to prune telemetry: %w", err)
	}
	return res.RowsAffected()
}
