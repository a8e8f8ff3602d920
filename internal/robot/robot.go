// Package robot defines the state model shared by the controller, the API and
// the dashboard.
package robot

import (
	"fmt"
	"strings"
	"time"
)

// Mode is the operator-selected operating mode.
type Mode string

const (
	ModeManual     Mode = "manual"
	ModeAutonomous Mode = "autonomous"
	ModePatrol     Mode = "patrol"
	ModeMapping    Mode = "mapping"
)

// Modes lists every operating mode in dashboard order.
var Modes = []Mode{ModeManual, ModeAutonomous, ModePatrol, ModeMapping}

// ParseMode accepts the canonical names and the dashboard labels, ignoring
// case and surrounding whitespace.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "manual":
		return ModeManual, nil
	case "autonomous", "autónomo", "autonomo", "auto":
		return ModeAutonomous, nil
	case "patrol", "patrulla":
		return ModePatrol, nil
	case "mapping", "mapeo":
		return ModeMapping, nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

// Health summarises the robot condition for the status card.
type Health string

const (
	HealthOperational Health = "operational"
	HealthWarning     Health = "warning"
	HealthError       Health = "error"
	HealthEmergency   Health = "emergency"
)

// Pose is a planar position in metres with heading in degrees [0, 360).
type Pose struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

type IMU struct {
	AccelX float64 `json:"accel_x"`
	AccelY float64 `json:"accel_y"`
	AccelZ float64 `json:"accel_z"`
	GyroZ  float64 `json:"gyro_z"`
}

// Sensors holds the latest reading of every range and inertial sensor.
// Ultrasonic ranges are in metres; a negative value means no echo.
type Sensors struct {
	Lidar           []float64 `json:"lidar"`
	UltrasonicFront float64   `json:"ultrasonic_front"`
	UltrasonicBack  float64   `json:"ultrasonic_back"`
	IMU             IMU       `json:"imu"`
}

type Motors struct {
	LeftSpeed    float64 `json:"left_speed"`
	RightSpeed   float64 `json:"right_speed"`
	LeftEncoder  int64   `json:"left_encoder"`
	RightEncoder int64   `json:"right_encoder"`
}

type Battery struct {
	Voltage    float64 `json:"voltage"`
	Percentage int     `json:"percentage"`
}

// Snapshot is a consistent copy of the controller state at one instant.
type Snapshot struct {
	Timestamp       time.Time     `json:"timestamp"`
	Uptime          time.Duration `json:"uptime"`
	Pose            Pose          `json:"position"`
	Sensors         Sensors       `json:"sensors"`
	Motors          Motors        `json:"motors"`
	Battery         Battery       `json:"battery"`
	Health          Health        `json:"status"`
	Mode            Mode          `json:"mode"`
	EmergencyActive bool          `json:"emergency_active"`
	EmergencyReason string        `json:"emergency_reason,omitempty"`
	Maneuver        string        `json:"maneuver,omitempty"`
	LinkAge         time.Duration `json:"link_age"`
	Firmware        string        `json:"firmware,omitempty"`
	Distance        float64       `json:"distance"`
	Diagnostics     Diagnostics   `json:"diagnostics"`
}

// Diagnostics carries link and estimator internals for troubleshooting.
type Diagnostics struct {
	// LastAck is the sequence number of the last command the board acked.
	LastAck uint32 `json:"last_ack"`
	// GyroBias is the estimated gyro drift in degrees per second.
	GyroBias      float64 `json:"gyro_bias"`
	EncoderResets int     `json:"encoder_resets"`
}

const (
	batteryEmptyVolts = 11.0
	batteryFullVolts  = 12.6
)

// BatteryPercent maps a 3S pack voltage linearly onto 0..100.
func BatteryPercent(volts float64) int {
	frac := (volts - batteryEmptyVolts) / (batteryFullVolts - batteryEmptyVolts)
	if frac < 0 {
		frac = 0
	}
	if frac > 1 {
		frac = 1
	}
	return int(frac*100 + 0.5)
}
