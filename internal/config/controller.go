package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// DefaultConfigPath is the path to the canonical controller defaults file.
const DefaultConfigPath = "config/controller.defaults.json"

// ControllerConfig holds the controller tuning parameters. Every field is a
// pointer so a partial file only overrides what it names; the Get* methods
// supply defaults for the rest. The schema matches GET /api/config so the same
// JSON works for startup configuration and inspection.
type ControllerConfig struct {
	// Safety
	ObstacleStopDistance   *float64 `json:"obstacle_stop_distance,omitempty"` // metres
	WatchdogTimeout        *string  `json:"watchdog_timeout,omitempty"`       // duration string like "500ms"
	LinkTimeout            *string  `json:"link_timeout,omitempty"`
	BatteryWarnPercent     *int     `json:"battery_warn_percent,omitempty"`
	BatteryCriticalPercent *int     `json:"battery_critical_percent,omitempty"`

	// Drive
	DefaultSpeed    *int    `json:"default_speed,omitempty"`  // percent
	ManeuverSpeed   *int    `json:"maneuver_speed,omitempty"` // percent
	ManeuverTimeout *string `json:"maneuver_timeout,omitempty"`

	// Odometry
	TicksPerMetre       *float64 `json:"ticks_per_metre,omitempty"`
	WheelBase           *float64 `json:"wheel_base,omitempty"` // metres
	MaxTickJump         *int64   `json:"max_tick_jump,omitempty"`
	HeadingProcessNoise *float64 `json:"heading_process_noise,omitempty"`
	BiasProcessNoise    *float64 `json:"bias_process_noise,omitempty"`
	EncoderHeadingNoise *float64 `json:"encoder_heading_noise,omitempty"`
	TrajectoryCapacity  *int     `json:"trajectory_capacity,omitempty"`

	// Persistence
	TelemetryRecordInterval *string `json:"telemetry_record_interval,omitempty"`
	TelemetryRetention      *string `json:"telemetry_retention,omitempty"`
}

// EmptyControllerConfig returns a ControllerConfig with all fields unset.
func EmptyControllerConfig() *ControllerConfig {
	return &ControllerConfig{}
}

// LoadControllerConfig loads a ControllerConfig from a JSON file. The file
// must have a .json extension and be under 1MB.
func LoadControllerConfig(path string) (*ControllerConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := EmptyControllerConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func validDuration(name string, v *string) error {
	if v == nil || *v == "" {
		return nil
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return fmt.Errorf("invalid %s '%s': %w", name, *v, err)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive, got %s", name, *v)
	}
	return nil
}

func validPercent(name string, v *int) error {
	if v != nil && (*v < 0 || *v > 100) {
		return fmt.Errorf("%s must be between 0 and 100, got %d", name, *v)
	}
	return nil
}

func validPositive(name string, v *float64) error {
	if v != nil && *v <= 0 {
		return fmt.Errorf("%s must be positive, got %f", name, *v)
	}
	return nil
}

// Validate checks that the configuration values are valid.
func (c *ControllerConfig) Validate() error {
	checks := []error{
		validDuration("watchdog_timeout", c.WatchdogTimeout),
		validDuration("link_timeout", c.LinkTimeout),
		validDuration("maneuver_timeout", c.ManeuverTimeout),
		validDuration("telemetry_record_interval", c.TelemetryRecordInterval),
		validDuration("telemetry_retention", c.TelemetryRetention),
		validPercent("battery_warn_percent", c.BatteryWarnPercent),
		validPercent("battery_critical_percent", c.BatteryCriticalPercent),
		validPercent("default_speed", c.DefaultSpeed),
		validPercent("maneuver_speed", c.ManeuverSpeed),
		validPositive("ticks_per_metre", c.TicksPerMetre),
		validPositive("wheel_base", c.WheelBase),
	}
	for _, err := range checks {
		if err != nil {
			return err
		}
	}

	if c.ObstacleStopDistance != nil && *c.ObstacleStopDistance < 0 {
		return fmt.Errorf("obstacle_stop_distance must be non-negative, got %f", *c.ObstacleStopDistance)
	}
	if c.GetBatteryCriticalPercent() > c.GetBatteryWarnPercent() {
		return fmt.Errorf("battery_critical_percent (%d) must not exceed battery_warn_percent (%d)",
			c.GetBatteryCriticalPercent(), c.GetBatteryWarnPercent())
	}
	if c.MaxTickJump != nil && *c.MaxTickJump <= 0 {
		return fmt.Errorf("max_tick_jump must be positive, got %d", *c.MaxTickJump)
	}
	if c.TrajectoryCapacity != nil && *c.TrajectoryCapacity < 1 {
		return fmt.Errorf("trajectory_capacity must be at least 1, got %d", *c.TrajectoryCapacity)
	}
	return nil
}

func durationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// GetObstacleStopDistance returns the obstacle_stop_distance value or the default.
func (c *ControllerConfig) GetObstacleStopDistance() float64 {
	if c.ObstacleStopDistance == nil {
		return 0.3
	}
	return *c.ObstacleStopDistance
}

// GetWatchdogTimeout returns how long a manual drive command stays valid.
func (c *ControllerConfig) GetWatchdogTimeout() time.Duration {
	return durationOr(c.WatchdogTimeout, 500*time.Millisecond)
}

// GetLinkTimeout returns how long the board may stay silent before the link
// is considered lost.
func (c *ControllerConfig) GetLinkTimeout() time.Duration {
	return durationOr(c.LinkTimeout, 2*time.Second)
}

func (c *ControllerConfig) GetBatteryWarnPercent() int {
	if c.BatteryWarnPercent == nil {
		return 20
	}
	return *c.BatteryWarnPercent
}

func (c *ControllerConfig) GetBatteryCriticalPercent() int {
	if c.BatteryCriticalPercent == nil {
		return 5
	}
	return *c.BatteryCriticalPercent
}

func (c *ControllerConfig) GetDefaultSpeed() int {
	if c.DefaultSpeed == nil {
		return 50
	}
	return *c.DefaultSpeed
}

func (c *ControllerConfig) GetManeuverSpeed() int {
	if c.ManeuverSpeed == nil {
		return 40
	}
	return *c.ManeuverSpeed
}

func (c *ControllerConfig) GetManeuverTimeout() time.Duration {
	return durationOr(c.ManeuverTimeout, 15*time.Second)
}

func (c *ControllerConfig) GetTicksPerMetre() float64 {
	if c.TicksPerMetre == nil {
		return 1000
	}
	return *c.TicksPerMetre
}

func (c *ControllerConfig) GetWheelBase() float64 {
	if c.WheelBase == nil {
		return 0.25
	}
	return *c.WheelBase
}

func (c *ControllerConfig) GetMaxTickJump() int64 {
	if c.MaxTickJump == nil {
		return 5000
	}
	return *c.MaxTickJump
}

func (c *ControllerConfig) GetHeadingProcessNoise() float64 {
	if c.HeadingProcessNoise == nil {
		return 0.5
	}
	return *c.HeadingProcessNoise
}

func (c *ControllerConfig) GetBiasProcessNoise() float64 {
	if c.BiasProcessNoise == nil {
		return 0.01
	}
	return *c.BiasProcessNoise
}

func (c *ControllerConfig) GetEncoderHeadingNoise() float64 {
	if c.EncoderHeadingNoise == nil {
		return 2.0
	}
	return *c.EncoderHeadingNoise
}

func (c *ControllerConfig) GetTrajectoryCapacity() int {
	if c.TrajectoryCapacity == nil {
		return 2000
	}
	return *c.TrajectoryCapacity
}

// GetTelemetryRecordInterval returns the minimum spacing between persisted
// telemetry rows.
func (c *ControllerConfig) GetTelemetryRecordInterval() time.Duration {
	return durationOr(c.TelemetryRecordInterval, time.Second)
}

// GetTelemetryRetention returns how long telemetry rows are kept.
func (c *ControllerConfig) GetTelemetryRetention() time.Duration {
	return durationOr(c.TelemetryRetention, 7*24*time.Hour)
}
