package control

import (
	"fmt"
	"strings"

	"github.com/banshee-data/amr.controller/internal/robot"
)

// Direction is a manual drive pad button.
type Direction string

const (
	Forward  Direction = "forward"
	Backward Direction = "backward"
	Left     Direction = "left"
	Right    Direction = "right"
	Stop     Direction = "stop"
)

// ParseDirection accepts a drive pad direction, ignoring case.
func ParseDirection(s string) (Direction, error) {
	switch d := Direction(strings.ToLower(strings.TrimSpace(s))); d {
	case Forward, Backward, Left, Right, Stop:
		return d, nil
	}
	return "", fmt.Errorf("%w: unknown direction %q", ErrInvalid, s)
}

// duties maps a direction to left and right wheel duty percent. Turns spin
// in place.
func duties(d Direction, speed int) (left, right int) {
	switch d {
	case Forward:
		return speed, speed
	case Backward:
		return -speed, -speed
	case Left:
		return -speed, speed
	case Right:
		return speed, -speed
	}
	return 0, 0
}

func clampSpeed(speed int) int {
	if speed < 0 {
		return 0
	}
	if speed > 100 {
		return 100
	}
	return speed
}

// Drive applies a manual drive pad command. The command must be refreshed
// within the watchdog timeout or the motors stop on their own.
func (c *Controller) Drive(dir Direction, speed int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	speed = clampSpeed(speed)
	req := fmt.Sprintf("drive %s %d", dir, speed)
	switch {
	case c.latched:
		return c.rejectLocked(req, ErrEmergencyActive)
	case c.mode != robot.ModeManual:
		return c.rejectLocked(req, ErrNotManual)
	}

	switch dir {
	case Stop:
		c.abortManeuverLocked("stopped by operator")
		return c.stopLocked(robot.SourceOperator)
	case Forward, Backward, Left, Right:
	default:
		return c.rejectLocked(req, fmt.Errorf("%w: unknown direction %q", ErrInvalid, dir))
	}

	if c.maneuver != nil {
		return c.rejectLocked(req, ErrBusy)
	}
	if c.linkLost {
		return c.rejectLocked(req, ErrLinkLost)
	}
	if dir == Forward && c.blockedLocked(c.frontClearanceLocked()) {
		return c.rejectLocked(req, fmt.Errorf("%w: %.2f m ahead", ErrObstacle, c.frontClearanceLocked()))
	}
	if dir == Backward && c.blockedLocked(c.rearClearanceLocked()) {
		return c.rejectLocked(req, fmt.Errorf("%w: %.2f m behind", ErrObstacle, c.rearClearanceLocked()))
	}

	c.driveAt = c.clock.Now()
	left, right := duties(dir, speed)
	return c.driveLocked(left, right, robot.SourceOperator)
}
