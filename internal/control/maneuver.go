package control

import (
	"fmt"
	"strings"
	"time"

	"github.com/banshee-data/amr.controller/internal/robot"
)

// ManeuverKind names a scripted motion.
type ManeuverKind string

const (
	Rotate90  ManeuverKind = "rotate90"
	Advance1m ManeuverKind = "advance1m"
)

const (
	rotateTarget  = 90.0 // degrees
	advanceTarget = 1.0  // metres

	headingTolerance  = 0.5
	distanceTolerance = 0.005
)

// ParseManeuver accepts a maneuver name, ignoring case.
func ParseManeuver(s string) (ManeuverKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "rotate90", "rotate", "rotate_90":
		return Rotate90, nil
	case "advance1m", "advance", "advance_1m":
		return Advance1m, nil
	}
	return "", fmt.Errorf("%w: unknown maneuver %q", ErrInvalid, s)
}

type maneuver struct {
	kind          ManeuverKind
	started       time.Time
	startHeading  float64
	startDistance float64
}

// StartManeuver begins a scripted motion. Completion is judged by odometry
// on each Tick.
func (c *Controller) StartManeuver(kind ManeuverKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := fmt.Sprintf("maneuver %s", kind)
	switch {
	case kind != Rotate90 && kind != Advance1m:
		return c.rejectLocked(req, fmt.Errorf("%w: unknown maneuver %q", ErrInvalid, kind))
	case c.latched:
		return c.rejectLocked(req, ErrEmergencyActive)
	case c.mode != robot.ModeManual:
		return c.rejectLocked(req, ErrNotManual)
	case c.maneuver != nil:
		return c.rejectLocked(req, ErrBusy)
	case c.linkLost:
		return c.rejectLocked(req, ErrLinkLost)
	}

	speed := clampSpeed(c.cfg.GetManeuverSpeed())
	left, right := duties(Left, speed)
	if kind == Advance1m {
		if c.blockedLocked(c.frontClearanceLocked()) {
			return c.rejectLocked(req, fmt.Errorf("%w: %.2f m ahead", ErrObstacle, c.frontClearanceLocked()))
		}
		left, right = duties(Forward, speed)
	}

	c.maneuver = &maneuver{
		kind:          kind,
		started:       c.clock.Now(),
		startHeading:  c.odo.Heading(),
		startDistance: c.odo.Distance(),
	}
	c.eventLocked(robot.EventManeuverStart, string(kind))
	if err := c.driveLocked(left, right, robot.SourceManeuver); err != nil {
		c.abortManeuverLocked(err.Error())
		return err
	}
	return nil
}

// abortManeuverLocked forgets the running maneuver. Callers stop the motors.
func (c *Controller) abortManeuverLocked(reason string) {
	if c.maneuver == nil {
		return
	}
	c.eventLocked(robot.EventManeuverAbort, fmt.Sprintf("%s: %s", c.maneuver.kind, reason))
	c.maneuver = nil
}

// progressLocked returns how far the maneuver has come, 0..1.
func (c *Controller) progressLocked() float64 {
	m := c.maneuver
	if m == nil {
		return 0
	}
	var p float64
	switch m.kind {
	case Rotate90:
		p = (c.odo.Heading() - m.startHeading) / rotateTarget
	case Advance1m:
		p = (c.odo.Distance() - m.startDistance) / advanceTarget
	}
	if p < 0 {
		return 0
	}
	return p
}

func (c *Controller) checkManeuverLocked(now time.Time) {
	m := c.maneuver
	if m == nil {
		return
	}

	done := false
	switch m.kind {
	case Rotate90:
		done = c.odo.Heading()-m.startHeading >= rotateTarget-headingTolerance
	case Advance1m:
		done = c.odo.Distance()-m.startDistance >= advanceTarget-distanceTolerance
	}

	if done {
		c.eventLocked(robot.EventManeuverComplete, fmt.Sprintf("%s in %s", m.kind, now.Sub(m.started).Round(time.Millisecond)))
		c.maneuver = nil
		_ = c.stopLocked(robot.SourceManeuver)
		return
	}
	if now.Sub(m.started) > c.cfg.GetManeuverTimeout() {
		c.abortManeuverLocked(fmt.Sprintf("timeout at %.0f%%", c.progressLocked()*100))
		_ = c.stopLocked(robot.SourceSafety)
	}
}
