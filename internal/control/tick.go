package control

import (
	"fmt"
	"time"

	"github.com/banshee-data/amr.controller/internal/robot"
)

// batteryHysteresis re-arms the low battery warning only after recovery.
const batteryHysteresis = 2

// Tick runs the periodic safety checks.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.checkLinkLocked(now)
	c.checkBatteryLocked()
	c.checkObstacleLocked()
	c.checkManeuverLocked(now)
	c.checkWatchdogLocked(now)
}

func (c *Controller) checkLinkLocked(now time.Time) {
	last := c.started
	if c.haveTelemetry {
		last = c.lastTelemetry
	}
	age := now.Sub(last)
	if c.linkLost || age <= c.cfg.GetLinkTimeout() {
		return
	}

	c.linkLost = true
	c.eventLocked(robot.EventLinkLost, fmt.Sprintf("no telemetry for %s", age.Round(time.Millisecond)))
	c.abortManeuverLocked("link lost")
	if c.movingLocked() {
		_ = c.stopLocked(robot.SourceSafety)
	}
}

func (c *Controller) checkBatteryLocked() {
	if !c.haveTelemetry {
		return
	}
	pct := robot.BatteryPercent(c.telemetry.BatteryVolts)

	if pct <= c.cfg.GetBatteryCriticalPercent() && !c.latched {
		_ = c.latchLocked(fmt.Sprintf("battery critical (%d%%, %.2f V)", pct, c.telemetry.BatteryVolts), robot.SourceSafety)
	}
	switch {
	case pct <= c.cfg.GetBatteryWarnPercent() && !c.batteryLow:
		c.batteryLow = true
		c.eventLocked(robot.EventBatteryLow, fmt.Sprintf("%d%%, %.2f V", pct, c.telemetry.BatteryVolts))
	case pct > c.cfg.GetBatteryWarnPercent()+batteryHysteresis:
		c.batteryLow = false
	}
}

func (c *Controller) checkObstacleLocked() {
	var clearance float64
	switch {
	case c.cmdLeft > 0 && c.cmdRight > 0:
		clearance = c.frontClearanceLocked()
	case c.cmdLeft < 0 && c.cmdRight < 0:
		clearance = c.rearClearanceLocked()
	default:
		return
	}
	if !c.blockedLocked(clearance) {
		return
	}

	c.eventLocked(robot.EventObstacle, fmt.Sprintf("%.2f m", clearance))
	c.abortManeuverLocked("obstacle")
	_ = c.stopLocked(robot.SourceSafety)
}

func (c *Controller) checkWatchdogLocked(now time.Time) {
	if c.maneuver != nil || !c.movingLocked() {
		return
	}
	if now.Sub(c.driveAt) <= c.cfg.GetWatchdogTimeout() {
		return
	}
	c.eventLocked(robot.EventWatchdog, fmt.Sprintf("no drive command for %s", now.Sub(c.driveAt).Round(time.Millisecond)))
	_ = c.stopLocked(robot.SourceSafety)
}
