package control

import (
	"fmt"
	"time"

	"github.com/banshee-data/amr.controller/internal/protocol"
	"github.com/banshee-data/amr.controller/internal/robot"
)

// HandleMessage dispatches a decoded board line.
func (c *Controller) HandleMessage(msg protocol.Message) {
	switch msg.Kind {
	case protocol.KindTelemetry:
		c.Observe(*msg.Telemetry)
	case protocol.KindAck:
		c.mu.Lock()
		c.ackLocked(msg.Ack.Seq)
		c.mu.Unlock()
	case protocol.KindFault:
		c.ObserveFault(*msg.Fault)
	case protocol.KindHello:
		c.mu.Lock()
		if c.firmware != msg.Hello.Firmware {
			c.firmware = msg.Hello.Firmware
			c.eventLocked(robot.EventFirmware, msg.Hello.Firmware)
		}
		c.mu.Unlock()
	}
}

// Observe feeds a telemetry report into odometry and the sensor state. A
// brake latched on the board latches the host too, except for reports the
// board sent before it acked the last rearm.
func (c *Controller) Observe(t protocol.Telemetry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	var dt float64
	if c.haveTelemetry && t.UptimeMs > c.telemetry.UptimeMs {
		gap := time.Duration(t.UptimeMs-c.telemetry.UptimeMs) * time.Millisecond
		if gap <= maxTelemetryGap {
			dt = gap.Seconds()
		}
	}
	c.odo.Update(t.EncoderLeft, t.EncoderRight, t.GyroZ, dt)

	c.telemetry = t
	c.sensors.UltrasonicFront = t.UltrasonicFront
	c.sensors.UltrasonicBack = t.UltrasonicBack
	c.sensors.IMU = robot.IMU{AccelX: t.AccelX, AccelY: t.AccelY, AccelZ: t.AccelZ, GyroZ: t.GyroZ}

	c.haveTelemetry = true
	c.lastTelemetry = now
	if c.linkLost {
		c.linkLost = false
		c.eventLocked(robot.EventLinkRestored, "")
	}

	switch {
	case !t.EStop:
		c.rearmPending = false
	case !c.latched && !c.awaitingRearmLocked(now):
		_ = c.latchLocked("board emergency stop", robot.SourceSafety)
	}
}

func (c *Controller) ackLocked(seq uint32) {
	c.lastAck = seq
	if c.rearmPending && int32(seq-c.rearmSeq) >= 0 {
		c.rearmPending = false
	}
}

// awaitingRearmLocked reports whether the board has yet to ack the last
// rearm. An ack that never comes stops counting after rearmAckTimeout.
func (c *Controller) awaitingRearmLocked(now time.Time) bool {
	if !c.rearmPending {
		return false
	}
	if now.Sub(c.rearmAt) > rearmAckTimeout {
		c.rearmPending = false
		return false
	}
	return true
}

// ObserveFault records a fault reported by the board.
func (c *Controller) ObserveFault(f protocol.Fault) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastFaultAt = c.clock.Now()
	c.eventLocked(robot.EventFault, fmt.Sprintf("%s: %s", f.Code, f.Message))
}

