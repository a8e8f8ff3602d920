// Package control owns the robot state on the high-level board: operating
// mode, the emergency-stop latch, manual driving, scripted maneuvers and the
// safety checks that run on every tick.
package control

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/amr.controller/internal/config"
	"github.com/banshee-data/amr.controller/internal/lidar"
	"github.com/banshee-data/amr.controller/internal/monitoring"
	"github.com/banshee-data/amr.controller/internal/odometry"
	"github.com/banshee-data/amr.controller/internal/protocol"
	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/timeutil"
)

var (
	ErrEmergencyActive = errors.New("emergency stop is active")
	ErrNotLatched      = errors.New("emergency stop is not latched")
	ErrNotManual       = errors.New("robot is not in manual mode")
	ErrObstacle        = errors.New("obstacle too close")
	ErrBusy            = errors.New("a maneuver is already running")
	ErrLinkLost        = errors.New("board link lost")
	ErrLink            = errors.New("failed to send command to board")
	ErrInvalid         = errors.New("invalid request")
)

const (
	// TickInterval is how often Run evaluates the safety checks.
	TickInterval = 50 * time.Millisecond

	// DefaultLogCapacity bounds the in-memory command and event logs.
	DefaultLogCapacity = 256

	// faultHold keeps health at warning after a board fault.
	faultHold = 10 * time.Second

	// lidarFresh is how long a scan counts toward obstacle clearance.
	lidarFresh = time.Second

	// lidarCone is the half width in degrees of the LIDAR arc checked ahead
	// of and behind the robot.
	lidarCone = 25.0

	// rearmAckTimeout bounds how long board brake reports are treated as
	// stale after a rearm that the board has not acked.
	rearmAckTimeout = 2 * time.Second

	maxTelemetryGap = time.Second
)

var logf = monitoring.Component("control")

// Sender transmits one encoded command line to the board.
type Sender interface {
	SendCommand(cmd string) error
}

// Options configures a Controller.
type Options struct {
	Config      *config.ControllerConfig
	Sender      Sender
	Clock       timeutil.Clock
	Journal     Journal
	Start       robot.Pose
	LogCapacity int
}

// Controller is safe for concurrent use.
type Controller struct {
	mu sync.Mutex

	cfg     *config.ControllerConfig
	sender  Sender
	clock   timeutil.Clock
	seq     protocol.Sequencer
	odo     *odometry.Estimator
	started time.Time

	mode      robot.Mode
	latched   bool
	reason    string
	latchedAt time.Time

	// commanded duties; the board reports what it applies in telemetry
	cmdLeft, cmdRight int
	driveAt           time.Time

	maneuver *maneuver

	telemetry     protocol.Telemetry
	haveTelemetry bool
	lastTelemetry time.Time
	sensors       robot.Sensors
	lidarAt       time.Time
	lidarFront    float64
	lidarRear     float64
	firmware      string
	lastAck       uint32
	rearmSeq      uint32
	rearmPending  bool
	rearmAt       time.Time
	lastFaultAt   time.Time
	linkLost      bool
	batteryLow    bool

	events   []robot.Event
	commands []robot.CommandRecord
	logCap   int
	journal  Journal
	pending  chan journalEntry
}

// New returns a controller in manual mode with motors stopped.
func New(opts Options) *Controller {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.EmptyControllerConfig()
	}
	clock := opts.Clock
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	sender := opts.Sender
	if sender == nil {
		sender = nopSender{}
	}
	logCap := opts.LogCapacity
	if logCap <= 0 {
		logCap = DefaultLogCapacity
	}

	c := &Controller{
		cfg:     cfg,
		sender:  sender,
		clock:   clock,
		odo:     odometry.NewEstimator(odometry.ParamsFromConfig(cfg)),
		started: clock.Now(),
		mode:    robot.ModeManual,
		logCap:  logCap,
		journal: opts.Journal,
		pending: make(chan journalEntry, journalBuffer),
	}
	c.sensors.UltrasonicFront = -1
	c.sensors.UltrasonicBack = -1
	c.odo.Reset(opts.Start)
	c.mu.Lock()
	c.eventLocked(robot.EventStartup, fmt.Sprintf("pose %.2f,%.2f heading %.0f", opts.Start.X, opts.Start.Y, opts.Start.Theta))
	c.mu.Unlock()
	return c
}

type nopSender struct{}

func (nopSender) SendCommand(string) error { return nil }

// SetConfig applies a new tuning configuration.
func (c *Controller) SetConfig(cfg *config.ControllerConfig) {
	if cfg == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg = cfg
	c.odo.SetParams(odometry.ParamsFromConfig(cfg))
	c.eventLocked(robot.EventConfigReload, "")
}

// Config returns the active configuration.
func (c *Controller) Config() *config.ControllerConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// SetMode switches operating mode. Any accepted change stops the motors and
// cancels the running maneuver.
func (c *Controller) SetMode(m robot.Mode) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	req := fmt.Sprintf("mode %s", m)
	if !validMode(m) {
		return c.rejectLocked(req, fmt.Errorf("%w: unknown mode %q", ErrInvalid, m))
	}
	if c.latched {
		return c.rejectLocked(req, ErrEmergencyActive)
	}
	if m == c.mode {
		return nil
	}

	prev := c.mode
	c.mode = m
	c.abortManeuverLocked("mode change")
	c.eventLocked(robot.EventModeChange, fmt.Sprintf("%s -> %s", prev, m))
	if m != robot.ModeManual {
		// no planner drives these modes; hold position until one exists
		logf("mode %s has no planner attached, holding motors stopped", m)
	}
	return c.stopLocked(robot.SourceOperator)
}

func validMode(m robot.Mode) bool {
	for _, v := range robot.Modes {
		if v == m {
			return true
		}
	}
	return false
}

// EmergencyStop latches the emergency stop and brakes the motors. Repeated
// calls resend the brake command but keep the original reason.
func (c *Controller) EmergencyStop(reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latchLocked(reason, robot.SourceOperator)
}

func (c *Controller) latchLocked(reason string, source robot.CommandSource) error {
	if reason == "" {
		reason = "operator request"
	}
	if !c.latched {
		c.latched = true
		c.rearmPending = false
		c.reason = reason
		c.latchedAt = c.clock.Now()
		c.eventLocked(robot.EventEmergencyStop, reason)
	}
	c.abortManeuverLocked("emergency stop")
	c.cmdLeft, c.cmdRight = 0, 0
	return c.sendLocked(protocol.EncodeEStop(c.seq.Next()), source)
}

// Rearm releases the emergency-stop latch. The motors stay stopped until the
// next drive command.
func (c *Controller) Rearm() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.latched {
		return c.rejectLocked("rearm", ErrNotLatched)
	}
	seq := c.seq.Next()
	if err := c.sendLocked(protocol.EncodeRearm(seq), robot.SourceOperator); err != nil {
		return err
	}
	c.rearmSeq, c.rearmPending, c.rearmAt = seq, true, c.clock.Now()
	c.eventLocked(robot.EventRearm, fmt.Sprintf("released after %s (%s)", c.clock.Since(c.latchedAt).Round(time.Second), c.reason))
	c.latched = false
	c.reason = ""
	c.cmdLeft, c.cmdRight = 0, 0
	return nil
}

// ResetPose moves the odometry origin and clears the trajectory. A running
// maneuver keeps the progress it has already made.
func (c *Controller) ResetPose(p robot.Pose) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var turned, travelled float64
	if m := c.maneuver; m != nil {
		turned = c.odo.Heading() - m.startHeading
		travelled = c.odo.Distance() - m.startDistance
	}
	c.odo.Reset(p)
	if m := c.maneuver; m != nil {
		m.startHeading = c.odo.Heading() - turned
		m.startDistance = c.odo.Distance() - travelled
	}
	c.eventLocked(robot.EventPoseReset, fmt.Sprintf("pose %.2f,%.2f heading %.0f", p.X, p.Y, p.Theta))
}

func (c *Controller) sendLocked(line string, source robot.CommandSource) error {
	err := c.sender.SendCommand(line)
	rec := robot.CommandRecord{
		ID:       uuid.NewString(),
		Time:     c.clock.Now(),
		Command:  line,
		Source:   source,
		Accepted: err == nil,
	}
	if err != nil {
		rec.Error = err.Error()
	}
	c.commandLocked(rec)
	if err != nil {
		logf("failed to send %q: %v", line, err)
		return fmt.Errorf("%w: %v", ErrLink, err)
	}
	return nil
}

func (c *Controller) rejectLocked(request string, err error) error {
	c.commandLocked(robot.CommandRecord{
		ID:      uuid.NewString(),
		Time:    c.clock.Now(),
		Command: request,
		Source:  robot.SourceOperator,
		Error:   err.Error(),
	})
	return err
}

func (c *Controller) driveLocked(left, right int, source robot.CommandSource) error {
	c.cmdLeft, c.cmdRight = left, right
	return c.sendLocked(protocol.EncodeDrive(c.seq.Next(), left, right), source)
}

func (c *Controller) stopLocked(source robot.CommandSource) error {
	c.cmdLeft, c.cmdRight = 0, 0
	return c.sendLocked(protocol.EncodeStop(c.seq.Next()), source)
}

func (c *Controller) movingLocked() bool {
	return c.cmdLeft != 0 || c.cmdRight != 0
}

// frontClearanceLocked returns the nearest obstacle ahead from the
// ultrasonic sensor and a fresh LIDAR scan, or -1 when nothing is seen.
func (c *Controller) frontClearanceLocked() float64 {
	return c.clearanceLocked(c.sensors.UltrasonicFront, c.lidarFront)
}

func (c *Controller) rearClearanceLocked() float64 {
	return c.clearanceLocked(c.sensors.UltrasonicBack, c.lidarRear)
}

func (c *Controller) clearanceLocked(ultrasonic, lidarRange float64) float64 {
	best := ultrasonic
	if c.lidarAt.IsZero() || c.clock.Since(c.lidarAt) > lidarFresh {
		return best
	}
	if lidarRange >= 0 && (best < 0 || lidarRange < best) {
		best = lidarRange
	}
	return best
}

func (c *Controller) blockedLocked(clearance float64) bool {
	return clearance >= 0 && clearance < c.cfg.GetObstacleStopDistance()
}

// ObserveScan stores the sector view of a LIDAR scan and the nearest
// returns ahead and behind.
func (c *Controller) ObserveScan(scan lidar.Scan) {
	sectors := scan.Sectors(lidar.DefaultSectors)
	front := scan.MinRange(0, lidarCone)
	rear := scan.MinRange(180, lidarCone)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sensors.Lidar = sectors
	c.lidarFront, c.lidarRear = front, rear
	c.lidarAt = c.clock.Now()
}

// Snapshot returns a consistent copy of the robot state.
func (c *Controller) Snapshot() robot.Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	s := robot.Snapshot{
		Timestamp:       now,
		Uptime:          now.Sub(c.started),
		Pose:            c.odo.Pose(),
		Sensors:         c.sensors,
		Health:          c.healthLocked(now),
		Mode:            c.mode,
		EmergencyActive: c.latched,
		EmergencyReason: c.reason,
		Firmware:        c.firmware,
		Distance:        c.odo.Distance(),
		Diagnostics: robot.Diagnostics{
			LastAck:       c.lastAck,
			GyroBias:      c.odo.GyroBias(),
			EncoderResets: c.odo.EncoderResets(),
		},
	}
	s.Sensors.Lidar = append([]float64(nil), c.sensors.Lidar...)
	if c.maneuver != nil {
		s.Maneuver = string(c.maneuver.kind)
	}
	if c.haveTelemetry {
		s.LinkAge = now.Sub(c.lastTelemetry)
		s.Motors = robot.Motors{
			LeftSpeed:    c.telemetry.PWMLeft,
			RightSpeed:   c.telemetry.PWMRight,
			LeftEncoder:  c.telemetry.EncoderLeft,
			RightEncoder: c.telemetry.EncoderRight,
		}
		s.Battery = robot.Battery{
			Voltage:    c.telemetry.BatteryVolts,
			Percentage: robot.BatteryPercent(c.telemetry.BatteryVolts),
		}
	} else {
		s.LinkAge = now.Sub(c.started)
		s.Motors = robot.Motors{LeftSpeed: float64(c.cmdLeft), RightSpeed: float64(c.cmdRight)}
	}
	return s
}

func (c *Controller) healthLocked(now time.Time) robot.Health {
	switch {
	case c.latched:
		return robot.HealthEmergency
	case c.linkLost:
		return robot.HealthError
	case c.batteryLow, !c.lastFaultAt.IsZero() && now.Sub(c.lastFaultAt) < faultHold:
		return robot.HealthWarning
	}
	return robot.HealthOperational
}

// Trajectory returns up to n recent poses, oldest first.
func (c *Controller) Trajectory(n int) []robot.Pose {
	return c.odo.History(n)
}
