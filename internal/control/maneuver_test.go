package control

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/amr.controller/internal/protocol"
	"github.com/banshee-data/amr.controller/internal/robot"
)

// spin feeds n telemetry reports of an in-place left turn of stepDeg each.
func (f *fixture) spin(n int, stepDeg float64) {
	// wheel arc per degree for a 0.25 m wheel base at 1000 ticks/m
	ticksPerDeg := 0.125 * math.Pi / 180 * 1000
	for i := 0; i < n; i++ {
		d := int64(math.Round(float64(i+1) * stepDeg * ticksPerDeg))
		f.telemetry(protocol.Telemetry{
			EncoderLeft:  f.spinBaseL - d,
			EncoderRight: f.spinBaseR + d,
			GyroZ:        stepDeg / 0.1,
		})
		f.tick()
	}
}

func TestRotate90Completes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.StartManeuver(Rotate90))
	assert.Equal(t, "D 1 -40 40", f.sender.last())
	assert.Equal(t, "rotate90", f.c.Snapshot().Maneuver)

	assert.ErrorIs(t, f.c.StartManeuver(Advance1m), ErrBusy)
	assert.ErrorIs(t, f.c.Drive(Forward, 50), ErrBusy)

	f.spinBaseL, f.spinBaseR = f.encL, f.encR
	f.spin(5, 9)
	assert.Equal(t, "rotate90", f.c.Snapshot().Maneuver, "half way there")

	f.spinBaseL, f.spinBaseR = f.encL, f.encR
	f.spin(6, 9)
	s := f.c.Snapshot()
	assert.Empty(t, s.Maneuver)
	assert.InDelta(t, 90, s.Pose.Theta, 10)
	assert.Equal(t, "S", f.sender.verbs()[len(f.sender.verbs())-1])
	assert.Equal(t, robot.EventManeuverComplete, f.c.Events(1)[0].Kind)
}

func TestAdvance1mCompletes(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.StartManeuver(Advance1m))
	assert.Equal(t, "D 1 40 40", f.sender.last())

	// the watchdog does not interrupt maneuvers
	for i := 1; i <= 9; i++ {
		f.telemetry(protocol.Telemetry{EncoderLeft: int64(i * 100), EncoderRight: int64(i * 100)})
		f.tick()
	}
	assert.Equal(t, "advance1m", f.c.Snapshot().Maneuver)
	assert.Equal(t, "D", f.sender.verbs()[len(f.sender.verbs())-1])

	f.telemetry(protocol.Telemetry{EncoderLeft: 1000, EncoderRight: 1000})
	f.tick()

	s := f.c.Snapshot()
	assert.Empty(t, s.Maneuver)
	assert.InDelta(t, 1.0, s.Distance, 1e-9)
	assert.InDelta(t, 1.0, s.Pose.X, 1e-9)
	assert.Equal(t, "S", f.sender.verbs()[len(f.sender.verbs())-1])
}

func TestAdvance1mKeepsProgressAcrossPoseReset(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.StartManeuver(Advance1m))
	for i := 1; i <= 5; i++ {
		f.telemetry(protocol.Telemetry{EncoderLeft: int64(i * 100), EncoderRight: int64(i * 100)})
		f.tick()
	}

	f.c.ResetPose(robot.Pose{X: 3})
	if got := f.c.Events(1)[0]; got.Kind != robot.EventPoseReset {
		t.Fatalf("last event = %s, want %s", got.Kind, robot.EventPoseReset)
	}

	// the first report after a reset only re-baselines the encoders
	for i := 5; i <= 9; i++ {
		f.telemetry(protocol.Telemetry{EncoderLeft: int64(i * 100), EncoderRight: int64(i * 100)})
		f.tick()
	}
	if got := f.c.Snapshot().Maneuver; got != "advance1m" {
		t.Fatalf("maneuver = %q after 0.9 m", got)
	}

	f.telemetry(protocol.Telemetry{EncoderLeft: 1000, EncoderRight: 1000})
	f.tick()
	s := f.c.Snapshot()
	if s.Maneuver != "" {
		t.Errorf("maneuver = %q after 1 m, want done", s.Maneuver)
	}
	if math.Abs(s.Pose.X-3.5) > 1e-9 {
		t.Errorf("pose x = %v, want 3.5", s.Pose.X)
	}
	if got := f.sender.verbs()[len(f.sender.verbs())-1]; got != "S" {
		t.Errorf("last command verb = %q, want S", got)
	}
}

func TestRotate90KeepsProgressAcrossPoseReset(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.StartManeuver(Rotate90))

	f.spinBaseL, f.spinBaseR = f.encL, f.encR
	f.spin(5, 9)
	f.c.ResetPose(robot.Pose{})

	// one report re-baselines, six more add 54 degrees
	f.spinBaseL, f.spinBaseR = f.encL, f.encR
	f.spin(7, 9)
	if got := f.c.Snapshot().Maneuver; got != "" {
		t.Errorf("maneuver = %q after about 99 degrees, want done", got)
	}
	assert.Equal(t, robot.EventManeuverComplete, f.c.Events(1)[0].Kind)
}

func TestManeuverTimeout(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.StartManeuver(Advance1m))

	// wheels stalled: telemetry keeps arriving but nothing moves
	for i := 0; i < 160; i++ {
		f.telemetry(protocol.Telemetry{})
		f.tick()
	}

	s := f.c.Snapshot()
	assert.Empty(t, s.Maneuver)
	ev := f.c.Events(1)[0]
	assert.Equal(t, robot.EventManeuverAbort, ev.Kind)
	assert.Contains(t, ev.Detail, "timeout")
	assert.Equal(t, "S", f.sender.verbs()[len(f.sender.verbs())-1])
}

func TestManeuverAbortedByObstacle(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.StartManeuver(Advance1m))

	f.telemetry(protocol.Telemetry{EncoderLeft: 100, EncoderRight: 100, UltrasonicFront: 0.2})
	f.tick()

	assert.Empty(t, f.c.Snapshot().Maneuver)
	var kinds []robot.EventKind
	for _, ev := range f.c.Events(2) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []robot.EventKind{robot.EventManeuverAbort, robot.EventObstacle}, kinds)
}

func TestManeuverAbortedByStopAndModeChange(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.StartManeuver(Rotate90))
	require.NoError(t, f.c.Drive(Stop, 0))
	assert.Empty(t, f.c.Snapshot().Maneuver)
	assert.Equal(t, "S 2", f.sender.last())

	require.NoError(t, f.c.StartManeuver(Rotate90))
	require.NoError(t, f.c.SetMode(robot.ModeMapping))
	assert.Empty(t, f.c.Snapshot().Maneuver)

	require.NoError(t, f.c.SetMode(robot.ModeManual))
	require.NoError(t, f.c.StartManeuver(Rotate90))
	require.NoError(t, f.c.EmergencyStop("test"))
	assert.Empty(t, f.c.Snapshot().Maneuver)
	assert.Equal(t, robot.EventManeuverAbort, f.c.Events(1)[0].Kind)
}

func TestTrajectoryRecordsMotion(t *testing.T) {
	f := newFixture(t)
	for i := 1; i <= 5; i++ {
		f.telemetry(protocol.Telemetry{EncoderLeft: int64(i * 200), EncoderRight: int64(i * 200)})
	}
	traj := f.c.Trajectory(0)
	require.Len(t, traj, 6)
	assert.Equal(t, robot.Pose{}, traj[0])
	assert.InDelta(t, 1.0, traj[5].X, 1e-9)
	assert.Len(t, f.c.Trajectory(2), 2)

	f.c.ResetPose(robot.Pose{X: 1, Y: 1})
	assert.Equal(t, []robot.Pose{{X: 1, Y: 1}}, f.c.Trajectory(0))
}
