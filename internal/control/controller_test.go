package control

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/banshee-data/amr.controller/internal/config"
	"github.com/banshee-data/amr.controller/internal/lidar"
	"github.com/banshee-data/amr.controller/internal/monitoring"
	"github.com/banshee-data/amr.controller/internal/protocol"
	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/timeutil"
)

func TestMain(m *testing.M) {
	monitoring.SetLogger(nil)
	goleak.VerifyTestMain(m)
}

type recordingSender struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (s *recordingSender) SendCommand(cmd string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.lines = append(s.lines, cmd)
	return nil
}

func (s *recordingSender) verbs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.lines))
	for i, l := range s.lines {
		out[i] = strings.Fields(l)[0]
	}
	return out
}

func (s *recordingSender) last() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.lines) == 0 {
		return ""
	}
	return s.lines[len(s.lines)-1]
}

func (s *recordingSender) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = nil
}

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	c      *Controller
	clock  *timeutil.MockClock
	sender *recordingSender
	ms     int64
	encL   int64
	encR   int64

	spinBaseL, spinBaseR int64
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		clock:  timeutil.NewMockClock(epoch),
		sender: &recordingSender{},
	}
	f.c = New(Options{Sender: f.sender, Clock: f.clock})
	f.telemetry(protocol.Telemetry{})
	return f
}

// telemetry advances the clock by 100 ms and feeds a healthy report.
func (f *fixture) telemetry(t protocol.Telemetry) {
	f.clock.Advance(100 * time.Millisecond)
	f.ms += 100
	t.UptimeMs = f.ms
	if t.BatteryVolts == 0 {
		t.BatteryVolts = 12.4
	}
	if t.UltrasonicFront == 0 {
		t.UltrasonicFront = -1
	}
	if t.UltrasonicBack == 0 {
		t.UltrasonicBack = -1
	}
	if t.EncoderLeft == 0 && t.EncoderRight == 0 {
		t.EncoderLeft, t.EncoderRight = f.encL, f.encR
	}
	f.encL, f.encR = t.EncoderLeft, t.EncoderRight
	f.c.Observe(t)
}

func (f *fixture) tick() {
	f.c.Tick(f.clock.Now())
}

func TestNewControllerDefaults(t *testing.T) {
	f := newFixture(t)
	s := f.c.Snapshot()
	assert.Equal(t, robot.ModeManual, s.Mode)
	assert.Equal(t, robot.HealthOperational, s.Health)
	assert.False(t, s.EmergencyActive)
	assert.Equal(t, 12.4, s.Battery.Voltage)
	assert.Equal(t, 88, s.Battery.Percentage)

	events := f.c.Events(0)
	require.Len(t, events, 1)
	assert.Equal(t, robot.EventStartup, events[0].Kind)
}

func TestSetMode(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.c.SetMode(robot.ModePatrol))
	assert.Equal(t, robot.ModePatrol, f.c.Snapshot().Mode)
	assert.Equal(t, []string{"S"}, f.sender.verbs())
	assert.Equal(t, robot.EventModeChange, f.c.Events(1)[0].Kind)
	assert.Equal(t, "manual -> patrol", f.c.Events(1)[0].Detail)

	// same mode is a no-op
	require.NoError(t, f.c.SetMode(robot.ModePatrol))
	assert.Len(t, f.sender.verbs(), 1)

	err := f.c.SetMode(robot.Mode("dance"))
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestSetModeRejectedWhileLatched(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.EmergencyStop("test"))

	assert.ErrorIs(t, f.c.SetMode(robot.ModeMapping), ErrEmergencyActive)
	assert.Equal(t, robot.ModeManual, f.c.Snapshot().Mode)

	rec := f.c.Commands(1)[0]
	assert.False(t, rec.Accepted)
	assert.Equal(t, "mode mapping", rec.Command)
	assert.Equal(t, ErrEmergencyActive.Error(), rec.Error)
}

func TestEmergencyStopLatchAndRearm(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Drive(Forward, 50))

	require.NoError(t, f.c.EmergencyStop("bumper"))
	s := f.c.Snapshot()
	assert.True(t, s.EmergencyActive)
	assert.Equal(t, "bumper", s.EmergencyReason)
	assert.Equal(t, robot.HealthEmergency, s.Health)

	// idempotent: the reason sticks and no second event is logged
	require.NoError(t, f.c.EmergencyStop("again"))
	assert.Equal(t, "bumper", f.c.Snapshot().EmergencyReason)
	count := 0
	for _, ev := range f.c.Events(0) {
		if ev.Kind == robot.EventEmergencyStop {
			count++
		}
	}
	assert.Equal(t, 1, count)

	assert.ErrorIs(t, f.c.Drive(Forward, 50), ErrEmergencyActive)
	assert.ErrorIs(t, f.c.StartManeuver(Rotate90), ErrEmergencyActive)

	require.NoError(t, f.c.Rearm())
	assert.False(t, f.c.Snapshot().EmergencyActive)
	assert.Equal(t, []string{"D", "E", "E", "R"}, f.sender.verbs())

	assert.ErrorIs(t, f.c.Rearm(), ErrNotLatched)
}

func TestEmergencyStopLatchesEvenWhenSendFails(t *testing.T) {
	f := newFixture(t)
	f.sender.err = errors.New("write failed")

	err := f.c.EmergencyStop("")
	assert.ErrorIs(t, err, ErrLink)
	s := f.c.Snapshot()
	assert.True(t, s.EmergencyActive)
	assert.Equal(t, "operator request", s.EmergencyReason)

	// a failed rearm keeps the latch
	assert.ErrorIs(t, f.c.Rearm(), ErrLink)
	assert.True(t, f.c.Snapshot().EmergencyActive)
}

func TestBoardEStopLatchesHost(t *testing.T) {
	f := newFixture(t)
	f.telemetry(protocol.Telemetry{EStop: true})

	s := f.c.Snapshot()
	assert.True(t, s.EmergencyActive)
	assert.Equal(t, "board emergency stop", s.EmergencyReason)
}

func TestRearmIgnoresBrakeReportsUntilAcked(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.EmergencyStop("bumper"))
	f.telemetry(protocol.Telemetry{EStop: true})
	require.NoError(t, f.c.Rearm())
	rearm := f.sender.last()
	if rearm != "R 2" {
		t.Fatalf("rearm sent %q, want %q", rearm, "R 2")
	}

	// reports already in flight when R was written
	f.telemetry(protocol.Telemetry{EStop: true})
	f.c.HandleMessage(protocol.Message{Kind: protocol.KindAck, Ack: &protocol.Ack{Seq: 1}})
	f.telemetry(protocol.Telemetry{EStop: true})
	if s := f.c.Snapshot(); s.EmergencyActive {
		t.Fatalf("stale brake report re-latched: %q", s.EmergencyReason)
	}

	// once R is acked the board brake counts again
	f.c.HandleMessage(protocol.Message{Kind: protocol.KindAck, Ack: &protocol.Ack{Seq: 2}})
	f.telemetry(protocol.Telemetry{EStop: true})
	s := f.c.Snapshot()
	if !s.EmergencyActive || s.EmergencyReason != "board emergency stop" {
		t.Errorf("after ack: active=%v reason=%q", s.EmergencyActive, s.EmergencyReason)
	}
}

func TestRearmWithoutAckTimesOut(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.EmergencyStop("bumper"))
	require.NoError(t, f.c.Rearm())

	f.telemetry(protocol.Telemetry{EStop: true})
	if f.c.Snapshot().EmergencyActive {
		t.Fatal("latched inside the ack window")
	}
	f.clock.Advance(rearmAckTimeout)
	f.telemetry(protocol.Telemetry{EStop: true})
	if !f.c.Snapshot().EmergencyActive {
		t.Error("board brake ignored after the ack window")
	}
}

func TestRearmReleasedByClearReport(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.EmergencyStop("bumper"))
	require.NoError(t, f.c.Rearm())

	// the board reports its brake released, so a later brake is real
	f.telemetry(protocol.Telemetry{})
	f.telemetry(protocol.Telemetry{EStop: true})
	if !f.c.Snapshot().EmergencyActive {
		t.Error("brake after a clear report did not latch")
	}
}

func TestDrive(t *testing.T) {
	tests := []struct {
		dir   Direction
		speed int
		want  string
	}{
		{Forward, 50, "D 1 50 50"},
		{Backward, 30, "D 1 -30 -30"},
		{Left, 40, "D 1 -40 40"},
		{Right, 40, "D 1 40 -40"},
		{Forward, 150, "D 1 100 100"},
		{Forward, -5, "D 1 0 0"},
		{Stop, 50, "S 1"},
	}
	for _, tt := range tests {
		t.Run(string(tt.dir), func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.c.Drive(tt.dir, tt.speed))
			assert.Equal(t, tt.want, f.sender.last())
		})
	}
}

func TestDriveRequiresManual(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.SetMode(robot.ModeAutonomous))
	assert.ErrorIs(t, f.c.Drive(Forward, 50), ErrNotManual)
	assert.ErrorIs(t, f.c.StartManeuver(Advance1m), ErrNotManual)
}

func TestDriveRefusedByObstacle(t *testing.T) {
	f := newFixture(t)
	f.telemetry(protocol.Telemetry{UltrasonicFront: 0.2, UltrasonicBack: 1.5})

	assert.ErrorIs(t, f.c.Drive(Forward, 50), ErrObstacle)
	assert.ErrorIs(t, f.c.StartManeuver(Advance1m), ErrObstacle)
	require.NoError(t, f.c.Drive(Backward, 50))
	require.NoError(t, f.c.Drive(Left, 50))

	f.telemetry(protocol.Telemetry{UltrasonicFront: 2, UltrasonicBack: 0.1})
	assert.ErrorIs(t, f.c.Drive(Backward, 50), ErrObstacle)
	require.NoError(t, f.c.Drive(Forward, 50))
}

func TestLidarCountsTowardClearance(t *testing.T) {
	f := newFixture(t)
	ranges := make([]float64, 360)
	ranges[2] = 0.25
	f.c.ObserveScan(lidar.Scan{Timestamp: f.clock.Now(), Ranges: ranges})

	assert.ErrorIs(t, f.c.Drive(Forward, 50), ErrObstacle)
	s := f.c.Snapshot()
	require.Len(t, s.Sensors.Lidar, lidar.DefaultSectors)
	assert.Equal(t, 0.25, s.Sensors.Lidar[0])

	// stale scans are ignored
	f.telemetry(protocol.Telemetry{})
	f.clock.Advance(2 * time.Second)
	f.telemetry(protocol.Telemetry{})
	require.NoError(t, f.c.Drive(Forward, 50))
}

func TestLidarConeBehind(t *testing.T) {
	f := newFixture(t)
	ranges := make([]float64, 360)
	ranges[200] = 0.2 // 20 degrees off the rear axis
	ranges[90] = 0.1  // beside the robot, outside both cones
	f.c.ObserveScan(lidar.Scan{Timestamp: f.clock.Now(), Ranges: ranges})

	if err := f.c.Drive(Forward, 50); err != nil {
		t.Fatalf("Drive(forward) = %v", err)
	}
	if err := f.c.Drive(Backward, 50); !errors.Is(err, ErrObstacle) {
		t.Errorf("Drive(backward) = %v, want ErrObstacle", err)
	}
}

func TestObstacleGuardStopsForwardMotion(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Drive(Forward, 50))

	f.telemetry(protocol.Telemetry{UltrasonicFront: 0.25})
	f.tick()

	assert.Equal(t, "S", f.sender.verbs()[len(f.sender.verbs())-1])
	assert.Equal(t, robot.EventObstacle, f.c.Events(1)[0].Kind)

	// rotating in place is not blocked
	require.NoError(t, f.c.Drive(Left, 50))
	f.tick()
	assert.Equal(t, "D", f.sender.verbs()[len(f.sender.verbs())-1])
}

func TestWatchdogStopsStaleDrive(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Drive(Forward, 50))

	f.telemetry(protocol.Telemetry{})
	f.tick()
	assert.Equal(t, "D", f.sender.verbs()[len(f.sender.verbs())-1])

	// refreshing keeps the robot moving
	require.NoError(t, f.c.Drive(Forward, 50))
	for i := 0; i < 4; i++ {
		f.telemetry(protocol.Telemetry{})
		f.tick()
	}
	assert.Equal(t, "D", f.sender.verbs()[len(f.sender.verbs())-1])

	for i := 0; i < 3; i++ {
		f.telemetry(protocol.Telemetry{})
		f.tick()
	}
	assert.Equal(t, "S", f.sender.verbs()[len(f.sender.verbs())-1])
	assert.Equal(t, robot.EventWatchdog, f.c.Events(1)[0].Kind)
}

func TestLinkLoss(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.c.Drive(Forward, 50))

	f.clock.Advance(2500 * time.Millisecond)
	f.tick()

	s := f.c.Snapshot()
	assert.Equal(t, robot.HealthError, s.Health)
	assert.GreaterOrEqual(t, s.LinkAge, 2500*time.Millisecond)
	assert.Equal(t, "S", f.sender.verbs()[len(f.sender.verbs())-1])
	assert.ErrorIs(t, f.c.Drive(Forward, 50), ErrLinkLost)

	f.telemetry(protocol.Telemetry{})
	assert.Equal(t, robot.HealthOperational, f.c.Snapshot().Health)
	assert.Equal(t, robot.EventLinkRestored, f.c.Events(1)[0].Kind)
}

func TestBatteryThresholds(t *testing.T) {
	f := newFixture(t)

	// 11.3 V is about 19 %
	f.telemetry(protocol.Telemetry{BatteryVolts: 11.3})
	f.tick()
	s := f.c.Snapshot()
	assert.Equal(t, robot.HealthWarning, s.Health)
	assert.False(t, s.EmergencyActive)

	// 11.05 V is about 3 %
	f.telemetry(protocol.Telemetry{BatteryVolts: 11.05})
	f.tick()
	s = f.c.Snapshot()
	assert.True(t, s.EmergencyActive)
	assert.Contains(t, s.EmergencyReason, "battery critical")
}

func TestFaultRaisesWarning(t *testing.T) {
	f := newFixture(t)
	f.c.HandleMessage(protocol.Message{Kind: protocol.KindFault, Fault: &protocol.Fault{Code: "overcurrent", Message: "left motor"}})
	assert.Equal(t, robot.HealthWarning, f.c.Snapshot().Health)
	assert.Equal(t, "overcurrent: left motor", f.c.Events(1)[0].Detail)

	f.clock.Advance(11 * time.Second)
	f.telemetry(protocol.Telemetry{})
	assert.Equal(t, robot.HealthOperational, f.c.Snapshot().Health)
}

func TestHandleHelloAndAck(t *testing.T) {
	f := newFixture(t)
	f.c.HandleMessage(protocol.Message{Kind: protocol.KindHello, Hello: &protocol.Hello{Firmware: "fw-1.2"}})
	f.c.HandleMessage(protocol.Message{Kind: protocol.KindAck, Ack: &protocol.Ack{Seq: 7}})

	assert.Equal(t, "fw-1.2", f.c.Snapshot().Firmware)
	assert.Equal(t, uint32(7), f.c.Snapshot().Diagnostics.LastAck)
	assert.Equal(t, robot.EventFirmware, f.c.Events(1)[0].Kind)
}

func TestSnapshotDiagnostics(t *testing.T) {
	f := newFixture(t)
	f.telemetry(protocol.Telemetry{EncoderLeft: 200, EncoderRight: 200})
	// the board rebooted and its counters restarted
	f.telemetry(protocol.Telemetry{EncoderLeft: 9000, EncoderRight: 9000})

	d := f.c.Snapshot().Diagnostics
	if d.EncoderResets != 1 {
		t.Errorf("EncoderResets = %d, want 1", d.EncoderResets)
	}
	if d.GyroBias != 0 {
		t.Errorf("GyroBias = %v with a still gyro, want 0", d.GyroBias)
	}
}

func TestSetConfig(t *testing.T) {
	f := newFixture(t)
	d := 1.0
	f.c.SetConfig(&config.ControllerConfig{ObstacleStopDistance: &d})
	assert.Equal(t, 1.0, f.c.Config().GetObstacleStopDistance())

	f.telemetry(protocol.Telemetry{UltrasonicFront: 0.8})
	assert.ErrorIs(t, f.c.Drive(Forward, 50), ErrObstacle)
}

func TestParseHelpers(t *testing.T) {
	d, err := ParseDirection(" Forward ")
	require.NoError(t, err)
	assert.Equal(t, Forward, d)
	_, err = ParseDirection("up")
	assert.ErrorIs(t, err, ErrInvalid)

	k, err := ParseManeuver("ROTATE90")
	require.NoError(t, err)
	assert.Equal(t, Rotate90, k)
	_, err = ParseManeuver("spin")
	assert.ErrorIs(t, err, ErrInvalid)
}

type memoryJournal struct {
	mu       sync.Mutex
	commands []robot.CommandRecord
	events   []robot.Event
}

func (j *memoryJournal) RecordCommand(_ context.Context, rec robot.CommandRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.commands = append(j.commands, rec)
	return nil
}

func (j *memoryJournal) RecordEvent(_ context.Context, ev robot.Event) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.events = append(j.events, ev)
	return nil
}

func (j *memoryJournal) counts() (int, int) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.commands), len(j.events)
}

func TestRunPersistsJournalAndTicks(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	sender := &recordingSender{}
	journal := &memoryJournal{}
	c := New(Options{Sender: sender, Clock: clock, Journal: journal})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, c.SetMode(robot.ModePatrol))

	require.Eventually(t, func() bool {
		cmds, events := journal.counts()
		return cmds == 1 && events == 2
	}, 2*time.Second, 10*time.Millisecond)

	// no telemetry ever arrives; ticking past the link timeout flags the link
	require.Eventually(t, func() bool {
		clock.Advance(TickInterval)
		return c.Snapshot().Health == robot.HealthError
	}, 2*time.Second, time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	_, events := journal.counts()
	assert.Equal(t, 3, events)
}

func TestCommandLogIsBounded(t *testing.T) {
	clock := timeutil.NewMockClock(epoch)
	c := New(Options{Clock: clock, LogCapacity: 3})
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Drive(Stop, 0))
	}
	cmds := c.Commands(10)
	require.Len(t, cmds, 3)
	assert.Equal(t, "S 5", cmds[0].Command)
	assert.Equal(t, "S 3", cmds[2].Command)
	assert.NotEmpty(t, cmds[0].ID)
}
