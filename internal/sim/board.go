package sim

import (
	"bytes"
	"errors"
	"math"
	"sync"
	"time"

	"github.com/banshee-data/amr.controller/internal/protocol"
	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/units"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("simulated board closed")

// maxUltrasonicRange matches the HC-SR04 class sensors on the chassis; longer
// echoes are reported as -1.
const maxUltrasonicRange = 4.0

// BoardOptions configures a simulated board.
type BoardOptions struct {
	// Period is the telemetry interval. Zero disables the internal clock so
	// tests drive the board with Step and EmitTelemetry.
	Period        time.Duration
	Room          Room
	Start         robot.Pose
	TicksPerMetre float64
	WheelBase     float64
	MaxWheelSpeed float64
	Firmware      string
}

func (o BoardOptions) withDefaults() BoardOptions {
	if o.Room.Size <= 0 {
		o.Room = DefaultRoom()
	}
	if o.Start == (robot.Pose{}) {
		o.Start = robot.Pose{X: 5, Y: 5, Theta: 180}
	}
	if o.TicksPerMetre <= 0 {
		o.TicksPerMetre = 1000
	}
	if o.WheelBase <= 0 {
		o.WheelBase = 0.25
	}
	if o.MaxWheelSpeed <= 0 {
		o.MaxWheelSpeed = 0.5
	}
	if o.Firmware == "" {
		o.Firmware = "sim-0.1.0"
	}
	return o
}

// Board is a simulated low-level board. It implements the serial port
// interface: commands written to it are executed against a differential drive
// model and it answers with acks, faults and periodic telemetry lines.
type Board struct {
	mu   sync.Mutex
	cond *sync.Cond
	opts BoardOptions

	pose       robot.Pose
	dutyL      int
	dutyR      int
	encL, encR float64
	speed      float64
	accel      float64
	estop      bool
	uptime     time.Duration
	period     time.Duration
	collided   bool

	in     []byte
	out    bytes.Buffer
	closed bool

	periodCh chan time.Duration
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewBoard creates a simulated board. When opts.Period is non-zero the board
// steps itself and emits telemetry until Close.
func NewBoard(opts BoardOptions) *Board {
	opts = opts.withDefaults()
	b := &Board{
		opts:     opts,
		pose:     opts.Start,
		period:   opts.Period,
		periodCh: make(chan time.Duration, 1),
		done:     make(chan struct{}),
	}
	b.cond = sync.NewCond(&b.mu)
	if opts.Period > 0 {
		b.wg.Add(1)
		go b.run()
	}
	return b
}

func (b *Board) run() {
	defer b.wg.Done()
	period := b.opts.Period
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-b.done:
			return
		case p := <-b.periodCh:
			period = p
			ticker.Reset(p)
		case <-ticker.C:
			b.Step(period)
			b.EmitTelemetry()
		}
	}
}

// Read blocks until the board has output or is closed.
func (b *Board) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for !b.closed && b.out.Len() == 0 {
		b.cond.Wait()
	}
	if b.out.Len() == 0 {
		return 0, ErrClosed
	}
	return b.out.Read(p)
}

// Write accepts host command bytes; complete lines are executed immediately.
func (b *Board) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return 0, ErrClosed
	}
	b.in = append(b.in, p...)
	for {
		i := bytes.IndexByte(b.in, '\n')
		if i < 0 {
			break
		}
		line := string(b.in[:i])
		b.in = b.in[i+1:]
		b.execLocked(line)
	}
	return len(p), nil
}

// Close stops the internal clock and unblocks readers.
func (b *Board) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.cond.Broadcast()
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
	return nil
}

func (b *Board) emitLocked(kind protocol.Kind, v any) {
	line, err := protocol.Encode(kind, v)
	if err != nil {
		return
	}
	b.out.WriteString(line)
	b.out.WriteByte('\n')
	b.cond.Broadcast()
}

func (b *Board) execLocked(line string) {
	cmd, err := protocol.ParseCommand(line)
	if err != nil {
		b.emitLocked(protocol.KindFault, protocol.Fault{Code: "bad_command", Message: err.Error()})
		return
	}

	switch cmd.Verb {
	case protocol.VerbDrive:
		if b.estop {
			b.emitLocked(protocol.KindFault, protocol.Fault{Code: "estop_latched", Message: "drive refused while brake latched"})
			return
		}
		b.dutyL, b.dutyR = cmd.Left, cmd.Right
	case protocol.VerbStop:
		b.dutyL, b.dutyR = 0, 0
	case protocol.VerbEStop:
		b.estop = true
		b.dutyL, b.dutyR = 0, 0
	case protocol.VerbRearm:
		b.estop = false
	case protocol.VerbTelemetry:
		b.period = time.Duration(cmd.Arg) * time.Millisecond
		if b.opts.Period > 0 {
			select {
			case b.periodCh <- b.period:
			default:
			}
		}
		return
	case protocol.VerbVersion:
		b.emitLocked(protocol.KindHello, protocol.Hello{Firmware: b.opts.Firmware})
		return
	default:
		// clock sync carries no sequence number and needs no ack
		return
	}
	b.emitLocked(protocol.KindAck, protocol.Ack{Seq: cmd.Seq})
}

// Step advances the physics model by dt.
func (b *Board) Step(dt time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	secs := dt.Seconds()
	b.uptime += dt
	if secs <= 0 {
		return
	}

	vl := float64(b.dutyL) / 100 * b.opts.MaxWheelSpeed
	vr := float64(b.dutyR) / 100 * b.opts.MaxWheelSpeed

	v := (vl + vr) / 2
	w := (vr - vl) / b.opts.WheelBase // rad/s, CCW positive
	b.accel = (v - b.speed) / secs
	b.speed = v

	rad := b.pose.Theta * math.Pi / 180
	nx := b.pose.X + v*math.Cos(rad)*secs
	ny := b.pose.Y + v*math.Sin(rad)*secs

	// the chassis stalls against walls; wheels still slip so encoders count
	b.collided = !b.opts.Room.Contains(nx, ny)
	if !b.collided {
		b.pose.X, b.pose.Y = nx, ny
	}
	b.pose.Theta = units.NormaliseDegrees(b.pose.Theta + w*secs*180/math.Pi)

	b.encL += vl * secs * b.opts.TicksPerMetre
	b.encR += vr * secs * b.opts.TicksPerMetre
}

func (b *Board) ultrasonicLocked(offsetDeg float64) float64 {
	r := b.opts.Room.Range(b.pose.X, b.pose.Y, b.pose.Theta+offsetDeg)
	if r > maxUltrasonicRange {
		return -1
	}
	return math.Round(r*1000) / 1000
}

func (b *Board) batteryLocked() float64 {
	load := float64(abs(b.dutyL)+abs(b.dutyR)) / 200
	v := 12.6 - 0.0005*b.uptime.Seconds() - 0.4*load
	if v < 10.5 {
		v = 10.5
	}
	return math.Round(v*100) / 100
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Telemetry returns the report the board would send right now.
func (b *Board) Telemetry() protocol.Telemetry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.telemetryLocked()
}

func (b *Board) telemetryLocked() protocol.Telemetry {
	vl := float64(b.dutyL) / 100 * b.opts.MaxWheelSpeed
	vr := float64(b.dutyR) / 100 * b.opts.MaxWheelSpeed
	w := (vr - vl) / b.opts.WheelBase
	return protocol.Telemetry{
		UptimeMs:        b.uptime.Milliseconds(),
		UltrasonicFront: b.ultrasonicLocked(0),
		UltrasonicBack:  b.ultrasonicLocked(180),
		EncoderLeft:     int64(math.Round(b.encL)),
		EncoderRight:    int64(math.Round(b.encR)),
		PWMLeft:         float64(b.dutyL),
		PWMRight:        float64(b.dutyR),
		AccelX:          math.Round(b.accel*1000) / 1000,
		AccelZ:          9.81,
		GyroZ:           math.Round(w*180/math.Pi*1000) / 1000,
		BatteryVolts:    b.batteryLocked(),
		EStop:           b.estop,
	}
}

// EmitTelemetry queues a telemetry line for the host.
func (b *Board) EmitTelemetry() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.emitLocked(protocol.KindTelemetry, b.telemetryLocked())
}

// Pose returns the simulated ground-truth pose.
func (b *Board) Pose() robot.Pose {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pose
}

// Duties returns the wheel duties currently applied.
func (b *Board) Duties() (left, right int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dutyL, b.dutyR
}

// Latched reports whether the board-side brake is latched.
func (b *Board) Latched() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.estop
}

// Room returns the arena the board drives in.
func (b *Board) Room() Room {
	return b.opts.Room
}

// Collided reports whether the last Step ran the chassis into a wall or
// obstacle.
func (b *Board) Collided() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.collided
}

// TelemetryPeriod returns the last period requested by the host.
func (b *Board) TelemetryPeriod() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.period
}
