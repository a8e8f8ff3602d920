package odometry

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/mat"

	"github.com/banshee-data/amr.controller/internal/config"
	"github.com/banshee-data/amr.controller/internal/monitoring"
	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/units"
)

// Params configures the estimator geometry and filter noise.
type Params struct {
	TicksPerMetre float64
	WheelBase     float64 // metres between wheel contact points
	MaxTickJump   int64   // larger deltas are treated as a counter reset

	HeadingProcessNoise float64 // deg²/s
	BiasProcessNoise    float64 // (deg/s)²/s
	EncoderHeadingNoise float64 // deg² per measurement

	HistoryCapacity int

	// MaxCovarianceDiag caps the heading/bias variance so long encoder
	// outages cannot blow the gain up.
	MaxCovarianceDiag float64
}

// DefaultParams returns the geometry of the reference chassis.
func DefaultParams() Params {
	return ParamsFromConfig(config.EmptyControllerConfig())
}

// ParamsFromConfig builds Params from the controller configuration.
func ParamsFromConfig(cfg *config.ControllerConfig) Params {
	return Params{
		TicksPerMetre:       cfg.GetTicksPerMetre(),
		WheelBase:           cfg.GetWheelBase(),
		MaxTickJump:         cfg.GetMaxTickJump(),
		HeadingProcessNoise: cfg.GetHeadingProcessNoise(),
		BiasProcessNoise:    cfg.GetBiasProcessNoise(),
		EncoderHeadingNoise: cfg.GetEncoderHeadingNoise(),
		HistoryCapacity:     cfg.GetTrajectoryCapacity(),
		MaxCovarianceDiag:   1e4,
	}
}

// Estimator tracks the pose of the robot. It is safe for concurrent use.
type Estimator struct {
	mu     sync.Mutex
	params Params

	x *mat.VecDense // [heading, bias]; heading is unwrapped
	p *mat.Dense

	posX, posY float64
	encHeading float64 // heading integrated from encoders alone
	lastL      int64
	lastR      int64
	primed     bool
	distance   float64
	resets     int

	history *ring
}

// NewEstimator returns an estimator at the origin facing +x.
func NewEstimator(params Params) *Estimator {
	if params.HistoryCapacity < 1 {
		params.HistoryCapacity = 1
	}
	e := &Estimator{
		params:  params,
		history: newRing(params.HistoryCapacity),
	}
	e.resetFilterLocked(0)
	return e
}

// SetParams swaps geometry and noise parameters without losing the pose.
// The trajectory history is kept when the capacity is unchanged.
func (e *Estimator) SetParams(params Params) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if params.HistoryCapacity < 1 {
		params.HistoryCapacity = 1
	}
	if params.HistoryCapacity != e.params.HistoryCapacity {
		old := e.history.last(e.history.len())
		e.history = newRing(params.HistoryCapacity)
		for _, p := range old {
			e.history.push(p)
		}
	}
	e.params = params
}

func (e *Estimator) resetFilterLocked(heading float64) {
	e.x = mat.NewVecDense(2, []float64{heading, 0})
	e.p = mat.NewDense(2, 2, []float64{
		1, 0,
		0, 1,
	})
}

// Reset places the robot at pose, clears the travelled distance and the
// trajectory, and re-baselines the encoders on the next update.
func (e *Estimator) Reset(pose robot.Pose) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resetFilterLocked(pose.Theta)
	e.encHeading = pose.Theta
	e.posX, e.posY = pose.X, pose.Y
	e.primed = false
	e.distance = 0
	e.history = newRing(e.params.HistoryCapacity)
	e.history.push(e.poseLocked())
}

// Update integrates one telemetry sample: cumulative encoder counts, the
// gyro yaw rate in deg/s and the time since the previous sample. It returns
// the updated pose.
func (e *Estimator) Update(encL, encR int64, gyroZ, dt float64) robot.Pose {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.primed {
		e.lastL, e.lastR = encL, encR
		e.primed = true
		if e.history.len() == 0 {
			e.history.push(e.poseLocked())
		}
		return e.poseLocked()
	}

	dl := encL - e.lastL
	dr := encR - e.lastR
	e.lastL, e.lastR = encL, encR

	if abs64(dl) > e.params.MaxTickJump || abs64(dr) > e.params.MaxTickJump {
		// board reboot or counter wrap; keep the pose and start counting again
		e.resets++
		monitoring.Logf("odometry: encoder jump (%d, %d) ticks, re-baselining", dl, dr)
		return e.poseLocked()
	}

	sl := float64(dl) / e.params.TicksPerMetre
	sr := float64(dr) / e.params.TicksPerMetre
	ds := (sl + sr) / 2
	encDeltaDeg := (sr - sl) / e.params.WheelBase * 180 / math.Pi

	prev := e.x.AtVec(0)
	e.encHeading += encDeltaDeg
	if dt > 0 {
		e.predictLocked(gyroZ, dt)
	}
	e.correctLocked(e.encHeading)

	heading := e.x.AtVec(0)
	mid := (prev + heading) / 2 * math.Pi / 180
	e.posX += ds * math.Cos(mid)
	e.posY += ds * math.Sin(mid)
	e.distance += math.Abs(ds)

	if dl != 0 || dr != 0 {
		e.history.push(e.poseLocked())
	}
	return e.poseLocked()
}

// predictLocked applies the gyro propagation step.
func (e *Estimator) predictLocked(gyroZ, dt float64) {
	// F = [1  -dt]
	//     [0   1 ]
	f := mat.NewDense(2, 2, []float64{
		1, -dt,
		0, 1,
	})
	b := mat.NewVecDense(2, []float64{gyroZ * dt, 0})

	var x mat.VecDense
	x.MulVec(f, e.x)
	x.AddVec(&x, b)
	e.x = &x

	// P' = F P Fᵀ + Q·dt
	var fp, fpft mat.Dense
	fp.Mul(f, e.p)
	fpft.Mul(&fp, f.T())
	q := mat.NewDiagDense(2, []float64{
		e.params.HeadingProcessNoise * dt,
		e.params.BiasProcessNoise * dt,
	})
	fpft.Add(&fpft, q)

	for i := 0; i < 2; i++ {
		if fpft.At(i, i) > e.params.MaxCovarianceDiag {
			fpft.Set(i, i, e.params.MaxCovarianceDiag)
		}
	}
	e.p = &fpft
}

// correctLocked fuses the encoder-derived heading z.
func (e *Estimator) correctLocked(z float64) {
	// H = [1 0]
	h := mat.NewDense(1, 2, []float64{1, 0})

	var ph mat.Dense
	ph.Mul(e.p, h.T()) // 2x1
	// S = H P Hᵀ + R
	s := mat.Dot(h.RowView(0), ph.ColView(0)) + e.params.EncoderHeadingNoise
	if s <= 0 {
		return
	}

	var k mat.VecDense
	k.ScaleVec(1/s, ph.ColView(0))

	innovation := z - e.x.AtVec(0)
	var x mat.VecDense
	x.AddScaledVec(e.x, innovation, &k)

	// P = (I - K H) P
	var kh mat.Dense
	kh.Outer(1, &k, h.RowView(0))
	ikh := mat.NewDense(2, 2, []float64{1, 0, 0, 1})
	ikh.Sub(ikh, &kh)
	var p mat.Dense
	p.Mul(ikh, e.p)

	if !finite(&x, &p) {
		monitoring.Logf("odometry: filter diverged, falling back to encoder heading")
		e.resetFilterLocked(z)
		return
	}
	e.x = &x
	e.p = &p
}

func finite(x *mat.VecDense, p *mat.Dense) bool {
	for i := 0; i < x.Len(); i++ {
		v := x.AtVec(i)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		d := p.At(i, i)
		if math.IsNaN(d) || math.IsInf(d, 0) {
			return false
		}
	}
	return true
}

func (e *Estimator) poseLocked() robot.Pose {
	return robot.Pose{
		X:     e.posX,
		Y:     e.posY,
		Theta: units.NormaliseDegrees(e.x.AtVec(0)),
	}
}

// Pose returns the current pose estimate.
func (e *Estimator) Pose() robot.Pose {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.poseLocked()
}

// Heading returns the unwrapped heading in degrees. Unlike Pose().Theta it
// does not fold into [0, 360), so turns can be measured across the wrap.
func (e *Estimator) Heading() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.x.AtVec(0)
}

// GyroBias returns the current gyro bias estimate in deg/s.
func (e *Estimator) GyroBias() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.x.AtVec(1)
}

// Distance returns the cumulative path length in metres since the last Reset.
func (e *Estimator) Distance() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.distance
}

// EncoderResets returns how many counter resets have been absorbed.
func (e *Estimator) EncoderResets() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resets
}

// History returns up to n of the most recent trajectory poses, oldest first.
// n <= 0 returns the whole buffer.
func (e *Estimator) History(n int) []robot.Pose {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n <= 0 || n > e.history.len() {
		n = e.history.len()
	}
	return e.history.last(n)
}

func abs64(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
