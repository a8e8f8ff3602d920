// Package lidar receives planar LIDAR scans and reduces them to the sector
// view used by the dashboard and the obstacle guard.
//
// Beam i of an n-beam scan points i*360/n degrees counter-clockwise from the
// robot's forward axis. A range of zero or less means no return.
package lidar

import (
	"context"
	"math"
	"time"
)

// DefaultSectors is the number of sectors shown on the dashboard.
const DefaultSectors = 8

// Scan is one full revolution of the sensor.
type Scan struct {
	Timestamp time.Time `json:"timestamp"`
	Ranges    []float64 `json:"ranges"` // metres
}

// Source produces scans until its context is cancelled or input runs out.
type Source interface {
	Run(ctx context.Context, handle func(Scan)) error
}

// BeamAngle returns the heading of beam i relative to the forward axis.
func (s Scan) BeamAngle(i int) float64 {
	if len(s.Ranges) == 0 {
		return 0
	}
	return float64(i) * 360 / float64(len(s.Ranges))
}

// Sectors reduces the scan to n sectors holding the closest return in each.
// Sector i is centred on i*360/n degrees, so sector 0 looks straight ahead
// and sector n/2 straight back. Sectors without a return hold -1.
func (s Scan) Sectors(n int) []float64 {
	if n <= 0 {
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = -1
	}
	if len(s.Ranges) == 0 {
		return out
	}

	width := 360 / float64(n)
	for i, r := range s.Ranges {
		if r <= 0 || math.IsNaN(r) || math.IsInf(r, 0) {
			continue
		}
		// shift by half a sector so sector 0 straddles 0°
		a := math.Mod(s.BeamAngle(i)+width/2, 360)
		idx := int(a / width)
		if idx >= n {
			idx = n - 1
		}
		if out[idx] < 0 || r < out[idx] {
			out[idx] = r
		}
	}
	return out
}

// MinRange returns the closest return within ±halfWidth degrees of
// centreDeg, or -1 when there is none.
func (s Scan) MinRange(centreDeg, halfWidth float64) float64 {
	best := -1.0
	for i, r := range s.Ranges {
		if r <= 0 {
			continue
		}
		d := math.Abs(math.Mod(s.BeamAngle(i)-centreDeg+540, 360) - 180)
		if d <= halfWidth && (best < 0 || r < best) {
			best = r
		}
	}
	return best
}
