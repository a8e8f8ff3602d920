// Package sim simulates the low-level board and its surroundings so the
// controller can run on a desk without hardware.
package sim

import "math"

// Obstacle is a round obstacle on the floor.
type Obstacle struct {
	X, Y, Radius float64
}

// Room is a square arena spanning [0, Size] on both axes.
type Room struct {
	Size      float64
	Obstacles []Obstacle
}

// DefaultRoom is a 10 m square with a single pillar off-centre.
func DefaultRoom() Room {
	return Room{
		Size:      10,
		Obstacles: []Obstacle{{X: 7.5, Y: 6.5, Radius: 0.4}},
	}
}

// Range casts a ray from (x, y) along headingDeg and returns the distance to
// the first wall or obstacle.
func (r Room) Range(x, y, headingDeg float64) float64 {
	rad := headingDeg * math.Pi / 180
	dx, dy := math.Cos(rad), math.Sin(rad)

	best := math.Inf(1)
	consider := func(t float64) {
		if t > 1e-9 && t < best {
			best = t
		}
	}

	if dx > 0 {
		consider((r.Size - x) / dx)
	} else if dx < 0 {
		consider(-x / dx)
	}
	if dy > 0 {
		consider((r.Size - y) / dy)
	} else if dy < 0 {
		consider(-y / dy)
	}

	for _, o := range r.Obstacles {
		// solve |p + t*d - c|^2 = radius^2 for the nearest positive t
		fx, fy := x-o.X, y-o.Y
		b := fx*dx + fy*dy
		c := fx*fx + fy*fy - o.Radius*o.Radius
		disc := b*b - c
		if disc < 0 {
			continue
		}
		sq := math.Sqrt(disc)
		if t := -b - sq; t > 1e-9 {
			consider(t)
		} else {
			consider(-b + sq)
		}
	}
	return best
}

// Contains reports whether (x, y) lies inside the walls and outside every
// obstacle.
func (r Room) Contains(x, y float64) bool {
	if x <= 0 || y <= 0 || x >= r.Size || y >= r.Size {
		return false
	}
	for _, o := range r.Obstacles {
		if math.Hypot(x-o.X, y-o.Y) <= o.Radius {
			return false
		}
	}
	return true
}
