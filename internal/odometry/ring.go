package odometry

import "github.com/banshee-data/amr.controller/internal/robot"

// ring is a fixed-capacity FIFO of poses that overwrites the oldest entry.
type ring struct {
	buf   []robot.Pose
	start int
	n     int
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]robot.Pose, capacity)}
}

func (r *ring) len() int { return r.n }

func (r *ring) push(p robot.Pose) {
	if r.n < len(r.buf) {
		r.buf[(r.start+r.n)%len(r.buf)] = p
		r.n++
		return
	}
	r.buf[r.start] = p
	r.start = (r.start + 1) % len(r.buf)
}

// last returns the newest n entries in insertion order.
func (r *ring) last(n int) []robot.Pose {
	if n > r.n {
		n = r.n
	}
	out := make([]robot.Pose, n)
	first := r.start + r.n - n
	for i := 0; i < n; i++ {
		out[i] = r.buf[(first+i)%len(r.buf)]
	}
	return out
}
