package lidar

import (
	"context"
	"time"

	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/sim"
	"github.com/banshee-data/amr.controller/internal/timeutil"
)

// SimSource synthesises scans of a simulated room from the true robot pose.
type SimSource struct {
	Room     sim.Room
	Pose     func() robot.Pose
	Beams    int
	MaxRange float64
	Period   time.Duration
	Clock    timeutil.Clock
}

// NewSimSource returns a 360-beam, 10 Hz source with a 6 m range.
func NewSimSource(room sim.Room, pose func() robot.Pose) *SimSource {
	return &SimSource{
		Room:     room,
		Pose:     pose,
		Beams:    360,
		MaxRange: 6,
		Period:   100 * time.Millisecond,
		Clock:    timeutil.RealClock{},
	}
}

// ScanAt ray-casts one revolution from pose.
func (s *SimSource) ScanAt(pose robot.Pose, at time.Time) Scan {
	ranges := make([]float64, s.Beams)
	for i := range ranges {
		r := s.Room.Range(pose.X, pose.Y, pose.Theta+float64(i)*360/float64(s.Beams))
		if r > s.MaxRange {
			r = 0
		}
		ranges[i] = r
	}
	return Scan{Timestamp: at, Ranges: ranges}
}

// Run emits a scan every Period until ctx is cancelled.
func (s *SimSource) Run(ctx context.Context, handle func(Scan)) error {
	t := s.Clock.NewTicker(s.Period)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C():
			handle(s.ScanAt(s.Pose(), now))
		}
	}
}
