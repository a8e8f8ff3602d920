package dashboard

import (
	"errors"
	"fmt"
	"image/color"
	"io"
	"math"
	"net/http"
	"os"
	"time"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"

	"github.com/banshee-data/amr.controller/internal/httputil"
	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/security"
)

const (
	plotSize     = 6 * vg.Inch
	headingArrow = 0.3 // metres
)

var (
	pathColor  = color.RGBA{R: 49, G: 104, B: 142, A: 255}
	robotColor = color.RGBA{R: 232, G: 84, B: 63, A: 255}
)

// trajectoryPlot draws the path oldest to newest with the robot and its
// heading on top.
func trajectoryPlot(poses []robot.Pose, current robot.Pose) (*plot.Plot, error) {
	p := plot.New()
	p.Title.Text = fmt.Sprintf("Trajectory (%d poses)", len(poses))
	p.X.Label.Text = "X (m)"
	p.Y.Label.Text = "Y (m)"
	p.Add(plotter.NewGrid())

	if len(poses) >= 2 {
		pts := make(plotter.XYs, len(poses))
		for i, pose := range poses {
			pts[i] = plotter.XY{X: pose.X, Y: pose.Y}
		}
		line, err := plotter.NewLine(pts)
		if err != nil {
			return nil, fmt.Errorf("path line: %w", err)
		}
		line.Width = vg.Points(1.5)
		line.Color = pathColor
		p.Add(line)
		p.Legend.Add("path", line)
	}

	rad := current.Theta * math.Pi / 180
	arrow, err := plotter.NewLine(plotter.XYs{
		{X: current.X, Y: current.Y},
		{X: current.X + headingArrow*math.Cos(rad), Y: current.Y + headingArrow*math.Sin(rad)},
	})
	if err != nil {
		return nil, fmt.Errorf("heading line: %w", err)
	}
	arrow.Width = vg.Points(2)
	arrow.Color = robotColor
	p.Add(arrow)

	marker, err := plotter.NewScatter(plotter.XYs{{X: current.X, Y: current.Y}})
	if err != nil {
		return nil, fmt.Errorf("robot marker: %w", err)
	}
	marker.GlyphStyle.Shape = draw.CircleGlyph{}
	marker.GlyphStyle.Radius = vg.Points(4)
	marker.GlyphStyle.Color = robotColor
	p.Add(marker)
	p.Legend.Add("robot", marker)
	p.Legend.Top = true

	pad := extent(poses, current)
	p.X.Min, p.X.Max = -pad, pad
	p.Y.Min, p.Y.Max = -pad, pad
	return p, nil
}

func writePNG(p *plot.Plot, w io.Writer) error {
	wt, err := p.WriterTo(plotSize, plotSize, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(w)
	return err
}

func (d *Dashboard) handleTrajectoryPNG(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	p, err := trajectoryPlot(d.robot.Trajectory(trajectoryLimit(r)), d.robot.Snapshot().Pose)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to plot trajectory: %v", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := writePNG(p, w); err != nil {
		logf("write trajectory png: %v", err)
	}
}

// ErrNoExportDir is returned by ExportTrajectory when no export directory is
// configured.
var ErrNoExportDir = errors.New("export directory not configured")

// ExportTrajectory renders the trajectory to a PNG named after name inside
// the export directory and returns the written path. An empty name is
// replaced by a timestamp.
func (d *Dashboard) ExportTrajectory(name string) (string, error) {
	if d.exportDir == "" {
		return "", ErrNoExportDir
	}
	if name == "" {
		name = "trajectory-" + d.clock.Now().UTC().Format("20060102-150405")
	}
	path, err := security.ExportPath(d.exportDir, name, ".png")
	if err != nil {
		return "", err
	}
	p, err := trajectoryPlot(d.robot.Trajectory(maxTrajectory), d.robot.Snapshot().Pose)
	if err != nil {
		return "", err
	}

	if err := d.fs.MkdirAll(d.exportDir, 0o755); err != nil {
		return "", fmt.Errorf("create export dir: %w", err)
	}
	f, err := d.fs.Create(path)
	if err != nil {
		return "", fmt.Errorf("create %s: %w", path, err)
	}
	if err := writePNG(p, f); err != nil {
		f.Close()
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", path, err)
	}
	logf("exported trajectory to %s", path)
	return path, nil
}

type exportList struct {
	Dir   string   `json:"dir"`
	Files []string `json:"files"`
}

type exportResult struct {
	Path string `json:"path"`
	Time string `json:"time"`
}

// handleExports lists exported files on GET and writes a new trajectory
// export on POST. The name comes from the "name" query parameter.
func (d *Dashboard) handleExports(w http.ResponseWriter, r *http.Request) {
	if d.exportDir == "" {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, ErrNoExportDir.Error())
		return
	}
	switch r.Method {
	case http.MethodGet:
		files, err := d.fs.ReadDir(d.exportDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			httputil.InternalServerError(w, fmt.Sprintf("failed to list exports: %v", err))
			return
		}
		if files == nil {
			files = []string{}
		}
		httputil.WriteJSONOK(w, exportList{Dir: d.exportDir, Files: files})
	case http.MethodPost:
		path, err := d.ExportTrajectory(r.URL.Query().Get("name"))
		if err != nil {
			if errors.Is(err, security.ErrPathEscape) {
				httputil.BadRequest(w, err.Error())
				return
			}
			httputil.InternalServerError(w, fmt.Sprintf("export failed: %v", err))
			return
		}
		httputil.WriteJSON(w, http.StatusCreated, exportResult{Path: path, Time: d.clock.Now().UTC().Format(time.RFC3339)})
	default:
		httputil.MethodNotAllowed(w)
	}
}
