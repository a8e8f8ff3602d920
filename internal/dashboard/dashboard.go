// Package dashboard serves the operator pages: a status overview, a polar
// LIDAR view, the odometry trajectory and the battery history. Charts are
// rendered server side with go-echarts; the trajectory is also available as
// a PNG drawn with gonum/plot.
package dashboard

import (
	"context"
	_ "embed"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"

	"github.com/banshee-data/amr.controller/internal/db"
	"github.com/banshee-data/amr.controller/internal/fsutil"
	"github.com/banshee-data/amr.controller/internal/httputil"
	"github.com/banshee-data/amr.controller/internal/monitoring"
	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/timeutil"
)

var logf = monitoring.Component("dashboard")

//go:embed index.html
var indexHTML string

var indexTmpl = template.Must(template.New("index").Funcs(template.FuncMap{
	"fixed": func(v float64) string { return formatFloat(v, 2) },
	"sector": func(v float64) string {
		if v < 0 {
			return "-"
		}
		return formatFloat(v, 2)
	},
}).Parse(indexHTML))

const (
	// DefaultAssetsHost is where rendered pages load echarts from.
	DefaultAssetsHost = "https://go-echarts.github.io/go-echarts-assets/assets/"

	// LidarRangeMax is the outer ring of the polar view in metres.
	LidarRangeMax = 3.0

	defaultRefresh     = 2 * time.Second
	maxRefresh         = 10 // seconds
	defaultSpeed       = 50
	defaultTrajectory  = 2000
	maxTrajectory      = 20000
	defaultBatterySpan = time.Hour
	maxBatteryPoints   = 2000
)

// Robot is the live state the pages read.
type Robot interface {
	Snapshot() robot.Snapshot
	Trajectory(n int) []robot.Pose
}

// History supplies stored telemetry for the battery chart.
type History interface {
	TelemetrySince(ctx context.Context, since time.Time) ([]db.TelemetryRecord, error)
}

// Options configures a Dashboard. Zero values pick defaults.
type Options struct {
	// History may be nil, in which case the battery page answers 503.
	History    History
	Clock      timeutil.Clock
	FS         fsutil.FileSystem
	ExportDir  string
	AssetsHost string
	Refresh    time.Duration
}

type Dashboard struct {
	robot      Robot
	history    History
	clock      timeutil.Clock
	fs         fsutil.FileSystem
	exportDir  string
	assetsHost string
	refresh    time.Duration
}

func New(r Robot, opts Options) *Dashboard {
	d := &Dashboard{
		robot:      r,
		history:    opts.History,
		clock:      opts.Clock,
		fs:         opts.FS,
		exportDir:  opts.ExportDir,
		assetsHost: opts.AssetsHost,
		refresh:    opts.Refresh,
	}
	if d.clock == nil {
		d.clock = timeutil.RealClock{}
	}
	if d.fs == nil {
		d.fs = fsutil.OSFileSystem{}
	}
	if d.assetsHost == "" {
		d.assetsHost = DefaultAssetsHost
	}
	if d.refresh <= 0 {
		d.refresh = defaultRefresh
	}
	return d
}

// AttachRoutes registers the pages under /dashboard/.
func (d *Dashboard) AttachRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/dashboard/", d.handleIndex)
	mux.HandleFunc("/dashboard/lidar", d.handleLidar)
	mux.HandleFunc("/dashboard/trajectory", d.handleTrajectory)
	mux.HandleFunc("/dashboard/trajectory.png", d.handleTrajectoryPNG)
	mux.HandleFunc("/dashboard/battery", d.handleBattery)
	mux.HandleFunc("/dashboard/exports", d.handleExports)
}

type indexData struct {
	// Refresh is the reload period in seconds; 0 turns reloading off.
	Refresh  int
	Speed    int
	Snapshot robot.Snapshot
	LinkAge  string
	Uptime   string
	Sectors  []sectorRow
	Modes    []robot.Mode
	Choices  []int
	// Manual shows the drive pad and maneuver buttons.
	Manual   bool
}

// refreshChoices are the reload periods offered by the page, in seconds.
var refreshChoices = []int{0, 1, 2, 5, 10}

// intParam reads an integer query parameter within [lo, hi], or def when
// it is absent.
func intParam(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < lo || n > hi {
		return 0, fmt.Errorf("%s must be an integer between %d and %d", name, lo, hi)
	}
	return n, nil
}

type sectorRow struct {
	Label string
	Range float64
}

func (d *Dashboard) handleIndex(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/dashboard/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	refresh := max(1, int(d.refresh.Round(time.Second)/time.Second))
	refresh, err := intParam(r, "refresh", min(refresh, maxRefresh), 0, maxRefresh)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	speed, err := intParam(r, "speed", defaultSpeed, 0, 100)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	s := d.robot.Snapshot()
	data := indexData{
		Refresh:  refresh,
		Speed:    speed,
		Snapshot: s,
		LinkAge:  s.LinkAge.Round(time.Millisecond).String(),
		Uptime:   s.Uptime.Round(time.Second).String(),
		Modes:    robot.Modes,
		Choices:  refreshChoices,
		Manual:   s.Mode == robot.ModeManual && !s.EmergencyActive,
	}
	for i, v := range s.Sensors.Lidar {
		data.Sectors = append(data.Sectors, sectorRow{Label: sectorLabel(i, len(s.Sensors.Lidar)), Range: v})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTmpl.Execute(w, data); err != nil {
		logf("render index: %v", err)
	}
}

func writeHTML(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(body)
}
