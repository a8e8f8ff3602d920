package dashboard

import (
	"bytes"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"

	"github.com/banshee-data/amr.controller/internal/httputil"
	"github.com/banshee-data/amr.controller/internal/robot"
)

var sectorNames = []string{"front", "front-left", "left", "rear-left", "rear", "rear-right", "right", "front-right"}

func sectorLabel(i, n int) string {
	if n == len(sectorNames) {
		return sectorNames[i]
	}
	return strconv.Itoa(i*360/n) + "°"
}

func formatFloat(v float64, prec int) string {
	return strconv.FormatFloat(v, 'f', prec, 64)
}

// screenXY maps a bearing (degrees counter-clockwise from forward) and range
// onto chart coordinates with forward pointing up and left to the left.
func screenXY(bearingDeg, r float64) (x, y float64) {
	rad := bearingDeg * math.Pi / 180
	return -r * math.Sin(rad), r * math.Cos(rad)
}

// lidarPoints converts sector ranges to chart points, clipped to
// LidarRangeMax. Sectors without a return are skipped.
func lidarPoints(sectors []float64) (pts []opts.ScatterData, empty int) {
	n := len(sectors)
	for i, r := range sectors {
		if r < 0 {
			empty++
			continue
		}
		shown := math.Min(r, LidarRangeMax)
		x, y := screenXY(float64(i)*360/float64(n), shown)
		pts = append(pts, opts.ScatterData{
			Name:  sectorLabel(i, n),
			Value: []interface{}{round3(x), round3(y), round3(r)},
		})
	}
	return pts, empty
}

func round3(v float64) float64 { return math.Round(v*1000) / 1000 }

// handleLidar renders the latest sector ranges as a polar view centred on the
// robot, forward up.
func (d *Dashboard) handleLidar(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	s := d.robot.Snapshot()
	pts, empty := lidarPoints(s.Sensors.Lidar)

	// range rings every metre
	var rings []opts.ScatterData
	for ring := 1.0; ring <= LidarRangeMax; ring++ {
		for deg := 0.0; deg < 360; deg += 10 {
			x, y := screenXY(deg, ring)
			rings = append(rings, opts.ScatterData{Value: []interface{}{round3(x), round3(y)}})
		}
	}

	pad := LidarRangeMax * 1.05
	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "AMR LIDAR", Theme: "dark", Width: "500px", Height: "500px", AssetsHost: d.assetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "LIDAR", Subtitle: fmt.Sprintf("sectors=%d empty=%d %s", len(s.Sensors.Lidar), empty, s.Timestamp.Format(time.RFC3339))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "left / right (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "back / front (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("rings", rings, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 1}))
	scatter.AddSeries("robot", []opts.ScatterData{{Name: "robot", Value: []interface{}{0, 0}}}, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))
	scatter.AddSeries("obstacles", pts, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 10}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	writeHTML(w, buf.Bytes())
}

func trajectoryLimit(r *http.Request) int {
	n := defaultTrajectory
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			n = min(parsed, maxTrajectory)
		}
	}
	return n
}

// extent returns a symmetric half-width covering every pose, with padding.
func extent(poses []robot.Pose, current robot.Pose) float64 {
	maxAbs := math.Max(math.Abs(current.X), math.Abs(current.Y))
	for _, p := range poses {
		maxAbs = math.Max(maxAbs, math.Max(math.Abs(p.X), math.Abs(p.Y)))
	}
	if maxAbs == 0 {
		return 1
	}
	return math.Ceil(maxAbs*11) / 10
}

func (d *Dashboard) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	poses := d.robot.Trajectory(trajectoryLimit(r))
	current := d.robot.Snapshot().Pose

	path := make([]opts.ScatterData, 0, len(poses))
	for _, p := range poses {
		path = append(path, opts.ScatterData{Value: []interface{}{round3(p.X), round3(p.Y)}})
	}
	pad := extent(poses, current)

	scatter := charts.NewScatter()
	scatter.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "AMR Trajectory", Theme: "dark", Width: "600px", Height: "540px", AssetsHost: d.assetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Trajectory", Subtitle: fmt.Sprintf("poses=%d heading=%.1f°", len(poses), current.Theta)}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true)}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithXAxisOpts(opts.XAxis{Min: -pad, Max: pad, Name: "X (m)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Min: -pad, Max: pad, Name: "Y (m)", NameLocation: "middle", NameGap: 30}),
	)
	scatter.AddSeries("path", path, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 3}))
	scatter.AddSeries("robot", []opts.ScatterData{{
		Name:  fmt.Sprintf("%.2f, %.2f", current.X, current.Y),
		Value: []interface{}{round3(current.X), round3(current.Y)},
	}}, charts.WithScatterChartOpts(opts.ScatterChart{SymbolSize: 14}))

	var buf bytes.Buffer
	if err := scatter.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	writeHTML(w, buf.Bytes())
}

func (d *Dashboard) handleBattery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if d.history == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "telemetry history is not available")
		return
	}
	span := defaultBatterySpan
	if v := r.URL.Query().Get("window"); v != "" {
		parsed, err := time.ParseDuration(v)
		if err != nil || parsed <= 0 {
			httputil.BadRequest(w, "window must be a positive duration such as 30m")
			return
		}
		span = parsed
	}

	records, err := d.history.TelemetrySince(r.Context(), d.clock.Now().Add(-span))
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to load telemetry: %v", err))
		return
	}

	stride := 1
	if len(records) > maxBatteryPoints {
		stride = int(math.Ceil(float64(len(records)) / float64(maxBatteryPoints)))
	}
	xs := make([]string, 0, len(records)/stride+1)
	volts := make([]opts.LineData, 0, len(records)/stride+1)
	for i := 0; i < len(records); i += stride {
		rec := records[i]
		xs = append(xs, rec.Time.Format("15:04:05"))
		volts = append(volts, opts.LineData{Value: round3(rec.BatteryVoltage)})
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: "AMR Battery", Theme: "dark", Width: "100%", Height: "520px", AssetsHost: d.assetsHost}),
		charts.WithTitleOpts(opts.Title{Title: "Battery", Subtitle: fmt.Sprintf("window=%s samples=%d", span, len(records))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true), Right: "10%"}),
		charts.WithYAxisOpts(opts.YAxis{Name: "V", Min: 10.5, Max: 13}),
	)
	line.SetXAxis(xs).
		AddSeries("voltage", volts)

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to render chart: %v", err))
		return
	}
	writeHTML(w, buf.Bytes())
}
