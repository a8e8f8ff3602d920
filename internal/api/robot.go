package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strconv"

	"github.com/banshee-data/amr.controller/internal/control"
	"github.com/banshee-data/amr.controller/internal/db"
	"github.com/banshee-data/amr.controller/internal/httputil"
	"github.com/banshee-data/amr.controller/internal/robot"
	"github.com/banshee-data/amr.controller/internal/units"
)

// StatusResponse is the robot snapshot with distances in the requested
// units.
type StatusResponse struct {
	robot.Snapshot
	Units         string  `json:"units"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	LinkAgeMillis int64   `json:"link_age_ms"`
}

type ModeRequest struct {
	Mode string `json:"mode"`
}

type EStopRequest struct {
	Reason string `json:"reason"`
}

// DriveRequest omits Speed to use the configured default speed.
type DriveRequest struct {
	Direction string `json:"direction"`
	Speed     *int   `json:"speed,omitempty"`
}

type ManeuverRequest struct {
	Kind string `json:"kind"`
}

// PoseRequest takes metres and degrees regardless of the units parameter.
type PoseRequest struct {
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Theta float64 `json:"theta"`
}

// requestUnits returns the units query parameter or the server default.
func (s *Server) requestUnits(w http.ResponseWriter, r *http.Request) (string, bool) {
	u := r.URL.Query().Get("units")
	if u == "" {
		return s.units, true
	}
	if !units.IsValid(u) {
		httputil.BadRequest(w, fmt.Sprintf("invalid units %q, expected one of: %s", u, units.GetValidUnitsString()))
		return "", false
	}
	return u, true
}

func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultLimit, true
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > maxLimit {
		httputil.BadRequest(w, fmt.Sprintf("invalid 'limit' parameter, expected 1..%d", maxLimit))
		return 0, false
	}
	return n, true
}

// convertRange leaves "no echo" markers untouched.
func convertRange(metres float64, u string) float64 {
	if metres < 0 {
		return metres
	}
	return units.ConvertDistance(metres, u)
}

func convertSnapshot(snap robot.Snapshot, u string) robot.Snapshot {
	snap.Pose.X = units.ConvertDistance(snap.Pose.X, u)
	snap.Pose.Y = units.ConvertDistance(snap.Pose.Y, u)
	snap.Distance = units.ConvertDistance(snap.Distance, u)
	snap.Sensors.UltrasonicFront = convertRange(snap.Sensors.UltrasonicFront, u)
	snap.Sensors.UltrasonicBack = convertRange(snap.Sensors.UltrasonicBack, u)
	lidar := make([]float64, len(snap.Sensors.Lidar))
	for i, v := range snap.Sensors.Lidar {
		lidar[i] = convertRange(v, u)
	}
	snap.Sensors.Lidar = lidar
	return snap
}

func (s *Server) status(u string) StatusResponse {
	snap := s.ctrl.Snapshot()
	return StatusResponse{
		Snapshot:      convertSnapshot(snap, u),
		Units:         u,
		UptimeSeconds: math.Round(snap.Uptime.Seconds()*10) / 10,
		LinkAgeMillis: snap.LinkAge.Milliseconds(),
	}
}

// writeControlError maps controller errors onto status codes: bad input is
// 400, a state that refuses the request is 409 and a failed link write 502.
func writeControlError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, control.ErrInvalid):
		httputil.BadRequest(w, err.Error())
	case errors.Is(err, control.ErrEmergencyActive),
		errors.Is(err, control.ErrNotLatched),
		errors.Is(err, control.ErrNotManual),
		errors.Is(err, control.ErrBusy),
		errors.Is(err, control.ErrObstacle),
		errors.Is(err, control.ErrLinkLost):
		httputil.Conflict(w, err.Error())
	case errors.Is(err, control.ErrLink):
		httputil.BadGateway(w, err.Error())
	default:
		log.Printf("unexpected controller error: %v", err)
		httputil.InternalServerError(w, err.Error())
	}
}

// decodeBody decodes a JSON body. An empty body is accepted when optional.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, optional bool) bool {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || (optional && errors.Is(err, io.EOF)) {
		return true
	}
	httputil.BadRequest(w, "invalid request body")
	return false
}

// handleStatus handles GET /api/status.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	u, ok := s.requestUnits(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, s.status(u))
}

// handleTelemetry handles GET /api/telemetry, newest first.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}
	u, ok := s.requestUnits(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}

	records, err := s.db.RecentTelemetry(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve telemetry: %v", err))
		return
	}
	out := make([]db.TelemetryRecord, len(records))
	for i, rec := range records {
		rec.X = units.ConvertDistance(rec.X, u)
		rec.Y = units.ConvertDistance(rec.Y, u)
		rec.Distance = units.ConvertDistance(rec.Distance, u)
		rec.UltrasonicFront = convertRange(rec.UltrasonicFront, u)
		rec.UltrasonicBack = convertRange(rec.UltrasonicBack, u)
		out[i] = rec
	}
	httputil.WriteJSONOK(w, out)
}

// handleTrajectory handles GET /api/trajectory, oldest first.
func (s *Server) handleTrajectory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	u, ok := s.requestUnits(w, r)
	if !ok {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	poses := s.ctrl.Trajectory(limit)
	out := make([]robot.Pose, len(poses))
	for i, p := range poses {
		out[i] = robot.Pose{X: units.ConvertDistance(p.X, u), Y: units.ConvertDistance(p.Y, u), Theta: p.Theta}
	}
	httputil.WriteJSONOK(w, out)
}

// handleEvents handles GET /api/events. source=db reads the persisted log
// instead of the in-memory one.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("source") != "db" {
		httputil.WriteJSONOK(w, s.ctrl.Events(limit))
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}
	events, err := s.db.RecentEvents(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve events: %v", err))
		return
	}
	if events == nil {
		events = []robot.Event{}
	}
	httputil.WriteJSONOK(w, events)
}

// handleCommands handles GET /api/commands with the same source switch as
// handleEvents.
func (s *Server) handleCommands(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	if r.URL.Query().Get("source") != "db" {
		httputil.WriteJSONOK(w, s.ctrl.Commands(limit))
		return
	}
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}
	cmds, err := s.db.RecentCommands(r.Context(), limit)
	if err != nil {
		httputil.InternalServerError(w, fmt.Sprintf("failed to retrieve commands: %v", err))
		return
	}
	if cmds == nil {
		cmds = []robot.CommandRecord{}
	}
	httputil.WriteJSONOK(w, cmds)
}

// respond writes the status after a successful command, or the mapped error.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, err error) {
	if err != nil {
		writeControlError(w, err)
		return
	}
	u, ok := s.requestUnits(w, r)
	if !ok {
		return
	}
	httputil.WriteJSONOK(w, s.status(u))
}

// handleMode handles POST /api/mode.
func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req ModeRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	mode, err := robot.ParseMode(req.Mode)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.respond(w, r, s.ctrl.SetMode(mode))
}

// handleEStop handles POST /api/estop. The body is optional.
func (s *Server) handleEStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req EStopRequest
	if !decodeBody(w, r, &req, true) {
		return
	}
	err := s.ctrl.EmergencyStop(req.Reason)
	if errors.Is(err, control.ErrLink) {
		// the latch holds on the host even when the board missed the brake
		log.Printf("emergency stop latched but not delivered: %v", err)
	}
	s.respond(w, r, err)
}

// handleRearm handles POST /api/rearm.
func (s *Server) handleRearm(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	s.respond(w, r, s.ctrl.Rearm())
}

// handleDrive handles POST /api/drive.
func (s *Server) handleDrive(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.driveLimiter.Allow() {
		httputil.TooManyRequests(w, 1, "drive command rate exceeded")
		return
	}
	var req DriveRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	dir, err := control.ParseDirection(req.Direction)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	speed := s.ctrl.Config().GetDefaultSpeed()
	if req.Speed != nil {
		speed = *req.Speed
	}
	s.respond(w, r, s.ctrl.Drive(dir, speed))
}

// handleManeuver handles POST /api/maneuver.
func (s *Server) handleManeuver(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	var req ManeuverRequest
	if !decodeBody(w, r, &req, false) {
		return
	}
	kind, err := control.ParseManeuver(req.Kind)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	s.respond(w, r, s.ctrl.StartManeuver(kind))
}

// handlePose handles GET and POST /api/pose. POST moves the odometry origin.
func (s *Server) handlePose(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		u, ok := s.requestUnits(w, r)
		if !ok {
			return
		}
		httputil.WriteJSONOK(w, s.status(u).Pose)
	case http.MethodPost:
		var req PoseRequest
		if !decodeBody(w, r, &req, true) {
			return
		}
		s.ctrl.ResetPose(robot.Pose{X: req.X, Y: req.Y, Theta: units.NormaliseDegrees(req.Theta)})
		s.respond(w, r, nil)
	default:
		httputil.MethodNotAllowed(w)
	}
}

// handleConfig handles GET /api/config.
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	resp := map[string]any{
		"units":       s.units,
		"valid_units": units.ValidUnits,
		"controller":  s.ctrl.Config(),
		"modes":       robot.Modes,
	}
	if s.serial != nil {
		resp["serial"] = s.serial.Snapshot()
	}
	httputil.WriteJSONOK(w, resp)
}
