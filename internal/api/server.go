// Package api serves the controller's HTTP JSON API.
package api

import (
	"log"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/banshee-data/amr.controller/internal/control"
	"github.com/banshee-data/amr.controller/internal/db"
	"github.com/banshee-data/amr.controller/internal/serialmux"
	"github.com/banshee-data/amr.controller/internal/units"
)

// ANSI escape codes for the request log
const (
	colorCyan      = "\033[36m"
	colorReset     = "\033[0m"
	colorYellow    = "\033[33m"
	colorBoldGreen = "\033[1;32m"
	colorBoldRed   = "\033[1;31m"
)

const (
	// DefaultDriveRate allows the teleop to refresh the dead-man watchdog
	// several times per timeout with room for key repeat.
	DefaultDriveRate  = rate.Limit(20)
	DefaultDriveBurst = 10

	defaultLimit = 100
	maxLimit     = 10000
)

type Server struct {
	ctrl   *control.Controller
	db     *db.DB
	serial *SerialPortManager
	units  string

	driveLimiter *rate.Limiter
	openPort     PortOpener
	listPorts    PortLister
}

// NewServer returns a server over the controller. database may be nil, in
// which case the history and serial configuration endpoints answer 503.
func NewServer(ctrl *control.Controller, database *db.DB, defaultUnits string) *Server {
	if !units.IsValid(defaultUnits) {
		defaultUnits = units.Metres
	}
	return &Server{
		ctrl:         ctrl,
		db:           database,
		units:        defaultUnits,
		driveLimiter: rate.NewLimiter(DefaultDriveRate, DefaultDriveBurst),
		openPort:     openSerialPort,
		listPorts:    serialmux.ListPorts,
	}
}

// SetSerialManager enables POST /api/serial/reload.
func (s *Server) SetSerialManager(m *SerialPortManager) {
	s.serial = m
}

// SetDriveLimit replaces the drive command rate limiter.
func (s *Server) SetDriveLimit(r rate.Limit, burst int) {
	s.driveLimiter = rate.NewLimiter(r, burst)
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/trajectory", s.handleTrajectory)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/commands", s.handleCommands)
	mux.HandleFunc("/api/mode", s.handleMode)
	mux.HandleFunc("/api/estop", s.handleEStop)
	mux.HandleFunc("/api/rearm", s.handleRearm)
	mux.HandleFunc("/api/drive", s.handleDrive)
	mux.HandleFunc("/api/maneuver", s.handleManeuver)
	mux.HandleFunc("/api/pose", s.handlePose)
	mux.HandleFunc("/api/config", s.handleConfig)
	mux.HandleFunc("/api/serial/configs", s.handleSerialConfigs)
	mux.HandleFunc("/api/serial/configs/", s.handleSerialConfigByID)
	mux.HandleFunc("/api/serial/reload", s.handleSerialReload)
	mux.HandleFunc("/api/serial/test", s.handleSerialTest)
	mux.HandleFunc("/api/serial/devices", s.handleSerialDevices)
	return mux
}
