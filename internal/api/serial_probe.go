package api

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/banshee-data/amr.controller/internal/httputil"
	"github.com/banshee-data/amr.controller/internal/protocol"
	"github.com/banshee-data/amr.controller/internal/serialmux"
	"go.bug.st/serial"
)

// SerialTestRequest is the body of POST /api/serial/test.
type SerialTestRequest struct {
	PortPath       string `json:"port_path"`
	BaudRate       int    `json:"baud_rate"`
	DataBits       int    `json:"data_bits"`
	StopBits       int    `json:"stop_bits"`
	Parity         string `json:"parity"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// SerialTestResponse reports whether a board answered on the port.
type SerialTestResponse struct {
	Success        bool     `json:"success"`
	PortPath       string   `json:"port_path"`
	Options        string   `json:"options"`
	TestDurationMS int64    `json:"test_duration_ms"`
	Firmware       string   `json:"firmware,omitempty"`
	Lines          []string `json:"lines,omitempty"`
	Error          string   `json:"error,omitempty"`
	Message        string   `json:"message"`
	Suggestion     string   `json:"suggestion,omitempty"`
}

// SerialDeviceInfo is a serial device visible to the host that has no
// stored configuration yet.
type SerialDeviceInfo struct {
	PortPath     string `json:"port_path"`
	FriendlyName string `json:"friendly_name"`
	LastSeen     int64  `json:"last_seen"`
}

// PortOpener opens a raw serial port for probing.
type PortOpener func(path string, opts serialmux.PortOptions) (io.ReadWriteCloser, error)

// PortLister enumerates serial device paths.
type PortLister func() ([]string, error)

func openSerialPort(path string, opts serialmux.PortOptions) (io.ReadWriteCloser, error) {
	mode, err := opts.SerialMode()
	if err != nil {
		return nil, err
	}
	return serial.Open(path, mode)
}

// maxProbeLines bounds how many lines a probe keeps for the response.
const maxProbeLines = 5

// probeBoard asks the firmware to announce itself and waits for a hello.
// Telemetry lines seen meanwhile also count as a live board. The caller
// closes port, which unblocks the reader.
func probeBoard(port io.ReadWriteCloser, timeout time.Duration) SerialTestResponse {
	var resp SerialTestResponse
	if rt, ok := port.(interface{ SetReadTimeout(time.Duration) error }); ok {
		if err := rt.SetReadTimeout(timeout); err != nil {
			log.Printf("warning: failed to set read timeout: %v", err)
		}
	}
	if _, err := io.WriteString(port, protocol.EncodeVersionQuery()+"\n"); err != nil {
		resp.Error = fmt.Sprintf("failed to write version query: %v", err)
		return resp
	}

	lines := make(chan string)
	done := make(chan struct{})
	defer close(done)
	go func() {
		defer close(lines)
		scan := bufio.NewScanner(port)
		for scan.Scan() {
			select {
			case lines <- scan.Text():
			case <-done:
				return
			}
		}
	}()

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-deadline.C:
			return resp
		case line, ok := <-lines:
			if !ok {
				return resp
			}
			if len(resp.Lines) < maxProbeLines {
				resp.Lines = append(resp.Lines, line)
			}
			msg, err := protocol.Parse(line)
			if err != nil {
				continue
			}
			switch msg.Kind {
			case protocol.KindHello:
				resp.Success = true
				resp.Firmware = msg.Hello.Firmware
				return resp
			case protocol.KindTelemetry:
				resp.Success = true
			}
		}
	}
}

// handleSerialTest handles POST /api/serial/test.
func (s *Server) handleSerialTest(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}

	var req SerialTestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if req.PortPath == "" {
		httputil.BadRequest(w, "port path is required")
		return
	}
	if !isValidPortPath(req.PortPath) {
		httputil.BadRequest(w, "invalid port path, must start with /dev/tty or /dev/serial")
		return
	}
	opts, err := serialmux.PortOptions{
		BaudRate: req.BaudRate,
		DataBits: req.DataBits,
		StopBits: req.StopBits,
		Parity:   req.Parity,
	}.Normalize()
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	timeout := 5 * time.Second
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}

	start := time.Now()
	var result SerialTestResponse
	port, err := s.openPort(req.PortPath, opts)
	if err != nil {
		result = SerialTestResponse{
			Error:      fmt.Sprintf("failed to open port: %v", err),
			Suggestion: suggestionForError(err),
		}
	} else {
		result = probeBoard(port, timeout)
		port.Close()
	}

	result.PortPath = req.PortPath
	result.Options = opts.String()
	result.TestDurationMS = time.Since(start).Milliseconds()
	switch {
	case result.Success:
		result.Message = "Board responded"
	case result.Error == "":
		result.Error = "no response from board"
		result.Message = "Serial port test failed"
		result.Suggestion = "Check that the board is powered and its firmware runs the link at " + opts.String()
	default:
		result.Message = "Serial port test failed"
	}
	// a failed probe is a result, not an API error
	httputil.WriteJSONOK(w, result)
}

func suggestionForError(err error) string {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "no such file"), strings.Contains(msg, "not found"):
		return "Check that the board is connected and appears in /dev/"
	case strings.Contains(msg, "permission denied"):
		return "Add the service user to the dialout group: sudo usermod -a -G dialout $USER"
	case strings.Contains(msg, "busy"):
		return "Another process holds the port. Reload the serial configuration instead of probing the active port."
	}
	return "Check the cable and port permissions"
}

// handleSerialDevices handles GET /api/serial/devices.
func (s *Server) handleSerialDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}

	configured := make(map[string]bool)
	if s.db != nil {
		configs, err := s.db.GetSerialConfigs(r.Context())
		if err != nil {
			log.Printf("Error fetching existing configs: %v", err)
			httputil.InternalServerError(w, "failed to fetch existing configurations")
			return
		}
		for _, c := range configs {
			configured[c.PortPath] = true
		}
	}

	ports, err := s.listPorts()
	if err != nil {
		log.Printf("Error enumerating serial ports: %v", err)
		httputil.InternalServerError(w, "failed to enumerate serial ports")
		return
	}

	devices := []SerialDeviceInfo{}
	now := time.Now().Unix()
	for _, p := range ports {
		if configured[p] {
			continue
		}
		devices = append(devices, SerialDeviceInfo{PortPath: p, FriendlyName: friendlyName(p), LastSeen: now})
	}
	httputil.WriteJSONOK(w, devices)
}

func friendlyName(portPath string) string {
	name := portPath[strings.LastIndex(portPath, "/")+1:]
	switch {
	case strings.HasPrefix(name, "ttyACM"):
		return fmt.Sprintf("USB CDC board (%s)", name)
	case strings.HasPrefix(name, "ttyUSB"):
		return fmt.Sprintf("USB serial adapter (%s)", name)
	case strings.HasPrefix(name, "ttyAMA"), strings.HasPrefix(name, "ttyS0"):
		return fmt.Sprintf("Raspberry Pi UART (%s)", name)
	}
	return name
}
