package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/amr.controller/internal/db"
	"github.com/banshee-data/amr.controller/internal/httputil"
	"github.com/banshee-data/amr.controller/internal/serialmux"
)

// SerialConfigRequest is the body for creating or updating a serial config.
type SerialConfigRequest struct {
	Name        string `json:"name"`
	PortPath    string `json:"port_path"`
	BaudRate    int    `json:"baud_rate"`
	DataBits    int    `json:"data_bits"`
	StopBits    int    `json:"stop_bits"`
	Parity      string `json:"parity"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description"`
}

// validate checks the request and fills in 115200 8N1 for omitted fields.
func (req *SerialConfigRequest) validate() error {
	if req.Name == "" {
		return errors.New("name is required")
	}
	if req.PortPath == "" {
		return errors.New("port path is required")
	}
	if !isValidPortPath(req.PortPath) {
		return errors.New("invalid port path, must start with /dev/tty or /dev/serial")
	}
	opts, err := serialmux.PortOptions{
		BaudRate: req.BaudRate,
		DataBits: req.DataBits,
		StopBits: req.StopBits,
		Parity:   req.Parity,
	}.Normalize()
	if err != nil {
		return err
	}
	req.BaudRate, req.DataBits, req.StopBits, req.Parity = opts.BaudRate, opts.DataBits, opts.StopBits, opts.Parity
	return nil
}

func (req *SerialConfigRequest) toConfig(id int) *db.SerialConfig {
	return &db.SerialConfig{
		ID:          id,
		Name:        req.Name,
		PortPath:    req.PortPath,
		BaudRate:    req.BaudRate,
		DataBits:    req.DataBits,
		StopBits:    req.StopBits,
		Parity:      req.Parity,
		Enabled:     req.Enabled,
		Description: req.Description,
	}
}

// handleSerialConfigs handles GET and POST /api/serial/configs.
func (s *Server) handleSerialConfigs(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}
	switch r.Method {
	case http.MethodGet:
		configs, err := s.db.GetSerialConfigs(r.Context())
		if err != nil {
			log.Printf("Error fetching serial configs: %v", err)
			httputil.InternalServerError(w, "failed to fetch serial configurations")
			return
		}
		if configs == nil {
			configs = []db.SerialConfig{}
		}
		httputil.WriteJSONOK(w, configs)
	case http.MethodPost:
		s.handleCreateSerialConfig(w, r)
	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) handleCreateSerialConfig(w http.ResponseWriter, r *http.Request) {
	var req SerialConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httputil.BadRequest(w, "invalid request body")
		return
	}
	if err := req.validate(); err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	id, err := s.db.CreateSerialConfig(r.Context(), req.toConfig(0))
	if err != nil {
		log.Printf("Error creating serial config: %v", err)
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			httputil.WriteJSONError(w, http.StatusConflict, "configuration with this name already exists")
			return
		}
		httputil.InternalServerError(w, "failed to create serial configuration")
		return
	}

	created, err := s.db.GetSerialConfig(r.Context(), int(id))
	if err != nil {
		log.Printf("Error fetching created config: %v", err)
		httputil.InternalServerError(w, "configuration created but failed to fetch")
		return
	}
	httputil.WriteJSON(w, http.StatusCreated, created)
}

// handleSerialConfigByID handles GET, PUT and DELETE /api/serial/configs/{id}.
func (s *Server) handleSerialConfigByID(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "database not configured")
		return
	}
	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/serial/configs/"), "/")
	if rest == "" {
		httputil.BadRequest(w, "missing config ID")
		return
	}
	id, err := strconv.Atoi(rest)
	if err != nil {
		httputil.BadRequest(w, "invalid config ID")
		return
	}

	switch r.Method {
	case http.MethodGet:
		cfg, err := s.db.GetSerialConfig(r.Context(), id)
		if err != nil {
			s.writeSerialConfigError(w, id, err)
			return
		}
		httputil.WriteJSONOK(w, cfg)

	case http.MethodPut:
		var req SerialConfigRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httputil.BadRequest(w, "invalid request body")
			return
		}
		if err := req.validate(); err != nil {
			httputil.BadRequest(w, err.Error())
			return
		}
		if err := s.db.UpdateSerialConfig(r.Context(), req.toConfig(id)); err != nil {
			s.writeSerialConfigError(w, id, err)
			return
		}
		updated, err := s.db.GetSerialConfig(r.Context(), id)
		if err != nil {
			s.writeSerialConfigError(w, id, err)
			return
		}
		httputil.WriteJSONOK(w, updated)

	case http.MethodDelete:
		if err := s.db.DeleteSerialConfig(r.Context(), id); err != nil {
			s.writeSerialConfigError(w, id, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)

	default:
		httputil.MethodNotAllowed(w)
	}
}

func (s *Server) writeSerialConfigError(w http.ResponseWriter, id int, err error) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		httputil.NotFound(w, "configuration not found")
	case strings.Contains(err.Error(), "UNIQUE constraint failed"):
		httputil.WriteJSONError(w, http.StatusConflict, "configuration with this name already exists")
	default:
		log.Printf("Error on serial config %d: %v", id, err)
		httputil.InternalServerError(w, "serial configuration request failed")
	}
}

// handleSerialReload handles POST /api/serial/reload.
func (s *Server) handleSerialReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		httputil.MethodNotAllowed(w)
		return
	}
	if s.serial == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "serial hot reload not available")
		return
	}
	result, err := s.serial.ReloadConfig(r.Context())
	if err != nil {
		log.Printf("serial reload failed: %v", err)
		httputil.WriteJSON(w, http.StatusBadGateway, SerialReloadResult{Success: false, Message: err.Error()})
		return
	}
	httputil.WriteJSONOK(w, result)
}

// isValidPortPath accepts tty and by-id serial device paths.
func isValidPortPath(path string) bool {
	return strings.HasPrefix(path, "/dev/tty") || strings.HasPrefix(path, "/dev/serial")
}
