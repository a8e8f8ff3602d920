package httputil

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestErrorHelpers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		write      func(http.ResponseWriter)
		wantStatus int
		wantError  string
		retryAfter string
	}{
		{"json error", func(w http.ResponseWriter) { WriteJSONError(w, http.StatusServiceUnavailable, "database not configured") }, 503, "database not configured", ""},
		{"method", MethodNotAllowed, 405, "method not allowed", ""},
		{"bad request", func(w http.ResponseWriter) { BadRequest(w, "unknown direction") }, 400, "unknown direction", ""},
		{"not found", func(w http.ResponseWriter) { NotFound(w, "serial config not found") }, 404, "serial config not found", ""},
		{"conflict", func(w http.ResponseWriter) { Conflict(w, "emergency stop active") }, 409, "emergency stop active", ""},
		{"rate", func(w http.ResponseWriter) { TooManyRequests(w, 1, "drive command rate exceeded") }, 429, "drive command rate exceeded", "1"},
		{"rate no hint", func(w http.ResponseWriter) { TooManyRequests(w, 0, "slow down") }, 429, "slow down", ""},
		{"internal", func(w http.ResponseWriter) { InternalServerError(w, "boom") }, 500, "boom", ""},
		{"gateway", func(w http.ResponseWriter) { BadGateway(w, "failed to write to serial port") }, 502, "failed to write to serial port", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			tt.write(rec)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			if got := rec.Header().Get("Retry-After"); got != tt.retryAfter {
				t.Errorf("Retry-After = %q, want %q", got, tt.retryAfter)
			}
			var body map[string]string
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body["error"] != tt.wantError {
				t.Errorf("error = %q, want %q", body["error"], tt.wantError)
			}
		})
	}
}

func TestWriteJSON(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSON(rec, http.StatusCreated, map[string]any{"path": "exports/lap.png"})
	if rec.Code != http.StatusCreated {
		t.Errorf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["path"] != "exports/lap.png" {
		t.Errorf("body = %v", body)
	}

	rec = httptest.NewRecorder()
	WriteJSONOK(rec, []string{})
	if rec.Code != http.StatusOK || rec.Body.String() != "[]\n" {
		t.Errorf("WriteJSONOK = %d %q", rec.Code, rec.Body.String())
	}
}

func TestWriteJSON_EncodeFailureKeepsStatus(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	WriteJSONOK(rec, math.Inf(1))
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}
