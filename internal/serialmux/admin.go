package serialmux

import (
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"

	"github.com/banshee-data/amr.controller/internal/httputil"
	"github.com/banshee-data/amr.controller/internal/protocol"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

// tailEvent is the payload of one SSE message on /debug/tail.
type tailEvent struct {
	Kind protocol.Kind `json:"kind"`
	Line string        `json:"line"`
}

// kindFilter parses ?kind=telem,fault. An empty filter passes everything.
func kindFilter(r *http.Request) map[protocol.Kind]bool {
	v := r.URL.Query().Get("kind")
	if v == "" {
		return nil
	}
	kinds := make(map[protocol.Kind]bool)
	for _, k := range strings.Split(v, ",") {
		if k = strings.TrimSpace(k); k != "" {
			kinds[protocol.Kind(k)] = true
		}
	}
	return kinds
}

// AttachAdminRoutesForMux mounts the board console for any
// SerialMuxInterface, so SerialPortManager and DisabledSerialMux expose the
// same routes as a bare SerialMux.
func AttachAdminRoutesForMux(mux *http.ServeMux, s SerialMuxInterface) {
	debug := tsweb.Debugger(mux)

	debug.HandleFunc("send-command", "Low-level board console", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := sendCommandTemplate.Execute(w, nil); err != nil {
			http.Error(w, "failed to render console", http.StatusInternalServerError)
		}
	})

	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			httputil.MethodNotAllowed(w)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		switch {
		case command == "":
			httputil.BadRequest(w, "missing command")
			return
		case strings.ContainsAny(command, "\r\n"):
			httputil.BadRequest(w, "command must be a single line")
			return
		}
		if err := s.SendCommand(command); err != nil {
			httputil.BadGateway(w, fmt.Sprintf("failed to write command: %v", err))
			return
		}
		httputil.WriteJSONOK(w, map[string]string{"sent": command})
	})

	if st, ok := s.(StatsReporter); ok {
		debug.HandleSilentFunc("serial-stats", func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet {
				httputil.MethodNotAllowed(w)
				return
			}
			httputil.WriteJSONOK(w, st.Stats())
		})
	}

	// Server-Sent Events stream of classified board lines.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			httputil.MethodNotAllowed(w)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "streaming unsupported", http.StatusInternalServerError)
			return
		}
		only := kindFilter(r)

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("X-Accel-Buffering", "no")

		id, lines := s.Subscribe()
		defer s.Unsubscribe(id)

		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case line, ok := <-lines:
				if !ok {
					return
				}
				ev := tailEvent{Kind: protocol.Classify(line), Line: line}
				if only != nil && !only[ev.Kind] {
					continue
				}
				data, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
					return
				}
				flusher.Flush()
			case <-r.Context().Done():
				return
			}
		}
	})

	debug.HandleSilentFunc("tail.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		w.Header().Set("Cache-Control", "no-cache")
		b, err := adminTemplateFS.ReadFile("templates/tail.js")
		if err != nil {
			http.Error(w, "tail.js missing", http.StatusInternalServerError)
			return
		}
		w.Write(b)
	})
}
