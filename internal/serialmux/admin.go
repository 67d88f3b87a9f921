package serialmux

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"strings"

	"tailscale.com/tsweb"
)

//go:embed templates/*
var adminTemplateFS embed.FS

var sendCommandTemplate = template.Must(template.ParseFS(adminTemplateFS, "templates/send-command.html.tmpl"))

type sendCommandPage struct {
	Path   string
	IsOpen bool
}

// AttachAdminRoutes attaches admin debugging endpoints to the given HTTP
// mux served at /debug/. These routes are accessible only over
// localhost/via Tailscale and are not publicly accessible.
func (l *LineListener) AttachAdminRoutes(mux *http.ServeMux) {
	attachAdminRoutes(mux, l)
}

func attachAdminRoutes(mux *http.ServeMux, link Link) {
	debug := tsweb.Debugger(mux)

	// Basic command / live tail monitor interface using the below two API endpoints.
	debug.HandleFunc("send-command", "write a line to the control unit", func(w http.ResponseWriter, r *http.Request) {
		buf := bytes.NewBuffer(nil)
		page := sendCommandPage{Path: link.Path(), IsOpen: link.IsOpen()}
		if err := sendCommandTemplate.Execute(buf, page); err != nil {
			http.Error(w, "Failed to render template", http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		io.Copy(w, buf)
	})

	// API endpoint to write command to the serial port
	debug.HandleSilentFunc("send-command-api", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		command := strings.TrimSpace(r.FormValue("command"))
		if command == "" {
			http.Error(w, "Missing command", http.StatusBadRequest)
			return
		}
		if err := link.SendCommand(command); err != nil {
			http.Error(w, fmt.Sprintf("Failed to write command: %v", err), http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintf(w, "Wrote command %q to serial port", command)
	})

	// API endpoint to issue Server-Side Events (SSE) for lines from the serial port.
	debug.HandleSilentFunc("tail", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no") // Disable buffering for nginx

		id, c := link.Subscribe()
		defer link.Unsubscribe(id)

		// Send initial ping to establish connection
		io.WriteString(w, ": ping\n\n")
		flusher.Flush()

		for {
			select {
			case payload, ok := <-c:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
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

		f, err := adminTemplateFS.Open("templates/tail.js")
		if err != nil {
			http.Error(w, "Failed to open tail.js", http.StatusInternalServerError)
			return
		}
		defer f.Close()
		io.Copy(w, f)
	})
}
