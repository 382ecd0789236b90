package api

import (
	"encoding/json"
	"net/http"

	"github.com/worldland/energy-sensor/internal/services"
)

// ErrorResponse for error cases
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// StatusResponse is returned by GET /status
type StatusResponse struct {
	Sources []services.SourceStatus `json:"sources"`
}

// StatusProvider defines operations needed from the sensor daemon
type StatusProvider interface {
	Status() []services.SourceStatus
}

// StatusHandler serves read-only views of the running sensor
type StatusHandler struct {
	daemon StatusProvider
}

// NewStatusHandler creates a new status handler
func NewStatusHandler(daemon StatusProvider) *StatusHandler {
	return &StatusHandler{daemon: daemon}
}

// Register mounts the handler's routes on mux
func (h *StatusHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/status", h.HandleStatus)
	mux.HandleFunc("/devices", h.HandleDevices)
}

// HandleStatus handles GET /status
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	sources := h.daemon.Status()
	if len(sources) == 0 {
		h.writeError(w, http.StatusServiceUnavailable, "no source is running", "NOT_RUNNING")
		return
	}

	h.writeJSON(w, http.StatusOK, StatusResponse{Sources: sources})
}

// HandleDevices handles GET /devices?source=nvml
func (h *StatusHandler) HandleDevices(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		h.writeError(w, http.StatusMethodNotAllowed, "method not allowed", "METHOD_NOT_ALLOWED")
		return
	}

	name := r.URL.Query().Get("source")
	if name == "" {
		h.writeError(w, http.StatusBadRequest, "source query param required", "MISSING_SOURCE")
		return
	}

	for _, st := range h.daemon.Status() {
		if st.Source == name {
			h.writeJSON(w, http.StatusOK, st.Devices)
			return
		}
	}
	h.writeError(w, http.StatusNotFound, "source not running", "SOURCE_NOT_FOUND")
}

// writeJSON writes a JSON response
func (h *StatusHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (h *StatusHandler) writeError(w http.ResponseWriter, status int, message, code string) {
	h.writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
