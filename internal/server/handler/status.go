package handler

import (
	"net/http"
	"time"
)

// StatusHandler reports the runtime mode and storage backend.
type StatusHandler struct {
	Mode      string
	Storage   string
	StartedAt time.Time
	// Locks returns the number of events currently locked in this process.
	Locks func() int
}

// NewStatusHandler creates a StatusHandler.
func NewStatusHandler(mode, storage string, locks func() int) *StatusHandler {
	return &StatusHandler{Mode: mode, Storage: storage, StartedAt: time.Now().UTC(), Locks: locks}
}

// GetStatus responds with the current backend mode and uptime.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	held := 0
	if h.Locks != nil {
		held = h.Locks()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mode":           h.Mode,
		"storage":        h.Storage,
		"started_at":     h.StartedAt.Format(time.RFC3339),
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
		"event_locks":    held,
	})
}
