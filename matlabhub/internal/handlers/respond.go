package handlers

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// handleAPIResponse writes resp as JSON, or err as plain text with status.
func handleAPIResponse(logger *slog.Logger, w http.ResponseWriter, r *http.Request, resp any, err error, status int) {
	if err != nil {
		logger.Warn("Request failed", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr, "error", err)
		http.Error(w, err.Error(), status)
		return
	}
	body, err := json.Marshal(resp)
	if err != nil {
		logger.Error("Failed to encode response", "method", r.Method, "path", r.URL.Path, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(body)
}
