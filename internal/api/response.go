package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
)

// errorResponse is the JSON error envelope for all API failures.
type errorResponse struct {
	Error string `json:"error"`
}

// writeJSON encodes v into a buffer first so an encoding failure can still
// produce a clean 500 instead of a half-written body.
func writeJSON(w http.ResponseWriter, logger *slog.Logger, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		logger.Error("encoding response", "error", err)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(buf.Bytes()); err != nil {
		logger.Debug("writing response", "error", err)
	}
}

// writeError sends the JSON error envelope.
func writeError(w http.ResponseWriter, logger *slog.Logger, status int, message string) {
	writeJSON(w, logger, status, errorResponse{Error: message})
}
