package http

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// ErrorResponse is a standard structure for returning errors in JSON format.
type ErrorResponse struct {
	Error string `json:"error"`
}

// writeJSONError is a helper for sending errors in JSON format.
func writeJSONError(w http.ResponseWriter, message string, status int, logger *slog.Logger) {
	writeJSON(w, status, ErrorResponse{Error: message}, logger)
}

func writeJSON(w http.ResponseWriter, status int, body any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to write json response", "error", err)
	}
}
