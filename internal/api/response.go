package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"pricing/internal/models"
)

// sendJSON writes a 200 JSON response.
func sendJSON(w http.ResponseWriter, logger *slog.Logger, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("json_encode_failed", "error", err)
	}
}

// sendError sends a JSON error response.
func sendError(w http.ResponseWriter, logger *slog.Logger, statusCode int, errorCode string, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	errorResp := models.ErrorResponse{
		Error:   errorCode,
		Message: message,
	}

	if err := json.NewEncoder(w).Encode(errorResp); err != nil {
		logger.Error("json_encode_failed", "error", err)
	}
}

// sendStoreError maps a failed store read to a response.
func sendStoreError(w http.ResponseWriter, logger *slog.Logger, op string, err error) {
	if errors.Is(err, context.DeadlineExceeded) {
		logger.Warn("store_read_timeout", "op", op, "error", err)
		sendError(w, logger, http.StatusGatewayTimeout, "timeout", "Store did not answer in time")
		return
	}
	logger.Error("store_read_failed", "op", op, "error", err)
	sendError(w, logger, http.StatusServiceUnavailable, "backend_unavailable", "Failed to read from store")
}

// intParam parses an optional positive integer query parameter bounded by max.
func intParam(r *http.Request, name string, def, max int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("%s must be a positive integer", name)
	}
	if n > max {
		n = max
	}
	return n, nil
}
