// Package httpx holds the small JSON response helpers shared by the handler
// packages.
package httpx

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/sharemkt/settlement-engine/internal/apperr"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// PageParams parses limit/offset query values with defaults and a hard cap.
func PageParams(limitStr, offsetStr string) (limit, offset int) {
	limit = defaultPageSize
	if v, err := strconv.Atoi(limitStr); err == nil && v > 0 {
		limit = v
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if v, err := strconv.Atoi(offsetStr); err == nil && v > 0 {
		offset = v
	}
	return limit, offset
}

// WriteJSON writes v as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// WriteError writes a plain error message with the given status.
func WriteError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// WriteErr maps an engine error to its HTTP status and writes it. Dependency
// failures are logged with their cause and surfaced with a generic message.
func WriteErr(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	msg := err.Error()
	if apperr.IsKind(err, apperr.KindDependency) {
		slog.Error("dependency failure", "err", err)
		msg = "upstream dependency failed"
	}
	WriteError(w, msg, status)
}
