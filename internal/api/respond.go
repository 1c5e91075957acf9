package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/tenderai/tenderd/internal/files"
	"github.com/tenderai/tenderd/internal/index"
	"github.com/tenderai/tenderd/internal/retrieval"
	"github.com/tenderai/tenderd/internal/storage"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// serviceError maps service errors onto HTTP status codes.
func serviceError(w http.ResponseWriter, err error, action string) {
	var ve *retrieval.ValidationError
	switch {
	case errors.As(err, &ve),
		errors.Is(err, index.ErrInvalidRecord),
		errors.Is(err, files.ErrInvalidName):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
	case errors.Is(err, storage.ErrNotFound):
		httpError(w, http.StatusNotFound, "not_found", "proposal not found")
	case errors.Is(err, files.ErrFolderNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "failed to %s: %v", action, err)
	}
}
