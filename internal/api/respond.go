package api

import (
	"encoding/json"
	"net/http"

	"github.com/xingchen-labs/emotion-companion/internal/logging"
)

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.From(r.Context()).Error("failed to encode response", "error", err)
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, err error, fallback string) {
	msg := fallback
	if err != nil && err.Error() != "" {
		msg = err.Error()
	}
	logging.From(r.Context()).Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	writeJSON(w, r, status, errorResponse{Success: false, Error: msg})
}

func decodeJSON(r *http.Request, v any) error {
	if r.Body == nil || r.Body == http.NoBody {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}
