package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"fleetsync/internal/model"
	"fleetsync/internal/platform"
	"fleetsync/internal/store"
)

// Problem represents an RFC7807 problem details response body.
type Problem struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeProblem(w http.ResponseWriter, status int, title, detail, instance string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Type:     "about:blank",
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeError maps an engine error to a problem response.
func writeError(w http.ResponseWriter, r *http.Request, title string, err error) {
	status := http.StatusInternalServerError
	var pe *platform.Error
	switch {
	case errors.Is(err, model.ErrValidation):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, store.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &pe):
		status = http.StatusBadGateway
	}
	writeProblem(w, status, title, err.Error(), r.URL.Path)
}
