package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"mealtrack/internal/model"
	"mealtrack/internal/store"
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
	writeTypedProblem(w, status, "about:blank", title, detail, instance)
}

func writeTypedProblem(w http.ResponseWriter, status int, ptype, title, detail, instance string) {
	writeJSON(w, status, Problem{
		Type:     ptype,
		Title:    title,
		Status:   status,
		Detail:   detail,
		Instance: instance,
	})
}

// writeStoreError maps store sentinel errors onto the HTTP surface:
// conflict and duplicate assignment are 409, illegal transitions 422,
// unknown records 404, everything else 500. Each sentinel carries its
// stable problem type so clients need not parse detail prose.
func writeStoreError(w http.ResponseWriter, err error, title, instance string) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeTypedProblem(w, http.StatusNotFound, model.ProblemNotFound, title, err.Error(), instance)
	case errors.Is(err, store.ErrDuplicateAssignment):
		writeTypedProblem(w, http.StatusConflict, model.ProblemDuplicateAssignment, title, err.Error(), instance)
	case errors.Is(err, store.ErrConflict):
		writeTypedProblem(w, http.StatusConflict, model.ProblemConflict, title, err.Error(), instance)
	case errors.Is(err, store.ErrInvalidTransition):
		writeTypedProblem(w, http.StatusUnprocessableEntity, model.ProblemInvalidTransition, title, err.Error(), instance)
	default:
		writeProblem(w, http.StatusInternalServerError, title, err.Error(), instance)
	}
}
