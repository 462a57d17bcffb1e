package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/delivery-engine/internal/store"
)

// errorBody is the JSON error envelope returned by admin routes.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload != nil {
		_ = json.NewEncoder(w).Encode(payload)
	}
}

// writeError maps the store/adapter error taxonomy to HTTP status codes.
// Only the admin surface uses it; tracking and webhook routes have fixed
// response contracts that never reflect internal failure.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error(), Code: "not_found"})
	case errors.Is(err, store.ErrInvalidState):
		writeJSON(w, http.StatusConflict, errorBody{Error: err.Error(), Code: "invalid_state"})
	default:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error(), Code: "internal"})
	}
}

func writeBadRequest(w http.ResponseWriter, message string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: message, Code: "bad_request"})
}
