package api

import (
	"encoding/json"
	"net/http"

	"github.com/cuemby/shipyard/pkg/types"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Kind  types.ErrorKind `json:"kind"`
	Error string          `json:"error"`
	// Container is set when a create started the container and the start failed
	Container *types.Container `json:"container,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeErrorWith(w, err, nil)
}

func writeErrorWith(w http.ResponseWriter, err error, c *types.Container) {
	kind := types.KindOf(err)
	writeJSON(w, statusFor(kind), ErrorResponse{
		Kind:      kind,
		Error:     types.DetailOf(err),
		Container: c,
	})
}

func statusFor(kind types.ErrorKind) int {
	switch kind {
	case types.KindValidation:
		return http.StatusBadRequest
	case types.KindNotFound:
		return http.StatusNotFound
	case types.KindConflict:
		return http.StatusConflict
	case types.KindRuntime:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
