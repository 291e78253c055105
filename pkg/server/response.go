package server

import (
	"encoding/json"
	"net/http"

	"github.com/rockit-astro/atlasd/pkg/focuser"
)

// commandResult is the envelope for control command outcomes.
type commandResult struct {
	Result focuser.StatusCode `json:"result"`
}

func handleResponse(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(value)
}

func handleError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
