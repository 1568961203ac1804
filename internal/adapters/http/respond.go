// Package http exposes the deployment intake and read models over REST.
package http

import (
	"encoding/json"
	"net/http"
)

type APIResponse struct {
	Message string            `json:"message,omitempty"`
	Data    any               `json:"data,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func JSONSuccess(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

func JSONError(w http.ResponseWriter, status int, message string) {
	JSONSuccess(w, status, APIResponse{Message: message})
}

func JSONValidationError(w http.ResponseWriter, errors map[string]string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnprocessableEntity)
	_ = json.NewEncoder(w).Encode(APIResponse{
		Message: "Validation failed",
		Errors:  errors,
	})
}
