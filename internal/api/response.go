// Package api provides the optional read-only HTTP and websocket feed.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	pberrors "github.com/pitboss-dev/pitboss/internal/errors"
)

// APIError is the standard error response format.
type APIError struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// JSONResponse writes a successful JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// JSONError writes a simple error response.
func JSONError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(APIError{Error: message})
}

// HandleError inspects the error type and writes the appropriate response.
func HandleError(w http.ResponseWriter, err error) {
	var pbErr *pberrors.PitbossError
	if errors.As(err, &pbErr) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(pbErr.HTTPStatus())
		_ = json.NewEncoder(w).Encode(APIError{
			Error: pbErr.What,
			Code:  string(pbErr.Code),
		})
		return
	}
	JSONError(w, err.Error(), http.StatusInternalServerError)
}

// JSONResponseStatus writes a JSON response with a specific status code.
func JSONResponseStatus(w http.ResponseWriter, data any, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// NoContent writes a 204 No Content response.
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
