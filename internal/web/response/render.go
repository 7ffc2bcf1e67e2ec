// Package response writes JSON resources and OperationOutcome errors.
package response

import (
	"encoding/json"
	"net/http"
)

// DefaultContentType is used when a caller does not negotiate one
const DefaultContentType = "application/json"

// JSON writes v as JSON with the default content type
func JSON(w http.ResponseWriter, status int, v any) {
	Write(w, status, DefaultContentType, v)
}

// Write writes v as JSON with the given content type
func Write(w http.ResponseWriter, status int, contentType string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}

	w.Header().Set("Content-Type", contentType+"; charset=utf-8")
	w.WriteHeader(status)
	w.Write(data)
}

// NoContent writes a 204 with no body
func NoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}
