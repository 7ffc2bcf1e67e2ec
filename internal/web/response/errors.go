package response

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// OperationOutcome is the error payload returned by every endpoint
type OperationOutcome struct {
	ResourceType string  `json:"resourceType"`
	Issue        []Issue `json:"issue"`
}

// Issue is one problem reported in an OperationOutcome
type Issue struct {
	Severity    string `json:"severity"`
	Code        string `json:"code"`
	Diagnostics string `json:"diagnostics,omitempty"`
}

// NewOutcome builds a single-issue error outcome
func NewOutcome(code, diagnostics string) *OperationOutcome {
	return &OperationOutcome{
		ResourceType: "OperationOutcome",
		Issue: []Issue{{
			Severity:    "error",
			Code:        code,
			Diagnostics: diagnostics,
		}},
	}
}

// RenderError renders err as an OperationOutcome with the given status
func RenderError(w http.ResponseWriter, statusCode int, err error) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		httpErr.Render(w)
		return
	}
	RenderErrorWithCode(w, statusCode, err, "")
}

// RenderErrorWithCode renders an error with a specific issue code
func RenderErrorWithCode(w http.ResponseWriter, statusCode int, err error, code string) {
	if code == "" {
		code = issueCodeFromStatus(statusCode)
	}
	message := ""
	if err != nil {
		message = err.Error()
	}
	JSON(w, statusCode, NewOutcome(code, message))
}

// RenderBadRequest renders a 400 Bad Request error
func RenderBadRequest(w http.ResponseWriter, message string) {
	RenderError(w, http.StatusBadRequest, fmt.Errorf("%s", message))
}

// RenderNotFound renders a 404 Not Found error
func RenderNotFound(w http.ResponseWriter, message string) {
	if message == "" {
		message = "Resource not found"
	}
	RenderError(w, http.StatusNotFound, fmt.Errorf("%s", message))
}

// RenderMethodNotAllowed renders a 405 Method Not Allowed error
func RenderMethodNotAllowed(w http.ResponseWriter, allowedMethods []string) {
	if len(allowedMethods) > 0 {
		w.Header().Set("Allow", strings.Join(allowedMethods, ", "))
	}
	RenderError(w, http.StatusMethodNotAllowed, fmt.Errorf("method not allowed"))
}

// RenderConflict renders a 409 Conflict error
func RenderConflict(w http.ResponseWriter, message string) {
	RenderError(w, http.StatusConflict, fmt.Errorf("%s", message))
}

// RenderUnsupportedMediaType renders a 415 Unsupported Media Type error
func RenderUnsupportedMediaType(w http.ResponseWriter, got, want string) {
	RenderError(w, http.StatusUnsupportedMediaType, fmt.Errorf("content type %q is not supported, expected %q", got, want))
}

// RenderUnprocessableEntity renders a 422 Unprocessable Entity error
func RenderUnprocessableEntity(w http.ResponseWriter, message string) {
	RenderError(w, http.StatusUnprocessableEntity, fmt.Errorf("%s", message))
}

// RenderInternalError renders a 500 Internal Server Error
func RenderInternalError(w http.ResponseWriter, err error) {
	message := "Internal server error"
	if err != nil {
		message = err.Error()
	}
	RenderError(w, http.StatusInternalServerError, fmt.Errorf("%s", message))
}

// issueCodeFromStatus maps HTTP status codes to OperationOutcome issue codes
func issueCodeFromStatus(status int) string {
	switch status {
	case http.StatusBadRequest, http.StatusUnprocessableEntity:
		return "invalid"
	case http.StatusUnauthorized, http.StatusForbidden:
		return "security"
	case http.StatusNotFound, http.StatusGone:
		return "not-found"
	case http.StatusMethodNotAllowed, http.StatusUnsupportedMediaType, http.StatusNotImplemented:
		return "not-supported"
	case http.StatusConflict, http.StatusPreconditionFailed:
		return "conflict"
	case http.StatusRequestEntityTooLarge:
		return "too-costly"
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return "timeout"
	case http.StatusTooManyRequests:
		return "throttled"
	case http.StatusServiceUnavailable:
		return "transient"
	default:
		return "exception"
	}
}

// HTTPError represents an HTTP error with status code
type HTTPError struct {
	StatusCode int
	Message    string
	Code       string
}

// Error implements the error interface
func (e *HTTPError) Error() string {
	return e.Message
}

// NewHTTPError creates a new HTTP error
func NewHTTPError(statusCode int, message string) *HTTPError {
	return &HTTPError{
		StatusCode: statusCode,
		Message:    message,
		Code:       issueCodeFromStatus(statusCode),
	}
}

// WithCode sets a custom issue code
func (e *HTTPError) WithCode(code string) *HTTPError {
	e.Code = code
	return e
}

// Render renders the HTTP error as a response
func (e *HTTPError) Render(w http.ResponseWriter) {
	JSON(w, e.StatusCode, NewOutcome(e.Code, e.Message))
}
