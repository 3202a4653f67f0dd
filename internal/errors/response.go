package apperrors

import (
	"encoding/json"
	"errors"
	"net/http"
)

// RequestIDHeader carries the request id on requests and responses.
const RequestIDHeader = "X-Request-ID"

// HTTPError is the body of an error response.
type HTTPError struct {
	Code      string         `json:"code"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
}

// HTTPErrorResponse is the JSON error envelope.
type HTTPErrorResponse struct {
	Error HTTPError `json:"error"`
}

// NewResponse builds the envelope for err.
func NewResponse(err error, requestID string) HTTPErrorResponse {
	body := HTTPError{
		Code:      string(CodeOf(err)),
		Message:   err.Error(),
		RequestID: requestID,
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		body.Details = appErr.Details
	}
	return HTTPErrorResponse{Error: body}
}

// WriteJSON writes v with status as application/json.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// RespondWithError writes the error envelope for err.
func RespondWithError(w http.ResponseWriter, r *http.Request, err error) {
	if err == nil {
		err = New(CodeInternal, "unknown error")
	}
	WriteJSON(w, StatusOf(err), NewResponse(err, RequestID(r)))
}

// RespondWithCode writes an envelope with an explicit code and message.
func RespondWithCode(w http.ResponseWriter, r *http.Request, code Code, message string) {
	RespondWithError(w, r, New(code, message))
}

// RequestID returns the request id set by the RequestID middleware.
func RequestID(r *http.Request) string {
	if r == nil {
		return ""
	}
	return r.Header.Get(RequestIDHeader)
}
