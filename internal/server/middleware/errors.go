// Package middleware holds the HTTP middleware chain: request ids, panic
// recovery and access logging.
package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
	"github.com/3leaps/dbrelay/internal/observability"
)

// ErrorResponse is the JSON error envelope.
type ErrorResponse = apperrors.HTTPErrorResponse

// Recovery turns a panic into a 500 INTERNAL_ERROR envelope.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			observability.ServerLogger.Error("Handler panicked",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.String("request_id", apperrors.RequestID(r)),
				zap.Any("panic", rec),
				zap.ByteString("stack", debug.Stack()))

			body := apperrors.NewResponse(apperrors.New(apperrors.CodeInternal, fmt.Sprintf("panic: %v", rec)), apperrors.RequestID(r))
			writeErrorResponse(w, body, http.StatusInternalServerError)
		}()
		next.ServeHTTP(w, r)
	})
}

// ErrorHandler is an alias of Recovery.
func ErrorHandler(next http.Handler) http.Handler {
	return Recovery(next)
}

func writeErrorResponse(w http.ResponseWriter, body ErrorResponse, status int) {
	apperrors.WriteJSON(w, status, body)
}
