package apperrors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dbrelay/pkg/artifact"
	"github.com/3leaps/dbrelay/pkg/dbdriver"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
	"github.com/3leaps/dbrelay/pkg/monitor"
	"github.com/3leaps/dbrelay/pkg/request"
)

func TestCodeOf(t *testing.T) {
	_, statErr := os.Stat("/definitely/not/here")

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"explicit", BadRequest("bad %s", "input"), CodeBadRequest},
		{"wrapped explicit", fmt.Errorf("outer: %w", ProcessExecutionFailure("exit 3")), CodeProcessExecutionFailure},
		{"job not found", fmt.Errorf("cancel: %w", jobregistry.ErrNotFound), CodeNotFound},
		{"state error", &jobregistry.StateError{Op: "cancel", Status: jobregistry.StatusCompleted}, CodeBadRequest},
		{"invalid id", jobregistry.ErrInvalidID, CodeBadRequest},
		{"registry closed", jobregistry.ErrRegistryClosed, CodeInterrupted},
		{"validation", request.ErrValidationFailed, CodeBadRequest},
		{"no tables", dbdriver.ErrNoTables, CodeBadRequest},
		{"artifact missing", &artifact.StoreError{Op: "Get", Err: artifact.ErrNotFound}, CodeNotFound},
		{"artifact unavailable", artifact.ErrUnavailable, CodeIOFailure},
		{"monitor io", &monitor.IOError{Path: "/x", Err: errors.New("boom")}, CodeIOFailure},
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"canceled", context.Canceled, CodeInterrupted},
		{"stat missing", statErr, CodeNotFound},
		{"unknown", errors.New("boom"), CodeInternal},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestCode_HTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, CodeNotFound.HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, CodeBadRequest.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CodeIOFailure.HTTPStatus())
	assert.Equal(t, http.StatusBadGateway, CodeProcessExecutionFailure.HTTPStatus())
	assert.Equal(t, http.StatusGatewayTimeout, CodeTimeout.HTTPStatus())
	assert.Equal(t, http.StatusServiceUnavailable, CodeInterrupted.HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, CodeInternal.HTTPStatus())
}

func TestError_Message(t *testing.T) {
	assert.Equal(t, "plain", New(CodeInternal, "plain").Error())
	assert.Equal(t, "load failed: disk full", Wrap(CodeIOFailure, errors.New("disk full"), "load failed").Error())
	assert.Equal(t, "disk full", Wrap(CodeIOFailure, errors.New("disk full"), "").Error())
}

func TestRespondWithError(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/jobs/dump/x", nil)
	req.Header.Set(RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()

	err := NotFound("job %s not found", "x").WithDetails(map[string]any{"type": "dump"})
	RespondWithError(rec, req, err)

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, "NOT_FOUND", body.Error.Code)
	assert.Equal(t, "job x not found", body.Error.Message)
	assert.Equal(t, "req-42", body.Error.RequestID)
	assert.Equal(t, "dump", body.Error.Details["type"])
}

func TestRespondWithError_Nil(t *testing.T) {
	rec := httptest.NewRecorder()
	RespondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
