package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
)

func TestRespondWithError_Taxonomy(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   apperrors.Code
	}{
		{
			name:       "invalid state",
			err:        jobregistry.ErrInvalidState,
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeBadRequest,
		},
		{
			name:       "state error from cancel",
			err:        &jobregistry.StateError{Op: "cancel", Type: jobregistry.TypeDump, JobID: "d1", Status: jobregistry.StatusCompleted},
			wantStatus: http.StatusBadRequest,
			wantCode:   apperrors.CodeBadRequest,
		},
		{
			name:       "wrapped not found",
			err:        fmt.Errorf("lookup: %w", jobregistry.ErrNotFound),
			wantStatus: http.StatusNotFound,
			wantCode:   apperrors.CodeNotFound,
		},
		{
			name:       "registry shut down",
			err:        jobregistry.ErrRegistryClosed,
			wantStatus: apperrors.CodeInterrupted.HTTPStatus(),
			wantCode:   apperrors.CodeInterrupted,
		},
		{
			name:       "worker failure",
			err:        apperrors.ProcessExecutionFailure("worker exited with code %d", 3),
			wantStatus: apperrors.CodeProcessExecutionFailure.HTTPStatus(),
			wantCode:   apperrors.CodeProcessExecutionFailure,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/api/v1/jobs/dump/d1/cancel", nil)
			req.Header.Set(apperrors.RequestIDHeader, "req-7")
			rec := httptest.NewRecorder()

			respondWithError(rec, req, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, string(tt.wantCode), body.Error.Code)
			assert.Equal(t, tt.err.Error(), body.Error.Message)
			assert.Equal(t, "req-7", body.Error.RequestID)
		})
	}
}

func TestSetHTTPErrorResponder(t *testing.T) {
	t.Cleanup(ResetHTTPErrorResponder)

	var got error
	SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, err error) {
		got = err
		w.WriteHeader(http.StatusConflict)
	})

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), jobregistry.ErrInvalidState)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.ErrorIs(t, got, jobregistry.ErrInvalidState)

	SetHTTPErrorResponder(nil)
	rec = httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), jobregistry.ErrInvalidState)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "nil restores the envelope responder")
}

func TestResetHTTPErrorResponder(t *testing.T) {
	SetHTTPErrorResponder(func(w http.ResponseWriter, _ *http.Request, _ error) {
		w.WriteHeader(http.StatusTeapot)
	})
	ResetHTTPErrorResponder()

	rec := httptest.NewRecorder()
	respondWithError(rec, httptest.NewRequest(http.MethodGet, "/", nil), fmt.Errorf("job x: %w", jobregistry.ErrNotFound))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
