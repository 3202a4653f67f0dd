package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
	"github.com/3leaps/dbrelay/internal/server/handlers"
)

func serve(t *testing.T, srv *Server, method, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(method, path, nil))
	return rec
}

func TestServer_UnmatchedRoutesUseEnvelope(t *testing.T) {
	srv := New("127.0.0.1", 0)

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantCode   apperrors.Code
	}{
		{"unknown path", http.MethodGet, "/api/v2/jobs", http.StatusNotFound, apperrors.CodeNotFound},
		{"post to version", http.MethodPost, "/version", http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed},
		{"delete health", http.MethodDelete, "/health", http.StatusMethodNotAllowed, apperrors.CodeMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serve(t, srv, tt.method, tt.path)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body apperrors.HTTPErrorResponse
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, string(tt.wantCode), body.Error.Code)
			assert.Contains(t, body.Error.Message, tt.path)
			assert.NotEmpty(t, body.Error.RequestID)
		})
	}
}

func TestServer_Addr(t *testing.T) {
	tests := []struct {
		host string
		port int
		want string
	}{
		{"127.0.0.1", 8080, "127.0.0.1:8080"},
		{"", 9000, ":9000"},
		{"::1", 8443, "[::1]:8443"},
	}
	for _, tt := range tests {
		srv := New(tt.host, tt.port)
		assert.Equal(t, tt.want, srv.Addr())
		assert.Equal(t, tt.port, srv.Port())
	}
}

func TestServer_Timeouts(t *testing.T) {
	srv := New("127.0.0.1", 0, WithTimeouts(5*time.Second, 0, time.Minute))
	assert.Equal(t, 5*time.Second, srv.http.ReadTimeout)
	assert.Equal(t, 30*time.Second, srv.http.WriteTimeout, "zero keeps the default")
	assert.Equal(t, time.Minute, srv.http.IdleTimeout)
}

func TestServer_HealthAndVersion(t *testing.T) {
	m := handlers.InitHealthManager("0.9.1")
	healthy := true
	m.RegisterChecker("database", handlers.HealthCheckerFunc(func(context.Context) error {
		if healthy {
			return nil
		}
		return assert.AnError
	}))
	handlers.SetVersionInfo("0.9.1", "abc123", "2026-10-01")
	t.Cleanup(func() { handlers.SetVersionInfo("dev", "unknown", "unknown") })

	srv := New("127.0.0.1", 0)
	for _, path := range []string{"/health", "/health/live", "/health/ready", "/health/startup"} {
		assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, path).Code, path)
	}

	healthy = false
	assert.Equal(t, http.StatusServiceUnavailable, serve(t, srv, http.MethodGet, "/health/ready").Code)
	assert.Equal(t, http.StatusOK, serve(t, srv, http.MethodGet, "/health/live").Code)

	rec := serve(t, srv, http.MethodGet, "/version")
	require.Equal(t, http.StatusOK, rec.Code)
	var info handlers.VersionInfo
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "0.9.1", info.Version)
	assert.Equal(t, "abc123", info.Commit)
	assert.NotEmpty(t, info.GoVersion)
}

func TestServer_RequestIDEchoed(t *testing.T) {
	srv := New("127.0.0.1", 0)

	req := httptest.NewRequest(http.MethodGet, "/version", nil)
	req.Header.Set(apperrors.RequestIDHeader, "req-42")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get(apperrors.RequestIDHeader))

	rec = serve(t, srv, http.MethodGet, "/missing")
	generated := rec.Header().Get(apperrors.RequestIDHeader)
	require.NotEmpty(t, generated)

	var body apperrors.HTTPErrorResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, generated, body.Error.RequestID)
}

func TestServer_APIDisabledWithoutEngine(t *testing.T) {
	srv := New("127.0.0.1", 0)
	assert.Equal(t, http.StatusNotFound, serve(t, srv, http.MethodGet, "/api/v1/jobs").Code)
}

func TestServer_ServeAndShutdown(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	srv := New("127.0.0.1", 0)
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/version")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	select {
	case err := <-served:
		assert.NoError(t, err, "graceful shutdown is not an error")
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not return after shutdown")
	}
}
