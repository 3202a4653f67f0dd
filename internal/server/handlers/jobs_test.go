package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdentity(t *testing.T) {
	tests := []struct {
		name      string
		user      string
		auth      string
		wantUID   string
		wantCreds string
	}{
		{"anonymous", "", "", DefaultUserID, ""},
		{"user header", "alice", "", "alice", ""},
		{"bearer token", "alice", "Bearer abc123", "alice", "abc123"},
		{"lowercase bearer", "alice", "bearer abc123", "alice", "abc123"},
		{"other scheme kept", "bob", "Basic Ym9iOnB3", "bob", "Basic Ym9iOnB3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.user != "" {
				r.Header.Set(UserIDHeader, tt.user)
			}
			if tt.auth != "" {
				r.Header.Set("Authorization", tt.auth)
			}
			uid, creds := identity(r)
			assert.Equal(t, tt.wantUID, uid)
			assert.Equal(t, tt.wantCreds, creds)
		})
	}
}

func TestVersionHandler(t *testing.T) {
	SetVersionInfo("1.4.0", "abc1234", "2026-03-01")
	defer SetVersionInfo("dev", "unknown", "unknown")

	rec := httptest.NewRecorder()
	VersionHandler(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":"1.4.0"`)
	assert.Contains(t, rec.Body.String(), `"commit":"abc1234"`)
}
