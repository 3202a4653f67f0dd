package handlers

import (
	"net/http"
	"runtime"
	"sync"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
)

// VersionInfo is the body of GET /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
}

var (
	versionMu   sync.RWMutex
	versionInfo = VersionInfo{Version: "dev", Commit: "unknown", BuildDate: "unknown"}
)

// SetVersionInfo records build metadata reported by VersionHandler.
func SetVersionInfo(version, commit, buildDate string) {
	versionMu.Lock()
	defer versionMu.Unlock()
	versionInfo = VersionInfo{Version: version, Commit: commit, BuildDate: buildDate}
}

func VersionHandler(w http.ResponseWriter, r *http.Request) {
	versionMu.RLock()
	info := versionInfo
	versionMu.RUnlock()
	info.GoVersion = runtime.Version()
	apperrors.WriteJSON(w, http.StatusOK, info)
}
