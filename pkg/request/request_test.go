package request

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validDumpYAML returns a minimal valid dump request in YAML format.
func validDumpYAML() string {
	return `version: "1.0"
type: dump
job_id: nightly-users
dump:
  table: "user*"
`
}

// validLoadJSON returns a minimal valid load request in JSON format.
func validLoadJSON() string {
	return `{
  "version": "1.0",
  "type": "load",
  "load": {
    "table": "users",
    "format": "csv",
    "files": ["nightly-users/users.csv"],
    "transaction_id": "tx-1"
  }
}`
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		check   func(t *testing.T, r *Request)
		wantErr string
	}{
		{
			name:    "dump yaml with defaults",
			file:    "req.yaml",
			content: validDumpYAML(),
			check: func(t *testing.T, r *Request) {
				require.NotNil(t, r.Dump)
				assert.Equal(t, "dump", r.Type)
				assert.Equal(t, "nightly-users", r.JobID)
				assert.Equal(t, "user*", r.Dump.Table)
				assert.Equal(t, "jsonl", r.Dump.Format)
			},
		},
		{
			name:    "load json",
			file:    "req.json",
			content: validLoadJSON(),
			check: func(t *testing.T, r *Request) {
				require.NotNil(t, r.Load)
				assert.Equal(t, "csv", r.Load.Format)
				assert.Equal(t, []string{"nightly-users/users.csv"}, r.Load.Files)
				assert.Equal(t, "tx-1", r.Load.TransactionID)
			},
		},
		{
			name:    "unknown extension falls back",
			file:    "req.txt",
			content: validLoadJSON(),
			check: func(t *testing.T, r *Request) {
				assert.Equal(t, "load", r.Type)
			},
		},
		{
			name: "transaction needs no section",
			file: "tx.yaml",
			content: `version: "1.0"
type: transaction
job_id: tx-1
`,
			check: func(t *testing.T, r *Request) {
				section, err := r.Section()
				require.NoError(t, err)
				assert.Equal(t, &TransactionSpec{JobID: "tx-1"}, section)
			},
		},
		{
			name: "missing section",
			file: "req.yaml",
			content: `version: "1.0"
type: backup
`,
			wantErr: "backup",
		},
		{
			name: "unknown field rejected",
			file: "req.yaml",
			content: `version: "1.0"
type: restore
restore:
  source: s3://b/k
  overwrite: true
`,
			wantErr: "overwrite",
		},
		{
			name: "bad format",
			file: "req.yaml",
			content: `version: "1.0"
type: dump
dump:
  table: users
  format: parquet
`,
			wantErr: "format",
		},
		{
			name: "bad job id",
			file: "req.yaml",
			content: `version: "1.0"
type: dump
job_id: "../escape"
dump:
  table: users
`,
			wantErr: "job_id",
		},
		{
			name: "wrong version",
			file: "req.yaml",
			content: `version: "2.0"
type: dump
dump:
  table: users
`,
			wantErr: "version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			require.NoError(t, os.WriteFile(path, []byte(tt.content), 0o644))

			r, err := Load(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, r)
		})
	}
}

func TestLoad_FileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestLoadFromBytes_Empty(t *testing.T) {
	_, err := LoadFromBytes([]byte("  \n"), "req.yaml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty")
}

func TestLoadFromReader(t *testing.T) {
	r, err := LoadFromReader(strings.NewReader(validDumpYAML()), "")
	require.NoError(t, err)
	assert.Equal(t, "dump", r.Type)
}

func TestValidationErrors(t *testing.T) {
	err := ValidateRaw([]byte(`{"type": "nope"}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))

	var verrs ValidationErrors
	require.True(t, errors.As(err, &verrs))
	assert.NotEmpty(t, verrs)
}

func TestValidationError_Error(t *testing.T) {
	assert.Equal(t, "/dump/table: required", ValidationError{Path: "/dump/table", Message: "required"}.Error())
	assert.Equal(t, "bad", ValidationError{Message: "bad"}.Error())

	multi := ValidationErrors{{Message: "a"}, {Message: "b"}}
	assert.Contains(t, multi.Error(), "2 errors")
}
