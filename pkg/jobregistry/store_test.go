package jobregistry

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestStore_WriteLoadRoundTrip(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "state", "jobs.json"))

	now := time.Date(2026, 1, 19, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{
			JobID: "b-1", UID: "alice", Type: TypeBackup, Status: StatusRunning, StartTime: now,
			Payload: Payload{Backup: &BackupPayload{WorkDir: "/tmp/w", Destination: "file:///tmp/out.db"}},
		},
		{
			JobID: "tx-1", UID: "bob", Type: TypeTransaction, Status: StatusInUse, StartTime: now,
			Payload: Payload{Transaction: &TransactionPayload{UseCount: 2}},
		},
	}

	if err := s.Write(recs); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("unexpected record count: %d", len(got))
	}
	if got[0].Key() != "alice:b-1" || got[1].Key() != "bob:tx-1" {
		t.Fatalf("order not preserved: %q, %q", got[0].Key(), got[1].Key())
	}
	if got[0].Backup == nil || got[0].Backup.Destination != "file:///tmp/out.db" {
		t.Fatalf("backup payload not persisted")
	}
	if got[1].Transaction == nil || got[1].Transaction.UseCount != 2 {
		t.Fatalf("transaction payload not persisted")
	}
}

func TestStore_KeysKeepInsertionOrder(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "jobs.json"))

	// Keys deliberately sort the other way.
	recs := []Record{
		{JobID: "z", UID: "u", Type: TypeLoad, Status: StatusRunning, Payload: Payload{Load: &LoadPayload{}}},
		{JobID: "a", UID: "u", Type: TypeLoad, Status: StatusRunning, Payload: Payload{Load: &LoadPayload{}}},
	}
	if err := s.Write(recs); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	b, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if strings.Index(string(b), `"u:z"`) > strings.Index(string(b), `"u:a"`) {
		t.Fatalf("snapshot keys not in insertion order:\n%s", b)
	}
}

func TestStore_LoadMissingAndBlank(t *testing.T) {
	path := filepath.Join(t.TempDir(), "jobs.json")
	s := NewStore(path)

	got, err := s.Load()
	if err != nil || got != nil {
		t.Fatalf("missing file: got=%v err=%v", got, err)
	}

	if err := os.WriteFile(path, []byte("  \n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	got, err = s.Load()
	if err != nil || got != nil {
		t.Fatalf("blank file: got=%v err=%v", got, err)
	}
}

func TestStore_LoadCorrupt(t *testing.T) {
	cases := map[string]string{
		"truncated":    `{"u:a": {"job_id": "a"`,
		"not object":   `[1, 2]`,
		"key mismatch": `{"u:a": {"job_id": "b", "uid": "u", "type": "load", "status": "RUNNING", "load": {}}}`,
		"trailing":     `{} {}`,
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "jobs.json")
			if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
				t.Fatalf("WriteFile: %v", err)
			}
			_, err := NewStore(path).Load()
			if !errors.Is(err, ErrCorruptSnapshot) {
				t.Fatalf("expected ErrCorruptSnapshot, got %v", err)
			}
		})
	}
}

func TestProcessAlive(t *testing.T) {
	if !ProcessAlive(os.Getpid()) {
		t.Fatalf("current process reported dead")
	}
	if ProcessAlive(0) || ProcessAlive(-1) {
		t.Fatalf("non-positive pid reported alive")
	}
}
