package jobregistry

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
)

// Store persists the registry snapshot as a single JSON object mapping
// "uid:jobId" to the job record, in registration order.
//
// Writes are atomic: the snapshot is written to a temp file in the same
// directory and renamed over the previous one.
type Store struct {
	path string
}

func NewStore(path string) *Store {
	return &Store{path: strings.TrimSpace(path)}
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) ensureDir() error {
	if s.path == "" {
		return fmt.Errorf("job registry snapshot path is empty")
	}
	return os.MkdirAll(filepath.Dir(s.path), 0755)
}

// Write replaces the snapshot with records, preserving their order.
func (s *Store) Write(records []Record) error {
	if err := s.ensureDir(); err != nil {
		return err
	}

	b, err := encodeSnapshot(records)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot in file order. A missing or blank file yields no
// records. Unparseable content returns an error wrapping ErrCorruptSnapshot.
func (s *Store) Load() ([]Record, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	return decodeSnapshot(b)
}

// Remove deletes the snapshot file. A missing file is not an error.
func (s *Store) Remove() error {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove snapshot: %w", err)
	}
	return nil
}

// encodeSnapshot writes the object by hand; encoding/json sorts map keys and
// the registry relies on insertion order.
func encodeSnapshot(records []Record) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString("{")
	for i, rec := range records {
		if i > 0 {
			buf.WriteString(",")
		}
		key, err := json.Marshal(rec.Key())
		if err != nil {
			return nil, fmt.Errorf("marshal key: %w", err)
		}
		val, err := json.MarshalIndent(rec, "  ", "  ")
		if err != nil {
			return nil, fmt.Errorf("marshal job record %s: %w", rec.Key(), err)
		}
		buf.WriteString("\n  ")
		buf.Write(key)
		buf.WriteString(": ")
		buf.Write(val)
	}
	if len(records) > 0 {
		buf.WriteString("\n")
	}
	buf.WriteString("}\n")
	return buf.Bytes(), nil
}

func decodeSnapshot(b []byte) ([]Record, error) {
	corrupt := func(err error) error {
		return fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	tok, err := dec.Token()
	if err != nil {
		return nil, corrupt(err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, corrupt(fmt.Errorf("expected object, got %v", tok))
	}

	var out []Record
	seen := make(map[string]bool)
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, corrupt(err)
		}
		key, ok := tok.(string)
		if !ok {
			return nil, corrupt(fmt.Errorf("expected key, got %v", tok))
		}
		var rec Record
		if err := dec.Decode(&rec); err != nil {
			return nil, corrupt(fmt.Errorf("record %s: %w", key, err))
		}
		if rec.Key() != key {
			return nil, corrupt(fmt.Errorf("record %s stored under key %s", rec.Key(), key))
		}
		if seen[key] {
			return nil, corrupt(fmt.Errorf("duplicate key %s", key))
		}
		seen[key] = true
		out = append(out, rec)
	}
	if _, err := dec.Token(); err != nil {
		return nil, corrupt(err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, corrupt(fmt.Errorf("trailing data after snapshot"))
	}
	return out, nil
}

// ProcessAlive reports whether pid names a live process. Worker-backed
// records loaded from a previous run use it to flag orphaned workers.
func ProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// signal 0 is supported on unix; it checks for existence without sending a signal.
	if err := p.Signal(os.Signal(syscall.Signal(0))); err != nil {
		return false
	}
	return true
}
