// Package execstatus implements the status line protocol spoken by worker
// processes.
//
// A worker appends one JSON object per line to a per-job log file. Each line
// is a self-contained status event that can be parsed independently:
//
//	{"timestamp":1768824000,"kind":"start","status":"running","progress":0}
//	{"timestamp":1768824003,"kind":"progress","status":"running","progress":0.5}
//	{"timestamp":1768824007,"kind":"finish","status":"success","progress":1,"freezed":true}
package execstatus

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Kind identifies the type of a status event.
type Kind string

const (
	KindStart    Kind = "start"
	KindFinish   Kind = "finish"
	KindProgress Kind = "progress"
	KindData     Kind = "data"
)

// Well-known status values emitted by dbrelay workers. The protocol itself
// treats status as free-form.
const (
	StatusRunning  = "running"
	StatusSuccess  = "success"
	StatusFailure  = "failure"
	StatusCanceled = "canceled"
)

// ErrInvalidLine indicates a status line could not be parsed.
var ErrInvalidLine = errors.New("invalid status line")

// ExecStatus is a single parsed status event.
type ExecStatus struct {
	// Timestamp is the event time in epoch seconds.
	Timestamp int64 `json:"timestamp"`

	Kind   Kind   `json:"kind"`
	Status string `json:"status"`

	// Progress is a completion fraction in [0,1].
	Progress float64 `json:"progress"`

	Message   string   `json:"message,omitempty"`
	Code      int      `json:"code,omitempty"`
	Arguments []string `json:"arguments,omitempty"`

	// Freezed tells consumers to stop applying further updates.
	Freezed bool `json:"freezed,omitempty"`
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	switch k {
	case KindStart, KindFinish, KindProgress, KindData:
		return true
	}
	return false
}

// IsFinish reports whether the event is a terminal finish event.
func (s *ExecStatus) IsFinish() bool {
	return s != nil && s.Kind == KindFinish
}

// Succeeded reports whether the event is a finish event with status success.
func (s *ExecStatus) Succeeded() bool {
	return s.IsFinish() && s.Status == StatusSuccess
}

// LineError describes a status line that failed to parse.
type LineError struct {
	// Line is the 1-based line number within the log, if known.
	Line int

	Err error
}

func (e *LineError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("status line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("status line: %v", e.Err)
}

func (e *LineError) Unwrap() error {
	return e.Err
}

// Parse decodes one status line.
//
// Surrounding whitespace is ignored. Progress values outside [0,1] are
// clamped.
func Parse(line []byte) (ExecStatus, error) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return ExecStatus{}, fmt.Errorf("%w: empty line", ErrInvalidLine)
	}

	var st ExecStatus
	if err := json.Unmarshal(line, &st); err != nil {
		return ExecStatus{}, fmt.Errorf("%w: %v", ErrInvalidLine, err)
	}
	if !st.Kind.Valid() {
		return ExecStatus{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidLine, st.Kind)
	}
	st.Progress = clampProgress(st.Progress)
	return st, nil
}

func clampProgress(p float64) float64 {
	switch {
	case p < 0:
		return 0
	case p > 1:
		return 1
	}
	return p
}
