package jobregistry

import (
	"time"

	"github.com/3leaps/dbrelay/pkg/execstatus"
)

// Type identifies the kind of operation a job tracks.
//
// NOTE: These values are persisted in the registry snapshot and are part of
// the stable on-disk contract.
type Type string

const (
	TypeBackup      Type = "backup"
	TypeRestore     Type = "restore"
	TypeDump        Type = "dump"
	TypeLoad        Type = "load"
	TypeTransaction Type = "transaction"
)

// Types lists every job type.
var Types = []Type{TypeBackup, TypeRestore, TypeDump, TypeLoad, TypeTransaction}

// ParseType validates s as a job type.
func ParseType(s string) (Type, bool) {
	for _, t := range Types {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

// InitialStatus is the status a job of this type is registered with.
func (t Type) InitialStatus() Status {
	if t == TypeTransaction {
		return StatusAvailable
	}
	return StatusRunning
}

// Allows reports whether s belongs to the status family used by t.
func (t Type) Allows(s Status) bool {
	if t == TypeTransaction {
		switch s {
		case StatusAvailable, StatusInUse, StatusCommitted, StatusRollbackCompleted:
			return true
		}
		return false
	}
	switch s {
	case StatusRunning, StatusCanceled, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

// Status is the lifecycle state of a job.
//
// Point-in-time jobs use RUNNING, CANCELED, FAILED, COMPLETED. Long-lived
// transaction jobs use AVAILABLE, IN_USE, COMMITTED, ROLLBACK_COMPLETED.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusCanceled  Status = "CANCELED"
	StatusFailed    Status = "FAILED"
	StatusCompleted Status = "COMPLETED"

	StatusAvailable         Status = "AVAILABLE"
	StatusInUse             Status = "IN_USE"
	StatusCommitted         Status = "COMMITTED"
	StatusRollbackCompleted Status = "ROLLBACK_COMPLETED"
)

// Terminal reports whether no further transition is permitted from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCanceled, StatusFailed, StatusCompleted, StatusCommitted, StatusRollbackCompleted:
		return true
	}
	return false
}

// succeeded reports whether s is a terminal state that means full progress.
func (s Status) succeeded() bool {
	return s == StatusCompleted || s == StatusCommitted
}

// BackupPayload is owned by backup jobs.
type BackupPayload struct {
	WorkDir     string `json:"work_dir"`
	Destination string `json:"destination"`
	StatusLog   string `json:"status_log,omitempty"`
	PID         int    `json:"pid,omitempty"`
}

// RestorePayload is owned by restore jobs.
type RestorePayload struct {
	WorkDir   string `json:"work_dir"`
	Source    string `json:"source"`
	StatusLog string `json:"status_log,omitempty"`
	PID       int    `json:"pid,omitempty"`
}

// DumpPayload is owned by dump jobs. Table may be a glob; Files lists one
// output file per dumped table.
type DumpPayload struct {
	WorkDir       string   `json:"work_dir"`
	Table         string   `json:"table"`
	Format        string   `json:"format"`
	Files         []string `json:"files,omitempty"`
	Rows          int64    `json:"rows"`
	TransactionID string   `json:"transaction_id,omitempty"`
}

// LoadPayload is owned by load jobs.
type LoadPayload struct {
	Table         string   `json:"table"`
	Format        string   `json:"format"`
	Files         []string `json:"files"`
	Rows          int64    `json:"rows"`
	TransactionID string   `json:"transaction_id,omitempty"`
}

// TransactionPayload is owned by long-lived transaction jobs.
type TransactionPayload struct {
	UseCount int `json:"use_count"`
}

// Payload is the per-type part of a job. Exactly one field is set, matching
// the job's Type.
type Payload struct {
	Backup      *BackupPayload      `json:"backup,omitempty"`
	Restore     *RestorePayload     `json:"restore,omitempty"`
	Dump        *DumpPayload        `json:"dump,omitempty"`
	Load        *LoadPayload        `json:"load,omitempty"`
	Transaction *TransactionPayload `json:"transaction,omitempty"`
}

// kind returns the type implied by the set field, or false when zero or more
// than one field is set.
func (p Payload) kind() (Type, bool) {
	var t Type
	n := 0
	if p.Backup != nil {
		t, n = TypeBackup, n+1
	}
	if p.Restore != nil {
		t, n = TypeRestore, n+1
	}
	if p.Dump != nil {
		t, n = TypeDump, n+1
	}
	if p.Load != nil {
		t, n = TypeLoad, n+1
	}
	if p.Transaction != nil {
		t, n = TypeTransaction, n+1
	}
	return t, n == 1
}

func (p Payload) clone() Payload {
	var c Payload
	if p.Backup != nil {
		b := *p.Backup
		c.Backup = &b
	}
	if p.Restore != nil {
		r := *p.Restore
		c.Restore = &r
	}
	if p.Dump != nil {
		d := *p.Dump
		d.Files = append([]string(nil), p.Dump.Files...)
		c.Dump = &d
	}
	if p.Load != nil {
		l := *p.Load
		l.Files = append([]string(nil), p.Load.Files...)
		c.Load = &l
	}
	if p.Transaction != nil {
		tx := *p.Transaction
		c.Transaction = &tx
	}
	return c
}

// Record is the serializable view of a job. It is what the registry persists
// and what callers read; it never carries credentials or handles.
//
// The schema is designed for backward-compatible extension (additive fields).
type Record struct {
	JobID        string                 `json:"job_id"`
	UID          string                 `json:"uid"`
	Type         Type                   `json:"type"`
	Status       Status                 `json:"status"`
	StartTime    time.Time              `json:"start_time"`
	EndTime      *time.Time             `json:"end_time,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	Progress     float64                `json:"progress"`
	Output       *execstatus.ExecStatus `json:"output,omitempty"`

	Payload
}

// Key returns the registry key of the record.
func (r Record) Key() string {
	return Key(r.UID, r.JobID)
}

// Key builds the registry key "uid:jobId".
func Key(uid, jobID string) string {
	return uid + ":" + jobID
}
