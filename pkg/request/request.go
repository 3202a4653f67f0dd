// Package request provides loading and validation of dbrelay job requests.
//
// A job request is a YAML or JSON document describing one backup, restore,
// dump, load or transaction job. Requests are validated against an embedded
// JSON Schema that disallows unknown properties.
//
// Example request (YAML):
//
//	version: "1.0"
//	type: dump
//	job_id: nightly-users
//	dump:
//	  table: "user*"
//	  format: csv
package request

import "fmt"

// Version is the only supported request document version.
const Version = "1.0"

// Request is a validated job request document.
type Request struct {
	// Schema is an optional JSON Schema reference for editor support.
	Schema string `json:"$schema,omitempty" yaml:"$schema,omitempty"`

	Version string `json:"version" yaml:"version"`

	// Type is backup, restore, dump, load or transaction.
	Type string `json:"type" yaml:"type"`

	// JobID is optional; callers generate one when empty.
	JobID string `json:"job_id,omitempty" yaml:"job_id,omitempty"`

	// UID is the owner. Optional; the submitting identity is used when empty.
	UID string `json:"uid,omitempty" yaml:"uid,omitempty"`

	Backup  *BackupSpec  `json:"backup,omitempty" yaml:"backup,omitempty"`
	Restore *RestoreSpec `json:"restore,omitempty" yaml:"restore,omitempty"`
	Dump    *DumpSpec    `json:"dump,omitempty" yaml:"dump,omitempty"`
	Load    *LoadSpec    `json:"load,omitempty" yaml:"load,omitempty"`
}

// BackupSpec describes a backup job.
type BackupSpec struct {
	JobID string `json:"job_id,omitempty" yaml:"-" validate:"omitempty,max=128"`

	// Destination is an artifact URI (file:///..., s3://bucket/key or a path).
	Destination string `json:"destination" yaml:"destination" validate:"required"`
}

// RestoreSpec describes a restore job.
type RestoreSpec struct {
	JobID string `json:"job_id,omitempty" yaml:"-" validate:"omitempty,max=128"`

	// Source is an artifact URI.
	Source string `json:"source" yaml:"source" validate:"required"`
}

// DumpSpec describes a dump job. Table may be a glob.
type DumpSpec struct {
	JobID string `json:"job_id,omitempty" yaml:"-" validate:"omitempty,max=128"`

	Table         string `json:"table" yaml:"table" validate:"required"`
	Format        string `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=jsonl csv"`
	TransactionID string `json:"transaction_id,omitempty" yaml:"transaction_id,omitempty" validate:"omitempty,max=128"`
}

// LoadSpec describes a load job. Files are read in order.
type LoadSpec struct {
	JobID string `json:"job_id,omitempty" yaml:"-" validate:"omitempty,max=128"`

	Table         string   `json:"table" yaml:"table" validate:"required"`
	Format        string   `json:"format,omitempty" yaml:"format,omitempty" validate:"omitempty,oneof=jsonl csv"`
	Files         []string `json:"files" yaml:"files" validate:"required,min=1,dive,required"`
	TransactionID string   `json:"transaction_id,omitempty" yaml:"transaction_id,omitempty" validate:"omitempty,max=128"`
}

// TransactionSpec describes a long-lived transaction.
type TransactionSpec struct {
	JobID string `json:"job_id,omitempty" validate:"omitempty,max=128"`
}

// Section returns the job-specific part of the request, checking that it
// matches Type.
func (r *Request) Section() (any, error) {
	var section any
	switch r.Type {
	case "backup":
		if r.Backup != nil {
			section = r.Backup
		}
	case "restore":
		if r.Restore != nil {
			section = r.Restore
		}
	case "dump":
		if r.Dump != nil {
			section = r.Dump
		}
	case "load":
		if r.Load != nil {
			section = r.Load
		}
	case "transaction":
		return &TransactionSpec{JobID: r.JobID}, nil
	default:
		return nil, fmt.Errorf("unknown request type %q", r.Type)
	}
	if section == nil {
		return nil, fmt.Errorf("request type %s requires a %s section", r.Type, r.Type)
	}
	return section, nil
}

// ApplyDefaults fills optional fields.
func (r *Request) ApplyDefaults() {
	if r.Dump != nil && r.Dump.Format == "" {
		r.Dump.Format = "jsonl"
	}
	if r.Load != nil && r.Load.Format == "" {
		r.Load.Format = "jsonl"
	}
}
