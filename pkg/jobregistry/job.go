package jobregistry

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/3leaps/dbrelay/pkg/execstatus"
)

// Job is the live, lock-protected state of one tracked operation.
//
// All fields are guarded by the job's own mutex. The payload is owned by the
// job: other components change it only through WithPayload.
type Job struct {
	mu sync.Mutex

	jobID string
	uid   string
	typ   Type

	status       Status
	startTime    time.Time
	endTime      *time.Time
	errorMessage string
	progress     float64
	output       *execstatus.ExecStatus
	payload      Payload

	credentials string
	cancel      func()
	closers     []func() error
	closed      bool

	// finishing is set while a transaction commit or rollback is in flight.
	finishing bool
}

// NewJob creates an unregistered job. payload must have exactly the field
// matching t set.
func NewJob(t Type, uid, jobID string, payload Payload) (*Job, error) {
	if err := ValidateID("uid", uid); err != nil {
		return nil, err
	}
	if err := ValidateID("job id", jobID); err != nil {
		return nil, err
	}
	pt, ok := payload.kind()
	if !ok || pt != t {
		return nil, fmt.Errorf("job %s: payload does not match type %s", jobID, t)
	}
	return &Job{
		jobID:   jobID,
		uid:     uid,
		typ:     t,
		status:  t.InitialStatus(),
		payload: payload,
	}, nil
}

// jobFromRecord rebuilds a job from a persisted record. Restored jobs carry
// no cancellation handle or held resources.
func jobFromRecord(rec Record) (*Job, error) {
	pt, ok := rec.Payload.kind()
	if !ok || pt != rec.Type || !rec.Type.Allows(rec.Status) {
		return nil, fmt.Errorf("%w: record %s is inconsistent", ErrCorruptSnapshot, rec.Key())
	}
	j := &Job{
		jobID:        rec.JobID,
		uid:          rec.UID,
		typ:          rec.Type,
		status:       rec.Status,
		startTime:    rec.StartTime,
		errorMessage: rec.ErrorMessage,
		progress:     rec.Progress,
		payload:      rec.Payload.clone(),
	}
	if rec.EndTime != nil {
		t := *rec.EndTime
		j.endTime = &t
	}
	if rec.Output != nil {
		o := *rec.Output
		j.output = &o
	}
	return j, nil
}

func (j *Job) ID() string { return j.jobID }

func (j *Job) UID() string { return j.uid }

func (j *Job) Type() Type { return j.typ }

// Key returns the registry key "uid:jobId".
func (j *Job) Key() string { return Key(j.uid, j.jobID) }

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.status
}

// Snapshot returns a consistent copy of the job's serializable state.
func (j *Job) Snapshot() Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.snapshotLocked()
}

func (j *Job) snapshotLocked() Record {
	rec := Record{
		JobID:        j.jobID,
		UID:          j.uid,
		Type:         j.typ,
		Status:       j.status,
		StartTime:    j.startTime,
		ErrorMessage: j.errorMessage,
		Progress:     j.progress,
		Payload:      j.payload.clone(),
	}
	if j.endTime != nil {
		t := *j.endTime
		rec.EndTime = &t
	}
	if j.output != nil {
		o := *j.output
		o.Arguments = append([]string(nil), j.output.Arguments...)
		rec.Output = &o
	}
	return rec
}

// SetCredentials stores the caller's opaque credentials token. It is never
// serialized.
func (j *Job) SetCredentials(token string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.credentials = token
}

// Credentials returns the opaque credentials token.
func (j *Job) Credentials() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.credentials
}

// SetCancel installs the cancellation handle. The handle is wrapped so it
// runs at most once. Installing a handle on a job that was already canceled
// invokes it immediately.
func (j *Job) SetCancel(fn func()) {
	if fn == nil {
		return
	}
	var once sync.Once
	wrapped := func() { once.Do(fn) }

	j.mu.Lock()
	j.cancel = wrapped
	canceled := j.status == StatusCanceled
	j.mu.Unlock()

	if canceled {
		wrapped()
	}
}

// AddCloser registers a resource to release when the job leaves the active
// set. Closers added after Close run immediately.
func (j *Job) AddCloser(fn func() error) {
	if fn == nil {
		return
	}
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		_ = fn()
		return
	}
	j.closers = append(j.closers, fn)
	j.mu.Unlock()
}

// Close releases every held resource exactly once. Closers run in reverse
// registration order.
func (j *Job) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	closers := j.closers
	j.closers = nil
	j.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Closed reports whether Close has run.
func (j *Job) Closed() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed
}

// SetOutput records the latest status event from the job's worker. Progress
// follows the event while the job is not terminal.
func (j *Job) SetOutput(st execstatus.ExecStatus) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.status.Terminal() {
		return
	}
	o := st
	j.output = &o
	if st.Kind == execstatus.KindProgress || st.Progress > j.progress {
		j.progress = st.Progress
	}
}

// Output returns the latest recorded status event.
func (j *Job) Output() *execstatus.ExecStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.output == nil {
		return nil
	}
	o := *j.output
	return &o
}

// SetProgress updates the completion fraction of a non-terminal job.
func (j *Job) SetProgress(p float64) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status.Terminal() {
		return
	}
	switch {
	case p < 0:
		p = 0
	case p > 1:
		p = 1
	}
	j.progress = p
}

// WithPayload runs fn with the job's payload while holding the job lock.
func (j *Job) WithPayload(fn func(p *Payload)) {
	j.mu.Lock()
	defer j.mu.Unlock()
	fn(&j.payload)
}
