package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultRetention is how long a job is kept after it starts.
const DefaultRetention = 168 * time.Hour

// Options configures a Registry.
type Options struct {
	// Path is the snapshot file. Empty disables persistence.
	Path string

	// Retention bounds how long jobs are kept, measured from start time.
	// Zero uses DefaultRetention; negative disables expiry.
	Retention time.Duration

	Clock    Clock
	Logger   *zap.Logger
	Notifier Notifier
}

// Registry holds every known job keyed by "uid:jobId".
//
// Lock order: the registry lock may be held while taking a job lock, never
// the reverse. Cancellation handles and job closers run with no lock held.
type Registry struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	order  []string
	closed bool

	// persistMu serializes snapshot writes so they land in commit order.
	persistMu sync.Mutex

	store     *Store
	retention time.Duration
	clock     Clock
	logger    *zap.Logger
	notifier  Notifier
}

// Open creates a registry and loads the snapshot at opts.Path. A snapshot
// that cannot be parsed is deleted and the registry starts empty.
func Open(opts Options) (*Registry, error) {
	r := &Registry{
		jobs:      make(map[string]*Job),
		retention: opts.Retention,
		clock:     opts.Clock,
		logger:    opts.Logger,
		notifier:  opts.Notifier,
	}
	if r.retention == 0 {
		r.retention = DefaultRetention
	}
	if r.clock == nil {
		r.clock = SystemClock()
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	if opts.Path != "" {
		r.store = NewStore(opts.Path)
	}

	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.Load()
	if err != nil {
		if !IsCorruptSnapshot(err) {
			return err
		}
		r.logger.Warn("Discarding corrupt job registry snapshot",
			zap.String("path", r.store.Path()),
			zap.Error(err))
		return r.store.Remove()
	}

	jobs := make(map[string]*Job, len(records))
	order := make([]string, 0, len(records))
	for _, rec := range records {
		j, err := jobFromRecord(rec)
		if err != nil {
			r.logger.Warn("Discarding corrupt job registry snapshot",
				zap.String("path", r.store.Path()),
				zap.Error(err))
			return r.store.Remove()
		}
		jobs[rec.Key()] = j
		order = append(order, rec.Key())
	}
	r.jobs = jobs
	r.order = order
	r.logger.Debug("Loaded job registry snapshot",
		zap.String("path", r.store.Path()),
		zap.Int("jobs", len(order)))
	return nil
}

// Register adds job under "uid:jobId", replacing any previous entry with the
// same key. The replaced job is closed.
func (r *Registry) Register(job *Job) (Record, error) {
	return r.register(job, false)
}

// RegisterUnlessActive is Register, but fails with ErrInvalidState when the
// key is held by a job that is not yet terminal. The check and the insert
// happen under one lock.
func (r *Registry) RegisterUnlessActive(job *Job) (Record, error) {
	return r.register(job, true)
}

func (r *Registry) register(job *Job, unlessActive bool) (Record, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return Record{}, ErrRegistryClosed
	}
	key := job.Key()
	prev, replaced := r.jobs[key]
	if replaced && unlessActive && prev != job {
		if st := prev.Status(); !st.Terminal() {
			r.mu.Unlock()
			return Record{}, &StateError{Op: "replace", Type: prev.Type(), JobID: prev.ID(), Status: st}
		}
	}

	now := r.clock.Now()
	job.mu.Lock()
	job.startTime = now
	job.mu.Unlock()

	if replaced {
		r.removeOrderLocked(key)
	}
	r.jobs[key] = job
	r.order = append(r.order, key)
	r.mu.Unlock()

	if replaced && prev != job {
		if err := prev.Close(); err != nil {
			r.logger.Warn("Closing replaced job failed", zap.String("key", key), zap.Error(err))
		}
	}

	r.logger.Info("Job registered",
		zap.String("type", string(job.Type())),
		zap.String("uid", job.UID()),
		zap.String("job_id", job.ID()))

	return r.commit(job)
}

// UpdateStatus moves a registered job to status. A job that is already
// terminal is left untouched, so a late completion never overrides a
// cancellation. Reaching a terminal status releases the job's resources.
func (r *Registry) UpdateStatus(job *Job, status Status, cause error) error {
	// contains takes r.mu, so it must run before job.mu is held.
	if !r.contains(job) {
		return fmt.Errorf("%w: %s", ErrNotFound, job.Key())
	}

	job.mu.Lock()
	if job.status.Terminal() {
		job.mu.Unlock()
		return nil
	}
	if !job.typ.Allows(status) {
		job.mu.Unlock()
		return &StateError{Op: "set " + string(status) + " on", Type: job.typ, JobID: job.jobID, Status: job.status}
	}
	r.transitionLocked(job, status, cause)
	terminal := status.Terminal()
	job.mu.Unlock()

	if terminal {
		r.closeJob(job)
	}
	_, err := r.commit(job)
	return err
}

// transitionLocked applies a status change. Caller holds job.mu.
func (r *Registry) transitionLocked(job *Job, status Status, cause error) {
	job.status = status
	if cause != nil {
		job.errorMessage = cause.Error()
	}
	if status.succeeded() {
		job.progress = 1
	}
	if status.Terminal() {
		end := r.clock.Now()
		job.endTime = &end
	}
}

// Cancel cancels a RUNNING job: the status becomes CANCELED, the job's
// cancellation handle is invoked and its resources are released.
func (r *Registry) Cancel(t Type, uid, jobID string) (Record, error) {
	job, ok := r.Lookup(t, uid, jobID)
	if !ok {
		return Record{}, fmt.Errorf("%w: %s job %s", ErrNotFound, t, Key(uid, jobID))
	}

	job.mu.Lock()
	if job.status != StatusRunning {
		st := job.status
		job.mu.Unlock()
		return job.Snapshot(), &StateError{Op: "cancel", Type: t, JobID: jobID, Status: st}
	}
	r.transitionLocked(job, StatusCanceled, nil)
	cancel := job.cancel
	job.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	r.closeJob(job)

	r.logger.Info("Job canceled",
		zap.String("type", string(t)),
		zap.String("uid", uid),
		zap.String("job_id", jobID))

	return r.commit(job)
}

// GetJob returns the record for the job, if present.
func (r *Registry) GetJob(t Type, uid, jobID string) (Record, bool) {
	job, ok := r.Lookup(t, uid, jobID)
	if !ok {
		return Record{}, false
	}
	return job.Snapshot(), true
}

// Lookup returns the live job. The type must match.
func (r *Registry) Lookup(t Type, uid, jobID string) (*Job, bool) {
	r.mu.RLock()
	job, ok := r.jobs[Key(uid, jobID)]
	r.mu.RUnlock()
	if !ok || job.Type() != t {
		return nil, false
	}
	return job, true
}

// GetJobList returns jobs matching t and uid, most recently registered
// first. An empty t or uid matches any.
func (r *Registry) GetJobList(t Type, uid string) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Record, 0, len(r.order))
	for i := len(r.order) - 1; i >= 0; i-- {
		job := r.jobs[r.order[i]]
		if t != "" && job.Type() != t {
			continue
		}
		if uid != "" && job.UID() != uid {
			continue
		}
		out = append(out, job.Snapshot())
	}
	return out
}

// Len returns the number of jobs held.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

var errShuttingDown = errors.New("service shutting down")

// Shutdown cancels RUNNING jobs, rolls back open transactions and writes a
// final snapshot. A transaction with a commit or rollback in flight is left
// to that call. Register fails afterwards.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	jobs := make([]*Job, 0, len(r.order))
	for _, key := range r.order {
		jobs = append(jobs, r.jobs[key])
	}
	r.mu.Unlock()

	canceled := 0
	for _, job := range jobs {
		if ctx.Err() != nil {
			break
		}
		job.mu.Lock()
		if job.finishing {
			// The commit or rollback in flight sets the final status and
			// releases the transaction itself.
			job.mu.Unlock()
			continue
		}
		var cancel func()
		switch {
		case job.status == StatusRunning:
			r.transitionLocked(job, StatusCanceled, errShuttingDown)
			cancel = job.cancel
			canceled++
		case job.typ == TypeTransaction && !job.status.Terminal():
			// Closing the job rolls the transaction back.
			r.transitionLocked(job, StatusRollbackCompleted, errShuttingDown)
		}
		job.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		r.closeJob(job)
	}

	r.logger.Info("Job registry shut down",
		zap.Int("jobs", len(jobs)),
		zap.Int("canceled", canceled))

	if err := r.persist(); err != nil {
		return err
	}
	return ctx.Err()
}

// commit persists the registry and publishes the job's new state.
func (r *Registry) commit(job *Job) (Record, error) {
	err := r.persist()
	rec := job.Snapshot()
	if r.notifier != nil {
		r.notifier.JobChanged(context.Background(), rec)
	}
	return rec, err
}

// persist evicts expired jobs and writes the snapshot.
func (r *Registry) persist() error {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	expired, records := r.expireAndSnapshot()
	for _, job := range expired {
		r.closeJob(job)
		r.logger.Debug("Job expired", zap.String("key", job.Key()))
	}

	if r.store == nil {
		return nil
	}
	if err := r.store.Write(records); err != nil {
		r.logger.Error("Persisting job registry failed",
			zap.String("path", r.store.Path()),
			zap.Error(err))
		return fmt.Errorf("persist job registry: %w", err)
	}
	return nil
}

func (r *Registry) expireAndSnapshot() ([]*Job, []Record) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var cutoff time.Time
	if r.retention > 0 {
		cutoff = r.clock.Now().Add(-r.retention)
	}

	var expired []*Job
	kept := r.order[:0]
	records := make([]Record, 0, len(r.order))
	for _, key := range r.order {
		job := r.jobs[key]
		rec := job.Snapshot()
		if !cutoff.IsZero() && rec.StartTime.Before(cutoff) {
			delete(r.jobs, key)
			expired = append(expired, job)
			continue
		}
		kept = append(kept, key)
		records = append(records, rec)
	}
	r.order = kept
	return expired, records
}

func (r *Registry) contains(job *Job) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.jobs[job.Key()] == job
}

func (r *Registry) removeOrderLocked(key string) {
	for i, k := range r.order {
		if k == key {
			r.order = append(r.order[:i], r.order[i+1:]...)
			return
		}
	}
}

func (r *Registry) closeJob(job *Job) {
	if err := job.Close(); err != nil {
		r.logger.Warn("Releasing job resources failed",
			zap.String("key", job.Key()),
			zap.Error(err))
	}
}
