package jobregistry

import (
	"fmt"

	"go.uber.org/zap"
)

// FinishFunc commits (commit=true) or rolls back the underlying transaction.
type FinishFunc func(commit bool) error

// Acquire marks one more operation as using the transaction. The job must be
// AVAILABLE or IN_USE, and no commit or rollback may be in flight.
func (r *Registry) Acquire(job *Job) (Record, error) {
	if err := r.checkTransaction(job); err != nil {
		return Record{}, err
	}

	job.mu.Lock()
	if job.finishing || (job.status != StatusAvailable && job.status != StatusInUse) {
		st := job.status
		job.mu.Unlock()
		return Record{}, &StateError{Op: "acquire", Type: TypeTransaction, JobID: job.jobID, Status: st}
	}
	job.payload.Transaction.UseCount++
	job.status = StatusInUse
	job.mu.Unlock()

	return r.commit(job)
}

// Release undoes one Acquire. The transaction returns to AVAILABLE when the
// last user releases it.
func (r *Registry) Release(job *Job) (Record, error) {
	if err := r.checkTransaction(job); err != nil {
		return Record{}, err
	}

	job.mu.Lock()
	tx := job.payload.Transaction
	if tx.UseCount <= 0 {
		st := job.status
		job.mu.Unlock()
		return Record{}, &StateError{Op: "release", Type: TypeTransaction, JobID: job.jobID, Status: st}
	}
	tx.UseCount--
	if tx.UseCount == 0 && job.status == StatusInUse {
		job.status = StatusAvailable
	}
	job.mu.Unlock()

	return r.commit(job)
}

// FinishTransaction commits or rolls back an AVAILABLE transaction through
// fn. Acquire fails while fn runs. A failed commit leaves the job
// ROLLBACK_COMPLETED with the commit error recorded.
func (r *Registry) FinishTransaction(job *Job, commit bool, fn FinishFunc) (Record, error) {
	if err := r.checkTransaction(job); err != nil {
		return Record{}, err
	}

	op := "rollback"
	if commit {
		op = "commit"
	}

	job.mu.Lock()
	if job.finishing || job.status != StatusAvailable {
		st := job.status
		job.mu.Unlock()
		return Record{}, &StateError{Op: op, Type: TypeTransaction, JobID: job.jobID, Status: st}
	}
	job.finishing = true
	job.mu.Unlock()

	var ferr error
	if fn != nil {
		ferr = fn(commit)
	}

	status := StatusRollbackCompleted
	if commit && ferr == nil {
		status = StatusCommitted
	}

	job.mu.Lock()
	job.finishing = false
	if job.status.Terminal() {
		st := job.status
		job.mu.Unlock()
		r.closeJob(job)
		return job.Snapshot(), &StateError{Op: op, Type: TypeTransaction, JobID: job.jobID, Status: st}
	}
	r.transitionLocked(job, status, ferr)
	job.mu.Unlock()

	r.closeJob(job)

	r.logger.Info("Transaction finished",
		zap.String("uid", job.UID()),
		zap.String("job_id", job.ID()),
		zap.String("status", string(status)),
		zap.Error(ferr))

	rec, err := r.commit(job)
	if ferr != nil {
		return rec, fmt.Errorf("%s transaction %s: %w", op, job.ID(), ferr)
	}
	return rec, err
}

func (r *Registry) checkTransaction(job *Job) error {
	if job.Type() != TypeTransaction {
		return fmt.Errorf("job %s is a %s job, not a transaction", job.ID(), job.Type())
	}
	if !r.contains(job) {
		return fmt.Errorf("%w: %s", ErrNotFound, job.Key())
	}
	return nil
}
