package service

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
	"github.com/3leaps/dbrelay/pkg/dbdriver"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
	"github.com/3leaps/dbrelay/pkg/request"
)

// BeginTransaction opens a long-lived database transaction that later dump
// and load jobs can join by id.
func (e *Engine) BeginTransaction(ctx context.Context, uid, credentials string, spec request.TransactionSpec) (jobregistry.Record, error) {
	if e.db == nil {
		return jobregistry.Record{}, apperrors.New(apperrors.CodeInternal, "database is not configured")
	}
	jobID, err := e.prepareJob(uid, spec.JobID)
	if err != nil {
		return jobregistry.Record{}, err
	}

	job, err := jobregistry.NewJob(jobregistry.TypeTransaction, uid, jobID,
		jobregistry.Payload{Transaction: &jobregistry.TransactionPayload{}})
	if err != nil {
		return jobregistry.Record{}, err
	}
	job.SetCredentials(credentials)

	tx, err := e.db.BeginTx(ctx)
	if err != nil {
		return jobregistry.Record{}, apperrors.Wrap(apperrors.CodeIOFailure, err, "begin transaction")
	}

	// Keyed by job, so a rejected duplicate never touches the live entry.
	e.txMu.Lock()
	e.txs[job] = tx
	e.txMu.Unlock()
	// Runs on commit, rollback, shutdown and expiry. Rollback after a
	// finished transaction is a no-op.
	job.AddCloser(func() error {
		e.txMu.Lock()
		delete(e.txs, job)
		e.txMu.Unlock()
		return tx.Rollback()
	})

	rec, err := e.registry.RegisterUnlessActive(job)
	if err != nil {
		_ = job.Close()
		return jobregistry.Record{}, err
	}

	e.logger.Info("Transaction started",
		zap.String("uid", uid),
		zap.String("job_id", jobID))
	return rec, nil
}

// CommitTransaction commits an AVAILABLE transaction.
func (e *Engine) CommitTransaction(uid, jobID string) (jobregistry.Record, error) {
	return e.finishTransaction(uid, jobID, true)
}

// RollbackTransaction rolls back an AVAILABLE transaction.
func (e *Engine) RollbackTransaction(uid, jobID string) (jobregistry.Record, error) {
	return e.finishTransaction(uid, jobID, false)
}

func (e *Engine) finishTransaction(uid, jobID string, commit bool) (jobregistry.Record, error) {
	job, tx, err := e.transaction(uid, jobID)
	if err != nil {
		return jobregistry.Record{}, err
	}
	rec, err := e.registry.FinishTransaction(job, commit, tx.Finish)
	if err != nil && !jobregistry.IsInvalidState(err) && !jobregistry.IsNotFound(err) {
		return rec, apperrors.Wrap(apperrors.CodeIOFailure, err, "finish transaction")
	}
	return rec, err
}

// transaction resolves a live transaction job and its database handle.
func (e *Engine) transaction(uid, jobID string) (*jobregistry.Job, *dbdriver.Tx, error) {
	job, ok := e.registry.Lookup(jobregistry.TypeTransaction, uid, jobID)
	if !ok {
		return nil, nil, apperrors.NotFound("transaction %s not found", jobID)
	}

	e.txMu.Lock()
	tx := e.txs[job]
	e.txMu.Unlock()
	if tx == nil {
		return nil, nil, apperrors.BadRequest("transaction %s is %s", jobID, job.Status())
	}
	return job, tx, nil
}
