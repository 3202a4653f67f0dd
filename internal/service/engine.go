// Package service is the job orchestration engine: it composes the job
// registry, the status log monitor, the worker runner and the database
// driver, and drives every job from registration to a terminal state.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
	"github.com/3leaps/dbrelay/pkg/dbdriver"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
	"github.com/3leaps/dbrelay/pkg/monitor"
)

// StatusLogName is the status log file inside a job's work directory.
const StatusLogName = "status.log"

// errRestarted marks jobs left unfinished by a previous process.
var errRestarted = errors.New("interrupted by service restart")

// Options wires the engine's collaborators.
type Options struct {
	// DataDir holds per-job work directories under DataDir/jobs.
	DataDir string

	Registry *jobregistry.Registry
	Monitor  *monitor.Manager
	Runner   jobregistry.Runner
	Pool     *Pool
	DB       *dbdriver.DB

	// WorkerPath is the worker executable. Empty means the running binary.
	WorkerPath string

	// WorkerEnv is appended to the worker's environment.
	WorkerEnv []string

	// StatusWait bounds the wait for a worker's finish status after exit.
	StatusWait time.Duration

	Logger *zap.Logger
}

// Submission is a registered job and the handle of its pipeline.
type Submission struct {
	Record jobregistry.Record
	Done   *Completion
}

// Engine orchestrates backup, restore, dump, load and transaction jobs.
type Engine struct {
	dataDir    string
	registry   *jobregistry.Registry
	monitor    *monitor.Manager
	runner     jobregistry.Runner
	pool       *Pool
	db         *dbdriver.DB
	workerPath string
	workerEnv  []string
	statusWait time.Duration
	logger     *zap.Logger

	txMu sync.Mutex
	txs  map[*jobregistry.Job]*dbdriver.Tx
}

// New builds an engine and reconciles jobs restored from the snapshot.
func New(opts Options) (*Engine, error) {
	if opts.Registry == nil {
		return nil, errors.New("service: registry is required")
	}
	if opts.DataDir == "" {
		return nil, errors.New("service: data dir is required")
	}
	if opts.Pool == nil {
		opts.Pool = NewPool(1, opts.Logger)
	}
	if opts.StatusWait <= 0 {
		opts.StatusWait = monitor.DefaultWaitTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	e := &Engine{
		dataDir:    opts.DataDir,
		registry:   opts.Registry,
		monitor:    opts.Monitor,
		runner:     opts.Runner,
		pool:       opts.Pool,
		db:         opts.DB,
		workerPath: opts.WorkerPath,
		workerEnv:  opts.WorkerEnv,
		statusWait: opts.StatusWait,
		logger:     opts.Logger,
		txs:        make(map[*jobregistry.Job]*dbdriver.Tx),
	}
	e.reconcile()
	return e, nil
}

// reconcile finalizes jobs that were active when a previous process died.
// Their processes and transactions are gone, so they can never finish.
func (e *Engine) reconcile() {
	for _, rec := range e.registry.GetJobList("", "") {
		if rec.Status.Terminal() {
			continue
		}
		job, ok := e.registry.Lookup(rec.Type, rec.UID, rec.JobID)
		if !ok {
			continue
		}
		final := jobregistry.StatusFailed
		if rec.Type == jobregistry.TypeTransaction {
			final = jobregistry.StatusRollbackCompleted
		}
		cause := errRestarted
		// The pid may have been reused, so an orphan is reported, not killed.
		if pid := workerPID(rec); jobregistry.ProcessAlive(pid) {
			e.logger.Warn("Worker from previous run may still be alive",
				zap.String("key", rec.Key()),
				zap.Int("pid", pid))
			cause = fmt.Errorf("%w; worker pid %d may still be running", errRestarted, pid)
		}
		if err := e.registry.UpdateStatus(job, final, cause); err != nil {
			e.logger.Warn("Failed to reconcile job", zap.String("key", rec.Key()), zap.Error(err))
			continue
		}
		e.logger.Info("Reconciled interrupted job",
			zap.String("key", rec.Key()),
			zap.String("status", string(final)))
	}
}

func workerPID(rec jobregistry.Record) int {
	switch {
	case rec.Backup != nil:
		return rec.Backup.PID
	case rec.Restore != nil:
		return rec.Restore.PID
	}
	return 0
}

// Registry exposes the underlying registry for queries.
func (e *Engine) Registry() *jobregistry.Registry {
	return e.registry
}

// Pool exposes the worker pool.
func (e *Engine) Pool() *Pool {
	return e.pool
}

// GetJob returns the job record or a NOT_FOUND error.
func (e *Engine) GetJob(t jobregistry.Type, uid, jobID string) (jobregistry.Record, error) {
	rec, ok := e.registry.GetJob(t, uid, jobID)
	if !ok {
		return jobregistry.Record{}, apperrors.NotFound("%s job %s not found", t, jobID)
	}
	return rec, nil
}

// ListJobs returns jobs most recent first. Empty t or uid match any.
func (e *Engine) ListJobs(t jobregistry.Type, uid string) []jobregistry.Record {
	return e.registry.GetJobList(t, uid)
}

// Cancel cancels a RUNNING job.
func (e *Engine) Cancel(t jobregistry.Type, uid, jobID string) (jobregistry.Record, error) {
	return e.registry.Cancel(t, uid, jobID)
}

// Shutdown cancels running jobs, rolls back open transactions, waits for
// pipelines to drain and stops the monitor.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error
	if err := e.registry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("registry: %w", err))
	}
	if err := e.pool.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("pool: %w", err))
	}
	if e.monitor != nil {
		if err := e.monitor.Close(); err != nil {
			errs = append(errs, fmt.Errorf("monitor: %w", err))
		}
	}
	return errors.Join(errs...)
}

// prepareJob validates ids, refuses to replace an active job and fills in a
// generated job id when none was given. The check here gives an early error;
// RegisterUnlessActive is what makes it hold under concurrent submissions.
func (e *Engine) prepareJob(uid, jobID string) (string, error) {
	if jobID == "" {
		jobID = uuid.NewString()
	}
	if err := jobregistry.ValidateID("uid", uid); err != nil {
		return "", err
	}
	if err := jobregistry.ValidateID("job id", jobID); err != nil {
		return "", err
	}
	// Keys are shared across types, so any active job blocks the id.
	for _, other := range jobregistry.Types {
		if rec, ok := e.registry.GetJob(other, uid, jobID); ok && !rec.Status.Terminal() {
			return "", apperrors.BadRequest("%s job %s is still %s", other, jobID, rec.Status)
		}
	}
	return jobID, nil
}

// WorkDir returns <dataDir>/jobs/<type>/<uid>/<jobId>, where a job keeps its
// status log, worker output and dump files.
func WorkDir(dataDir string, t jobregistry.Type, uid, jobID string) string {
	return filepath.Join(dataDir, "jobs", string(t), uid, jobID)
}

func (e *Engine) workDir(t jobregistry.Type, uid, jobID string) string {
	return WorkDir(e.dataDir, t, uid, jobID)
}

// freshWorkDir creates the work directory, discarding output of a previous
// run with the same key.
func (e *Engine) freshWorkDir(t jobregistry.Type, uid, jobID string) (string, error) {
	dir := e.workDir(t, uid, jobID)
	if err := os.RemoveAll(dir); err != nil {
		return "", apperrors.Wrap(apperrors.CodeIOFailure, err, "reset work dir")
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", apperrors.Wrap(apperrors.CodeIOFailure, err, "create work dir")
	}
	return dir, nil
}

// launch runs fn on the pool and converts its outcome into the job's
// terminal state. Errors and panics become FAILED; CANCELED always wins.
func (e *Engine) launch(ctx context.Context, job *jobregistry.Job, fn func(ctx context.Context) error) (*Completion, error) {
	c, err := e.pool.Submit(job.Key(), func() error {
		return e.runPipeline(ctx, job, fn)
	})
	if err != nil {
		e.finish(job, err)
		return nil, err
	}
	return c, nil
}

func (e *Engine) runPipeline(ctx context.Context, job *jobregistry.Job, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Job pipeline panicked",
				zap.String("key", job.Key()),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = apperrors.New(apperrors.CodeInternal, fmt.Sprintf("panic: %v", r))
		}
		e.finish(job, err)
	}()
	return fn(ctx)
}

func (e *Engine) finish(job *jobregistry.Job, err error) {
	status := jobregistry.StatusCompleted
	if err != nil {
		status = jobregistry.StatusFailed
	}
	if uerr := e.registry.UpdateStatus(job, status, err); uerr != nil {
		e.logger.Debug("Job status not updated", zap.String("key", job.Key()), zap.Error(uerr))
		return
	}

	final := job.Status()
	fields := []zap.Field{
		zap.String("type", string(job.Type())),
		zap.String("uid", job.UID()),
		zap.String("job_id", job.ID()),
		zap.String("status", string(final)),
	}
	if err != nil && final == jobregistry.StatusFailed {
		e.logger.Warn("Job failed", append(fields, zap.Error(err))...)
		return
	}
	e.logger.Info("Job finished", fields...)
}
