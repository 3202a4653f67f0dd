package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
	"github.com/3leaps/dbrelay/pkg/artifact"
	"github.com/3leaps/dbrelay/pkg/execstatus"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
	"github.com/3leaps/dbrelay/pkg/monitor"
	"github.com/3leaps/dbrelay/pkg/request"
)

// Worker subcommand arguments. The runner appends --status-log.
func backupArgs(destination string) []string {
	return []string{"worker", "backup", "--destination", destination}
}

func restoreArgs(source string) []string {
	return []string{"worker", "restore", "--source", source}
}

// StartBackup registers a backup job and runs it in a worker process.
func (e *Engine) StartBackup(uid, credentials string, spec request.BackupSpec) (*Submission, error) {
	if _, err := artifact.ParseLocation(spec.Destination); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBadRequest, err, "invalid destination")
	}
	return e.startWorkerJob(jobregistry.TypeBackup, uid, spec.JobID, credentials, backupArgs(spec.Destination),
		func(workDir, statusLog string) jobregistry.Payload {
			return jobregistry.Payload{Backup: &jobregistry.BackupPayload{
				WorkDir:     workDir,
				Destination: spec.Destination,
				StatusLog:   statusLog,
			}}
		})
}

// StartRestore registers a restore job and runs it in a worker process.
func (e *Engine) StartRestore(uid, credentials string, spec request.RestoreSpec) (*Submission, error) {
	if _, err := artifact.ParseLocation(spec.Source); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBadRequest, err, "invalid source")
	}
	return e.startWorkerJob(jobregistry.TypeRestore, uid, spec.JobID, credentials, restoreArgs(spec.Source),
		func(workDir, statusLog string) jobregistry.Payload {
			return jobregistry.Payload{Restore: &jobregistry.RestorePayload{
				WorkDir:   workDir,
				Source:    spec.Source,
				StatusLog: statusLog,
			}}
		})
}

func (e *Engine) startWorkerJob(t jobregistry.Type, uid, jobID, credentials string, args []string,
	payload func(workDir, statusLog string) jobregistry.Payload) (*Submission, error) {
	if e.runner == nil || e.monitor == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "worker jobs are not configured")
	}

	jobID, err := e.prepareJob(uid, jobID)
	if err != nil {
		return nil, err
	}
	workDir := e.workDir(t, uid, jobID)
	statusLog := filepath.Join(workDir, StatusLogName)

	job, err := jobregistry.NewJob(t, uid, jobID, payload(workDir, statusLog))
	if err != nil {
		return nil, err
	}
	job.SetCredentials(credentials)

	rec, err := e.registry.RegisterUnlessActive(job)
	if err != nil {
		return nil, err
	}
	// The key is ours now, so the previous run's output can go.
	if _, err := e.freshWorkDir(t, uid, jobID); err != nil {
		e.finish(job, err)
		return nil, err
	}

	watcher, err := e.monitor.Watch(statusLog, job.SetOutput, monitor.WithWaitTimeout(e.statusWait))
	if err != nil {
		werr := apperrors.Wrap(apperrors.CodeIOFailure, err, "watch status log")
		e.finish(job, werr)
		return nil, werr
	}
	job.AddCloser(watcher.Close)

	spec := jobregistry.ProcessSpec{
		Path:      e.workerPath,
		Args:      args,
		Env:       e.workerEnv,
		WorkDir:   workDir,
		StatusLog: statusLog,
	}
	done, err := e.launch(context.Background(), job, func(ctx context.Context) error {
		return e.runWorker(ctx, job, watcher, spec)
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("Job started",
		zap.String("type", string(t)),
		zap.String("uid", uid),
		zap.String("job_id", jobID),
		zap.String("work_dir", workDir))
	return &Submission{Record: rec, Done: done}, nil
}

// runWorker starts the worker, waits for it to exit and decides the outcome
// from the exit code and the last status line.
func (e *Engine) runWorker(ctx context.Context, job *jobregistry.Job, watcher *monitor.FileWatcher, spec jobregistry.ProcessSpec) error {
	if job.Status().Terminal() {
		return nil
	}

	proc, err := e.runner.Start(ctx, spec)
	if err != nil {
		return apperrors.Wrap(apperrors.CodeProcessExecutionFailure, err, "start worker")
	}
	pid := proc.PID()
	job.WithPayload(func(p *jobregistry.Payload) {
		switch {
		case p.Backup != nil:
			p.Backup.PID = pid
		case p.Restore != nil:
			p.Restore.PID = pid
		}
	})
	job.SetCancel(proc.Terminate)

	code, waitErr := proc.Wait()

	// Pick up lines written between the last fsnotify event and exit.
	if err := watcher.ConsumeNewLines(); err != nil {
		e.logger.Debug("Final status read failed", zap.String("key", job.Key()), zap.Error(err))
	}
	st, statusErr := watcher.WaitForStatus(ctx, func(s *execstatus.ExecStatus) bool {
		return s.IsFinish()
	})
	watcher.Freeze()

	if waitErr != nil {
		return apperrors.Wrap(apperrors.CodeProcessExecutionFailure, waitErr, "wait for worker")
	}
	var ioErr *monitor.IOError
	if errors.As(statusErr, &ioErr) {
		return statusErr
	}
	return workerOutcome(code, st)
}

// workerOutcome maps an exit code and the final status line to an error.
// A missing finish line is inconclusive, which only passes if nothing else
// says the run failed; it is reported as a process failure.
func workerOutcome(code int, st *execstatus.ExecStatus) error {
	switch {
	case code != 0 && st != nil && st.Message != "":
		return apperrors.ProcessExecutionFailure("worker exited with code %d: %s", code, st.Message)
	case code != 0:
		return apperrors.ProcessExecutionFailure("worker exited with code %d", code)
	case st == nil || !st.IsFinish():
		return apperrors.ProcessExecutionFailure("worker exited without a finish status")
	case !st.Succeeded():
		msg := st.Message
		if msg == "" {
			msg = st.Status
		}
		return apperrors.ProcessExecutionFailure("worker reported %s: %s", st.Status, msg)
	}
	return nil
}

// JobLogs returns the paths of a worker job's log files that exist.
func (e *Engine) JobLogs(t jobregistry.Type, uid, jobID string) map[string]string {
	dir := e.workDir(t, uid, jobID)
	out := make(map[string]string)
	for name, path := range map[string]string{
		"status": filepath.Join(dir, StatusLogName),
		"stdout": jobregistry.StdoutPath(dir),
		"stderr": jobregistry.StderrPath(dir),
	} {
		if _, err := os.Stat(path); err == nil {
			out[name] = path
		}
	}
	return out
}
