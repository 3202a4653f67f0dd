package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/3leaps/dbrelay/internal/errors"
	"github.com/3leaps/dbrelay/pkg/dbdriver"
	"github.com/3leaps/dbrelay/pkg/execstatus"
	"github.com/3leaps/dbrelay/pkg/jobregistry"
	"github.com/3leaps/dbrelay/pkg/request"
)

// querySession runs database work either directly on the pool or inside a
// shared transaction.
type querySession struct {
	db      *dbdriver.DB
	tx      *dbdriver.Tx
	release func()
}

func (s *querySession) do(fn func(q dbdriver.Queryer) error) error {
	if s.tx != nil {
		return s.tx.Do(fn)
	}
	return fn(s.db)
}

func (s *querySession) close() {
	if s.release != nil {
		s.release()
	}
}

// openSession acquires the named transaction, if any. Acquisition is
// synchronous so a busy or finished transaction fails the request itself.
func (e *Engine) openSession(uid, transactionID string) (*querySession, error) {
	if e.db == nil {
		return nil, apperrors.New(apperrors.CodeInternal, "database is not configured")
	}
	if transactionID == "" {
		return &querySession{db: e.db}, nil
	}

	txJob, tx, err := e.transaction(uid, transactionID)
	if err != nil {
		return nil, err
	}
	if _, err := e.registry.Acquire(txJob); err != nil {
		return nil, err
	}
	return &querySession{
		db: e.db,
		tx: tx,
		release: func() {
			if _, err := e.registry.Release(txJob); err != nil {
				e.logger.Warn("Failed to release transaction",
					zap.String("transaction_id", transactionID), zap.Error(err))
			}
		},
	}, nil
}

// StartDump exports every table matching spec.Table, one file per table, into
// the job's work directory.
func (e *Engine) StartDump(uid, credentials string, spec request.DumpSpec) (*Submission, error) {
	format, err := dbdriver.ParseFormat(spec.Format)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBadRequest, err, "invalid format")
	}
	jobID, err := e.prepareJob(uid, spec.JobID)
	if err != nil {
		return nil, err
	}

	session, err := e.openSession(uid, spec.TransactionID)
	if err != nil {
		return nil, err
	}
	workDir := e.workDir(jobregistry.TypeDump, uid, jobID)

	job, err := jobregistry.NewJob(jobregistry.TypeDump, uid, jobID, jobregistry.Payload{Dump: &jobregistry.DumpPayload{
		WorkDir:       workDir,
		Table:         spec.Table,
		Format:        string(format),
		TransactionID: spec.TransactionID,
	}})
	if err != nil {
		session.close()
		return nil, err
	}

	return e.startInProcess(job, credentials, session, func(ctx context.Context, q dbdriver.Queryer) error {
		if _, err := e.freshWorkDir(jobregistry.TypeDump, uid, jobID); err != nil {
			return err
		}
		return e.dumpTables(ctx, job, q, spec.Table, format, workDir)
	})
}

// StartLoad imports spec.Files into spec.Table. Files name output of the
// caller's own dump jobs as "<dump job id>/<file>".
func (e *Engine) StartLoad(uid, credentials string, spec request.LoadSpec) (*Submission, error) {
	format, err := dbdriver.ParseFormat(spec.Format)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeBadRequest, err, "invalid format")
	}
	if len(spec.Files) == 0 {
		return nil, apperrors.BadRequest("load requires at least one file")
	}
	jobID, err := e.prepareJob(uid, spec.JobID)
	if err != nil {
		return nil, err
	}
	paths, err := e.resolveLoadFiles(uid, spec.Files)
	if err != nil {
		return nil, err
	}

	session, err := e.openSession(uid, spec.TransactionID)
	if err != nil {
		return nil, err
	}

	job, err := jobregistry.NewJob(jobregistry.TypeLoad, uid, jobID, jobregistry.Payload{Load: &jobregistry.LoadPayload{
		Table:         spec.Table,
		Format:        string(format),
		Files:         append([]string(nil), spec.Files...),
		TransactionID: spec.TransactionID,
	}})
	if err != nil {
		session.close()
		return nil, err
	}

	return e.startInProcess(job, credentials, session, func(ctx context.Context, q dbdriver.Queryer) error {
		return e.loadFiles(ctx, job, q, spec.Table, format, paths)
	})
}

// startInProcess registers job and runs work on the pool inside session. The
// cancel handle cancels work's context; the session is released when the
// pipeline ends.
func (e *Engine) startInProcess(job *jobregistry.Job, credentials string, session *querySession,
	work func(ctx context.Context, q dbdriver.Queryer) error) (*Submission, error) {
	job.SetCredentials(credentials)

	rec, err := e.registry.RegisterUnlessActive(job)
	if err != nil {
		session.close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	job.SetCancel(cancel)
	job.AddCloser(func() error {
		cancel()
		return nil
	})

	done, err := e.launch(ctx, job, func(ctx context.Context) error {
		defer session.close()
		job.SetOutput(execstatus.ExecStatus{Kind: execstatus.KindStart, Status: execstatus.StatusRunning})
		return session.do(func(q dbdriver.Queryer) error {
			return work(ctx, q)
		})
	})
	if err != nil {
		session.close()
		return nil, err
	}

	e.logger.Info("Job started",
		zap.String("type", string(job.Type())),
		zap.String("uid", job.UID()),
		zap.String("job_id", job.ID()))
	return &Submission{Record: rec, Done: done}, nil
}

func (e *Engine) dumpTables(ctx context.Context, job *jobregistry.Job, q dbdriver.Queryer, pattern string, format dbdriver.Format, workDir string) error {
	tables, err := dbdriver.Tables(ctx, q, pattern)
	if err != nil {
		return err
	}

	for i, table := range tables {
		path := filepath.Join(workDir, table+format.Ext())
		n, err := dumpToFile(ctx, q, table, format, path)
		if err != nil {
			return fmt.Errorf("dump %s: %w", table, err)
		}
		job.WithPayload(func(p *jobregistry.Payload) {
			p.Dump.Files = append(p.Dump.Files, job.ID()+"/"+filepath.Base(path))
			p.Dump.Rows += n
		})
		job.SetOutput(execstatus.ExecStatus{
			Kind:     execstatus.KindProgress,
			Status:   execstatus.StatusRunning,
			Progress: float64(i+1) / float64(len(tables)),
			Message:  fmt.Sprintf("dumped %s (%d rows)", table, n),
		})
	}
	return nil
}

func dumpToFile(ctx context.Context, q dbdriver.Queryer, table string, format dbdriver.Format, path string) (int64, error) {
	f, err := os.Create(path)
	if err != nil {
		return 0, apperrors.Wrap(apperrors.CodeIOFailure, err, "create dump file")
	}
	n, err := dbdriver.Dump(ctx, q, table, format, f, nil)
	if cerr := f.Close(); err == nil && cerr != nil {
		err = apperrors.Wrap(apperrors.CodeIOFailure, cerr, "close dump file")
	}
	return n, err
}

func (e *Engine) loadFiles(ctx context.Context, job *jobregistry.Job, q dbdriver.Queryer, table string, format dbdriver.Format, files []string) error {
	for i, path := range files {
		n, err := loadFromFile(ctx, q, table, format, path)
		if err != nil {
			return fmt.Errorf("load %s: %w", path, err)
		}
		job.WithPayload(func(p *jobregistry.Payload) {
			p.Load.Rows += n
		})
		job.SetOutput(execstatus.ExecStatus{
			Kind:     execstatus.KindProgress,
			Status:   execstatus.StatusRunning,
			Progress: float64(i+1) / float64(len(files)),
			Message:  fmt.Sprintf("loaded %s (%d rows)", filepath.Base(path), n),
		})
	}
	return nil
}

// resolveLoadFiles maps load file names onto uid's dump work directories.
// Absolute paths and ".." elements are rejected.
func (e *Engine) resolveLoadFiles(uid string, files []string) ([]string, error) {
	root := filepath.Join(e.dataDir, "jobs", string(jobregistry.TypeDump), uid)
	out := make([]string, 0, len(files))
	for _, name := range files {
		slashed := filepath.ToSlash(name)
		if name == "" || filepath.IsAbs(name) || strings.HasPrefix(slashed, "/") {
			return nil, apperrors.BadRequest("load file %q must be relative to a dump job", name)
		}
		parts := strings.Split(slashed, "/")
		for _, part := range parts {
			if part == ".." {
				return nil, apperrors.BadRequest("load file %q must not contain ..", name)
			}
		}
		clean := filepath.Clean(filepath.FromSlash(slashed))
		if len(strings.Split(filepath.ToSlash(clean), "/")) < 2 {
			return nil, apperrors.BadRequest("load file %q must be <dump job id>/<file>", name)
		}
		out = append(out, filepath.Join(root, clean))
	}
	return out, nil
}

func loadFromFile(ctx context.Context, q dbdriver.Queryer, table string, format dbdriver.Format, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer func() { _ = f.Close() }()
	return dbdriver.Load(ctx, q, table, format, f, nil)
}
