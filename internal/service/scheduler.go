package service

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/3leaps/dbrelay/pkg/request"
)

// ScheduleOptions configures periodic backups.
type ScheduleOptions struct {
	// Spec is a standard five-field cron expression or a descriptor such as
	// "@daily".
	Spec string

	// Destination is the backup location. A %s verb receives the job id.
	Destination string

	// UID owns the scheduled jobs.
	UID string
}

// Scheduler submits backups on a cron schedule.
type Scheduler struct {
	engine *Engine
	cron   *cron.Cron
	opts   ScheduleOptions
	logger *zap.Logger
	now    func() time.Time

	mu   sync.Mutex
	last *Submission
}

// NewScheduler validates opts and prepares a scheduler. Call Start to run it.
func NewScheduler(engine *Engine, opts ScheduleOptions, logger *zap.Logger) (*Scheduler, error) {
	if engine == nil {
		return nil, errors.New("scheduler: engine is required")
	}
	if opts.Spec == "" {
		return nil, errors.New("scheduler: schedule is required")
	}
	if opts.Destination == "" {
		return nil, errors.New("scheduler: destination is required")
	}
	if opts.UID == "" {
		opts.UID = "scheduler"
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Scheduler{
		engine: engine,
		cron:   cron.New(),
		opts:   opts,
		logger: logger,
		now:    time.Now,
	}
	if _, err := s.cron.AddFunc(opts.Spec, func() { _, _ = s.RunNow() }); err != nil {
		return nil, fmt.Errorf("scheduler: invalid schedule %q: %w", opts.Spec, err)
	}
	return s, nil
}

// Start begins firing scheduled backups.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("Backup scheduler started",
		zap.String("schedule", s.opts.Spec),
		zap.String("uid", s.opts.UID))
}

// Stop prevents further runs. Submitted jobs keep running.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.logger.Info("Backup scheduler stopped")
}

// Next returns the next scheduled run, or the zero time before Start.
func (s *Scheduler) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

// RunNow submits one backup immediately. A run is skipped while the previous
// scheduled backup is still active.
func (s *Scheduler) RunNow() (*Submission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.last != nil {
		select {
		case <-s.last.Done.Done():
		default:
			s.logger.Warn("Skipping scheduled backup, previous run still active",
				zap.String("job_id", s.last.Record.JobID))
			return nil, fmt.Errorf("scheduled backup %s still running", s.last.Record.JobID)
		}
	}

	jobID := s.jobID()
	dest := s.opts.Destination
	if strings.Contains(dest, "%s") {
		dest = fmt.Sprintf(dest, jobID)
	}

	sub, err := s.engine.StartBackup(s.opts.UID, "", request.BackupSpec{JobID: jobID, Destination: dest})
	if err != nil {
		s.logger.Error("Scheduled backup failed to start",
			zap.String("job_id", jobID),
			zap.Error(err))
		return nil, err
	}
	s.last = sub
	s.logger.Info("Scheduled backup submitted",
		zap.String("job_id", jobID),
		zap.String("destination", dest))
	return sub, nil
}

func (s *Scheduler) jobID() string {
	return fmt.Sprintf("scheduled-%s-%s", s.now().UTC().Format("20060102T150405Z"), uuid.NewString()[:8])
}
