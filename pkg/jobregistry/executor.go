package jobregistry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// DefaultKillGrace is how long Terminate waits after SIGTERM before SIGKILL.
const DefaultKillGrace = 10 * time.Second

// Process is a started worker.
type Process interface {
	PID() int

	// Wait blocks until the process exits and returns its exit code. It may
	// be called more than once.
	Wait() (int, error)

	// Terminate asks the process to stop: SIGTERM, then SIGKILL after the
	// grace period. It does not block and is safe to call repeatedly.
	Terminate()
}

// Runner starts worker processes that report progress through a status log.
type Runner interface {
	Start(ctx context.Context, spec ProcessSpec) (Process, error)
}

// ProcessSpec describes one worker invocation.
type ProcessSpec struct {
	// Path is the executable. Empty means the running binary.
	Path string
	Args []string
	Env  []string

	// WorkDir receives stdout.log and stderr.log.
	WorkDir string

	// StatusLog is passed to the worker as --status-log <path>.
	StatusLog string
}

// ExecRunner spawns workers with os/exec, capturing stdout/stderr to files in
// the job's work directory.
type ExecRunner struct {
	KillGrace time.Duration
}

func NewExecRunner(killGrace time.Duration) *ExecRunner {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &ExecRunner{KillGrace: killGrace}
}

func StdoutPath(workDir string) string {
	return filepath.Join(workDir, "stdout.log")
}

func StderrPath(workDir string) string {
	return filepath.Join(workDir, "stderr.log")
}

// Start launches the worker and returns once it is running. ctx only bounds
// the start itself; use Terminate to stop the worker.
func (e *ExecRunner) Start(ctx context.Context, spec ProcessSpec) (Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	exe := spec.Path
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}
	if err := os.MkdirAll(spec.WorkDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}

	stdoutFile, err := os.Create(StdoutPath(spec.WorkDir))
	if err != nil {
		return nil, fmt.Errorf("create stdout log: %w", err)
	}
	stderrFile, err := os.Create(StderrPath(spec.WorkDir))
	if err != nil {
		_ = stdoutFile.Close()
		return nil, fmt.Errorf("create stderr log: %w", err)
	}

	args := append([]string(nil), spec.Args...)
	if spec.StatusLog != "" {
		args = append(args, "--status-log", spec.StatusLog)
	}

	cmd := exec.Command(exe, args...)
	cmd.Dir = spec.WorkDir
	cmd.Stdout = stdoutFile
	cmd.Stderr = stderrFile
	cmd.Env = append(os.Environ(), spec.Env...)

	if err := cmd.Start(); err != nil {
		_ = stdoutFile.Close()
		_ = stderrFile.Close()
		return nil, fmt.Errorf("start worker: %w", err)
	}
	// The child holds its own descriptors now.
	_ = stdoutFile.Close()
	_ = stderrFile.Close()

	p := &execProcess{
		cmd:   cmd,
		grace: e.KillGrace,
		done:  make(chan struct{}),
	}
	go p.reap()
	return p, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	grace time.Duration

	done     chan struct{}
	exitCode int
	waitErr  error

	termOnce sync.Once
}

func (p *execProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) reap() {
	defer close(p.done)
	err := p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		p.waitErr = err
	}
}

func (p *execProcess) Wait() (int, error) {
	<-p.done
	return p.exitCode, p.waitErr
}

func (p *execProcess) Terminate() {
	p.termOnce.Do(func() {
		go p.stop()
	})
}

func (p *execProcess) stop() {
	select {
	case <-p.done:
		return
	default:
	}

	if err := p.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return
		}
		_ = p.cmd.Process.Kill()
		return
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.done:
	case <-timer.C:
		_ = p.cmd.Process.Kill()
	}
}
