package jobregistry

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireShell(t *testing.T) string {
	t.Helper()
	sh := "/bin/sh"
	if _, err := os.Stat(sh); err != nil {
		t.Skip("no /bin/sh available")
	}
	return sh
}

func TestExecRunner_PassesStatusLogAndCapturesOutput(t *testing.T) {
	sh := requireShell(t)
	workDir := filepath.Join(t.TempDir(), "job")
	statusLog := filepath.Join(workDir, "status.log")

	r := NewExecRunner(time.Second)
	// $0 is "x"; the appended flag arrives as $1 $2.
	p, err := r.Start(context.Background(), ProcessSpec{
		Path:      sh,
		Args:      []string{"-c", `echo "$1 $2"; echo oops >&2; exit 3`, "x"},
		WorkDir:   workDir,
		StatusLog: statusLog,
	})
	require.NoError(t, err)
	assert.Positive(t, p.PID())

	code, err := p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	code, err = p.Wait()
	require.NoError(t, err)
	assert.Equal(t, 3, code)

	out, err := os.ReadFile(StdoutPath(workDir))
	require.NoError(t, err)
	assert.Equal(t, "--status-log "+statusLog, strings.TrimSpace(string(out)))

	errOut, err := os.ReadFile(StderrPath(workDir))
	require.NoError(t, err)
	assert.Equal(t, "oops", strings.TrimSpace(string(errOut)))
}

func TestExecRunner_TerminateEscalates(t *testing.T) {
	sh := requireShell(t)
	r := NewExecRunner(200 * time.Millisecond)

	// The worker ignores SIGTERM, so only SIGKILL ends it.
	p, err := r.Start(context.Background(), ProcessSpec{
		Path:    sh,
		Args:    []string{"-c", `trap "" TERM; while true; do sleep 0.05; done`},
		WorkDir: t.TempDir(),
	})
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	p.Terminate()
	p.Terminate()

	done := make(chan struct{})
	go func() {
		_, _ = p.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("worker survived Terminate")
	}
}

func TestExecRunner_TerminateAfterExit(t *testing.T) {
	sh := requireShell(t)
	r := NewExecRunner(time.Second)

	p, err := r.Start(context.Background(), ProcessSpec{Path: sh, Args: []string{"-c", "exit 0"}, WorkDir: t.TempDir()})
	require.NoError(t, err)
	code, err := p.Wait()
	require.NoError(t, err)
	assert.Zero(t, code)

	p.Terminate()
}

func TestExecRunner_StartCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := NewExecRunner(0).Start(ctx, ProcessSpec{Path: "/bin/true", WorkDir: t.TempDir()})
	assert.ErrorIs(t, err, context.Canceled)
}
