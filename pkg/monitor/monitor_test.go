package monitor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dbrelay/pkg/execstatus"
)

func appendLine(t *testing.T, path, line string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(line)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func isFinish(st *execstatus.ExecStatus) bool { return st.IsFinish() }

func TestFileWatcher_ConsumeNewLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.log")

	var mu sync.Mutex
	var seen []execstatus.Kind
	w, err := NewFileWatcher(path, func(st execstatus.ExecStatus) {
		mu.Lock()
		seen = append(seen, st.Kind)
		mu.Unlock()
	})
	require.NoError(t, err)

	// Missing file is not an error.
	require.NoError(t, w.ConsumeNewLines())
	assert.Nil(t, w.Status())

	appendLine(t, path, `{"kind":"start","status":"running"}`+"\n")
	require.NoError(t, w.ConsumeNewLines())
	assert.Equal(t, 1, w.LinesRead())

	appendLine(t, path, `{"kind":"progress","status":"running","progress":0.4}`+"\n")
	require.NoError(t, w.ConsumeNewLines())
	require.NoError(t, w.ConsumeNewLines())

	assert.Equal(t, 2, w.LinesRead())
	assert.Equal(t, 0.4, w.Status().Progress)
	assert.Equal(t, []execstatus.Kind{execstatus.KindStart, execstatus.KindProgress}, seen)
}

func TestFileWatcher_PartialLineLeftForNextRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.log")
	w, err := NewFileWatcher(path, nil)
	require.NoError(t, err)

	appendLine(t, path, `{"kind":"start","status":"running"}`+"\n"+`{"kind":"fin`)
	require.NoError(t, w.ConsumeNewLines())
	assert.Equal(t, 1, w.LinesRead())

	appendLine(t, path, `ish","status":"success"}`+"\n")
	require.NoError(t, w.ConsumeNewLines())
	assert.Equal(t, 2, w.LinesRead())
	assert.True(t, w.Status().Succeeded())
}

func TestFileWatcher_InvalidLineFailsRead(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.log")
	w, err := NewFileWatcher(path, nil)
	require.NoError(t, err)

	appendLine(t, path, `{"kind":"start","status":"running"}`+"\n"+"not json\n")
	err = w.ConsumeNewLines()
	require.Error(t, err)

	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr))
	assert.True(t, errors.Is(err, execstatus.ErrInvalidLine))
	assert.Equal(t, 1, w.LinesRead())

	st, werr := w.WaitForStatus(context.Background(), isFinish)
	require.Error(t, werr)
	require.NotNil(t, st)
	assert.Equal(t, execstatus.KindStart, st.Kind)
}

func TestFileWatcher_FrozenStatusStopsUpdates(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.log")
	calls := 0
	w, err := NewFileWatcher(path, func(execstatus.ExecStatus) { calls++ })
	require.NoError(t, err)

	appendLine(t, path, `{"kind":"finish","status":"failure","freezed":true}`+"\n")
	appendLine(t, path, `{"kind":"progress","status":"running","progress":0.9}`+"\n")
	require.NoError(t, w.ConsumeNewLines())

	assert.True(t, w.Frozen())
	assert.Equal(t, 1, calls)
	assert.Equal(t, "failure", w.Status().Status)

	appendLine(t, path, `{"kind":"finish","status":"success"}`+"\n")
	require.NoError(t, w.ConsumeNewLines())
	assert.Equal(t, "failure", w.Status().Status)
}

func TestFileWatcher_Freeze(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.log")
	w, err := NewFileWatcher(path, nil)
	require.NoError(t, err)

	w.Freeze()
	appendLine(t, path, `{"kind":"start","status":"running"}`+"\n")
	require.NoError(t, w.ConsumeNewLines())
	assert.Nil(t, w.Status())
}

func TestFileWatcher_WaitForStatusTimesOut(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.log")
	w, err := NewFileWatcher(path, nil, WithWaitTimeout(150*time.Millisecond))
	require.NoError(t, err)

	start := time.Now()
	st, err := w.WaitForStatus(context.Background(), isFinish)
	require.NoError(t, err)
	assert.Nil(t, st)
	assert.Less(t, time.Since(start), time.Second)

	appendLine(t, path, `{"kind":"progress","status":"running","progress":0.2}`+"\n")
	require.NoError(t, w.ConsumeNewLines())

	st, err = w.WaitForStatus(context.Background(), isFinish)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.Equal(t, execstatus.KindProgress, st.Kind)
}

func TestFileWatcher_DefaultWaitBound(t *testing.T) {
	w, err := NewFileWatcher(filepath.Join(t.TempDir(), "status.log"), nil)
	require.NoError(t, err)

	start := time.Now()
	st, err := w.WaitForStatus(context.Background(), isFinish)
	require.NoError(t, err)
	assert.Nil(t, st)
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 900*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)
}

func TestFileWatcher_WaitForStatusWakesOnUpdate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "status.log")
	w, err := NewFileWatcher(path, nil, WithWaitTimeout(5*time.Second))
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		appendLine(t, path, `{"kind":"finish","status":"success","freezed":true}`+"\n")
		_ = w.ConsumeNewLines()
	}()

	start := time.Now()
	st, err := w.WaitForStatus(context.Background(), isFinish)
	require.NoError(t, err)
	require.NotNil(t, st)
	assert.True(t, st.Succeeded())
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestFileWatcher_WaitForStatusContextCanceled(t *testing.T) {
	w, err := NewFileWatcher(filepath.Join(t.TempDir(), "status.log"), nil, WithWaitTimeout(5*time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = w.WaitForStatus(ctx, isFinish)
	assert.ErrorIs(t, err, context.Canceled)
}

func newStartedManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(nil)
	require.NoError(t, err)
	m.Start()
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestManager_DispatchesWrites(t *testing.T) {
	m := newStartedManager(t)
	path := filepath.Join(t.TempDir(), "status.log")

	var mu sync.Mutex
	var last execstatus.ExecStatus
	w, err := m.Watch(path, func(st execstatus.ExecStatus) {
		mu.Lock()
		last = st
		mu.Unlock()
	})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Len())

	appendLine(t, path, `{"kind":"start","status":"running"}`+"\n")
	appendLine(t, path, `{"kind":"finish","status":"success","freezed":true}`+"\n")

	require.Eventually(t, func() bool {
		st := w.Status()
		return st != nil && st.Succeeded()
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, execstatus.KindFinish, last.Kind)
	mu.Unlock()
}

func TestManager_ReadsExistingLinesOnAdd(t *testing.T) {
	m := newStartedManager(t)
	path := filepath.Join(t.TempDir(), "status.log")
	appendLine(t, path, `{"kind":"start","status":"running"}`+"\n")

	w, err := m.Watch(path, nil)
	require.NoError(t, err)
	require.NotNil(t, w.Status())
	assert.Equal(t, execstatus.KindStart, w.Status().Kind)
}

func TestManager_MissingParentDirectory(t *testing.T) {
	m := newStartedManager(t)

	_, err := m.Watch(filepath.Join(t.TempDir(), "missing", "status.log"), nil)
	require.Error(t, err)
	assert.Zero(t, m.Len())
}

func TestManager_SameFileNameInDifferentDirectories(t *testing.T) {
	m := newStartedManager(t)
	dirA := t.TempDir()
	dirB := t.TempDir()

	wa, err := m.Watch(filepath.Join(dirA, "status.log"), nil)
	require.NoError(t, err)
	wb, err := m.Watch(filepath.Join(dirB, "status.log"), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, m.Len())

	appendLine(t, filepath.Join(dirA, "status.log"), `{"kind":"finish","status":"success"}`+"\n")

	require.Eventually(t, func() bool { return wa.Status() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, wb.Status())
}

func TestManager_RemoveWatcherIdempotent(t *testing.T) {
	m := newStartedManager(t)
	dir := t.TempDir()

	w1, err := m.Watch(filepath.Join(dir, "a.log"), nil)
	require.NoError(t, err)
	w2, err := m.Watch(filepath.Join(dir, "b.log"), nil)
	require.NoError(t, err)

	require.NoError(t, w1.Close())
	require.NoError(t, w1.Close())
	m.RemoveWatcher(w1)
	assert.Equal(t, 1, m.Len())

	// The shared directory is still watched for the remaining listener.
	appendLine(t, filepath.Join(dir, "b.log"), `{"kind":"start","status":"running"}`+"\n")
	require.Eventually(t, func() bool { return w2.Status() != nil }, 5*time.Second, 10*time.Millisecond)
	assert.Nil(t, w1.Status())
}

func TestManager_CloseStopsLoopAndRejectsWatchers(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)
	m.Start()

	done := make(chan struct{})
	go func() {
		_ = m.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}

	_, err = m.Watch(filepath.Join(t.TempDir(), "status.log"), nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.NoError(t, m.Close())
}

func TestManager_CloseWithoutStart(t *testing.T) {
	m, err := NewManager(nil)
	require.NoError(t, err)
	assert.NoError(t, m.Close())
}
