// Package monitor turns the incremental status-line output of worker
// processes into structured status events.
//
// A FileWatcher tails one append-only log file. A Manager owns the single
// fsnotify handle shared by all watchers and dispatches file change events to
// the watcher registered for the changed path.
package monitor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/3leaps/dbrelay/pkg/execstatus"
)

// DefaultWaitTimeout bounds WaitForStatus when no timeout is configured.
// It matches ten polls at 100ms.
const DefaultWaitTimeout = time.Second

// IOError reports a failed read cycle of a monitored log file.
type IOError struct {
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("monitor %s: %v", e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// StatusFunc receives every status parsed from the log.
type StatusFunc func(execstatus.ExecStatus)

// FileWatcher incrementally parses one status log file.
//
// Lines are tracked by count rather than byte offset: every read skips the
// lines already consumed. Only newline-terminated lines are consumed; a
// trailing partial line is left for the next read.
type FileWatcher struct {
	path        string
	onStatus    StatusFunc
	waitTimeout time.Duration

	// readMu serializes read cycles.
	readMu sync.Mutex

	mu        sync.Mutex
	status    *execstatus.ExecStatus
	linesRead int
	err       error
	frozen    bool
	changed   chan struct{}

	manager   *Manager
	closeOnce sync.Once
}

// WatcherOption configures a FileWatcher.
type WatcherOption func(*FileWatcher)

// WithWaitTimeout overrides the WaitForStatus bound.
func WithWaitTimeout(d time.Duration) WatcherOption {
	return func(w *FileWatcher) {
		if d > 0 {
			w.waitTimeout = d
		}
	}
}

// NewFileWatcher creates a watcher for path. The path is made absolute.
// onStatus may be nil.
func NewFileWatcher(path string, onStatus StatusFunc, opts ...WatcherOption) (*FileWatcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve status log path: %w", err)
	}
	w := &FileWatcher{
		path:        filepath.Clean(abs),
		onStatus:    onStatus,
		waitTimeout: DefaultWaitTimeout,
		changed:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Path returns the absolute path of the watched file.
func (w *FileWatcher) Path() string {
	return w.path
}

// Status returns a copy of the most recent status, or nil if none was parsed.
func (w *FileWatcher) Status() *execstatus.ExecStatus {
	w.mu.Lock()
	defer w.mu.Unlock()
	return copyStatus(w.status)
}

// LinesRead returns the number of lines consumed so far.
func (w *FileWatcher) LinesRead() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.linesRead
}

// Err returns the error of the last failed read cycle, if any.
func (w *FileWatcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Freeze stops any further status updates.
func (w *FileWatcher) Freeze() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.frozen {
		w.frozen = true
		w.broadcastLocked()
	}
}

// Frozen reports whether updates have stopped, either through Freeze or a
// frozen status line.
func (w *FileWatcher) Frozen() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frozenLocked()
}

func (w *FileWatcher) frozenLocked() bool {
	return w.frozen || (w.status != nil && w.status.Freezed)
}

// ConsumeNewLines parses every complete line beyond those already consumed.
//
// A line that is not a valid status record fails the whole read cycle with an
// *IOError; the error is kept and reported to waiters. A missing file is not
// an error: the worker may not have created it yet.
func (w *FileWatcher) ConsumeNewLines() error {
	w.readMu.Lock()
	defer w.readMu.Unlock()

	if w.Frozen() {
		return nil
	}

	f, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return w.fail(err)
	}
	defer func() { _ = f.Close() }()

	skip := w.LinesRead()
	r := bufio.NewReader(f)
	lineNo := 0
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				// Anything left in line is an incomplete record.
				return nil
			}
			return w.fail(err)
		}
		lineNo++
		if lineNo <= skip {
			continue
		}

		st, perr := execstatus.Parse(line)
		if perr != nil {
			return w.fail(&execstatus.LineError{Line: lineNo, Err: perr})
		}
		if !w.apply(st) {
			return nil
		}
	}
}

// apply stores st and runs the callback. It returns false when the watcher is
// frozen and no more lines should be read.
func (w *FileWatcher) apply(st execstatus.ExecStatus) bool {
	w.mu.Lock()
	if w.frozenLocked() {
		w.mu.Unlock()
		return false
	}
	w.status = &st
	w.linesRead++
	w.err = nil
	w.broadcastLocked()
	cb := w.onStatus
	w.mu.Unlock()

	if cb != nil {
		cb(st)
	}
	return !st.Freezed
}

func (w *FileWatcher) fail(err error) error {
	ioErr := &IOError{Path: w.path, Err: err}
	w.mu.Lock()
	w.err = ioErr
	w.broadcastLocked()
	w.mu.Unlock()
	return ioErr
}

// broadcastLocked wakes every WaitForStatus caller. Callers hold w.mu.
func (w *FileWatcher) broadcastLocked() {
	close(w.changed)
	w.changed = make(chan struct{})
}

// WaitForStatus blocks until the stored status satisfies match, the read
// cycle fails, the context ends or the wait timeout elapses.
//
// On timeout it returns the last seen status, which may be nil or may not
// match; callers must treat that as inconclusive rather than as failure.
func (w *FileWatcher) WaitForStatus(ctx context.Context, match func(*execstatus.ExecStatus) bool) (*execstatus.ExecStatus, error) {
	timer := time.NewTimer(w.waitTimeout)
	defer timer.Stop()

	for {
		w.mu.Lock()
		st := copyStatus(w.status)
		err := w.err
		frozen := w.frozenLocked()
		changed := w.changed
		w.mu.Unlock()

		if st != nil && match(st) {
			return st, nil
		}
		if err != nil {
			return st, err
		}
		if frozen {
			// Nothing will change any more.
			return st, nil
		}

		select {
		case <-changed:
		case <-timer.C:
			return st, nil
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Close deregisters the watcher from its Manager. It is safe to call more
// than once.
func (w *FileWatcher) Close() error {
	w.closeOnce.Do(func() {
		w.mu.Lock()
		m := w.manager
		w.manager = nil
		w.mu.Unlock()
		if m != nil {
			m.RemoveWatcher(w)
		}
	})
	return nil
}

func (w *FileWatcher) attach(m *Manager) {
	w.mu.Lock()
	w.manager = m
	w.mu.Unlock()
}

func copyStatus(st *execstatus.ExecStatus) *execstatus.ExecStatus {
	if st == nil {
		return nil
	}
	c := *st
	if st.Arguments != nil {
		c.Arguments = append([]string(nil), st.Arguments...)
	}
	return &c
}
