package monitor

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrManagerClosed is returned when registering with a closed Manager.
var ErrManagerClosed = errors.New("monitoring manager closed")

// Manager multiplexes fsnotify events across all active FileWatchers.
//
// Listeners are keyed by absolute file path, so watchers in different job
// directories never collide even when their log files share a name. Parent
// directories are watched once and reference counted.
//
// Events are dispatched sequentially by a single goroutine; callbacks run on
// that goroutine and must not block for long.
type Manager struct {
	fsw    *fsnotify.Watcher
	logger *zap.Logger

	mu        sync.RWMutex
	listeners map[string]*FileWatcher
	dirs      map[string]int
	closed    bool

	stopping  atomic.Bool
	launched  atomic.Bool
	startOnce sync.Once
	done      chan struct{}
}

// NewManager creates a Manager. Call Start to begin dispatching.
func NewManager(logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	return &Manager{
		fsw:       fsw,
		logger:    logger,
		listeners: make(map[string]*FileWatcher),
		dirs:      make(map[string]int),
		done:      make(chan struct{}),
	}, nil
}

// Start launches the dispatch loop. Subsequent calls are no-ops.
func (m *Manager) Start() {
	m.startOnce.Do(func() {
		m.launched.Store(true)
		go m.loop()
	})
}

// Watch creates a FileWatcher for path and registers it.
func (m *Manager) Watch(path string, onStatus StatusFunc, opts ...WatcherOption) (*FileWatcher, error) {
	w, err := NewFileWatcher(path, onStatus, opts...)
	if err != nil {
		return nil, err
	}
	if err := m.AddWatcher(w); err != nil {
		return nil, err
	}
	return w, nil
}

// AddWatcher registers w for create/write events on its file. The file's
// parent directory must exist. Lines already present are consumed right away.
func (m *Manager) AddWatcher(w *FileWatcher) error {
	dir := filepath.Dir(w.Path())
	st, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("watch %s: parent directory: %w", w.Path(), err)
	}
	if !st.IsDir() {
		return fmt.Errorf("watch %s: parent %s is not a directory", w.Path(), dir)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if prev, ok := m.listeners[w.Path()]; ok && prev != w {
		m.mu.Unlock()
		return fmt.Errorf("watch %s: path already watched", w.Path())
	}
	if _, ok := m.listeners[w.Path()]; !ok {
		if m.dirs[dir] == 0 {
			if err := m.fsw.Add(dir); err != nil {
				m.mu.Unlock()
				return fmt.Errorf("watch directory %s: %w", dir, err)
			}
		}
		m.dirs[dir]++
		m.listeners[w.Path()] = w
	}
	m.mu.Unlock()

	w.attach(m)

	if err := w.ConsumeNewLines(); err != nil {
		m.logger.Warn("Initial status read failed", zap.String("path", w.Path()), zap.Error(err))
	}
	return nil
}

// RemoveWatcher deregisters every entry referencing w. Safe to call more than
// once.
func (m *Manager) RemoveWatcher(w *FileWatcher) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path, l := range m.listeners {
		if l != w {
			continue
		}
		delete(m.listeners, path)

		dir := filepath.Dir(path)
		m.dirs[dir]--
		if m.dirs[dir] <= 0 {
			delete(m.dirs, dir)
			if !m.closed {
				// The directory may already be gone with the job's workdir.
				_ = m.fsw.Remove(dir)
			}
		}
	}
}

// Len returns the number of registered watchers.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

func (m *Manager) lookup(path string) *FileWatcher {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.listeners[filepath.Clean(path)]
}

func (m *Manager) loop() {
	defer close(m.done)

	for {
		select {
		case ev, ok := <-m.fsw.Events:
			if !ok {
				return
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			w := m.lookup(ev.Name)
			if w == nil {
				continue
			}
			if err := w.ConsumeNewLines(); err != nil {
				m.logger.Warn("Status log read failed",
					zap.String("path", w.Path()),
					zap.Error(err))
			}
		case err, ok := <-m.fsw.Errors:
			if !ok {
				return
			}
			if !m.stopping.Load() {
				m.logger.Error("File watch error", zap.Error(err))
			}
		}
	}
}

// Close stops dispatching and releases the fsnotify handle. Registered
// watchers are dropped.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.listeners = make(map[string]*FileWatcher)
	m.dirs = make(map[string]int)
	m.mu.Unlock()

	m.stopping.Store(true)
	err := m.fsw.Close()
	if m.launched.Load() {
		<-m.done
	}
	return err
}
