package execstatus

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrWriterClosed is returned when writing to a closed Writer.
var ErrWriterClosed = errors.New("status writer closed")

// WriteError wraps failures while emitting a status line.
type WriteError struct {
	Op  string
	Err error
}

func (e *WriteError) Error() string {
	return "status " + e.Op + ": " + e.Err.Error()
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Writer emits status lines to an io.Writer.
//
// Writer is safe for concurrent use. Each record is written as one complete
// line while holding a mutex, so lines are never interleaved.
//
// Progress records are rate limited: bursts beyond the configured rate are
// dropped. Start, data and finish records are always written.
type Writer struct {
	w       io.Writer
	now     func() time.Time
	limiter *rate.Limiter

	mu     sync.Mutex
	closed bool
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithProgressRate limits progress records to perSecond events per second.
// Zero or negative disables limiting.
func WithProgressRate(perSecond float64) WriterOption {
	return func(w *Writer) {
		if perSecond <= 0 {
			w.limiter = nil
			return
		}
		w.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithClock overrides the time source used for record timestamps.
func WithClock(now func() time.Time) WriterOption {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

// NewWriter creates a status line writer. By default progress records are
// limited to 4 per second.
func NewWriter(w io.Writer, opts ...WriterOption) *Writer {
	sw := &Writer{
		w:       w,
		now:     time.Now,
		limiter: rate.NewLimiter(rate.Limit(4), 1),
	}
	for _, opt := range opts {
		opt(sw)
	}
	return sw
}

// Start emits a start record carrying the worker's arguments.
func (sw *Writer) Start(args []string) error {
	return sw.Write(ExecStatus{Kind: KindStart, Status: StatusRunning, Arguments: args})
}

// Progress emits a progress record unless it is rate limited.
func (sw *Writer) Progress(fraction float64, message string) error {
	if sw.limiter != nil && !sw.limiter.Allow() {
		return nil
	}
	return sw.Write(ExecStatus{Kind: KindProgress, Status: StatusRunning, Progress: fraction, Message: message})
}

// Data emits a free-form data record.
func (sw *Writer) Data(message string) error {
	return sw.Write(ExecStatus{Kind: KindData, Status: StatusRunning, Message: message})
}

// Finish emits the terminal record. It is always frozen so consumers ignore
// anything written after it.
func (sw *Writer) Finish(status string, code int, message string) error {
	progress := 0.0
	if status == StatusSuccess {
		progress = 1
	}
	return sw.Write(ExecStatus{
		Kind:     KindFinish,
		Status:   status,
		Progress: progress,
		Code:     code,
		Message:  message,
		Freezed:  true,
	})
}

// Write emits an arbitrary record. A zero Timestamp is filled in.
func (sw *Writer) Write(st ExecStatus) error {
	if st.Timestamp == 0 {
		st.Timestamp = sw.now().Unix()
	}
	st.Progress = clampProgress(st.Progress)

	b, err := json.Marshal(st)
	if err != nil {
		return &WriteError{Op: "marshal", Err: err}
	}
	b = append(b, '\n')

	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.closed {
		return ErrWriterClosed
	}
	if err := writeAll(sw.w, b); err != nil {
		return &WriteError{Op: "write", Err: err}
	}
	return nil
}

// Close marks the writer closed. The underlying io.Writer is not closed.
func (sw *Writer) Close() error {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	sw.closed = true
	return nil
}

// writeAll writes all bytes to w, handling short writes so a line is never
// truncated.
func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		p = p[n:]
	}
	return nil
}
