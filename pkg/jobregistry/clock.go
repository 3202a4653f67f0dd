package jobregistry

import (
	"context"
	"time"
)

// Clock supplies the registry's notion of now. Tests substitute a fixed or
// stepping clock to exercise retention.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

// Notifier receives every committed job change. Implementations must not
// call back into the registry.
type Notifier interface {
	JobChanged(ctx context.Context, rec Record)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, rec Record)

func (f NotifierFunc) JobChanged(ctx context.Context, rec Record) { f(ctx, rec) }

// Notifiers fans a change out to several notifiers in order.
type Notifiers []Notifier

func (ns Notifiers) JobChanged(ctx context.Context, rec Record) {
	for _, n := range ns {
		if n != nil {
			n.JobChanged(ctx, rec)
		}
	}
}
