package events

import (
	"context"
	"sync"

	"github.com/3leaps/dbrelay/pkg/jobregistry"
)

// subscriptionBuffer is how many undelivered changes a subscriber may lag.
const subscriptionBuffer = 16

// Hub fans job changes out to in-process subscribers, such as websocket
// streams. It implements jobregistry.Notifier and never blocks the caller:
// a subscriber that falls behind loses its oldest changes.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
}

// Subscription receives changes for one job key, or for every job when the
// key is empty.
type Subscription struct {
	hub  *Hub
	key  string
	ch   chan jobregistry.Record
	once sync.Once
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscription]struct{})}
}

// Subscribe registers interest in key ("uid:jobId"). Empty key matches all jobs.
func (h *Hub) Subscribe(key string) *Subscription {
	s := &Subscription{hub: h, key: key, ch: make(chan jobregistry.Record, subscriptionBuffer)}
	h.mu.Lock()
	set, ok := h.subs[key]
	if !ok {
		set = make(map[*Subscription]struct{})
		h.subs[key] = set
	}
	set[s] = struct{}{}
	h.mu.Unlock()
	return s
}

// Len returns the number of live subscriptions.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, set := range h.subs {
		n += len(set)
	}
	return n
}

// JobChanged delivers rec to matching subscribers.
func (h *Hub) JobChanged(_ context.Context, rec jobregistry.Record) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for s := range h.subs[rec.Key()] {
		s.offer(rec)
	}
	for s := range h.subs[""] {
		s.offer(rec)
	}
}

// offer sends without blocking, discarding the oldest pending change when
// the buffer is full. Caller holds the hub lock.
func (s *Subscription) offer(rec jobregistry.Record) {
	for {
		select {
		case s.ch <- rec:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

// C delivers changes. It is closed by Close.
func (s *Subscription) C() <-chan jobregistry.Record {
	return s.ch
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		h := s.hub
		h.mu.Lock()
		if set, ok := h.subs[s.key]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(h.subs, s.key)
			}
		}
		close(s.ch)
		h.mu.Unlock()
	})
}
