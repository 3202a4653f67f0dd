package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/dbrelay/pkg/jobregistry"
)

func record(uid, id string, status jobregistry.Status) jobregistry.Record {
	return jobregistry.Record{UID: uid, JobID: id, Type: jobregistry.TypeBackup, Status: status}
}

func TestHub_DeliversByKey(t *testing.T) {
	h := NewHub()
	mine := h.Subscribe("alice:b1")
	all := h.Subscribe("")
	defer mine.Close()
	defer all.Close()

	h.JobChanged(context.Background(), record("alice", "b1", jobregistry.StatusRunning))
	h.JobChanged(context.Background(), record("bob", "b2", jobregistry.StatusRunning))

	got := <-mine.C()
	assert.Equal(t, "b1", got.JobID)
	assert.Empty(t, mine.C())

	assert.Equal(t, "b1", (<-all.C()).JobID)
	assert.Equal(t, "b2", (<-all.C()).JobID)
}

func TestHub_SlowSubscriberKeepsNewest(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("alice:b1")
	defer s.Close()

	for i := 0; i < subscriptionBuffer+5; i++ {
		h.JobChanged(context.Background(), record("alice", "b1", jobregistry.StatusRunning))
	}
	h.JobChanged(context.Background(), record("alice", "b1", jobregistry.StatusCompleted))

	require.Len(t, s.C(), subscriptionBuffer)
	var last jobregistry.Record
	for i := 0; i < subscriptionBuffer; i++ {
		last = <-s.C()
	}
	assert.Equal(t, jobregistry.StatusCompleted, last.Status)
}

func TestHub_Close(t *testing.T) {
	h := NewHub()
	s := h.Subscribe("alice:b1")
	assert.Equal(t, 1, h.Len())

	s.Close()
	s.Close()
	assert.Zero(t, h.Len())

	_, ok := <-s.C()
	assert.False(t, ok)

	assert.NotPanics(t, func() {
		h.JobChanged(context.Background(), record("alice", "b1", jobregistry.StatusRunning))
	})
}
