package history

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return m.err
}

func TestRecorderFansOutInOrder(t *testing.T) {
	a := &memSink{}
	b := &memSink{err: errors.New("down")}
	r := NewRecorder(nil, a, b)

	r.Record(NewEvent(EventStart, "s1"))
	r.Record(Event{Type: EventCrash, Key: "s1", ExitCode: 3})
	r.Close()

	require.Len(t, a.events, 2)
	require.Len(t, b.events, 2, "a failing sink still receives every event")
	assert.Equal(t, EventStart, a.events[0].Type)
	assert.Equal(t, EventCrash, a.events[1].Type)
	assert.NotEmpty(t, a.events[1].ID)
	assert.False(t, a.events[1].OccurredAt.IsZero())

	// after Close, Record is a no-op rather than a panic
	r.Record(NewEvent(EventStop, "s1"))
	r.Close()
	assert.Len(t, a.events, 2)
}

func TestNilRecorder(t *testing.T) {
	var r *Recorder
	r.Record(NewEvent(EventStart, "x"))
	r.Close()
}

func TestNewEvent(t *testing.T) {
	e1 := NewEvent(EventStop, "k")
	e2 := NewEvent(EventStop, "k")
	assert.NotEqual(t, e1.ID, e2.ID)
	assert.Equal(t, "k", e1.Key)
}
