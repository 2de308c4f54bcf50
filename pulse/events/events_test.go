package events

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/metronome/errors"
)

func event(runID, status string) RunEvent {
	return RunEvent{Type: TypeRunUpdate, JobID: "backup", RunID: runID, Status: status, At: time.Now().UTC()}
}

func TestBusDelivers(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe()
	b := bus.Subscribe()
	assert.Equal(t, 2, bus.Subscribers())

	bus.Publish(event("r1", "ACTIVE"))

	assert.Equal(t, "r1", (<-a).RunID)
	assert.Equal(t, "r1", (<-b).RunID)

	bus.Unsubscribe(a)
	bus.Unsubscribe(a) // twice is fine
	assert.Equal(t, 1, bus.Subscribers())

	_, open := <-a
	assert.False(t, open)
}

func TestBusDropsForSlowSubscribers(t *testing.T) {
	bus := NewBus()
	slow := bus.Subscribe()

	for i := 0; i < subscriberBuffer+10; i++ {
		bus.Publish(event("r1", "ACTIVE"))
	}
	assert.Len(t, slow, subscriberBuffer)
	assert.Equal(t, uint64(10), bus.Dropped())
}

type fakeConn struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
	drained  bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return f.err
}

func (f *fakeConn) Drain() error {
	f.drained = true
	return nil
}

func TestNATSPublisher(t *testing.T) {
	conn := &fakeConn{}
	p := newNATSPublisher(conn, "metronome.runs.", zaptest.NewLogger(t).Sugar())

	p.Publish(event("r1", "SUCCESS"))

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "metronome.runs.backup", conn.subjects[0])

	var got RunEvent
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, "r1", got.RunID)
	assert.Equal(t, "SUCCESS", got.Status)

	conn.err = errors.New("nats: connection closed")
	p.Publish(event("r2", "FAILED")) // logged, not returned

	require.NoError(t, p.Close())
	assert.True(t, conn.drained)
}

func TestMulti(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe()
	conn := &fakeConn{}

	Multi{bus, Discard, newNATSPublisher(conn, "metronome.runs", zaptest.NewLogger(t).Sugar())}.Publish(event("r1", "KILLED"))

	assert.Equal(t, "KILLED", (<-ch).Status)
	assert.Equal(t, []string{"metronome.runs.backup"}, conn.subjects)
}
