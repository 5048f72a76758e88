package checkin

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hefroy/fleetedge/document"
)

type fakePublisher struct {
	mu       sync.Mutex
	payloads [][]byte
	err      error
}

func (f *fakePublisher) PublishCheckin(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.payloads = append(f.payloads, payload)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.payloads)
}

func (f *fakePublisher) last(t *testing.T) message {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.payloads)
	var msg message
	require.NoError(t, json.Unmarshal(f.payloads[len(f.payloads)-1], &msg))
	return msg
}

func (f *fakePublisher) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func startSender(t *testing.T, publisher Publisher, period time.Duration) *Sender {
	t.Helper()
	s := NewSender(Deps{
		Publisher: publisher,
		Period:    period,
		NowMs:     func() int64 { return 42_000 },
	})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })
	return s
}

func TestSendsOnChange(t *testing.T) {
	publisher := &fakePublisher{}
	s := startSender(t, publisher, time.Hour)

	s.OnCheckinDocumentsChanged([]document.SyncID{"A", "DM1"})

	require.Eventually(t, func() bool { return publisher.count() > 0 }, 2*time.Second, 5*time.Millisecond)
	msg := publisher.last(t)
	assert.Equal(t, int64(42_000), msg.TimestampMs)
	assert.ElementsMatch(t, []document.SyncID{"A", "DM1"}, msg.DocumentIDs)
}

func TestNothingSentBeforeFirstSet(t *testing.T) {
	publisher := &fakePublisher{}
	startSender(t, publisher, 10*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, publisher.count())
}

func TestPeriodicResend(t *testing.T) {
	publisher := &fakePublisher{}
	s := startSender(t, publisher, 20*time.Millisecond)

	s.OnCheckinDocumentsChanged([]document.SyncID{"A"})
	require.Eventually(t, func() bool { return publisher.count() >= 3 }, 2*time.Second, 5*time.Millisecond,
		"sender keeps reporting on its own pacing")
}

func TestEmptySetStillReported(t *testing.T) {
	publisher := &fakePublisher{}
	s := startSender(t, publisher, time.Hour)

	s.OnCheckinDocumentsChanged([]document.SyncID{"A"})
	require.Eventually(t, func() bool { return publisher.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	s.OnCheckinDocumentsChanged(nil)
	require.Eventually(t, func() bool {
		return publisher.count() >= 2 && len(publisher.last(t).DocumentIDs) == 0
	}, 2*time.Second, 5*time.Millisecond, "empty set means no documents are active")
}

func TestTransientFailureRetriedNextInterval(t *testing.T) {
	publisher := &fakePublisher{}
	publisher.failWith(stderrors.New("broker unavailable"))
	s := startSender(t, publisher, 20*time.Millisecond)

	s.OnCheckinDocumentsChanged([]document.SyncID{"A"})
	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, publisher.count())

	publisher.failWith(nil)
	require.Eventually(t, func() bool { return publisher.count() > 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStopNeverStarted(t *testing.T) {
	s := NewSender(Deps{Publisher: &fakePublisher{}})
	assert.NoError(t, s.Stop(time.Second))
}
