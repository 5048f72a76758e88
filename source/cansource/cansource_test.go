package cansource

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hefroy/fleetedge/clock"
	"github.com/hefroy/fleetedge/dictionary"
	"github.com/hefroy/fleetedge/document"
	"github.com/hefroy/fleetedge/errors"
	"github.com/hefroy/fleetedge/metric"
)

// fakeEndpoint feeds canned batches to the worker.
type fakeEndpoint struct {
	mu      sync.Mutex
	batches [][]Frame
	err     error
	closed  bool
}

func (f *fakeEndpoint) push(frames ...Frame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, frames)
}

func (f *fakeEndpoint) failWith(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *fakeEndpoint) ReceiveBatch(frames []Frame) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		err := f.err
		f.err = nil
		return 0, err
	}
	if len(f.batches) == 0 {
		return 0, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	n := copy(frames, batch)
	return n, nil
}

func (f *fakeEndpoint) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// captureConsumer records dispatched frames.
type captureConsumer struct {
	mu     sync.Mutex
	frames []uint32
	stamps []int64
}

func (c *captureConsumer) ProcessFrame(_ document.ChannelNumericID, _ *dictionary.CANDictionary,
	frameID uint32, _ []byte, timestampMs int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frameID)
	c.stamps = append(c.stamps, timestampMs)
}

func (c *captureConsumer) received() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint32, len(c.frames))
	copy(out, c.frames)
	return out
}

func testDictionary() *dictionary.CANDictionary {
	d := dictionary.NewCANDictionary(document.ProtocolRawSocket)
	d.Decoders[0] = map[document.CANRawFrameID]*dictionary.DecoderMethod{
		0x100: {},
	}
	d.SignalIDsToCollect[1] = struct{}{}
	return d
}

func startSource(t *testing.T, ep endpoint, consumer Consumer, registry *metric.Registry) *Source {
	t.Helper()
	s := NewSource(Deps{
		ChannelID:       0,
		Config:          Config{InterfaceName: "vcan0", IdleTimeMs: 5},
		Consumer:        consumer,
		Clock:           clock.NewSystemClock(),
		MetricsRegistry: registry,
	})
	require.NoError(t, s.startWithEndpoint(context.Background(), ep))
	t.Cleanup(func() { _ = s.Disconnect(2 * time.Second) })
	return s
}

func TestSleepsWithoutDictionaryAndResumesOnUpdate(t *testing.T) {
	ep := &fakeEndpoint{}
	consumer := &captureConsumer{}
	s := startSource(t, ep, consumer, nil)

	ep.push(Frame{ID: 0x100, Data: []byte{1}, TimestampMs: 100})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, consumer.received(), "no dictionary, nothing dispatched")

	s.OnDictionaryUpdate(testDictionary(), document.ProtocolRawSocket)

	// The first batch after waking is discarded as kernel-stale; push a
	// second one that must arrive.
	ep.push(Frame{ID: 0x200, Data: []byte{2}, TimestampMs: 200})
	require.Eventually(t, func() bool {
		got := consumer.received()
		return len(got) == 1 && got[0] == 0x200
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMonotonicityViolationCountedOnce(t *testing.T) {
	// S6: timestamps [100, 200, 150, 300] increment the counter exactly
	// once.
	registry := metric.NewRegistry()
	ep := &fakeEndpoint{}
	consumer := &captureConsumer{}
	s := startSource(t, ep, consumer, registry)

	// Let the worker park without a dictionary first. A frame queued
	// before the wake is then kernel-stale and discarded; the measured
	// stamps go in a later batch.
	time.Sleep(30 * time.Millisecond)
	ep.push(Frame{ID: 0x1})
	s.OnDictionaryUpdate(testDictionary(), document.ProtocolRawSocket)
	time.Sleep(30 * time.Millisecond)
	ep.push(
		Frame{ID: 0x100, TimestampMs: 100},
		Frame{ID: 0x101, TimestampMs: 200},
		Frame{ID: 0x102, TimestampMs: 150},
		Frame{ID: 0x103, TimestampMs: 300},
	)

	require.Eventually(t, func() bool {
		return len(consumer.received()) == 4
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, float64(1), testutil.ToFloat64(s.metrics.nonMonotonicFrames))
}

func TestDeviceRemovedIsFatal(t *testing.T) {
	ep := &fakeEndpoint{}
	consumer := &captureConsumer{}

	fatalCh := make(chan error, 1)
	s := NewSource(Deps{
		ChannelID: 0,
		Config:    Config{InterfaceName: "vcan0", IdleTimeMs: 5},
		Consumer:  consumer,
		Clock:     clock.NewSystemClock(),
		OnFatal:   func(err error) { fatalCh <- err },
	})
	require.NoError(t, s.startWithEndpoint(context.Background(), ep))
	t.Cleanup(func() { _ = s.Disconnect(time.Second) })

	s.OnDictionaryUpdate(testDictionary(), document.ProtocolRawSocket)
	ep.failWith(errors.WrapFatal(errors.ErrDeviceRemoved, "can-endpoint", "ReceiveBatch", "recvmsg"))

	select {
	case err := <-fatalCh:
		assert.True(t, errors.IsFatal(err))
	case <-time.After(2 * time.Second):
		t.Fatal("fatal error not surfaced")
	}
}

func TestNetworkDownIsRetried(t *testing.T) {
	registry := metric.NewRegistry()
	ep := &fakeEndpoint{}
	consumer := &captureConsumer{}
	s := startSource(t, ep, consumer, registry)
	s.OnDictionaryUpdate(testDictionary(), document.ProtocolRawSocket)

	ep.failWith(errors.WrapTransient(errors.ErrNetworkDown, "can-endpoint", "ReceiveBatch", "recvmsg"))
	time.Sleep(30 * time.Millisecond)
	ep.push(Frame{ID: 0x1})
	time.Sleep(30 * time.Millisecond)
	ep.push(Frame{ID: 0x300, TimestampMs: 10})

	require.Eventually(t, func() bool {
		got := consumer.received()
		return len(got) >= 1 && got[len(got)-1] == 0x300
	}, 2*time.Second, 5*time.Millisecond, "worker keeps consuming after transient error")
	assert.GreaterOrEqual(t, testutil.ToFloat64(s.metrics.receiveErrors), float64(1))
}

func TestVariantMismatchTreatedAsEmpty(t *testing.T) {
	ep := &fakeEndpoint{}
	consumer := &captureConsumer{}
	s := startSource(t, ep, consumer, nil)

	s.OnDictionaryUpdate(dictionary.NewCustomDictionary(), document.ProtocolRawSocket)
	assert.Nil(t, s.snapshotDictionary())

	// Updates for other protocols are ignored entirely.
	s.OnDictionaryUpdate(testDictionary(), document.ProtocolOBD)
	assert.Nil(t, s.snapshotDictionary())
}

func TestDisconnectClosesEndpoint(t *testing.T) {
	ep := &fakeEndpoint{}
	s := NewSource(Deps{
		ChannelID: 0,
		Config:    Config{InterfaceName: "vcan0", IdleTimeMs: 5},
		Consumer:  &captureConsumer{},
		Clock:     clock.NewSystemClock(),
	})
	require.NoError(t, s.startWithEndpoint(context.Background(), ep))
	require.NoError(t, s.Disconnect(time.Second))
	assert.True(t, ep.closed)

	assert.NoError(t, s.Disconnect(time.Second), "disconnect is idempotent")
}

func TestParseFrameClassicLayout(t *testing.T) {
	buf := make([]byte, canFrameSize)
	buf[0] = 0x34
	buf[1] = 0x12
	buf[4] = 3
	copy(buf[8:], []byte{0xAA, 0xBB, 0xCC})

	frame := parseFrame(buf)
	assert.Equal(t, uint32(0x1234), frame.ID)
	assert.Equal(t, []byte{0xAA, 0xBB, 0xCC}, frame.Data)
}

func TestParseTimestampType(t *testing.T) {
	for name, expected := range map[string]TimestampType{
		"":                TimestampPolling,
		"polling":         TimestampPolling,
		"kernel_software": TimestampKernelSoftware,
		"kernel_hardware": TimestampKernelHardware,
	} {
		got, err := ParseTimestampType(name)
		require.NoError(t, err)
		assert.Equal(t, expected, got)
	}
	_, err := ParseTimestampType("gps")
	assert.Error(t, err)
}
