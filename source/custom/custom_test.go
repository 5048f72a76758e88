package custom

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hefroy/fleetedge/document"
)

type captureReceiver struct {
	mu      sync.Mutex
	pushes  []document.SignalID
	payload []byte
}

func (c *captureReceiver) PushRaw(signalID document.SignalID, data []byte, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pushes = append(c.pushes, signalID)
	c.payload = data
}

func (c *captureReceiver) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pushes)
}

func decoderMap(signalID document.SignalID, interfaceID document.InterfaceID) map[document.SignalID]document.CustomSignalDecoderFormat {
	return map[document.SignalID]document.CustomSignalDecoderFormat{
		signalID: {
			InterfaceID: interfaceID,
			Decoder:     "Vehicle.Custom.Blob",
			SignalID:    signalID,
			SignalType:  document.SignalTypeRawBytes,
		},
	}
}

func TestNoPushWithoutBinding(t *testing.T) {
	receiver := &captureReceiver{}
	s := NewSource(Deps{
		Config:   Config{InterfaceID: "blob-if", PeriodMs: 5},
		Receiver: receiver,
		Sample:   func() []byte { return []byte("x") },
	})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, receiver.count())
}

func TestPushesAfterBinding(t *testing.T) {
	receiver := &captureReceiver{}
	s := NewSource(Deps{
		Config:   Config{InterfaceID: "blob-if", PeriodMs: 5},
		Receiver: receiver,
		Sample:   func() []byte { return []byte("Hello world!") },
	})
	require.NoError(t, s.Initialize())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	s.OnCustomDecoderMapUpdate("DM1", decoderMap(0x2000, "blob-if"))

	require.Eventually(t, func() bool { return receiver.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	receiver.mu.Lock()
	defer receiver.mu.Unlock()
	assert.Equal(t, document.SignalID(0x2000), receiver.pushes[0])

	// CDR framing: header, length, payload, padded to 4 bytes.
	payload := receiver.payload
	require.GreaterOrEqual(t, len(payload), 8)
	assert.Equal(t, byte(1), payload[1], "little-endian CDR encapsulation")
	length := binary.LittleEndian.Uint32(payload[4:8])
	assert.Equal(t, uint32(len("Hello world!")), length)
	assert.Zero(t, len(payload)%4)
}

func TestUnbindsWhenInterfaceDisappears(t *testing.T) {
	receiver := &captureReceiver{}
	s := NewSource(Deps{
		Config:   Config{InterfaceID: "blob-if", PeriodMs: 5},
		Receiver: receiver,
		Sample:   func() []byte { return []byte("x") },
	})
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { _ = s.Stop(time.Second) })

	s.OnCustomDecoderMapUpdate("DM1", decoderMap(0x2000, "blob-if"))
	require.Eventually(t, func() bool { return receiver.count() > 0 }, 2*time.Second, 5*time.Millisecond)

	s.OnCustomDecoderMapUpdate("DM2", decoderMap(0x2000, "other-if"))
	settled := receiver.count()
	time.Sleep(50 * time.Millisecond)
	assert.LessOrEqual(t, receiver.count(), settled+1, "at most one in-flight push after unbind")
}

func TestValidate(t *testing.T) {
	c := Config{}
	assert.Error(t, c.Validate())
	c.InterfaceID = "blob-if"
	assert.NoError(t, c.Validate())
}

func TestStopNeverStarted(t *testing.T) {
	s := NewSource(Deps{Config: Config{InterfaceID: "x"}, Receiver: &captureReceiver{}})
	assert.NoError(t, s.Stop(time.Second))
}
