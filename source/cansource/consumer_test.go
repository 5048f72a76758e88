package cansource

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hefroy/fleetedge/dictionary"
	"github.com/hefroy/fleetedge/document"
)

type signalCapture struct {
	mu     sync.Mutex
	values map[document.SignalID]float64
}

func newSignalCapture() *signalCapture {
	return &signalCapture{values: make(map[document.SignalID]float64)}
}

func (c *signalCapture) PushSignal(signalID document.SignalID, value float64, _ int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[signalID] = value
}

func decoderDict(signals ...document.CANSignalFormat) *dictionary.CANDictionary {
	d := dictionary.NewCANDictionary(document.ProtocolRawSocket)
	d.Decoders[0] = map[document.CANRawFrameID]*dictionary.DecoderMethod{
		0x100: {
			Format: document.CANMessageFormat{MessageID: 0x100, SizeInBytes: 8, Signals: signals},
		},
	}
	return d
}

func TestDecodeLittleEndianSignal(t *testing.T) {
	capture := newSignalCapture()
	d := NewDecoder(capture, nil)
	dict := decoderDict(
		document.CANSignalFormat{SignalID: 1, FirstBitPosition: 0, SizeInBits: 16, Factor: 0.5, Offset: -10},
		document.CANSignalFormat{SignalID: 2, FirstBitPosition: 16, SizeInBits: 8, Factor: 1},
	)

	// Bytes 0-1 little endian = 0x0200, byte 2 = 0x7F.
	data := []byte{0x00, 0x02, 0x7F, 0, 0, 0, 0, 0}
	d.ProcessFrame(0, dict, 0x100, data, 1000)

	require.Len(t, capture.values, 2)
	assert.Equal(t, float64(0x0200)*0.5-10, capture.values[1])
	assert.Equal(t, float64(0x7F), capture.values[2])
}

func TestDecodeSignedSignal(t *testing.T) {
	capture := newSignalCapture()
	d := NewDecoder(capture, nil)
	dict := decoderDict(
		document.CANSignalFormat{SignalID: 3, FirstBitPosition: 0, SizeInBits: 8, Factor: 1, IsSigned: true},
	)
	d.ProcessFrame(0, dict, 0x100, []byte{0xFE, 0, 0, 0, 0, 0, 0, 0}, 1000)
	assert.Equal(t, -2.0, capture.values[3])
}

func TestDecodeBigEndianSignal(t *testing.T) {
	capture := newSignalCapture()
	d := NewDecoder(capture, nil)
	// Motorola start bit 7, 16 bits: spans bytes 0 and 1 MSB-first.
	dict := decoderDict(
		document.CANSignalFormat{SignalID: 4, FirstBitPosition: 7, SizeInBits: 16, Factor: 1, IsBigEndian: true},
	)
	d.ProcessFrame(0, dict, 0x100, []byte{0x12, 0x34, 0, 0, 0, 0, 0, 0}, 1000)
	assert.Equal(t, float64(0x1234), capture.values[4])
}

func TestShortFrameDropped(t *testing.T) {
	capture := newSignalCapture()
	d := NewDecoder(capture, nil)
	dict := decoderDict(
		document.CANSignalFormat{SignalID: 1, FirstBitPosition: 0, SizeInBits: 16, Factor: 1},
	)
	d.ProcessFrame(0, dict, 0x100, []byte{0x01, 0x02}, 1000)
	assert.Empty(t, capture.values, "frame shorter than declared layout")
}

func TestUnknownFrameIgnored(t *testing.T) {
	capture := newSignalCapture()
	d := NewDecoder(capture, nil)
	dict := decoderDict()
	d.ProcessFrame(0, dict, 0x999, make([]byte, 8), 1000)
	d.ProcessFrame(5, dict, 0x100, make([]byte, 8), 1000)
	d.ProcessFrame(0, nil, 0x100, make([]byte, 8), 1000)
	assert.Empty(t, capture.values)
}

func TestSignalOutsideBoundsDropped(t *testing.T) {
	capture := newSignalCapture()
	d := NewDecoder(capture, nil)
	dict := decoderDict(
		document.CANSignalFormat{SignalID: 1, FirstBitPosition: 60, SizeInBits: 16, Factor: 1},
		document.CANSignalFormat{SignalID: 2, FirstBitPosition: 0, SizeInBits: 8, Factor: 1},
	)
	data := []byte{0xAB, 0, 0, 0, 0, 0, 0, 0}
	d.ProcessFrame(0, dict, 0x100, data, 1000)
	require.Len(t, capture.values, 1, "out-of-bounds entry dropped, rest decoded")
	assert.Equal(t, float64(0xAB), capture.values[2])
}
