package cansource

import (
	"log/slog"

	"github.com/hefroy/fleetedge/dictionary"
	"github.com/hefroy/fleetedge/document"
)

// SignalReceiver consumes decoded CAN signal values. The shared signal
// buffer implements it downstream.
type SignalReceiver interface {
	PushSignal(signalID document.SignalID, value float64, timestampMs int64)
}

// Decoder is the frame consumer: it decodes dispatched frames against
// the dictionary snapshot and pushes the collected signal values.
type Decoder struct {
	receiver SignalReceiver
	logger   *slog.Logger
}

// NewDecoder returns a frame decoder pushing into receiver.
func NewDecoder(receiver SignalReceiver, logger *slog.Logger) *Decoder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{receiver: receiver, logger: logger.With("component", "can-decoder")}
}

// ProcessFrame implements Consumer. Frames without a decoder method are
// ignored; a frame shorter than its declared layout is dropped with a
// log and decoding continues with the next frame.
func (d *Decoder) ProcessFrame(channelID document.ChannelNumericID, dict *dictionary.CANDictionary,
	frameID uint32, data []byte, timestampMs int64) {
	if dict == nil {
		return
	}
	perFrame, ok := dict.Decoders[channelID]
	if !ok {
		return
	}
	method, ok := perFrame[document.CANRawFrameID(frameID)]
	if !ok {
		return
	}
	if len(data) < int(method.Format.SizeInBytes) {
		d.logger.Warn("Frame shorter than declared layout, dropping",
			"frame_id", frameID, "length", len(data), "declared", method.Format.SizeInBytes)
		return
	}
	for i := range method.Format.Signals {
		signal := &method.Format.Signals[i]
		raw, ok := extractBits(data, signal.FirstBitPosition, signal.SizeInBits, signal.IsBigEndian)
		if !ok {
			d.logger.Warn("Signal outside frame bounds, dropping entry",
				"frame_id", frameID, "signal_id", signal.SignalID)
			continue
		}
		value := float64(raw)
		if signal.IsSigned {
			bits := uint(signal.SizeInBits)
			if raw&(1<<(bits-1)) != 0 {
				value = float64(int64(raw) - (1 << bits))
			}
		}
		d.receiver.PushSignal(signal.SignalID, value*signal.Factor+signal.Offset, timestampMs)
	}
}

// extractBits pulls size bits starting at firstBit out of data.
// Little-endian (Intel) signals count bits LSB-first from the start
// position; big-endian (Motorola) signals walk MSB-first across the
// sawtooth byte order.
func extractBits(data []byte, firstBit, size uint16, bigEndian bool) (uint64, bool) {
	if size == 0 || size > 64 {
		return 0, false
	}
	var raw uint64
	if !bigEndian {
		for i := uint16(0); i < size; i++ {
			pos := firstBit + i
			byteIndex := int(pos / 8)
			if byteIndex >= len(data) {
				return 0, false
			}
			bit := (data[byteIndex] >> (pos % 8)) & 1
			raw |= uint64(bit) << i
		}
		return raw, true
	}
	pos := int(firstBit)
	for i := uint16(0); i < size; i++ {
		byteIndex := pos / 8
		if byteIndex < 0 || byteIndex >= len(data) {
			return 0, false
		}
		bit := (data[byteIndex] >> (pos % 8)) & 1
		raw = raw<<1 | uint64(bit)
		if pos%8 == 0 {
			pos += 15
		} else {
			pos--
		}
	}
	return raw, true
}
