package obd

import (
	"fmt"

	"github.com/hefroy/fleetedge/dictionary"
	"github.com/hefroy/fleetedge/document"
)

// decoder turns raw service-01 responses into signal values using the
// PID decoder formats from the active dictionary.
type decoder struct {
	// formats maps PID to the decoder method extracted for it.
	formats map[document.PID]*dictionary.DecoderMethod
}

func newDecoder() *decoder {
	return &decoder{formats: make(map[document.PID]*dictionary.DecoderMethod)}
}

// setDictionary swaps the PID formats from a new OBD dictionary.
func (d *decoder) setDictionary(dict *dictionary.CANDictionary) {
	formats := make(map[document.PID]*dictionary.DecoderMethod)
	if dict != nil {
		for _, perFrame := range dict.Decoders {
			for frameID, method := range perFrame {
				formats[document.PID(frameID)] = method
			}
		}
	}
	d.formats = formats
}

// pids returns every PID the current dictionary can decode.
func (d *decoder) pids() []document.PID {
	out := make([]document.PID, 0, len(d.formats))
	for pid := range d.formats {
		out = append(out, pid)
	}
	return out
}

// responseLength returns the payload length of a PID's response.
func (d *decoder) responseLength(pid document.PID) int {
	method, ok := d.formats[pid]
	if !ok {
		return 0
	}
	return int(method.Format.SizeInBytes)
}

// value is one decoded signal sample.
type value struct {
	SignalID document.SignalID
	Value    float64
}

// decodeEmissionResponse parses a positive service-01 response holding
// one or more (pid, data) entries for the requested PIDs, in request
// order. A response shorter than a PID's declared layout drops that
// entry and continues.
func (d *decoder) decodeEmissionResponse(sid document.SID, requested []document.PID, response []byte) ([]value, error) {
	if len(response) < 1 || response[0] != uint8(sid)+positiveResponseOffset {
		return nil, fmt.Errorf("not a positive response for service %02X", sid)
	}
	var values []value
	offset := 1
	for _, pid := range requested {
		if offset >= len(response) || document.PID(response[offset]) != pid {
			// ECU skipped this PID.
			continue
		}
		offset++
		length := d.responseLength(pid)
		if offset+length > len(response) {
			// Frame shorter than declared: drop the entry, continue.
			break
		}
		data := response[offset : offset+length]
		offset += length
		method := d.formats[pid]
		for _, pidSignal := range method.PIDSignals {
			v, ok := decodePIDSignal(pidSignal.Format, data)
			if !ok {
				continue
			}
			values = append(values, value{SignalID: pidSignal.SignalID, Value: v})
		}
	}
	return values, nil
}

// decodePIDSignal extracts one signal from a PID's response payload and
// applies scaling and offset.
func decodePIDSignal(format document.PIDSignalDecoderFormat, data []byte) (float64, bool) {
	if format.StartByte+format.ByteLength > len(data) || format.ByteLength <= 0 {
		return 0, false
	}
	var raw uint64
	for i := 0; i < format.ByteLength; i++ {
		raw = raw<<8 | uint64(data[format.StartByte+i])
	}
	// Bit manipulation only applies to single-byte signals.
	if format.ByteLength == 1 && format.BitMaskLength > 0 && format.BitMaskLength < 8 {
		raw = (raw >> format.BitRightShift) & ((1 << format.BitMaskLength) - 1)
	}
	v := float64(raw)
	if format.IsSigned {
		bits := uint(format.ByteLength * 8)
		if raw&(1<<(bits-1)) != 0 {
			v = float64(int64(raw) - (1 << bits))
		}
	}
	return v*format.Scaling + format.Offset, true
}

// decodeSupportedPIDs parses a supported-PID range response: 4 mask
// bytes after the range PID, bit 7 of the first byte marking rangePID+1.
func decodeSupportedPIDs(sid document.SID, rangePID document.PID, response []byte) ([]document.PID, error) {
	if len(response) < 6 || response[0] != uint8(sid)+positiveResponseOffset ||
		document.PID(response[1]) != rangePID {
		return nil, fmt.Errorf("malformed supported-PID response for range %02X", rangePID)
	}
	var supported []document.PID
	mask := response[2:6]
	for byteIndex, b := range mask {
		for bit := 0; bit < 8; bit++ {
			if b&(1<<(7-bit)) != 0 {
				supported = append(supported, rangePID+document.PID(byteIndex*8+bit)+1)
			}
		}
	}
	return supported, nil
}

// dtcLetters maps the top two DTC bits to the code family.
var dtcLetters = [4]byte{'P', 'C', 'B', 'U'}

// decodeDTCResponse parses a service-03 response: count byte followed by
// two-byte codes.
func decodeDTCResponse(response []byte) ([]DTC, error) {
	if len(response) < 2 || response[0] != uint8(document.SIDStoredDTCs)+positiveResponseOffset {
		return nil, fmt.Errorf("not a positive DTC response")
	}
	count := int(response[1])
	codes := make([]DTC, 0, count)
	offset := 2
	for i := 0; i < count && offset+1 < len(response); i++ {
		hi, lo := response[offset], response[offset+1]
		offset += 2
		codes = append(codes, fmt.Sprintf("%c%d%X%02X",
			dtcLetters[hi>>6], (hi>>4)&0x3, hi&0xF, lo))
	}
	return codes, nil
}
