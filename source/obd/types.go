// Package obd implements the OBD-over-CAN module: ECU auto-detection by
// service-01/PID-00 broadcast, supported-PID discovery, partitioned
// periodic emission-PID requests, and DTC collection gated on the
// inspection matrix.
package obd

import (
	"github.com/hefroy/fleetedge/document"
)

// OBD-II addressing constants (J1979 / ISO 15765-4).
const (
	// broadcastID is the 11-bit functional request id.
	broadcastID uint32 = 0x7DF
	// broadcastExtendedID is the 29-bit functional request id.
	broadcastExtendedID uint32 = 0x18DB33F1

	// 11-bit ECU response range [0x7E8, 0x7EF].
	lowestECURxID  uint32 = 0x7E8
	highestECURxID uint32 = 0x7EF

	// 29-bit ECU response range [0x18DAF100, 0x18DAF1FF].
	lowestECUExtendedRxID  uint32 = 0x18DAF100
	highestECUExtendedRxID uint32 = 0x18DAF1FF

	canEffFlag uint32 = 0x80000000
	canEffMask uint32 = 0x1FFFFFFF
)

// P2TimeoutMs is the default inter-frame response budget (P2 timer).
const P2TimeoutMs = 50

// positiveResponseOffset turns a request SID into its response SID.
const positiveResponseOffset = 0x40

// supportedPIDRanges are the range-query PIDs: each response is a 32-bit
// mask covering the following 32 PIDs.
var supportedPIDRanges = []document.PID{0x00, 0x20, 0x40, 0x60, 0x80, 0xA0, 0xC0, 0xE0}

// maxPIDsPerRequest bounds how many PIDs one service-01 request carries.
const maxPIDsPerRequest = 6

// txIDForRxID derives the physical request id from a response id.
// 29-bit: rx 0x18DAF159 -> tx 0x18DA59F1. 11-bit: rx 0x7E8 -> tx 0x7E0.
func txIDForRxID(extended bool, rxID uint32) uint32 {
	if extended {
		return ((rxID & 0xFF) << 8) | 0x18DA00F1
	}
	return rxID - 0x8
}

// inECURange reports whether a response id lies in the ECU range for the
// given addressing mode.
func inECURange(extended bool, id uint32) bool {
	if extended {
		return id >= lowestECUExtendedRxID && id <= highestECUExtendedRxID
	}
	return id >= lowestECURxID && id <= highestECURxID
}

// DTC is a decoded diagnostic trouble code, e.g. "P0143".
type DTC = string

// SignalReceiver consumes decoded OBD values and DTC snapshots. The
// shared signal buffer implements it downstream.
type SignalReceiver interface {
	PushSignal(signalID document.SignalID, value float64, timestampMs int64)
	// PushDTCs is called for every successful DTC request round, also
	// when the list is empty: an empty snapshot is a valid result.
	PushDTCs(codes []DTC, timestampMs int64)
}
