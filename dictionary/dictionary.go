// Package dictionary derives the per-protocol decoder dictionaries, the
// inspection matrix, and the fetch matrix from the set of enabled
// collection schemes and the current decoder manifest. Extraction is
// pure over a snapshot: the same inputs always produce the same
// artifacts, including ordering.
package dictionary

import (
	"github.com/hefroy/fleetedge/document"
)

// Dictionary is the tagged union handed to data sources. Listeners
// assert the concrete type for their protocol; a mismatch is a wiring
// bug and is treated as "no dictionary".
type Dictionary interface {
	Protocol() document.Protocol
}

// DecoderMethod is the decoding rule for one frame (or one PID) with the
// signal subset the active schemes actually collect.
type DecoderMethod struct {
	// Format is the manifest's frame layout restricted to the signals
	// being collected. Signals not collected stay in the manifest only.
	Format document.CANMessageFormat
	// CollectedSignalIDs are the ids retained in Format.Signals, sorted.
	CollectedSignalIDs []document.SignalID
	// PIDSignals carries the PID decoding rules when this method decodes
	// an OBD PID (channel 0, frame id = PID number). Sorted by signal id.
	PIDSignals []PIDSignal
}

// PIDSignal binds a collected signal to its PID decoder format.
type PIDSignal struct {
	SignalID document.SignalID
	Format   document.PIDSignalDecoderFormat
}

// CANDictionary is the decoder dictionary for raw CAN and, with channel
// 0 and frame ids holding PID numbers, for OBD.
type CANDictionary struct {
	protocol document.Protocol
	// Decoders maps channel -> frame id -> decoding rule.
	Decoders map[document.ChannelNumericID]map[document.CANRawFrameID]*DecoderMethod
	// SignalIDsToCollect is the union of collected signal ids.
	SignalIDsToCollect map[document.SignalID]struct{}
}

// NewCANDictionary returns an empty dictionary for the given protocol
// (ProtocolRawSocket or ProtocolOBD).
func NewCANDictionary(protocol document.Protocol) *CANDictionary {
	return &CANDictionary{
		protocol:           protocol,
		Decoders:           make(map[document.ChannelNumericID]map[document.CANRawFrameID]*DecoderMethod),
		SignalIDsToCollect: make(map[document.SignalID]struct{}),
	}
}

// Protocol implements Dictionary.
func (d *CANDictionary) Protocol() document.Protocol {
	return d.protocol
}

// Empty reports whether no decoders were extracted.
func (d *CANDictionary) Empty() bool {
	return len(d.Decoders) == 0
}

// CollectsSignal reports whether a signal id is in the collected set.
func (d *CANDictionary) CollectsSignal(id document.SignalID) bool {
	_, ok := d.SignalIDsToCollect[id]
	return ok
}

// CustomMethod is the decoding rule for one custom decoder key.
type CustomMethod struct {
	SignalID   document.SignalID
	SignalType document.SignalType
}

// CustomDictionary indexes custom decoder keys per interface.
type CustomDictionary struct {
	// Decoders maps interface id -> decoder key -> method.
	Decoders map[document.InterfaceID]map[string]CustomMethod
}

// NewCustomDictionary returns an empty custom dictionary.
func NewCustomDictionary() *CustomDictionary {
	return &CustomDictionary{
		Decoders: make(map[document.InterfaceID]map[string]CustomMethod),
	}
}

// Protocol implements Dictionary.
func (d *CustomDictionary) Protocol() document.Protocol {
	return document.ProtocolCustom
}

// Empty reports whether no decoders were extracted.
func (d *CustomDictionary) Empty() bool {
	return len(d.Decoders) == 0
}

// SignalPathEntry binds one path into a complex message to the synthetic
// partial-signal id assigned for it.
type SignalPathEntry struct {
	Path            document.SignalPath
	PartialSignalID document.SignalID
}

// ComplexMethod is the decoding rule for one structured message.
type ComplexMethod struct {
	// SignalID is the base complex signal.
	SignalID document.SignalID
	// CollectRaw is set when a scheme references the base signal
	// directly, asking for the whole serialized message.
	CollectRaw bool
	// SignalPaths are the referenced pieces, sorted lexicographically by
	// path element sequence so extraction output is deterministic.
	SignalPaths []SignalPathEntry
	RootTypeID  document.ComplexDataTypeID
}

// ComplexDictionary indexes structured-message decoders per interface.
type ComplexDictionary struct {
	// Decoders maps interface id -> message id -> method.
	Decoders map[document.InterfaceID]map[document.ComplexDataMessageID]*ComplexMethod
}

// NewComplexDictionary returns an empty complex dictionary.
func NewComplexDictionary() *ComplexDictionary {
	return &ComplexDictionary{
		Decoders: make(map[document.InterfaceID]map[document.ComplexDataMessageID]*ComplexMethod),
	}
}

// Protocol implements Dictionary.
func (d *ComplexDictionary) Protocol() document.Protocol {
	return document.ProtocolComplexData
}

// Empty reports whether no decoders were extracted.
func (d *ComplexDictionary) Empty() bool {
	return len(d.Decoders) == 0
}

// InspectionSignal is one signal requirement of a condition.
type InspectionSignal struct {
	SignalID                document.SignalID
	SignalType              document.SignalType
	SampleBufferSize        uint32
	MinimumSampleIntervalMs uint32
	FixedWindowPeriodMs     uint32
	ConditionOnly           bool
}

// InspectionCondition is one entry of the inspection matrix, consumed by
// the condition evaluator.
type InspectionCondition struct {
	SchemeID document.SyncID
	// Condition is nil for time-based schemes; PeriodMs is set instead.
	Condition                *document.ExpressionNode
	PeriodMs                 uint32
	MinimumTriggerIntervalMs uint32
	TriggerMode              document.TriggerMode
	Signals                  []InspectionSignal
	AfterDurationMs          uint32
	IncludeDTCs              bool
	Priority                 uint32
	Persist                  bool
	Compress                 bool
}

// InspectionMatrix is the full derived condition set.
type InspectionMatrix struct {
	Conditions []InspectionCondition
}

// RequiresDTCs reports whether any condition wants stored DTCs.
func (m *InspectionMatrix) RequiresDTCs() bool {
	for i := range m.Conditions {
		if m.Conditions[i].IncludeDTCs {
			return true
		}
	}
	return false
}

// TimeBasedFetchSchedule is a periodic fetch budget for one signal.
type TimeBasedFetchSchedule struct {
	MaxExecutionCount    uint32
	ExecutionFrequencyMs uint64
	ResetMaxExecutionMs  uint64
}

// ConditionFetch gates a fetch-action list on a predicate.
type ConditionFetch struct {
	SignalID  document.SignalID
	Condition *document.ExpressionNode
	Actions   []*document.ExpressionNode
}

// FetchMatrix is the derived on-demand fetch schedule.
type FetchMatrix struct {
	TimeBased      map[document.SignalID]TimeBasedFetchSchedule
	ConditionBased []ConditionFetch
}

// NewFetchMatrix returns an empty fetch matrix.
func NewFetchMatrix() *FetchMatrix {
	return &FetchMatrix{TimeBased: make(map[document.SignalID]TimeBasedFetchSchedule)}
}

// BufferSignalConfig describes one raw-buffer slot the downstream ring
// buffer must provision for string or complex payloads.
type BufferSignalConfig struct {
	SignalID    document.SignalID
	InterfaceID document.InterfaceID
	MessageID   document.ComplexDataMessageID
}
