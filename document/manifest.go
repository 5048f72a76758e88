package document

import (
	"fmt"
	"log/slog"

	"github.com/hefroy/fleetedge/errors"
)

type frameKey struct {
	frameID     CANRawFrameID
	interfaceID InterfaceID
}

type frameRef struct {
	FrameID     CANRawFrameID
	InterfaceID InterfaceID
}

// DecoderManifest is the decoder-manifest document: decoding rules for
// every known signal, keyed by signal id. CopyData stores the raw
// payload; Build validates and indexes it. Immutable after Build.
type DecoderManifest struct {
	raw    []byte
	syncID SyncID
	ready  bool

	canFormats     map[frameKey]*CANMessageFormat
	signalToFrame  map[SignalID]frameRef
	pidDecoders    map[SignalID]PIDSignalDecoderFormat
	customDecoders map[SignalID]CustomSignalDecoderFormat
	complexSignals map[SignalID]ComplexSignalDecoderFormat
	complexTypes   map[ComplexDataTypeID]ComplexDataElement
	signalTypes    map[SignalID]SignalType

	logger *slog.Logger
}

// NewDecoderManifest returns an empty manifest ready for CopyData.
func NewDecoderManifest(logger *slog.Logger) *DecoderManifest {
	if logger == nil {
		logger = slog.Default()
	}
	return &DecoderManifest{logger: logger.With("component", "decoder-manifest")}
}

// CopyData copies the raw serialized payload into the document. Called on
// the transport's goroutine; must stay cheap.
func (m *DecoderManifest) CopyData(data []byte) {
	m.raw = make([]byte, len(data))
	copy(m.raw, data)
	m.ready = false
}

// Data returns the raw payload for persistence.
func (m *DecoderManifest) Data() []byte {
	return m.raw
}

// Ready reports whether Build succeeded.
func (m *DecoderManifest) Ready() bool {
	return m.ready
}

// ID returns the manifest sync id, empty until Build succeeds.
func (m *DecoderManifest) ID() SyncID {
	if !m.ready {
		return ""
	}
	return m.syncID
}

// Build validates the raw payload and constructs the lookup indexes. A
// failed Build leaves the manifest unusable; the caller keeps the
// previous manifest active.
func (m *DecoderManifest) Build() error {
	if len(m.raw) == 0 && m.syncID == "" {
		return errors.WrapInvalid(errors.ErrDocumentMissing, "DecoderManifest", "Build", "payload check")
	}
	if m.syncID == "" {
		dto, err := decodeManifest(m.raw)
		if err != nil {
			return errors.WrapInvalid(err, "DecoderManifest", "Build", "payload decode")
		}
		if err := m.index(dto); err != nil {
			return errors.WrapInvalid(err, "DecoderManifest", "Build", "payload indexing")
		}
	}
	m.ready = true
	return nil
}

func (m *DecoderManifest) index(dto *manifestDTO) error {
	if dto.SyncID == "" {
		return fmt.Errorf("manifest with empty sync id")
	}
	m.syncID = dto.SyncID
	m.canFormats = make(map[frameKey]*CANMessageFormat)
	m.signalToFrame = make(map[SignalID]frameRef)
	m.pidDecoders = make(map[SignalID]PIDSignalDecoderFormat)
	m.customDecoders = make(map[SignalID]CustomSignalDecoderFormat)
	m.complexSignals = make(map[SignalID]ComplexSignalDecoderFormat)
	m.complexTypes = make(map[ComplexDataTypeID]ComplexDataElement)
	m.signalTypes = make(map[SignalID]SignalType)

	for _, frame := range dto.CANFrames {
		format := frame.toFormat()
		key := frameKey{frameID: format.MessageID, interfaceID: frame.InterfaceID}
		if _, exists := m.canFormats[key]; exists {
			return fmt.Errorf("duplicate CAN frame 0x%X on interface %s", format.MessageID, frame.InterfaceID)
		}
		m.canFormats[key] = format
		for _, sig := range format.Signals {
			m.signalToFrame[sig.SignalID] = frameRef{FrameID: format.MessageID, InterfaceID: frame.InterfaceID}
			m.signalTypes[sig.SignalID] = sig.SignalType
		}
	}
	for _, pid := range dto.PIDSignals {
		format, signalID, err := pid.toFormat()
		if err != nil {
			// Decoding mismatch: drop the offending entry, keep the rest.
			m.logger.Warn("Dropping PID decoder entry", "error", err)
			continue
		}
		m.pidDecoders[signalID] = format
		m.signalTypes[signalID] = format.SignalType
	}
	for _, custom := range dto.CustomSignals {
		format, err := custom.toFormat()
		if err != nil {
			m.logger.Warn("Dropping custom decoder entry", "error", err)
			continue
		}
		m.customDecoders[format.SignalID] = format
		m.signalTypes[format.SignalID] = format.SignalType
	}
	for _, complexSig := range dto.ComplexSignals {
		m.complexSignals[SignalID(complexSig.SignalID)] = ComplexSignalDecoderFormat{
			InterfaceID: complexSig.InterfaceID,
			MessageID:   complexSig.MessageID,
			RootTypeID:  ComplexDataTypeID(complexSig.RootTypeID),
		}
		m.signalTypes[SignalID(complexSig.SignalID)] = SignalTypeRawBytes
	}
	for _, node := range dto.ComplexTypes {
		id := ComplexDataTypeID(node.TypeID)
		if _, exists := m.complexTypes[id]; exists {
			// Duplicate type ids: first wins.
			m.logger.Warn("Duplicate complex type id, keeping first", "type_id", node.TypeID)
			continue
		}
		element, err := node.toElement()
		if err != nil {
			m.logger.Warn("Dropping complex type entry", "type_id", node.TypeID, "error", err)
			continue
		}
		m.complexTypes[id] = element
	}
	return nil
}

// CANMessageFormat returns the decoding layout for a frame on an
// interface. The zero-value sentinel is returned on miss.
func (m *DecoderManifest) CANMessageFormat(frameID CANRawFrameID, interfaceID InterfaceID) *CANMessageFormat {
	if !m.ready {
		return &CANMessageFormat{}
	}
	if format, ok := m.canFormats[frameKey{frameID: frameID, interfaceID: interfaceID}]; ok {
		return format
	}
	return &CANMessageFormat{}
}

// CANFrameAndInterface returns the frame and interface carrying a signal.
func (m *DecoderManifest) CANFrameAndInterface(signalID SignalID) (CANRawFrameID, InterfaceID, bool) {
	if !m.ready {
		return 0, InvalidInterfaceID, false
	}
	ref, ok := m.signalToFrame[signalID]
	if !ok {
		return 0, InvalidInterfaceID, false
	}
	return ref.FrameID, ref.InterfaceID, true
}

// NetworkProtocol returns the protocol family that decodes a signal, or
// ProtocolInvalid when the signal is unknown to this manifest.
func (m *DecoderManifest) NetworkProtocol(signalID SignalID) Protocol {
	if !m.ready {
		return ProtocolInvalid
	}
	if _, ok := m.signalToFrame[signalID]; ok {
		return ProtocolRawSocket
	}
	if _, ok := m.pidDecoders[signalID]; ok {
		return ProtocolOBD
	}
	if _, ok := m.customDecoders[signalID]; ok {
		return ProtocolCustom
	}
	if _, ok := m.complexSignals[signalID]; ok {
		return ProtocolComplexData
	}
	return ProtocolInvalid
}

// PIDSignalDecoderFormat returns the OBD decoder format for a signal.
// The zero-value sentinel is returned on miss.
func (m *DecoderManifest) PIDSignalDecoderFormat(signalID SignalID) PIDSignalDecoderFormat {
	if !m.ready {
		return PIDSignalDecoderFormat{}
	}
	return m.pidDecoders[signalID]
}

// CustomSignalDecoderFormat returns the custom decoder format for a
// signal. The zero-value sentinel is returned on miss.
func (m *DecoderManifest) CustomSignalDecoderFormat(signalID SignalID) CustomSignalDecoderFormat {
	if !m.ready {
		return CustomSignalDecoderFormat{}
	}
	return m.customDecoders[signalID]
}

// CustomSignalDecoderFormats returns the full signal-to-custom-decoder
// map shared with custom data sources on manifest change.
func (m *DecoderManifest) CustomSignalDecoderFormats() map[SignalID]CustomSignalDecoderFormat {
	if !m.ready {
		return nil
	}
	return m.customDecoders
}

// ComplexSignalDecoderFormat returns the complex decoder format for a
// signal. ok is false when the signal is not a complex signal.
func (m *DecoderManifest) ComplexSignalDecoderFormat(signalID SignalID) (ComplexSignalDecoderFormat, bool) {
	if !m.ready {
		return ComplexSignalDecoderFormat{}, false
	}
	format, ok := m.complexSignals[signalID]
	return format, ok
}

// ComplexDataType resolves a node of the complex-type graph.
func (m *DecoderManifest) ComplexDataType(typeID ComplexDataTypeID) (ComplexDataElement, bool) {
	if !m.ready {
		return ComplexDataElement{}, false
	}
	element, ok := m.complexTypes[typeID]
	return element, ok
}

// SignalType returns the decoded value type of a signal, or
// SignalTypeUnknown for signals this manifest does not know.
func (m *DecoderManifest) SignalType(signalID SignalID) SignalType {
	if !m.ready {
		return SignalTypeUnknown
	}
	return m.signalTypes[signalID]
}

// PathSignalType walks the complex-type graph along a signal path and
// returns the primitive type at the leaf. Resolution failures yield
// SignalTypeUnknown.
func (m *DecoderManifest) PathSignalType(baseSignalID SignalID, path SignalPath) SignalType {
	format, ok := m.ComplexSignalDecoderFormat(baseSignalID)
	if !ok {
		return SignalTypeUnknown
	}
	typeID := format.RootTypeID
	for _, index := range path {
		element, ok := m.complexTypes[typeID]
		if !ok {
			return SignalTypeUnknown
		}
		switch element.Kind {
		case ComplexElementStruct:
			if int(index) >= len(element.Members) {
				return SignalTypeUnknown
			}
			typeID = element.Members[index]
		case ComplexElementArray:
			if index >= element.Repetitions {
				return SignalTypeUnknown
			}
			typeID = element.ElementType
		default:
			return SignalTypeUnknown
		}
	}
	leaf, ok := m.complexTypes[typeID]
	if !ok || leaf.Kind != ComplexElementPrimitive {
		return SignalTypeUnknown
	}
	return leaf.PrimitiveType
}
