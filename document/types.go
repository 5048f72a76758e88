// Package document holds the two versioned document families delivered by
// the cloud control plane: decoder manifests and collection scheme lists.
// Documents arrive as raw payloads, are validated and indexed by Build,
// and are immutable afterwards. All workers share built documents by
// pointer; a new arrival always produces a new value.
package document

import "math"

// SyncID identifies a document revision issued by the cloud.
type SyncID = string

// SignalID is the 32-bit signal identifier. Values with the top bit set
// are synthetic partial-signal ids generated during dictionary extraction
// for a (base signal, path) pair; all other values are cloud-assigned.
type SignalID uint32

// PartialSignalIDBit marks synthetic partial-signal ids.
const PartialSignalIDBit SignalID = 0x80000000

// InvalidSignalID is reserved and never assigned by the cloud.
const InvalidSignalID SignalID = 0

// IsPartial reports whether the id is a synthetic partial-signal id.
func (s SignalID) IsPartial() bool {
	return s&PartialSignalIDBit != 0
}

// InterfaceID is the opaque network-interface identifier issued by the
// cloud in decoder manifests and interface configuration.
type InterfaceID = string

// InvalidInterfaceID is returned by lookups that miss.
const InvalidInterfaceID InterfaceID = ""

// ChannelNumericID is the dense numeric channel id used on hot paths in
// place of InterfaceID. Assigned by the translator at startup.
type ChannelNumericID uint32

// InvalidChannelNumericID is the reserved sentinel channel id.
const InvalidChannelNumericID ChannelNumericID = math.MaxUint32

// CANRawFrameID is a CAN arbitration id as seen on the bus.
type CANRawFrameID uint32

// PID is an OBD-II parameter id.
type PID uint8

// SID is an OBD-II service (mode) id.
type SID uint8

// OBD service modes used by the agent.
const (
	SIDCurrentStats SID = 0x01
	SIDStoredDTCs   SID = 0x03
)

// Protocol identifies the data source family a signal is decoded from.
type Protocol int

const (
	// ProtocolInvalid is returned for unknown signals.
	ProtocolInvalid Protocol = iota
	// ProtocolRawSocket is raw CAN frames on a socket-CAN interface.
	ProtocolRawSocket
	// ProtocolOBD is OBD-II PIDs requested over ISO-TP.
	ProtocolOBD
	// ProtocolCustom is a vendor-specific data source.
	ProtocolCustom
	// ProtocolComplexData is structured messages decoded via a type graph.
	ProtocolComplexData
)

// String returns the protocol name used in logs and config.
func (p Protocol) String() string {
	switch p {
	case ProtocolRawSocket:
		return "raw_socket"
	case ProtocolOBD:
		return "obd"
	case ProtocolCustom:
		return "custom"
	case ProtocolComplexData:
		return "complex_data"
	default:
		return "invalid"
	}
}

// SignalType is the decoded value type of a signal.
type SignalType int

const (
	// SignalTypeUnknown is used when type resolution fails.
	SignalTypeUnknown SignalType = iota
	SignalTypeUint8
	SignalTypeInt8
	SignalTypeUint16
	SignalTypeInt16
	SignalTypeUint32
	SignalTypeInt32
	SignalTypeUint64
	SignalTypeInt64
	SignalTypeFloat
	SignalTypeDouble
	SignalTypeBoolean
	SignalTypeString
	SignalTypeRawBytes
)

var signalTypeNames = map[string]SignalType{
	"uint8":   SignalTypeUint8,
	"int8":    SignalTypeInt8,
	"uint16":  SignalTypeUint16,
	"int16":   SignalTypeInt16,
	"uint32":  SignalTypeUint32,
	"int32":   SignalTypeInt32,
	"uint64":  SignalTypeUint64,
	"int64":   SignalTypeInt64,
	"float":   SignalTypeFloat,
	"double":  SignalTypeDouble,
	"boolean": SignalTypeBoolean,
	"string":  SignalTypeString,
	"raw":     SignalTypeRawBytes,
}

// ParseSignalType maps a wire name to a SignalType. Unknown names yield
// SignalTypeUnknown and false.
func ParseSignalType(name string) (SignalType, bool) {
	t, ok := signalTypeNames[name]
	return t, ok
}

// CANSignalFormat describes how one signal is packed into a CAN frame.
type CANSignalFormat struct {
	SignalID         SignalID
	FirstBitPosition uint16
	SizeInBits       uint16
	Factor           float64
	Offset           float64
	IsBigEndian      bool
	IsSigned         bool
	IsMultiplexor    bool
	MultiplexorValue uint8
	SignalType       SignalType
}

// CANMessageFormat describes the full decoding layout of one CAN frame.
type CANMessageFormat struct {
	MessageID     CANRawFrameID
	SizeInBytes   uint8
	IsMultiplexed bool
	Signals       []CANSignalFormat
}

// Valid reports whether the format describes a real frame. The zero value
// is the invalid sentinel returned by lookups that miss.
func (f *CANMessageFormat) Valid() bool {
	return f.SizeInBytes > 0 || len(f.Signals) > 0
}

// PIDSignalDecoderFormat describes how one signal is extracted from an
// OBD-II PID response.
type PIDSignalDecoderFormat struct {
	PidResponseLength int
	ServiceMode       SID
	PID               PID
	Scaling           float64
	Offset            float64
	StartByte         int
	ByteLength        int
	BitRightShift     uint8
	BitMaskLength     uint8
	IsSigned          bool
	SignalType        SignalType
}

// Valid reports whether the format was found in the manifest.
func (f PIDSignalDecoderFormat) Valid() bool {
	return f.PidResponseLength > 0
}

// CustomSignalDecoderFormat binds a signal to a vendor-specific decoder
// key on a custom interface. The decoder key is interface specific, for
// example the fully qualified name of the signal.
type CustomSignalDecoderFormat struct {
	InterfaceID InterfaceID
	Decoder     string
	SignalID    SignalID
	SignalType  SignalType
}

// ComplexDataTypeID references a node in the complex-type graph.
type ComplexDataTypeID uint64

// ComplexDataMessageID identifies a structured message on an interface,
// for example a topic name.
type ComplexDataMessageID = string

// ComplexSignalDecoderFormat binds a signal to a structured message. The
// (interface, message) pair is unique across all complex signals.
type ComplexSignalDecoderFormat struct {
	InterfaceID InterfaceID
	MessageID   ComplexDataMessageID
	RootTypeID  ComplexDataTypeID
}

// ComplexElementKind discriminates ComplexDataElement variants.
type ComplexElementKind int

const (
	// ComplexElementInvalid marks an unresolved type reference.
	ComplexElementInvalid ComplexElementKind = iota
	// ComplexElementPrimitive is a leaf carrying a primitive value.
	ComplexElementPrimitive
	// ComplexElementStruct is an ordered sequence of member types.
	ComplexElementStruct
	// ComplexElementArray is a fixed repetition of one member type.
	ComplexElementArray
)

// ComplexDataElement is one node of the complex-type graph. Exactly the
// fields of the active kind are meaningful.
type ComplexDataElement struct {
	Kind ComplexElementKind

	// Primitive leaf
	PrimitiveType SignalType
	Scaling       float64
	Offset        float64

	// Struct members, in wire order
	Members []ComplexDataTypeID

	// Array element
	ElementType ComplexDataTypeID
	Repetitions uint32
}

// SignalPath indexes into a complex message: each element selects a
// struct member ordinal or array index at the next nesting level.
type SignalPath []uint32

// Less imposes the deterministic path ordering used in decoder output:
// lexicographic over path elements, shorter prefix first.
func (p SignalPath) Less(other SignalPath) bool {
	n := len(p)
	if len(other) < n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		if p[i] != other[i] {
			return p[i] < other[i]
		}
	}
	return len(p) < len(other)
}

// Equal reports element-wise equality.
func (p SignalPath) Equal(other SignalPath) bool {
	if len(p) != len(other) {
		return false
	}
	for i := range p {
		if p[i] != other[i] {
			return false
		}
	}
	return true
}

// PartialSignalRef names a piece of a complex signal by base id and path.
type PartialSignalRef struct {
	BaseSignalID SignalID
	Path         SignalPath
}
