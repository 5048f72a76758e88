package document

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Wire format: documents arrive as JSON already validated structurally by
// the control plane's own schema. The agent still validates locally with
// the embedded schemas below before decoding, so a corrupt payload is
// rejected in one place with a useful reason instead of producing a
// half-built document.

const manifestSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["sync_id"],
  "properties": {
    "sync_id": {"type": "string", "minLength": 1},
    "can_frames": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["message_id", "interface_id", "size_bytes"],
        "properties": {
          "message_id": {"type": "integer", "minimum": 0},
          "interface_id": {"type": "string", "minLength": 1},
          "size_bytes": {"type": "integer", "minimum": 0, "maximum": 64},
          "signals": {"type": "array"}
        }
      }
    },
    "pid_signals": {"type": "array"},
    "custom_signals": {"type": "array"},
    "complex_signals": {"type": "array"},
    "complex_types": {"type": "array"}
  }
}`

const schemeListSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["schemes"],
  "properties": {
    "schemes": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["id", "decoder_manifest_id", "start_time_ms", "expiry_time_ms"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "decoder_manifest_id": {"type": "string", "minLength": 1},
          "start_time_ms": {"type": "integer", "minimum": 0},
          "expiry_time_ms": {"type": "integer", "minimum": 0}
        }
      }
    }
  }
}`

func validatePayload(schema string, payload []byte) error {
	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(schema),
		gojsonschema.NewBytesLoader(payload),
	)
	if err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	if !result.Valid() {
		reasons := make([]string, 0, len(result.Errors()))
		for _, desc := range result.Errors() {
			reasons = append(reasons, desc.String())
		}
		return fmt.Errorf("payload rejected by schema: %s", strings.Join(reasons, "; "))
	}
	return nil
}

type canSignalDTO struct {
	SignalID         uint32  `json:"signal_id"`
	FirstBitPosition uint16  `json:"first_bit_position"`
	SizeInBits       uint16  `json:"size_in_bits"`
	Factor           float64 `json:"factor"`
	Offset           float64 `json:"offset"`
	IsBigEndian      bool    `json:"is_big_endian"`
	IsSigned         bool    `json:"is_signed"`
	IsMultiplexor    bool    `json:"is_multiplexor"`
	MultiplexorValue uint8   `json:"multiplexor_value"`
	SignalType       string  `json:"signal_type"`
}

type canFrameDTO struct {
	MessageID     uint32         `json:"message_id"`
	InterfaceID   string         `json:"interface_id"`
	SizeBytes     uint8          `json:"size_bytes"`
	IsMultiplexed bool           `json:"is_multiplexed"`
	Signals       []canSignalDTO `json:"signals"`
}

func (f *canFrameDTO) toFormat() *CANMessageFormat {
	format := &CANMessageFormat{
		MessageID:     CANRawFrameID(f.MessageID),
		SizeInBytes:   f.SizeBytes,
		IsMultiplexed: f.IsMultiplexed,
		Signals:       make([]CANSignalFormat, 0, len(f.Signals)),
	}
	for _, s := range f.Signals {
		signalType, ok := ParseSignalType(s.SignalType)
		if !ok {
			signalType = SignalTypeDouble
		}
		format.Signals = append(format.Signals, CANSignalFormat{
			SignalID:         SignalID(s.SignalID),
			FirstBitPosition: s.FirstBitPosition,
			SizeInBits:       s.SizeInBits,
			Factor:           s.Factor,
			Offset:           s.Offset,
			IsBigEndian:      s.IsBigEndian,
			IsSigned:         s.IsSigned,
			IsMultiplexor:    s.IsMultiplexor,
			MultiplexorValue: s.MultiplexorValue,
			SignalType:       signalType,
		})
	}
	return format
}

type pidSignalDTO struct {
	SignalID          uint32  `json:"signal_id"`
	PidResponseLength int     `json:"pid_response_length"`
	ServiceMode       uint8   `json:"service_mode"`
	PID               uint8   `json:"pid"`
	Scaling           float64 `json:"scaling"`
	Offset            float64 `json:"offset"`
	StartByte         int     `json:"start_byte"`
	ByteLength        int     `json:"byte_length"`
	BitRightShift     uint8   `json:"bit_right_shift"`
	BitMaskLength     uint8   `json:"bit_mask_length"`
	IsSigned          bool    `json:"is_signed"`
	SignalType        string  `json:"signal_type"`
}

func (p *pidSignalDTO) toFormat() (PIDSignalDecoderFormat, SignalID, error) {
	if p.SignalID == 0 {
		return PIDSignalDecoderFormat{}, 0, fmt.Errorf("pid decoder with zero signal id")
	}
	if p.PidResponseLength <= 0 {
		return PIDSignalDecoderFormat{}, 0, fmt.Errorf("pid 0x%02X: non-positive response length", p.PID)
	}
	if p.StartByte+p.ByteLength > p.PidResponseLength {
		return PIDSignalDecoderFormat{}, 0,
			fmt.Errorf("pid 0x%02X: signal bytes [%d,%d) exceed response length %d",
				p.PID, p.StartByte, p.StartByte+p.ByteLength, p.PidResponseLength)
	}
	signalType, ok := ParseSignalType(p.SignalType)
	if !ok {
		signalType = SignalTypeDouble
	}
	return PIDSignalDecoderFormat{
		PidResponseLength: p.PidResponseLength,
		ServiceMode:       SID(p.ServiceMode),
		PID:               PID(p.PID),
		Scaling:           p.Scaling,
		Offset:            p.Offset,
		StartByte:         p.StartByte,
		ByteLength:        p.ByteLength,
		BitRightShift:     p.BitRightShift,
		BitMaskLength:     p.BitMaskLength,
		IsSigned:          p.IsSigned,
		SignalType:        signalType,
	}, SignalID(p.SignalID), nil
}

type customSignalDTO struct {
	SignalID    uint32 `json:"signal_id"`
	InterfaceID string `json:"interface_id"`
	Decoder     string `json:"decoder"`
	SignalType  string `json:"signal_type"`
}

func (c *customSignalDTO) toFormat() (CustomSignalDecoderFormat, error) {
	if c.SignalID == 0 || c.InterfaceID == "" || c.Decoder == "" {
		return CustomSignalDecoderFormat{}, fmt.Errorf("custom decoder entry missing signal id, interface, or decoder key")
	}
	signalType, ok := ParseSignalType(c.SignalType)
	if !ok {
		// Default is double for backward compatibility.
		signalType = SignalTypeDouble
	}
	return CustomSignalDecoderFormat{
		InterfaceID: c.InterfaceID,
		Decoder:     c.Decoder,
		SignalID:    SignalID(c.SignalID),
		SignalType:  signalType,
	}, nil
}

type complexSignalDTO struct {
	SignalID    uint32 `json:"signal_id"`
	InterfaceID string `json:"interface_id"`
	MessageID   string `json:"message_id"`
	RootTypeID  uint64 `json:"root_type_id"`
}

type complexTypeDTO struct {
	TypeID        uint64   `json:"type_id"`
	Kind          string   `json:"kind"`
	PrimitiveType string   `json:"primitive_type,omitempty"`
	Scaling       float64  `json:"scaling,omitempty"`
	Offset        float64  `json:"offset,omitempty"`
	Members       []uint64 `json:"members,omitempty"`
	ElementType   uint64   `json:"element_type,omitempty"`
	Repetitions   uint32   `json:"repetitions,omitempty"`
}

func (c *complexTypeDTO) toElement() (ComplexDataElement, error) {
	switch c.Kind {
	case "primitive":
		primitiveType, ok := ParseSignalType(c.PrimitiveType)
		if !ok {
			return ComplexDataElement{}, fmt.Errorf("unknown primitive type %q", c.PrimitiveType)
		}
		return ComplexDataElement{
			Kind:          ComplexElementPrimitive,
			PrimitiveType: primitiveType,
			Scaling:       c.Scaling,
			Offset:        c.Offset,
		}, nil
	case "struct":
		members := make([]ComplexDataTypeID, 0, len(c.Members))
		for _, m := range c.Members {
			members = append(members, ComplexDataTypeID(m))
		}
		return ComplexDataElement{Kind: ComplexElementStruct, Members: members}, nil
	case "array":
		return ComplexDataElement{
			Kind:        ComplexElementArray,
			ElementType: ComplexDataTypeID(c.ElementType),
			Repetitions: c.Repetitions,
		}, nil
	default:
		return ComplexDataElement{}, fmt.Errorf("unknown complex element kind %q", c.Kind)
	}
}

type manifestDTO struct {
	SyncID         string             `json:"sync_id"`
	CANFrames      []canFrameDTO      `json:"can_frames"`
	PIDSignals     []pidSignalDTO     `json:"pid_signals"`
	CustomSignals  []customSignalDTO  `json:"custom_signals"`
	ComplexSignals []complexSignalDTO `json:"complex_signals"`
	ComplexTypes   []complexTypeDTO   `json:"complex_types"`
}

func decodeManifest(payload []byte) (*manifestDTO, error) {
	if err := validatePayload(manifestSchema, payload); err != nil {
		return nil, err
	}
	var dto manifestDTO
	if err := json.Unmarshal(payload, &dto); err != nil {
		return nil, fmt.Errorf("manifest decode: %w", err)
	}
	return &dto, nil
}

type expressionDTO struct {
	Type         string           `json:"type"`
	FloatValue   float64          `json:"float_value,omitempty"`
	BoolValue    bool             `json:"bool_value,omitempty"`
	SignalID     uint32           `json:"signal_id,omitempty"`
	BaseSignalID uint32           `json:"base_signal_id,omitempty"`
	Path         []uint32         `json:"path,omitempty"`
	Operator     string           `json:"operator,omitempty"`
	Function     string           `json:"function,omitempty"`
	Left         *expressionDTO   `json:"left,omitempty"`
	Right        *expressionDTO   `json:"right,omitempty"`
	Children     []*expressionDTO `json:"children,omitempty"`
}

func (e *expressionDTO) toNode() (*ExpressionNode, error) {
	if e == nil {
		return nil, nil
	}
	node := &ExpressionNode{}
	switch e.Type {
	case "float":
		node.Type = NodeFloat
		node.FloatValue = e.FloatValue
	case "bool":
		node.Type = NodeBool
		node.BoolValue = e.BoolValue
	case "signal":
		node.Type = NodeSignal
		node.SignalID = SignalID(e.SignalID)
	case "partial_signal":
		node.Type = NodePartialSignal
		node.Partial = PartialSignalRef{
			BaseSignalID: SignalID(e.BaseSignalID),
			Path:         SignalPath(e.Path),
		}
	case "operator":
		op, ok := ParseOperator(e.Operator)
		if !ok {
			return nil, fmt.Errorf("unknown operator %q", e.Operator)
		}
		node.Type = NodeOperator
		node.Operator = op
	case "function":
		node.Type = NodeFunction
		node.Function = e.Function
	default:
		return nil, fmt.Errorf("unknown expression node type %q", e.Type)
	}
	var err error
	if node.Left, err = e.Left.toNode(); err != nil {
		return nil, err
	}
	if node.Right, err = e.Right.toNode(); err != nil {
		return nil, err
	}
	for _, child := range e.Children {
		c, err := child.toNode()
		if err != nil {
			return nil, err
		}
		node.Children = append(node.Children, c)
	}
	return node, nil
}

type signalInfoDTO struct {
	SignalID                uint32 `json:"signal_id"`
	SampleBufferSize        uint32 `json:"sample_buffer_size"`
	MinimumSampleIntervalMs uint32 `json:"minimum_sample_interval_ms"`
	FixedWindowPeriodMs     uint32 `json:"fixed_window_period_ms"`
	ConditionOnly           bool   `json:"condition_only"`
}

type partialSignalDTO struct {
	BaseSignalID uint32   `json:"base_signal_id"`
	Path         []uint32 `json:"path"`
}

type fetchInfoDTO struct {
	SignalID             uint32           `json:"signal_id"`
	MaxExecutionCount    uint32           `json:"max_execution_count,omitempty"`
	ExecutionFrequencyMs uint64           `json:"execution_frequency_ms,omitempty"`
	ResetMaxExecutionMs  uint64           `json:"reset_max_execution_ms,omitempty"`
	Condition            *expressionDTO   `json:"condition,omitempty"`
	Actions              []*expressionDTO `json:"actions,omitempty"`
}

type schemeDTO struct {
	ID                       string             `json:"id"`
	DecoderManifestID        string             `json:"decoder_manifest_id"`
	StartTimeMs              int64              `json:"start_time_ms"`
	ExpiryTimeMs             int64              `json:"expiry_time_ms"`
	PeriodMs                 uint32             `json:"period_ms,omitempty"`
	Condition                *expressionDTO     `json:"condition,omitempty"`
	MinimumTriggerIntervalMs uint32             `json:"minimum_trigger_interval_ms,omitempty"`
	TriggerMode              string             `json:"trigger_mode,omitempty"`
	Signals                  []signalInfoDTO    `json:"signals"`
	PartialSignals           []partialSignalDTO `json:"partial_signals,omitempty"`
	AfterDurationMs          uint32             `json:"after_duration_ms"`
	IncludeDTCs              bool               `json:"include_dtcs"`
	Priority                 uint32             `json:"priority"`
	Persist                  bool               `json:"persist"`
	Compress                 bool               `json:"compress"`
	FetchInformations        []fetchInfoDTO     `json:"fetch_informations,omitempty"`
}

type schemeListDTO struct {
	Schemes []schemeDTO `json:"schemes"`
}

func decodeSchemeList(payload []byte) ([]*CollectionScheme, error) {
	if err := validatePayload(schemeListSchema, payload); err != nil {
		return nil, err
	}
	var dto schemeListDTO
	if err := json.Unmarshal(payload, &dto); err != nil {
		return nil, fmt.Errorf("scheme list decode: %w", err)
	}
	schemes := make([]*CollectionScheme, 0, len(dto.Schemes))
	for i := range dto.Schemes {
		scheme, err := dto.Schemes[i].toScheme()
		if err != nil {
			return nil, err
		}
		schemes = append(schemes, scheme)
	}
	return schemes, nil
}

func (d *schemeDTO) toScheme() (*CollectionScheme, error) {
	condition, err := d.Condition.toNode()
	if err != nil {
		return nil, fmt.Errorf("scheme %s: %w", d.ID, err)
	}
	triggerMode := TriggerAlways
	if d.TriggerMode == "rising_edge" {
		triggerMode = TriggerRisingEdge
	}
	scheme := &CollectionScheme{
		ID:                       d.ID,
		DecoderManifestID:        d.DecoderManifestID,
		StartTimeMs:              d.StartTimeMs,
		ExpiryTimeMs:             d.ExpiryTimeMs,
		PeriodMs:                 d.PeriodMs,
		Condition:                condition,
		MinimumTriggerIntervalMs: d.MinimumTriggerIntervalMs,
		TriggerMode:              triggerMode,
		AfterDurationMs:          d.AfterDurationMs,
		IncludeDTCs:              d.IncludeDTCs,
		Priority:                 d.Priority,
		Persist:                  d.Persist,
		Compress:                 d.Compress,
	}
	for _, s := range d.Signals {
		scheme.Signals = append(scheme.Signals, SignalCollectionInfo{
			SignalID:                SignalID(s.SignalID),
			SampleBufferSize:        s.SampleBufferSize,
			MinimumSampleIntervalMs: s.MinimumSampleIntervalMs,
			FixedWindowPeriodMs:     s.FixedWindowPeriodMs,
			ConditionOnly:           s.ConditionOnly,
		})
	}
	for _, p := range d.PartialSignals {
		scheme.PartialSignals = append(scheme.PartialSignals, PartialSignalRef{
			BaseSignalID: SignalID(p.BaseSignalID),
			Path:         SignalPath(p.Path),
		})
	}
	for _, f := range d.FetchInformations {
		info := FetchInformation{SignalID: SignalID(f.SignalID)}
		if f.ExecutionFrequencyMs > 0 {
			info.TimeBased = &TimeBasedFetch{
				MaxExecutionCount:    f.MaxExecutionCount,
				ExecutionFrequencyMs: f.ExecutionFrequencyMs,
				ResetMaxExecutionMs:  f.ResetMaxExecutionMs,
			}
		}
		if info.Condition, err = f.Condition.toNode(); err != nil {
			return nil, fmt.Errorf("scheme %s fetch condition: %w", d.ID, err)
		}
		for _, action := range f.Actions {
			node, err := action.toNode()
			if err != nil {
				return nil, fmt.Errorf("scheme %s fetch action: %w", d.ID, err)
			}
			info.Actions = append(info.Actions, node)
		}
		scheme.FetchInformations = append(scheme.FetchInformations, info)
	}
	return scheme, nil
}
