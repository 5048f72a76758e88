package dictionary

import (
	"log/slog"
	"sort"

	"github.com/hefroy/fleetedge/document"
	"github.com/hefroy/fleetedge/translator"
)

// Extractor derives decoder dictionaries, the inspection matrix, and the
// fetch matrix from a (manifest, enabled schemes) snapshot. It holds no
// mutable state of its own; synthetic-id continuity lives in the
// allocator the scheme manager passes in.
type Extractor struct {
	translator *translator.Translator
	logger     *slog.Logger
}

// NewExtractor returns an extractor using the given translator.
func NewExtractor(tr *translator.Translator, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		translator: tr,
		logger:     logger.With("component", "extractor"),
	}
}

// consistentSchemes returns the enabled schemes that reference the
// current manifest, sorted by id so extraction order is deterministic.
// Schemes out of sync contribute nothing to any derived artifact.
func consistentSchemes(schemes []*document.CollectionScheme, currentManifestID document.SyncID) []*document.CollectionScheme {
	out := make([]*document.CollectionScheme, 0, len(schemes))
	for _, s := range schemes {
		if currentManifestID != "" && s.DecoderManifestID == currentManifestID {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// partialRefs gathers every partial-signal reference of a scheme: the
// explicit lookup table plus references inside the trigger expression
// and fetch trees.
func partialRefs(s *document.CollectionScheme) []document.PartialSignalRef {
	refs := make([]document.PartialSignalRef, 0, len(s.PartialSignals))
	refs = append(refs, s.PartialSignals...)
	var direct []document.SignalID
	s.Condition.CollectSignalRefs(&direct, &refs)
	for i := range s.FetchInformations {
		s.FetchInformations[i].Condition.CollectSignalRefs(&direct, &refs)
		for _, action := range s.FetchInformations[i].Actions {
			action.CollectSignalRefs(&direct, &refs)
		}
	}
	return refs
}

// DecoderDictionaries extracts the per-protocol decoder dictionaries.
// Protocols with no active decoders are absent from the result so the
// manager can put the corresponding sources to sleep.
func (e *Extractor) DecoderDictionaries(
	manifest *document.DecoderManifest,
	currentManifestID document.SyncID,
	enabled []*document.CollectionScheme,
	alloc *PartialSignalAllocator,
) map[document.Protocol]Dictionary {
	canDict := NewCANDictionary(document.ProtocolRawSocket)
	obdDict := NewCANDictionary(document.ProtocolOBD)
	customDict := NewCustomDictionary()
	complexDict := NewComplexDictionary()

	// First pass: gather the wanted signal set per CAN frame so the
	// retained format subset can be built in one place.
	type canFrameSel struct {
		channel document.ChannelNumericID
		frame   document.CANRawFrameID
		iface   document.InterfaceID
		wanted  map[document.SignalID]struct{}
	}
	canSelections := make(map[frameSelKey]*canFrameSel)

	for _, scheme := range consistentSchemes(enabled, currentManifestID) {
		for _, info := range scheme.Signals {
			signalID := info.SignalID
			switch manifest.NetworkProtocol(signalID) {
			case document.ProtocolRawSocket:
				frameID, interfaceID, ok := manifest.CANFrameAndInterface(signalID)
				if !ok {
					continue
				}
				channel := e.translator.ChannelID(interfaceID)
				if channel == document.InvalidChannelNumericID {
					e.logger.Warn("Signal on unknown CAN interface, skipping",
						"signal_id", signalID, "interface_id", interfaceID)
					continue
				}
				key := frameSelKey{channel: channel, frame: frameID}
				sel, ok := canSelections[key]
				if !ok {
					sel = &canFrameSel{
						channel: channel,
						frame:   frameID,
						iface:   interfaceID,
						wanted:  make(map[document.SignalID]struct{}),
					}
					canSelections[key] = sel
				}
				sel.wanted[signalID] = struct{}{}
				canDict.SignalIDsToCollect[signalID] = struct{}{}

			case document.ProtocolOBD:
				format := manifest.PIDSignalDecoderFormat(signalID)
				if !format.Valid() {
					continue
				}
				e.addPIDSignal(obdDict, signalID, format)

			case document.ProtocolCustom:
				format := manifest.CustomSignalDecoderFormat(signalID)
				if format.Decoder == "" {
					continue
				}
				perInterface, ok := customDict.Decoders[format.InterfaceID]
				if !ok {
					perInterface = make(map[string]CustomMethod)
					customDict.Decoders[format.InterfaceID] = perInterface
				}
				perInterface[format.Decoder] = CustomMethod{
					SignalID:   format.SignalID,
					SignalType: format.SignalType,
				}

			case document.ProtocolComplexData:
				// Direct reference: collect the whole raw message.
				method := e.complexMethod(complexDict, manifest, signalID)
				if method != nil {
					method.CollectRaw = true
				}

			default:
				// Unknown protocol: signal silently skipped.
				e.logger.Debug("Signal not in decoder manifest, skipping", "signal_id", signalID)
			}
		}

		for _, ref := range partialRefs(scheme) {
			method := e.complexMethod(complexDict, manifest, ref.BaseSignalID)
			if method == nil {
				e.logger.Warn("Partial signal references unknown complex signal",
					"base_signal_id", ref.BaseSignalID)
				continue
			}
			syntheticID := alloc.Allocate(ref)
			if !containsPath(method.SignalPaths, ref.Path) {
				method.SignalPaths = append(method.SignalPaths, SignalPathEntry{
					Path:            ref.Path,
					PartialSignalID: syntheticID,
				})
			}
		}
	}

	// Materialize the CAN decoder methods with the retained subset.
	for _, sel := range canSelections {
		full := manifest.CANMessageFormat(sel.frame, sel.iface)
		method := &DecoderMethod{
			Format: document.CANMessageFormat{
				MessageID:     full.MessageID,
				SizeInBytes:   full.SizeInBytes,
				IsMultiplexed: full.IsMultiplexed,
			},
		}
		for _, sig := range full.Signals {
			if _, wanted := sel.wanted[sig.SignalID]; wanted {
				method.Format.Signals = append(method.Format.Signals, sig)
				method.CollectedSignalIDs = append(method.CollectedSignalIDs, sig.SignalID)
			}
		}
		sort.Slice(method.CollectedSignalIDs, func(i, j int) bool {
			return method.CollectedSignalIDs[i] < method.CollectedSignalIDs[j]
		})
		perChannel, ok := canDict.Decoders[sel.channel]
		if !ok {
			perChannel = make(map[document.CANRawFrameID]*DecoderMethod)
			canDict.Decoders[sel.channel] = perChannel
		}
		perChannel[sel.frame] = method
	}

	// Deterministic path ordering inside every complex method.
	for _, perInterface := range complexDict.Decoders {
		for _, method := range perInterface {
			sort.Slice(method.SignalPaths, func(i, j int) bool {
				return method.SignalPaths[i].Path.Less(method.SignalPaths[j].Path)
			})
		}
	}

	out := make(map[document.Protocol]Dictionary)
	if !canDict.Empty() {
		out[document.ProtocolRawSocket] = canDict
	}
	if !obdDict.Empty() {
		out[document.ProtocolOBD] = obdDict
	}
	if !customDict.Empty() {
		out[document.ProtocolCustom] = customDict
	}
	if !complexDict.Empty() {
		out[document.ProtocolComplexData] = complexDict
	}
	return out
}

type frameSelKey struct {
	channel document.ChannelNumericID
	frame   document.CANRawFrameID
}

// addPIDSignal places a PID decoder under channel 0, frame = PID number.
func (e *Extractor) addPIDSignal(dict *CANDictionary, signalID document.SignalID, format document.PIDSignalDecoderFormat) {
	const obdChannel = document.ChannelNumericID(0)
	perChannel, ok := dict.Decoders[obdChannel]
	if !ok {
		perChannel = make(map[document.CANRawFrameID]*DecoderMethod)
		dict.Decoders[obdChannel] = perChannel
	}
	frameID := document.CANRawFrameID(format.PID)
	method, ok := perChannel[frameID]
	if !ok {
		method = &DecoderMethod{
			Format: document.CANMessageFormat{
				MessageID:   frameID,
				SizeInBytes: uint8(format.PidResponseLength),
			},
		}
		perChannel[frameID] = method
	}
	for _, existing := range method.PIDSignals {
		if existing.SignalID == signalID {
			return
		}
	}
	method.PIDSignals = append(method.PIDSignals, PIDSignal{SignalID: signalID, Format: format})
	sort.Slice(method.PIDSignals, func(i, j int) bool {
		return method.PIDSignals[i].SignalID < method.PIDSignals[j].SignalID
	})
	method.CollectedSignalIDs = append(method.CollectedSignalIDs, signalID)
	sort.Slice(method.CollectedSignalIDs, func(i, j int) bool {
		return method.CollectedSignalIDs[i] < method.CollectedSignalIDs[j]
	})
	dict.SignalIDsToCollect[signalID] = struct{}{}
}

// complexMethod looks up or creates the per-(interface, message) method
// for a complex base signal. Returns nil for unknown signals.
func (e *Extractor) complexMethod(dict *ComplexDictionary, manifest *document.DecoderManifest, baseSignalID document.SignalID) *ComplexMethod {
	format, ok := manifest.ComplexSignalDecoderFormat(baseSignalID)
	if !ok {
		return nil
	}
	perInterface, ok := dict.Decoders[format.InterfaceID]
	if !ok {
		perInterface = make(map[document.ComplexDataMessageID]*ComplexMethod)
		dict.Decoders[format.InterfaceID] = perInterface
	}
	method, ok := perInterface[format.MessageID]
	if !ok {
		method = &ComplexMethod{
			SignalID:   baseSignalID,
			RootTypeID: format.RootTypeID,
		}
		perInterface[format.MessageID] = method
	}
	return method
}

func containsPath(entries []SignalPathEntry, path document.SignalPath) bool {
	for _, e := range entries {
		if e.Path.Equal(path) {
			return true
		}
	}
	return false
}
