package dictionary

import (
	"github.com/hefroy/fleetedge/document"
)

// InspectionMatrix derives one inspection condition per manifest-
// consistent enabled scheme. Partial-signal references resolve through
// the allocator to the synthetic ids the dictionary extraction assigned,
// which is why the scheme manager always runs dictionary extraction
// first and publishes in that order.
func (e *Extractor) InspectionMatrix(
	manifest *document.DecoderManifest,
	currentManifestID document.SyncID,
	enabled []*document.CollectionScheme,
	alloc *PartialSignalAllocator,
) *InspectionMatrix {
	matrix := &InspectionMatrix{}
	for _, scheme := range consistentSchemes(enabled, currentManifestID) {
		condition := InspectionCondition{
			SchemeID:                 scheme.ID,
			Condition:                scheme.Condition,
			PeriodMs:                 scheme.PeriodMs,
			MinimumTriggerIntervalMs: scheme.MinimumTriggerIntervalMs,
			TriggerMode:              scheme.TriggerMode,
			AfterDurationMs:          scheme.AfterDurationMs,
			IncludeDTCs:              scheme.IncludeDTCs,
			Priority:                 scheme.Priority,
			Persist:                  scheme.Persist,
			Compress:                 scheme.Compress,
		}
		for _, info := range scheme.Signals {
			condition.Signals = append(condition.Signals, InspectionSignal{
				SignalID:                info.SignalID,
				SignalType:              manifest.SignalType(info.SignalID),
				SampleBufferSize:        info.SampleBufferSize,
				MinimumSampleIntervalMs: info.MinimumSampleIntervalMs,
				FixedWindowPeriodMs:     info.FixedWindowPeriodMs,
				ConditionOnly:           info.ConditionOnly,
			})
		}
		for _, ref := range partialRefs(scheme) {
			syntheticID := alloc.Allocate(ref)
			if containsInspectionSignal(condition.Signals, syntheticID) {
				continue
			}
			// Signal type of a partial id comes from walking the
			// complex-type graph; failures yield UNKNOWN.
			condition.Signals = append(condition.Signals, InspectionSignal{
				SignalID:   syntheticID,
				SignalType: manifest.PathSignalType(ref.BaseSignalID, ref.Path),
			})
		}
		matrix.Conditions = append(matrix.Conditions, condition)
	}
	return matrix
}

func containsInspectionSignal(signals []InspectionSignal, id document.SignalID) bool {
	for i := range signals {
		if signals[i].SignalID == id {
			return true
		}
	}
	return false
}

// FetchMatrix derives the on-demand fetch schedule from the manifest-
// consistent enabled schemes.
func (e *Extractor) FetchMatrix(
	currentManifestID document.SyncID,
	enabled []*document.CollectionScheme,
) *FetchMatrix {
	matrix := NewFetchMatrix()
	for _, scheme := range consistentSchemes(enabled, currentManifestID) {
		for i := range scheme.FetchInformations {
			info := &scheme.FetchInformations[i]
			if info.TimeBased != nil {
				matrix.TimeBased[info.SignalID] = TimeBasedFetchSchedule{
					MaxExecutionCount:    info.TimeBased.MaxExecutionCount,
					ExecutionFrequencyMs: info.TimeBased.ExecutionFrequencyMs,
					ResetMaxExecutionMs:  info.TimeBased.ResetMaxExecutionMs,
				}
			}
			if info.Condition != nil {
				matrix.ConditionBased = append(matrix.ConditionBased, ConditionFetch{
					SignalID:  info.SignalID,
					Condition: info.Condition,
					Actions:   info.Actions,
				})
			}
		}
	}
	return matrix
}

// BufferConfig lists the raw-buffer slots needed for string and complex
// signals in the current artifacts: every string-typed collected signal
// and every complex message being collected raw.
func (e *Extractor) BufferConfig(
	manifest *document.DecoderManifest,
	currentManifestID document.SyncID,
	enabled []*document.CollectionScheme,
	complexDict *ComplexDictionary,
) []BufferSignalConfig {
	var out []BufferSignalConfig
	for _, scheme := range consistentSchemes(enabled, currentManifestID) {
		for _, info := range scheme.Signals {
			if manifest.SignalType(info.SignalID) == document.SignalTypeString {
				out = append(out, BufferSignalConfig{SignalID: info.SignalID})
			}
		}
	}
	if complexDict != nil {
		for interfaceID, perInterface := range complexDict.Decoders {
			for messageID, method := range perInterface {
				if method.CollectRaw {
					out = append(out, BufferSignalConfig{
						SignalID:    method.SignalID,
						InterfaceID: interfaceID,
						MessageID:   messageID,
					})
				}
			}
		}
	}
	return out
}
