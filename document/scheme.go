package document

import (
	"fmt"
	"reflect"

	"github.com/hefroy/fleetedge/errors"
)

// TriggerMode controls when a condition-based scheme fires.
type TriggerMode int

const (
	// TriggerAlways fires on every evaluation window where the
	// condition holds.
	TriggerAlways TriggerMode = iota
	// TriggerRisingEdge fires only on a false-to-true transition.
	TriggerRisingEdge
)

// SignalCollectionInfo describes one signal a scheme wants collected.
type SignalCollectionInfo struct {
	SignalID                SignalID
	SampleBufferSize        uint32
	MinimumSampleIntervalMs uint32
	FixedWindowPeriodMs     uint32
	// ConditionOnly signals feed trigger evaluation but are not uploaded.
	ConditionOnly bool
}

// TimeBasedFetch schedules periodic on-demand fetches for a signal.
type TimeBasedFetch struct {
	MaxExecutionCount    uint32
	ExecutionFrequencyMs uint64
	ResetMaxExecutionMs  uint64
}

// FetchInformation describes on-demand fetching for one signal, either
// time-triggered or gated on a condition with an action list.
type FetchInformation struct {
	SignalID  SignalID
	TimeBased *TimeBasedFetch
	Condition *ExpressionNode
	Actions   []*ExpressionNode
}

// CollectionScheme is one collection scheme from a scheme list document.
// Immutable after SchemeList.Build.
type CollectionScheme struct {
	ID                SyncID
	DecoderManifestID SyncID
	StartTimeMs       int64
	ExpiryTimeMs      int64

	// Exactly one of PeriodMs (time-based) or Condition is active.
	PeriodMs            uint32
	Condition           *ExpressionNode
	MinimumTriggerIntervalMs uint32
	TriggerMode         TriggerMode

	Signals []SignalCollectionInfo
	// PartialSignals references pieces of complex signals by (base, path).
	// Extraction assigns synthetic ids per manifest epoch.
	PartialSignals []PartialSignalRef

	AfterDurationMs uint32
	IncludeDTCs     bool
	Priority        uint32
	Persist         bool
	Compress        bool

	FetchInformations []FetchInformation
}

// TimeBased reports whether the scheme triggers on a fixed period.
func (s *CollectionScheme) TimeBased() bool {
	return s.Condition == nil
}

// Equals reports whether every field matches. Reconciliation uses it for
// "any field changed" detection on schemes that keep their id.
func (s *CollectionScheme) Equals(other *CollectionScheme) bool {
	if s == nil || other == nil {
		return s == other
	}
	return reflect.DeepEqual(s, other)
}

func (s *CollectionScheme) validate() error {
	if s.ID == "" {
		return fmt.Errorf("scheme with empty id")
	}
	if s.DecoderManifestID == "" {
		return fmt.Errorf("scheme %s: empty decoder manifest id", s.ID)
	}
	if s.ExpiryTimeMs < s.StartTimeMs {
		return fmt.Errorf("scheme %s: expiry %d before start %d", s.ID, s.ExpiryTimeMs, s.StartTimeMs)
	}
	if !s.TimeBased() && s.PeriodMs != 0 {
		return fmt.Errorf("scheme %s: both period and condition set", s.ID)
	}
	return nil
}

// SchemeList is the collection-scheme-list document. CopyData stores the
// raw payload; Build validates and materializes the schemes. Immutable
// after a successful Build.
type SchemeList struct {
	raw     []byte
	schemes []*CollectionScheme
	ready   bool
}

// NewSchemeList wraps an already materialized scheme set, used by tests
// and by the ingestion path once decoding succeeded.
func NewSchemeList(schemes []*CollectionScheme) *SchemeList {
	if schemes == nil {
		// An empty set is a valid list; a nil slice would read as "not
		// decoded yet" in Build.
		schemes = []*CollectionScheme{}
	}
	return &SchemeList{schemes: schemes}
}

// CopyData copies the raw serialized payload into the document. Called on
// the transport's goroutine; must stay cheap.
func (l *SchemeList) CopyData(data []byte) {
	l.raw = make([]byte, len(data))
	copy(l.raw, data)
	l.ready = false
}

// Data returns the raw payload for persistence.
func (l *SchemeList) Data() []byte {
	return l.raw
}

// Ready reports whether Build succeeded.
func (l *SchemeList) Ready() bool {
	return l.ready
}

// Build validates the raw payload and materializes the schemes. On
// failure the list stays unusable and the previous document remains
// active in the manager.
func (l *SchemeList) Build() error {
	if l.schemes == nil {
		if len(l.raw) == 0 {
			return errors.WrapInvalid(errors.ErrDocumentMissing, "SchemeList", "Build", "payload check")
		}
		schemes, err := decodeSchemeList(l.raw)
		if err != nil {
			return errors.WrapInvalid(err, "SchemeList", "Build", "payload decode")
		}
		l.schemes = schemes
	}
	for _, s := range l.schemes {
		if err := s.validate(); err != nil {
			l.schemes = nil
			return errors.WrapInvalid(err, "SchemeList", "Build", "scheme validation")
		}
	}
	l.ready = true
	return nil
}

// Schemes returns the materialized schemes. Empty until Build succeeds.
func (l *SchemeList) Schemes() []*CollectionScheme {
	if !l.ready {
		return nil
	}
	return l.schemes
}

// StateTemplate is one last-known-state template.
type StateTemplate struct {
	ID                SyncID
	DecoderManifestID SyncID
	SignalIDs         []SignalID
	// PeriodMs of 0 means update on change.
	PeriodMs uint32
}

// StateTemplateDiff is a versioned add/remove delta over the set of
// last-known-state templates. Stale versions are ignored by the manager.
type StateTemplateDiff struct {
	Version  uint64
	Add      []*StateTemplate
	Remove   []SyncID
}
