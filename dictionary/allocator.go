package dictionary

import (
	"fmt"
	"strings"

	"github.com/hefroy/fleetedge/document"
)

// PartialSignalAllocator assigns synthetic signal ids to (base signal,
// path) pairs. Ids are stable for the lifetime of the allocator, which
// the scheme manager resets on every manifest epoch: the same pair
// always resolves to the same id, across schemes and across extraction
// runs.
type PartialSignalAllocator struct {
	next  document.SignalID
	byKey map[string]document.SignalID
	refs  map[document.SignalID]document.PartialSignalRef
}

// NewPartialSignalAllocator returns an empty allocator.
func NewPartialSignalAllocator() *PartialSignalAllocator {
	return &PartialSignalAllocator{
		byKey: make(map[string]document.SignalID),
		refs:  make(map[document.SignalID]document.PartialSignalRef),
	}
}

func refKey(ref document.PartialSignalRef) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:", ref.BaseSignalID)
	for _, p := range ref.Path {
		fmt.Fprintf(&b, "/%d", p)
	}
	return b.String()
}

// Allocate returns the synthetic id for a (base, path) pair, assigning a
// new one on first use. Synthetic ids carry the partial-signal bit.
func (a *PartialSignalAllocator) Allocate(ref document.PartialSignalRef) document.SignalID {
	key := refKey(ref)
	if id, ok := a.byKey[key]; ok {
		return id
	}
	a.next++
	id := document.PartialSignalIDBit | a.next
	a.byKey[key] = id
	a.refs[id] = ref
	return id
}

// Resolve returns the (base, path) pair behind a synthetic id.
func (a *PartialSignalAllocator) Resolve(id document.SignalID) (document.PartialSignalRef, bool) {
	ref, ok := a.refs[id]
	return ref, ok
}

// Len returns the number of assigned ids.
func (a *PartialSignalAllocator) Len() int {
	return len(a.byKey)
}
