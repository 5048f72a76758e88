package scheme

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/hefroy/fleetedge/clock"
	"github.com/hefroy/fleetedge/document"
)

// schemeSpec is the generator shape for one scheme's schedule.
type schemeSpec struct {
	ID       int
	StartMs  int64
	Duration int64
}

func genSchemeSpecs() gopter.Gen {
	genSpec := gopter.CombineGens(
		gen.IntRange(0, 9),
		gen.Int64Range(0, 10_000),
		gen.Int64Range(0, 5_000),
	).Map(func(values []interface{}) schemeSpec {
		return schemeSpec{
			ID:       values[0].(int),
			StartMs:  values[1].(int64),
			Duration: values[2].(int64),
		}
	})
	return gen.SliceOf(genSpec)
}

func specsToSchemes(specs []schemeSpec) []*document.CollectionScheme {
	// Later duplicates of an id replace earlier ones, matching the
	// latest-wins payload rule.
	byID := make(map[string]*document.CollectionScheme)
	var order []string
	for _, spec := range specs {
		id := fmt.Sprintf("scheme-%d", spec.ID)
		if _, seen := byID[id]; !seen {
			order = append(order, id)
		}
		byID[id] = testScheme(id, spec.StartMs, spec.StartMs+spec.Duration)
	}
	out := make([]*document.CollectionScheme, 0, len(order))
	for _, id := range order {
		out = append(out, byID[id])
	}
	return out
}

func applyList(m *Manager, schemes []*document.CollectionScheme, nowMs int64) {
	list := document.NewSchemeList(schemes)
	if err := list.Build(); err != nil {
		panic(err)
	}
	m.schemeList = list
	if len(m.enabled) == 0 && len(m.idle) == 0 {
		m.rebuildMapsAndTimeline(nowMs)
	} else {
		m.updateMapsAndTimeline(nowMs)
	}
	m.checkTimeline(nowMs)
}

// TestReconcileProperties verifies the manager's scheduling invariants
// over randomized reconcile sequences.
func TestReconcileProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("activation correctness and disjointness", prop.ForAll(
		func(first, second []schemeSpec, nowOffset int64) bool {
			now := int64(5_000)
			m := newTestManager(t, clock.NewFakeClock(now))
			firstSchemes := specsToSchemes(first)
			applyList(m, firstSchemes, now)

			later := now + nowOffset
			applyList(m, specsToSchemes(second), later)

			// P2: disjointness.
			for id := range m.enabled {
				if _, both := m.idle[id]; both {
					return false
				}
			}
			// Reference model for the enabled set after the second
			// payload. A start time moved into the future on a scheme
			// that was already running is irrelevant: the scheme stays
			// enabled until its expiry.
			// "Was enabled" means: sitting in the enabled map when the
			// second payload is processed, i.e. running since the first
			// payload was applied at `now`.
			wasEnabled := make(map[string]bool)
			for _, s := range firstSchemes {
				wasEnabled[s.ID] = s.StartTimeMs <= now && now < s.ExpiryTimeMs
			}
			for _, s := range specsToSchemes(second) {
				_, isEnabled := m.enabled[s.ID]
				shouldBeEnabled := later < s.ExpiryTimeMs &&
					s.StartTimeMs < s.ExpiryTimeMs &&
					(s.StartTimeMs <= later || wasEnabled[s.ID])
				if isEnabled != shouldBeEnabled {
					return false
				}
			}
			return true
		},
		genSchemeSpecs(),
		genSchemeSpecs(),
		gen.Int64Range(0, 12_000),
	))

	properties.Property("next wake equals min over idle starts and enabled expiries", prop.ForAll(
		func(specs []schemeSpec, nowOffset int64) bool {
			now := int64(5_000) + nowOffset
			m := newTestManager(t, clock.NewFakeClock(now))
			applyList(m, specsToSchemes(specs), now)

			expected := int64(-1)
			for _, s := range m.idle {
				if expected == -1 || s.StartTimeMs < expected {
					expected = s.StartTimeMs
				}
			}
			for _, s := range m.enabled {
				if expected == -1 || s.ExpiryTimeMs < expected {
					expected = s.ExpiryTimeMs
				}
			}

			wake, ok := m.nextWakeMs()
			if expected == -1 {
				return !ok
			}
			return ok && wake == expected
		},
		genSchemeSpecs(),
		gen.Int64Range(0, 12_000),
	))

	properties.Property("timeline drains monotonically", prop.ForAll(
		func(specs []schemeSpec) bool {
			now := int64(0)
			m := newTestManager(t, clock.NewFakeClock(now))
			applyList(m, specsToSchemes(specs), now)

			// Walk time forward through every edge; after the final
			// expiry everything must be drained.
			for ts := int64(0); ts <= 16_000; ts += 500 {
				m.checkTimeline(ts)
				for id := range m.enabled {
					if _, both := m.idle[id]; both {
						return false
					}
				}
			}
			return len(m.enabled) == 0 && len(m.idle) == 0
		},
		genSchemeSpecs(),
	))

	properties.TestingRun(t)
}
