package scheme

import (
	"github.com/hefroy/fleetedge/document"
)

// rebuildMapsAndTimeline partitions a fresh scheme list into the enabled
// and idle maps and seeds the timeline. Used when both maps are empty.
// Returns true when a scheme was enabled immediately.
func (m *Manager) rebuildMapsAndTimeline(nowMs int64) bool {
	changed := false
	for _, s := range m.schemeList.Schemes() {
		if s.ExpiryTimeMs <= s.StartTimeMs {
			// Zero-duration schemes never enable.
			continue
		}
		switch {
		case s.StartTimeMs > nowMs:
			// Idle schemes get both start and expiry onto the timeline.
			m.idle[s.ID] = s
			m.timeline.push(s.StartTimeMs, s.ID)
			m.timeline.push(s.ExpiryTimeMs, s.ID)
		case s.ExpiryTimeMs > nowMs:
			// Start already passed, enable immediately.
			m.enabled[s.ID] = s
			m.timeline.push(s.ExpiryTimeMs, s.ID)
			changed = true
		default:
			// Already expired, drop. Zero-duration schemes never get
			// here; they are skipped above.
		}
	}
	m.logSchemeMaps()
	return changed
}

// updateMapsAndTimeline reconciles an incoming scheme list against the
// existing maps. Within one payload the latest occurrence of an id wins.
// Returns true when the enabled set changed.
func (m *Manager) updateMapsAndTimeline(nowMs int64) bool {
	changed := false
	incoming := make(map[document.SyncID]struct{})

	for _, s := range m.schemeList.Schemes() {
		if s.ExpiryTimeMs <= s.StartTimeMs {
			// Zero-duration schemes never enable; leaving the id out of
			// the incoming set also removes any earlier revision.
			continue
		}
		incoming[s.ID] = struct{}{}
		if current, ok := m.enabled[s.ID]; ok {
			// Already running: only the expiry still matters. A changed
			// start time is irrelevant, the scheme is past it.
			if s.ExpiryTimeMs <= nowMs {
				delete(m.enabled, s.ID)
				changed = true
				m.flip("Stopping enabled scheme", s, nowMs)
				continue
			}
			if s.ExpiryTimeMs != current.ExpiryTimeMs {
				m.enabled[s.ID] = s
				m.timeline.push(s.ExpiryTimeMs, s.ID)
			}
			// An expiry-only rewrite is not an enabled-set change; any
			// other field difference is.
			normalized := *current
			normalized.ExpiryTimeMs = s.ExpiryTimeMs
			if !s.Equals(&normalized) {
				m.enabled[s.ID] = s
				changed = true
			}
		} else if current, ok := m.idle[s.ID]; ok {
			switch {
			case s.StartTimeMs <= nowMs && s.ExpiryTimeMs > nowMs:
				// Due now: move to enabled.
				delete(m.idle, s.ID)
				m.enabled[s.ID] = s
				m.timeline.push(s.ExpiryTimeMs, s.ID)
				changed = true
				m.flip("Starting idle scheme now", s, nowMs)
			case s.StartTimeMs > nowMs &&
				(s.StartTimeMs != current.StartTimeMs || s.ExpiryTimeMs != current.ExpiryTimeMs):
				m.idle[s.ID] = s
				m.timeline.push(s.StartTimeMs, s.ID)
				m.timeline.push(s.ExpiryTimeMs, s.ID)
			case s.ExpiryTimeMs <= nowMs:
				// Rescheduled into the past while idle: it will never
				// run, keeping it would leave a dead next-wake entry.
				delete(m.idle, s.ID)
			default:
				m.idle[s.ID] = s
			}
		} else {
			// New scheme: enable immediately when overdue, otherwise
			// idle; drop when already expired.
			switch {
			case s.StartTimeMs <= nowMs && s.ExpiryTimeMs > nowMs:
				m.enabled[s.ID] = s
				m.timeline.push(s.ExpiryTimeMs, s.ID)
				changed = true
				m.flip("Adding new scheme as enabled", s, nowMs)
			case s.StartTimeMs > nowMs:
				m.idle[s.ID] = s
				m.timeline.push(s.StartTimeMs, s.ID)
				m.timeline.push(s.ExpiryTimeMs, s.ID)
			}
		}
	}

	// Anything not in the incoming payload is removed.
	for id := range m.idle {
		if _, ok := incoming[id]; !ok {
			delete(m.idle, id)
			m.logger.Debug("Removing idle scheme missing from update", "scheme_id", id)
		}
	}
	for id := range m.enabled {
		if _, ok := incoming[id]; !ok {
			delete(m.enabled, id)
			changed = true
			m.logger.Debug("Removing enabled scheme missing from update", "scheme_id", id)
		}
	}
	m.logSchemeMaps()
	return changed
}

// checkTimeline pops due timeline entries and flips the referenced
// schemes. Entries whose scheme moved or whose time no longer matches
// the scheme's current start/expiry are stale and silently discarded.
// Returns true when the enabled set changed.
func (m *Manager) checkTimeline(nowMs int64) bool {
	changed := false
	for {
		top, ok := m.timeline.top()
		if !ok {
			break
		}
		if s, enabled := m.enabled[top.id]; enabled {
			if top.timeMs != s.ExpiryTimeMs {
				// Stale: expiry was rewritten since this entry was pushed.
				m.timeline.pop()
				continue
			}
			if top.timeMs > nowMs {
				break
			}
			delete(m.enabled, top.id)
			changed = true
			m.flip("Disabling enabled scheme", s, nowMs)
		} else if s, idle := m.idle[top.id]; idle {
			if top.timeMs != s.StartTimeMs {
				m.timeline.pop()
				continue
			}
			if top.timeMs > nowMs {
				break
			}
			delete(m.idle, top.id)
			m.enabled[top.id] = s
			m.timeline.push(s.ExpiryTimeMs, s.ID)
			changed = true
			m.flip("Enabling idle scheme", s, nowMs)
		} else {
			// Scheme was removed earlier; the entry is obsolete.
			m.timeline.pop()
			continue
		}
		m.timeline.pop()
	}
	return changed
}

// nextWakeMs returns the next valid timeline edge after discarding stale
// top entries, or false when the timeline is effectively empty.
func (m *Manager) nextWakeMs() (int64, bool) {
	for {
		top, ok := m.timeline.top()
		if !ok {
			return 0, false
		}
		if s, enabled := m.enabled[top.id]; enabled && top.timeMs == s.ExpiryTimeMs {
			return top.timeMs, true
		}
		if s, idle := m.idle[top.id]; idle && top.timeMs == s.StartTimeMs {
			return top.timeMs, true
		}
		m.timeline.pop()
	}
}

func (m *Manager) flip(event string, s *document.CollectionScheme, nowMs int64) {
	if m.metrics != nil {
		m.metrics.schemeFlips.Inc()
	}
	m.logger.Info(event,
		"scheme_id", s.ID,
		"start_ms", s.StartTimeMs,
		"expiry_ms", s.ExpiryTimeMs,
		"now_ms", nowMs)
}

func (m *Manager) logSchemeMaps() {
	enabledIDs := make([]document.SyncID, 0, len(m.enabled))
	for id := range m.enabled {
		enabledIDs = append(enabledIDs, id)
	}
	idleIDs := make([]document.SyncID, 0, len(m.idle))
	for id := range m.idle {
		idleIDs = append(idleIDs, id)
	}
	m.logger.Debug("Scheme maps", "enabled", enabledIDs, "idle", idleIDs)
}
