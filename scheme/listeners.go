package scheme

import (
	"sync"

	"github.com/hefroy/fleetedge/dictionary"
	"github.com/hefroy/fleetedge/document"
)

// Listener callback types fanned out by the manager. All callbacks are
// invoked from the manager's worker goroutine; listeners must not block.
type (
	// DictionaryListener receives the active decoder dictionary for one
	// protocol. A nil dictionary means the protocol has no active
	// decoders and its source should pause.
	DictionaryListener func(dict dictionary.Dictionary, protocol document.Protocol)

	// InspectionMatrixListener receives the derived condition set. The
	// dictionary for each protocol is always published first, because
	// dictionary extraction may assign the synthetic signal ids the
	// matrix refers to.
	InspectionMatrixListener func(matrix *dictionary.InspectionMatrix)

	// FetchMatrixListener receives the derived fetch schedule.
	FetchMatrixListener func(matrix *dictionary.FetchMatrix)

	// ActiveSchemesListener receives the manifest-consistent enabled
	// schemes after every change.
	ActiveSchemesListener func(schemes []*document.CollectionScheme)

	// CustomDecoderMapListener receives the manifest's custom decoder
	// map whenever a new manifest is installed.
	CustomDecoderMapListener func(manifestID document.SyncID, decoders map[document.SignalID]document.CustomSignalDecoderFormat)

	// CheckinListener receives the full set of known document ids
	// whenever it changes.
	CheckinListener func(ids []document.SyncID)

	// BufferConfigListener receives the raw-buffer slots needed for
	// string and complex signals.
	BufferConfigListener func(configs []dictionary.BufferSignalConfig)
)

// listeners holds the subscribed callbacks. Subscription happens during
// wiring, before Start; the slices are read-only afterwards.
type listeners struct {
	mu               sync.Mutex
	dictionary       []DictionaryListener
	inspectionMatrix []InspectionMatrixListener
	fetchMatrix      []FetchMatrixListener
	activeSchemes    []ActiveSchemesListener
	customDecoderMap []CustomDecoderMapListener
	checkin          []CheckinListener
	bufferConfig     []BufferConfigListener
}

// SubscribeDictionary registers a decoder dictionary listener.
func (m *Manager) SubscribeDictionary(l DictionaryListener) {
	m.listeners.mu.Lock()
	defer m.listeners.mu.Unlock()
	m.listeners.dictionary = append(m.listeners.dictionary, l)
}

// SubscribeInspectionMatrix registers an inspection matrix listener.
func (m *Manager) SubscribeInspectionMatrix(l InspectionMatrixListener) {
	m.listeners.mu.Lock()
	defer m.listeners.mu.Unlock()
	m.listeners.inspectionMatrix = append(m.listeners.inspectionMatrix, l)
}

// SubscribeFetchMatrix registers a fetch matrix listener.
func (m *Manager) SubscribeFetchMatrix(l FetchMatrixListener) {
	m.listeners.mu.Lock()
	defer m.listeners.mu.Unlock()
	m.listeners.fetchMatrix = append(m.listeners.fetchMatrix, l)
}

// SubscribeActiveSchemes registers an active schemes listener.
func (m *Manager) SubscribeActiveSchemes(l ActiveSchemesListener) {
	m.listeners.mu.Lock()
	defer m.listeners.mu.Unlock()
	m.listeners.activeSchemes = append(m.listeners.activeSchemes, l)
}

// SubscribeCustomDecoderMap registers a custom decoder map listener.
func (m *Manager) SubscribeCustomDecoderMap(l CustomDecoderMapListener) {
	m.listeners.mu.Lock()
	defer m.listeners.mu.Unlock()
	m.listeners.customDecoderMap = append(m.listeners.customDecoderMap, l)
}

// SubscribeCheckin registers a checkin listener.
func (m *Manager) SubscribeCheckin(l CheckinListener) {
	m.listeners.mu.Lock()
	defer m.listeners.mu.Unlock()
	m.listeners.checkin = append(m.listeners.checkin, l)
}

// SubscribeBufferConfig registers a raw-buffer configuration listener.
func (m *Manager) SubscribeBufferConfig(l BufferConfigListener) {
	m.listeners.mu.Lock()
	defer m.listeners.mu.Unlock()
	m.listeners.bufferConfig = append(m.listeners.bufferConfig, l)
}
