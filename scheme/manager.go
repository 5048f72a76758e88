// Package scheme implements the collection-scheme manager: the single
// worker that owns the enabled/idle scheme maps and the activation
// timeline, adopts documents arriving from the transport, derives the
// decoder dictionaries and inspection/fetch matrices, and fans them out
// to the data sources and the condition evaluator.
package scheme

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hefroy/fleetedge/clock"
	"github.com/hefroy/fleetedge/dictionary"
	"github.com/hefroy/fleetedge/document"
	"github.com/hefroy/fleetedge/errors"
	"github.com/hefroy/fleetedge/metric"
	"github.com/hefroy/fleetedge/store"
	"github.com/hefroy/fleetedge/translator"
)

// DefaultIdleTimeMs bounds the worker's sleep so transient wake losses
// cannot stall timeline processing indefinitely.
const DefaultIdleTimeMs = 1000

// Metrics holds Prometheus metrics for the scheme manager.
type Metrics struct {
	documentsReceived prometheus.Counter
	buildErrors       prometheus.Counter
	schemeFlips       prometheus.Counter
	checkinsEmitted   prometheus.Counter
	enabledSchemes    prometheus.Gauge
	idleSchemes       prometheus.Gauge
	extractionSeconds prometheus.Histogram
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}
	metrics := &Metrics{
		documentsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetedge",
			Subsystem: "scheme_manager",
			Name:      "documents_received_total",
			Help:      "Documents adopted from the transport",
		}),
		buildErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetedge",
			Subsystem: "scheme_manager",
			Name:      "document_build_errors_total",
			Help:      "Documents that failed to build",
		}),
		schemeFlips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetedge",
			Subsystem: "scheme_manager",
			Name:      "scheme_flips_total",
			Help:      "Schemes moved between enabled and idle",
		}),
		checkinsEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetedge",
			Subsystem: "scheme_manager",
			Name:      "checkins_emitted_total",
			Help:      "Checkin document sets handed to the sender",
		}),
		enabledSchemes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetedge",
			Subsystem: "scheme_manager",
			Name:      "enabled_schemes",
			Help:      "Schemes currently enabled",
		}),
		idleSchemes: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetedge",
			Subsystem: "scheme_manager",
			Name:      "idle_schemes",
			Help:      "Schemes waiting for their start time",
		}),
		extractionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleetedge",
			Subsystem: "scheme_manager",
			Name:      "extraction_duration_seconds",
			Help:      "Time spent deriving dictionaries and matrices",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		}),
	}
	_ = registry.RegisterCounter("scheme_manager", "documents_received", metrics.documentsReceived)
	_ = registry.RegisterCounter("scheme_manager", "build_errors", metrics.buildErrors)
	_ = registry.RegisterCounter("scheme_manager", "scheme_flips", metrics.schemeFlips)
	_ = registry.RegisterCounter("scheme_manager", "checkins_emitted", metrics.checkinsEmitted)
	_ = registry.RegisterGauge("scheme_manager", "enabled_schemes", metrics.enabledSchemes)
	_ = registry.RegisterGauge("scheme_manager", "idle_schemes", metrics.idleSchemes)
	_ = registry.RegisterHistogram("scheme_manager", "extraction_seconds", metrics.extractionSeconds)
	return metrics
}

// Deps holds runtime dependencies for the manager.
type Deps struct {
	Clock           clock.Clock
	Store           store.Store
	Translator      *translator.Translator
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
	// IdleTimeMs overrides the default worker idle bound; 0 keeps it.
	IdleTimeMs uint32
}

// Manager serializes all scheme state changes onto a single worker.
type Manager struct {
	clock      clock.Clock
	docStore   store.Store
	extractor  *dictionary.Extractor
	logger     *slog.Logger
	metrics    *Metrics
	idleTimeMs uint32

	// Intake: pending slots guarded by intakeMu, written by any thread,
	// adopted by the worker. The main state below is worker-only.
	intakeMu          sync.Mutex
	pendingSchemeList *document.SchemeList
	schemeAvailable   bool
	pendingManifest   *document.DecoderManifest
	manifestAvailable bool
	pendingStateDiff  *document.StateTemplateDiff
	stateAvailable    bool
	adoptedSchemeList *document.SchemeList

	// wake is signalled by ingress and by Stop.
	wake chan struct{}

	// Worker-owned state. The incoming slots hold documents adopted
	// from intake but not yet built; a failed build leaves the
	// installed documents untouched.
	enabled            map[document.SyncID]*document.CollectionScheme
	idle               map[document.SyncID]*document.CollectionScheme
	timeline           *timeline
	incomingSchemeList *document.SchemeList
	incomingManifest   *document.DecoderManifest
	schemeList         *document.SchemeList
	manifest           *document.DecoderManifest
	stateDiff          *document.StateTemplateDiff
	currentManifestID document.SyncID
	stateTemplates    map[document.SyncID]*document.StateTemplate
	lastStateVersion  uint64
	alloc             *dictionary.PartialSignalAllocator
	processScheme     bool
	processManifest   bool
	processState      bool

	listeners listeners

	// Lifecycle.
	lifecycleMu sync.Mutex
	running     atomic.Bool
	shutdown    chan struct{}
	done        chan struct{}
	wg          sync.WaitGroup
}

// NewManager creates a manager. Start launches the worker.
func NewManager(deps Deps) *Manager {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "scheme-manager")
	idleTime := uint32(DefaultIdleTimeMs)
	if deps.IdleTimeMs != 0 {
		idleTime = deps.IdleTimeMs
	}
	return &Manager{
		clock:          deps.Clock,
		docStore:       deps.Store,
		extractor:      dictionary.NewExtractor(deps.Translator, logger),
		logger:         logger,
		metrics:        newMetrics(deps.MetricsRegistry),
		idleTimeMs:     idleTime,
		wake:           make(chan struct{}, 1),
		enabled:        make(map[document.SyncID]*document.CollectionScheme),
		idle:           make(map[document.SyncID]*document.CollectionScheme),
		timeline:       newTimeline(),
		stateTemplates: make(map[document.SyncID]*document.StateTemplate),
		alloc:          dictionary.NewPartialSignalAllocator(),
	}
}

// OnSchemeList queues a scheme list for adoption and wakes the worker.
// Safe to call from any goroutine; returns immediately.
func (m *Manager) OnSchemeList(list *document.SchemeList) {
	m.intakeMu.Lock()
	m.pendingSchemeList = list
	m.schemeAvailable = true
	m.intakeMu.Unlock()
	m.notify()
}

// OnDecoderManifest queues a decoder manifest for adoption and wakes the
// worker. Safe to call from any goroutine; returns immediately.
func (m *Manager) OnDecoderManifest(manifest *document.DecoderManifest) {
	m.intakeMu.Lock()
	m.pendingManifest = manifest
	m.manifestAvailable = true
	m.intakeMu.Unlock()
	m.notify()
}

// OnStateTemplates queues a state template diff and wakes the worker.
func (m *Manager) OnStateTemplates(diff *document.StateTemplateDiff) {
	m.intakeMu.Lock()
	m.pendingStateDiff = diff
	m.stateAvailable = true
	m.intakeMu.Unlock()
	m.notify()
}

// SchemeIDs returns a snapshot of the scheme ids in the last adopted
// scheme list.
func (m *Manager) SchemeIDs() []document.SyncID {
	m.intakeMu.Lock()
	defer m.intakeMu.Unlock()
	if m.adoptedSchemeList == nil {
		return nil
	}
	schemes := m.adoptedSchemeList.Schemes()
	ids := make([]document.SyncID, 0, len(schemes))
	for _, s := range schemes {
		ids = append(ids, s.ID)
	}
	return ids
}

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Initialize validates dependencies.
func (m *Manager) Initialize() error {
	if m.clock == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "scheme-manager", "Initialize", "clock validation")
	}
	if m.docStore == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "scheme-manager", "Initialize", "store validation")
	}
	return nil
}

// Start launches the worker goroutine. Idempotent.
func (m *Manager) Start(ctx context.Context) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if m.running.Load() {
		return nil
	}
	m.shutdown = make(chan struct{})
	m.done = make(chan struct{})
	m.running.Store(true)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(m.done)
		m.doWork(ctx)
	}()
	m.logger.Info("Scheme manager started")
	return nil
}

// Stop signals the worker and waits for it to exit. Idempotent and safe
// on a never-started manager.
func (m *Manager) Stop(timeout time.Duration) error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()
	if !m.running.Load() {
		return nil
	}
	m.running.Store(false)
	close(m.shutdown)
	m.notify()
	select {
	case <-m.done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "scheme-manager", "Stop", "worker join")
	}
	m.logger.Info("Scheme manager stopped")
	return nil
}

func (m *Manager) shouldStop() bool {
	return !m.running.Load()
}

// restore loads the last-known documents from the persistent store and
// queues them as if they had just arrived. Best-effort: any failure is
// logged and startup continues with an empty state.
func (m *Manager) restore(ctx context.Context) {
	if doc, err := m.docStore.Read(ctx, store.SlotSchemeList); err == nil {
		list := &document.SchemeList{}
		list.CopyData(doc.Data)
		m.OnSchemeList(list)
		m.logger.Info("Restored scheme list from store", "sync_id", doc.SyncID)
	} else if !stderrors.Is(err, errors.ErrSlotNotFound) {
		m.logger.Warn("Scheme list restore failed", "error", err)
	}
	if doc, err := m.docStore.Read(ctx, store.SlotDecoderManifest); err == nil {
		manifest := document.NewDecoderManifest(m.logger)
		manifest.CopyData(doc.Data)
		m.OnDecoderManifest(manifest)
		m.logger.Info("Restored decoder manifest from store", "sync_id", doc.SyncID)
	} else if !stderrors.Is(err, errors.ErrSlotNotFound) {
		m.logger.Warn("Decoder manifest restore failed", "error", err)
	}
}

// doWork is the manager worker loop. All mutations of the enabled/idle
// maps and the timeline happen here.
func (m *Manager) doWork(ctx context.Context) {
	m.restore(ctx)
	initialCheckin := true
	for {
		m.adoptPending()

		manifestChanged := false
		enabledChanged := false
		stateChanged := false
		if m.processManifest {
			m.processManifest = false
			manifestChanged = m.handleManifest(ctx)
		}
		if m.processScheme {
			m.processScheme = false
			if m.handleSchemeList(ctx) {
				enabledChanged = true
			}
		}
		if m.processState {
			m.processState = false
			stateChanged = m.handleStateTemplates(ctx)
		}

		now := m.clock.SystemTimeMs()
		if m.checkTimeline(now) {
			enabledChanged = true
		}

		documentsChanged := manifestChanged || enabledChanged || stateChanged
		if documentsChanged || initialCheckin {
			initialCheckin = false
			m.emitCheckin()
		}
		if manifestChanged || enabledChanged {
			m.extractAndPublish()
		}
		m.updateGauges()

		if !m.waitForNextEvent(ctx) {
			return
		}
		if m.shouldStop() {
			return
		}
	}
}

// waitForNextEvent sleeps until the next timeline edge, an ingress
// notification, or shutdown. Returns false when the worker should exit.
func (m *Manager) waitForNextEvent(ctx context.Context) bool {
	now := m.clock.SystemTimeMs()
	var timerC <-chan time.Time
	if top, ok := m.timeline.top(); ok {
		if top.timeMs <= now {
			// Next edge already due, loop immediately.
			return !m.shouldStop()
		}
		waitMs := top.timeMs - now
		if waitMs > int64(m.idleTimeMs) {
			waitMs = int64(m.idleTimeMs)
		}
		timer := time.NewTimer(time.Duration(waitMs) * time.Millisecond)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-m.shutdown:
		return false
	case <-m.wake:
		return true
	case <-timerC:
		return true
	}
}

// adoptPending moves pending documents into the worker slots.
func (m *Manager) adoptPending() {
	m.intakeMu.Lock()
	defer m.intakeMu.Unlock()
	if m.schemeAvailable && m.pendingSchemeList != nil {
		m.incomingSchemeList = m.pendingSchemeList
		m.processScheme = true
		if m.metrics != nil {
			m.metrics.documentsReceived.Inc()
		}
	}
	m.schemeAvailable = false
	if m.manifestAvailable && m.pendingManifest != nil {
		m.incomingManifest = m.pendingManifest
		m.processManifest = true
		if m.metrics != nil {
			m.metrics.documentsReceived.Inc()
		}
	}
	m.manifestAvailable = false
	if m.stateAvailable && m.pendingStateDiff != nil {
		m.stateDiff = m.pendingStateDiff
		m.processState = true
	}
	m.stateAvailable = false
}

// handleManifest builds the adopted manifest and installs it when its
// sync id differs from the current one. A failed build keeps the old
// manifest active.
func (m *Manager) handleManifest(ctx context.Context) bool {
	incoming := m.incomingManifest
	if incoming == nil {
		return false
	}
	if err := incoming.Build(); err != nil {
		// The old manifest stays active.
		m.logger.Error("Decoder manifest failed to build", "error", err)
		if m.metrics != nil {
			m.metrics.buildErrors.Inc()
		}
		return false
	}
	if incoming.ID() == m.currentManifestID {
		m.logger.Debug("Ignoring decoder manifest with unchanged id", "sync_id", m.currentManifestID)
		return false
	}
	m.logger.Info("Replacing decoder manifest",
		"old", m.currentManifestID, "new", incoming.ID(),
		"enabled", len(m.enabled), "idle", len(m.idle))
	m.manifest = incoming
	m.currentManifestID = incoming.ID()
	// New manifest epoch: synthetic partial-signal ids restart.
	m.alloc = dictionary.NewPartialSignalAllocator()
	m.persist(ctx, store.SlotDecoderManifest, m.manifest.Data(), m.currentManifestID)

	m.listeners.mu.Lock()
	customListeners := m.listeners.customDecoderMap
	m.listeners.mu.Unlock()
	for _, l := range customListeners {
		l(m.currentManifestID, m.manifest.CustomSignalDecoderFormats())
	}
	return true
}

// handleSchemeList builds the adopted scheme list and reconciles it into
// the enabled/idle maps. Returns true when the enabled set changed.
func (m *Manager) handleSchemeList(ctx context.Context) bool {
	incoming := m.incomingSchemeList
	if incoming == nil {
		return false
	}
	if err := incoming.Build(); err != nil {
		// The old scheme list stays active.
		m.logger.Error("Scheme list failed to build", "error", err)
		if m.metrics != nil {
			m.metrics.buildErrors.Inc()
		}
		return false
	}
	m.schemeList = incoming
	m.intakeMu.Lock()
	m.adoptedSchemeList = m.schemeList
	m.intakeMu.Unlock()
	m.persist(ctx, store.SlotSchemeList, m.schemeList.Data(), "")

	now := m.clock.SystemTimeMs()
	if len(m.enabled) == 0 && len(m.idle) == 0 {
		return m.rebuildMapsAndTimeline(now)
	}
	return m.updateMapsAndTimeline(now)
}

// handleStateTemplates applies a versioned diff over the last-known-
// state templates. Stale versions are ignored.
func (m *Manager) handleStateTemplates(_ context.Context) bool {
	diff := m.stateDiff
	if diff == nil {
		return false
	}
	if diff.Version < m.lastStateVersion {
		m.logger.Debug("Ignoring stale state template diff",
			"version", diff.Version, "current", m.lastStateVersion)
		return false
	}
	m.lastStateVersion = diff.Version
	modified := false
	for _, id := range diff.Remove {
		if _, ok := m.stateTemplates[id]; ok {
			delete(m.stateTemplates, id)
			modified = true
		}
	}
	for _, template := range diff.Add {
		if _, ok := m.stateTemplates[template.ID]; ok {
			continue
		}
		m.stateTemplates[template.ID] = template
		modified = true
	}
	return modified
}

func (m *Manager) persist(ctx context.Context, slot store.Slot, data []byte, syncID string) {
	if err := m.docStore.Write(ctx, slot, store.Document{Data: data, SyncID: syncID}); err != nil {
		// Transient persistence failure never blocks the worker loop.
		m.logger.Warn("Document persistence failed", "slot", slot, "error", err)
	}
}

// emitCheckin hands the full set of known document ids to the checkin
// listeners: enabled, idle, the current manifest, and state templates.
func (m *Manager) emitCheckin() {
	ids := make([]document.SyncID, 0, len(m.enabled)+len(m.idle)+1+len(m.stateTemplates))
	for id := range m.enabled {
		ids = append(ids, id)
	}
	for id := range m.idle {
		ids = append(ids, id)
	}
	if m.currentManifestID != "" {
		ids = append(ids, m.currentManifestID)
	}
	for id := range m.stateTemplates {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if m.metrics != nil {
		m.metrics.checkinsEmitted.Inc()
	}
	m.listeners.mu.Lock()
	checkinListeners := m.listeners.checkin
	m.listeners.mu.Unlock()
	for _, l := range checkinListeners {
		l(ids)
	}
}

// extractAndPublish derives all artifacts from the current snapshot and
// fans them out: the decoder dictionary for every protocol first, then
// the inspection matrix and the fetch matrix.
func (m *Manager) extractAndPublish() {
	start := time.Now()
	enabled := m.enabledSchemes()

	var dicts map[document.Protocol]dictionary.Dictionary
	var matrix *dictionary.InspectionMatrix
	var fetch *dictionary.FetchMatrix
	if m.manifest != nil && m.manifest.Ready() {
		dicts = m.extractor.DecoderDictionaries(m.manifest, m.currentManifestID, enabled, m.alloc)
		matrix = m.extractor.InspectionMatrix(m.manifest, m.currentManifestID, enabled, m.alloc)
		fetch = m.extractor.FetchMatrix(m.currentManifestID, enabled)
	} else {
		matrix = &dictionary.InspectionMatrix{}
		fetch = dictionary.NewFetchMatrix()
	}

	m.listeners.mu.Lock()
	activeListeners := m.listeners.activeSchemes
	dictListeners := m.listeners.dictionary
	matrixListeners := m.listeners.inspectionMatrix
	fetchListeners := m.listeners.fetchMatrix
	bufferListeners := m.listeners.bufferConfig
	m.listeners.mu.Unlock()

	active := m.consistentEnabled(enabled)
	for _, l := range activeListeners {
		l(active)
	}
	protocols := []document.Protocol{
		document.ProtocolRawSocket,
		document.ProtocolOBD,
		document.ProtocolCustom,
		document.ProtocolComplexData,
	}
	for _, protocol := range protocols {
		dict := dicts[protocol]
		for _, l := range dictListeners {
			l(dict, protocol)
		}
	}
	for _, l := range matrixListeners {
		l(matrix)
	}
	for _, l := range fetchListeners {
		l(fetch)
	}
	if len(bufferListeners) > 0 && m.manifest != nil && m.manifest.Ready() {
		complexDict, _ := dicts[document.ProtocolComplexData].(*dictionary.ComplexDictionary)
		configs := m.extractor.BufferConfig(m.manifest, m.currentManifestID, enabled, complexDict)
		for _, l := range bufferListeners {
			l(configs)
		}
	}
	m.logger.Info("Published derived artifacts",
		"manifest", m.currentManifestID,
		"enabled_schemes", len(enabled),
		"conditions", len(matrix.Conditions),
		"protocols", len(dicts))
	if m.metrics != nil {
		m.metrics.extractionSeconds.Observe(time.Since(start).Seconds())
	}
}

// enabledSchemes returns the enabled schemes sorted by id.
func (m *Manager) enabledSchemes() []*document.CollectionScheme {
	out := make([]*document.CollectionScheme, 0, len(m.enabled))
	for _, s := range m.enabled {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// consistentEnabled filters the enabled schemes to those referencing the
// current manifest.
func (m *Manager) consistentEnabled(enabled []*document.CollectionScheme) []*document.CollectionScheme {
	out := make([]*document.CollectionScheme, 0, len(enabled))
	for _, s := range enabled {
		if m.currentManifestID != "" && s.DecoderManifestID == m.currentManifestID {
			out = append(out, s)
		}
	}
	return out
}

func (m *Manager) updateGauges() {
	if m.metrics == nil {
		return
	}
	m.metrics.enabledSchemes.Set(float64(len(m.enabled)))
	m.metrics.idleSchemes.Set(float64(len(m.idle)))
}
