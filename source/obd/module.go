package obd

import (
	"context"
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
)

// detectTimeout bounds one ECU auto-detection round.
const detectTimeout = time.Second

// detectRetrySleep is the pause between failed detection rounds.
const detectRetrySleep = time.Second

// detector sends the service-01/PID-00 broadcast on raw CAN and gathers
// the response ids. Abstracted so tests run without a bus.
type detector interface {
	Detect(extended bool, timeout time.Duration) ([]uint32, error)
}

// connFactory opens the ISO-TP connection for one ECU, or the broadcast
// connection when rxID is zero.
type connFactory func(rxID, txID uint32, extended bool) (isotpConn, error)

// Config holds configuration for the OBD module.
type Config struct {
	InterfaceName string `json:"interface_name"`
	// PIDRequestIntervalS of 0 disables PID polling.
	PIDRequestIntervalS uint32 `json:"pid_request_interval_s"`
	// DTCRequestIntervalS of 0 disables DTC polling.
	DTCRequestIntervalS uint32 `json:"dtc_request_interval_s"`
	BroadcastRequests   bool   `json:"broadcast_obd_requests"`
}

// Validate implements config validation.
func (c *Config) Validate() error {
	if c.InterfaceName == "" && (c.PIDRequestIntervalS > 0 || c.DTCRequestIntervalS > 0) {
		return errors.WrapInvalid(errors.ErrMissingConfig, "obd-module", "Validate", "interface name check")
	}
	return nil
}

// Metrics holds Prometheus metrics for the OBD module.
type Metrics struct {
	requestsSent prometheus.Counter
	dtcRounds    prometheus.Counter
	ecusDetected prometheus.Gauge
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}
	metrics := &Metrics{
		requestsSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetedge",
			Subsystem: "obd",
			Name:      "requests_sent_total",
			Help:      "OBD requests sent across all ECUs",
		}),
		dtcRounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetedge",
			Subsystem: "obd",
			Name:      "dtc_rounds_total",
			Help:      "Completed DTC request rounds",
		}),
		ecusDetected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fleetedge",
			Subsystem: "obd",
			Name:      "ecus_detected",
			Help:      "ECUs found during auto-detection",
		}),
	}
	_ = registry.RegisterCounter("obd", "requests_sent", metrics.requestsSent)
	_ = registry.RegisterCounter("obd", "dtc_rounds", metrics.dtcRounds)
	_ = registry.RegisterGauge("obd", "ecus_detected", metrics.ecusDetected)
	return metrics
}

// Deps holds runtime dependencies for the OBD module.
type Deps struct {
	Config          Config
	Receiver        SignalReceiver
	Clock           clock.Clock
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger

	// Detector and ConnFactory default to the Linux socket
	// implementations when nil.
	Detector    detector
	ConnFactory connFactory
}

// Module is the OBD-over-CAN worker.
type Module struct {
	config      Config
	receiver    SignalReceiver
	clock       clock.Clock
	logger      *slog.Logger
	metrics     *Metrics
	detector    detector
	connFactory connFactory

	// Dictionary state shared with the manager's worker.
	dictMu        sync.Mutex
	decoder       *decoder
	requestedPIDs []document.PID
	pidAssigned   map[document.PID]struct{}
	dictAvailable atomic.Bool

	shouldRequestDTCs atomic.Bool

	ecus      []*ecu
	broadcast isotpConn

	wake     chan struct{}
	dataWake chan struct{}
	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup
}

// NewModule creates the OBD module. Connect starts the worker unless
// both request intervals are zero.
func NewModule(deps Deps) *Module {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "obd-module")
	m := &Module{
		config:      deps.Config,
		receiver:    deps.Receiver,
		clock:       deps.Clock,
		logger:      logger,
		metrics:     newMetrics(deps.MetricsRegistry),
		detector:    deps.Detector,
		connFactory: deps.ConnFactory,
		decoder:     newDecoder(),
		pidAssigned: make(map[document.PID]struct{}),
		wake:        make(chan struct{}, 1),
		dataWake:    make(chan struct{}, 1),
	}
	if m.detector == nil {
		m.detector = &rawCANDetector{interfaceName: deps.Config.InterfaceName, logger: logger}
	}
	if m.connFactory == nil {
		m.connFactory = func(rxID, txID uint32, extended bool) (isotpConn, error) {
			return openISOTPConn(deps.Config.InterfaceName, rxID, txID, extended)
		}
	}
	return m
}

// Connect starts the worker. With both intervals zero the module stays
// dormant and Connect succeeds without a thread.
func (m *Module) Connect(ctx context.Context) error {
	if err := m.config.Validate(); err != nil {
		return err
	}
	if m.config.PIDRequestIntervalS == 0 && m.config.DTCRequestIntervalS == 0 {
		m.logger.Info("PID and DTC intervals both zero, worker not started")
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
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
	m.logger.Info("OBD module started")
	return nil
}

// Disconnect stops the worker and closes every ECU connection.
func (m *Module) Disconnect(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running.Load() {
		return nil
	}
	m.running.Store(false)
	close(m.shutdown)
	m.notify(m.wake)
	m.notify(m.dataWake)
	select {
	case <-m.done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "obd-module", "Disconnect", "worker join")
	}
	for _, e := range m.ecus {
		e.close()
	}
	if m.broadcast != nil {
		_ = m.broadcast.Close()
	}
	m.logger.Info("OBD module stopped")
	return nil
}

func (m *Module) notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// OnDictionaryUpdate implements the manager's dictionary listener for
// the OBD protocol: it rebuilds the PID request set and re-partitions
// PIDs across the detected ECUs.
func (m *Module) OnDictionaryUpdate(dict dictionary.Dictionary, protocol document.Protocol) {
	if protocol != document.ProtocolOBD {
		return
	}
	canDict, ok := dict.(*dictionary.CANDictionary)
	if dict != nil && !ok {
		m.logger.Error("Dictionary variant mismatch, treating as empty")
		canDict = nil
	}
	m.dictMu.Lock()
	defer m.dictMu.Unlock()
	m.decoder.setDictionary(canDict)

	m.requestedPIDs = m.requestedPIDs[:0]
	if canDict != nil {
		for pid, method := range m.decoder.formats {
			// Only PIDs with signals in the collected set are polled.
			hasCollected := false
			for _, pidSignal := range method.PIDSignals {
				if canDict.CollectsSignal(pidSignal.SignalID) {
					hasCollected = true
					break
				}
			}
			if hasCollected {
				m.requestedPIDs = append(m.requestedPIDs, pid)
			}
		}
	}
	sort.Slice(m.requestedPIDs, func(i, j int) bool { return m.requestedPIDs[i] < m.requestedPIDs[j] })
	m.logger.Debug("OBD dictionary updated", "requested_pids", len(m.requestedPIDs))

	m.assignPIDsToECUsLocked()
	m.dictAvailable.Store(canDict != nil && !canDict.Empty())
	m.notify(m.dataWake)
}

// OnInspectionMatrixUpdate enables DTC polling when at least one active
// condition asks for DTCs.
func (m *Module) OnInspectionMatrixUpdate(matrix *dictionary.InspectionMatrix) {
	if matrix == nil {
		return
	}
	if matrix.RequiresDTCs() {
		m.shouldRequestDTCs.Store(true)
		m.notify(m.dataWake)
		m.logger.Info("DTC requests enabled")
		return
	}
	m.shouldRequestDTCs.Store(false)
}

// assignPIDsToECUsLocked re-runs supported-PID acquisition and the
// partitioning: a PID goes to the first ECU reporting it as supported
// and is never reassigned. Caller holds dictMu.
func (m *Module) assignPIDsToECUsLocked() {
	if len(m.ecus) == 0 {
		return
	}
	m.pidAssigned = make(map[document.PID]struct{})
	for _, e := range m.ecus {
		requests := e.requestReceiveSupportedPIDs(document.SIDCurrentStats)
		m.flush(requests, e)
		e.updatePIDRequestList(m.requestedPIDs, m.pidAssigned)
	}
}

// flush drains the non-target ECU queues after broadcast requests, up to
// the P2 budget per expected response.
func (m *Module) flush(requests int, except *ecu) {
	if !m.config.BroadcastRequests || requests == 0 {
		return
	}
	budget := P2TimeoutMs * time.Millisecond
	for _, e := range m.ecus {
		if e == except {
			continue
		}
		for i := 0; i < requests; i++ {
			e.flush(budget)
		}
	}
}

// doWork runs ECU discovery, then the steady-state request loop.
func (m *Module) doWork(ctx context.Context) {
	if !m.detectAndInitECUs(ctx) {
		return
	}

	pidElapsedStart := m.clock.MonotonicMs()
	dtcElapsedStart := m.clock.MonotonicMs()
	hasAcquiredSupportedPIDs := false

	for m.running.Load() {
		nowMono := m.clock.MonotonicMs()
		pidInterval := int64(m.config.PIDRequestIntervalS) * 1000
		dtcInterval := int64(m.config.DTCRequestIntervalS) * 1000

		if pidInterval > 0 && nowMono-pidElapsedStart >= pidInterval {
			pidElapsedStart = nowMono
			m.dictMu.Lock()
			if m.dictAvailable.Load() {
				if !hasAcquiredSupportedPIDs {
					hasAcquiredSupportedPIDs = true
					m.assignPIDsToECUsLocked()
					pidElapsedStart = m.clock.MonotonicMs()
				}
				timestamp := m.clock.SystemTimeMs()
				for _, e := range m.ecus {
					requests := e.requestReceiveEmissionPIDs(document.SIDCurrentStats, timestamp)
					if m.metrics != nil {
						m.metrics.requestsSent.Add(float64(requests))
					}
					m.flush(requests, e)
				}
			}
			m.dictMu.Unlock()
		}

		if dtcInterval > 0 && nowMono-dtcElapsedStart >= dtcInterval {
			dtcElapsedStart = nowMono
			if m.shouldRequestDTCs.Load() {
				m.requestDTCRound()
			}
		}

		sleep := m.sleepDuration(pidElapsedStart, dtcElapsedStart)
		if !m.waitFor(ctx, sleep) {
			return
		}
	}
}

// requestDTCRound asks every ECU for stored DTCs. Snapshots without any
// codes are still pushed: they mean the request ran and found none.
func (m *Module) requestDTCRound() {
	timestamp := m.clock.SystemTimeMs()
	var all []DTC
	succeeded := false
	for _, e := range m.ecus {
		codes, requests, ok := e.requestDTCs()
		if m.metrics != nil {
			m.metrics.requestsSent.Add(float64(requests))
		}
		m.flush(requests, e)
		if ok {
			succeeded = true
			all = append(all, codes...)
		}
	}
	if succeeded {
		if m.metrics != nil {
			m.metrics.dtcRounds.Inc()
		}
		m.receiver.PushDTCs(all, timestamp)
	}
}

// sleepDuration returns the smaller remaining interval.
func (m *Module) sleepDuration(pidStart, dtcStart int64) time.Duration {
	nowMono := m.clock.MonotonicMs()
	sleepMs := int64(1<<62 - 1)
	if m.config.PIDRequestIntervalS > 0 {
		remaining := int64(m.config.PIDRequestIntervalS)*1000 - (nowMono - pidStart)
		if remaining < sleepMs {
			sleepMs = remaining
		}
	}
	if m.config.DTCRequestIntervalS > 0 {
		remaining := int64(m.config.DTCRequestIntervalS)*1000 - (nowMono - dtcStart)
		if remaining < sleepMs {
			sleepMs = remaining
		}
	}
	if sleepMs < 0 {
		m.logger.Warn("Request time overdue", "overdue_ms", -sleepMs)
		return 0
	}
	return time.Duration(sleepMs) * time.Millisecond
}

// detectAndInitECUs loops ECU auto-detection until a response arrives or
// the module stops. Standard ids are probed first, then extended.
func (m *Module) detectAndInitECUs(ctx context.Context) bool {
	for m.running.Load() {
		// Without decoding work or DTC demand there is nothing to
		// detect for; sleep until either appears.
		if !m.shouldRequestDTCs.Load() && !m.dictAvailable.Load() {
			m.logger.Debug("No dictionary and DTC requests disabled, waiting")
			if !m.waitOnData(ctx) {
				return false
			}
			continue
		}

		extended := false
		responses, err := m.detector.Detect(extended, detectTimeout)
		if err != nil {
			m.logger.Error("ECU detection failed", "error", err)
		}
		if len(responses) == 0 {
			extended = true
			responses, err = m.detector.Detect(extended, detectTimeout)
			if err != nil {
				m.logger.Error("ECU detection failed", "error", err)
			}
		}
		if len(responses) == 0 {
			if !m.waitFor(ctx, detectRetrySleep) {
				return false
			}
			continue
		}

		if m.config.BroadcastRequests {
			broadcastTx := broadcastID
			if extended {
				broadcastTx = broadcastExtendedID
			}
			broadcast, err := m.connFactory(0, broadcastTx, extended)
			if err != nil {
				m.logger.Error("Broadcast connection failed, fatal for OBD", "error", err)
				return false
			}
			m.broadcast = broadcast
		}
		if !m.initECUs(extended, responses) {
			m.logger.Error("ECU initialization failed")
			return false
		}
		if m.metrics != nil {
			m.metrics.ecusDetected.Set(float64(len(m.ecus)))
		}
		m.logger.Info("ECU detection finished", "count", len(m.ecus), "extended_ids", extended)
		return true
	}
	return false
}

// initECUs opens one ISO-TP connection per distinct response id.
func (m *Module) initECUs(extended bool, responses []uint32) bool {
	seen := make(map[uint32]struct{})
	ids := make([]uint32, 0, len(responses))
	for _, rxID := range responses {
		if _, dup := seen[rxID]; dup {
			continue
		}
		seen[rxID] = struct{}{}
		ids = append(ids, rxID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, rxID := range ids {
		txID := txIDForRxID(extended, rxID)
		conn, err := m.connFactory(rxID, txID, extended)
		if err != nil {
			m.logger.Error("ISO-TP connection failed", "rx_id", rxID, "error", err)
			return false
		}
		m.ecus = append(m.ecus, &ecu{
			rxID:      rxID,
			txID:      txID,
			extended:  extended,
			conn:      conn,
			broadcast: m.broadcast,
			decoder:   m.decoder,
			receiver:  m.receiver,
			logger:    m.logger,
		})
	}
	return true
}

// ExternalPIDsToRequest lists the PIDs the current dictionary decodes,
// for integrations that obtain OBD data from another stack.
func (m *Module) ExternalPIDsToRequest() []document.PID {
	m.dictMu.Lock()
	defer m.dictMu.Unlock()
	pids := m.decoder.pids()
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// SetExternalPIDResponse decodes an externally obtained PID response and
// pushes the values. Responses for PIDs outside the dictionary are
// dropped with a warning.
func (m *Module) SetExternalPIDResponse(pid document.PID, response []byte) {
	m.dictMu.Lock()
	defer m.dictMu.Unlock()
	if _, ok := m.decoder.formats[pid]; !ok {
		m.logger.Warn("Unexpected external PID response", "pid", pid)
		return
	}
	expected := 2 + m.decoder.responseLength(pid)
	if len(response) < expected {
		m.logger.Warn("Unexpected external PID response length", "pid", pid, "length", len(response))
		return
	}
	values, err := m.decoder.decodeEmissionResponse(document.SIDCurrentStats, []document.PID{pid}, response[:expected])
	if err != nil {
		m.logger.Warn("External PID response decode failed", "pid", pid, "error", err)
		return
	}
	timestamp := m.clock.SystemTimeMs()
	for _, v := range values {
		m.receiver.PushSignal(v.SignalID, v.Value, timestamp)
	}
}

func (m *Module) waitFor(ctx context.Context, timeout time.Duration) bool {
	if timeout <= 0 {
		return m.running.Load()
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.shutdown:
		return false
	case <-m.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (m *Module) waitOnData(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-m.shutdown:
		return false
	case <-m.dataWake:
		return true
	}
}
