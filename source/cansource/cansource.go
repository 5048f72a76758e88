// Package cansource implements the raw CAN data source: a worker that
// drains frames from a socket-CAN interface in batches and hands them,
// together with the active decoder dictionary, to the frame consumer.
// The worker sleeps whenever no dictionary is active and resumes on the
// next dictionary update.
package cansource

import (
	"context"
	stderrors "errors"
	"log/slog"
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

// batchSize is how many frames one receive cycle drains at most.
const batchSize = 10

// DefaultIdleTimeMs is the sleep between empty receive cycles.
const DefaultIdleTimeMs = 50

// Consumer decodes dispatched frames against the dictionary snapshot.
type Consumer interface {
	ProcessFrame(channelID document.ChannelNumericID, dict *dictionary.CANDictionary,
		frameID uint32, data []byte, timestampMs int64)
}

// Metrics holds Prometheus metrics for one CAN source.
type Metrics struct {
	framesReceived     prometheus.Counter
	nonMonotonicFrames prometheus.Counter
	receiveErrors      prometheus.Counter
}

func newMetrics(registry *metric.Registry, interfaceName string) *Metrics {
	if registry == nil {
		return nil
	}
	metrics := &Metrics{
		framesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fleetedge",
			Subsystem:   "can",
			Name:        "frames_received_total",
			Help:        "CAN frames received",
			ConstLabels: prometheus.Labels{"interface": interfaceName},
		}),
		nonMonotonicFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fleetedge",
			Subsystem:   "can",
			Name:        "non_monotonic_frames_total",
			Help:        "Frames whose timestamp regressed",
			ConstLabels: prometheus.Labels{"interface": interfaceName},
		}),
		receiveErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   "fleetedge",
			Subsystem:   "can",
			Name:        "receive_errors_total",
			Help:        "Socket receive errors",
			ConstLabels: prometheus.Labels{"interface": interfaceName},
		}),
	}
	name := "can_" + interfaceName
	_ = registry.RegisterCounter(name, "frames_received", metrics.framesReceived)
	_ = registry.RegisterCounter(name, "non_monotonic_frames", metrics.nonMonotonicFrames)
	_ = registry.RegisterCounter(name, "receive_errors", metrics.receiveErrors)
	return metrics
}

// Config holds configuration for one CAN source.
type Config struct {
	InterfaceName string        `json:"interface_name"`
	TimestampType TimestampType `json:"-"`
	// ForceCanFD makes missing FD support fatal instead of degrading.
	ForceCanFD bool   `json:"force_can_fd"`
	IdleTimeMs uint32 `json:"idle_time_ms"`
}

// Validate implements config validation.
func (c *Config) Validate() error {
	if c.InterfaceName == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "can-source", "Validate", "interface name check")
	}
	return nil
}

// Deps holds runtime dependencies for a CAN source.
type Deps struct {
	ChannelID       document.ChannelNumericID
	Config          Config
	Consumer        Consumer
	Clock           clock.Clock
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
	// OnFatal is invoked when the source dies, e.g. the interface was
	// removed. The supervisor decides whether to restart the agent.
	OnFatal func(err error)
}

// Source is the raw CAN data source worker.
type Source struct {
	channelID  document.ChannelNumericID
	config     Config
	consumer   Consumer
	clock      clock.Clock
	logger     *slog.Logger
	metrics    *Metrics
	onFatal    func(err error)
	idleTimeMs uint32

	// Current dictionary snapshot, swapped by the manager's worker and
	// read by this worker under a short lock.
	dictMu sync.Mutex
	dict   *dictionary.CANDictionary

	endpoint endpoint

	wake     chan struct{}
	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	mu       sync.Mutex
	wg       sync.WaitGroup

	lastFrameTimeMs int64
}

// NewSource creates a CAN source. Connect opens the endpoint and starts
// the worker.
func NewSource(deps Deps) *Source {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	idleTime := deps.Config.IdleTimeMs
	if idleTime == 0 {
		idleTime = DefaultIdleTimeMs
	}
	return &Source{
		channelID:  deps.ChannelID,
		config:     deps.Config,
		consumer:   deps.Consumer,
		clock:      deps.Clock,
		logger:     logger.With("component", "can-source", "interface", deps.Config.InterfaceName),
		metrics:    newMetrics(deps.MetricsRegistry, deps.Config.InterfaceName),
		onFatal:    deps.OnFatal,
		idleTimeMs: idleTime,
		wake:       make(chan struct{}, 1),
	}
}

// OnDictionaryUpdate implements the manager's dictionary listener. A nil
// dictionary puts the worker to sleep; a new one wakes it.
func (s *Source) OnDictionaryUpdate(dict dictionary.Dictionary, protocol document.Protocol) {
	if protocol != document.ProtocolRawSocket {
		return
	}
	canDict, ok := dict.(*dictionary.CANDictionary)
	if dict != nil && !ok {
		// Variant mismatch at the listener boundary is a wiring bug.
		s.logger.Error("Dictionary variant mismatch, treating as empty")
	}
	s.dictMu.Lock()
	s.dict = canDict
	s.dictMu.Unlock()
	if canDict != nil {
		s.logger.Debug("Resuming CAN data acquisition")
		s.notify()
	} else {
		s.logger.Debug("No active CAN dictionary, worker going to sleep")
	}
}

func (s *Source) notify() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Source) snapshotDictionary() *dictionary.CANDictionary {
	s.dictMu.Lock()
	defer s.dictMu.Unlock()
	return s.dict
}

// Connect opens the endpoint and starts the worker. The endpoint is
// released on every error path.
func (s *Source) Connect(ctx context.Context) error {
	if err := s.config.Validate(); err != nil {
		return err
	}
	ep, err := openRawEndpoint(s.config.InterfaceName, s.config.TimestampType, s.config.ForceCanFD)
	if err != nil {
		return err
	}
	return s.startWithEndpoint(ctx, ep)
}

// startWithEndpoint launches the worker over an already open endpoint.
func (s *Source) startWithEndpoint(ctx context.Context, ep endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running.Load() {
		_ = ep.Close()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "can-source", "Connect", "state check")
	}
	s.endpoint = ep
	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})
	s.running.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.done)
		s.doWork(ctx)
	}()
	s.logger.Info("CAN data source started", "channel", s.channelID)
	return nil
}

// Disconnect stops the worker and closes the endpoint. Idempotent and
// safe on a never-connected source.
func (s *Source) Disconnect(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	close(s.shutdown)
	s.notify()
	select {
	case <-s.done:
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "can-source", "Disconnect", "worker join")
	}
	err := s.endpoint.Close()
	s.endpoint = nil
	s.logger.Info("CAN data source stopped")
	return err
}

// doWork is the receive loop: snapshot dictionary, drain a batch,
// dispatch, idle when the bus is quiet.
func (s *Source) doWork(ctx context.Context) {
	frames := make([]Frame, batchSize)
	// After waking from a dictionary-less sleep, frames buffered by the
	// kernel during the pause are stale and discarded for one cycle.
	wokeUpFromSleep := false
	for s.running.Load() {
		dict := s.snapshotDictionary()
		if dict == nil {
			if !s.waitFor(ctx, 0) {
				return
			}
			wokeUpFromSleep = true
			continue
		}

		n, err := s.endpoint.ReceiveBatch(frames)
		if err != nil {
			if errors.IsFatal(err) {
				s.logger.Error("CAN interface removed, stopping source", "error", err)
				s.running.Store(false)
				_ = s.endpoint.Close()
				if s.onFatal != nil {
					s.onFatal(err)
				}
				return
			}
			if stderrors.Is(err, errors.ErrNetworkDown) {
				// Socket stays alive; consumption resumes when the
				// network is back.
				s.logger.Error("CAN network down or unreachable", "error", err)
			} else {
				s.logger.Warn("CAN receive error", "error", err)
			}
			if s.metrics != nil {
				s.metrics.receiveErrors.Inc()
			}
		}

		for i := 0; i < n; i++ {
			if wokeUpFromSleep {
				continue
			}
			timestamp := frames[i].TimestampMs
			if timestamp == 0 {
				timestamp = s.clock.SystemTimeMs()
			}
			if timestamp < s.lastFrameTimeMs {
				if s.metrics != nil {
					s.metrics.nonMonotonicFrames.Inc()
				}
			}
			s.lastFrameTimeMs = timestamp
			if s.metrics != nil {
				s.metrics.framesReceived.Inc()
			}
			s.consumer.ProcessFrame(s.channelID, dict, frames[i].ID, frames[i].Data, timestamp)
		}

		if n < batchSize {
			if !s.waitFor(ctx, time.Duration(s.idleTimeMs)*time.Millisecond) {
				return
			}
			wokeUpFromSleep = false
		}
	}
}

// waitFor blocks until notified, the timeout elapses (when non-zero), or
// shutdown. Returns false when the worker should exit.
func (s *Source) waitFor(ctx context.Context, timeout time.Duration) bool {
	var timerC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timerC = timer.C
	}
	select {
	case <-ctx.Done():
		return false
	case <-s.shutdown:
		return false
	case <-s.wake:
		return true
	case <-timerC:
		return true
	}
}
