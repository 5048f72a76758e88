// Package checkin implements the checkin sender: a worker that
// periodically reports the set of document ids the agent knows to the
// cloud. The scheme manager updates the set through the listener; the
// sender owns its own pacing and retries.
package checkin

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hefroy/fleetedge/document"
	"github.com/hefroy/fleetedge/errors"
	"github.com/hefroy/fleetedge/metric"
)

// DefaultPeriod is the checkin interval when none is configured.
const DefaultPeriod = 60 * time.Second

// Publisher sends a serialized checkin to the cloud; the transport
// implements it.
type Publisher interface {
	PublishCheckin(payload []byte) error
}

// message is the checkin wire format.
type message struct {
	TimestampMs int64             `json:"timestamp_ms"`
	DocumentIDs []document.SyncID `json:"document_ids"`
}

// Metrics holds Prometheus metrics for the sender.
type Metrics struct {
	sent   prometheus.Counter
	failed prometheus.Counter
}

func newMetrics(registry *metric.Registry) *Metrics {
	if registry == nil {
		return nil
	}
	metrics := &Metrics{
		sent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetedge",
			Subsystem: "checkin",
			Name:      "sent_total",
			Help:      "Checkins published",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetedge",
			Subsystem: "checkin",
			Name:      "failed_total",
			Help:      "Checkin publish failures",
		}),
	}
	_ = registry.RegisterCounter("checkin", "sent", metrics.sent)
	_ = registry.RegisterCounter("checkin", "failed", metrics.failed)
	return metrics
}

// Deps holds runtime dependencies for the sender.
type Deps struct {
	Publisher       Publisher
	Period          time.Duration
	MetricsRegistry *metric.Registry
	Logger          *slog.Logger
	// NowMs stamps messages; defaults to wall-clock time.
	NowMs func() int64
}

// Sender is the checkin worker.
type Sender struct {
	publisher Publisher
	period    time.Duration
	logger    *slog.Logger
	metrics   *Metrics
	nowMs     func() int64

	mu    sync.Mutex
	ids   []document.SyncID
	dirty bool

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	lifeMu   sync.Mutex
	wg       sync.WaitGroup
	wake     chan struct{}
}

// NewSender creates a checkin sender. Start launches the worker.
func NewSender(deps Deps) *Sender {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	period := deps.Period
	if period == 0 {
		period = DefaultPeriod
	}
	nowMs := deps.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Sender{
		publisher: deps.Publisher,
		period:    period,
		logger:    logger.With("component", "checkin-sender"),
		metrics:   newMetrics(deps.MetricsRegistry),
		nowMs:     nowMs,
		wake:      make(chan struct{}, 1),
	}
}

// OnCheckinDocumentsChanged implements the manager's checkin listener.
// The next cycle reports the new set; a change also triggers an
// immediate send so the cloud converges fast.
func (s *Sender) OnCheckinDocumentsChanged(ids []document.SyncID) {
	s.mu.Lock()
	s.ids = append([]document.SyncID(nil), ids...)
	s.dirty = true
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Initialize validates dependencies.
func (s *Sender) Initialize() error {
	if s.publisher == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "checkin-sender", "Initialize", "publisher check")
	}
	return nil
}

// Start launches the worker. Idempotent.
func (s *Sender) Start(ctx context.Context) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.running.Load() {
		return nil
	}
	s.shutdown = make(chan struct{})
	s.done = make(chan struct{})
	s.running.Store(true)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(s.done)
		s.doWork(ctx)
	}()
	return nil
}

// Stop stops the worker. Idempotent and safe on a never-started sender.
func (s *Sender) Stop(timeout time.Duration) error {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if !s.running.Load() {
		return nil
	}
	s.running.Store(false)
	close(s.shutdown)
	select {
	case <-s.done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "checkin-sender", "Stop", "worker join")
	}
}

func (s *Sender) doWork(ctx context.Context) {
	ticker := time.NewTicker(s.period)
	defer ticker.Stop()
	for s.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-s.wake:
			s.send()
		case <-ticker.C:
			s.send()
		}
	}
}

// send publishes the current set. Transient failures are logged and the
// set stays dirty for the next interval; the worker never blocks on the
// transport beyond one publish.
func (s *Sender) send() {
	s.mu.Lock()
	ids := s.ids
	hadSet := s.dirty || ids != nil
	s.mu.Unlock()
	if !hadSet {
		// Nothing reported yet.
		return
	}
	payload, err := json.Marshal(message{TimestampMs: s.nowMs(), DocumentIDs: ids})
	if err != nil {
		s.logger.Error("Checkin encode failed", "error", err)
		return
	}
	if err := s.publisher.PublishCheckin(payload); err != nil {
		if s.metrics != nil {
			s.metrics.failed.Inc()
		}
		s.logger.Warn("Checkin publish failed, retrying next interval", "error", err)
		return
	}
	s.mu.Lock()
	s.dirty = false
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.sent.Inc()
	}
	s.logger.Debug("Checkin sent", "documents", len(ids))
}
