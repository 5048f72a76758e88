// Package custom implements a data source for vendor-specific signals:
// a worker that periodically samples a payload provider and pushes the
// data, CDR-framed, for the signal bound to its interface by the
// current decoder manifest. With no binding the worker idles.
package custom

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hefroy/fleetedge/document"
	"github.com/hefroy/fleetedge/errors"
)

// DefaultPeriodMs is the sampling period when none is configured.
const DefaultPeriodMs = 500

// RawReceiver consumes raw (blob) samples. The raw-data ring buffer
// implements it downstream.
type RawReceiver interface {
	PushRaw(signalID document.SignalID, data []byte, timestampMs int64)
}

// Config holds configuration for one custom source.
type Config struct {
	// InterfaceID is the cloud-issued interface this source serves.
	InterfaceID document.InterfaceID `json:"interface_id"`
	PeriodMs    uint32               `json:"period_ms"`
}

// Validate implements config validation.
func (c *Config) Validate() error {
	if c.InterfaceID == "" {
		return errors.WrapInvalid(errors.ErrMissingConfig, "custom-source", "Validate", "interface id check")
	}
	return nil
}

// Deps holds runtime dependencies for a custom source.
type Deps struct {
	Config   Config
	Receiver RawReceiver
	Logger   *slog.Logger
	// Sample produces one payload per period. Replaced in tests.
	Sample func() []byte
	// NowMs stamps samples; defaults to wall-clock time.
	NowMs func() int64
}

// Source is the custom/blob data source worker.
type Source struct {
	config   Config
	receiver RawReceiver
	logger   *slog.Logger
	sample   func() []byte
	nowMs    func() int64

	// signalID is the binding from the current manifest; invalid means
	// no decoding info yet.
	mu       sync.Mutex
	signalID document.SignalID

	running  atomic.Bool
	shutdown chan struct{}
	done     chan struct{}
	lifeMu   sync.Mutex
	wg       sync.WaitGroup
}

// NewSource creates a custom source. Start launches the worker.
func NewSource(deps Deps) *Source {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	nowMs := deps.NowMs
	if nowMs == nil {
		nowMs = func() int64 { return time.Now().UnixMilli() }
	}
	return &Source{
		config:   deps.Config,
		receiver: deps.Receiver,
		logger:   logger.With("component", "custom-source", "interface_id", deps.Config.InterfaceID),
		sample:   deps.Sample,
		nowMs:    nowMs,
		signalID: document.InvalidSignalID,
	}
}

// OnCustomDecoderMapUpdate implements the manager's custom decoder map
// listener: it binds this source to the signal declared for its
// interface, or unbinds when the manifest no longer mentions it.
func (s *Source) OnCustomDecoderMapUpdate(_ document.SyncID, decoders map[document.SignalID]document.CustomSignalDecoderFormat) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signalID = document.InvalidSignalID
	for signalID, format := range decoders {
		if format.InterfaceID == s.config.InterfaceID {
			s.signalID = signalID
			break
		}
	}
	if s.signalID == document.InvalidSignalID {
		s.logger.Debug("No decoding info for this interface")
	} else {
		s.logger.Debug("Bound to signal", "signal_id", s.signalID)
	}
}

// Initialize validates the configuration.
func (s *Source) Initialize() error {
	if err := s.config.Validate(); err != nil {
		return err
	}
	if s.receiver == nil {
		return errors.WrapInvalid(errors.ErrMissingConfig, "custom-source", "Initialize", "receiver check")
	}
	return nil
}

// Start launches the worker. Idempotent.
func (s *Source) Start(ctx context.Context) error {
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

// Stop stops the worker. Idempotent and safe on a never-started source.
func (s *Source) Stop(timeout time.Duration) error {
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
		return errors.WrapTransient(errors.ErrShuttingDown, "custom-source", "Stop", "worker join")
	}
}

func (s *Source) doWork(ctx context.Context) {
	period := s.config.PeriodMs
	if period == 0 {
		period = DefaultPeriodMs
	}
	ticker := time.NewTicker(time.Duration(period) * time.Millisecond)
	defer ticker.Stop()
	for s.running.Load() {
		select {
		case <-ctx.Done():
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.pushSample()
		}
	}
}

func (s *Source) pushSample() {
	s.mu.Lock()
	signalID := s.signalID
	s.mu.Unlock()
	if signalID == document.InvalidSignalID {
		return
	}
	if s.sample == nil {
		return
	}
	payload := s.sample()
	s.receiver.PushRaw(signalID, cdrFrame(payload), s.nowMs())
}

// cdrFrame wraps a blob in the CDR encapsulation used for unstructured
// data: a four byte header, the u32 length, the payload, then padding
// to a four byte boundary.
func cdrFrame(blob []byte) []byte {
	out := make([]byte, 0, 8+len(blob)+3)
	// Dummy byte, encapsulation = little-endian CDR, two option bytes.
	out = append(out, 0, 1, 0, 0)
	var length [4]byte
	binary.LittleEndian.PutUint32(length[:], uint32(len(blob)))
	out = append(out, length[:]...)
	out = append(out, blob...)
	for len(out)%4 != 0 {
		out = append(out, 0)
	}
	return out
}
