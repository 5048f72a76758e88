// Package main implements the fleetedge agent entry point: it wires the
// scheme manager, the data sources, the document transport, and the
// checkin sender together and runs them until a termination signal.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/hefroy/fleetedge/checkin"
	"github.com/hefroy/fleetedge/clock"
	"github.com/hefroy/fleetedge/config"
	"github.com/hefroy/fleetedge/document"
	"github.com/hefroy/fleetedge/metric"
	"github.com/hefroy/fleetedge/scheme"
	"github.com/hefroy/fleetedge/source/cansource"
	"github.com/hefroy/fleetedge/source/custom"
	"github.com/hefroy/fleetedge/source/obd"
	"github.com/hefroy/fleetedge/store"
	"github.com/hefroy/fleetedge/translator"
	"github.com/hefroy/fleetedge/transport"
)

// Build information constants
const (
	Version = "0.1.0"
	appName = "fleetedge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Agent failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)
	logger.Info("Starting fleetedge agent", "config_path", cliCfg.ConfigPath)

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		logger.Info("Configuration is valid")
		return nil
	}

	ctx := context.Background()
	agentClock := clock.NewSystemClock()
	registry := metric.NewRegistry()

	// Interface-id translation is populated once, before any worker
	// starts; readers are lock-free afterwards.
	idTranslator := &translator.Translator{}
	for _, network := range cfg.Networks {
		idTranslator.Add(network.InterfaceID)
	}

	docStore := openStore(ctx, cfg, logger)

	manager := scheme.NewManager(scheme.Deps{
		Clock:           agentClock,
		Store:           docStore,
		Translator:      idTranslator,
		MetricsRegistry: registry,
		Logger:          logger,
		IdleTimeMs:      cfg.SchemeManagerIdleTimeMs,
	})

	sink := &signalSink{logger: logger}

	// CAN sources, one per configured network.
	frameDecoder := cansource.NewDecoder(sink, logger)
	fatalCh := make(chan error, 1)
	var canSources []*cansource.Source
	for i, network := range cfg.Networks {
		source := cansource.NewSource(cansource.Deps{
			ChannelID:       document.ChannelNumericID(i),
			Config:          network.SourceConfig(),
			Consumer:        frameDecoder,
			Clock:           agentClock,
			MetricsRegistry: registry,
			Logger:          logger,
			OnFatal: func(err error) {
				select {
				case fatalCh <- err:
				default:
				}
			},
		})
		manager.SubscribeDictionary(source.OnDictionaryUpdate)
		canSources = append(canSources, source)
	}

	// OBD module on the gateway bus.
	obdModule := obd.NewModule(obd.Deps{
		Config:          cfg.OBD,
		Receiver:        sink,
		Clock:           agentClock,
		MetricsRegistry: registry,
		Logger:          logger,
	})
	manager.SubscribeDictionary(obdModule.OnDictionaryUpdate)
	manager.SubscribeInspectionMatrix(obdModule.OnInspectionMatrixUpdate)

	// Custom sources.
	var customSources []*custom.Source
	for _, iface := range cfg.CustomInterfaces {
		source := custom.NewSource(custom.Deps{
			Config:   iface.CustomSourceConfig(),
			Receiver: sink,
			Logger:   logger,
		})
		manager.SubscribeCustomDecoderMap(source.OnCustomDecoderMapUpdate)
		customSources = append(customSources, source)
	}

	// Transport and checkin.
	var conn *transport.Connection
	var checkinSender *checkin.Sender
	if cfg.Transport.BrokerURL != "" {
		conn = transport.NewConnection(cfg.Transport, manager, logger)
		checkinSender = checkin.NewSender(checkin.Deps{
			Publisher:       conn,
			Period:          cfg.CheckinPeriod(),
			MetricsRegistry: registry,
			Logger:          logger,
		})
		manager.SubscribeCheckin(checkinSender.OnCheckinDocumentsChanged)
	} else {
		logger.Warn("No broker configured, running from persisted documents only")
	}

	if err := startAll(ctx, logger, manager, canSources, obdModule, customSources, conn, checkinSender); err != nil {
		return err
	}
	serveMetrics(cfg.MetricsPort, registry, logger)

	// Wait for termination.
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-signals:
		logger.Info("Termination signal received", "signal", sig.String())
	case err := <-fatalCh:
		logger.Error("Fatal data source error", "error", err)
	}

	stopAll(cliCfg.ShutdownTimeout, logger, manager, canSources, obdModule, customSources, conn, checkinSender)
	logger.Info("Agent stopped")
	return nil
}

// startAll brings the components up in dependency order: manager first
// so no listener update is lost, then the sources, then connectivity.
func startAll(ctx context.Context, logger *slog.Logger, manager *scheme.Manager,
	canSources []*cansource.Source, obdModule *obd.Module, customSources []*custom.Source,
	conn *transport.Connection, checkinSender *checkin.Sender) error {
	if err := manager.Initialize(); err != nil {
		return err
	}
	if err := manager.Start(ctx); err != nil {
		return err
	}
	for _, source := range canSources {
		if err := source.Connect(ctx); err != nil {
			logger.Error("CAN source failed to connect", "error", err)
			return err
		}
	}
	if err := obdModule.Connect(ctx); err != nil {
		return err
	}
	for _, source := range customSources {
		if err := source.Initialize(); err != nil {
			return err
		}
		if err := source.Start(ctx); err != nil {
			return err
		}
	}
	if checkinSender != nil {
		if err := checkinSender.Initialize(); err != nil {
			return err
		}
		if err := checkinSender.Start(ctx); err != nil {
			return err
		}
	}
	if conn != nil {
		if err := conn.Connect(); err != nil {
			// The agent still runs from persisted documents; the client
			// keeps retrying in the background.
			logger.Warn("Broker connection failed, continuing offline", "error", err)
		}
	}
	return nil
}

// stopAll tears the components down in reverse order.
func stopAll(timeout time.Duration, logger *slog.Logger, manager *scheme.Manager,
	canSources []*cansource.Source, obdModule *obd.Module, customSources []*custom.Source,
	conn *transport.Connection, checkinSender *checkin.Sender) {
	if conn != nil {
		conn.Disconnect(timeout)
	}
	if checkinSender != nil {
		if err := checkinSender.Stop(timeout); err != nil {
			logger.Warn("Checkin sender stop", "error", err)
		}
	}
	for _, source := range customSources {
		if err := source.Stop(timeout); err != nil {
			logger.Warn("Custom source stop", "error", err)
		}
	}
	if err := obdModule.Disconnect(timeout); err != nil {
		logger.Warn("OBD module stop", "error", err)
	}
	for _, source := range canSources {
		if err := source.Disconnect(timeout); err != nil {
			logger.Warn("CAN source stop", "error", err)
		}
	}
	if err := manager.Stop(timeout); err != nil {
		logger.Warn("Scheme manager stop", "error", err)
	}
}

func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) store.Store {
	kvStore, err := store.NewKVStore(ctx, cfg.Store, logger)
	if err != nil {
		logger.Warn("Document store unavailable, persistence disabled", "error", err)
		return store.NewMemStore()
	}
	return kvStore
}

func serveMetrics(port int, registry *metric.Registry, logger *slog.Logger) {
	if port == 0 {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", "error", err)
		}
	}()
	logger.Info("Metrics exposed", "port", port)
}

// signalSink receives decoded samples from every data source. The
// upload pipeline and the condition evaluator consume from here.
type signalSink struct {
	logger *slog.Logger
}

func (s *signalSink) PushSignal(signalID document.SignalID, value float64, timestampMs int64) {
	s.logger.Debug("Signal sample", "signal_id", signalID, "value", value, "timestamp_ms", timestampMs)
}

func (s *signalSink) PushDTCs(codes []string, timestampMs int64) {
	s.logger.Debug("DTC snapshot", "codes", codes, "timestamp_ms", timestampMs)
}

func (s *signalSink) PushRaw(signalID document.SignalID, data []byte, timestampMs int64) {
	s.logger.Debug("Raw sample", "signal_id", signalID, "bytes", len(data), "timestamp_ms", timestampMs)
}
