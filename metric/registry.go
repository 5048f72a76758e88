// Package metric manages the registration and exposition of Prometheus
// metrics for all agent workers.
package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hefroy/fleetedge/errors"
)

// Registrar is the interface workers use to register their metrics.
type Registrar interface {
	RegisterCounter(workerName, metricName string, counter prometheus.Counter) error
	RegisterGauge(workerName, metricName string, gauge prometheus.Gauge) error
	RegisterHistogram(workerName, metricName string, histogram prometheus.Histogram) error
}

// Registry manages the registration and lifecycle of metrics.
type Registry struct {
	prometheusRegistry *prometheus.Registry
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a metrics registry including Go runtime metrics.
func NewRegistry() *Registry {
	registry := &Registry{
		prometheusRegistry: prometheus.NewRegistry(),
		registeredMetrics:  make(map[string]prometheus.Collector),
	}
	registry.prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return registry
}

// PrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns the HTTP handler exposing all registered metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}

func (r *Registry) register(workerName, metricName string, collector prometheus.Collector, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", workerName, metricName)
	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for worker %s", metricName, workerName),
			"Registry", "register", "duplicate metric registration")
	}
	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", "register",
				fmt.Sprintf("prometheus conflict for %s %s", kind, metricName))
		}
		return errors.WrapFatal(err, "Registry", "register",
			fmt.Sprintf("%s registration with prometheus", kind))
	}
	r.registeredMetrics[key] = collector
	return nil
}

// RegisterCounter registers a counter metric for a worker.
func (r *Registry) RegisterCounter(workerName, metricName string, counter prometheus.Counter) error {
	return r.register(workerName, metricName, counter, "counter")
}

// RegisterGauge registers a gauge metric for a worker.
func (r *Registry) RegisterGauge(workerName, metricName string, gauge prometheus.Gauge) error {
	return r.register(workerName, metricName, gauge, "gauge")
}

// RegisterHistogram registers a histogram metric for a worker.
func (r *Registry) RegisterHistogram(workerName, metricName string, histogram prometheus.Histogram) error {
	return r.register(workerName, metricName, histogram, "histogram")
}

// Unregister removes a metric from the registry.
func (r *Registry) Unregister(workerName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", workerName, metricName)
	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}
	if r.prometheusRegistry.Unregister(collector) {
		delete(r.registeredMetrics, key)
		return true
	}
	return false
}
