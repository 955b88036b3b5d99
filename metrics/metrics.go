// Package metrics holds the provisioner's prometheus counters and the server
// exposing them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/ruteri/iot-identity-provisioning/interfaces"
)

const subsystem = "provisioning"

var (
	operationsCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Count of engine operations by operation and result code.",
		},
		[]string{"operation", "code"},
	)
	issuedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "identities_issued_total",
			Help:      "Count of identities minted by the issuer, by sharing scope.",
		},
		[]string{"scope"},
	)
	revokedCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "identities_revoked_total",
			Help:      "Count of revocation attempts, by sharing scope and outcome.",
		},
		[]string{"scope", "result"},
	)
	notifyFailuresCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem: subsystem,
			Name:      "notify_failures_total",
			Help:      "Count of events the notifier failed to deliver.",
		},
	)
)

var registerMetrics sync.Once

// Register adds all provisioning metrics to the default registry.
func Register() {
	registerMetrics.Do(func() {
		registerAll(prometheus.DefaultRegisterer)
	})
}

func registerAll(reg prometheus.Registerer) {
	reg.MustRegister(operationsCounter)
	reg.MustRegister(issuedCounter)
	reg.MustRegister(revokedCounter)
	reg.MustRegister(notifyFailuresCounter)
}

// RecordOperation counts an engine operation under its stable error code.
func RecordOperation(operation string, err error) {
	operationsCounter.WithLabelValues(operation, interfaces.ErrorCode(err)).Inc()
}

func RecordIssued(scope interfaces.IdentityScope) {
	issuedCounter.WithLabelValues(scope.String()).Inc()
}

func RecordRevoked(scope interfaces.IdentityScope, err error) {
	result := "ok"
	if err != nil {
		result = "failed"
	}
	revokedCounter.WithLabelValues(scope.String(), result).Inc()
}

func RecordNotifyFailure() {
	notifyFailuresCounter.Inc()
}

// MetricsServer serves /metrics from a dedicated registry.
type MetricsServer struct {
	srv      *http.Server
	registry *prometheus.Registry
}

// New creates a registry with the provisioning, Go runtime and process
// collectors under the given namespace.
func New(namespace, listenAddr string) (*MetricsServer, error) {
	if namespace == "" {
		return nil, errors.New("metrics namespace is required")
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
	)
	registerAll(prometheus.WrapRegistererWithPrefix(namespace+"_", registry))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))

	return &MetricsServer{
		registry: registry,
		srv: &http.Server{
			Addr:              listenAddr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}, nil
}

func (m *MetricsServer) Handler() http.Handler {
	return m.srv.Handler
}

func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
