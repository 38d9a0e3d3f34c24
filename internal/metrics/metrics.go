// Package metrics exposes ledger counters for prometheus.
// All methods are safe to call on nil *Metrics, they do nothing then.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nkiryanov/creditledger/internal/apperrors"
	"github.com/nkiryanov/creditledger/internal/models"
)

const namespace = "creditledger"

// Operation outcomes
const (
	OutcomeOK       = "ok"
	OutcomeNoop     = "noop"
	OutcomeRejected = "rejected"
	OutcomeConflict = "conflict"
	OutcomeError    = "error"
)

// Sweep outcomes per batch
const (
	SweepExpired = "expired"
	SweepSkipped = "skipped"
	SweepFailed  = "failed"
)

type Metrics struct {
	registry *prometheus.Registry

	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	credits    *prometheus.CounterVec
	shortfalls prometheus.Counter
	swept      *prometheus.CounterVec
}

// New registers ledger collectors together with go and process collectors in a fresh registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		operations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operations_total",
			Help:      "Ledger operations by name and outcome.",
		}, []string{"operation", "outcome"}),

		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "operation_duration_seconds",
			Help:      "Ledger operation duration including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),

		credits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "credits_total",
			Help:      "Absolute credits moved by entry type.",
		}, []string{"type"}),

		shortfalls: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "shortfalls_total",
			Help:      "Spends not covered by open batches.",
		}),

		swept: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweeper",
			Name:      "batches_total",
			Help:      "Due batches handled by the expiration sweep by outcome.",
		}, []string{"outcome"}),
	}
}

// ObserveOperation records the operation outcome and duration since start
func (m *Metrics) ObserveOperation(operation string, start time.Time, applied bool, err error) {
	if m == nil {
		return
	}

	m.duration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	m.operations.WithLabelValues(operation, outcome(applied, err)).Inc()
}

// EntryWritten counts credits moved by the entry
func (m *Metrics) EntryWritten(e models.Entry) {
	if m == nil {
		return
	}

	amount := e.Amount
	if amount < 0 {
		amount = -amount
	}
	m.credits.WithLabelValues(string(e.Type)).Add(float64(amount))
}

func (m *Metrics) Shortfall() {
	if m == nil {
		return
	}
	m.shortfalls.Inc()
}

func (m *Metrics) Swept(outcome string) {
	if m == nil {
		return
	}
	m.swept.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func outcome(applied bool, err error) string {
	switch {
	case err == nil && applied:
		return OutcomeOK
	case err == nil:
		return OutcomeNoop
	case errors.Is(err, apperrors.ErrBalanceInsufficient), errors.Is(err, apperrors.ErrInvalidAmount), errors.Is(err, apperrors.ErrShortfallInconsistency):
		return OutcomeRejected
	case errors.Is(err, apperrors.ErrStorageConflict), errors.Is(err, apperrors.ErrLockNotAcquired):
		return OutcomeConflict
	default:
		return OutcomeError
	}
}
