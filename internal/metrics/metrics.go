// Package metrics exposes Prometheus collectors for keeper operations.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/alanyoungcy/perpcore/internal/domain"
)

const namespace = "perpcore"

// oracleErrors are the label values for oracle rejections. Anything else is
// reported as "other".
var oracleErrors = []error{
	domain.ErrMissingPriceReport,
	domain.ErrInvalidPriceReport,
	domain.ErrInvalidOracleBlock,
	domain.ErrInsufficientSigners,
	domain.ErrStalePrice,
	domain.ErrInsufficientBlockConfirmations,
	domain.ErrPriceDeviationExceeded,
	domain.ErrNoPriceOverlap,
	domain.ErrPriceFeedNotConfigured,
}

// Metrics holds the keeper collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	orderOutcomes    *prometheus.CounterVec
	oracleRejections *prometheus.CounterVec
	adlTransitions   *prometheus.CounterVec
	adlExecutions    *prometheus.CounterVec
	liquidations     *prometheus.CounterVec
	opDuration       *prometheus.HistogramVec
	httpRequests     *prometheus.CounterVec
}

// New creates and registers the collectors, plus the Go and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		orderOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "orders",
			Name:      "outcomes_total",
			Help:      "Order executions by outcome and reason.",
		}, []string{"kind", "reason"}),
		oracleRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "oracle",
			Name:      "rejections_total",
			Help:      "Price report sets rejected by the aggregator.",
		}, []string{"error"}),
		adlTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adl",
			Name:      "transitions_total",
			Help:      "ADL state changes by side and new state.",
		}, []string{"side", "enabled"}),
		adlExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adl",
			Name:      "executions_total",
			Help:      "ADL executions by result.",
		}, []string{"result"}),
		liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "positions",
			Name:      "liquidations_total",
			Help:      "Executed liquidations, split by whether the pool absorbed a deficit.",
		}, []string{"deficit"}),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "keeper",
			Name:      "operation_duration_seconds",
			Help:      "Duration of keeper operations including the market lock.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12),
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by method and status.",
		}, []string{"method", "status"}),
	}
	m.registry.MustRegister(
		m.orderOutcomes,
		m.oracleRejections,
		m.adlTransitions,
		m.adlExecutions,
		m.liquidations,
		m.opDuration,
		m.httpRequests,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors are registered on.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// OrderOutcome counts one order execution.
func (m *Metrics) OrderOutcome(kind, reason string) {
	if reason == "" {
		reason = "none"
	}
	m.orderOutcomes.WithLabelValues(kind, reason).Inc()
}

// OracleRejected counts a rejected price set.
func (m *Metrics) OracleRejected(err error) {
	label := "other"
	for _, target := range oracleErrors {
		if errors.Is(err, target) {
			label = target.Error()
			break
		}
	}
	m.oracleRejections.WithLabelValues(label).Inc()
}

// AdlTransition counts an ADL state change.
func (m *Metrics) AdlTransition(isLong, enabled bool) {
	m.adlTransitions.WithLabelValues(side(isLong), strconv.FormatBool(enabled)).Inc()
}

// AdlExecution counts an ADL execution; err is nil on success.
func (m *Metrics) AdlExecution(err error) {
	result := "ok"
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrAdlNotEnabled):
		result = "not_enabled"
	case errors.Is(err, domain.ErrAdlNotExpectedToImprove):
		result = "not_improved"
	case errors.Is(err, domain.ErrPnlOvercorrected):
		result = "overcorrected"
	case errors.Is(err, domain.ErrOracleBlockBeforeAdl):
		result = "stale_prices"
	default:
		result = "error"
	}
	m.adlExecutions.WithLabelValues(result).Inc()
}

// Liquidation counts an executed liquidation.
func (m *Metrics) Liquidation(withDeficit bool) {
	m.liquidations.WithLabelValues(strconv.FormatBool(withDeficit)).Inc()
}

// ObserveOperation records how long op took.
func (m *Metrics) ObserveOperation(op string, d time.Duration) {
	m.opDuration.WithLabelValues(op).Observe(d.Seconds())
}

// HTTPRequest counts a served request.
func (m *Metrics) HTTPRequest(method string, status int) {
	m.httpRequests.WithLabelValues(method, strconv.Itoa(status)).Inc()
}

func side(isLong bool) string {
	if isLong {
		return "long"
	}
	return "short"
}
