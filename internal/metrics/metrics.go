package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sales"

// Engine groups the collectors of the fulfillment engine.
type Engine struct {
	Operations *prometheus.CounterVec
	LatencyMS  *prometheus.HistogramVec
	StockUnits *prometheus.CounterVec
	Invoices   *prometheus.CounterVec
}

// NewEngine builds the collectors and registers them with reg. Tests pass a
// fresh prometheus.NewRegistry so repeated construction never collides.
func NewEngine(reg prometheus.Registerer) *Engine {
	operations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "operations_total",
		Help:      "Engine operations by outcome.",
	}, []string{"operation", "result"})
	latency := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "engine",
		Name:      "operation_duration_ms",
		Help:      "Engine operation latency in milliseconds, transaction included.",
		Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
	}, []string{"operation"})
	stock := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stock",
		Name:      "units_total",
		Help:      "Units of stock moved by committed sales and compensations.",
	}, []string{"direction"})
	invoices := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "invoice",
		Name:      "transitions_total",
		Help:      "Committed invoice state transitions by target status.",
	}, []string{"status"})

	reg.MustRegister(operations, latency, stock, invoices)
	return &Engine{Operations: operations, LatencyMS: latency, StockUnits: stock, Invoices: invoices}
}

// Observe records one finished operation.
func (m *Engine) Observe(operation, result string, started time.Time) {
	m.Operations.WithLabelValues(operation, result).Inc()
	m.LatencyMS.WithLabelValues(operation).Observe(float64(time.Since(started).Milliseconds()))
}

// StockMoved counts units sold ("sold") or given back ("restored").
func (m *Engine) StockMoved(direction string, units int) {
	m.StockUnits.WithLabelValues(direction).Add(float64(units))
}

// InvoiceTransition counts an invoice reaching status.
func (m *Engine) InvoiceTransition(status string) {
	m.Invoices.WithLabelValues(status).Inc()
}
