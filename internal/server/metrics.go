package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"hellopyusd/internal/minter"
)

// Metrics is a private Prometheus registry. It also records orchestrator
// outcomes through minter.Metrics.
type Metrics struct {
	registry           *prometheus.Registry
	viewsTotal         *prometheus.CounterVec
	submissionsTotal   *prometheus.CounterVec
	confirmationsTotal *prometheus.CounterVec
	requestsTotal      *prometheus.CounterVec
}

var _ minter.Metrics = (*Metrics)(nil)

func NewMetrics() *Metrics {
	views := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellopyusd_views_total",
		Help: "Mint button evaluations by rendered state",
	}, []string{"kind"})

	submissions := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellopyusd_submissions_total",
		Help: "Transaction submissions by action and outcome",
	}, []string{"action", "status"})

	confirmations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellopyusd_confirmations_total",
		Help: "Transaction receipts by action and outcome",
	}, []string{"action", "status"})

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "hellopyusd_action_requests_total",
		Help: "Action API requests by action and result",
	}, []string{"action", "status"})

	r := prometheus.NewRegistry()
	r.MustRegister(views, submissions, confirmations, requests)

	return &Metrics{
		registry:           r,
		viewsTotal:         views,
		submissionsTotal:   submissions,
		confirmationsTotal: confirmations,
		requestsTotal:      requests,
	}
}

func (m *Metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveView(kind minter.Kind) {
	m.viewsTotal.WithLabelValues(string(kind)).Inc()
}

func (m *Metrics) IncSubmission(action, status string) {
	m.submissionsTotal.WithLabelValues(action, status).Inc()
}

func (m *Metrics) IncConfirmation(action, status string) {
	m.confirmationsTotal.WithLabelValues(action, status).Inc()
}

func (m *Metrics) incRequest(action, status string) {
	m.requestsTotal.WithLabelValues(action, status).Inc()
}
