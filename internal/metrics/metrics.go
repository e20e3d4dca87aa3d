// Package metrics exposes pool counters and gauges in Prometheus format.
package metrics

import (
	"context"
	stderrors "errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bardlex/pplnspool/pkg/log"
)

const namespace = "pool"

// Metrics holds the pool's collectors on a private registry. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	connections    prometheus.Gauge
	connectsTotal  *prometheus.CounterVec
	protocolErrors prometheus.Counter
	shares         *prometheus.CounterVec
	blocks         *prometheus.CounterVec
	payouts        *prometheus.CounterVec
	payoutAmount   prometheus.Counter
	jobHeight      prometheus.Gauge
	jobsTotal      prometheus.Counter
	poolDifficulty prometheus.Gauge
	nodeBreaker    prometheus.Gauge
	miners         prometheus.Gauge
	hashrate       prometheus.Gauge
	eventsDropped  prometheus.Gauge
}

// New creates and registers all collectors
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "connections",
			Help: "Open Stratum connections.",
		}),
		connectsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "connections_total",
			Help: "Accepted and refused Stratum connections.",
		}, []string{"result"}),
		protocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "protocol_errors_total",
			Help: "Stratum requests answered with a protocol error.",
		}),
		shares: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "shares_total",
			Help: "Recorded shares by outcome.",
		}, []string{"status"}),
		blocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "blocks_total",
			Help: "Block solutions by submission result.",
		}, []string{"status"}),
		payouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "payouts_total",
			Help: "Payout attempts by result.",
		}, []string{"status"}),
		payoutAmount: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "payout_amount_total",
			Help: "Coins sent in completed payouts.",
		}),
		jobHeight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "job_height",
			Help: "Block height of the current job.",
		}),
		jobsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "jobs_total",
			Help: "Jobs issued to miners.",
		}),
		poolDifficulty: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "share_difficulty",
			Help: "Pool difficulty of the current job.",
		}),
		nodeBreaker: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "node_breaker_state",
			Help: "Node RPC circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),
		miners: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "miners",
			Help: "Connected miners.",
		}),
		hashrate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "hashrate",
			Help: "Estimated pool hashrate in hashes per second.",
		}),
		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "telemetry_events_dropped",
			Help: "Telemetry events dropped because the queue was full.",
		}),
	}

	m.registry.MustRegister(
		m.connections, m.connectsTotal, m.protocolErrors, m.shares, m.blocks,
		m.payouts, m.payoutAmount, m.jobHeight, m.jobsTotal, m.poolDifficulty, m.nodeBreaker,
		m.miners, m.hashrate, m.eventsDropped,
		collectors.NewGoCollector(),
	)
	return m
}

// Registry returns the registry the collectors live on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
	m.connectsTotal.WithLabelValues("accepted").Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

func (m *Metrics) ConnectionRefused() {
	if m == nil {
		return
	}
	m.connectsTotal.WithLabelValues("refused").Inc()
}

func (m *Metrics) ProtocolError() {
	if m == nil {
		return
	}
	m.protocolErrors.Inc()
}

// ShareRecorded counts a persisted share; status is valid, invalid or block.
func (m *Metrics) ShareRecorded(status string) {
	if m == nil {
		return
	}
	m.shares.WithLabelValues(status).Inc()
}

// BlockSubmitted counts a block submission outcome (accepted, rejected, failed).
func (m *Metrics) BlockSubmitted(status string) {
	if m == nil {
		return
	}
	m.blocks.WithLabelValues(status).Inc()
}

// PayoutProcessed counts a payout attempt; amount is only added for completed ones.
func (m *Metrics) PayoutProcessed(status string, amount float64) {
	if m == nil {
		return
	}
	m.payouts.WithLabelValues(status).Inc()
	if status == "completed" {
		m.payoutAmount.Add(amount)
	}
}

func (m *Metrics) JobIssued(height int64, poolDifficulty float64) {
	if m == nil {
		return
	}
	m.jobsTotal.Inc()
	m.jobHeight.Set(float64(height))
	m.poolDifficulty.Set(poolDifficulty)
}

func (m *Metrics) NodeBreakerState(state int) {
	if m == nil {
		return
	}
	m.nodeBreaker.Set(float64(state))
}

// PoolStats sets the periodic pool gauges.
func (m *Metrics) PoolStats(miners int, hashrate float64, dropped int64) {
	if m == nil {
		return
	}
	m.miners.Set(float64(miners))
	m.hashrate.Set(hashrate)
	m.eventsDropped.Set(float64(dropped))
}

// Serve runs the /metrics endpoint on addr until ctx is done.
func (m *Metrics) Serve(ctx context.Context, addr string, logger *log.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", "address", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
