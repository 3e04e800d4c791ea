// Package metrics provides Prometheus instrumentation for the energy exchange.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts tracked trades, partitioned by market kind.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_trades_total",
		Help: "Total number of trades executed",
	}, []string{"kind"})

	// TradedEnergy tracks cumulative traded energy (kWh) per area.
	TradedEnergy = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_traded_energy_kwh_total",
		Help: "Cumulative traded energy in kWh",
	}, []string{"area"})

	// ClearingRate is the last pay-as-clear clearing rate per area.
	ClearingRate = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "exchange_clearing_rate",
		Help: "Last pay-as-clear clearing rate",
	}, []string{"area"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_active_markets",
		Help: "Number of currently open markets",
	})

	// MarketRotations counts markets moved to the past, by market family.
	MarketRotations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_market_rotations_total",
		Help: "Markets rotated into the past",
	}, []string{"family"})

	// MarketsPurged counts past markets dropped after the retention horizon.
	MarketsPurged = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_markets_purged_total",
		Help: "Past markets purged after retention",
	}, []string{"family"})

	// OrdersForwarded counts orders forwarded by inter-area agents.
	OrdersForwarded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_orders_forwarded_total",
		Help: "Orders forwarded across an area boundary",
	}, []string{"side", "direction"})

	// ForwardFailures counts forwarding attempts rejected by the target market.
	ForwardFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_forward_failures_total",
		Help: "Forwarding attempts rejected by the target market",
	}, []string{"side"})

	// TickDuration tracks wall time of one simulation tick.
	TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "exchange_tick_duration_seconds",
		Help:    "Simulation tick duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "exchange_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "exchange_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "exchange_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
// routePattern maps a request to a low-cardinality path label; nil uses
// the raw URL path.
func Middleware(routePattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: 200}
			next.ServeHTTP(wrapped, r)
			duration := time.Since(start).Seconds()

			path := r.URL.Path
			if routePattern != nil {
				if p := routePattern(r); p != "" {
					path = p
				}
			}
			HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
			HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
