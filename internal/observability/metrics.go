// Package observability exposes Prometheus metrics for the sync engine.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	ConnectionState = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_connection_open",
		Help: "1 when the gateway socket is open, 0 otherwise",
	})

	ReconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_reconnect_attempts_total",
		Help: "Gateway reconnect attempts",
	})

	FramesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_frames_received_total",
		Help: "Inbound gateway frames by parsed event type",
	}, []string{"type"})

	FramesMalformed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chatsync_frames_malformed_total",
		Help: "Inbound frames dropped by the parser",
	})

	ReconcileOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_reconcile_ops_total",
		Help: "Reconciler outcomes (appended, replaced, deduped, gated)",
	}, []string{"outcome"})

	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chatsync_outbox_depth",
		Help: "Messages waiting in the offline outbox",
	})

	SendAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chatsync_send_attempts_total",
		Help: "Outbox send attempts by result",
	}, []string{"result"})
)

func init() {
	prometheus.MustRegister(
		ConnectionState,
		ReconnectAttempts,
		FramesReceived,
		FramesMalformed,
		ReconcileOps,
		QueueDepth,
		SendAttempts,
	)
}

// Serve starts a metrics listener on addr. It returns the server so the
// caller can shut it down; addr == "" disables metrics entirely.
func Serve(addr string, logger *zap.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("metrics listener stopped", zap.Error(err))
		}
	}()
	return srv
}
