package metrics

import (
	"net/http"
	"time"

	"tork-perf/internal/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	Iterations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torkperf_iterations_total",
		Help: "Experiment iterations by phase and verdict",
	}, []string{"phase", "verdict"})

	ProbeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torkperf_probe_failures_total",
		Help: "Auxiliary probes that failed to start or stop",
	}, []string{"category", "location"})

	ProcessKills = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torkperf_process_kills_total",
		Help: "Managed processes force-terminated",
	}, []string{"category"})

	Samples = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torkperf_samples_total",
		Help: "Observations appended to sample series",
	}, []string{"metric"})

	ReadinessAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torkperf_readiness_attempts_total",
		Help: "Readiness poll connection attempts by result",
	}, []string{"result"})

	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "torkperf_downloads_total",
		Help: "Continuous download cycles by result",
	}, []string{"result"})

	State = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "torkperf_experiment_state",
		Help: "Current controller state (1 for the active state)",
	}, []string{"state"})
)

// Serve exposes /metrics on addr in the background. The returned server is
// closed by the caller.
func Serve(addr string) *http.Server {
	logger := logging.GetLogger()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithField("addr", addr).WithError(err).Error("Metrics server stopped")
		}
	}()
	logger.WithField("addr", addr).Info("Serving prometheus metrics")
	return srv
}
