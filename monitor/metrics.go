package monitor

import (
	"context"
	"net/http"
	"time"

	"sandboxsv/logging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes a Session's rolling aggregate as Prometheus
// gauges. It is entirely optional — disabled unless --metrics is passed or
// SANDBOXSV_METRICS_ENABLE=1 — and a bind failure is logged, never fatal to
// the supervised run.
type MetricsServer struct {
	srv *http.Server

	sampleCount prometheus.Gauge
	peakCPU     prometheus.Gauge
	peakRSS     prometheus.Gauge
}

// NewMetricsServer builds the gauge set for session and serves them on addr.
func NewMetricsServer(addr string, session *Session) *MetricsServer {
	reg := prometheus.NewRegistry()

	m := &MetricsServer{
		sampleCount: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sandboxsv_monitor_samples_total",
			Help: "Number of samples collected for the current run.",
		}),
		peakCPU: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sandboxsv_monitor_peak_cpu_percent",
			Help: "Peak observed CPU percent for the current run.",
		}),
		peakRSS: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "sandboxsv_monitor_peak_rss_bytes",
			Help: "Peak observed resident set size, in bytes, for the current run.",
		}),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	m.srv = &http.Server{Addr: addr, Handler: mux}

	go m.refreshLoop(session)

	return m
}

// refreshLoop keeps the gauges current by polling the session's rolling
// summary until the session detaches.
func (m *MetricsServer) refreshLoop(session *Session) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.Update(session.Summary())
		case <-session.done:
			m.Update(session.Summary())
			return
		}
	}
}

// Serve starts the HTTP listener. Failure to bind is returned so the
// caller can log-and-continue rather than treat it as fatal.
func (m *MetricsServer) Serve() error {
	err := m.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Update pushes the session's latest summary into the gauges. Called
// once a second by refreshLoop and once more when the session detaches,
// so the endpoint lags the sample loop by at most a second.
func (m *MetricsServer) Update(summary Summary) {
	m.sampleCount.Set(float64(summary.Samples))
	m.peakCPU.Set(summary.PeakCPU)
	m.peakRSS.Set(float64(summary.PeakRSS))
}

// Shutdown stops the HTTP listener.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}

// ServeMetricsIfEnabled starts a MetricsServer when enabled is true,
// logging a warning (not an error) if the listener fails to bind.
func ServeMetricsIfEnabled(enabled bool, addr string, session *Session) *MetricsServer {
	if !enabled {
		return nil
	}
	m := NewMetricsServer(addr, session)
	go func() {
		if err := m.Serve(); err != nil {
			logging.Warn("metrics endpoint failed to serve", "addr", addr, "error", err)
		}
	}()
	return m
}
