package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	ingest "gtfs2series.dev/ingest"
)

// Collector holds the ingestion metrics. It satisfies the Metrics
// interface of the ingest jobs.
type Collector struct {
	reg *prometheus.Registry

	Cycles        *prometheus.CounterVec   // job, outcome
	Rows          *prometheus.CounterVec   // table
	CycleDuration *prometheus.HistogramVec // job
	LastSuccess   *prometheus.GaugeVec     // job
}

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs2series_cycles_total",
			Help: "Completed polling cycles by outcome.",
		}, []string{"job", "outcome"}),
		Rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gtfs2series_rows_written_total",
			Help: "Rows appended to storage.",
		}, []string{"table"}),
		CycleDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gtfs2series_cycle_duration_seconds",
			Help:    "Duration of polling cycles.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 16),
		}, []string{"job"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gtfs2series_last_success_timestamp_seconds",
			Help: "Unix time of the last cycle that didn't fail.",
		}, []string{"job"}),
	}

	reg.MustRegister(c.Cycles, c.Rows, c.CycleDuration, c.LastSuccess)

	return c
}

func (c *Collector) CycleCompleted(job string, outcome string, duration time.Duration) {
	c.Cycles.WithLabelValues(job, outcome).Inc()
	c.CycleDuration.WithLabelValues(job).Observe(duration.Seconds())
	if outcome != ingest.OutcomeFailed {
		c.LastSuccess.WithLabelValues(job).Set(float64(time.Now().Unix()))
	}
}

func (c *Collector) RowsWritten(table string, n int) {
	c.Rows.WithLabelValues(table).Add(float64(n))
}

func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// Router serves /metrics and /healthz. The health check reports
// the result of ping, if given.
func (c *Collector) Router(ping func(ctx context.Context) error) *httprouter.Router {
	router := httprouter.New()
	router.Handler(http.MethodGet, "/metrics", c.Handler())
	router.HandlerFunc(http.MethodGet, "/healthz", func(w http.ResponseWriter, r *http.Request) {
		if ping != nil {
			if err := ping(r.Context()); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ok\n"))
	})
	return router
}

// Serve starts an HTTP server on addr. Shut it down with
// http.Server.Shutdown.
func (c *Collector) Serve(addr string, ping func(ctx context.Context) error, logger *slog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           c.Router(ping),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed", slog.String("error", err.Error()))
		}
	}()
	logger.Info("metrics listening", slog.String("addr", addr))
	return srv
}
