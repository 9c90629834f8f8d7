// Package server exposes a spanz pipeline over HTTP.
//
// Routes:
//
//	GET /v1/spans  encoded snapshot; the returned spans are removed from the buffer
//	GET /metrics   Prometheus metrics for the pipeline
//	GET /ready     liveness probe
package server

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/zoobzio/spanz"
	"go.uber.org/zap"
)

// SpansPath is the read endpoint for encoded snapshots.
const SpansPath = "/v1/spans"

// Exporter produces encoded snapshots. *spanz.Pipeline implements it.
type Exporter interface {
	Export(ctx context.Context) (string, error)
	Stats() spanz.Stats
}

// Server serves snapshots of one Exporter.
type Server struct {
	exporter       Exporter
	logger         *zap.Logger
	router         *mux.Router
	metrics        *prometheus.Registry
	exportDuration prometheus.Histogram
	exportErrors   prometheus.Counter
	httpServer     *http.Server
	listener       net.Listener
	mu             sync.Mutex
}

// New creates a server for exporter listening on addr once started.
func New(addr string, exporter Exporter, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		exporter: exporter,
		logger:   logger,
		router:   mux.NewRouter(),
		metrics:  prometheus.NewRegistry(),
		exportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "spanz_export_duration_seconds",
			Help:    "Time spent flushing, draining and encoding a snapshot",
			Buckets: prometheus.ExponentialBuckets(0.0005, 4, 8),
		}),
		exportErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spanz_export_errors_total",
			Help: "The total number of failed snapshot exports",
		}),
	}
	s.registerMetrics()

	s.router.HandleFunc(SpansPath, s.getSpans).Methods(http.MethodGet)
	s.router.HandleFunc("/ready", ready).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.InstrumentMetricHandler(
		s.metrics,
		promhttp.HandlerFor(s.metrics, promhttp.HandlerOpts{}),
	)).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *Server) registerMetrics() {
	stat := func(f func(spanz.Stats) float64) func() float64 {
		return func() float64 { return f(s.exporter.Stats()) }
	}

	s.metrics.MustRegister(
		s.exportDuration,
		s.exportErrors,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "spanz_spans_buffered",
			Help: "Spans waiting in the shared buffer",
		}, stat(func(st spanz.Stats) float64 { return float64(st.Buffered) })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "spanz_names_interned",
			Help: "Distinct span names in the registry",
		}, stat(func(st spanz.Stats) float64 { return float64(st.Names) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "spanz_spans_dropped_total",
			Help: "Spans dropped by backpressure or after shutdown",
		}, stat(func(st spanz.Stats) float64 { return float64(st.Dropped) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "spanz_spans_malformed_total",
			Help: "Completions dropped for lacking an activation or a name",
		}, stat(func(st spanz.Stats) float64 { return float64(st.Malformed) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "spanz_tokens_rejected_total",
			Help: "Names and scopes refused for containing a wire delimiter",
		}, stat(func(st spanz.Stats) float64 { return float64(st.Rejected) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "spanz_spans_invalid_total",
			Help: "Buffered spans dropped at export because they cannot be encoded",
		}, stat(func(st spanz.Stats) float64 { return float64(st.Invalid) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "spanz_spans_exported_total",
			Help: "Spans served to readers",
		}, stat(func(st spanz.Stats) float64 { return float64(st.Exported) })),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "spanz_flushes_total",
			Help: "Local aggregator batches moved into the shared buffer",
		}, stat(func(st spanz.Stats) float64 { return float64(st.Flushes) })),
	)
}

// Handler returns the router, for embedding or httptest.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		s.logger.Info("Starting span server", zap.String("address", ln.Addr().String()))
		if err := s.httpServer.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Span server stopped", zap.Error(err))
		}
	}()
	return nil
}

// Addr returns the bound address, or the configured one before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.httpServer.Addr
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down span server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) getSpans(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	payload, err := s.exporter.Export(r.Context())
	s.exportDuration.Observe(time.Since(start).Seconds())

	if err != nil {
		s.exportErrors.Inc()
		if errors.Is(err, spanz.ErrClosed) {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		s.logger.Error("Failed to export spans", zap.Error(err))
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(payload)); err != nil {
		s.logger.Warn("Failed to write span snapshot", zap.Error(err))
	}
}

func ready(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}
