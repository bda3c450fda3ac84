//go:build linux || darwin || freebsd

package server

import (
	"context"
	"errors"
	"github.com/ValentinKolb/memdb/lib/store"
	"github.com/VictoriaMetrics/metrics"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// serverMetrics holds the counters of one server instance
type serverMetrics struct {
	set          *metrics.Set
	accepted     *metrics.Counter
	closed       *metrics.Counter
	dispatched   *metrics.Counter
	rejected     *metrics.Counter
	commitErrors *metrics.Counter
	loopWakeups  *metrics.Counter

	// storeInfo is taken once per scrape, the store gauges read from it
	storeInfo atomic.Pointer[store.Info]
}

func newServerMetrics(s *Server) *serverMetrics {
	set := metrics.NewSet()
	m := &serverMetrics{
		set:          set,
		accepted:     set.NewCounter("memdb_server_connections_accepted_total"),
		closed:       set.NewCounter("memdb_server_connections_closed_total"),
		dispatched:   set.NewCounter("memdb_server_jobs_dispatched_total"),
		rejected:     set.NewCounter("memdb_server_jobs_rejected_total"),
		commitErrors: set.NewCounter("memdb_server_commit_errors_total"),
		loopWakeups:  set.NewCounter("memdb_server_loop_wakeups_total"),
	}

	set.NewGauge("memdb_server_connections_open", func() float64 {
		return float64(s.conns.Size())
	})
	set.NewGauge("memdb_server_state", func() float64 {
		return float64(s.State())
	})
	set.NewGauge("memdb_store_entries", func() float64 {
		if info := m.storeInfo.Load(); info != nil {
			return float64(info.Entries)
		}
		return 0
	})
	set.NewGauge("memdb_store_size_bytes", func() float64 {
		if info := m.storeInfo.Load(); info != nil {
			return float64(info.SizeBytes)
		}
		return 0
	})
	return m
}

// refreshStoreInfo takes the store snapshot read by the store gauges
func (m *serverMetrics) refreshStoreInfo(kv store.IStore) {
	info, err := kv.Stats()
	if err != nil {
		m.storeInfo.Store(nil)
		return
	}
	m.storeInfo.Store(&info)
}

// WriteMetrics writes the server, worker pool and process metrics in Prometheus text format.
func (s *Server) WriteMetrics(w io.Writer) {
	s.metrics.refreshStoreInfo(s.kv)
	s.metrics.set.WritePrometheus(w)
	s.workers.Metrics().WritePrometheus(w)
	metrics.WritePrometheus(w, true)
}

// --------------------------------------------------------------------------
// HTTP endpoint
// --------------------------------------------------------------------------

// startMetricsEndpoint serves /metrics on the configured address. An empty address disables it.
func (s *Server) startMetricsEndpoint() {
	if s.cfg.MetricsEndpoint == "" {
		return
	}

	mux := http.NewServeMux()
	handler := func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		s.WriteMetrics(w)
	}
	if s.cfg.LogLevel == "debug" {
		mux.HandleFunc("GET /metrics", loggerMiddleware(handler))
	} else {
		mux.HandleFunc("GET /metrics", handler)
	}

	s.httpSrv = &http.Server{
		Addr:              s.cfg.MetricsEndpoint,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Infof("serving metrics on http://%s/metrics", s.cfg.MetricsEndpoint)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("metrics endpoint failed: %v", err)
		}
	}()
}

// stopMetricsEndpoint shuts the HTTP endpoint down, waiting at most the given time
func (s *Server) stopMetricsEndpoint(timeout time.Duration) {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Warningf("metrics endpoint shutdown: %v", err)
	}
}

// --------------------------------------------------------------------------
// Middleware (logging)
// --------------------------------------------------------------------------

// responseWriter is a custom ResponseWriter that captures status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// loggerMiddleware logs every request at debug level
func loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		next.ServeHTTP(rw, r)

		log.Debugf("%s %s => %d took %s", r.Method, r.URL.Path, rw.statusCode, time.Since(start))
	}
}
