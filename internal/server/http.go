package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/caesar-terminal/depthbook/internal/adapter"
	"github.com/caesar-terminal/depthbook/internal/book"
	"github.com/caesar-terminal/depthbook/internal/controller"
	"github.com/caesar-terminal/depthbook/internal/display"
	"github.com/caesar-terminal/depthbook/internal/metrics"
)

// BookSource is what the HTTP API reads book state from.
type BookSource interface {
	Status() controller.Status
	Latest() (book.Snapshot, bool)
}

// HealthSource reports whether the served book can be trusted.
type HealthSource interface {
	Status() adapter.FeedStatus
}

// RouterConfig wires the HTTP API. Metrics and Gatherer are optional.
type RouterConfig struct {
	Book     BookSource
	Health   HealthSource
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

// BookView is the body of GET /book.
type BookView struct {
	Subscription string        `json:"subscription" yaml:"subscription"`
	Spread       string        `json:"spreadLabel" yaml:"spreadLabel"`
	Book         book.Snapshot `json:"book" yaml:"book"`
}

// NewRouter builds the HTTP API:
//
//	GET /health         200 when the feed is healthy, 503 otherwise
//	GET /status         controller connection state
//	GET /book?rows=N    latest snapshot; format=json|yaml|text
//	GET /metrics        Prometheus exposition
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "http")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(LoggingMiddleware(logger))
	if cfg.Metrics != nil {
		r.Use(MetricsMiddleware(cfg.Metrics))
	}

	r.Get("/health", healthHandler(cfg.Health))
	r.Get("/status", statusHandler(cfg.Book))
	r.Get("/book", bookHandler(cfg.Book, logger))
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

func healthHandler(src HealthSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := src.Status()
		code := http.StatusOK
		if !st.Healthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, st)
	}
}

func statusHandler(src BookSource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, src.Status())
	}
}

func bookHandler(src BookSource, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		rows := 0
		if v := q.Get("rows"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				writeError(w, http.StatusBadRequest, "rows must be a positive integer")
				return
			}
			rows = n
		}

		format := display.FormatJSON
		if v := q.Get("format"); v != "" {
			f, err := display.ParseFormat(v)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
			format = f
		}

		snap, ok := src.Latest()
		if !ok {
			writeError(w, http.StatusNotFound, "no book available")
			return
		}
		snap = snap.Truncate(rows)
		view := BookView{
			Subscription: src.Status().Subscription,
			Spread:       display.SpreadLabel(snap.Spread, snap.Margin),
			Book:         snap,
		}

		switch format {
		case display.FormatText:
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			if err := display.Render(w, snap, 0); err != nil {
				logger.Warn("render book", "error", err)
			}
		case display.FormatYAML:
			w.Header().Set("Content-Type", "application/yaml")
			if err := display.Encode(w, format, view); err != nil {
				logger.Warn("encode book", "error", err)
			}
		default:
			writeJSON(w, http.StatusOK, view)
		}
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// LoggingMiddleware logs every request once it completes.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"query", r.URL.RawQuery,
				"status", ww.Status(),
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// MetricsMiddleware observes request latency by route pattern and status.
func MetricsMiddleware(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			m.HTTPDuration.WithLabelValues(route, strconv.Itoa(status)).Observe(time.Since(start).Seconds())
		})
	}
}
