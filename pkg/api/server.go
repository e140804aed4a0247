package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/convroute/convroute/pkg/kv"
	"github.com/convroute/convroute/pkg/metrics"
	"github.com/convroute/convroute/pkg/ratelimit"
	"github.com/convroute/convroute/pkg/registry"
	"github.com/convroute/convroute/pkg/selector"
	"github.com/convroute/convroute/pkg/usage"
)

type contextKey string

const traceIDKey contextKey = "trace_id"

// Config carries the server's static settings.
type Config struct {
	// Addr is the listen address. Defaults to ":8090".
	Addr string
	// AdminToken protects /stats and the /admin surface. When empty the
	// admin routes are not registered at all.
	AdminToken string
	// Version is reported by /health and the index.
	Version string
}

// Server is the HTTP surface of the router.
type Server struct {
	store    kv.Store
	registry *registry.Registry
	selector *selector.Selector
	usage    *usage.Aggregator
	limiter  *ratelimit.Limiter

	adminTokenHash []byte
	version        string
	log            *zap.Logger
	server         *http.Server
	now            func() time.Time
}

// NewServer wires the HTTP surface. limiter may be nil, which disables
// admission control (used by tests).
func NewServer(cfg Config, store kv.Store, reg *registry.Registry, sel *selector.Selector, agg *usage.Aggregator, limiter *ratelimit.Limiter, log *zap.Logger) *Server {
	s := &Server{
		store:    store,
		registry: reg,
		selector: sel,
		usage:    agg,
		limiter:  limiter,
		version:  cfg.Version,
		log:      log,
		now:      time.Now,
	}
	if cfg.AdminToken != "" {
		s.adminTokenHash = hashToken(cfg.AdminToken)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleIndex)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/get-worker", s.withRateLimit("/get-worker", s.handleGetWorker))
	mux.HandleFunc("/track-usage", s.withRateLimit("/track-usage", s.handleTrackUsage))
	mux.HandleFunc("/stats", s.withRateLimit("/stats", s.withAdminAuth(s.handleStats)))

	if s.adminTokenHash != nil {
		mux.HandleFunc("/admin/init", s.withRateLimit("/admin/init", s.withAdminAuth(s.handleAdminInit)))
		mux.HandleFunc("/admin/workers", s.withRateLimit("/admin/workers", s.withAdminAuth(s.handleAdminWorkers)))
		mux.HandleFunc("/admin/sites", s.withRateLimit("/admin/sites", s.withAdminAuth(s.handleAdminSites)))
	}

	handler := s.withLogging(withRecovery(s.log, withSecureHeaders(withCORS(mux))))

	addr := cfg.Addr
	if addr == "" {
		addr = ":8090"
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}
	return s
}

// Handler exposes the full middleware chain for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start runs the HTTP server. It blocks until Stop is called or the
// listener fails.
func (s *Server) Start() error {
	s.log.Info("server starting", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	s.log.Info("server stopping")
	return s.server.Shutdown(ctx)
}

// withLogging tags each request with a trace ID and emits one access log
// line after the handler returns.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), traceIDKey, traceID)
		r = r.WithContext(ctx)
		w.Header().Set("X-Trace-ID", traceID)

		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)

		metrics.HTTPRequests.WithLabelValues(r.URL.Path, strconv.Itoa(ww.status)).Inc()
		s.log.Info("http request",
			zap.String("trace_id", traceID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

// withRecovery converts handler panics into JSON 500s.
func withRecovery(log *zap.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Error("panic recovered",
					zap.Any("error", err),
					zap.String("path", r.URL.Path),
				)
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// withCORS answers preflights and stamps the CORS headers the embeddable
// plugin clients need. The surface is public; the origin stays open.
func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Site-URL")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withSecureHeaders stamps the baseline hardening headers on a JSON-only
// surface.
func withSecureHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

func getTraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceIDKey).(string); ok {
		return v
	}
	return ""
}

// statusWriter captures the response status code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
