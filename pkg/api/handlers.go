package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/convroute/convroute/pkg/kv"
	"github.com/convroute/convroute/pkg/registry"
	"github.com/convroute/convroute/pkg/selector"
	"github.com/convroute/convroute/pkg/usage"
)

func endpointMap() map[string]string {
	return map[string]string{
		"GET /get-worker":   "assign a conversion worker",
		"POST /track-usage": "report a completed conversion",
		"GET /stats":        "daily usage summary (admin)",
		"GET /health":       "health check",
		"GET /metrics":      "prometheus metrics",
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	// The mux routes every unregistered path here; anything but the exact
	// root is a 404.
	if r.URL.Path != "/" {
		writeError(w, http.StatusNotFound, CodeNotFound, "no such endpoint")
		return
	}
	writeJSON(w, http.StatusOK, IndexResponse{
		Service:   "convroute",
		Version:   s.version,
		Endpoints: endpointMap(),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, StatusResponse{Status: "ok", Version: s.version, Endpoints: endpointMap()})
}

func (s *Server) handleGetWorker(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
		return
	}

	sel, err := s.selector.Select(r.Context())
	switch {
	case errors.Is(err, selector.ErrNoWorkers):
		writeError(w, http.StatusServiceUnavailable, CodeNoWorkers, "no workers available")
		return
	case errors.Is(err, selector.ErrNoCapacity):
		writeError(w, http.StatusServiceUnavailable, CodeNoCapacity, "all workers at capacity")
		return
	case err != nil:
		s.logError(r, "worker selection failed", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
		return
	}

	remaining := sel.DailyLimit - sel.UsageToday
	if remaining < 0 {
		remaining = 0
	}
	writeJSON(w, http.StatusOK, WorkerResponse{
		Success: true,
		Worker: WorkerInfo{
			ID:              sel.ID,
			URL:             sel.URL,
			ConvertEndpoint: strings.TrimRight(sel.URL, "/") + "/convert",
		},
		Usage: WorkerUsage{
			WorkerToday:     sel.UsageToday,
			WorkerLimit:     sel.DailyLimit,
			WorkerRemaining: remaining,
		},
	})
}

func (s *Server) handleTrackUsage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
		return
	}

	var req TrackUsageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, "request body is not valid JSON")
		return
	}
	if req.WorkerID == "" || req.SiteURL == "" {
		writeError(w, http.StatusBadRequest, CodeMissingFields, "worker_id and site_url are required")
		return
	}

	totals, err := s.usage.Record(r.Context(), usage.Sample{
		WorkerID:     req.WorkerID,
		SiteDomain:   siteDomain(req.SiteURL),
		BytesIn:      req.BytesIn,
		BytesOut:     req.BytesOut,
		ConversionMs: req.ConversionTimeMs,
		CacheHit:     req.CacheHit,
		Success:      req.Success,
	})
	if err != nil {
		s.logError(r, "usage record failed", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, TrackUsageResponse{
		Success: true,
		Usage:   UsageTotals{WorkerToday: totals.WorkerToday, SiteToday: totals.SiteToday},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
		return
	}

	date := r.URL.Query().Get("date")
	if date == "" {
		date = usage.Day(s.now())
	} else if _, err := time.Parse("2006-01-02", date); err != nil {
		writeError(w, http.StatusBadRequest, CodeMissingFields, "date must be YYYY-MM-DD")
		return
	}

	sum, err := s.usage.Summarize(r.Context(), date)
	if err != nil {
		s.logError(r, "stats summary failed", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
		return
	}
	stats, err := s.usage.WorkerStats(r.Context(), date)
	if err != nil {
		s.logError(r, "worker stats failed", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
		return
	}

	rows := make([]WorkerRow, 0, len(stats))
	for _, st := range stats {
		rows = append(rows, WorkerRow{ID: st.ID, UsageToday: st.UsageToday, Limit: st.Limit, Utilization: st.Utilization})
	}
	writeJSON(w, http.StatusOK, StatsResponse{
		Date: date,
		Summary: StatsSummary{
			TotalRequests: sum.TotalRequests,
			TotalErrors:   sum.TotalErrors,
			UniqueSites:   sum.UniqueSites,
			CacheHitRate:  sum.CacheHitRate,
			ErrorRate:     sum.ErrorRate,
		},
		Workers: rows,
	})
}

func (s *Server) handleAdminInit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
		return
	}

	var req InitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, "request body is not valid JSON")
		return
	}
	if len(req.Workers) == 0 {
		writeError(w, http.StatusBadRequest, CodeMissingFields, "workers list is required")
		return
	}

	cfgs := make([]registry.WorkerConfig, 0, len(req.Workers))
	for _, wr := range req.Workers {
		cfgs = append(cfgs, registry.WorkerConfig{
			ID:         wr.ID,
			URL:        wr.URL,
			DailyLimit: wr.DailyLimit,
			Enabled:    wr.Enabled,
		})
	}
	if err := s.registry.Init(r.Context(), cfgs); err != nil {
		writeError(w, http.StatusBadRequest, CodeMissingFields, err.Error())
		return
	}

	s.log.Info("worker pool initialized", zap.Int("workers", len(cfgs)))
	writeJSON(w, http.StatusOK, map[string]any{"initialized": len(cfgs)})
}

func (s *Server) handleAdminWorkers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		ids, err := s.registry.List(r.Context())
		if err != nil {
			s.logError(r, "worker list failed", err)
			writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
			return
		}
		configs := make([]registry.WorkerConfig, 0, len(ids))
		for _, id := range ids {
			cfg, err := s.registry.Get(r.Context(), id)
			if err != nil {
				s.logError(r, "worker lookup failed", err)
				writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
				return
			}
			if cfg != nil {
				configs = append(configs, *cfg)
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{"workers": configs})

	case http.MethodPost:
		var wr WorkerRegistration
		if err := json.NewDecoder(r.Body).Decode(&wr); err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidJSON, "request body is not valid JSON")
			return
		}
		cfg := registry.WorkerConfig{ID: wr.ID, URL: wr.URL, DailyLimit: wr.DailyLimit, Enabled: wr.Enabled}
		if err := s.registry.Register(r.Context(), cfg); err != nil {
			writeError(w, http.StatusBadRequest, CodeMissingFields, err.Error())
			return
		}
		s.log.Info("worker registered", zap.String("worker_id", wr.ID))
		writeJSON(w, http.StatusOK, map[string]any{"registered": wr.ID})

	default:
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleAdminSites(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, CodeMethodNotAllowed, "method not allowed")
		return
	}

	var req SiteRegistration
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidJSON, "request body is not valid JSON")
		return
	}
	if req.Domain == "" || req.Token == "" {
		writeError(w, http.StatusBadRequest, CodeMissingFields, "domain and token are required")
		return
	}

	cfg := SiteConfig{
		Domain:     req.Domain,
		TokenHash:  fmt.Sprintf("%x", hashToken(req.Token)),
		DailyLimit: req.DailyLimit,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.Set(r.Context(), kv.SiteConfigKey(req.Domain), cfg, 0); err != nil {
		s.logError(r, "site registration failed", err)
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal server error")
		return
	}

	s.log.Info("site registered", zap.String("domain", req.Domain))
	writeJSON(w, http.StatusOK, map[string]any{"registered": req.Domain})
}

// withAdminAuth requires the configured admin bearer token. Comparison is
// over hashes in constant time.
func (s *Server) withAdminAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.adminTokenHash == nil {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "admin access is not configured")
			return
		}
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || token == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare(hashToken(token), s.adminTokenHash) != 1 {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid token")
			return
		}
		next(w, r)
	}
}

// withRateLimit applies the admission budget for endpoint. The rate-limit
// headers are stamped on every response, allowed or not. A limiter
// failure admits the request; availability wins over strictness here.
func (s *Server) withRateLimit(endpoint string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter == nil {
			next(w, r)
			return
		}

		res, err := s.limiter.Check(r.Context(), clientID(r), endpoint)
		if err != nil {
			s.logError(r, "rate limit check failed", err)
			next(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(res.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(res.Remaining, 10))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(res.Reset, 10))

		if !res.Allowed {
			retryAfter := res.Reset - s.now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			writeJSON(w, http.StatusTooManyRequests, ErrorBody{Error: ErrorDetail{
				Code:       CodeRateLimited,
				Message:    "rate limit exceeded",
				RetryAfter: retryAfter,
			}})
			return
		}
		next(w, r)
	}
}

// clientID identifies the caller for rate limiting: the first
// X-Forwarded-For hop when present, otherwise the remote address.
func clientID(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// siteDomain extracts the hostname from a site URL, falling back to the
// raw value when it does not parse as a URL.
func siteDomain(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Hostname() != "" {
		return strings.ToLower(u.Hostname())
	}
	return strings.ToLower(strings.TrimSpace(raw))
}

func (s *Server) logError(r *http.Request, msg string, err error) {
	s.log.Error(msg,
		zap.String("trace_id", getTraceID(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
}

func hashToken(token string) []byte {
	sum := sha256.Sum256([]byte(token))
	return sum[:]
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}
