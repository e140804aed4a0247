package api

import "time"

// Error codes returned in the JSON error envelope.
const (
	CodeNoWorkers        = "NO_WORKERS"
	CodeNoCapacity       = "NO_CAPACITY"
	CodeRateLimited      = "RATE_LIMITED"
	CodeInvalidJSON      = "INVALID_JSON"
	CodeMissingFields    = "MISSING_FIELDS"
	CodeUnauthorized     = "UNAUTHORIZED"
	CodeNotFound         = "NOT_FOUND"
	CodeMethodNotAllowed = "METHOD_NOT_ALLOWED"
	CodeInternal         = "INTERNAL_ERROR"
)

// ErrorBody is the JSON error envelope sent on every non-2xx response.
// Success is always false; it exists so clients can branch on one field.
type ErrorBody struct {
	Success bool        `json:"success"`
	Error   ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	// RetryAfter is set on rate-limit rejections, in seconds.
	RetryAfter int64 `json:"retry_after,omitempty"`
}

// WorkerResponse is the routing decision returned by /get-worker.
type WorkerResponse struct {
	Success bool        `json:"success"`
	Worker  WorkerInfo  `json:"worker"`
	Usage   WorkerUsage `json:"usage"`
}

type WorkerInfo struct {
	ID              string `json:"id"`
	URL             string `json:"url"`
	ConvertEndpoint string `json:"convert_endpoint"`
}

type WorkerUsage struct {
	WorkerToday     int64 `json:"worker_today"`
	WorkerLimit     int64 `json:"worker_limit"`
	WorkerRemaining int64 `json:"worker_remaining"`
}

// TrackUsageRequest reports one completed conversion.
type TrackUsageRequest struct {
	WorkerID         string `json:"worker_id"`
	SiteURL          string `json:"site_url"`
	URLConverted     string `json:"url_converted"`
	BytesIn          int64  `json:"bytes_in"`
	BytesOut         int64  `json:"bytes_out"`
	ConversionTimeMs int64  `json:"conversion_time_ms"`
	CacheHit         bool   `json:"cache_hit"`
	Success          bool   `json:"success"`
}

// TrackUsageResponse acknowledges a recorded report with the new day
// counts.
type TrackUsageResponse struct {
	Success bool        `json:"success"`
	Usage   UsageTotals `json:"usage"`
}

type UsageTotals struct {
	WorkerToday int64 `json:"worker_today"`
	SiteToday   int64 `json:"site_today"`
}

// StatsResponse is the daily aggregate view returned by /stats.
type StatsResponse struct {
	Date    string       `json:"date"`
	Summary StatsSummary `json:"summary"`
	Workers []WorkerRow  `json:"workers"`
}

type StatsSummary struct {
	TotalRequests int64   `json:"total_requests"`
	TotalErrors   int64   `json:"total_errors"`
	UniqueSites   int64   `json:"unique_sites"`
	CacheHitRate  float64 `json:"cache_hit_rate"`
	ErrorRate     float64 `json:"error_rate"`
}

// WorkerRow is one worker's line in the stats view.
type WorkerRow struct {
	ID          string  `json:"id"`
	UsageToday  int64   `json:"usage_today"`
	Limit       int64   `json:"limit"`
	Utilization float64 `json:"utilization"`
}

// WorkerRegistration is the admin payload for adding or updating one
// worker.
type WorkerRegistration struct {
	ID         string `json:"id"`
	URL        string `json:"url"`
	DailyLimit int64  `json:"daily_limit"`
	Enabled    bool   `json:"enabled"`
}

// InitRequest replaces the whole worker pool in one call.
type InitRequest struct {
	Workers []WorkerRegistration `json:"workers"`
}

// SiteRegistration is the admin payload for registering a site. The token
// is hashed before storage and never persisted in the clear.
type SiteRegistration struct {
	Domain     string `json:"domain"`
	Token      string `json:"token"`
	DailyLimit int64  `json:"daily_limit"`
}

// SiteConfig is the stored site record.
type SiteConfig struct {
	Domain     string    `json:"domain"`
	TokenHash  string    `json:"token_hash"`
	DailyLimit int64     `json:"daily_limit"`
	CreatedAt  time.Time `json:"created_at"`
}

// StatusResponse is the health check body.
type StatusResponse struct {
	Status    string            `json:"status"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}

// IndexResponse describes the service on the root path.
type IndexResponse struct {
	Service   string            `json:"service"`
	Version   string            `json:"version"`
	Endpoints map[string]string `json:"endpoints"`
}
