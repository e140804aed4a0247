package client

// WorkerAssignment is the routing decision returned for one conversion
// request, flattened from the router's nested envelope.
type WorkerAssignment struct {
	// WorkerID is the selected worker's identifier.
	WorkerID string
	// WorkerURL is the worker's base URL.
	WorkerURL string
	// ConvertEndpoint is the full URL to submit the conversion to.
	ConvertEndpoint string
	// UsageToday is the worker's request count so far today.
	UsageToday int64
	// DailyLimit is the worker's daily request budget.
	DailyLimit int64
}

// workerEnvelope is the wire shape of a /get-worker response.
type workerEnvelope struct {
	Success bool `json:"success"`
	Worker  struct {
		ID              string `json:"id"`
		URL             string `json:"url"`
		ConvertEndpoint string `json:"convert_endpoint"`
	} `json:"worker"`
	Usage struct {
		WorkerToday int64 `json:"worker_today"`
		WorkerLimit int64 `json:"worker_limit"`
	} `json:"usage"`
}

// UsageReport accounts one completed conversion back to the router.
type UsageReport struct {
	// WorkerID identifies the worker that served the conversion. Required.
	WorkerID string `json:"worker_id"`
	// SiteURL is the originating site. Required.
	SiteURL string `json:"site_url"`
	// URLConverted is the document URL that was converted.
	URLConverted string `json:"url_converted,omitempty"`
	// ConversionTimeMs is how long the conversion took, in milliseconds.
	ConversionTimeMs int64 `json:"conversion_time_ms,omitempty"`
	// BytesIn is the request payload size.
	BytesIn int64 `json:"bytes_in,omitempty"`
	// BytesOut is the response payload size.
	BytesOut int64 `json:"bytes_out,omitempty"`
	// CacheHit marks conversions served from a worker-side cache.
	CacheHit bool `json:"cache_hit,omitempty"`
	// Success is false when the conversion failed.
	Success bool `json:"success"`
}

// UsageAck is the router's response to a usage report.
type UsageAck struct {
	Success bool        `json:"success"`
	Usage   UsageTotals `json:"usage"`
}

// UsageTotals carries the post-report day counts.
type UsageTotals struct {
	WorkerToday int64 `json:"worker_today"`
	SiteToday   int64 `json:"site_today"`
}

// Status is the health check response.
type Status struct {
	// Status is the health status string (e.g. "ok").
	Status string `json:"status"`
	// Version is the router version.
	Version string `json:"version"`
}

// apiError is the router's JSON error envelope.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}
