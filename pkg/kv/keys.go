package kv

import "fmt"

// WorkersListKey holds the ordered JSON array of registered worker IDs.
const WorkersListKey = "workers:list"

// WorkerConfigKey holds one worker's registration record.
func WorkerConfigKey(id string) string {
	return fmt.Sprintf("worker:%s:config", id)
}

// WorkerUsageKey holds a worker's traffic counter for one calendar day.
func WorkerUsageKey(id, date string) string {
	return fmt.Sprintf("usage:%s:%s", id, date)
}

// SiteConfigKey holds one registered site's record.
func SiteConfigKey(domain string) string {
	return fmt.Sprintf("site:%s:config", domain)
}

// SiteUsageKey holds a site's request counter for one calendar day.
func SiteUsageKey(domain, date string) string {
	return fmt.Sprintf("site:%s:usage:%s", domain, date)
}

// RateLimitKey holds the fixed-window admission counter for one caller,
// endpoint and window index.
func RateLimitKey(callerID, endpoint string, windowIndex int64) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", callerID, endpoint, windowIndex)
}

// ActiveSitesKey holds the set of site domains seen on one calendar day,
// backing the unique-sites figure in daily summaries.
func ActiveSitesKey(date string) string {
	return fmt.Sprintf("sites:active:%s", date)
}
