// Package stats maintains running counters for the sync engine and the
// derived edge-processing ratio.
package stats

import (
	"sync"
	"time"
)

// Snapshot is a point-in-time view of the engine's counters.
type Snapshot struct {
	TotalRequests       int64     `json:"total_requests"`
	SuccessfulRequests  int64     `json:"successful_requests"`
	FailedRequests      int64     `json:"failed_requests"`
	CacheHits           int64     `json:"cache_hits"`
	TokensSaved         int64     `json:"tokens_saved"`
	CloudTokensUsed     int64     `json:"cloud_tokens_used"`
	EdgeProcessingRatio float64   `json:"edge_processing_ratio"`
	LastSyncTime        time.Time `json:"last_sync_time"`
	UptimeSeconds       float64   `json:"uptime_seconds"`
}

// Aggregator accumulates monotonically non-decreasing counters. The
// edge-processing ratio is derived on each snapshot, never stored.
type Aggregator struct {
	mu sync.Mutex

	totalRequests      int64
	successfulRequests int64
	failedRequests     int64
	cacheHits          int64
	tokensSaved        int64
	cloudTokensUsed    int64
	lastSync           time.Time
	uptimeStart        time.Time
}

// New creates an aggregator with uptime measured from now.
func New() *Aggregator {
	return &Aggregator{uptimeStart: time.Now()}
}

// RecordRequest counts a service request handed to the connection:
// success means it was dispatched, failure means the send was refused.
func (a *Aggregator) RecordRequest(success bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if success {
		a.totalRequests++
	} else {
		a.failedRequests++
	}
}

// RecordCacheHit counts a request answered locally from the cache and
// the tokens that avoided a cloud round trip.
func (a *Aggregator) RecordCacheHit(tokensSaved int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.totalRequests++
	a.cacheHits++
	a.tokensSaved += int64(tokensSaved)
}

// RecordResponse counts a completed cloud response and its token cost.
func (a *Aggregator) RecordResponse(tokensUsed int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successfulRequests++
	a.cloudTokensUsed += int64(tokensUsed)
}

// RecordTokensSaved adds to the running tokens-saved total.
func (a *Aggregator) RecordTokensSaved(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.tokensSaved += int64(n)
}

// RecordCloudTokens adds to the running cloud token usage.
func (a *Aggregator) RecordCloudTokens(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cloudTokensUsed += int64(n)
}

// MarkSynced records the time of the most recent statistics refresh.
func (a *Aggregator) MarkSynced(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSync = t
}

// Snapshot returns the current counters. The edge-processing ratio is
// the fraction of all service requests answered locally from the cache:
// cache_hits / total_requests, 0 while no requests have been seen.
// (Cache hits count toward total_requests, so the ratio stays in [0,1].)
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	var ratio float64
	if a.totalRequests > 0 {
		ratio = float64(a.cacheHits) / float64(a.totalRequests)
	}

	return Snapshot{
		TotalRequests:       a.totalRequests,
		SuccessfulRequests:  a.successfulRequests,
		FailedRequests:      a.failedRequests,
		CacheHits:           a.cacheHits,
		TokensSaved:         a.tokensSaved,
		CloudTokensUsed:     a.cloudTokensUsed,
		EdgeProcessingRatio: ratio,
		LastSyncTime:        a.lastSync,
		UptimeSeconds:       time.Since(a.uptimeStart).Seconds(),
	}
}
