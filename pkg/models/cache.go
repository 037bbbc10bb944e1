package models

import "time"

// CacheEntry is a cached model invocation result.
type CacheEntry struct {
	Model       string    `json:"model"`
	ArgsHash    string    `json:"args_hash"`
	ContentHash string    `json:"content_hash"`
	Result      []byte    `json:"result"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	AccessCount int64     `json:"access_count"`
}

// CacheStats reports cache performance metrics. The counters are persisted
// next to the entries so they survive restarts; under concurrent load they
// are approximate until the system quiesces.
type CacheStats struct {
	TotalRequests  int64   `json:"total_requests"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	BatchRequests  int64   `json:"batch_requests"`
	HitRatio       float64 `json:"hit_ratio"`
	CurrentEntries int64   `json:"current_entries"`
	MaxEntries     int64   `json:"max_entries"`
	Enabled        bool    `json:"enabled"`
}
