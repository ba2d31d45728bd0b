// control/metrics.go
// Author: momentics <momentics@gmail.com>
//
// Runtime metrics collector. Shards publish counter snapshots under
// namespaced keys; the registry serializes the whole set to JSON for
// scraping or dumping.

package control

import (
	"sync"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// MetricsRegistry holds the latest published metric values.
type MetricsRegistry struct {
	mu      sync.RWMutex
	metrics map[string]any
	updated time.Time
}

// NewMetricsRegistry creates an empty registry.
func NewMetricsRegistry() *MetricsRegistry {
	return &MetricsRegistry{
		metrics: make(map[string]any),
	}
}

// Set sets or updates a metric key.
func (mr *MetricsRegistry) Set(key string, value any) {
	mr.mu.Lock()
	mr.metrics[key] = value
	mr.updated = time.Now()
	mr.mu.Unlock()
}

// GetSnapshot returns the latest metrics.
func (mr *MetricsRegistry) GetSnapshot() map[string]any {
	mr.mu.RLock()
	defer mr.mu.RUnlock()
	out := make(map[string]any, len(mr.metrics))
	for k, v := range mr.metrics {
		out[k] = v
	}
	return out
}

// MarshalJSON serializes the current snapshot.
func (mr *MetricsRegistry) MarshalJSON() ([]byte, error) {
	return sonnet.Marshal(mr.GetSnapshot())
}

// Dump renders the snapshot as indented JSON for logs and debug dumps.
func (mr *MetricsRegistry) Dump() (string, error) {
	b, err := sonnet.MarshalIndent(mr.GetSnapshot(), "", "  ")
	if err != nil {
		return "", err
	}
	return string(b), nil
}
