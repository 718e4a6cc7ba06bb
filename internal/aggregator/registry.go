// Package aggregator orchestrates market data requests across multiple
// providers: it tracks per-source health, picks the candidate order for each
// request, fails over between sources, and feeds results through the
// adaptive cache layer.
package aggregator

import (
	"sort"
	"sync"
	"time"
)

// Health scoring parameters. Request-driven scoring and the periodic sweep
// use different deltas; only request-driven scoring flips the active flag.
const (
	healthScoreMax = 100
	healthScoreMin = 0

	successDelta        = 1
	errorDelta          = 5
	sweepHealthyDelta   = 2
	sweepUnhealthyDelta = 10

	// A source is quarantined when an error drops its score below this.
	quarantineThreshold = 20

	// A quarantined source is restored when a success raises its score
	// above this.
	restoreThreshold = 50
)

// Source is one configured upstream data provider and its mutable health
// state. HealthScore always stays within [0,100].
type Source struct {
	Name            string    `json:"name"`
	Priority        int       `json:"priority"`
	IsActive        bool      `json:"isActive"`
	HealthScore     int       `json:"healthScore"`
	ErrorCount      int       `json:"errorCount"`
	SuccessCount    int       `json:"successCount"`
	LastHealthCheck time.Time `json:"lastHealthCheck"`
}

// Registry owns the set of configured sources. It is created once per
// process and shared by reference; there are no package-level singletons.
type Registry struct {
	mu      sync.RWMutex
	sources map[string]*Source
}

// NewRegistry creates a registry with the given sources. Each source starts
// active with a full health score.
func NewRegistry(sources ...SourceConfig) *Registry {
	r := &Registry{sources: make(map[string]*Source)}
	for _, cfg := range sources {
		r.sources[cfg.Name] = &Source{
			Name:        cfg.Name,
			Priority:    cfg.Priority,
			IsActive:    true,
			HealthScore: healthScoreMax,
		}
	}
	return r
}

// SourceConfig is the static configuration for one source.
type SourceConfig struct {
	Name     string
	Priority int
}

// Get returns a copy of the named source's current state.
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	if !ok {
		return Source{}, false
	}
	return *src, true
}

// List returns copies of all sources in candidate-priority order.
func (r *Registry) List() []Source {
	return r.CandidateOrder("")
}

// CandidateOrder returns copies of all sources in the order the fallback
// chain should try them: the preferred source (if known) first, then
// active before inactive, then ascending priority, then descending health
// score.
func (r *Registry) CandidateOrder(preferred string) []Source {
	r.mu.RLock()
	out := make([]Source, 0, len(r.sources))
	for _, src := range r.sources {
		out = append(out, *src)
	}
	r.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return compareSourcePriority(out[i], out[j])
	})

	if preferred == "" {
		return out
	}
	for i, src := range out {
		if src.Name == preferred {
			ordered := make([]Source, 0, len(out))
			ordered = append(ordered, src)
			ordered = append(ordered, out[:i]...)
			ordered = append(ordered, out[i+1:]...)
			return ordered
		}
	}
	return out
}

// compareSourcePriority reports whether a should be tried before b.
func compareSourcePriority(a, b Source) bool {
	if a.IsActive != b.IsActive {
		return a.IsActive
	}
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	return a.HealthScore > b.HealthScore
}

// RecordSuccess applies request-driven success scoring: the success counter
// increments, the health score rises by one, and a quarantined source whose
// score climbs above the restore threshold is reactivated.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return
	}
	src.SuccessCount++
	src.HealthScore = clampScore(src.HealthScore + successDelta)
	if !src.IsActive && src.HealthScore > restoreThreshold {
		src.IsActive = true
	}
}

// RecordError applies request-driven failure scoring: the error counter
// increments, the health score drops by five, and an active source whose
// score falls below the quarantine threshold is deactivated.
func (r *Registry) RecordError(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return
	}
	src.ErrorCount++
	src.HealthScore = clampScore(src.HealthScore - errorDelta)
	if src.IsActive && src.HealthScore < quarantineThreshold {
		src.IsActive = false
	}
}

// ApplySweep applies health-sweep scoring. The sweep uses its own deltas and
// never flips the active flag; it exists to keep the dashboard's "current
// health" view moving even when no requests hit a source.
func (r *Registry) ApplySweep(name string, healthy bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return
	}
	if healthy {
		src.HealthScore = clampScore(src.HealthScore + sweepHealthyDelta)
	} else {
		src.HealthScore = clampScore(src.HealthScore - sweepUnhealthyDelta)
	}
	src.LastHealthCheck = time.Now()
}

// SetSourceStatus manually activates or deactivates a source, bypassing all
// automatic logic. Idempotent.
func (r *Registry) SetSourceStatus(name string, active bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return false
	}
	src.IsActive = active
	return true
}

// ResetStats restores a source to its initial state: counters zeroed, full
// health score, active. Idempotent.
func (r *Registry) ResetStats(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[name]
	if !ok {
		return false
	}
	src.ErrorCount = 0
	src.SuccessCount = 0
	src.HealthScore = healthScoreMax
	src.IsActive = true
	return true
}

func clampScore(score int) int {
	if score > healthScoreMax {
		return healthScoreMax
	}
	if score < healthScoreMin {
		return healthScoreMin
	}
	return score
}
