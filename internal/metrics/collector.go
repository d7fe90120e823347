package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector counts engine activity with atomic counters
type Collector struct {
	engineMetrics     *EngineMetrics
	operationCounters map[string]*int64
	mu                sync.RWMutex
	startTime         time.Time
}

// EngineMetrics is a snapshot of the engine counters
type EngineMetrics struct {
	// Patching
	DiffsReceived    int64 `json:"diffs_received"`
	PatchesApplied   int64 `json:"patches_applied"`
	PatchesBuffered  int64 `json:"patches_buffered"`
	PatchesReplayed  int64 `json:"patches_replayed"`
	DOMMutations     int64 `json:"dom_mutations"`
	DeferredRemovals int64 `json:"deferred_removals"`

	// Refs
	RefsMinted    int64 `json:"refs_minted"`
	RefsReleased  int64 `json:"refs_released"`
	RefsAbandoned int64 `json:"refs_abandoned"`
	RefsPending   int64 `json:"refs_pending"`

	// Scopes
	ScopesMounted   int64 `json:"scopes_mounted"`
	ScopesDestroyed int64 `json:"scopes_destroyed"`
	ActiveScopes    int64 `json:"active_scopes"`
	MaxActiveScopes int64 `json:"max_active_scopes"`

	// Streams
	StreamInserts   int64 `json:"stream_inserts"`
	StreamDeletes   int64 `json:"stream_deletes"`
	StreamEvictions int64 `json:"stream_evictions"`

	// Errors
	Desyncs         int64 `json:"desyncs"`
	RecoveredPanics int64 `json:"recovered_panics"`

	// Uptime
	StartTime time.Time     `json:"start_time"`
	Uptime    time.Duration `json:"uptime"`
}

// NewCollector creates a new metrics collector
func NewCollector() *Collector {
	return &Collector{
		engineMetrics: &EngineMetrics{
			StartTime: time.Now(),
		},
		operationCounters: make(map[string]*int64),
		startTime:         time.Now(),
	}
}

// RecordDiff records a diff received for any scope
func (c *Collector) RecordDiff() {
	atomic.AddInt64(&c.engineMetrics.DiffsReceived, 1)
}

// RecordPatch records the outcome of one patch
func (c *Collector) RecordPatch(mutations, buffered, deferred int) {
	if mutations > 0 {
		atomic.AddInt64(&c.engineMetrics.PatchesApplied, 1)
		atomic.AddInt64(&c.engineMetrics.DOMMutations, int64(mutations))
	}
	atomic.AddInt64(&c.engineMetrics.PatchesBuffered, int64(buffered))
	atomic.AddInt64(&c.engineMetrics.DeferredRemovals, int64(deferred))
}

// RecordReplay records buffered patches replayed after a release
func (c *Collector) RecordReplay(n int) {
	atomic.AddInt64(&c.engineMetrics.PatchesReplayed, int64(n))
}

// IncrementRefMinted records a new ref
func (c *Collector) IncrementRefMinted() {
	atomic.AddInt64(&c.engineMetrics.RefsMinted, 1)
	atomic.AddInt64(&c.engineMetrics.RefsPending, 1)
}

// IncrementRefReleased records an acknowledged ref
func (c *Collector) IncrementRefReleased() {
	atomic.AddInt64(&c.engineMetrics.RefsReleased, 1)
	atomic.AddInt64(&c.engineMetrics.RefsPending, -1)
}

// IncrementRefAbandoned records a ref cleared without acknowledgement
func (c *Collector) IncrementRefAbandoned() {
	atomic.AddInt64(&c.engineMetrics.RefsAbandoned, 1)
	atomic.AddInt64(&c.engineMetrics.RefsPending, -1)
}

// IncrementScopeMounted records a scope mount
func (c *Collector) IncrementScopeMounted() {
	atomic.AddInt64(&c.engineMetrics.ScopesMounted, 1)
	currentActive := atomic.AddInt64(&c.engineMetrics.ActiveScopes, 1)

	// Update max active if needed
	for {
		max := atomic.LoadInt64(&c.engineMetrics.MaxActiveScopes)
		if currentActive <= max {
			break
		}
		if atomic.CompareAndSwapInt64(&c.engineMetrics.MaxActiveScopes, max, currentActive) {
			break
		}
	}
}

// IncrementScopeDestroyed records a scope teardown
func (c *Collector) IncrementScopeDestroyed() {
	atomic.AddInt64(&c.engineMetrics.ScopesDestroyed, 1)
	atomic.AddInt64(&c.engineMetrics.ActiveScopes, -1)
}

// RecordStreamChange records the effect of stream operations
func (c *Collector) RecordStreamChange(inserted, deleted, evicted int) {
	atomic.AddInt64(&c.engineMetrics.StreamInserts, int64(inserted))
	atomic.AddInt64(&c.engineMetrics.StreamDeletes, int64(deleted))
	atomic.AddInt64(&c.engineMetrics.StreamEvictions, int64(evicted))
}

// IncrementDesync records a scope torn down after a protocol desync
func (c *Collector) IncrementDesync() {
	atomic.AddInt64(&c.engineMetrics.Desyncs, 1)
}

// IncrementRecoveredPanic records a panic converted into a desync
func (c *Collector) IncrementRecoveredPanic() {
	atomic.AddInt64(&c.engineMetrics.RecoveredPanics, 1)
}

// IncrementCustomCounter increments a custom named counter
func (c *Collector) IncrementCustomCounter(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if counter, exists := c.operationCounters[name]; exists {
		atomic.AddInt64(counter, 1)
	} else {
		var newCounter int64 = 1
		c.operationCounters[name] = &newCounter
	}
}

// GetMetrics returns current engine metrics
func (c *Collector) GetMetrics() EngineMetrics {
	c.mu.RLock()
	start := c.startTime
	c.mu.RUnlock()

	m := c.engineMetrics
	return EngineMetrics{
		DiffsReceived:    atomic.LoadInt64(&m.DiffsReceived),
		PatchesApplied:   atomic.LoadInt64(&m.PatchesApplied),
		PatchesBuffered:  atomic.LoadInt64(&m.PatchesBuffered),
		PatchesReplayed:  atomic.LoadInt64(&m.PatchesReplayed),
		DOMMutations:     atomic.LoadInt64(&m.DOMMutations),
		DeferredRemovals: atomic.LoadInt64(&m.DeferredRemovals),
		RefsMinted:       atomic.LoadInt64(&m.RefsMinted),
		RefsReleased:     atomic.LoadInt64(&m.RefsReleased),
		RefsAbandoned:    atomic.LoadInt64(&m.RefsAbandoned),
		RefsPending:      atomic.LoadInt64(&m.RefsPending),
		ScopesMounted:    atomic.LoadInt64(&m.ScopesMounted),
		ScopesDestroyed:  atomic.LoadInt64(&m.ScopesDestroyed),
		ActiveScopes:     atomic.LoadInt64(&m.ActiveScopes),
		MaxActiveScopes:  atomic.LoadInt64(&m.MaxActiveScopes),
		StreamInserts:    atomic.LoadInt64(&m.StreamInserts),
		StreamDeletes:    atomic.LoadInt64(&m.StreamDeletes),
		StreamEvictions:  atomic.LoadInt64(&m.StreamEvictions),
		Desyncs:          atomic.LoadInt64(&m.Desyncs),
		RecoveredPanics:  atomic.LoadInt64(&m.RecoveredPanics),
		StartTime:        start,
		Uptime:           time.Since(start),
	}
}

// GetCustomCounters returns all custom counters
func (c *Collector) GetCustomCounters() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	result := make(map[string]int64)
	for name, counter := range c.operationCounters {
		result[name] = atomic.LoadInt64(counter)
	}
	return result
}

// Reset resets all metrics to zero
func (c *Collector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.engineMetrics
	for _, p := range []*int64{
		&m.DiffsReceived, &m.PatchesApplied, &m.PatchesBuffered, &m.PatchesReplayed,
		&m.DOMMutations, &m.DeferredRemovals,
		&m.RefsMinted, &m.RefsReleased, &m.RefsAbandoned, &m.RefsPending,
		&m.ScopesMounted, &m.ScopesDestroyed, &m.ActiveScopes, &m.MaxActiveScopes,
		&m.StreamInserts, &m.StreamDeletes, &m.StreamEvictions,
		&m.Desyncs, &m.RecoveredPanics,
	} {
		atomic.StoreInt64(p, 0)
	}

	// Reset custom counters
	c.operationCounters = make(map[string]*int64)

	c.startTime = time.Now()
}

// GetBufferRate returns the share of patches that had to wait for a lock, in percent
func (c *Collector) GetBufferRate() float64 {
	applied := atomic.LoadInt64(&c.engineMetrics.PatchesApplied)
	buffered := atomic.LoadInt64(&c.engineMetrics.PatchesBuffered)

	total := applied + buffered
	if total == 0 {
		return 0.0
	}
	return float64(buffered) / float64(total) * 100.0
}

// GetAckSuccessRate returns the share of finished refs that were acknowledged, in percent
func (c *Collector) GetAckSuccessRate() float64 {
	released := atomic.LoadInt64(&c.engineMetrics.RefsReleased)
	abandoned := atomic.LoadInt64(&c.engineMetrics.RefsAbandoned)

	total := released + abandoned
	if total == 0 {
		return 100.0 // No finished refs means nothing failed
	}
	return float64(released) / float64(total) * 100.0
}
