package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lvtclient"

type counterDesc struct {
	desc  *prometheus.Desc
	kind  prometheus.ValueType
	value func(EngineMetrics) int64
}

// Exporter exposes a Collector to Prometheus
type Exporter struct {
	collector *Collector
	descs     []counterDesc

	bufferRate *prometheus.Desc
	ackRate    *prometheus.Desc
	// custom counters share one family, labelled by name
	custom *prometheus.Desc
}

var _ prometheus.Collector = (*Exporter)(nil)

func newDesc(name, help string) *prometheus.Desc {
	return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
}

// NewExporter wraps c for registration with a prometheus.Registerer
func NewExporter(c *Collector) *Exporter {
	counter, gauge := prometheus.CounterValue, prometheus.GaugeValue
	return &Exporter{
		collector:  c,
		bufferRate: newDesc("patch_buffer_ratio_percent", "Share of patches that waited for a lock."),
		ackRate:    newDesc("ack_success_ratio_percent", "Share of finished refs that were acknowledged."),
		custom: prometheus.NewDesc(prometheus.BuildFQName(namespace, "", "operations_total"),
			"Named engine operations.", []string{"name"}, nil),
		descs: []counterDesc{
			{newDesc("diffs_received_total", "Diffs received from the server."), counter, func(m EngineMetrics) int64 { return m.DiffsReceived }},
			{newDesc("patches_applied_total", "Patches that changed the DOM."), counter, func(m EngineMetrics) int64 { return m.PatchesApplied }},
			{newDesc("patches_buffered_total", "Candidates buffered behind a lock."), counter, func(m EngineMetrics) int64 { return m.PatchesBuffered }},
			{newDesc("patches_replayed_total", "Buffered candidates replayed after release."), counter, func(m EngineMetrics) int64 { return m.PatchesReplayed }},
			{newDesc("dom_mutations_total", "DOM mutations performed by the patcher."), counter, func(m EngineMetrics) int64 { return m.DOMMutations }},
			{newDesc("deferred_removals_total", "Removals handed to a transition."), counter, func(m EngineMetrics) int64 { return m.DeferredRemovals }},
			{newDesc("refs_minted_total", "Refs minted for client operations."), counter, func(m EngineMetrics) int64 { return m.RefsMinted }},
			{newDesc("refs_released_total", "Refs released by an acknowledgement."), counter, func(m EngineMetrics) int64 { return m.RefsReleased }},
			{newDesc("refs_abandoned_total", "Refs cleared without an acknowledgement."), counter, func(m EngineMetrics) int64 { return m.RefsAbandoned }},
			{newDesc("refs_pending", "Refs awaiting acknowledgement."), gauge, func(m EngineMetrics) int64 { return m.RefsPending }},
			{newDesc("scopes_mounted_total", "Scopes mounted."), counter, func(m EngineMetrics) int64 { return m.ScopesMounted }},
			{newDesc("scopes_destroyed_total", "Scopes destroyed."), counter, func(m EngineMetrics) int64 { return m.ScopesDestroyed }},
			{newDesc("scopes_active", "Scopes currently live."), gauge, func(m EngineMetrics) int64 { return m.ActiveScopes }},
			{newDesc("stream_inserts_total", "Stream entries inserted."), counter, func(m EngineMetrics) int64 { return m.StreamInserts }},
			{newDesc("stream_deletes_total", "Stream entries deleted explicitly."), counter, func(m EngineMetrics) int64 { return m.StreamDeletes }},
			{newDesc("stream_evictions_total", "Stream entries evicted by limit or reset."), counter, func(m EngineMetrics) int64 { return m.StreamEvictions }},
			{newDesc("desyncs_total", "Scopes torn down after a protocol desync."), counter, func(m EngineMetrics) int64 { return m.Desyncs }},
			{newDesc("recovered_panics_total", "Panics recovered inside message handlers."), counter, func(m EngineMetrics) int64 { return m.RecoveredPanics }},
		},
	}
}

// Describe implements prometheus.Collector
func (e *Exporter) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range e.descs {
		ch <- d.desc
	}
	ch <- e.bufferRate
	ch <- e.ackRate
	ch <- e.custom
}

// Collect implements prometheus.Collector
func (e *Exporter) Collect(ch chan<- prometheus.Metric) {
	snapshot := e.collector.GetMetrics()
	for _, d := range e.descs {
		ch <- prometheus.MustNewConstMetric(d.desc, d.kind, float64(d.value(snapshot)))
	}
	ch <- prometheus.MustNewConstMetric(e.bufferRate, prometheus.GaugeValue, e.collector.GetBufferRate())
	ch <- prometheus.MustNewConstMetric(e.ackRate, prometheus.GaugeValue, e.collector.GetAckSuccessRate())
	for name, n := range e.collector.GetCustomCounters() {
		ch <- prometheus.MustNewConstMetric(e.custom, prometheus.CounterValue, float64(n), name)
	}
}
