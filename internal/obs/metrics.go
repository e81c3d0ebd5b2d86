package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveClients      = promauto.NewGauge(prometheus.GaugeOpts{Name: "busbridge_active_clients", Help: "Admitted external clients"})
	WhitelistSize      = promauto.NewGauge(prometheus.GaugeOpts{Name: "busbridge_whitelist_entries", Help: "Entries in the current whitelist"})
	AdmissionsTotal    = promauto.NewCounterVec(prometheus.CounterOpts{Name: "busbridge_admissions_total", Help: "Connect-time admission decisions by result"}, []string{"result"})
	EvictionsTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "busbridge_evictions_total", Help: "Sessions disconnected by the whitelist sweep"})
	WhitelistReloads   = promauto.NewCounterVec(prometheus.CounterOpts{Name: "busbridge_whitelist_reloads_total", Help: "Whitelist reloads by result"}, []string{"result"})
	EncodedTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "busbridge_encoded_total", Help: "Bus events encoded by key"}, []string{"key"})
	RelayedTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "busbridge_relayed_total", Help: "Device frames relayed by kind"}, []string{"kind"})
	DroppedTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "busbridge_dropped_total", Help: "Dropped items by reason"}, []string{"reason"})
	QueueDepth         = promauto.NewGauge(prometheus.GaugeOpts{Name: "busbridge_push_queue_depth", Help: "Packets waiting in the push queue"})
	BroadcastTotal     = promauto.NewCounter(prometheus.CounterOpts{Name: "busbridge_broadcast_total", Help: "Packets handed to the broadcast primitive"})
	BackpressureTotal  = promauto.NewCounter(prometheus.CounterOpts{Name: "busbridge_backpressure_warnings_total", Help: "Drained batches above the backpressure threshold"})
	BatchSize          = promauto.NewHistogram(prometheus.HistogramOpts{Name: "busbridge_push_batch_size", Help: "Packets per drained batch", Buckets: prometheus.ExponentialBuckets(1, 2, 14)})
	ErrorsTotal        = promauto.NewCounterVec(prometheus.CounterOpts{Name: "busbridge_errors_total", Help: "Errors by type"}, []string{"type"})
	SessionDurationSec = promauto.NewHistogram(prometheus.HistogramOpts{Name: "busbridge_session_duration_seconds", Help: "External session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 20)})
)
