package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var eventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_events_processed_total",
	Help: "Number of channel events handled, by event type",
}, []string{"type"})

var recordsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_records_rejected_total",
	Help: "Number of record events permanently rejected, by reason",
}, []string{"reason"})

var unknownCollections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "ingest_unknown_collection_events_total",
	Help: "Number of record events skipped because no handler is registered for their collection",
}, []string{"collection"})

var staleRevSkips = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_stale_rev_skips_total",
	Help: "Number of record events skipped because the account rev was already ahead",
})

var accountsPurged = promauto.NewCounter(prometheus.CounterOpts{
	Name: "ingest_accounts_purged_total",
	Help: "Number of accounts purged due to deletion or takedown",
})
