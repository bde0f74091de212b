package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome label values shared by the counters below.
const (
	OutcomeCreated    = "created"
	OutcomeDuplicate  = "duplicate"
	OutcomePromoted   = "promoted"
	OutcomeError      = "error"
	OutcomeOK         = "ok"
	OutcomeOperator   = "operator"
	OutcomeFailClosed = "fail_closed"
	OutcomeIgnored    = "ignored"
	OutcomeUpstream   = "upstream_error"
)

var (
	PurchaseWrites = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contentpass_ledger_writes_total",
		Help: "Ledger upserts by source and outcome",
	}, []string{"source", "outcome"})

	Normalizations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contentpass_normalizations_total",
		Help: "Product id normalizations by resolution rule",
	}, []string{"rule"})

	LinkedPurchases = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contentpass_linked_purchases_total",
		Help: "Guest purchases attached to an account",
	})

	LinkConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "contentpass_link_conflicts_total",
		Help: "Purchases already linked to a different account when linking",
	})

	Resolutions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contentpass_entitlement_resolutions_total",
		Help: "Entitlement resolutions by outcome",
	}, []string{"outcome"})

	SyncRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contentpass_sync_runs_total",
		Help: "Transaction synchronizations by path and outcome",
	}, []string{"path", "outcome"})

	SyncItemsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "contentpass_sync_items_in_flight",
		Help: "Line items currently being written by the sync adapter",
	})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "contentpass_webhook_events_total",
		Help: "Checkout webhook deliveries by event type and outcome",
	}, []string{"event_type", "outcome"})
)

func IncPurchaseWrite(source, outcome string) {
	PurchaseWrites.WithLabelValues(source, outcome).Inc()
}

func IncNormalization(rule string) {
	Normalizations.WithLabelValues(rule).Inc()
}

func IncResolution(outcome string) {
	Resolutions.WithLabelValues(outcome).Inc()
}

func IncSyncRun(path, outcome string) {
	SyncRuns.WithLabelValues(path, outcome).Inc()
}

func IncWebhookEvent(eventType, outcome string) {
	WebhookEvents.WithLabelValues(eventType, outcome).Inc()
}
