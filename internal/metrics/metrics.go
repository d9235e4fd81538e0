package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the storefront.
type Metrics struct {
	// Reservation metrics
	ReservationsTotal *prometheus.CounterVec // outcome: reserved | not_available | already_reserved
	ReleasesTotal     *prometheus.CounterVec // reason: user | expired | abandoned | payment_failed

	// Payment metrics
	InvoicesCreatedTotal  *prometheus.CounterVec // kind: purchase | refill
	InvoiceFailuresTotal  *prometheus.CounterVec // reason
	CallbacksTotal        *prometheus.CounterVec // status
	CallbackOutcomesTotal *prometheus.CounterVec // outcome: delivered | underpaid | refilled | expired | ignored | critical
	PaymentAmountCents    *prometheus.CounterVec // kind

	// Finalisation metrics
	PurchasesTotal       prometheus.Counter
	PurchaseItemsTotal   prometheus.Counter
	SkippedItemsTotal    prometheus.Counter
	DiscountRedemptions  prometheus.Counter
	DiscountCapRejects   prometheus.Counter
	FinalizeDuration     prometheus.Histogram

	// Sweeper metrics
	SweepReleasedTotal *prometheus.CounterVec // job: basket | abandoned
	SweepPendingTotal  prometheus.Counter

	// Outbound messaging metrics
	SendsTotal       *prometheus.CounterVec // result: ok | retried | dropped
	ProviderRequests *prometheus.CounterVec // endpoint, result

	// Media group metrics
	MediaGroupsFlushed prometheus.Counter
	MediaGroupParts    prometheus.Counter
}

// New creates and registers all collectors. A nil registry falls back to
// the default registerer.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &Metrics{
		ReservationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "gramshop_reservations_total", Help: "Reservation attempts by outcome"},
			[]string{"outcome"},
		),
		ReleasesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "gramshop_releases_total", Help: "Hold releases by reason"},
			[]string{"reason"},
		),
		InvoicesCreatedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "gramshop_invoices_created_total", Help: "Provider invoices created"},
			[]string{"kind"},
		),
		InvoiceFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "gramshop_invoice_failures_total", Help: "Invoice creation failures by reason"},
			[]string{"reason"},
		),
		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "gramshop_payment_callbacks_total", Help: "Provider callbacks received by status"},
			[]string{"status"},
		),
		CallbackOutcomesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "gramshop_payment_callback_outcomes_total", Help: "Callback processing outcomes"},
			[]string{"outcome"},
		),
		PaymentAmountCents: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "gramshop_payment_amount_cents_total", Help: "Settled EUR cents by kind"},
			[]string{"kind"},
		),
		PurchasesTotal: factory.NewCounter(
			prometheus.CounterOpts{Name: "gramshop_purchases_total", Help: "Finalised purchases"},
		),
		PurchaseItemsTotal: factory.NewCounter(
			prometheus.CounterOpts{Name: "gramshop_purchase_items_total", Help: "Items delivered across purchases"},
		),
		SkippedItemsTotal: factory.NewCounter(
			prometheus.CounterOpts{Name: "gramshop_purchase_items_skipped_total", Help: "Snapshot items skipped at finalisation"},
		),
		DiscountRedemptions: factory.NewCounter(
			prometheus.CounterOpts{Name: "gramshop_discount_redemptions_total", Help: "Discount codes redeemed at finalisation"},
		),
		DiscountCapRejects: factory.NewCounter(
			prometheus.CounterOpts{Name: "gramshop_discount_cap_rejects_total", Help: "Redemptions refused by the uses cap"},
		),
		FinalizeDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "gramshop_finalize_duration_seconds",
				Help:    "Duration of the finalisation transaction",
				Buckets: prometheus.DefBuckets,
			},
		),
		SweepReleasedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "gramshop_sweep_released_total", Help: "Holds released by sweepers"},
			[]string{"job"},
		),
		SweepPendingTotal: factory.NewCounter(
			prometheus.CounterOpts{Name: "gramshop_sweep_pending_payments_total", Help: "Stale pending payments removed"},
		),
		SendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "gramshop_platform_sends_total", Help: "Outbound platform sends by result"},
			[]string{"result"},
		),
		ProviderRequests: factory.NewCounterVec(
			prometheus.CounterOpts{Name: "gramshop_provider_requests_total", Help: "Payment provider requests"},
			[]string{"endpoint", "result"},
		),
		MediaGroupsFlushed: factory.NewCounter(
			prometheus.CounterOpts{Name: "gramshop_media_groups_flushed_total", Help: "Media groups flushed to flows"},
		),
		MediaGroupParts: factory.NewCounter(
			prometheus.CounterOpts{Name: "gramshop_media_group_parts_total", Help: "Media parts collected"},
		),
	}
}
