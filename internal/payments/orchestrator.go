package payments

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/gramshop/server/internal/metrics"
	"github.com/gramshop/server/internal/money"
	"github.com/gramshop/server/internal/storage"
)

// ErrQuoteChanged is returned when the basket total no longer matches the
// amount the user confirmed, beyond the one-cent tolerance.
var ErrQuoteChanged = errors.New("payments: quoted total changed")

// ErrBasketEmpty is returned when invoice creation finds nothing to sell.
var ErrBasketEmpty = errors.New("payments: basket is empty")

// Provider is the subset of the REST client the orchestrator needs.
// Split out so tests can settle payments without a live provider.
type Provider interface {
	EstimateCrypto(ctx context.Context, amount money.Amount, currency string) (Estimate, error)
	CreatePayment(ctx context.Context, amount money.Amount, currency, orderID, description, callbackURL string) (Invoice, error)
	PaymentStatus(ctx context.Context, paymentID string) (Status, error)
}

// Fulfiller settles a purchase after its payment cleared: finalisation,
// media delivery, row cleanup. Implemented by the checkout package.
type Fulfiller interface {
	FulfillPurchase(ctx context.Context, pp storage.PendingPayment, paymentID string) error
}

// Notifier pushes payment outcomes to the user and to the operator.
type Notifier interface {
	BalanceCredited(ctx context.Context, userID int64, amount money.Amount, reason string)
	PaymentFailed(ctx context.Context, userID int64, paymentID, status string)
	Critical(ctx context.Context, format string, args ...any)
}

// Callback is a normalised provider IPN payload.
type Callback struct {
	PaymentID       string          `json:"payment_id"`
	ParentPaymentID string          `json:"parent_payment_id,omitempty"`
	PaymentStatus   string          `json:"payment_status"`
	PayAmount       decimal.Decimal `json:"pay_amount"`
	ActuallyPaid    decimal.Decimal `json:"actually_paid"`
	PayCurrency     string          `json:"pay_currency"`
}

// Outcome classifies what a callback did.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeRefilled  Outcome = "refilled"
	OutcomeUnderpaid Outcome = "underpaid"
	OutcomeExpired   Outcome = "expired"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeCritical  Outcome = "critical"
)

// InvoiceRequest describes the payment to open.
type InvoiceRequest struct {
	UserID       int64
	Currency     string
	QuotedTotal  money.Amount // total shown to the user at confirmation
	Basket       []storage.BasketItem
	Total        money.Amount // current total after all discounts
	DiscountCode string
	Refill       bool
	RefillAmount money.Amount
}

// Orchestrator owns the payment lifecycle: invoice creation, callback
// settlement, and status probes for lost callbacks. Exactly-once
// settlement hinges on DeletePendingPayment being the first effect of
// processing: whichever caller deletes the row owns the side effects.
type Orchestrator struct {
	store       storage.Store
	provider    Provider
	fulfiller   Fulfiller
	notify      Notifier
	log         zerolog.Logger
	metrics     *metrics.Metrics
	callbackURL string
}

// NewOrchestrator wires the orchestrator. fulfiller and notify may not be
// nil.
func NewOrchestrator(store storage.Store, provider Provider, fulfiller Fulfiller, notify Notifier, callbackURL string, log zerolog.Logger, m *metrics.Metrics) *Orchestrator {
	return &Orchestrator{
		store:       store,
		provider:    provider,
		fulfiller:   fulfiller,
		notify:      notify,
		log:         log.With().Str("component", "payments").Logger(),
		metrics:     m,
		callbackURL: callbackURL,
	}
}

// CreateInvoice opens a provider payment and persists the pending intent.
// For purchases the basket snapshot travels inside the pending row, so
// settlement needs no live basket. The quoted total is re-checked within
// one cent; price drift since the user confirmed aborts the invoice.
func (o *Orchestrator) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	kind := "purchase"
	target := req.Total
	if req.Refill {
		kind = "refill"
		target = req.RefillAmount
	} else {
		if len(req.Basket) == 0 {
			return Invoice{}, ErrBasketEmpty
		}
		if !money.WithinCents(req.Total, req.QuotedTotal, 1) {
			return Invoice{}, ErrQuoteChanged
		}
	}

	// The estimate is the cheap precheck: below-minimum amounts and
	// unsupported currencies fail here before a payment exists.
	if _, err := o.provider.EstimateCrypto(ctx, target, req.Currency); err != nil {
		if o.metrics != nil {
			o.metrics.InvoiceFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		}
		return Invoice{}, err
	}

	orderID := uuid.NewString()
	desc := fmt.Sprintf("order %s (%d items)", orderID[:8], len(req.Basket))
	if req.Refill {
		desc = "balance refill " + orderID[:8]
	}

	inv, err := o.provider.CreatePayment(ctx, target, req.Currency, orderID, desc, o.callbackURL)
	if err != nil {
		if o.metrics != nil {
			o.metrics.InvoiceFailuresTotal.WithLabelValues(failureReason(err)).Inc()
		}
		return Invoice{}, err
	}

	pp := storage.PendingPayment{
		PaymentID:      inv.PaymentID,
		UserID:         req.UserID,
		TargetEUR:      target,
		ExpectedCrypto: inv.PayAmount,
		CryptoCurrency: inv.Currency,
		IsPurchase:     !req.Refill,
		Basket:         req.Basket,
		DiscountCode:   req.DiscountCode,
		CreatedAt:      inv.CreatedAt,
	}
	if err := o.store.SavePendingPayment(ctx, pp); err != nil {
		// The invoice exists at the provider but we cannot track it. The
		// status probe cannot recover an untracked payment, so page the
		// operator with the id.
		o.notify.Critical(ctx, "untracked invoice %s for user %d: %v", inv.PaymentID, req.UserID, err)
		return Invoice{}, fmt.Errorf("payments: persist pending payment: %w", err)
	}

	if o.metrics != nil {
		o.metrics.InvoicesCreatedTotal.WithLabelValues(kind).Inc()
	}
	o.log.Info().
		Str("payment_id", inv.PaymentID).
		Int64("user_id", req.UserID).
		Str("kind", kind).
		Str("target_eur", target.String()).
		Msg("invoice created")
	return inv, nil
}

// HandleCallback processes one provider IPN. Always returns the outcome;
// the HTTP layer acknowledges regardless so the provider stops retrying.
func (o *Orchestrator) HandleCallback(ctx context.Context, cb Callback) Outcome {
	if o.metrics != nil {
		o.metrics.CallbacksTotal.WithLabelValues(cb.PaymentStatus).Inc()
	}

	var outcome Outcome
	switch {
	case cb.ParentPaymentID != "":
		// Child-payment notifications carry their own id; only the parent
		// settles.
		outcome = OutcomeIgnored
	case cb.PaymentStatus == "finished" || cb.PaymentStatus == "confirmed" || cb.PaymentStatus == "partially_paid":
		if cb.ActuallyPaid.IsPositive() {
			outcome = o.settle(ctx, cb.PaymentID, cb.ActuallyPaid)
		} else {
			outcome = OutcomeIgnored
		}
	case cb.PaymentStatus == "failed" || cb.PaymentStatus == "refunded" || cb.PaymentStatus == "expired":
		outcome = o.abort(ctx, cb.PaymentID, cb.PaymentStatus)
	default:
		// waiting, confirming, sending: informational only.
		outcome = OutcomeIgnored
	}

	if o.metrics != nil {
		o.metrics.CallbackOutcomesTotal.WithLabelValues(string(outcome)).Inc()
	}
	o.log.Info().
		Str("payment_id", cb.PaymentID).
		Str("status", cb.PaymentStatus).
		Str("outcome", string(outcome)).
		Msg("callback processed")
	return outcome
}

// ProbeStatus asks the provider about a stale pending payment and applies
// the same settlement rules a callback would. Used by the sweeper when
// callbacks have plausibly been lost. A payment the provider still shows
// as unresolved is expired instead: the sweeper only probes rows past the
// staleness cutoff, and an invoice nobody paid in that time is dead.
func (o *Orchestrator) ProbeStatus(ctx context.Context, pp storage.PendingPayment) (Outcome, error) {
	st, err := o.provider.PaymentStatus(ctx, pp.PaymentID)
	if err != nil {
		return OutcomeIgnored, err
	}
	outcome := o.HandleCallback(ctx, Callback{
		PaymentID:     st.PaymentID,
		PaymentStatus: st.PaymentStatus,
		PayAmount:     st.PayAmount,
		ActuallyPaid:  st.ActuallyPaid,
		PayCurrency:   st.Currency,
	})
	if outcome == OutcomeIgnored {
		outcome = o.abort(ctx, pp.PaymentID, "expired")
	}
	return outcome, nil
}

// settle handles payments with a positive received amount. Full versus
// short is decided by comparing what arrived against the invoiced crypto
// amount, not by the status label. The pending row is deleted before any
// side effect; a missing row means another settlement path already owns
// this payment (duplicate callback, or the probe raced the callback) and
// the call is a no-op.
func (o *Orchestrator) settle(ctx context.Context, paymentID string, actuallyPaid decimal.Decimal) Outcome {
	pp, err := o.store.GetPendingPayment(ctx, paymentID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return OutcomeIgnored
		}
		o.notify.Critical(ctx, "settlement lookup failed for %s: %v", paymentID, err)
		return OutcomeCritical
	}

	if err := o.store.DeletePendingPayment(ctx, paymentID); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return OutcomeIgnored
		}
		o.notify.Critical(ctx, "settlement delete failed for %s: %v", paymentID, err)
		return OutcomeCritical
	}

	if actuallyPaid.LessThan(pp.ExpectedCrypto) {
		return o.settleUnderpayment(ctx, pp, actuallyPaid)
	}

	if pp.IsPurchase {
		if err := o.fulfiller.FulfillPurchase(ctx, pp, paymentID); err != nil {
			// Money arrived but goods did not go out. Put the pending row
			// back so the situation stays discoverable and a later probe
			// can retry, and page a human.
			o.restorePending(ctx, pp)
			o.notify.Critical(ctx, "paid purchase %s for user %d not fulfilled: %v", paymentID, pp.UserID, err)
			return OutcomeCritical
		}
		o.creditOverpayment(ctx, pp, actuallyPaid)
		o.recordAmount(pp.TargetEUR, "purchase")
		return OutcomeDelivered
	}

	credit := o.paidEUR(ctx, pp, actuallyPaid)
	if _, err := o.store.CreditBalance(ctx, pp.UserID, credit); err != nil {
		o.restorePending(ctx, pp)
		o.notify.Critical(ctx, "refill credit failed for %s user %d amount %s: %v", paymentID, pp.UserID, credit, err)
		return OutcomeCritical
	}
	if err := o.store.RecordRefill(ctx, storage.RefillRecord{
		UserID:    pp.UserID,
		Amount:    credit,
		PaymentID: paymentID,
	}); err != nil {
		o.log.Warn().Err(err).Str("payment_id", paymentID).Msg("refill record write failed")
	}
	o.notify.BalanceCredited(ctx, pp.UserID, credit, "refill")
	o.recordAmount(credit, "refill")
	return OutcomeRefilled
}

// settleUnderpayment credits the EUR value of what actually arrived. The
// purchase does not happen and the reserved items are released; the
// credit lets the user re-reserve and pay from balance.
func (o *Orchestrator) settleUnderpayment(ctx context.Context, pp storage.PendingPayment, actuallyPaid decimal.Decimal) Outcome {
	credit := o.paidEUR(ctx, pp, actuallyPaid)
	if credit.IsZero() {
		if pp.IsPurchase {
			o.releaseBasket(ctx, pp)
		}
		o.notify.PaymentFailed(ctx, pp.UserID, pp.PaymentID, "partially_paid")
		return OutcomeUnderpaid
	}
	if _, err := o.store.CreditBalance(ctx, pp.UserID, credit); err != nil {
		o.restorePending(ctx, pp)
		o.notify.Critical(ctx, "underpayment credit failed for %s user %d amount %s: %v", pp.PaymentID, pp.UserID, credit, err)
		return OutcomeCritical
	}
	if pp.IsPurchase {
		o.releaseBasket(ctx, pp)
	}
	o.notify.BalanceCredited(ctx, pp.UserID, credit, "underpayment")
	o.recordAmount(credit, "underpayment")
	return OutcomeUnderpaid
}

// releaseBasket frees the holds a pending purchase was sitting on. Best
// effort and idempotent: a hold may already be gone.
func (o *Orchestrator) releaseBasket(ctx context.Context, pp storage.PendingPayment) {
	for _, item := range pp.Basket {
		if _, err := o.store.ReleaseProduct(ctx, pp.UserID, item.ProductID); err != nil {
			o.log.Warn().Err(err).Int64("product_id", item.ProductID).Msg("hold release failed")
		}
	}
}

// restorePending puts a pending row back after a settlement side effect
// failed, so a later callback or probe can retry and the operator can
// find the payment.
func (o *Orchestrator) restorePending(ctx context.Context, pp storage.PendingPayment) {
	if err := o.store.SavePendingPayment(ctx, pp); err != nil {
		o.log.Error().Err(err).Str("payment_id", pp.PaymentID).Msg("pending row restore failed")
	}
}

// abort removes the pending intent for terminal failure statuses.
func (o *Orchestrator) abort(ctx context.Context, paymentID, status string) Outcome {
	pp, err := o.store.GetPendingPayment(ctx, paymentID)
	if err != nil {
		return OutcomeIgnored
	}
	if err := o.store.DeletePendingPayment(ctx, paymentID); err != nil {
		return OutcomeIgnored
	}
	if pp.IsPurchase {
		o.releaseBasket(ctx, pp)
	}
	o.notify.PaymentFailed(ctx, pp.UserID, paymentID, status)
	return OutcomeExpired
}

// paidEUR converts the crypto that actually arrived into EUR, rounded
// down so credits never exceed receipts. The current provider rate is
// preferred; when the provider cannot quote, the rate implied by the
// invoice is used instead.
func (o *Orchestrator) paidEUR(ctx context.Context, pp storage.PendingPayment, actuallyPaid decimal.Decimal) money.Amount {
	if actuallyPaid.IsNegative() {
		return money.Amount(0)
	}
	if est, err := o.provider.EstimateCrypto(ctx, pp.TargetEUR, pp.CryptoCurrency); err == nil && est.Amount.IsPositive() {
		return money.FromDecimalFloor(pp.TargetEUR.Decimal().Mul(actuallyPaid).Div(est.Amount))
	}
	if pp.ExpectedCrypto.IsZero() {
		return money.Amount(0)
	}
	return money.FromDecimalFloor(pp.TargetEUR.Decimal().Mul(actuallyPaid).Div(pp.ExpectedCrypto))
}

func (o *Orchestrator) creditOverpayment(ctx context.Context, pp storage.PendingPayment, actuallyPaid decimal.Decimal) {
	paid := o.paidEUR(ctx, pp, actuallyPaid)
	if paid <= pp.TargetEUR {
		return
	}
	extra := paid.Sub(pp.TargetEUR)
	if _, err := o.store.CreditBalance(ctx, pp.UserID, extra); err != nil {
		o.notify.Critical(ctx, "overpayment credit failed for %s user %d amount %s: %v", pp.PaymentID, pp.UserID, extra, err)
		return
	}
	o.notify.BalanceCredited(ctx, pp.UserID, extra, "overpayment")
}

func (o *Orchestrator) recordAmount(a money.Amount, kind string) {
	if o.metrics != nil {
		o.metrics.PaymentAmountCents.WithLabelValues(kind).Add(float64(a.Cents()))
	}
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrAmountTooLow):
		return "amount_too_low"
	case errors.Is(err, ErrCurrencyNotSupported):
		return "currency_not_supported"
	case errors.Is(err, ErrAPIKeyInvalid):
		return "api_key_invalid"
	case errors.Is(err, ErrAPITimeout):
		return "timeout"
	default:
		return "request_failed"
	}
}
