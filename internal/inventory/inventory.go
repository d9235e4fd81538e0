// Package inventory wraps the storage reservation primitives with
// pricing, logging, and metrics. All stock transitions still happen in
// storage; this layer decides what a basket costs and records outcomes.
package inventory

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/metrics"
	"github.com/gramshop/server/internal/money"
	"github.com/gramshop/server/internal/storage"
)

// Engine exposes basket operations over the store.
type Engine struct {
	store   storage.Store
	log     zerolog.Logger
	metrics *metrics.Metrics
	timeout time.Duration // basket ttl, used to report expiry to callers
}

// NewEngine wires the engine. metrics may be nil in tests.
func NewEngine(store storage.Store, log zerolog.Logger, m *metrics.Metrics, basketTimeout time.Duration) *Engine {
	return &Engine{
		store:   store,
		log:     log.With().Str("component", "inventory").Logger(),
		metrics: m,
		timeout: basketTimeout,
	}
}

// BasketTimeout returns the configured hold lifetime.
func (e *Engine) BasketTimeout() time.Duration {
	return e.timeout
}

// Reserve attempts to take the exclusive hold on a product row for the
// user. The outcome is always well defined: reserved, not available, or
// already held elsewhere.
func (e *Engine) Reserve(ctx context.Context, userID, productID int64) (storage.ReserveOutcome, error) {
	outcome, err := e.store.ReserveProduct(ctx, userID, productID, time.Now())
	if err != nil {
		return outcome, err
	}
	if e.metrics != nil {
		e.metrics.ReservationsTotal.WithLabelValues(outcome.String()).Inc()
	}
	e.log.Debug().
		Int64("user_id", userID).
		Int64("product_id", productID).
		Str("outcome", outcome.String()).
		Msg("reservation attempt")
	return outcome, nil
}

// Release drops the user's hold on one product. Idempotent.
func (e *Engine) Release(ctx context.Context, userID, productID int64) (bool, error) {
	released, err := e.store.ReleaseProduct(ctx, userID, productID)
	if err != nil {
		return false, err
	}
	if released && e.metrics != nil {
		e.metrics.ReleasesTotal.WithLabelValues("user").Inc()
	}
	return released, nil
}

// ReleaseAll empties the user's basket and returns the number of holds
// removed.
func (e *Engine) ReleaseAll(ctx context.Context, userID int64) (int, error) {
	n, err := e.store.ReleaseAllForUser(ctx, userID)
	if err != nil {
		return 0, err
	}
	if n > 0 && e.metrics != nil {
		e.metrics.ReleasesTotal.WithLabelValues("user").Add(float64(n))
	}
	return n, nil
}

// PricedBasket is a basket snapshot with per-item prices after reseller
// discounts, before any order-level code.
type PricedBasket struct {
	Items []storage.FinalizeItem
	Total money.Amount
}

// Empty reports whether the basket holds nothing.
func (b PricedBasket) Empty() bool {
	return len(b.Items) == 0
}

// Basket snapshots the user's holds and prices them. Reseller users get
// their per-product-type percentage off each matching item; everyone
// else pays the listed price. Order-level discount codes are applied
// later, at invoice creation and again inside finalisation.
func (e *Engine) Basket(ctx context.Context, userID int64) (PricedBasket, error) {
	items, err := e.store.BasketSnapshot(ctx, userID)
	if err != nil {
		return PricedBasket{}, err
	}
	if len(items) == 0 {
		return PricedBasket{}, nil
	}

	var rules map[string]float64
	user, err := e.store.GetUser(ctx, userID)
	if err == nil && user.Reseller {
		rules, err = e.store.ResellerDiscounts(ctx, userID)
		if err != nil {
			return PricedBasket{}, err
		}
	}

	priced := PricedBasket{Items: make([]storage.FinalizeItem, 0, len(items))}
	for _, it := range items {
		unit := it.Price
		if pct, ok := rules[it.ProductType]; ok {
			unit = unit.ApplyPercentageDiscount(pct)
		}
		priced.Items = append(priced.Items, storage.FinalizeItem{BasketItem: it, UnitPrice: unit})
		priced.Total = priced.Total.Add(unit)
	}
	return priced, nil
}

// ValidateDiscount resolves a code the user typed. A missing, inactive,
// expired, or capped-out code returns ok=false with no error; storage
// failures surface as errors.
func (e *Engine) ValidateDiscount(ctx context.Context, code string) (storage.DiscountCode, bool, error) {
	if code == "" {
		return storage.DiscountCode{}, false, nil
	}
	dc, err := e.store.GetDiscountCode(ctx, code)
	if err != nil {
		if err == storage.ErrNotFound {
			return storage.DiscountCode{}, false, nil
		}
		return storage.DiscountCode{}, false, err
	}
	if !dc.Usable(time.Now()) {
		return storage.DiscountCode{}, false, nil
	}
	return dc, true, nil
}

// QuoteTotal applies an optional order-level code to a priced basket.
func (e *Engine) QuoteTotal(basket PricedBasket, code *storage.DiscountCode) money.Amount {
	if code == nil {
		return basket.Total
	}
	total := code.Apply(basket.Total)
	if e.metrics != nil && code.Kind == storage.DiscountFixed && total.Cents() == 0 && basket.Total.Cents() > 0 {
		// Fixed code worth more than the order: the floor at zero ate the
		// difference.
		e.metrics.DiscountCapRejects.Inc()
	}
	return total
}
