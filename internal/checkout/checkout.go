// Package checkout settles purchases after the money question is
// resolved: it runs the finalisation transaction, delivers the bought
// goods, and retires the sold rows. Both payment paths (provider invoice
// and internal balance) converge here.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/botapi"
	"github.com/gramshop/server/internal/inventory"
	"github.com/gramshop/server/internal/metrics"
	"github.com/gramshop/server/internal/money"
	"github.com/gramshop/server/internal/storage"
)

// ErrInsufficientBalance is returned by PayFromBalance when the user's
// balance does not cover the basket.
var ErrInsufficientBalance = storage.ErrInsufficientBalance

// ErrNothingFulfilled is returned when every basket item was gone by the
// time the stock decrement ran.
var ErrNothingFulfilled = errors.New("checkout: no items could be fulfilled")

// Messenger is the outbound surface used for delivery.
type Messenger interface {
	SendMessage(ctx context.Context, chatID int64, text string, kb *botapi.InlineKeyboard) (botapi.Message, error)
	SendMedia(ctx context.Context, chatID int64, kind, media, caption string) (botapi.Message, error)
	SendMediaGroup(ctx context.Context, chatID int64, media []botapi.InputMedia) ([]botapi.Message, error)
}

// CatalogRefresher is notified after sold rows are deleted so browse
// views stop offering them.
type CatalogRefresher interface {
	Rebuild(ctx context.Context) error
}

// Notifier escalates delivery problems.
type Notifier interface {
	Critical(ctx context.Context, format string, args ...any)
}

// Finalizer settles purchases.
type Finalizer struct {
	store    storage.Store
	engine   *inventory.Engine
	sender   Messenger
	catalog  CatalogRefresher
	notify   Notifier
	log      zerolog.Logger
	metrics  *metrics.Metrics
	mediaDir string
}

// NewFinalizer wires the finalizer.
func NewFinalizer(store storage.Store, engine *inventory.Engine, sender Messenger, catalog CatalogRefresher, notify Notifier, mediaDir string, log zerolog.Logger, m *metrics.Metrics) *Finalizer {
	return &Finalizer{
		store:    store,
		engine:   engine,
		sender:   sender,
		catalog:  catalog,
		notify:   notify,
		log:      log.With().Str("component", "checkout").Logger(),
		metrics:  m,
		mediaDir: mediaDir,
	}
}

// FulfillPurchase settles a provider-paid purchase from its pending
// snapshot. The snapshot, not the live basket, is authoritative: it holds
// the items and prices the user actually paid for.
func (f *Finalizer) FulfillPurchase(ctx context.Context, pp storage.PendingPayment, paymentID string) error {
	items, err := f.priceItems(ctx, pp.UserID, pp.Basket)
	if err != nil {
		return err
	}
	return f.settle(ctx, storage.FinalizeRequest{
		UserID:       pp.UserID,
		Items:        items,
		DiscountCode: pp.DiscountCode,
		PaymentID:    paymentID,
		Now:          time.Now(),
	})
}

// PayFromBalance charges the basket to the user's internal balance and
// settles. The debit happens before finalisation; if finalisation then
// fails, the debit is compensated and the operator paged.
func (f *Finalizer) PayFromBalance(ctx context.Context, userID int64, quotedTotal money.Amount, discountCode string) error {
	basket, err := f.engine.Basket(ctx, userID)
	if err != nil {
		return err
	}
	if basket.Empty() {
		return ErrNothingFulfilled
	}

	var code *storage.DiscountCode
	if discountCode != "" {
		dc, ok, err := f.engine.ValidateDiscount(ctx, discountCode)
		if err != nil {
			return err
		}
		if !ok {
			discountCode = ""
		} else {
			code = &dc
		}
	}
	total := f.engine.QuoteTotal(basket, code)
	if !money.WithinCents(total, quotedTotal, 1) {
		return fmt.Errorf("checkout: basket total changed from %s to %s", quotedTotal, total)
	}

	if err := f.store.DebitBalanceIfSufficient(ctx, userID, total); err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			// The basket does not survive a failed balance charge; the
			// user re-reserves after topping up.
			if _, relErr := f.engine.ReleaseAll(ctx, userID); relErr != nil {
				f.log.Warn().Err(relErr).Int64("user_id", userID).Msg("release after failed debit failed")
			}
		}
		return err
	}

	err = f.settle(ctx, storage.FinalizeRequest{
		UserID:       userID,
		Items:        basket.Items,
		DiscountCode: discountCode,
		PaymentID:    "balance:" + uuid.NewString(),
		Now:          time.Now(),
	})
	if err != nil {
		// Money was taken but nothing was sold. Give it back and page.
		if _, creditErr := f.store.CreditBalance(ctx, userID, total); creditErr != nil {
			f.notify.Critical(ctx, "balance purchase failed for user %d and refund of %s also failed: %v / %v", userID, total, err, creditErr)
			return err
		}
		f.notify.Critical(ctx, "balance purchase failed for user %d, %s refunded: %v", userID, total, err)
		return err
	}
	if f.metrics != nil {
		f.metrics.PaymentAmountCents.WithLabelValues("balance").Add(float64(total.Cents()))
	}
	return nil
}

// settle runs the finalisation transaction and then delivers. Delivery
// failures do not undo the sale; they are escalated instead.
func (f *Finalizer) settle(ctx context.Context, req storage.FinalizeRequest) error {
	start := time.Now()
	res, err := f.store.FinalizePurchase(ctx, req)
	if err != nil {
		return fmt.Errorf("checkout: finalize: %w", err)
	}
	if f.metrics != nil {
		f.metrics.FinalizeDuration.Observe(time.Since(start).Seconds())
		f.metrics.PurchasesTotal.Inc()
		f.metrics.PurchaseItemsTotal.Add(float64(len(res.Fulfilled)))
		f.metrics.SkippedItemsTotal.Add(float64(len(res.SkippedProducts)))
		if res.DiscountApplied {
			f.metrics.DiscountRedemptions.Inc()
		}
	}
	f.log.Info().
		Int64("user_id", req.UserID).
		Str("payment_id", req.PaymentID).
		Int("fulfilled", len(res.Fulfilled)).
		Int("skipped", len(res.SkippedProducts)).
		Str("total", res.TotalPaid.String()).
		Msg("purchase finalised")

	if len(res.Fulfilled) == 0 {
		return ErrNothingFulfilled
	}

	for _, rec := range res.Fulfilled {
		f.deliver(ctx, req.UserID, rec)
	}
	if len(res.SkippedProducts) > 0 {
		text := fmt.Sprintf("%d item(s) in your order were no longer in stock and were not charged.", len(res.SkippedProducts))
		if _, err := f.sender.SendMessage(ctx, req.UserID, text, nil); err != nil {
			f.log.Warn().Err(err).Msg("skipped-items notice failed")
		}
	}
	if f.catalog != nil {
		if err := f.catalog.Rebuild(ctx); err != nil {
			f.log.Warn().Err(err).Msg("catalogue rebuild after sale failed")
		}
	}
	return nil
}

// deliver sends one sold item. The text receipt is the purchase content
// of record and always goes out, even when the platform rejects the
// media. A media failure keeps the row and its files and pages the
// operator so the blobs can be re-sent manually.
func (f *Finalizer) deliver(ctx context.Context, userID int64, rec storage.PurchaseRecord) {
	product, err := f.store.GetProduct(ctx, rec.ProductID)
	if err != nil {
		f.notify.Critical(ctx, "sold product %d for user %d has no row; delivery text only", rec.ProductID, userID)
		f.sendText(ctx, userID, rec)
		return
	}

	mediaErr := f.sendMedia(ctx, userID, product)
	if mediaErr != nil {
		f.notify.Critical(ctx, "media delivery failed for product %d user %d: %v", rec.ProductID, userID, mediaErr)
	}
	f.sendText(ctx, userID, rec)
	if mediaErr != nil {
		return
	}

	if err := f.store.DeleteProduct(ctx, rec.ProductID); err != nil {
		f.log.Error().Err(err).Int64("product_id", rec.ProductID).Msg("sold row cleanup failed")
	}
	f.removeMediaFiles(product)
}

// sendMedia delivers the item's blobs: cached platform handles first,
// re-upload from disk when a handle is rejected, and only then failure.
func (f *Finalizer) sendMedia(ctx context.Context, userID int64, p storage.Product) error {
	if len(p.Media) == 0 {
		return nil
	}

	// Cached file ids can go out as one album; anything still without a
	// platform handle is uploaded individually.
	var album []botapi.InputMedia
	var cached, uploads []storage.MediaItem
	for _, m := range p.Media {
		if m.FileID != "" {
			album = append(album, botapi.InputMedia{Type: string(m.Kind), Media: m.FileID})
			cached = append(cached, m)
		} else {
			uploads = append(uploads, m)
		}
	}

	if err := f.sendAlbum(ctx, userID, album); err != nil {
		// Cached handles go stale; the disk copy is the fallback. An item
		// with no disk copy cannot be recovered here.
		f.log.Warn().Err(err).Int64("product_id", p.ID).Msg("cached media rejected, re-uploading from disk")
		for _, m := range cached {
			if m.Path == "" {
				return err
			}
			if _, upErr := f.sender.SendMedia(ctx, userID, string(m.Kind), m.Path, ""); upErr != nil {
				return upErr
			}
		}
	}
	for _, m := range uploads {
		if _, err := f.sender.SendMedia(ctx, userID, string(m.Kind), m.Path, ""); err != nil {
			return err
		}
	}
	return nil
}

func (f *Finalizer) sendAlbum(ctx context.Context, userID int64, album []botapi.InputMedia) error {
	switch len(album) {
	case 0:
		return nil
	case 1:
		_, err := f.sender.SendMedia(ctx, userID, album[0].Type, album[0].Media, "")
		return err
	default:
		_, err := f.sender.SendMediaGroup(ctx, userID, album)
		return err
	}
}

func (f *Finalizer) sendText(ctx context.Context, userID int64, rec storage.PurchaseRecord) {
	text := fmt.Sprintf("<b>%s</b>\n%s, %s\n%s\n\n%s", rec.Name, rec.City, rec.District, rec.PricePaid, rec.Description)
	if _, err := f.sender.SendMessage(ctx, userID, text, nil); err != nil {
		f.log.Warn().Err(err).Int64("user_id", userID).Msg("delivery text failed")
	}
}

// removeMediaFiles deletes the sold unit's media directory from disk.
func (f *Finalizer) removeMediaFiles(p storage.Product) {
	if f.mediaDir == "" || len(p.Media) == 0 {
		return
	}
	dir := filepath.Join(f.mediaDir, fmt.Sprintf("%d", p.ID))
	if err := os.RemoveAll(dir); err != nil {
		f.log.Warn().Err(err).Str("dir", dir).Msg("media cleanup failed")
	}
}

// priceItems recomputes per-item unit prices for a basket snapshot,
// applying the buyer's reseller rules the same way live basket pricing
// does.
func (f *Finalizer) priceItems(ctx context.Context, userID int64, items []storage.BasketItem) ([]storage.FinalizeItem, error) {
	var rules map[string]float64
	user, err := f.store.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.Reseller {
		rules, err = f.store.ResellerDiscounts(ctx, userID)
		if err != nil {
			return nil, err
		}
	}
	out := make([]storage.FinalizeItem, 0, len(items))
	for _, it := range items {
		unit := it.Price
		if pct, ok := rules[it.ProductType]; ok {
			unit = unit.ApplyPercentageDiscount(pct)
		}
		out = append(out, storage.FinalizeItem{BasketItem: it, UnitPrice: unit})
	}
	return out, nil
}
