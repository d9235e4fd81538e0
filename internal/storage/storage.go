package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gramshop/server/internal/money"
)

// ErrNotFound is returned when a requested entity is missing from the store.
var ErrNotFound = errors.New("storage: not found")

// ErrInsufficientBalance is returned by DebitBalanceIfSufficient when the
// user's balance does not cover the requested amount.
var ErrInsufficientBalance = errors.New("storage: insufficient balance")

// Store captures the persistence requirements of the storefront.
//
// Every method is atomic: memory and file backends hold one mutex for the
// whole call, the postgres backend runs one transaction. Composite
// operations that touch stock or balance (ReserveProduct,
// DebitBalanceIfSufficient, FinalizePurchase, the sweeps) rely on that —
// they are the serialisation points the reservation and payment invariants
// are built on.
type Store interface {
	// Users. EnsureUser creates the account on first contact and refreshes
	// last-seen on every later call.
	EnsureUser(ctx context.Context, id int64, language string) (User, error)
	GetUser(ctx context.Context, id int64) (User, error)
	SetUserLanguage(ctx context.Context, id int64, language string) error
	SetUserBanned(ctx context.Context, id int64, banned bool) error
	SetUserReseller(ctx context.Context, id int64, reseller bool) error
	TouchUser(ctx context.Context, id int64, at time.Time) error
	CreditBalance(ctx context.Context, id int64, amount money.Amount) (User, error)
	// DebitBalanceIfSufficient decrements the balance only when it covers
	// the amount; returns ErrInsufficientBalance otherwise.
	DebitBalanceIfSufficient(ctx context.Context, id int64, amount money.Amount) error

	// Products. One row is one sellable unit.
	AddProduct(ctx context.Context, p Product) (int64, error)
	GetProduct(ctx context.Context, id int64) (Product, error)
	UpdateProductMedia(ctx context.Context, id int64, media []MediaItem) error
	ListProducts(ctx context.Context, f ProductFilter) ([]Product, error)
	DeleteProduct(ctx context.Context, id int64) error

	// Reservation. ReserveProduct is the only path that sets reserved=1 and
	// performs the conditional transition available=1 AND reserved=0 -> held.
	ReserveProduct(ctx context.Context, userID, productID int64, now time.Time) (ReserveOutcome, error)
	// ReleaseProduct is idempotent; it reports whether a hold owned by the
	// user was actually removed.
	ReleaseProduct(ctx context.Context, userID, productID int64) (bool, error)
	ReleaseAllForUser(ctx context.Context, userID int64) (int, error)
	ListHolds(ctx context.Context, userID int64) ([]BasketHold, error)
	// SweepExpiredHolds releases every hold older than ttl and returns the
	// released holds so callers can notify the affected users.
	SweepExpiredHolds(ctx context.Context, now time.Time, ttl time.Duration) ([]BasketHold, error)
	// SweepAbandonedHolds releases holds whose owner has been inactive since
	// the cutoff and has no pending payment in flight.
	SweepAbandonedHolds(ctx context.Context, inactiveSince time.Time) ([]BasketHold, error)
	// BasketSnapshot returns finalisation-sufficient views of the user's
	// holds in insertion order.
	BasketSnapshot(ctx context.Context, userID int64) ([]BasketItem, error)

	// Pending payments, keyed by the provider-assigned payment id.
	SavePendingPayment(ctx context.Context, pp PendingPayment) error
	GetPendingPayment(ctx context.Context, paymentID string) (PendingPayment, error)
	DeletePendingPayment(ctx context.Context, paymentID string) error
	ListPendingPaymentsOlderThan(ctx context.Context, cutoff time.Time) ([]PendingPayment, error)
	UserHasPendingPayment(ctx context.Context, userID int64) (bool, error)

	// Discount codes.
	SaveDiscountCode(ctx context.Context, dc DiscountCode) error
	GetDiscountCode(ctx context.Context, code string) (DiscountCode, error)
	ListDiscountCodes(ctx context.Context) ([]DiscountCode, error)
	DeleteDiscountCode(ctx context.Context, code string) error

	// Reseller discount rules, keyed by (user, product type).
	SetResellerDiscount(ctx context.Context, rule ResellerRule) error
	DeleteResellerDiscount(ctx context.Context, userID int64, productType string) error
	ResellerDiscounts(ctx context.Context, userID int64) (map[string]float64, error)

	// FinalizePurchase runs the whole finalisation body in one transaction:
	// per-item conditional stock decrement (skip, never abort, on zero
	// rows), conditional discount-code redemption, purchase records,
	// lifetime counter, basket clear. Product rows survive the transaction;
	// the caller deletes them after media delivery.
	FinalizePurchase(ctx context.Context, req FinalizeRequest) (FinalizeResult, error)
	ListPurchases(ctx context.Context, userID int64, limit int) ([]PurchaseRecord, error)

	// Top-up history, append-only. The balance credit itself is separate;
	// the record is the audit trail.
	RecordRefill(ctx context.Context, r RefillRecord) error
	ListRefills(ctx context.Context, userID int64, limit int) ([]RefillRecord, error)

	// Admin audit log, append-only.
	AppendAdminAction(ctx context.Context, a AdminAction) error
	ListAdminActions(ctx context.Context, limit int) ([]AdminAction, error)

	Close() error
}

// StoreConfig selects and configures a storage backend.
type StoreConfig struct {
	Backend       string // "memory", "file", or "postgres"
	FilePath      string
	PostgresURL   string
	FlushInterval time.Duration // file backend snapshot cadence
}

// NewStore creates a Store instance based on the provided configuration.
// With no explicit backend, a postgres URL wins over the file fallback.
func NewStore(cfg StoreConfig) (Store, error) {
	switch cfg.Backend {
	case "memory":
		return NewMemoryStore(), nil
	case "":
		if cfg.PostgresURL != "" {
			return NewPostgresStore(cfg.PostgresURL)
		}
		if cfg.FilePath == "" {
			cfg.FilePath = "./data/gramshop.db"
		}
		return NewFileStore(cfg.FilePath, cfg.FlushInterval)
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("postgres backend requires postgres_url")
		}
		return NewPostgresStore(cfg.PostgresURL)
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("file backend requires file_path")
		}
		return NewFileStore(cfg.FilePath, cfg.FlushInterval)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}

// paidPrices computes the per-item paid price after the order-level code.
// Percentage codes apply per item with half-up rounding. Fixed codes are
// subtracted from the order total and allocated proportionally, the last
// item absorbing the rounding remainder, so the logged prices always sum
// to the discounted total. A nil code means prices pass through.
//
// Shared by every backend so the purchase log is identical regardless of
// where the transaction ran.
func paidPrices(items []FinalizeItem, code *DiscountCode) []money.Amount {
	prices := make([]money.Amount, len(items))
	for i, it := range items {
		prices[i] = it.UnitPrice
	}
	if code == nil || len(items) == 0 {
		return prices
	}

	switch code.Kind {
	case DiscountPercentage:
		for i := range prices {
			prices[i] = prices[i].ApplyPercentageDiscount(float64(code.Value))
		}
	case DiscountFixed:
		total := money.Sum(prices...)
		discount := money.FromCents(code.Value)
		if discount > total {
			discount = total
		}
		if total == 0 || discount == 0 {
			return prices
		}
		var allocated money.Amount
		for i := range prices {
			if i == len(prices)-1 {
				prices[i] = prices[i].Sub(discount.Sub(allocated))
				break
			}
			share := money.FromCents(discount.Cents() * prices[i].Cents() / total.Cents())
			prices[i] = prices[i].Sub(share)
			allocated = allocated.Add(share)
		}
	}
	return prices
}
