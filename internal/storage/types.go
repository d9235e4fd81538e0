package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/gramshop/server/internal/money"
)

// User is a storefront account, created on first contact and never deleted.
// Banning is a flag, not a removal.
type User struct {
	ID            int64        `json:"id"`
	Language      string       `json:"language"`
	Balance       money.Amount `json:"balance"`
	PurchaseCount int          `json:"purchase_count"`
	Reseller      bool         `json:"reseller"`
	Banned        bool         `json:"banned"`
	CreatedAt     time.Time    `json:"created_at"`
	LastSeenAt    time.Time    `json:"last_seen_at"`
}

// MediaKind classifies a product attachment.
type MediaKind string

const (
	MediaPhoto     MediaKind = "photo"
	MediaVideo     MediaKind = "video"
	MediaAnimation MediaKind = "animation"
)

// MediaItem is one attachment of a product: the on-disk blob plus an
// optional cached platform file handle for cheap re-sends.
type MediaItem struct {
	Kind   MediaKind `json:"kind"`
	Path   string    `json:"path"`
	FileID string    `json:"file_id,omitempty"`
}

// Product is one sellable unit. Quantity is implicit in the existence of
// the row: selling the unit deletes the row, and Reserved marks the unit
// as held in exactly one basket.
type Product struct {
	ID          int64        `json:"id"`
	City        string       `json:"city"`
	District    string       `json:"district"`
	ProductType string       `json:"product_type"`
	Size        string       `json:"size"`
	Price       money.Amount `json:"price"`
	Description string       `json:"description"`
	Media       []MediaItem  `json:"media,omitempty"`
	Available   bool         `json:"available"`
	Reserved    bool         `json:"reserved"`
	CreatedAt   time.Time    `json:"created_at"`
}

// Name is the display name of the unit ("<type> <size>").
func (p Product) Name() string {
	return p.ProductType + " " + p.Size
}

// BasketHold binds one user to one product row. At most one hold exists
// system-wide for any product.
type BasketHold struct {
	UserID     int64     `json:"user_id"`
	ProductID  int64     `json:"product_id"`
	InsertedAt time.Time `json:"inserted_at"`
}

// BasketItem is a self-contained snapshot of a held product, sufficient to
// finalise a purchase even if the live row is deleted in the meantime.
type BasketItem struct {
	ProductID   int64        `json:"product_id"`
	Name        string       `json:"name"`
	City        string       `json:"city"`
	District    string       `json:"district"`
	ProductType string       `json:"product_type"`
	Size        string       `json:"size"`
	Price       money.Amount `json:"price"`
	Description string       `json:"description"`
}

// PendingPayment is the persisted intent-to-pay created when a provider
// invoice is issued. Its removal is the only signal that the payment has
// been fully processed; every settlement side effect is gated on its
// presence.
type PendingPayment struct {
	PaymentID      string          `json:"payment_id"`
	UserID         int64           `json:"user_id"`
	TargetEUR      money.Amount    `json:"target_eur"`
	ExpectedCrypto decimal.Decimal `json:"expected_crypto"`
	CryptoCurrency string          `json:"crypto_currency"`
	IsPurchase     bool            `json:"is_purchase"`
	Basket         []BasketItem    `json:"basket,omitempty"`
	DiscountCode   string          `json:"discount_code,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// DiscountKind distinguishes percentage codes from fixed-EUR codes.
type DiscountKind string

const (
	DiscountPercentage DiscountKind = "percentage"
	DiscountFixed      DiscountKind = "fixed"
)

// DiscountCode is an order-level discount. Value holds whole percent for
// percentage codes and EUR cents for fixed codes. The uses_count cap is
// enforced by a conditional update at redemption time, never at validation
// time.
type DiscountCode struct {
	Code      string       `json:"code"`
	Kind      DiscountKind `json:"kind"`
	Value     int64        `json:"value"`
	MaxUses   *int         `json:"max_uses,omitempty"`
	UsesCount int          `json:"uses_count"`
	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	Active    bool         `json:"active"`
}

// Usable reports whether the code can still be offered at validation time.
// The redemption cap is re-checked atomically at finalisation.
func (d DiscountCode) Usable(now time.Time) bool {
	if !d.Active {
		return false
	}
	if d.ExpiresAt != nil && now.After(*d.ExpiresAt) {
		return false
	}
	if d.MaxUses != nil && d.UsesCount >= *d.MaxUses {
		return false
	}
	return true
}

// Apply returns the amount after the discount.
func (d DiscountCode) Apply(a money.Amount) money.Amount {
	switch d.Kind {
	case DiscountPercentage:
		return a.ApplyPercentageDiscount(float64(d.Value))
	case DiscountFixed:
		return a.ApplyFixedDiscount(money.FromCents(d.Value))
	default:
		return a
	}
}

// ResellerRule grants a reseller user a percentage off one product type.
type ResellerRule struct {
	UserID      int64   `json:"user_id"`
	ProductType string  `json:"product_type"`
	Percent     float64 `json:"percent"`
}

// PurchaseRecord is the immutable sales log row written at finalisation.
type PurchaseRecord struct {
	ID          string       `json:"id"`
	UserID      int64        `json:"user_id"`
	ProductID   int64        `json:"product_id"`
	Name        string       `json:"name"`
	City        string       `json:"city"`
	District    string       `json:"district"`
	ProductType string       `json:"product_type"`
	Size        string       `json:"size"`
	Description string       `json:"description"`
	PricePaid   money.Amount `json:"price_paid"`
	PaymentID   string       `json:"payment_id,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
}

// RefillRecord is one settled balance top-up.
type RefillRecord struct {
	ID        string       `json:"id"`
	UserID    int64        `json:"user_id"`
	Amount    money.Amount `json:"amount"`
	PaymentID string       `json:"payment_id,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

// AdminAction is one append-only audit row for an administrative mutation.
type AdminAction struct {
	ID        string    `json:"id"`
	AdminID   int64     `json:"admin_id"`
	Action    string    `json:"action"`
	Details   string    `json:"details,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// ReserveOutcome is the discriminated result of a reservation attempt.
type ReserveOutcome int

const (
	// ReserveOK: the conditional update succeeded and the hold was inserted.
	ReserveOK ReserveOutcome = iota
	// ReserveNotAvailable: the row is gone or flagged unavailable.
	ReserveNotAvailable
	// ReserveAlreadyHeld: another basket currently holds the row.
	ReserveAlreadyHeld
)

func (o ReserveOutcome) String() string {
	switch o {
	case ReserveOK:
		return "reserved"
	case ReserveNotAvailable:
		return "not_available"
	case ReserveAlreadyHeld:
		return "already_reserved"
	default:
		return "unknown"
	}
}

// ProductFilter narrows ListProducts. Zero values match everything.
type ProductFilter struct {
	City          string
	District      string
	ProductType   string
	Size          string
	OnlyAvailable bool
	OnlyFree      bool // available and not reserved
}

// Matches reports whether the product passes the filter.
func (f ProductFilter) Matches(p Product) bool {
	if f.City != "" && p.City != f.City {
		return false
	}
	if f.District != "" && p.District != f.District {
		return false
	}
	if f.ProductType != "" && p.ProductType != f.ProductType {
		return false
	}
	if f.Size != "" && p.Size != f.Size {
		return false
	}
	if f.OnlyAvailable && !p.Available {
		return false
	}
	if f.OnlyFree && (!p.Available || p.Reserved) {
		return false
	}
	return true
}

// FinalizeItem is one basket-snapshot item entering finalisation, priced
// after the per-item reseller discount.
type FinalizeItem struct {
	BasketItem
	UnitPrice money.Amount // price the user owes for this unit before the order code
}

// FinalizeRequest is the input to the one-transaction purchase finaliser.
type FinalizeRequest struct {
	UserID       int64
	Items        []FinalizeItem
	DiscountCode string // optional; redeemed by conditional update inside the transaction
	PaymentID    string // optional provenance for the purchase log
	Now          time.Time
}

// FinalizeResult reports what the finalisation transaction committed.
type FinalizeResult struct {
	Fulfilled       []PurchaseRecord
	SkippedProducts []int64 // rows gone or out of stock at decrement time
	DiscountApplied bool
	TotalPaid       money.Amount
}
