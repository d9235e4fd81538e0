package inventory

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/money"
	"github.com/gramshop/server/internal/storage"
)

func newEngine(t *testing.T) (*Engine, storage.Store) {
	t.Helper()
	st := storage.NewMemoryStore()
	return NewEngine(st, zerolog.Nop(), nil, 15*time.Minute), st
}

func addUnit(t *testing.T, st storage.Store, ptype string, cents int64) int64 {
	t.Helper()
	id, err := st.AddProduct(context.Background(), storage.Product{
		City:        "Berlin",
		District:    "Mitte",
		ProductType: ptype,
		Size:        "std",
		Price:       money.FromCents(cents),
		Available:   true,
	})
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func TestReserveThenReleaseRoundTrip(t *testing.T) {
	ctx := context.Background()
	eng, st := newEngine(t)
	if _, err := st.EnsureUser(ctx, 1, "en"); err != nil {
		t.Fatal(err)
	}
	id := addUnit(t, st, "widget", 1000)

	outcome, err := eng.Reserve(ctx, 1, id)
	if err != nil || outcome != storage.ReserveOK {
		t.Fatalf("reserve = %v %v", outcome, err)
	}

	// Second buyer is told the unit is held.
	if _, err := st.EnsureUser(ctx, 2, "en"); err != nil {
		t.Fatal(err)
	}
	outcome, err = eng.Reserve(ctx, 2, id)
	if err != nil || outcome != storage.ReserveAlreadyHeld {
		t.Fatalf("second reserve = %v %v", outcome, err)
	}

	released, err := eng.Release(ctx, 1, id)
	if err != nil || !released {
		t.Fatalf("release = %v %v", released, err)
	}
	// Releasing again is a no-op, not an error.
	released, err = eng.Release(ctx, 1, id)
	if err != nil || released {
		t.Fatalf("repeat release = %v %v", released, err)
	}
}

func TestBasketPricing(t *testing.T) {
	ctx := context.Background()
	eng, st := newEngine(t)
	if _, err := st.EnsureUser(ctx, 1, "en"); err != nil {
		t.Fatal(err)
	}
	a := addUnit(t, st, "widget", 1000)
	b := addUnit(t, st, "gadget", 2000)
	for _, id := range []int64{a, b} {
		if outcome, err := eng.Reserve(ctx, 1, id); err != nil || outcome != storage.ReserveOK {
			t.Fatalf("reserve %d: %v %v", id, outcome, err)
		}
	}

	basket, err := eng.Basket(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(basket.Items) != 2 || basket.Total.Cents() != 3000 {
		t.Fatalf("basket = %d items, total %d", len(basket.Items), basket.Total.Cents())
	}
}

func TestBasketResellerDiscountPerType(t *testing.T) {
	ctx := context.Background()
	eng, st := newEngine(t)
	if _, err := st.EnsureUser(ctx, 1, "en"); err != nil {
		t.Fatal(err)
	}
	if err := st.SetUserReseller(ctx, 1, true); err != nil {
		t.Fatal(err)
	}
	if err := st.SetResellerDiscount(ctx, storage.ResellerRule{UserID: 1, ProductType: "widget", Percent: 10}); err != nil {
		t.Fatal(err)
	}
	a := addUnit(t, st, "widget", 1000) // discounted to 9.00
	b := addUnit(t, st, "gadget", 2000) // full price
	for _, id := range []int64{a, b} {
		if outcome, err := eng.Reserve(ctx, 1, id); err != nil || outcome != storage.ReserveOK {
			t.Fatalf("reserve %d: %v %v", id, outcome, err)
		}
	}

	basket, err := eng.Basket(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if basket.Total.Cents() != 2900 {
		t.Fatalf("total = %d, want 2900", basket.Total.Cents())
	}
	for _, it := range basket.Items {
		switch it.ProductType {
		case "widget":
			if it.UnitPrice.Cents() != 900 {
				t.Errorf("widget unit = %d, want 900", it.UnitPrice.Cents())
			}
		case "gadget":
			if it.UnitPrice.Cents() != 2000 {
				t.Errorf("gadget unit = %d, want 2000", it.UnitPrice.Cents())
			}
		}
	}
}

func TestValidateDiscount(t *testing.T) {
	ctx := context.Background()
	eng, st := newEngine(t)

	exhausted := 1
	past := time.Now().Add(-time.Hour)
	codes := []storage.DiscountCode{
		{Code: "OK10", Kind: storage.DiscountPercentage, Value: 10, Active: true},
		{Code: "OFF", Kind: storage.DiscountPercentage, Value: 10, Active: false},
		{Code: "OLD", Kind: storage.DiscountPercentage, Value: 10, Active: true, ExpiresAt: &past},
		{Code: "CAP", Kind: storage.DiscountPercentage, Value: 10, Active: true, MaxUses: &exhausted, UsesCount: 1},
	}
	for _, dc := range codes {
		if err := st.SaveDiscountCode(ctx, dc); err != nil {
			t.Fatal(err)
		}
	}

	tests := []struct {
		code string
		want bool
	}{
		{"OK10", true},
		{"OFF", false},
		{"OLD", false},
		{"CAP", false},
		{"MISSING", false},
		{"", false},
	}
	for _, tc := range tests {
		_, ok, err := eng.ValidateDiscount(ctx, tc.code)
		if err != nil {
			t.Fatalf("%s: %v", tc.code, err)
		}
		if ok != tc.want {
			t.Errorf("ValidateDiscount(%q) = %v, want %v", tc.code, ok, tc.want)
		}
	}
}

func TestQuoteTotal(t *testing.T) {
	eng, _ := newEngine(t)
	basket := PricedBasket{Total: money.FromCents(2000)}

	if got := eng.QuoteTotal(basket, nil); got.Cents() != 2000 {
		t.Errorf("no code total = %d", got.Cents())
	}
	pct := &storage.DiscountCode{Kind: storage.DiscountPercentage, Value: 25, Active: true}
	if got := eng.QuoteTotal(basket, pct); got.Cents() != 1500 {
		t.Errorf("percentage total = %d, want 1500", got.Cents())
	}
	fixed := &storage.DiscountCode{Kind: storage.DiscountFixed, Value: 2500, Active: true}
	if got := eng.QuoteTotal(basket, fixed); got.Cents() != 0 {
		t.Errorf("fixed total = %d, want floor at 0", got.Cents())
	}
}
