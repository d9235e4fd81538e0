package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gramshop/server/internal/money"
)

func seedProduct(t *testing.T, s Store, price string) int64 {
	t.Helper()
	id, err := s.AddProduct(context.Background(), Product{
		City:        "Lisbon",
		District:    "Alfama",
		ProductType: "sticker pack",
		Size:        "standard",
		Price:       money.MustFromMajor(price),
		Description: "test unit",
		Available:   true,
	})
	if err != nil {
		t.Fatalf("AddProduct: %v", err)
	}
	return id
}

func seedUser(t *testing.T, s Store, id int64) {
	t.Helper()
	if _, err := s.EnsureUser(context.Background(), id, "en"); err != nil {
		t.Fatalf("EnsureUser: %v", err)
	}
}

func TestReserveOutcomes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, 1)
	seedUser(t, s, 2)
	pid := seedProduct(t, s, "10.00")

	out, err := s.ReserveProduct(ctx, 1, pid, time.Now())
	if err != nil || out != ReserveOK {
		t.Fatalf("first reserve = %v, %v; want ReserveOK", out, err)
	}

	out, err = s.ReserveProduct(ctx, 2, pid, time.Now())
	if err != nil || out != ReserveAlreadyHeld {
		t.Fatalf("second reserve = %v, %v; want ReserveAlreadyHeld", out, err)
	}

	out, err = s.ReserveProduct(ctx, 2, 9999, time.Now())
	if err != nil || out != ReserveNotAvailable {
		t.Fatalf("missing product reserve = %v, %v; want ReserveNotAvailable", out, err)
	}

	// Exclusivity: the winner's basket has the item, the loser's is empty.
	holds, _ := s.ListHolds(ctx, 1)
	if len(holds) != 1 || holds[0].ProductID != pid {
		t.Fatalf("winner holds = %+v, want one hold on %d", holds, pid)
	}
	if holds2, _ := s.ListHolds(ctx, 2); len(holds2) != 0 {
		t.Fatalf("loser holds = %+v, want none", holds2)
	}
}

func TestReserveIsCAS(t *testing.T) {
	// N concurrent contenders for one row: exactly one ReserveOK.
	ctx := context.Background()
	s := NewMemoryStore()
	pid := seedProduct(t, s, "10.00")

	const contenders = 32
	for i := int64(1); i <= contenders; i++ {
		seedUser(t, s, i)
	}

	var wg sync.WaitGroup
	outcomes := make([]ReserveOutcome, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			out, err := s.ReserveProduct(ctx, int64(i+1), pid, time.Now())
			if err != nil {
				t.Errorf("reserve: %v", err)
			}
			outcomes[i] = out
		}(i)
	}
	wg.Wait()

	won, lost := 0, 0
	for _, out := range outcomes {
		switch out {
		case ReserveOK:
			won++
		case ReserveAlreadyHeld:
			lost++
		default:
			t.Errorf("unexpected outcome %v", out)
		}
	}
	if won != 1 || lost != contenders-1 {
		t.Fatalf("won=%d lost=%d, want 1/%d", won, lost, contenders-1)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, 1)
	seedUser(t, s, 2)
	pid := seedProduct(t, s, "10.00")

	if _, err := s.ReserveProduct(ctx, 1, pid, time.Now()); err != nil {
		t.Fatal(err)
	}

	// Wrong owner cannot release.
	released, err := s.ReleaseProduct(ctx, 2, pid)
	if err != nil || released {
		t.Fatalf("foreign release = %v, %v; want false", released, err)
	}

	released, err = s.ReleaseProduct(ctx, 1, pid)
	if err != nil || !released {
		t.Fatalf("owner release = %v, %v; want true", released, err)
	}

	// Second release is a no-op.
	released, err = s.ReleaseProduct(ctx, 1, pid)
	if err != nil || released {
		t.Fatalf("repeat release = %v, %v; want false", released, err)
	}

	p, err := s.GetProduct(ctx, pid)
	if err != nil || p.Reserved {
		t.Fatalf("product after release = %+v, %v; want reserved=false", p, err)
	}
}

func TestSweepExpiredHolds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, 1)
	seedUser(t, s, 2)
	oldPid := seedProduct(t, s, "10.00")
	freshPid := seedProduct(t, s, "10.00")

	now := time.Now()
	if _, err := s.ReserveProduct(ctx, 1, oldPid, now.Add(-20*time.Minute)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.ReserveProduct(ctx, 1, freshPid, now.Add(-1*time.Minute)); err != nil {
		t.Fatal(err)
	}

	released, err := s.SweepExpiredHolds(ctx, now, 15*time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	if len(released) != 1 || released[0].ProductID != oldPid {
		t.Fatalf("released = %+v, want only product %d", released, oldPid)
	}

	// The released row is reservable again by another user.
	out, err := s.ReserveProduct(ctx, 2, oldPid, now)
	if err != nil || out != ReserveOK {
		t.Fatalf("re-reserve after sweep = %v, %v; want ReserveOK", out, err)
	}
	// The fresh hold survived.
	if holds, _ := s.ListHolds(ctx, 1); len(holds) != 1 || holds[0].ProductID != freshPid {
		t.Fatalf("surviving holds = %+v", holds)
	}
}

func TestSweepAbandonedHolds(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	// User 1: inactive, no pending payment -> released.
	seedUser(t, s, 1)
	// User 2: inactive but has a pending payment -> kept.
	seedUser(t, s, 2)
	// User 3: recently active -> kept.
	seedUser(t, s, 3)

	p1 := seedProduct(t, s, "5.00")
	p2 := seedProduct(t, s, "5.00")
	p3 := seedProduct(t, s, "5.00")
	for user, pid := range map[int64]int64{1: p1, 2: p2, 3: p3} {
		if _, err := s.ReserveProduct(ctx, user, pid, now.Add(-time.Hour)); err != nil {
			t.Fatal(err)
		}
	}

	stale := now.Add(-30 * time.Minute)
	_ = s.TouchUser(ctx, 1, stale)
	_ = s.TouchUser(ctx, 2, stale)
	_ = s.TouchUser(ctx, 3, now)
	if err := s.SavePendingPayment(ctx, PendingPayment{PaymentID: "pay-2", UserID: 2, IsPurchase: true, CreatedAt: now}); err != nil {
		t.Fatal(err)
	}

	released, err := s.SweepAbandonedHolds(ctx, now.Add(-15*time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(released) != 1 || released[0].UserID != 1 {
		t.Fatalf("released = %+v, want only user 1", released)
	}
}

func TestDebitBalanceIfSufficient(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, 1)
	if _, err := s.CreditBalance(ctx, 1, money.MustFromMajor("20.00")); err != nil {
		t.Fatal(err)
	}

	if err := s.DebitBalanceIfSufficient(ctx, 1, money.MustFromMajor("18.00")); err != nil {
		t.Fatalf("debit within balance: %v", err)
	}
	if err := s.DebitBalanceIfSufficient(ctx, 1, money.MustFromMajor("2.01")); err != ErrInsufficientBalance {
		t.Fatalf("over-debit error = %v, want ErrInsufficientBalance", err)
	}
	u, _ := s.GetUser(ctx, 1)
	if u.Balance != money.MustFromMajor("2.00") {
		t.Fatalf("balance = %s, want 2.00", u.Balance)
	}
	if err := s.DebitBalanceIfSufficient(ctx, 404, money.FromCents(1)); err != ErrNotFound {
		t.Fatalf("missing user error = %v, want ErrNotFound", err)
	}
}

func finalizeItems(items []BasketItem) []FinalizeItem {
	out := make([]FinalizeItem, len(items))
	for i, it := range items {
		out[i] = FinalizeItem{BasketItem: it, UnitPrice: it.Price}
	}
	return out
}

func TestFinalizePurchaseBasicFlow(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, 1)
	p1 := seedProduct(t, s, "10.00")
	p2 := seedProduct(t, s, "10.00")

	now := time.Now()
	for _, pid := range []int64{p1, p2} {
		if out, err := s.ReserveProduct(ctx, 1, pid, now); err != nil || out != ReserveOK {
			t.Fatalf("reserve %d: %v %v", pid, out, err)
		}
	}
	one := 1
	if err := s.SaveDiscountCode(ctx, DiscountCode{Code: "X10", Kind: DiscountPercentage, Value: 10, MaxUses: &one, Active: true}); err != nil {
		t.Fatal(err)
	}

	snapshot, err := s.BasketSnapshot(ctx, 1)
	if err != nil || len(snapshot) != 2 {
		t.Fatalf("snapshot = %+v, %v", snapshot, err)
	}

	res, err := s.FinalizePurchase(ctx, FinalizeRequest{
		UserID:       1,
		Items:        finalizeItems(snapshot),
		DiscountCode: "X10",
		Now:          now,
	})
	if err != nil {
		t.Fatalf("FinalizePurchase: %v", err)
	}
	if len(res.Fulfilled) != 2 || len(res.SkippedProducts) != 0 {
		t.Fatalf("result = %+v", res)
	}
	if !res.DiscountApplied {
		t.Fatal("discount should apply on first redemption")
	}
	for _, rec := range res.Fulfilled {
		if rec.PricePaid != money.MustFromMajor("9.00") {
			t.Errorf("price paid = %s, want 9.00", rec.PricePaid)
		}
	}
	if res.TotalPaid != money.MustFromMajor("18.00") {
		t.Errorf("total = %s, want 18.00", res.TotalPaid)
	}

	// Basket cleared, counter bumped, code consumed.
	if holds, _ := s.ListHolds(ctx, 1); len(holds) != 0 {
		t.Errorf("basket not cleared: %+v", holds)
	}
	u, _ := s.GetUser(ctx, 1)
	if u.PurchaseCount != 2 {
		t.Errorf("purchase count = %d, want 2", u.PurchaseCount)
	}
	dc, _ := s.GetDiscountCode(ctx, "X10")
	if dc.UsesCount != 1 {
		t.Errorf("uses_count = %d, want 1", dc.UsesCount)
	}

	// Rows are still present (delete happens after media delivery) but no
	// longer available.
	for _, pid := range []int64{p1, p2} {
		p, err := s.GetProduct(ctx, pid)
		if err != nil || p.Available {
			t.Errorf("product %d = %+v, %v; want available=false", pid, p, err)
		}
	}
}

func TestFinalizeSkipsMissingRows(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, 1)
	p1 := seedProduct(t, s, "10.00")
	p2 := seedProduct(t, s, "12.00")

	now := time.Now()
	for _, pid := range []int64{p1, p2} {
		if _, err := s.ReserveProduct(ctx, 1, pid, now); err != nil {
			t.Fatal(err)
		}
	}
	snapshot, _ := s.BasketSnapshot(ctx, 1)

	// Admin deletes one row mid-flight; the snapshot still references it.
	if err := s.DeleteProduct(ctx, p2); err != nil {
		t.Fatal(err)
	}

	res, err := s.FinalizePurchase(ctx, FinalizeRequest{UserID: 1, Items: finalizeItems(snapshot), Now: now})
	if err != nil {
		t.Fatalf("FinalizePurchase: %v", err)
	}
	if len(res.Fulfilled) != 1 || res.Fulfilled[0].ProductID != p1 {
		t.Fatalf("fulfilled = %+v, want only %d", res.Fulfilled, p1)
	}
	if len(res.SkippedProducts) != 1 || res.SkippedProducts[0] != p2 {
		t.Fatalf("skipped = %v, want [%d]", res.SkippedProducts, p2)
	}
	u, _ := s.GetUser(ctx, 1)
	if u.PurchaseCount != 1 {
		t.Errorf("purchase count = %d, want 1 (only fulfilled items)", u.PurchaseCount)
	}
}

func TestDiscountCapUnderConcurrentFinalisation(t *testing.T) {
	// P3: max_uses=1 under concurrent finalisations never exceeds 1, and
	// at most one purchase observes the code as applied.
	ctx := context.Background()
	s := NewMemoryStore()

	const buyers = 8
	one := 1
	if err := s.SaveDiscountCode(ctx, DiscountCode{Code: "CAP1", Kind: DiscountPercentage, Value: 10, MaxUses: &one, Active: true}); err != nil {
		t.Fatal(err)
	}

	now := time.Now()
	pids := make([]int64, buyers)
	for i := 0; i < buyers; i++ {
		uid := int64(i + 1)
		seedUser(t, s, uid)
		pids[i] = seedProduct(t, s, "10.00")
		if _, err := s.ReserveProduct(ctx, uid, pids[i], now); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	applied := make([]bool, buyers)
	for i := 0; i < buyers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			uid := int64(i + 1)
			snapshot, err := s.BasketSnapshot(ctx, uid)
			if err != nil {
				t.Errorf("snapshot: %v", err)
				return
			}
			res, err := s.FinalizePurchase(ctx, FinalizeRequest{
				UserID: uid, Items: finalizeItems(snapshot), DiscountCode: "CAP1", Now: now,
			})
			if err != nil {
				t.Errorf("finalize: %v", err)
				return
			}
			applied[i] = res.DiscountApplied
		}(i)
	}
	wg.Wait()

	appliedCount := 0
	for _, a := range applied {
		if a {
			appliedCount++
		}
	}
	if appliedCount != 1 {
		t.Errorf("discount applied %d times, want exactly 1", appliedCount)
	}
	dc, _ := s.GetDiscountCode(ctx, "CAP1")
	if dc.UsesCount != 1 {
		t.Errorf("uses_count = %d, want 1", dc.UsesCount)
	}
}

func TestPaidPricesFixedAllocation(t *testing.T) {
	items := []FinalizeItem{
		{UnitPrice: money.MustFromMajor("10.00")},
		{UnitPrice: money.MustFromMajor("5.00")},
		{UnitPrice: money.MustFromMajor("5.00")},
	}
	code := &DiscountCode{Code: "F3", Kind: DiscountFixed, Value: 300, Active: true}

	prices := paidPrices(items, code)
	total := money.Sum(prices...)
	if total != money.MustFromMajor("17.00") {
		t.Fatalf("discounted total = %s, want 17.00", total)
	}
	// Proportional shares: 1.50 off the 10.00 item, 0.75 off each 5.00
	// item; the last one absorbs the remainder.
	if prices[0] != money.MustFromMajor("8.50") {
		t.Errorf("first price = %s, want 8.50", prices[0])
	}
}

func TestFileStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := t.TempDir() + "/shop.db"

	fs, err := NewFileStore(path, time.Hour) // rely on Close flush
	if err != nil {
		t.Fatal(err)
	}
	seedUser(t, fs, 7)
	pid := seedProduct(t, fs, "12.50")
	if _, err := fs.CreditBalance(ctx, 7, money.MustFromMajor("3.00")); err != nil {
		t.Fatal(err)
	}
	if _, err := fs.ReserveProduct(ctx, 7, pid, time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := fs.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewFileStore(path, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	u, err := reopened.GetUser(ctx, 7)
	if err != nil || u.Balance != money.MustFromMajor("3.00") {
		t.Fatalf("user after reopen = %+v, %v", u, err)
	}
	p, err := reopened.GetProduct(ctx, pid)
	if err != nil || !p.Reserved {
		t.Fatalf("product after reopen = %+v, %v; want reserved", p, err)
	}
	holds, _ := reopened.ListHolds(ctx, 7)
	if len(holds) != 1 {
		t.Fatalf("holds after reopen = %+v", holds)
	}
}

func TestRefillHistory(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedUser(t, s, 9)

	for i, major := range []string{"10.00", "25.00", "5.00"} {
		err := s.RecordRefill(ctx, RefillRecord{
			UserID:    9,
			Amount:    money.MustFromMajor(major),
			PaymentID: "pay-" + string(rune('a'+i)),
		})
		if err != nil {
			t.Fatalf("RecordRefill: %v", err)
		}
	}
	if err := s.RecordRefill(ctx, RefillRecord{UserID: 10, Amount: money.MustFromMajor("1.00")}); err != nil {
		t.Fatal(err)
	}

	refills, err := s.ListRefills(ctx, 9, 2)
	if err != nil {
		t.Fatalf("ListRefills: %v", err)
	}
	if len(refills) != 2 {
		t.Fatalf("refills = %d, want 2 (limited)", len(refills))
	}
	// Newest first.
	if refills[0].Amount != money.MustFromMajor("5.00") || refills[1].Amount != money.MustFromMajor("25.00") {
		t.Errorf("order = %s, %s", refills[0].Amount, refills[1].Amount)
	}
	for _, r := range refills {
		if r.ID == "" || r.CreatedAt.IsZero() {
			t.Errorf("record not defaulted: %+v", r)
		}
	}

	all, err := s.ListRefills(ctx, 9, 0)
	if err != nil || len(all) != 3 {
		t.Fatalf("unlimited refills = %d, %v; want 3", len(all), err)
	}
}

func TestPendingPaymentLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	now := time.Now()

	pp := PendingPayment{
		PaymentID:      "np-123",
		UserID:         1,
		TargetEUR:      money.MustFromMajor("12.50"),
		CryptoCurrency: "btc",
		IsPurchase:     true,
		Basket:         []BasketItem{{ProductID: 1, Price: money.MustFromMajor("12.50")}},
		CreatedAt:      now.Add(-3 * time.Hour),
	}
	if err := s.SavePendingPayment(ctx, pp); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPendingPayment(ctx, "np-123")
	if err != nil || got.TargetEUR != pp.TargetEUR || len(got.Basket) != 1 {
		t.Fatalf("get = %+v, %v", got, err)
	}

	stale, err := s.ListPendingPaymentsOlderThan(ctx, now.Add(-2*time.Hour))
	if err != nil || len(stale) != 1 {
		t.Fatalf("stale = %+v, %v; want one", stale, err)
	}

	if err := s.DeletePendingPayment(ctx, "np-123"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.GetPendingPayment(ctx, "np-123"); err != ErrNotFound {
		t.Fatalf("after delete err = %v, want ErrNotFound", err)
	}
	if err := s.DeletePendingPayment(ctx, "np-123"); err != ErrNotFound {
		t.Fatalf("double delete err = %v, want ErrNotFound", err)
	}
}
