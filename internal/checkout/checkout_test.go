package checkout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/gramshop/server/internal/botapi"
	"github.com/gramshop/server/internal/inventory"
	"github.com/gramshop/server/internal/money"
	"github.com/gramshop/server/internal/storage"
)

type fakeMessenger struct {
	mu        sync.Mutex
	events    []string // ordered trace: media:<x>, group:<n>, text:<prefix>
	fail      bool
	failMedia map[string]bool // individual media payloads to reject
}

func (m *fakeMessenger) SendMessage(ctx context.Context, chatID int64, text string, kb *botapi.InlineKeyboard) (botapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, "text")
	return botapi.Message{MessageID: int64(len(m.events))}, nil
}

func (m *fakeMessenger) SendMedia(ctx context.Context, chatID int64, kind, media, caption string) (botapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail || m.failMedia[media] {
		return botapi.Message{}, errors.New("send failed")
	}
	m.events = append(m.events, "media:"+media)
	return botapi.Message{}, nil
}

func (m *fakeMessenger) SendMediaGroup(ctx context.Context, chatID int64, media []botapi.InputMedia) ([]botapi.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return nil, errors.New("send failed")
	}
	for _, im := range media {
		if m.failMedia[im.Media] {
			return nil, errors.New("send failed")
		}
	}
	m.events = append(m.events, fmt.Sprintf("group:%d", len(media)))
	return nil, nil
}

type fakeNotifier struct {
	mu       sync.Mutex
	critical []string
}

func (n *fakeNotifier) Critical(ctx context.Context, format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.critical = append(n.critical, fmt.Sprintf(format, args...))
}

func setup(t *testing.T) (*Finalizer, storage.Store, *fakeMessenger, *fakeNotifier) {
	t.Helper()
	st := storage.NewMemoryStore()
	engine := inventory.NewEngine(st, zerolog.Nop(), nil, 15*time.Minute)
	sender := &fakeMessenger{}
	notifier := &fakeNotifier{}
	fin := NewFinalizer(st, engine, sender, nil, notifier, "", zerolog.Nop(), nil)
	return fin, st, sender, notifier
}

func seedHeldProduct(t *testing.T, st storage.Store, userID int64, cents int64, media []storage.MediaItem) int64 {
	t.Helper()
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, userID, "en"); err != nil {
		t.Fatal(err)
	}
	id, err := st.AddProduct(ctx, storage.Product{
		City: "Berlin", District: "Mitte", ProductType: "widget", Size: "std",
		Price: money.FromCents(cents), Media: media, Available: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	outcome, err := st.ReserveProduct(ctx, userID, id, time.Now())
	if err != nil || outcome != storage.ReserveOK {
		t.Fatalf("reserve: %v %v", outcome, err)
	}
	return id
}

func TestPayFromBalanceHappyPath(t *testing.T) {
	ctx := context.Background()
	fin, st, sender, _ := setup(t)
	id := seedHeldProduct(t, st, 1, 2000, []storage.MediaItem{{Kind: storage.MediaPhoto, FileID: "cached-1"}})
	if _, err := st.CreditBalance(ctx, 1, money.FromCents(5000)); err != nil {
		t.Fatal(err)
	}

	if err := fin.PayFromBalance(ctx, 1, money.FromCents(2000), ""); err != nil {
		t.Fatalf("PayFromBalance: %v", err)
	}

	user, err := st.GetUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if user.Balance.Cents() != 3000 {
		t.Errorf("balance = %d, want 3000", user.Balance.Cents())
	}
	if user.PurchaseCount != 1 {
		t.Errorf("purchase count = %d", user.PurchaseCount)
	}
	// Media precedes text; the sold row is gone.
	sender.mu.Lock()
	if len(sender.events) < 2 || sender.events[0] != "media:cached-1" || sender.events[1] != "text" {
		t.Errorf("delivery order = %v", sender.events)
	}
	sender.mu.Unlock()
	if _, err := st.GetProduct(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("sold row survived: %v", err)
	}
	// Purchase log carries the sale.
	purchases, err := st.ListPurchases(ctx, 1, 10)
	if err != nil || len(purchases) != 1 {
		t.Fatalf("purchases = %v, %v", purchases, err)
	}
	if purchases[0].PricePaid.Cents() != 2000 {
		t.Errorf("price paid = %d", purchases[0].PricePaid.Cents())
	}
}

func TestPayFromBalanceInsufficient(t *testing.T) {
	ctx := context.Background()
	fin, st, _, _ := setup(t)
	seedHeldProduct(t, st, 1, 2000, nil)
	if _, err := st.CreditBalance(ctx, 1, money.FromCents(1999)); err != nil {
		t.Fatal(err)
	}

	err := fin.PayFromBalance(ctx, 1, money.FromCents(2000), "")
	if !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	user, _ := st.GetUser(ctx, 1)
	if user.Balance.Cents() != 1999 {
		t.Errorf("balance touched: %d", user.Balance.Cents())
	}
	// A failed balance charge does not keep the reservation.
	holds, _ := st.ListHolds(ctx, 1)
	if len(holds) != 0 {
		t.Errorf("holds after failed charge = %d, want released", len(holds))
	}
}

func TestPayFromBalanceRefundsWhenNothingFulfilled(t *testing.T) {
	ctx := context.Background()
	fin, st, _, notifier := setup(t)
	id := seedHeldProduct(t, st, 1, 2000, nil)
	if _, err := st.CreditBalance(ctx, 1, money.FromCents(5000)); err != nil {
		t.Fatal(err)
	}
	// The row disappears between quote and debit (admin delete).
	if err := st.DeleteProduct(ctx, id); err != nil {
		t.Fatal(err)
	}

	err := fin.PayFromBalance(ctx, 1, money.FromCents(2000), "")
	if !errors.Is(err, ErrNothingFulfilled) {
		t.Fatalf("err = %v, want ErrNothingFulfilled", err)
	}
	user, _ := st.GetUser(ctx, 1)
	if user.Balance.Cents() != 5000 {
		t.Errorf("balance = %d, want full refund to 5000", user.Balance.Cents())
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.critical) != 1 {
		t.Errorf("critical alerts = %v", notifier.critical)
	}
}

func TestPayFromBalanceWithDiscountCode(t *testing.T) {
	ctx := context.Background()
	fin, st, _, _ := setup(t)
	seedHeldProduct(t, st, 1, 2000, nil)
	if _, err := st.CreditBalance(ctx, 1, money.FromCents(2000)); err != nil {
		t.Fatal(err)
	}
	if err := st.SaveDiscountCode(ctx, storage.DiscountCode{
		Code: "X10", Kind: storage.DiscountPercentage, Value: 10, Active: true,
	}); err != nil {
		t.Fatal(err)
	}

	if err := fin.PayFromBalance(ctx, 1, money.FromCents(1800), "X10"); err != nil {
		t.Fatalf("PayFromBalance: %v", err)
	}
	user, _ := st.GetUser(ctx, 1)
	if user.Balance.Cents() != 200 {
		t.Errorf("balance = %d, want 200", user.Balance.Cents())
	}
	dc, err := st.GetDiscountCode(ctx, "X10")
	if err != nil || dc.UsesCount != 1 {
		t.Errorf("code uses = %d, %v", dc.UsesCount, err)
	}
}

func TestFulfillPurchaseAppliesResellerPricing(t *testing.T) {
	ctx := context.Background()
	fin, st, _, _ := setup(t)
	id := seedHeldProduct(t, st, 1, 2000, nil)
	if err := st.SetUserReseller(ctx, 1, true); err != nil {
		t.Fatal(err)
	}
	if err := st.SetResellerDiscount(ctx, storage.ResellerRule{UserID: 1, ProductType: "widget", Percent: 25}); err != nil {
		t.Fatal(err)
	}

	pp := storage.PendingPayment{
		PaymentID:  "pay-1",
		UserID:     1,
		TargetEUR:  money.FromCents(1500),
		IsPurchase: true,
		Basket: []storage.BasketItem{{
			ProductID: id, Name: "widget std", ProductType: "widget",
			City: "Berlin", District: "Mitte", Size: "std",
			Price: money.FromCents(2000),
		}},
		CreatedAt: time.Now(),
	}
	if err := fin.FulfillPurchase(ctx, pp, "pay-1"); err != nil {
		t.Fatalf("FulfillPurchase: %v", err)
	}
	purchases, err := st.ListPurchases(ctx, 1, 10)
	if err != nil || len(purchases) != 1 {
		t.Fatalf("purchases = %v, %v", purchases, err)
	}
	if purchases[0].PricePaid.Cents() != 1500 {
		t.Errorf("price paid = %d, want 1500 after 25%% reseller discount", purchases[0].PricePaid.Cents())
	}
	if purchases[0].PaymentID != "pay-1" {
		t.Errorf("payment id = %q", purchases[0].PaymentID)
	}
}

func TestDeliveryFailureKeepsRowAndPages(t *testing.T) {
	ctx := context.Background()
	fin, st, sender, notifier := setup(t)
	id := seedHeldProduct(t, st, 1, 2000, []storage.MediaItem{{Kind: storage.MediaPhoto, FileID: "cached-1"}})
	if _, err := st.CreditBalance(ctx, 1, money.FromCents(2000)); err != nil {
		t.Fatal(err)
	}
	sender.fail = true

	// The sale itself succeeds; only media delivery fails.
	if err := fin.PayFromBalance(ctx, 1, money.FromCents(2000), ""); err != nil {
		t.Fatalf("PayFromBalance: %v", err)
	}
	if _, err := st.GetProduct(ctx, id); err != nil {
		t.Errorf("row removed despite failed delivery: %v", err)
	}
	// The text receipt still reaches the buyer.
	sender.mu.Lock()
	var gotText bool
	for _, ev := range sender.events {
		if ev == "text" {
			gotText = true
		}
	}
	sender.mu.Unlock()
	if !gotText {
		t.Errorf("no text receipt after media failure")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.critical) != 1 {
		t.Errorf("critical alerts = %v", notifier.critical)
	}
}

func TestStaleFileIDFallsBackToDiskUpload(t *testing.T) {
	ctx := context.Background()
	fin, st, sender, notifier := setup(t)
	id := seedHeldProduct(t, st, 1, 2000, []storage.MediaItem{
		{Kind: storage.MediaPhoto, FileID: "stale-1", Path: "media/7/a.jpg"},
	})
	if _, err := st.CreditBalance(ctx, 1, money.FromCents(2000)); err != nil {
		t.Fatal(err)
	}
	sender.failMedia = map[string]bool{"stale-1": true}

	if err := fin.PayFromBalance(ctx, 1, money.FromCents(2000), ""); err != nil {
		t.Fatalf("PayFromBalance: %v", err)
	}
	sender.mu.Lock()
	events := append([]string(nil), sender.events...)
	sender.mu.Unlock()
	if len(events) < 2 || events[0] != "media:media/7/a.jpg" || events[1] != "text" {
		t.Errorf("events = %v, want disk upload then receipt", events)
	}
	// The fallback counts as delivered, so the sold row is retired.
	if _, err := st.GetProduct(ctx, id); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("sold row survived: %v", err)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.critical) != 0 {
		t.Errorf("critical alerts = %v", notifier.critical)
	}
}

func TestMediaGroupForMultipleCachedItems(t *testing.T) {
	ctx := context.Background()
	fin, st, sender, _ := setup(t)
	seedHeldProduct(t, st, 1, 2000, []storage.MediaItem{
		{Kind: storage.MediaPhoto, FileID: "a"},
		{Kind: storage.MediaVideo, FileID: "b"},
	})
	if _, err := st.CreditBalance(ctx, 1, money.FromCents(2000)); err != nil {
		t.Fatal(err)
	}

	if err := fin.PayFromBalance(ctx, 1, money.FromCents(2000), ""); err != nil {
		t.Fatal(err)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if len(sender.events) < 1 || sender.events[0] != "group:2" {
		t.Errorf("events = %v, want album first", sender.events)
	}
}
