package payments

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/gramshop/server/internal/money"
	"github.com/gramshop/server/internal/storage"
)

type stubProvider struct {
	estimate    Estimate
	estimateErr error
	invoice     Invoice
	createErr   error
	status      Status
	statusErr   error
}

// The zero value quotes nothing, which pushes settlement onto the rate
// implied by the invoice.
func (s *stubProvider) EstimateCrypto(ctx context.Context, amount money.Amount, currency string) (Estimate, error) {
	return s.estimate, s.estimateErr
}

func (s *stubProvider) CreatePayment(ctx context.Context, amount money.Amount, currency, orderID, description, callbackURL string) (Invoice, error) {
	if s.createErr != nil {
		return Invoice{}, s.createErr
	}
	inv := s.invoice
	if inv.PaymentID == "" {
		inv = Invoice{
			PaymentID:  "pay-1",
			PayAddress: "addr-1",
			PayAmount:  decimal.NewFromFloat(0.002),
			Currency:   currency,
			CreatedAt:  time.Now(),
		}
	}
	return inv, nil
}

func (s *stubProvider) PaymentStatus(ctx context.Context, paymentID string) (Status, error) {
	return s.status, s.statusErr
}

type stubFulfiller struct {
	mu     sync.Mutex
	calls  []string
	err    error
	lastPP storage.PendingPayment
}

func (f *stubFulfiller) FulfillPurchase(ctx context.Context, pp storage.PendingPayment, paymentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.calls = append(f.calls, paymentID)
	f.lastPP = pp
	return nil
}

func (f *stubFulfiller) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type stubNotifier struct {
	mu       sync.Mutex
	credits  []money.Amount
	reasons  []string
	failures []string
	critical []string
}

func (n *stubNotifier) BalanceCredited(ctx context.Context, userID int64, amount money.Amount, reason string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.credits = append(n.credits, amount)
	n.reasons = append(n.reasons, reason)
}

func (n *stubNotifier) PaymentFailed(ctx context.Context, userID int64, paymentID, status string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.failures = append(n.failures, status)
}

func (n *stubNotifier) Critical(ctx context.Context, format string, args ...any) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.critical = append(n.critical, fmt.Sprintf(format, args...))
}

func newOrchestrator(t *testing.T) (*Orchestrator, storage.Store, *stubProvider, *stubFulfiller, *stubNotifier) {
	t.Helper()
	st := storage.NewMemoryStore()
	provider := &stubProvider{}
	fulfiller := &stubFulfiller{}
	notifier := &stubNotifier{}
	o := NewOrchestrator(st, provider, fulfiller, notifier, "https://shop.test/webhook", zerolog.Nop(), nil)
	return o, st, provider, fulfiller, notifier
}

func pendingPurchase(t *testing.T, st storage.Store, paymentID string, targetCents int64, expected string) storage.PendingPayment {
	t.Helper()
	ctx := context.Background()
	if _, err := st.EnsureUser(ctx, 1, "en"); err != nil {
		t.Fatal(err)
	}
	pp := storage.PendingPayment{
		PaymentID:      paymentID,
		UserID:         1,
		TargetEUR:      money.FromCents(targetCents),
		ExpectedCrypto: decimal.RequireFromString(expected),
		CryptoCurrency: "btc",
		IsPurchase:     true,
		Basket:         []storage.BasketItem{{ProductID: 7, Name: "widget std", Price: money.FromCents(targetCents)}},
		CreatedAt:      time.Now(),
	}
	if err := st.SavePendingPayment(ctx, pp); err != nil {
		t.Fatal(err)
	}
	return pp
}

func TestCreateInvoicePersistsPending(t *testing.T) {
	ctx := context.Background()
	o, st, _, _, _ := newOrchestrator(t)
	if _, err := st.EnsureUser(ctx, 1, "en"); err != nil {
		t.Fatal(err)
	}

	inv, err := o.CreateInvoice(ctx, InvoiceRequest{
		UserID:      1,
		Currency:    "btc",
		QuotedTotal: money.FromCents(2000),
		Total:       money.FromCents(2000),
		Basket:      []storage.BasketItem{{ProductID: 7, Price: money.FromCents(2000)}},
	})
	if err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	pp, err := st.GetPendingPayment(ctx, inv.PaymentID)
	if err != nil {
		t.Fatalf("pending not saved: %v", err)
	}
	if !pp.IsPurchase || pp.TargetEUR.Cents() != 2000 || len(pp.Basket) != 1 {
		t.Errorf("pending = %+v", pp)
	}
	if !pp.ExpectedCrypto.Equal(inv.PayAmount) {
		t.Errorf("expected crypto = %s, invoice = %s", pp.ExpectedCrypto, inv.PayAmount)
	}
}

func TestCreateInvoiceQuoteTolerance(t *testing.T) {
	ctx := context.Background()
	o, st, _, _, _ := newOrchestrator(t)
	if _, err := st.EnsureUser(ctx, 1, "en"); err != nil {
		t.Fatal(err)
	}
	basket := []storage.BasketItem{{ProductID: 7, Price: money.FromCents(2000)}}

	// One cent of drift is tolerated.
	if _, err := o.CreateInvoice(ctx, InvoiceRequest{
		UserID: 1, Currency: "btc", Basket: basket,
		QuotedTotal: money.FromCents(2000), Total: money.FromCents(2001),
	}); err != nil {
		t.Errorf("1 cent drift rejected: %v", err)
	}
	// Two cents is a changed quote.
	if _, err := o.CreateInvoice(ctx, InvoiceRequest{
		UserID: 1, Currency: "btc", Basket: basket,
		QuotedTotal: money.FromCents(2000), Total: money.FromCents(2002),
	}); !errors.Is(err, ErrQuoteChanged) {
		t.Errorf("err = %v, want ErrQuoteChanged", err)
	}
}

func TestCreateInvoiceEmptyBasket(t *testing.T) {
	o, _, _, _, _ := newOrchestrator(t)
	_, err := o.CreateInvoice(context.Background(), InvoiceRequest{UserID: 1, Currency: "btc"})
	if !errors.Is(err, ErrBasketEmpty) {
		t.Errorf("err = %v, want ErrBasketEmpty", err)
	}
}

func TestFinishedCallbackDeliversExactlyOnce(t *testing.T) {
	ctx := context.Background()
	o, st, _, fulfiller, _ := newOrchestrator(t)
	pp := pendingPurchase(t, st, "pay-1", 2000, "0.002")

	cb := Callback{PaymentID: "pay-1", PaymentStatus: "finished", ActuallyPaid: pp.ExpectedCrypto}
	if got := o.HandleCallback(ctx, cb); got != OutcomeDelivered {
		t.Fatalf("first callback outcome = %s", got)
	}
	// Provider retries the IPN; the second must be a no-op.
	if got := o.HandleCallback(ctx, cb); got != OutcomeIgnored {
		t.Fatalf("duplicate callback outcome = %s", got)
	}
	if fulfiller.count() != 1 {
		t.Errorf("fulfil calls = %d, want 1", fulfiller.count())
	}
	if _, err := st.GetPendingPayment(ctx, "pay-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("pending still present: %v", err)
	}
}

func TestConcurrentDuplicateCallbacks(t *testing.T) {
	ctx := context.Background()
	o, st, _, fulfiller, _ := newOrchestrator(t)
	pp := pendingPurchase(t, st, "pay-1", 2000, "0.002")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.HandleCallback(ctx, Callback{PaymentID: "pay-1", PaymentStatus: "finished", ActuallyPaid: pp.ExpectedCrypto})
		}()
	}
	wg.Wait()
	if fulfiller.count() != 1 {
		t.Errorf("fulfil calls = %d, want exactly 1", fulfiller.count())
	}
}

func TestOverpaymentCreditsDifference(t *testing.T) {
	ctx := context.Background()
	o, st, _, _, notifier := newOrchestrator(t)
	pendingPurchase(t, st, "pay-1", 2000, "0.002")

	// Paid 0.003 against an expected 0.002: 50% extra, 10.00 EUR.
	got := o.HandleCallback(ctx, Callback{
		PaymentID:     "pay-1",
		PaymentStatus: "finished",
		ActuallyPaid:  decimal.RequireFromString("0.003"),
	})
	if got != OutcomeDelivered {
		t.Fatalf("outcome = %s", got)
	}
	user, err := st.GetUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if user.Balance.Cents() != 1000 {
		t.Errorf("balance = %d, want 1000", user.Balance.Cents())
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.reasons) != 1 || notifier.reasons[0] != "overpayment" {
		t.Errorf("notifications = %v", notifier.reasons)
	}
}

func TestUnderpaymentCreditsPaidValue(t *testing.T) {
	ctx := context.Background()
	o, st, _, fulfiller, notifier := newOrchestrator(t)
	pendingPurchase(t, st, "pay-1", 2000, "0.002")

	// Half the crypto arrived: 10.00 EUR credited, nothing delivered.
	got := o.HandleCallback(ctx, Callback{
		PaymentID:     "pay-1",
		PaymentStatus: "partially_paid",
		ActuallyPaid:  decimal.RequireFromString("0.001"),
	})
	if got != OutcomeUnderpaid {
		t.Fatalf("outcome = %s", got)
	}
	if fulfiller.count() != 0 {
		t.Error("underpayment must not fulfil")
	}
	user, err := st.GetUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if user.Balance.Cents() != 1000 {
		t.Errorf("balance = %d, want 1000", user.Balance.Cents())
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.reasons) != 1 || notifier.reasons[0] != "underpayment" {
		t.Errorf("notifications = %v", notifier.reasons)
	}
}

func TestUnderpaymentFloorsCredit(t *testing.T) {
	ctx := context.Background()
	o, st, _, _, _ := newOrchestrator(t)
	// 9.99 EUR at 0.003: paying 0.001 is 3.33 EUR exactly; paying
	// 0.0005 is 1.665 EUR and must floor to 1.66.
	pendingPurchase(t, st, "pay-1", 999, "0.003")

	o.HandleCallback(ctx, Callback{
		PaymentID:     "pay-1",
		PaymentStatus: "partially_paid",
		ActuallyPaid:  decimal.RequireFromString("0.0005"),
	})
	user, err := st.GetUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if user.Balance.Cents() != 166 {
		t.Errorf("balance = %d, want 166 (floored)", user.Balance.Cents())
	}
}

func TestRefillCreditsTarget(t *testing.T) {
	ctx := context.Background()
	o, st, _, fulfiller, _ := newOrchestrator(t)
	if _, err := st.EnsureUser(ctx, 1, "en"); err != nil {
		t.Fatal(err)
	}
	pp := storage.PendingPayment{
		PaymentID:      "refill-1",
		UserID:         1,
		TargetEUR:      money.FromCents(5000),
		ExpectedCrypto: decimal.RequireFromString("0.005"),
		CryptoCurrency: "btc",
		IsPurchase:     false,
		CreatedAt:      time.Now(),
	}
	if err := st.SavePendingPayment(ctx, pp); err != nil {
		t.Fatal(err)
	}

	got := o.HandleCallback(ctx, Callback{PaymentID: "refill-1", PaymentStatus: "finished", ActuallyPaid: pp.ExpectedCrypto})
	if got != OutcomeRefilled {
		t.Fatalf("outcome = %s", got)
	}
	if fulfiller.count() != 0 {
		t.Error("refill must not fulfil a purchase")
	}
	user, err := st.GetUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if user.Balance.Cents() != 5000 {
		t.Errorf("balance = %d, want 5000", user.Balance.Cents())
	}
	refills, err := st.ListRefills(ctx, 1, 0)
	if err != nil || len(refills) != 1 {
		t.Fatalf("refill records = %d, %v; want 1", len(refills), err)
	}
	if refills[0].PaymentID != "refill-1" || refills[0].Amount.Cents() != 5000 {
		t.Errorf("refill record = %+v", refills[0])
	}
}

func TestConfirmedStatusSettles(t *testing.T) {
	ctx := context.Background()
	o, st, _, fulfiller, _ := newOrchestrator(t)
	pp := pendingPurchase(t, st, "pay-1", 2000, "0.002")

	got := o.HandleCallback(ctx, Callback{PaymentID: "pay-1", PaymentStatus: "confirmed", ActuallyPaid: pp.ExpectedCrypto})
	if got != OutcomeDelivered {
		t.Fatalf("outcome = %s", got)
	}
	if fulfiller.count() != 1 {
		t.Errorf("fulfil calls = %d, want 1", fulfiller.count())
	}
}

func TestSpotRatePreferredForCredits(t *testing.T) {
	ctx := context.Background()
	o, st, provider, _, _ := newOrchestrator(t)
	// The invoice was cut at 0.002 btc for 20.00 EUR. By settlement time
	// the provider wants 0.004 for the same 20.00, so the 0.001 that
	// arrived is worth 5.00 EUR at spot, not the invoice-implied 10.00.
	provider.estimate = Estimate{Currency: "btc", Amount: decimal.RequireFromString("0.004")}
	pendingPurchase(t, st, "pay-1", 2000, "0.002")

	got := o.HandleCallback(ctx, Callback{
		PaymentID:     "pay-1",
		PaymentStatus: "partially_paid",
		ActuallyPaid:  decimal.RequireFromString("0.001"),
	})
	if got != OutcomeUnderpaid {
		t.Fatalf("outcome = %s", got)
	}
	user, err := st.GetUser(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if user.Balance.Cents() != 500 {
		t.Errorf("balance = %d, want 500 (spot rate)", user.Balance.Cents())
	}
}

func TestFailedCallbackRemovesPending(t *testing.T) {
	ctx := context.Background()
	o, st, _, _, notifier := newOrchestrator(t)
	pendingPurchase(t, st, "pay-1", 2000, "0.002")

	if got := o.HandleCallback(ctx, Callback{PaymentID: "pay-1", PaymentStatus: "expired"}); got != OutcomeExpired {
		t.Fatalf("outcome = %s", got)
	}
	if _, err := st.GetPendingPayment(ctx, "pay-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("pending survived a terminal failure status")
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.failures) != 1 || notifier.failures[0] != "expired" {
		t.Errorf("failure notifications = %v", notifier.failures)
	}
}

func TestIntermediateStatusesIgnored(t *testing.T) {
	ctx := context.Background()
	o, st, _, fulfiller, _ := newOrchestrator(t)
	pendingPurchase(t, st, "pay-1", 2000, "0.002")

	for _, status := range []string{"waiting", "confirming", "confirmed", "sending"} {
		if got := o.HandleCallback(ctx, Callback{PaymentID: "pay-1", PaymentStatus: status}); got != OutcomeIgnored {
			t.Errorf("%s outcome = %s", status, got)
		}
	}
	if fulfiller.count() != 0 {
		t.Error("intermediate status triggered fulfilment")
	}
	if _, err := st.GetPendingPayment(ctx, "pay-1"); err != nil {
		t.Error("pending removed by intermediate status")
	}
}

func TestUnknownPaymentIgnored(t *testing.T) {
	o, _, _, _, notifier := newOrchestrator(t)
	got := o.HandleCallback(context.Background(), Callback{
		PaymentID:       "child-7",
		ParentPaymentID: "pay-1",
		PaymentStatus:   "finished",
		ActuallyPaid:    decimal.RequireFromString("0.001"),
	})
	if got != OutcomeIgnored {
		t.Errorf("outcome = %s", got)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.critical) != 0 {
		t.Errorf("unexpected critical alerts: %v", notifier.critical)
	}
}

func TestFulfilFailureAlertsOperator(t *testing.T) {
	ctx := context.Background()
	o, st, _, fulfiller, notifier := newOrchestrator(t)
	pp := pendingPurchase(t, st, "pay-1", 2000, "0.002")
	fulfiller.err = errors.New("media directory missing")

	got := o.HandleCallback(ctx, Callback{PaymentID: "pay-1", PaymentStatus: "finished", ActuallyPaid: pp.ExpectedCrypto})
	if got != OutcomeCritical {
		t.Fatalf("outcome = %s", got)
	}
	notifier.mu.Lock()
	if len(notifier.critical) != 1 {
		t.Fatalf("critical alerts = %v", notifier.critical)
	}
	notifier.mu.Unlock()
	// The row comes back so a probe can retry and the operator can find it.
	if _, err := st.GetPendingPayment(ctx, "pay-1"); err != nil {
		t.Errorf("pending row not restored after fulfil failure: %v", err)
	}
}

func TestUnderpaymentReleasesHolds(t *testing.T) {
	ctx := context.Background()
	o, st, _, _, _ := newOrchestrator(t)
	if _, err := st.EnsureUser(ctx, 1, "en"); err != nil {
		t.Fatal(err)
	}
	productID, err := st.AddProduct(ctx, storage.Product{
		City: "Lisbon", District: "Alfama", ProductType: "widget", Size: "std",
		Price: money.FromCents(2000), Available: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.ReserveProduct(ctx, 1, productID, time.Now()); err != nil {
		t.Fatal(err)
	}
	pp := storage.PendingPayment{
		PaymentID:      "pay-h",
		UserID:         1,
		TargetEUR:      money.FromCents(2000),
		ExpectedCrypto: decimal.RequireFromString("0.002"),
		CryptoCurrency: "btc",
		IsPurchase:     true,
		Basket:         []storage.BasketItem{{ProductID: productID, Name: "widget std", Price: money.FromCents(2000)}},
		CreatedAt:      time.Now(),
	}
	if err := st.SavePendingPayment(ctx, pp); err != nil {
		t.Fatal(err)
	}

	got := o.HandleCallback(ctx, Callback{
		PaymentID:     "pay-h",
		PaymentStatus: "partially_paid",
		ActuallyPaid:  decimal.RequireFromString("0.001"),
	})
	if got != OutcomeUnderpaid {
		t.Fatalf("outcome = %s", got)
	}
	holds, err := st.ListHolds(ctx, 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(holds) != 0 {
		t.Errorf("holds after underpayment = %+v, want released", holds)
	}
}

func TestProbeStatusSettlesLostCallback(t *testing.T) {
	ctx := context.Background()
	o, st, provider, fulfiller, _ := newOrchestrator(t)
	pp := pendingPurchase(t, st, "pay-1", 2000, "0.002")
	provider.status = Status{
		PaymentID:     "pay-1",
		PaymentStatus: "finished",
		ActuallyPaid:  pp.ExpectedCrypto,
		Currency:      "btc",
	}

	outcome, err := o.ProbeStatus(ctx, pp)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeDelivered || fulfiller.count() != 1 {
		t.Errorf("outcome = %s, fulfils = %d", outcome, fulfiller.count())
	}
}

func TestProbeStatusExpiresUnresolvedPayment(t *testing.T) {
	ctx := context.Background()
	o, st, provider, fulfiller, notifier := newOrchestrator(t)
	pp := pendingPurchase(t, st, "pay-1", 2000, "0.002")
	provider.status = Status{
		PaymentID:     "pay-1",
		PaymentStatus: "waiting",
		Currency:      "btc",
	}

	outcome, err := o.ProbeStatus(ctx, pp)
	if err != nil {
		t.Fatal(err)
	}
	if outcome != OutcomeExpired || fulfiller.count() != 0 {
		t.Errorf("outcome = %s, fulfils = %d", outcome, fulfiller.count())
	}
	if _, err := st.GetPendingPayment(ctx, "pay-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("pending row survived expiry: %v", err)
	}
	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.failures) != 1 || notifier.failures[0] != "expired" {
		t.Errorf("failure notices = %v", notifier.failures)
	}
	// A second probe finds nothing to do.
	if outcome, err := o.ProbeStatus(ctx, pp); err != nil || outcome != OutcomeIgnored {
		t.Errorf("second probe = %s, %v", outcome, err)
	}
}
