package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gramshop/server/internal/money"
)

// MemoryStore is an in-memory Store implementation. A single mutex spans
// every call, which is exactly the serialisable single-writer model the
// stock and balance invariants assume. The file backend builds on it.
type MemoryStore struct {
	mu            sync.Mutex
	users         map[int64]*User
	products      map[int64]*Product
	nextProductID int64
	// holds is keyed by product id: the map key is the structural
	// guarantee that at most one hold exists per row.
	holds    map[int64]*BasketHold
	pending  map[string]*PendingPayment
	codes    map[string]*DiscountCode
	reseller map[int64]map[string]float64
	sales    []PurchaseRecord
	refills  []RefillRecord
	adminLog []AdminAction
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:         make(map[int64]*User),
		products:      make(map[int64]*Product),
		nextProductID: 1,
		holds:         make(map[int64]*BasketHold),
		pending:       make(map[string]*PendingPayment),
		codes:         make(map[string]*DiscountCode),
		reseller:      make(map[int64]map[string]float64),
	}
}

// Close implements Store; the memory backend has nothing to release.
func (m *MemoryStore) Close() error { return nil }

// --- users ---

func (m *MemoryStore) EnsureUser(_ context.Context, id int64, language string) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	u, ok := m.users[id]
	if !ok {
		u = &User{ID: id, Language: language, CreatedAt: now}
		m.users[id] = u
	}
	if u.Language == "" {
		u.Language = language
	}
	u.LastSeenAt = now
	return *u, nil
}

func (m *MemoryStore) GetUser(_ context.Context, id int64) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (m *MemoryStore) SetUserLanguage(_ context.Context, id int64, language string) error {
	return m.mutateUser(id, func(u *User) { u.Language = language })
}

func (m *MemoryStore) SetUserBanned(_ context.Context, id int64, banned bool) error {
	return m.mutateUser(id, func(u *User) { u.Banned = banned })
}

func (m *MemoryStore) SetUserReseller(_ context.Context, id int64, reseller bool) error {
	return m.mutateUser(id, func(u *User) { u.Reseller = reseller })
}

func (m *MemoryStore) TouchUser(_ context.Context, id int64, at time.Time) error {
	return m.mutateUser(id, func(u *User) { u.LastSeenAt = at })
}

func (m *MemoryStore) mutateUser(id int64, fn func(*User)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	fn(u)
	return nil
}

func (m *MemoryStore) CreditBalance(_ context.Context, id int64, amount money.Amount) (User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	u.Balance = u.Balance.Add(amount)
	return *u, nil
}

func (m *MemoryStore) DebitBalanceIfSufficient(_ context.Context, id int64, amount money.Amount) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[id]
	if !ok {
		return ErrNotFound
	}
	if u.Balance < amount {
		return ErrInsufficientBalance
	}
	u.Balance = u.Balance.Sub(amount)
	return nil
}

// --- products ---

func (m *MemoryStore) AddProduct(_ context.Context, p Product) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if p.ID == 0 {
		p.ID = m.nextProductID
		m.nextProductID++
	} else if p.ID >= m.nextProductID {
		m.nextProductID = p.ID + 1
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	cp := p
	m.products[p.ID] = &cp
	return p.ID, nil
}

func (m *MemoryStore) GetProduct(_ context.Context, id int64) (Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return Product{}, ErrNotFound
	}
	return cloneProduct(*p), nil
}

func (m *MemoryStore) UpdateProductMedia(_ context.Context, id int64, media []MediaItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return ErrNotFound
	}
	p.Media = append([]MediaItem(nil), media...)
	return nil
}

func (m *MemoryStore) ListProducts(_ context.Context, f ProductFilter) ([]Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Product
	for _, p := range m.products {
		if f.Matches(*p) {
			out = append(out, cloneProduct(*p))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteProduct(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.products[id]; !ok {
		return ErrNotFound
	}
	delete(m.products, id)
	delete(m.holds, id)
	return nil
}

func cloneProduct(p Product) Product {
	p.Media = append([]MediaItem(nil), p.Media...)
	return p
}

// --- reservation ---

func (m *MemoryStore) ReserveProduct(_ context.Context, userID, productID int64, now time.Time) (ReserveOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[productID]
	if !ok || !p.Available {
		return ReserveNotAvailable, nil
	}
	if p.Reserved {
		return ReserveAlreadyHeld, nil
	}
	p.Reserved = true
	m.holds[productID] = &BasketHold{UserID: userID, ProductID: productID, InsertedAt: now}
	return ReserveOK, nil
}

func (m *MemoryStore) ReleaseProduct(_ context.Context, userID, productID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.holds[productID]
	if !ok || h.UserID != userID {
		return false, nil
	}
	m.releaseLocked(productID)
	return true, nil
}

func (m *MemoryStore) ReleaseAllForUser(_ context.Context, userID int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.releaseAllLocked(userID), nil
}

func (m *MemoryStore) releaseAllLocked(userID int64) int {
	released := 0
	for pid, h := range m.holds {
		if h.UserID == userID {
			m.releaseLocked(pid)
			released++
		}
	}
	return released
}

// releaseLocked removes the hold and flips reserved back; callers hold mu.
func (m *MemoryStore) releaseLocked(productID int64) {
	delete(m.holds, productID)
	if p, ok := m.products[productID]; ok {
		p.Reserved = false
	}
}

func (m *MemoryStore) ListHolds(_ context.Context, userID int64) ([]BasketHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.holdsForLocked(userID), nil
}

func (m *MemoryStore) holdsForLocked(userID int64) []BasketHold {
	var out []BasketHold
	for _, h := range m.holds {
		if h.UserID == userID {
			out = append(out, *h)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InsertedAt.Equal(out[j].InsertedAt) {
			return out[i].ProductID < out[j].ProductID
		}
		return out[i].InsertedAt.Before(out[j].InsertedAt)
	})
	return out
}

func (m *MemoryStore) SweepExpiredHolds(_ context.Context, now time.Time, ttl time.Duration) ([]BasketHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var released []BasketHold
	for pid, h := range m.holds {
		if now.Sub(h.InsertedAt) >= ttl {
			released = append(released, *h)
			m.releaseLocked(pid)
		}
	}
	return released, nil
}

func (m *MemoryStore) SweepAbandonedHolds(_ context.Context, inactiveSince time.Time) ([]BasketHold, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hasPending := make(map[int64]bool)
	for _, pp := range m.pending {
		hasPending[pp.UserID] = true
	}

	var released []BasketHold
	for pid, h := range m.holds {
		if hasPending[h.UserID] {
			continue
		}
		u, ok := m.users[h.UserID]
		if ok && u.LastSeenAt.After(inactiveSince) {
			continue
		}
		released = append(released, *h)
		m.releaseLocked(pid)
	}
	return released, nil
}

func (m *MemoryStore) BasketSnapshot(_ context.Context, userID int64) ([]BasketItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	holds := m.holdsForLocked(userID)
	items := make([]BasketItem, 0, len(holds))
	for _, h := range holds {
		p, ok := m.products[h.ProductID]
		if !ok {
			continue
		}
		items = append(items, snapshotItem(*p))
	}
	return items, nil
}

func snapshotItem(p Product) BasketItem {
	return BasketItem{
		ProductID:   p.ID,
		Name:        p.Name(),
		City:        p.City,
		District:    p.District,
		ProductType: p.ProductType,
		Size:        p.Size,
		Price:       p.Price,
		Description: p.Description,
	}
}

// --- pending payments ---

func (m *MemoryStore) SavePendingPayment(_ context.Context, pp PendingPayment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := pp
	cp.Basket = append([]BasketItem(nil), pp.Basket...)
	m.pending[pp.PaymentID] = &cp
	return nil
}

func (m *MemoryStore) GetPendingPayment(_ context.Context, paymentID string) (PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pp, ok := m.pending[paymentID]
	if !ok {
		return PendingPayment{}, ErrNotFound
	}
	cp := *pp
	cp.Basket = append([]BasketItem(nil), pp.Basket...)
	return cp, nil
}

func (m *MemoryStore) DeletePendingPayment(_ context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.pending[paymentID]; !ok {
		return ErrNotFound
	}
	delete(m.pending, paymentID)
	return nil
}

func (m *MemoryStore) ListPendingPaymentsOlderThan(_ context.Context, cutoff time.Time) ([]PendingPayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PendingPayment
	for _, pp := range m.pending {
		if pp.CreatedAt.Before(cutoff) {
			cp := *pp
			cp.Basket = append([]BasketItem(nil), pp.Basket...)
			out = append(out, cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) UserHasPendingPayment(_ context.Context, userID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, pp := range m.pending {
		if pp.UserID == userID {
			return true, nil
		}
	}
	return false, nil
}

// --- discount codes ---

func (m *MemoryStore) SaveDiscountCode(_ context.Context, dc DiscountCode) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := dc
	m.codes[dc.Code] = &cp
	return nil
}

func (m *MemoryStore) GetDiscountCode(_ context.Context, code string) (DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	dc, ok := m.codes[code]
	if !ok {
		return DiscountCode{}, ErrNotFound
	}
	return *dc, nil
}

func (m *MemoryStore) ListDiscountCodes(_ context.Context) ([]DiscountCode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]DiscountCode, 0, len(m.codes))
	for _, dc := range m.codes {
		out = append(out, *dc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (m *MemoryStore) DeleteDiscountCode(_ context.Context, code string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.codes[code]; !ok {
		return ErrNotFound
	}
	delete(m.codes, code)
	return nil
}

// --- reseller rules ---

func (m *MemoryStore) SetResellerDiscount(_ context.Context, rule ResellerRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules, ok := m.reseller[rule.UserID]
	if !ok {
		rules = make(map[string]float64)
		m.reseller[rule.UserID] = rules
	}
	rules[rule.ProductType] = rule.Percent
	return nil
}

func (m *MemoryStore) DeleteResellerDiscount(_ context.Context, userID int64, productType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rules, ok := m.reseller[userID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := rules[productType]; !ok {
		return ErrNotFound
	}
	delete(rules, productType)
	return nil
}

func (m *MemoryStore) ResellerDiscounts(_ context.Context, userID int64) (map[string]float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]float64)
	for pt, pct := range m.reseller[userID] {
		out[pt] = pct
	}
	return out, nil
}

// --- finalisation ---

func (m *MemoryStore) FinalizePurchase(_ context.Context, req FinalizeRequest) (FinalizeResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[req.UserID]
	if !ok {
		return FinalizeResult{}, ErrNotFound
	}

	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	// Step 1: conditional stock decrement per item. A missing or
	// unavailable row is skipped, never fatal; the caller already holds
	// the money for it.
	var fulfilled []FinalizeItem
	var skipped []int64
	for _, it := range req.Items {
		p, ok := m.products[it.ProductID]
		if !ok || !p.Available {
			skipped = append(skipped, it.ProductID)
			continue
		}
		p.Available = false
		fulfilled = append(fulfilled, it)
	}

	// Step 4 (ordered before pricing on purpose): the single conditional
	// cap check is what decides whether the code affects logged prices.
	var applied *DiscountCode
	if req.DiscountCode != "" {
		if dc, ok := m.codes[req.DiscountCode]; ok {
			if dc.MaxUses == nil || dc.UsesCount < *dc.MaxUses {
				dc.UsesCount++
				cp := *dc
				applied = &cp
			}
		}
	}

	// Steps 2-3: purchase records at the post-discount price, lifetime
	// counter by fulfilled count.
	prices := paidPrices(fulfilled, applied)
	result := FinalizeResult{SkippedProducts: skipped, DiscountApplied: applied != nil}
	for i, it := range fulfilled {
		rec := PurchaseRecord{
			ID:          uuid.NewString(),
			UserID:      req.UserID,
			ProductID:   it.ProductID,
			Name:        it.Name,
			City:        it.City,
			District:    it.District,
			ProductType: it.ProductType,
			Size:        it.Size,
			Description: it.Description,
			PricePaid:   prices[i],
			PaymentID:   req.PaymentID,
			CreatedAt:   now,
		}
		m.sales = append(m.sales, rec)
		result.Fulfilled = append(result.Fulfilled, rec)
		result.TotalPaid = result.TotalPaid.Add(prices[i])
	}
	u.PurchaseCount += len(fulfilled)

	// Step 5: clear the basket.
	m.releaseAllLocked(req.UserID)

	return result, nil
}

func (m *MemoryStore) RecordRefill(_ context.Context, r RefillRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	m.refills = append(m.refills, r)
	return nil
}

func (m *MemoryStore) ListRefills(_ context.Context, userID int64, limit int) ([]RefillRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []RefillRecord
	for i := len(m.refills) - 1; i >= 0; i-- {
		if m.refills[i].UserID == userID {
			out = append(out, m.refills[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

func (m *MemoryStore) ListPurchases(_ context.Context, userID int64, limit int) ([]PurchaseRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []PurchaseRecord
	for i := len(m.sales) - 1; i >= 0; i-- {
		if m.sales[i].UserID == userID {
			out = append(out, m.sales[i])
			if limit > 0 && len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// --- admin log ---

func (m *MemoryStore) AppendAdminAction(_ context.Context, a AdminAction) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.adminLog = append(m.adminLog, a)
	return nil
}

func (m *MemoryStore) ListAdminActions(_ context.Context, limit int) ([]AdminAction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []AdminAction
	for i := len(m.adminLog) - 1; i >= 0; i-- {
		out = append(out, m.adminLog[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}
