package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gramshop/server/internal/money"
)

// defaultFlushInterval is how often a dirty FileStore snapshot hits disk.
const defaultFlushInterval = 5 * time.Second

// FileStore is the embedded single-file backend: a MemoryStore whose state
// is periodically snapshotted to a JSON file. Suitable for the single
// writer process this system assumes; every mutation marks the store dirty
// and the flush loop persists at most once per interval. Close flushes a
// final snapshot.
type FileStore struct {
	*MemoryStore
	filePath string

	dirtyMu sync.Mutex
	dirty   bool

	flushTicker *time.Ticker
	stopFlush   chan struct{}
	flushDone   chan struct{}
}

// fileData is the JSON structure stored in the file.
type fileData struct {
	Users         map[int64]*User             `json:"users"`
	Products      map[int64]*Product          `json:"products"`
	NextProductID int64                       `json:"next_product_id"`
	Holds         map[int64]*BasketHold       `json:"holds"`
	Pending       map[string]*PendingPayment  `json:"pending_payments"`
	Codes         map[string]*DiscountCode    `json:"discount_codes"`
	Reseller      map[int64]map[string]float64 `json:"reseller_rules"`
	Sales         []PurchaseRecord            `json:"purchases"`
	Refills       []RefillRecord              `json:"refills"`
	AdminLog      []AdminAction               `json:"admin_log"`
}

// NewFileStore creates a file-backed store, loading existing state if the
// file is present.
func NewFileStore(filePath string, flushInterval time.Duration) (*FileStore, error) {
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("create storage directory: %w", err)
	}

	fs := &FileStore{
		MemoryStore: NewMemoryStore(),
		filePath:    filePath,
		flushTicker: time.NewTicker(flushInterval),
		stopFlush:   make(chan struct{}),
		flushDone:   make(chan struct{}),
	}

	if err := fs.load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load storage file: %w", err)
	}

	go fs.flushLoop()
	return fs, nil
}

func (f *FileStore) load() error {
	raw, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}
	var data fileData
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("decode storage file: %w", err)
	}
	f.restore(data)
	return nil
}

// restore replaces the in-memory state with the decoded snapshot.
func (f *FileStore) restore(data fileData) {
	m := f.MemoryStore
	m.mu.Lock()
	defer m.mu.Unlock()

	if data.Users != nil {
		m.users = data.Users
	}
	if data.Products != nil {
		m.products = data.Products
	}
	if data.NextProductID > 0 {
		m.nextProductID = data.NextProductID
	}
	if data.Holds != nil {
		m.holds = data.Holds
	}
	if data.Pending != nil {
		m.pending = data.Pending
	}
	if data.Codes != nil {
		m.codes = data.Codes
	}
	if data.Reseller != nil {
		m.reseller = data.Reseller
	}
	m.sales = data.Sales
	m.refills = data.Refills
	m.adminLog = data.AdminLog
}

// snapshot serialises the current state under the store lock.
func (f *FileStore) snapshot() ([]byte, error) {
	m := f.MemoryStore
	m.mu.Lock()
	data := fileData{
		Users:         m.users,
		Products:      m.products,
		NextProductID: m.nextProductID,
		Holds:         m.holds,
		Pending:       m.pending,
		Codes:         m.codes,
		Reseller:      m.reseller,
		Sales:         m.sales,
		Refills:       m.refills,
		AdminLog:      m.adminLog,
	}
	raw, err := json.MarshalIndent(data, "", "  ")
	m.mu.Unlock()
	return raw, err
}

func (f *FileStore) persist() error {
	raw, err := f.snapshot()
	if err != nil {
		return fmt.Errorf("encode storage file: %w", err)
	}
	// Write-then-rename keeps the on-disk file whole even if the process
	// dies mid-write.
	tmp := f.filePath + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return fmt.Errorf("write storage file: %w", err)
	}
	if err := os.Rename(tmp, f.filePath); err != nil {
		return fmt.Errorf("replace storage file: %w", err)
	}
	return nil
}

func (f *FileStore) markDirty() {
	f.dirtyMu.Lock()
	f.dirty = true
	f.dirtyMu.Unlock()
}

func (f *FileStore) flushIfDirty() error {
	f.dirtyMu.Lock()
	wasDirty := f.dirty
	f.dirty = false
	f.dirtyMu.Unlock()
	if !wasDirty {
		return nil
	}
	return f.persist()
}

func (f *FileStore) flushLoop() {
	defer close(f.flushDone)
	for {
		select {
		case <-f.stopFlush:
			return
		case <-f.flushTicker.C:
			// A failed flush leaves dirty unset; the next mutation sets
			// it again. Startup load errors are the fatal path, not this.
			_ = f.flushIfDirty()
		}
	}
}

// Close stops the flush loop and writes a final snapshot.
func (f *FileStore) Close() error {
	close(f.stopFlush)
	f.flushTicker.Stop()
	<-f.flushDone
	return f.persist()
}

// Every mutating operation delegates to the MemoryStore and marks the
// store dirty for the next flush tick.

func (f *FileStore) EnsureUser(ctx context.Context, id int64, language string) (User, error) {
	u, err := f.MemoryStore.EnsureUser(ctx, id, language)
	if err == nil {
		f.markDirty()
	}
	return u, err
}

func (f *FileStore) SetUserLanguage(ctx context.Context, id int64, language string) error {
	return f.dirtyErr(f.MemoryStore.SetUserLanguage(ctx, id, language))
}

func (f *FileStore) SetUserBanned(ctx context.Context, id int64, banned bool) error {
	return f.dirtyErr(f.MemoryStore.SetUserBanned(ctx, id, banned))
}

func (f *FileStore) SetUserReseller(ctx context.Context, id int64, reseller bool) error {
	return f.dirtyErr(f.MemoryStore.SetUserReseller(ctx, id, reseller))
}

func (f *FileStore) TouchUser(ctx context.Context, id int64, at time.Time) error {
	return f.dirtyErr(f.MemoryStore.TouchUser(ctx, id, at))
}

func (f *FileStore) CreditBalance(ctx context.Context, id int64, amount money.Amount) (User, error) {
	u, err := f.MemoryStore.CreditBalance(ctx, id, amount)
	if err == nil {
		f.markDirty()
	}
	return u, err
}

func (f *FileStore) DebitBalanceIfSufficient(ctx context.Context, id int64, amount money.Amount) error {
	return f.dirtyErr(f.MemoryStore.DebitBalanceIfSufficient(ctx, id, amount))
}

func (f *FileStore) AddProduct(ctx context.Context, p Product) (int64, error) {
	id, err := f.MemoryStore.AddProduct(ctx, p)
	if err == nil {
		f.markDirty()
	}
	return id, err
}

func (f *FileStore) UpdateProductMedia(ctx context.Context, id int64, media []MediaItem) error {
	return f.dirtyErr(f.MemoryStore.UpdateProductMedia(ctx, id, media))
}

func (f *FileStore) DeleteProduct(ctx context.Context, id int64) error {
	return f.dirtyErr(f.MemoryStore.DeleteProduct(ctx, id))
}

func (f *FileStore) ReserveProduct(ctx context.Context, userID, productID int64, now time.Time) (ReserveOutcome, error) {
	outcome, err := f.MemoryStore.ReserveProduct(ctx, userID, productID, now)
	if err == nil && outcome == ReserveOK {
		f.markDirty()
	}
	return outcome, err
}

func (f *FileStore) ReleaseProduct(ctx context.Context, userID, productID int64) (bool, error) {
	released, err := f.MemoryStore.ReleaseProduct(ctx, userID, productID)
	if released {
		f.markDirty()
	}
	return released, err
}

func (f *FileStore) ReleaseAllForUser(ctx context.Context, userID int64) (int, error) {
	n, err := f.MemoryStore.ReleaseAllForUser(ctx, userID)
	if n > 0 {
		f.markDirty()
	}
	return n, err
}

func (f *FileStore) SweepExpiredHolds(ctx context.Context, now time.Time, ttl time.Duration) ([]BasketHold, error) {
	released, err := f.MemoryStore.SweepExpiredHolds(ctx, now, ttl)
	if len(released) > 0 {
		f.markDirty()
	}
	return released, err
}

func (f *FileStore) SweepAbandonedHolds(ctx context.Context, inactiveSince time.Time) ([]BasketHold, error) {
	released, err := f.MemoryStore.SweepAbandonedHolds(ctx, inactiveSince)
	if len(released) > 0 {
		f.markDirty()
	}
	return released, err
}

func (f *FileStore) SavePendingPayment(ctx context.Context, pp PendingPayment) error {
	return f.dirtyErr(f.MemoryStore.SavePendingPayment(ctx, pp))
}

func (f *FileStore) DeletePendingPayment(ctx context.Context, paymentID string) error {
	return f.dirtyErr(f.MemoryStore.DeletePendingPayment(ctx, paymentID))
}

func (f *FileStore) SaveDiscountCode(ctx context.Context, dc DiscountCode) error {
	return f.dirtyErr(f.MemoryStore.SaveDiscountCode(ctx, dc))
}

func (f *FileStore) DeleteDiscountCode(ctx context.Context, code string) error {
	return f.dirtyErr(f.MemoryStore.DeleteDiscountCode(ctx, code))
}

func (f *FileStore) SetResellerDiscount(ctx context.Context, rule ResellerRule) error {
	return f.dirtyErr(f.MemoryStore.SetResellerDiscount(ctx, rule))
}

func (f *FileStore) DeleteResellerDiscount(ctx context.Context, userID int64, productType string) error {
	return f.dirtyErr(f.MemoryStore.DeleteResellerDiscount(ctx, userID, productType))
}

func (f *FileStore) FinalizePurchase(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	res, err := f.MemoryStore.FinalizePurchase(ctx, req)
	if err == nil {
		f.markDirty()
	}
	return res, err
}

func (f *FileStore) RecordRefill(ctx context.Context, r RefillRecord) error {
	return f.dirtyErr(f.MemoryStore.RecordRefill(ctx, r))
}

func (f *FileStore) AppendAdminAction(ctx context.Context, a AdminAction) error {
	return f.dirtyErr(f.MemoryStore.AppendAdminAction(ctx, a))
}

func (f *FileStore) dirtyErr(err error) error {
	if err == nil {
		f.markDirty()
	}
	return err
}
