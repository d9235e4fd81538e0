package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/gramshop/server/internal/money"
)

// PostgresStore implements Store using PostgreSQL. Stock and balance
// invariants ride on single-statement conditional updates, so plain
// read-committed transactions are sufficient: the row lock taken by the
// conditional UPDATE serialises all contenders.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed store and bootstraps the
// schema.
func NewPostgresStore(connectionString string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s := &PostgresStore{db: db}
	if err := s.createTables(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// NewPostgresStoreWithDB wraps an existing connection pool (tests, shared
// pools). The schema is still bootstrapped.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	s := &PostgresStore{db: db}
	if err := s.createTables(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) createTables() error {
	schema := `
		CREATE TABLE IF NOT EXISTS users (
			id BIGINT PRIMARY KEY,
			language TEXT NOT NULL DEFAULT 'en',
			balance_cents BIGINT NOT NULL DEFAULT 0 CHECK (balance_cents >= 0),
			purchase_count INTEGER NOT NULL DEFAULT 0,
			reseller BOOLEAN NOT NULL DEFAULT FALSE,
			banned BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE TABLE IF NOT EXISTS products (
			id BIGSERIAL PRIMARY KEY,
			city TEXT NOT NULL,
			district TEXT NOT NULL,
			product_type TEXT NOT NULL,
			size TEXT NOT NULL,
			price_cents BIGINT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			media JSONB NOT NULL DEFAULT '[]',
			available BOOLEAN NOT NULL DEFAULT TRUE,
			reserved BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_products_browse
			ON products (city, district, available, reserved);
		CREATE INDEX IF NOT EXISTS idx_products_type ON products (product_type);

		CREATE TABLE IF NOT EXISTS basket_holds (
			product_id BIGINT PRIMARY KEY REFERENCES products (id) ON DELETE CASCADE,
			user_id BIGINT NOT NULL,
			inserted_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_basket_holds_user ON basket_holds (user_id);

		CREATE TABLE IF NOT EXISTS pending_payments (
			payment_id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			target_cents BIGINT NOT NULL,
			expected_crypto NUMERIC NOT NULL,
			crypto_currency TEXT NOT NULL,
			is_purchase BOOLEAN NOT NULL,
			basket JSONB NOT NULL DEFAULT '[]',
			discount_code TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_pending_payments_user ON pending_payments (user_id);

		CREATE TABLE IF NOT EXISTS discount_codes (
			code TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			value BIGINT NOT NULL,
			max_uses INTEGER,
			uses_count INTEGER NOT NULL DEFAULT 0,
			expires_at TIMESTAMPTZ,
			active BOOLEAN NOT NULL DEFAULT TRUE
		);

		CREATE TABLE IF NOT EXISTS reseller_rules (
			user_id BIGINT NOT NULL,
			product_type TEXT NOT NULL,
			percent DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (user_id, product_type)
		);

		CREATE TABLE IF NOT EXISTS purchases (
			id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			product_id BIGINT NOT NULL,
			name TEXT NOT NULL,
			city TEXT NOT NULL,
			district TEXT NOT NULL,
			product_type TEXT NOT NULL,
			size TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			price_cents BIGINT NOT NULL,
			payment_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_purchases_user ON purchases (user_id);

		CREATE TABLE IF NOT EXISTS refills (
			id TEXT PRIMARY KEY,
			user_id BIGINT NOT NULL,
			amount_cents BIGINT NOT NULL,
			payment_id TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_refills_user ON refills (user_id);

		CREATE TABLE IF NOT EXISTS admin_actions (
			id TEXT PRIMARY KEY,
			admin_id BIGINT NOT NULL,
			action TEXT NOT NULL,
			details TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("create tables: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// --- users ---

const userColumns = `id, language, balance_cents, purchase_count, reseller, banned, created_at, last_seen_at`

func scanUser(row interface{ Scan(...any) error }) (User, error) {
	var u User
	var balance int64
	err := row.Scan(&u.ID, &u.Language, &balance, &u.PurchaseCount, &u.Reseller, &u.Banned, &u.CreatedAt, &u.LastSeenAt)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("scan user: %w", err)
	}
	u.Balance = money.FromCents(balance)
	return u, nil
}

func (s *PostgresStore) EnsureUser(ctx context.Context, id int64, language string) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, language, created_at, last_seen_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id) DO UPDATE SET
			last_seen_at = NOW(),
			language = CASE WHEN users.language = '' THEN EXCLUDED.language ELSE users.language END
		RETURNING `+userColumns, id, language)
	return scanUser(row)
}

func (s *PostgresStore) GetUser(ctx context.Context, id int64) (User, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	return scanUser(row)
}

func (s *PostgresStore) SetUserLanguage(ctx context.Context, id int64, language string) error {
	return s.updateUser(ctx, `UPDATE users SET language = $2 WHERE id = $1`, id, language)
}

func (s *PostgresStore) SetUserBanned(ctx context.Context, id int64, banned bool) error {
	return s.updateUser(ctx, `UPDATE users SET banned = $2 WHERE id = $1`, id, banned)
}

func (s *PostgresStore) SetUserReseller(ctx context.Context, id int64, reseller bool) error {
	return s.updateUser(ctx, `UPDATE users SET reseller = $2 WHERE id = $1`, id, reseller)
}

func (s *PostgresStore) TouchUser(ctx context.Context, id int64, at time.Time) error {
	return s.updateUser(ctx, `UPDATE users SET last_seen_at = $2 WHERE id = $1`, id, at)
}

func (s *PostgresStore) updateUser(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update user: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) CreditBalance(ctx context.Context, id int64, amount money.Amount) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE users SET balance_cents = balance_cents + $2
		WHERE id = $1
		RETURNING `+userColumns, id, amount.Cents())
	return scanUser(row)
}

func (s *PostgresStore) DebitBalanceIfSufficient(ctx context.Context, id int64, amount money.Amount) error {
	// The conditional update is the whole check-and-debit; zero rows is
	// disambiguated afterwards.
	res, err := s.db.ExecContext(ctx, `
		UPDATE users SET balance_cents = balance_cents - $2
		WHERE id = $1 AND balance_cents >= $2`, id, amount.Cents())
	if err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}
	var exists bool
	if err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, id).Scan(&exists); err != nil {
		return fmt.Errorf("debit balance: %w", err)
	}
	if !exists {
		return ErrNotFound
	}
	return ErrInsufficientBalance
}

// --- products ---

const productColumns = `id, city, district, product_type, size, price_cents, description, media, available, reserved, created_at`

func scanProduct(row interface{ Scan(...any) error }) (Product, error) {
	var p Product
	var price int64
	var mediaRaw []byte
	err := row.Scan(&p.ID, &p.City, &p.District, &p.ProductType, &p.Size, &price, &p.Description, &mediaRaw, &p.Available, &p.Reserved, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Product{}, ErrNotFound
	}
	if err != nil {
		return Product{}, fmt.Errorf("scan product: %w", err)
	}
	p.Price = money.FromCents(price)
	if len(mediaRaw) > 0 {
		if err := json.Unmarshal(mediaRaw, &p.Media); err != nil {
			return Product{}, fmt.Errorf("decode product media: %w", err)
		}
	}
	return p, nil
}

func (s *PostgresStore) AddProduct(ctx context.Context, p Product) (int64, error) {
	mediaRaw, err := json.Marshal(p.Media)
	if err != nil {
		return 0, fmt.Errorf("encode product media: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	var id int64
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO products (city, district, product_type, size, price_cents, description, media, available, reserved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE, $9)
		RETURNING id`,
		p.City, p.District, p.ProductType, p.Size, p.Price.Cents(), p.Description, mediaRaw, p.Available, p.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert product: %w", err)
	}
	return id, nil
}

func (s *PostgresStore) GetProduct(ctx context.Context, id int64) (Product, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	return scanProduct(row)
}

func (s *PostgresStore) UpdateProductMedia(ctx context.Context, id int64, media []MediaItem) error {
	mediaRaw, err := json.Marshal(media)
	if err != nil {
		return fmt.Errorf("encode product media: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `UPDATE products SET media = $2 WHERE id = $1`, id, mediaRaw)
	if err != nil {
		return fmt.Errorf("update product media: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListProducts(ctx context.Context, f ProductFilter) ([]Product, error) {
	query := `SELECT ` + productColumns + ` FROM products WHERE 1=1`
	var args []any
	add := func(cond, val string) {
		if val != "" {
			args = append(args, val)
			query += fmt.Sprintf(" AND %s = $%d", cond, len(args))
		}
	}
	add("city", f.City)
	add("district", f.District)
	add("product_type", f.ProductType)
	add("size", f.Size)
	if f.OnlyFree {
		query += " AND available AND NOT reserved"
	} else if f.OnlyAvailable {
		query += " AND available"
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var out []Product
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteProduct(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM products WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete product: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- reservation ---

func (s *PostgresStore) ReserveProduct(ctx context.Context, userID, productID int64, now time.Time) (ReserveOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// The conditional 0->1 transition; exactly one contender wins the row
	// lock, everybody else sees zero rows.
	res, err := tx.ExecContext(ctx, `
		UPDATE products SET reserved = TRUE
		WHERE id = $1 AND available AND NOT reserved`, productID)
	if err != nil {
		return 0, fmt.Errorf("reserve product: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		var reserved bool
		err := tx.QueryRowContext(ctx, `SELECT reserved FROM products WHERE id = $1 AND available`, productID).Scan(&reserved)
		if errors.Is(err, sql.ErrNoRows) {
			return ReserveNotAvailable, tx.Commit()
		}
		if err != nil {
			return 0, fmt.Errorf("inspect product: %w", err)
		}
		if reserved {
			return ReserveAlreadyHeld, tx.Commit()
		}
		return ReserveNotAvailable, tx.Commit()
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO basket_holds (product_id, user_id, inserted_at)
		VALUES ($1, $2, $3)`, productID, userID, now); err != nil {
		return 0, fmt.Errorf("insert hold: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit reserve: %w", err)
	}
	return ReserveOK, nil
}

func (s *PostgresStore) ReleaseProduct(ctx context.Context, userID, productID int64) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin release: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM basket_holds WHERE product_id = $1 AND user_id = $2`, productID, userID)
	if err != nil {
		return false, fmt.Errorf("delete hold: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 0 {
		return false, tx.Commit()
	}
	if _, err := tx.ExecContext(ctx, `UPDATE products SET reserved = FALSE WHERE id = $1`, productID); err != nil {
		return false, fmt.Errorf("unreserve product: %w", err)
	}
	return true, tx.Commit()
}

func (s *PostgresStore) ReleaseAllForUser(ctx context.Context, userID int64) (int, error) {
	holds, err := s.deleteHolds(ctx, `DELETE FROM basket_holds WHERE user_id = $1
		RETURNING product_id, user_id, inserted_at`, userID)
	if err != nil {
		return 0, err
	}
	return len(holds), nil
}

func (s *PostgresStore) SweepExpiredHolds(ctx context.Context, now time.Time, ttl time.Duration) ([]BasketHold, error) {
	return s.deleteHolds(ctx, `DELETE FROM basket_holds WHERE inserted_at <= $1
		RETURNING product_id, user_id, inserted_at`, now.Add(-ttl))
}

func (s *PostgresStore) SweepAbandonedHolds(ctx context.Context, inactiveSince time.Time) ([]BasketHold, error) {
	return s.deleteHolds(ctx, `
		DELETE FROM basket_holds h
		USING users u
		WHERE u.id = h.user_id
		  AND u.last_seen_at < $1
		  AND NOT EXISTS (SELECT 1 FROM pending_payments p WHERE p.user_id = h.user_id)
		RETURNING h.product_id, h.user_id, h.inserted_at`, inactiveSince)
}

// deleteHolds runs a DELETE ... RETURNING over basket_holds and flips the
// released products back to reserved=0 in the same transaction.
func (s *PostgresStore) deleteHolds(ctx context.Context, query string, args ...any) ([]BasketHold, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin release: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("delete holds: %w", err)
	}
	var released []BasketHold
	var ids []int64
	for rows.Next() {
		var h BasketHold
		if err := rows.Scan(&h.ProductID, &h.UserID, &h.InsertedAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		released = append(released, h)
		ids = append(ids, h.ProductID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET reserved = FALSE WHERE id = ANY ($1)`, pq.Array(ids)); err != nil {
			return nil, fmt.Errorf("unreserve products: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit release: %w", err)
	}
	return released, nil
}

func (s *PostgresStore) ListHolds(ctx context.Context, userID int64) ([]BasketHold, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_id, user_id, inserted_at FROM basket_holds
		WHERE user_id = $1 ORDER BY inserted_at, product_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list holds: %w", err)
	}
	defer rows.Close()

	var out []BasketHold
	for rows.Next() {
		var h BasketHold
		if err := rows.Scan(&h.ProductID, &h.UserID, &h.InsertedAt); err != nil {
			return nil, fmt.Errorf("scan hold: %w", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) BasketSnapshot(ctx context.Context, userID int64) ([]BasketItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT p.id, p.product_type, p.size, p.city, p.district, p.price_cents, p.description
		FROM basket_holds h
		JOIN products p ON p.id = h.product_id
		WHERE h.user_id = $1
		ORDER BY h.inserted_at, p.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("basket snapshot: %w", err)
	}
	defer rows.Close()

	var out []BasketItem
	for rows.Next() {
		var it BasketItem
		var price int64
		if err := rows.Scan(&it.ProductID, &it.ProductType, &it.Size, &it.City, &it.District, &price, &it.Description); err != nil {
			return nil, fmt.Errorf("scan basket item: %w", err)
		}
		it.Price = money.FromCents(price)
		it.Name = it.ProductType + " " + it.Size
		out = append(out, it)
	}
	return out, rows.Err()
}

// --- pending payments ---

func (s *PostgresStore) SavePendingPayment(ctx context.Context, pp PendingPayment) error {
	basketRaw, err := json.Marshal(pp.Basket)
	if err != nil {
		return fmt.Errorf("encode basket snapshot: %w", err)
	}
	if pp.CreatedAt.IsZero() {
		pp.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO pending_payments (payment_id, user_id, target_cents, expected_crypto, crypto_currency, is_purchase, basket, discount_code, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (payment_id) DO NOTHING`,
		pp.PaymentID, pp.UserID, pp.TargetEUR.Cents(), pp.ExpectedCrypto.String(), pp.CryptoCurrency, pp.IsPurchase, basketRaw, pp.DiscountCode, pp.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert pending payment: %w", err)
	}
	return nil
}

const pendingColumns = `payment_id, user_id, target_cents, expected_crypto, crypto_currency, is_purchase, basket, discount_code, created_at`

func scanPendingPayment(row interface{ Scan(...any) error }) (PendingPayment, error) {
	var pp PendingPayment
	var target int64
	var expected string
	var basketRaw []byte
	err := row.Scan(&pp.PaymentID, &pp.UserID, &target, &expected, &pp.CryptoCurrency, &pp.IsPurchase, &basketRaw, &pp.DiscountCode, &pp.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return PendingPayment{}, ErrNotFound
	}
	if err != nil {
		return PendingPayment{}, fmt.Errorf("scan pending payment: %w", err)
	}
	pp.TargetEUR = money.FromCents(target)
	pp.ExpectedCrypto, err = decimal.NewFromString(expected)
	if err != nil {
		return PendingPayment{}, fmt.Errorf("decode expected crypto: %w", err)
	}
	if len(basketRaw) > 0 {
		if err := json.Unmarshal(basketRaw, &pp.Basket); err != nil {
			return PendingPayment{}, fmt.Errorf("decode basket snapshot: %w", err)
		}
	}
	return pp, nil
}

func (s *PostgresStore) GetPendingPayment(ctx context.Context, paymentID string) (PendingPayment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+pendingColumns+` FROM pending_payments WHERE payment_id = $1`, paymentID)
	return scanPendingPayment(row)
}

func (s *PostgresStore) DeletePendingPayment(ctx context.Context, paymentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM pending_payments WHERE payment_id = $1`, paymentID)
	if err != nil {
		return fmt.Errorf("delete pending payment: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListPendingPaymentsOlderThan(ctx context.Context, cutoff time.Time) ([]PendingPayment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+pendingColumns+` FROM pending_payments
		WHERE created_at < $1 ORDER BY created_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list pending payments: %w", err)
	}
	defer rows.Close()

	var out []PendingPayment
	for rows.Next() {
		pp, err := scanPendingPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, pp)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UserHasPendingPayment(ctx context.Context, userID int64) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM pending_payments WHERE user_id = $1)`, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check pending payments: %w", err)
	}
	return exists, nil
}

// --- discount codes ---

func (s *PostgresStore) SaveDiscountCode(ctx context.Context, dc DiscountCode) error {
	var maxUses sql.NullInt64
	if dc.MaxUses != nil {
		maxUses = sql.NullInt64{Int64: int64(*dc.MaxUses), Valid: true}
	}
	var expires sql.NullTime
	if dc.ExpiresAt != nil {
		expires = sql.NullTime{Time: *dc.ExpiresAt, Valid: true}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO discount_codes (code, kind, value, max_uses, uses_count, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (code) DO UPDATE SET
			kind = EXCLUDED.kind, value = EXCLUDED.value, max_uses = EXCLUDED.max_uses,
			expires_at = EXCLUDED.expires_at, active = EXCLUDED.active`,
		dc.Code, string(dc.Kind), dc.Value, maxUses, dc.UsesCount, expires, dc.Active)
	if err != nil {
		return fmt.Errorf("save discount code: %w", err)
	}
	return nil
}

const discountColumns = `code, kind, value, max_uses, uses_count, expires_at, active`

func scanDiscountCode(row interface{ Scan(...any) error }) (DiscountCode, error) {
	var dc DiscountCode
	var kind string
	var maxUses sql.NullInt64
	var expires sql.NullTime
	err := row.Scan(&dc.Code, &kind, &dc.Value, &maxUses, &dc.UsesCount, &expires, &dc.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return DiscountCode{}, ErrNotFound
	}
	if err != nil {
		return DiscountCode{}, fmt.Errorf("scan discount code: %w", err)
	}
	dc.Kind = DiscountKind(kind)
	if maxUses.Valid {
		v := int(maxUses.Int64)
		dc.MaxUses = &v
	}
	if expires.Valid {
		t := expires.Time
		dc.ExpiresAt = &t
	}
	return dc, nil
}

func (s *PostgresStore) GetDiscountCode(ctx context.Context, code string) (DiscountCode, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+discountColumns+` FROM discount_codes WHERE code = $1`, code)
	return scanDiscountCode(row)
}

func (s *PostgresStore) ListDiscountCodes(ctx context.Context) ([]DiscountCode, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+discountColumns+` FROM discount_codes ORDER BY code`)
	if err != nil {
		return nil, fmt.Errorf("list discount codes: %w", err)
	}
	defer rows.Close()

	var out []DiscountCode
	for rows.Next() {
		dc, err := scanDiscountCode(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dc)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteDiscountCode(ctx context.Context, code string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM discount_codes WHERE code = $1`, code)
	if err != nil {
		return fmt.Errorf("delete discount code: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- reseller rules ---

func (s *PostgresStore) SetResellerDiscount(ctx context.Context, rule ResellerRule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reseller_rules (user_id, product_type, percent)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_type) DO UPDATE SET percent = EXCLUDED.percent`,
		rule.UserID, rule.ProductType, rule.Percent)
	if err != nil {
		return fmt.Errorf("set reseller discount: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteResellerDiscount(ctx context.Context, userID int64, productType string) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM reseller_rules WHERE user_id = $1 AND product_type = $2`, userID, productType)
	if err != nil {
		return fmt.Errorf("delete reseller discount: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ResellerDiscounts(ctx context.Context, userID int64) (map[string]float64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT product_type, percent FROM reseller_rules WHERE user_id = $1`, userID)
	if err != nil {
		return nil, fmt.Errorf("reseller discounts: %w", err)
	}
	defer rows.Close()

	out := make(map[string]float64)
	for rows.Next() {
		var pt string
		var pct float64
		if err := rows.Scan(&pt, &pct); err != nil {
			return nil, fmt.Errorf("scan reseller rule: %w", err)
		}
		out[pt] = pct
	}
	return out, rows.Err()
}

// --- finalisation ---

func (s *PostgresStore) FinalizePurchase(ctx context.Context, req FinalizeRequest) (FinalizeResult, error) {
	now := req.Now
	if now.IsZero() {
		now = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("begin finalize: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, req.UserID).Scan(&exists); err != nil {
		return FinalizeResult{}, fmt.Errorf("check user: %w", err)
	}
	if !exists {
		return FinalizeResult{}, ErrNotFound
	}

	// Conditional stock decrement per item; zero rows means the row is
	// gone or already sold, which skips the item instead of aborting.
	var fulfilled []FinalizeItem
	var skipped []int64
	for _, it := range req.Items {
		res, err := tx.ExecContext(ctx, `
			UPDATE products SET available = FALSE WHERE id = $1 AND available`, it.ProductID)
		if err != nil {
			return FinalizeResult{}, fmt.Errorf("decrement stock: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return FinalizeResult{}, err
		}
		if n == 0 {
			skipped = append(skipped, it.ProductID)
			continue
		}
		fulfilled = append(fulfilled, it)
	}

	// The single-statement CAS that prevents over-redemption under
	// concurrent finalisations.
	var applied *DiscountCode
	if req.DiscountCode != "" {
		row := tx.QueryRowContext(ctx, `
			UPDATE discount_codes SET uses_count = uses_count + 1
			WHERE code = $1 AND (max_uses IS NULL OR uses_count < max_uses)
			RETURNING `+discountColumns, req.DiscountCode)
		dc, err := scanDiscountCode(row)
		switch {
		case errors.Is(err, ErrNotFound):
			// Cap reached or code deleted: the payment already cleared, so
			// the purchase proceeds at undiscounted prices.
		case err != nil:
			return FinalizeResult{}, fmt.Errorf("redeem discount code: %w", err)
		default:
			applied = &dc
		}
	}

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
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO purchases (id, user_id, product_id, name, city, district, product_type, size, description, price_cents, payment_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
			rec.ID, rec.UserID, rec.ProductID, rec.Name, rec.City, rec.District, rec.ProductType, rec.Size, rec.Description, rec.PricePaid.Cents(), rec.PaymentID, rec.CreatedAt); err != nil {
			return FinalizeResult{}, fmt.Errorf("insert purchase: %w", err)
		}
		result.Fulfilled = append(result.Fulfilled, rec)
		result.TotalPaid = result.TotalPaid.Add(prices[i])
	}

	if len(fulfilled) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE users SET purchase_count = purchase_count + $2 WHERE id = $1`,
			req.UserID, len(fulfilled)); err != nil {
			return FinalizeResult{}, fmt.Errorf("bump purchase count: %w", err)
		}
	}

	// Clear the basket and flip reserved back for any rows that survive.
	rows, err := tx.QueryContext(ctx, `
		DELETE FROM basket_holds WHERE user_id = $1 RETURNING product_id`, req.UserID)
	if err != nil {
		return FinalizeResult{}, fmt.Errorf("clear basket: %w", err)
	}
	var heldIDs []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return FinalizeResult{}, fmt.Errorf("scan cleared hold: %w", err)
		}
		heldIDs = append(heldIDs, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return FinalizeResult{}, err
	}
	if len(heldIDs) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE products SET reserved = FALSE WHERE id = ANY ($1)`, pq.Array(heldIDs)); err != nil {
			return FinalizeResult{}, fmt.Errorf("unreserve cleared products: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return FinalizeResult{}, fmt.Errorf("commit finalize: %w", err)
	}
	return result, nil
}

func (s *PostgresStore) ListPurchases(ctx context.Context, userID int64, limit int) ([]PurchaseRecord, error) {
	query := `
		SELECT id, user_id, product_id, name, city, district, product_type, size, description, price_cents, payment_id, created_at
		FROM purchases WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $2`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list purchases: %w", err)
	}
	defer rows.Close()

	var out []PurchaseRecord
	for rows.Next() {
		var rec PurchaseRecord
		var price int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ProductID, &rec.Name, &rec.City, &rec.District, &rec.ProductType, &rec.Size, &rec.Description, &price, &rec.PaymentID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan purchase: %w", err)
		}
		rec.PricePaid = money.FromCents(price)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// --- admin log ---

func (s *PostgresStore) RecordRefill(ctx context.Context, r RefillRecord) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refills (id, user_id, amount_cents, payment_id, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		r.ID, r.UserID, r.Amount.Cents(), r.PaymentID, r.CreatedAt)
	if err != nil {
		return fmt.Errorf("record refill: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRefills(ctx context.Context, userID int64, limit int) ([]RefillRecord, error) {
	query := `
		SELECT id, user_id, amount_cents, payment_id, created_at
		FROM refills WHERE user_id = $1 ORDER BY created_at DESC`
	args := []any{userID}
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $2`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list refills: %w", err)
	}
	defer rows.Close()

	var out []RefillRecord
	for rows.Next() {
		var rec RefillRecord
		var cents int64
		if err := rows.Scan(&rec.ID, &rec.UserID, &cents, &rec.PaymentID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan refill: %w", err)
		}
		rec.Amount = money.FromCents(cents)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendAdminAction(ctx context.Context, a AdminAction) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_actions (id, admin_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		a.ID, a.AdminID, a.Action, a.Details, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("append admin action: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAdminActions(ctx context.Context, limit int) ([]AdminAction, error) {
	query := `SELECT id, admin_id, action, details, created_at FROM admin_actions ORDER BY created_at DESC`
	var args []any
	if limit > 0 {
		args = append(args, limit)
		query += ` LIMIT $1`
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list admin actions: %w", err)
	}
	defer rows.Close()

	var out []AdminAction
	for rows.Next() {
		var a AdminAction
		if err := rows.Scan(&a.ID, &a.AdminID, &a.Action, &a.Details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan admin action: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
