// internal/ledger/ledger.go
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrConcurrencyConflict = errors.New("concurrency conflict: version mismatch")
	ErrAccountNotFound     = errors.New("loyalty account not found")
)

// Transaction is one immutable entry in a customer's points ledger.
// Points is a signed delta: positive for earn/bonus/refund, negative
// for redemption/expiry.
type Transaction struct {
	ID          uuid.UUID `json:"id" db:"id"`
	AccountID   uuid.UUID `json:"account_id" db:"account_id"`
	Points      int64     `json:"points" db:"points"`
	Type        string    `json:"type" db:"type"`
	Description string    `json:"description,omitempty" db:"description"`
	OrderID     string    `json:"order_id,omitempty" db:"order_id"`
	Version     int       `json:"version" db:"version"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// Account is the materialized projection of a customer's ledger:
// spendable balance, lifetime earned total, and the tier derived from
// the lifetime total. It is a cache over the transactions table and
// must never diverge from the fold of that table.
type Account struct {
	ID             uuid.UUID `json:"id" db:"id"`
	CustomerID     uuid.UUID `json:"customer_id" db:"customer_id"`
	Points         int64     `json:"points" db:"points"`
	LifetimePoints int64     `json:"lifetime_points" db:"lifetime_points"`
	Tier           string    `json:"tier" db:"tier"`
	Version        int       `json:"version" db:"version"`
	CreatedAt      time.Time `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time `json:"updated_at" db:"updated_at"`
}

// Store provides ACID guarantees for the loyalty ledger. An append and
// the matching account update commit in one transaction, so a reader
// never observes a transaction without its balance change.
type Store struct {
	db     *sql.DB
	tracer trace.Tracer
}

// NewStore creates a ledger store over an open database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:     db,
		tracer: otel.Tracer("atelier/ledger"),
	}
}

// CreateAccount inserts a fresh account row at version 0 with an empty
// ledger. The initial tier is supplied by the caller (the zero-points
// tier of the threshold table).
func (s *Store) CreateAccount(ctx context.Context, account Account) error {
	ctx, span := s.tracer.Start(ctx, "ledger.create_account",
		trace.WithAttributes(
			attribute.String("account.id", account.ID.String()),
			attribute.String("customer.id", account.CustomerID.String()),
		),
	)
	defer span.End()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO loyalty_accounts (id, customer_id, points, lifetime_points, tier, version, created_at, updated_at)
		VALUES ($1, $2, 0, 0, $3, 0, $4, $4)
	`, account.ID, account.CustomerID, account.Tier, time.Now().UTC())
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return fmt.Errorf("account for customer %s already exists: %w", account.CustomerID, err)
		}
		return fmt.Errorf("insert account: %w", err)
	}

	return nil
}

// GetAccountByCustomer loads the account projection for a customer.
func (s *Store) GetAccountByCustomer(ctx context.Context, customerID uuid.UUID) (*Account, error) {
	account := &Account{}
	err := s.db.QueryRowContext(ctx, `
		SELECT id, customer_id, points, lifetime_points, tier, version, created_at, updated_at
		FROM loyalty_accounts
		WHERE customer_id = $1
	`, customerID).Scan(
		&account.ID,
		&account.CustomerID,
		&account.Points,
		&account.LifetimePoints,
		&account.Tier,
		&account.Version,
		&account.CreatedAt,
		&account.UpdatedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("query account: %w", err)
	}

	return account, nil
}

// Append atomically inserts a ledger transaction and applies the new
// projection to the account row, guarded by optimistic concurrency on
// the account version. Returns ErrConcurrencyConflict when another
// writer got there first; the caller re-reads and retries.
func (s *Store) Append(ctx context.Context, expectedVersion int, account Account, txn Transaction) error {
	ctx, span := s.tracer.Start(ctx, "ledger.append",
		trace.WithAttributes(
			attribute.String("account.id", account.ID.String()),
			attribute.String("transaction.type", txn.Type),
			attribute.Int64("transaction.points", txn.Points),
			attribute.Int("expected.version", expectedVersion),
		),
	)
	defer span.End()

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	// Optimistic concurrency check on the account row.
	result, err := tx.ExecContext(ctx, `
		UPDATE loyalty_accounts
		SET points = $1, lifetime_points = $2, tier = $3, version = $4, updated_at = $5
		WHERE id = $6 AND version = $7
	`, account.Points, account.LifetimePoints, account.Tier, expectedVersion+1, time.Now().UTC(), account.ID, expectedVersion)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		span.SetAttributes(attribute.Bool("conflict.detected", true))
		return ErrConcurrencyConflict
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO loyalty_transactions (id, account_id, points, type, description, order_id, version, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
	`, txn.ID, account.ID, txn.Points, txn.Type, txn.Description, txn.OrderID, expectedVersion+1, time.Now().UTC())
	if err != nil {
		// Unique constraint on (account_id, version) catches the race
		// where two writers passed the version check concurrently.
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrConcurrencyConflict
		}
		return fmt.Errorf("insert transaction: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}

	span.SetAttributes(attribute.Bool("append.success", true))
	return nil
}

// Transactions returns one page of the ledger for an account, most
// recent first, plus the total entry count for pagination metadata.
func (s *Store) Transactions(ctx context.Context, accountID uuid.UUID, limit, offset int) ([]Transaction, int64, error) {
	ctx, span := s.tracer.Start(ctx, "ledger.transactions",
		trace.WithAttributes(
			attribute.String("account.id", accountID.String()),
			attribute.Int("limit", limit),
			attribute.Int("offset", offset),
		),
	)
	defer span.End()

	var total int64
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM loyalty_transactions WHERE account_id = $1
	`, accountID).Scan(&total)
	if err != nil {
		return nil, 0, fmt.Errorf("count transactions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, account_id, points, type, COALESCE(description, ''), COALESCE(order_id, ''), version, created_at
		FROM loyalty_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC, version DESC
		LIMIT $2 OFFSET $3
	`, accountID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var txns []Transaction
	for rows.Next() {
		var txn Transaction
		err := rows.Scan(
			&txn.ID,
			&txn.AccountID,
			&txn.Points,
			&txn.Type,
			&txn.Description,
			&txn.OrderID,
			&txn.Version,
			&txn.CreatedAt,
		)
		if err != nil {
			return nil, 0, fmt.Errorf("scan transaction: %w", err)
		}
		txns = append(txns, txn)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate transactions: %w", err)
	}

	span.SetAttributes(attribute.Int("transactions.loaded", len(txns)))
	return txns, total, nil
}

// Fold replays the full ledger for an account in append order and
// returns the reconstructed balance and lifetime total. Used to audit
// the materialized account fields against their source of truth.
func (s *Store) Fold(ctx context.Context, accountID uuid.UUID) (points, lifetimePoints int64, err error) {
	ctx, span := s.tracer.Start(ctx, "ledger.fold",
		trace.WithAttributes(attribute.String("account.id", accountID.String())),
	)
	defer span.End()

	rows, err := s.db.QueryContext(ctx, `
		SELECT points
		FROM loyalty_transactions
		WHERE account_id = $1
		ORDER BY version ASC
	`, accountID)
	if err != nil {
		return 0, 0, fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	count := 0
	for rows.Next() {
		var delta int64
		if err := rows.Scan(&delta); err != nil {
			return 0, 0, fmt.Errorf("scan delta: %w", err)
		}
		points += delta
		if delta > 0 {
			lifetimePoints += delta
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("iterate ledger: %w", err)
	}

	span.SetAttributes(attribute.Int("entries.folded", count))
	return points, lifetimePoints, nil
}
