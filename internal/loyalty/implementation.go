// internal/loyalty/implementation.go
package loyalty

import (
	"context"
	"errors"
	"fmt"
	"time"

	"atelier/internal/ledger"

	"github.com/google/uuid"
)

// maxConflictRetries bounds the re-read/re-apply loop on optimistic
// concurrency conflicts before the failure is surfaced to the caller.
const maxConflictRetries = 3

const defaultPageSize = 20

// service implements the Service interface.
type service struct {
	store *ledger.Store
}

// NewService creates a new loyalty service instance.
func NewService(store *ledger.Store) Service {
	return &service{store: store}
}

// CreateAccount opens a loyalty account for a customer. Every customer
// gets exactly one, created when the customer record is created.
func (s *service) CreateAccount(ctx context.Context, customerID uuid.UUID) (*ledger.Account, error) {
	account := ledger.Account{
		ID:         uuid.New(),
		CustomerID: customerID,
		Tier:       string(TierFor(0)),
	}

	if err := s.store.CreateAccount(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	return s.store.GetAccountByCustomer(ctx, customerID)
}

// GetAccount returns the cached projection for a customer.
func (s *service) GetAccount(ctx context.Context, customerID uuid.UUID) (*ledger.Account, error) {
	return s.store.GetAccountByCustomer(ctx, customerID)
}

// Award appends a ledger transaction and applies it to the account.
// The transaction insert and the balance/tier update commit as one
// atomic unit; on a version conflict the whole read-modify-write is
// retried a bounded number of times.
func (s *service) Award(ctx context.Context, customerID uuid.UUID, points int64, txnType TransactionType, description, orderID string) (*ledger.Transaction, error) {
	if !txnType.validDelta(points) {
		return nil, fmt.Errorf("%w: %d points for type %s", ErrInvalidAward, points, txnType)
	}

	var lastErr error
	for attempt := 0; attempt <= maxConflictRetries; attempt++ {
		account, err := s.store.GetAccountByCustomer(ctx, customerID)
		if err != nil {
			return nil, fmt.Errorf("failed to load account: %w", err)
		}

		// Balance check happens before any mutation; a rejected
		// redemption leaves account and ledger untouched.
		if account.Points+points < 0 {
			return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, account.Points, points)
		}

		updated := *account
		updated.Points += points
		if points > 0 {
			updated.LifetimePoints += points
		}
		updated.Tier = string(TierFor(updated.LifetimePoints))

		txn := ledger.Transaction{
			ID:          uuid.New(),
			AccountID:   account.ID,
			Points:      points,
			Type:        string(txnType),
			Description: description,
			OrderID:     orderID,
			CreatedAt:   time.Now().UTC(),
		}

		err = s.store.Append(ctx, account.Version, updated, txn)
		if err == nil {
			txn.Version = account.Version + 1
			return &txn, nil
		}
		if !errors.Is(err, ledger.ErrConcurrencyConflict) {
			return nil, fmt.Errorf("failed to append transaction: %w", err)
		}
		lastErr = err
	}

	return nil, fmt.Errorf("award did not converge after %d retries: %w", maxConflictRetries, lastErr)
}

// EarnFromOrderTotal converts an order total into points at the
// documented rate and records them as an EARNED transaction.
func (s *service) EarnFromOrderTotal(ctx context.Context, customerID uuid.UUID, orderTotal int64, orderID string) (*ledger.Transaction, error) {
	points := orderTotal / PointsPerCurrencyUnit
	if points <= 0 {
		return nil, fmt.Errorf("%w: order total %d earns no points", ErrInvalidAward, orderTotal)
	}

	description := fmt.Sprintf("Points earned on order %s", orderID)
	return s.Award(ctx, customerID, points, TypeEarned, description, orderID)
}

// History returns one page of the customer's ledger, most recent first.
func (s *service) History(ctx context.Context, customerID uuid.UUID, page, pageSize int) ([]ledger.Transaction, *Pagination, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = defaultPageSize
	}

	account, err := s.store.GetAccountByCustomer(ctx, customerID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load account: %w", err)
	}

	txns, total, err := s.store.Transactions(ctx, account.ID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load history: %w", err)
	}

	totalPages := (total + int64(pageSize) - 1) / int64(pageSize)
	meta := &Pagination{
		Page:       page,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: totalPages,
	}

	return txns, meta, nil
}

// Progress reports the customer's distance to the next tier.
func (s *service) Progress(ctx context.Context, customerID uuid.UUID) (*TierProgress, error) {
	account, err := s.store.GetAccountByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	progress := ProgressFor(Tier(account.Tier), account.LifetimePoints)
	return &progress, nil
}

// Audit replays the customer's full ledger and compares the fold
// against the cached account fields.
func (s *service) Audit(ctx context.Context, customerID uuid.UUID) (*AuditReport, error) {
	account, err := s.store.GetAccountByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load account: %w", err)
	}

	points, lifetime, err := s.store.Fold(ctx, account.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to fold ledger: %w", err)
	}

	report := &AuditReport{
		CustomerID:     customerID.String(),
		CachedPoints:   account.Points,
		FoldedPoints:   points,
		CachedLifetime: account.LifetimePoints,
		FoldedLifetime: lifetime,
		CachedTier:     Tier(account.Tier),
		DerivedTier:    TierFor(lifetime),
	}
	report.Consistent = report.CachedPoints == report.FoldedPoints &&
		report.CachedLifetime == report.FoldedLifetime &&
		report.CachedTier == report.DerivedTier

	return report, nil
}
