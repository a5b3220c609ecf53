// internal/loyalty/service.go
package loyalty

import (
	"context"

	"atelier/internal/ledger"

	"github.com/google/uuid"
)

// Service defines the interface for the loyalty service.
type Service interface {
	CreateAccount(ctx context.Context, customerID uuid.UUID) (*ledger.Account, error)
	GetAccount(ctx context.Context, customerID uuid.UUID) (*ledger.Account, error)
	Award(ctx context.Context, customerID uuid.UUID, points int64, txnType TransactionType, description, orderID string) (*ledger.Transaction, error)
	EarnFromOrderTotal(ctx context.Context, customerID uuid.UUID, orderTotal int64, orderID string) (*ledger.Transaction, error)
	History(ctx context.Context, customerID uuid.UUID, page, pageSize int) ([]ledger.Transaction, *Pagination, error)
	Progress(ctx context.Context, customerID uuid.UUID) (*TierProgress, error)
	Audit(ctx context.Context, customerID uuid.UUID) (*AuditReport, error)
}
