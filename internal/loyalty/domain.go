// internal/loyalty/domain.go
package loyalty

import (
	"errors"

	"atelier/internal/ledger"
)

var (
	ErrInvalidAward        = errors.New("invalid award: points sign does not match transaction type")
	ErrInsufficientBalance = errors.New("insufficient points balance")
	ErrAccountNotFound     = ledger.ErrAccountNotFound
)

// Tier is a customer's loyalty rank, derived from lifetime points.
type Tier string

const (
	TierBronze   Tier = "BRONZE"
	TierSilver   Tier = "SILVER"
	TierGold     Tier = "GOLD"
	TierPlatinum Tier = "PLATINUM"
)

// TransactionType classifies a ledger entry. Earn-side types carry a
// positive points delta, spend-side types a negative one.
type TransactionType string

const (
	TypeEarned   TransactionType = "EARNED"
	TypeRedeemed TransactionType = "REDEEMED"
	TypeExpired  TransactionType = "EXPIRED"
	TypeBonus    TransactionType = "BONUS"
	TypeRefund   TransactionType = "REFUND"
)

// validDelta reports whether the signed points delta is allowed for the
// transaction type. A zero delta is never allowed.
func (t TransactionType) validDelta(points int64) bool {
	switch t {
	case TypeEarned, TypeBonus, TypeRefund:
		return points > 0
	case TypeRedeemed, TypeExpired:
		return points < 0
	default:
		return false
	}
}

// PointsPerCurrencyUnit is the documented earn rate: one point per 100
// currency units of order total.
const PointsPerCurrencyUnit = 100

// TierProgress describes how far an account is from the next tier.
// NextTier is nil at the top tier.
type TierProgress struct {
	CurrentTier     Tier  `json:"current_tier"`
	NextTier        *Tier `json:"next_tier"`
	PointsRemaining int64 `json:"points_remaining"`
}

// Pagination is the metadata returned alongside a history page.
type Pagination struct {
	Page       int   `json:"page"`
	PageSize   int   `json:"page_size"`
	TotalItems int64 `json:"total_items"`
	TotalPages int64 `json:"total_pages"`
}

// AuditReport is the result of replaying an account's ledger against
// its cached projection.
type AuditReport struct {
	CustomerID     string `json:"customer_id"`
	CachedPoints   int64  `json:"cached_points"`
	FoldedPoints   int64  `json:"folded_points"`
	CachedLifetime int64  `json:"cached_lifetime_points"`
	FoldedLifetime int64  `json:"folded_lifetime_points"`
	CachedTier     Tier   `json:"cached_tier"`
	DerivedTier    Tier   `json:"derived_tier"`
	Consistent     bool   `json:"consistent"`
}
