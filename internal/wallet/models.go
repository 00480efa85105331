package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

type Wallet struct {
	WalletID            string          `gorm:"column:wallet_id;primaryKey;type:uuid;default:uuid_generate_v4()"`
	OwnerID             string          `gorm:"column:owner_id;type:uuid;not null;unique"`
	Balance             decimal.Decimal `gorm:"column:balance;type:numeric(20,2);not null;default:0"`
	EscrowBalance       decimal.Decimal `gorm:"column:escrow_balance;type:numeric(20,2);not null;default:0"`
	WithdrawableBalance decimal.Decimal `gorm:"column:withdrawable_balance;type:numeric(20,2);not null;default:0"`
	FrozenBalance       decimal.Decimal `gorm:"column:frozen_balance;type:numeric(20,2);not null;default:0"`
	Version             int             `gorm:"column:version;not null;default:1"`
	CreatedAt           time.Time       `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt           time.Time       `gorm:"column:updated_at;not null;default:now()"`
}

// recalculate recomputes the total from the three buckets. The total is never
// assigned directly anywhere else.
func (w *Wallet) recalculate() {
	w.Balance = w.EscrowBalance.Add(w.WithdrawableBalance).Add(w.FrozenBalance)
}

// validate rejects any state where a bucket went negative or the total stopped
// matching the bucket sum.
func (w *Wallet) validate() error {
	if w.EscrowBalance.IsNegative() || w.WithdrawableBalance.IsNegative() || w.FrozenBalance.IsNegative() {
		return ErrInvariantViolation
	}
	if !w.Balance.Equal(w.EscrowBalance.Add(w.WithdrawableBalance).Add(w.FrozenBalance)) {
		return ErrInvariantViolation
	}
	return nil
}
