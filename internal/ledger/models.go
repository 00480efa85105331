package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	TypeEscrowDeposit = "ESCROW_DEPOSIT"
	TypeRelease       = "RELEASE"
	TypeFee           = "FEE"
	TypeRefund        = "REFUND"
	TypeWithdrawal    = "WITHDRAWAL"
	TypeTopUp         = "TOP_UP"
)

const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Transaction is an append-only record of one money movement. The transaction
// id doubles as the idempotency key. A nil source wallet means an external
// funding source; a nil destination wallet means an external sink. Applied
// transactions are never mutated or reversed, corrections are new compensating
// transactions.
type Transaction struct {
	TransactionID   string          `gorm:"column:transaction_id;primaryKey;type:uuid"`
	SourceWalletID  *string         `gorm:"column:source_wallet_id;type:uuid"`
	DestWalletID    *string         `gorm:"column:dest_wallet_id;type:uuid"`
	BookingID       *string         `gorm:"column:booking_id;type:uuid"`
	TransactionType string          `gorm:"column:transaction_type;type:varchar(30);not null"`
	Amount          decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	PlatformFee     decimal.Decimal `gorm:"column:platform_fee;type:numeric(20,2);not null;default:0"`
	Status          string          `gorm:"column:status;type:varchar(20);not null"`
	CreatedAt       time.Time       `gorm:"column:created_at;not null;default:now()"`
	CompletedAt     *time.Time      `gorm:"column:completed_at"`
}

// external reports whether the transaction settles against the external
// funding provider and therefore goes through reserve-then-confirm.
func (t *Transaction) external() bool {
	return t.TransactionType == TypeWithdrawal || t.TransactionType == TypeTopUp
}
