package booking

import (
	"time"

	"github.com/shopspring/decimal"
)

const (
	StatusPending    = "PENDING"
	StatusConfirmed  = "CONFIRMED"
	StatusInProgress = "IN_PROGRESS"
	StatusCompleted  = "COMPLETED"
	StatusCancelled  = "CANCELLED"
	StatusDisputed   = "DISPUTED"
)

const (
	PricingFixed  = "FIXED"
	PricingHourly = "HOURLY"
)

const (
	ShareKindAmount  = "AMOUNT"
	ShareKindPercent = "PERCENT"
)

const (
	ParticipantActive  = "ACTIVE"
	ParticipantRemoved = "REMOVED"
)

const (
	MilestonePending  = "PENDING"
	MilestoneApproved = "APPROVED"
	MilestonePaid     = "PAID"
	MilestoneRejected = "REJECTED"
)

const (
	DisputeOpen     = "OPEN"
	DisputeResolved = "RESOLVED"
)

const (
	VerdictClientRefund  = "CLIENT_REFUND"
	VerdictWorkerPayment = "WORKER_PAYMENT"
	VerdictSplit         = "SPLIT"
)

type Booking struct {
	BookingID        string          `gorm:"column:booking_id;primaryKey;type:uuid"`
	ClientID         string          `gorm:"column:client_id;type:uuid;not null"`
	PricingType      string          `gorm:"column:pricing_type;type:varchar(20);not null"`
	Status           string          `gorm:"column:status;type:varchar(20);not null;default:'PENDING'"`
	TotalAgreedPrice decimal.Decimal `gorm:"column:total_agreed_price;type:numeric(20,2);not null"`
	PlatformFeeRate  decimal.Decimal `gorm:"column:platform_fee_rate;type:numeric(5,4);not null"`
	// EscrowRemaining is the part of the deposit still held in escrow for
	// this booking, excluding any amount currently frozen by a dispute.
	EscrowRemaining decimal.Decimal `gorm:"column:escrow_remaining;type:numeric(20,2);not null;default:0"`
	StartTime       time.Time       `gorm:"column:start_time;not null"`
	EndTime         *time.Time      `gorm:"column:end_time"`
	CreatedAt       time.Time       `gorm:"column:created_at;not null;default:now()"`
	UpdatedAt       time.Time       `gorm:"column:updated_at;not null;default:now()"`
}

type BookingParticipant struct {
	ParticipantID string `gorm:"column:participant_id;primaryKey;type:uuid"`
	BookingID     string `gorm:"column:booking_id;type:uuid;not null"`
	WorkerID      string `gorm:"column:worker_id;type:uuid;not null"`
	IsLead        bool   `gorm:"column:is_lead;not null;default:false"`
	// ShareKind disambiguates AgreedShare for FIXED bookings: an absolute
	// amount or a percentage of the distributable total.
	ShareKind   string          `gorm:"column:share_kind;type:varchar(20);not null"`
	AgreedShare decimal.Decimal `gorm:"column:agreed_share;type:numeric(20,2);not null;default:0"`
	HourlyRate  decimal.Decimal `gorm:"column:hourly_rate;type:numeric(20,2);not null;default:0"`
	HoursLogged decimal.Decimal `gorm:"column:hours_logged;type:numeric(6,2);not null;default:0"`
	Status      string          `gorm:"column:status;type:varchar(50);not null;default:'ACTIVE'"`
}

type BookingMilestone struct {
	MilestoneID string          `gorm:"column:milestone_id;primaryKey;type:uuid"`
	BookingID   string          `gorm:"column:booking_id;type:uuid;not null"`
	Title       string          `gorm:"column:title;type:varchar(200);not null"`
	Amount      decimal.Decimal `gorm:"column:amount;type:numeric(20,2);not null"`
	Status      string          `gorm:"column:status;type:varchar(50);not null;default:'PENDING'"`
	ProofURL    string          `gorm:"column:proof_url;type:varchar(500)"`
}

type Dispute struct {
	DisputeID      string          `gorm:"column:dispute_id;primaryKey;type:uuid"`
	BookingID      string          `gorm:"column:booking_id;type:uuid;not null"`
	RaisedBy       string          `gorm:"column:raised_by;type:uuid;not null"`
	Reason         string          `gorm:"column:reason;type:text"`
	DisputedAmount decimal.Decimal `gorm:"column:disputed_amount;type:numeric(20,2);not null"`
	Status         string          `gorm:"column:status;type:varchar(50);not null;default:'OPEN'"`
	CreatedAt      time.Time       `gorm:"column:created_at;not null;default:now()"`
	ResolvedAt     *time.Time      `gorm:"column:resolved_at"`
}
