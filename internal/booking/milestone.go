package booking

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrow_service/internal/events"
	"escrow_service/internal/ledger"
)

var ErrMilestoneBudgetExceeded = errors.New("milestone amounts exceed total agreed price")

// MilestoneManager tracks partial releases of a booking's escrow against
// approved milestones.
type MilestoneManager struct {
	repo      Repository
	lifecycle *Lifecycle
	logger    *zap.Logger
}

func NewMilestoneManager(repo Repository, lifecycle *Lifecycle, logger *zap.Logger) *MilestoneManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MilestoneManager{repo: repo, lifecycle: lifecycle, logger: logger}
}

// Register adds a milestone. The sum of non-rejected milestone amounts can
// never exceed the booking's agreed price.
func (m *MilestoneManager) Register(ctx context.Context, bookingID, title string, amount decimal.Decimal, proofURL string) (*BookingMilestone, error) {
	b, err := m.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case StatusPending, StatusConfirmed, StatusInProgress:
	default:
		return nil, ErrInvalidStateTransition
	}
	if title == "" || !amount.IsPositive() {
		return nil, ErrInvalidBooking
	}

	existing, err := m.repo.ListMilestones(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	sum := amount
	for _, ms := range existing {
		if ms.Status != MilestoneRejected {
			sum = sum.Add(ms.Amount)
		}
	}
	if sum.GreaterThan(b.TotalAgreedPrice) {
		return nil, ErrMilestoneBudgetExceeded
	}

	milestone := BookingMilestone{
		MilestoneID: uuid.NewString(),
		BookingID:   bookingID,
		Title:       title,
		Amount:      amount,
		Status:      MilestonePending,
		ProofURL:    proofURL,
	}
	if err := m.repo.CreateMilestone(ctx, &milestone); err != nil {
		return nil, err
	}
	return &milestone, nil
}

// Approve pays out a PENDING milestone: its amount leaves the booking's
// escrow as one RELEASE per participant plus the platform fee. The milestone
// is marked PAID only after every transaction applied; a partial failure
// rolls the payout back and leaves it PENDING.
func (m *MilestoneManager) Approve(ctx context.Context, milestoneID string) (*BookingMilestone, error) {
	milestone, err := m.repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if milestone.Status != MilestonePending {
		return nil, ErrInvalidStateTransition
	}

	b, err := m.repo.GetBooking(ctx, milestone.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusConfirmed && b.Status != StatusInProgress {
		return nil, ErrInvalidStateTransition
	}
	if milestone.Amount.GreaterThan(b.EscrowRemaining) {
		return nil, ledger.ErrInsufficientFunds
	}

	parts, err := m.repo.ListParticipants(ctx, b.BookingID)
	if err != nil {
		return nil, err
	}

	// Winning this guarded update is what makes the payout exclusive: a
	// concurrent Approve on the same milestone loses here, before any money
	// moves.
	milestone.Status = MilestoneApproved
	if err := m.repo.UpdateMilestone(ctx, milestone, MilestonePending); err != nil {
		return nil, err
	}

	if err := m.lifecycle.payout(ctx, b, parts, milestone.Amount); err != nil {
		milestone.Status = MilestonePending
		if updateErr := m.repo.UpdateMilestone(ctx, milestone, MilestoneApproved); updateErr != nil {
			m.logger.Error("failed to reset milestone after payout failure",
				zap.String("milestone_id", milestone.MilestoneID),
				zap.Error(updateErr))
		}
		return nil, err
	}

	milestone.Status = MilestonePaid
	if err := m.repo.UpdateMilestone(ctx, milestone, MilestoneApproved); err != nil {
		return nil, err
	}
	b.EscrowRemaining = b.EscrowRemaining.Sub(milestone.Amount)
	b.UpdatedAt = time.Now()
	if err := m.repo.UpdateBooking(ctx, b, b.Status); err != nil {
		return nil, err
	}

	m.lifecycle.sink.Emit(ctx, events.Event{
		Topic:       events.TopicMilestonePaid,
		BookingID:   b.BookingID,
		MilestoneID: milestone.MilestoneID,
		Amount:      milestone.Amount,
		Timestamp:   time.Now(),
	})
	m.logger.Info("milestone paid",
		zap.String("milestone_id", milestone.MilestoneID),
		zap.String("booking_id", b.BookingID),
		zap.String("amount", milestone.Amount.String()))
	return milestone, nil
}

// Reject declines a PENDING milestone; its amount stays in escrow until
// completion or cancellation.
func (m *MilestoneManager) Reject(ctx context.Context, milestoneID string) (*BookingMilestone, error) {
	milestone, err := m.repo.GetMilestone(ctx, milestoneID)
	if err != nil {
		return nil, err
	}
	if milestone.Status != MilestonePending {
		return nil, ErrInvalidStateTransition
	}
	milestone.Status = MilestoneRejected
	if err := m.repo.UpdateMilestone(ctx, milestone, MilestonePending); err != nil {
		return nil, err
	}
	return milestone, nil
}
