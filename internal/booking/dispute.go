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

var ErrInvalidVerdict = errors.New("invalid dispute verdict")

// DisputeHandler freezes disputed funds and applies arbitration outcomes.
type DisputeHandler struct {
	repo      Repository
	engine    *ledger.Engine
	lifecycle *Lifecycle
	logger    *zap.Logger
}

func NewDisputeHandler(repo Repository, engine *ledger.Engine, lifecycle *Lifecycle, logger *zap.Logger) *DisputeHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DisputeHandler{repo: repo, engine: engine, lifecycle: lifecycle, logger: logger}
}

// Raise freezes amount out of the booking's held escrow and drives the
// booking to DISPUTED. Only a CONFIRMED or IN_PROGRESS booking can be
// disputed, and never for more than it still holds.
func (h *DisputeHandler) Raise(ctx context.Context, bookingID, raisedBy string, amount decimal.Decimal, reason string) (*Dispute, error) {
	b, err := h.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusConfirmed && b.Status != StatusInProgress {
		return nil, ErrInvalidStateTransition
	}
	if !amount.IsPositive() {
		return nil, ledger.ErrInvalidAmount
	}
	if amount.GreaterThan(b.EscrowRemaining) {
		return nil, ledger.ErrInsufficientFunds
	}

	clientWallet, err := h.engine.Wallets().GetByOwner(ctx, b.ClientID)
	if err != nil {
		return nil, err
	}
	if err := h.engine.Freeze(ctx, clientWallet.WalletID, amount); err != nil {
		return nil, err
	}

	now := time.Now()
	d := Dispute{
		DisputeID:      uuid.NewString(),
		BookingID:      bookingID,
		RaisedBy:       raisedBy,
		Reason:         reason,
		DisputedAmount: amount,
		Status:         DisputeOpen,
		CreatedAt:      now,
	}
	if err := h.repo.CreateDispute(ctx, &d); err != nil {
		return nil, err
	}

	from := b.Status
	b.EscrowRemaining = b.EscrowRemaining.Sub(amount)
	b.Status = StatusDisputed
	b.UpdatedAt = now
	if err := h.repo.UpdateBooking(ctx, b, from); err != nil {
		return nil, err
	}
	h.lifecycle.emitStatus(ctx, b)
	h.lifecycle.sink.Emit(ctx, events.Event{
		Topic:     events.TopicDisputeOpened,
		BookingID: bookingID,
		DisputeID: d.DisputeID,
		Amount:    amount,
		Timestamp: now,
	})
	h.logger.Info("dispute raised",
		zap.String("dispute_id", d.DisputeID),
		zap.String("booking_id", bookingID),
		zap.String("amount", amount.String()))
	return &d, nil
}

// Resolve applies the arbitration verdict: the frozen amount returns to
// escrow and is routed to the client, the workers, or both; the booking then
// settles as CANCELLED (client's favor) or COMPLETED (workers' favor or
// split). A dispute resolves exactly once.
func (h *DisputeHandler) Resolve(ctx context.Context, disputeID, verdict string, clientRatio decimal.Decimal) (*Dispute, error) {
	d, err := h.repo.GetDispute(ctx, disputeID)
	if err != nil {
		return nil, err
	}
	if d.Status != DisputeOpen {
		return nil, ErrInvalidStateTransition
	}

	b, err := h.repo.GetBooking(ctx, d.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusDisputed {
		return nil, ErrInvalidStateTransition
	}

	switch verdict {
	case VerdictClientRefund:
		clientRatio = decimal.NewFromInt(1)
	case VerdictWorkerPayment:
		clientRatio = decimal.Zero
	case VerdictSplit:
		if clientRatio.IsNegative() || clientRatio.GreaterThan(decimal.NewFromInt(1)) {
			return nil, ErrInvalidVerdict
		}
	default:
		return nil, ErrInvalidVerdict
	}

	clientWallet, err := h.engine.Wallets().GetByOwner(ctx, b.ClientID)
	if err != nil {
		return nil, err
	}
	if err := h.engine.Unfreeze(ctx, clientWallet.WalletID, d.DisputedAmount); err != nil {
		return nil, err
	}

	clientPart := d.DisputedAmount.Mul(clientRatio).Round(2)
	workerPart := d.DisputedAmount.Sub(clientPart)

	// Any failure past the unfreeze restores the frozen stake before
	// returning, so the dispute stays OPEN and the same resolution can be
	// retried.
	if clientPart.IsPositive() {
		if err := h.lifecycle.refund(ctx, b, clientPart); err != nil {
			h.refreeze(ctx, b, clientWallet.WalletID, d.DisputedAmount, decimal.Zero)
			return nil, err
		}
	}
	if workerPart.IsPositive() {
		parts, err := h.repo.ListParticipants(ctx, b.BookingID)
		if err != nil {
			h.refreeze(ctx, b, clientWallet.WalletID, d.DisputedAmount, clientPart)
			return nil, err
		}
		if err := h.lifecycle.payout(ctx, b, parts, workerPart); err != nil {
			// payout has already reversed its own releases into escrow.
			h.refreeze(ctx, b, clientWallet.WalletID, d.DisputedAmount, clientPart)
			return nil, err
		}
	}

	now := time.Now()
	d.Status = DisputeResolved
	d.ResolvedAt = &now
	if err := h.repo.UpdateDispute(ctx, d, DisputeOpen); err != nil {
		return nil, err
	}

	if verdict == VerdictClientRefund {
		err = h.lifecycle.finishCancelled(ctx, b)
	} else {
		err = h.lifecycle.finishCompleted(ctx, b)
	}
	if err != nil {
		return nil, err
	}

	h.lifecycle.sink.Emit(ctx, events.Event{
		Topic:     events.TopicDisputeResolved,
		BookingID: b.BookingID,
		DisputeID: d.DisputeID,
		Amount:    d.DisputedAmount,
		Status:    verdict,
		Timestamp: now,
	})
	h.logger.Info("dispute resolved",
		zap.String("dispute_id", d.DisputeID),
		zap.String("verdict", verdict))
	return d, nil
}

// refreeze restores the frozen stake after a failed resolution attempt: a
// refund already paid out is re-deposited into escrow with a compensating
// transaction, then the full disputed amount freezes again. Failures here are
// logged, never surfaced; the dispute stays OPEN either way.
func (h *DisputeHandler) refreeze(ctx context.Context, b *Booking, walletID string, amount, refunded decimal.Decimal) {
	if refunded.IsPositive() {
		_, err := h.engine.Apply(ctx, ledger.Transaction{
			TransactionID:   uuid.NewString(),
			SourceWalletID:  &walletID,
			DestWalletID:    &walletID,
			BookingID:       &b.BookingID,
			TransactionType: ledger.TypeEscrowDeposit,
			Amount:          refunded,
		})
		if err != nil {
			h.logger.Error("failed to reverse dispute refund",
				zap.String("dispute_booking_id", b.BookingID),
				zap.String("amount", refunded.String()),
				zap.Error(err))
			return
		}
	}
	if err := h.engine.Freeze(ctx, walletID, amount); err != nil {
		h.logger.Error("failed to restore frozen stake",
			zap.String("dispute_booking_id", b.BookingID),
			zap.String("amount", amount.String()),
			zap.Error(err))
	}
}
