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
	"escrow_service/internal/wallet"
)

var (
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrInvalidBooking         = errors.New("invalid booking input")
)

// Lifecycle owns a booking's status and is the only component that drives
// ledger operations for it. The current status plus the triggering event
// fully determines the next status; every transition is applied together with
// its ledger effect.
type Lifecycle struct {
	repo             Repository
	engine           *ledger.Engine
	platformWalletID string
	defaultFeeRate   decimal.Decimal
	sink             events.Sink
	logger           *zap.Logger
}

func NewLifecycle(repo Repository, engine *ledger.Engine, platformWalletID string, defaultFeeRate decimal.Decimal, sink events.Sink, logger *zap.Logger) *Lifecycle {
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Lifecycle{
		repo:             repo,
		engine:           engine,
		platformWalletID: platformWalletID,
		defaultFeeRate:   defaultFeeRate,
		sink:             sink,
		logger:           logger,
	}
}

type CreateBookingInput struct {
	ClientID         string
	PricingType      string
	TotalAgreedPrice decimal.Decimal
	PlatformFeeRate  *decimal.Decimal
	StartTime        time.Time
}

func (l *Lifecycle) CreateBooking(ctx context.Context, input CreateBookingInput) (*Booking, error) {
	if input.ClientID == "" || !input.TotalAgreedPrice.IsPositive() {
		return nil, ErrInvalidBooking
	}
	if input.PricingType != PricingFixed && input.PricingType != PricingHourly {
		return nil, ErrInvalidBooking
	}
	feeRate := l.defaultFeeRate
	if input.PlatformFeeRate != nil {
		feeRate = *input.PlatformFeeRate
	}
	if feeRate.IsNegative() || feeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, ErrInvalidBooking
	}

	now := time.Now()
	b := Booking{
		BookingID:        uuid.NewString(),
		ClientID:         input.ClientID,
		PricingType:      input.PricingType,
		Status:           StatusPending,
		TotalAgreedPrice: input.TotalAgreedPrice,
		PlatformFeeRate:  feeRate,
		EscrowRemaining:  decimal.Zero,
		StartTime:        input.StartTime,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.repo.CreateBooking(ctx, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

type ParticipantInput struct {
	WorkerID    string
	IsLead      bool
	ShareKind   string
	AgreedShare decimal.Decimal
	HourlyRate  decimal.Decimal
}

// AddParticipant registers a worker's stake. The assignment itself comes from
// matchmaking; the engine only records the resolved share.
func (l *Lifecycle) AddParticipant(ctx context.Context, bookingID string, input ParticipantInput) (*BookingParticipant, error) {
	b, err := l.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusPending {
		return nil, ErrInvalidStateTransition
	}
	if input.WorkerID == "" {
		return nil, ErrInvalidBooking
	}
	if b.PricingType == PricingFixed && input.ShareKind != ShareKindAmount && input.ShareKind != ShareKindPercent {
		return nil, ErrInvalidBooking
	}

	p := BookingParticipant{
		ParticipantID: uuid.NewString(),
		BookingID:     bookingID,
		WorkerID:      input.WorkerID,
		IsLead:        input.IsLead,
		ShareKind:     input.ShareKind,
		AgreedShare:   input.AgreedShare,
		HourlyRate:    input.HourlyRate,
		HoursLogged:   decimal.Zero,
		Status:        ParticipantActive,
	}
	if err := l.repo.AddParticipant(ctx, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

// LogHours records worked hours for an HOURLY booking participant. Absent
// hours simply mean zero logged.
func (l *Lifecycle) LogHours(ctx context.Context, bookingID, participantID string, hours decimal.Decimal) error {
	b, err := l.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.PricingType != PricingHourly {
		return ErrInvalidBooking
	}
	if b.Status != StatusConfirmed && b.Status != StatusInProgress {
		return ErrInvalidStateTransition
	}
	if !hours.IsPositive() {
		return ErrInvalidBooking
	}

	parts, err := l.repo.ListParticipants(ctx, bookingID)
	if err != nil {
		return err
	}
	for _, p := range parts {
		if p.ParticipantID == participantID {
			p.HoursLogged = p.HoursLogged.Add(hours)
			return l.repo.UpdateParticipant(ctx, &p)
		}
	}
	return ErrNoParticipants
}

type ConfirmInput struct {
	// TransactionID is the idempotency key of the escrow deposit. Empty
	// means a fresh id.
	TransactionID string
	// FundFromBalance deposits out of the client's withdrawable balance
	// instead of the external funding source.
	FundFromBalance bool
}

// Confirm moves PENDING → CONFIRMED by applying an ESCROW_DEPOSIT for the full
// agreed price against the client's wallet. Irreconcilable FIXED shares block
// confirmation.
func (l *Lifecycle) Confirm(ctx context.Context, bookingID string, input ConfirmInput) (*Booking, error) {
	b, err := l.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusPending {
		return nil, ErrInvalidStateTransition
	}

	parts, err := l.repo.ListParticipants(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if _, err := ComputeShares(b, parts); err != nil {
		return nil, err
	}

	clientWallet, err := l.ensureWallet(ctx, b.ClientID)
	if err != nil {
		return nil, err
	}

	tx := ledger.Transaction{
		TransactionID:   input.TransactionID,
		DestWalletID:    &clientWallet.WalletID,
		BookingID:       &b.BookingID,
		TransactionType: ledger.TypeEscrowDeposit,
		Amount:          b.TotalAgreedPrice,
	}
	if input.FundFromBalance {
		tx.SourceWalletID = &clientWallet.WalletID
	}
	if _, err := l.engine.Apply(ctx, tx); err != nil {
		return nil, err
	}

	b.Status = StatusConfirmed
	b.EscrowRemaining = b.TotalAgreedPrice
	b.UpdatedAt = time.Now()
	if err := l.repo.UpdateBooking(ctx, b, StatusPending); err != nil {
		return nil, err
	}
	l.emitStatus(ctx, b)
	l.logger.Info("booking confirmed",
		zap.String("booking_id", b.BookingID),
		zap.String("amount", b.TotalAgreedPrice.String()))
	return b, nil
}

// Start moves CONFIRMED → IN_PROGRESS when work begins.
func (l *Lifecycle) Start(ctx context.Context, bookingID string) (*Booking, error) {
	b, err := l.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusConfirmed {
		return nil, ErrInvalidStateTransition
	}
	b.Status = StatusInProgress
	b.UpdatedAt = time.Now()
	if err := l.repo.UpdateBooking(ctx, b, StatusConfirmed); err != nil {
		return nil, err
	}
	l.emitStatus(ctx, b)
	return b, nil
}

// Complete moves IN_PROGRESS → COMPLETED, releasing whatever is still held in
// escrow for this booking. A booking with unpaid milestones cannot complete.
func (l *Lifecycle) Complete(ctx context.Context, bookingID string) (*Booking, error) {
	b, err := l.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.Status != StatusInProgress {
		return nil, ErrInvalidStateTransition
	}

	milestones, err := l.repo.ListMilestones(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	for _, m := range milestones {
		if m.Status == MilestonePending || m.Status == MilestoneApproved {
			return nil, ErrInvalidStateTransition
		}
	}

	if err := l.finishCompleted(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// Cancel moves PENDING or CONFIRMED → CANCELLED, refunding any escrowed
// deposit in full with no fee. Cancelling an IN_PROGRESS booking needs an
// explicit authorized override; paid milestones are never reversed.
func (l *Lifecycle) Cancel(ctx context.Context, bookingID string, override bool) (*Booking, error) {
	b, err := l.repo.GetBooking(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	switch b.Status {
	case StatusPending, StatusConfirmed:
	case StatusInProgress:
		if !override {
			return nil, ErrInvalidStateTransition
		}
	default:
		return nil, ErrInvalidStateTransition
	}

	if err := l.finishCancelled(ctx, b); err != nil {
		return nil, err
	}
	return b, nil
}

// finishCompleted releases the remaining escrow and settles the booking as
// COMPLETED. Reached from Complete and from dispute resolutions in the
// workers' favor.
func (l *Lifecycle) finishCompleted(ctx context.Context, b *Booking) error {
	from := b.Status
	if b.EscrowRemaining.IsPositive() {
		parts, err := l.repo.ListParticipants(ctx, b.BookingID)
		if err != nil {
			return err
		}
		gross := b.EscrowRemaining
		if b.PricingType == PricingHourly {
			shares, err := ComputeShares(b, parts)
			if err != nil {
				return err
			}
			earned := decimal.Zero
			for _, s := range shares {
				earned = earned.Add(s.Amount)
			}
			if earned.LessThan(gross) {
				gross = earned
			}
			// Unearned escrow goes back to the client, fee-free.
			if leftover := b.EscrowRemaining.Sub(gross); leftover.IsPositive() {
				if err := l.refund(ctx, b, leftover); err != nil {
					return err
				}
			}
		}
		if gross.IsPositive() {
			if err := l.payout(ctx, b, parts, gross); err != nil {
				return err
			}
		}
	}

	now := time.Now()
	b.EscrowRemaining = decimal.Zero
	b.Status = StatusCompleted
	b.EndTime = &now
	b.UpdatedAt = now
	if err := l.repo.UpdateBooking(ctx, b, from); err != nil {
		return err
	}
	l.emitStatus(ctx, b)
	l.logger.Info("booking completed", zap.String("booking_id", b.BookingID))
	return nil
}

// finishCancelled refunds the remaining escrow and settles the booking as
// CANCELLED. Reached from Cancel and from dispute resolutions in the client's
// favor.
func (l *Lifecycle) finishCancelled(ctx context.Context, b *Booking) error {
	from := b.Status
	if b.EscrowRemaining.IsPositive() {
		if err := l.refund(ctx, b, b.EscrowRemaining); err != nil {
			return err
		}
	}

	now := time.Now()
	b.EscrowRemaining = decimal.Zero
	b.Status = StatusCancelled
	b.EndTime = &now
	b.UpdatedAt = now
	if err := l.repo.UpdateBooking(ctx, b, from); err != nil {
		return err
	}
	l.emitStatus(ctx, b)
	l.logger.Info("booking cancelled", zap.String("booking_id", b.BookingID))
	return nil
}

// payout releases gross out of the client's escrow: the platform fee goes to
// the platform wallet and the remainder is split across participants using
// their entitlements as weights. Releases apply one at a time, each touching
// at most two wallets; if any fails, every release already applied is undone
// with a compensating transaction so no wallet shows a partial credit.
func (l *Lifecycle) payout(ctx context.Context, b *Booking, participants []BookingParticipant, gross decimal.Decimal) error {
	fee := PlatformFee(gross, b.PlatformFeeRate)
	net := gross.Sub(fee)

	entitlements, err := ComputeShares(b, participants)
	if err != nil {
		return err
	}
	weights := make([]decimal.Decimal, len(entitlements))
	for i, s := range entitlements {
		weights[i] = s.Amount
	}
	amounts, err := allocate(weights, net)
	if err != nil {
		return err
	}

	clientWallet, err := l.engine.Wallets().GetByOwner(ctx, b.ClientID)
	if err != nil {
		return err
	}

	var applied []ledger.Transaction
	for i, share := range entitlements {
		if !amounts[i].IsPositive() {
			continue
		}
		workerWallet, err := l.ensureWallet(ctx, share.Participant.WorkerID)
		if err != nil {
			l.compensate(ctx, b, clientWallet.WalletID, applied)
			return err
		}
		tx, err := l.engine.Apply(ctx, ledger.Transaction{
			TransactionID:   uuid.NewString(),
			SourceWalletID:  &clientWallet.WalletID,
			DestWalletID:    &workerWallet.WalletID,
			BookingID:       &b.BookingID,
			TransactionType: ledger.TypeRelease,
			Amount:          amounts[i],
		})
		if err != nil {
			l.compensate(ctx, b, clientWallet.WalletID, applied)
			return err
		}
		applied = append(applied, *tx)
	}

	if fee.IsPositive() {
		_, err := l.engine.Apply(ctx, ledger.Transaction{
			TransactionID:   uuid.NewString(),
			SourceWalletID:  &clientWallet.WalletID,
			DestWalletID:    &l.platformWalletID,
			BookingID:       &b.BookingID,
			TransactionType: ledger.TypeFee,
			Amount:          fee,
			PlatformFee:     fee,
		})
		if err != nil {
			l.compensate(ctx, b, clientWallet.WalletID, applied)
			return err
		}
	}
	return nil
}

// compensate re-deposits already-released amounts back into the client's
// escrow. Applied transactions are never rewritten; the corrections are new
// transactions.
func (l *Lifecycle) compensate(ctx context.Context, b *Booking, clientWalletID string, applied []ledger.Transaction) {
	for i := len(applied) - 1; i >= 0; i-- {
		tx := applied[i]
		_, err := l.engine.Apply(ctx, ledger.Transaction{
			TransactionID:   uuid.NewString(),
			SourceWalletID:  tx.DestWalletID,
			DestWalletID:    &clientWalletID,
			BookingID:       &b.BookingID,
			TransactionType: ledger.TypeEscrowDeposit,
			Amount:          tx.Amount,
		})
		if err != nil {
			l.logger.Error("failed to compensate release",
				zap.String("booking_id", b.BookingID),
				zap.String("original_transaction_id", tx.TransactionID),
				zap.Error(err))
		}
	}
}

// refund returns amount from the booking's escrow to the client's
// withdrawable balance, fee-free.
func (l *Lifecycle) refund(ctx context.Context, b *Booking, amount decimal.Decimal) error {
	clientWallet, err := l.engine.Wallets().GetByOwner(ctx, b.ClientID)
	if err != nil {
		return err
	}
	_, err = l.engine.Apply(ctx, ledger.Transaction{
		TransactionID:   uuid.NewString(),
		SourceWalletID:  &clientWallet.WalletID,
		DestWalletID:    &clientWallet.WalletID,
		BookingID:       &b.BookingID,
		TransactionType: ledger.TypeRefund,
		Amount:          amount,
	})
	return err
}

func (l *Lifecycle) ensureWallet(ctx context.Context, ownerID string) (*wallet.Wallet, error) {
	w, err := l.engine.Wallets().GetByOwner(ctx, ownerID)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, wallet.ErrWalletNotFound) {
		return nil, err
	}
	w, err = l.engine.Wallets().Create(ctx, ownerID)
	if errors.Is(err, wallet.ErrWalletExists) {
		return l.engine.Wallets().GetByOwner(ctx, ownerID)
	}
	return w, err
}

func (l *Lifecycle) emitStatus(ctx context.Context, b *Booking) {
	l.sink.Emit(ctx, events.Event{
		Topic:     events.TopicBookingStatusChanged,
		BookingID: b.BookingID,
		Status:    b.Status,
		Timestamp: time.Now(),
	})
}
