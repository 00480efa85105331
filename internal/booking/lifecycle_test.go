package booking

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"escrow_service/internal/ledger"
	"escrow_service/internal/wallet"
)

type fixture struct {
	t                *testing.T
	mem              *wallet.MemoryStore
	engine           *ledger.Engine
	repo             *MemoryRepository
	lifecycle        *Lifecycle
	milestones       *MilestoneManager
	disputes         *DisputeHandler
	platformWalletID string
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, nil)
}

// newFixtureWithStore optionally wraps the wallet store, letting tests inject
// faults between individual balance movements.
func newFixtureWithStore(t *testing.T, wrap func(wallet.Store) wallet.Store) *fixture {
	mem := wallet.NewMemoryStore()
	var store wallet.Store = mem
	if wrap != nil {
		store = wrap(mem)
	}

	platform, err := mem.Create(context.Background(), "platform")
	require.NoError(t, err)

	engine := ledger.NewEngine(store, ledger.NewMemoryRepository(), nil, nil)
	repo := NewMemoryRepository()
	lifecycle := NewLifecycle(repo, engine, platform.WalletID, decimal.RequireFromString("0.10"), nil, nil)

	return &fixture{
		t:                t,
		mem:              mem,
		engine:           engine,
		repo:             repo,
		lifecycle:        lifecycle,
		milestones:       NewMilestoneManager(repo, lifecycle, nil),
		disputes:         NewDisputeHandler(repo, engine, lifecycle, nil),
		platformWalletID: platform.WalletID,
	}
}

func (f *fixture) walletOf(ownerID string) *wallet.Wallet {
	w, err := f.mem.GetByOwner(context.Background(), ownerID)
	require.NoError(f.t, err)
	return w
}

func (f *fixture) platformWallet() *wallet.Wallet {
	w, err := f.mem.Get(context.Background(), f.platformWalletID)
	require.NoError(f.t, err)
	return w
}

// pendingFixed creates a PENDING FIXED booking with one percent-share
// participant per entry. Worker owner ids are "worker-0", "worker-1", ...
func (f *fixture) pendingFixed(clientID, price string, percents ...string) *Booking {
	b, err := f.lifecycle.CreateBooking(context.Background(), CreateBookingInput{
		ClientID:         clientID,
		PricingType:      PricingFixed,
		TotalAgreedPrice: dec(price),
		StartTime:        time.Now(),
	})
	require.NoError(f.t, err)
	for i, p := range percents {
		_, err := f.lifecycle.AddParticipant(context.Background(), b.BookingID, ParticipantInput{
			WorkerID:    fmt.Sprintf("worker-%d", i),
			IsLead:      i == 0,
			ShareKind:   ShareKindPercent,
			AgreedShare: dec(p),
		})
		require.NoError(f.t, err)
	}
	return b
}

func (f *fixture) confirmedFixed(clientID, price string, percents ...string) *Booking {
	b := f.pendingFixed(clientID, price, percents...)
	b, err := f.lifecycle.Confirm(context.Background(), b.BookingID, ConfirmInput{})
	require.NoError(f.t, err)
	return b
}

func TestCreateBookingValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.lifecycle.CreateBooking(context.Background(), CreateBookingInput{
		ClientID:         "",
		PricingType:      PricingFixed,
		TotalAgreedPrice: dec("100.00"),
	})
	require.ErrorIs(t, err, ErrInvalidBooking)

	_, err = f.lifecycle.CreateBooking(context.Background(), CreateBookingInput{
		ClientID:         uuid.NewString(),
		PricingType:      "SUBSCRIPTION",
		TotalAgreedPrice: dec("100.00"),
	})
	require.ErrorIs(t, err, ErrInvalidBooking)

	badRate := dec("1.5")
	_, err = f.lifecycle.CreateBooking(context.Background(), CreateBookingInput{
		ClientID:         uuid.NewString(),
		PricingType:      PricingFixed,
		TotalAgreedPrice: dec("100.00"),
		PlatformFeeRate:  &badRate,
	})
	require.ErrorIs(t, err, ErrInvalidBooking)
}

func TestConfirmDepositsFullPrice(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.NewString()

	b := f.confirmedFixed(clientID, "1000.00", "60", "40")
	require.Equal(t, StatusConfirmed, b.Status)
	require.Equal(t, "1000", b.EscrowRemaining.String())

	clientWallet := f.walletOf(clientID)
	require.Equal(t, "1000", clientWallet.EscrowBalance.String())
	require.Equal(t, "1000", clientWallet.Balance.String())
}

func TestConfirmBlocksIrreconcilableShares(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.NewString()

	b := f.pendingFixed(clientID, "1000.00", "60", "30")
	_, err := f.lifecycle.Confirm(context.Background(), b.BookingID, ConfirmInput{})
	require.ErrorIs(t, err, ErrShareMismatch)

	got, err := f.repo.GetBooking(context.Background(), b.BookingID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
}

func TestConfirmFundFromBalance(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.NewString()

	w, err := f.mem.Create(context.Background(), clientID)
	require.NoError(t, err)
	_, err = f.mem.Mutate(context.Background(), w.WalletID, func(w *wallet.Wallet) error {
		w.WithdrawableBalance = dec("1500.00")
		return nil
	})
	require.NoError(t, err)

	b := f.pendingFixed(clientID, "1000.00", "100")
	_, err = f.lifecycle.Confirm(context.Background(), b.BookingID, ConfirmInput{FundFromBalance: true})
	require.NoError(t, err)

	got := f.walletOf(clientID)
	require.Equal(t, "500", got.WithdrawableBalance.String())
	require.Equal(t, "1000", got.EscrowBalance.String())
	require.Equal(t, "1500", got.Balance.String())
}

func TestConfirmFundFromBalanceInsufficient(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.NewString()

	_, err := f.mem.Create(context.Background(), clientID)
	require.NoError(t, err)

	b := f.pendingFixed(clientID, "1000.00", "100")
	_, err = f.lifecycle.Confirm(context.Background(), b.BookingID, ConfirmInput{FundFromBalance: true})
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)

	got, err := f.repo.GetBooking(context.Background(), b.BookingID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, got.Status)
	require.True(t, f.walletOf(clientID).Balance.IsZero())
}

func TestCompleteSplitsEscrow(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.NewString()

	b := f.confirmedFixed(clientID, "1000.00", "60", "40")
	_, err := f.lifecycle.Start(context.Background(), b.BookingID)
	require.NoError(t, err)

	got, err := f.lifecycle.Complete(context.Background(), b.BookingID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)
	require.NotNil(t, got.EndTime)
	require.True(t, got.EscrowRemaining.IsZero())

	require.Equal(t, "540", f.walletOf("worker-0").WithdrawableBalance.String())
	require.Equal(t, "360", f.walletOf("worker-1").WithdrawableBalance.String())
	require.Equal(t, "100", f.platformWallet().WithdrawableBalance.String())

	clientWallet := f.walletOf(clientID)
	require.True(t, clientWallet.EscrowBalance.IsZero())
	require.True(t, clientWallet.Balance.IsZero())
}

func TestStateMachineRejectsInvalidTransitions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pending := f.pendingFixed(uuid.NewString(), "100.00", "100")
	_, err := f.lifecycle.Start(ctx, pending.BookingID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = f.lifecycle.Complete(ctx, pending.BookingID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	confirmed := f.confirmedFixed(uuid.NewString(), "100.00", "100")
	_, err = f.lifecycle.Confirm(ctx, confirmed.BookingID, ConfirmInput{})
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = f.lifecycle.Complete(ctx, confirmed.BookingID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	inProgress := f.confirmedFixed(uuid.NewString(), "100.00", "100")
	_, err = f.lifecycle.Start(ctx, inProgress.BookingID)
	require.NoError(t, err)
	_, err = f.lifecycle.Cancel(ctx, inProgress.BookingID, false)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = f.lifecycle.Start(ctx, inProgress.BookingID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	done := f.confirmedFixed(uuid.NewString(), "100.00", "100")
	_, err = f.lifecycle.Start(ctx, done.BookingID)
	require.NoError(t, err)
	_, err = f.lifecycle.Complete(ctx, done.BookingID)
	require.NoError(t, err)
	_, err = f.lifecycle.Cancel(ctx, done.BookingID, true)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
	_, err = f.lifecycle.Complete(ctx, done.BookingID)
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

func TestCancelConfirmedRefundsWithoutFee(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.NewString()

	b := f.confirmedFixed(clientID, "1000.00", "100")
	got, err := f.lifecycle.Cancel(context.Background(), b.BookingID, false)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)

	clientWallet := f.walletOf(clientID)
	require.Equal(t, "1000", clientWallet.WithdrawableBalance.String())
	require.True(t, clientWallet.EscrowBalance.IsZero())
	require.True(t, f.platformWallet().Balance.IsZero())
}

func TestCancelInProgressNeedsOverride(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.NewString()

	b := f.confirmedFixed(clientID, "500.00", "100")
	_, err := f.lifecycle.Start(context.Background(), b.BookingID)
	require.NoError(t, err)

	_, err = f.lifecycle.Cancel(context.Background(), b.BookingID, false)
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	got, err := f.lifecycle.Cancel(context.Background(), b.BookingID, true)
	require.NoError(t, err)
	require.Equal(t, StatusCancelled, got.Status)
	require.Equal(t, "500", f.walletOf(clientID).WithdrawableBalance.String())
}

func TestHourlyCompletionPaysEarnedRefundsRest(t *testing.T) {
	f := newFixture(t)
	clientID := uuid.NewString()
	ctx := context.Background()

	b, err := f.lifecycle.CreateBooking(ctx, CreateBookingInput{
		ClientID:         clientID,
		PricingType:      PricingHourly,
		TotalAgreedPrice: dec("1000.00"),
		StartTime:        time.Now(),
	})
	require.NoError(t, err)
	p, err := f.lifecycle.AddParticipant(ctx, b.BookingID, ParticipantInput{
		WorkerID:   "worker-0",
		IsLead:     true,
		HourlyRate: dec("25.00"),
	})
	require.NoError(t, err)

	_, err = f.lifecycle.Confirm(ctx, b.BookingID, ConfirmInput{})
	require.NoError(t, err)
	require.NoError(t, f.lifecycle.LogHours(ctx, b.BookingID, p.ParticipantID, dec("10")))
	_, err = f.lifecycle.Start(ctx, b.BookingID)
	require.NoError(t, err)

	got, err := f.lifecycle.Complete(ctx, b.BookingID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, got.Status)

	// 250.00 earned: 25.00 fee, 225.00 to the worker; the unearned 750.00
	// returns to the client fee-free.
	require.Equal(t, "225", f.walletOf("worker-0").WithdrawableBalance.String())
	require.Equal(t, "25", f.platformWallet().WithdrawableBalance.String())
	clientWallet := f.walletOf(clientID)
	require.Equal(t, "750", clientWallet.WithdrawableBalance.String())
	require.True(t, clientWallet.EscrowBalance.IsZero())
}

func TestLogHoursRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fixed := f.confirmedFixed(uuid.NewString(), "100.00", "100")
	err := f.lifecycle.LogHours(ctx, fixed.BookingID, "whatever", dec("1"))
	require.ErrorIs(t, err, ErrInvalidBooking)

	b, err := f.lifecycle.CreateBooking(ctx, CreateBookingInput{
		ClientID:         uuid.NewString(),
		PricingType:      PricingHourly,
		TotalAgreedPrice: dec("100.00"),
		StartTime:        time.Now(),
	})
	require.NoError(t, err)
	p, err := f.lifecycle.AddParticipant(ctx, b.BookingID, ParticipantInput{
		WorkerID:   "worker-0",
		HourlyRate: dec("10.00"),
	})
	require.NoError(t, err)

	// Hours cannot be logged before the deposit is in.
	err = f.lifecycle.LogHours(ctx, b.BookingID, p.ParticipantID, dec("2"))
	require.ErrorIs(t, err, ErrInvalidStateTransition)

	_, err = f.lifecycle.Confirm(ctx, b.BookingID, ConfirmInput{})
	require.NoError(t, err)
	require.NoError(t, f.lifecycle.LogHours(ctx, b.BookingID, p.ParticipantID, dec("2")))
	require.NoError(t, f.lifecycle.LogHours(ctx, b.BookingID, p.ParticipantID, dec("1.5")))

	err = f.lifecycle.LogHours(ctx, b.BookingID, p.ParticipantID, dec("-1"))
	require.ErrorIs(t, err, ErrInvalidBooking)
	err = f.lifecycle.LogHours(ctx, b.BookingID, uuid.NewString(), dec("1"))
	require.ErrorIs(t, err, ErrNoParticipants)

	parts, err := f.repo.ListParticipants(ctx, b.BookingID)
	require.NoError(t, err)
	require.Equal(t, "3.5", parts[0].HoursLogged.String())
}

func TestAddParticipantOnlyWhilePending(t *testing.T) {
	f := newFixture(t)

	b := f.confirmedFixed(uuid.NewString(), "100.00", "100")
	_, err := f.lifecycle.AddParticipant(context.Background(), b.BookingID, ParticipantInput{
		WorkerID:    "late-worker",
		ShareKind:   ShareKindPercent,
		AgreedShare: dec("10"),
	})
	require.ErrorIs(t, err, ErrInvalidStateTransition)
}

// faultyStore fails the first pair mutation touching a chosen wallet, then
// behaves normally, simulating a mid-payout outage.
type faultyStore struct {
	wallet.Store
	failWalletID string
	fired        bool
}

func (s *faultyStore) MutatePair(ctx context.Context, idA, idB string, fn wallet.PairMutateFn) error {
	if !s.fired && (idA == s.failWalletID || idB == s.failWalletID) {
		s.fired = true
		return fmt.Errorf("wallet %s unavailable", s.failWalletID)
	}
	return s.Store.MutatePair(ctx, idA, idB, fn)
}

func TestPayoutCompensatesOnMidBatchFailure(t *testing.T) {
	faulty := &faultyStore{}
	f := newFixtureWithStore(t, func(s wallet.Store) wallet.Store {
		faulty.Store = s
		return faulty
	})
	clientID := uuid.NewString()
	ctx := context.Background()

	// The second worker's wallet exists up front so the fault can target it.
	w1, err := f.mem.Create(ctx, "worker-1")
	require.NoError(t, err)
	faulty.failWalletID = w1.WalletID

	b := f.confirmedFixed(clientID, "1000.00", "60", "40")
	_, err = f.lifecycle.Start(ctx, b.BookingID)
	require.NoError(t, err)

	_, err = f.lifecycle.Complete(ctx, b.BookingID)
	require.Error(t, err)

	// The first release was undone: no wallet keeps a partial credit and
	// the full deposit is back in the client's escrow.
	got, err := f.repo.GetBooking(ctx, b.BookingID)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, got.Status)
	require.Equal(t, "1000", got.EscrowRemaining.String())

	require.True(t, f.walletOf("worker-0").Balance.IsZero())
	require.True(t, f.walletOf("worker-1").Balance.IsZero())
	require.True(t, f.platformWallet().Balance.IsZero())
	require.Equal(t, "1000", f.walletOf(clientID).EscrowBalance.String())

	// The outage is over; the same completion now goes through.
	_, err = f.lifecycle.Complete(ctx, b.BookingID)
	require.NoError(t, err)
	require.Equal(t, "540", f.walletOf("worker-0").WithdrawableBalance.String())
	require.Equal(t, "360", f.walletOf("worker-1").WithdrawableBalance.String())
}
