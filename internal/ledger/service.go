package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"escrow_service/internal/events"
	"escrow_service/internal/wallet"
)

var (
	ErrInsufficientFunds      = errors.New("insufficient funds")
	ErrInvalidAmount          = errors.New("transaction amount must be positive")
	ErrInvalidTransactionType = errors.New("invalid transaction type")
	ErrTransactionNotFound    = errors.New("transaction not found")
	ErrTransactionNotPending  = errors.New("transaction is not pending")
)

// Engine validates and applies transactions against the wallet store. It is
// the only component allowed to mutate balances. Replaying an already-seen
// transaction id returns the original record without touching any wallet.
type Engine struct {
	wallets wallet.Store
	repo    Repository
	sink    events.Sink
	logger  *zap.Logger
}

func NewEngine(wallets wallet.Store, repo Repository, sink events.Sink, logger *zap.Logger) *Engine {
	if sink == nil {
		sink = events.NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{wallets: wallets, repo: repo, sink: sink, logger: logger}
}

// Wallets exposes the store for read access. Balance mutation stays private to
// the engine.
func (e *Engine) Wallets() wallet.Store {
	return e.wallets
}

func (e *Engine) Transactions() Repository {
	return e.repo
}

// Apply applies a transaction as a single atomic step across the one or two
// wallets it touches. WITHDRAWAL and TOP_UP are reserved in a pending state
// and settled later via Confirm or Fail; everything else completes
// immediately.
func (e *Engine) Apply(ctx context.Context, tx Transaction) (*Transaction, error) {
	if tx.TransactionID == "" {
		tx.TransactionID = uuid.NewString()
	}
	if err := validateShape(&tx); err != nil {
		return nil, err
	}

	existing, err := e.repo.GetByID(ctx, tx.TransactionID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		e.logger.Info("idempotent replay", zap.String("transaction_id", tx.TransactionID))
		return existing, nil
	}

	tx.Status = StatusPending
	tx.CreatedAt = time.Now()
	if err := e.repo.Create(ctx, &tx); err != nil {
		if errors.Is(err, ErrTransactionExists) {
			return e.repo.GetByID(ctx, tx.TransactionID)
		}
		return nil, err
	}

	if err := e.move(ctx, &tx); err != nil {
		// The reservation is removed so the caller can retry the same id
		// after fixing the cause. A replay racing this window can still
		// observe the reservation as a pending record; it reads as
		// not-yet-settled, never as a completed movement.
		_ = e.repo.Delete(ctx, tx.TransactionID)
		return nil, err
	}

	if !tx.external() {
		now := time.Now()
		tx.Status = StatusCompleted
		tx.CompletedAt = &now
	}
	if err := e.repo.Update(ctx, &tx, StatusPending); err != nil {
		// Funds are moved but the record is stuck pending; leave it for
		// an operator sweep rather than guessing at a reversal.
		e.logger.Error("failed to settle applied transaction",
			zap.String("transaction_id", tx.TransactionID),
			zap.Error(err))
		return nil, err
	}

	e.logger.Info("transaction applied",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("type", tx.TransactionType),
		zap.String("amount", tx.Amount.String()),
		zap.String("status", tx.Status))
	e.emitApplied(ctx, &tx)
	return &tx, nil
}

// Confirm settles a pending external transaction after the gateway reports
// success. The record flips pending → completed through the status-guarded
// update first; TOP_UP funds are credited only after winning that flip, so a
// retried or concurrent Confirm can never credit twice.
func (e *Engine) Confirm(ctx context.Context, transactionID string) (*Transaction, error) {
	tx, err := e.pendingExternal(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	tx.Status = StatusCompleted
	tx.CompletedAt = &now
	if err := e.repo.Update(ctx, tx, StatusPending); err != nil {
		return nil, err
	}

	if tx.TransactionType == TypeTopUp {
		_, err := e.wallets.Mutate(ctx, *tx.DestWalletID, func(w *wallet.Wallet) error {
			w.WithdrawableBalance = w.WithdrawableBalance.Add(tx.Amount)
			return nil
		})
		if err != nil {
			// The record is already settled; surface the error rather
			// than guess at unwinding it.
			e.logger.Error("confirmed top-up credit failed",
				zap.String("transaction_id", tx.TransactionID),
				zap.Error(err))
			return nil, err
		}
		e.sink.Emit(ctx, events.Event{
			Topic:         events.TopicWalletCredited,
			WalletID:      *tx.DestWalletID,
			TransactionID: tx.TransactionID,
			Amount:        tx.Amount,
			Timestamp:     time.Now(),
		})
	}

	e.logger.Info("external transaction confirmed",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("type", tx.TransactionType))
	return tx, nil
}

// Fail settles a pending external transaction after the gateway reports
// failure. A failed WITHDRAWAL had its funds debited at reserve time, so a new
// compensating transaction credits them back; the original record is never
// rewritten.
func (e *Engine) Fail(ctx context.Context, transactionID string) (*Transaction, error) {
	tx, err := e.pendingExternal(ctx, transactionID)
	if err != nil {
		return nil, err
	}

	// Winning the pending → failed flip makes the compensation below
	// exclusive to this call.
	now := time.Now()
	tx.Status = StatusFailed
	tx.CompletedAt = &now
	if err := e.repo.Update(ctx, tx, StatusPending); err != nil {
		return nil, err
	}

	if tx.TransactionType == TypeWithdrawal {
		_, err := e.wallets.Mutate(ctx, *tx.SourceWalletID, func(w *wallet.Wallet) error {
			w.WithdrawableBalance = w.WithdrawableBalance.Add(tx.Amount)
			return nil
		})
		if err != nil {
			return nil, err
		}
		comp := Transaction{
			TransactionID:   uuid.NewString(),
			DestWalletID:    tx.SourceWalletID,
			BookingID:       tx.BookingID,
			TransactionType: TypeTopUp,
			Amount:          tx.Amount,
			Status:          StatusCompleted,
			CreatedAt:       now,
			CompletedAt:     &now,
		}
		if err := e.repo.Create(ctx, &comp); err != nil {
			return nil, err
		}
		e.sink.Emit(ctx, events.Event{
			Topic:         events.TopicWalletCredited,
			WalletID:      *tx.SourceWalletID,
			TransactionID: comp.TransactionID,
			Amount:        tx.Amount,
			Timestamp:     now,
		})
	}

	e.logger.Warn("external transaction failed",
		zap.String("transaction_id", tx.TransactionID),
		zap.String("type", tx.TransactionType))
	return tx, nil
}

// Freeze moves amount from escrow to frozen on one wallet, pending dispute
// resolution.
func (e *Engine) Freeze(ctx context.Context, walletID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	_, err := e.wallets.Mutate(ctx, walletID, func(w *wallet.Wallet) error {
		if w.EscrowBalance.LessThan(amount) {
			return ErrInsufficientFunds
		}
		w.EscrowBalance = w.EscrowBalance.Sub(amount)
		w.FrozenBalance = w.FrozenBalance.Add(amount)
		return nil
	})
	if err != nil {
		return err
	}
	e.sink.Emit(ctx, events.Event{
		Topic:     events.TopicWalletFrozen,
		WalletID:  walletID,
		Amount:    amount,
		Timestamp: time.Now(),
	})
	return nil
}

// Unfreeze moves amount from frozen back to escrow.
func (e *Engine) Unfreeze(ctx context.Context, walletID string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrInvalidAmount
	}
	_, err := e.wallets.Mutate(ctx, walletID, func(w *wallet.Wallet) error {
		if w.FrozenBalance.LessThan(amount) {
			return ErrInsufficientFunds
		}
		w.FrozenBalance = w.FrozenBalance.Sub(amount)
		w.EscrowBalance = w.EscrowBalance.Add(amount)
		return nil
	})
	if err != nil {
		return err
	}
	e.sink.Emit(ctx, events.Event{
		Topic:     events.TopicWalletUnfrozen,
		WalletID:  walletID,
		Amount:    amount,
		Timestamp: time.Now(),
	})
	return nil
}

func (e *Engine) pendingExternal(ctx context.Context, transactionID string) (*Transaction, error) {
	tx, err := e.repo.GetByID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, ErrTransactionNotFound
	}
	if !tx.external() || tx.Status != StatusPending {
		return nil, ErrTransactionNotPending
	}
	return tx, nil
}

// move performs the balance movement for a reserved transaction. Both halves
// apply under the wallet locks as one step; if either half fails, neither is
// committed.
func (e *Engine) move(ctx context.Context, tx *Transaction) error {
	switch tx.TransactionType {
	case TypeEscrowDeposit:
		if tx.SourceWalletID == nil {
			_, err := e.wallets.Mutate(ctx, *tx.DestWalletID, func(w *wallet.Wallet) error {
				w.EscrowBalance = w.EscrowBalance.Add(tx.Amount)
				return nil
			})
			return err
		}
		return e.transfer(ctx, tx, debitWithdrawable, creditEscrow)
	case TypeRelease, TypeFee, TypeRefund:
		return e.transfer(ctx, tx, debitEscrow, creditWithdrawable)
	case TypeWithdrawal:
		_, err := e.wallets.Mutate(ctx, *tx.SourceWalletID, func(w *wallet.Wallet) error {
			return debitWithdrawable(w, tx.Amount)
		})
		if err != nil {
			return err
		}
		e.sink.Emit(ctx, events.Event{
			Topic:         events.TopicWalletDebited,
			WalletID:      *tx.SourceWalletID,
			TransactionID: tx.TransactionID,
			Amount:        tx.Amount,
			Timestamp:     time.Now(),
		})
		return nil
	case TypeTopUp:
		// Nothing moves until the gateway confirms.
		return nil
	default:
		return ErrInvalidTransactionType
	}
}

func (e *Engine) transfer(ctx context.Context, tx *Transaction, debit, credit func(*wallet.Wallet, decimal.Decimal) error) error {
	return e.wallets.MutatePair(ctx, *tx.SourceWalletID, *tx.DestWalletID, func(src, dst *wallet.Wallet) error {
		if err := debit(src, tx.Amount); err != nil {
			return err
		}
		return credit(dst, tx.Amount)
	})
}

func (e *Engine) emitApplied(ctx context.Context, tx *Transaction) {
	now := time.Now()
	bookingID := ""
	if tx.BookingID != nil {
		bookingID = *tx.BookingID
	}
	e.sink.Emit(ctx, events.Event{
		Topic:         events.TopicTransactionApplied,
		BookingID:     bookingID,
		TransactionID: tx.TransactionID,
		Amount:        tx.Amount,
		Status:        tx.Status,
		Timestamp:     now,
	})
	if tx.SourceWalletID != nil && tx.TransactionType != TypeWithdrawal {
		e.sink.Emit(ctx, events.Event{
			Topic:         events.TopicWalletDebited,
			WalletID:      *tx.SourceWalletID,
			TransactionID: tx.TransactionID,
			Amount:        tx.Amount,
			Timestamp:     now,
		})
	}
	if tx.DestWalletID != nil && tx.TransactionType != TypeTopUp {
		e.sink.Emit(ctx, events.Event{
			Topic:         events.TopicWalletCredited,
			WalletID:      *tx.DestWalletID,
			TransactionID: tx.TransactionID,
			Amount:        tx.Amount,
			Timestamp:     now,
		})
	}
}

func validateShape(tx *Transaction) error {
	if !tx.Amount.IsPositive() {
		return ErrInvalidAmount
	}
	if tx.PlatformFee.IsNegative() {
		return ErrInvalidAmount
	}
	switch tx.TransactionType {
	case TypeEscrowDeposit:
		if tx.DestWalletID == nil {
			return ErrInvalidTransactionType
		}
	case TypeRelease, TypeFee, TypeRefund:
		if tx.SourceWalletID == nil || tx.DestWalletID == nil {
			return ErrInvalidTransactionType
		}
	case TypeWithdrawal:
		if tx.SourceWalletID == nil || tx.DestWalletID != nil {
			return ErrInvalidTransactionType
		}
	case TypeTopUp:
		if tx.DestWalletID == nil || tx.SourceWalletID != nil {
			return ErrInvalidTransactionType
		}
	default:
		return ErrInvalidTransactionType
	}
	return nil
}

func debitEscrow(w *wallet.Wallet, amount decimal.Decimal) error {
	if w.EscrowBalance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	w.EscrowBalance = w.EscrowBalance.Sub(amount)
	return nil
}

func debitWithdrawable(w *wallet.Wallet, amount decimal.Decimal) error {
	if w.WithdrawableBalance.LessThan(amount) {
		return ErrInsufficientFunds
	}
	w.WithdrawableBalance = w.WithdrawableBalance.Sub(amount)
	return nil
}

func creditEscrow(w *wallet.Wallet, amount decimal.Decimal) error {
	w.EscrowBalance = w.EscrowBalance.Add(amount)
	return nil
}

func creditWithdrawable(w *wallet.Wallet, amount decimal.Decimal) error {
	w.WithdrawableBalance = w.WithdrawableBalance.Add(amount)
	return nil
}
