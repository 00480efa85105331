package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	MaxRetries = 3
	RetryDelay = 10 * time.Millisecond
)

// PostgresStore serializes wallet mutations with an optimistic version column.
// Version conflicts are retried transparently; callers never see
// ErrOptimisticLock unless all retries are exhausted.
type PostgresStore struct {
	db *gorm.DB
}

func NewPostgresStore(db *gorm.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Get(ctx context.Context, walletID string) (*Wallet, error) {
	var w Wallet
	err := s.db.WithContext(ctx).Where("wallet_id = ?", walletID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) GetByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	var w Wallet
	err := s.db.WithContext(ctx).Where("owner_id = ?", ownerID).First(&w).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrWalletNotFound
		}
		return nil, fmt.Errorf("failed to get wallet by owner: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) Create(ctx context.Context, ownerID string) (*Wallet, error) {
	now := time.Now()
	w := Wallet{
		WalletID:  uuid.NewString(),
		OwnerID:   ownerID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(&w).Error; err != nil {
		return nil, fmt.Errorf("failed to create wallet: %w", err)
	}
	return &w, nil
}

func (s *PostgresStore) Mutate(ctx context.Context, walletID string, fn MutateFn) (*Wallet, error) {
	for i := 0; i < MaxRetries; i++ {
		w, err := s.mutateOnce(ctx, walletID, fn)
		if err == nil {
			return w, nil
		}
		if errors.Is(err, ErrOptimisticLock) {
			time.Sleep(RetryDelay)
			continue
		}
		return nil, err
	}
	return nil, ErrOptimisticLock
}

func (s *PostgresStore) mutateOnce(ctx context.Context, walletID string, fn MutateFn) (*Wallet, error) {
	w, err := s.Get(ctx, walletID)
	if err != nil {
		return nil, err
	}

	next := *w
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.recalculate()
	if err := next.validate(); err != nil {
		return nil, err
	}

	result := s.db.WithContext(ctx).Model(&Wallet{}).
		Where("wallet_id = ? AND version = ?", w.WalletID, w.Version).
		Updates(map[string]interface{}{
			"balance":              next.Balance,
			"escrow_balance":       next.EscrowBalance,
			"withdrawable_balance": next.WithdrawableBalance,
			"frozen_balance":       next.FrozenBalance,
			"version":              gorm.Expr("version + 1"),
			"updated_at":           time.Now(),
		})
	if result.Error != nil {
		return nil, result.Error
	}
	if result.RowsAffected == 0 {
		return nil, ErrOptimisticLock
	}
	next.Version++
	return &next, nil
}

// MutatePair runs both halves inside one database transaction, locking the two
// rows FOR UPDATE in ascending wallet id order.
func (s *PostgresStore) MutatePair(ctx context.Context, walletIDA, walletIDB string, fn PairMutateFn) error {
	if walletIDA == walletIDB {
		_, err := s.Mutate(ctx, walletIDA, func(w *Wallet) error {
			return fn(w, w)
		})
		return err
	}

	first, second := walletIDA, walletIDB
	if second < first {
		first, second = second, first
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		lockOne := func(id string) (*Wallet, error) {
			var w Wallet
			err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("wallet_id = ?", id).First(&w).Error
			if err != nil {
				if errors.Is(err, gorm.ErrRecordNotFound) {
					return nil, ErrWalletNotFound
				}
				return nil, fmt.Errorf("failed to lock wallet: %w", err)
			}
			return &w, nil
		}

		wFirst, err := lockOne(first)
		if err != nil {
			return err
		}
		wSecond, err := lockOne(second)
		if err != nil {
			return err
		}

		a, b := wFirst, wSecond
		if first != walletIDA {
			a, b = wSecond, wFirst
		}

		if err := fn(a, b); err != nil {
			return err
		}
		for _, w := range []*Wallet{a, b} {
			w.recalculate()
			if err := w.validate(); err != nil {
				return err
			}
			result := tx.Model(&Wallet{}).
				Where("wallet_id = ?", w.WalletID).
				Updates(map[string]interface{}{
					"balance":              w.Balance,
					"escrow_balance":       w.EscrowBalance,
					"withdrawable_balance": w.WithdrawableBalance,
					"frozen_balance":       w.FrozenBalance,
					"version":              gorm.Expr("version + 1"),
					"updated_at":           time.Now(),
				})
			if result.Error != nil {
				return result.Error
			}
			if result.RowsAffected == 0 {
				return ErrWalletNotFound
			}
		}
		return nil
	})
}
