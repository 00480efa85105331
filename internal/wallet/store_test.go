package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/go-jose/go-jose/v4/testutils/assert"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func setUpWallet(t *testing.T, store *MemoryStore, withdrawable decimal.Decimal) *Wallet {
	w, err := store.Create(context.Background(), uuid.NewString())
	require.NoError(t, err)

	if withdrawable.GreaterThan(decimal.Zero) {
		w, err = store.Mutate(context.Background(), w.WalletID, func(w *Wallet) error {
			w.WithdrawableBalance = w.WithdrawableBalance.Add(withdrawable)
			return nil
		})
		assert.NoError(t, err)
	}
	return w
}

func TestCreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	ownerID := uuid.NewString()

	w, err := store.Create(context.Background(), ownerID)
	require.NoError(t, err)
	require.Equal(t, ownerID, w.OwnerID)
	require.True(t, w.Balance.IsZero())

	got, err := store.Get(context.Background(), w.WalletID)
	require.NoError(t, err)
	require.Equal(t, w.WalletID, got.WalletID)

	byOwner, err := store.GetByOwner(context.Background(), ownerID)
	require.NoError(t, err)
	require.Equal(t, w.WalletID, byOwner.WalletID)

	_, err = store.Create(context.Background(), ownerID)
	require.ErrorIs(t, err, ErrWalletExists)

	_, err = store.Get(context.Background(), uuid.NewString())
	require.ErrorIs(t, err, ErrWalletNotFound)
}

func TestMutateRecomputesTotal(t *testing.T) {
	store := NewMemoryStore()
	w := setUpWallet(t, store, decimal.Zero)

	updated, err := store.Mutate(context.Background(), w.WalletID, func(w *Wallet) error {
		w.EscrowBalance = decimal.NewFromInt(100)
		w.WithdrawableBalance = decimal.NewFromInt(40)
		w.FrozenBalance = decimal.NewFromInt(10)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, decimal.NewFromInt(150).String(), updated.Balance.String())
	require.Equal(t, 2, updated.Version)
}

func TestMutateRejectsNegativeBucket(t *testing.T) {
	store := NewMemoryStore()
	w := setUpWallet(t, store, decimal.NewFromInt(50))

	_, err := store.Mutate(context.Background(), w.WalletID, func(w *Wallet) error {
		w.WithdrawableBalance = w.WithdrawableBalance.Sub(decimal.NewFromInt(80))
		return nil
	})
	require.ErrorIs(t, err, ErrInvariantViolation)

	// Nothing committed.
	got, err := store.Get(context.Background(), w.WalletID)
	require.NoError(t, err)
	require.Equal(t, decimal.NewFromInt(50).String(), got.WithdrawableBalance.String())
	require.Equal(t, w.Version, got.Version)
}

func TestMutatePairAtomic(t *testing.T) {
	store := NewMemoryStore()
	a := setUpWallet(t, store, decimal.NewFromInt(30))
	b := setUpWallet(t, store, decimal.Zero)

	// The credit half fails, so the debit half must not stick either.
	err := store.MutatePair(context.Background(), a.WalletID, b.WalletID, func(a, b *Wallet) error {
		a.WithdrawableBalance = a.WithdrawableBalance.Sub(decimal.NewFromInt(30))
		b.WithdrawableBalance = b.WithdrawableBalance.Sub(decimal.NewFromInt(1))
		return nil
	})
	require.ErrorIs(t, err, ErrInvariantViolation)

	gotA, err := store.Get(context.Background(), a.WalletID)
	require.NoError(t, err)
	require.Equal(t, decimal.NewFromInt(30).String(), gotA.WithdrawableBalance.String())
	gotB, err := store.Get(context.Background(), b.WalletID)
	require.NoError(t, err)
	require.True(t, gotB.WithdrawableBalance.IsZero())
}

func TestMutatePairSameWallet(t *testing.T) {
	store := NewMemoryStore()
	w := setUpWallet(t, store, decimal.NewFromInt(100))

	err := store.MutatePair(context.Background(), w.WalletID, w.WalletID, func(a, b *Wallet) error {
		a.WithdrawableBalance = a.WithdrawableBalance.Sub(decimal.NewFromInt(60))
		b.EscrowBalance = b.EscrowBalance.Add(decimal.NewFromInt(60))
		return nil
	})
	require.NoError(t, err)

	got, err := store.Get(context.Background(), w.WalletID)
	require.NoError(t, err)
	require.Equal(t, decimal.NewFromInt(40).String(), got.WithdrawableBalance.String())
	require.Equal(t, decimal.NewFromInt(60).String(), got.EscrowBalance.String())
	require.Equal(t, decimal.NewFromInt(100).String(), got.Balance.String())
}

func TestConcurrentMutationsSerialize(t *testing.T) {
	store := NewMemoryStore()
	w := setUpWallet(t, store, decimal.Zero)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Mutate(context.Background(), w.WalletID, func(w *Wallet) error {
				w.WithdrawableBalance = w.WithdrawableBalance.Add(decimal.NewFromInt(1))
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	got, err := store.Get(context.Background(), w.WalletID)
	require.NoError(t, err)
	require.Equal(t, decimal.NewFromInt(50).String(), got.Balance.String())
}

func TestConcurrentOpposingTransfersNoDeadlock(t *testing.T) {
	store := NewMemoryStore()
	a := setUpWallet(t, store, decimal.NewFromInt(1000))
	b := setUpWallet(t, store, decimal.NewFromInt(1000))

	transfer := func(from, to string) {
		_ = store.MutatePair(context.Background(), from, to, func(src, dst *Wallet) error {
			src.WithdrawableBalance = src.WithdrawableBalance.Sub(decimal.NewFromInt(1))
			dst.WithdrawableBalance = dst.WithdrawableBalance.Add(decimal.NewFromInt(1))
			return nil
		})
	}

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(3)
		go func() {
			defer wg.Done()
			transfer(a.WalletID, b.WalletID)
		}()
		go func() {
			defer wg.Done()
			transfer(b.WalletID, a.WalletID)
		}()
		// Single-wallet commits interleave with the pair lock ordering.
		go func() {
			defer wg.Done()
			_, err := store.Mutate(context.Background(), a.WalletID, func(w *Wallet) error {
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	gotA, err := store.Get(context.Background(), a.WalletID)
	require.NoError(t, err)
	gotB, err := store.Get(context.Background(), b.WalletID)
	require.NoError(t, err)
	require.Equal(t, decimal.NewFromInt(2000).String(), gotA.Balance.Add(gotB.Balance).String())
}
