package wallet

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrWalletNotFound     = errors.New("wallet not found")
	ErrWalletExists       = errors.New("wallet already exists for owner")
	ErrInvariantViolation = errors.New("wallet balance invariant violated")
	ErrOptimisticLock     = errors.New("optimistic lock error")
)

// MutateFn adjusts the bucket balances of a wallet. The store recomputes the
// total and re-validates the invariant before committing; the function must
// never assign Balance itself.
type MutateFn func(w *Wallet) error

// PairMutateFn adjusts two wallets as one atomic step. When both halves touch
// the same wallet the store passes the same pointer twice.
type PairMutateFn func(a, b *Wallet) error

type Store interface {
	Get(ctx context.Context, walletID string) (*Wallet, error)
	GetByOwner(ctx context.Context, ownerID string) (*Wallet, error)
	Create(ctx context.Context, ownerID string) (*Wallet, error)
	Mutate(ctx context.Context, walletID string, fn MutateFn) (*Wallet, error)
	MutatePair(ctx context.Context, walletIDA, walletIDB string, fn PairMutateFn) error
}

type MemoryStore struct {
	mu      sync.Mutex
	wallets map[string]*walletEntry
	byOwner map[string]string
}

type walletEntry struct {
	mu sync.Mutex
	w  Wallet
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		wallets: make(map[string]*walletEntry),
		byOwner: make(map[string]string),
	}
}

func (s *MemoryStore) entry(walletID string) (*walletEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.wallets[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return e, nil
}

func (s *MemoryStore) Get(_ context.Context, walletID string) (*Wallet, error) {
	e, err := s.entry(walletID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	w := e.w
	return &w, nil
}

func (s *MemoryStore) GetByOwner(ctx context.Context, ownerID string) (*Wallet, error) {
	s.mu.Lock()
	id, ok := s.byOwner[ownerID]
	s.mu.Unlock()
	if !ok {
		return nil, ErrWalletNotFound
	}
	return s.Get(ctx, id)
}

func (s *MemoryStore) Create(_ context.Context, ownerID string) (*Wallet, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byOwner[ownerID]; ok {
		return nil, ErrWalletExists
	}
	now := time.Now()
	w := Wallet{
		WalletID:  uuid.NewString(),
		OwnerID:   ownerID,
		Version:   1,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.wallets[w.WalletID] = &walletEntry{w: w}
	s.byOwner[ownerID] = w.WalletID
	out := w
	return &out, nil
}

func (s *MemoryStore) Mutate(_ context.Context, walletID string, fn MutateFn) (*Wallet, error) {
	e, err := s.entry(walletID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.w
	if err := fn(&next); err != nil {
		return nil, err
	}
	next.recalculate()
	if err := next.validate(); err != nil {
		return nil, err
	}
	next.Version++
	next.UpdatedAt = time.Now()
	e.w = next
	out := next
	return &out, nil
}

// MutatePair locks both wallets in ascending wallet id order so that two
// concurrent transfers over the same pair cannot deadlock.
func (s *MemoryStore) MutatePair(ctx context.Context, walletIDA, walletIDB string, fn PairMutateFn) error {
	if walletIDA == walletIDB {
		_, err := s.Mutate(ctx, walletIDA, func(w *Wallet) error {
			return fn(w, w)
		})
		return err
	}

	ea, err := s.entry(walletIDA)
	if err != nil {
		return err
	}
	eb, err := s.entry(walletIDB)
	if err != nil {
		return err
	}

	// Order by the caller-supplied ids: reading the entry's wallet struct
	// here would race with a concurrent commit.
	ordered := []*walletEntry{ea, eb}
	if walletIDB < walletIDA {
		ordered[0], ordered[1] = eb, ea
	}
	for _, e := range ordered {
		e.mu.Lock()
	}
	defer func() {
		for _, e := range ordered {
			e.mu.Unlock()
		}
	}()

	nextA := ea.w
	nextB := eb.w
	if err := fn(&nextA, &nextB); err != nil {
		return err
	}
	nextA.recalculate()
	nextB.recalculate()
	if err := nextA.validate(); err != nil {
		return err
	}
	if err := nextB.validate(); err != nil {
		return err
	}
	now := time.Now()
	nextA.Version++
	nextA.UpdatedAt = now
	nextB.Version++
	nextB.UpdatedAt = now
	ea.w = nextA
	eb.w = nextB
	return nil
}
