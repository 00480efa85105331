package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

var ErrTransactionExists = errors.New("transaction already exists")

type Repository interface {
	// GetByID returns (nil, nil) when the transaction id has not been seen.
	GetByID(ctx context.Context, transactionID string) (*Transaction, error)
	Create(ctx context.Context, tx *Transaction) error
	// Update settles a transaction's status. It writes only when the stored
	// status still matches fromStatus, so two racing settlements of one
	// record cannot both win; the loser gets ErrTransactionNotPending.
	Update(ctx context.Context, tx *Transaction, fromStatus string) error
	Delete(ctx context.Context, transactionID string) error
	ListByBooking(ctx context.Context, bookingID string) ([]Transaction, error)
}

type MemoryRepository struct {
	mu           sync.Mutex
	transactions map[string]Transaction
	order        []string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{transactions: make(map[string]Transaction)}
}

func (r *MemoryRepository) GetByID(_ context.Context, transactionID string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.transactions[transactionID]
	if !ok {
		return nil, nil
	}
	out := tx
	return &out, nil
}

func (r *MemoryRepository) Create(_ context.Context, tx *Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.transactions[tx.TransactionID]; ok {
		return ErrTransactionExists
	}
	r.transactions[tx.TransactionID] = *tx
	r.order = append(r.order, tx.TransactionID)
	return nil
}

func (r *MemoryRepository) Update(_ context.Context, tx *Transaction, fromStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.transactions[tx.TransactionID]
	if !ok {
		return fmt.Errorf("transaction %s not found", tx.TransactionID)
	}
	if stored.Status != fromStatus {
		return ErrTransactionNotPending
	}
	r.transactions[tx.TransactionID] = *tx
	return nil
}

func (r *MemoryRepository) Delete(_ context.Context, transactionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transactions, transactionID)
	return nil
}

func (r *MemoryRepository) ListByBooking(_ context.Context, bookingID string) ([]Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Transaction
	for _, id := range r.order {
		tx, ok := r.transactions[id]
		if !ok {
			continue
		}
		if tx.BookingID != nil && *tx.BookingID == bookingID {
			out = append(out, tx)
		}
	}
	return out, nil
}

type PostgresRepository struct {
	db *gorm.DB
}

func NewPostgresRepository(db *gorm.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) GetByID(ctx context.Context, transactionID string) (*Transaction, error) {
	var tx Transaction
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).First(&tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return &tx, nil
}

func (r *PostgresRepository) Create(ctx context.Context, tx *Transaction) error {
	err := r.db.WithContext(ctx).Create(tx).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return ErrTransactionExists
		}
		return fmt.Errorf("failed to create transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, tx *Transaction, fromStatus string) error {
	result := r.db.WithContext(ctx).Model(&Transaction{}).
		Where("transaction_id = ? AND status = ?", tx.TransactionID, fromStatus).
		Updates(map[string]interface{}{
			"status":       tx.Status,
			"completed_at": tx.CompletedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update transaction: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrTransactionNotPending
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, transactionID string) error {
	err := r.db.WithContext(ctx).Where("transaction_id = ?", transactionID).Delete(&Transaction{}).Error
	if err != nil {
		return fmt.Errorf("failed to delete transaction: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListByBooking(ctx context.Context, bookingID string) ([]Transaction, error) {
	var out []Transaction
	err := r.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Order("created_at ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	return out, nil
}
