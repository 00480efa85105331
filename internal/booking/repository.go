package booking

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"gorm.io/gorm"
)

var (
	ErrBookingNotFound   = errors.New("booking not found")
	ErrMilestoneNotFound = errors.New("milestone not found")
	ErrDisputeNotFound   = errors.New("dispute not found")
)

// Repository persists booking state. The Update methods are guarded by the
// status the caller read: when the stored status no longer matches, nothing is
// written and ErrInvalidStateTransition comes back, so two racing transitions
// on one record cannot both apply.
type Repository interface {
	CreateBooking(ctx context.Context, b *Booking) error
	GetBooking(ctx context.Context, bookingID string) (*Booking, error)
	UpdateBooking(ctx context.Context, b *Booking, fromStatus string) error

	AddParticipant(ctx context.Context, p *BookingParticipant) error
	UpdateParticipant(ctx context.Context, p *BookingParticipant) error
	ListParticipants(ctx context.Context, bookingID string) ([]BookingParticipant, error)

	CreateMilestone(ctx context.Context, m *BookingMilestone) error
	GetMilestone(ctx context.Context, milestoneID string) (*BookingMilestone, error)
	UpdateMilestone(ctx context.Context, m *BookingMilestone, fromStatus string) error
	ListMilestones(ctx context.Context, bookingID string) ([]BookingMilestone, error)

	CreateDispute(ctx context.Context, d *Dispute) error
	GetDispute(ctx context.Context, disputeID string) (*Dispute, error)
	UpdateDispute(ctx context.Context, d *Dispute, fromStatus string) error
}

type MemoryRepository struct {
	mu           sync.RWMutex
	bookings     map[string]Booking
	participants map[string][]BookingParticipant
	milestones   map[string]BookingMilestone
	byBooking    map[string][]string
	disputes     map[string]Dispute
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		bookings:     make(map[string]Booking),
		participants: make(map[string][]BookingParticipant),
		milestones:   make(map[string]BookingMilestone),
		byBooking:    make(map[string][]string),
		disputes:     make(map[string]Dispute),
	}
}

func (r *MemoryRepository) CreateBooking(_ context.Context, b *Booking) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bookings[b.BookingID] = *b
	return nil
}

func (r *MemoryRepository) GetBooking(_ context.Context, bookingID string) (*Booking, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.bookings[bookingID]
	if !ok {
		return nil, ErrBookingNotFound
	}
	out := b
	return &out, nil
}

func (r *MemoryRepository) UpdateBooking(_ context.Context, b *Booking, fromStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.bookings[b.BookingID]
	if !ok {
		return ErrBookingNotFound
	}
	if stored.Status != fromStatus {
		return ErrInvalidStateTransition
	}
	r.bookings[b.BookingID] = *b
	return nil
}

func (r *MemoryRepository) AddParticipant(_ context.Context, p *BookingParticipant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.participants[p.BookingID] = append(r.participants[p.BookingID], *p)
	return nil
}

func (r *MemoryRepository) UpdateParticipant(_ context.Context, p *BookingParticipant) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := r.participants[p.BookingID]
	for i := range list {
		if list[i].ParticipantID == p.ParticipantID {
			list[i] = *p
			return nil
		}
	}
	return fmt.Errorf("participant %s not found", p.ParticipantID)
}

func (r *MemoryRepository) ListParticipants(_ context.Context, bookingID string) ([]BookingParticipant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]BookingParticipant, len(r.participants[bookingID]))
	copy(out, r.participants[bookingID])
	return out, nil
}

func (r *MemoryRepository) CreateMilestone(_ context.Context, m *BookingMilestone) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.milestones[m.MilestoneID] = *m
	r.byBooking[m.BookingID] = append(r.byBooking[m.BookingID], m.MilestoneID)
	return nil
}

func (r *MemoryRepository) GetMilestone(_ context.Context, milestoneID string) (*BookingMilestone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.milestones[milestoneID]
	if !ok {
		return nil, ErrMilestoneNotFound
	}
	out := m
	return &out, nil
}

func (r *MemoryRepository) UpdateMilestone(_ context.Context, m *BookingMilestone, fromStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.milestones[m.MilestoneID]
	if !ok {
		return ErrMilestoneNotFound
	}
	if stored.Status != fromStatus {
		return ErrInvalidStateTransition
	}
	r.milestones[m.MilestoneID] = *m
	return nil
}

func (r *MemoryRepository) ListMilestones(_ context.Context, bookingID string) ([]BookingMilestone, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.byBooking[bookingID]
	out := make([]BookingMilestone, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.milestones[id])
	}
	return out, nil
}

func (r *MemoryRepository) CreateDispute(_ context.Context, d *Dispute) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.disputes[d.DisputeID] = *d
	return nil
}

func (r *MemoryRepository) GetDispute(_ context.Context, disputeID string) (*Dispute, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.disputes[disputeID]
	if !ok {
		return nil, ErrDisputeNotFound
	}
	out := d
	return &out, nil
}

func (r *MemoryRepository) UpdateDispute(_ context.Context, d *Dispute, fromStatus string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.disputes[d.DisputeID]
	if !ok {
		return ErrDisputeNotFound
	}
	if stored.Status != fromStatus {
		return ErrInvalidStateTransition
	}
	r.disputes[d.DisputeID] = *d
	return nil
}

type PostgresRepository struct {
	db *gorm.DB
}

func NewPostgresRepository(db *gorm.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) CreateBooking(ctx context.Context, b *Booking) error {
	if err := r.db.WithContext(ctx).Create(b).Error; err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetBooking(ctx context.Context, bookingID string) (*Booking, error) {
	var b Booking
	err := r.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &b, nil
}

func (r *PostgresRepository) UpdateBooking(ctx context.Context, b *Booking, fromStatus string) error {
	result := r.db.WithContext(ctx).Model(&Booking{}).
		Where("booking_id = ? AND status = ?", b.BookingID, fromStatus).
		Updates(map[string]interface{}{
			"status":           b.Status,
			"escrow_remaining": b.EscrowRemaining,
			"end_time":         b.EndTime,
			"updated_at":       b.UpdatedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update booking: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		// The booking was read moments ago; zero rows means another
		// transition won the race.
		return ErrInvalidStateTransition
	}
	return nil
}

func (r *PostgresRepository) AddParticipant(ctx context.Context, p *BookingParticipant) error {
	if err := r.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}
	return nil
}

func (r *PostgresRepository) UpdateParticipant(ctx context.Context, p *BookingParticipant) error {
	result := r.db.WithContext(ctx).Model(&BookingParticipant{}).
		Where("participant_id = ?", p.ParticipantID).
		Updates(map[string]interface{}{
			"hours_logged": p.HoursLogged,
			"status":       p.Status,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update participant: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("participant %s not found", p.ParticipantID)
	}
	return nil
}

func (r *PostgresRepository) ListParticipants(ctx context.Context, bookingID string) ([]BookingParticipant, error) {
	var out []BookingParticipant
	err := r.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Order("participant_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list participants: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) CreateMilestone(ctx context.Context, m *BookingMilestone) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return fmt.Errorf("failed to create milestone: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetMilestone(ctx context.Context, milestoneID string) (*BookingMilestone, error) {
	var m BookingMilestone
	err := r.db.WithContext(ctx).Where("milestone_id = ?", milestoneID).First(&m).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrMilestoneNotFound
		}
		return nil, fmt.Errorf("failed to get milestone: %w", err)
	}
	return &m, nil
}

func (r *PostgresRepository) UpdateMilestone(ctx context.Context, m *BookingMilestone, fromStatus string) error {
	result := r.db.WithContext(ctx).Model(&BookingMilestone{}).
		Where("milestone_id = ? AND status = ?", m.MilestoneID, fromStatus).
		Updates(map[string]interface{}{
			"status":    m.Status,
			"proof_url": m.ProofURL,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update milestone: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidStateTransition
	}
	return nil
}

func (r *PostgresRepository) ListMilestones(ctx context.Context, bookingID string) ([]BookingMilestone, error) {
	var out []BookingMilestone
	err := r.db.WithContext(ctx).
		Where("booking_id = ?", bookingID).
		Order("milestone_id ASC").
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list milestones: %w", err)
	}
	return out, nil
}

func (r *PostgresRepository) CreateDispute(ctx context.Context, d *Dispute) error {
	if err := r.db.WithContext(ctx).Create(d).Error; err != nil {
		return fmt.Errorf("failed to create dispute: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetDispute(ctx context.Context, disputeID string) (*Dispute, error) {
	var d Dispute
	err := r.db.WithContext(ctx).Where("dispute_id = ?", disputeID).First(&d).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrDisputeNotFound
		}
		return nil, fmt.Errorf("failed to get dispute: %w", err)
	}
	return &d, nil
}

func (r *PostgresRepository) UpdateDispute(ctx context.Context, d *Dispute, fromStatus string) error {
	result := r.db.WithContext(ctx).Model(&Dispute{}).
		Where("dispute_id = ? AND status = ?", d.DisputeID, fromStatus).
		Updates(map[string]interface{}{
			"status":      d.Status,
			"resolved_at": d.ResolvedAt,
		})
	if result.Error != nil {
		return fmt.Errorf("failed to update dispute: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrInvalidStateTransition
	}
	return nil
}
