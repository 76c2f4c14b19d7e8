package invoice

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory invoice store for development and tests.
type MemoryStore struct {
	records  map[string]*Record
	paidWith map[string]string // payment tx ref → invoice id
	mu       sync.RWMutex
}

// NewMemoryStore creates a new in-memory invoice store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]*Record),
		paidWith: make(map[string]string),
	}
}

func (m *MemoryStore) Create(ctx context.Context, rec *Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.records[rec.ID]; ok {
		return ErrDuplicate
	}
	m.records[rec.ID] = rec.clone()
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, id string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.clone(), nil
}

func (m *MemoryStore) ListByUser(ctx context.Context, userID int64, filter ListFilter) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Record
	for _, rec := range m.records {
		if !matchesRole(rec, userID, filter.Role) {
			continue
		}
		if !filter.Cursor.After(rec.CreatedAt, rec.ID) {
			continue
		}
		result = append(result, rec.clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID > result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func matchesRole(rec *Record, userID int64, role Role) bool {
	switch role {
	case RoleIssuer:
		return rec.IsIssuer(userID)
	case RolePayer:
		return rec.IsPayer(userID)
	default:
		return rec.IsIssuer(userID) || rec.IsPayer(userID)
	}
}

func (m *MemoryStore) RecordPayment(ctx context.Context, id string, payment Payment, payout *Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Payment != nil {
		return fmt.Errorf("%w: payment already recorded", ErrInvalidState)
	}
	if other, used := m.paidWith[payment.TxRef]; used && other != id {
		return ErrDuplicate
	}
	next := rec.clone()
	next.Payment = &payment
	if payout != nil {
		p := *payout
		next.Payout = &p
	}
	next.UpdatedAt = payment.RecordedAt
	if err := next.Validate(); err != nil {
		return err
	}
	m.records[id] = next
	m.paidWith[payment.TxRef] = id
	return nil
}

func (m *MemoryStore) SetConfirmed(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Payment == nil || rec.Confirmation != ConfirmationPending {
		return fmt.Errorf("%w: nothing to confirm", ErrInvalidState)
	}
	next := rec.clone()
	next.Confirmation = ConfirmationConfirmed
	next.ConfirmedAt = &at
	next.UpdatedAt = at
	m.records[id] = next
	return nil
}

func (m *MemoryStore) SetPayout(ctx context.Context, id string, payout Payout, confirmation Confirmation) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Payout != nil {
		return ErrAlreadySettled
	}
	next := rec.clone()
	next.Payout = &payout
	next.Confirmation = confirmation
	next.UpdatedAt = payout.SettledAt
	if err := next.Validate(); err != nil {
		return err
	}
	m.records[id] = next
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ErrNotFound
	}
	if rec.Payment != nil || rec.Payout != nil {
		return fmt.Errorf("%w: paid invoices cannot be deleted", ErrInvalidState)
	}
	delete(m.records, id)
	return nil
}
