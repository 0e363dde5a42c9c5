package store

import (
	"context"
	"maps"
	"slices"
	"sync"

	"linkage/internal/contact/models"
	"linkage/pkg/platform/sentinel"
	"linkage/pkg/requestcontext"
)

// InMemory keeps contacts in a map. Stored contacts are never mutated in
// place, so a transaction snapshot is a shallow copy of the map.
type InMemory struct {
	mu       sync.RWMutex
	txMu     sync.Mutex
	contacts map[int64]*models.Contact
	nextID   int64
}

// NewInMemory creates an empty store. IDs start at 1.
func NewInMemory() *InMemory {
	return &InMemory{contacts: make(map[int64]*models.Contact), nextID: 1}
}

// Query returns matching contacts ordered by CreatedAt, then ID.
func (s *InMemory) Query(_ context.Context, filter models.Filter) ([]*models.Contact, error) {
	if filter.IsEmpty() {
		return []*models.Contact{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Contact, 0)
	for _, c := range s.contacts {
		if filter.Matches(c) {
			out = append(out, c.Clone())
		}
	}
	slices.SortFunc(out, func(a, b *models.Contact) int {
		if a.Precedes(b) {
			return -1
		}
		if b.Precedes(a) {
			return 1
		}
		return 0
	})
	return out, nil
}

// Create assigns the next ID and stores a copy of contact.
func (s *InMemory) Create(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	if contact == nil {
		return nil, sentinel.ErrInvalidState
	}
	stored := contact.Clone()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = requestcontext.Now(ctx)
	}
	if stored.UpdatedAt.IsZero() {
		stored.UpdatedAt = stored.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	stored.ID = s.nextID
	s.nextID++
	s.contacts[stored.ID] = stored
	return stored.Clone(), nil
}

// Update applies the non-nil fields of update to contact id.
func (s *InMemory) Update(_ context.Context, id int64, update models.ContactUpdate) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.contacts[id]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	next := current.Clone()
	next.Apply(update)
	s.contacts[id] = next
	return next.Clone(), nil
}

// SoftDelete marks a contact deleted so matching ignores it.
func (s *InMemory) SoftDelete(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.contacts[id]
	if !ok {
		return sentinel.ErrNotFound
	}
	next := current.Clone()
	now := requestcontext.Now(ctx)
	next.DeletedAt = &now
	s.contacts[id] = next
	return nil
}

// RunInTx serializes transactions and restores the pre-transaction state
// when fn fails. Writes made outside RunInTx during a failed transaction are
// discarded with it.
func (s *InMemory) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.RLock()
	snapshot := maps.Clone(s.contacts)
	nextID := s.nextID
	s.mu.RUnlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.contacts = snapshot
		s.nextID = nextID
		s.mu.Unlock()
		return err
	}
	return nil
}

// Count returns the number of stored contacts, deleted included.
func (s *InMemory) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contacts), nil
}
