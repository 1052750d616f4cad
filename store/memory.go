package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	facilitator "github.com/apitoll/facilitator"
)

// MemoryStore is an in-process Repository. It survives nothing but is useful
// for development and as the backing store of tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]facilitator.PaymentRecord
}

// NewMemoryStore creates an empty in-memory repository.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]facilitator.PaymentRecord),
	}
}

func (s *MemoryStore) Save(ctx context.Context, record facilitator.PaymentRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[record.ID]; ok && !writable(existing) {
		return nil
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (facilitator.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return facilitator.PaymentRecord{}, fmt.Errorf("%w: %s", facilitator.ErrPaymentNotFound, id)
	}
	return record.Clone(), nil
}

func (s *MemoryStore) ListNonTerminal(ctx context.Context) ([]facilitator.PaymentRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []facilitator.PaymentRecord
	for _, record := range s.records {
		if !record.Status.IsTerminal() {
			out = append(out, record.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

var _ facilitator.Repository = (*MemoryStore)(nil)
