package payments

import (
	"context"
	"sync"
	"time"
)

type correlationKey struct {
	method        Method
	correlationID string
}

// MemoryStore is an in-process Store with the same CAS semantics as the
// Postgres one. Used by tests and single-node deployments.
type MemoryStore struct {
	mu       sync.Mutex
	attempts map[string]*PaymentAttempt
	byCorr   map[correlationKey]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[string]*PaymentAttempt),
		byCorr:   make(map[correlationKey]string),
	}
}

func (s *MemoryStore) Insert(_ context.Context, attempt *PaymentAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *attempt
	s.attempts[cp.ID] = &cp
	if cp.CorrelationID != "" {
		s.byCorr[correlationKey{cp.Method, cp.CorrelationID}] = cp.ID
	}
	return nil
}

func (s *MemoryStore) AttachCorrelation(_ context.Context, id, correlationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return ErrUnknownAttempt
	}
	if a.CorrelationID != "" {
		return ErrAlreadyAttached
	}
	a.CorrelationID = correlationID
	s.byCorr[correlationKey{a.Method, correlationID}] = id
	return nil
}

func (s *MemoryStore) TransitionIfPending(_ context.Context, correlationID string, method Method, status Status, resolvedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCorr[correlationKey{method, correlationID}]
	if !ok {
		return false, ErrUnknownAttempt
	}
	a := s.attempts[id]
	if a.Status != StatusPending {
		return false, nil
	}
	a.Status = status
	t := resolvedAt
	a.ResolvedAt = &t
	return true, nil
}

func (s *MemoryStore) GetByID(_ context.Context, id string) (*PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrUnknownAttempt
	}
	cp := *a
	return &cp, nil
}

func (s *MemoryStore) GetByCorrelation(_ context.Context, correlationID string, method Method) (*PaymentAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byCorr[correlationKey{method, correlationID}]
	if !ok {
		return nil, ErrUnknownAttempt
	}
	cp := *s.attempts[id]
	return &cp, nil
}

// Len reports the number of stored attempts. Tests use it to assert that
// unknown notifications never create records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.attempts)
}
