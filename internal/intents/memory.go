package intents

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps intents in process memory. The mutex stands in for the storage-level
// conditional write, so it only guards competitors inside one process; it backs local runs
// and tests.
type MemoryStore struct {
	mu        sync.Mutex
	intents   map[string]*CheckoutIntent
	bySession map[string]string
	nowFunc   func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		intents:   map[string]*CheckoutIntent{},
		bySession: map[string]string{},
		nowFunc:   time.Now,
	}
}

// SetClock overrides the time source.
func (s *MemoryStore) SetClock(now func() time.Time) { s.nowFunc = now }

func (s *MemoryStore) RecordIntent(ctx context.Context, in NewIntent) (*CheckoutIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.nowFunc().UTC()

	if in.CheckoutSessionID != "" {
		if id, ok := s.bySession[in.CheckoutSessionID]; ok {
			existing := s.intents[id]
			if existing.Status == StatusPending {
				existing.AmountCents = in.AmountCents
				existing.Currency = in.Currency
				existing.Locale = in.Locale
				existing.Metadata = in.Metadata
				existing.ExpiresAt = now.Add(ExpiryWindow)
				existing.UpdatedAt = now
			}
			return clone(existing), nil
		}
	}

	ci := &CheckoutIntent{
		IntentID:          uuid.NewString(),
		ReferenceID:       in.ReferenceID,
		CheckoutSessionID: in.CheckoutSessionID,
		AmountCents:       in.AmountCents,
		Currency:          in.Currency,
		Locale:            in.Locale,
		Status:            StatusPending,
		Metadata:          in.Metadata,
		ExpiresAt:         now.Add(ExpiryWindow),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	s.intents[ci.IntentID] = ci
	if ci.CheckoutSessionID != "" {
		s.bySession[ci.CheckoutSessionID] = ci.IntentID
	}
	return clone(ci), nil
}

func (s *MemoryStore) Get(ctx context.Context, intentID string) (*CheckoutIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ci, ok := s.intents[intentID]
	if !ok {
		return nil, nil
	}
	return clone(ci), nil
}

func (s *MemoryStore) FindByIdentifiers(ctx context.Context, checkoutSessionID, referenceID string) (*CheckoutIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if checkoutSessionID != "" {
		if id, ok := s.bySession[checkoutSessionID]; ok {
			return clone(s.intents[id]), nil
		}
	}
	if referenceID == "" {
		return nil, nil
	}
	var matches []*CheckoutIntent
	for _, ci := range s.intents {
		if ci.ReferenceID == referenceID {
			matches = append(matches, ci)
		}
	}
	if len(matches) == 0 {
		return nil, nil
	}
	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	return clone(matches[0]), nil
}

func (s *MemoryStore) AttachSession(ctx context.Context, intentID, checkoutSessionID string) (*CheckoutIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ci, ok := s.intents[intentID]
	if !ok {
		return nil, ErrNotFound
	}
	if owner, taken := s.bySession[checkoutSessionID]; taken && owner != intentID {
		return nil, ErrSessionTaken
	}
	if ci.CheckoutSessionID != "" && ci.CheckoutSessionID != checkoutSessionID {
		return nil, ErrSessionTaken
	}
	ci.CheckoutSessionID = checkoutSessionID
	ci.UpdatedAt = s.nowFunc().UTC()
	s.bySession[checkoutSessionID] = intentID
	return clone(ci), nil
}

func (s *MemoryStore) ClaimProcessing(ctx context.Context, intentID string) (bool, error) {
	err := s.transition(intentID, StatusProcessing, nil)
	if err == ErrInvalidTransition {
		return false, nil
	}
	return err == nil, err
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, intentID, orderID, result string) error {
	return s.transition(intentID, StatusCompleted, func(ci *CheckoutIntent) error {
		if ci.OrderID != "" {
			return ErrInvalidTransition
		}
		ci.OrderID = orderID
		ci.Result = result
		return nil
	})
}

func (s *MemoryStore) MarkFailed(ctx context.Context, intentID, result string) error {
	return s.transition(intentID, StatusFailed, func(ci *CheckoutIntent) error {
		ci.Result = result
		return nil
	})
}

func (s *MemoryStore) MarkExpired(ctx context.Context, intentID string) error {
	return s.transition(intentID, StatusExpired, nil)
}

func (s *MemoryStore) ResetForRetry(ctx context.Context, intentID string) error {
	return s.transition(intentID, StatusPending, func(ci *CheckoutIntent) error {
		ci.ExpiresAt = s.nowFunc().UTC().Add(ExpiryWindow)
		ci.SweepAttempts = 0
		return nil
	})
}

func (s *MemoryStore) ListStuckProcessing(ctx context.Context, updatedBefore time.Time, limit int) ([]CheckoutIntent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []CheckoutIntent
	for _, ci := range s.intents {
		if ci.Status == StatusProcessing && ci.UpdatedAt.Before(updatedBefore) {
			out = append(out, *clone(ci))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) RecordSweepAttempt(ctx context.Context, intentID string, attempts int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ci, ok := s.intents[intentID]
	if !ok {
		return ErrNotFound
	}
	if ci.Status != StatusProcessing {
		return ErrInvalidTransition
	}
	ci.SweepAttempts = attempts
	ci.UpdatedAt = s.nowFunc().UTC()
	return nil
}

func (s *MemoryStore) transition(intentID string, to Status, mutate func(*CheckoutIntent) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ci, ok := s.intents[intentID]
	if !ok {
		return ErrNotFound
	}
	if !CanTransition(ci.Status, to) {
		return ErrInvalidTransition
	}
	next := *ci
	if mutate != nil {
		if err := mutate(&next); err != nil {
			return err
		}
	}
	next.Status = to
	next.UpdatedAt = s.nowFunc().UTC()
	*ci = next
	return nil
}

func clone(ci *CheckoutIntent) *CheckoutIntent {
	cp := *ci
	if ci.Metadata != nil {
		cp.Metadata = make(map[string]any, len(ci.Metadata))
		for k, v := range ci.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
