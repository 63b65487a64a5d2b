package otpstore

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	challenge Challenge
	deadline  time.Time
}

// MemoryStore is an in-process Store for development and tests.
type MemoryStore struct {
	mu         sync.Mutex
	challenges map[string]memoryEntry
	verified   map[string]time.Time
	now        func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		challenges: make(map[string]memoryEntry),
		verified:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// SetClock replaces the time source used for retention deadlines.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) Set(_ context.Context, c Challenge, retain time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[c.Email] = memoryEntry{challenge: c, deadline: s.now().Add(retain)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, email string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(email)
	if !ok {
		return nil, ErrNotFound
	}
	c := e.challenge
	return &c, nil
}

func (s *MemoryStore) Delete(_ context.Context, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.challenges, email)
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, email, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(email)
	if !ok || e.challenge.Code != code {
		return false, nil
	}
	delete(s.challenges, email)
	return true, nil
}

func (s *MemoryStore) MarkVerified(_ context.Context, v Verification, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.verified[v.key()] = s.now().Add(ttl)
	return nil
}

func (s *MemoryStore) TakeVerified(_ context.Context, v Verification) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.verified[v.key()]
	delete(s.verified, v.key())
	return ok && s.now().Before(deadline), nil
}

// live returns the entry for email, dropping it when past retention.
// Callers hold s.mu.
func (s *MemoryStore) live(email string) (memoryEntry, bool) {
	e, ok := s.challenges[email]
	if !ok {
		return memoryEntry{}, false
	}
	if s.now().After(e.deadline) {
		delete(s.challenges, email)
		return memoryEntry{}, false
	}
	return e, true
}
