package account

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a thread-safe in-process Store for development and tests.
type MemoryStore struct {
	role     Role
	mu       sync.RWMutex
	accounts map[uuid.UUID]*Account
	byEmail  map[string]uuid.UUID
}

func NewMemoryStore(role Role) *MemoryStore {
	return &MemoryStore{
		role:     role,
		accounts: make(map[uuid.UUID]*Account),
		byEmail:  make(map[string]uuid.UUID),
	}
}

// NewMemoryRegistry builds a registry with one in-memory store per role.
func NewMemoryRegistry() *Registry {
	stores := make([]Store, 0, len(Roles))
	for _, role := range Roles {
		stores = append(stores, NewMemoryStore(role))
	}
	return NewRegistry(stores...)
}

func (s *MemoryStore) Role() Role { return s.role }

func (s *MemoryStore) Create(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := NormalizeEmail(a.Email)
	if _, taken := s.byEmail[email]; taken {
		return ErrDuplicateEmail
	}
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	now := time.Now().UTC()
	a.Email = email
	a.Role = s.role
	a.CreatedAt, a.UpdatedAt = now, now

	s.accounts[a.ID] = a.Clone()
	s.byEmail[email] = a.ID
	return nil
}

func (s *MemoryStore) GetByID(_ context.Context, id uuid.UUID) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.accounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Sanitized(), nil
}

func (s *MemoryStore) GetByEmail(ctx context.Context, email string) (*Account, error) {
	a, err := s.GetByEmailWithSecret(ctx, email)
	if err != nil {
		return nil, err
	}
	a.PasswordHash = nil
	return a, nil
}

func (s *MemoryStore) GetByEmailWithSecret(_ context.Context, email string) (*Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byEmail[NormalizeEmail(email)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.accounts[id].Clone(), nil
}

func (s *MemoryStore) Update(_ context.Context, a *Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[a.ID]
	if !ok {
		return ErrNotFound
	}
	next := a.Clone()
	next.Email = cur.Email
	next.Role = s.role
	next.PasswordHash = cur.PasswordHash
	next.CreatedAt = cur.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	a.UpdatedAt = next.UpdatedAt
	s.accounts[a.ID] = next
	return nil
}

func (s *MemoryStore) UpdatePassword(_ context.Context, id uuid.UUID, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.accounts[id]
	if !ok {
		return ErrNotFound
	}
	cur.PasswordHash = &hash
	cur.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) Search(_ context.Context, q SearchQuery) ([]*Account, int, error) {
	s.mu.RLock()
	var matched []*Account
	text := strings.ToLower(strings.TrimSpace(q.Text))
	for _, a := range s.accounts {
		if !matchesStatus(a, q.Statuses) {
			continue
		}
		if text != "" && !strings.Contains(strings.ToLower(a.Name), text) && !strings.Contains(a.Email, text) {
			continue
		}
		matched = append(matched, a.Sanitized())
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool {
		if matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].Email < matched[j].Email
		}
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if q.Offset >= total {
		return []*Account{}, total, nil
	}
	end := total
	if q.Limit > 0 && q.Offset+q.Limit < total {
		end = q.Offset + q.Limit
	}
	return matched[q.Offset:end], total, nil
}

func matchesStatus(a *Account, statuses []ReviewStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if a.Status() == s {
			return true
		}
	}
	return false
}
