package account

import (
	"context"
	"errors"
	"sort"

	"github.com/google/uuid"
)

var (
	ErrNotFound       = errors.New("account not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

// SearchQuery filters a role's accounts. An empty Statuses matches every
// status; Text matches name or email case-insensitively.
type SearchQuery struct {
	Statuses []ReviewStatus
	Text     string
	Limit    int
	Offset   int
}

// Store persists the accounts of a single role.
type Store interface {
	Role() Role
	Create(ctx context.Context, a *Account) error
	GetByID(ctx context.Context, id uuid.UUID) (*Account, error)
	// GetByEmail never populates PasswordHash.
	GetByEmail(ctx context.Context, email string) (*Account, error)
	GetByEmailWithSecret(ctx context.Context, email string) (*Account, error)
	// Update writes profile and review state. It does not touch the password.
	Update(ctx context.Context, a *Account) error
	UpdatePassword(ctx context.Context, id uuid.UUID, hash string) error
	Search(ctx context.Context, q SearchQuery) ([]*Account, int, error)
}

// Registry maps a role to the store holding its accounts.
type Registry struct {
	stores map[Role]Store
}

func NewRegistry(stores ...Store) *Registry {
	r := &Registry{stores: make(map[Role]Store, len(stores))}
	for _, s := range stores {
		r.stores[s.Role()] = s
	}
	return r
}

func (r *Registry) For(role Role) (Store, bool) {
	s, ok := r.stores[role]
	return s, ok
}

// Roles returns the registered roles in a stable order.
func (r *Registry) Roles() []Role {
	out := make([]Role, 0, len(r.stores))
	for role := range r.stores {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
