package account

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRole(t *testing.T) {
	tests := map[string]Role{
		"patient":     RolePatient,
		" Doctor ":    RoleDoctor,
		"admin":       RoleAdmin,
		"hospital":    RoleAdmin,
		"superadmin":  RoleSuperAdmin,
		"Super-Admin": RoleSuperAdmin,
	}
	for in, want := range tests {
		got, err := ParseRole(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseRole("nurse")
	assert.Error(t, err)
}

func TestRole_Reviewed(t *testing.T) {
	assert.True(t, RoleDoctor.Reviewed())
	assert.True(t, RoleAdmin.Reviewed())
	assert.False(t, RolePatient.Reviewed())
	assert.False(t, RoleSuperAdmin.Reviewed())
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "a@x.com", NormalizeEmail("  A@X.com\t"))
}

func TestAccount_JSONNeverCarriesHash(t *testing.T) {
	h := "$2a$10$secret"
	a := &Account{ID: uuid.New(), Email: "a@x.com", PasswordHash: &h}

	b, err := json.Marshal(a)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "secret")
	assert.NotContains(t, string(b), "password")
}

func TestAccount_SanitizedIsDeepCopy(t *testing.T) {
	h := "hash"
	reason := "blurry"
	a := &Account{PasswordHash: &h, RejectionReason: &reason, Profile: map[string]string{"k": "v"}}

	s := a.Sanitized()
	assert.Nil(t, s.PasswordHash)
	assert.NotNil(t, a.PasswordHash, "original keeps its hash")

	*s.RejectionReason = "changed"
	s.Profile["k"] = "changed"
	assert.Equal(t, "blurry", *a.RejectionReason)
	assert.Equal(t, "v", a.Profile["k"])
}

func TestBcryptHasher(t *testing.T) {
	h := NewBcryptHasher(4)

	hash, err := h.Hash("s3cret!")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret!", hash)
	assert.True(t, h.Verify("s3cret!", hash))
	assert.False(t, h.Verify("wrong", hash))
	assert.False(t, h.Verify("s3cret!", "not-a-bcrypt-hash"))

	again, err := h.Hash("s3cret!")
	require.NoError(t, err)
	assert.NotEqual(t, hash, again, "hashes are salted")

	_, err = h.Hash("")
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	r := NewMemoryRegistry()
	assert.Equal(t, []Role{RoleAdmin, RoleDoctor, RolePatient, RoleSuperAdmin}, r.Roles())

	s, ok := r.For(RoleDoctor)
	require.True(t, ok)
	assert.Equal(t, RoleDoctor, s.Role())

	_, ok = NewRegistry(NewMemoryStore(RolePatient)).For(RoleDoctor)
	assert.False(t, ok)
}

func TestMemoryStore_CreateAndLookup(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(RolePatient)
	h := "hash"

	a := &Account{Name: "Ann", Email: " Ann@X.com ", PasswordHash: &h, IsActive: true}
	require.NoError(t, s.Create(ctx, a))
	assert.Equal(t, "ann@x.com", a.Email)
	assert.Equal(t, RolePatient, a.Role)

	err := s.Create(ctx, &Account{Name: "Ann 2", Email: "ann@x.com"})
	assert.ErrorIs(t, err, ErrDuplicateEmail)

	got, err := s.GetByEmail(ctx, "ANN@x.com")
	require.NoError(t, err)
	assert.Nil(t, got.PasswordHash)

	withSecret, err := s.GetByEmailWithSecret(ctx, "ann@x.com")
	require.NoError(t, err)
	require.NotNil(t, withSecret.PasswordHash)
	assert.Equal(t, "hash", *withSecret.PasswordHash)

	byID, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	assert.Nil(t, byID.PasswordHash)

	_, err = s.GetByID(ctx, uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemoryStore_UpdateKeepsPassword(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(RoleDoctor)
	h := "hash"
	a := &Account{Name: "Dr A", Email: "a@x.com", PasswordHash: &h}
	require.NoError(t, s.Create(ctx, a))

	got, err := s.GetByID(ctx, a.ID)
	require.NoError(t, err)
	got.IsActive = true
	require.NoError(t, s.Update(ctx, got))

	withSecret, err := s.GetByEmailWithSecret(ctx, "a@x.com")
	require.NoError(t, err)
	assert.True(t, withSecret.IsActive)
	require.NotNil(t, withSecret.PasswordHash, "Update must not clear the password")

	require.NoError(t, s.UpdatePassword(ctx, a.ID, "new-hash"))
	withSecret, err = s.GetByEmailWithSecret(ctx, "a@x.com")
	require.NoError(t, err)
	assert.Equal(t, "new-hash", *withSecret.PasswordHash)

	assert.ErrorIs(t, s.Update(ctx, &Account{ID: uuid.New()}), ErrNotFound)
	assert.ErrorIs(t, s.UpdatePassword(ctx, uuid.New(), "x"), ErrNotFound)
}

func TestMemoryStore_Search(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore(RoleDoctor)
	statuses := []ReviewStatus{ReviewPending, ReviewApproved, ReviewRejected, ReviewRevision, ReviewPending}
	for i, st := range statuses {
		st := st
		require.NoError(t, s.Create(ctx, &Account{
			Name:         fmt.Sprintf("Doctor %d", i),
			Email:        fmt.Sprintf("doc%d@x.com", i),
			ReviewStatus: &st,
		}))
		time.Sleep(time.Millisecond)
	}

	all, total, err := s.Search(ctx, SearchQuery{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, all, 5)
	assert.Equal(t, "doc4@x.com", all[0].Email, "newest first")

	queue, total, err := s.Search(ctx, SearchQuery{Statuses: KYCQueue, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	for _, a := range queue {
		assert.NotEqual(t, ReviewApproved, a.Status())
	}

	pending, total, err := s.Search(ctx, SearchQuery{Statuses: []ReviewStatus{ReviewPending}, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, pending, 2)

	byText, total, err := s.Search(ctx, SearchQuery{Text: "DOCTOR 3", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "doc3@x.com", byText[0].Email)

	page, total, err := s.Search(ctx, SearchQuery{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 1)

	empty, _, err := s.Search(ctx, SearchQuery{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}
