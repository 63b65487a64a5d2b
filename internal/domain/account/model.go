package account

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RolePatient    Role = "patient"
	RoleDoctor     Role = "doctor"
	RoleAdmin      Role = "admin"
	RoleSuperAdmin Role = "superadmin"
)

// Roles lists every role in a stable order.
var Roles = []Role{RolePatient, RoleDoctor, RoleAdmin, RoleSuperAdmin}

// ParseRole accepts a role tag case-insensitively. "hospital" is accepted as
// an alias for the hospital admin role.
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "patient":
		return RolePatient, nil
	case "doctor":
		return RoleDoctor, nil
	case "admin", "hospital":
		return RoleAdmin, nil
	case "superadmin", "super-admin", "super_admin":
		return RoleSuperAdmin, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Reviewed reports whether accounts of this role go through KYC review.
func (r Role) Reviewed() bool {
	return r == RoleDoctor || r == RoleAdmin
}

type ReviewStatus string

const (
	ReviewPending  ReviewStatus = "pending"
	ReviewApproved ReviewStatus = "approved"
	ReviewRejected ReviewStatus = "rejected"
	ReviewRevision ReviewStatus = "revision"
)

// KYCQueue is the set of statuses shown in the unified review queue.
var KYCQueue = []ReviewStatus{ReviewPending, ReviewRevision, ReviewRejected}

func ParseReviewStatus(s string) (ReviewStatus, error) {
	switch ReviewStatus(strings.ToLower(strings.TrimSpace(s))) {
	case ReviewPending:
		return ReviewPending, nil
	case ReviewApproved:
		return ReviewApproved, nil
	case ReviewRejected:
		return ReviewRejected, nil
	case ReviewRevision:
		return ReviewRevision, nil
	}
	return "", fmt.Errorf("unknown review status %q", s)
}

// Account is a credential record. PasswordHash is never serialized.
type Account struct {
	ID              uuid.UUID         `json:"id"`
	Role            Role              `json:"role"`
	Name            string            `json:"name"`
	Email           string            `json:"email"`
	Phone           string            `json:"phone,omitempty"`
	PasswordHash    *string           `json:"-"`
	IsActive        bool              `json:"isActive"`
	IsGoogleAuth    bool              `json:"isGoogleAuth"`
	ReviewStatus    *ReviewStatus     `json:"reviewStatus,omitempty"`
	RejectionReason *string           `json:"rejectionReason,omitempty"`
	ReapplyDate     *time.Time        `json:"reapplyDate,omitempty"`
	Profile         map[string]string `json:"profile,omitempty"`
	Documents       map[string]string `json:"documents,omitempty"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}

// NormalizeEmail trims and lower-cases an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func (a *Account) HasPassword() bool {
	return a.PasswordHash != nil && *a.PasswordHash != ""
}

// Status returns the review status or "" for roles without review.
func (a *Account) Status() ReviewStatus {
	if a.ReviewStatus == nil {
		return ""
	}
	return *a.ReviewStatus
}

// Sanitized returns a deep copy without the password hash.
func (a *Account) Sanitized() *Account {
	out := a.Clone()
	out.PasswordHash = nil
	return out
}

// Clone returns a deep copy.
func (a *Account) Clone() *Account {
	out := *a
	if a.PasswordHash != nil {
		h := *a.PasswordHash
		out.PasswordHash = &h
	}
	if a.ReviewStatus != nil {
		s := *a.ReviewStatus
		out.ReviewStatus = &s
	}
	if a.RejectionReason != nil {
		r := *a.RejectionReason
		out.RejectionReason = &r
	}
	if a.ReapplyDate != nil {
		d := *a.ReapplyDate
		out.ReapplyDate = &d
	}
	out.Profile = cloneMap(a.Profile)
	out.Documents = cloneMap(a.Documents)
	return &out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
