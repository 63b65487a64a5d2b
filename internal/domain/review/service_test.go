package review

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/carebridge/carebridge/internal/domain/account"
	"github.com/carebridge/carebridge/internal/platform/apperr"
	"github.com/carebridge/carebridge/internal/platform/notification"
	"github.com/carebridge/carebridge/internal/platform/telemetry"
)

type reviewMail struct {
	To, Name string
	Outcome  notification.ReviewOutcome
	Reason   string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []reviewMail
	err  error
}

func (n *recordingNotifier) SendReviewUpdate(_ context.Context, to, name string, outcome notification.ReviewOutcome, reason string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, reviewMail{To: to, Name: name, Outcome: outcome, Reason: reason})
	return n.err
}

func (n *recordingNotifier) mails() []reviewMail {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]reviewMail(nil), n.sent...)
}

type serviceFixture struct {
	svc      *Service
	accounts *account.Registry
	notifier *recordingNotifier
	metrics  *telemetry.Provider
	now      time.Time
}

func newServiceFixture(t *testing.T) *serviceFixture {
	t.Helper()
	f := &serviceFixture{
		accounts: account.NewMemoryRegistry(),
		notifier: &recordingNotifier{},
		metrics:  telemetry.NewProvider(),
		now:      time.Date(2026, 5, 4, 8, 30, 0, 0, time.UTC),
	}
	svc, err := NewService(f.accounts, f.notifier, zerolog.Nop(), f.metrics)
	require.NoError(t, err)
	svc.SetClock(func() time.Time { return f.now })
	f.svc = svc
	return f
}

func (f *serviceFixture) seed(t *testing.T, role account.Role, email string, status account.ReviewStatus, active bool) *account.Account {
	t.Helper()
	store, ok := f.accounts.For(role)
	require.True(t, ok)
	a := &account.Account{
		Name:         "Subject " + email,
		Email:        email,
		IsActive:     active,
		ReviewStatus: &status,
		Documents:    map[string]string{"license": "http://api.test/uploads/x.pdf"},
	}
	require.NoError(t, store.Create(context.Background(), a))
	return a
}

func (f *serviceFixture) reload(t *testing.T, role account.Role, id uuid.UUID) *account.Account {
	t.Helper()
	store, _ := f.accounts.For(role)
	a, err := store.GetByID(context.Background(), id)
	require.NoError(t, err)
	return a
}

func reviewCount(t *testing.T, m *telemetry.Provider, role, action string) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range families {
		if mf.GetName() != "carebridge_review_transitions_total" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			labels := make(map[string]string)
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["role"] == role && labels["action"] == action {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestNewService_RequiresStores(t *testing.T) {
	_, err := NewService(nil, nil, zerolog.Nop(), nil)
	assert.Error(t, err)

	_, err = NewService(account.NewRegistry(account.NewMemoryStore(account.RolePatient)), nil, zerolog.Nop(), nil)
	assert.Error(t, err)
}

func TestApproveDoctor(t *testing.T) {
	f := newServiceFixture(t)
	doc := f.seed(t, account.RoleDoctor, "iyer@clinic.in", account.ReviewPending, false)

	got, err := f.svc.ApproveDoctor(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ReviewApproved, got.Status())
	assert.True(t, got.IsActive)
	assert.Nil(t, got.PasswordHash)

	stored := f.reload(t, account.RoleDoctor, doc.ID)
	assert.Equal(t, account.ReviewApproved, stored.Status())
	assert.True(t, stored.IsActive)

	assert.Equal(t, []reviewMail{{
		To: "iyer@clinic.in", Name: "Subject iyer@clinic.in", Outcome: notification.OutcomeApproved,
	}}, f.notifier.mails())
	assert.Equal(t, 1.0, reviewCount(t, f.metrics, "doctor", "approve"))
}

func TestRejectDoctor(t *testing.T) {
	f := newServiceFixture(t)
	doc := f.seed(t, account.RoleDoctor, "iyer@clinic.in", account.ReviewApproved, true)

	_, err := f.svc.RejectDoctor(context.Background(), doc.ID, "")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
	assert.Empty(t, f.notifier.mails())

	got, err := f.svc.RejectDoctor(context.Background(), doc.ID, "licence expired")
	require.NoError(t, err)
	assert.Equal(t, account.ReviewRejected, got.Status())
	assert.False(t, got.IsActive)
	assert.Equal(t, "licence expired", *f.reload(t, account.RoleDoctor, doc.ID).RejectionReason)

	mails := f.notifier.mails()
	require.Len(t, mails, 1)
	assert.Equal(t, notification.OutcomeRejected, mails[0].Outcome)
	assert.Equal(t, "licence expired", mails[0].Reason)
}

func TestRequestDoctorRevision(t *testing.T) {
	f := newServiceFixture(t)
	doc := f.seed(t, account.RoleDoctor, "iyer@clinic.in", account.ReviewPending, false)

	got, err := f.svc.RequestDoctorRevision(context.Background(), doc.ID, "upload both sides")
	require.NoError(t, err)
	assert.Equal(t, account.ReviewRevision, got.Status())
	assert.False(t, got.IsActive)
	assert.Equal(t, notification.OutcomeRevision, f.notifier.mails()[0].Outcome)
}

func TestInvalidTransitionIsConflict(t *testing.T) {
	f := newServiceFixture(t)
	doc := f.seed(t, account.RoleDoctor, "iyer@clinic.in", account.ReviewRejected, false)

	_, err := f.svc.ApproveDoctor(context.Background(), doc.ID)
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition))
	assert.Equal(t, account.ReviewRejected, f.reload(t, account.RoleDoctor, doc.ID).Status())
	assert.Empty(t, f.notifier.mails())
}

func TestMissingSubjectIsNotFound(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	id := uuid.New()
	admin := Actor{ID: uuid.New(), Role: account.RoleAdmin}
	super := Actor{ID: uuid.New(), Role: account.RoleSuperAdmin}

	calls := map[string]func() error{
		"approve":        func() error { _, err := f.svc.ApproveDoctor(ctx, id); return err },
		"reject":         func() error { _, err := f.svc.RejectDoctor(ctx, id, "x"); return err },
		"revision":       func() error { _, err := f.svc.RequestDoctorRevision(ctx, id, "x"); return err },
		"reapply doctor": func() error { _, err := f.svc.ReapplyDoctor(ctx, admin, id); return err },
		"toggle":         func() error { _, err := f.svc.ToggleDoctorActive(ctx, id); return err },
		"get doctor":     func() error { _, err := f.svc.GetDoctor(ctx, id); return err },
		"hospital":       func() error { _, err := f.svc.SetHospitalStatus(ctx, id, "approved", ""); return err },
		"reapply hosp":   func() error { _, err := f.svc.ReapplyHospital(ctx, super, id); return err },
		"set active":     func() error { _, err := f.svc.SetHospitalActive(ctx, id, true); return err },
		"get hospital":   func() error { _, err := f.svc.GetHospital(ctx, id); return err },
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			err := call()
			assert.True(t, apperr.Is(err, apperr.CodeNotFound), "got %v", err)
		})
	}
}

func TestRejectThenReapply(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.seed(t, account.RoleDoctor, "iyer@clinic.in", account.ReviewPending, false)

	rejectedAt := f.now
	_, err := f.svc.RejectDoctor(ctx, doc.ID, "licence unreadable")
	require.NoError(t, err)

	f.now = f.now.Add(26 * time.Hour)
	self := Actor{ID: doc.ID, Role: account.RoleDoctor}
	got, err := f.svc.ReapplyDoctor(ctx, self, doc.ID)
	require.NoError(t, err)

	assert.Equal(t, account.ReviewPending, got.Status())
	assert.Nil(t, got.RejectionReason)
	require.NotNil(t, got.ReapplyDate)
	assert.False(t, got.ReapplyDate.Before(rejectedAt))

	stored := f.reload(t, account.RoleDoctor, doc.ID)
	assert.Equal(t, account.ReviewPending, stored.Status())
	assert.Nil(t, stored.RejectionReason)
	assert.Equal(t, f.now, *stored.ReapplyDate)

	// Only the rejection is emailed.
	assert.Len(t, f.notifier.mails(), 1)
}

func TestReapplyAuthorization(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	doc := f.seed(t, account.RoleDoctor, "iyer@clinic.in", account.ReviewRevision, false)
	other := f.seed(t, account.RoleDoctor, "rao@clinic.in", account.ReviewRevision, false)
	hosp := f.seed(t, account.RoleAdmin, "ops@city.in", account.ReviewRejected, true)

	tests := []struct {
		name    string
		call    func() error
		allowed bool
	}{
		{"doctor for another doctor", func() error {
			_, err := f.svc.ReapplyDoctor(ctx, Actor{ID: other.ID, Role: account.RoleDoctor}, doc.ID)
			return err
		}, false},
		{"patient", func() error {
			_, err := f.svc.ReapplyDoctor(ctx, Actor{ID: doc.ID, Role: account.RolePatient}, doc.ID)
			return err
		}, false},
		{"superadmin for doctor", func() error {
			_, err := f.svc.ReapplyDoctor(ctx, Actor{ID: uuid.New(), Role: account.RoleSuperAdmin}, doc.ID)
			return err
		}, false},
		{"other hospital", func() error {
			_, err := f.svc.ReapplyHospital(ctx, Actor{ID: uuid.New(), Role: account.RoleAdmin}, hosp.ID)
			return err
		}, false},
		{"admin for doctor", func() error {
			_, err := f.svc.ReapplyDoctor(ctx, Actor{ID: uuid.New(), Role: account.RoleAdmin}, doc.ID)
			return err
		}, true},
		{"hospital itself", func() error {
			_, err := f.svc.ReapplyHospital(ctx, Actor{ID: hosp.ID, Role: account.RoleAdmin}, hosp.ID)
			return err
		}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.call()
			if tt.allowed {
				assert.NoError(t, err)
				return
			}
			assert.True(t, apperr.Is(err, apperr.CodeForbidden), "got %v", err)
		})
	}
	assert.Equal(t, account.ReviewPending, f.reload(t, account.RoleAdmin, hosp.ID).Status())
}

func TestReapplyWhilePendingIsNoop(t *testing.T) {
	f := newServiceFixture(t)
	doc := f.seed(t, account.RoleDoctor, "iyer@clinic.in", account.ReviewPending, false)

	got, err := f.svc.ReapplyDoctor(context.Background(), Actor{ID: doc.ID, Role: account.RoleDoctor}, doc.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ReapplyDate)
	assert.Equal(t, 0.0, reviewCount(t, f.metrics, "doctor", "reapply"))
}

func TestToggleDoctorActive(t *testing.T) {
	f := newServiceFixture(t)
	doc := f.seed(t, account.RoleDoctor, "iyer@clinic.in", account.ReviewApproved, true)

	got, err := f.svc.ToggleDoctorActive(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, account.ReviewApproved, got.Status(), "review status is independent")

	got, err = f.svc.ToggleDoctorActive(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.True(t, f.reload(t, account.RoleDoctor, doc.ID).IsActive)
	assert.Empty(t, f.notifier.mails())
}

func TestSetHospitalStatus(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	hosp := f.seed(t, account.RoleAdmin, "ops@city.in", account.ReviewPending, true)

	_, err := f.svc.SetHospitalStatus(ctx, hosp.ID, "revision", "")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	_, err = f.svc.SetHospitalStatus(ctx, hosp.ID, "archived", "")
	assert.True(t, apperr.Is(err, apperr.CodeValidation))

	got, err := f.svc.SetHospitalStatus(ctx, hosp.ID, "revision", "missing GST number")
	require.NoError(t, err)
	assert.Equal(t, account.ReviewRevision, got.Status())
	assert.True(t, got.IsActive)

	got, err = f.svc.SetHospitalStatus(ctx, hosp.ID, "rejected", "fraudulent documents")
	assert.True(t, apperr.Is(err, apperr.CodeInvalidTransition), "revision cannot be rejected directly: %v", err)
	assert.Nil(t, got)

	got, err = f.svc.SetHospitalStatus(ctx, hosp.ID, "pending", "")
	require.NoError(t, err)
	assert.Equal(t, account.ReviewPending, got.Status())

	got, err = f.svc.SetHospitalStatus(ctx, hosp.ID, "approved", "")
	require.NoError(t, err)
	assert.Equal(t, account.ReviewApproved, got.Status())
	assert.Equal(t, 1.0, reviewCount(t, f.metrics, "admin", "approve"))
}

func TestSetHospitalActive(t *testing.T) {
	f := newServiceFixture(t)
	hosp := f.seed(t, account.RoleAdmin, "ops@city.in", account.ReviewApproved, true)

	got, err := f.svc.SetHospitalActive(context.Background(), hosp.ID, false)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, account.ReviewApproved, got.Status())

	// Idempotent.
	got, err = f.svc.SetHospitalActive(context.Background(), hosp.ID, false)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, 1.0, reviewCount(t, f.metrics, "admin", "deactivate"))
}

func TestNotificationFailureIsNotSurfaced(t *testing.T) {
	f := newServiceFixture(t)
	f.notifier.err = errors.New("smtp: 421 service not available")
	doc := f.seed(t, account.RoleDoctor, "iyer@clinic.in", account.ReviewPending, false)

	got, err := f.svc.ApproveDoctor(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ReviewApproved, got.Status())
	assert.Len(t, f.notifier.mails(), 1)
}

func TestWithoutNotifier(t *testing.T) {
	accounts := account.NewMemoryRegistry()
	svc, err := NewService(accounts, nil, zerolog.Nop(), nil)
	require.NoError(t, err)

	store, _ := accounts.For(account.RoleDoctor)
	pending := account.ReviewPending
	doc := &account.Account{Name: "D", Email: "d@x.com", ReviewStatus: &pending}
	require.NoError(t, store.Create(context.Background(), doc))

	_, err = svc.ApproveDoctor(context.Background(), doc.ID)
	assert.NoError(t, err)
}

func TestListDoctors(t *testing.T) {
	f := newServiceFixture(t)
	ctx := context.Background()
	statuses := []account.ReviewStatus{
		account.ReviewPending, account.ReviewPending, account.ReviewApproved,
		account.ReviewRejected, account.ReviewRevision,
	}
	for i, st := range statuses {
		f.seed(t, account.RoleDoctor, fmt.Sprintf("doc%d@clinic.in", i), st, st == account.ReviewApproved)
	}
	f.seed(t, account.RoleAdmin, "ops@city.in", account.ReviewPending, true)

	all, total, err := f.svc.ListDoctors(ctx, ListFilter{})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, all, 5)

	queue, total, err := f.svc.ListDoctors(ctx, ListFilter{KYCQueue: true})
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	for _, a := range queue {
		assert.NotEqual(t, account.ReviewApproved, a.Status())
	}

	approved, total, err := f.svc.ListDoctors(ctx, ListFilter{Status: "APPROVED", KYCQueue: true})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "doc2@clinic.in", approved[0].Email)

	found, total, err := f.svc.ListDoctors(ctx, ListFilter{Search: "DOC3"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "doc3@clinic.in", found[0].Email)

	page, total, err := f.svc.ListDoctors(ctx, ListFilter{Limit: 2, Offset: 4})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Len(t, page, 1)

	_, _, err = f.svc.ListDoctors(ctx, ListFilter{Status: "archived"})
	assert.True(t, apperr.Is(err, apperr.CodeValidation))
}

func TestListHospitals(t *testing.T) {
	f := newServiceFixture(t)
	f.seed(t, account.RoleAdmin, "ops@city.in", account.ReviewPending, true)
	f.seed(t, account.RoleAdmin, "desk@lake.in", account.ReviewApproved, true)

	items, total, err := f.svc.ListHospitals(context.Background(), ListFilter{Status: "pending"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "ops@city.in", items[0].Email)
}
