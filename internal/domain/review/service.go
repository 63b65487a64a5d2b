package review

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/carebridge/carebridge/internal/domain/account"
	"github.com/carebridge/carebridge/internal/platform/apperr"
	"github.com/carebridge/carebridge/internal/platform/notification"
	"github.com/carebridge/carebridge/internal/platform/telemetry"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Notifier sends review outcome emails. *notification.Dispatcher satisfies it.
type Notifier interface {
	SendReviewUpdate(ctx context.Context, to, name string, outcome notification.ReviewOutcome, reason string) error
}

// Actor is the authenticated caller of an operation that depends on who is
// asking.
type Actor struct {
	ID   uuid.UUID
	Role account.Role
}

// ListFilter narrows a review listing. Status wins over KYCQueue when both
// are set.
type ListFilter struct {
	Status   string
	KYCQueue bool
	Search   string
	Limit    int
	Offset   int
}

type Service struct {
	doctors   account.Store
	hospitals account.Store
	notifier  Notifier
	logger    zerolog.Logger
	metrics   *telemetry.Provider
	now       func() time.Time
}

// NewService needs the doctor and hospital admin stores of accounts. notifier
// and metrics may be nil.
func NewService(accounts *account.Registry, notifier Notifier, logger zerolog.Logger, metrics *telemetry.Provider) (*Service, error) {
	if accounts == nil {
		return nil, errors.New("review: account registry is required")
	}
	doctors, ok := accounts.For(account.RoleDoctor)
	if !ok {
		return nil, errors.New("review: no doctor store registered")
	}
	hospitals, ok := accounts.For(account.RoleAdmin)
	if !ok {
		return nil, errors.New("review: no hospital store registered")
	}
	return &Service{
		doctors:   doctors,
		hospitals: hospitals,
		notifier:  notifier,
		logger:    logger.With().Str("component", "review").Logger(),
		metrics:   metrics,
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source used for reapply dates.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// -- Doctors --

func (s *Service) ApproveDoctor(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	return s.transition(ctx, s.doctors, id, TransitionRequest{Action: ActionApprove})
}

func (s *Service) RejectDoctor(ctx context.Context, id uuid.UUID, reason string) (*account.Account, error) {
	return s.transition(ctx, s.doctors, id, TransitionRequest{Action: ActionReject, Reason: reason})
}

func (s *Service) RequestDoctorRevision(ctx context.Context, id uuid.UUID, reason string) (*account.Account, error) {
	return s.transition(ctx, s.doctors, id, TransitionRequest{Action: ActionRevision, Reason: reason})
}

// ReapplyDoctor puts a rejected or revision-requested doctor back in the
// queue. Hospital admins and the doctor itself may do so.
func (s *Service) ReapplyDoctor(ctx context.Context, actor Actor, id uuid.UUID) (*account.Account, error) {
	if err := authorizeReapply(actor, account.RoleAdmin, account.RoleDoctor, id); err != nil {
		return nil, err
	}
	return s.transition(ctx, s.doctors, id, TransitionRequest{Action: ActionReapply})
}

// ToggleDoctorActive flips the doctor's active flag without touching its
// review status.
func (s *Service) ToggleDoctorActive(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	acc, err := s.get(ctx, s.doctors, id)
	if err != nil {
		return nil, err
	}
	return s.setActive(ctx, s.doctors, acc, !acc.IsActive)
}

func (s *Service) GetDoctor(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	acc, err := s.get(ctx, s.doctors, id)
	if err != nil {
		return nil, err
	}
	return acc.Sanitized(), nil
}

func (s *Service) ListDoctors(ctx context.Context, f ListFilter) ([]*account.Account, int, error) {
	return s.list(ctx, s.doctors, f)
}

// -- Hospitals --

// SetHospitalStatus moves a hospital to status. reason is required for
// rejected and revision.
func (s *Service) SetHospitalStatus(ctx context.Context, id uuid.UUID, status, reason string) (*account.Account, error) {
	action, err := ActionForStatus(status)
	if err != nil {
		return nil, err
	}
	return s.transition(ctx, s.hospitals, id, TransitionRequest{Action: action, Reason: reason})
}

// ReapplyHospital may be called by a superadmin or by the hospital admin
// itself.
func (s *Service) ReapplyHospital(ctx context.Context, actor Actor, id uuid.UUID) (*account.Account, error) {
	if err := authorizeReapply(actor, account.RoleSuperAdmin, account.RoleAdmin, id); err != nil {
		return nil, err
	}
	return s.transition(ctx, s.hospitals, id, TransitionRequest{Action: ActionReapply})
}

func (s *Service) SetHospitalActive(ctx context.Context, id uuid.UUID, active bool) (*account.Account, error) {
	acc, err := s.get(ctx, s.hospitals, id)
	if err != nil {
		return nil, err
	}
	return s.setActive(ctx, s.hospitals, acc, active)
}

func (s *Service) GetHospital(ctx context.Context, id uuid.UUID) (*account.Account, error) {
	acc, err := s.get(ctx, s.hospitals, id)
	if err != nil {
		return nil, err
	}
	return acc.Sanitized(), nil
}

func (s *Service) ListHospitals(ctx context.Context, f ListFilter) ([]*account.Account, int, error) {
	return s.list(ctx, s.hospitals, f)
}

// -- shared --

func authorizeReapply(actor Actor, reviewer, subject account.Role, id uuid.UUID) error {
	switch {
	case actor.Role == reviewer:
		return nil
	case actor.Role == subject && actor.ID == id:
		return nil
	}
	return apperr.Forbidden("only the reviewer or the account itself can reapply")
}

func (s *Service) get(ctx context.Context, store account.Store, id uuid.UUID) (*account.Account, error) {
	acc, err := store.GetByID(ctx, id)
	if errors.Is(err, account.ErrNotFound) {
		return nil, apperr.NotFound(fmt.Sprintf("%s not found", subjectName(store.Role())))
	}
	if err != nil {
		return nil, fmt.Errorf("load %s %s: %w", store.Role(), id, err)
	}
	return acc, nil
}

func (s *Service) save(ctx context.Context, store account.Store, acc *account.Account) error {
	err := store.Update(ctx, acc)
	if errors.Is(err, account.ErrNotFound) {
		return apperr.NotFound(fmt.Sprintf("%s not found", subjectName(store.Role())))
	}
	if err != nil {
		return fmt.Errorf("update %s %s: %w", store.Role(), acc.ID, err)
	}
	return nil
}

func (s *Service) transition(ctx context.Context, store account.Store, id uuid.UUID, req TransitionRequest) (*account.Account, error) {
	acc, err := s.get(ctx, store, id)
	if err != nil {
		return nil, err
	}
	changed, err := Apply(acc, req, s.now())
	if err != nil {
		return nil, err
	}
	if !changed {
		return acc.Sanitized(), nil
	}
	if err := s.save(ctx, store, acc); err != nil {
		return nil, err
	}

	role := string(store.Role())
	s.metrics.RecordReview(role, string(req.Action))
	s.logger.Info().
		Str("role", role).
		Str("account_id", acc.ID.String()).
		Str("action", string(req.Action)).
		Str("status", string(acc.Status())).
		Msg("review transition applied")

	s.notify(ctx, acc, req)
	return acc.Sanitized(), nil
}

func (s *Service) setActive(ctx context.Context, store account.Store, acc *account.Account, active bool) (*account.Account, error) {
	if acc.IsActive == active {
		return acc.Sanitized(), nil
	}
	acc.IsActive = active
	if err := s.save(ctx, store, acc); err != nil {
		return nil, err
	}
	s.metrics.RecordReview(string(store.Role()), activeLabel(active))
	return acc.Sanitized(), nil
}

// notify emails the subject. Failures are logged and never returned: the
// transition is already stored.
func (s *Service) notify(ctx context.Context, acc *account.Account, req TransitionRequest) {
	if s.notifier == nil {
		return
	}
	var outcome notification.ReviewOutcome
	switch req.Action {
	case ActionApprove:
		outcome = notification.OutcomeApproved
	case ActionReject:
		outcome = notification.OutcomeRejected
	case ActionRevision:
		outcome = notification.OutcomeRevision
	default:
		return
	}
	reason := ""
	if acc.RejectionReason != nil {
		reason = *acc.RejectionReason
	}
	if err := s.notifier.SendReviewUpdate(ctx, acc.Email, acc.Name, outcome, reason); err != nil {
		s.logger.Warn().Err(err).
			Str("account_id", acc.ID.String()).
			Str("outcome", string(outcome)).
			Msg("review notification failed")
	}
}

func (s *Service) list(ctx context.Context, store account.Store, f ListFilter) ([]*account.Account, int, error) {
	q := account.SearchQuery{
		Text:   f.Search,
		Limit:  f.Limit,
		Offset: f.Offset,
	}
	switch {
	case f.Status != "":
		st, err := account.ParseReviewStatus(f.Status)
		if err != nil {
			return nil, 0, apperr.Validation("unknown review status %q", f.Status)
		}
		q.Statuses = []account.ReviewStatus{st}
	case f.KYCQueue:
		q.Statuses = account.KYCQueue
	}
	if q.Limit <= 0 {
		q.Limit = defaultListLimit
	}
	if q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}

	items, total, err := store.Search(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("search %s: %w", store.Role(), err)
	}
	return items, total, nil
}

func subjectName(r account.Role) string {
	if r == account.RoleAdmin {
		return "hospital"
	}
	return string(r)
}

func activeLabel(active bool) string {
	if active {
		return "activate"
	}
	return "deactivate"
}
