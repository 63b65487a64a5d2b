// Package review implements the KYC review workflow for doctors and
// hospitals: the status state machine, the service that applies it to stored
// accounts, and the admin/superadmin HTTP endpoints.
package review

import (
	"strings"
	"time"

	"github.com/carebridge/carebridge/internal/domain/account"
	"github.com/carebridge/carebridge/internal/platform/apperr"
)

type Action string

const (
	ActionApprove  Action = "approve"
	ActionReject   Action = "reject"
	ActionRevision Action = "revision"
	ActionReapply  Action = "reapply"
)

// transitions maps action -> from-status -> to-status.
var transitions = map[Action]map[account.ReviewStatus]account.ReviewStatus{
	ActionApprove: {
		account.ReviewPending:  account.ReviewApproved,
		account.ReviewApproved: account.ReviewApproved,
	},
	ActionReject: {
		account.ReviewPending:  account.ReviewRejected,
		account.ReviewApproved: account.ReviewRejected,
		account.ReviewRejected: account.ReviewRejected,
	},
	ActionRevision: {
		account.ReviewPending:  account.ReviewRevision,
		account.ReviewApproved: account.ReviewRevision,
		account.ReviewRevision: account.ReviewRevision,
	},
	ActionReapply: {
		account.ReviewRejected: account.ReviewPending,
		account.ReviewRevision: account.ReviewPending,
		account.ReviewPending:  account.ReviewPending,
	},
}

// Transition returns the status reached by applying action to current. An
// unset status is treated as pending.
func Transition(current account.ReviewStatus, action Action) (account.ReviewStatus, error) {
	if current == "" {
		current = account.ReviewPending
	}
	to, ok := transitions[action][current]
	if !ok {
		return "", apperr.InvalidTransition(string(current), string(action))
	}
	return to, nil
}

// ActionForStatus maps a target status, as sent by the hospital review
// endpoint, to the action that reaches it.
func ActionForStatus(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "approved", "approve", "accept", "accepted":
		return ActionApprove, nil
	case "rejected", "reject":
		return ActionReject, nil
	case "revision":
		return ActionRevision, nil
	case "pending", "reapply":
		return ActionReapply, nil
	}
	return "", apperr.Validation("unknown review status %q", s)
}

type TransitionRequest struct {
	Action Action
	Reason string
}

// Apply moves a to the status reached by req and updates the fields tied to
// it. It reports whether a was changed; reapplying while already pending is
// a no-op and keeps the previous reapply date.
func Apply(a *account.Account, req TransitionRequest, now time.Time) (bool, error) {
	reason := strings.TrimSpace(req.Reason)
	if (req.Action == ActionReject || req.Action == ActionRevision) && reason == "" {
		return false, apperr.Validation("a reason is required to %s", req.Action)
	}

	from := a.Status()
	if from == "" {
		from = account.ReviewPending
	}
	to, err := Transition(from, req.Action)
	if err != nil {
		return false, err
	}

	switch req.Action {
	case ActionApprove:
		a.IsActive = true
		a.RejectionReason = nil
	case ActionReject:
		a.IsActive = false
		a.RejectionReason = &reason
	case ActionRevision:
		a.RejectionReason = &reason
	case ActionReapply:
		if from == account.ReviewPending {
			return false, nil
		}
		a.RejectionReason = nil
		stamp := now.UTC()
		a.ReapplyDate = &stamp
	}
	a.ReviewStatus = &to
	return true, nil
}
