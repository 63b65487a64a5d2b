package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// ReviewOutcome selects the review email sent to a doctor or hospital.
type ReviewOutcome string

const (
	OutcomeApproved ReviewOutcome = "approved"
	OutcomeRejected ReviewOutcome = "rejected"
	OutcomeRevision ReviewOutcome = "revision"
)

// Dispatcher renders templates and hands them to an EmailSender, retrying
// transient failures with exponential backoff.
type Dispatcher struct {
	sender     EmailSender
	templates  *TemplateEngine
	logger     zerolog.Logger
	maxRetries uint64
	base       time.Duration
}

type DispatcherOption func(*Dispatcher)

// WithRetry sets how many times a failed send is retried and the first backoff.
func WithRetry(maxRetries uint64, base time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		d.maxRetries = maxRetries
		d.base = base
	}
}

func NewDispatcher(sender EmailSender, templates *TemplateEngine, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	if templates == nil {
		templates = NewTemplateEngine()
	}
	d := &Dispatcher{
		sender:     sender,
		templates:  templates,
		logger:     logger,
		maxRetries: 2,
		base:       200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendOTP mails a one-time code. purpose is "signup" or "forgot-password".
func (d *Dispatcher) SendOTP(ctx context.Context, to, code, purpose string, ttl time.Duration) error {
	tpl := TemplateOTPSignup
	if purpose == "forgot-password" {
		tpl = TemplateOTPForgotPassword
	}
	return d.send(ctx, to, tpl, map[string]string{
		"code": code,
		"ttl":  humanDuration(ttl),
	})
}

// SendReviewUpdate tells a reviewed account about the outcome of its review.
func (d *Dispatcher) SendReviewUpdate(ctx context.Context, to, name string, outcome ReviewOutcome, reason string) error {
	var tpl string
	switch outcome {
	case OutcomeApproved:
		tpl = TemplateReviewApproved
	case OutcomeRejected:
		tpl = TemplateReviewRejected
	case OutcomeRevision:
		tpl = TemplateReviewRevision
	default:
		return fmt.Errorf("unknown review outcome %q", outcome)
	}
	return d.send(ctx, to, tpl, map[string]string{
		"name":   name,
		"reason": reason,
	})
}

func (d *Dispatcher) send(ctx context.Context, to, templateID string, data map[string]string) error {
	subject, body, err := d.templates.Render(templateID, data)
	if err != nil {
		return fmt.Errorf("render template: %w", err)
	}

	attempt := 0
	backoff := retry.WithMaxRetries(d.maxRetries, retry.NewExponential(d.base))
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		if err := d.sender.SendEmail(ctx, to, subject, body); err != nil {
			d.logger.Warn().Err(err).
				Str("template", templateID).
				Int("attempt", attempt).
				Msg("email send failed")
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("send %s email: %w", templateID, err)
	}
	return nil
}

func humanDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%d seconds", int(d.Seconds()))
	}
	m := int(d.Minutes())
	if m == 1 {
		return "1 minute"
	}
	return fmt.Sprintf("%d minutes", m)
}
