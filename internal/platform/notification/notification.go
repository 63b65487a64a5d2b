// Package notification delivers account emails: one-time codes and review
// outcomes. Senders are pluggable; templates use {{key}} substitution.
package notification

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Template IDs used by the dispatcher.
const (
	TemplateOTPSignup         = "otp-signup"
	TemplateOTPForgotPassword = "otp-forgot-password"
	TemplateReviewApproved    = "review-approved"
	TemplateReviewRejected    = "review-rejected"
	TemplateReviewRevision    = "review-revision"
)

// ---------------------------------------------------------------------------
// Sender Interfaces
// ---------------------------------------------------------------------------

// EmailSender is the interface for sending email messages.
type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// ---------------------------------------------------------------------------
// Template Engine
// ---------------------------------------------------------------------------

// Template defines a reusable email template.
type Template struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

// TemplateEngine manages email templates and renders them with data.
type TemplateEngine struct {
	mu        sync.RWMutex
	templates map[string]*Template
}

// NewTemplateEngine creates a TemplateEngine with the built-in templates pre-registered.
func NewTemplateEngine() *TemplateEngine {
	e := &TemplateEngine{
		templates: make(map[string]*Template),
	}
	e.registerBuiltIn()
	return e
}

func (e *TemplateEngine) registerBuiltIn() {
	builtIn := []Template{
		{
			ID:      TemplateOTPSignup,
			Name:    "Signup Verification Code",
			Subject: "Your CareBridge verification code",
			Body:    "<p>Your verification code is <strong>{{code}}</strong>.</p><p>It expires in {{ttl}}. If you did not try to create an account, ignore this email.</p>",
		},
		{
			ID:      TemplateOTPForgotPassword,
			Name:    "Password Reset Code",
			Subject: "Your CareBridge password reset code",
			Body:    "<p>Use <strong>{{code}}</strong> to reset your password.</p><p>It expires in {{ttl}}. If you did not request a reset, ignore this email.</p>",
		},
		{
			ID:      TemplateReviewApproved,
			Name:    "Registration Approved",
			Subject: "Your CareBridge registration was approved",
			Body:    "<p>Dear {{name}},</p><p>Your registration has been approved. You can now sign in.</p>",
		},
		{
			ID:      TemplateReviewRejected,
			Name:    "Registration Rejected",
			Subject: "Your CareBridge registration was rejected",
			Body:    "<p>Dear {{name}},</p><p>Your registration was rejected for the following reason:</p><p>{{reason}}</p><p>You may correct your details and reapply.</p>",
		},
		{
			ID:      TemplateReviewRevision,
			Name:    "Revision Requested",
			Subject: "CareBridge needs more information",
			Body:    "<p>Dear {{name}},</p><p>Your registration needs changes before it can be approved:</p><p>{{reason}}</p>",
		},
	}
	for i := range builtIn {
		t := builtIn[i]
		e.templates[t.ID] = &t
	}
}

// RegisterTemplate adds or replaces a template in the engine.
func (e *TemplateEngine) RegisterTemplate(t Template) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.templates[t.ID] = &t
}

// Render looks up a template by ID and performs {{key}} replacement using the
// supplied data map. Keys present in the template but absent from data are left
// as-is.
func (e *TemplateEngine) Render(templateID string, data map[string]string) (subject, body string, err error) {
	e.mu.RLock()
	t, ok := e.templates[templateID]
	e.mu.RUnlock()
	if !ok {
		return "", "", fmt.Errorf("template %q not found", templateID)
	}

	subject = t.Subject
	body = t.Body
	for k, v := range data {
		placeholder := "{{" + k + "}}"
		subject = strings.ReplaceAll(subject, placeholder, v)
		body = strings.ReplaceAll(body, placeholder, v)
	}
	return subject, body, nil
}

// ---------------------------------------------------------------------------
// Mock Sender (test double)
// ---------------------------------------------------------------------------

// EmailCall records a single call to SendEmail.
type EmailCall struct {
	To      string
	Subject string
	Body    string
}

// MockEmailSender is a test double for EmailSender. FailTimes makes the
// first N calls fail; ShouldFail makes every call fail.
type MockEmailSender struct {
	mu         sync.Mutex
	calls      []EmailCall
	ShouldFail bool
	FailTimes  int
	FailError  string
}

// SendEmail records the call and optionally returns an error.
func (m *MockEmailSender) SendEmail(_ context.Context, to, subject, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, EmailCall{To: to, Subject: subject, Body: body})
	if m.ShouldFail || len(m.calls) <= m.FailTimes {
		return errors.New(m.FailError)
	}
	return nil
}

// Calls returns a copy of recorded email calls.
func (m *MockEmailSender) Calls() []EmailCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EmailCall, len(m.calls))
	copy(out, m.calls)
	return out
}
