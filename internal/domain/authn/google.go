package authn

import (
	"context"
	"errors"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/idtoken"

	"github.com/carebridge/carebridge/internal/platform/apperr"
)

// IDTokenValidator checks a Google ID token for the given audience.
// idtoken.Validate satisfies it.
type IDTokenValidator func(ctx context.Context, rawToken, audience string) (*idtoken.Payload, error)

// GoogleProvider runs the OAuth authorization-code flow against Google and
// turns the returned ID token into an ExternalIdentity.
type GoogleProvider struct {
	oauth    *oauth2.Config
	validate IDTokenValidator
}

func NewGoogleProvider(clientID, clientSecret, redirectURL string) *GoogleProvider {
	return &GoogleProvider{
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
			Endpoint:     google.Endpoint,
		},
		validate: idtoken.Validate,
	}
}

// AuthCodeURL returns the consent page URL. state is echoed back to the
// callback.
func (p *GoogleProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state, oauth2.AccessTypeOnline, oauth2.SetAuthURLParam("prompt", "select_account"))
}

// Exchange trades an authorization code for a verified identity.
func (p *GoogleProvider) Exchange(ctx context.Context, code string) (*ExternalIdentity, error) {
	if code == "" {
		return nil, apperr.Validation("authorization code is required")
	}
	tok, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return nil, apperr.Upstream(err, "Google sign-in failed")
	}
	raw, _ := tok.Extra("id_token").(string)
	if raw == "" {
		return nil, apperr.Upstream(errors.New("token response has no id_token"), "Google sign-in failed")
	}
	payload, err := p.validate(ctx, raw, p.oauth.ClientID)
	if err != nil {
		return nil, apperr.Upstream(err, "Google sign-in failed")
	}
	return identityFromClaims(payload.Subject, payload.Claims)
}

func identityFromClaims(subject string, claims map[string]any) (*ExternalIdentity, error) {
	email, _ := claims["email"].(string)
	if email == "" {
		return nil, apperr.Validation("Google account has no email address")
	}
	if verified, ok := claims["email_verified"].(bool); ok && !verified {
		return nil, apperr.Forbidden("Google email address is not verified")
	}
	name, _ := claims["name"].(string)
	if name == "" {
		given, _ := claims["given_name"].(string)
		family, _ := claims["family_name"].(string)
		name = given
		if family != "" {
			if name != "" {
				name += " "
			}
			name += family
		}
	}
	return &ExternalIdentity{Subject: subject, Email: email, Name: name}, nil
}
