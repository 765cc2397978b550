package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/api/idtoken"
)

var (
	ErrMissingToken    = errors.New("id token is required")
	ErrUnverifiedEmail = errors.New("google account email is not verified")
)

type GoogleIdentity struct {
	GoogleSubject string
	Email         string
	Name          string
	AvatarURL     string
}

// ValidateFunc matches idtoken.Validate.
type ValidateFunc func(ctx context.Context, idToken, audience string) (*idtoken.Payload, error)

// Verifier turns a Google ID token into an identity for the session layer.
type Verifier struct {
	audience string
	validate ValidateFunc
}

func NewVerifier(clientID string) Verifier {
	return Verifier{audience: clientID, validate: idtoken.Validate}
}

// NewVerifierWithValidator swaps the token validator, for tests.
func NewVerifierWithValidator(clientID string, validate ValidateFunc) Verifier {
	return Verifier{audience: clientID, validate: validate}
}

func (v Verifier) Verify(ctx context.Context, idToken string) (GoogleIdentity, error) {
	if strings.TrimSpace(idToken) == "" {
		return GoogleIdentity{}, ErrMissingToken
	}

	payload, err := v.validate(ctx, idToken, v.audience)
	if err != nil {
		return GoogleIdentity{}, fmt.Errorf("validate id token: %w", err)
	}

	email, _ := payload.Claims["email"].(string)
	if strings.TrimSpace(email) == "" {
		return GoogleIdentity{}, errors.New("google token missing email claim")
	}

	emailVerified, _ := payload.Claims["email_verified"].(bool)
	if !emailVerified {
		return GoogleIdentity{}, ErrUnverifiedEmail
	}

	name, _ := payload.Claims["name"].(string)
	picture, _ := payload.Claims["picture"].(string)

	return GoogleIdentity{
		GoogleSubject: payload.Subject,
		Email:         strings.ToLower(strings.TrimSpace(email)),
		Name:          strings.TrimSpace(name),
		AvatarURL:     strings.TrimSpace(picture),
	}, nil
}
