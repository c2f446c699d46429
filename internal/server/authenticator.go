package server

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/auth"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/collab"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/protocol"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/users"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

var (
	errMissingValidator = errors.New("session validator dependency required")
	errMissingResolver  = errors.New("profile resolver dependency required")
)

// TokenValidator validates a bearer credential.
type TokenValidator interface {
	ValidateToken(token string) (auth.SessionClaims, error)
}

// ProfileResolver maps validated claims to a collaborator profile.
type ProfileResolver interface {
	Resolve(claims auth.SessionClaims) (users.Profile, error)
}

// SessionAuthenticator combines token validation with profile resolution.
type SessionAuthenticator struct {
	validator TokenValidator
	profiles  ProfileResolver
}

// NewSessionAuthenticator wires a validator and a resolver into a collab.Authenticator.
func NewSessionAuthenticator(validator TokenValidator, profiles ProfileResolver) (*SessionAuthenticator, error) {
	if validator == nil {
		return nil, errMissingValidator
	}
	if profiles == nil {
		return nil, errMissingResolver
	}
	return &SessionAuthenticator{validator: validator, profiles: profiles}, nil
}

// Authenticate validates credential and returns the collaborator identity.
// Every failure wraps collab.ErrUnauthenticated.
func (a *SessionAuthenticator) Authenticate(_ context.Context, credential string) (protocol.Identity, error) {
	claims, err := a.validator.ValidateToken(credential)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("%w: %w", collab.ErrUnauthenticated, err)
	}
	profile, err := a.profiles.Resolve(claims)
	if err != nil {
		return protocol.Identity{}, fmt.Errorf("%w: %w", collab.ErrUnauthenticated, err)
	}
	return protocol.Identity{
		ID:     profile.UserID,
		Name:   profile.DisplayName,
		Color:  protocol.ColorFor(profile.UserID),
		Avatar: profile.AvatarURL,
	}, nil
}

// logTokenFailure reports a rejected credential. Expired tokens are routine
// and logged at info.
func logTokenFailure(logger *zap.Logger, err error) {
	if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, jwt.ErrTokenExpired) {
		logger.Info("token validation failed", zap.Error(err))
		return
	}
	logger.Warn("token validation failed", zap.Error(err))
}
