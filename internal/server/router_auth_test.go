package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/colabdocs/internal/auth"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/collab"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/protocol"
	"github.com/MarcoPoloResearchLab/colabdocs/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/doc/getContent", http.NoBody)
	request.Header.Set("Authorization", "Bearer expired-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		authenticator: stubAuthenticator{
			err: fmt.Errorf("%w: %w", collab.ErrUnauthenticated, fmt.Errorf("%w: %w", auth.ErrExpiredSessionToken, jwt.ErrTokenExpired)),
		},
		logger: zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired token, got %s", entry.Level)
	}
	if entry.Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entry.Message)
	}
	hasExpired := false
	for _, field := range entry.Context {
		if field.Type == zapcore.ErrorType && errors.Is(field.Interface.(error), jwt.ErrTokenExpired) {
			hasExpired = true
			break
		}
	}
	if !hasExpired {
		t.Fatalf("expected expired token error context, got %v", entry.Context)
	}
}

func TestAuthorizeRequestLogsUnexpectedTokenErrorAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	request := httptest.NewRequest(http.MethodPost, "/doc/getContent", http.NoBody)
	request.Header.Set("Authorization", "Bearer invalid-token")
	ctx.Request = request

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		authenticator: stubAuthenticator{err: errors.New("signature mismatch")},
		logger:        zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected warn level for unexpected error, got %s", entries[0].Level)
	}
	if entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log message: %q", entries[0].Message)
	}
}

func TestAuthorizeRequestRejectsMissingBearer(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodPost, "/doc/getContent", http.NoBody)

	handler := &httpHandler{authenticator: stubAuthenticator{}, logger: zap.NewNop()}
	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credential, got %d", recorder.Code)
	}
}

func TestSessionAuthenticatorResolvesProfile(t *testing.T) {
	issuer := mustTokenIssuer(t, time.Minute)
	validator := mustSessionValidator(t)
	authenticator, err := NewSessionAuthenticator(validator, users.ClaimsResolver{})
	if err != nil {
		t.Fatalf("failed to construct authenticator: %v", err)
	}

	token, _, err := issuer.Issue(auth.Principal{UserID: "user-7", DisplayName: "Ada", AvatarURL: "https://img/ada.png"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	identity, err := authenticator.Authenticate(context.Background(), token)
	if err != nil {
		t.Fatalf("authenticate failed: %v", err)
	}
	if identity.ID != "user-7" || identity.Name != "Ada" || identity.Avatar != "https://img/ada.png" {
		t.Fatalf("unexpected identity: %+v", identity)
	}
	if identity.Color != protocol.ColorFor("user-7") {
		t.Fatalf("expected stable color, got %s", identity.Color)
	}

	if _, err := authenticator.Authenticate(context.Background(), "garbage"); !errors.Is(err, collab.ErrUnauthenticated) {
		t.Fatalf("expected unauthenticated error, got %v", err)
	}
}

func TestSessionAuthenticatorRejectsExpiredToken(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Minute,
		Clock:         func() time.Time { return past },
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	token, _, err := issuer.Issue(auth.Principal{UserID: "user-1"})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	authenticator, err := NewSessionAuthenticator(mustSessionValidator(t), users.ClaimsResolver{})
	if err != nil {
		t.Fatalf("failed to construct authenticator: %v", err)
	}
	_, err = authenticator.Authenticate(context.Background(), token)
	if !errors.Is(err, collab.ErrUnauthenticated) || !errors.Is(err, auth.ErrExpiredSessionToken) {
		t.Fatalf("expected expired unauthenticated error, got %v", err)
	}
}

func TestNewSessionAuthenticatorRequiresDependencies(t *testing.T) {
	if _, err := NewSessionAuthenticator(nil, users.ClaimsResolver{}); err == nil {
		t.Fatalf("expected missing validator error")
	}
	if _, err := NewSessionAuthenticator(mustSessionValidator(t), nil); err == nil {
		t.Fatalf("expected missing resolver error")
	}
}

type stubAuthenticator struct {
	identity protocol.Identity
	err      error
}

func (s stubAuthenticator) Authenticate(context.Context, string) (protocol.Identity, error) {
	if s.err != nil {
		return protocol.Identity{}, s.err
	}
	return s.identity, nil
}
