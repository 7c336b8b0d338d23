package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	"github.com/mobishop/api/internal/platform/httpx"
)

const defaultVerifyTimeout = 5 * time.Second

// TokenVerifier verifies Firebase ID tokens. FirebaseVerifier is the production
// implementation.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// Authenticator is HTTP middleware that admits requests carrying a valid bearer ID token.
type Authenticator struct {
	verifier       TokenVerifier
	timeout        time.Duration
	allowAnonymous bool
}

type Option func(*Authenticator)

func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// WithAnonymousUsers admits anonymous sign-in tokens. They are refused by default because an
// anonymous session keeps its cart on the device.
func WithAnonymousUsers() Option {
	return func(a *Authenticator) { a.allowAnonymous = true }
}

func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{verifier: verifier, timeout: defaultVerifyTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// RequireFirebaseAuth stores the verified Identity on the request context or answers 401.
func (a *Authenticator) RequireFirebaseAuth() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, rejection := a.authenticate(r)
			if rejection != nil {
				httpx.WriteError(r.Context(), w, *rejection)
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), identity)))
		})
	}
}

func (a *Authenticator) authenticate(r *http.Request) (*Identity, *httpx.Error) {
	raw, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, unauthorized("unauthenticated", "authorization header missing or invalid")
	}
	if a == nil || a.verifier == nil {
		return nil, unauthorized("unauthenticated", "authorization service unavailable")
	}

	ctx, cancel := context.WithTimeout(r.Context(), a.timeout)
	defer cancel()
	token, err := a.verifier.VerifyIDToken(ctx, raw)
	switch {
	case errors.Is(err, ErrTokenExpired):
		return nil, unauthorized("token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenRevoked):
		return nil, unauthorized("token_revoked", "firebase id token revoked")
	case err != nil:
		return nil, unauthorized("invalid_token", "firebase id token verification failed")
	case token == nil || strings.TrimSpace(token.UID) == "":
		return nil, unauthorized("invalid_token", "firebase id token has no subject")
	}

	identity := newIdentity(token)
	if identity.Anonymous() && !a.allowAnonymous {
		return nil, unauthorized("anonymous_identity", "sign in with a registered account")
	}
	return identity, nil
}

func unauthorized(code, message string) *httpx.Error {
	err := httpx.NewError(code, message, http.StatusUnauthorized)
	return &err
}

// bearerToken extracts the credential from "Bearer <token>", matching the scheme
// case-insensitively.
func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
