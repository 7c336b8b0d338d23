// Package auth verifies Firebase ID tokens and exposes the caller's identity to handlers.
// Cart ownership always comes from the verified uid, never from request payloads.
package auth

import (
	"context"
	"strings"

	firebaseauth "firebase.google.com/go/v4/auth"
)

const anonymousProvider = "anonymous"

// Identity is the principal behind a verified ID token.
type Identity struct {
	UID           string
	Email         string
	EmailVerified bool
	Provider      string

	token *firebaseauth.Token
}

func newIdentity(token *firebaseauth.Token) *Identity {
	id := &Identity{
		UID:      strings.TrimSpace(token.UID),
		Provider: token.Firebase.SignInProvider,
		token:    token,
	}
	if email, ok := token.Claims["email"].(string); ok {
		id.Email = strings.TrimSpace(email)
	}
	id.EmailVerified, _ = token.Claims["email_verified"].(bool)
	return id
}

// Anonymous reports whether the token came from Firebase anonymous sign-in.
func (i *Identity) Anonymous() bool {
	return i != nil && i.Provider == anonymousProvider
}

// Token returns the decoded ID token, nil for identities built by hand.
func (i *Identity) Token() *firebaseauth.Token {
	if i == nil {
		return nil
	}
	return i.token
}

type identityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	identity, _ := ctx.Value(identityKey{}).(*Identity)
	return identity, identity != nil
}
