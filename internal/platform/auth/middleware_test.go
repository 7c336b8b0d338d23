package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type verifierFunc func(ctx context.Context, idToken string) (*firebaseauth.Token, error)

func (f verifierFunc) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	return f(ctx, idToken)
}

func returning(token *firebaseauth.Token, err error) verifierFunc {
	return func(context.Context, string) (*firebaseauth.Token, error) { return token, err }
}

func do(authn *Authenticator, header string, next http.HandlerFunc) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/cart/merge", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	rr := httptest.NewRecorder()
	authn.RequireFirebaseAuth()(next).ServeHTTP(rr, req)
	return rr
}

func TestAuthenticatorAdmitsVerifiedUser(t *testing.T) {
	var gotToken string
	var hasDeadline bool
	verifier := verifierFunc(func(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
		gotToken = idToken
		_, hasDeadline = ctx.Deadline()
		return &firebaseauth.Token{
			UID:      "uid-123",
			Claims:   map[string]interface{}{"email": " shopper@example.com ", "email_verified": true},
			Firebase: firebaseauth.FirebaseInfo{SignInProvider: "password"},
		}, nil
	})

	var identity *Identity
	rr := do(NewAuthenticator(verifier, WithVerificationTimeout(time.Second)), "bearer  id-token ", func(w http.ResponseWriter, r *http.Request) {
		identity, _ = IdentityFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d body=%s", rr.Code, rr.Body.String())
	}
	if gotToken != "id-token" || !hasDeadline {
		t.Fatalf("verifier saw token %q deadline=%v", gotToken, hasDeadline)
	}
	if identity == nil || identity.UID != "uid-123" || identity.Email != "shopper@example.com" || !identity.EmailVerified {
		t.Fatalf("unexpected identity %+v", identity)
	}
	if identity.Anonymous() || identity.Token() == nil {
		t.Fatalf("unexpected token details %+v", identity)
	}
}

func TestAuthenticatorRejects(t *testing.T) {
	anonymous := &firebaseauth.Token{UID: "anon", Firebase: firebaseauth.FirebaseInfo{SignInProvider: "anonymous"}}

	cases := []struct {
		name     string
		verifier TokenVerifier
		header   string
		want     string
	}{
		{"missing header", returning(nil, nil), "", "unauthenticated"},
		{"basic scheme", returning(nil, nil), "Basic abc", "unauthenticated"},
		{"bearer without token", returning(nil, nil), "Bearer ", "unauthenticated"},
		{"no verifier", nil, "Bearer t", "unauthenticated"},
		{"expired", returning(nil, fmt.Errorf("%w: exp", ErrTokenExpired)), "Bearer t", "token_expired"},
		{"revoked", returning(nil, fmt.Errorf("%w: disabled", ErrTokenRevoked)), "Bearer t", "token_revoked"},
		{"other failure", returning(nil, fmt.Errorf("boom")), "Bearer t", "invalid_token"},
		{"empty subject", returning(&firebaseauth.Token{}, nil), "Bearer t", "invalid_token"},
		{"anonymous", returning(anonymous, nil), "Bearer t", "anonymous_identity"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := do(NewAuthenticator(tc.verifier), tc.header, func(http.ResponseWriter, *http.Request) {
				t.Fatal("handler should not run")
			})
			if rr.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d", rr.Code)
			}
			var body struct {
				Error string `json:"error"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if body.Error != tc.want {
				t.Fatalf("error = %s, want %s", body.Error, tc.want)
			}
		})
	}
}

func TestAuthenticatorAnonymousOptIn(t *testing.T) {
	anonymous := &firebaseauth.Token{UID: "anon", Firebase: firebaseauth.FirebaseInfo{SignInProvider: "anonymous"}}
	rr := do(NewAuthenticator(returning(anonymous, nil), WithAnonymousUsers()), "Bearer t", func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok || !identity.Anonymous() {
			t.Errorf("expected anonymous identity, got %+v", identity)
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if rr.Code != http.StatusNoContent {
		t.Fatalf("status = %d", rr.Code)
	}
}
