package auth

import (
	"context"
	"errors"
	"fmt"

	firebase "firebase.google.com/go/v4"
	firebaseauth "firebase.google.com/go/v4/auth"
	"google.golang.org/api/option"

	"github.com/mobishop/api/internal/platform/config"
)

var (
	ErrTokenExpired = errors.New("auth: id token expired")
	ErrTokenRevoked = errors.New("auth: id token revoked")
	ErrTokenInvalid = errors.New("auth: id token invalid")
)

// FirebaseVerifier checks ID tokens with the Admin SDK and maps its failures onto the
// package errors.
type FirebaseVerifier struct {
	client       *firebaseauth.Client
	checkRevoked bool
}

type FirebaseOption func(*FirebaseVerifier)

// WithRevocationCheck also rejects tokens of revoked or disabled users, at the cost of a call
// to the Auth backend per request.
func WithRevocationCheck() FirebaseOption {
	return func(v *FirebaseVerifier) { v.checkRevoked = true }
}

func NewFirebaseVerifier(ctx context.Context, cfg config.FirebaseConfig, opts ...FirebaseOption) (*FirebaseVerifier, error) {
	if cfg.ProjectID == "" {
		return nil, errors.New("auth: firebase project id is required")
	}
	var clientOpts []option.ClientOption
	if cfg.CredentialsFile != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	app, err := firebase.NewApp(ctx, &firebase.Config{ProjectID: cfg.ProjectID}, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase app: %w", err)
	}
	client, err := app.Auth(ctx)
	if err != nil {
		return nil, fmt.Errorf("auth: firebase auth client: %w", err)
	}

	v := &FirebaseVerifier{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v, nil
}

func (v *FirebaseVerifier) VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error) {
	var (
		token *firebaseauth.Token
		err   error
	)
	if v.checkRevoked {
		token, err = v.client.VerifyIDTokenAndCheckRevoked(ctx, idToken)
	} else {
		token, err = v.client.VerifyIDToken(ctx, idToken)
	}
	if err != nil {
		return nil, classifyTokenError(err)
	}
	return token, nil
}

func classifyTokenError(err error) error {
	switch {
	case firebaseauth.IsIDTokenExpired(err):
		return fmt.Errorf("%w: %v", ErrTokenExpired, err)
	case firebaseauth.IsIDTokenRevoked(err), firebaseauth.IsUserDisabled(err):
		return fmt.Errorf("%w: %v", ErrTokenRevoked, err)
	case firebaseauth.IsIDTokenInvalid(err):
		return fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	return err
}
