package auth

import (
	"context"
	"fmt"
	"net/http"
)

type BasicAuthEngine struct {
	store CredentialStore
}

// NewBasicAuthEngine creates a BasicAuthEngine that checks the user name and
// password of HTTP Basic authentication as an access key and secret.
func NewBasicAuthEngine(store CredentialStore) *BasicAuthEngine {
	return &BasicAuthEngine{store: store}
}

func (e *BasicAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	accessKeyID, secret, ok := r.BasicAuth()
	if !ok {
		return nil, nil
	}

	cred, err := lookupCredential(ctx, e.store, accessKeyID)
	if err != nil {
		return nil, err
	}

	if !secretsEqual(cred.SecretKey, secret) {
		return nil, fmt.Errorf("%w: basic authentication", ErrSignatureDoesNotMatch)
	}
	return userFor(cred), nil
}
