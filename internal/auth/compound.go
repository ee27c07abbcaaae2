package auth

import (
	"context"
	"net/http"
)

type CompoundAuthEngine struct {
	engines []AuthEngine
}

// NewCompoundAuthEngine creates a new CompoundAuthEngine with the given AuthEngines.
func NewCompoundAuthEngine(engines ...AuthEngine) *CompoundAuthEngine {
	return &CompoundAuthEngine{
		engines: engines,
	}
}

// NewDefaultAuthEngine accepts AWS Signature Version 4 (header or presigned
// query) and HTTP Basic credentials from store.
func NewDefaultAuthEngine(store CredentialStore) *CompoundAuthEngine {
	return NewCompoundAuthEngine(
		NewAwsHmacAuthEngine(store),
		NewBasicAuthEngine(store),
	)
}

// AuthenticateRequest asks each engine in turn. The first engine that
// recognizes the request decides the outcome.
func (e *CompoundAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	for _, engine := range e.engines {
		user, err := engine.AuthenticateRequest(ctx, r)
		if err != nil {
			return nil, err
		}
		if user != nil {
			return user, nil
		}
	}

	return nil, nil
}
