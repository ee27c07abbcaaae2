// Package auth authenticates S3 requests against the credential table. Every
// access key maps to exactly one owner; there are no policies.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/eteran/keeper/internal/metadata"
)

const (
	DefaultAccessKeyID     = "keeperadmin"
	DefaultSecretAccessKey = "keeperadmin"
)

var (
	ErrInvalidAccessKeyID    = errors.New("access key id does not exist")
	ErrSignatureDoesNotMatch = errors.New("request signature does not match")
	ErrMalformedRequest      = errors.New("malformed authentication data")
	ErrRequestExpired        = errors.New("request has expired")
)

type User struct {
	AccessKeyID string
	OwnerID     string
	DisplayName string
}

// CredentialStore resolves an access key to its active credential, or nil.
// metadata.Store satisfies it.
type CredentialStore interface {
	GetCredential(ctx context.Context, accessKeyID string) (*metadata.CredentialRecord, error)
}

type AuthEngine interface {

	// AuthenticateRequest inspects the given HTTP request for credentials it
	// understands. It returns (nil, nil) when the request carries none, an
	// error when it carries credentials that do not verify, and the
	// authenticated User otherwise.
	AuthenticateRequest(ctx context.Context, rq *http.Request) (*User, error)
}

func lookupCredential(ctx context.Context, store CredentialStore, accessKeyID string) (*metadata.CredentialRecord, error) {
	cred, err := store.GetCredential(ctx, accessKeyID)
	if err != nil {
		return nil, fmt.Errorf("lookup credential: %w", err)
	}
	if cred == nil {
		return nil, ErrInvalidAccessKeyID
	}
	return cred, nil
}

func secretsEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func userFor(cred *metadata.CredentialRecord) *User {
	return &User{
		AccessKeyID: cred.AccessKeyID,
		OwnerID:     cred.OwnerID,
		DisplayName: cred.DisplayName,
	}
}

type userKey struct{}

// WithUser returns a copy of ctx carrying the authenticated user.
func WithUser(ctx context.Context, user *User) context.Context {
	return context.WithValue(ctx, userKey{}, user)
}

// UserFromContext returns the user stored by WithUser, or nil.
func UserFromContext(ctx context.Context) *User {
	user, _ := ctx.Value(userKey{}).(*User)
	return user
}
