package auth_test

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/eteran/keeper/internal/auth"
	"github.com/eteran/keeper/internal/metadata"

	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "keeperadmin"
	SecretAccessKey = "keeperadmin"
	region          = "us-east-1"
	service         = "s3"
)

func newCredentialStore(t *testing.T) *metadata.MemoryStore {
	t.Helper()

	store := metadata.NewMemory()
	require.NoError(t, store.PutCredential(t.Context(), &metadata.CredentialRecord{
		AccessKeyID: AccessKeyID,
		SecretKey:   SecretAccessKey,
		OwnerID:     "owner-1",
		DisplayName: "Owner One",
		Active:      true,
	}))
	return store
}

func signRequestSigV4(t *testing.T, r *http.Request, accessKeyID, secret string) {
	t.Helper()

	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")

	if r.Host == "" {
		r.Host = r.URL.Host
	}
	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", auth.UnsignedPayload)
	}
	r.Header.Set("X-Amz-Date", amzDate)

	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}
	canonicalReq := auth.BuildCanonicalRequest(r, signedHeaders, r.Header.Get("X-Amz-Content-Sha256"))

	scope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")
	stringToSign := auth.StringToSign(amzDate, scope, canonicalReq)
	sig := auth.HmacSHA256(auth.SigningKey(secret, dateStamp, region, service), stringToSign)

	r.Header.Set("Authorization", strings.Join([]string{
		"AWS4-HMAC-SHA256 Credential=" + accessKeyID + "/" + scope,
		"SignedHeaders=" + strings.Join(signedHeaders, ";"),
		"Signature=" + hex.EncodeToString(sig),
	}, ", "))
}

// presignURL builds a presigned GET URL valid for expires from signedAt.
func presignURL(t *testing.T, rawURL string, signedAt time.Time, expires time.Duration) string {
	t.Helper()

	u, err := url.Parse(rawURL)
	require.NoError(t, err)

	amzDate := signedAt.UTC().Format("20060102T150405Z")
	dateStamp := signedAt.UTC().Format("20060102")
	scope := strings.Join([]string{dateStamp, region, service, "aws4_request"}, "/")

	q := u.Query()
	q.Set("X-Amz-Algorithm", auth.AWSv4Algorithm)
	q.Set("X-Amz-Credential", AccessKeyID+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", strconv.Itoa(int(expires / time.Second)))
	q.Set("X-Amz-SignedHeaders", "host")
	u.RawQuery = q.Encode()

	req := httptest.NewRequest(http.MethodGet, u.String(), nil)
	canonicalReq := auth.BuildCanonicalRequest(req, []string{"host"}, auth.UnsignedPayload)
	stringToSign := auth.StringToSign(amzDate, scope, canonicalReq)
	sig := auth.HmacSHA256(auth.SigningKey(SecretAccessKey, dateStamp, region, service), stringToSign)

	q.Set("X-Amz-Signature", hex.EncodeToString(sig))
	u.RawQuery = q.Encode()
	return u.String()
}

func TestRequireAuthentication_AWSSigV4_Succeeds(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(newCredentialStore(t))

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket/some%20key?list-type=2&prefix=a", nil)
	signRequestSigV4(t, req, AccessKeyID, SecretAccessKey)

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err, "expected AWS SigV4 authentication to succeed")
	require.NotNil(t, user, "expected non-nil user from successful AWS SigV4 authentication")
	require.Equal(t, auth.User{AccessKeyID: AccessKeyID, OwnerID: "owner-1", DisplayName: "Owner One"}, *user)
}

func TestRequireAuthentication_AWSSigV4_InvalidSignature(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(newCredentialStore(t))

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/test-bucket", nil)
	signRequestSigV4(t, req, AccessKeyID, SecretAccessKey)

	// Corrupt the signature.
	req.Header.Set("Authorization", req.Header.Get("Authorization")+"0")

	user, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrSignatureDoesNotMatch)
	require.Nil(t, user, "expected nil user from failed AWS SigV4 authentication")
}

func TestRequireAuthentication_AWSSigV4_WrongSecret(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(newCredentialStore(t))

	req := httptest.NewRequestWithContext(t.Context(), http.MethodPut, "http://example.com/test-bucket/k", nil)
	signRequestSigV4(t, req, AccessKeyID, "not-the-secret")

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrSignatureDoesNotMatch)
}

func TestRequireAuthentication_AWSSigV4_UnknownKey(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(newCredentialStore(t))

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	signRequestSigV4(t, req, "nobody", SecretAccessKey)

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrInvalidAccessKeyID)
}

func TestRequireAuthentication_AWSSigV4_InactiveKey(t *testing.T) {
	t.Parallel()

	store := newCredentialStore(t)
	require.NoError(t, store.PutCredential(t.Context(), &metadata.CredentialRecord{
		AccessKeyID: "retired",
		SecretKey:   "retired-secret",
		OwnerID:     "owner-2",
		Active:      false,
	}))
	e := auth.NewAwsHmacAuthEngine(store)

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	signRequestSigV4(t, req, "retired", "retired-secret")

	_, err := e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrInvalidAccessKeyID)
}

func TestRequireAuthentication_AWSSigV4_Malformed(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(newCredentialStore(t))

	for _, header := range []string{
		"AWS4-HMAC-SHA256 Credential=a/b/c",
		"AWS4-HMAC-SHA256 Credential=" + AccessKeyID + "/20250101/us-east-1/s3/aws4_request, SignedHeaders=host",
		"AWS4-HMAC-SHA256 Credential=" + AccessKeyID + "/20250101/us-east-1/s3/wrong, SignedHeaders=host, Signature=00",
	} {
		req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
		req.Header.Set("X-Amz-Date", "20250101T000000Z")
		req.Header.Set("X-Amz-Content-Sha256", auth.UnsignedPayload)
		req.Header.Set("Authorization", header)

		_, err := e.AuthenticateRequest(t.Context(), req)
		require.ErrorIs(t, err, auth.ErrMalformedRequest, header)
	}
}

func TestRequireAuthentication_NoCredentials(t *testing.T) {
	t.Parallel()

	e := auth.NewDefaultAuthEngine(newCredentialStore(t))

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Nil(t, user, "anonymous requests are not recognized by any engine")
}

func TestRequireAuthentication_Presigned(t *testing.T) {
	t.Parallel()

	e := auth.NewAwsHmacAuthEngine(newCredentialStore(t))

	valid := presignURL(t, "http://example.com/bucket/key.txt", time.Now().Add(-time.Minute), 15*time.Minute)
	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, valid, nil)
	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)

	expired := presignURL(t, "http://example.com/bucket/key.txt", time.Now().Add(-time.Hour), time.Minute)
	req = httptest.NewRequestWithContext(t.Context(), http.MethodGet, expired, nil)
	_, err = e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrRequestExpired)

	tampered := strings.Replace(valid, "key.txt", "other.txt", 1)
	req = httptest.NewRequestWithContext(t.Context(), http.MethodGet, tampered, nil)
	_, err = e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrSignatureDoesNotMatch)
}

func TestBasicAuth(t *testing.T) {
	t.Parallel()

	e := auth.NewBasicAuthEngine(newCredentialStore(t))

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/", nil)
	req.SetBasicAuth(AccessKeyID, SecretAccessKey)
	user, err := e.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.Equal(t, "owner-1", user.OwnerID)

	req.SetBasicAuth(AccessKeyID, "wrong")
	_, err = e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrSignatureDoesNotMatch)

	req.SetBasicAuth("nobody", SecretAccessKey)
	_, err = e.AuthenticateRequest(t.Context(), req)
	require.ErrorIs(t, err, auth.ErrInvalidAccessKeyID)
}

func TestCompoundAuthEngine(t *testing.T) {
	t.Parallel()

	e := auth.NewDefaultAuthEngine(newCredentialStore(t))

	sigv4 := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/b", nil)
	signRequestSigV4(t, sigv4, AccessKeyID, SecretAccessKey)
	user, err := e.AuthenticateRequest(t.Context(), sigv4)
	require.NoError(t, err)
	require.NotNil(t, user)

	basic := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "http://example.com/b", nil)
	basic.SetBasicAuth(AccessKeyID, SecretAccessKey)
	user, err = e.AuthenticateRequest(t.Context(), basic)
	require.NoError(t, err)
	require.NotNil(t, user)

	basic.SetBasicAuth(AccessKeyID, "wrong")
	user, err = e.AuthenticateRequest(t.Context(), basic)
	require.Error(t, err)
	require.Nil(t, user)
}

func TestUserContext(t *testing.T) {
	t.Parallel()

	require.Nil(t, auth.UserFromContext(t.Context()))

	user := &auth.User{AccessKeyID: "a", OwnerID: "o"}
	ctx := auth.WithUser(t.Context(), user)
	require.Same(t, user, auth.UserFromContext(ctx))
}
