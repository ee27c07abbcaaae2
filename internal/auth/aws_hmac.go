package auth

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	AWSv4Prefix    = "AWS4-HMAC-SHA256 "
	AWSv4Algorithm = "AWS4-HMAC-SHA256"

	UnsignedPayload = "UNSIGNED-PAYLOAD"

	amzDateFormat = "20060102T150405Z"

	// maxPresignExpiry is the longest validity S3 accepts for a presigned URL.
	maxPresignExpiry = 7 * 24 * time.Hour
)

// AwsHmacAuthEngine verifies AWS Signature Version 4, sent either in the
// Authorization header or as presigned URL query parameters.
type AwsHmacAuthEngine struct {
	store CredentialStore
}

func NewAwsHmacAuthEngine(store CredentialStore) *AwsHmacAuthEngine {
	return &AwsHmacAuthEngine{store: store}
}

func awsURLEncode(s string, encodeSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= 'A' && c <= 'Z') || (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
			continue
		}
		if c == '/' && !encodeSlash {
			b.WriteByte(c)
			continue
		}
		b.WriteString("%")
		b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
	}
	return b.String()
}

func canonicalQueryString(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var parts []string
	for _, k := range keys {
		vs := append([]string(nil), values[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			parts = append(parts, awsURLEncode(k, true)+"="+awsURLEncode(v, true))
		}
	}

	return strings.Join(parts, "&")
}

func canonicalHeaderValue(v string) string {
	return strings.Join(strings.Fields(v), " ")
}

func headerValue(r *http.Request, name string) string {
	switch name {
	case "host":
		if r.Host != "" {
			return r.Host
		}
		return r.URL.Host
	case "content-length":
		if v := r.Header.Get("Content-Length"); v != "" {
			return v
		}
		if r.ContentLength >= 0 {
			return strconv.FormatInt(r.ContentLength, 10)
		}
		return ""
	case "transfer-encoding":
		return strings.Join(r.TransferEncoding, ",")
	}

	values := r.Header.Values(name)
	trimmed := make([]string, len(values))
	for i, v := range values {
		trimmed[i] = canonicalHeaderValue(v)
	}
	return strings.Join(trimmed, ",")
}

func buildCanonicalRequest(r *http.Request, query url.Values, signedHeaderNames []string, payloadHash string) string {
	canonicalURI := awsURLEncode(r.URL.Path, false)
	if canonicalURI == "" {
		canonicalURI = "/"
	}

	lowerNames := make([]string, 0, len(signedHeaderNames))
	for _, h := range signedHeaderNames {
		if name := strings.ToLower(strings.TrimSpace(h)); name != "" {
			lowerNames = append(lowerNames, name)
		}
	}

	var hdrBuilder strings.Builder
	for _, name := range lowerNames {
		hdrBuilder.WriteString(name)
		hdrBuilder.WriteString(":")
		hdrBuilder.WriteString(canonicalHeaderValue(headerValue(r, name)))
		hdrBuilder.WriteString("\n")
	}

	return strings.Join([]string{
		r.Method,
		canonicalURI,
		canonicalQueryString(query),
		hdrBuilder.String(),
		strings.Join(lowerNames, ";"),
		payloadHash,
	}, "\n")
}

// BuildCanonicalRequest builds the SigV4 canonical request for a request
// signed in its Authorization header.
func BuildCanonicalRequest(r *http.Request, signedHeaderNames []string, payloadHash string) string {
	return buildCanonicalRequest(r, r.URL.Query(), signedHeaderNames, payloadHash)
}

func HmacSHA256(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}

// SigningKey derives the SigV4 signing key for one day, region and service.
func SigningKey(secret, dateStamp, region, service string) []byte {
	kDate := HmacSHA256([]byte("AWS4"+secret), dateStamp)
	kRegion := HmacSHA256(kDate, region)
	kService := HmacSHA256(kRegion, service)
	return HmacSHA256(kService, "aws4_request")
}

// StringToSign builds the SigV4 string to sign for a canonical request.
func StringToSign(amzDate, scope, canonicalRequest string) string {
	crHash := sha256.Sum256([]byte(canonicalRequest))
	return strings.Join([]string{
		AWSv4Algorithm,
		amzDate,
		scope,
		hex.EncodeToString(crHash[:]),
	}, "\n")
}

// credentialScope is the parsed form of accessKey/date/region/service/aws4_request.
type credentialScope struct {
	accessKeyID string
	dateStamp   string
	region      string
	service     string
}

func (c credentialScope) String() string {
	return strings.Join([]string{c.dateStamp, c.region, c.service, "aws4_request"}, "/")
}

func parseCredential(s string) (credentialScope, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 5 || parts[4] != "aws4_request" {
		return credentialScope{}, fmt.Errorf("%w: credential %q", ErrMalformedRequest, s)
	}
	scope := credentialScope{
		accessKeyID: parts[0],
		dateStamp:   parts[1],
		region:      parts[2],
		service:     parts[3],
	}
	if scope.accessKeyID == "" || scope.dateStamp == "" || scope.region == "" || scope.service == "" {
		return credentialScope{}, fmt.Errorf("%w: credential %q", ErrMalformedRequest, s)
	}
	return scope, nil
}

// sigV4Request is everything needed to check one signature.
type sigV4Request struct {
	scope         credentialScope
	amzDate       string
	signedHeaders []string
	signature     string
	payloadHash   string
	query         url.Values
}

func parseAuthorizationHeader(r *http.Request) (*sigV4Request, error) {
	params := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), AWSv4Prefix))

	kv := make(map[string]string)
	for _, p := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || k == "" {
			continue
		}
		kv[k] = strings.TrimSpace(v)
	}

	credStr, okCred := kv["Credential"]
	signedHeadersStr, okSigned := kv["SignedHeaders"]
	signature, okSig := kv["Signature"]
	if !okCred || !okSigned || !okSig {
		return nil, fmt.Errorf("%w: incomplete authorization header", ErrMalformedRequest)
	}

	scope, err := parseCredential(credStr)
	if err != nil {
		return nil, err
	}

	amzDate := r.Header.Get("X-Amz-Date")
	if amzDate == "" {
		return nil, fmt.Errorf("%w: missing X-Amz-Date", ErrMalformedRequest)
	}

	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		return nil, fmt.Errorf("%w: missing X-Amz-Content-Sha256", ErrMalformedRequest)
	}

	return &sigV4Request{
		scope:         scope,
		amzDate:       amzDate,
		signedHeaders: strings.Split(signedHeadersStr, ";"),
		signature:     signature,
		payloadHash:   payloadHash,
		query:         r.URL.Query(),
	}, nil
}

func parsePresignedQuery(r *http.Request, now time.Time) (*sigV4Request, error) {
	q := r.URL.Query()

	if q.Get("X-Amz-Algorithm") != AWSv4Algorithm {
		return nil, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformedRequest, q.Get("X-Amz-Algorithm"))
	}

	scope, err := parseCredential(q.Get("X-Amz-Credential"))
	if err != nil {
		return nil, err
	}

	amzDate := q.Get("X-Amz-Date")
	signedAt, err := time.Parse(amzDateFormat, amzDate)
	if err != nil {
		return nil, fmt.Errorf("%w: X-Amz-Date %q", ErrMalformedRequest, amzDate)
	}

	expires, err := strconv.ParseInt(q.Get("X-Amz-Expires"), 10, 64)
	if err != nil || expires < 0 || time.Duration(expires)*time.Second > maxPresignExpiry {
		return nil, fmt.Errorf("%w: X-Amz-Expires %q", ErrMalformedRequest, q.Get("X-Amz-Expires"))
	}
	if now.After(signedAt.Add(time.Duration(expires) * time.Second)) {
		return nil, ErrRequestExpired
	}

	signature := q.Get("X-Amz-Signature")
	signedHeaders := q.Get("X-Amz-SignedHeaders")
	if signature == "" || signedHeaders == "" {
		return nil, fmt.Errorf("%w: incomplete presigned query", ErrMalformedRequest)
	}

	payloadHash := q.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = UnsignedPayload
	}

	q.Del("X-Amz-Signature")
	return &sigV4Request{
		scope:         scope,
		amzDate:       amzDate,
		signedHeaders: strings.Split(signedHeaders, ";"),
		signature:     signature,
		payloadHash:   payloadHash,
		query:         q,
	}, nil
}

// IsPresigned reports whether r carries SigV4 presigned query parameters.
func IsPresigned(r *http.Request) bool {
	return r.URL.Query().Has("X-Amz-Signature")
}

func (e *AwsHmacAuthEngine) AuthenticateRequest(ctx context.Context, r *http.Request) (*User, error) {
	var (
		req *sigV4Request
		err error
	)

	switch {
	case strings.HasPrefix(r.Header.Get("Authorization"), AWSv4Prefix):
		req, err = parseAuthorizationHeader(r)
	case IsPresigned(r):
		req, err = parsePresignedQuery(r, time.Now().UTC())
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	cred, err := lookupCredential(ctx, e.store, req.scope.accessKeyID)
	if err != nil {
		return nil, err
	}

	canonicalReq := buildCanonicalRequest(r, req.query, req.signedHeaders, req.payloadHash)
	stringToSign := StringToSign(req.amzDate, req.scope.String(), canonicalReq)
	signingKey := SigningKey(cred.SecretKey, req.scope.dateStamp, req.scope.region, req.scope.service)
	computedSignature := HmacSHA256(signingKey, stringToSign)

	decodedSignature, err := hex.DecodeString(req.signature)
	if err != nil {
		return nil, fmt.Errorf("%w: signature is not hex", ErrSignatureDoesNotMatch)
	}

	if !hmac.Equal(computedSignature, decodedSignature) {
		return nil, ErrSignatureDoesNotMatch
	}

	return userFor(cred), nil
}
