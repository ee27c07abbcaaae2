package server_test

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/eteran/keeper/internal/metadata"
	"github.com/eteran/keeper/internal/server"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/stretchr/testify/require"
)

const (
	AccessKeyID     = "keeperadmin"
	SecretAccessKey = "keeperadmin"
	OwnerID         = "owner-1"
	OwnerName       = "Owner One"
)

// NewTestServer creates a Server backed by a temporary data directory and
// SQLite database and returns it along with an httptest.Server wrapping its
// handler. The default credential is seeded.
func NewTestServer(t *testing.T, opts ...server.ConfigOption) (*server.Server, *httptest.Server) {
	t.Helper()

	opts = append([]server.ConfigOption{server.WithDataDir(t.TempDir())}, opts...)
	srv, err := server.NewServer(t.Context(), server.NewConfig(opts...))
	require.NoError(t, err, "NewServer error")
	t.Cleanup(func() { _ = srv.Close() })

	PutCredential(t, srv, AccessKeyID, SecretAccessKey, OwnerID, OwnerName)

	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)

	return srv, httpSrv
}

func PutCredential(t *testing.T, srv *server.Server, accessKeyID, secret, ownerID, displayName string) {
	t.Helper()
	require.NoError(t, srv.Config.Store.PutCredential(t.Context(), &metadata.CredentialRecord{
		AccessKeyID: accessKeyID,
		SecretKey:   secret,
		OwnerID:     ownerID,
		DisplayName: displayName,
		Active:      true,
	}))
}

type RequestOption func(*http.Request)

func WithContentType(contentType string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set("Content-Type", contentType)
	}
}

func WithContent(body []byte) func(*http.Request) {
	return func(req *http.Request) {
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.ContentLength = int64(len(body))
		if req.Header.Get("Content-Type") == "" {
			req.Header.Set("Content-Type", "application/octet-stream")
		}
	}
}

func WithHeader(key string, value string) func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Set(key, value)
	}
}

// WithCredentials replaces the default credentials of the request.
func WithCredentials(accessKeyID, secret string) func(*http.Request) {
	return func(req *http.Request) {
		req.SetBasicAuth(accessKeyID, secret)
	}
}

// Anonymous strips the credentials from the request.
func Anonymous() func(*http.Request) {
	return func(req *http.Request) {
		req.Header.Del("Authorization")
	}
}

// WithXMLBody encodes v as XML and attaches it as the request body with
// Content-Type set to application/xml.
func WithXMLBody(t *testing.T, v any) RequestOption {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, xml.NewEncoder(&buf).Encode(v), "encoding XML body")
	body := buf.Bytes()
	return func(req *http.Request) {
		WithContent(body)(req)
		WithContentType("application/xml")(req)
	}
}

func DoMethod(t *testing.T, method string, url string, opts ...RequestOption) *http.Response {
	t.Helper()
	client := http.DefaultClient
	req, err := http.NewRequestWithContext(t.Context(), method, url, nil)
	require.NoError(t, err, "creating "+method+" request")
	req.SetBasicAuth(AccessKeyID, SecretAccessKey)
	for _, opt := range opts {
		opt(req)
	}
	resp, err := client.Do(req)
	require.NoErrorf(t, err, "%s %s error", method, url)
	return resp
}

func DoPut(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodPut, url, opts...)
}

func DoGet(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodGet, url, opts...)
}

func DoHead(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodHead, url, opts...)
}

func DoDelete(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodDelete, url, opts...)
}

func DoPost(t *testing.T, url string, opts ...RequestOption) *http.Response {
	return DoMethod(t, http.MethodPost, url, opts...)
}

// DecodeS3Error decodes a minimal S3 error response and returns its Code.
func DecodeS3Error(t *testing.T, r io.Reader) string {
	t.Helper()
	var s3Err struct {
		Code string `xml:"Code"`
	}
	require.NoError(t, xml.NewDecoder(r).Decode(&s3Err), "decoding S3 error XML")
	return s3Err.Code
}

func DecodeXML(t *testing.T, r io.Reader, v any) {
	t.Helper()
	require.NoError(t, xml.NewDecoder(r).Decode(v), "decoding XML response")
}

// RequireStatus checks the status, then closes the body.
func RequireStatus(t *testing.T, want int, resp *http.Response, msg string) {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, want, resp.StatusCode, msg)
}

// RequireS3Error checks the status and error code, then closes the body.
func RequireS3Error(t *testing.T, status int, code string, resp *http.Response) {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, status, resp.StatusCode, "status code")
	require.Equal(t, code, DecodeS3Error(t, resp.Body), "S3 error code")
}

func CreateBucket(t *testing.T, httpSrv *httptest.Server, bucket string, opts ...RequestOption) {
	t.Helper()
	RequireStatus(t, http.StatusOK, DoPut(t, httpSrv.URL+"/"+bucket, opts...), "PUT bucket "+bucket)
}

func PutObject(t *testing.T, httpSrv *httptest.Server, bucket, key string, data []byte, opts ...RequestOption) string {
	t.Helper()
	opts = append(opts, WithContent(data))
	resp := DoPut(t, httpSrv.URL+"/"+bucket+"/"+key, opts...)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "PUT object "+key)
	return resp.Header.Get("ETag")
}

func ReadBody(t *testing.T, resp *http.Response) []byte {
	t.Helper()
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err, "reading response body")
	return data
}

func QuotedMD5(data []byte) string {
	sum := md5.Sum(data)
	return `"` + hex.EncodeToString(sum[:]) + `"`
}

func newMinioClient(t *testing.T, httpSrv *httptest.Server) *minio.Client {
	t.Helper()

	u, err := url.Parse(httpSrv.URL)
	require.NoError(t, err, "parsing test server URL")

	client, err := minio.New(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(AccessKeyID, SecretAccessKey, ""),
		Secure:       u.Scheme == "https",
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	require.NoError(t, err, "creating MinIO client")
	return client
}

func newMinioCore(t *testing.T, httpSrv *httptest.Server) *minio.Core {
	t.Helper()

	u, err := url.Parse(httpSrv.URL)
	require.NoError(t, err, "parsing test server URL")

	coreClient, err := minio.NewCore(u.Host, &minio.Options{
		Creds:        credentials.NewStaticV4(AccessKeyID, SecretAccessKey, ""),
		Secure:       u.Scheme == "https",
		Region:       "us-east-1",
		BucketLookup: minio.BucketLookupPath,
	})
	require.NoError(t, err, "creating MinIO Core client")
	return coreClient
}

func TestNewServerRequiresDataDir(t *testing.T) {
	t.Parallel()

	_, err := server.NewServer(t.Context(), server.NewConfig())
	require.Error(t, err)
}

func TestCreateAndListBuckets(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	for _, b := range []string{"bucket1", "bucket2"} {
		CreateBucket(t, httpSrv, b)
	}

	// List buckets
	resp := DoGet(t, httpSrv.URL+"/")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET / status")

	var result server.ListAllMyBucketsResult
	DecodeXML(t, resp.Body, &result)

	require.Equal(t, OwnerID, result.Owner.ID)
	require.Equal(t, OwnerName, result.Owner.DisplayName)
	require.Len(t, result.Buckets, 2)
	require.Equal(t, "bucket1", result.Buckets[0].Name)
	require.Equal(t, "bucket2", result.Buckets[1].Name)
	require.NotEmpty(t, result.Buckets[0].CreationDate)
}

func TestListBucketsOnlyShowsOwnBuckets(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)
	PutCredential(t, srv, "otherkey", "othersecret", "owner-2", "Owner Two")
	other := WithCredentials("otherkey", "othersecret")

	CreateBucket(t, httpSrv, "mine")
	CreateBucket(t, httpSrv, "theirs", other)

	resp := DoGet(t, httpSrv.URL+"/", other)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result server.ListAllMyBucketsResult
	DecodeXML(t, resp.Body, &result)
	require.Len(t, result.Buckets, 1)
	require.Equal(t, "theirs", result.Buckets[0].Name)
	require.Equal(t, "owner-2", result.Owner.ID)
}

func TestCreateBucketConflicts(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)
	PutCredential(t, srv, "otherkey", "othersecret", "owner-2", "Owner Two")

	CreateBucket(t, httpSrv, "taken")

	RequireS3Error(t, http.StatusConflict, "BucketAlreadyOwnedByYou", DoPut(t, httpSrv.URL+"/taken"))
	RequireS3Error(t, http.StatusConflict, "BucketAlreadyExists", DoPut(t, httpSrv.URL+"/taken", WithCredentials("otherkey", "othersecret")))
}

func TestCreateBucketInvalidCannedACL(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	RequireS3Error(t, http.StatusBadRequest, "InvalidArgument", DoPut(t, httpSrv.URL+"/acl-bucket", WithHeader("x-amz-acl", "everyone-gets-everything")))
}

func TestInvalidBucketNames(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	names := []string{
		"ab",                    // too short
		strings.Repeat("a", 64), // too long
		"UpperCase",
		"-leading-hyphen",
		"trailing-hyphen-",
		"double..dot",
		"dot.-hyphen",
		"192.168.1.1",
	}

	for _, name := range names {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			RequireS3Error(t, http.StatusBadRequest, "InvalidBucketName", DoPut(t, httpSrv.URL+"/"+name))
		})
	}
}

func TestBucketLocationAndHead(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	conf := server.CreateBucketConfiguration{LocationConstraint: "eu-west-1"}
	CreateBucket(t, httpSrv, "located", WithXMLBody(t, conf))
	CreateBucket(t, httpSrv, "default-region")

	resp := DoGet(t, httpSrv.URL+"/located?location")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loc server.LocationConstraint
	DecodeXML(t, resp.Body, &loc)
	require.Equal(t, "eu-west-1", loc.Region)

	head := DoHead(t, httpSrv.URL+"/default-region")
	defer head.Body.Close()
	require.Equal(t, http.StatusOK, head.StatusCode)
	require.Equal(t, server.DefaultRegion, head.Header.Get("X-Amz-Bucket-Region"))
}

func TestBucketTrailingSlash(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	CreateBucket(t, httpSrv, "slashed")
	RequireStatus(t, http.StatusOK, DoGet(t, httpSrv.URL+"/slashed/"), "GET bucket with trailing slash")
}

func TestPutGetHeadDeleteObject(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "objects"
	CreateBucket(t, httpSrv, bucket)

	data := []byte("hello keeper")
	objURL := httpSrv.URL + "/" + bucket + "/dir/hello.txt"

	etag := PutObject(t, httpSrv, bucket, "dir/hello.txt", data,
		WithContentType("text/plain"),
		WithHeader("Cache-Control", "max-age=60"),
		WithHeader("x-amz-meta-color", "blue"),
	)
	require.Equal(t, QuotedMD5(data), etag)

	// GET returns the bytes and the stored headers.
	resp := DoGet(t, objURL)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Equal(t, "max-age=60", resp.Header.Get("Cache-Control"))
	require.Equal(t, "blue", resp.Header.Get("X-Amz-Meta-Color"))
	require.Equal(t, etag, resp.Header.Get("ETag"))
	require.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	require.Equal(t, data, ReadBody(t, resp))

	// HEAD carries the same headers and no body.
	head := DoHead(t, objURL)
	defer head.Body.Close()
	require.Equal(t, http.StatusOK, head.StatusCode)
	require.Equal(t, fmt.Sprint(len(data)), head.Header.Get("Content-Length"))
	require.Equal(t, etag, head.Header.Get("ETag"))
	require.NotEmpty(t, head.Header.Get("Last-Modified"))

	// Response overrides replace stored headers.
	override := DoGet(t, objURL+"?response-content-type=application/json&response-content-disposition=attachment")
	defer override.Body.Close()
	require.Equal(t, "application/json", override.Header.Get("Content-Type"))
	require.Equal(t, "attachment", override.Header.Get("Content-Disposition"))

	// Overwrite, then delete.
	etag2 := PutObject(t, httpSrv, bucket, "dir/hello.txt", []byte("second"))
	require.Equal(t, QuotedMD5([]byte("second")), etag2)
	require.Equal(t, []byte("second"), ReadBody(t, DoGet(t, objURL)))

	RequireStatus(t, http.StatusNoContent, DoDelete(t, objURL), "DELETE object")
	RequireS3Error(t, http.StatusNotFound, "NoSuchKey", DoGet(t, objURL))

	// Deleting a missing key still succeeds.
	RequireStatus(t, http.StatusNoContent, DoDelete(t, objURL), "DELETE missing object")
}

func TestEmptyObject(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	CreateBucket(t, httpSrv, "empty")

	etag := PutObject(t, httpSrv, "empty", "nothing", []byte{})
	require.Equal(t, `"d41d8cd98f00b204e9800998ecf8427e"`, etag)

	resp := DoGet(t, httpSrv.URL+"/empty/nothing")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, ReadBody(t, resp))
}

func TestGetObjectRange(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "ranges"
	CreateBucket(t, httpSrv, bucket)
	PutObject(t, httpSrv, bucket, "digits", []byte("0123456789"))
	objURL := httpSrv.URL + "/" + bucket + "/digits"

	tests := []struct {
		name         string
		rangeHeader  string
		wantStatus   int
		wantBody     string
		contentRange string
	}{
		{"closed", "bytes=2-5", http.StatusPartialContent, "2345", "bytes 2-5/10"},
		{"open ended", "bytes=7-", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"suffix", "bytes=-3", http.StatusPartialContent, "789", "bytes 7-9/10"},
		{"end clamped", "bytes=8-100", http.StatusPartialContent, "89", "bytes 8-9/10"},
		{"malformed is ignored", "items=0-1", http.StatusOK, "0123456789", ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp := DoGet(t, objURL, WithHeader("Range", tc.rangeHeader))
			require.Equal(t, tc.wantStatus, resp.StatusCode)
			require.Equal(t, tc.contentRange, resp.Header.Get("Content-Range"))
			require.Equal(t, tc.wantBody, string(ReadBody(t, resp)))
		})
	}

	t.Run("unsatisfiable", func(t *testing.T) {
		t.Parallel()

		resp := DoGet(t, objURL, WithHeader("Range", "bytes=10-20"))
		defer resp.Body.Close()
		require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
		require.Equal(t, "bytes */10", resp.Header.Get("Content-Range"))
		require.Equal(t, "InvalidRange", DecodeS3Error(t, resp.Body))
	})

	t.Run("head", func(t *testing.T) {
		t.Parallel()

		resp := DoHead(t, objURL, WithHeader("Range", "bytes=0-0"))
		defer resp.Body.Close()
		require.Equal(t, http.StatusPartialContent, resp.StatusCode)
		require.Equal(t, "1", resp.Header.Get("Content-Length"))
		require.Equal(t, "bytes 0-0/10", resp.Header.Get("Content-Range"))
	})
}

func TestPutObjectContentMD5(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "digests"
	CreateBucket(t, httpSrv, bucket)

	data := []byte("checked payload")
	sum := md5.Sum(data)
	good := base64.StdEncoding.EncodeToString(sum[:])
	wrong := md5.Sum([]byte("something else"))

	PutObject(t, httpSrv, bucket, "good", data, WithHeader("Content-MD5", good))

	resp := DoPut(t, httpSrv.URL+"/"+bucket+"/bad", WithContent(data), WithHeader("Content-MD5", base64.StdEncoding.EncodeToString(wrong[:])))
	RequireS3Error(t, http.StatusBadRequest, "BadDigest", resp)

	// Nothing was published for the rejected write.
	RequireS3Error(t, http.StatusNotFound, "NoSuchKey", DoGet(t, httpSrv.URL+"/"+bucket+"/bad"))

	resp = DoPut(t, httpSrv.URL+"/"+bucket+"/invalid", WithContent(data), WithHeader("Content-MD5", "not-base64!"))
	RequireS3Error(t, http.StatusBadRequest, "InvalidDigest", resp)
}

func TestPutObjectAwsChunked(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "chunked"
	CreateBucket(t, httpSrv, bucket)

	payload := "hello chunked world"
	body := fmt.Sprintf("5;chunk-signature=aaaa\r\n%s\r\n%x;chunk-signature=bbbb\r\n%s\r\n0;chunk-signature=cccc\r\n\r\n",
		payload[:5], len(payload)-5, payload[5:])

	etag := PutObject(t, httpSrv, bucket, "streamed", []byte(body),
		WithContentType("text/plain"),
		WithHeader("Content-Encoding", "aws-chunked"),
		WithHeader("X-Amz-Content-Sha256", "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"),
		WithHeader("X-Amz-Decoded-Content-Length", fmt.Sprint(len(payload))),
	)
	require.Equal(t, QuotedMD5([]byte(payload)), etag)

	resp := DoGet(t, httpSrv.URL+"/"+bucket+"/streamed")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, resp.Header.Get("Content-Encoding"), "aws-chunked is not stored")
	require.Equal(t, payload, string(ReadBody(t, resp)))

	t.Run("trailer", func(t *testing.T) {
		t.Parallel()

		body := "3\r\nabc\r\n0\r\nx-amz-checksum-crc32:NSRBwg==\r\n\r\n"
		PutObject(t, httpSrv, bucket, "trailer", []byte(body),
			WithHeader("X-Amz-Content-Sha256", "STREAMING-UNSIGNED-PAYLOAD-TRAILER"),
			WithHeader("X-Amz-Trailer", "x-amz-checksum-crc32"),
			WithHeader("X-Amz-Decoded-Content-Length", "3"),
		)
		require.Equal(t, "abc", string(ReadBody(t, DoGet(t, httpSrv.URL+"/"+bucket+"/trailer"))))
	})

	t.Run("length mismatch", func(t *testing.T) {
		t.Parallel()

		resp := DoPut(t, httpSrv.URL+"/"+bucket+"/short",
			WithContent([]byte("3\r\nabc\r\n0\r\n\r\n")),
			WithHeader("X-Amz-Content-Sha256", "STREAMING-UNSIGNED-PAYLOAD-TRAILER"),
			WithHeader("X-Amz-Decoded-Content-Length", "10"),
		)
		RequireS3Error(t, http.StatusBadRequest, "IncompleteBody", resp)
		RequireS3Error(t, http.StatusNotFound, "NoSuchKey", DoGet(t, httpSrv.URL+"/"+bucket+"/short"))
	})
}

func TestGetObjectMissingPayloadReturnsInternalError(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)

	const bucket = "damaged"
	CreateBucket(t, httpSrv, bucket)
	PutObject(t, httpSrv, bucket, "file.txt", []byte("payload"))

	// Remove the bytes behind the server's back.
	require.NoError(t, os.Remove(filepath.Join(srv.Config.DataDir, bucket, "file.txt")))

	RequireS3Error(t, http.StatusInternalServerError, "InternalError", DoGet(t, httpSrv.URL+"/"+bucket+"/file.txt"))
}

func TestListObjects(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "listing"
	CreateBucket(t, httpSrv, bucket)
	for _, key := range []string{"a/1", "a/2", "b/1", "c"} {
		PutObject(t, httpSrv, bucket, key, []byte(key))
	}

	resp := DoGet(t, httpSrv.URL+"/"+bucket+"?delimiter=/")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result server.ListBucketResult
	DecodeXML(t, resp.Body, &result)

	require.Equal(t, bucket, result.Name)
	require.False(t, result.IsTruncated)
	require.Len(t, result.Contents, 1)
	require.Equal(t, "c", result.Contents[0].Key)
	require.Equal(t, int64(1), result.Contents[0].Size)
	require.Equal(t, metadata.DefaultStorageClass, result.Contents[0].StorageClass)
	require.Equal(t, []server.CommonPrefix{{Prefix: "a/"}, {Prefix: "b/"}}, result.CommonPrefixes)

	// Marker based paging without a delimiter.
	page := DoGet(t, httpSrv.URL+"/"+bucket+"?max-keys=3")
	defer page.Body.Close()
	var first server.ListBucketResult
	DecodeXML(t, page.Body, &first)
	require.True(t, first.IsTruncated)
	require.Len(t, first.Contents, 3)
	require.Equal(t, "b/1", first.NextMarker)

	next := DoGet(t, httpSrv.URL+"/"+bucket+"?max-keys=3&marker="+url.QueryEscape(first.NextMarker))
	defer next.Body.Close()
	var second server.ListBucketResult
	DecodeXML(t, next.Body, &second)
	require.False(t, second.IsTruncated)
	require.Len(t, second.Contents, 1)
	require.Equal(t, "c", second.Contents[0].Key)

	RequireS3Error(t, http.StatusBadRequest, "InvalidArgument", DoGet(t, httpSrv.URL+"/"+bucket+"?max-keys=lots"))
}

func TestListObjectsV2Pagination(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "paging"
	CreateBucket(t, httpSrv, bucket)

	var want []string
	for i := range 5 {
		key := fmt.Sprintf("key-%d", i)
		want = append(want, key)
		PutObject(t, httpSrv, bucket, key, []byte(key))
	}

	var got []string
	token := ""
	for pages := 0; ; pages++ {
		require.Less(t, pages, 5, "too many pages")

		u := httpSrv.URL + "/" + bucket + "?list-type=2&max-keys=2"
		if token != "" {
			u += "&continuation-token=" + url.QueryEscape(token)
		}

		resp := DoGet(t, u)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var result server.ListBucketResultV2
		DecodeXML(t, resp.Body, &result)
		resp.Body.Close()

		require.Equal(t, len(result.Contents), result.KeyCount)
		require.Equal(t, 2, result.MaxKeys)
		for _, obj := range result.Contents {
			got = append(got, obj.Key)
			require.Nil(t, obj.Owner, "owner only with fetch-owner")
		}

		if !result.IsTruncated {
			require.Empty(t, result.NextContinuationToken)
			break
		}
		require.NotEmpty(t, result.NextContinuationToken)
		token = result.NextContinuationToken
	}

	require.Equal(t, want, got)
}

func TestListObjectsV2PrefixAndStartAfter(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "prefixes"
	CreateBucket(t, httpSrv, bucket)
	for _, key := range []string{"logs/1", "logs/2", "logs/3", "data/1"} {
		PutObject(t, httpSrv, bucket, key, []byte(key))
	}

	resp := DoGet(t, httpSrv.URL+"/"+bucket+"?list-type=2&prefix=logs/&start-after=logs/1&fetch-owner=true")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result server.ListBucketResultV2
	DecodeXML(t, resp.Body, &result)

	require.Equal(t, "logs/", result.Prefix)
	require.Equal(t, "logs/1", result.StartAfter)
	require.Len(t, result.Contents, 2)
	require.Equal(t, "logs/2", result.Contents[0].Key)
	require.Equal(t, "logs/3", result.Contents[1].Key)
	require.NotNil(t, result.Contents[0].Owner)
	require.Equal(t, OwnerID, result.Contents[0].Owner.ID)

	RequireS3Error(t, http.StatusBadRequest, "InvalidArgument", DoGet(t, httpSrv.URL+"/"+bucket+"?list-type=2&continuation-token=%21%21"))
}

func TestDeleteObjects(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "batch"
	CreateBucket(t, httpSrv, bucket)
	for _, key := range []string{"one", "two", "three"} {
		PutObject(t, httpSrv, bucket, key, []byte(key))
	}

	req := server.DeleteObjectsRequest{
		Objects: []server.ObjectIdentifier{{Key: "one"}, {Key: "two"}, {Key: "missing"}},
	}
	resp := DoPost(t, httpSrv.URL+"/"+bucket+"?delete", WithXMLBody(t, req))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result server.DeleteResult
	DecodeXML(t, resp.Body, &result)
	require.Empty(t, result.Errors)
	require.Equal(t, []server.DeletedObject{{Key: "one"}, {Key: "two"}, {Key: "missing"}}, result.Deleted)

	RequireS3Error(t, http.StatusNotFound, "NoSuchKey", DoGet(t, httpSrv.URL+"/"+bucket+"/one"))
	RequireStatus(t, http.StatusOK, DoGet(t, httpSrv.URL+"/"+bucket+"/three"), "GET surviving object")

	// Quiet mode only reports errors.
	quiet := server.DeleteObjectsRequest{Quiet: true, Objects: []server.ObjectIdentifier{{Key: "three"}}}
	resp = DoPost(t, httpSrv.URL+"/"+bucket+"?delete", WithXMLBody(t, quiet))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var quietResult server.DeleteResult
	DecodeXML(t, resp.Body, &quietResult)
	require.Empty(t, quietResult.Deleted)
	require.Empty(t, quietResult.Errors)

	RequireS3Error(t, http.StatusNotFound, "NoSuchKey", DoGet(t, httpSrv.URL+"/"+bucket+"/three"))

	empty := server.DeleteObjectsRequest{}
	RequireS3Error(t, http.StatusBadRequest, "MalformedXML", DoPost(t, httpSrv.URL+"/"+bucket+"?delete", WithXMLBody(t, empty)))
	RequireS3Error(t, http.StatusBadRequest, "MalformedXML", DoPost(t, httpSrv.URL+"/"+bucket+"?delete", WithContent([]byte("<Delete>"))))
}

func TestCopyObject(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "copies"
	CreateBucket(t, httpSrv, bucket)

	data := []byte("copy me")
	etag := PutObject(t, httpSrv, bucket, "src.txt", data,
		WithContentType("text/plain"),
		WithHeader("x-amz-meta-origin", "source"),
	)

	t.Run("copy directive", func(t *testing.T) {
		t.Parallel()

		resp := DoPut(t, httpSrv.URL+"/"+bucket+"/dst.txt", WithHeader("x-amz-copy-source", "/"+bucket+"/src.txt"))
		defer resp.Body.Close()
		require.Equal(t, http.StatusOK, resp.StatusCode)

		var result server.CopyObjectResult
		DecodeXML(t, resp.Body, &result)
		require.Equal(t, etag, result.ETag)
		require.NotEmpty(t, result.LastModified)

		got := DoGet(t, httpSrv.URL+"/"+bucket+"/dst.txt")
		require.Equal(t, "text/plain", got.Header.Get("Content-Type"))
		require.Equal(t, "source", got.Header.Get("X-Amz-Meta-Origin"))
		require.Equal(t, data, ReadBody(t, got))
	})

	t.Run("replace directive", func(t *testing.T) {
		t.Parallel()

		resp := DoPut(t, httpSrv.URL+"/"+bucket+"/replaced.txt",
			WithHeader("x-amz-copy-source", url.PathEscape(bucket)+"/src.txt"),
			WithHeader("x-amz-metadata-directive", "REPLACE"),
			WithContentType("text/html"),
			WithHeader("x-amz-meta-origin", "replaced"),
		)
		RequireStatus(t, http.StatusOK, resp, "copy with REPLACE")

		head := DoHead(t, httpSrv.URL+"/"+bucket+"/replaced.txt")
		defer head.Body.Close()
		require.Equal(t, "text/html", head.Header.Get("Content-Type"))
		require.Equal(t, "replaced", head.Header.Get("X-Amz-Meta-Origin"))
	})

	t.Run("onto itself", func(t *testing.T) {
		t.Parallel()

		resp := DoPut(t, httpSrv.URL+"/"+bucket+"/self.txt", WithContent([]byte("self")))
		RequireStatus(t, http.StatusOK, resp, "PUT self.txt")

		resp = DoPut(t, httpSrv.URL+"/"+bucket+"/self.txt", WithHeader("x-amz-copy-source", "/"+bucket+"/self.txt"))
		RequireS3Error(t, http.StatusBadRequest, "InvalidRequest", resp)

		resp = DoPut(t, httpSrv.URL+"/"+bucket+"/self.txt",
			WithHeader("x-amz-copy-source", "/"+bucket+"/self.txt"),
			WithHeader("x-amz-metadata-directive", "REPLACE"),
			WithContentType("application/x-self"),
		)
		RequireStatus(t, http.StatusOK, resp, "self copy with REPLACE")

		got := DoGet(t, httpSrv.URL+"/"+bucket+"/self.txt")
		require.Equal(t, "application/x-self", got.Header.Get("Content-Type"))
		require.Equal(t, "self", string(ReadBody(t, got)))
	})

	t.Run("missing source", func(t *testing.T) {
		t.Parallel()

		resp := DoPut(t, httpSrv.URL+"/"+bucket+"/nothing.txt", WithHeader("x-amz-copy-source", "/"+bucket+"/does-not-exist"))
		RequireS3Error(t, http.StatusNotFound, "NoSuchKey", resp)
	})

	t.Run("invalid source header", func(t *testing.T) {
		t.Parallel()

		resp := DoPut(t, httpSrv.URL+"/"+bucket+"/nothing.txt", WithHeader("x-amz-copy-source", "just-a-bucket"))
		RequireS3Error(t, http.StatusBadRequest, "InvalidRequest", resp)
	})

	t.Run("missing destination bucket", func(t *testing.T) {
		t.Parallel()

		resp := DoPut(t, httpSrv.URL+"/missing-dst-bucket/file.txt", WithHeader("x-amz-copy-source", "/"+bucket+"/src.txt"))
		RequireS3Error(t, http.StatusNotFound, "NoSuchBucket", resp)
	})

	t.Run("unknown directive", func(t *testing.T) {
		t.Parallel()

		resp := DoPut(t, httpSrv.URL+"/"+bucket+"/other.txt",
			WithHeader("x-amz-copy-source", "/"+bucket+"/src.txt"),
			WithHeader("x-amz-metadata-directive", "MERGE"),
		)
		RequireS3Error(t, http.StatusBadRequest, "InvalidArgument", resp)
	})
}

func TestBucketAndObjectACL(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "acls"
	CreateBucket(t, httpSrv, bucket, WithHeader("x-amz-acl", "public-read"))
	PutObject(t, httpSrv, bucket, "obj", []byte("x"))

	// The canned ACL given at creation is reported as grants.
	body := string(ReadBody(t, DoGet(t, httpSrv.URL+"/"+bucket+"?acl")))
	require.Contains(t, body, "FULL_CONTROL")
	require.Contains(t, body, "http://acs.amazonaws.com/groups/global/AllUsers")
	require.Contains(t, body, OwnerID)

	// Objects without an ACL are private.
	body = string(ReadBody(t, DoGet(t, httpSrv.URL+"/"+bucket+"/obj?acl")))
	require.Contains(t, body, "FULL_CONTROL")
	require.NotContains(t, body, "AllUsers")

	// A policy document is stored and returned verbatim.
	policy := `<AccessControlPolicy xmlns="http://s3.amazonaws.com/doc/2006-03-01/"><Owner><ID>owner-1</ID></Owner><AccessControlList><Grant><Grantee xmlns:xsi="http://www.w3.org/2001/XMLSchema-instance" xsi:type="CanonicalUser"><ID>someone</ID></Grantee><Permission>READ</Permission></Grant></AccessControlList></AccessControlPolicy>`
	RequireStatus(t, http.StatusOK, DoPut(t, httpSrv.URL+"/"+bucket+"/obj?acl", WithContent([]byte(policy))), "PUT object ACL")
	require.Equal(t, policy, string(ReadBody(t, DoGet(t, httpSrv.URL+"/"+bucket+"/obj?acl"))))

	RequireStatus(t, http.StatusOK, DoPut(t, httpSrv.URL+"/"+bucket+"?acl", WithHeader("x-amz-acl", "private")), "PUT bucket ACL")
	body = string(ReadBody(t, DoGet(t, httpSrv.URL+"/"+bucket+"?acl")))
	require.NotContains(t, body, "AllUsers")

	RequireS3Error(t, http.StatusBadRequest, "MalformedACLError", DoPut(t, httpSrv.URL+"/"+bucket+"?acl", WithContent([]byte("<not-closed>"))))
	RequireS3Error(t, http.StatusNotFound, "NoSuchKey", DoPut(t, httpSrv.URL+"/"+bucket+"/missing?acl", WithHeader("x-amz-acl", "private")))
	RequireS3Error(t, http.StatusNotFound, "NoSuchBucket", DoGet(t, httpSrv.URL+"/missing-bucket?acl"))
}

func TestDeleteBucket(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)

	const bucket = "doomed"
	CreateBucket(t, httpSrv, bucket)
	PutObject(t, httpSrv, bucket, "file", []byte("data"))

	RequireS3Error(t, http.StatusConflict, "BucketNotEmpty", DoDelete(t, httpSrv.URL+"/"+bucket))

	RequireStatus(t, http.StatusNoContent, DoDelete(t, httpSrv.URL+"/"+bucket+"/file"), "DELETE object")

	// An open multipart upload also keeps the bucket alive.
	uploadID := InitiateUpload(t, httpSrv, bucket, "pending")
	RequireS3Error(t, http.StatusConflict, "BucketNotEmpty", DoDelete(t, httpSrv.URL+"/"+bucket))
	RequireStatus(t, http.StatusNoContent, DoDelete(t, httpSrv.URL+"/"+bucket+"/pending?uploadId="+uploadID), "abort upload")

	RequireStatus(t, http.StatusNoContent, DoDelete(t, httpSrv.URL+"/"+bucket), "DELETE bucket")
	RequireStatus(t, http.StatusNotFound, DoHead(t, httpSrv.URL+"/"+bucket), "HEAD deleted bucket")

	_, err := os.Stat(filepath.Join(srv.Config.DataDir, bucket))
	require.True(t, os.IsNotExist(err), "bucket directory removed")

	RequireS3Error(t, http.StatusNotFound, "NoSuchBucket", DoDelete(t, httpSrv.URL+"/"+bucket))
}

func TestAuthentication(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)
	require.NoError(t, srv.Config.Store.PutCredential(t.Context(), &metadata.CredentialRecord{
		AccessKeyID: "disabled",
		SecretKey:   "secret",
		OwnerID:     "owner-3",
		Active:      false,
	}))

	tests := []struct {
		name       string
		opt        RequestOption
		wantStatus int
		wantCode   string
	}{
		{"anonymous", Anonymous(), http.StatusForbidden, "AccessDenied"},
		{"wrong secret", WithCredentials(AccessKeyID, "wrong"), http.StatusForbidden, "SignatureDoesNotMatch"},
		{"unknown key", WithCredentials("nobody", "secret"), http.StatusForbidden, "InvalidAccessKeyId"},
		{"inactive key", WithCredentials("disabled", "secret"), http.StatusForbidden, "InvalidAccessKeyId"},
		{"malformed sigv4", WithHeader("Authorization", "AWS4-HMAC-SHA256 garbage"), http.StatusBadRequest, "AuthorizationHeaderMalformed"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			RequireS3Error(t, tc.wantStatus, tc.wantCode, DoGet(t, httpSrv.URL+"/", tc.opt))
		})
	}
}

func TestErrorResponsesTableDriven(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	CreateBucket(t, httpSrv, "some-bucket")

	tests := []struct {
		name           string
		method         string
		path           string
		wantStatusCode int
		wantErrorCode  string
		expectBody     bool
	}{
		{
			name:           "NoSuchBucket on HeadBucket",
			method:         http.MethodHead,
			path:           "/nonexistent-bucket",
			wantStatusCode: http.StatusNotFound,
		},
		{
			name:           "NoSuchBucket on ListObjects",
			method:         http.MethodGet,
			path:           "/nonexistent-bucket",
			wantStatusCode: http.StatusNotFound,
			wantErrorCode:  "NoSuchBucket",
			expectBody:     true,
		},
		{
			name:           "NoSuchBucket on GET object",
			method:         http.MethodGet,
			path:           "/nonexistent-bucket/key",
			wantStatusCode: http.StatusNotFound,
			wantErrorCode:  "NoSuchBucket",
			expectBody:     true,
		},
		{
			name:           "NoSuchBucket on PUT object",
			method:         http.MethodPut,
			path:           "/nonexistent-bucket/key",
			wantStatusCode: http.StatusNotFound,
			wantErrorCode:  "NoSuchBucket",
			expectBody:     true,
		},
		{
			name:           "NoSuchKey on GET object",
			method:         http.MethodGet,
			path:           "/some-bucket/missing-key",
			wantStatusCode: http.StatusNotFound,
			wantErrorCode:  "NoSuchKey",
			expectBody:     true,
		},
		{
			name:           "NoSuchKey on HEAD object",
			method:         http.MethodHead,
			path:           "/some-bucket/missing-key",
			wantStatusCode: http.StatusNotFound,
		},
		{
			name:           "NoSuchUpload on ListParts",
			method:         http.MethodGet,
			path:           "/some-bucket/key?uploadId=missing",
			wantStatusCode: http.StatusNotFound,
			wantErrorCode:  "NoSuchUpload",
			expectBody:     true,
		},
		{
			name:           "NoSuchUpload on AbortMultipartUpload",
			method:         http.MethodDelete,
			path:           "/some-bucket/key?uploadId=missing",
			wantStatusCode: http.StatusNotFound,
			wantErrorCode:  "NoSuchUpload",
			expectBody:     true,
		},
		{
			name:           "NoSuchBucket on CreateMultipartUpload",
			method:         http.MethodPost,
			path:           "/nonexistent-bucket/key?uploads",
			wantStatusCode: http.StatusNotFound,
			wantErrorCode:  "NoSuchBucket",
			expectBody:     true,
		},
		{
			name:           "InvalidArgument on bad part number",
			method:         http.MethodPut,
			path:           "/some-bucket/key?uploadId=missing&partNumber=abc",
			wantStatusCode: http.StatusBadRequest,
			wantErrorCode:  "InvalidArgument",
			expectBody:     true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp := DoMethod(t, tc.method, httpSrv.URL+tc.path)
			defer resp.Body.Close()

			require.Equal(t, tc.wantStatusCode, resp.StatusCode, "status code")
			if !tc.expectBody {
				return
			}

			require.Equal(t, tc.wantErrorCode, DecodeS3Error(t, resp.Body), "S3 error code")
		})
	}
}

// TestUnknownRoutes ensures that requests which use unsupported HTTP methods
// for otherwise valid paths return 405 Method Not Allowed from the standard
// library router.
func TestUnknownRoutes(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{
			name:   "POST root",
			method: http.MethodPost,
			path:   "/",
		},
		{
			name:   "PATCH bucket",
			method: http.MethodPatch,
			path:   "/some-bucket",
		},
		{
			name:   "PATCH object",
			method: http.MethodPatch,
			path:   "/some-bucket/some-key",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			resp := DoMethod(t, tc.method, httpSrv.URL+tc.path)
			defer resp.Body.Close()

			require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode, "status code")
		})
	}
}

// TestNotImplementedRoutes exercises a representative set of S3-style
// operations that are stubbed and should return NotImplemented.
func TestNotImplementedRoutes(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	tests := []struct {
		name   string
		method string
		path   string
	}{
		{"DeleteBucketReplication", http.MethodDelete, "/bucket?replication"},
		{"PutBucketVersioning", http.MethodPut, "/bucket?versioning"},
		{"GetBucketTagging", http.MethodGet, "/bucket?tagging"},
		{"ListObjectVersions", http.MethodGet, "/bucket?versions"},
		{"PutObjectTagging", http.MethodPut, "/bucket/key?tagging"},
		{"RestoreObject", http.MethodPost, "/bucket/key?restore"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			RequireS3Error(t, http.StatusNotImplemented, "NotImplemented", DoMethod(t, tc.method, httpSrv.URL+tc.path))
		})
	}
}

func TestMinioClientRoundTrip(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	client := newMinioClient(t, httpSrv)
	ctx := t.Context()

	const bucket = "minio-bucket"
	require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: "us-east-1"}), "MakeBucket via MinIO client")

	exists, err := client.BucketExists(ctx, bucket)
	require.NoError(t, err)
	require.True(t, exists)

	data := []byte("small object through minio-go")
	_, err = client.PutObject(ctx, bucket, "docs/readme.txt", bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "text/plain",
	})
	require.NoError(t, err, "PutObject via MinIO client")

	info, err := client.StatObject(ctx, bucket, "docs/readme.txt", minio.StatObjectOptions{})
	require.NoError(t, err)
	require.Equal(t, int64(len(data)), info.Size)
	require.Equal(t, "text/plain", info.ContentType)

	obj, err := client.GetObject(ctx, bucket, "docs/readme.txt", minio.GetObjectOptions{})
	require.NoError(t, err)
	got, err := io.ReadAll(obj)
	obj.Close()
	require.NoError(t, err)
	require.Equal(t, data, got)

	var keys []string
	for o := range client.ListObjects(ctx, bucket, minio.ListObjectsOptions{Recursive: true}) {
		require.NoError(t, o.Err)
		keys = append(keys, o.Key)
	}
	require.Equal(t, []string{"docs/readme.txt"}, keys)

	require.NoError(t, client.RemoveObject(ctx, bucket, "docs/readme.txt", minio.RemoveObjectOptions{}))
	require.NoError(t, client.RemoveBucket(ctx, bucket))
}

func TestMultipartUploadUsingMinioClient(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	client := newMinioClient(t, httpSrv)
	ctx := t.Context()

	const (
		bucket = "minio-multipart-bucket"
		object = "large-object.bin"
	)

	// Create bucket via MinIO client.
	err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: "us-east-1"})
	require.NoError(t, err, "MakeBucket via MinIO client")

	// Prepare a payload large enough to trigger multipart upload in
	// minio-go (threshold is 16MiB).
	size := int64(20 * 1024 * 1024) // 20 MiB
	data := bytes.Repeat([]byte("0123456789abcdef"), int(size/16))
	require.Equal(t, size, int64(len(data)), "test payload size")

	putInfo, err := client.PutObject(ctx, bucket, object, bytes.NewReader(data), size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	require.NoError(t, err, "PutObject via MinIO client")
	require.Equal(t, size, putInfo.Size, "uploaded size")
	require.NotEmpty(t, putInfo.ETag, "uploaded ETag")

	// Read the object back and verify its content.
	obj, err := client.GetObject(ctx, bucket, object, minio.GetObjectOptions{})
	require.NoError(t, err, "GetObject via MinIO client")
	defer obj.Close()

	got, err := io.ReadAll(obj)
	require.NoError(t, err, "reading object data")
	require.Equal(t, data, got, "round-trip multipart payload mismatch")
}

// TestAbortMultipartUploadUsingMinioCore verifies that aborting a multipart
// upload via the MinIO Core API removes the upload and its part data.
func TestAbortMultipartUploadUsingMinioCore(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t)
	coreClient := newMinioCore(t, httpSrv)
	ctx := t.Context()

	const (
		bucket = "minio-abort-multipart-bucket"
		object = "multipart-object.bin"
	)

	client := newMinioClient(t, httpSrv)
	require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: "us-east-1"}), "MakeBucket via MinIO client")

	uploadID, err := coreClient.NewMultipartUpload(ctx, bucket, object, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	require.NoError(t, err, "NewMultipartUpload via MinIO Core")
	require.NotEmpty(t, uploadID, "uploadID should not be empty")

	data := []byte("part data")
	_, err = coreClient.PutObjectPart(ctx, bucket, object, uploadID, 1, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
	require.NoError(t, err, "PutObjectPart via MinIO Core")

	partsDir := filepath.Join(srv.Config.DataDir, ".parts", uploadID)
	_, err = os.Stat(partsDir)
	require.NoError(t, err, "part data staged")

	require.NoError(t, coreClient.AbortMultipartUpload(ctx, bucket, object, uploadID), "AbortMultipartUpload via MinIO Core")

	_, err = os.Stat(partsDir)
	require.True(t, os.IsNotExist(err), "expected part data to be removed after abort")

	RequireS3Error(t, http.StatusNotFound, "NoSuchUpload", DoGet(t, httpSrv.URL+"/"+bucket+"/"+object+"?uploadId="+uploadID))
}

// TestExplicitMultipartUploadUsingMinioCore performs a full multipart
// upload sequence using the MinIO Core API: initiate, upload parts,
// complete, and then verifies the final object contents via a regular
// GET request to the server.
func TestExplicitMultipartUploadUsingMinioCore(t *testing.T) {
	t.Parallel()

	srv, httpSrv := NewTestServer(t, server.WithMinPartSize(1024*1024))
	coreClient := newMinioCore(t, httpSrv)
	ctx := t.Context()

	const (
		bucket = "minio-core-multipart-bucket"
		object = "core-multipart-object.bin"
	)

	client := newMinioClient(t, httpSrv)
	require.NoError(t, client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: "us-east-1"}), "MakeBucket via MinIO client")

	uploadID, err := coreClient.NewMultipartUpload(ctx, bucket, object, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	require.NoError(t, err, "NewMultipartUpload via MinIO Core")
	require.NotEmpty(t, uploadID, "uploadID should not be empty")

	// Prepare three distinct parts and remember their combined payload.
	partData := [][]byte{
		bytes.Repeat([]byte("AAAA"), 256*1024), // 1 MiB
		bytes.Repeat([]byte("BBBB"), 256*1024),
		bytes.Repeat([]byte("CCCC"), 128*1024), // smaller last part
	}

	var full bytes.Buffer
	var parts []minio.CompletePart

	for i, data := range partData {
		partNumber := i + 1
		full.Write(data)

		objPart, err := coreClient.PutObjectPart(ctx, bucket, object, uploadID, partNumber, bytes.NewReader(data), int64(len(data)), minio.PutObjectPartOptions{})
		require.NoErrorf(t, err, "PutObjectPart via MinIO Core for part %d", partNumber)
		require.Equal(t, strings.Trim(QuotedMD5(data), `"`), strings.Trim(objPart.ETag, `"`))

		parts = append(parts, minio.CompletePart{
			PartNumber: partNumber,
			ETag:       objPart.ETag,
		})
	}

	listed, err := coreClient.ListObjectParts(ctx, bucket, object, uploadID, 0, 1000)
	require.NoError(t, err, "ListObjectParts via MinIO Core")
	require.Len(t, listed.ObjectParts, 3)

	_, err = coreClient.CompleteMultipartUpload(ctx, bucket, object, uploadID, parts, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	require.NoError(t, err, "CompleteMultipartUpload via MinIO Core")

	// Fetch the final object via the regular HTTP GET helper and
	// verify its contents match the concatenated parts.
	resp := DoGet(t, httpSrv.URL+"/"+bucket+"/"+object)
	require.Equal(t, http.StatusOK, resp.StatusCode, "GET completed multipart object status")
	require.True(t, strings.HasSuffix(resp.Header.Get("ETag"), `-3"`), "composite etag")
	require.Equal(t, full.Bytes(), ReadBody(t, resp), "completed multipart object payload mismatch")

	// Completion removes the staged parts.
	_, err = os.Stat(filepath.Join(srv.Config.DataDir, ".parts", uploadID))
	require.True(t, os.IsNotExist(err), "expected part data to be removed after completion")
}

func InitiateUpload(t *testing.T, httpSrv *httptest.Server, bucket, key string, opts ...RequestOption) string {
	t.Helper()

	resp := DoPost(t, httpSrv.URL+"/"+bucket+"/"+key+"?uploads", opts...)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "initiate multipart upload")

	var result server.InitiateMultipartUploadResult
	DecodeXML(t, resp.Body, &result)
	require.Equal(t, bucket, result.Bucket)
	require.Equal(t, key, result.Key)
	require.NotEmpty(t, result.UploadID)
	return result.UploadID
}

func UploadPart(t *testing.T, httpSrv *httptest.Server, bucket, key, uploadID string, partNumber int, data []byte) string {
	t.Helper()

	u := fmt.Sprintf("%s/%s/%s?partNumber=%d&uploadId=%s", httpSrv.URL, bucket, key, partNumber, url.QueryEscape(uploadID))
	resp := DoPut(t, u, WithContent(data))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "upload part %d", partNumber)
	return resp.Header.Get("ETag")
}

func CompleteUpload(t *testing.T, httpSrv *httptest.Server, bucket, key, uploadID string, parts ...server.CompletePart) *http.Response {
	t.Helper()

	body := server.CompleteMultipartUpload{Parts: parts}
	return DoPost(t, httpSrv.URL+"/"+bucket+"/"+key+"?uploadId="+url.QueryEscape(uploadID), WithXMLBody(t, body))
}

func TestCompleteMultipartUploadValidation(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const (
		bucket = "validation"
		key    = "assembled.bin"
	)
	CreateBucket(t, httpSrv, bucket)

	uploadID := InitiateUpload(t, httpSrv, bucket, key,
		WithContentType("application/x-custom"),
		WithHeader("x-amz-meta-stage", "multipart"),
	)
	etag1 := UploadPart(t, httpSrv, bucket, key, uploadID, 1, []byte("first part"))
	etag2 := UploadPart(t, httpSrv, bucket, key, uploadID, 2, []byte("second part"))

	tests := []struct {
		name  string
		parts []server.CompletePart
		code  string
	}{
		{"too small", []server.CompletePart{{1, etag1}, {2, etag2}}, "EntityTooSmall"},
		{"wrong etag", []server.CompletePart{{1, `"00000000000000000000000000000000"`}}, "InvalidPart"},
		{"never uploaded", []server.CompletePart{{3, etag2}}, "InvalidPart"},
		{"out of order", []server.CompletePart{{2, etag2}, {1, etag1}}, "InvalidPartOrder"},
		{"duplicate", []server.CompletePart{{1, etag1}, {1, etag1}}, "InvalidPartOrder"},
		{"empty", nil, "MalformedXML"},
	}

	for _, tc := range tests {
		RequireS3Error(t, http.StatusBadRequest, tc.code, CompleteUpload(t, httpSrv, bucket, key, uploadID, tc.parts...))
	}

	// Failed completions leave the upload and its parts untouched.
	resp := DoGet(t, httpSrv.URL+"/"+bucket+"/"+key+"?uploadId="+url.QueryEscape(uploadID))
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var listed server.ListPartsResult
	DecodeXML(t, resp.Body, &listed)
	require.Len(t, listed.Parts, 2)

	RequireS3Error(t, http.StatusNotFound, "NoSuchKey", DoGet(t, httpSrv.URL+"/"+bucket+"/"+key))

	// A different key cannot complete the upload.
	RequireS3Error(t, http.StatusNotFound, "NoSuchUpload", CompleteUpload(t, httpSrv, bucket, "other-key", uploadID, server.CompletePart{PartNumber: 2, ETag: etag2}))

	// A single (last) part has no size minimum.
	done := CompleteUpload(t, httpSrv, bucket, key, uploadID, server.CompletePart{PartNumber: 2, ETag: etag2})
	defer done.Body.Close()
	require.Equal(t, http.StatusOK, done.StatusCode)

	var result server.CompleteMultipartUploadResult
	DecodeXML(t, done.Body, &result)
	require.Equal(t, bucket, result.Bucket)
	require.Equal(t, key, result.Key)
	require.True(t, strings.HasSuffix(result.ETag, `-1"`), "composite etag")
	require.True(t, strings.HasSuffix(result.Location, "/"+bucket+"/"+key))

	got := DoGet(t, httpSrv.URL+"/"+bucket+"/"+key)
	require.Equal(t, "application/x-custom", got.Header.Get("Content-Type"))
	require.Equal(t, "multipart", got.Header.Get("X-Amz-Meta-Stage"))
	require.Equal(t, result.ETag, got.Header.Get("ETag"))
	require.Equal(t, "second part", string(ReadBody(t, got)))

	// The upload is gone once completed.
	RequireS3Error(t, http.StatusNotFound, "NoSuchUpload", CompleteUpload(t, httpSrv, bucket, key, uploadID, server.CompletePart{PartNumber: 2, ETag: etag2}))
	RequireS3Error(t, http.StatusBadRequest, "InvalidArgument", DoPut(t, httpSrv.URL+"/"+bucket+"/"+key+"?partNumber=10001&uploadId="+url.QueryEscape(uploadID), WithContent([]byte("x"))))
}

func TestCompleteMultipartUploadMalformedBody(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)
	CreateBucket(t, httpSrv, "malformed")
	uploadID := InitiateUpload(t, httpSrv, "malformed", "key")

	resp := DoPost(t, httpSrv.URL+"/malformed/key?uploadId="+url.QueryEscape(uploadID), WithContent([]byte("<CompleteMultipartUpload><Part>")))
	RequireS3Error(t, http.StatusBadRequest, "MalformedXML", resp)
}

func TestUploadPartCopy(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "part-copy"
	CreateBucket(t, httpSrv, bucket)
	PutObject(t, httpSrv, bucket, "source", []byte("0123456789"))

	uploadID := InitiateUpload(t, httpSrv, bucket, "target")
	u := httpSrv.URL + "/" + bucket + "/target?partNumber=1&uploadId=" + url.QueryEscape(uploadID)

	resp := DoPut(t, u,
		WithHeader("x-amz-copy-source", "/"+bucket+"/source"),
		WithHeader("x-amz-copy-source-range", "bytes=2-5"),
	)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result server.CopyPartResult
	DecodeXML(t, resp.Body, &result)
	require.Equal(t, QuotedMD5([]byte("2345")), result.ETag)
	require.NotEmpty(t, result.LastModified)

	RequireS3Error(t, http.StatusBadRequest, "InvalidArgument", DoPut(t, u,
		WithHeader("x-amz-copy-source", "/"+bucket+"/source"),
		WithHeader("x-amz-copy-source-range", "bytes=5-2"),
	))
	RequireS3Error(t, http.StatusNotFound, "NoSuchKey", DoPut(t, u, WithHeader("x-amz-copy-source", "/"+bucket+"/missing")))

	done := CompleteUpload(t, httpSrv, bucket, "target", uploadID, server.CompletePart{PartNumber: 1, ETag: result.ETag})
	RequireStatus(t, http.StatusOK, done, "complete upload")
	require.Equal(t, "2345", string(ReadBody(t, DoGet(t, httpSrv.URL+"/"+bucket+"/target"))))
}

func TestListParts(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const (
		bucket = "parts"
		key    = "object"
	)
	CreateBucket(t, httpSrv, bucket)
	uploadID := InitiateUpload(t, httpSrv, bucket, key)
	for n := 1; n <= 3; n++ {
		UploadPart(t, httpSrv, bucket, key, uploadID, n, []byte(fmt.Sprintf("part-%d", n)))
	}

	base := httpSrv.URL + "/" + bucket + "/" + key + "?uploadId=" + url.QueryEscape(uploadID)

	resp := DoGet(t, base+"&max-parts=2")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var first server.ListPartsResult
	DecodeXML(t, resp.Body, &first)
	require.Equal(t, uploadID, first.UploadID)
	require.Equal(t, OwnerID, first.Initiator.ID)
	require.Equal(t, metadata.DefaultStorageClass, first.StorageClass)
	require.True(t, first.IsTruncated)
	require.Equal(t, 2, first.NextPartNumberMarker)
	require.Len(t, first.Parts, 2)
	require.Equal(t, 1, first.Parts[0].PartNumber)
	require.Equal(t, int64(len("part-1")), first.Parts[0].Size)

	next := DoGet(t, base+"&part-number-marker=2")
	defer next.Body.Close()
	var second server.ListPartsResult
	DecodeXML(t, next.Body, &second)
	require.False(t, second.IsTruncated)
	require.Len(t, second.Parts, 1)
	require.Equal(t, 3, second.Parts[0].PartNumber)

	// Re-uploading a part replaces it.
	etag := UploadPart(t, httpSrv, bucket, key, uploadID, 3, []byte("replacement"))
	again := DoGet(t, base+"&part-number-marker=2")
	defer again.Body.Close()
	var third server.ListPartsResult
	DecodeXML(t, again.Body, &third)
	require.Len(t, third.Parts, 1)
	require.Equal(t, etag, third.Parts[0].ETag)

	RequireS3Error(t, http.StatusBadRequest, "InvalidArgument", DoGet(t, base+"&part-number-marker=-1"))
}

func TestListMultipartUploads(t *testing.T) {
	t.Parallel()

	_, httpSrv := NewTestServer(t)

	const bucket = "uploads"
	CreateBucket(t, httpSrv, bucket)

	idA := InitiateUpload(t, httpSrv, bucket, "a.bin")
	idB := InitiateUpload(t, httpSrv, bucket, "b.bin")

	resp := DoGet(t, httpSrv.URL+"/"+bucket+"?uploads")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var all server.ListMultipartUploadsResult
	DecodeXML(t, resp.Body, &all)
	require.Equal(t, bucket, all.Bucket)
	require.False(t, all.IsTruncated)
	require.Len(t, all.Uploads, 2)
	require.Equal(t, "a.bin", all.Uploads[0].Key)
	require.Equal(t, idA, all.Uploads[0].UploadID)
	require.Equal(t, OwnerID, all.Uploads[0].Owner.ID)
	require.NotEmpty(t, all.Uploads[0].Initiated)

	page := DoGet(t, httpSrv.URL+"/"+bucket+"?uploads&max-uploads=1")
	defer page.Body.Close()
	var first server.ListMultipartUploadsResult
	DecodeXML(t, page.Body, &first)
	require.True(t, first.IsTruncated)
	require.Len(t, first.Uploads, 1)
	require.Equal(t, "a.bin", first.NextKeyMarker)
	require.Equal(t, idA, first.NextUploadIDMarker)

	prefixed := DoGet(t, httpSrv.URL+"/"+bucket+"?uploads&prefix=b")
	defer prefixed.Body.Close()
	var onlyB server.ListMultipartUploadsResult
	DecodeXML(t, prefixed.Body, &onlyB)
	require.Len(t, onlyB.Uploads, 1)
	require.Equal(t, idB, onlyB.Uploads[0].UploadID)

	RequireStatus(t, http.StatusNoContent, DoDelete(t, httpSrv.URL+"/"+bucket+"/a.bin?uploadId="+idA), "abort a.bin")

	after := DoGet(t, httpSrv.URL+"/"+bucket+"?uploads")
	defer after.Body.Close()
	var remaining server.ListMultipartUploadsResult
	DecodeXML(t, after.Body, &remaining)
	require.Len(t, remaining.Uploads, 1)
	require.Equal(t, "b.bin", remaining.Uploads[0].Key)

	RequireS3Error(t, http.StatusNotFound, "NoSuchBucket", DoGet(t, httpSrv.URL+"/missing-bucket?uploads"))
}

// TestStartupRecovery restarts a server over the same data directory and
// checks that interrupted writes and parts of vanished uploads are swept
// while live uploads keep their parts.
func TestStartupRecovery(t *testing.T) {
	t.Parallel()

	ctx := t.Context()
	dataDir := t.TempDir()

	srv, err := server.NewServer(ctx, server.NewConfig(server.WithDataDir(dataDir)))
	require.NoError(t, err)

	require.NoError(t, srv.Config.Store.CreateBucket(ctx, &metadata.BucketRecord{Name: "survivor", OwnerID: OwnerID}))
	live := &metadata.MultipartUploadRecord{Bucket: "survivor", Key: "live"}
	require.NoError(t, srv.Config.Store.CreateMultipartUpload(ctx, live))
	_, err = srv.Config.Backend.PutPart(ctx, live.UploadID, 1, strings.NewReader("kept"))
	require.NoError(t, err)

	_, err = srv.Config.Backend.PutPart(ctx, "vanished-upload", 1, strings.NewReader("orphan"))
	require.NoError(t, err)

	leftover := filepath.Join(dataDir, ".tmp", "interrupted-write")
	require.NoError(t, os.WriteFile(leftover, []byte("partial"), 0o644))

	require.NoError(t, srv.Close())

	restarted, err := server.NewServer(ctx, server.NewConfig(server.WithDataDir(dataDir)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = restarted.Close() })

	_, err = os.Stat(leftover)
	require.True(t, os.IsNotExist(err), "staging leftovers removed")

	_, err = os.Stat(filepath.Join(dataDir, ".parts", "vanished-upload"))
	require.True(t, os.IsNotExist(err), "orphan parts reclaimed")

	_, err = os.Stat(filepath.Join(dataDir, ".parts", live.UploadID, "1"))
	require.NoError(t, err, "live upload keeps its parts")

	upload, err := restarted.Config.Store.GetMultipartUpload(ctx, live.UploadID)
	require.NoError(t, err)
	require.NotNil(t, upload)
}
