// Package metadata holds the authoritative state of keeper: buckets, objects,
// in-progress multipart uploads, their parts and credentials.
//
// Two implementations of Store are provided, a SQLite backed store for
// production use and an in-memory store for tests and ephemeral servers.
package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	ErrBucketAlreadyExists = errors.New("bucket already exists")
	ErrNoSuchBucket        = errors.New("no such bucket")
	ErrBucketNotEmpty      = errors.New("bucket not empty")
	ErrNoSuchKey           = errors.New("no such key")
	ErrNoSuchUpload        = errors.New("no such upload")
	ErrUploadExists        = errors.New("upload already exists")
)

const (
	DefaultStorageClass = "STANDARD"

	// MaxListKeys is the largest page any listing operation will return.
	MaxListKeys = 1000
)

// ContentHeaders are the optional HTTP representation headers stored with an
// object, and copied from a multipart upload onto its final object.
type ContentHeaders struct {
	ContentType        string
	ContentEncoding    string
	ContentLanguage    string
	ContentDisposition string
	CacheControl       string
	Expires            string
}

type BucketRecord struct {
	Name         string
	CreationDate time.Time
	Region       string
	OwnerID      string
	OwnerDisplay string
	ACL          json.RawMessage
}

// ObjectRecord describes a visible object. Writing an existing (Bucket, Key)
// fully replaces the record.
type ObjectRecord struct {
	Bucket string
	Key    string
	Size   int64
	ETag   string
	ContentHeaders
	StorageClass string
	UserMetadata json.RawMessage
	LastModified time.Time
	ACL          json.RawMessage
	DeleteMarker bool
}

// MultipartUploadRecord represents an in-progress object that is not yet
// visible to readers.
type MultipartUploadRecord struct {
	UploadID string
	Bucket   string
	Key      string
	ContentHeaders
	StorageClass string
	ACL          json.RawMessage
	UserMetadata json.RawMessage
	OwnerID      string
	OwnerDisplay string
	InitiatedAt  time.Time
}

type PartRecord struct {
	UploadID     string
	PartNumber   int
	Size         int64
	ETag         string
	LastModified time.Time
}

// CredentialRecord maps an access key to its owner. Inactive credentials are
// invisible to GetCredential.
type CredentialRecord struct {
	AccessKeyID string
	SecretKey   string
	OwnerID     string
	DisplayName string
	Active      bool
	CreatedAt   time.Time
}

type ListObjectsOptions struct {
	Prefix     string
	Delimiter  string
	StartAfter string
	MaxKeys    int
}

// ListObjectsResult is a single page of a listing. NextToken is the last
// entry returned (an object key or a common prefix) and is only meaningful
// when IsTruncated is set.
type ListObjectsResult struct {
	Objects        []ObjectRecord
	CommonPrefixes []string
	IsTruncated    bool
	NextToken      string
}

type ListPartsOptions struct {
	MaxParts         int
	PartNumberMarker int
}

type ListPartsResult struct {
	Parts                []PartRecord
	IsTruncated          bool
	NextPartNumberMarker int
}

type ListUploadsOptions struct {
	Prefix         string
	KeyMarker      string
	UploadIDMarker string
	MaxUploads     int
}

type ListUploadsResult struct {
	Uploads            []MultipartUploadRecord
	IsTruncated        bool
	NextKeyMarker      string
	NextUploadIDMarker string
}

// DeleteResult reports whether one key of a batch delete existed.
type DeleteResult struct {
	Key     string
	Existed bool
}

// Store is the metadata capability set. Lookups return a nil record and a nil
// error when the record is absent. All methods are safe for concurrent use.
type Store interface {
	CreateBucket(ctx context.Context, bucket *BucketRecord) error
	GetBucket(ctx context.Context, name string) (*BucketRecord, error)
	DeleteBucket(ctx context.Context, name string) error
	ListBuckets(ctx context.Context, ownerID string) ([]BucketRecord, error)
	BucketExists(ctx context.Context, name string) (bool, error)
	UpdateBucketACL(ctx context.Context, name string, acl json.RawMessage) error

	PutObjectMeta(ctx context.Context, obj *ObjectRecord) error
	GetObjectMeta(ctx context.Context, bucket, key string) (*ObjectRecord, error)
	DeleteObjectMeta(ctx context.Context, bucket, key string) (bool, error)
	DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]DeleteResult, error)
	ObjectExists(ctx context.Context, bucket, key string) (bool, error)
	UpdateObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error
	ListObjectsMeta(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error)

	CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) error
	GetMultipartUpload(ctx context.Context, uploadID string) (*MultipartUploadRecord, error)
	AbortMultipartUpload(ctx context.Context, uploadID string) error
	PutPartMeta(ctx context.Context, part *PartRecord) error
	ListPartsMeta(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error)
	GetPartsForCompletion(ctx context.Context, uploadID string) ([]PartRecord, error)
	CompleteMultipartUpload(ctx context.Context, uploadID string, obj *ObjectRecord) error
	ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error)
	ListUploadIDs(ctx context.Context) ([]string, error)

	GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error)
	PutCredential(ctx context.Context, cred *CredentialRecord) error

	Close() error
}

// clock hands out write timestamps that never move backwards, even if the
// wall clock does. Timestamps are truncated to what the stores persist.
type clock struct {
	mu   sync.Mutex
	last int64
}

func (c *clock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := time.Now().UnixNano()
	if n <= c.last {
		n = c.last + 1
	}
	c.last = n
	return time.Unix(0, n).UTC()
}

func normalizeLimit(n int) int {
	if n <= 0 || n > MaxListKeys {
		return MaxListKeys
	}
	return n
}

func cloneRaw(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	out := make(json.RawMessage, len(b))
	copy(out, b)
	return out
}

func (o ObjectRecord) clone() ObjectRecord {
	o.UserMetadata = cloneRaw(o.UserMetadata)
	o.ACL = cloneRaw(o.ACL)
	return o
}

func (b BucketRecord) clone() BucketRecord {
	b.ACL = cloneRaw(b.ACL)
	return b
}

func (u MultipartUploadRecord) clone() MultipartUploadRecord {
	u.ACL = cloneRaw(u.ACL)
	u.UserMetadata = cloneRaw(u.UserMetadata)
	return u
}
