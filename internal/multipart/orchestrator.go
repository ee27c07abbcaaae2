// Package multipart coordinates multipart uploads between the metadata store
// and a storage backend. Completion validates every caller supplied part
// before any bytes move, assembles the object, and commits exactly once.
package multipart

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/eteran/keeper/internal/metadata"
	"github.com/eteran/keeper/internal/storage"
)

var (
	ErrInvalidPartOrder  = errors.New("part numbers must be strictly ascending")
	ErrInvalidPart       = errors.New("part not found or etag mismatch")
	ErrEntityTooSmall    = errors.New("part smaller than the minimum allowed size")
	ErrNoParts           = errors.New("no parts given")
	ErrInvalidPartNumber = errors.New("part number out of range")
)

const (
	DefaultMinPartSize = 5 << 20
	MaxPartNumber      = 10000
)

type Orchestrator struct {
	store       metadata.Store
	backend     storage.Backend
	minPartSize int64
	locks       uploadLocks
}

type Option func(*Orchestrator)

// WithMinPartSize sets the smallest size allowed for every part but the last.
func WithMinPartSize(n int64) Option {
	return func(o *Orchestrator) {
		o.minPartSize = n
	}
}

func New(store metadata.Store, backend storage.Backend, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		store:       store,
		backend:     backend,
		minPartSize: DefaultMinPartSize,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

type UploadPartInput struct {
	Bucket     string
	Key        string
	UploadID   string
	PartNumber int
	Body       io.Reader
}

type UploadPartCopyInput struct {
	Bucket       string
	Key          string
	UploadID     string
	PartNumber   int
	SourceBucket string
	SourceKey    string
	SourceRange  *storage.ByteRange
}

// CompletedPart is one entry of a completion request as sent by the client.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

type CompleteInput struct {
	Bucket   string
	Key      string
	UploadID string
	Parts    []CompletedPart
}

// Create starts a new upload. An empty UploadID is assigned by the store.
func (o *Orchestrator) Create(ctx context.Context, upload *metadata.MultipartUploadRecord) error {
	return o.store.CreateMultipartUpload(ctx, upload)
}

// lookup returns the upload only if it belongs to bucket/key.
func (o *Orchestrator) lookup(ctx context.Context, bucket, key, uploadID string) (*metadata.MultipartUploadRecord, error) {
	upload, err := o.store.GetMultipartUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if upload == nil || upload.Bucket != bucket || upload.Key != key {
		return nil, metadata.ErrNoSuchUpload
	}
	return upload, nil
}

func validPartNumber(n int) error {
	if n < 1 || n > MaxPartNumber {
		return fmt.Errorf("%w: %d", ErrInvalidPartNumber, n)
	}
	return nil
}

// storePart writes the part bytes and then records them. Bytes that were
// written for an upload that vanished in between are reclaimed at startup.
func (o *Orchestrator) storePart(ctx context.Context, uploadID string, partNumber int, r io.Reader) (*metadata.PartRecord, error) {
	info, err := o.backend.PutPart(ctx, uploadID, partNumber, r)
	if err != nil {
		return nil, fmt.Errorf("store part %d: %w", partNumber, err)
	}

	part := &metadata.PartRecord{
		UploadID:   uploadID,
		PartNumber: partNumber,
		Size:       info.Size,
		ETag:       info.ETag,
	}
	if err := o.store.PutPartMeta(ctx, part); err != nil {
		return nil, err
	}
	return part, nil
}

func (o *Orchestrator) UploadPart(ctx context.Context, in UploadPartInput) (*metadata.PartRecord, error) {
	if err := validPartNumber(in.PartNumber); err != nil {
		return nil, err
	}

	unlock := o.locks.rlock(in.UploadID)
	defer unlock()

	if _, err := o.lookup(ctx, in.Bucket, in.Key, in.UploadID); err != nil {
		return nil, err
	}
	return o.storePart(ctx, in.UploadID, in.PartNumber, in.Body)
}

// UploadPartCopy fills a part from an existing object, optionally limited to
// a byte range of it.
func (o *Orchestrator) UploadPartCopy(ctx context.Context, in UploadPartCopyInput) (*metadata.PartRecord, error) {
	if err := validPartNumber(in.PartNumber); err != nil {
		return nil, err
	}

	unlock := o.locks.rlock(in.UploadID)
	defer unlock()

	if _, err := o.lookup(ctx, in.Bucket, in.Key, in.UploadID); err != nil {
		return nil, err
	}

	src, err := o.store.GetObjectMeta(ctx, in.SourceBucket, in.SourceKey)
	if err != nil {
		return nil, err
	}
	if src == nil {
		return nil, metadata.ErrNoSuchKey
	}

	obj, err := o.backend.Get(ctx, in.SourceBucket, in.SourceKey, in.SourceRange)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			slog.Error("Object payload missing", "bucket", in.SourceBucket, "key", in.SourceKey)
		}
		return nil, fmt.Errorf("read copy source: %w", err)
	}
	defer obj.Close()

	return o.storePart(ctx, in.UploadID, in.PartNumber, obj)
}

// validate checks the requested part list against the stored parts and
// returns the matching records in request order. The first violation wins.
func (o *Orchestrator) validate(ctx context.Context, uploadID string, requested []CompletedPart) ([]metadata.PartRecord, error) {
	if len(requested) == 0 {
		return nil, ErrNoParts
	}

	prev := 0
	for _, p := range requested {
		if p.PartNumber <= prev {
			return nil, fmt.Errorf("%w: part %d follows part %d", ErrInvalidPartOrder, p.PartNumber, prev)
		}
		prev = p.PartNumber
	}

	stored, err := o.store.GetPartsForCompletion(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	byNumber := make(map[int]metadata.PartRecord, len(stored))
	for _, p := range stored {
		byNumber[p.PartNumber] = p
	}

	parts := make([]metadata.PartRecord, 0, len(requested))
	for _, p := range requested {
		rec, ok := byNumber[p.PartNumber]
		if !ok {
			return nil, fmt.Errorf("%w: part %d was never uploaded", ErrInvalidPart, p.PartNumber)
		}
		if normalizeETag(rec.ETag) != normalizeETag(p.ETag) {
			return nil, fmt.Errorf("%w: part %d etag %s does not match %s", ErrInvalidPart, p.PartNumber, p.ETag, rec.ETag)
		}
		parts = append(parts, rec)
	}

	for _, p := range parts[:len(parts)-1] {
		if p.Size < o.minPartSize {
			return nil, fmt.Errorf("%w: part %d is %d bytes", ErrEntityTooSmall, p.PartNumber, p.Size)
		}
	}
	return parts, nil
}

// Complete validates the requested parts, assembles them into the final
// object and commits it. On success the upload no longer exists.
func (o *Orchestrator) Complete(ctx context.Context, in CompleteInput) (*metadata.ObjectRecord, error) {
	unlock := o.locks.lock(in.UploadID)
	defer unlock()

	upload, err := o.lookup(ctx, in.Bucket, in.Key, in.UploadID)
	if err != nil {
		return nil, err
	}

	parts, err := o.validate(ctx, in.UploadID, in.Parts)
	if err != nil {
		return nil, err
	}

	numbers := make([]int, len(parts))
	etags := make([]string, len(parts))
	var expected int64
	for i, p := range parts {
		numbers[i] = p.PartNumber
		etags[i] = p.ETag
		expected += p.Size
	}

	etag, err := CompositeETag(etags)
	if err != nil {
		return nil, err
	}

	size, err := o.backend.AssembleParts(ctx, in.Bucket, in.Key, in.UploadID, numbers)
	if err != nil {
		return nil, fmt.Errorf("assemble upload %s: %w", in.UploadID, err)
	}
	if size != expected {
		slog.Error("Assembled size differs from recorded parts",
			"bucket", in.Bucket, "key", in.Key, "upload_id", in.UploadID, "size", size, "expected", expected)
	}

	obj := &metadata.ObjectRecord{
		Bucket:         in.Bucket,
		Key:            in.Key,
		Size:           size,
		ETag:           etag,
		ContentHeaders: upload.ContentHeaders,
		StorageClass:   upload.StorageClass,
		UserMetadata:   upload.UserMetadata,
		ACL:            upload.ACL,
	}
	if err := o.store.CompleteMultipartUpload(ctx, in.UploadID, obj); err != nil {
		return nil, err
	}

	o.discardParts(ctx, in.UploadID)
	return obj, nil
}

// Abort removes the upload, then makes a best effort to delete its parts.
func (o *Orchestrator) Abort(ctx context.Context, bucket, key, uploadID string) error {
	unlock := o.locks.lock(uploadID)
	defer unlock()

	if _, err := o.lookup(ctx, bucket, key, uploadID); err != nil {
		return err
	}
	if err := o.store.AbortMultipartUpload(ctx, uploadID); err != nil {
		return err
	}

	o.discardParts(ctx, uploadID)
	return nil
}

func (o *Orchestrator) discardParts(ctx context.Context, uploadID string) {
	if err := o.backend.DeleteParts(context.WithoutCancel(ctx), uploadID); err != nil {
		slog.Warn("Failed to delete part data", "upload_id", uploadID, "err", err)
	}
}
