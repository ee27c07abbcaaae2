// Package storage persists object and part bytes. Every write is staged
// privately, flushed, and then atomically published, so readers observe
// either the previous bytes or the complete new bytes.
package storage

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
)

var (
	ErrNotFound     = errors.New("object not found")
	ErrInvalidRange = errors.New("invalid range")
	ErrInvalidName  = errors.New("invalid object name")
)

// ObjectInfo describes bytes that were just written. ETag is the quoted
// hex MD5 of the content.
type ObjectInfo struct {
	Size int64
	ETag string
}

// ObjectReader streams (part of) an object. Size is the size of the whole
// object; Offset and Length describe the bytes the reader yields.
type ObjectReader struct {
	io.ReadCloser
	Size   int64
	Offset int64
	Length int64
}

type Backend interface {
	// Init performs startup reconciliation. It runs on every start and
	// removes anything left behind by interrupted writes.
	Init(ctx context.Context) error

	Put(ctx context.Context, bucket, key string, r io.Reader) (ObjectInfo, error)

	// Get returns ErrNotFound if the object does not exist and
	// ErrInvalidRange if rng cannot be satisfied.
	Get(ctx context.Context, bucket, key string, rng *ByteRange) (*ObjectReader, error)

	// Delete is idempotent.
	Delete(ctx context.Context, bucket, key string) error
	Exists(ctx context.Context, bucket, key string) (bool, error)
	CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (ObjectInfo, error)

	// PutPart stores one part of a multipart upload, replacing any previous
	// bytes for the same part number.
	PutPart(ctx context.Context, uploadID string, partNumber int, r io.Reader) (ObjectInfo, error)

	// AssembleParts concatenates the given parts, in order, into the final
	// object and returns the number of bytes written.
	AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (int64, error)

	// DeleteParts removes all part bytes of an upload. Missing parts are not
	// an error.
	DeleteParts(ctx context.Context, uploadID string) error

	// DeleteBucket removes whatever remains of a bucket's namespace.
	DeleteBucket(ctx context.Context, bucket string) error
}

// PartUploadLister is implemented by backends that can enumerate the uploads
// they hold part bytes for.
type PartUploadLister interface {
	ListPartUploads(ctx context.Context) ([]string, error)
}

func formatETag(sum []byte) string {
	return `"` + hex.EncodeToString(sum) + `"`
}

// contextReader fails reads once its context is done, so a copy loop stops
// as soon as the caller goes away.
type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
