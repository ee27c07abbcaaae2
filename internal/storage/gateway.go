package storage

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
)

// gatewayPartSize bounds the memory minio-go buffers for writes of unknown
// length.
const gatewayPartSize = 16 << 20

// GatewayBackend stores bytes in a single bucket of a remote S3 compatible
// service. Objects live at {bucket}/{key} and parts at
// .parts/{upload_id}/{part_number} within the remote bucket. A remote PUT is
// the atomic publish; the remote never exposes a partially uploaded object.
type GatewayBackend struct {
	client *minio.Client
	bucket string
}

func NewGateway(client *minio.Client, remoteBucket string) *GatewayBackend {
	return &GatewayBackend{client: client, bucket: remoteBucket}
}

func (g *GatewayBackend) objectKey(bucket, key string) (string, error) {
	if !validBucketName(bucket) {
		return "", fmt.Errorf("%w: bucket %q", ErrInvalidName, bucket)
	}
	if key == "" {
		return "", fmt.Errorf("%w: empty key", ErrInvalidName)
	}
	return bucket + "/" + key, nil
}

func (g *GatewayBackend) uploadPrefix(uploadID string) (string, error) {
	if !validSegment(uploadID) {
		return "", fmt.Errorf("%w: upload %q", ErrInvalidName, uploadID)
	}
	return partsDir + "/" + uploadID + "/", nil
}

func (g *GatewayBackend) partKey(uploadID string, partNumber int) (string, error) {
	prefix, err := g.uploadPrefix(uploadID)
	if err != nil {
		return "", err
	}
	if partNumber <= 0 {
		return "", fmt.Errorf("%w: part %d", ErrInvalidName, partNumber)
	}
	return prefix + strconv.Itoa(partNumber), nil
}

func isNotFound(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.StatusCode == http.StatusNotFound
}

// Init makes sure the remote bucket exists. Remote writes never leave
// staging data behind, so there is nothing to sweep.
func (g *GatewayBackend) Init(ctx context.Context) error {
	found, err := g.client.BucketExists(ctx, g.bucket)
	if err != nil {
		return fmt.Errorf("check remote bucket: %w", err)
	}
	if found {
		return nil
	}

	slog.Info("Creating remote bucket", "bucket", g.bucket)
	if err := g.client.MakeBucket(ctx, g.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create remote bucket: %w", err)
	}
	return nil
}

// upload streams r to the remote key while hashing it locally.
func (g *GatewayBackend) upload(ctx context.Context, remoteKey string, r io.Reader, size int64) (ObjectInfo, error) {
	hash := md5.New()
	counter := &countingWriter{}
	tee := io.TeeReader(contextReader{ctx: ctx, r: r}, io.MultiWriter(hash, counter))

	_, err := g.client.PutObject(ctx, g.bucket, remoteKey, tee, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
		PartSize:    gatewayPartSize,
	})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("remote put %s: %w", remoteKey, err)
	}

	return ObjectInfo{Size: counter.n, ETag: formatETag(hash.Sum(nil))}, nil
}

type countingWriter struct {
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	return len(p), nil
}

func (g *GatewayBackend) stat(ctx context.Context, remoteKey string) (minio.ObjectInfo, error) {
	info, err := g.client.StatObject(ctx, g.bucket, remoteKey, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			return minio.ObjectInfo{}, ErrNotFound
		}
		return minio.ObjectInfo{}, fmt.Errorf("remote stat %s: %w", remoteKey, err)
	}
	return info, nil
}

func (g *GatewayBackend) Put(ctx context.Context, bucket, key string, r io.Reader) (ObjectInfo, error) {
	remoteKey, err := g.objectKey(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return g.upload(ctx, remoteKey, r, -1)
}

func (g *GatewayBackend) Get(ctx context.Context, bucket, key string, rng *ByteRange) (*ObjectReader, error) {
	remoteKey, err := g.objectKey(bucket, key)
	if err != nil {
		return nil, err
	}

	info, err := g.stat(ctx, remoteKey)
	if err != nil {
		return nil, err
	}

	offset, length, err := rng.Resolve(info.Size)
	if err != nil {
		return nil, err
	}

	if length == 0 {
		return &ObjectReader{ReadCloser: io.NopCloser(strings.NewReader("")), Size: info.Size}, nil
	}

	opts := minio.GetObjectOptions{}
	if rng != nil {
		if err := opts.SetRange(offset, offset+length-1); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRange, err)
		}
	}

	obj, err := g.client.GetObject(ctx, g.bucket, remoteKey, opts)
	if err != nil {
		return nil, fmt.Errorf("remote get %s: %w", remoteKey, err)
	}

	return &ObjectReader{
		ReadCloser: obj,
		Size:       info.Size,
		Offset:     offset,
		Length:     length,
	}, nil
}

func (g *GatewayBackend) Delete(ctx context.Context, bucket, key string) error {
	remoteKey, err := g.objectKey(bucket, key)
	if err != nil {
		return err
	}
	if err := g.client.RemoveObject(ctx, g.bucket, remoteKey, minio.RemoveObjectOptions{}); err != nil && !isNotFound(err) {
		return fmt.Errorf("remote delete %s: %w", remoteKey, err)
	}
	return nil
}

func (g *GatewayBackend) Exists(ctx context.Context, bucket, key string) (bool, error) {
	remoteKey, err := g.objectKey(bucket, key)
	if err != nil {
		return false, err
	}

	_, err = g.stat(ctx, remoteKey)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// copyFrom streams the remote object at srcKey into dstKey.
func (g *GatewayBackend) copyFrom(ctx context.Context, srcKey, dstKey string) (ObjectInfo, error) {
	info, err := g.stat(ctx, srcKey)
	if err != nil {
		return ObjectInfo{}, err
	}

	src, err := g.client.GetObject(ctx, g.bucket, srcKey, minio.GetObjectOptions{})
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("remote get %s: %w", srcKey, err)
	}
	defer src.Close()

	return g.upload(ctx, dstKey, src, info.Size)
}

func (g *GatewayBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (ObjectInfo, error) {
	from, err := g.objectKey(srcBucket, srcKey)
	if err != nil {
		return ObjectInfo{}, err
	}
	to, err := g.objectKey(dstBucket, dstKey)
	if err != nil {
		return ObjectInfo{}, err
	}
	return g.copyFrom(ctx, from, to)
}

func (g *GatewayBackend) PutPart(ctx context.Context, uploadID string, partNumber int, r io.Reader) (ObjectInfo, error) {
	remoteKey, err := g.partKey(uploadID, partNumber)
	if err != nil {
		return ObjectInfo{}, err
	}
	return g.upload(ctx, remoteKey, r, -1)
}

// lazyObject defers opening a remote object until it is first read. It
// releases the object at EOF or on Close, whichever comes first.
type lazyObject struct {
	open   func() (io.ReadCloser, error)
	rc     io.ReadCloser
	closed bool
}

func (l *lazyObject) Read(p []byte) (int, error) {
	if l.closed {
		return 0, io.EOF
	}
	if l.rc == nil {
		rc, err := l.open()
		if err != nil {
			return 0, err
		}
		l.rc = rc
	}
	n, err := l.rc.Read(p)
	if errors.Is(err, io.EOF) {
		_ = l.Close()
	}
	return n, err
}

func (l *lazyObject) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	if l.rc == nil {
		return nil
	}
	return l.rc.Close()
}

func (g *GatewayBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (int64, error) {
	dest, err := g.objectKey(bucket, key)
	if err != nil {
		return 0, err
	}

	var (
		total   int64
		readers []io.Reader
		parts   []*lazyObject
	)
	defer func() {
		for _, part := range parts {
			_ = part.Close()
		}
	}()

	for _, n := range partNumbers {
		partKey, err := g.partKey(uploadID, n)
		if err != nil {
			return 0, err
		}

		info, err := g.stat(ctx, partKey)
		if err != nil {
			return 0, fmt.Errorf("part %d: %w", n, err)
		}
		total += info.Size

		part := &lazyObject{open: func() (io.ReadCloser, error) {
			return g.client.GetObject(ctx, g.bucket, partKey, minio.GetObjectOptions{})
		}}
		parts = append(parts, part)
		readers = append(readers, part)
	}

	info, err := g.upload(ctx, dest, io.MultiReader(readers...), total)
	if err != nil {
		return 0, fmt.Errorf("assemble parts: %w", err)
	}
	return info.Size, nil
}

// removePrefix deletes every remote object under prefix.
func (g *GatewayBackend) removePrefix(ctx context.Context, prefix string) error {
	objects := g.client.ListObjects(ctx, g.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true})

	toDelete := make(chan minio.ObjectInfo)
	var listErr error
	go func() {
		defer close(toDelete)
		for obj := range objects {
			if obj.Err != nil {
				listErr = obj.Err
				return
			}
			select {
			case toDelete <- obj:
			case <-ctx.Done():
				return
			}
		}
	}()

	var errs []error
	for rerr := range g.client.RemoveObjects(ctx, g.bucket, toDelete, minio.RemoveObjectsOptions{}) {
		if !isNotFound(rerr.Err) {
			errs = append(errs, fmt.Errorf("remove %s: %w", rerr.ObjectName, rerr.Err))
		}
	}
	if listErr != nil {
		errs = append(errs, listErr)
	}
	return errors.Join(errs...)
}

func (g *GatewayBackend) DeleteParts(ctx context.Context, uploadID string) error {
	prefix, err := g.uploadPrefix(uploadID)
	if err != nil {
		return err
	}
	return g.removePrefix(ctx, prefix)
}

func (g *GatewayBackend) DeleteBucket(ctx context.Context, bucket string) error {
	if !validBucketName(bucket) {
		return fmt.Errorf("%w: bucket %q", ErrInvalidName, bucket)
	}
	return g.removePrefix(ctx, bucket+"/")
}

func (g *GatewayBackend) ListPartUploads(ctx context.Context) ([]string, error) {
	var ids []string
	for obj := range g.client.ListObjects(ctx, g.bucket, minio.ListObjectsOptions{Prefix: partsDir + "/"}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		id := path.Base(strings.TrimSuffix(obj.Key, "/"))
		if strings.HasSuffix(obj.Key, "/") && validSegment(id) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
