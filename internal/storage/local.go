package storage

import (
	"context"
	"crypto/md5"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/google/uuid"
)

const (
	stagingDir = ".tmp"
	partsDir   = ".parts"
)

// LocalBackend stores bytes on the local filesystem:
//
//	{root}/{bucket}/{key}                     published objects
//	{root}/.tmp/{id}                          in-flight writes
//	{root}/.parts/{upload_id}/{part_number}   staged multipart parts
type LocalBackend struct {
	root string
}

func NewLocal(root string) *LocalBackend {
	return &LocalBackend{root: root}
}

// Root returns the directory the backend stores data under.
func (b *LocalBackend) Root() string {
	return b.root
}

// Init creates the layout and discards every staging file, since any file
// found there belongs to a write that never published.
func (b *LocalBackend) Init(ctx context.Context) error {
	staging := filepath.Join(b.root, stagingDir)

	entries, err := os.ReadDir(staging)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read staging dir: %w", err)
	}

	swept := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := os.RemoveAll(filepath.Join(staging, entry.Name())); err != nil {
			slog.Warn("Failed to remove staging file", "name", entry.Name(), "err", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		slog.Info("Removed interrupted writes", "count", swept)
	}

	for _, dir := range []string{staging, filepath.Join(b.root, partsDir)} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func validBucketName(bucket string) bool {
	return bucket != "" &&
		!strings.HasPrefix(bucket, ".") &&
		!strings.ContainsAny(bucket, `/\`+"\x00")
}

func validSegment(s string) bool {
	return s != "" && s != "." && s != ".." && !strings.ContainsAny(s, `/\`+"\x00")
}

func (b *LocalBackend) bucketPath(bucket string) (string, error) {
	if !validBucketName(bucket) {
		return "", fmt.Errorf("%w: bucket %q", ErrInvalidName, bucket)
	}
	return filepath.Join(b.root, bucket), nil
}

// objectPath maps bucket and key to a path under the bucket directory,
// rejecting keys that would resolve outside of it.
func (b *LocalBackend) objectPath(bucket, key string) (string, error) {
	bucketDir, err := b.bucketPath(bucket)
	if err != nil {
		return "", err
	}

	if key == "" || strings.ContainsRune(key, 0) {
		return "", fmt.Errorf("%w: key %q", ErrInvalidName, key)
	}
	for _, segment := range strings.Split(key, "/") {
		if segment == "." || segment == ".." {
			return "", fmt.Errorf("%w: key %q", ErrInvalidName, key)
		}
	}

	full := filepath.Join(bucketDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(bucketDir, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: key %q", ErrInvalidName, key)
	}
	return full, nil
}

func (b *LocalBackend) uploadPath(uploadID string) (string, error) {
	if !validSegment(uploadID) {
		return "", fmt.Errorf("%w: upload %q", ErrInvalidName, uploadID)
	}
	return filepath.Join(b.root, partsDir, uploadID), nil
}

func (b *LocalBackend) partPath(uploadID string, partNumber int) (string, error) {
	dir, err := b.uploadPath(uploadID)
	if err != nil {
		return "", err
	}
	if partNumber <= 0 {
		return "", fmt.Errorf("%w: part %d", ErrInvalidName, partNumber)
	}
	return filepath.Join(dir, strconv.Itoa(partNumber)), nil
}

// write stages r in the private staging directory while hashing it, flushes
// it, and publishes it at dest. If anything fails, or ctx is done before the
// publish, dest is left untouched.
func (b *LocalBackend) write(ctx context.Context, dest string, r io.Reader) (ObjectInfo, error) {
	tmpPath := filepath.Join(b.root, stagingDir, uuid.NewString())

	f, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return ObjectInfo{}, fmt.Errorf("create staging file: %w", err)
	}

	published := false
	defer func() {
		if !published {
			_ = os.Remove(tmpPath)
		}
	}()

	hash := md5.New()
	n, err := io.Copy(io.MultiWriter(f, hash), contextReader{ctx: ctx, r: r})
	if err != nil {
		f.Close()
		return ObjectInfo{}, fmt.Errorf("write staging file: %w", err)
	}

	if err := f.Sync(); err != nil {
		f.Close()
		return ObjectInfo{}, fmt.Errorf("sync staging file: %w", err)
	}
	if err := f.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("close staging file: %w", err)
	}

	if err := ctx.Err(); err != nil {
		return ObjectInfo{}, err
	}

	if err := publishFile(tmpPath, dest); err != nil {
		return ObjectInfo{}, fmt.Errorf("publish: %w", err)
	}
	published = true

	return ObjectInfo{Size: n, ETag: formatETag(hash.Sum(nil))}, nil
}

func (b *LocalBackend) Put(ctx context.Context, bucket, key string, r io.Reader) (ObjectInfo, error) {
	dest, err := b.objectPath(bucket, key)
	if err != nil {
		return ObjectInfo{}, err
	}
	return b.write(ctx, dest, r)
}

func (b *LocalBackend) Get(ctx context.Context, bucket, key string, rng *ByteRange) (*ObjectReader, error) {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return nil, err
	}

	f, err := openRegular(objPath)
	if err != nil {
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}

	offset, length, err := rng.Resolve(info.Size())
	if err != nil {
		f.Close()
		return nil, err
	}

	return &ObjectReader{
		ReadCloser: sectionReadCloser{SectionReader: io.NewSectionReader(f, offset, length), f: f},
		Size:       info.Size(),
		Offset:     offset,
		Length:     length,
	}, nil
}

type sectionReadCloser struct {
	*io.SectionReader
	f *os.File
}

func (s sectionReadCloser) Close() error {
	return s.f.Close()
}

// openRegular opens path for reading, mapping a missing file (or a
// directory standing where a file is expected) to ErrNotFound.
func openRegular(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if !info.Mode().IsRegular() {
		f.Close()
		return nil, ErrNotFound
	}
	return f, nil
}

func (b *LocalBackend) Delete(_ context.Context, bucket, key string) error {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return err
	}

	info, err := os.Lstat(objPath)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return nil
		}
		return err
	}
	if info.IsDir() {
		return nil
	}

	if err := os.Remove(objPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	bucketDir, _ := b.bucketPath(bucket)
	pruneEmptyDirs(filepath.Dir(objPath), bucketDir)
	return nil
}

func (b *LocalBackend) Exists(_ context.Context, bucket, key string) (bool, error) {
	objPath, err := b.objectPath(bucket, key)
	if err != nil {
		return false, err
	}

	info, err := os.Stat(objPath)
	if err != nil {
		if os.IsNotExist(err) || errors.Is(err, syscall.ENOTDIR) {
			return false, nil
		}
		return false, err
	}
	return info.Mode().IsRegular(), nil
}

func (b *LocalBackend) CopyObject(ctx context.Context, srcBucket, srcKey, dstBucket, dstKey string) (ObjectInfo, error) {
	srcPath, err := b.objectPath(srcBucket, srcKey)
	if err != nil {
		return ObjectInfo{}, err
	}
	dest, err := b.objectPath(dstBucket, dstKey)
	if err != nil {
		return ObjectInfo{}, err
	}

	src, err := openRegular(srcPath)
	if err != nil {
		return ObjectInfo{}, err
	}
	defer src.Close()

	return b.write(ctx, dest, src)
}

func (b *LocalBackend) PutPart(ctx context.Context, uploadID string, partNumber int, r io.Reader) (ObjectInfo, error) {
	dest, err := b.partPath(uploadID, partNumber)
	if err != nil {
		return ObjectInfo{}, err
	}
	return b.write(ctx, dest, r)
}

// partsReader concatenates part files, opening each one only when the
// previous one is exhausted.
type partsReader struct {
	paths   []string
	current *os.File
}

func (p *partsReader) Read(buf []byte) (int, error) {
	for {
		if p.current == nil {
			if len(p.paths) == 0 {
				return 0, io.EOF
			}
			f, err := openRegular(p.paths[0])
			if err != nil {
				return 0, fmt.Errorf("open part %s: %w", filepath.Base(p.paths[0]), err)
			}
			p.current = f
			p.paths = p.paths[1:]
		}

		n, err := p.current.Read(buf)
		if errors.Is(err, io.EOF) {
			p.current.Close()
			p.current = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (p *partsReader) Close() error {
	if p.current != nil {
		return p.current.Close()
	}
	return nil
}

func (b *LocalBackend) AssembleParts(ctx context.Context, bucket, key, uploadID string, partNumbers []int) (int64, error) {
	dest, err := b.objectPath(bucket, key)
	if err != nil {
		return 0, err
	}

	paths := make([]string, 0, len(partNumbers))
	for _, n := range partNumbers {
		p, err := b.partPath(uploadID, n)
		if err != nil {
			return 0, err
		}
		paths = append(paths, p)
	}

	parts := &partsReader{paths: paths}
	defer parts.Close()

	info, err := b.write(ctx, dest, parts)
	if err != nil {
		return 0, fmt.Errorf("assemble parts: %w", err)
	}
	return info.Size, nil
}

func (b *LocalBackend) DeleteParts(_ context.Context, uploadID string) error {
	dir, err := b.uploadPath(uploadID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (b *LocalBackend) DeleteBucket(_ context.Context, bucket string) error {
	dir, err := b.bucketPath(bucket)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func (b *LocalBackend) ListPartUploads(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(b.root, partsDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var ids []string
	for _, entry := range entries {
		if entry.IsDir() {
			ids = append(ids, entry.Name())
		}
	}
	return ids, nil
}
