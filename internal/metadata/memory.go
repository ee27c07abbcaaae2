package metadata

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type memoryBucket struct {
	record  BucketRecord
	objects map[string]ObjectRecord
	keys    []string // sorted keys of objects
}

type memoryUpload struct {
	record MultipartUploadRecord
	parts  map[int]PartRecord
}

// MemoryStore is a Store kept entirely in process memory. One RWMutex guards
// all state; each call holds it only for its own duration.
type MemoryStore struct {
	mu          sync.RWMutex
	clock       clock
	buckets     map[string]*memoryBucket
	uploads     map[string]*memoryUpload
	credentials map[string]CredentialRecord
}

func NewMemory() *MemoryStore {
	return &MemoryStore{
		buckets:     make(map[string]*memoryBucket),
		uploads:     make(map[string]*memoryUpload),
		credentials: make(map[string]CredentialRecord),
	}
}

func (m *MemoryStore) Close() error {
	return nil
}

// Buckets

func (m *MemoryStore) CreateBucket(_ context.Context, bucket *BucketRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buckets[bucket.Name]; ok {
		return ErrBucketAlreadyExists
	}

	bucket.CreationDate = m.clock.now()
	m.buckets[bucket.Name] = &memoryBucket{
		record:  bucket.clone(),
		objects: make(map[string]ObjectRecord),
	}
	return nil
}

func (m *MemoryStore) GetBucket(_ context.Context, name string) (*BucketRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buckets[name]
	if !ok {
		return nil, nil
	}
	rec := b.record.clone()
	return &rec, nil
}

func (m *MemoryStore) DeleteBucket(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[name]
	if !ok {
		return ErrNoSuchBucket
	}
	if len(b.objects) > 0 {
		return ErrBucketNotEmpty
	}
	for _, u := range m.uploads {
		if u.record.Bucket == name {
			return ErrBucketNotEmpty
		}
	}

	delete(m.buckets, name)
	return nil
}

func (m *MemoryStore) ListBuckets(_ context.Context, ownerID string) ([]BucketRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []BucketRecord
	for _, b := range m.buckets {
		if ownerID != "" && b.record.OwnerID != ownerID {
			continue
		}
		out = append(out, b.record.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) BucketExists(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.buckets[name]
	return ok, nil
}

func (m *MemoryStore) UpdateBucketACL(_ context.Context, name string, acl json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[name]
	if !ok {
		return ErrNoSuchBucket
	}
	b.record.ACL = cloneRaw(acl)
	return nil
}

// Objects

func (b *memoryBucket) put(obj ObjectRecord) {
	if _, ok := b.objects[obj.Key]; !ok {
		i, _ := slices.BinarySearch(b.keys, obj.Key)
		b.keys = slices.Insert(b.keys, i, obj.Key)
	}
	b.objects[obj.Key] = obj
}

func (b *memoryBucket) remove(key string) bool {
	if _, ok := b.objects[key]; !ok {
		return false
	}
	delete(b.objects, key)
	if i, found := slices.BinarySearch(b.keys, key); found {
		b.keys = slices.Delete(b.keys, i, i+1)
	}
	return true
}

func (m *MemoryStore) PutObjectMeta(_ context.Context, obj *ObjectRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[obj.Bucket]
	if !ok {
		return ErrNoSuchBucket
	}

	obj.LastModified = m.clock.now()
	b.put(obj.clone())
	return nil
}

func (m *MemoryStore) GetObjectMeta(_ context.Context, bucket, key string) (*ObjectRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return nil, nil
	}
	obj, ok := b.objects[key]
	if !ok {
		return nil, nil
	}
	obj = obj.clone()
	return &obj, nil
}

func (m *MemoryStore) DeleteObjectMeta(_ context.Context, bucket, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return false, nil
	}
	return b.remove(key), nil
}

func (m *MemoryStore) DeleteObjectsMeta(_ context.Context, bucket string, keys []string) ([]DeleteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.buckets[bucket]
	found := make(map[string]bool, len(keys))
	if b != nil {
		for _, k := range keys {
			if b.remove(k) {
				found[k] = true
			}
		}
	}

	results := make([]DeleteResult, len(keys))
	for i, k := range keys {
		results[i] = DeleteResult{Key: k, Existed: found[k]}
	}
	return results, nil
}

func (m *MemoryStore) ObjectExists(_ context.Context, bucket, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return false, nil
	}
	_, ok = b.objects[key]
	return ok, nil
}

func (m *MemoryStore) UpdateObjectACL(_ context.Context, bucket, key string, acl json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return ErrNoSuchKey
	}
	obj, ok := b.objects[key]
	if !ok {
		return ErrNoSuchKey
	}
	obj.ACL = cloneRaw(acl)
	b.objects[key] = obj
	return nil
}

func (m *MemoryStore) ListObjectsMeta(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.buckets[bucket]
	if !ok {
		return nil, ErrNoSuchBucket
	}

	upper, bounded := prefixSuccessor(opts.Prefix)

	scan := func(_ context.Context, from seek, limit int) ([]ObjectRecord, error) {
		i, found := slices.BinarySearch(b.keys, from.key)
		if found && !from.inclusive {
			i++
		}

		var out []ObjectRecord
		for ; i < len(b.keys) && len(out) < limit; i++ {
			k := b.keys[i]
			if bounded && k >= upper {
				break
			}
			out = append(out, b.objects[k].clone())
		}
		return out, nil
	}

	return listObjects(ctx, scan, opts)
}

// Multipart uploads

func (m *MemoryStore) CreateMultipartUpload(_ context.Context, upload *MultipartUploadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.buckets[upload.Bucket]; !ok {
		return ErrNoSuchBucket
	}

	if upload.UploadID == "" {
		upload.UploadID = uuid.NewString()
	} else if _, ok := m.uploads[upload.UploadID]; ok {
		return ErrUploadExists
	}
	upload.InitiatedAt = m.clock.now()

	m.uploads[upload.UploadID] = &memoryUpload{
		record: upload.clone(),
		parts:  make(map[int]PartRecord),
	}
	return nil
}

func (m *MemoryStore) GetMultipartUpload(_ context.Context, uploadID string) (*MultipartUploadRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.uploads[uploadID]
	if !ok {
		return nil, nil
	}
	rec := u.record.clone()
	return &rec, nil
}

func (m *MemoryStore) AbortMultipartUpload(_ context.Context, uploadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.uploads[uploadID]; !ok {
		return ErrNoSuchUpload
	}
	delete(m.uploads, uploadID)
	return nil
}

func (m *MemoryStore) PutPartMeta(_ context.Context, part *PartRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.uploads[part.UploadID]
	if !ok {
		return ErrNoSuchUpload
	}

	part.LastModified = m.clock.now()
	u.parts[part.PartNumber] = *part
	return nil
}

func (u *memoryUpload) sortedParts() []PartRecord {
	parts := make([]PartRecord, 0, len(u.parts))
	for _, p := range u.parts {
		parts = append(parts, p)
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	return parts
}

func (m *MemoryStore) ListPartsMeta(_ context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.uploads[uploadID]
	if !ok {
		return nil, ErrNoSuchUpload
	}

	maxParts := normalizeLimit(opts.MaxParts)
	var parts []PartRecord
	for _, p := range u.sortedParts() {
		if p.PartNumber <= opts.PartNumberMarker {
			continue
		}
		parts = append(parts, p)
		if len(parts) > maxParts {
			break
		}
	}
	return pageParts(parts, maxParts), nil
}

func (m *MemoryStore) GetPartsForCompletion(_ context.Context, uploadID string) ([]PartRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.uploads[uploadID]
	if !ok {
		return nil, nil
	}
	return u.sortedParts(), nil
}

func (m *MemoryStore) CompleteMultipartUpload(_ context.Context, uploadID string, obj *ObjectRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.uploads[uploadID]; !ok {
		return ErrNoSuchUpload
	}
	b, ok := m.buckets[obj.Bucket]
	if !ok {
		return ErrNoSuchBucket
	}

	obj.LastModified = m.clock.now()
	b.put(obj.clone())
	delete(m.uploads, uploadID)
	return nil
}

func uploadLess(a, b MultipartUploadRecord) bool {
	if a.Key != b.Key {
		return a.Key < b.Key
	}
	if !a.InitiatedAt.Equal(b.InitiatedAt) {
		return a.InitiatedAt.Before(b.InitiatedAt)
	}
	return a.UploadID < b.UploadID
}

func (m *MemoryStore) ListMultipartUploads(_ context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.buckets[bucket]; !ok {
		return nil, ErrNoSuchBucket
	}

	var marker *MultipartUploadRecord
	if opts.KeyMarker != "" && opts.UploadIDMarker != "" {
		if u, ok := m.uploads[opts.UploadIDMarker]; ok && u.record.Bucket == bucket && u.record.Key == opts.KeyMarker {
			marker = &u.record
		}
	}

	var uploads []MultipartUploadRecord
	for _, u := range m.uploads {
		rec := u.record
		if rec.Bucket != bucket || !strings.HasPrefix(rec.Key, opts.Prefix) {
			continue
		}
		if opts.KeyMarker != "" {
			if marker != nil {
				if !uploadLess(*marker, rec) {
					continue
				}
			} else if rec.Key <= opts.KeyMarker {
				continue
			}
		}
		uploads = append(uploads, rec.clone())
	}
	sort.Slice(uploads, func(i, j int) bool { return uploadLess(uploads[i], uploads[j]) })

	maxUploads := normalizeLimit(opts.MaxUploads)
	if len(uploads) > maxUploads+1 {
		uploads = uploads[:maxUploads+1]
	}
	return pageUploads(uploads, maxUploads), nil
}

func (m *MemoryStore) ListUploadIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.uploads))
	for id := range m.uploads {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Credentials

func (m *MemoryStore) GetCredential(_ context.Context, accessKeyID string) (*CredentialRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	c, ok := m.credentials[accessKeyID]
	if !ok || !c.Active {
		return nil, nil
	}
	return &c, nil
}

func (m *MemoryStore) PutCredential(_ context.Context, cred *CredentialRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.credentials[cred.AccessKeyID]; ok {
		cred.CreatedAt = existing.CreatedAt
	} else {
		cred.CreatedAt = m.clock.now()
	}
	m.credentials[cred.AccessKeyID] = *cred
	return nil
}
