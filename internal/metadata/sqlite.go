package metadata

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations
var migrationsFS embed.FS

// deleteBatchSize bounds the number of keys bound into a single IN clause.
const deleteBatchSize = 500

const objectColumns = `bucket, key, size, etag, content_type, content_encoding,
	content_language, content_disposition, cache_control, expires,
	storage_class, user_metadata, acl, delete_marker, last_modified`

const uploadColumns = `upload_id, bucket, key, content_type, content_encoding,
	content_language, content_disposition, cache_control, expires,
	storage_class, acl, user_metadata, owner_id, owner_display, initiated_at`

// SQLiteStore is a Store backed by a SQLite database in WAL mode.
//
// Writes go through a single connection that opens IMMEDIATE transactions,
// so mutations are serialized by the engine. Reads use a separate pool and
// are not blocked by the writer.
type SQLiteStore struct {
	writer *sql.DB
	reader *sql.DB
	clock  clock
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// OpenSQLite opens (creating if necessary) the metadata database at path and
// applies the embedded schema migrations.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("metadata path must not be empty")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create metadata dir: %w", err)
	}

	base := "file:" + path + "?_foreign_keys=on&_busy_timeout=5000"

	writer, err := sql.Open("sqlite3", base+"&_journal_mode=WAL&_synchronous=FULL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if err := initSchema(ctx, writer); err != nil {
		_ = writer.Close()
		return nil, err
	}

	reader, err := sql.Open("sqlite3", base)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	return &SQLiteStore{writer: writer, reader: reader}, nil
}

// initSchema initializes the metadata database schema by applying all
// SQL files in the embedded migrations in lexicographical order.
func initSchema(ctx context.Context, db *sql.DB) error {
	return fs.WalkDir(migrationsFS, "migrations", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		content, readError := migrationsFS.ReadFile(path)
		if readError != nil {
			return fmt.Errorf("error reading SQL file: %w", readError)
		}

		slog.Debug("Running migration", "path", path)
		if _, execError := db.ExecContext(ctx, string(content)); execError != nil {
			return fmt.Errorf("migration %s: %w", path, execError)
		}
		return nil
	})
}

// withTransaction runs a function within a database transaction.
func withTransaction(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("error committing transaction: %w", err)
	}

	return nil
}

// withSnapshot runs fn inside a read transaction so that every query it
// issues observes the same state.
func (s *SQLiteStore) withSnapshot(ctx context.Context, fn func(q querier) error) error {
	tx, err := s.reader.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("error beginning read transaction: %w", err)
	}
	defer tx.Rollback()

	return fn(tx)
}

func (s *SQLiteStore) Close() error {
	return errors.Join(s.reader.Close(), s.writer.Close())
}

func blob(b json.RawMessage) any {
	if len(b) == 0 {
		return nil
	}
	return []byte(b)
}

func rawJSON(b []byte) json.RawMessage {
	if len(b) == 0 {
		return nil
	}
	return json.RawMessage(b)
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func exists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var found bool
	if err := q.QueryRowContext(ctx, `SELECT EXISTS(`+query+`)`, args...).Scan(&found); err != nil {
		return false, err
	}
	return found, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// Buckets

func (s *SQLiteStore) CreateBucket(ctx context.Context, bucket *BucketRecord) error {
	bucket.CreationDate = s.clock.now()

	res, err := s.writer.ExecContext(ctx,
		`INSERT OR IGNORE INTO buckets(name, region, owner_id, owner_display, acl, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		bucket.Name, bucket.Region, bucket.OwnerID, bucket.OwnerDisplay, blob(bucket.ACL), bucket.CreationDate.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	if rows == 0 {
		return ErrBucketAlreadyExists
	}
	return nil
}

func scanBucket(row rowScanner) (BucketRecord, error) {
	var (
		b       BucketRecord
		acl     []byte
		created int64
	)
	if err := row.Scan(&b.Name, &b.Region, &b.OwnerID, &b.OwnerDisplay, &acl, &created); err != nil {
		return BucketRecord{}, err
	}
	b.ACL = rawJSON(acl)
	b.CreationDate = fromNanos(created)
	return b, nil
}

func (s *SQLiteStore) GetBucket(ctx context.Context, name string) (*BucketRecord, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT name, region, owner_id, owner_display, acl, created_at FROM buckets WHERE name = ?`, name)

	b, err := scanBucket(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bucket: %w", err)
	}
	return &b, nil
}

func (s *SQLiteStore) DeleteBucket(ctx context.Context, name string) error {
	return withTransaction(ctx, s.writer, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, `SELECT 1 FROM buckets WHERE name = ?`, name)
		if err != nil {
			return fmt.Errorf("delete bucket: %w", err)
		}
		if !found {
			return ErrNoSuchBucket
		}

		busy, err := exists(ctx, tx,
			`SELECT 1 FROM objects WHERE bucket = ? UNION ALL SELECT 1 FROM multipart_uploads WHERE bucket = ?`,
			name, name)
		if err != nil {
			return fmt.Errorf("delete bucket: %w", err)
		}
		if busy {
			return ErrBucketNotEmpty
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM buckets WHERE name = ?`, name); err != nil {
			return fmt.Errorf("delete bucket: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListBuckets(ctx context.Context, ownerID string) ([]BucketRecord, error) {
	query := `SELECT name, region, owner_id, owner_display, acl, created_at FROM buckets`
	args := []any{}
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY name`

	rows, err := s.reader.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list buckets: %w", err)
	}
	defer rows.Close()

	var buckets []BucketRecord
	for rows.Next() {
		b, err := scanBucket(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bucket: %w", err)
		}
		buckets = append(buckets, b)
	}
	return buckets, rows.Err()
}

func (s *SQLiteStore) BucketExists(ctx context.Context, name string) (bool, error) {
	return exists(ctx, s.reader, `SELECT 1 FROM buckets WHERE name = ?`, name)
}

func (s *SQLiteStore) UpdateBucketACL(ctx context.Context, name string, acl json.RawMessage) error {
	res, err := s.writer.ExecContext(ctx, `UPDATE buckets SET acl = ? WHERE name = ?`, blob(acl), name)
	if err != nil {
		return fmt.Errorf("update bucket acl: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNoSuchBucket
	}
	return nil
}

// Objects

func scanObject(row rowScanner) (ObjectRecord, error) {
	var (
		o        ObjectRecord
		userMeta []byte
		acl      []byte
		modified int64
	)
	err := row.Scan(&o.Bucket, &o.Key, &o.Size, &o.ETag,
		&o.ContentType, &o.ContentEncoding, &o.ContentLanguage, &o.ContentDisposition, &o.CacheControl, &o.Expires,
		&o.StorageClass, &userMeta, &acl, &o.DeleteMarker, &modified)
	if err != nil {
		return ObjectRecord{}, err
	}
	o.UserMetadata = rawJSON(userMeta)
	o.ACL = rawJSON(acl)
	o.LastModified = fromNanos(modified)
	return o, nil
}

func upsertObject(ctx context.Context, q querier, o *ObjectRecord) error {
	_, err := q.ExecContext(ctx,
		`INSERT INTO objects(`+objectColumns+`)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(bucket, key) DO UPDATE SET
			size=excluded.size,
			etag=excluded.etag,
			content_type=excluded.content_type,
			content_encoding=excluded.content_encoding,
			content_language=excluded.content_language,
			content_disposition=excluded.content_disposition,
			cache_control=excluded.cache_control,
			expires=excluded.expires,
			storage_class=excluded.storage_class,
			user_metadata=excluded.user_metadata,
			acl=excluded.acl,
			delete_marker=excluded.delete_marker,
			last_modified=excluded.last_modified`,
		o.Bucket, o.Key, o.Size, o.ETag,
		o.ContentType, o.ContentEncoding, o.ContentLanguage, o.ContentDisposition, o.CacheControl, o.Expires,
		o.StorageClass, blob(o.UserMetadata), blob(o.ACL), o.DeleteMarker, o.LastModified.UnixNano(),
	)
	return err
}

func (s *SQLiteStore) PutObjectMeta(ctx context.Context, obj *ObjectRecord) error {
	return withTransaction(ctx, s.writer, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, `SELECT 1 FROM buckets WHERE name = ?`, obj.Bucket)
		if err != nil {
			return fmt.Errorf("put object: %w", err)
		}
		if !found {
			return ErrNoSuchBucket
		}

		obj.LastModified = s.clock.now()
		if err := upsertObject(ctx, tx, obj); err != nil {
			return fmt.Errorf("put object: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetObjectMeta(ctx context.Context, bucket, key string) (*ObjectRecord, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT `+objectColumns+` FROM objects WHERE bucket = ? AND key = ?`, bucket, key)

	o, err := scanObject(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get object: %w", err)
	}
	return &o, nil
}

func (s *SQLiteStore) DeleteObjectMeta(ctx context.Context, bucket, key string) (bool, error) {
	res, err := s.writer.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
	if err != nil {
		return false, fmt.Errorf("delete object: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete object: %w", err)
	}
	return rows > 0, nil
}

// DeleteObjectsMeta removes keys in chunks, issuing one lookup and one delete
// per chunk inside a single transaction.
func (s *SQLiteStore) DeleteObjectsMeta(ctx context.Context, bucket string, keys []string) ([]DeleteResult, error) {
	found := make(map[string]bool, len(keys))

	err := withTransaction(ctx, s.writer, func(tx *sql.Tx) error {
		for start := 0; start < len(keys); start += deleteBatchSize {
			chunk := keys[start:min(start+deleteBatchSize, len(keys))]

			args := make([]any, 0, len(chunk)+1)
			args = append(args, bucket)
			for _, k := range chunk {
				args = append(args, k)
			}
			in := placeholders(len(chunk))

			rows, err := tx.QueryContext(ctx, `SELECT key FROM objects WHERE bucket = ? AND key IN (`+in+`)`, args...)
			if err != nil {
				return fmt.Errorf("delete objects: %w", err)
			}
			for rows.Next() {
				var k string
				if err := rows.Scan(&k); err != nil {
					rows.Close()
					return fmt.Errorf("delete objects: %w", err)
				}
				found[k] = true
			}
			if err := errors.Join(rows.Err(), rows.Close()); err != nil {
				return fmt.Errorf("delete objects: %w", err)
			}

			if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE bucket = ? AND key IN (`+in+`)`, args...); err != nil {
				return fmt.Errorf("delete objects: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	results := make([]DeleteResult, len(keys))
	for i, k := range keys {
		results[i] = DeleteResult{Key: k, Existed: found[k]}
	}
	return results, nil
}

func (s *SQLiteStore) ObjectExists(ctx context.Context, bucket, key string) (bool, error) {
	return exists(ctx, s.reader, `SELECT 1 FROM objects WHERE bucket = ? AND key = ?`, bucket, key)
}

func (s *SQLiteStore) UpdateObjectACL(ctx context.Context, bucket, key string, acl json.RawMessage) error {
	res, err := s.writer.ExecContext(ctx, `UPDATE objects SET acl = ? WHERE bucket = ? AND key = ?`, blob(acl), bucket, key)
	if err != nil {
		return fmt.Errorf("update object acl: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNoSuchKey
	}
	return nil
}

func (s *SQLiteStore) ListObjectsMeta(ctx context.Context, bucket string, opts ListObjectsOptions) (*ListObjectsResult, error) {
	var res *ListObjectsResult

	err := s.withSnapshot(ctx, func(q querier) error {
		found, err := exists(ctx, q, `SELECT 1 FROM buckets WHERE name = ?`, bucket)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		if !found {
			return ErrNoSuchBucket
		}

		upper, bounded := prefixSuccessor(opts.Prefix)

		scan := func(ctx context.Context, from seek, limit int) ([]ObjectRecord, error) {
			query := `SELECT ` + objectColumns + ` FROM objects WHERE bucket = ?`
			args := []any{bucket}
			if from.inclusive {
				query += ` AND key >= ?`
			} else {
				query += ` AND key > ?`
			}
			args = append(args, from.key)
			if bounded {
				query += ` AND key < ?`
				args = append(args, upper)
			}
			query += ` ORDER BY key LIMIT ?`
			args = append(args, limit)

			rows, err := q.QueryContext(ctx, query, args...)
			if err != nil {
				return nil, err
			}
			defer rows.Close()

			var out []ObjectRecord
			for rows.Next() {
				o, err := scanObject(rows)
				if err != nil {
					return nil, err
				}
				out = append(out, o)
			}
			return out, rows.Err()
		}

		res, err = listObjects(ctx, scan, opts)
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		return nil
	})
	return res, err
}

// Multipart uploads

func scanUpload(row rowScanner) (MultipartUploadRecord, error) {
	var (
		u         MultipartUploadRecord
		acl       []byte
		userMeta  []byte
		initiated int64
	)
	err := row.Scan(&u.UploadID, &u.Bucket, &u.Key,
		&u.ContentType, &u.ContentEncoding, &u.ContentLanguage, &u.ContentDisposition, &u.CacheControl, &u.Expires,
		&u.StorageClass, &acl, &userMeta, &u.OwnerID, &u.OwnerDisplay, &initiated)
	if err != nil {
		return MultipartUploadRecord{}, err
	}
	u.ACL = rawJSON(acl)
	u.UserMetadata = rawJSON(userMeta)
	u.InitiatedAt = fromNanos(initiated)
	return u, nil
}

func (s *SQLiteStore) CreateMultipartUpload(ctx context.Context, upload *MultipartUploadRecord) error {
	return withTransaction(ctx, s.writer, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, `SELECT 1 FROM buckets WHERE name = ?`, upload.Bucket)
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err)
		}
		if !found {
			return ErrNoSuchBucket
		}

		if upload.UploadID == "" {
			upload.UploadID = uuid.NewString()
		} else {
			taken, err := exists(ctx, tx, `SELECT 1 FROM multipart_uploads WHERE upload_id = ?`, upload.UploadID)
			if err != nil {
				return fmt.Errorf("create multipart upload: %w", err)
			}
			if taken {
				return ErrUploadExists
			}
		}
		upload.InitiatedAt = s.clock.now()

		_, err = tx.ExecContext(ctx,
			`INSERT INTO multipart_uploads(`+uploadColumns+`)
			 VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			upload.UploadID, upload.Bucket, upload.Key,
			upload.ContentType, upload.ContentEncoding, upload.ContentLanguage, upload.ContentDisposition, upload.CacheControl, upload.Expires,
			upload.StorageClass, blob(upload.ACL), blob(upload.UserMetadata), upload.OwnerID, upload.OwnerDisplay, upload.InitiatedAt.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("create multipart upload: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) GetMultipartUpload(ctx context.Context, uploadID string) (*MultipartUploadRecord, error) {
	row := s.reader.QueryRowContext(ctx,
		`SELECT `+uploadColumns+` FROM multipart_uploads WHERE upload_id = ?`, uploadID)

	u, err := scanUpload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get multipart upload: %w", err)
	}
	return &u, nil
}

func (s *SQLiteStore) AbortMultipartUpload(ctx context.Context, uploadID string) error {
	return withTransaction(ctx, s.writer, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
			return fmt.Errorf("abort multipart upload: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID)
		if err != nil {
			return fmt.Errorf("abort multipart upload: %w", err)
		}
		rows, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("abort multipart upload: %w", err)
		}
		if rows == 0 {
			return ErrNoSuchUpload
		}
		return nil
	})
}

func (s *SQLiteStore) PutPartMeta(ctx context.Context, part *PartRecord) error {
	return withTransaction(ctx, s.writer, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, `SELECT 1 FROM multipart_uploads WHERE upload_id = ?`, part.UploadID)
		if err != nil {
			return fmt.Errorf("put part: %w", err)
		}
		if !found {
			return ErrNoSuchUpload
		}

		part.LastModified = s.clock.now()
		_, err = tx.ExecContext(ctx,
			`INSERT INTO multipart_parts(upload_id, part_number, size, etag, last_modified)
			 VALUES(?, ?, ?, ?, ?)
			 ON CONFLICT(upload_id, part_number) DO UPDATE SET
				size=excluded.size,
				etag=excluded.etag,
				last_modified=excluded.last_modified`,
			part.UploadID, part.PartNumber, part.Size, part.ETag, part.LastModified.UnixNano(),
		)
		if err != nil {
			return fmt.Errorf("put part: %w", err)
		}
		return nil
	})
}

func queryParts(ctx context.Context, q querier, query string, args ...any) ([]PartRecord, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var parts []PartRecord
	for rows.Next() {
		var (
			p        PartRecord
			modified int64
		)
		if err := rows.Scan(&p.UploadID, &p.PartNumber, &p.Size, &p.ETag, &modified); err != nil {
			return nil, err
		}
		p.LastModified = fromNanos(modified)
		parts = append(parts, p)
	}
	return parts, rows.Err()
}

func (s *SQLiteStore) ListPartsMeta(ctx context.Context, uploadID string, opts ListPartsOptions) (*ListPartsResult, error) {
	maxParts := normalizeLimit(opts.MaxParts)

	var res *ListPartsResult
	err := s.withSnapshot(ctx, func(q querier) error {
		found, err := exists(ctx, q, `SELECT 1 FROM multipart_uploads WHERE upload_id = ?`, uploadID)
		if err != nil {
			return fmt.Errorf("list parts: %w", err)
		}
		if !found {
			return ErrNoSuchUpload
		}

		parts, err := queryParts(ctx, q,
			`SELECT upload_id, part_number, size, etag, last_modified FROM multipart_parts
			 WHERE upload_id = ? AND part_number > ? ORDER BY part_number LIMIT ?`,
			uploadID, opts.PartNumberMarker, maxParts+1)
		if err != nil {
			return fmt.Errorf("list parts: %w", err)
		}

		res = pageParts(parts, maxParts)
		return nil
	})
	return res, err
}

func pageParts(parts []PartRecord, maxParts int) *ListPartsResult {
	res := &ListPartsResult{Parts: parts}
	if len(parts) > maxParts {
		res.Parts = parts[:maxParts]
		res.IsTruncated = true
	}
	if n := len(res.Parts); n > 0 {
		res.NextPartNumberMarker = res.Parts[n-1].PartNumber
	}
	return res
}

func (s *SQLiteStore) GetPartsForCompletion(ctx context.Context, uploadID string) ([]PartRecord, error) {
	parts, err := queryParts(ctx, s.reader,
		`SELECT upload_id, part_number, size, etag, last_modified FROM multipart_parts
		 WHERE upload_id = ? ORDER BY part_number`, uploadID)
	if err != nil {
		return nil, fmt.Errorf("get parts: %w", err)
	}
	return parts, nil
}

// CompleteMultipartUpload publishes obj and removes the upload and its parts
// in one transaction.
func (s *SQLiteStore) CompleteMultipartUpload(ctx context.Context, uploadID string, obj *ObjectRecord) error {
	return withTransaction(ctx, s.writer, func(tx *sql.Tx) error {
		found, err := exists(ctx, tx, `SELECT 1 FROM multipart_uploads WHERE upload_id = ?`, uploadID)
		if err != nil {
			return fmt.Errorf("complete multipart upload: %w", err)
		}
		if !found {
			return ErrNoSuchUpload
		}

		obj.LastModified = s.clock.now()
		if err := upsertObject(ctx, tx, obj); err != nil {
			return fmt.Errorf("complete multipart upload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_parts WHERE upload_id = ?`, uploadID); err != nil {
			return fmt.Errorf("complete multipart upload: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM multipart_uploads WHERE upload_id = ?`, uploadID); err != nil {
			return fmt.Errorf("complete multipart upload: %w", err)
		}
		return nil
	})
}

func (s *SQLiteStore) ListMultipartUploads(ctx context.Context, bucket string, opts ListUploadsOptions) (*ListUploadsResult, error) {
	maxUploads := normalizeLimit(opts.MaxUploads)

	var res *ListUploadsResult
	err := s.withSnapshot(ctx, func(q querier) error {
		found, err := exists(ctx, q, `SELECT 1 FROM buckets WHERE name = ?`, bucket)
		if err != nil {
			return fmt.Errorf("list multipart uploads: %w", err)
		}
		if !found {
			return ErrNoSuchBucket
		}

		query := `SELECT ` + uploadColumns + ` FROM multipart_uploads WHERE bucket = ?`
		args := []any{bucket}

		if opts.Prefix != "" {
			query += ` AND key >= ?`
			args = append(args, opts.Prefix)
			if upper, ok := prefixSuccessor(opts.Prefix); ok {
				query += ` AND key < ?`
				args = append(args, upper)
			}
		}

		if opts.KeyMarker != "" {
			var markerInitiated sql.NullInt64
			if opts.UploadIDMarker != "" {
				err := q.QueryRowContext(ctx,
					`SELECT initiated_at FROM multipart_uploads WHERE upload_id = ? AND bucket = ? AND key = ?`,
					opts.UploadIDMarker, bucket, opts.KeyMarker).Scan(&markerInitiated)
				if err != nil && !errors.Is(err, sql.ErrNoRows) {
					return fmt.Errorf("list multipart uploads: %w", err)
				}
			}

			if markerInitiated.Valid {
				query += ` AND (key > ? OR (key = ? AND (initiated_at > ? OR (initiated_at = ? AND upload_id > ?))))`
				args = append(args, opts.KeyMarker, opts.KeyMarker,
					markerInitiated.Int64, markerInitiated.Int64, opts.UploadIDMarker)
			} else {
				query += ` AND key > ?`
				args = append(args, opts.KeyMarker)
			}
		}

		query += ` ORDER BY key, initiated_at, upload_id LIMIT ?`
		args = append(args, maxUploads+1)

		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("list multipart uploads: %w", err)
		}
		defer rows.Close()

		var uploads []MultipartUploadRecord
		for rows.Next() {
			u, err := scanUpload(rows)
			if err != nil {
				return fmt.Errorf("list multipart uploads: %w", err)
			}
			uploads = append(uploads, u)
		}
		if err := rows.Err(); err != nil {
			return fmt.Errorf("list multipart uploads: %w", err)
		}

		res = pageUploads(uploads, maxUploads)
		return nil
	})
	return res, err
}

func pageUploads(uploads []MultipartUploadRecord, maxUploads int) *ListUploadsResult {
	res := &ListUploadsResult{Uploads: uploads}
	if len(uploads) > maxUploads {
		res.Uploads = uploads[:maxUploads]
		res.IsTruncated = true
		last := res.Uploads[maxUploads-1]
		res.NextKeyMarker = last.Key
		res.NextUploadIDMarker = last.UploadID
	}
	return res
}

func (s *SQLiteStore) ListUploadIDs(ctx context.Context) ([]string, error) {
	rows, err := s.reader.QueryContext(ctx, `SELECT upload_id FROM multipart_uploads ORDER BY upload_id`)
	if err != nil {
		return nil, fmt.Errorf("list upload ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("list upload ids: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Credentials

func (s *SQLiteStore) GetCredential(ctx context.Context, accessKeyID string) (*CredentialRecord, error) {
	var (
		c       CredentialRecord
		created int64
	)
	err := s.reader.QueryRowContext(ctx,
		`SELECT access_key_id, secret_key, owner_id, display_name, active, created_at
		 FROM credentials WHERE access_key_id = ? AND active = 1`, accessKeyID,
	).Scan(&c.AccessKeyID, &c.SecretKey, &c.OwnerID, &c.DisplayName, &c.Active, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get credential: %w", err)
	}
	c.CreatedAt = fromNanos(created)
	return &c, nil
}

// PutCredential upserts a credential. The creation time of an existing
// credential is preserved and written back to cred.
func (s *SQLiteStore) PutCredential(ctx context.Context, cred *CredentialRecord) error {
	var created int64
	err := s.writer.QueryRowContext(ctx,
		`INSERT INTO credentials(access_key_id, secret_key, owner_id, display_name, active, created_at)
		 VALUES(?, ?, ?, ?, ?, ?)
		 ON CONFLICT(access_key_id) DO UPDATE SET
			secret_key=excluded.secret_key,
			owner_id=excluded.owner_id,
			display_name=excluded.display_name,
			active=excluded.active
		 RETURNING created_at`,
		cred.AccessKeyID, cred.SecretKey, cred.OwnerID, cred.DisplayName, cred.Active, s.clock.now().UnixNano(),
	).Scan(&created)
	if err != nil {
		return fmt.Errorf("put credential: %w", err)
	}
	cred.CreatedAt = fromNanos(created)
	return nil
}
