package server

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eteran/keeper/internal/metadata"
)

// maxDeleteObjects is the largest batch DeleteObjects accepts.
const maxDeleteObjects = 1000

// ------ Dispatchers for bucket-level HTTP handlers ------

// handleBucketPut dispatches PUT /bucket[?subresource] between CreateBucket
// and various bucket configuration APIs.
func (s *Server) handleBucketPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("acl"):
		s.handlePutBucketAcl(ctx, w, r, bucket)
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "PutBucketTagging")
	case q.Has("versioning"):
		s.writeNotImplemented(w, r, "PutBucketVersioning")
	case q.Has("encryption"):
		s.writeNotImplemented(w, r, "PutBucketEncryption")
	case q.Has("cors"):
		s.writeNotImplemented(w, r, "PutBucketCors")
	case q.Has("lifecycle"):
		s.writeNotImplemented(w, r, "PutBucketLifecycleConfiguration")
	case q.Has("notification"):
		s.writeNotImplemented(w, r, "PutBucketNotificationConfiguration")
	case q.Has("policy"):
		s.writeNotImplemented(w, r, "PutBucketPolicy")
	case q.Has("replication"):
		s.writeNotImplemented(w, r, "PutBucketReplication")
	default:
		s.handleCreateBucket(ctx, w, r, bucket)
	}
}

// handleBucketPost implements POST /bucket[?subresource], such as DeleteObjects.
func (s *Server) handleBucketPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("delete"):
		s.handleDeleteObjects(ctx, w, r, bucket)
	default:
		s.writeNotImplemented(w, r, "BucketPost")
	}
}

// handleBucketGet dispatches GET /bucket[?subresource] between ListObjects
// and bucket-level read APIs.
func (s *Server) handleBucketGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("location"):
		s.handleGetBucketLocation(ctx, w, r, bucket)
	case q.Has("acl"):
		s.handleGetBucketAcl(ctx, w, r, bucket)
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "GetBucketTagging")
	case q.Has("versioning"):
		s.writeNotImplemented(w, r, "GetBucketVersioning")
	case q.Has("encryption"):
		s.writeNotImplemented(w, r, "GetBucketEncryption")
	case q.Has("cors"):
		s.writeNotImplemented(w, r, "GetBucketCors")
	case q.Has("lifecycle"):
		s.writeNotImplemented(w, r, "GetBucketLifecycleConfiguration")
	case q.Has("notification"):
		s.writeNotImplemented(w, r, "GetBucketNotificationConfiguration")
	case q.Has("policy"):
		s.writeNotImplemented(w, r, "GetBucketPolicy")
	case q.Has("replication"):
		s.writeNotImplemented(w, r, "GetBucketReplication")
	case q.Has("object-lock"):
		s.writeNotImplemented(w, r, "GetObjectLockConfiguration")
	case q.Get("list-type") == "2":
		s.handleListObjectsV2(ctx, w, r, bucket)
	case q.Has("versions"):
		s.writeNotImplemented(w, r, "ListObjectVersions")
	case q.Has("uploads"):
		s.handleListMultipartUploads(ctx, w, r, bucket)
	default:
		s.handleListObjects(ctx, w, r, bucket)
	}
}

// handleBucketDelete implements DELETE /bucket[?subresource].
func (s *Server) handleBucketDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "DeleteBucketTagging")
	case q.Has("encryption"):
		s.writeNotImplemented(w, r, "DeleteBucketEncryption")
	case q.Has("cors"):
		s.writeNotImplemented(w, r, "DeleteBucketCors")
	case q.Has("lifecycle"):
		s.writeNotImplemented(w, r, "DeleteBucketLifecycle")
	case q.Has("policy"):
		s.writeNotImplemented(w, r, "DeleteBucketPolicy")
	case q.Has("replication"):
		s.writeNotImplemented(w, r, "DeleteBucketReplication")
	default:
		// Primary bucket deletion (no subresources).
		s.handleDeleteBucket(ctx, w, r, bucket)
	}
}

// handleBucketHead implements HEAD /bucket.
func (s *Server) handleBucketHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}

	rec, err := s.Config.Store.GetBucket(ctx, bucket)
	if err != nil {
		slog.Error("Bucket head", "bucket", bucket, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if rec == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	// S3-compatible HEAD bucket: 200 with no body.
	w.Header().Set("X-Amz-Bucket-Region", rec.Region)
	w.WriteHeader(http.StatusOK)
}

// ------ Individual bucket API HTTP handlers ------

// handleListBuckets implements GET / to list the buckets of the caller.
func (s *Server) handleListBuckets(ctx context.Context, w http.ResponseWriter, r *http.Request) {
	owner := requestOwner(ctx)

	records, err := s.Config.Store.ListBuckets(ctx, owner.ID)
	if err != nil {
		slog.Error("List buckets", "err", err)
		writeInternalError(w, r)
		return
	}

	buckets := make([]BucketEntry, 0, len(records))
	for _, b := range records {
		buckets = append(buckets, BucketEntry{
			Name:         b.Name,
			CreationDate: formatTime(b.CreationDate),
		})
	}

	resp := ListAllMyBucketsResult{
		XMLNS:   S3XMLNamespace,
		Owner:   owner,
		Buckets: buckets,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list buckets XML", "err", err)
	}
}

// handleCreateBucket implements PUT /bucket to create a new bucket.
func (s *Server) handleCreateBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	defer r.Body.Close()

	region := s.Config.Region
	var conf CreateBucketConfiguration
	if err := xml.NewDecoder(r.Body).Decode(&conf); err != nil && !errors.Is(err, io.EOF) {
		writeMalformedXMLError(w, r)
		return
	}
	if conf.LocationConstraint != "" {
		region = conf.LocationConstraint
	}

	acl, ok := cannedACL(r.Header)
	if !ok {
		writeInvalidCannedACLError(w, r)
		return
	}

	owner := requestOwner(ctx)
	rec := &metadata.BucketRecord{
		Name:         bucket,
		Region:       region,
		OwnerID:      owner.ID,
		OwnerDisplay: owner.DisplayName,
		ACL:          acl,
	}

	err := s.Config.Store.CreateBucket(ctx, rec)
	if errors.Is(err, metadata.ErrBucketAlreadyExists) {
		if existing, lookupErr := s.Config.Store.GetBucket(ctx, bucket); lookupErr == nil && existing != nil && existing.OwnerID == owner.ID {
			writeS3Error(w, "BucketAlreadyOwnedByYou", "Your previous request to create the named bucket succeeded and you already own it.", r.URL.Path, http.StatusConflict)
			return
		}
	}
	if err != nil {
		writeError(w, r, "Create bucket", err)
		return
	}

	w.Header().Set("Location", "/"+bucket)
	w.WriteHeader(http.StatusOK)
}

// handleGetBucketLocation implements GET /bucket?location
func (s *Server) handleGetBucketLocation(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	rec, ok := s.lookupBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	resp := LocationConstraint{
		XMLNS:  S3XMLNamespace,
		Region: rec.Region,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode bucket location XML", "bucket", bucket, "err", err)
	}
}

// handleDeleteBucket implements DELETE /bucket. The metadata row goes first;
// whatever namespace the backend still holds for the bucket is removed after.
func (s *Server) handleDeleteBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if err := s.Config.Store.DeleteBucket(ctx, bucket); err != nil {
		writeError(w, r, "Delete bucket", err)
		return
	}

	if err := s.Config.Backend.DeleteBucket(context.WithoutCancel(ctx), bucket); err != nil {
		slog.Warn("Failed to remove bucket data", "bucket", bucket, "err", err)
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseMaxKeys reads a max-keys style parameter. Absent or zero means def.
func parseMaxKeys(raw string, def int) (int, bool) {
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, false
	}
	if v == 0 {
		return def, true
	}
	return min(v, def), true
}

func objectSummaries(objects []metadata.ObjectRecord, owner *Owner) []ObjectSummary {
	summaries := make([]ObjectSummary, 0, len(objects))
	for _, o := range objects {
		summaries = append(summaries, ObjectSummary{
			Key:          o.Key,
			LastModified: formatTime(o.LastModified),
			ETag:         o.ETag,
			Size:         o.Size,
			StorageClass: o.StorageClass,
			Owner:        owner,
		})
	}
	return summaries
}

func commonPrefixes(prefixes []string) []CommonPrefix {
	out := make([]CommonPrefix, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, CommonPrefix{Prefix: p})
	}
	return out
}

// handleListObjects implements S3 ListObjects (v1):
// GET /bucket[?prefix=&delimiter=&marker=&max-keys=].
func (s *Server) handleListObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.ensureBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	maxKeys, ok := parseMaxKeys(q.Get("max-keys"), metadata.MaxListKeys)
	if !ok {
		writeS3Error(w, "InvalidArgument", "The max-keys query parameter is invalid.", r.URL.Path, http.StatusBadRequest)
		return
	}

	opts := metadata.ListObjectsOptions{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		StartAfter: q.Get("marker"),
		MaxKeys:    maxKeys,
	}

	res, err := s.Config.Store.ListObjectsMeta(ctx, bucket, opts)
	if err != nil {
		writeError(w, r, "List objects", err)
		return
	}

	resp := ListBucketResult{
		XMLNS:          S3XMLNamespace,
		Name:           bucket,
		Prefix:         opts.Prefix,
		Marker:         opts.StartAfter,
		Delimiter:      opts.Delimiter,
		MaxKeys:        maxKeys,
		IsTruncated:    res.IsTruncated,
		Contents:       objectSummaries(res.Objects, nil),
		CommonPrefixes: commonPrefixes(res.CommonPrefixes),
	}
	if res.IsTruncated {
		resp.NextMarker = res.NextToken
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects XML", "bucket", bucket, "err", err)
	}
}

// handleListObjectsV2 implements S3 ListObjectsV2:
// GET /bucket?list-type=2[&prefix=&delimiter=&max-keys=&continuation-token=&start-after=&fetch-owner=].
func (s *Server) handleListObjectsV2(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	rec, ok := s.lookupBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	q := r.URL.Query()
	maxKeys, ok := parseMaxKeys(q.Get("max-keys"), metadata.MaxListKeys)
	if !ok {
		writeS3Error(w, "InvalidArgument", "The max-keys query parameter is invalid.", r.URL.Path, http.StatusBadRequest)
		return
	}

	continuationToken := q.Get("continuation-token")
	startAfter := q.Get("start-after")
	opts := metadata.ListObjectsOptions{
		Prefix:     q.Get("prefix"),
		Delimiter:  q.Get("delimiter"),
		StartAfter: startAfter,
		MaxKeys:    maxKeys,
	}

	// The continuation token wraps the last entry of the previous page and
	// takes precedence over start-after.
	if q.Has("continuation-token") {
		token, err := base64.URLEncoding.DecodeString(continuationToken)
		if err != nil || len(token) == 0 {
			writeS3Error(w, "InvalidArgument", "The continuation token provided is incorrect.", r.URL.Path, http.StatusBadRequest)
			return
		}
		opts.StartAfter = string(token)
	}

	res, err := s.Config.Store.ListObjectsMeta(ctx, bucket, opts)
	if err != nil {
		writeError(w, r, "List objects v2", err)
		return
	}

	var owner *Owner
	if q.Get("fetch-owner") == "true" {
		o := bucketOwner(rec)
		owner = &o
	}

	resp := ListBucketResultV2{
		XMLNS:             S3XMLNamespace,
		Name:              bucket,
		Prefix:            opts.Prefix,
		Delimiter:         opts.Delimiter,
		KeyCount:          len(res.Objects) + len(res.CommonPrefixes),
		MaxKeys:           maxKeys,
		IsTruncated:       res.IsTruncated,
		ContinuationToken: continuationToken,
		StartAfter:        startAfter,
		Contents:          objectSummaries(res.Objects, owner),
		CommonPrefixes:    commonPrefixes(res.CommonPrefixes),
	}
	if res.IsTruncated {
		resp.NextContinuationToken = base64.URLEncoding.EncodeToString([]byte(res.NextToken))
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode list objects v2 XML", "bucket", bucket, "err", err)
	}
}

// handleDeleteObjects implements the multi-object delete API:
// POST /bucket?delete
func (s *Server) handleDeleteObjects(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	if !s.ensureBucket(ctx, w, r, bucket) {
		return
	}

	defer r.Body.Close()
	body, err := requestBody(r)
	if err != nil {
		writeError(w, r, "DeleteObjects body", err)
		return
	}

	var req DeleteObjectsRequest
	if err := xml.NewDecoder(body).Decode(&req); err != nil {
		if errors.Is(err, errBadDigest) {
			writeError(w, r, "DeleteObjects body", err)
			return
		}
		slog.Debug("Decode DeleteObjects XML", "bucket", bucket, "err", err)
		writeMalformedXMLError(w, r)
		return
	}

	if len(req.Objects) == 0 || len(req.Objects) > maxDeleteObjects {
		writeMalformedXMLError(w, r)
		return
	}

	resp := DeleteResult{XMLNS: S3XMLNamespace}

	keys := make([]string, 0, len(req.Objects))
	for _, obj := range req.Objects {
		if !isValidObjectKey(obj.Key) {
			resp.Errors = append(resp.Errors, DeleteError{Key: obj.Key, Code: "InvalidArgument", Message: "The specified key is not valid."})
			continue
		}
		keys = append(keys, obj.Key)
	}

	results, err := s.Config.Store.DeleteObjectsMeta(ctx, bucket, keys)
	if err != nil {
		writeError(w, r, "DeleteObjects", err)
		return
	}

	for _, res := range results {
		if res.Existed {
			if err := s.Config.Backend.Delete(context.WithoutCancel(ctx), bucket, res.Key); err != nil {
				slog.Warn("Failed to delete object data", "bucket", bucket, "key", res.Key, "err", err)
			}
		}
		if !req.Quiet {
			resp.Deleted = append(resp.Deleted, DeletedObject{Key: res.Key})
		}
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode DeleteObjects XML", "bucket", bucket, "err", err)
	}
}
