package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/eteran/keeper/internal/metadata"
	"github.com/eteran/keeper/internal/storage"
)

// responseOverrides maps the GetObject query parameters that replace a
// stored header in the response.
var responseOverrides = map[string]string{
	"response-content-type":        "Content-Type",
	"response-content-language":    "Content-Language",
	"response-expires":             "Expires",
	"response-cache-control":       "Cache-Control",
	"response-content-disposition": "Content-Disposition",
	"response-content-encoding":    "Content-Encoding",
}

// ------ Dispatchers for object-level HTTP handlers ------

// handleObjectPut dispatches PUT /bucket/key[?subresource] between
// PutObject, CopyObject, UploadPart and object configuration APIs.
func (s *Server) handleObjectPut(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	copySource := r.Header.Get("X-Amz-Copy-Source")

	switch {
	case q.Has("uploadId") && q.Has("partNumber"):
		uploadID := q.Get("uploadId")
		partNumber, err := strconv.Atoi(q.Get("partNumber"))
		if err != nil {
			writeS3Error(w, "InvalidArgument", "Invalid part number.", r.URL.Path, http.StatusBadRequest)
			return
		}
		if copySource != "" {
			s.handleUploadPartCopy(ctx, w, r, bucket, key, uploadID, partNumber, copySource)
			return
		}
		s.handleUploadPart(ctx, w, r, bucket, key, uploadID, partNumber)
	case q.Has("acl"):
		s.handlePutObjectAcl(ctx, w, r, bucket, key)
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "PutObjectTagging")
	case q.Has("retention"):
		s.writeNotImplemented(w, r, "PutObjectRetention")
	case q.Has("legal-hold"):
		s.writeNotImplemented(w, r, "PutObjectLegalHold")
	case copySource != "":
		s.handleCopyObject(ctx, w, r, bucket, key, copySource)
	default:
		s.handlePutObject(ctx, w, r, bucket, key)
	}
}

// handleObjectGet implements GET /bucket/key[?subresource].
func (s *Server) handleObjectGet(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("acl"):
		s.handleGetObjectAcl(ctx, w, r, bucket, key)
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "GetObjectTagging")
	case q.Has("attributes"):
		s.writeNotImplemented(w, r, "GetObjectAttributes")
	case q.Has("retention"):
		s.writeNotImplemented(w, r, "GetObjectRetention")
	case q.Has("legal-hold"):
		s.writeNotImplemented(w, r, "GetObjectLegalHold")
	case q.Has("uploadId"):
		uploadID := q.Get("uploadId")
		s.handleListParts(ctx, w, r, bucket, key, uploadID)
	default:
		s.handleGetObject(ctx, w, r, bucket, key)
	}
}

// handleObjectHead implements HEAD /bucket/key. Error responses carry no body.
func (s *Server) handleObjectHead(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !isValidBucketName(bucket) || !isValidObjectKey(key) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	obj, err := s.Config.Store.GetObjectMeta(ctx, bucket, key)
	if err != nil {
		slog.Error("Head object", "bucket", bucket, "key", key, "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	if obj == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	rng := requestRange(r)
	offset, length, err := rng.Resolve(obj.Size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	writeObjectHeaders(w, obj)
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	if rng != nil {
		w.Header().Set("Content-Range", storage.ContentRange(offset, length, obj.Size))
		w.WriteHeader(http.StatusPartialContent)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleObjectDelete implements DELETE /bucket/key[?subresource].
func (s *Server) handleObjectDelete(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("tagging"):
		s.writeNotImplemented(w, r, "DeleteObjectTagging")
	case q.Has("uploadId"):
		uploadID := q.Get("uploadId")
		s.handleAbortMultipartUpload(ctx, w, r, bucket, key, uploadID)
	default:
		s.handleDeleteObject(ctx, w, r, bucket, key)
	}
}

// handleObjectPost implements POST /bucket/key[?subresource].
func (s *Server) handleObjectPost(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !validateBucketNameOrError(w, r, bucket) {
		return
	}
	if !validateObjectKeyOrError(w, r, key) {
		return
	}

	q := r.URL.Query()
	switch {
	case q.Has("uploads"):
		s.handleCreateMultipartUpload(ctx, w, r, bucket, key)
	case q.Has("uploadId"):
		uploadID := q.Get("uploadId")
		s.handleCompleteMultipartUpload(ctx, w, r, bucket, key, uploadID)
	case q.Has("restore"):
		s.writeNotImplemented(w, r, "RestoreObject")
	case q.Has("select"):
		s.writeNotImplemented(w, r, "SelectObjectContent")
	default:
		s.writeNotImplemented(w, r, "ObjectPost")
	}
}

// ------ Individual object API HTTP handlers ------

// requestRange returns the parsed Range header. A malformed header is
// ignored, as RFC 9110 allows, and the whole object is served.
func requestRange(r *http.Request) *storage.ByteRange {
	header := r.Header.Get("Range")
	if header == "" {
		return nil
	}
	rng, err := storage.ParseRange(header)
	if err != nil {
		slog.Debug("Ignoring malformed range", "range", header, "err", err)
		return nil
	}
	return rng
}

// handlePutObject implements PUT /bucket/key. Bytes are published by the
// backend before the metadata row that makes them visible is written.
func (s *Server) handlePutObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	defer r.Body.Close()

	if !s.ensureBucket(ctx, w, r, bucket) {
		return
	}

	acl, ok := cannedACL(r.Header)
	if !ok {
		writeInvalidCannedACLError(w, r)
		return
	}

	userMeta, err := userMetadataFrom(r.Header)
	if err != nil {
		writeError(w, r, "Put object", err)
		return
	}

	body, err := requestBody(r)
	if err != nil {
		writeError(w, r, "Put object", err)
		return
	}

	info, err := s.Config.Backend.Put(ctx, bucket, key, body)
	if err != nil {
		writeError(w, r, "Write object", err)
		return
	}

	obj := &metadata.ObjectRecord{
		Bucket:         bucket,
		Key:            key,
		Size:           info.Size,
		ETag:           info.ETag,
		ContentHeaders: contentHeadersFrom(r.Header),
		StorageClass:   storageClassFrom(r.Header),
		UserMetadata:   userMeta,
		ACL:            acl,
	}
	if err := s.Config.Store.PutObjectMeta(ctx, obj); err != nil {
		writeError(w, r, "Put object metadata", err)
		return
	}

	w.Header().Set("ETag", info.ETag)
	w.WriteHeader(http.StatusOK)
}

// handleGetObject implements GET /bucket/key with optional Range support.
func (s *Server) handleGetObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !s.ensureBucket(ctx, w, r, bucket) {
		return
	}

	obj, err := s.Config.Store.GetObjectMeta(ctx, bucket, key)
	if err != nil {
		writeError(w, r, "Get object", err)
		return
	}
	if obj == nil {
		writeNoSuchKeyError(w, r)
		return
	}

	rng := requestRange(r)
	reader, err := s.Config.Backend.Get(ctx, bucket, key, rng)
	switch {
	case errors.Is(err, storage.ErrInvalidRange):
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", obj.Size))
		writeError(w, r, "Get object", err)
		return
	case errors.Is(err, storage.ErrNotFound):
		// A committed row without bytes is damage, not a missing key.
		slog.Error("Object payload missing", "bucket", bucket, "key", key)
		writeInternalError(w, r)
		return
	case err != nil:
		writeError(w, r, "Read object", err)
		return
	}
	defer reader.Close()

	writeObjectHeaders(w, obj)

	q := r.URL.Query()
	for param, header := range responseOverrides {
		if v := q.Get(param); v != "" {
			w.Header().Set(header, v)
		}
	}

	w.Header().Set("Content-Length", strconv.FormatInt(reader.Length, 10))
	status := http.StatusOK
	if rng != nil {
		w.Header().Set("Content-Range", storage.ContentRange(reader.Offset, reader.Length, reader.Size))
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if _, err := io.Copy(w, reader); err != nil {
		slog.Warn("Stream object", "bucket", bucket, "key", key, "err", err)
	}
}

// handleDeleteObject implements DELETE /bucket/key. Deleting a missing key
// succeeds. The metadata row goes first, so a failure to remove the bytes
// only leaves unreachable data behind.
func (s *Server) handleDeleteObject(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !s.ensureBucket(ctx, w, r, bucket) {
		return
	}

	existed, err := s.Config.Store.DeleteObjectMeta(ctx, bucket, key)
	if err != nil {
		writeError(w, r, "Delete object", err)
		return
	}

	if existed {
		if err := s.Config.Backend.Delete(context.WithoutCancel(ctx), bucket, key); err != nil {
			slog.Warn("Failed to delete object data", "bucket", bucket, "key", key, "err", err)
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// parseCopySource splits x-amz-copy-source, which is typically of the form
// "/source-bucket/source-key" or "source-bucket/source-key" and may be
// URL-encoded and include a query string.
func parseCopySource(w http.ResponseWriter, r *http.Request, copySource string) (string, string, bool) {
	src, _, _ := strings.Cut(copySource, "?")
	src = strings.TrimPrefix(src, "/")
	decoded, err := url.PathUnescape(src)
	if err != nil {
		writeS3Error(w, "InvalidRequest", "Unable to parse copy source.", r.URL.Path, http.StatusBadRequest)
		return "", "", false
	}

	srcBucket, srcKey, ok := strings.Cut(decoded, "/")
	if !ok || !isValidBucketName(srcBucket) || !isValidObjectKey(srcKey) {
		writeS3Error(w, "InvalidRequest", "Invalid copy source.", r.URL.Path, http.StatusBadRequest)
		return "", "", false
	}
	return srcBucket, srcKey, true
}

// handleCopyObject implements PUT /bucket/key with x-amz-copy-source. With
// the COPY metadata directive (the default) the source headers and user
// metadata are carried over, with REPLACE they come from the request.
func (s *Server) handleCopyObject(ctx context.Context, w http.ResponseWriter, r *http.Request, destBucket string, destKey string, copySource string) {
	defer r.Body.Close()

	srcBucket, srcKey, ok := parseCopySource(w, r, copySource)
	if !ok {
		return
	}

	directive := strings.ToUpper(r.Header.Get("X-Amz-Metadata-Directive"))
	if directive == "" {
		directive = "COPY"
	}
	if directive != "COPY" && directive != "REPLACE" {
		writeS3Error(w, "InvalidArgument", "Unknown metadata directive.", r.URL.Path, http.StatusBadRequest)
		return
	}

	sameObject := srcBucket == destBucket && srcKey == destKey
	if sameObject && directive == "COPY" {
		writeS3Error(w, "InvalidRequest", "This copy request is illegal because it is trying to copy an object to itself without changing the object's metadata.", r.URL.Path, http.StatusBadRequest)
		return
	}

	// Destination bucket must exist; missing buckets are never auto-created.
	if !s.ensureBucket(ctx, w, r, destBucket) {
		return
	}

	src, err := s.Config.Store.GetObjectMeta(ctx, srcBucket, srcKey)
	if err != nil {
		writeError(w, r, "Lookup copy source", err)
		return
	}
	if src == nil {
		writeNoSuchKeyError(w, r)
		return
	}

	acl, ok := cannedACL(r.Header)
	if !ok {
		writeInvalidCannedACLError(w, r)
		return
	}

	dest := &metadata.ObjectRecord{
		Bucket:         destBucket,
		Key:            destKey,
		ContentHeaders: src.ContentHeaders,
		StorageClass:   src.StorageClass,
		UserMetadata:   src.UserMetadata,
		ACL:            acl,
	}
	if directive == "REPLACE" {
		userMeta, err := userMetadataFrom(r.Header)
		if err != nil {
			writeError(w, r, "Copy object", err)
			return
		}
		dest.ContentHeaders = contentHeadersFrom(r.Header)
		dest.UserMetadata = userMeta
	}
	if v := r.Header.Get("X-Amz-Storage-Class"); v != "" {
		dest.StorageClass = v
	}

	// Replacing the metadata of an object in place leaves its bytes alone.
	if sameObject {
		dest.Size, dest.ETag = src.Size, src.ETag
	} else {
		info, err := s.Config.Backend.CopyObject(ctx, srcBucket, srcKey, destBucket, destKey)
		if errors.Is(err, storage.ErrNotFound) {
			slog.Error("Object payload missing", "bucket", srcBucket, "key", srcKey)
			writeInternalError(w, r)
			return
		}
		if err != nil {
			writeError(w, r, "Copy object data", err)
			return
		}
		dest.Size, dest.ETag = info.Size, info.ETag
	}

	if err := s.Config.Store.PutObjectMeta(ctx, dest); err != nil {
		writeError(w, r, "Put copied object metadata", err)
		return
	}

	resp := CopyObjectResult{
		XMLNS:        S3XMLNamespace,
		LastModified: formatTime(dest.LastModified),
		ETag:         dest.ETag,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode copy object XML", "destBucket", destBucket, "destKey", destKey, "err", err)
	}
}
