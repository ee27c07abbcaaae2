package server

import (
	"context"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/eteran/keeper/internal/metadata"
	"github.com/eteran/keeper/internal/multipart"
	"github.com/eteran/keeper/internal/storage"
)

// maxCompleteBodySize bounds a CompleteMultipartUpload document. Ten
// thousand parts fit comfortably.
const maxCompleteBodySize = 2 << 20

// handleCreateMultipartUpload implements POST /bucket/key?uploads
func (s *Server) handleCreateMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	defer r.Body.Close()

	acl, ok := cannedACL(r.Header)
	if !ok {
		writeInvalidCannedACLError(w, r)
		return
	}

	userMeta, err := userMetadataFrom(r.Header)
	if err != nil {
		writeError(w, r, "Create multipart upload", err)
		return
	}

	owner := requestOwner(ctx)
	upload := &metadata.MultipartUploadRecord{
		Bucket:         bucket,
		Key:            key,
		ContentHeaders: contentHeadersFrom(r.Header),
		StorageClass:   storageClassFrom(r.Header),
		ACL:            acl,
		UserMetadata:   userMeta,
		OwnerID:        owner.ID,
		OwnerDisplay:   owner.DisplayName,
	}
	if err := s.uploads.Create(ctx, upload); err != nil {
		writeError(w, r, "Create multipart upload", err)
		return
	}

	resp := InitiateMultipartUploadResult{
		XMLNS:    S3XMLNamespace,
		Bucket:   bucket,
		Key:      key,
		UploadID: upload.UploadID,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode InitiateMultipartUpload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleUploadPart implements PUT /bucket/key?partNumber=N&uploadId=ID
func (s *Server) handleUploadPart(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string, partNumber int) {
	defer r.Body.Close()

	body, err := requestBody(r)
	if err != nil {
		writeError(w, r, "Upload part", err)
		return
	}

	part, err := s.uploads.UploadPart(ctx, multipart.UploadPartInput{
		Bucket:     bucket,
		Key:        key,
		UploadID:   uploadID,
		PartNumber: partNumber,
		Body:       body,
	})
	if err != nil {
		writeError(w, r, "Upload part", err)
		return
	}

	w.Header().Set("ETag", part.ETag)
	w.WriteHeader(http.StatusOK)
}

// handleUploadPartCopy implements PUT /bucket/key?partNumber=N&uploadId=ID
// with x-amz-copy-source and an optional x-amz-copy-source-range.
func (s *Server) handleUploadPartCopy(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string, partNumber int, copySource string) {
	defer r.Body.Close()

	srcBucket, srcKey, ok := parseCopySource(w, r, copySource)
	if !ok {
		return
	}

	var rng *storage.ByteRange
	if v := r.Header.Get("X-Amz-Copy-Source-Range"); v != "" {
		parsed, err := storage.ParseRange(v)
		if err != nil {
			writeS3Error(w, "InvalidArgument", "The x-amz-copy-source-range value must be of the form bytes=first-last.", r.URL.Path, http.StatusBadRequest)
			return
		}
		rng = parsed
	}

	part, err := s.uploads.UploadPartCopy(ctx, multipart.UploadPartCopyInput{
		Bucket:       bucket,
		Key:          key,
		UploadID:     uploadID,
		PartNumber:   partNumber,
		SourceBucket: srcBucket,
		SourceKey:    srcKey,
		SourceRange:  rng,
	})
	if err != nil {
		writeError(w, r, "Upload part copy", err)
		return
	}

	resp := CopyPartResult{
		XMLNS:        S3XMLNamespace,
		LastModified: formatTime(part.LastModified),
		ETag:         part.ETag,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode CopyPartResult XML", "bucket", bucket, "key", key, "err", err)
	}
}

// handleCompleteMultipartUpload implements POST /bucket/key?uploadId=ID
func (s *Server) handleCompleteMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	defer r.Body.Close()

	var req CompleteMultipartUpload
	if err := xml.NewDecoder(io.LimitReader(r.Body, maxCompleteBodySize)).Decode(&req); err != nil {
		slog.Debug("Decode CompleteMultipartUpload XML", "bucket", bucket, "key", key, "err", err)
		writeMalformedXMLError(w, r)
		return
	}

	parts := make([]multipart.CompletedPart, 0, len(req.Parts))
	for _, p := range req.Parts {
		parts = append(parts, multipart.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag})
	}

	obj, err := s.uploads.Complete(ctx, multipart.CompleteInput{
		Bucket:   bucket,
		Key:      key,
		UploadID: uploadID,
		Parts:    parts,
	})
	if err != nil {
		writeError(w, r, "Complete multipart upload", err)
		return
	}

	resp := CompleteMultipartUploadResult{
		XMLNS:    S3XMLNamespace,
		Location: objectLocation(r, bucket, key),
		Bucket:   bucket,
		Key:      key,
		ETag:     obj.ETag,
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode CompleteMultipartUpload XML", "bucket", bucket, "key", key, "err", err)
	}
}

// objectLocation returns the path-style URL of an object on this server.
func objectLocation(r *http.Request, bucket, key string) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return scheme + "://" + r.Host + "/" + bucket + "/" + key
}

// handleAbortMultipartUpload implements DELETE /bucket/key?uploadId=ID
func (s *Server) handleAbortMultipartUpload(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	if err := s.uploads.Abort(ctx, bucket, key, uploadID); err != nil {
		writeError(w, r, "Abort multipart upload", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListParts implements GET /bucket/key?uploadId=ID
func (s *Server) handleListParts(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string, uploadID string) {
	q := r.URL.Query()

	maxParts, ok := parseMaxKeys(q.Get("max-parts"), metadata.MaxListKeys)
	if !ok {
		writeS3Error(w, "InvalidArgument", "The max-parts query parameter is invalid.", r.URL.Path, http.StatusBadRequest)
		return
	}

	marker := 0
	if raw := q.Get("part-number-marker"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 0 {
			writeS3Error(w, "InvalidArgument", "The part-number-marker query parameter is invalid.", r.URL.Path, http.StatusBadRequest)
			return
		}
		marker = v
	}

	upload, err := s.Config.Store.GetMultipartUpload(ctx, uploadID)
	if err != nil {
		writeError(w, r, "List parts", err)
		return
	}
	if upload == nil || upload.Bucket != bucket || upload.Key != key {
		writeError(w, r, "List parts", metadata.ErrNoSuchUpload)
		return
	}

	res, err := s.Config.Store.ListPartsMeta(ctx, uploadID, metadata.ListPartsOptions{
		MaxParts:         maxParts,
		PartNumberMarker: marker,
	})
	if err != nil {
		writeError(w, r, "List parts", err)
		return
	}

	owner := Owner{ID: upload.OwnerID, DisplayName: upload.OwnerDisplay}
	resp := ListPartsResult{
		XMLNS:            S3XMLNamespace,
		Bucket:           bucket,
		Key:              key,
		UploadID:         uploadID,
		Initiator:        owner,
		Owner:            owner,
		StorageClass:     upload.StorageClass,
		PartNumberMarker: marker,
		MaxParts:         maxParts,
		IsTruncated:      res.IsTruncated,
	}
	if res.IsTruncated {
		resp.NextPartNumberMarker = res.NextPartNumberMarker
	}

	for _, p := range res.Parts {
		resp.Parts = append(resp.Parts, ListPartsPart{
			PartNumber:   p.PartNumber,
			LastModified: formatTime(p.LastModified),
			ETag:         p.ETag,
			Size:         p.Size,
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ListParts XML", "bucket", bucket, "key", key, "uploadId", uploadID, "err", err)
	}
}

// handleListMultipartUploads implements GET /bucket?uploads
func (s *Server) handleListMultipartUploads(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	// Ensure bucket exists; do not auto-create.
	if !s.ensureBucket(ctx, w, r, bucket) {
		return
	}

	q := r.URL.Query()
	maxUploads, ok := parseMaxKeys(q.Get("max-uploads"), metadata.MaxListKeys)
	if !ok {
		writeS3Error(w, "InvalidArgument", "The max-uploads query parameter is invalid.", r.URL.Path, http.StatusBadRequest)
		return
	}

	opts := metadata.ListUploadsOptions{
		Prefix:         q.Get("prefix"),
		KeyMarker:      q.Get("key-marker"),
		UploadIDMarker: q.Get("upload-id-marker"),
		MaxUploads:     maxUploads,
	}

	res, err := s.Config.Store.ListMultipartUploads(ctx, bucket, opts)
	if err != nil {
		writeError(w, r, "List multipart uploads", err)
		return
	}

	resp := ListMultipartUploadsResult{
		XMLNS:          S3XMLNamespace,
		Bucket:         bucket,
		KeyMarker:      opts.KeyMarker,
		UploadIDMarker: opts.UploadIDMarker,
		Prefix:         opts.Prefix,
		MaxUploads:     maxUploads,
		IsTruncated:    res.IsTruncated,
	}
	if res.IsTruncated {
		resp.NextKeyMarker = res.NextKeyMarker
		resp.NextUploadIDMarker = res.NextUploadIDMarker
	}

	for _, u := range res.Uploads {
		owner := Owner{ID: u.OwnerID, DisplayName: u.OwnerDisplay}
		resp.Uploads = append(resp.Uploads, MultipartUploadEntry{
			Key:          u.Key,
			UploadID:     u.UploadID,
			Initiator:    owner,
			Owner:        owner,
			StorageClass: u.StorageClass,
			Initiated:    formatTime(u.InitiatedAt),
		})
	}

	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ListMultipartUploads XML", "bucket", bucket, "err", err)
	}
}
