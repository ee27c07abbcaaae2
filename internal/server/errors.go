package server

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/eteran/keeper/internal/auth"
	"github.com/eteran/keeper/internal/metadata"
	"github.com/eteran/keeper/internal/multipart"
	"github.com/eteran/keeper/internal/storage"
)

var (
	errBadDigest      = errors.New("content-md5 does not match the body")
	errInvalidDigest  = errors.New("content-md5 is not a valid md5 digest")
	errIncompleteBody = errors.New("request body is shorter than declared")
	errMalformedChunk = errors.New("malformed aws-chunked payload")
)

type s3ErrorCode struct {
	Code    string
	Message string
	Status  int
}

var internalError = s3ErrorCode{"InternalError", "We encountered an internal error. Please try again.", http.StatusInternalServerError}

var s3Errors = []struct {
	err  error
	code s3ErrorCode
}{
	{metadata.ErrNoSuchBucket, s3ErrorCode{"NoSuchBucket", "The specified bucket does not exist.", http.StatusNotFound}},
	{metadata.ErrBucketAlreadyExists, s3ErrorCode{"BucketAlreadyExists", "The requested bucket name is not available. The bucket namespace is shared by all users of the system. Please select a different name and try again.", http.StatusConflict}},
	{metadata.ErrBucketNotEmpty, s3ErrorCode{"BucketNotEmpty", "The bucket you tried to delete is not empty.", http.StatusConflict}},
	{metadata.ErrNoSuchKey, s3ErrorCode{"NoSuchKey", "The specified key does not exist.", http.StatusNotFound}},
	{metadata.ErrNoSuchUpload, s3ErrorCode{"NoSuchUpload", "The specified multipart upload does not exist. The upload ID might be invalid, or the multipart upload might have been aborted or completed.", http.StatusNotFound}},

	{storage.ErrInvalidRange, s3ErrorCode{"InvalidRange", "The requested range is not satisfiable.", http.StatusRequestedRangeNotSatisfiable}},
	{storage.ErrInvalidName, s3ErrorCode{"InvalidArgument", "The specified bucket or key cannot be stored.", http.StatusBadRequest}},

	{multipart.ErrInvalidPartOrder, s3ErrorCode{"InvalidPartOrder", "The list of parts was not in ascending order. The parts list must be specified in order by part number.", http.StatusBadRequest}},
	{multipart.ErrInvalidPart, s3ErrorCode{"InvalidPart", "One or more of the specified parts could not be found. The part might not have been uploaded, or the specified entity tag might not have matched the part's entity tag.", http.StatusBadRequest}},
	{multipart.ErrEntityTooSmall, s3ErrorCode{"EntityTooSmall", "Your proposed upload is smaller than the minimum allowed object size.", http.StatusBadRequest}},
	{multipart.ErrNoParts, s3ErrorCode{"MalformedXML", "You must specify at least one part.", http.StatusBadRequest}},
	{multipart.ErrInvalidPartNumber, s3ErrorCode{"InvalidArgument", "Part number must be an integer between 1 and 10000, inclusive.", http.StatusBadRequest}},

	{auth.ErrInvalidAccessKeyID, s3ErrorCode{"InvalidAccessKeyId", "The AWS Access Key Id you provided does not exist in our records.", http.StatusForbidden}},
	{auth.ErrSignatureDoesNotMatch, s3ErrorCode{"SignatureDoesNotMatch", "The request signature we calculated does not match the signature you provided.", http.StatusForbidden}},
	{auth.ErrMalformedRequest, s3ErrorCode{"AuthorizationHeaderMalformed", "The authorization information you provided is malformed.", http.StatusBadRequest}},
	{auth.ErrRequestExpired, s3ErrorCode{"AccessDenied", "Request has expired.", http.StatusForbidden}},

	{errBadDigest, s3ErrorCode{"BadDigest", "The Content-MD5 you specified did not match what we received.", http.StatusBadRequest}},
	{errInvalidDigest, s3ErrorCode{"InvalidDigest", "The Content-MD5 you specified is not valid.", http.StatusBadRequest}},
	{errIncompleteBody, s3ErrorCode{"IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.", http.StatusBadRequest}},
	{errMalformedChunk, s3ErrorCode{"IncompleteBody", "The streaming request body could not be decoded.", http.StatusBadRequest}},
	{io.ErrUnexpectedEOF, s3ErrorCode{"IncompleteBody", "You did not provide the number of bytes specified by the Content-Length HTTP header.", http.StatusBadRequest}},
}

// s3ErrorFor maps an error from the core to the S3 error it is reported as.
// Anything unrecognized is an InternalError.
func s3ErrorFor(err error) s3ErrorCode {
	for _, e := range s3Errors {
		if errors.Is(err, e.err) {
			return e.code
		}
	}
	return internalError
}

// writeError reports err to the client, logging it when it is our fault.
func writeError(w http.ResponseWriter, r *http.Request, op string, err error) {
	code := s3ErrorFor(err)
	if code.Status >= http.StatusInternalServerError {
		slog.Error(op, "path", r.URL.Path, "err", err)
	} else {
		slog.Debug(op, "path", r.URL.Path, "code", code.Code, "err", err)
	}
	writeS3Error(w, code.Code, code.Message, r.URL.Path, code.Status)
}
