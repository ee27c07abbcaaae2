package server

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"log/slog"
	"net/http"

	"github.com/eteran/keeper/internal/auth"
	"github.com/eteran/keeper/internal/metadata"
)

const maxACLBodySize = 64 << 10

var cannedACLs = map[string]bool{
	"private":                   true,
	"public-read":               true,
	"public-read-write":         true,
	"authenticated-read":        true,
	"bucket-owner-read":         true,
	"bucket-owner-full-control": true,
}

// aclDocument is the blob stored as a bucket or object ACL. Policy holds
// an AccessControlPolicy body exactly as the client sent it.
type aclDocument struct {
	Canned string `json:"canned,omitempty"`
	Policy string `json:"policy,omitempty"`
}

func writeMalformedACLError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "MalformedACLError", "The XML you provided was not well-formed or did not validate against our published schema.", r.URL.Path, http.StatusBadRequest)
}

func writeInvalidCannedACLError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InvalidArgument", "The canned ACL you provided is not valid.", r.URL.Path, http.StatusBadRequest)
}

// cannedACL encodes the x-amz-acl header, or returns nil without one.
func cannedACL(h http.Header) (json.RawMessage, bool) {
	canned := h.Get("X-Amz-Acl")
	if canned == "" {
		return nil, true
	}
	if !cannedACLs[canned] {
		return nil, false
	}
	b, _ := json.Marshal(aclDocument{Canned: canned})
	return b, true
}

// readACL builds the ACL blob of a PUT ?acl request from its body or its
// x-amz-acl header. It writes the error response itself.
func readACL(w http.ResponseWriter, r *http.Request) (json.RawMessage, bool) {
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, maxACLBodySize+1))
	if err != nil {
		writeS3Error(w, "IncompleteBody", "Failed to read request body.", r.URL.Path, http.StatusBadRequest)
		return nil, false
	}
	if len(body) > maxACLBodySize {
		writeS3Error(w, "MaxMessageLengthExceeded", "Your request was too big.", r.URL.Path, http.StatusBadRequest)
		return nil, false
	}

	if len(body) == 0 {
		acl, ok := cannedACL(r.Header)
		if !ok {
			writeInvalidCannedACLError(w, r)
			return nil, false
		}
		if acl == nil {
			writeMalformedACLError(w, r)
			return nil, false
		}
		return acl, true
	}

	var policy AccessControlPolicy
	if err := xml.Unmarshal(body, &policy); err != nil {
		writeMalformedACLError(w, r)
		return nil, false
	}

	b, err := json.Marshal(aclDocument{Policy: string(body)})
	if err != nil {
		writeInternalError(w, r)
		return nil, false
	}
	return b, true
}

// writeACL writes the stored ACL back. A stored policy is returned verbatim;
// otherwise the grants of the canned ACL (private by default) are listed.
func writeACL(w http.ResponseWriter, r *http.Request, acl json.RawMessage, owner Owner) {
	var doc aclDocument
	if len(acl) > 0 {
		if err := json.Unmarshal(acl, &doc); err != nil {
			slog.Error("Decode stored ACL", "path", r.URL.Path, "err", err)
			writeInternalError(w, r)
			return
		}
	}

	if doc.Policy != "" {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, doc.Policy)
		return
	}

	const (
		xsi           = "http://www.w3.org/2001/XMLSchema-instance"
		allUsers      = "http://acs.amazonaws.com/groups/global/AllUsers"
		authenticated = "http://acs.amazonaws.com/groups/global/AuthenticatedUsers"
	)

	grants := []Grant{{
		Grantee:    Grantee{XMLNSXSI: xsi, Type: "CanonicalUser", ID: owner.ID, DisplayName: owner.DisplayName},
		Permission: "FULL_CONTROL",
	}}
	group := func(uri, permission string) Grant {
		return Grant{Grantee: Grantee{XMLNSXSI: xsi, Type: "Group", URI: uri}, Permission: permission}
	}
	switch doc.Canned {
	case "public-read":
		grants = append(grants, group(allUsers, "READ"))
	case "public-read-write":
		grants = append(grants, group(allUsers, "READ"), group(allUsers, "WRITE"))
	case "authenticated-read":
		grants = append(grants, group(authenticated, "READ"))
	}

	resp := AccessControlPolicy{XMLNS: S3XMLNamespace, Owner: owner, Grants: grants}
	if err := writeXMLResponse(w, resp); err != nil {
		slog.Error("Encode ACL XML", "path", r.URL.Path, "err", err)
	}
}

func bucketOwner(b *metadata.BucketRecord) Owner {
	return Owner{ID: b.OwnerID, DisplayName: b.OwnerDisplay}
}

func requestOwner(ctx context.Context) Owner {
	if user := auth.UserFromContext(ctx); user != nil {
		return Owner{ID: user.OwnerID, DisplayName: user.DisplayName}
	}
	return Owner{}
}

// lookupBucket returns the bucket record, writing NoSuchBucket if it does
// not exist.
func (s *Server) lookupBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) (*metadata.BucketRecord, bool) {
	rec, err := s.Config.Store.GetBucket(ctx, bucket)
	if err != nil {
		slog.Error("Lookup bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return nil, false
	}
	if rec == nil {
		writeNoSuchBucketError(w, r)
		return nil, false
	}
	return rec, true
}

// handleGetBucketAcl implements GET /bucket?acl
func (s *Server) handleGetBucketAcl(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	rec, ok := s.lookupBucket(ctx, w, r, bucket)
	if !ok {
		return
	}
	writeACL(w, r, rec.ACL, bucketOwner(rec))
}

// handlePutBucketAcl implements PUT /bucket?acl
func (s *Server) handlePutBucketAcl(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) {
	acl, ok := readACL(w, r)
	if !ok {
		return
	}
	if err := s.Config.Store.UpdateBucketACL(ctx, bucket, acl); err != nil {
		writeError(w, r, "Put bucket ACL", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// handleGetObjectAcl implements GET /bucket/key?acl
func (s *Server) handleGetObjectAcl(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	rec, ok := s.lookupBucket(ctx, w, r, bucket)
	if !ok {
		return
	}

	obj, err := s.Config.Store.GetObjectMeta(ctx, bucket, key)
	if err != nil {
		writeError(w, r, "Get object ACL", err)
		return
	}
	if obj == nil {
		writeNoSuchKeyError(w, r)
		return
	}
	writeACL(w, r, obj.ACL, bucketOwner(rec))
}

// handlePutObjectAcl implements PUT /bucket/key?acl
func (s *Server) handlePutObjectAcl(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string, key string) {
	if !s.ensureBucket(ctx, w, r, bucket) {
		return
	}

	acl, ok := readACL(w, r)
	if !ok {
		return
	}
	if err := s.Config.Store.UpdateObjectACL(ctx, bucket, key, acl); err != nil {
		writeError(w, r, "Put object ACL", err)
		return
	}
	w.WriteHeader(http.StatusOK)
}
