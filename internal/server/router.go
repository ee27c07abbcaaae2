package server

import (
	"context"
	"net/http"
)

type (
	bucketHandler func(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string)
	objectHandler func(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket, key string)
)

// Handler returns an http.Handler implementing the path-style S3 API.
//
// Routing only splits on method and path shape. Each handler then dispatches
// on the subresource query parameters (?acl, ?uploads, ?uploadId, ...).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", func(w http.ResponseWriter, r *http.Request) {
		s.handleListBuckets(r.Context(), w, r)
	})

	buckets := map[string]bucketHandler{
		http.MethodPut:    s.handleBucketPut,
		http.MethodGet:    s.handleBucketGet,
		http.MethodHead:   s.handleBucketHead,
		http.MethodDelete: s.handleBucketDelete,
		http.MethodPost:   s.handleBucketPost,
	}
	for method, h := range buckets {
		mux.HandleFunc(method+" /{bucket}", func(w http.ResponseWriter, r *http.Request) {
			h(r.Context(), w, r, r.PathValue("bucket"))
		})
	}

	objects := map[string]objectHandler{
		http.MethodPut:    s.handleObjectPut,
		http.MethodGet:    s.handleObjectGet,
		http.MethodHead:   s.handleObjectHead,
		http.MethodDelete: s.handleObjectDelete,
		http.MethodPost:   s.handleObjectPost,
	}
	for method, h := range objects {
		mux.HandleFunc(method+" /{bucket}/{key...}", func(w http.ResponseWriter, r *http.Request) {
			h(r.Context(), w, r, r.PathValue("bucket"), r.PathValue("key"))
		})
	}

	// Authentication sees the path exactly as it was signed.
	handler := s.SlashFix(mux)
	handler = s.RequireAuthentication(handler)
	handler = s.LogRequest(handler)
	handler = s.Recoverer(handler)
	return handler
}
