// Package server exposes the metadata store, storage backend and multipart
// orchestrator as a path-style S3 HTTP API.
package server

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/eteran/keeper/internal/auth"
	"github.com/eteran/keeper/internal/metadata"
	"github.com/eteran/keeper/internal/multipart"
	"github.com/eteran/keeper/internal/storage"
)

const DefaultRegion = "us-east-1"

var (
	// Regex for validating S3 bucket names.
	// matches lowercase letters, digits, dots, and hyphens,
	// must start and end with a letter or digit, and must be between 3 and 63 characters long.
	bucketNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)
)

// Server provides a minimal S3-compatible HTTP API.
type Server struct {
	Config  Config
	uploads *multipart.Orchestrator

	// ownsStore is set when the store was opened by NewServer.
	ownsStore bool
}

// NewServer fills in defaults for anything cfg leaves unset, recovers the
// storage backend from any previous run and returns a new Server.
func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Region == "" {
		cfg.Region = DefaultRegion
	}

	s := &Server{}

	if cfg.Store == nil {
		dbPath := cfg.MetadataPath
		if dbPath == "" {
			if cfg.DataDir == "" {
				return nil, errors.New("DataDir must not be empty")
			}
			dbPath = filepath.Join(cfg.DataDir, ".meta", "metadata.sqlite")
		}

		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, fmt.Errorf("create metadata dir: %w", err)
		}

		store, err := metadata.OpenSQLite(ctx, dbPath)
		if err != nil {
			return nil, err
		}
		cfg.Store = store
		s.ownsStore = true
	}

	if cfg.Backend == nil {
		if cfg.DataDir == "" {
			s.closeStore(cfg.Store)
			return nil, errors.New("DataDir must not be empty")
		}
		cfg.Backend = storage.NewLocal(cfg.DataDir)
	}

	if cfg.Authenticator == nil {
		cfg.Authenticator = auth.NewDefaultAuthEngine(cfg.Store)
	}

	var opts []multipart.Option
	if cfg.MinPartSize > 0 {
		opts = append(opts, multipart.WithMinPartSize(cfg.MinPartSize))
	}

	s.Config = cfg
	s.uploads = multipart.New(cfg.Store, cfg.Backend, opts...)

	if err := s.recover(ctx); err != nil {
		s.closeStore(cfg.Store)
		return nil, err
	}

	return s, nil
}

// recover runs on every start. Anything an interrupted run left behind is
// swept by the backend, then part data of uploads that no longer exist is
// reclaimed.
func (s *Server) recover(ctx context.Context) error {
	if err := s.Config.Backend.Init(ctx); err != nil {
		return fmt.Errorf("init storage backend: %w", err)
	}
	if _, err := multipart.ReclaimOrphanParts(ctx, s.Config.Store, s.Config.Backend); err != nil {
		return fmt.Errorf("reclaim orphan parts: %w", err)
	}
	return nil
}

func (s *Server) closeStore(store metadata.Store) {
	if !s.ownsStore {
		return
	}
	if err := store.Close(); err != nil {
		slog.Warn("Failed to close metadata store", "err", err)
	}
}

// Close closes any resources held by the Server.
func (s *Server) Close() error {
	if !s.ownsStore {
		return nil
	}
	return s.Config.Store.Close()
}

// ensureBucket writes NoSuchBucket and returns false unless bucket exists.
func (s *Server) ensureBucket(ctx context.Context, w http.ResponseWriter, r *http.Request, bucket string) bool {
	exists, err := s.Config.Store.BucketExists(ctx, bucket)
	if err != nil {
		slog.Error("Lookup bucket", "bucket", bucket, "err", err)
		writeInternalError(w, r)
		return false
	}
	if !exists {
		writeNoSuchBucketError(w, r)
		return false
	}
	return true
}

// writeNotImplemented is a helper for stubbing unsupported S3 operations.
func (s *Server) writeNotImplemented(w http.ResponseWriter, r *http.Request, op string) {
	message := op + " is not implemented."
	writeS3Error(w, "NotImplemented", message, r.URL.Path, http.StatusNotImplemented)
}

// writeS3Error writes a minimal S3-style XML error response.
func writeS3Error(w http.ResponseWriter, code string, message string, resource string, status int) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	_ = xml.NewEncoder(w).Encode(S3Error{
		Code:     code,
		Message:  message,
		Resource: resource,
	})
}

// writeInternalError writes a generic S3 InternalError response.
func writeInternalError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "InternalError", "We encountered an internal error. Please try again.", r.URL.Path, http.StatusInternalServerError)
}

// writeNoSuchBucketError writes a generic S3 NoSuchBucket error response.
func writeNoSuchBucketError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchBucket", "The specified bucket does not exist.", r.URL.Path, http.StatusNotFound)
}

// writeNoSuchKeyError writes a generic S3 NoSuchKey error response.
func writeNoSuchKeyError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "NoSuchKey", "The specified key does not exist.", r.URL.Path, http.StatusNotFound)
}

func writeMalformedXMLError(w http.ResponseWriter, r *http.Request) {
	writeS3Error(w, "MalformedXML", "The XML you provided was not well-formed or did not validate against our published schema.", r.URL.Path, http.StatusBadRequest)
}

// isValidBucketName implements the standard S3 bucket naming rules for
// "virtual hosted-style" buckets.
func isValidBucketName(name string) bool {

	// Must consist only of lowercase letters, digits, dots, or hyphens,
	// and must start and end with a letter or digit.
	if !bucketNamePattern.MatchString(name) {
		return false
	}

	// Disallow patterns like "..", ".-", "-.".
	if strings.Contains(name, "..") {
		return false
	}

	for i := 1; i < len(name); i++ {
		if (name[i-1] == '.' && name[i] == '-') || (name[i-1] == '-' && name[i] == '.') {
			return false
		}
	}

	// Bucket name must not be formatted as an IPv4 address.
	ip := net.ParseIP(name)
	return ip == nil
}

// isValidObjectKey enforces basic S3 object key constraints: non-empty,
// at most 1024 bytes, and no control characters.
func isValidObjectKey(key string) bool {
	if len(key) == 0 || len(key) > 1024 {
		return false
	}

	return !strings.ContainsFunc(key, func(c rune) bool {
		return c < 0x20 || c == 0x7f
	})
}

// validateBucketNameOrError writes an S3 InvalidBucketName error and returns
// false if the provided name does not meet S3 bucket naming rules.
func validateBucketNameOrError(w http.ResponseWriter, r *http.Request, bucket string) bool {
	if !isValidBucketName(bucket) {
		writeS3Error(w, "InvalidBucketName", "The specified bucket is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// validateObjectKeyOrError writes an S3-style error for invalid object keys.
func validateObjectKeyOrError(w http.ResponseWriter, r *http.Request, key string) bool {
	if !isValidObjectKey(key) {
		writeS3Error(w, "InvalidObjectName", "The specified key is not valid.", r.URL.Path, http.StatusBadRequest)
		return false
	}
	return true
}

// writeXMLResponse encodes v as XML and writes it to w with a 200 OK status.
func writeXMLResponse(w http.ResponseWriter, v any) error {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return err
	}
	return xml.NewEncoder(w).Encode(v)
}
