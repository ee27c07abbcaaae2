package server

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/eteran/keeper/internal/auth"
)

// ResponseWriterWrapper is a wrapper around the default http.ResponseWriter.
// It intercepts the WriteHeader call and saves the response status code.
type ResponseWriterWrapper struct {
	http.ResponseWriter
	WrittenResponseCode int
	BytesWritten        int64
}

// WriteHeader intercepts the status code and stores it, then calls the original WriteHeader.
func (w *ResponseWriterWrapper) WriteHeader(statusCode int) {
	w.WrittenResponseCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

// Write calls the underlying ResponseWriter's Write method.
func (w *ResponseWriterWrapper) Write(b []byte) (int, error) {
	if w.WrittenResponseCode == 0 {
		w.WrittenResponseCode = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.BytesWritten += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *ResponseWriterWrapper) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

type userSlotKey struct{}

func withUserSlot(ctx context.Context, slot **auth.User) context.Context {
	return context.WithValue(ctx, userSlotKey{}, slot)
}

// reportUser hands the authenticated user back to LogRequest.
func reportUser(ctx context.Context, user *auth.User) {
	if slot, ok := ctx.Value(userSlotKey{}).(**auth.User); ok {
		*slot = user
	}
}

type LogEntry struct {
	IP          string
	Method      string
	URL         string
	Proto       string
	AccessKeyID string
	DurationMS  float64
	StatusCode  int
	Bytes       int64
}

func (e LogEntry) User() slog.Attr {
	return slog.Group("user", "ip", e.IP, "access_key", e.AccessKeyID)
}

func (e LogEntry) Request() slog.Attr {
	return slog.Group("request",
		"proto", e.Proto,
		"method", e.Method,
		"url", e.URL,
		"duration_ms", e.DurationMS,
		"status_code", e.StatusCode,
		"bytes", e.Bytes,
	)
}

// LogRequest is middleware that logs incoming HTTP requests.
func (s *Server) LogRequest(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		entry := LogEntry{
			IP:     r.RemoteAddr,
			Method: r.Method,
			URL:    r.URL.String(),
			Proto:  r.Proto,
		}

		writer := ResponseWriterWrapper{ResponseWriter: w}

		// The authenticated user is only known once the handler chain has
		// run, so it is reported through this pointer.
		var user *auth.User
		ctx := withUserSlot(r.Context(), &user)

		start := time.Now()
		next.ServeHTTP(&writer, r.WithContext(ctx))
		elapsed := time.Since(start).Nanoseconds()

		entry.DurationMS = float64(elapsed) / float64(time.Millisecond)
		entry.StatusCode = writer.WrittenResponseCode
		entry.Bytes = writer.BytesWritten
		if user != nil {
			entry.AccessKeyID = user.AccessKeyID
		}

		switch {
		case writer.WrittenResponseCode >= 500:
			slog.Error("Request", entry.User(), entry.Request())
		case writer.WrittenResponseCode >= 400:
			slog.Warn("Request", entry.User(), entry.Request())
		default:
			slog.Info("Request", entry.User(), entry.Request())
		}

		if slog.Default().Enabled(ctx, slog.LevelDebug) {
			var headerAttrs []any
			for key, values := range r.Header {
				for _, value := range values {
					if key == "Authorization" || key == "Cookie" {
						value = "[REDACTED]"
					}
					headerAttrs = append(headerAttrs, slog.String(key, value))
				}
			}

			slog.Debug("Request Headers", slog.Group("headers", headerAttrs...))
		}
	})
}

// RequireAuthentication is middleware that enforces authentication for S3
// API requests. Anonymous requests are denied.
func (s *Server) RequireAuthentication(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {

		ctx := r.Context()

		user, err := s.Config.Authenticator.AuthenticateRequest(ctx, r)
		if err != nil {
			writeError(w, r, "Authenticate request", err)
			return
		}
		if user == nil {
			writeS3Error(w, "AccessDenied", "Access Denied", r.URL.Path, http.StatusForbidden)
			return
		}

		reportUser(ctx, user)
		next.ServeHTTP(w, r.WithContext(auth.WithUser(ctx, user)))
	})
}

// SlashFix drops the trailing slash clients send on bucket level requests
// ("/bucket/"), so they reach the bucket routes. Object keys are left alone
// since a trailing slash is part of the key.
func (s *Server) SlashFix(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		trimmed := strings.TrimPrefix(r.URL.Path, "/")
		if bucket, rest, ok := strings.Cut(trimmed, "/"); ok && rest == "" && bucket != "" {
			r.URL.Path = "/" + bucket
			r.URL.RawPath = ""
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) Recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rvr := recover(); rvr != nil {
				if rvr == http.ErrAbortHandler {
					// we don't recover http.ErrAbortHandler so the response
					// to the client is aborted, this should not be logged
					panic(rvr)
				}

				slog.Error("Internal Error in HTTP handler", "error", rvr)

				if r.Header.Get("Connection") != "Upgrade" {
					writeInternalError(w, r)
				}
			}
		}()

		next.ServeHTTP(w, r)
	})
}
