package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/eteran/keeper/internal/metadata"
)

const userMetadataPrefix = "X-Amz-Meta-"

// contentHeadersFrom collects the representation headers stored with an
// object.
func contentHeadersFrom(h http.Header) metadata.ContentHeaders {
	return metadata.ContentHeaders{
		ContentType:        h.Get("Content-Type"),
		ContentEncoding:    storedContentEncoding(h.Get("Content-Encoding")),
		ContentLanguage:    h.Get("Content-Language"),
		ContentDisposition: h.Get("Content-Disposition"),
		CacheControl:       h.Get("Cache-Control"),
		Expires:            h.Get("Expires"),
	}
}

// userMetadataFrom serializes the x-amz-meta-* headers. Names are stored
// lower case without the prefix. It returns nil if there are none.
func userMetadataFrom(h http.Header) (json.RawMessage, error) {
	meta := make(map[string]string)
	for name, values := range h {
		canonical := http.CanonicalHeaderKey(name)
		if !strings.HasPrefix(canonical, userMetadataPrefix) {
			continue
		}
		meta[strings.ToLower(strings.TrimPrefix(canonical, userMetadataPrefix))] = strings.Join(values, ",")
	}
	if len(meta) == 0 {
		return nil, nil
	}

	b, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("encode user metadata: %w", err)
	}
	return b, nil
}

func storageClassFrom(h http.Header) string {
	if v := h.Get("X-Amz-Storage-Class"); v != "" {
		return v
	}
	return metadata.DefaultStorageClass
}

// writeObjectHeaders sets the response headers describing obj, everything
// but Content-Length.
func writeObjectHeaders(w http.ResponseWriter, obj *metadata.ObjectRecord) {
	h := w.Header()

	contentType := obj.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	h.Set("Content-Type", contentType)

	for name, value := range map[string]string{
		"Content-Encoding":    obj.ContentEncoding,
		"Content-Language":    obj.ContentLanguage,
		"Content-Disposition": obj.ContentDisposition,
		"Cache-Control":       obj.CacheControl,
		"Expires":             obj.Expires,
	} {
		if value != "" {
			h.Set(name, value)
		}
	}

	h.Set("Last-Modified", obj.LastModified.UTC().Format(http.TimeFormat))
	h.Set("ETag", obj.ETag)
	h.Set("Accept-Ranges", "bytes")

	if obj.StorageClass != "" && obj.StorageClass != metadata.DefaultStorageClass {
		h.Set("X-Amz-Storage-Class", obj.StorageClass)
	}

	if len(obj.UserMetadata) > 0 {
		var meta map[string]string
		if err := json.Unmarshal(obj.UserMetadata, &meta); err == nil {
			for name, value := range meta {
				h.Set(userMetadataPrefix+name, value)
			}
		}
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(iso8601Format)
}
