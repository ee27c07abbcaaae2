package multipart

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// normalizeETag strips surrounding whitespace and quotes so that quoted and
// bare ETags compare equal.
func normalizeETag(etag string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(etag), `"`))
}

// CompositeETag computes the ETag S3 assigns to a multipart object: the MD5
// of the concatenated raw part digests, followed by -N for N parts, quoted.
// It is not the MD5 of the assembled bytes.
func CompositeETag(etags []string) (string, error) {
	if len(etags) == 0 {
		return "", ErrNoParts
	}

	hash := md5.New()
	for i, etag := range etags {
		digest, err := hex.DecodeString(normalizeETag(etag))
		if err != nil || len(digest) != md5.Size {
			return "", fmt.Errorf("%w: part %d has malformed etag %q", ErrInvalidPart, i+1, etag)
		}
		hash.Write(digest)
	}

	return fmt.Sprintf(`"%s-%d"`, hex.EncodeToString(hash.Sum(nil)), len(etags)), nil
}
