package storage

import (
	"fmt"
	"strconv"
	"strings"
)

// ByteRange is a single HTTP byte range. A suffix range (bytes=-n) sets
// Suffix; otherwise Start is the first byte and End the last byte, with a
// negative End meaning "to the end of the object".
type ByteRange struct {
	Start  int64
	End    int64
	Suffix int64
}

// ParseRange parses a Range header value of the form bytes=a-b, bytes=a- or
// bytes=-n. Multiple ranges are not supported.
func ParseRange(header string) (*ByteRange, error) {
	spec, ok := strings.CutPrefix(strings.TrimSpace(header), "bytes=")
	if !ok || strings.Contains(spec, ",") {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	first, last, ok := strings.Cut(spec, "-")
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	first = strings.TrimSpace(first)
	last = strings.TrimSpace(last)

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
		}
		return &ByteRange{Suffix: n}, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}

	if last == "" {
		return &ByteRange{Start: start, End: -1}, nil
	}

	end, err := strconv.ParseInt(last, 10, 64)
	if err != nil || end < start {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, header)
	}
	return &ByteRange{Start: start, End: end}, nil
}

// Resolve returns the offset and length of the range within an object of
// the given size. An end past the object is clamped to its last byte.
func (r *ByteRange) Resolve(size int64) (offset, length int64, err error) {
	if r == nil {
		return 0, size, nil
	}
	if size <= 0 {
		return 0, 0, ErrInvalidRange
	}

	if r.Suffix > 0 {
		n := min(r.Suffix, size)
		return size - n, n, nil
	}

	if r.Start >= size {
		return 0, 0, ErrInvalidRange
	}
	end := r.End
	if end < 0 || end >= size {
		end = size - 1
	}
	return r.Start, end - r.Start + 1, nil
}

// ContentRange formats the Content-Range header for a resolved range.
func ContentRange(offset, length, size int64) string {
	return fmt.Sprintf("bytes %d-%d/%d", offset, offset+length-1, size)
}
