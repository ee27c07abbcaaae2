package metadata

import (
	"context"
	"strings"
)

// seek positions a scan over one bucket's keys in ascending order. The scan
// starts at key, including it only when inclusive is set.
type seek struct {
	key       string
	inclusive bool
}

// objectScanner returns up to limit objects at or after the seek position
// whose keys fall within the prefix range. Implementations must return rows
// in ascending key order.
type objectScanner func(ctx context.Context, from seek, limit int) ([]ObjectRecord, error)

// prefixSuccessor returns the smallest string greater than every string that
// starts with prefix. It returns false when no such string exists, which is
// the case when prefix is empty or consists only of 0xff bytes.
func prefixSuccessor(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// commonPrefix returns the common prefix key collapses into, or the empty
// string if key should be listed as an object.
func commonPrefix(prefix, delimiter, key string) string {
	if delimiter == "" {
		return ""
	}
	rest := key[len(prefix):]
	idx := strings.Index(rest, delimiter)
	if idx < 0 {
		return ""
	}
	return key[:len(prefix)+idx+len(delimiter)]
}

// listObjects runs the shared paging algorithm over a scanner.
//
// Raw rows are fetched in batches of MaxKeys+1. Rows that collapse into a
// common prefix are skipped within the batch, and the next batch seeks
// directly past the whole group, so a group of any size costs at most one
// extra query. The listing stops as soon as one entry beyond the page has
// been observed (truncated) or the keyspace is exhausted (not truncated).
// The result never reports "not truncated" while entries remain.
func listObjects(ctx context.Context, scan objectScanner, opts ListObjectsOptions) (*ListObjectsResult, error) {
	maxKeys := normalizeLimit(opts.MaxKeys)
	batch := maxKeys + 1

	cur := seek{key: opts.Prefix, inclusive: true}
	if opts.StartAfter >= opts.Prefix {
		cur = seek{key: opts.StartAfter}
	}

	res := &ListObjectsResult{}
	entries := 0
	group := ""

	for {
		rows, err := scan(ctx, cur, batch)
		if err != nil {
			return nil, err
		}

		for _, row := range rows {
			if group != "" && strings.HasPrefix(row.Key, group) {
				continue
			}
			group = ""

			if cp := commonPrefix(opts.Prefix, opts.Delimiter, row.Key); cp != "" {
				group = cp

				// Resuming from a page that ended on this group.
				if cp == opts.StartAfter {
					continue
				}
				if entries == maxKeys {
					res.IsTruncated = true
					return res, nil
				}
				res.CommonPrefixes = append(res.CommonPrefixes, cp)
				res.NextToken = cp
				entries++
				continue
			}

			if entries == maxKeys {
				res.IsTruncated = true
				return res, nil
			}
			res.Objects = append(res.Objects, row)
			res.NextToken = row.Key
			entries++
		}

		if len(rows) < batch {
			return res, nil
		}

		last := rows[len(rows)-1].Key
		if group != "" && strings.HasPrefix(last, group) {
			next, ok := prefixSuccessor(group)
			if !ok {
				return res, nil
			}
			cur = seek{key: next, inclusive: true}
		} else {
			cur = seek{key: last}
		}
	}
}
