package server

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"strconv"
	"strings"
)

// streamingPrefix marks the X-Amz-Content-Sha256 values of aws-chunked
// bodies, signed or not, with or without trailers.
const streamingPrefix = "STREAMING-"

// chunkedReader decodes an aws-chunked body as it is read:
//
//	<size-hex>[;chunk-signature=...]\r\n<data>\r\n ... 0[;...]\r\n[trailers]\r\n
//
// Chunk signatures are not verified.
type chunkedReader struct {
	br        *bufio.Reader
	remaining int64
	needCRLF  bool
	done      bool
	err       error

	decoded  int64
	expected int64
}

// newChunkedReader wraps body. A non-negative expected is the declared
// decoded length, which the payload must match exactly.
func newChunkedReader(body io.Reader, expected int64) *chunkedReader {
	return &chunkedReader{br: bufio.NewReader(body), expected: expected}
}

func (c *chunkedReader) Read(p []byte) (int, error) {
	if c.err != nil {
		return 0, c.err
	}

	for c.remaining == 0 {
		if c.done {
			return 0, io.EOF
		}
		if err := c.nextChunk(); err != nil {
			c.err = err
			return 0, err
		}
	}

	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err := c.br.Read(p)
	c.remaining -= int64(n)
	c.decoded += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = errIncompleteBody
		}
		c.err = err
		return n, err
	}
	if c.remaining == 0 {
		c.needCRLF = true
	}
	return n, nil
}

func (c *chunkedReader) readLine() (string, error) {
	line, err := c.br.ReadSlice('\n')
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", errIncompleteBody
		}
		return "", fmt.Errorf("%w: %v", errMalformedChunk, err)
	}
	return string(bytes.TrimRight(line, "\r\n")), nil
}

func (c *chunkedReader) nextChunk() error {
	if c.needCRLF {
		line, err := c.readLine()
		if err != nil {
			return err
		}
		if line != "" {
			return fmt.Errorf("%w: missing CRLF after chunk", errMalformedChunk)
		}
		c.needCRLF = false
	}

	header, err := c.readLine()
	if err != nil {
		return err
	}
	sizeHex, _, _ := strings.Cut(header, ";")
	size, err := strconv.ParseInt(strings.TrimSpace(sizeHex), 16, 64)
	if err != nil || size < 0 {
		return fmt.Errorf("%w: chunk size %q", errMalformedChunk, sizeHex)
	}

	if size > 0 {
		c.remaining = size
		return nil
	}

	// Final chunk: skip trailers up to the terminating blank line. Some
	// clients end the body without one.
	for {
		line, err := c.br.ReadSlice('\n')
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", errMalformedChunk, err)
		}
		if len(bytes.TrimRight(line, "\r\n")) == 0 {
			break
		}
	}

	if c.expected >= 0 && c.decoded != c.expected {
		return fmt.Errorf("%w: decoded %d bytes, expected %d", errIncompleteBody, c.decoded, c.expected)
	}
	c.done = true
	return nil
}

// digestReader fails at the end of the stream when the content does not
// hash to the digest the client sent, so nothing gets published.
type digestReader struct {
	r    io.Reader
	hash hash.Hash
	want []byte
}

func (d *digestReader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	d.hash.Write(p[:n])
	if errors.Is(err, io.EOF) && !bytes.Equal(d.hash.Sum(nil), d.want) {
		return n, errBadDigest
	}
	return n, err
}

// requestBody returns the payload of r, decoding aws-chunked framing and
// checking Content-MD5 as it is read.
func requestBody(r *http.Request) (io.Reader, error) {
	var body io.Reader = r.Body

	if strings.HasPrefix(r.Header.Get("X-Amz-Content-Sha256"), streamingPrefix) {
		expected := int64(-1)
		if v := r.Header.Get("X-Amz-Decoded-Content-Length"); v != "" {
			n, err := strconv.ParseInt(v, 10, 64)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: X-Amz-Decoded-Content-Length %q", errMalformedChunk, v)
			}
			expected = n
		}
		body = newChunkedReader(body, expected)
	}

	if v := r.Header.Get("Content-MD5"); v != "" {
		want, err := base64.StdEncoding.DecodeString(v)
		if err != nil || len(want) != md5.Size {
			return nil, errInvalidDigest
		}
		body = &digestReader{r: body, hash: md5.New(), want: want}
	}

	return body, nil
}

// storedContentEncoding drops the aws-chunked transfer coding, which
// describes the request framing rather than the object.
func storedContentEncoding(v string) string {
	var kept []string
	for _, coding := range strings.Split(v, ",") {
		coding = strings.TrimSpace(coding)
		if coding == "" || strings.EqualFold(coding, "aws-chunked") {
			continue
		}
		kept = append(kept, coding)
	}
	return strings.Join(kept, ",")
}
