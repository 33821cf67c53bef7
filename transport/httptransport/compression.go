package httptransport

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/klauspost/compress/gzip"
)

// errResponseTooLarge is returned when a body exceeds its decoded size limit.
var errResponseTooLarge = errors.New("response exceeds maximum size limit")

// maxDecompressedReader wraps an io.Reader to enforce decompressed size limits
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		// Only an error if more data is actually pending.
		var probe [1]byte
		if n, _ := r.reader.Read(probe[:]); n > 0 {
			return 0, errResponseTooLarge
		}
		return 0, io.EOF
	}

	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)
	return n, err
}

// bodyReader decodes resp.Body according to its Content-Encoding. A limit of
// zero or less leaves the decoded stream unbounded, which is what streamed
// feeds need. The returned cleanup closes the decoder, not resp.Body.
func bodyReader(resp *http.Response, compressedLimit, decodedLimit int64) (io.Reader, func(), error) {
	if compressedLimit > 0 && resp.ContentLength > compressedLimit {
		return nil, func() {}, fmt.Errorf("%w: content length %d (max %d)", errResponseTooLarge, resp.ContentLength, compressedLimit)
	}

	var body io.Reader = resp.Body
	if compressedLimit > 0 {
		body = &maxDecompressedReader{reader: resp.Body, limit: compressedLimit}
	}

	encoding := strings.TrimSpace(strings.ToLower(resp.Header.Get("Content-Encoding")))
	switch encoding {
	case "", "identity":
		if decodedLimit > 0 {
			return &maxDecompressedReader{reader: body, limit: decodedLimit}, func() {}, nil
		}
		return body, func() {}, nil
	case "gzip":
		gz, err := gzip.NewReader(body)
		if err != nil {
			return nil, func() {}, fmt.Errorf("invalid gzip data: %w", err)
		}
		cleanup := func() { gz.Close() }
		if decodedLimit > 0 {
			return &maxDecompressedReader{reader: gz, limit: decodedLimit}, cleanup, nil
		}
		return gz, cleanup, nil
	default:
		return nil, func() {}, fmt.Errorf("unsupported content encoding: %s", encoding)
	}
}
