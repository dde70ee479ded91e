package remote

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz/lzma"
)

// Compression identifies a response body encoding, named the way
// directory documents' "Content-Encoding"/"Accept-Encoding" headers name
// them.
type Compression string

const (
	CompressionIdentity Compression = "identity"
	CompressionGzip     Compression = "gzip"
	CompressionDeflate  Compression = "deflate"
	CompressionZstd     Compression = "x-zstd"
	CompressionLZMA     Compression = "x-tor-lzma"
)

// acceptEncodingList renders the compressions this client is willing to
// accept, in the order a request's Accept-Encoding header should list
// them.
func acceptEncodingList(cs []Compression) string {
	if len(cs) == 0 {
		return string(CompressionIdentity)
	}
	out := ""
	for i, c := range cs {
		if i > 0 {
			out += ", "
		}
		out += string(c)
	}
	return out
}

// decompress decodes body according to encoding, treating "deflate" as
// gzip per spec.md section 4.6 (directory caches have historically mixed
// the two up).
func decompress(body []byte, encoding string) ([]byte, error) {
	switch Compression(encoding) {
	case "", CompressionIdentity:
		return body, nil
	case CompressionGzip, CompressionDeflate:
		r, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			// Some caches send a raw DEFLATE stream under the "deflate"
			// token instead of a gzip-wrapped one; fall back to that.
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			return io.ReadAll(fr)
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionZstd:
		r, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("remote: zstd decoder: %w", err)
		}
		defer r.Close()
		return io.ReadAll(r)
	case CompressionLZMA:
		r, err := lzma.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("remote: lzma decoder: %w", err)
		}
		return io.ReadAll(r)
	default:
		return nil, fmt.Errorf("remote: unsupported content-encoding %q", encoding)
	}
}
