package remote

import (
	"bytes"
	"compress/gzip"
	"testing"
)

func TestAcceptEncodingList(t *testing.T) {
	if got := acceptEncodingList(nil); got != "identity" {
		t.Fatalf("acceptEncodingList(nil) = %q", got)
	}
	got := acceptEncodingList([]Compression{CompressionGzip, CompressionZstd})
	if got != "gzip, x-zstd" {
		t.Fatalf("acceptEncodingList = %q", got)
	}
}

func TestDecompressIdentity(t *testing.T) {
	body := []byte("plain text")
	out, err := decompress(body, "identity")
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if !bytes.Equal(out, body) {
		t.Fatalf("out = %q, want %q", out, body)
	}
}

func TestDecompressGzip(t *testing.T) {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	w.Write([]byte("hello, directory"))
	w.Close()

	out, err := decompress(buf.Bytes(), "gzip")
	if err != nil {
		t.Fatalf("decompress: %v", err)
	}
	if string(out) != "hello, directory" {
		t.Fatalf("out = %q", out)
	}
}

func TestDecompressRejectsUnknownEncoding(t *testing.T) {
	if _, err := decompress([]byte("x"), "brotli"); err == nil {
		t.Fatal("expected error for unsupported encoding")
	}
}
