package remote

import (
	"bytes"
	"compress/gzip"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/torproject-go/gotor-core/pkg/logger"
)

func TestSplitHTTPResponse(t *testing.T) {
	raw := []byte("HTTP/1.0 200 OK\r\nContent-Encoding: identity\r\nX-Foo: bar\r\n\r\nhello world")
	status, headers, body, err := splitHTTPResponse(raw)
	if err != nil {
		t.Fatalf("splitHTTPResponse: %v", err)
	}
	if status != "HTTP/1.0 200 OK" {
		t.Fatalf("status = %q", status)
	}
	if headers["content-encoding"] != "identity" || headers["x-foo"] != "bar" {
		t.Fatalf("headers = %+v", headers)
	}
	if string(body) != "hello world" {
		t.Fatalf("body = %q", body)
	}
}

func TestSplitHTTPResponseRejectsMissingTerminator(t *testing.T) {
	if _, _, _, err := splitHTTPResponse([]byte("HTTP/1.0 200 OK\r\nfoo: bar")); err == nil {
		t.Fatal("expected error for missing header terminator")
	}
}

func TestBuildRequest(t *testing.T) {
	q := NewQuery("/tor/server/all", "server-descriptor", []Endpoint{DirPort{Address: "127.0.0.1", Port: 9030}}, nil, 0, 0, nil)
	req := string(q.buildRequest())
	if !strings.HasPrefix(req, "GET /tor/server/all HTTP/1.0\r\n") {
		t.Fatalf("unexpected request line: %q", req)
	}
	if !strings.Contains(req, "Accept-Encoding: gzip\r\n") {
		t.Fatalf("missing Accept-Encoding header: %q", req)
	}
	if !strings.HasSuffix(req, "\r\n\r\n") {
		t.Fatalf("request not terminated correctly: %q", req)
	}
}

func TestNewQueryStripsZSuffixAndForcesGzip(t *testing.T) {
	q := NewQuery("/tor/server/all.z", "server-descriptor", []Endpoint{DirPort{Address: "127.0.0.1", Port: 9030}}, []Compression{CompressionZstd}, 0, 0, nil)
	if q.Resource != "/tor/server/all" {
		t.Fatalf("Resource = %q, want suffix stripped", q.Resource)
	}
	if len(q.Compression) != 1 || q.Compression[0] != CompressionGzip {
		t.Fatalf("Compression = %v, want [gzip]", q.Compression)
	}
}

// fakeDirPortServer starts a TCP listener that replies to any request with a
// fixed HTTP/1.0 response, for exercising the DirPort download path without
// a real directory server.
func fakeDirPortServer(t *testing.T, response []byte) (addr string, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4096)
		conn.Read(buf)
		conn.Write(response)
	}()
	return ln.Addr().String(), func() { ln.Close() }
}

func TestRunSucceedsAgainstFakeDirPort(t *testing.T) {
	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	w.Write([]byte("router test 1.2.3.4 9001 0 0\n"))
	w.Close()

	response := append([]byte("HTTP/1.0 200 OK\r\nContent-Encoding: gzip\r\n\r\n"), gz.Bytes()...)
	addrPort, stop := fakeDirPortServer(t, response)
	defer stop()

	host, portStr, err := net.SplitHostPort(addrPort)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	q := NewQuery("/tor/server/all", "server-descriptor", []Endpoint{DirPort{Address: host, Port: port}}, nil, 0, 5*time.Second, logger.NewDefault())
	body, err := q.Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(string(body), "router test 1.2.3.4 9001 0 0") {
		t.Fatalf("unexpected body: %q", body)
	}
}

func TestRunSurfacesProtocolError(t *testing.T) {
	response := []byte("HTTP/1.0 404 Not Found\r\n\r\n")
	addrPort, stop := fakeDirPortServer(t, response)
	defer stop()

	host, portStr, err := net.SplitHostPort(addrPort)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}

	q := NewQuery("/tor/server/all", "server-descriptor", []Endpoint{DirPort{Address: host, Port: port}}, nil, 0, 5*time.Second, logger.NewDefault())
	if _, err := q.Run(context.Background()); err == nil {
		t.Fatal("expected Run to fail for a non-2xx status line")
	}
}
