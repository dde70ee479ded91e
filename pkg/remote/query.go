package remote

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/torproject-go/gotor-core/pkg/errors"
	"github.com/torproject-go/gotor-core/pkg/logger"
	"github.com/torproject-go/gotor-core/pkg/metrics"
	"github.com/torproject-go/gotor-core/pkg/relay"
)

const userAgent = "gotor-core/1.0"

// DefaultLinkProtocols mirrors pkg/relay's negotiation offer for
// ORPort-tunnelled requests.
var DefaultLinkProtocols = []uint16{3, 4, 5}

// RequestTooLarge is returned when a caller asks for more fingerprints or
// hashes than a single resource URL can carry (spec.md section 4.6).
type RequestTooLarge struct {
	Requested int
	Limit     int
	Resource  string
}

func (e *RequestTooLarge) Error() string {
	return fmt.Sprintf("remote: %d exceeds the limit of %d for %s", e.Requested, e.Limit, e.Resource)
}

// DownloadTimeout is returned when an attempt does not complete within its
// allotted timeout.
type DownloadTimeout struct {
	Endpoint Endpoint
	Elapsed  time.Duration
}

func (e *DownloadTimeout) Error() string {
	return fmt.Sprintf("remote: download from %s timed out after %s", e.Endpoint, e.Elapsed)
}

// ProtocolError is returned when a directory server's response does not
// begin with a successful HTTP/1.0 status line.
type ProtocolError struct {
	StatusLine string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("remote: unexpected status line %q", e.StatusLine)
}

// Query describes and executes a single fetch of a directory resource.
type Query struct {
	Resource       string
	DescriptorType string
	Endpoints      []Endpoint
	Compression    []Compression
	Retries        int
	Timeout        time.Duration

	logger *logger.Logger
}

// NewQuery builds a Query for resource. If resource ends in ".z",
// compression is forced to gzip-only and the suffix is stripped, per
// spec.md section 4.6. If endpoints is empty, the built-in directory
// authority list (minus the blacklist) is used.
func NewQuery(resource, descriptorType string, endpoints []Endpoint, compression []Compression, retries int, timeout time.Duration, log *logger.Logger) *Query {
	if log == nil {
		log = logger.NewDefault()
	}

	if strings.HasSuffix(resource, ".z") {
		resource = strings.TrimSuffix(resource, ".z")
		compression = []Compression{CompressionGzip}
	}
	if len(compression) == 0 {
		compression = []Compression{CompressionGzip}
	}
	if len(endpoints) == 0 {
		endpoints = DefaultAuthorityEndpoints()
	}

	return &Query{
		Resource:       resource,
		DescriptorType: descriptorType,
		Endpoints:      endpoints,
		Compression:    compression,
		Retries:        retries,
		Timeout:        timeout,
		logger:         log.Component("remote-query"),
	}
}

// Run executes the query, retrying up to Retries+1 total attempts across
// the configured endpoints, and returns the decompressed response body.
func (q *Query) Run(ctx context.Context) ([]byte, error) {
	start := time.Now()
	body, err := q.run(ctx)
	metrics.Default().RecordDirectoryFetch(err == nil, time.Since(start), len(body))
	return body, err
}

func (q *Query) run(ctx context.Context) ([]byte, error) {
	var lastErr error
	attempts := q.Retries + 1
	if attempts < 1 {
		attempts = 1
	}

	for attempt := 0; attempt < attempts; attempt++ {
		endpoint := q.Endpoints[attempt%len(q.Endpoints)]

		attemptCtx := ctx
		var cancel context.CancelFunc
		if q.Timeout > 0 {
			attemptCtx, cancel = context.WithTimeout(ctx, q.Timeout)
		}

		start := time.Now()
		body, err := q.downloadFrom(attemptCtx, endpoint)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return body, nil
		}
		if attemptCtx.Err() == context.DeadlineExceeded {
			lastErr = &DownloadTimeout{Endpoint: endpoint, Elapsed: time.Since(start)}
		} else {
			lastErr = err
		}
		q.logger.Warn("directory download attempt failed", "endpoint", endpoint.String(), "attempt", attempt+1, "error", lastErr)
	}
	return nil, errors.DownloadError(fmt.Sprintf("all %d attempts failed for %s", attempts, q.Resource), lastErr)
}

// buildRequest composes the HTTP/0.9 request line and headers spec.md
// section 4.6 specifies.
func (q *Query) buildRequest() []byte {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "GET %s HTTP/1.0\r\n", q.Resource)
	fmt.Fprintf(&buf, "Accept-Encoding: %s\r\n", acceptEncodingList(q.Compression))
	fmt.Fprintf(&buf, "User-Agent: %s\r\n", userAgent)
	buf.WriteString("\r\n")
	return buf.Bytes()
}

func (q *Query) downloadFrom(ctx context.Context, endpoint Endpoint) ([]byte, error) {
	request := q.buildRequest()

	var raw []byte
	var err error
	switch e := endpoint.(type) {
	case DirPort:
		raw, err = downloadViaDirPort(ctx, e, request)
	case ORPort:
		raw, err = downloadViaORPort(ctx, e, request, q.logger)
	default:
		return nil, fmt.Errorf("remote: unsupported endpoint type %T", endpoint)
	}
	if err != nil {
		return nil, err
	}

	statusLine, headers, body, err := splitHTTPResponse(raw)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(statusLine, "HTTP/1.0 2") {
		return nil, &ProtocolError{StatusLine: statusLine}
	}

	return decompress(body, headers["content-encoding"])
}

func downloadViaDirPort(ctx context.Context, e DirPort, request []byte) ([]byte, error) {
	dialer := &net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", fmt.Sprintf("%s:%d", e.Address, e.Port))
	if err != nil {
		return nil, errors.DownloadError("dial DirPort", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	if _, err := conn.Write(request); err != nil {
		return nil, errors.DownloadError("write DirPort request", err)
	}
	return io.ReadAll(conn)
}

func downloadViaORPort(ctx context.Context, e ORPort, request []byte, log *logger.Logger) ([]byte, error) {
	acceptable := e.LinkProtocols
	if len(acceptable) == 0 {
		acceptable = DefaultLinkProtocols
	}

	r, err := relay.Connect(ctx, e.Address, e.Port, acceptable, log)
	if err != nil {
		return nil, errors.DownloadError("connect to ORPort", err)
	}
	defer r.Close()

	circ, err := r.CreateCircuit(ctx)
	if err != nil {
		return nil, errors.DownloadError("create directory circuit", err)
	}
	defer circ.Close()

	return circ.Directory(ctx, request, 1)
}

// splitHTTPResponse separates an HTTP/1.0 response into its status line,
// lower-cased header map, and body, per spec.md section 4.6.
func splitHTTPResponse(raw []byte) (statusLine string, headers map[string]string, body []byte, err error) {
	headerEnd := bytes.Index(raw, []byte("\r\n\r\n"))
	if headerEnd == -1 {
		return "", nil, nil, fmt.Errorf("remote: response has no header terminator")
	}
	headerBlock := string(raw[:headerEnd])
	body = raw[headerEnd+4:]

	lines := strings.Split(headerBlock, "\r\n")
	if len(lines) == 0 {
		return "", nil, nil, fmt.Errorf("remote: empty response")
	}
	statusLine = lines[0]

	headers = make(map[string]string)
	for _, l := range lines[1:] {
		k, v, ok := strings.Cut(l, ":")
		if !ok {
			continue
		}
		headers[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}
	return statusLine, headers, body, nil
}
