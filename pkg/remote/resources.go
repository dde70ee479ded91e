package remote

import (
	"context"
	"strings"
	"time"

	"github.com/torproject-go/gotor-core/pkg/descriptor"
	"github.com/torproject-go/gotor-core/pkg/logger"
)

// Downloader issues Queries for the well-known directory document types
// spec.md section 4.6 names, wiring each fetched resource to its
// pkg/descriptor parser.
type Downloader struct {
	Endpoints   []Endpoint
	Compression []Compression
	Retries     int
	Timeout     time.Duration
	logger      *logger.Logger
}

// NewDownloader builds a Downloader. A nil/empty endpoints list falls back
// to the built-in directory authorities.
func NewDownloader(endpoints []Endpoint, log *logger.Logger) *Downloader {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Downloader{
		Endpoints:   endpoints,
		Compression: []Compression{CompressionGzip},
		Retries:     2,
		Timeout:     30 * time.Second,
		logger:      log.Component("remote-downloader"),
	}
}

func (d *Downloader) query(resource, descriptorType string) *Query {
	return NewQuery(resource, descriptorType, d.Endpoints, d.Compression, d.Retries, d.Timeout, d.logger)
}

// GetServerDescriptors fetches the named relay server descriptors, or all
// of them when fingerprints is empty.
func (d *Downloader) GetServerDescriptors(ctx context.Context, fingerprints []string) ([]*descriptor.ServerDescriptor, error) {
	resource, err := serverResource("/tor/server", fingerprints)
	if err != nil {
		return nil, err
	}
	body, err := d.query(resource, "server-descriptor").Run(ctx)
	if err != nil {
		return nil, err
	}
	return parseConcatenated(body, "router ", func(raw []byte) (*descriptor.ServerDescriptor, error) {
		return descriptor.ParseServerDescriptor(raw)
	})
}

// GetExtraInfoDescriptors fetches extra-info documents, or all of them
// when fingerprints is empty.
func (d *Downloader) GetExtraInfoDescriptors(ctx context.Context, fingerprints []string) ([]*descriptor.ExtraInfo, error) {
	resource, err := serverResource("/tor/extra", fingerprints)
	if err != nil {
		return nil, err
	}
	body, err := d.query(resource, "extra-info").Run(ctx)
	if err != nil {
		return nil, err
	}
	return parseConcatenated(body, "extra-info ", func(raw []byte) (*descriptor.ExtraInfo, error) {
		return descriptor.ParseExtraInfo(raw)
	})
}

// GetMicrodescriptors fetches microdescriptors by their base64 digests.
func (d *Downloader) GetMicrodescriptors(ctx context.Context, hashes []string) ([]*descriptor.Microdescriptor, error) {
	if len(hashes) > MaxMicrodescriptorHashes {
		return nil, &RequestTooLarge{Requested: len(hashes), Limit: MaxMicrodescriptorHashes, Resource: "/tor/micro/d/"}
	}
	resource := "/tor/micro/d/" + strings.Join(hashes, "-")
	body, err := d.query(resource, "microdescriptor").Run(ctx)
	if err != nil {
		return nil, err
	}
	return parseConcatenated(body, "onion-key", func(raw []byte) (*descriptor.Microdescriptor, error) {
		return descriptor.ParseMicrodescriptor(raw)
	})
}

// GetConsensus fetches the current consensus network-status document.
// When microdescriptorFlavor is true, the microdescriptor-flavored
// consensus is requested instead of the default (full-descriptor) one.
func (d *Downloader) GetConsensus(ctx context.Context, authorityV3Ident string, microdescriptorFlavor bool) (*descriptor.NetworkStatus, error) {
	resource := "/tor/status-vote/current/consensus"
	if microdescriptorFlavor {
		resource += "-microdesc"
	}
	if authorityV3Ident != "" {
		resource += "/" + authorityV3Ident
	}
	body, err := d.query(resource, "network-status-consensus-3").Run(ctx)
	if err != nil {
		return nil, err
	}
	return descriptor.ParseNetworkStatus(body)
}

// GetVote fetches a single authority's current vote.
func (d *Downloader) GetVote(ctx context.Context, authorityV3Ident string) (*descriptor.NetworkStatus, error) {
	resource := "/tor/status-vote/current/authority"
	if authorityV3Ident != "" {
		resource = "/tor/status-vote/current/" + authorityV3Ident
	}
	body, err := d.query(resource, "network-status-vote-3").Run(ctx)
	if err != nil {
		return nil, err
	}
	return descriptor.ParseNetworkStatus(body)
}

// GetKeyCertificates fetches directory authority key certificates, or all
// of them when v3Idents is empty.
func (d *Downloader) GetKeyCertificates(ctx context.Context, v3Idents []string) ([]*descriptor.KeyCertificate, error) {
	var resource string
	switch {
	case len(v3Idents) == 0:
		resource = "/tor/keys/all"
	case len(v3Idents) > MaxFingerprints:
		return nil, &RequestTooLarge{Requested: len(v3Idents), Limit: MaxFingerprints, Resource: "/tor/keys/fp/"}
	default:
		resource = "/tor/keys/fp/" + strings.Join(v3Idents, "+")
	}
	body, err := d.query(resource, "dir-key-certificate-3").Run(ctx)
	if err != nil {
		return nil, err
	}
	return parseConcatenated(body, "dir-key-certificate-version", func(raw []byte) (*descriptor.KeyCertificate, error) {
		return descriptor.ParseKeyCertificate(raw)
	})
}

// GetBandwidthFile fetches the authorities' current bandwidth measurements
// document, returned as raw bytes since it has no dedicated parser.
func (d *Downloader) GetBandwidthFile(ctx context.Context) ([]byte, error) {
	return d.query("/tor/status-vote/next/bandwidth", "bandwidth-file").Run(ctx)
}

// GetDetachedSignatures fetches the not-yet-published consensus's detached
// signatures document.
func (d *Downloader) GetDetachedSignatures(ctx context.Context) ([]byte, error) {
	return d.query("/tor/status-vote/next/consensus-signatures", "detached-signature-3").Run(ctx)
}

// GetHSv3Descriptor fetches a hidden-service v3 descriptor for the given
// base32 onion address component (without the ".onion" suffix).
func (d *Downloader) GetHSv3Descriptor(ctx context.Context, onionAddressBase32 string) (*descriptor.Document, error) {
	resource := "/tor/hs/3/" + onionAddressBase32
	body, err := d.query(resource, "hs-descriptor-3").Run(ctx)
	if err != nil {
		return nil, err
	}
	return descriptor.Scan(body)
}

func serverResource(prefix string, fingerprints []string) (string, error) {
	if len(fingerprints) == 0 {
		return prefix + "/all", nil
	}
	if len(fingerprints) > MaxFingerprints {
		return "", &RequestTooLarge{Requested: len(fingerprints), Limit: MaxFingerprints, Resource: prefix + "/fp/"}
	}
	return prefix + "/fp/" + strings.Join(fingerprints, "+"), nil
}

// parseConcatenated splits a multi-document response on repeated
// occurrences of splitKeyword (each document's first line) and parses each
// segment independently, since directory servers concatenate documents of
// the same type into one response body.
func parseConcatenated[T any](body []byte, splitKeyword string, parse func([]byte) (T, error)) ([]T, error) {
	segments := splitOnKeyword(body, splitKeyword)
	out := make([]T, 0, len(segments))
	for _, seg := range segments {
		v, err := parse(seg)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func splitOnKeyword(body []byte, keyword string) [][]byte {
	text := string(body)
	var starts []int
	offset := 0
	for {
		idx := strings.Index(text[offset:], "\n"+keyword)
		if idx == -1 {
			break
		}
		starts = append(starts, offset+idx+1)
		offset = offset + idx + 1
	}
	if strings.HasPrefix(text, keyword) {
		starts = append([]int{0}, starts...)
	}
	if len(starts) == 0 {
		return nil
	}
	segments := make([][]byte, 0, len(starts))
	for i, s := range starts {
		end := len(text)
		if i+1 < len(starts) {
			end = starts[i+1]
		}
		segments = append(segments, []byte(text[s:end]))
	}
	return segments
}
