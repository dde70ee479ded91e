// Package certificate parses and validates Tor Ed25519 v1 certificates
// (cert-spec.txt), the descriptor-layer certificates used to bind a
// server descriptor's signing key, a hidden-service v3 descriptor-signing
// key, or an introduction-point auth/enc key to a longer-lived identity
// key. This is distinct from pkg/wireformat's link-layer Certificate,
// which carries the same TLV shape but appears inside CERTS cells.
package certificate

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"time"
)

// CertType identifies the purpose of an Ed25519 certificate, per
// cert-spec.txt appendix A.1.
type CertType uint8

const (
	CertTypeReserved0            CertType = 0
	CertTypeReserved1            CertType = 1
	CertTypeReserved2            CertType = 2
	CertTypeReserved3            CertType = 3
	CertTypeSigning              CertType = 4 // signing key signed by identity key
	CertTypeLinkCert             CertType = 5
	CertTypeAuth                 CertType = 6
	CertTypeReservedRSA          CertType = 7 // reserved for RSA identity cross-certification
	CertTypeHSV3DescSigningKey   CertType = 8
	CertTypeHSV3IntroPointAuth   CertType = 9
	CertTypeHSV3IntroPointEnc    CertType = 10
	CertTypeHSV3NtorEnc          CertType = 11
)

// ExtensionType enumerates recognized certificate extension types.
type ExtensionType uint8

const (
	ExtensionHasSigningKey ExtensionType = 4
)

const (
	headerLength    = 40 // version(1) cert_type(1) expiration(4) key_type(1) certified_key(32) n_extensions(1)
	signatureLength = 64

	// routerSignaturePrefix is hashed together with the signed range of a
	// server descriptor when validating a descriptor-signing certificate
	// (spec.md section 3, "Ed25519 v1 certificate").
	routerSignaturePrefix = "Tor router descriptor signature v1"
)

// Extension is one TLV extension carried by a certificate.
type Extension struct {
	Type  ExtensionType
	Flags uint8
	Data  []byte
}

// Certificate is a parsed version-1 Ed25519 certificate.
type Certificate struct {
	Version       uint8
	Type          CertType
	Expiration    time.Time
	KeyType       uint8
	CertifiedKey  [32]byte
	Extensions    []Extension
	Signature     [64]byte
	signedPortion []byte // the encoded body up to (not including) the signature
}

var (
	ErrMalformed        = errors.New("certificate: malformed")
	ErrUnsupportedVersion = errors.New("certificate: unsupported version")
	ErrReservedType     = errors.New("certificate: reserved cert_type")
)

// Parse decodes the raw bytes of an Ed25519 v1 certificate.
func Parse(raw []byte) (*Certificate, error) {
	if len(raw) < headerLength+signatureLength {
		return nil, fmt.Errorf("%w: certificate is %d bytes, need at least %d", ErrMalformed, len(raw), headerLength+signatureLength)
	}

	version := raw[0]
	if version != 1 {
		return nil, fmt.Errorf("%w: version %d", ErrUnsupportedVersion, version)
	}

	certType := CertType(raw[1])
	switch certType {
	case CertTypeReserved0, CertTypeReserved1, CertTypeReserved2, CertTypeReserved3:
		return nil, fmt.Errorf("%w: cert_type %d is reserved to avoid conflicts with CERTS cells", ErrReservedType, certType)
	case CertTypeReservedRSA:
		return nil, fmt.Errorf("%w: cert_type 7 is reserved for RSA identity cross-certification", ErrReservedType)
	}

	expirationHours := uint32(raw[2])<<24 | uint32(raw[3])<<16 | uint32(raw[4])<<8 | uint32(raw[5])
	keyType := raw[6]

	var certifiedKey [32]byte
	copy(certifiedKey[:], raw[7:39])

	extensionCount := int(raw[39])
	body := raw[40 : len(raw)-signatureLength]

	extensions := make([]Extension, 0, extensionCount)
	for i := 0; i < extensionCount; i++ {
		if len(body) < 4 {
			return nil, fmt.Errorf("%w: extension %d missing header", ErrMalformed, i)
		}
		extLen := int(body[0])<<8 | int(body[1])
		extType := ExtensionType(body[2])
		extFlags := body[3]
		body = body[4:]
		if len(body) < extLen {
			return nil, fmt.Errorf("%w: extension %d truncated: wants %d bytes, has %d", ErrMalformed, i, extLen, len(body))
		}
		data := make([]byte, extLen)
		copy(data, body[:extLen])
		body = body[extLen:]

		if extType == ExtensionHasSigningKey && len(data) != 32 {
			return nil, fmt.Errorf("%w: HAS_SIGNING_KEY extension must be 32 bytes, got %d", ErrMalformed, len(data))
		}

		extensions = append(extensions, Extension{Type: extType, Flags: extFlags, Data: data})
	}
	if len(body) != 0 {
		return nil, fmt.Errorf("%w: %d unused extension bytes", ErrMalformed, len(body))
	}

	var sig [64]byte
	copy(sig[:], raw[len(raw)-signatureLength:])

	signedPortion := make([]byte, len(raw)-signatureLength)
	copy(signedPortion, raw[:len(raw)-signatureLength])

	return &Certificate{
		Version:       version,
		Type:          certType,
		Expiration:    time.Unix(int64(expirationHours)*3600, 0).UTC(),
		KeyType:       keyType,
		CertifiedKey:  certifiedKey,
		Extensions:    extensions,
		Signature:     sig,
		signedPortion: signedPortion,
	}, nil
}

// ParseBase64 decodes a base64-wrapped certificate, as it appears inline in
// a descriptor keyword value.
func ParseBase64(encoded string) (*Certificate, error) {
	raw, err := base64.RawStdEncoding.DecodeString(trimBase64Padding(encoded))
	if err != nil {
		// cert-spec.txt certificates in descriptors are frequently written
		// without padding; fall back to the padded decoder for values that
		// do carry it.
		raw, err = base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid base64: %v", ErrMalformed, err)
		}
	}
	return Parse(raw)
}

func trimBase64Padding(s string) string {
	for len(s) > 0 && s[len(s)-1] == '=' {
		s = s[:len(s)-1]
	}
	return s
}

// IsExpired reports whether the certificate's expiration is in the past.
func (c *Certificate) IsExpired() bool {
	return time.Now().After(c.Expiration)
}

// SigningKey returns the HAS_SIGNING_KEY extension's embedded Ed25519
// public key, if present.
func (c *Certificate) SigningKey() (ed25519.PublicKey, bool) {
	for _, ext := range c.Extensions {
		if ext.Type == ExtensionHasSigningKey {
			return ed25519.PublicKey(ext.Data), true
		}
	}
	return nil, false
}

// VerifySelfContained verifies the certificate's signature against the
// signing key carried in its own HAS_SIGNING_KEY extension.
func (c *Certificate) VerifySelfContained() error {
	signingKey, ok := c.SigningKey()
	if !ok {
		return fmt.Errorf("%w: certificate has no HAS_SIGNING_KEY extension", ErrMalformed)
	}
	return c.VerifyWithKey(signingKey)
}

// VerifyWithKey verifies the certificate's signature using an externally
// supplied Ed25519 public key (used when the signing key is known out of
// band, e.g. a hidden service's blinded key).
func (c *Certificate) VerifyWithKey(signingKey ed25519.PublicKey) error {
	if len(signingKey) != ed25519.PublicKeySize {
		return fmt.Errorf("%w: signing key must be %d bytes, got %d", ErrMalformed, ed25519.PublicKeySize, len(signingKey))
	}
	if !ed25519.Verify(signingKey, c.signedPortion, c.Signature[:]) {
		return fmt.Errorf("certificate signature invalid (forged or corrupt)")
	}
	return nil
}

// VerifyDescriptorSignature validates that signingKey (normally this
// certificate's CertifiedKey) signed a server descriptor's content: the
// signature covers SHA-256("Tor router descriptor signature v1" ||
// descriptor-bytes-through-"router-sig-ed25519 "), per spec.md section 3.
func VerifyDescriptorSignature(signingKey ed25519.PublicKey, descriptorContent []byte, signature []byte) error {
	const marker = "router-sig-ed25519 "
	idx := indexOf(descriptorContent, marker)
	if idx < 0 {
		return fmt.Errorf("%w: descriptor has no router-sig-ed25519 entry", ErrMalformed)
	}
	signedRange := descriptorContent[:idx+len(marker)]

	h := sha256.New()
	h.Write([]byte(routerSignaturePrefix))
	h.Write(signedRange)
	digest := h.Sum(nil)

	if !ed25519.Verify(signingKey, digest, signature) {
		return fmt.Errorf("descriptor ed25519 signature invalid (forged or corrupt)")
	}
	return nil
}

func indexOf(haystack []byte, needle string) int {
	n := len(needle)
	for i := 0; i+n <= len(haystack); i++ {
		if string(haystack[i:i+n]) == needle {
			return i
		}
	}
	return -1
}

// Encode serializes a certificate back to its wire form and signs it with
// signingKey, mirroring Parse's layout. Used by tests and by callers that
// need to construct certificates (e.g. for hidden-service descriptor
// signing-key certs).
func Encode(certType CertType, expiration time.Time, keyType uint8, certifiedKey [32]byte, includeSigningKeyExt bool, signingPub ed25519.PublicKey, signingPriv ed25519.PrivateKey) ([]byte, error) {
	body := make([]byte, 0, headerLength)
	body = append(body, 1) // version
	body = append(body, byte(certType))
	hours := uint32(expiration.Unix() / 3600)
	body = append(body, byte(hours>>24), byte(hours>>16), byte(hours>>8), byte(hours))
	body = append(body, keyType)
	body = append(body, certifiedKey[:]...)

	if includeSigningKeyExt {
		if len(signingPub) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("%w: signing public key must be %d bytes", ErrMalformed, ed25519.PublicKeySize)
		}
		body = append(body, 1) // n_extensions
		body = append(body, 0, 32) // ext_length
		body = append(body, byte(ExtensionHasSigningKey))
		body = append(body, 0) // ext_flags
		body = append(body, signingPub...)
	} else {
		body = append(body, 0)
	}

	signature := ed25519.Sign(signingPriv, body)
	return append(body, signature...), nil
}
