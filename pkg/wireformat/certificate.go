package wireformat

import "fmt"

// CertType identifies the purpose of a link-layer Certificate, carried inside
// a CERTS cell. See cert-spec.txt appendix A.1 and tor-spec.txt section 4.2.
type CertType uint8

const (
	CertTypeLink               CertType = 1
	CertTypeIdentity           CertType = 2
	CertTypeAuthenticate       CertType = 3
	CertTypeEd25519Signing     CertType = 4
	CertTypeLinkCert           CertType = 5
	CertTypeEd25519Authenticate CertType = 6
	CertTypeEd25519Identity    CertType = 7
	CertTypeHSV3DescSigning    CertType = 8
	CertTypeHSV3IntroAuth      CertType = 9
	CertTypeNtorOnionKey       CertType = 10
	CertTypeHSV3NtorEnc        CertType = 11
)

// Certificate is a link-layer certificate entry, as packed into a CERTS cell.
type Certificate struct {
	Type  CertType
	Value []byte
}

// PopCertificate decodes a type:u8 length:u16 value:length Certificate, returning the remainder.
func PopCertificate(data []byte) (Certificate, []byte, error) {
	typ, rest, err := CHAR.Pop(data)
	if err != nil {
		return Certificate{}, nil, fmt.Errorf("wireformat: certificate type: %w", err)
	}
	length, rest, err := SHORT.Pop(rest)
	if err != nil {
		return Certificate{}, nil, fmt.Errorf("wireformat: certificate length: %w", err)
	}
	if int64(len(rest)) < length {
		return Certificate{}, nil, fmt.Errorf("wireformat: %w: certificate value truncated", ErrMalformedField)
	}

	value := make([]byte, length)
	copy(value, rest[:length])
	return Certificate{Type: CertType(typ), Value: value}, rest[length:], nil
}

// Pack encodes the certificate back into its type:length:value wire form.
func (c Certificate) Pack() ([]byte, error) {
	typeByte, err := CHAR.Pack(int64(c.Type))
	if err != nil {
		return nil, err
	}
	lenBytes, err := SHORT.Pack(int64(len(c.Value)))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 3+len(c.Value))
	out = append(out, typeByte...)
	out = append(out, lenBytes...)
	out = append(out, c.Value...)
	return out, nil
}
