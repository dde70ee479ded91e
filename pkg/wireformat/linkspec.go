package wireformat

import "fmt"

// LinkSpecifierType identifies which variant a LinkSpecifier carries.
type LinkSpecifierType uint8

const (
	LinkSpecIPv4        LinkSpecifierType = 0
	LinkSpecIPv6        LinkSpecifierType = 1
	LinkSpecFingerprint  LinkSpecifierType = 2
	LinkSpecEd25519     LinkSpecifierType = 3
)

// LinkSpecifier identifies a relay within an EXTEND2/introduction-point record,
// per tor-spec.txt section 5.1.2.
type LinkSpecifier struct {
	Type LinkSpecifierType
	// Addr/Port are populated for IPv4/IPv6 variants.
	Addr Address
	Port uint16
	// Fingerprint is populated for the Fingerprint variant (20 bytes, SHA-1).
	Fingerprint []byte
	// Ed25519Pub is populated for the Ed25519 variant (32 bytes).
	Ed25519Pub []byte
	// Raw carries the unparsed value for Unknown variants.
	Raw []byte

	unknown  bool
	rawType  uint8
}

// IsUnknown reports whether this specifier is an unrecognized variant.
func (l LinkSpecifier) IsUnknown() bool { return l.unknown }

// PopLinkSpecifier decodes a type:u8 length:u8 value:length LinkSpecifier, returning the remainder.
func PopLinkSpecifier(data []byte) (LinkSpecifier, []byte, error) {
	typ, rest, err := CHAR.Pop(data)
	if err != nil {
		return LinkSpecifier{}, nil, fmt.Errorf("wireformat: link specifier type: %w", err)
	}
	length, rest, err := CHAR.Pop(rest)
	if err != nil {
		return LinkSpecifier{}, nil, fmt.Errorf("wireformat: link specifier length: %w", err)
	}
	if int64(len(rest)) < length {
		return LinkSpecifier{}, nil, fmt.Errorf("wireformat: %w: link specifier value truncated", ErrMalformedField)
	}
	value := rest[:length]
	remainder := rest[length:]

	switch typ {
	case int64(LinkSpecIPv4):
		if length != 6 {
			return LinkSpecifier{}, nil, fmt.Errorf("wireformat: %w: IPv4 link specifier must be 6 bytes", ErrMalformedField)
		}
		addr := Address{Type: AddrTypeIPv4, Value: append([]byte(nil), value[:4]...)}
		port := uint16(value[4])<<8 | uint16(value[5])
		return LinkSpecifier{Type: LinkSpecIPv4, Addr: addr, Port: port}, remainder, nil
	case int64(LinkSpecIPv6):
		if length != 18 {
			return LinkSpecifier{}, nil, fmt.Errorf("wireformat: %w: IPv6 link specifier must be 18 bytes", ErrMalformedField)
		}
		addr := Address{Type: AddrTypeIPv6, Value: append([]byte(nil), value[:16]...)}
		port := uint16(value[16])<<8 | uint16(value[17])
		return LinkSpecifier{Type: LinkSpecIPv6, Addr: addr, Port: port}, remainder, nil
	case int64(LinkSpecFingerprint):
		if length != 20 {
			return LinkSpecifier{}, nil, fmt.Errorf("wireformat: %w: fingerprint link specifier must be 20 bytes", ErrMalformedField)
		}
		return LinkSpecifier{Type: LinkSpecFingerprint, Fingerprint: append([]byte(nil), value...)}, remainder, nil
	case int64(LinkSpecEd25519):
		if length != 32 {
			return LinkSpecifier{}, nil, fmt.Errorf("wireformat: %w: ed25519 link specifier must be 32 bytes", ErrMalformedField)
		}
		return LinkSpecifier{Type: LinkSpecEd25519, Ed25519Pub: append([]byte(nil), value...)}, remainder, nil
	default:
		return LinkSpecifier{Type: LinkSpecifierType(typ), Raw: append([]byte(nil), value...), unknown: true, rawType: uint8(typ)}, remainder, nil
	}
}

// Pack encodes the link specifier back into its type:length:value wire form.
func (l LinkSpecifier) Pack() ([]byte, error) {
	var typ uint8
	var value []byte

	switch l.Type {
	case LinkSpecIPv4:
		typ = uint8(LinkSpecIPv4)
		value = append(append([]byte(nil), l.Addr.Value...), byte(l.Port>>8), byte(l.Port))
	case LinkSpecIPv6:
		typ = uint8(LinkSpecIPv6)
		value = append(append([]byte(nil), l.Addr.Value...), byte(l.Port>>8), byte(l.Port))
	case LinkSpecFingerprint:
		typ = uint8(LinkSpecFingerprint)
		value = l.Fingerprint
	case LinkSpecEd25519:
		typ = uint8(LinkSpecEd25519)
		value = l.Ed25519Pub
	default:
		typ = l.rawType
		value = l.Raw
	}

	typeByte, err := CHAR.Pack(int64(typ))
	if err != nil {
		return nil, err
	}
	lenByte, err := CHAR.Pack(int64(len(value)))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(value))
	out = append(out, typeByte...)
	out = append(out, lenByte...)
	out = append(out, value...)
	return out, nil
}
