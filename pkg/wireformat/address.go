package wireformat

import (
	"fmt"
	"net"
)

// AddrType identifies the form an Address takes, per tor-spec.txt section 6.4.
type AddrType uint8

const (
	AddrTypeHostname        AddrType = 0
	AddrTypeIPv4            AddrType = 4
	AddrTypeIPv6            AddrType = 6
	AddrTypeErrorTransient  AddrType = 16
	AddrTypeErrorPermanent  AddrType = 17
)

func (t AddrType) String() string {
	switch t {
	case AddrTypeHostname:
		return "Hostname"
	case AddrTypeIPv4:
		return "IPv4"
	case AddrTypeIPv6:
		return "IPv6"
	case AddrTypeErrorTransient:
		return "ErrorTransient"
	case AddrTypeErrorPermanent:
		return "ErrorPermanent"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Address is a tagged relay address as carried in NETINFO and CERTS-adjacent
// link specifiers.
type Address struct {
	Type  AddrType
	Value []byte
}

// String renders the canonical textual form of the address, derived from Value.
func (a Address) String() string {
	switch a.Type {
	case AddrTypeIPv4, AddrTypeIPv6:
		return net.IP(a.Value).String()
	default:
		return string(a.Value)
	}
}

// PopAddress decodes a type:u8 length:u8 value:length encoded Address, returning the remainder.
func PopAddress(data []byte) (Address, []byte, error) {
	typ, rest, err := CHAR.Pop(data)
	if err != nil {
		return Address{}, nil, fmt.Errorf("wireformat: address type: %w", err)
	}
	length, rest, err := CHAR.Pop(rest)
	if err != nil {
		return Address{}, nil, fmt.Errorf("wireformat: address length: %w", err)
	}
	if int64(len(rest)) < length {
		return Address{}, nil, fmt.Errorf("wireformat: %w: address value truncated", ErrMalformedField)
	}

	value := rest[:length]
	rest = rest[length:]

	at := AddrType(typ)
	switch at {
	case AddrTypeIPv4:
		if length != 4 {
			return Address{}, nil, fmt.Errorf("wireformat: %w: IPv4 address must be 4 bytes, got %d", ErrMalformedField, length)
		}
	case AddrTypeIPv6:
		if length != 16 {
			return Address{}, nil, fmt.Errorf("wireformat: %w: IPv6 address must be 16 bytes, got %d", ErrMalformedField, length)
		}
	}

	valueCopy := make([]byte, len(value))
	copy(valueCopy, value)
	return Address{Type: at, Value: valueCopy}, rest, nil
}

// Pack encodes the address back into its type:length:value wire form.
func (a Address) Pack() ([]byte, error) {
	typeByte, err := CHAR.Pack(int64(a.Type))
	if err != nil {
		return nil, err
	}
	lenByte, err := CHAR.Pack(int64(len(a.Value)))
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, 2+len(a.Value))
	out = append(out, typeByte...)
	out = append(out, lenByte...)
	out = append(out, a.Value...)
	return out, nil
}
