// Package relay implements the single-hop ORPort client described by
// tor-spec.txt: link-protocol negotiation, the CREATE_FAST/CREATED_FAST
// handshake, and tunnelling one directory request per circuit. It only
// ever needs a single hop (see DESIGN.md's Open Question (a) note), so
// its cell framing is link-protocol-aware exactly as tor-spec.txt
// section 3 requires (4-byte circ_id for link protocol >= 4, 2-byte
// otherwise, with VERSIONS always framed with a 2-byte circ_id).
package relay

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/torproject-go/gotor-core/pkg/wireformat"
)

// Command identifies the cell type, per tor-spec.txt section 3.
type Command uint8

const (
	CmdPadding          Command = 0
	CmdCreate           Command = 1
	CmdCreated          Command = 2
	CmdRelay            Command = 3
	CmdDestroy          Command = 4
	CmdCreateFast       Command = 5
	CmdCreatedFast      Command = 6
	CmdVersions         Command = 7
	CmdNetinfo          Command = 8
	CmdRelayEarly       Command = 9
	CmdCreate2          Command = 10
	CmdCreated2         Command = 11
	CmdPaddingNegotiate Command = 12
	CmdVPadding         Command = 128
	CmdCerts            Command = 129
	CmdAuthChallenge    Command = 130
	CmdAuthenticate     Command = 131
	CmdAuthorize        Command = 132
)

func (c Command) variableLength() bool {
	return c >= 128
}

func (c Command) String() string {
	switch c {
	case CmdPadding:
		return "PADDING"
	case CmdCreate:
		return "CREATE"
	case CmdCreated:
		return "CREATED"
	case CmdRelay:
		return "RELAY"
	case CmdDestroy:
		return "DESTROY"
	case CmdCreateFast:
		return "CREATE_FAST"
	case CmdCreatedFast:
		return "CREATED_FAST"
	case CmdVersions:
		return "VERSIONS"
	case CmdNetinfo:
		return "NETINFO"
	case CmdRelayEarly:
		return "RELAY_EARLY"
	case CmdCreate2:
		return "CREATE2"
	case CmdCreated2:
		return "CREATED2"
	case CmdPaddingNegotiate:
		return "PADDING_NEGOTIATE"
	case CmdVPadding:
		return "VPADDING"
	case CmdCerts:
		return "CERTS"
	case CmdAuthChallenge:
		return "AUTH_CHALLENGE"
	case CmdAuthenticate:
		return "AUTHENTICATE"
	case CmdAuthorize:
		return "AUTHORIZE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint8(c))
	}
}

// LinkProtocol is a negotiated link protocol version. It governs the
// circuit_id width and the fixed cell length.
type LinkProtocol int

// CircIDSize returns the width, in bytes, of the circuit_id field cells
// carry once this protocol version has been negotiated.
func (p LinkProtocol) CircIDSize() int {
	if p <= 3 {
		return 2
	}
	return 4
}

// FixedCellLength is circ_id_size + 1 (command) + 509 (payload).
func (p LinkProtocol) FixedCellLength() int {
	return p.CircIDSize() + 1 + 509
}

// FirstCircID is the first circuit id a client should allocate: the high
// bit is set for link protocol > 3 (tor-spec.txt section 5.1.1).
func (p LinkProtocol) FirstCircID() uint32 {
	if p > 3 {
		return 0x80000000
	}
	return 0x01
}

// Cell is one decoded ORPort cell.
type Cell struct {
	CircID  uint32
	Command Command
	Payload []byte
}

// ErrCellTooShort is returned by Pop when the buffer does not yet contain a
// complete cell; the caller should read more bytes and retry.
var ErrCellTooShort = fmt.Errorf("relay: cell too short")

// versionsCircIDSize is the circ_id width used for every cell exchanged
// before the link protocol is known: VERSIONS is always framed this way,
// per tor-spec.txt section 3's invariant.
const versionsCircIDSize = 2

// PopCell decodes one cell from the front of buf using proto's circ_id
// width, returning the cell and the unconsumed remainder. If proto is 0,
// the pre-negotiation (VERSIONS-only) 2-byte circ_id width is used.
func PopCell(buf []byte, proto LinkProtocol) (Cell, []byte, error) {
	circIDSize := versionsCircIDSize
	if proto != 0 {
		circIDSize = proto.CircIDSize()
	}

	headerLen := circIDSize + 1
	if len(buf) < headerLen {
		return Cell{}, buf, ErrCellTooShort
	}

	var circID uint32
	if circIDSize == 2 {
		circID = uint32(binary.BigEndian.Uint16(buf[:2]))
	} else {
		circID = binary.BigEndian.Uint32(buf[:4])
	}
	cmd := Command(buf[circIDSize])
	rest := buf[headerLen:]

	if cmd.variableLength() || cmd == CmdVersions {
		if len(rest) < 2 {
			return Cell{}, buf, ErrCellTooShort
		}
		length := binary.BigEndian.Uint16(rest[:2])
		rest = rest[2:]
		if len(rest) < int(length) {
			return Cell{}, buf, ErrCellTooShort
		}
		payload := make([]byte, length)
		copy(payload, rest[:length])
		return Cell{CircID: circID, Command: cmd, Payload: payload}, rest[length:], nil
	}

	fixedPayloadLen := 509
	if len(rest) < fixedPayloadLen {
		return Cell{}, buf, ErrCellTooShort
	}
	payload := make([]byte, fixedPayloadLen)
	copy(payload, rest[:fixedPayloadLen])
	return Cell{CircID: circID, Command: cmd, Payload: payload}, rest[fixedPayloadLen:], nil
}

// Pack encodes the cell for the given link protocol. VERSIONS cells are
// always packed with a 2-byte circ_id regardless of proto, matching
// tor-spec.txt section 3.
func (c Cell) Pack(proto LinkProtocol) ([]byte, error) {
	circIDSize := proto.CircIDSize()
	if c.Command == CmdVersions {
		circIDSize = versionsCircIDSize
	}

	out := make([]byte, 0, circIDSize+1+2+len(c.Payload))
	if circIDSize == 2 {
		if c.CircID > 0xFFFF {
			return nil, fmt.Errorf("relay: %w: circ_id %d does not fit in 2 bytes", wireformat.ErrMalformedField, c.CircID)
		}
		out = binary.BigEndian.AppendUint16(out, uint16(c.CircID))
	} else {
		out = binary.BigEndian.AppendUint32(out, c.CircID)
	}
	out = append(out, byte(c.Command))

	if c.Command.variableLength() || c.Command == CmdVersions {
		if len(c.Payload) > 0xFFFF {
			return nil, fmt.Errorf("relay: payload too large: %d bytes", len(c.Payload))
		}
		out = binary.BigEndian.AppendUint16(out, uint16(len(c.Payload)))
		out = append(out, c.Payload...)
		return out, nil
	}

	if len(c.Payload) > 509 {
		return nil, fmt.Errorf("relay: fixed cell payload too large: %d bytes", len(c.Payload))
	}
	out = append(out, c.Payload...)
	padding := 509 - len(c.Payload)
	if padding > 0 {
		out = append(out, make([]byte, padding)...)
	}
	return out, nil
}

// VersionsCell is the VERSIONS cell, always framed with a 2-byte circ_id.
type VersionsCell struct {
	Versions []uint16
}

func (v VersionsCell) Pack() ([]byte, error) {
	payload := make([]byte, 0, 2*len(v.Versions))
	for _, ver := range v.Versions {
		payload = binary.BigEndian.AppendUint16(payload, ver)
	}
	return Cell{CircID: 0, Command: CmdVersions, Payload: payload}.Pack(0)
}

func parseVersionsPayload(payload []byte) ([]uint16, error) {
	if len(payload)%2 != 0 {
		return nil, fmt.Errorf("relay: %w: VERSIONS payload has odd length %d", wireformat.ErrMalformedField, len(payload))
	}
	versions := make([]uint16, 0, len(payload)/2)
	for i := 0; i < len(payload); i += 2 {
		versions = append(versions, binary.BigEndian.Uint16(payload[i:i+2]))
	}
	return versions, nil
}

// CreateFastCell carries the client's 20 bytes of key material.
type CreateFastCell struct {
	CircID uint32
	KeyMaterial [20]byte
}

func (c CreateFastCell) Pack(proto LinkProtocol) ([]byte, error) {
	return Cell{CircID: c.CircID, Command: CmdCreateFast, Payload: c.KeyMaterial[:]}.Pack(proto)
}

// CreatedFastCell carries the relay's 20 bytes of key material and the
// derivative_key proving it derived the same KDF output as the client.
type CreatedFastCell struct {
	KeyMaterial   [20]byte
	DerivativeKey [20]byte
}

func parseCreatedFast(payload []byte) (CreatedFastCell, error) {
	if len(payload) < 40 {
		return CreatedFastCell{}, fmt.Errorf("relay: %w: CREATED_FAST payload too short: %d", wireformat.ErrMalformedField, len(payload))
	}
	var c CreatedFastCell
	copy(c.KeyMaterial[:], payload[:20])
	copy(c.DerivativeKey[:], payload[20:40])
	return c, nil
}

// NetinfoCell tells the peer our view of its address, and optionally ours.
type NetinfoCell struct {
	Timestamp    uint32
	OtherAddress wireformat.Address
	MyAddresses  []wireformat.Address
}

func (n NetinfoCell) Pack(proto LinkProtocol) ([]byte, error) {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, n.Timestamp)

	otherBytes, err := n.OtherAddress.Pack()
	if err != nil {
		return nil, err
	}
	payload = append(payload, otherBytes...)
	payload = append(payload, byte(len(n.MyAddresses)))
	for _, a := range n.MyAddresses {
		b, err := a.Pack()
		if err != nil {
			return nil, err
		}
		payload = append(payload, b...)
	}
	return Cell{CircID: 0, Command: CmdNetinfo, Payload: payload}.Pack(proto)
}

// ReadCell reads exactly one cell from r, blocking until the header (and,
// for variable-length cells, the declared body) is available. Unlike
// PopCell it owns the read loop rather than operating on a pre-filled
// buffer; Relay.recvCell uses the buffered variant instead so that a
// single lock serializes framing across circuits sharing a connection.
func ReadCell(r io.Reader, proto LinkProtocol) (Cell, error) {
	circIDSize := versionsCircIDSize
	if proto != 0 {
		circIDSize = proto.CircIDSize()
	}
	header := make([]byte, circIDSize+1)
	if _, err := io.ReadFull(r, header); err != nil {
		return Cell{}, err
	}
	var circID uint32
	if circIDSize == 2 {
		circID = uint32(binary.BigEndian.Uint16(header[:2]))
	} else {
		circID = binary.BigEndian.Uint32(header[:4])
	}
	cmd := Command(header[circIDSize])

	if cmd.variableLength() || cmd == CmdVersions {
		lenBuf := make([]byte, 2)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return Cell{}, err
		}
		length := binary.BigEndian.Uint16(lenBuf)
		payload := make([]byte, length)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Cell{}, err
		}
		return Cell{CircID: circID, Command: cmd, Payload: payload}, nil
	}

	payload := make([]byte, 509)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Cell{}, err
	}
	return Cell{CircID: circID, Command: cmd, Payload: payload}, nil
}
