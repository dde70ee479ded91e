package relay

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha1" // #nosec G505 -- SHA-1 running digest is mandated by tor-spec.txt section 6.1 (RELAY cell digest)
	"encoding"
	"fmt"
	"hash"

	"github.com/torproject-go/gotor-core/pkg/cell"
	"github.com/torproject-go/gotor-core/pkg/errors"
	"github.com/torproject-go/gotor-core/pkg/wireformat"
)

// Circuit is a single-hop circuit opened with CREATE_FAST. It owns the
// running digests and AES-128-CTR stream ciphers derived from the
// handshake's KDF-TOR output (spec.md section 3 "Circuit").
type Circuit struct {
	id             uint32
	relay          *Relay
	forwardDigest  hash.Hash
	backwardDigest hash.Hash
	forwardCipher  cipher.Stream
	backwardCipher cipher.Stream
}

func newCircuit(id uint32, kdf wireformat.KDF, r *Relay) (*Circuit, error) {
	forwardBlock, err := aes.NewCipher(kdf.ForwardKey)
	if err != nil {
		return nil, errors.CryptoError("construct forward AES cipher", err)
	}
	backwardBlock, err := aes.NewCipher(kdf.BackwardKey)
	if err != nil {
		return nil, errors.CryptoError("construct backward AES cipher", err)
	}
	zeroIV := make([]byte, aes.BlockSize)

	fd := sha1.New() // #nosec G401
	fd.Write(kdf.ForwardDigest)
	bd := sha1.New() // #nosec G401
	bd.Write(kdf.BackwardDigest)

	return &Circuit{
		id:             id,
		relay:          r,
		forwardDigest:  fd,
		backwardDigest: bd,
		forwardCipher:  cipher.NewCTR(forwardBlock, zeroIV),
		backwardCipher: cipher.NewCTR(backwardBlock, zeroIV),
	}, nil
}

// ID returns the circuit_id this circuit was assigned.
func (c *Circuit) ID() uint32 {
	return c.id
}

// encryptRelayCell composes and encrypts one RELAY cell payload following
// spec.md section 4.2: zero recognized/digest, update the running forward
// digest over that plaintext, splice the first 4 digest bytes into the
// digest field, then AES-128-CTR encrypt.
func (c *Circuit) encryptRelayCell(rc *cell.RelayCell) ([]byte, error) {
	rc.Recognized = 0
	rc.Digest = [4]byte{}
	plaintext, err := rc.Encode()
	if err != nil {
		return nil, fmt.Errorf("relay: encode relay cell: %w", err)
	}

	c.forwardDigest.Write(plaintext)
	sum := c.forwardDigest.Sum(nil)
	copy(plaintext[5:9], sum[:4])

	ciphertext := make([]byte, len(plaintext))
	c.forwardCipher.XORKeyStream(ciphertext, plaintext)
	return ciphertext, nil
}

// decryptRelayCell is the inverse of encryptRelayCell. For this single-hop
// client there is no next hop to forward an unrecognized cell to, so a
// digest or recognized-field mismatch is fatal for the circuit rather than
// opaquely forwarded (spec.md section 9, open question (a)).
func (c *Circuit) decryptRelayCell(ciphertext []byte) (*cell.RelayCell, error) {
	plaintext := make([]byte, len(ciphertext))
	c.backwardCipher.XORKeyStream(plaintext, ciphertext)

	if len(plaintext) < cell.RelayCellHeaderLen {
		return nil, errors.Wrap(errors.CategoryProtocol, errors.SeverityHigh, "relay cell payload too short", nil)
	}
	var gotDigest [4]byte
	copy(gotDigest[:], plaintext[5:9])
	recognized := uint16(plaintext[1])<<8 | uint16(plaintext[2])

	zeroed := make([]byte, len(plaintext))
	copy(zeroed, plaintext)
	zeroed[5], zeroed[6], zeroed[7], zeroed[8] = 0, 0, 0, 0

	probe := cloneHash(c.backwardDigest)
	probe.Write(zeroed)
	sum := probe.Sum(nil)

	if recognized != 0 || !constantTimeEqual(sum[:4], gotDigest[:]) {
		return nil, errors.Wrap(errors.CategoryProtocol, errors.SeverityHigh, "relay cell failed recognized/digest check", nil)
	}
	c.backwardDigest.Write(zeroed)

	return cell.DecodeRelayCell(plaintext)
}

// cloneHash snapshots a running SHA-1 digest so a candidate cell's digest
// can be tested without committing it to the real running state until the
// recognized/digest check passes. crypto/sha1's hash.Hash implementation
// supports encoding.BinaryMarshaler, which is the only portable way to copy
// hash state since hash.Hash itself has no Clone method.
func cloneHash(h hash.Hash) hash.Hash {
	marshaler, ok := h.(encoding.BinaryMarshaler)
	if !ok {
		return sha1.New() // #nosec G401 -- unreachable: crypto/sha1 always implements this
	}
	state, err := marshaler.MarshalBinary()
	if err != nil {
		return sha1.New() // #nosec G401
	}
	clone := sha1.New() // #nosec G401
	if unmarshaler, ok := clone.(encoding.BinaryUnmarshaler); ok {
		unmarshaler.UnmarshalBinary(state)
	}
	return clone
}

// sendRelayCell encrypts and transmits one RELAY cell on this circuit.
func (c *Circuit) sendRelayCell(rc *cell.RelayCell) error {
	ciphertext, err := c.encryptRelayCell(rc)
	if err != nil {
		return err
	}
	return c.relay.sendCell(Cell{CircID: c.id, Command: CmdRelay, Payload: ciphertext})
}

// Directory sends a RELAY_BEGIN_DIR cell followed by one RELAY_DATA cell
// carrying request, then reads and decrypts cells until RELAY_END arrives,
// returning the concatenated response bytes (spec.md section 4.3).
func (c *Circuit) Directory(ctx context.Context, request []byte, streamID uint16) ([]byte, error) {
	beginCell := cell.NewRelayCell(streamID, cell.RelayBeginDir, nil)
	if err := c.sendRelayCell(beginCell); err != nil {
		return nil, fmt.Errorf("relay: send RELAY_BEGIN_DIR: %w", err)
	}

	dataCell := cell.NewRelayCell(streamID, cell.RelayData, request)
	if err := c.sendRelayCell(dataCell); err != nil {
		return nil, fmt.Errorf("relay: send RELAY_DATA: %w", err)
	}

	var body []byte
	for {
		incoming, err := c.relay.recvCell(ctx)
		if err != nil {
			return nil, err
		}
		if incoming.Command != CmdRelay && incoming.Command != CmdDestroy {
			continue
		}
		if incoming.CircID != c.id {
			continue
		}
		if incoming.Command == CmdDestroy {
			return nil, errors.Wrap(errors.CategoryProtocol, errors.SeverityHigh, "circuit destroyed by relay during directory fetch", nil)
		}

		rc, err := c.decryptRelayCell(incoming.Payload)
		if err != nil {
			return nil, err
		}
		if rc.StreamID != streamID {
			continue
		}
		switch rc.Command {
		case cell.RelayData:
			body = append(body, rc.Data...)
		case cell.RelayEnd:
			return body, nil
		case cell.RelayConnected:
			// BEGIN_DIR's RELAY_CONNECTED carries no body; nothing to do.
		}
	}
}

// Close sends a DESTROY cell and removes this circuit from the owning
// Relay's table.
func (c *Circuit) Close() error {
	defer c.relay.removeCircuit(c.id)
	return c.relay.sendCell(Cell{CircID: c.id, Command: CmdDestroy, Payload: []byte{0}})
}
