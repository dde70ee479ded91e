package relay

import (
	"context"
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/torproject-go/gotor-core/pkg/errors"
	"github.com/torproject-go/gotor-core/pkg/logger"
	"github.com/torproject-go/gotor-core/pkg/metrics"
	"github.com/torproject-go/gotor-core/pkg/wireformat"
)

// AcceptableLinkProtocols are the versions this client offers during
// negotiation. 1 and 2 are never offered: tor-spec.txt deprecated the
// circuit-id/cell framing they imply.
var AcceptableLinkProtocols = []uint16{3, 4, 5}

// Relay owns a TLS connection to one ORPort, the negotiated link protocol,
// and the circuits multiplexed over it. A single lock serializes reads so
// that circuits sharing the connection never observe interleaved partial
// cells (spec.md section 5).
type Relay struct {
	mu       sync.Mutex
	conn     net.Conn
	proto    LinkProtocol
	buf      []byte
	circuits map[uint32]*Circuit
	logger   *logger.Logger
	closed   bool
}

// Connect dials addr:port over TLS, negotiates a link protocol from
// acceptableVersions, and exchanges NETINFO cells, per spec.md section 4.3.
func Connect(ctx context.Context, address string, port int, acceptableVersions []uint16, log *logger.Logger) (*Relay, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("relay").With("address", address, "port", port)

	if acceptableVersions == nil {
		acceptableVersions = AcceptableLinkProtocols
	}

	target := net.JoinHostPort(address, fmt.Sprintf("%d", port))
	dialer := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}} // #nosec G402 -- identity is learned from CERTS cells, not TLS verification (spec.md section 4.3)
	conn, err := dialer.DialContext(ctx, "tcp", target)
	if err != nil {
		metrics.Default().RecordConnection(false)
		if isLikelyNotORPort(err) {
			return nil, errors.Wrap(errors.CategoryConnection, errors.SeverityHigh,
				fmt.Sprintf("%s:%d does not look like an ORPort", address, port), err)
		}
		return nil, errors.ConnectionError(fmt.Sprintf("unreachable peer %s:%d", address, port), err)
	}

	r := &Relay{
		conn:     conn,
		circuits: make(map[uint32]*Circuit),
		logger:   log,
	}

	if err := r.negotiate(ctx, acceptableVersions); err != nil {
		conn.Close()
		metrics.Default().RecordConnection(false)
		return nil, err
	}

	metrics.Default().RecordConnection(true)
	return r, nil
}

func isLikelyNotORPort(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unknown protocol") || strings.Contains(msg, "wrong version number")
}

func (r *Relay) negotiate(ctx context.Context, acceptableVersions []uint16) error {
	versionsCell := VersionsCell{Versions: acceptableVersions}
	payload, err := versionsCell.Pack()
	if err != nil {
		return errors.ProtocolError("encode VERSIONS cell", err)
	}
	if _, err := r.conn.Write(payload); err != nil {
		return errors.ConnectionError("send VERSIONS cell", err)
	}

	deadline, ok := ctx.Deadline()
	if ok {
		r.conn.SetReadDeadline(deadline)
		defer r.conn.SetReadDeadline(time.Time{})
	}

	theirCell, err := ReadCell(r.conn, 0)
	if err != nil {
		return errors.ConnectionError("receive VERSIONS cell", err)
	}
	if theirCell.Command != CmdVersions {
		return errors.Wrap(errors.CategoryProtocol, errors.SeverityHigh,
			fmt.Sprintf("expected VERSIONS cell, got %s", theirCell.Command), nil)
	}
	theirVersions, err := parseVersionsPayload(theirCell.Payload)
	if err != nil {
		return errors.Wrap(errors.CategoryProtocol, errors.SeverityHigh, "malformed VERSIONS payload", err)
	}

	negotiated := intersectHighest(acceptableVersions, theirVersions)
	if negotiated == 0 {
		return errors.Wrap(errors.CategoryProtocol, errors.SeverityHigh, "no common link protocol", nil)
	}
	r.proto = LinkProtocol(negotiated)

	netinfo := NetinfoCell{
		Timestamp:    uint32(time.Now().Unix()),
		OtherAddress: wireformat.Address{Type: wireformat.AddrTypeHostname, Value: []byte(remoteHost(r.conn))},
	}
	netinfoPayload, err := netinfo.Pack(r.proto)
	if err != nil {
		return errors.ProtocolError("encode NETINFO cell", err)
	}
	if _, err := r.conn.Write(netinfoPayload); err != nil {
		return errors.ConnectionError("send NETINFO cell", err)
	}

	r.logger.Info("link protocol negotiated", "version", negotiated)
	return nil
}

func remoteHost(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

// intersectHighest returns the highest version present in both lists, or 0
// if there is no overlap.
func intersectHighest(a, b []uint16) uint16 {
	set := make(map[uint16]bool, len(b))
	for _, v := range b {
		set[v] = true
	}
	var best uint16
	for _, v := range a {
		if set[v] && v > best {
			best = v
		}
	}
	return best
}

// recvCell reads from the socket into the internal buffer until one full
// cell is present, decodes it, and returns the remainder buffered for the
// next call. It is the single point where the read buffer advances.
func (r *Relay) recvCell(ctx context.Context) (Cell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for {
		if cell, rest, err := PopCell(r.buf, r.proto); err == nil {
			r.buf = rest
			return cell, nil
		} else if err != ErrCellTooShort {
			return Cell{}, errors.Wrap(errors.CategoryProtocol, errors.SeverityHigh, "malformed cell", err)
		}

		if deadline, ok := ctx.Deadline(); ok {
			r.conn.SetReadDeadline(deadline)
		}
		chunk := make([]byte, 4096)
		n, err := r.conn.Read(chunk)
		if n > 0 {
			r.buf = append(r.buf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				return Cell{}, errors.Wrap(errors.CategoryConnection, errors.SeverityHigh, "connection closed by peer", err)
			}
			return Cell{}, errors.ConnectionError("read from relay", err)
		}
	}
}

func (r *Relay) sendCell(c Cell) error {
	payload, err := c.Pack(r.proto)
	if err != nil {
		return errors.ProtocolError("encode cell", err)
	}
	if _, err := r.conn.Write(payload); err != nil {
		return errors.ConnectionError("send cell", err)
	}
	return nil
}

// CreateCircuit opens a new single-hop circuit with the CREATE_FAST /
// CREATED_FAST handshake and KDF-TOR key derivation, per spec.md section 4.3.
func (r *Relay) CreateCircuit(ctx context.Context) (*Circuit, error) {
	start := time.Now()
	circuit, err := r.createCircuit(ctx)
	metrics.Default().RecordCircuitBuild(err == nil, time.Since(start))
	return circuit, err
}

func (r *Relay) createCircuit(ctx context.Context) (*Circuit, error) {
	r.mu.Lock()
	var maxID uint32
	for id := range r.circuits {
		if id > maxID {
			maxID = id
		}
	}
	circID := maxID + 1
	if len(r.circuits) == 0 {
		circID = r.proto.FirstCircID()
	}
	r.mu.Unlock()

	var clientMaterial [20]byte
	if _, err := rand.Read(clientMaterial[:]); err != nil {
		return nil, errors.CryptoError("generate CREATE_FAST key material", err)
	}

	if err := r.sendCell(Cell{CircID: circID, Command: CmdCreateFast, Payload: clientMaterial[:]}); err != nil {
		return nil, err
	}

	reply, err := r.recvCell(ctx)
	if err != nil {
		return nil, err
	}
	if reply.CircID != circID || reply.Command != CmdCreatedFast {
		return nil, errors.Wrap(errors.CategoryProtocol, errors.SeverityHigh,
			fmt.Sprintf("expected CREATED_FAST on circuit %d, got %s on %d", circID, reply.Command, reply.CircID), nil)
	}
	created, err := parseCreatedFast(reply.Payload)
	if err != nil {
		return nil, errors.Wrap(errors.CategoryProtocol, errors.SeverityHigh, "malformed CREATED_FAST", err)
	}

	material := append(append([]byte{}, clientMaterial[:]...), created.KeyMaterial[:]...)
	kdf, err := wireformat.KDFFromValue(material)
	if err != nil {
		return nil, errors.CryptoError("derive KDF-TOR keys", err)
	}
	if !constantTimeEqual(kdf.KeyHash, created.DerivativeKey[:]) {
		return nil, errors.Wrap(errors.CategoryProtocol, errors.SeverityHigh, "CREATE_FAST handshake rejected: derivative_key mismatch", nil)
	}

	circuit, err := newCircuit(circID, kdf, r)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.circuits[circID] = circuit
	r.mu.Unlock()

	return circuit, nil
}

func constantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	var v byte
	for i := range a {
		v |= a[i] ^ b[i]
	}
	return v == 0
}

// removeCircuit drops circID from the circuit table; called by Circuit.Close.
func (r *Relay) removeCircuit(circID uint32) {
	r.mu.Lock()
	delete(r.circuits, circID)
	r.mu.Unlock()
	metrics.Default().RecordCircuitClosed()
}

// Close closes the underlying transport.
func (r *Relay) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	metrics.Default().RecordConnectionClosed()
	return r.conn.Close()
}

// LinkProtocol returns the negotiated link protocol version.
func (r *Relay) LinkProtocol() LinkProtocol {
	return r.proto
}
