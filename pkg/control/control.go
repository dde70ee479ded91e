// Package control implements a client for the Tor control-port protocol
// (spec.md section 4.4): a Controller dials out to a running tor
// process's control listener, issues commands, and receives asynchronous
// events. This package never launches or supervises a tor process — it
// only speaks the wire protocol to one that is already running.
package control

import (
	"bufio"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"

	torerrors "github.com/torproject-go/gotor-core/pkg/errors"
	"github.com/torproject-go/gotor-core/pkg/logger"
)

const (
	safeCookieClientHashKey = "Tor safe cookie authentication controller-to-server hash"
	safeCookieServerHashKey = "Tor safe cookie authentication server-to-controller hash"
	safeCookieNonceLen      = 32
)

// ErrControllerClosed is returned to any pending or future request once
// the Controller's connection has been closed, deliberately or because
// the peer hung up.
var ErrControllerClosed = torerrors.CancelledError("controller closed", nil)

type replyResult struct {
	msg *ControlMessage
	err error
}

// Controller is a client connection to a tor process's control port.
// Writes serialize on a single send lock; a dedicated goroutine reads
// the socket and demultiplexes 650 events to the EventDispatcher and
// every other reply to the head of a FIFO reply queue (spec.md section
// 5's concurrency model).
type Controller struct {
	conn   net.Conn
	reader *bufio.Reader

	sendMu sync.Mutex

	repliesMu sync.Mutex
	replies   []chan replyResult

	dispatcher *EventDispatcher
	logger     *logger.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to a tor control port at address (typically
// "127.0.0.1:9051" for TCP or a unix socket path) and starts the
// background read loop. The caller must still call Authenticate before
// issuing most commands.
func Dial(ctx context.Context, network, address string, log *logger.Logger) (*Controller, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, address)
	if err != nil {
		return nil, torerrors.ConnectionError("dial control port", err)
	}
	c := &Controller{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		dispatcher: newEventDispatcher(log),
		logger:     log.Component("control"),
		closed:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// readLoop is the Controller's single reader: it owns the socket's read
// side for the Controller's lifetime, per spec.md section 5.
func (c *Controller) readLoop() {
	for {
		msg, err := readMessage(c.reader)
		if err != nil {
			c.drainWithError(torerrors.ConnectionError("control connection closed", err))
			return
		}
		c.deliver(msg)
	}
}

// deliver routes one parsed message: events go to the dispatcher queue,
// everything else goes to the oldest outstanding reply waiter.
func (c *Controller) deliver(msg *ControlMessage) {
	if msg.IsEvent() {
		c.dispatcher.dispatch(msg)
		return
	}

	c.repliesMu.Lock()
	if len(c.replies) == 0 {
		c.repliesMu.Unlock()
		c.logger.Warn("reply with no waiter", "code", msg.Code)
		return
	}
	ch := c.replies[0]
	c.replies = c.replies[1:]
	c.repliesMu.Unlock()

	ch <- replyResult{msg: msg}
	close(ch)
}

// drainWithError delivers err to every outstanding reply waiter and
// shuts down the event dispatcher, used once the connection dies.
func (c *Controller) drainWithError(err error) {
	c.repliesMu.Lock()
	pending := c.replies
	c.replies = nil
	c.repliesMu.Unlock()

	for _, ch := range pending {
		ch <- replyResult{err: err}
		close(ch)
	}

	c.closeOnce.Do(func() {
		close(c.closed)
		c.dispatcher.close()
	})
}

// Send issues a raw command line and blocks until its reply arrives,
// per spec.md section 4.4's request/reply model. command must not
// include the trailing CRLF.
func (c *Controller) Send(ctx context.Context, command string) (*ControlMessage, error) {
	ch := make(chan replyResult, 1)

	c.sendMu.Lock()
	select {
	case <-c.closed:
		c.sendMu.Unlock()
		return nil, ErrControllerClosed
	default:
	}

	c.repliesMu.Lock()
	c.replies = append(c.replies, ch)
	c.repliesMu.Unlock()

	_, err := c.conn.Write([]byte(command + "\r\n"))
	c.sendMu.Unlock()
	if err != nil {
		return nil, torerrors.ConnectionError("write control command", err)
	}

	select {
	case r := <-ch:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, torerrors.TimeoutError("control command", ctx.Err())
	case <-c.closed:
		return nil, ErrControllerClosed
	}
}

// expectOK sends command and returns an error unless the reply's final
// code is "250".
func (c *Controller) expectOK(ctx context.Context, command string) (*ControlMessage, error) {
	msg, err := c.Send(ctx, command)
	if err != nil {
		return nil, err
	}
	if msg.Code != "250" {
		return msg, torerrors.ProtocolError(fmt.Sprintf("%s: %s", command, msg.Text()), nil)
	}
	return msg, nil
}

// GetInfo issues "GETINFO <keys...>" and returns the typed key/value
// view spec.md section 4.4 describes for informational queries (e.g.
// "version", "ns/all").
func (c *Controller) GetInfo(ctx context.Context, keys ...string) (map[string]string, error) {
	msg, err := c.expectOK(ctx, "GETINFO "+strings.Join(keys, " "))
	if err != nil {
		return nil, err
	}
	out := make(map[string]string, len(msg.Lines))
	for _, line := range msg.Lines {
		if line.Text == "OK" {
			continue
		}
		key, value, ok := strings.Cut(line.Text, "=")
		if !ok {
			continue
		}
		if line.Divider == '+' {
			out[key] = string(line.Data)
			continue
		}
		out[key] = unquoteIfQuoted(value)
	}
	return out, nil
}

// GetConf issues "GETCONF <keys...>" and returns every value for each
// requested key, preserving repeated-key lists.
func (c *Controller) GetConf(ctx context.Context, keys ...string) (map[string][]string, error) {
	msg, err := c.expectOK(ctx, "GETCONF "+strings.Join(keys, " "))
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string)
	for _, line := range msg.Lines {
		if line.Text == "OK" {
			continue
		}
		key, value, ok := strings.Cut(line.Text, "=")
		if !ok {
			key, value = line.Text, ""
		}
		out[key] = append(out[key], value)
	}
	return out, nil
}

// SetConf issues "SETCONF key=value ..." for the given settings.
func (c *Controller) SetConf(ctx context.Context, settings map[string]string) error {
	var b strings.Builder
	b.WriteString("SETCONF")
	for k, v := range settings {
		b.WriteByte(' ')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quoteString(v))
	}
	_, err := c.expectOK(ctx, b.String())
	return err
}

// ResetConf issues "RESETCONF <keys...>", restoring each key to its
// default value.
func (c *Controller) ResetConf(ctx context.Context, keys ...string) error {
	_, err := c.expectOK(ctx, "RESETCONF "+strings.Join(keys, " "))
	return err
}

// Signal issues "SIGNAL <name>" (e.g. "NEWNYM", "SHUTDOWN", "DUMP").
func (c *Controller) Signal(ctx context.Context, name string) error {
	_, err := c.expectOK(ctx, "SIGNAL "+name)
	return err
}

// UseFeature issues "USEFEATURE <names...>", opting into extended
// control-protocol behaviors (e.g. "VERBOSE_NAMES").
func (c *Controller) UseFeature(ctx context.Context, names ...string) error {
	_, err := c.expectOK(ctx, "USEFEATURE "+strings.Join(names, " "))
	return err
}

// TakeOwnership issues "TAKEOWNERSHIP", asking tor to exit when this
// controller's connection closes. This does not launch or supervise a
// tor process; it only changes how an already-running one reacts to
// this connection dying.
func (c *Controller) TakeOwnership(ctx context.Context) error {
	_, err := c.expectOK(ctx, "TAKEOWNERSHIP")
	return err
}

// PostDescriptor issues "+POSTDESCRIPTOR" with the given descriptor
// bytes as its data block.
func (c *Controller) PostDescriptor(ctx context.Context, purpose string, descriptor []byte) error {
	var b strings.Builder
	b.WriteString("+POSTDESCRIPTOR")
	if purpose != "" {
		b.WriteString(" purpose=")
		b.WriteString(purpose)
	}
	b.WriteString("\r\n")
	b.Write(stuffDots(descriptor))
	b.WriteString("\r\n.")
	_, err := c.expectOK(ctx, b.String())
	return err
}

func stuffDots(data []byte) []byte {
	lines := strings.Split(string(data), "\n")
	for i, l := range lines {
		if strings.HasPrefix(l, ".") {
			lines[i] = "." + l
		}
	}
	return []byte(strings.Join(lines, "\r\n"))
}

// Quit issues "QUIT" and closes the connection.
func (c *Controller) Quit(ctx context.Context) error {
	_, err := c.Send(ctx, "QUIT")
	c.Close()
	return err
}

// Close closes the underlying connection and releases every pending
// waiter with ErrControllerClosed.
func (c *Controller) Close() error {
	err := c.conn.Close()
	c.drainWithError(ErrControllerClosed)
	return err
}

// ProtocolInfoReply is the typed view of a "PROTOCOLINFO" response
// (spec.md section 4.4), used to choose an authentication method before
// the connection is authenticated.
type ProtocolInfoReply struct {
	ProtocolVersion int
	AuthMethods     []string
	CookieFile      string
	TorVersion      string
}

// SupportsSafeCookie reports whether SAFECOOKIE is among the offered
// authentication methods.
func (p *ProtocolInfoReply) SupportsSafeCookie() bool {
	return containsFold(p.AuthMethods, "SAFECOOKIE")
}

// SupportsCookie reports whether COOKIE is among the offered
// authentication methods.
func (p *ProtocolInfoReply) SupportsCookie() bool {
	return containsFold(p.AuthMethods, "COOKIE")
}

// RequiresPassword reports whether HASHEDPASSWORD is offered and neither
// SAFECOOKIE nor COOKIE is.
func (p *ProtocolInfoReply) RequiresPassword() bool {
	return containsFold(p.AuthMethods, "HASHEDPASSWORD") && !p.SupportsSafeCookie() && !p.SupportsCookie()
}

func containsFold(ss []string, s string) bool {
	for _, v := range ss {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// ProtocolInfo issues "PROTOCOLINFO 1" and parses its typed reply.
func (c *Controller) ProtocolInfo(ctx context.Context) (*ProtocolInfoReply, error) {
	msg, err := c.expectOK(ctx, "PROTOCOLINFO 1")
	if err != nil {
		return nil, err
	}
	return parseProtocolInfo(msg)
}

func parseProtocolInfo(msg *ControlMessage) (*ProtocolInfoReply, error) {
	reply := &ProtocolInfoReply{ProtocolVersion: 1}
	for _, line := range msg.Lines {
		fields := strings.Fields(line.Text)
		if len(fields) == 0 {
			continue
		}
		switch fields[0] {
		case "PROTOCOLINFO":
			if len(fields) >= 2 {
				if v, err := strconv.Atoi(fields[1]); err == nil {
					reply.ProtocolVersion = v
				}
			}
		case "AUTH":
			for _, f := range fields[1:] {
				key, value, ok := strings.Cut(f, "=")
				if !ok {
					continue
				}
				switch key {
				case "METHODS":
					reply.AuthMethods = strings.Split(value, ",")
				case "COOKIEFILE":
					reply.CookieFile = unquoteIfQuoted(value)
				}
			}
		case "VERSION":
			for _, f := range fields[1:] {
				key, value, ok := strings.Cut(f, "=")
				if ok && key == "Tor" {
					reply.TorVersion = unquoteIfQuoted(value)
				}
			}
		}
	}
	return reply, nil
}

// AuthenticateOptions configures Authenticate. A zero value lets
// Authenticate discover everything it needs from PROTOCOLINFO, except
// Password, which must be supplied explicitly when HASHEDPASSWORD is
// the only method the server offers.
type AuthenticateOptions struct {
	Password string
	// CookiePathPrefix strips a chroot/jail prefix from the
	// cookie path PROTOCOLINFO reports before this process opens it.
	CookiePathPrefix string
}

// Authenticate negotiates authentication with the control port,
// preferring NONE, then SAFECOOKIE, then COOKIE, then PASSWORD, per
// spec.md section 4.4's stated preference order.
func (c *Controller) Authenticate(ctx context.Context, opts AuthenticateOptions) error {
	info, err := c.ProtocolInfo(ctx)
	if err != nil {
		return err
	}

	switch {
	case containsFold(info.AuthMethods, "NULL"):
		_, err := c.expectOK(ctx, "AUTHENTICATE")
		return err
	case info.SupportsSafeCookie():
		return c.authenticateSafeCookie(ctx, info, opts)
	case info.SupportsCookie():
		return c.authenticateCookie(ctx, info, opts)
	case containsFold(info.AuthMethods, "HASHEDPASSWORD"):
		_, err := c.expectOK(ctx, "AUTHENTICATE "+quoteString(opts.Password))
		return err
	default:
		return torerrors.AuthError("no supported authentication method offered", nil)
	}
}

func (c *Controller) cookiePath(info *ProtocolInfoReply, opts AuthenticateOptions) string {
	path := info.CookieFile
	if opts.CookiePathPrefix != "" {
		path = strings.TrimPrefix(path, opts.CookiePathPrefix)
	}
	return path
}

func (c *Controller) authenticateCookie(ctx context.Context, info *ProtocolInfoReply, opts AuthenticateOptions) error {
	cookie, err := readCookieFile(c.cookiePath(info, opts))
	if err != nil {
		return torerrors.AuthError("read auth cookie", err)
	}
	_, err = c.expectOK(ctx, "AUTHENTICATE "+hex.EncodeToString(cookie))
	return err
}

// authenticateSafeCookie performs the SAFECOOKIE challenge-response
// exchange (spec.md section 4.4): a client nonce is sent with
// AUTHCHALLENGE, the server's hash is verified against the shared
// cookie before this process reveals anything, and only then does it
// answer with its own hash.
func (c *Controller) authenticateSafeCookie(ctx context.Context, info *ProtocolInfoReply, opts AuthenticateOptions) error {
	cookie, err := readCookieFile(c.cookiePath(info, opts))
	if err != nil {
		return torerrors.AuthError("read auth cookie", err)
	}

	clientNonce := make([]byte, safeCookieNonceLen)
	if _, err := rand.Read(clientNonce); err != nil {
		return torerrors.AuthError("generate client nonce", err)
	}

	msg, err := c.expectOK(ctx, "AUTHCHALLENGE SAFECOOKIE "+hex.EncodeToString(clientNonce))
	if err != nil {
		return err
	}
	serverHash, serverNonce, err := parseAuthChallenge(msg)
	if err != nil {
		return err
	}

	expectedServerHash := safeCookieHMAC(safeCookieServerHashKey, cookie, clientNonce, serverNonce)
	if subtle.ConstantTimeCompare(expectedServerHash, serverHash) != 1 {
		return torerrors.AuthError("server hash did not match expected cookie", nil)
	}

	clientHash := safeCookieHMAC(safeCookieClientHashKey, cookie, clientNonce, serverNonce)
	_, err = c.expectOK(ctx, "AUTHENTICATE "+hex.EncodeToString(clientHash))
	return err
}

func safeCookieHMAC(key string, cookie, clientNonce, serverNonce []byte) []byte {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write(cookie)
	mac.Write(clientNonce)
	mac.Write(serverNonce)
	return mac.Sum(nil)
}

func parseAuthChallenge(msg *ControlMessage) (serverHash, serverNonce []byte, err error) {
	if len(msg.Lines) == 0 {
		return nil, nil, torerrors.ProtocolError("empty AUTHCHALLENGE reply", nil)
	}
	fields := strings.Fields(msg.Lines[0].Text)
	for _, f := range fields {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			continue
		}
		switch key {
		case "SERVERHASH":
			serverHash, err = hex.DecodeString(value)
		case "SERVERNONCE":
			serverNonce, err = hex.DecodeString(value)
		}
		if err != nil {
			return nil, nil, torerrors.ProtocolError("malformed AUTHCHALLENGE reply", err)
		}
	}
	if serverHash == nil || serverNonce == nil {
		return nil, nil, torerrors.ProtocolError("AUTHCHALLENGE reply missing hash or nonce", nil)
	}
	return serverHash, serverNonce, nil
}

func readCookieFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

// quoteString produces a control-protocol QuotedString: backslash and
// double-quote escaped, wrapped in double quotes.
func quoteString(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		if r == '"' || r == '\\' {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteByte('"')
	return b.String()
}

// unquoteIfQuoted strips surrounding quotes and backslash-escapes from
// a QuotedString, or returns s unchanged if it isn't quoted.
func unquoteIfQuoted(s string) string {
	if len(s) < 2 || s[0] != '"' || s[len(s)-1] != '"' {
		return s
	}
	inner := s[1 : len(s)-1]
	var b strings.Builder
	for i := 0; i < len(inner); i++ {
		if inner[i] == '\\' && i+1 < len(inner) {
			i++
		}
		b.WriteByte(inner[i])
	}
	return b.String()
}

// AddEventListener registers fn to receive every event whose type is in
// types, and issues SETEVENTS to the control port so the server starts
// (or continues) sending those event names. Per spec.md section 5,
// delivery runs on the dispatcher's worker goroutine, never on the
// socket reader.
func (c *Controller) AddEventListener(ctx context.Context, types []EventType, fn Listener) (SubscriptionID, error) {
	id := c.dispatcher.subscribe(types, fn)
	if err := c.syncEvents(ctx); err != nil {
		c.dispatcher.unsubscribe(id)
		return 0, err
	}
	return id, nil
}

// RemoveEventListener unregisters a listener previously returned by
// AddEventListener and re-issues SETEVENTS to reflect the remaining
// subscriptions.
func (c *Controller) RemoveEventListener(ctx context.Context, id SubscriptionID) error {
	c.dispatcher.unsubscribe(id)
	return c.syncEvents(ctx)
}

func (c *Controller) syncEvents(ctx context.Context) error {
	types := c.dispatcher.registeredTypes()
	_, err := c.expectOK(ctx, "SETEVENTS "+strings.Join(types, " "))
	return err
}
