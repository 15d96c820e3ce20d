package tls13

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	tlserrors "github.com/lodestone-net/tls13/errors"
	"github.com/lodestone-net/tls13/internal/byteorder"
)

// A Conn represents a secured connection. It implements the net.Conn
// interface. A Conn is single-owner during the handshake; after the
// handshake, Read and Write may be used from separate goroutines, but the
// Conn is not otherwise safe for concurrent use.
type Conn struct {
	// conn is the underlying transport. The core never opens sockets; the
	// caller supplies any stream with net.Conn semantics.
	conn        net.Conn
	isClient    bool
	handshakeFn func(context.Context) error

	config *Config

	// isHandshakeComplete is true if the connection is currently transferring
	// application data (i.e. is not currently processing a handshake).
	isHandshakeComplete atomic.Bool

	handshakeMutex sync.Mutex
	handshakeErr   error
	vers           uint16

	// handshake results
	cipherSuite         uint16
	negotiatedProtocol  string
	serverName          string
	peerCertificates    []*x509.Certificate
	verifiedChains      [][]*x509.Certificate
	didResume           bool
	earlyDataAccepted   bool
	peerTransportParams *TransportParameters
	ekm                 func(label string, context []byte, length int) ([]byte, error)
	exporterSecret      []byte
	resumptionSecret    []byte

	// clientRandom keys the NSS key log lines for this connection.
	clientRandom []byte

	// input/output
	in, out   halfConn
	rawInput  bytes.Buffer // raw input, starting with a record header
	input     bytes.Reader // application data waiting to be read, from rawInput.Next
	hand      bytes.Buffer // handshake data waiting to be read
	handEpoch int          // epoch the current partial handshake message started in
	buffering bool         // whether records are buffered in sendBuf
	sendBuf   []byte       // a buffer of records waiting to be sent

	// bytesSent counts the bytes of application data sent.
	bytesSent int64

	// earlyData is the staged client 0-RTT payload, set before Handshake.
	earlyData []byte
	// earlyDataStatus tracks the server-side early data phase.
	acceptingEarlyData bool
	skippingEarlyData  bool
	earlyDataReceived  bytes.Buffer
	earlyDataBudget    int

	// retryCount counts the number of consecutive non-advancing records
	// received by Conn.readRecord. The connection is closed after a limit is
	// reached to avoid endless ChangeCipherSpec floods.
	retryCount int

	// activeCall indicates whether Close has been called and whether a
	// Conn.Write is in progress. The low bit is set by Close, the rest is a
	// counter of Write calls.
	activeCall atomic.Int32

	alertSent       bool
	closeNotifySent bool
	closeNotifyErr  error

	tmp [16]byte
}

// Client returns a new TLS client side connection using conn as the
// underlying transport. The config cannot be nil: users must set either
// ServerName or InsecureSkipVerify.
func Client(conn net.Conn, config *Config) *Conn {
	c := &Conn{
		conn:     conn,
		config:   config,
		isClient: true,
	}
	c.handshakeFn = c.clientHandshake
	return c
}

// Server returns a new TLS server side connection using conn as the
// underlying transport. The configuration config must be non-nil and must
// include at least one certificate or set GetCertificate.
func Server(conn net.Conn, config *Config) *Conn {
	c := &Conn{
		conn:   conn,
		config: config,
	}
	c.handshakeFn = c.serverHandshake
	return c
}

// LocalAddr returns the local network address.
func (c *Conn) LocalAddr() net.Addr {
	return c.conn.LocalAddr()
}

// RemoteAddr returns the remote network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// SetDeadline sets the read and write deadlines associated with the
// connection.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}

// SetReadDeadline sets the read deadline on the underlying connection.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.conn.SetReadDeadline(t)
}

// SetWriteDeadline sets the write deadline on the underlying connection.
func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.conn.SetWriteDeadline(t)
}

// NetConn returns the underlying connection that is wrapped by c.
func (c *Conn) NetConn() net.Conn {
	return c.conn
}

// SetEarlyData stages 0-RTT application data on a client connection. It must
// be called before Handshake and only takes effect when the session being
// resumed permits early data. Staged data the server rejects is discarded;
// the caller decides whether to resend it over the established connection.
func (c *Conn) SetEarlyData(data []byte) {
	c.earlyData = data
}

// EarlyDataAccepted reports whether the peer accepted the 0-RTT data.
func (c *Conn) EarlyDataAccepted() bool {
	c.handshakeMutex.Lock()
	defer c.handshakeMutex.Unlock()
	return c.earlyDataAccepted
}

// sendAlertLocked sends a TLS alert message. Alerts are emitted at most once
// per connection; later calls only record the error.
func (c *Conn) sendAlertLocked(err alert) error {
	if c.alertSent {
		return &net.OpError{Op: "local error", Err: err}
	}
	switch err {
	case alertCloseNotify, alertUserCanceled:
		c.tmp[0] = alertLevelWarning
	default:
		c.tmp[0] = alertLevelError
	}
	c.tmp[1] = byte(err)

	_, writeErr := c.writeRecordLocked(recordTypeAlert, c.tmp[0:2])
	if err == alertCloseNotify {
		// closeNotify is a special case in that it isn't an error.
		return writeErr
	}
	c.alertSent = true

	return c.out.setErrorLocked(&net.OpError{Op: "local error", Err: err})
}

// sendAlert sends a TLS alert message.
func (c *Conn) sendAlert(err alert) error {
	c.out.Lock()
	defer c.out.Unlock()
	return c.sendAlertLocked(err)
}

// readFromUntil reads from r into c.rawInput until c.rawInput contains at
// least n bytes or else returns an error.
func (c *Conn) readFromUntil(r io.Reader, n int) error {
	if c.rawInput.Len() >= n {
		return nil
	}
	needs := n - c.rawInput.Len()
	// There might be extra input waiting on the wire. Make a best effort
	// attempt to fetch it so that it can be used in (*Conn).Read to
	// "predict" closeNotify alerts.
	c.rawInput.Grow(needs + bytes.MinRead)
	_, err := c.rawInput.ReadFrom(&atLeastReader{r, int64(needs)})
	return err
}

// atLeastReader reads from R, stopping with EOF once at least N bytes have
// been read.
type atLeastReader struct {
	R io.Reader
	N int64
}

func (r *atLeastReader) Read(p []byte) (int, error) {
	if r.N <= 0 {
		return 0, io.EOF
	}
	n, err := r.R.Read(p)
	r.N -= int64(n)
	if r.N > 0 {
		return n, err
	}
	if n > 0 && err == io.EOF {
		return n, nil
	}
	return n, err
}

// maxRetries is the number of consecutive non-advancing records (e.g.
// ChangeCipherSpec) tolerated before the connection is torn down.
const maxRetries = 8

// readRecord reads the next TLS record from the connection and updates the
// record layer state.
func (c *Conn) readRecord() error {
	return c.readRecordOrCCS(false)
}

// readRecordOrCCS reads one or more TLS records from the connection and
// updates the record layer state. Some invariants:
//   - c.in must be locked
//   - c.input must be empty
//
// During the handshake one and only one of the following will happen:
//   - c.hand grows
//   - c.in changes keys
//   - an error is returned
//
// After the handshake one and only one of the following will happen:
//   - c.hand grows
//   - c.input is set
//   - an error is returned
func (c *Conn) readRecordOrCCS(expectChangeCipherSpec bool) error {
	if c.in.err != nil {
		return c.in.err
	}
	handshakeComplete := c.isHandshakeComplete.Load()

	// This function modifies c.rawInput, which owns the c.input memory.
	if c.input.Len() != 0 {
		return c.in.setErrorLocked(tlserrors.New("tls: internal error: attempted to read record with pending application data").AtError())
	}
	c.input.Reset(nil)

	// Read header, payload.
	if err := c.readFromUntil(c.conn, recordHeaderLen); err != nil {
		// RFC 8446 makes it optional to send a close_notify in response to
		// one; transport EOF surfaces as io.EOF without an alert.
		if e, ok := err.(net.Error); !ok || !e.Temporary() {
			c.in.setErrorLocked(err)
		}
		return err
	}
	hdr := c.rawInput.Bytes()[:recordHeaderLen]
	typ := recordType(hdr[0])

	vers := byteorder.BEUint16(hdr[1:3])
	expectedVers := uint16(VersionTLS12)
	if vers != expectedVers && !(typ == recordTypeHandshake && vers == 0x0301) {
		// The first ClientHello may use 0x0301 as legacy record version.
		c.sendAlert(alertProtocolVersion)
		return c.in.setErrorLocked(tlserrors.New("tls: received record with version ", vers).AtError())
	}
	n := int(byteorder.BEUint16(hdr[3:5]))
	if n > maxCiphertext {
		c.sendAlert(alertRecordOverflow)
		return c.in.setErrorLocked(tlserrors.New("tls: oversized record received with length ", n).AtError())
	}
	if err := c.readFromUntil(c.conn, recordHeaderLen+n); err != nil {
		if e, ok := err.(net.Error); !ok || !e.Temporary() {
			c.in.setErrorLocked(err)
		}
		return err
	}

	// Process message.
	record := c.rawInput.Next(recordHeaderLen + n)

	// The compatibility ChangeCipherSpec is filtered before decryption: it is
	// always cleartext, never fed to the transcript, and ignored only while
	// the handshake is in progress; after it, a CCS is fatal. RFC 8446,
	// Section 5.
	if recordType(record[0]) == recordTypeChangeCipherSpec {
		if handshakeComplete {
			c.sendAlert(alertUnexpectedMessage)
			return c.in.setErrorLocked(tlserrors.New("tls: change_cipher_spec after handshake").AtError())
		}
		if n != 1 || record[recordHeaderLen] != 1 {
			c.sendAlert(alertDecodeError)
			return c.in.setErrorLocked(tlserrors.New("tls: malformed change_cipher_spec").AtError())
		}
		if expectChangeCipherSpec {
			return nil
		}
		return c.retryReadRecord(expectChangeCipherSpec)
	}

	data, typ, err := c.in.decrypt(record)
	if err != nil {
		if c.skippingEarlyData && err == alertBadRecordMAC {
			// The client sent 0-RTT we rejected; records sealed under the
			// early traffic keys fail to open and are dropped, within the
			// advertised limit. RFC 8446, Section 4.2.10.
			c.earlyDataBudget -= n
			if c.earlyDataBudget >= 0 {
				c.retryCount = 0
				return c.retryReadRecord(expectChangeCipherSpec)
			}
		}
		c.sendAlert(err.(alert))
		return c.in.setErrorLocked(&net.OpError{Op: "remote error", Err: err})
	}
	if len(data) > maxPlaintext {
		c.sendAlert(alertRecordOverflow)
		return c.in.setErrorLocked(tlserrors.New("tls: oversized plaintext received").AtError())
	}

	if typ != recordTypeAlert && len(data) > 0 {
		// This is a state-advancing message: reset the retry count.
		c.retryCount = 0
	}

	switch typ {
	default:
		c.sendAlert(alertUnexpectedMessage)
		return c.in.setErrorLocked(tlserrors.New("tls: unexpected record type ", typ).AtError())

	case recordTypeAlert:
		if len(data) != 2 {
			c.sendAlert(alertUnexpectedMessage)
			return c.in.setErrorLocked(tlserrors.New("tls: malformed alert").AtError())
		}
		if alert(data[1]) == alertCloseNotify {
			return c.in.setErrorLocked(io.EOF)
		}
		switch data[0] {
		case alertLevelWarning:
			// Alerts other than close_notify and user_canceled are fatal in
			// TLS 1.3 regardless of level; user_canceled is dropped.
			if alert(data[1]) == alertUserCanceled {
				return c.retryReadRecord(expectChangeCipherSpec)
			}
			fallthrough
		case alertLevelError:
			return c.in.setErrorLocked(&net.OpError{Op: "remote error", Err: alert(data[1])})
		default:
			c.sendAlert(alertUnexpectedMessage)
			return c.in.setErrorLocked(tlserrors.New("tls: malformed alert level").AtError())
		}

	case recordTypeApplicationData:
		if !handshakeComplete {
			if c.acceptingEarlyData {
				// Server side of an accepted 0-RTT offer: stash the early
				// application data for delivery after the handshake.
				c.earlyDataBudget -= len(data)
				if c.earlyDataBudget < 0 {
					c.sendAlert(alertUnexpectedMessage)
					return c.in.setErrorLocked(tlserrors.New("tls: peer exceeded the advertised early data limit").AtError())
				}
				c.earlyDataReceived.Write(data)
				return c.retryReadRecord(expectChangeCipherSpec)
			}
			if c.skippingEarlyData {
				// Cleartext-phase 0-RTT records from a client that is about
				// to learn its offer was not accepted.
				c.earlyDataBudget -= len(data)
				if c.earlyDataBudget >= 0 {
					return c.retryReadRecord(expectChangeCipherSpec)
				}
			}
			c.sendAlert(alertUnexpectedMessage)
			return c.in.setErrorLocked(tlserrors.New("tls: application data record before handshake completion").AtError())
		}
		if len(data) == 0 {
			// Empty application data records are allowed; retry to avoid
			// returning a zero-length read.
			return c.retryReadRecord(expectChangeCipherSpec)
		}
		// Note that data is owned by c.rawInput, following the Next call
		// above, to avoid copying the plaintext. This is safe because
		// c.rawInput is not read from or written to until c.input is drained.
		c.input.Reset(data)

	case recordTypeHandshake:
		if len(data) == 0 || expectChangeCipherSpec {
			c.sendAlert(alertUnexpectedMessage)
			return c.in.setErrorLocked(tlserrors.New("tls: unexpected handshake record").AtError())
		}
		if c.hand.Len() > 0 && c.handEpoch != c.in.epoch {
			// A handshake message may not span a key change.
			c.sendAlert(alertUnexpectedMessage)
			return c.in.setErrorLocked(tlserrors.New("tls: handshake message spans a key change").AtError())
		}
		if c.hand.Len() == 0 {
			c.handEpoch = c.in.epoch
		}
		c.hand.Write(data)
	}

	return nil
}

// retryReadRecord recurs into readRecordOrCCS, bounding the number of
// consecutive non-advancing records.
func (c *Conn) retryReadRecord(expectChangeCipherSpec bool) error {
	c.retryCount++
	if c.retryCount > maxRetries {
		c.sendAlert(alertUnexpectedMessage)
		return c.in.setErrorLocked(tlserrors.New("tls: too many ignored records").AtError())
	}
	return c.readRecordOrCCS(expectChangeCipherSpec)
}

// maxPayloadSizeForWrite returns the maximum TLS payload to use for the next
// application data record, honoring the peer's record_size_limit.
func (c *Conn) maxPayloadSizeForWrite() int {
	m := maxPlaintext
	if c.out.recordSizeLimit > 0 {
		// The advertised limit covers the inner plaintext, which includes
		// the content type byte under an active cipher. RFC 8449, Section 4.
		limit := c.out.recordSizeLimit
		if c.out.cipher != nil {
			limit--
		}
		if limit < m {
			m = limit
		}
	}
	return m
}

// write buffers or sends data to the connection.
func (c *Conn) write(data []byte) (int, error) {
	if c.buffering {
		c.sendBuf = append(c.sendBuf, data...)
		return len(data), nil
	}

	n, err := c.conn.Write(data)
	c.bytesSent += int64(n)
	return n, err
}

func (c *Conn) flush() (int, error) {
	if len(c.sendBuf) == 0 {
		return 0, nil
	}

	n, err := c.conn.Write(c.sendBuf)
	c.bytesSent += int64(n)
	c.sendBuf = nil
	c.buffering = false
	return n, err
}

// writeRecordLocked writes a TLS record with the given type and payload to
// the connection, fragmenting as needed and wrapping under the active cipher.
func (c *Conn) writeRecordLocked(typ recordType, data []byte) (int, error) {
	if c.out.err != nil {
		return 0, c.out.err
	}

	var n int
	var outBuf []byte
	for len(data) > 0 {
		m := len(data)
		if maxPayload := c.maxPayloadSizeForWrite(); m > maxPayload {
			m = maxPayload
		}

		_, outBuf = sliceForAppend(outBuf[:0], recordHeaderLen)
		outerType := typ
		payload := data[:m]
		if c.out.cipher != nil {
			// TLSCiphertext carries opaque_type application_data with the
			// true type moved inside. RFC 8446, Section 5.2.
			outerType = recordTypeApplicationData
			payload = append(payload[:m:m], byte(typ))
		}
		outBuf[0] = byte(outerType)
		byteorder.BEPutUint16(outBuf[1:], VersionTLS12)
		byteorder.BEPutUint16(outBuf[3:], uint16(len(payload)))

		var err error
		outBuf, err = c.out.encrypt(outBuf, payload)
		if err != nil {
			return n, c.out.setErrorLocked(err)
		}
		if _, err := c.write(outBuf); err != nil {
			return n, c.out.setErrorLocked(err)
		}
		n += m
		data = data[m:]
	}

	return n, nil
}

// writeHandshakeRecord marshals msg, feeds it to the transcript when one is
// given, and writes it to the connection.
func (c *Conn) writeHandshakeRecord(msg handshakeMessage, transcript transcriptWriter) (int, error) {
	c.out.Lock()
	defer c.out.Unlock()

	data, err := msg.marshal()
	if err != nil {
		return 0, err
	}
	if transcript != nil {
		transcript.Write(data)
	}

	return c.writeRecordLocked(recordTypeHandshake, data)
}

// transcriptWriter is the subset of hash.Hash the record layer needs.
type transcriptWriter interface {
	Write(p []byte) (n int, err error)
}

// writeChangeCipherRecord emits the compatibility-mode ChangeCipherSpec
// record. RFC 8446, Appendix D.4.
func (c *Conn) writeChangeCipherRecord() error {
	c.out.Lock()
	defer c.out.Unlock()
	_, err := c.writeRecordLocked(recordTypeChangeCipherSpec, []byte{1})
	return err
}

// readHandshakeBytes reads handshake data until c.hand contains at least n
// bytes.
func (c *Conn) readHandshakeBytes(n int) error {
	for c.hand.Len() < n {
		if err := c.readRecord(); err != nil {
			return err
		}
	}
	return nil
}

// readHandshake reads the next handshake message from the connection,
// feeding its raw bytes to transcript when one is given.
func (c *Conn) readHandshake(transcript transcriptWriter) (handshakeMessage, error) {
	if err := c.readHandshakeBytes(4); err != nil {
		return nil, err
	}
	data := c.hand.Bytes()
	n := int(byteorder.BEUint24(data[1:4]))
	if n > maxHandshake && data[0] != typeCertificate && data[0] != typeCompressedCertificate {
		c.sendAlert(alertInternalError)
		return nil, c.in.setErrorLocked(tlserrors.New("tls: handshake message of length ", n, " bytes exceeds maximum of ", maxHandshake, " bytes").AtError())
	}
	if n > maxHandshakeCertificateMsg {
		c.sendAlert(alertInternalError)
		return nil, c.in.setErrorLocked(tlserrors.New("tls: handshake message of length ", n, " bytes exceeds maximum of ", maxHandshakeCertificateMsg, " bytes").AtError())
	}
	if err := c.readHandshakeBytes(4 + n); err != nil {
		return nil, err
	}
	data = append([]byte(nil), c.hand.Next(4+n)...)

	var m handshakeMessage
	switch data[0] {
	case typeClientHello:
		m = new(clientHelloMsg)
	case typeServerHello:
		m = new(serverHelloMsg)
	case typeNewSessionTicket:
		m = new(newSessionTicketMsg)
	case typeCertificate:
		m = new(certificateMsg)
	case typeCompressedCertificate:
		m = new(compressedCertificateMsg)
	case typeCertificateRequest:
		m = new(certificateRequestMsg)
	case typeCertificateVerify:
		m = new(certificateVerifyMsg)
	case typeFinished:
		m = new(finishedMsg)
	case typeEncryptedExtensions:
		m = new(encryptedExtensionsMsg)
	case typeEndOfEarlyData:
		m = new(endOfEarlyDataMsg)
	case typeKeyUpdate:
		m = new(keyUpdateMsg)
	default:
		return nil, c.in.setErrorLocked(c.sendAlert(alertUnexpectedMessage))
	}

	// The handshake message unmarshalers expect to be able to keep
	// references to data, so pass in a fresh copy that won't be overwritten.
	if !m.unmarshal(data) {
		return nil, c.in.setErrorLocked(c.sendAlert(alertDecodeError))
	}

	if transcript != nil {
		transcript.Write(data)
	}

	return m, nil
}

var (
	errShutdown = tlserrors.New("tls: protocol is shutdown").AtError()
	errClosed   = tlserrors.New("tls: use of closed connection").AtError()
)

// Write writes data to the connection and can be made to time out via
// SetWriteDeadline on the underlying transport.
func (c *Conn) Write(b []byte) (int, error) {
	// interlock with Close below
	for {
		x := c.activeCall.Load()
		if x&1 != 0 {
			return 0, errClosed
		}
		if c.activeCall.CompareAndSwap(x, x+2) {
			break
		}
	}
	defer c.activeCall.Add(-2)

	if err := c.Handshake(); err != nil {
		return 0, err
	}

	c.out.Lock()
	defer c.out.Unlock()

	if err := c.out.err; err != nil {
		return 0, err
	}

	if !c.isHandshakeComplete.Load() {
		return 0, alertInternalError
	}

	if c.closeNotifySent {
		return 0, errShutdown
	}

	if c.out.seqNearingOverflow() {
		// Rotate keys before the sequence number runs out rather than fail.
		// RFC 8446, Section 5.5.
		if err := c.keyUpdateLocked(false); err != nil {
			return 0, err
		}
	}

	n, err := c.writeRecordLocked(recordTypeApplicationData, b)
	return n, c.out.setErrorLocked(err)
}

// keyUpdateLocked sends a KeyUpdate message and rotates the outgoing keys.
// c.out must be locked.
func (c *Conn) keyUpdateLocked(updateRequested bool) error {
	msg := &keyUpdateMsg{updateRequested: updateRequested}
	data, err := msg.marshal()
	if err != nil {
		return err
	}
	if _, err := c.writeRecordLocked(recordTypeHandshake, data); err != nil {
		return err
	}
	return c.out.nextKeys()
}

// KeyUpdate sends a KeyUpdate message requesting that the peer rotate its
// keys as well, and rotates the outgoing keys. RFC 8446, Section 4.6.3.
func (c *Conn) KeyUpdate() error {
	if !c.isHandshakeComplete.Load() {
		return tlserrors.New("tls: KeyUpdate before handshake completion").AtError()
	}
	c.out.Lock()
	defer c.out.Unlock()
	return c.keyUpdateLocked(true)
}

// handlePostHandshakeMessage processes a handshake message arrived after the
// handshake is complete. Up to TLS 1.3, these are NewSessionTicket and
// KeyUpdate.
func (c *Conn) handlePostHandshakeMessage() error {
	msg, err := c.readHandshake(nil)
	if err != nil {
		return err
	}
	c.retryCount++
	if c.retryCount > maxRetries {
		c.sendAlert(alertUnexpectedMessage)
		return c.in.setErrorLocked(tlserrors.New("tls: too many non-advancing records").AtError())
	}

	switch msg := msg.(type) {
	case *newSessionTicketMsg:
		return c.handleNewSessionTicket(msg)
	case *keyUpdateMsg:
		return c.handleKeyUpdate(msg)
	}
	// The QUIC layer is supposed to treat an unexpected post-handshake CertificateRequest
	// as a QUIC-level PROTOCOL_VIOLATION error (RFC 9001, Section 4.4.)
	c.sendAlert(alertUnexpectedMessage)
	return c.in.setErrorLocked(tlserrors.New("tls: received unexpected handshake message of type ", fmt.Sprintf("%T", msg)).AtError())
}

func (c *Conn) handleKeyUpdate(keyUpdate *keyUpdateMsg) error {
	if err := c.in.nextKeys(); err != nil {
		c.sendAlert(alertInternalError)
		return c.in.setErrorLocked(err)
	}

	if keyUpdate.updateRequested {
		c.out.Lock()
		defer c.out.Unlock()

		msg := &keyUpdateMsg{}
		data, err := msg.marshal()
		if err != nil {
			return err
		}
		if _, err := c.writeRecordLocked(recordTypeHandshake, data); err != nil {
			// Surface the error at the next write.
			c.out.setErrorLocked(err)
			return nil
		}
		if err := c.out.nextKeys(); err != nil {
			c.sendAlert(alertInternalError)
			return c.out.setErrorLocked(err)
		}
	}

	return nil
}

// Read reads data from the connection and can be made to time out via
// SetReadDeadline on the underlying transport.
func (c *Conn) Read(b []byte) (int, error) {
	if err := c.Handshake(); err != nil {
		return 0, err
	}
	if len(b) == 0 {
		// Put this after Handshake, in case people were calling
		// Read(nil) for the side effect of the Handshake.
		return 0, nil
	}

	c.in.Lock()
	defer c.in.Unlock()

	// Deliver buffered 0-RTT data ahead of 1-RTT data; it arrived first.
	if c.earlyDataReceived.Len() > 0 {
		return c.earlyDataReceived.Read(b)
	}

	for c.input.Len() == 0 {
		if err := c.readRecord(); err != nil {
			return 0, err
		}
		for c.hand.Len() > 0 {
			if err := c.handlePostHandshakeMessage(); err != nil {
				return 0, err
			}
		}
	}

	n, _ := c.input.Read(b)

	// If a close-notify alert is waiting, read it so that we can return (n,
	// EOF) instead of (n, nil), to signal to the HTTP response reading
	// goroutine that the connection is now closed.
	if n != 0 && c.input.Len() == 0 && c.rawInput.Len() > 0 &&
		recordType(c.rawInput.Bytes()[0]) == recordTypeAlert {
		if err := c.readRecord(); err != nil {
			return n, err // will be io.EOF on closeNotify
		}
	}

	return n, nil
}

// Close closes the connection.
func (c *Conn) Close() error {
	// Interlock with Conn.Write above.
	var x int32
	for {
		x = c.activeCall.Load()
		if x&1 != 0 {
			return errClosed
		}
		if c.activeCall.CompareAndSwap(x, x|1) {
			break
		}
	}
	if x != 0 {
		// io.Writer and io.Closer should not be used concurrently. If Close
		// is called while a Write is currently in-flight, interpret that as a
		// sign that this Close is really just being used to break the Write
		// and/or clean up resources and avoid sending the alertCloseNotify,
		// which may block waiting on handshakeMutex or the c.out mutex.
		return c.conn.Close()
	}

	var alertErr error
	if c.isHandshakeComplete.Load() {
		if err := c.closeNotify(); err != nil {
			alertErr = tlserrors.New("tls: failed to send closeNotify alert (but connection was closed anyway)").Base(err).AtError()
		}
	}

	c.zeroSecrets()

	if err := c.conn.Close(); err != nil {
		return err
	}
	return alertErr
}

// closeNotify sends the close_notify alert on orderly shutdown.
func (c *Conn) closeNotify() error {
	c.out.Lock()
	defer c.out.Unlock()

	if !c.closeNotifySent {
		c.closeNotifyErr = c.sendAlertLocked(alertCloseNotify)
		c.closeNotifySent = true
	}
	return c.closeNotifyErr
}

// CloseWrite shuts down the writing side of the connection. It should only be
// called once the handshake has completed.
func (c *Conn) CloseWrite() error {
	if !c.isHandshakeComplete.Load() {
		return tlserrors.New("tls: CloseWrite during handshake").AtError()
	}
	return c.closeNotify()
}

// zeroSecrets wipes the connection's key material. The AEAD states cannot be
// cleared in place, but the secrets they were derived from can.
func (c *Conn) zeroSecrets() {
	for _, s := range [][]byte{
		c.in.trafficSecret, c.out.trafficSecret,
		c.resumptionSecret, c.exporterSecret,
	} {
		for i := range s {
			s[i] = 0
		}
	}
}

// Handshake runs the client or server handshake protocol if it has not yet
// been run.
//
// Most uses of this package need not call Handshake explicitly: the first
// Conn.Read or Conn.Write will call it automatically.
func (c *Conn) Handshake() error {
	return c.HandshakeContext(context.Background())
}

// HandshakeContext runs the client or server handshake protocol if it has
// not yet been run, interruptible by the provided context.
func (c *Conn) HandshakeContext(ctx context.Context) error {
	// Delegate to unexported method for named return without exposing it.
	return c.handshakeContext(ctx)
}

func (c *Conn) handshakeContext(ctx context.Context) (ret error) {
	// Fast sync/atomic-based exit if there is no handshake in flight and the
	// last one succeeded.
	if c.isHandshakeComplete.Load() {
		return nil
	}

	handshakeCtx, cancel := context.WithCancel(ctx)
	// Note: defer this before starting the "interrupter" goroutine so that
	// we can tell the difference between the input being canceled and this
	// cancellation.
	defer cancel()

	// Start the "interrupter" goroutine, if this context might be canceled.
	// (The background context cannot.)
	if ctx.Done() != nil {
		done := make(chan struct{})
		interruptRes := make(chan error, 1)
		defer func() {
			close(done)
			if ctxErr := <-interruptRes; ctxErr != nil {
				// Return context error to user.
				ret = ctxErr
			}
		}()
		go func() {
			select {
			case <-handshakeCtx.Done():
				// Close the connection, discarding the error.
				_ = c.conn.Close()
				interruptRes <- handshakeCtx.Err()
			case <-done:
				interruptRes <- nil
			}
		}()
	}

	c.handshakeMutex.Lock()
	defer c.handshakeMutex.Unlock()

	if err := c.handshakeErr; err != nil {
		return err
	}
	if c.isHandshakeComplete.Load() {
		return nil
	}

	c.in.Lock()
	defer c.in.Unlock()

	c.handshakeErr = c.handshakeFn(handshakeCtx)
	if c.handshakeErr == nil {
		if !c.isHandshakeComplete.Load() {
			c.handshakeErr = tlserrors.New("tls: internal error: handshake returned without completing").AtError()
		}
	} else {
		// If an error occurred during the handshake try to flush the alert
		// that might be left in the buffer.
		c.flush()
	}

	if c.handshakeErr == nil && c.hand.Len() > 0 {
		c.handshakeErr = tlserrors.New("tls: internal error: unprocessed handshake data").AtError()
	}

	return c.handshakeErr
}

// ConnectionState returns basic TLS details about the connection.
func (c *Conn) ConnectionState() ConnectionState {
	c.handshakeMutex.Lock()
	defer c.handshakeMutex.Unlock()
	return c.connectionStateLocked()
}

func (c *Conn) connectionStateLocked() ConnectionState {
	var state ConnectionState
	state.HandshakeComplete = c.isHandshakeComplete.Load()
	state.Version = c.vers
	state.NegotiatedProtocol = c.negotiatedProtocol
	state.DidResume = c.didResume
	state.EarlyDataAccepted = c.earlyDataAccepted
	state.ServerName = c.serverName
	state.CipherSuite = c.cipherSuite
	state.PeerCertificates = c.peerCertificates
	state.VerifiedChains = c.verifiedChains
	state.QUICTransportParameters = c.peerTransportParams
	state.ekm = c.ekm
	return state
}

