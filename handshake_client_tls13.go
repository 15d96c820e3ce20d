package tls13

import (
	"bytes"
	"context"
	"crypto"
	"crypto/hmac"
	"crypto/rsa"
	"crypto/x509"
	"hash"
	"io"
	"time"

	tlserrors "github.com/lodestone-net/tls13/errors"
	"github.com/lodestone-net/tls13/internal/tls13"
)

type clientHandshakeStateTLS13 struct {
	c           *Conn
	ctx         context.Context
	serverHello *serverHelloMsg
	hello       *clientHelloMsg

	keyShareKeys *keySharePrivateKeys
	session      *SessionState
	earlySecret  *tls13.EarlySecret
	binderKey    []byte

	certReq       *certificateRequestMsg
	usingPSK      bool
	sentDummyCCS  bool
	sentEarlyData bool

	suite           *cipherSuiteTLS13
	transcript      hash.Hash
	clientHsSecret  []byte
	serverHsSecret  []byte
	masterSecret    *tls13.MasterSecret
	trafficSecret   []byte // client_application_traffic_secret_0
}

// makeClientHello assembles the initial flight: one key share on the most
// preferred group, the full advertisement set, and legacy fields pinned to
// their TLS 1.3 values.
func (c *Conn) makeClientHello() (*clientHelloMsg, *keySharePrivateKeys, error) {
	config := c.config

	hello := &clientHelloMsg{
		vers:                         VersionTLS12,
		random:                       make([]byte, 32),
		sessionId:                    make([]byte, 32),
		cipherSuites:                 config.cipherSuites(),
		compressionMethods:           []byte{0},
		supportedVersions:            []uint16{VersionTLS13},
		supportedCurves:              config.curvePreferences(),
		supportedSignatureAlgorithms: supportedSignatureAlgorithms,
		alpnProtocols:                config.NextProtos,
		pskModes:                     []uint8{pskModeDHE},
	}

	if _, err := io.ReadFull(config.rand(), hello.random); err != nil {
		return nil, nil, tlserrors.New("tls: short read from Rand").Base(err).AtError()
	}
	// The session id is echoed by the server and otherwise unused; a random
	// value keeps middleboxes that key on it happy. RFC 8446, Appendix D.4.
	if _, err := io.ReadFull(config.rand(), hello.sessionId); err != nil {
		return nil, nil, tlserrors.New("tls: short read from Rand").Base(err).AtError()
	}

	if config.ServerName != "" {
		name, err := validateServerName(config.ServerName)
		if err != nil {
			return nil, nil, err
		}
		hello.serverName = name
	}

	if config.RecordSizeLimit != 0 {
		if config.RecordSizeLimit < 64 || config.RecordSizeLimit > maxPlaintext+1 {
			return nil, nil, tlserrors.New("tls: RecordSizeLimit out of range").AtError()
		}
		hello.recordSizeLimit = config.RecordSizeLimit
	}

	if config.QUICTransportParameters != nil {
		body, err := config.QUICTransportParameters.marshal()
		if err != nil {
			return nil, nil, err
		}
		hello.quicTransportParameters = body
		hello.hasQUICTransportParameters = true
	}

	for _, alg := range config.CertCompressionAlgs {
		hello.compressCertAlgs = append(hello.compressCertAlgs, uint16(alg))
	}

	curveID := config.curvePreferences()[0]
	key, err := generateECDHEKey(config.rand(), curveID)
	if err != nil {
		return nil, nil, err
	}
	hello.keyShares = []keyShare{{group: curveID, data: key.PublicKey().Bytes()}}

	return hello, &keySharePrivateKeys{curveID: curveID, ecdhe: key}, nil
}

// clientSessionCacheKey returns a key used to look up sessions for a given
// server.
func (c *Conn) clientSessionCacheKey() string {
	if len(c.config.ServerName) > 0 {
		return c.config.ServerName
	}
	if addr := c.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// loadSession attaches a cached session's PSK offer to the hello, including
// the binder computed over the truncated message.
func (c *Conn) loadSession(hello *clientHelloMsg) (*SessionState, *tls13.EarlySecret, []byte, error) {
	config := c.config
	if config.SessionTicketsDisabled || config.ClientSessionCache == nil {
		return nil, nil, nil, nil
	}

	cacheKey := c.clientSessionCacheKey()
	if cacheKey == "" {
		return nil, nil, nil, nil
	}
	session, ok := config.ClientSessionCache.Get(cacheKey)
	if !ok || session == nil {
		return nil, nil, nil, nil
	}

	now := config.time()
	if session.useBy != 0 && now.After(time.Unix(int64(session.useBy), 0)) {
		config.ClientSessionCache.Put(cacheKey, nil)
		return nil, nil, nil, nil
	}

	suite := cipherSuiteTLS13ByID(session.cipherSuite)
	if suite == nil {
		return nil, nil, nil, nil
	}
	offered := false
	for _, id := range hello.cipherSuites {
		if id == session.cipherSuite {
			offered = true
		}
	}
	if !offered {
		return nil, nil, nil, nil
	}

	ticketAge := now.Sub(time.Unix(int64(session.createdAt), 0))
	identity := pskIdentity{
		label:               session.ticket,
		obfuscatedTicketAge: uint32(ticketAge/time.Millisecond) + session.ageAdd,
	}
	hello.pskIdentities = []pskIdentity{identity}
	hello.pskBinders = [][]byte{make([]byte, suite.hash.Size())}

	if c.earlyData != nil && session.maxEarlyData > 0 &&
		(session.alpnProtocol == "" || len(hello.alpnProtocols) == 0 ||
			session.alpnProtocol == hello.alpnProtocols[0]) {
		hello.earlyData = true
	}

	earlySecret, err := tls13.NewEarlySecret(suite.hash.New, session.secret)
	if err != nil {
		return nil, nil, nil, err
	}
	binderKey, err := earlySecret.ResumptionBinderKey()
	if err != nil {
		return nil, nil, nil, err
	}

	transcript := suite.hash.New()
	binders, err := computePSKBinders(hello, suite, binderKey, transcript)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := hello.updateBinders(binders); err != nil {
		return nil, nil, nil, err
	}

	return session, earlySecret, binderKey, nil
}

func (c *Conn) clientHandshake(ctx context.Context) (err error) {
	if c.config == nil {
		c.config = &Config{}
	}
	config := c.config

	if len(config.ServerName) == 0 && !config.InsecureSkipVerify {
		return tlserrors.New("tls: either ServerName or InsecureSkipVerify must be specified in the tls13.Config").AtError()
	}

	hello, keyShareKeys, err := c.makeClientHello()
	if err != nil {
		return err
	}
	c.clientRandom = hello.random
	c.serverName = hello.serverName

	session, earlySecret, binderKey, err := c.loadSession(hello)
	if err != nil {
		return err
	}

	hs := &clientHandshakeStateTLS13{
		c:            c,
		ctx:          ctx,
		hello:        hello,
		keyShareKeys: keyShareKeys,
		session:      session,
		earlySecret:  earlySecret,
		binderKey:    binderKey,
	}

	if _, err := c.writeHandshakeRecord(hello, nil); err != nil {
		return err
	}

	if hello.earlyData {
		if err := hs.sendDummyChangeCipherSpec(); err != nil {
			return err
		}
		if err := hs.sendEarlyData(); err != nil {
			return err
		}
	}

	msg, err := c.readHandshake(nil)
	if err != nil {
		return err
	}
	serverHello, ok := msg.(*serverHelloMsg)
	if !ok {
		c.sendAlert(alertUnexpectedMessage)
		return unexpectedMessageError(serverHello, msg)
	}
	hs.serverHello = serverHello

	return hs.handshake()
}

func unexpectedMessageError(wanted, got any) error {
	return tlserrors.New("tls: received unexpected handshake message of type ",
		typeName(got), " when waiting for ", typeName(wanted)).AtError()
}

func typeName(v any) string {
	switch v.(type) {
	case *clientHelloMsg:
		return "ClientHello"
	case *serverHelloMsg:
		return "ServerHello"
	case *encryptedExtensionsMsg:
		return "EncryptedExtensions"
	case *certificateMsg:
		return "Certificate"
	case *compressedCertificateMsg:
		return "CompressedCertificate"
	case *certificateRequestMsg:
		return "CertificateRequest"
	case *certificateVerifyMsg:
		return "CertificateVerify"
	case *finishedMsg:
		return "Finished"
	case *newSessionTicketMsg:
		return "NewSessionTicket"
	case *endOfEarlyDataMsg:
		return "EndOfEarlyData"
	case *keyUpdateMsg:
		return "KeyUpdate"
	default:
		return "unknown message"
	}
}

// sendEarlyData switches the write side to the early traffic keys and flushes
// the staged 0-RTT payload.
func (hs *clientHandshakeStateTLS13) sendEarlyData() error {
	c := hs.c

	suite := cipherSuiteTLS13ByID(hs.session.cipherSuite)
	transcript := suite.hash.New()
	helloBytes, err := hs.hello.marshal()
	if err != nil {
		return err
	}
	transcript.Write(helloBytes)

	earlyTrafficSecret, err := hs.earlySecret.ClientEarlyTrafficSecret(transcript)
	if err != nil {
		return err
	}
	c.config.writeKeyLog(keyLogLabelClientEarlyTraffic, hs.hello.random, earlyTrafficSecret)

	c.out.Lock()
	defer c.out.Unlock()
	if err := c.out.setTrafficSecret(suite, earlyTrafficSecret); err != nil {
		return err
	}
	if len(c.earlyData) > 0 {
		if _, err := c.writeRecordLocked(recordTypeApplicationData, c.earlyData); err != nil {
			return err
		}
	}
	hs.sentEarlyData = true
	return nil
}

func (hs *clientHandshakeStateTLS13) handshake() error {
	c := hs.c

	if err := hs.checkServerHelloOrHRR(); err != nil {
		return err
	}

	hs.transcript = hs.suite.hash.New()
	if err := transcriptMsg(hs.hello, hs.transcript); err != nil {
		return err
	}

	if hs.serverHello.isHelloRetryRequest() {
		if err := hs.sendDummyChangeCipherSpec(); err != nil {
			return err
		}
		if err := hs.processHelloRetryRequest(); err != nil {
			return err
		}
	}

	// The ServerHello is hashed as received; re-marshaling would drop any
	// extension this side does not re-encode.
	hs.transcript.Write(hs.serverHello.original)

	c.buffering = true
	if err := hs.processServerHello(); err != nil {
		return err
	}
	if err := hs.sendDummyChangeCipherSpec(); err != nil {
		return err
	}
	if err := hs.establishHandshakeKeys(); err != nil {
		return err
	}
	if err := hs.readServerParameters(); err != nil {
		return err
	}
	if err := hs.readServerCertificate(); err != nil {
		return err
	}
	if err := hs.readServerFinished(); err != nil {
		return err
	}
	if err := hs.sendEndOfEarlyData(); err != nil {
		return err
	}
	if err := hs.sendClientCertificate(); err != nil {
		return err
	}
	if err := hs.sendClientFinished(); err != nil {
		return err
	}
	if _, err := c.flush(); err != nil {
		return err
	}

	c.isHandshakeComplete.Store(true)

	return nil
}

// checkServerHelloOrHRR does validity checks that apply to both ServerHello
// and HelloRetryRequest.
func (hs *clientHandshakeStateTLS13) checkServerHelloOrHRR() error {
	c := hs.c

	if hs.serverHello.supportedVersion != VersionTLS13 {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server selected an unsupported version").AtError()
	}

	if hs.serverHello.vers != VersionTLS12 {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server sent an incorrect legacy version").AtError()
	}

	// Detect a TLS 1.2 or 1.1 downgrade sentinel in the server random.
	// RFC 8446, Section 4.1.3.
	if len(hs.serverHello.random) == 32 {
		tail := string(hs.serverHello.random[24:])
		if tail == downgradeCanaryTLS12 || tail == "DOWNGRD\x00" {
			c.sendAlert(alertIllegalParameter)
			return tlserrors.New("tls: downgrade attempt detected, possibly due to a MitM attack or a broken middlebox").AtError()
		}
	}

	if hs.serverHello.compressionMethod != 0 {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server selected unsupported compression format").AtError()
	}
	if !bytes.Equal(hs.serverHello.sessionId, hs.hello.sessionId) {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server did not echo the legacy session ID").AtError()
	}

	selectedSuite := mutualCipherSuiteTLS13(hs.hello.cipherSuites, hs.serverHello.cipherSuite)
	if selectedSuite == nil {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server chose an unconfigured cipher suite").AtError()
	}
	if hs.suite != nil && selectedSuite != hs.suite {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server changed cipher suite after a HelloRetryRequest").AtError()
	}
	hs.suite = selectedSuite
	c.cipherSuite = hs.suite.id
	c.vers = VersionTLS13

	return nil
}

// sendDummyChangeCipherSpec sends a ChangeCipherSpec record for middlebox
// compatibility, at most once.
func (hs *clientHandshakeStateTLS13) sendDummyChangeCipherSpec() error {
	if hs.sentDummyCCS {
		return nil
	}
	hs.sentDummyCCS = true

	return hs.c.writeChangeCipherRecord()
}

// processHelloRetryRequest handles the HRR in hs.serverHello, modifies and
// resends hs.hello, and reads the new ServerHello into hs.serverHello.
func (hs *clientHandshakeStateTLS13) processHelloRetryRequest() error {
	c := hs.c

	// The first ClientHello gets double-hashed into the transcript upon a
	// HelloRetryRequest. RFC 8446, Section 4.4.1.
	substituteMessageHash(hs.transcript)
	hs.transcript.Write(hs.serverHello.original)

	// The only HelloRetryRequest extensions we support are key_share and
	// cookie, and clients must abort handshakes upon receiving a
	// HelloRetryRequest that changes nothing.
	if hs.serverHello.cookie != nil {
		hs.hello.cookie = hs.serverHello.cookie
	}

	if hs.serverHello.serverShare.group != 0 {
		c.sendAlert(alertDecodeError)
		return tlserrors.New("tls: received malformed key_share extension").AtError()
	}

	// If the server sent a key_share extension selecting a group, ensure it's
	// a group we advertised but did not send a key share for, and send a key
	// share for it this time.
	if curveID := hs.serverHello.selectedGroup; curveID != 0 {
		if !c.config.supportsCurve(curveID) {
			c.sendAlert(alertIllegalParameter)
			return tlserrors.New("tls: server selected unsupported group").AtError()
		}
		if hs.keyShareKeys.curveID == curveID {
			c.sendAlert(alertIllegalParameter)
			return tlserrors.New("tls: server sent an unnecessary HelloRetryRequest message").AtError()
		}
		key, err := generateECDHEKey(c.config.rand(), curveID)
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
		hs.keyShareKeys = &keySharePrivateKeys{curveID: curveID, ecdhe: key}
		hs.hello.keyShares = []keyShare{{group: curveID, data: key.PublicKey().Bytes()}}
	} else if len(hs.serverHello.cookie) == 0 {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server sent an unnecessary HelloRetryRequest message").AtError()
	}

	// A client offering 0-RTT abandons it on HelloRetryRequest; the server
	// could not have accepted it. RFC 8446, Section 4.1.4. The second
	// ClientHello goes out in cleartext, so the early traffic keys are
	// discarded too.
	if hs.hello.earlyData {
		hs.hello.earlyData = false
		c.earlyData = nil
	}
	if hs.sentEarlyData {
		c.out.Lock()
		c.out.clearCipher()
		c.out.Unlock()
		hs.sentEarlyData = false
	}

	if len(hs.hello.pskIdentities) > 0 {
		pskSuite := cipherSuiteTLS13ByID(hs.session.cipherSuite)
		if pskSuite == nil {
			c.sendAlert(alertInternalError)
			return tlserrors.New("tls: internal error: unknown session cipher suite").AtError()
		}
		if pskSuite.hash == hs.suite.hash {
			// Update binders and obfuscated_ticket_age.
			ticketAge := c.config.time().Sub(time.Unix(int64(hs.session.createdAt), 0))
			hs.hello.pskIdentities[0].obfuscatedTicketAge = uint32(ticketAge/time.Millisecond) + hs.session.ageAdd

			binders, err := computePSKBinders(hs.hello, hs.suite, hs.binderKey, hs.transcript)
			if err != nil {
				c.sendAlert(alertInternalError)
				return err
			}
			if err := hs.hello.updateBinders(binders); err != nil {
				c.sendAlert(alertInternalError)
				return err
			}
		} else {
			// Server selected a cipher suite incompatible with the PSK.
			hs.hello.pskIdentities = nil
			hs.hello.pskBinders = nil
		}
	}

	if _, err := c.writeHandshakeRecord(hs.hello, hs.transcript); err != nil {
		return err
	}

	// The client reads the next handshake record in cleartext again; a
	// rejected 0-RTT offer means the early keys never see the read side.
	msg, err := c.readHandshake(nil)
	if err != nil {
		return err
	}
	serverHello, ok := msg.(*serverHelloMsg)
	if !ok {
		c.sendAlert(alertUnexpectedMessage)
		return unexpectedMessageError(serverHello, msg)
	}
	hs.serverHello = serverHello

	if err := hs.checkServerHelloOrHRR(); err != nil {
		return err
	}
	return nil
}

func (hs *clientHandshakeStateTLS13) processServerHello() error {
	c := hs.c

	if hs.serverHello.isHelloRetryRequest() {
		c.sendAlert(alertUnexpectedMessage)
		return tlserrors.New("tls: server sent two HelloRetryRequest messages").AtError()
	}

	if len(hs.serverHello.cookie) != 0 {
		c.sendAlert(alertUnsupportedExtension)
		return tlserrors.New("tls: server sent a cookie in a normal ServerHello").AtError()
	}

	if hs.serverHello.selectedGroup != 0 {
		c.sendAlert(alertDecodeError)
		return tlserrors.New("tls: malformed key_share extension").AtError()
	}

	if hs.serverHello.serverShare.group == 0 {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server did not send a key share").AtError()
	}
	if hs.serverHello.serverShare.group != hs.keyShareKeys.curveID {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server selected unsupported group").AtError()
	}

	if !hs.serverHello.selectedIdentityPresent {
		return nil
	}

	if int(hs.serverHello.selectedIdentity) >= len(hs.hello.pskIdentities) {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server selected an invalid PSK").AtError()
	}

	if len(hs.hello.pskIdentities) != 1 || hs.session == nil {
		return tlserrors.New("tls: internal error: unexpected PSK identity count").AtError()
	}
	pskSuite := cipherSuiteTLS13ByID(hs.session.cipherSuite)
	if pskSuite == nil {
		c.sendAlert(alertInternalError)
		return tlserrors.New("tls: internal error: unknown session cipher suite").AtError()
	}
	if pskSuite.hash != hs.suite.hash {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server selected an invalid PSK and cipher suite pair").AtError()
	}

	hs.usingPSK = true
	c.didResume = true
	return nil
}

func (hs *clientHandshakeStateTLS13) establishHandshakeKeys() error {
	c := hs.c

	peerKey, err := hs.keyShareKeys.ecdhe.Curve().NewPublicKey(hs.serverHello.serverShare.data)
	if err != nil {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: invalid server key share").Base(err).AtError()
	}
	sharedKey, err := hs.keyShareKeys.ecdhe.ECDH(peerKey)
	if err != nil {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: invalid server key share").Base(err).AtError()
	}

	earlySecret := hs.earlySecret
	if !hs.usingPSK {
		earlySecret, err = tls13.NewEarlySecret(hs.suite.hash.New, nil)
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
	}

	handshakeSecret, err := earlySecret.HandshakeSecret(sharedKey)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	clientSecret, err := handshakeSecret.ClientHandshakeTrafficSecret(hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	serverSecret, err := handshakeSecret.ServerHandshakeTrafficSecret(hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	hs.clientHsSecret = clientSecret
	hs.serverHsSecret = serverSecret

	if err := c.in.setTrafficSecret(hs.suite, serverSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	if !hs.sentEarlyData {
		// With 0-RTT in flight the write side stays on the early keys until
		// EndOfEarlyData; otherwise it moves to the handshake keys now.
		c.out.Lock()
		err := c.out.setTrafficSecret(hs.suite, clientSecret)
		c.out.Unlock()
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
	}

	if err := c.config.writeKeyLog(keyLogLabelClientHandshake, hs.hello.random, clientSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	if err := c.config.writeKeyLog(keyLogLabelServerHandshake, hs.hello.random, serverSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	hs.masterSecret, err = handshakeSecret.MasterSecret()
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	return nil
}

func (hs *clientHandshakeStateTLS13) readServerParameters() error {
	c := hs.c

	msg, err := c.readHandshake(hs.transcript)
	if err != nil {
		return err
	}

	encryptedExtensions, ok := msg.(*encryptedExtensionsMsg)
	if !ok {
		c.sendAlert(alertUnexpectedMessage)
		return unexpectedMessageError(encryptedExtensions, msg)
	}

	if err := checkALPN(hs.hello.alpnProtocols, encryptedExtensions.alpnProtocol); err != nil {
		c.sendAlert(alertUnsupportedExtension)
		return err
	}
	c.negotiatedProtocol = encryptedExtensions.alpnProtocol

	if encryptedExtensions.earlyData {
		if !hs.sentEarlyData {
			c.sendAlert(alertUnsupportedExtension)
			return tlserrors.New("tls: server accepted 0-RTT that was not offered").AtError()
		}
		c.earlyDataAccepted = true
	} else if hs.sentEarlyData {
		// Rejected: the staged data is discarded; the caller may resend it
		// over the established connection.
		c.earlyData = nil
	}

	if encryptedExtensions.recordSizeLimit > 0 {
		c.out.Lock()
		c.out.recordSizeLimit = int(encryptedExtensions.recordSizeLimit)
		c.out.Unlock()
	}

	if encryptedExtensions.hasQUICTransportParameters {
		params, err := parseTransportParameters(encryptedExtensions.quicTransportParameters)
		if err != nil {
			c.sendAlert(alertDecodeError)
			return err
		}
		c.peerTransportParams = params
	}

	return nil
}

// checkALPN ensures the server's choice was one the client offered.
func checkALPN(clientProtos []string, serverProto string) error {
	if serverProto == "" {
		return nil
	}
	if len(clientProtos) == 0 {
		return tlserrors.New("tls: server advertised unrequested ALPN extension").AtError()
	}
	for _, proto := range clientProtos {
		if proto == serverProto {
			return nil
		}
	}
	return tlserrors.New("tls: server selected unadvertised ALPN protocol").AtError()
}

func (hs *clientHandshakeStateTLS13) readServerCertificate() error {
	c := hs.c

	// Either a PSK or a certificate, but not both.
	// See RFC 8446, Section 4.1.1.
	if hs.usingPSK {
		return nil
	}

	msg, err := c.readHandshake(hs.transcript)
	if err != nil {
		return err
	}

	certReq, ok := msg.(*certificateRequestMsg)
	if ok {
		hs.certReq = certReq

		msg, err = c.readHandshake(hs.transcript)
		if err != nil {
			return err
		}
	}

	var certMsg *certificateMsg
	if compMsg, ok := msg.(*compressedCertificateMsg); ok {
		advertised := false
		for _, alg := range c.config.CertCompressionAlgs {
			if uint16(alg) == compMsg.algorithm {
				advertised = true
			}
		}
		if !advertised {
			c.sendAlert(alertBadCertificate)
			return tlserrors.New("tls: server used unadvertised compression algorithm ", compMsg.algorithm).AtError()
		}
		certMsg, err = decompressCertificateMsg(compMsg)
		if err != nil {
			c.sendAlert(alertBadCertificate)
			return err
		}
	} else if certMsg, ok = msg.(*certificateMsg); !ok {
		c.sendAlert(alertUnexpectedMessage)
		return unexpectedMessageError(certMsg, msg)
	}
	if len(certMsg.certificates) == 0 {
		c.sendAlert(alertDecodeError)
		return tlserrors.New("tls: received empty certificates message").AtError()
	}
	if len(certMsg.certificateRequestContext) != 0 {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: server certificate carried a non-empty request context").AtError()
	}

	if err := c.verifyServerCertificate(certMsg.certificates); err != nil {
		return err
	}

	// certificateVerifyMsg is included in the transcript, but not until
	// after we verify the handshake signature, since the state before this
	// message was sent is used.
	msg, err = c.readHandshake(nil)
	if err != nil {
		return err
	}

	certVerify, ok := msg.(*certificateVerifyMsg)
	if !ok {
		c.sendAlert(alertUnexpectedMessage)
		return unexpectedMessageError(certVerify, msg)
	}

	// See RFC 8446, Section 4.4.3.
	if !isSupportedSignatureAlgorithm(certVerify.signatureAlgorithm, supportedSignatureAlgorithms) {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: certificate used with invalid signature algorithm").AtError()
	}
	sigType, sigHash, err := typeAndHashFromSignatureScheme(certVerify.signatureAlgorithm)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	signed := signedMessage(sigHash, serverSignatureContext, hs.transcript)
	if err := verifyHandshakeSignature(sigType, c.peerCertificates[0].PublicKey,
		sigHash, signed, certVerify.signature); err != nil {
		c.sendAlert(alertDecryptError)
		return tlserrors.New("tls: invalid signature by the server certificate").Base(err).AtError()
	}

	if err := transcriptMsg(certVerify, hs.transcript); err != nil {
		return err
	}

	return nil
}

// verifyServerCertificate parses and verifies the peer chain, then runs the
// caller's hook.
func (c *Conn) verifyServerCertificate(certificates [][]byte) error {
	certs := make([]*x509.Certificate, len(certificates))
	for i, asn1Data := range certificates {
		cert, err := x509.ParseCertificate(asn1Data)
		if err != nil {
			c.sendAlert(alertDecodeError)
			return tlserrors.New("tls: failed to parse certificate from server").Base(err).AtError()
		}
		certs[i] = cert
	}

	if !c.config.InsecureSkipVerify {
		opts := x509.VerifyOptions{
			Roots:         c.config.RootCAs,
			CurrentTime:   c.config.time(),
			DNSName:       c.config.ServerName,
			Intermediates: x509.NewCertPool(),
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		chains, err := certs[0].Verify(opts)
		if err != nil {
			c.sendAlert(alertBadCertificate)
			return tlserrors.New("tls: failed to verify certificate").Base(err).AtError()
		}
		c.verifiedChains = chains
	}

	c.peerCertificates = certs

	if c.config.VerifyPeerCertificate != nil {
		if err := c.config.VerifyPeerCertificate(certificates, c.verifiedChains); err != nil {
			c.sendAlert(alertBadCertificate)
			return err
		}
	}

	return nil
}

func (hs *clientHandshakeStateTLS13) readServerFinished() error {
	c := hs.c

	// See RFC 8446, sections 4.4.4 and 4.4.
	msg, err := c.readHandshake(nil)
	if err != nil {
		return err
	}

	finished, ok := msg.(*finishedMsg)
	if !ok {
		c.sendAlert(alertUnexpectedMessage)
		return unexpectedMessageError(finished, msg)
	}

	expectedMAC, err := hs.suite.finishedHash(hs.serverHsSecret, hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	if !hmac.Equal(expectedMAC, finished.verifyData) {
		c.sendAlert(alertDecryptError)
		return tlserrors.New("tls: invalid server finished hash").AtError()
	}

	if err := transcriptMsg(finished, hs.transcript); err != nil {
		return err
	}

	// Derive secrets that take context through the server Finished.
	serverSecret, err := hs.masterSecret.ServerApplicationTrafficSecret(hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	hs.trafficSecret, err = hs.masterSecret.ClientApplicationTrafficSecret(hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	if err := c.in.setTrafficSecret(hs.suite, serverSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	if err := c.config.writeKeyLog(keyLogLabelClientTraffic, hs.hello.random, hs.trafficSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	if err := c.config.writeKeyLog(keyLogLabelServerTraffic, hs.hello.random, serverSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	c.ekm, c.exporterSecret = hs.suite.exportKeyingMaterial(hs.masterSecret, hs.transcript)
	if c.exporterSecret != nil {
		if err := c.config.writeKeyLog(keyLogLabelExporterSecret, hs.hello.random, c.exporterSecret); err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
	}

	return nil
}

// sendEndOfEarlyData closes the 0-RTT stream when the server accepted it and
// moves the write side onto the handshake keys.
func (hs *clientHandshakeStateTLS13) sendEndOfEarlyData() error {
	c := hs.c

	if !hs.sentEarlyData {
		return nil
	}

	if c.earlyDataAccepted {
		// EndOfEarlyData is the last record under the early traffic keys.
		// RFC 8446, Section 4.5.
		eoed := new(endOfEarlyDataMsg)
		if _, err := c.writeHandshakeRecord(eoed, hs.transcript); err != nil {
			return err
		}
	}

	c.out.Lock()
	err := c.out.setTrafficSecret(hs.suite, hs.clientHsSecret)
	c.out.Unlock()
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	return nil
}

func (hs *clientHandshakeStateTLS13) sendClientCertificate() error {
	c := hs.c

	if hs.certReq == nil {
		return nil
	}

	certMsg := new(certificateMsg)
	certMsg.certificateRequestContext = hs.certReq.certificateRequestContext

	var cert *Certificate
	if len(c.config.Certificates) > 0 {
		cert = &c.config.Certificates[0]
		certMsg.certificates = cert.Certificate
	}

	if _, err := c.writeHandshakeRecord(certMsg, hs.transcript); err != nil {
		return err
	}

	// An empty certificate message answers the request without
	// authenticating; the server decides whether that is acceptable.
	if cert == nil || len(cert.Certificate) == 0 {
		return nil
	}

	scheme, err := selectSignatureScheme(cert, hs.certReq.supportedSignatureAlgorithms)
	if err != nil {
		c.sendAlert(alertHandshakeFailure)
		return err
	}

	certVerifyMsg, err := signCertificateVerify(c, cert, scheme, clientSignatureContext, hs.transcript)
	if err != nil {
		return err
	}
	if _, err := c.writeHandshakeRecord(certVerifyMsg, hs.transcript); err != nil {
		return err
	}

	return nil
}

// signCertificateVerify produces a CertificateVerify message over the current
// transcript with the certificate's signer.
func signCertificateVerify(c *Conn, cert *Certificate, scheme SignatureScheme, sigContext string, transcript hash.Hash) (*certificateVerifyMsg, error) {
	sigType, sigHash, err := typeAndHashFromSignatureScheme(scheme)
	if err != nil {
		c.sendAlert(alertInternalError)
		return nil, err
	}

	signed := signedMessage(sigHash, sigContext, transcript)
	signOpts := crypto.SignerOpts(sigHash)
	if sigType == signatureRSAPSS {
		signOpts = &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: sigHash}
	}
	signer, ok := cert.PrivateKey.(crypto.Signer)
	if !ok {
		c.sendAlert(alertInternalError)
		return nil, tlserrors.New("tls: certificate private key does not implement crypto.Signer").AtError()
	}
	sig, err := signer.Sign(c.config.rand(), signed, signOpts)
	if err != nil {
		c.sendAlert(alertInternalError)
		return nil, tlserrors.New("tls: failed to sign handshake").Base(err).AtError()
	}

	return &certificateVerifyMsg{
		signatureAlgorithm: scheme,
		signature:          sig,
	}, nil
}

func (hs *clientHandshakeStateTLS13) sendClientFinished() error {
	c := hs.c

	verifyData, err := hs.suite.finishedHash(hs.clientHsSecret, hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	finished := &finishedMsg{
		verifyData: verifyData,
	}

	if _, err := c.writeHandshakeRecord(finished, hs.transcript); err != nil {
		return err
	}

	c.out.Lock()
	err = c.out.setTrafficSecret(hs.suite, hs.trafficSecret)
	c.out.Unlock()
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	if !c.config.SessionTicketsDisabled && c.config.ClientSessionCache != nil {
		c.resumptionSecret, err = hs.masterSecret.ResumptionMasterSecret(hs.transcript)
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
	}

	return nil
}

// handleNewSessionTicket turns a NewSessionTicket into a cached session.
// RFC 8446, Section 4.6.1.
func (c *Conn) handleNewSessionTicket(msg *newSessionTicketMsg) error {
	if !c.isClient {
		c.sendAlert(alertUnexpectedMessage)
		return tlserrors.New("tls: received new session ticket from a client").AtError()
	}

	if c.config.SessionTicketsDisabled || c.config.ClientSessionCache == nil {
		return nil
	}

	// A ticket lifetime of zero indicates the ticket should not be cached.
	// RFC 8446, Section 4.6.1.
	if msg.lifetime == 0 {
		return nil
	}
	lifetime := time.Duration(msg.lifetime) * time.Second
	if lifetime > maxSessionTicketLifetime {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: received a session ticket with invalid lifetime").AtError()
	}

	suite := cipherSuiteTLS13ByID(c.cipherSuite)
	if suite == nil || c.resumptionSecret == nil {
		return tlserrors.New("tls: internal error: session ticket keys unavailable").AtError()
	}

	psk, err := tls13.ExpandLabel(suite.hash.New, c.resumptionSecret, "resumption",
		msg.nonce, suite.hash.Size())
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	now := c.config.time()
	session := &SessionState{
		version:      VersionTLS13,
		cipherSuite:  c.cipherSuite,
		createdAt:    uint64(now.Unix()),
		secret:       psk,
		alpnProtocol: c.negotiatedProtocol,
		maxEarlyData: msg.maxEarlyData,
		ticket:       msg.label,
		ageAdd:       msg.ageAdd,
		useBy:        uint64(now.Add(lifetime).Unix()),
	}

	cacheKey := c.clientSessionCacheKey()
	if cacheKey != "" {
		c.config.ClientSessionCache.Put(cacheKey, session)
	}

	return nil
}
