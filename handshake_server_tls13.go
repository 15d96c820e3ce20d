package tls13

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/x509"
	"hash"
	"io"
	"time"

	tlserrors "github.com/lodestone-net/tls13/errors"
	"github.com/lodestone-net/tls13/internal/tls13"
)

// maxClientPSKIdentities is the number of client PSK identities the server
// will attempt to validate. A modest cap keeps ticket decryption from being
// an amplification vector.
const maxClientPSKIdentities = 5

type serverHandshakeStateTLS13 struct {
	c           *Conn
	ctx         context.Context
	clientHello *clientHelloMsg
	hello       *serverHelloMsg

	sentDummyCCS        bool
	usingPSK            bool
	earlyData           bool
	requestedClientCert bool
	retriedHRR          bool

	suite         *cipherSuiteTLS13
	cert          *Certificate
	sigAlg        SignatureScheme
	selectedGroup CurveID
	sharedKey     []byte

	earlySecret        *tls13.EarlySecret
	earlyTrafficSecret []byte
	handshakeSecret    *tls13.HandshakeSecret
	masterSecret       *tls13.MasterSecret
	clientHsSecret     []byte
	serverHsSecret     []byte
	trafficSecret      []byte // client_application_traffic_secret_0

	sessionState     *SessionState
	selectedIdentity uint16

	transcript hash.Hash
}

func (c *Conn) serverHandshake(ctx context.Context) error {
	if c.config == nil {
		return tlserrors.New("tls: server requires a non-nil Config").AtError()
	}
	if len(c.config.Certificates) == 0 && c.config.GetCertificate == nil {
		return errNoCertificates
	}

	msg, err := c.readHandshake(nil)
	if err != nil {
		return err
	}
	clientHello, ok := msg.(*clientHelloMsg)
	if !ok {
		c.sendAlert(alertUnexpectedMessage)
		return unexpectedMessageError(clientHello, msg)
	}

	hs := &serverHandshakeStateTLS13{
		c:           c,
		ctx:         ctx,
		clientHello: clientHello,
	}
	return hs.handshake()
}

func (hs *serverHandshakeStateTLS13) handshake() error {
	c := hs.c

	// For an overview of the TLS 1.3 handshake, see RFC 8446, Section 2.
	if err := hs.processClientHello(); err != nil {
		return err
	}
	if err := hs.checkForResumption(); err != nil {
		return err
	}
	if err := hs.pickCertificate(); err != nil {
		return err
	}
	c.buffering = true
	if err := hs.sendServerParameters(); err != nil {
		return err
	}
	if err := hs.sendServerCertificate(); err != nil {
		return err
	}
	if err := hs.sendServerFinished(); err != nil {
		return err
	}
	// Note that at this point we could start sending application data without
	// waiting for the client's second flight, but the implementation keeps
	// the simpler strict ordering.
	if _, err := c.flush(); err != nil {
		return err
	}
	if err := hs.readClientEarlyData(); err != nil {
		return err
	}
	if err := hs.readClientCertificate(); err != nil {
		return err
	}
	if err := hs.readClientFinished(); err != nil {
		return err
	}
	if err := hs.sendSessionTickets(); err != nil {
		return err
	}

	c.isHandshakeComplete.Store(true)

	return nil
}

func (hs *serverHandshakeStateTLS13) processClientHello() error {
	c := hs.c

	// Version negotiation: TLS 1.3 is signaled in supported_versions only.
	// RFC 8446, Section 4.2.1.
	supports13 := false
	for _, v := range hs.clientHello.supportedVersions {
		if v == VersionTLS13 {
			supports13 = true
		}
	}
	if !supports13 {
		c.sendAlert(alertProtocolVersion)
		return tlserrors.New("tls: client does not support TLS 1.3").AtError()
	}
	if hs.clientHello.vers != VersionTLS12 && hs.clientHello.vers != 0x0301 {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: client sent an invalid legacy version").AtError()
	}
	c.vers = VersionTLS13

	if len(hs.clientHello.compressionMethods) != 1 ||
		hs.clientHello.compressionMethods[0] != 0 {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: TLS 1.3 client supports illegal compression methods").AtError()
	}

	if len(hs.clientHello.keyShares) == 0 && len(hs.clientHello.supportedCurves) == 0 {
		c.sendAlert(alertMissingExtension)
		return tlserrors.New("tls: client did not send any key exchange groups").AtError()
	}

	// The server picks the first mutually supported cipher suite in its own
	// preference order.
	for _, suiteID := range c.config.cipherSuites() {
		if hs.suite = mutualCipherSuiteTLS13(hs.clientHello.cipherSuites, suiteID); hs.suite != nil {
			break
		}
	}
	if hs.suite == nil {
		c.sendAlert(alertHandshakeFailure)
		return tlserrors.New("tls: no cipher suite supported by both client and server").AtError()
	}
	c.cipherSuite = hs.suite.id
	c.clientRandom = hs.clientHello.random
	hs.transcript = hs.suite.hash.New()

	// Group selection, in the server's preference order.
	for _, preferred := range c.config.curvePreferences() {
		for _, offered := range hs.clientHello.supportedCurves {
			if offered == preferred {
				hs.selectedGroup = preferred
				break
			}
		}
		if hs.selectedGroup != 0 {
			break
		}
	}
	if hs.selectedGroup == 0 {
		c.sendAlert(alertHandshakeFailure)
		return tlserrors.New("tls: no key exchange group supported by both client and server").AtError()
	}

	if clientKeyShare := findKeyShare(hs.clientHello.keyShares, hs.selectedGroup); clientKeyShare == nil {
		// The chosen group has no key share: ask the client to retry with
		// one, exactly once per connection. RFC 8446, Section 4.1.4.
		if err := hs.doHelloRetryRequest(); err != nil {
			return err
		}
	}

	clientKeyShare := findKeyShare(hs.clientHello.keyShares, hs.selectedGroup)
	if clientKeyShare == nil {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: client did not send a key share for the selected group").AtError()
	}

	key, err := generateECDHEKey(c.config.rand(), hs.selectedGroup)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	peerKey, err := key.Curve().NewPublicKey(clientKeyShare.data)
	if err != nil {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: invalid client key share").Base(err).AtError()
	}
	hs.sharedKey, err = key.ECDH(peerKey)
	if err != nil {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: invalid client key share").Base(err).AtError()
	}

	hs.hello = &serverHelloMsg{
		vers:              VersionTLS12,
		random:            make([]byte, 32),
		sessionId:         hs.clientHello.sessionId,
		cipherSuite:       hs.suite.id,
		compressionMethod: 0,
		supportedVersion:  VersionTLS13,
		serverShare:       keyShare{group: hs.selectedGroup, data: key.PublicKey().Bytes()},
	}
	if _, err := io.ReadFull(c.config.rand(), hs.hello.random); err != nil {
		c.sendAlert(alertInternalError)
		return tlserrors.New("tls: short read from Rand").Base(err).AtError()
	}

	c.serverName = hs.clientHello.serverName
	return nil
}

func findKeyShare(shares []keyShare, group CurveID) *keyShare {
	for i := range shares {
		if shares[i].group == group {
			return &shares[i]
		}
	}
	return nil
}

// doHelloRetryRequest emits the HRR for hs.selectedGroup and reads the second
// ClientHello into hs.clientHello.
func (hs *serverHandshakeStateTLS13) doHelloRetryRequest() error {
	c := hs.c

	// The first ClientHello is replaced by its message_hash in the
	// transcript. The wire bytes are hashed, not a re-marshal: the client may
	// have sent GREASE extensions this side never re-encodes.
	// RFC 8446, Section 4.4.1.
	hs.transcript.Write(hs.clientHello.original)
	substituteMessageHash(hs.transcript)

	helloRetryRequest := &serverHelloMsg{
		vers:              VersionTLS12,
		random:            helloRetryRequestRandom,
		sessionId:         hs.clientHello.sessionId,
		cipherSuite:       hs.suite.id,
		compressionMethod: 0,
		supportedVersion:  VersionTLS13,
		selectedGroup:     hs.selectedGroup,
	}

	if _, err := c.writeHandshakeRecord(helloRetryRequest, hs.transcript); err != nil {
		return err
	}
	if err := hs.sendDummyChangeCipherSpec(); err != nil {
		return err
	}
	if _, err := c.flush(); err != nil {
		return err
	}

	if hs.clientHello.earlyData {
		// Any 0-RTT records already in flight were implicitly rejected by
		// the retry; skip them while waiting for the second ClientHello.
		c.skippingEarlyData = true
		c.earlyDataBudget = maxPlaintext + 256 + int(c.config.MaxEarlyData)
	}

	msg, err := c.readHandshake(nil)
	if err != nil {
		return err
	}
	clientHello, ok := msg.(*clientHelloMsg)
	if !ok {
		c.sendAlert(alertUnexpectedMessage)
		return unexpectedMessageError(clientHello, msg)
	}

	if len(clientHello.keyShares) != 1 ||
		clientHello.keyShares[0].group != hs.selectedGroup {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: client sent invalid key share in second ClientHello").AtError()
	}
	if clientHello.earlyData {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: client indicated early data in second ClientHello").AtError()
	}
	if illegalClientHelloChange(clientHello, hs.clientHello) {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: client illegally modified second ClientHello").AtError()
	}

	hs.clientHello = clientHello
	hs.retriedHRR = true
	return nil
}

// illegalClientHelloChange reports whether the two ClientHello messages are
// different, with the exception of the changes a second ClientHello is
// allowed to make. RFC 8446, Section 4.1.2.
func illegalClientHelloChange(ch, ch1 *clientHelloMsg) bool {
	if len(ch.supportedVersions) != len(ch1.supportedVersions) ||
		len(ch.cipherSuites) != len(ch1.cipherSuites) ||
		len(ch.supportedCurves) != len(ch1.supportedCurves) ||
		len(ch.supportedSignatureAlgorithms) != len(ch1.supportedSignatureAlgorithms) ||
		len(ch.alpnProtocols) != len(ch1.alpnProtocols) {
		return true
	}
	for i := range ch.supportedVersions {
		if ch.supportedVersions[i] != ch1.supportedVersions[i] {
			return true
		}
	}
	for i := range ch.cipherSuites {
		if ch.cipherSuites[i] != ch1.cipherSuites[i] {
			return true
		}
	}
	for i := range ch.supportedCurves {
		if ch.supportedCurves[i] != ch1.supportedCurves[i] {
			return true
		}
	}
	for i := range ch.supportedSignatureAlgorithms {
		if ch.supportedSignatureAlgorithms[i] != ch1.supportedSignatureAlgorithms[i] {
			return true
		}
	}
	for i := range ch.alpnProtocols {
		if ch.alpnProtocols[i] != ch1.alpnProtocols[i] {
			return true
		}
	}
	return ch.vers != ch1.vers ||
		!bytes.Equal(ch.random, ch1.random) ||
		!bytes.Equal(ch.sessionId, ch1.sessionId) ||
		!bytes.Equal(ch.compressionMethods, ch1.compressionMethods) ||
		ch.serverName != ch1.serverName
}

func (hs *serverHandshakeStateTLS13) checkForResumption() error {
	c := hs.c

	if c.config.SessionTicketsDisabled {
		return nil
	}

	modeOK := false
	for _, mode := range hs.clientHello.pskModes {
		if mode == pskModeDHE {
			modeOK = true
			break
		}
	}
	if !modeOK || len(hs.clientHello.pskIdentities) == 0 {
		return nil
	}

	if len(hs.clientHello.pskIdentities) != len(hs.clientHello.pskBinders) {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: mismatched PSK identity and binder counts").AtError()
	}

	for i, identity := range hs.clientHello.pskIdentities {
		if i >= maxClientPSKIdentities {
			break
		}

		plaintext := c.config.decryptTicket(identity.label)
		if plaintext == nil {
			continue
		}
		sessionState, err := ParseSessionState(plaintext)
		if err != nil {
			continue
		}

		createdAt := time.Unix(int64(sessionState.createdAt), 0)
		now := c.config.time()
		if now.Sub(createdAt) > maxSessionTicketLifetime {
			continue
		}

		pskSuite := cipherSuiteTLS13ByID(sessionState.cipherSuite)
		if pskSuite == nil || pskSuite.hash != hs.suite.hash {
			continue
		}

		earlySecret, err := tls13.NewEarlySecret(hs.suite.hash.New, sessionState.secret)
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
		binderKey, err := earlySecret.ResumptionBinderKey()
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}

		// The binder covers the ClientHello truncated just before the
		// binders list, in the context of the running transcript (which
		// after an HRR already holds message_hash and the retry request).
		// RFC 8446, Section 4.2.11.2.
		binderTranscript := cloneHash(hs.transcript, hs.suite.hash)
		if binderTranscript == nil {
			c.sendAlert(alertInternalError)
			return tlserrors.New("tls: internal error: failed to clone hash").AtError()
		}
		truncated, err := truncatedClientHello(hs.clientHello)
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
		binderTranscript.Write(truncated)
		expectedBinder, err := hs.suite.finishedHash(binderKey, binderTranscript)
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
		if !hmac.Equal(expectedBinder, hs.clientHello.pskBinders[i]) {
			c.sendAlert(alertDecryptError)
			return tlserrors.New("tls: invalid PSK binder").AtError()
		}

		hs.earlySecret = earlySecret
		hs.sessionState = sessionState
		hs.selectedIdentity = uint16(i)
		hs.usingPSK = true
		c.didResume = true

		if i == 0 && hs.clientHello.earlyData && !hs.retriedHRR &&
			c.config.MaxEarlyData > 0 && sessionState.maxEarlyData > 0 &&
			sessionState.alpnProtocol == alpnForEarlyData(c.config.NextProtos, hs.clientHello.alpnProtocols) &&
			hs.freshEnoughForEarlyData(identity, createdAt, now) {
			hs.earlyData = true
		}
		break
	}

	return nil
}

// alpnForEarlyData predicts the protocol this connection will negotiate, for
// comparison with the one bound into the ticket. 0-RTT must not change the
// application protocol. RFC 8446, Section 4.2.10.
func alpnForEarlyData(serverProtos, clientProtos []string) string {
	proto, err := negotiateALPN(serverProtos, clientProtos)
	if err != nil {
		return "\x00invalid"
	}
	return proto
}

// freshEnoughForEarlyData applies the obfuscated_ticket_age freshness check
// and the anti-replay strike register. RFC 8446, Section 8.
func (hs *serverHandshakeStateTLS13) freshEnoughForEarlyData(identity pskIdentity, createdAt, now time.Time) bool {
	c := hs.c

	ticketAge := time.Duration(identity.obfuscatedTicketAge-hs.sessionState.ageAdd) * time.Millisecond
	serverAge := now.Sub(createdAt)
	skew := ticketAge - serverAge
	if skew < -defaultReplayWindow || skew > defaultReplayWindow {
		return false
	}

	var ageKey [4]byte
	ageKey[0] = byte(identity.obfuscatedTicketAge >> 24)
	ageKey[1] = byte(identity.obfuscatedTicketAge >> 16)
	ageKey[2] = byte(identity.obfuscatedTicketAge >> 8)
	ageKey[3] = byte(identity.obfuscatedTicketAge)
	key := string(identity.label) + string(ageKey[:])
	return c.config.strikes().firstUse(key, now)
}

// truncatedClientHello returns the ClientHello bytes up to the binders list,
// working from the wire bytes when the message was decoded.
func truncatedClientHello(m *clientHelloMsg) ([]byte, error) {
	bindersLen := 2
	for _, binder := range m.pskBinders {
		bindersLen += 1 + len(binder)
	}
	if m.original != nil {
		if len(m.original) < bindersLen {
			return nil, tlserrors.New("tls: internal error: ClientHello shorter than binders").AtError()
		}
		return m.original[:len(m.original)-bindersLen], nil
	}
	return m.marshalWithoutBinders()
}

func (hs *serverHandshakeStateTLS13) pickCertificate() error {
	c := hs.c

	// Only one of PSK and certificates are used at a time.
	// See RFC 8446, Section 4.1.1.
	if hs.usingPSK {
		return nil
	}

	// signature_algorithms is required in certificate-based handshakes.
	// RFC 8446, Section 4.2.3.
	if len(hs.clientHello.supportedSignatureAlgorithms) == 0 {
		c.sendAlert(alertMissingExtension)
		return tlserrors.New("tls: client did not send signature algorithms").AtError()
	}

	certificate, err := c.config.getCertificate(clientHelloInfo(hs.clientHello))
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	hs.sigAlg, err = selectSignatureScheme(certificate, hs.clientHello.supportedSignatureAlgorithms)
	if err != nil {
		// getCertificate returned a certificate incompatible with the
		// client's signature algorithms.
		c.sendAlert(alertHandshakeFailure)
		return err
	}
	hs.cert = certificate

	return nil
}

func clientHelloInfo(hello *clientHelloMsg) *ClientHelloInfo {
	return &ClientHelloInfo{
		CipherSuites:      hello.cipherSuites,
		ServerName:        hello.serverName,
		SupportedCurves:   hello.supportedCurves,
		SignatureSchemes:  hello.supportedSignatureAlgorithms,
		SupportedProtos:   hello.alpnProtocols,
		SupportedVersions: hello.supportedVersions,
	}
}

// sendDummyChangeCipherSpec sends a ChangeCipherSpec record for middlebox
// compatibility, at most once.
func (hs *serverHandshakeStateTLS13) sendDummyChangeCipherSpec() error {
	if hs.sentDummyCCS {
		return nil
	}
	hs.sentDummyCCS = true

	return hs.c.writeChangeCipherRecord()
}

// negotiateALPN picks a mutual application protocol, preferring the server's
// order. RFC 7301, Section 3.2.
func negotiateALPN(serverProtos, clientProtos []string) (string, error) {
	if len(serverProtos) == 0 || len(clientProtos) == 0 {
		return "", nil
	}
	for _, s := range serverProtos {
		for _, c := range clientProtos {
			if s == c {
				return s, nil
			}
		}
	}
	return "", tlserrors.New("tls: client requested unsupported application protocols (", clientProtos, ")").AtError()
}

func (hs *serverHandshakeStateTLS13) sendServerParameters() error {
	c := hs.c

	// Hash the ClientHello as it appeared on the wire.
	hs.transcript.Write(hs.clientHello.original)

	// The early traffic secret takes the transcript through the ClientHello
	// only; snapshot it before the ServerHello lands.
	if hs.earlyData {
		chTranscript := cloneHash(hs.transcript, hs.suite.hash)
		if chTranscript == nil {
			c.sendAlert(alertInternalError)
			return tlserrors.New("tls: internal error: failed to clone hash").AtError()
		}
		var err error
		hs.earlyTrafficSecret, err = hs.earlySecret.ClientEarlyTrafficSecret(chTranscript)
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
		if err := c.config.writeKeyLog(keyLogLabelClientEarlyTraffic, hs.clientHello.random, hs.earlyTrafficSecret); err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
	}

	if hs.usingPSK {
		hs.hello.selectedIdentityPresent = true
		hs.hello.selectedIdentity = hs.selectedIdentity
	}

	if _, err := c.writeHandshakeRecord(hs.hello, hs.transcript); err != nil {
		return err
	}
	if err := hs.sendDummyChangeCipherSpec(); err != nil {
		return err
	}

	earlySecret := hs.earlySecret
	if earlySecret == nil {
		var err error
		earlySecret, err = tls13.NewEarlySecret(hs.suite.hash.New, nil)
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
	}
	var err error
	hs.handshakeSecret, err = earlySecret.HandshakeSecret(hs.sharedKey)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	hs.clientHsSecret, err = hs.handshakeSecret.ClientHandshakeTrafficSecret(hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	hs.serverHsSecret, err = hs.handshakeSecret.ServerHandshakeTrafficSecret(hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	c.out.Lock()
	err = c.out.setTrafficSecret(hs.suite, hs.serverHsSecret)
	c.out.Unlock()
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	if err := c.config.writeKeyLog(keyLogLabelClientHandshake, hs.clientHello.random, hs.clientHsSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	if err := c.config.writeKeyLog(keyLogLabelServerHandshake, hs.clientHello.random, hs.serverHsSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	encryptedExtensions := new(encryptedExtensionsMsg)
	selectedProto, err := negotiateALPN(c.config.NextProtos, hs.clientHello.alpnProtocols)
	if err != nil {
		c.sendAlert(alertNoApplicationProtocol)
		return err
	}
	encryptedExtensions.alpnProtocol = selectedProto
	c.negotiatedProtocol = selectedProto

	if hs.earlyData {
		encryptedExtensions.earlyData = true
		c.earlyDataAccepted = true
	}

	if c.config.RecordSizeLimit != 0 {
		encryptedExtensions.recordSizeLimit = c.config.RecordSizeLimit
	}
	if hs.clientHello.recordSizeLimit != 0 {
		c.out.Lock()
		c.out.recordSizeLimit = int(hs.clientHello.recordSizeLimit)
		c.out.Unlock()
	}

	if c.config.QUICTransportParameters != nil && hs.clientHello.hasQUICTransportParameters {
		body, err := c.config.QUICTransportParameters.marshal()
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
		encryptedExtensions.quicTransportParameters = body
		encryptedExtensions.hasQUICTransportParameters = true
	}
	if hs.clientHello.hasQUICTransportParameters {
		params, err := parseTransportParameters(hs.clientHello.quicTransportParameters)
		if err != nil {
			c.sendAlert(alertDecodeError)
			return err
		}
		c.peerTransportParams = params
	}

	if _, err := c.writeHandshakeRecord(encryptedExtensions, hs.transcript); err != nil {
		return err
	}

	// Set up the read side for the client's next records: the early traffic
	// keys when 0-RTT was accepted, the handshake keys otherwise. A client
	// whose 0-RTT offer was rejected still sends records under the early
	// keys; those fail to open and are skipped within the early data budget.
	if hs.earlyData {
		if err := c.in.setTrafficSecret(hs.suite, hs.earlyTrafficSecret); err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
		c.acceptingEarlyData = true
		c.earlyDataBudget = int(c.config.MaxEarlyData)
	} else {
		if err := c.in.setTrafficSecret(hs.suite, hs.clientHsSecret); err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
		if hs.clientHello.earlyData {
			c.skippingEarlyData = true
			c.earlyDataBudget = maxPlaintext + 256 + int(c.config.MaxEarlyData)
		}
	}

	return nil
}

func (hs *serverHandshakeStateTLS13) sendServerCertificate() error {
	c := hs.c

	// Only one of PSK and certificates are used at a time.
	// See RFC 8446, Section 4.1.1.
	if hs.usingPSK {
		return nil
	}

	if c.config.ClientAuth >= RequestClientCert {
		certReq := &certificateRequestMsg{
			supportedSignatureAlgorithms: supportedSignatureAlgorithms,
		}
		if _, err := c.writeHandshakeRecord(certReq, hs.transcript); err != nil {
			return err
		}
		hs.requestedClientCert = true
	}

	certMsg := new(certificateMsg)
	certMsg.certificates = hs.cert.Certificate

	sentCompressed := false
	if alg, ok := mutualCertCompression(c.config.CertCompressionAlgs, hs.clientHello.compressCertAlgs); ok {
		compMsg, err := compressCertificateMsg(certMsg, alg)
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
		if compMsg != nil {
			if _, err := c.writeHandshakeRecord(compMsg, hs.transcript); err != nil {
				return err
			}
			sentCompressed = true
		}
	}
	if !sentCompressed {
		if _, err := c.writeHandshakeRecord(certMsg, hs.transcript); err != nil {
			return err
		}
	}

	certVerifyMsg, err := signCertificateVerify(c, hs.cert, hs.sigAlg, serverSignatureContext, hs.transcript)
	if err != nil {
		return err
	}
	if _, err := c.writeHandshakeRecord(certVerifyMsg, hs.transcript); err != nil {
		return err
	}

	return nil
}

// mutualCertCompression picks the server's most preferred compression
// algorithm the client advertised.
func mutualCertCompression(serverAlgs []CertCompressionAlgo, clientAlgs []uint16) (CertCompressionAlgo, bool) {
	for _, s := range serverAlgs {
		for _, c := range clientAlgs {
			if uint16(s) == c {
				return s, true
			}
		}
	}
	return 0, false
}

func (hs *serverHandshakeStateTLS13) sendServerFinished() error {
	c := hs.c

	verifyData, err := hs.suite.finishedHash(hs.serverHsSecret, hs.transcript)
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

	// Derive secrets that take context through the server Finished.
	hs.masterSecret, err = hs.handshakeSecret.MasterSecret()
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	hs.trafficSecret, err = hs.masterSecret.ClientApplicationTrafficSecret(hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	serverSecret, err := hs.masterSecret.ServerApplicationTrafficSecret(hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	c.out.Lock()
	err = c.out.setTrafficSecret(hs.suite, serverSecret)
	c.out.Unlock()
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	if err := c.config.writeKeyLog(keyLogLabelClientTraffic, hs.clientHello.random, hs.trafficSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	if err := c.config.writeKeyLog(keyLogLabelServerTraffic, hs.clientHello.random, serverSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	c.ekm, c.exporterSecret = hs.suite.exportKeyingMaterial(hs.masterSecret, hs.transcript)
	if c.exporterSecret != nil {
		if err := c.config.writeKeyLog(keyLogLabelExporterSecret, hs.clientHello.random, c.exporterSecret); err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
	}

	return nil
}

// readClientEarlyData consumes the 0-RTT stream through EndOfEarlyData, then
// moves the read side onto the handshake keys. RFC 8446, Section 4.5.
func (hs *serverHandshakeStateTLS13) readClientEarlyData() error {
	c := hs.c

	if !hs.earlyData {
		return nil
	}

	msg, err := c.readHandshake(hs.transcript)
	if err != nil {
		return err
	}
	endOfEarlyData, ok := msg.(*endOfEarlyDataMsg)
	if !ok {
		c.sendAlert(alertUnexpectedMessage)
		return unexpectedMessageError(endOfEarlyData, msg)
	}

	c.acceptingEarlyData = false
	if err := c.in.setTrafficSecret(hs.suite, hs.clientHsSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	return nil
}

func (hs *serverHandshakeStateTLS13) readClientCertificate() error {
	c := hs.c

	if !hs.requestedClientCert {
		return nil
	}

	msg, err := c.readHandshake(hs.transcript)
	if err != nil {
		return err
	}
	certMsg, ok := msg.(*certificateMsg)
	if !ok {
		c.sendAlert(alertUnexpectedMessage)
		return unexpectedMessageError(certMsg, msg)
	}
	if len(certMsg.certificateRequestContext) != 0 {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: client certificate carried an unexpected request context").AtError()
	}

	if len(certMsg.certificates) == 0 {
		// The client answered with an empty list; whether that is fatal is
		// the server's policy call. RFC 8446, Section 4.4.2.4.
		if requiresClientCert(c.config.ClientAuth) {
			c.sendAlert(alertCertificateRequired)
			return tlserrors.New("tls: client didn't provide a certificate").AtError()
		}
		return nil
	}

	if err := c.verifyClientCertificate(certMsg.certificates); err != nil {
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

	if !isSupportedSignatureAlgorithm(certVerify.signatureAlgorithm, supportedSignatureAlgorithms) {
		c.sendAlert(alertIllegalParameter)
		return tlserrors.New("tls: client certificate used with invalid signature algorithm").AtError()
	}
	sigType, sigHash, err := typeAndHashFromSignatureScheme(certVerify.signatureAlgorithm)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	signed := signedMessage(sigHash, clientSignatureContext, hs.transcript)
	if err := verifyHandshakeSignature(sigType, c.peerCertificates[0].PublicKey,
		sigHash, signed, certVerify.signature); err != nil {
		c.sendAlert(alertDecryptError)
		return tlserrors.New("tls: invalid signature by the client certificate").Base(err).AtError()
	}

	if err := transcriptMsg(certVerify, hs.transcript); err != nil {
		return err
	}

	return nil
}

// verifyClientCertificate parses and, when policy demands, verifies the
// client chain against ClientCAs.
func (c *Conn) verifyClientCertificate(certificates [][]byte) error {
	certs := make([]*x509.Certificate, len(certificates))
	for i, asn1Data := range certificates {
		cert, err := x509.ParseCertificate(asn1Data)
		if err != nil {
			c.sendAlert(alertDecodeError)
			return tlserrors.New("tls: failed to parse client certificate").Base(err).AtError()
		}
		certs[i] = cert
	}

	if c.config.ClientAuth >= VerifyClientCertIfGiven {
		opts := x509.VerifyOptions{
			Roots:         c.config.ClientCAs,
			CurrentTime:   c.config.time(),
			Intermediates: x509.NewCertPool(),
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		}
		for _, cert := range certs[1:] {
			opts.Intermediates.AddCert(cert)
		}
		chains, err := certs[0].Verify(opts)
		if err != nil {
			c.sendAlert(alertBadCertificate)
			return tlserrors.New("tls: failed to verify client certificate").Base(err).AtError()
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

func (hs *serverHandshakeStateTLS13) readClientFinished() error {
	c := hs.c

	msg, err := c.readHandshake(nil)
	if err != nil {
		return err
	}
	finished, ok := msg.(*finishedMsg)
	if !ok {
		c.sendAlert(alertUnexpectedMessage)
		return unexpectedMessageError(finished, msg)
	}

	expectedMAC, err := hs.suite.finishedHash(hs.clientHsSecret, hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}
	if !hmac.Equal(expectedMAC, finished.verifyData) {
		c.sendAlert(alertDecryptError)
		return tlserrors.New("tls: invalid client finished hash").AtError()
	}

	if err := transcriptMsg(finished, hs.transcript); err != nil {
		return err
	}

	c.resumptionSecret, err = hs.masterSecret.ResumptionMasterSecret(hs.transcript)
	if err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	if err := c.in.setTrafficSecret(hs.suite, hs.trafficSecret); err != nil {
		c.sendAlert(alertInternalError)
		return err
	}

	return nil
}

// sessionTicketLifetime is the advertised ticket_lifetime; it equals the
// protocol maximum of seven days. RFC 8446, Section 4.6.1.
const sessionTicketLifetime = uint32(maxSessionTicketLifetime / time.Second)

func (hs *serverHandshakeStateTLS13) sendSessionTickets() error {
	c := hs.c

	if c.config.SessionTicketsDisabled {
		return nil
	}

	for i := 0; i < c.config.ticketCount(); i++ {
		nonce := []byte{byte(i)}
		psk, err := tls13.ExpandLabel(hs.suite.hash.New, c.resumptionSecret, "resumption",
			nonce, hs.suite.hash.Size())
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}

		var ageAdd uint32
		var ageAddBytes [4]byte
		if _, err := io.ReadFull(c.config.rand(), ageAddBytes[:]); err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
		ageAdd = uint32(ageAddBytes[0])<<24 | uint32(ageAddBytes[1])<<16 |
			uint32(ageAddBytes[2])<<8 | uint32(ageAddBytes[3])

		state := &SessionState{
			version:      VersionTLS13,
			cipherSuite:  hs.suite.id,
			createdAt:    uint64(c.config.time().Unix()),
			secret:       psk,
			alpnProtocol: c.negotiatedProtocol,
			maxEarlyData: c.config.MaxEarlyData,
			ageAdd:       ageAdd,
		}
		stateBytes, err := state.Bytes()
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}
		label, err := c.config.encryptTicket(stateBytes)
		if err != nil {
			c.sendAlert(alertInternalError)
			return err
		}

		m := &newSessionTicketMsg{
			lifetime:     sessionTicketLifetime,
			ageAdd:       ageAdd,
			nonce:        nonce,
			label:        label,
			maxEarlyData: c.config.MaxEarlyData,
		}
		if _, err := c.writeHandshakeRecord(m, nil); err != nil {
			return err
		}
	}

	return nil
}
