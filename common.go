package tls13

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	tlserrors "github.com/lodestone-net/tls13/errors"
)

const (
	// VersionTLS12 appears on the wire only as the legacy_version sentinel.
	VersionTLS12 = 0x0303
	VersionTLS13 = 0x0304
)

const (
	maxPlaintext       = 16384        // maximum plaintext payload length
	maxCiphertext      = 16384 + 256  // maximum TLS 1.3 ciphertext payload length
	recordHeaderLen    = 5            // record header length
	maxHandshake       = 65536        // maximum handshake we support (protocol max is 16 MB)
	maxHandshakeCertificateMsg = 262144 // maximum certificate message size

	aeadNonceLength = 12
)

// TLS record types.
type recordType uint8

const (
	recordTypeChangeCipherSpec recordType = 20
	recordTypeAlert            recordType = 21
	recordTypeHandshake        recordType = 22
	recordTypeApplicationData  recordType = 23
)

// TLS handshake message types.
const (
	typeClientHello           uint8 = 1
	typeServerHello           uint8 = 2
	typeNewSessionTicket      uint8 = 4
	typeEndOfEarlyData        uint8 = 5
	typeEncryptedExtensions   uint8 = 8
	typeCertificate           uint8 = 11
	typeCertificateRequest    uint8 = 13
	typeCertificateVerify     uint8 = 15
	typeFinished              uint8 = 20
	typeKeyUpdate             uint8 = 24
	typeCompressedCertificate uint8 = 25
	typeMessageHash           uint8 = 254
)

// TLS extension numbers. The set is the union of the RFC 8446 registry slice
// we implement and the legacy codepoints we must recognize; look-alike
// codepoints (signature_algorithms=13, next_protocol_negotiation=13172)
// are distinct numeric values and never collide.
const (
	extensionServerName              uint16 = 0
	extensionStatusRequest           uint16 = 5
	extensionSupportedCurves         uint16 = 10 // supported_groups in TLS 1.3
	extensionSupportedPoints         uint16 = 11
	extensionSignatureAlgorithms     uint16 = 13
	extensionALPN                    uint16 = 16
	extensionSCT                     uint16 = 18
	extensionPadding                 uint16 = 21
	extensionExtendedMasterSecret    uint16 = 23
	extensionCompressCertificate     uint16 = 27
	extensionRecordSizeLimit         uint16 = 28
	extensionSessionTicket           uint16 = 35
	extensionPreSharedKey            uint16 = 41
	extensionEarlyData               uint16 = 42
	extensionSupportedVersions       uint16 = 43
	extensionCookie                  uint16 = 44
	extensionPSKModes                uint16 = 45
	extensionCertificateAuthorities  uint16 = 47
	extensionSignatureAlgorithmsCert uint16 = 50
	extensionKeyShare                uint16 = 51
	extensionQUICTransportParameters uint16 = 57
	extensionRenegotiationInfo       uint16 = 0xff01
	extensionNextProtoNeg            uint16 = 13172 // draft-agl-tls-nextprotoneg-04
)

// TLS signaling cipher suite value (RFC 5746).
const scsvRenegotiation uint16 = 0x00ff

// CurveID is the type of a TLS identifier for a key exchange group.
type CurveID uint16

const (
	CurveP256 CurveID = 23
	CurveP384 CurveID = 24
	CurveP521 CurveID = 25
	X25519    CurveID = 29
	X448      CurveID = 30

	CurveFFDHE2048 CurveID = 256
	CurveFFDHE3072 CurveID = 257
	CurveFFDHE4096 CurveID = 258
	CurveFFDHE6144 CurveID = 259
	CurveFFDHE8192 CurveID = 260
)

// keyShare is a TLS 1.3 KeyShareEntry.
type keyShare struct {
	group CurveID
	data  []byte
}

// TLS 1.3 PSK key exchange modes.
const (
	pskModePlain uint8 = 0
	pskModeDHE   uint8 = 1
)

// pskIdentity is a TLS 1.3 PSK identity.
type pskIdentity struct {
	label               []byte
	obfuscatedTicketAge uint32
}

// SignatureScheme identifies a signature algorithm supported by TLS.
type SignatureScheme uint16

const (
	PKCS1WithSHA256 SignatureScheme = 0x0401 // legacy, certificate signatures only

	PSSWithSHA256 SignatureScheme = 0x0804
	PSSWithSHA384 SignatureScheme = 0x0805
	PSSWithSHA512 SignatureScheme = 0x0806

	ECDSAWithP256AndSHA256 SignatureScheme = 0x0403
	ECDSAWithP384AndSHA384 SignatureScheme = 0x0503

	Ed25519 SignatureScheme = 0x0807
)

// TLS 1.3 cipher suite identifiers.
const (
	TLS_AES_128_GCM_SHA256       uint16 = 0x1301
	TLS_AES_256_GCM_SHA384       uint16 = 0x1302
	TLS_CHACHA20_POLY1305_SHA256 uint16 = 0x1303
)

// helloRetryRequestRandom is the fixed ServerHello.random that marks a
// HelloRetryRequest: SHA-256("HelloRetryRequest"). RFC 8446, Section 4.1.3.
var helloRetryRequestRandom = []byte{
	0xCF, 0x21, 0xAD, 0x74, 0xE5, 0x9A, 0x61, 0x11,
	0xBE, 0x1D, 0x8C, 0x02, 0x1E, 0x65, 0xB8, 0x91,
	0xC2, 0xA2, 0x11, 0x16, 0x7A, 0xBB, 0x8C, 0x5E,
	0x07, 0x9E, 0x09, 0xE2, 0xC8, 0xA8, 0x33, 0x9C,
}

// downgradeCanaryTLS12 is the sentinel a TLS 1.3 server writes into the last
// eight bytes of server_random when it negotiates TLS 1.2 or below.
// RFC 8446, Section 4.1.3.
const downgradeCanaryTLS12 = "DOWNGRD\x01"

// isGREASEUint16 reports whether v is a GREASE value per RFC 8701: 0x?A?A
// with matching high and low bytes.
func isGREASEUint16(v uint16) bool {
	return ((v >> 8) == v&0xff) && v&0xf == 0xa
}

// ClientAuthType declares the policy the server will follow for client
// certificates.
type ClientAuthType int

const (
	NoClientCert ClientAuthType = iota
	RequestClientCert
	RequireAnyClientCert
	VerifyClientCertIfGiven
	RequireAndVerifyClientCert
)

// requiresClientCert reports whether the ClientAuthType requires a client
// certificate to be provided.
func requiresClientCert(c ClientAuthType) bool {
	switch c {
	case RequireAnyClientCert, RequireAndVerifyClientCert:
		return true
	default:
		return false
	}
}

// A Certificate is a chain of one or more DER certificates plus the leaf's
// private key.
type Certificate struct {
	Certificate [][]byte
	// PrivateKey must implement crypto.Signer with a public key matching the
	// leaf certificate.
	PrivateKey crypto.PrivateKey
	// SupportedSignatureAlgorithms restricts the signature schemes this
	// certificate may produce; nil means derive from the key type.
	SupportedSignatureAlgorithms []SignatureScheme
	// Leaf is the parsed form of the leaf certificate, set lazily.
	Leaf *x509.Certificate
}

// leaf returns the parsed leaf certificate.
func (c *Certificate) leaf() (*x509.Certificate, error) {
	if c.Leaf != nil {
		return c.Leaf, nil
	}
	return x509.ParseCertificate(c.Certificate[0])
}

// ClientHelloInfo contains information from a ClientHello message in order to
// guide certificate selection in the GetCertificate callback.
type ClientHelloInfo struct {
	CipherSuites      []uint16
	ServerName        string
	SupportedCurves   []CurveID
	SignatureSchemes  []SignatureScheme
	SupportedProtos   []string
	SupportedVersions []uint16
}

// ConnectionState records basic TLS details about the connection.
type ConnectionState struct {
	Version                     uint16
	HandshakeComplete           bool
	DidResume                   bool
	EarlyDataAccepted           bool
	CipherSuite                 uint16
	NegotiatedProtocol          string
	ServerName                  string
	PeerCertificates            []*x509.Certificate
	VerifiedChains              [][]*x509.Certificate
	QUICTransportParameters     *TransportParameters
	ekm                         func(label string, context []byte, length int) ([]byte, error)
}

// ExportKeyingMaterial returns length bytes of exported key material in a new
// slice as defined in RFC 5705.
func (cs *ConnectionState) ExportKeyingMaterial(label string, context []byte, length int) ([]byte, error) {
	if cs.ekm == nil {
		return nil, tlserrors.New("tls: ExportKeyingMaterial is unavailable before the handshake completes").AtError()
	}
	return cs.ekm(label, context, length)
}

// ClientSessionCache is a cache of SessionState objects that can be used by a
// client to resume a TLS session with a given server.
// ClientSessionCache implementations should expect to be called concurrently
// from different goroutines.
type ClientSessionCache interface {
	Get(sessionKey string) (session *SessionState, ok bool)
	Put(sessionKey string, session *SessionState)
}

// lruSessionCache is a ClientSessionCache implementation that uses an LRU
// caching strategy.
type lruSessionCache struct {
	sync.Mutex

	m        map[string]*lruCacheEntry
	head     *lruCacheEntry
	capacity int
}

type lruCacheEntry struct {
	key        string
	state      *SessionState
	prev, next *lruCacheEntry
}

const defaultSessionCacheCapacity = 64

// NewLRUClientSessionCache returns a ClientSessionCache with the given
// capacity that uses an LRU strategy. If capacity is < 1, a default capacity
// is used instead.
func NewLRUClientSessionCache(capacity int) ClientSessionCache {
	if capacity < 1 {
		capacity = defaultSessionCacheCapacity
	}
	return &lruSessionCache{
		m:        make(map[string]*lruCacheEntry),
		capacity: capacity,
	}
}

func (c *lruSessionCache) unlink(e *lruCacheEntry) {
	e.prev.next = e.next
	e.next.prev = e.prev
}

func (c *lruSessionCache) pushFront(e *lruCacheEntry) {
	e.next = c.head.next
	e.prev = c.head
	e.next.prev = e
	c.head.next = e
}

func (c *lruSessionCache) init() {
	if c.head == nil {
		c.head = &lruCacheEntry{}
		c.head.next = c.head
		c.head.prev = c.head
	}
}

// Put adds the provided session to the cache. A nil session removes the key.
func (c *lruSessionCache) Put(sessionKey string, session *SessionState) {
	c.Lock()
	defer c.Unlock()
	c.init()

	if e, ok := c.m[sessionKey]; ok {
		if session == nil {
			c.unlink(e)
			delete(c.m, sessionKey)
		} else {
			e.state = session
			c.unlink(e)
			c.pushFront(e)
		}
		return
	}
	if session == nil {
		return
	}

	if len(c.m) >= c.capacity {
		oldest := c.head.prev
		c.unlink(oldest)
		delete(c.m, oldest.key)
	}
	e := &lruCacheEntry{key: sessionKey, state: session}
	c.pushFront(e)
	c.m[sessionKey] = e
}

// Get returns the session associated with a given key and marks it as most
// recently used.
func (c *lruSessionCache) Get(sessionKey string) (*SessionState, bool) {
	c.Lock()
	defer c.Unlock()
	c.init()

	if e, ok := c.m[sessionKey]; ok {
		c.unlink(e)
		c.pushFront(e)
		return e.state, true
	}
	return nil, false
}

// A Config structure is used to configure a client or server connection.
// After one has been passed to a TLS function it must not be modified.
// A Config may be reused; the tls13 package will also not modify it.
type Config struct {
	// Rand provides the source of entropy. If nil, crypto/rand is used.
	Rand io.Reader

	// Time returns the current time for ticket age computation. If nil,
	// time.Now is used.
	Time func() time.Time

	// Certificates contains one or more certificate chains to present to the
	// peer.
	Certificates []Certificate

	// GetCertificate returns a Certificate based on the given ClientHello.
	// Consulted only if Certificates is empty.
	GetCertificate func(*ClientHelloInfo) (*Certificate, error)

	// RootCAs defines the set of root certificate authorities the client uses
	// to verify server certificates. If nil, the host's root CA set is used.
	RootCAs *x509.CertPool

	// ServerName is used to verify the hostname on the returned certificates
	// and is sent in the server_name extension. It is required for clients
	// unless InsecureSkipVerify is set.
	ServerName string

	// NextProtos is the list of supported application level protocols, in
	// order of preference.
	NextProtos []string

	// ClientAuth determines the server's policy for client authentication.
	ClientAuth ClientAuthType

	// ClientCAs defines the set of root certificate authorities the server
	// uses to verify client certificates.
	ClientCAs *x509.CertPool

	// InsecureSkipVerify disables server certificate chain and host name
	// verification. For testing only.
	InsecureSkipVerify bool

	// VerifyPeerCertificate, if not nil, is called after normal certificate
	// verification. Any returned error aborts the handshake.
	VerifyPeerCertificate func(rawCerts [][]byte, verifiedChains [][]*x509.Certificate) error

	// CipherSuites lists the enabled TLS 1.3 cipher suites in preference
	// order. A nil value uses the default ordering.
	CipherSuites []uint16

	// CurvePreferences contains the key exchange groups to offer, in
	// preference order. A nil value uses the default ordering.
	CurvePreferences []CurveID

	// SessionTicketsDisabled may be set to true to disable session ticket
	// issuance and resumption.
	SessionTicketsDisabled bool

	// SessionTicketCount is the number of NewSessionTicket messages a server
	// sends after the handshake. Zero means one.
	SessionTicketCount int

	// ClientSessionCache is a cache of SessionState entries for TLS session
	// resumption on the client side.
	ClientSessionCache ClientSessionCache

	// MaxEarlyData is the maximum number of 0-RTT bytes a server accepts.
	// Zero disables early data.
	MaxEarlyData uint32

	// RecordSizeLimit, when in [64, 16385], is advertised to the peer via the
	// record_size_limit extension. Inbound records are checked only against
	// the protocol maximum, not against this limit.
	RecordSizeLimit uint16

	// QUICTransportParameters, when not nil, are offered in the
	// quic_transport_parameters extension.
	QUICTransportParameters *TransportParameters

	// CertCompressionAlgs lists the certificate compression algorithms
	// (RFC 8879) to advertise and accept. A nil value disables compression.
	CertCompressionAlgs []CertCompressionAlgo

	// KeyLogWriter optionally specifies a destination for TLS secrets in NSS
	// key log format, for external decryption tooling.
	//
	// Use of KeyLogWriter compromises security and should only be used for
	// debugging.
	KeyLogWriter io.Writer

	mutex sync.RWMutex
	// sessionTicketKeys protects and rotates under mutex.
	sessionTicketKeys []ticketKey
	// earlyDataStrikes is the server's 0-RTT anti-replay register.
	earlyDataStrikes *strikeRegister
}

// strikes returns the anti-replay register, creating it on first use.
func (c *Config) strikes() *strikeRegister {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.earlyDataStrikes == nil {
		c.earlyDataStrikes = newStrikeRegister()
	}
	return c.earlyDataStrikes
}

// Clone returns a shallow clone of c or a fresh Config if c is nil.
func (c *Config) Clone() *Config {
	if c == nil {
		return &Config{}
	}
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return &Config{
		Rand:                    c.Rand,
		Time:                    c.Time,
		Certificates:            c.Certificates,
		GetCertificate:          c.GetCertificate,
		RootCAs:                 c.RootCAs,
		ServerName:              c.ServerName,
		NextProtos:              c.NextProtos,
		ClientAuth:              c.ClientAuth,
		ClientCAs:               c.ClientCAs,
		InsecureSkipVerify:      c.InsecureSkipVerify,
		VerifyPeerCertificate:   c.VerifyPeerCertificate,
		CipherSuites:            c.CipherSuites,
		CurvePreferences:        c.CurvePreferences,
		SessionTicketsDisabled:  c.SessionTicketsDisabled,
		SessionTicketCount:      c.SessionTicketCount,
		ClientSessionCache:      c.ClientSessionCache,
		MaxEarlyData:            c.MaxEarlyData,
		RecordSizeLimit:         c.RecordSizeLimit,
		QUICTransportParameters: c.QUICTransportParameters,
		CertCompressionAlgs:     c.CertCompressionAlgs,
		KeyLogWriter:            c.KeyLogWriter,
		sessionTicketKeys:       c.sessionTicketKeys,
	}
}

func (c *Config) rand() io.Reader {
	if c == nil || c.Rand == nil {
		return rand.Reader
	}
	return c.Rand
}

func (c *Config) time() time.Time {
	if c == nil || c.Time == nil {
		return time.Now()
	}
	return c.Time()
}

var defaultCipherSuites = []uint16{
	TLS_AES_128_GCM_SHA256,
	TLS_AES_256_GCM_SHA384,
	TLS_CHACHA20_POLY1305_SHA256,
}

func (c *Config) cipherSuites() []uint16 {
	if c != nil && c.CipherSuites != nil {
		return c.CipherSuites
	}
	return defaultCipherSuites
}

var defaultCurvePreferences = []CurveID{X25519, CurveP256}

func (c *Config) curvePreferences() []CurveID {
	if c != nil && c.CurvePreferences != nil {
		return c.CurvePreferences
	}
	return defaultCurvePreferences
}

func (c *Config) supportsCurve(curve CurveID) bool {
	for _, cc := range c.curvePreferences() {
		if cc == curve {
			return true
		}
	}
	return false
}

func (c *Config) ticketCount() int {
	if c == nil || c.SessionTicketCount <= 0 {
		return 1
	}
	return c.SessionTicketCount
}

// supportedSignatureAlgorithms is the default set the endpoint advertises and
// accepts, in preference order.
var supportedSignatureAlgorithms = []SignatureScheme{
	Ed25519,
	ECDSAWithP256AndSHA256,
	ECDSAWithP384AndSHA384,
	PSSWithSHA256,
	PSSWithSHA384,
	PSSWithSHA512,
}

func isSupportedSignatureAlgorithm(sigAlg SignatureScheme, supported []SignatureScheme) bool {
	for _, s := range supported {
		if s == sigAlg {
			return true
		}
	}
	return false
}

// signatureSchemesForPrivateKey returns the schemes a key can produce. It
// does not apply cert.SupportedSignatureAlgorithms; see
// supportedSchemesForCertificate.
func signatureSchemesForPrivateKey(priv crypto.PrivateKey) []SignatureScheme {
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil
	}
	var schemes []SignatureScheme
	switch pub := signer.Public().(type) {
	case *ecdsa.PublicKey:
		switch pub.Curve.Params().Name {
		case "P-256":
			schemes = []SignatureScheme{ECDSAWithP256AndSHA256}
		case "P-384":
			schemes = []SignatureScheme{ECDSAWithP384AndSHA384}
		}
	case *rsa.PublicKey:
		schemes = []SignatureScheme{PSSWithSHA256, PSSWithSHA384, PSSWithSHA512}
	case ed25519.PublicKey:
		schemes = []SignatureScheme{Ed25519}
	}
	return schemes
}

// supportedSchemesForCertificate returns the signature schemes the
// certificate may be used with.
func supportedSchemesForCertificate(cert *Certificate) []SignatureScheme {
	schemes := signatureSchemesForPrivateKey(cert.PrivateKey)
	if cert.SupportedSignatureAlgorithms == nil {
		return schemes
	}
	var filtered []SignatureScheme
	for _, s := range schemes {
		if isSupportedSignatureAlgorithm(s, cert.SupportedSignatureAlgorithms) {
			filtered = append(filtered, s)
		}
	}
	return filtered
}

// getCertificate selects a certificate chain for the given hello.
func (c *Config) getCertificate(hi *ClientHelloInfo) (*Certificate, error) {
	if c.GetCertificate != nil && len(c.Certificates) == 0 {
		cert, err := c.GetCertificate(hi)
		if cert != nil || err != nil {
			return cert, err
		}
	}
	if len(c.Certificates) == 0 {
		return nil, errNoCertificates
	}
	return &c.Certificates[0], nil
}

var errNoCertificates = tlserrors.New("tls: no certificates configured").AtError()

// NSS key log labels. The early traffic and exporter labels complete the
// TLS 1.3 set.
const (
	keyLogLabelClientHandshake    = "CLIENT_HANDSHAKE_TRAFFIC_SECRET"
	keyLogLabelServerHandshake    = "SERVER_HANDSHAKE_TRAFFIC_SECRET"
	keyLogLabelClientTraffic      = "CLIENT_TRAFFIC_SECRET_0"
	keyLogLabelServerTraffic      = "SERVER_TRAFFIC_SECRET_0"
	keyLogLabelClientEarlyTraffic = "CLIENT_EARLY_TRAFFIC_SECRET"
	keyLogLabelExporterSecret     = "EXPORTER_SECRET"
)

func (c *Config) writeKeyLog(label string, clientRandom, secret []byte) error {
	if c.KeyLogWriter == nil {
		return nil
	}
	logLine := fmt.Appendf(nil, "%s %s %s\n",
		label, hex.EncodeToString(clientRandom), hex.EncodeToString(secret))

	writerMutex.Lock()
	_, err := c.KeyLogWriter.Write(logLine)
	writerMutex.Unlock()

	return err
}

// writerMutex protects all KeyLogWriters globally. It is rarely enabled,
// so a global mutex saves space over a per-Config one.
var writerMutex sync.Mutex
