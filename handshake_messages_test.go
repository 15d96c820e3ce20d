package tls13

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/cryptobyte"
)

func testClientHello() *clientHelloMsg {
	return &clientHelloMsg{
		vers:               VersionTLS12,
		random:             bytes.Repeat([]byte{0x42}, 32),
		sessionId:          bytes.Repeat([]byte{0x21}, 32),
		cipherSuites:       []uint16{TLS_AES_128_GCM_SHA256, TLS_CHACHA20_POLY1305_SHA256},
		compressionMethods: []byte{0},
		serverName:         "example.com",
		supportedCurves:    []CurveID{X25519, CurveP256},
		supportedSignatureAlgorithms: []SignatureScheme{
			Ed25519, ECDSAWithP256AndSHA256, PSSWithSHA256,
		},
		alpnProtocols:     []string{"h2", "http/1.1"},
		supportedVersions: []uint16{VersionTLS13},
		keyShares: []keyShare{
			{group: X25519, data: bytes.Repeat([]byte{0x11}, 32)},
		},
		pskModes: []uint8{pskModeDHE},
	}
}

func TestClientHelloRoundTrip(t *testing.T) {
	m := testClientHello()
	m.earlyData = true
	m.recordSizeLimit = 16385
	m.cookie = []byte("cookie-value")
	m.quicTransportParameters = []byte{0x04, 0x01, 0x40}
	m.hasQUICTransportParameters = true
	m.compressCertAlgs = []uint16{uint16(CertCompressionBrotli)}
	m.pskIdentities = []pskIdentity{
		{label: []byte("ticket-bytes"), obfuscatedTicketAge: 0x12345678},
	}
	m.pskBinders = [][]byte{bytes.Repeat([]byte{0xab}, 32)}

	data, err := m.marshal()
	require.NoError(t, err)

	// Marshal is deterministic; the wire image is its own length witness.
	data2, err := m.marshal()
	require.NoError(t, err)
	require.Equal(t, data, data2)

	var decoded clientHelloMsg
	require.True(t, decoded.unmarshal(data), "unmarshal failed")

	reencoded, err := decoded.marshal()
	require.NoError(t, err)
	assert.Equal(t, data, reencoded, "encode(decode(M)) != M")

	assert.Equal(t, m.serverName, decoded.serverName)
	assert.Equal(t, m.cipherSuites, decoded.cipherSuites)
	assert.Equal(t, m.supportedCurves, decoded.supportedCurves)
	assert.Equal(t, m.keyShares, decoded.keyShares)
	assert.Equal(t, m.pskIdentities, decoded.pskIdentities)
	assert.Equal(t, m.pskBinders, decoded.pskBinders)
	assert.Equal(t, m.recordSizeLimit, decoded.recordSizeLimit)
	assert.True(t, decoded.earlyData)
	assert.True(t, decoded.hasQUICTransportParameters)
}

func TestClientHelloMarshalWithoutBinders(t *testing.T) {
	m := testClientHello()
	m.pskIdentities = []pskIdentity{{label: []byte("tkt"), obfuscatedTicketAge: 7}}
	m.pskBinders = [][]byte{bytes.Repeat([]byte{0}, 32)}

	full, err := m.marshal()
	require.NoError(t, err)
	truncated, err := m.marshalWithoutBinders()
	require.NoError(t, err)

	bindersLen := 2 + 1 + 32
	require.Equal(t, len(full)-bindersLen, len(truncated))
	require.Equal(t, full[:len(truncated)], truncated)

	// Patching equal-shaped binders reproduces a consistent message.
	newBinder := bytes.Repeat([]byte{0xcd}, 32)
	require.NoError(t, m.updateBinders([][]byte{newBinder}))
	patched, err := m.marshal()
	require.NoError(t, err)
	require.Equal(t, truncated, patched[:len(truncated)])
	require.Equal(t, newBinder, patched[len(patched)-32:])

	// Shape changes are rejected.
	require.Error(t, m.updateBinders([][]byte{bytes.Repeat([]byte{1}, 48)}))
}

// TestClientHelloUnknownExtension checks that GREASE and unknown extensions
// are preserved for inspection but never re-emitted.
func TestClientHelloUnknownExtension(t *testing.T) {
	base := testClientHello()

	// Build a hello wire image with a GREASE extension spliced into the
	// extensions block.
	var b cryptobyte.Builder
	b.AddUint8(typeClientHello)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(base.vers)
		b.AddBytes(base.random)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(base.sessionId) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for _, s := range base.cipherSuites {
				b.AddUint16(s)
			}
		})
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes(base.compressionMethods) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			// A GREASE extension with an opaque body.
			b.AddUint16(0x0a0a)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte{1, 2, 3}) })
			// supported_versions, so the hello still looks like TLS 1.3.
			b.AddUint16(extensionSupportedVersions)
			b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
				b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint16(VersionTLS13) })
			})
		})
	})
	wire, err := b.Bytes()
	require.NoError(t, err)

	var decoded clientHelloMsg
	require.True(t, decoded.unmarshal(wire))
	require.Len(t, decoded.unknownExtensions, 1)
	assert.Equal(t, uint16(0x0a0a), decoded.unknownExtensions[0].id)
	assert.Equal(t, []byte{1, 2, 3}, decoded.unknownExtensions[0].data)

	reencoded, err := decoded.marshal()
	require.NoError(t, err)
	assert.NotContains(t, string(reencoded), string([]byte{0x0a, 0x0a, 0x00, 0x03}),
		"GREASE extension must not be re-emitted")
}

func TestClientHelloRejectsDuplicateExtensions(t *testing.T) {
	var b cryptobyte.Builder
	b.AddUint8(typeClientHello)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint16(VersionTLS12)
		b.AddBytes(bytes.Repeat([]byte{9}, 32))
		b.AddUint8(0) // empty session id
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint16(TLS_AES_128_GCM_SHA256) })
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(0) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			for i := 0; i < 2; i++ {
				b.AddUint16(extensionSupportedVersions)
				b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
					b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint16(VersionTLS13) })
				})
			}
		})
	})
	wire, err := b.Bytes()
	require.NoError(t, err)

	var decoded clientHelloMsg
	assert.False(t, decoded.unmarshal(wire), "duplicate extension accepted")
}

func TestServerHelloRoundTrip(t *testing.T) {
	m := &serverHelloMsg{
		vers:              VersionTLS12,
		random:            bytes.Repeat([]byte{7}, 32),
		sessionId:         bytes.Repeat([]byte{3}, 32),
		cipherSuite:       TLS_AES_256_GCM_SHA384,
		compressionMethod: 0,
		supportedVersion:  VersionTLS13,
		serverShare:       keyShare{group: CurveP256, data: bytes.Repeat([]byte{5}, 65)},
		selectedIdentityPresent: true,
		selectedIdentity:        0,
	}
	data, err := m.marshal()
	require.NoError(t, err)

	var decoded serverHelloMsg
	require.True(t, decoded.unmarshal(data))
	reencoded, err := decoded.marshal()
	require.NoError(t, err)
	assert.Equal(t, data, reencoded)
	assert.False(t, decoded.isHelloRetryRequest())
	assert.Equal(t, m.serverShare, decoded.serverShare)
}

func TestHelloRetryRequestForm(t *testing.T) {
	m := &serverHelloMsg{
		vers:              VersionTLS12,
		random:            helloRetryRequestRandom,
		sessionId:         []byte{1, 2, 3},
		cipherSuite:       TLS_AES_128_GCM_SHA256,
		compressionMethod: 0,
		supportedVersion:  VersionTLS13,
		selectedGroup:     X25519,
	}
	data, err := m.marshal()
	require.NoError(t, err)

	var decoded serverHelloMsg
	require.True(t, decoded.unmarshal(data))
	assert.True(t, decoded.isHelloRetryRequest())
	assert.Equal(t, X25519, decoded.selectedGroup)
	assert.Zero(t, decoded.serverShare.group, "HRR key_share must not parse as a full entry")
}

func TestNewSessionTicketRoundTrip(t *testing.T) {
	m := &newSessionTicketMsg{
		lifetime:     7200,
		ageAdd:       0x12345678,
		nonce:        []byte{1},
		label:        bytes.Repeat([]byte{0xee}, 16),
		maxEarlyData: 16384,
	}
	data, err := m.marshal()
	require.NoError(t, err)

	var decoded newSessionTicketMsg
	require.True(t, decoded.unmarshal(data))
	assert.Equal(t, *m, decoded)

	reencoded, err := decoded.marshal()
	require.NoError(t, err)
	assert.Equal(t, data, reencoded)
}

func TestNewSessionTicketRejectsForeignExtension(t *testing.T) {
	// Only early_data is permitted in NewSessionTicket. RFC 8446, 4.6.1.
	var b cryptobyte.Builder
	b.AddUint8(typeNewSessionTicket)
	b.AddUint24LengthPrefixed(func(b *cryptobyte.Builder) {
		b.AddUint32(7200)
		b.AddUint32(0)
		b.AddUint8LengthPrefixed(func(b *cryptobyte.Builder) { b.AddUint8(1) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) { b.AddBytes([]byte("tkt")) })
		b.AddUint16LengthPrefixed(func(b *cryptobyte.Builder) {
			b.AddUint16(extensionServerName)
			b.AddUint16(0)
		})
	})
	wire, err := b.Bytes()
	require.NoError(t, err)

	var decoded newSessionTicketMsg
	assert.False(t, decoded.unmarshal(wire))
}

func TestCertificateMsgRoundTrip(t *testing.T) {
	m := &certificateMsg{
		certificates: [][]byte{
			bytes.Repeat([]byte{0xaa}, 100),
			bytes.Repeat([]byte{0xbb}, 80),
		},
	}
	data, err := m.marshal()
	require.NoError(t, err)

	var decoded certificateMsg
	require.True(t, decoded.unmarshal(data))
	assert.Equal(t, m.certificates, decoded.certificates)

	reencoded, err := decoded.marshal()
	require.NoError(t, err)
	assert.Equal(t, data, reencoded)
}

func TestCompressedCertificateRoundTrip(t *testing.T) {
	m := &compressedCertificateMsg{
		algorithm:                    uint16(CertCompressionZstd),
		uncompressedLength:           1000,
		compressedCertificateMessage: bytes.Repeat([]byte{0xcc}, 200),
	}
	data, err := m.marshal()
	require.NoError(t, err)

	var decoded compressedCertificateMsg
	require.True(t, decoded.unmarshal(data))
	assert.Equal(t, *m, decoded)
}

func TestCertificateVerifyRoundTrip(t *testing.T) {
	m := &certificateVerifyMsg{
		signatureAlgorithm: Ed25519,
		signature:          bytes.Repeat([]byte{0x5a}, 64),
	}
	data, err := m.marshal()
	require.NoError(t, err)

	var decoded certificateVerifyMsg
	require.True(t, decoded.unmarshal(data))
	assert.Equal(t, *m, decoded)
}

func TestKeyUpdateValues(t *testing.T) {
	for _, updateRequested := range []bool{false, true} {
		m := &keyUpdateMsg{updateRequested: updateRequested}
		data, err := m.marshal()
		require.NoError(t, err)
		var decoded keyUpdateMsg
		require.True(t, decoded.unmarshal(data))
		assert.Equal(t, updateRequested, decoded.updateRequested)
	}

	// request_update outside {0, 1} is invalid.
	var decoded keyUpdateMsg
	assert.False(t, decoded.unmarshal([]byte{typeKeyUpdate, 0, 0, 1, 2}))
}

func TestFinishedRoundTrip(t *testing.T) {
	m := &finishedMsg{verifyData: bytes.Repeat([]byte{0xf0}, 48)}
	data, err := m.marshal()
	require.NoError(t, err)
	require.Len(t, data, 4+48)

	var decoded finishedMsg
	require.True(t, decoded.unmarshal(data))
	assert.Equal(t, m.verifyData, decoded.verifyData)
}

func TestTruncatedMessagesRejected(t *testing.T) {
	m := testClientHello()
	data, err := m.marshal()
	require.NoError(t, err)

	for _, n := range []int{0, 3, 4, 10, len(data) / 2, len(data) - 1} {
		var decoded clientHelloMsg
		assert.False(t, decoded.unmarshal(data[:n]), "accepted truncation to %d bytes", n)
	}
}
