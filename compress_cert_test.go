package tls13

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCertificateCompressionRoundTrip(t *testing.T) {
	certMsg := &certificateMsg{
		certificates: [][]byte{
			bytes.Repeat([]byte{0x30, 0x82, 0x01, 0x00}, 256),
			bytes.Repeat([]byte{0x30, 0x82, 0x02, 0x00}, 128),
		},
	}

	for _, alg := range []CertCompressionAlgo{
		CertCompressionZlib, CertCompressionBrotli, CertCompressionZstd,
	} {
		compMsg, err := compressCertificateMsg(certMsg, alg)
		require.NoError(t, err, "algorithm %d", alg)
		require.NotNil(t, compMsg, "highly repetitive chain must compress")
		assert.Equal(t, uint16(alg), compMsg.algorithm)

		decompressed, err := decompressCertificateMsg(compMsg)
		require.NoError(t, err, "algorithm %d", alg)
		assert.Equal(t, certMsg.certificates, decompressed.certificates)
	}
}

func TestCertificateCompressionLengthMismatch(t *testing.T) {
	certMsg := &certificateMsg{
		certificates: [][]byte{bytes.Repeat([]byte{7}, 512)},
	}
	compMsg, err := compressCertificateMsg(certMsg, CertCompressionZlib)
	require.NoError(t, err)
	require.NotNil(t, compMsg)

	// A declared length longer than the stream is rejected.
	compMsg.uncompressedLength++
	_, err = decompressCertificateMsg(compMsg)
	assert.Error(t, err, "over-declared length accepted")

	// And shorter, too.
	compMsg.uncompressedLength -= 2
	_, err = decompressCertificateMsg(compMsg)
	assert.Error(t, err, "under-declared length accepted")
}

func TestCertificateCompressionZeroLengthRejected(t *testing.T) {
	m := &compressedCertificateMsg{
		algorithm:                    uint16(CertCompressionZlib),
		uncompressedLength:           0,
		compressedCertificateMessage: []byte{1, 2, 3},
	}
	_, err := decompressCertificateMsg(m)
	assert.Error(t, err)
}

func TestCertificateCompressionIncompressible(t *testing.T) {
	// High-entropy input does not shrink; the caller falls back to the plain
	// Certificate message.
	certMsg := &certificateMsg{certificates: [][]byte{randomBytes(t, 600)}}
	compMsg, err := compressCertificateMsg(certMsg, CertCompressionZlib)
	require.NoError(t, err)
	assert.Nil(t, compMsg)
}

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		t.Fatal(err)
	}
	return b
}
