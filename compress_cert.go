package tls13

import (
	"bytes"
	"compress/zlib"
	"io"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	tlserrors "github.com/lodestone-net/tls13/errors"
)

// CertCompressionAlgo is a certificate compression algorithm identifier from
// the RFC 8879 registry.
type CertCompressionAlgo uint16

const (
	CertCompressionZlib   CertCompressionAlgo = 0x0001
	CertCompressionBrotli CertCompressionAlgo = 0x0002
	CertCompressionZstd   CertCompressionAlgo = 0x0003
)

// maxDecompressedCertSize bounds the expansion of a compressed certificate
// message. RFC 8879 caps uncompressed_length at 2^24-1.
const maxDecompressedCertSize = 1 << 24

// compressCertificateMsg compresses a marshaled Certificate message with the
// given algorithm. The compression covers the message body, not the 4-byte
// handshake header. Returns nil when compression does not shrink the payload,
// in which case the plain Certificate message should be sent instead
// (RFC 8879, Section 4.2.1).
func compressCertificateMsg(certMsg *certificateMsg, algorithm CertCompressionAlgo) (*compressedCertificateMsg, error) {
	certBytes, err := certMsg.marshal()
	if err != nil {
		return nil, err
	}
	if len(certBytes) < 4 {
		return nil, tlserrors.New("tls: certificate message too short").AtError()
	}
	uncompressed := certBytes[4:]

	var compressed []byte
	switch algorithm {
	case CertCompressionBrotli:
		var buf bytes.Buffer
		w := brotli.NewWriterLevel(&buf, brotli.BestCompression)
		w.Write(uncompressed)
		w.Close()
		compressed = buf.Bytes()
	case CertCompressionZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		w.Write(uncompressed)
		w.Close()
		compressed = buf.Bytes()
	case CertCompressionZstd:
		encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
		if err != nil {
			return nil, err
		}
		compressed = encoder.EncodeAll(uncompressed, nil)
		encoder.Close()
	default:
		return nil, tlserrors.New("tls: unsupported compression algorithm ", algorithm).AtError()
	}

	if len(compressed) >= len(uncompressed) {
		return nil, nil
	}

	return &compressedCertificateMsg{
		algorithm:                    uint16(algorithm),
		uncompressedLength:           uint32(len(uncompressed)),
		compressedCertificateMessage: compressed,
	}, nil
}

// decompressCertificateMsg reverses compressCertificateMsg, reconstructing
// the plain Certificate message. The caller is responsible for checking that
// the algorithm was one it advertised.
func decompressCertificateMsg(m *compressedCertificateMsg) (*certificateMsg, error) {
	if m.uncompressedLength == 0 || m.uncompressedLength >= maxDecompressedCertSize {
		return nil, tlserrors.New("tls: compressed certificate has invalid uncompressed length ", m.uncompressedLength).AtError()
	}

	var decompressed io.Reader
	compressed := bytes.NewReader(m.compressedCertificateMessage)
	switch CertCompressionAlgo(m.algorithm) {
	case CertCompressionBrotli:
		decompressed = brotli.NewReader(compressed)
	case CertCompressionZlib:
		rc, err := zlib.NewReader(compressed)
		if err != nil {
			return nil, tlserrors.New("tls: failed to open zlib reader").Base(err).AtError()
		}
		defer rc.Close()
		decompressed = rc
	case CertCompressionZstd:
		rc, err := zstd.NewReader(compressed)
		if err != nil {
			return nil, tlserrors.New("tls: failed to open zstd reader").Base(err).AtError()
		}
		defer rc.Close()
		decompressed = rc
	default:
		return nil, tlserrors.New("tls: unsupported compression algorithm ", m.algorithm).AtError()
	}

	rawMsg := make([]byte, m.uncompressedLength+4)
	rawMsg[0] = typeCertificate
	rawMsg[1] = uint8(m.uncompressedLength >> 16)
	rawMsg[2] = uint8(m.uncompressedLength >> 8)
	rawMsg[3] = uint8(m.uncompressedLength)

	if _, err := io.ReadFull(decompressed, rawMsg[4:]); err != nil {
		return nil, tlserrors.New("tls: compressed certificate shorter than declared").Base(err).AtError()
	}
	// A conforming stream ends exactly at uncompressed_length.
	var extra [1]byte
	if n, _ := decompressed.Read(extra[:]); n != 0 {
		return nil, tlserrors.New("tls: compressed certificate longer than declared").AtError()
	}

	certMsg := new(certificateMsg)
	if !certMsg.unmarshal(rawMsg) {
		return nil, tlserrors.New("tls: failed to parse decompressed certificate message").AtError()
	}
	return certMsg, nil
}
