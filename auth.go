package tls13

import (
	"bytes"
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"hash"
	"io"

	tlserrors "github.com/lodestone-net/tls13/errors"
)

// sigType values for the handshake signature algorithms.
const (
	signatureRSAPSS uint8 = iota + 225
	signatureECDSA
	signatureEd25519
)

// directSigning is a standard Hash value that signals that no pre-hashing
// should be performed, and that the input should be signed directly. It is the
// hash function associated with the Ed25519 signature scheme.
var directSigning crypto.Hash = 0

// typeAndHashFromSignatureScheme returns the corresponding signature type and
// crypto.Hash for a given TLS SignatureScheme.
func typeAndHashFromSignatureScheme(signatureAlgorithm SignatureScheme) (sigType uint8, hash crypto.Hash, err error) {
	switch signatureAlgorithm {
	case PSSWithSHA256, PSSWithSHA384, PSSWithSHA512:
		sigType = signatureRSAPSS
	case ECDSAWithP256AndSHA256, ECDSAWithP384AndSHA384:
		sigType = signatureECDSA
	case Ed25519:
		sigType = signatureEd25519
	default:
		return 0, 0, tlserrors.New("tls: unsupported signature algorithm: ", signatureAlgorithm).AtError()
	}
	switch signatureAlgorithm {
	case PSSWithSHA256, ECDSAWithP256AndSHA256:
		hash = crypto.SHA256
	case PSSWithSHA384, ECDSAWithP384AndSHA384:
		hash = crypto.SHA384
	case PSSWithSHA512:
		hash = crypto.SHA512
	case Ed25519:
		hash = directSigning
	default:
		return 0, 0, tlserrors.New("tls: unsupported signature algorithm: ", signatureAlgorithm).AtError()
	}
	return sigType, hash, nil
}

var signaturePadding = []byte{
	0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20,
	0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20,
	0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20,
	0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20,
	0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20,
	0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20,
	0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20,
	0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20, 0x20,
}

const (
	serverSignatureContext = "TLS 1.3, server CertificateVerify\x00"
	clientSignatureContext = "TLS 1.3, client CertificateVerify\x00"
)

// signedMessage returns the exact content to be signed in a CertificateVerify:
// 64 spaces, the context string with its terminating zero, and the transcript
// hash. RFC 8446, Section 4.4.3.
func signedMessage(sigHash crypto.Hash, context string, transcript hash.Hash) []byte {
	if sigHash == directSigning {
		b := &bytes.Buffer{}
		b.Write(signaturePadding)
		io.WriteString(b, context)
		b.Write(transcript.Sum(nil))
		return b.Bytes()
	}
	h := sigHash.New()
	h.Write(signaturePadding)
	io.WriteString(h, context)
	h.Write(transcript.Sum(nil))
	return h.Sum(nil)
}

// verifyHandshakeSignature verifies a signature against pre-hashed (if
// required) handshake contents.
func verifyHandshakeSignature(sigType uint8, pubkey crypto.PublicKey, hashFunc crypto.Hash, signed, sig []byte) error {
	switch sigType {
	case signatureECDSA:
		pubKey, ok := pubkey.(*ecdsa.PublicKey)
		if !ok {
			return tlserrors.New("tls: expected an ECDSA public key, got ", pubkey).AtError()
		}
		if !ecdsa.VerifyASN1(pubKey, signed, sig) {
			return tlserrors.New("tls: ECDSA verification failure").AtError()
		}
	case signatureEd25519:
		pubKey, ok := pubkey.(ed25519.PublicKey)
		if !ok {
			return tlserrors.New("tls: expected an Ed25519 public key, got ", pubkey).AtError()
		}
		if !ed25519.Verify(pubKey, signed, sig) {
			return tlserrors.New("tls: Ed25519 verification failure").AtError()
		}
	case signatureRSAPSS:
		pubKey, ok := pubkey.(*rsa.PublicKey)
		if !ok {
			return tlserrors.New("tls: expected an RSA public key, got ", pubkey).AtError()
		}
		signOpts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: hashFunc}
		if err := rsa.VerifyPSS(pubKey, hashFunc, signed, sig, signOpts); err != nil {
			return tlserrors.New("tls: RSA-PSS verification failure").Base(err).AtError()
		}
	default:
		return tlserrors.New("tls: internal error: unknown signature type").AtError()
	}
	return nil
}

// selectSignatureScheme picks the first scheme the certificate can produce
// that the peer advertised.
func selectSignatureScheme(cert *Certificate, peerAlgs []SignatureScheme) (SignatureScheme, error) {
	supported := supportedSchemesForCertificate(cert)
	if len(supported) == 0 {
		return 0, tlserrors.New("tls: certificate key type is unsupported").AtError()
	}
	for _, preferred := range peerAlgs {
		for _, scheme := range supported {
			if scheme == preferred {
				return scheme, nil
			}
		}
	}
	return 0, tlserrors.New("tls: peer doesn't support any of the certificate's signature algorithms").AtError()
}
