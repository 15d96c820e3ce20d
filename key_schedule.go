package tls13

import (
	"crypto/ecdh"
	"crypto/hmac"
	"hash"
	"io"

	tlserrors "github.com/lodestone-net/tls13/errors"
	"github.com/lodestone-net/tls13/internal/tls13"
)

// This file contains the functions necessary to compute the TLS 1.3 key
// schedule. See RFC 8446, Section 7.

// nextTrafficSecret generates the next traffic secret, given the current one,
// according to RFC 8446, Section 7.2.
func (c *cipherSuiteTLS13) nextTrafficSecret(trafficSecret []byte) ([]byte, error) {
	return tls13.ExpandLabel(c.hash.New, trafficSecret, "traffic upd", nil, c.hash.Size())
}

// trafficKey generates traffic keys according to RFC 8446, Section 7.3.
func (c *cipherSuiteTLS13) trafficKey(trafficSecret []byte) (key, iv []byte, err error) {
	key, err = tls13.ExpandLabel(c.hash.New, trafficSecret, "key", nil, c.keyLen)
	if err != nil {
		return nil, nil, err
	}
	iv, err = tls13.ExpandLabel(c.hash.New, trafficSecret, "iv", nil, aeadNonceLength)
	if err != nil {
		return nil, nil, err
	}
	return key, iv, nil
}

// finishedHash generates the Finished verify_data or PskBinderEntry according
// to RFC 8446, Section 4.4.4. See sections 4.4 and 4.2.11.2 for the baseKey
// selection.
func (c *cipherSuiteTLS13) finishedHash(baseKey []byte, transcript hash.Hash) ([]byte, error) {
	finishedKey, err := tls13.ExpandLabel(c.hash.New, baseKey, "finished", nil, c.hash.Size())
	if err != nil {
		return nil, err
	}
	verifyData := hmac.New(c.hash.New, finishedKey)
	verifyData.Write(transcript.Sum(nil))
	return verifyData.Sum(nil), nil
}

// exportKeyingMaterial implements RFC 5705 exporters for TLS 1.3 according to
// RFC 8446, Section 7.5.
func (c *cipherSuiteTLS13) exportKeyingMaterial(s *tls13.MasterSecret, transcript hash.Hash) (func(string, []byte, int) ([]byte, error), []byte) {
	expMasterSecret, err := s.ExporterMasterSecret(transcript)
	if err != nil {
		return func(label string, context []byte, length int) ([]byte, error) {
			return nil, err
		}, nil
	}
	return func(label string, context []byte, length int) ([]byte, error) {
		return expMasterSecret.Exporter(label, context, length)
	}, expMasterSecret.Secret()
}

// keySharePrivateKeys holds the ephemeral private keys the client generated
// for its offered shares.
type keySharePrivateKeys struct {
	curveID CurveID
	ecdhe   *ecdh.PrivateKey
}

// generateECDHEKey returns a PrivateKey that implements Diffie-Hellman
// according to RFC 8446, Section 4.2.8.2.
func generateECDHEKey(rand io.Reader, curveID CurveID) (*ecdh.PrivateKey, error) {
	curve, ok := curveForCurveID(curveID)
	if !ok {
		return nil, tlserrors.New("tls: internal error: unsupported curve").AtError()
	}

	return curve.GenerateKey(rand)
}

func curveForCurveID(id CurveID) (ecdh.Curve, bool) {
	switch id {
	case X25519:
		return ecdh.X25519(), true
	case CurveP256:
		return ecdh.P256(), true
	case CurveP384:
		return ecdh.P384(), true
	case CurveP521:
		return ecdh.P521(), true
	default:
		return nil, false
	}
}
