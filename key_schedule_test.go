package tls13

import (
	"bytes"
	"crypto/hkdf"
	"crypto/hmac"
	"crypto/sha256"
	"testing"

	"github.com/lodestone-net/tls13/internal/tls13"
)

// expandLabelLonghand spells out the HkdfLabel structure from RFC 8446,
// Section 7.1, byte by byte, independently of the implementation under test.
func expandLabelLonghand(t *testing.T, secret []byte, label string, context []byte, length int) []byte {
	t.Helper()
	var hkdfLabel []byte
	hkdfLabel = append(hkdfLabel, byte(length>>8), byte(length))
	hkdfLabel = append(hkdfLabel, byte(len("tls13 ")+len(label)))
	hkdfLabel = append(hkdfLabel, "tls13 "...)
	hkdfLabel = append(hkdfLabel, label...)
	hkdfLabel = append(hkdfLabel, byte(len(context)))
	hkdfLabel = append(hkdfLabel, context...)
	out, err := hkdf.Expand(sha256.New, secret, string(hkdfLabel), length)
	if err != nil {
		t.Fatal(err)
	}
	return out
}

func deriveSecretLonghand(t *testing.T, secret []byte, label string, transcript []byte) []byte {
	t.Helper()
	h := sha256.Sum256(transcript)
	return expandLabelLonghand(t, secret, label, h[:], sha256.Size)
}

func TestExpandLabelMatchesLonghand(t *testing.T) {
	secret := bytes.Repeat([]byte{0x0b}, 32)
	context := []byte("some context")

	got, err := tls13.ExpandLabel(sha256.New, secret, "c hs traffic", context, 32)
	if err != nil {
		t.Fatal(err)
	}
	want := expandLabelLonghand(t, secret, "c hs traffic", context, 32)
	if !bytes.Equal(got, want) {
		t.Errorf("ExpandLabel = %x, want %x", got, want)
	}
}

func TestExpandLabelRejectsOversizedLabel(t *testing.T) {
	if _, err := tls13.ExpandLabel(sha256.New, make([]byte, 32), string(make([]byte, 256)), nil, 32); err == nil {
		t.Error("oversized label accepted")
	}
	if _, err := tls13.ExpandLabel(sha256.New, make([]byte, 32), "x", make([]byte, 256), 32); err == nil {
		t.Error("oversized context accepted")
	}
}

// TestKeyScheduleLadder walks the full RFC 8446 Section 7.1 ladder longhand
// and checks every stage the implementation exposes against it.
func TestKeyScheduleLadder(t *testing.T) {
	psk := bytes.Repeat([]byte{0x01}, 32)
	ecdhe := bytes.Repeat([]byte{0x02}, 32)
	transcriptCH := []byte("client hello bytes")
	transcriptSH := []byte("client hello bytes" + "server hello bytes")
	transcriptSF := transcriptSH

	// Longhand ladder.
	zeros := make([]byte, 32)
	early, err := hkdf.Extract(sha256.New, psk, zeros)
	if err != nil {
		t.Fatal(err)
	}
	binderKeyWant := deriveSecretLonghand(t, early, "res binder", nil)
	cEarlyWant := deriveSecretLonghand(t, early, "c e traffic", transcriptCH)

	derived := deriveSecretLonghand(t, early, "derived", nil)
	handshake, err := hkdf.Extract(sha256.New, ecdhe, derived)
	if err != nil {
		t.Fatal(err)
	}
	cHSWant := deriveSecretLonghand(t, handshake, "c hs traffic", transcriptSH)
	sHSWant := deriveSecretLonghand(t, handshake, "s hs traffic", transcriptSH)

	derived2 := deriveSecretLonghand(t, handshake, "derived", nil)
	master, err := hkdf.Extract(sha256.New, zeros, derived2)
	if err != nil {
		t.Fatal(err)
	}
	cAPWant := deriveSecretLonghand(t, master, "c ap traffic", transcriptSF)
	resWant := deriveSecretLonghand(t, master, "res master", transcriptSF)

	// Implementation under test.
	earlySecret, err := tls13.NewEarlySecret(sha256.New, psk)
	if err != nil {
		t.Fatal(err)
	}

	binderKey, err := earlySecret.ResumptionBinderKey()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(binderKey, binderKeyWant) {
		t.Error("binder key diverges from longhand derivation")
	}

	chHash := sha256.New()
	chHash.Write(transcriptCH)
	cEarly, err := earlySecret.ClientEarlyTrafficSecret(chHash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cEarly, cEarlyWant) {
		t.Error("client early traffic secret diverges from longhand derivation")
	}

	handshakeSecret, err := earlySecret.HandshakeSecret(ecdhe)
	if err != nil {
		t.Fatal(err)
	}
	shHash := sha256.New()
	shHash.Write(transcriptSH)
	cHS, err := handshakeSecret.ClientHandshakeTrafficSecret(shHash)
	if err != nil {
		t.Fatal(err)
	}
	sHS, err := handshakeSecret.ServerHandshakeTrafficSecret(shHash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cHS, cHSWant) || !bytes.Equal(sHS, sHSWant) {
		t.Error("handshake traffic secrets diverge from longhand derivation")
	}

	masterSecret, err := handshakeSecret.MasterSecret()
	if err != nil {
		t.Fatal(err)
	}
	sfHash := sha256.New()
	sfHash.Write(transcriptSF)
	cAP, err := masterSecret.ClientApplicationTrafficSecret(sfHash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cAP, cAPWant) {
		t.Error("application traffic secret diverges from longhand derivation")
	}
	res, err := masterSecret.ResumptionMasterSecret(sfHash)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(res, resWant) {
		t.Error("resumption master secret diverges from longhand derivation")
	}
}

func TestTrafficKeyLengths(t *testing.T) {
	for _, suite := range cipherSuitesTLS13 {
		secret := bytes.Repeat([]byte{0x33}, suite.hash.Size())
		key, iv, err := suite.trafficKey(secret)
		if err != nil {
			t.Fatal(err)
		}
		if len(key) != suite.keyLen {
			t.Errorf("suite %04x key length = %d, want %d", suite.id, len(key), suite.keyLen)
		}
		if len(iv) != aeadNonceLength {
			t.Errorf("suite %04x iv length = %d, want %d", suite.id, len(iv), aeadNonceLength)
		}
	}
}

func TestNextTrafficSecretDiffers(t *testing.T) {
	suite := cipherSuiteTLS13ByID(TLS_AES_128_GCM_SHA256)
	secret := bytes.Repeat([]byte{0x44}, 32)
	next, err := suite.nextTrafficSecret(secret)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(secret, next) {
		t.Error("traffic secret did not rotate")
	}
	want := expandLabelLonghand(t, secret, "traffic upd", nil, 32)
	if !bytes.Equal(next, want) {
		t.Error("rotated secret diverges from longhand derivation")
	}
}

func TestFinishedHashLonghand(t *testing.T) {
	suite := cipherSuiteTLS13ByID(TLS_AES_128_GCM_SHA256)
	baseKey := bytes.Repeat([]byte{0x55}, 32)
	transcript := sha256.New()
	transcript.Write([]byte("handshake so far"))

	got, err := suite.finishedHash(baseKey, transcript)
	if err != nil {
		t.Fatal(err)
	}

	finishedKey := expandLabelLonghand(t, baseKey, "finished", nil, 32)
	mac := hmac.New(sha256.New, finishedKey)
	mac.Write(transcript.Sum(nil))
	want := mac.Sum(nil)

	if !bytes.Equal(got, want) {
		t.Errorf("finishedHash = %x, want %x", got, want)
	}
}
