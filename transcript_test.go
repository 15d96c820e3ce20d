package tls13

import (
	"bytes"
	"crypto"
	"crypto/sha256"
	"testing"
)

func TestSubstituteMessageHash(t *testing.T) {
	ch1 := []byte("pretend this is a marshaled ClientHello")

	transcript := sha256.New()
	transcript.Write(ch1)
	substituteMessageHash(transcript)

	// RFC 8446, Section 4.4.1: message_hash || 00 00 || Hash.length ||
	// Hash(ClientHello1).
	chHash := sha256.Sum256(ch1)
	want := sha256.New()
	want.Write([]byte{typeMessageHash, 0, 0, sha256.Size})
	want.Write(chHash[:])

	if !bytes.Equal(transcript.Sum(nil), want.Sum(nil)) {
		t.Error("message_hash substitution diverges from the longhand form")
	}
}

// TestTranscriptHRRSequence checks property: after HRR, the transcript equals
// Hash(message_hash(CH1) || HRR || CH2 || ...) regardless of how it was fed.
func TestTranscriptHRRSequence(t *testing.T) {
	ch1 := []byte("client hello one")
	hrr := []byte("hello retry request")
	ch2 := []byte("client hello two")
	rest := []byte("server hello and the rest")

	// Incremental, as the state machines do it.
	transcript := sha256.New()
	transcript.Write(ch1)
	substituteMessageHash(transcript)
	transcript.Write(hrr)
	transcript.Write(ch2)
	transcript.Write(rest)

	// One-shot, as RFC 8446 states it.
	chHash := sha256.Sum256(ch1)
	oneShot := sha256.New()
	oneShot.Write([]byte{typeMessageHash, 0, 0, sha256.Size})
	oneShot.Write(chHash[:])
	oneShot.Write(hrr)
	oneShot.Write(ch2)
	oneShot.Write(rest)

	if !bytes.Equal(transcript.Sum(nil), oneShot.Sum(nil)) {
		t.Error("incremental and one-shot HRR transcripts diverge")
	}
}

func TestCloneHashIndependence(t *testing.T) {
	h := sha256.New()
	h.Write([]byte("shared prefix"))

	clone := cloneHash(h, crypto.SHA256)
	if clone == nil {
		t.Fatal("cloneHash failed for SHA-256")
	}
	if !bytes.Equal(h.Sum(nil), clone.Sum(nil)) {
		t.Fatal("clone does not match source at the fork point")
	}

	clone.Write([]byte("divergence"))
	h2 := sha256.New()
	h2.Write([]byte("shared prefix"))
	if !bytes.Equal(h.Sum(nil), h2.Sum(nil)) {
		t.Error("writing to the clone disturbed the original")
	}
}

// TestBinderCoversTruncatedHello checks that the binder is an HMAC over the
// transcript of the hello truncated before the binders list.
func TestBinderCoversTruncatedHello(t *testing.T) {
	suite := cipherSuiteTLS13ByID(TLS_AES_128_GCM_SHA256)
	hello := testClientHello()
	hello.pskIdentities = []pskIdentity{{label: []byte("ticket"), obfuscatedTicketAge: 1234}}
	hello.pskBinders = [][]byte{make([]byte, suite.hash.Size())}

	binderKey := bytes.Repeat([]byte{0x66}, suite.hash.Size())
	transcript := suite.hash.New()

	binders, err := computePSKBinders(hello, suite, binderKey, transcript)
	if err != nil {
		t.Fatal(err)
	}
	if err := hello.updateBinders(binders); err != nil {
		t.Fatal(err)
	}

	// Server-side verification from the wire image must reproduce it.
	wire, err := hello.marshal()
	if err != nil {
		t.Fatal(err)
	}
	var received clientHelloMsg
	if !received.unmarshal(wire) {
		t.Fatal("unmarshal failed")
	}
	truncated, err := truncatedClientHello(&received)
	if err != nil {
		t.Fatal(err)
	}
	verify := suite.hash.New()
	verify.Write(truncated)
	expected, err := suite.finishedHash(binderKey, verify)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(expected, received.pskBinders[0]) {
		t.Error("server-side binder verification diverges from client computation")
	}
}
