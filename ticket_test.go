package tls13

import (
	"bytes"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestSessionStateRoundTrip(t *testing.T) {
	s := &SessionState{
		version:      VersionTLS13,
		cipherSuite:  TLS_AES_256_GCM_SHA384,
		createdAt:    1700000000,
		secret:       bytes.Repeat([]byte{0x42}, 48),
		alpnProtocol: "h2",
		maxEarlyData: 16384,
		ticket:       []byte("opaque-ticket"),
		ageAdd:       0xdeadbeef,
		useBy:        1700604800,
	}

	blob, err := s.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	parsed, err := ParseSessionState(blob)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff(s, parsed, cmp.AllowUnexported(SessionState{})); diff != "" {
		t.Errorf("session state round trip mismatch (-want +got):\n%s", diff)
	}

	// The opaque form must round-trip byte-exactly, too.
	blob2, err := parsed.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(blob, blob2) {
		t.Error("re-encoded session state differs")
	}
}

func TestParseSessionStateRejectsGarbage(t *testing.T) {
	if _, err := ParseSessionState([]byte("short")); err == nil {
		t.Error("garbage session state accepted")
	}
	s := &SessionState{version: VersionTLS13, cipherSuite: TLS_AES_128_GCM_SHA256, secret: []byte{1}}
	blob, err := s.Bytes()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ParseSessionState(blob[:len(blob)-1]); err == nil {
		t.Error("truncated session state accepted")
	}
}

func TestTicketSealRoundTrip(t *testing.T) {
	config := &Config{}
	state := []byte("resumable session state")

	ticket, err := config.encryptTicket(state)
	if err != nil {
		t.Fatal(err)
	}
	if got := config.decryptTicket(ticket); !bytes.Equal(got, state) {
		t.Errorf("decryptTicket = %q, want %q", got, state)
	}

	// Any tampering voids the ticket.
	for _, i := range []int{0, ticketIVSize, len(ticket) - 1} {
		tampered := append([]byte(nil), ticket...)
		tampered[i] ^= 0x80
		if config.decryptTicket(tampered) != nil {
			t.Errorf("tampered ticket (byte %d) accepted", i)
		}
	}

	// A different config, with different keys, cannot open it.
	other := &Config{}
	if other.decryptTicket(ticket) != nil {
		t.Error("foreign config decrypted the ticket")
	}
}

func TestTicketKeyRotation(t *testing.T) {
	config := &Config{}
	var key1, key2 [32]byte
	copy(key1[:], bytes.Repeat([]byte{1}, 32))
	copy(key2[:], bytes.Repeat([]byte{2}, 32))

	config.SetSessionTicketKeys([][32]byte{key1})
	ticket, err := config.encryptTicket([]byte("state"))
	if err != nil {
		t.Fatal(err)
	}

	// After rotation, tickets issued under the old key still decrypt as long
	// as the key stays in the list.
	config.SetSessionTicketKeys([][32]byte{key2, key1})
	if config.decryptTicket(ticket) == nil {
		t.Error("ticket under rotated-out-of-first-place key rejected")
	}

	config.SetSessionTicketKeys([][32]byte{key2})
	if config.decryptTicket(ticket) != nil {
		t.Error("ticket under removed key accepted")
	}
}

func TestStrikeRegister(t *testing.T) {
	r := newStrikeRegister()
	now := time.Unix(1700000000, 0)

	if !r.firstUse("offer-a", now) {
		t.Error("first use rejected")
	}
	if r.firstUse("offer-a", now.Add(time.Second)) {
		t.Error("replay inside the window accepted")
	}
	if !r.firstUse("offer-b", now) {
		t.Error("unrelated offer rejected")
	}

	// Outside the window the entry has been forgotten; the freshness check,
	// not the register, polices stale offers.
	if !r.firstUse("offer-a", now.Add(r.window+time.Second)) {
		t.Error("expired entry still blocking")
	}
}
