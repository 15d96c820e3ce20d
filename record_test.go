package tls13

import (
	"bytes"
	"testing"

	"github.com/lodestone-net/tls13/internal/byteorder"
)

// sealRecord builds a protected application data record the way the write
// path does: header, payload with the inner type appended, AEAD seal.
func sealRecord(t *testing.T, hc *halfConn, typ recordType, data []byte) []byte {
	t.Helper()
	payload := append(append([]byte(nil), data...), byte(typ))
	record := make([]byte, recordHeaderLen)
	record[0] = byte(recordTypeApplicationData)
	byteorder.BEPutUint16(record[1:], VersionTLS12)
	byteorder.BEPutUint16(record[3:], uint16(len(payload)))
	sealed, err := hc.encrypt(record, payload)
	if err != nil {
		t.Fatal(err)
	}
	return sealed
}

func newTestHalfConnPair(t *testing.T, suiteID uint16) (in, out *halfConn) {
	t.Helper()
	suite := cipherSuiteTLS13ByID(suiteID)
	secret := bytes.Repeat([]byte{0x77}, suite.hash.Size())
	in, out = &halfConn{}, &halfConn{}
	if err := out.setTrafficSecret(suite, secret); err != nil {
		t.Fatal(err)
	}
	if err := in.setTrafficSecret(suite, secret); err != nil {
		t.Fatal(err)
	}
	return in, out
}

func TestRecordSealOpenRoundTrip(t *testing.T) {
	for _, suiteID := range []uint16{
		TLS_AES_128_GCM_SHA256, TLS_AES_256_GCM_SHA384, TLS_CHACHA20_POLY1305_SHA256,
	} {
		in, out := newTestHalfConnPair(t, suiteID)

		for i := 0; i < 4; i++ {
			msg := []byte("attack at dawn")
			sealed := sealRecord(t, out, recordTypeApplicationData, msg)
			plaintext, typ, err := in.decrypt(sealed)
			if err != nil {
				t.Fatalf("suite %04x record %d: %v", suiteID, i, err)
			}
			if typ != recordTypeApplicationData {
				t.Errorf("inner type = %d", typ)
			}
			if !bytes.Equal(plaintext, msg) {
				t.Errorf("suite %04x: decrypt = %q", suiteID, plaintext)
			}
		}
	}
}

func TestRecordBitFlipFails(t *testing.T) {
	in, out := newTestHalfConnPair(t, TLS_AES_128_GCM_SHA256)

	sealed := sealRecord(t, out, recordTypeApplicationData, []byte("payload"))
	sealed[len(sealed)-1] ^= 0x01
	if _, _, err := in.decrypt(sealed); err != alertBadRecordMAC {
		t.Errorf("flipped ciphertext: err = %v, want bad_record_mac", err)
	}

	// Flipping the AAD (the record header) must also fail, on a fresh pair
	// so sequence numbers line up.
	in, out = newTestHalfConnPair(t, TLS_AES_128_GCM_SHA256)
	sealed = sealRecord(t, out, recordTypeApplicationData, []byte("payload"))
	sealed[1] ^= 0x01 // legacy version byte, part of the additional data
	if _, _, err := in.decrypt(sealed); err != alertBadRecordMAC {
		t.Errorf("flipped AAD: err = %v, want bad_record_mac", err)
	}
}

func TestRecordSequenceNumbers(t *testing.T) {
	_, out := newTestHalfConnPair(t, TLS_AES_128_GCM_SHA256)

	if out.seq != [8]byte{} {
		t.Fatal("sequence number not zero after key change")
	}
	first := sealRecord(t, out, recordTypeApplicationData, []byte("x"))
	if out.seq != [8]byte{0, 0, 0, 0, 0, 0, 0, 1} {
		t.Errorf("sequence = %v after one record", out.seq)
	}
	second := sealRecord(t, out, recordTypeApplicationData, []byte("x"))
	if bytes.Equal(first, second) {
		t.Error("identical ciphertexts for successive records: nonce reuse")
	}

	// A key change resets the counter.
	if err := out.nextKeys(); err != nil {
		t.Fatal(err)
	}
	if out.seq != [8]byte{} {
		t.Error("sequence number not reset by key rotation")
	}
	if out.epoch != 2 {
		t.Errorf("epoch = %d after rotation, want 2", out.epoch)
	}
}

func TestRecordKeyRotationMatchesPeer(t *testing.T) {
	in, out := newTestHalfConnPair(t, TLS_CHACHA20_POLY1305_SHA256)

	if err := out.nextKeys(); err != nil {
		t.Fatal(err)
	}
	if err := in.nextKeys(); err != nil {
		t.Fatal(err)
	}

	msg := []byte("post-rotation data")
	sealed := sealRecord(t, out, recordTypeApplicationData, msg)
	plaintext, _, err := in.decrypt(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(plaintext, msg) {
		t.Error("rotated keys diverged between peers")
	}
}

func TestRecordPaddingStripped(t *testing.T) {
	in, out := newTestHalfConnPair(t, TLS_AES_128_GCM_SHA256)

	// Inner plaintext with zero padding after the content type.
	payload := append([]byte("padded"), byte(recordTypeApplicationData), 0, 0, 0, 0)
	record := make([]byte, recordHeaderLen)
	record[0] = byte(recordTypeApplicationData)
	byteorder.BEPutUint16(record[1:], VersionTLS12)
	byteorder.BEPutUint16(record[3:], uint16(len(payload)))
	sealed, err := out.encrypt(record, payload)
	if err != nil {
		t.Fatal(err)
	}

	plaintext, typ, err := in.decrypt(sealed)
	if err != nil {
		t.Fatal(err)
	}
	if typ != recordTypeApplicationData || !bytes.Equal(plaintext, []byte("padded")) {
		t.Errorf("padding handling: %q type %d", plaintext, typ)
	}
}

func TestRecordAllZeroPlaintextRejected(t *testing.T) {
	in, out := newTestHalfConnPair(t, TLS_AES_128_GCM_SHA256)

	payload := make([]byte, 8) // no content type anywhere
	record := make([]byte, recordHeaderLen)
	record[0] = byte(recordTypeApplicationData)
	byteorder.BEPutUint16(record[1:], VersionTLS12)
	byteorder.BEPutUint16(record[3:], uint16(len(payload)))
	sealed, err := out.encrypt(record, payload)
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := in.decrypt(sealed); err != alertUnexpectedMessage {
		t.Errorf("all-zero inner plaintext: err = %v, want unexpected_message", err)
	}
}

func TestMaxPayloadSizeForWrite(t *testing.T) {
	c := &Conn{}
	if got := c.maxPayloadSizeForWrite(); got != maxPlaintext {
		t.Errorf("no limit: %d", got)
	}
	c.out.recordSizeLimit = 512
	if got := c.maxPayloadSizeForWrite(); got != 512 {
		t.Errorf("cleartext with limit: %d", got)
	}
	suite := cipherSuiteTLS13ByID(TLS_AES_128_GCM_SHA256)
	if err := c.out.setTrafficSecret(suite, make([]byte, 32)); err != nil {
		t.Fatal(err)
	}
	if got := c.maxPayloadSizeForWrite(); got != 511 {
		t.Errorf("protected with limit: %d, want 511 (limit minus inner type)", got)
	}
}
