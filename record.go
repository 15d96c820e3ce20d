package tls13

import (
	"net"
	"sync"

	"github.com/lodestone-net/tls13/internal/byteorder"
)

// A halfConn represents one direction of the record layer: a cipher state,
// a 64-bit sequence number, and the traffic secret the cipher was derived
// from. Sequence numbers reset to zero at every key change and are never
// transmitted; the nonce is the sequence number XORed into the static IV.
type halfConn struct {
	sync.Mutex

	err    error  // first permanent error
	cipher aead   // nil before the first key change
	seq    [8]byte // big-endian sequence number

	suite         *cipherSuiteTLS13
	trafficSecret []byte

	// epoch counts key changes. Epoch 0 is cleartext. The handshake
	// reassembly layer uses it to reject messages spanning a key change.
	epoch int

	// recordSizeLimit is the peer's advertised record_size_limit, bounding
	// the plaintext this half may produce. Zero means the protocol limit.
	recordSizeLimit int

	scratchBuf [13]byte
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Timeout() bool   { return false }
func (e *permanentError) Temporary() bool { return false }

func (hc *halfConn) setErrorLocked(err error) error {
	if e, ok := err.(net.Error); ok {
		hc.err = &permanentError{err: e}
	} else {
		hc.err = err
	}
	return hc.err
}

// setTrafficSecret sets the current cipher state to one derived from the
// given traffic secret. The sequence number is reset and the epoch advances.
func (hc *halfConn) setTrafficSecret(suite *cipherSuiteTLS13, secret []byte) error {
	hc.suite = suite
	hc.trafficSecret = secret
	key, iv, err := suite.trafficKey(secret)
	if err != nil {
		return err
	}
	hc.cipher = suite.aead(key, iv)
	for i := range hc.seq {
		hc.seq[i] = 0
	}
	hc.epoch++
	return nil
}

// clearCipher drops back to cleartext framing. Used only when a
// HelloRetryRequest voids the early traffic keys before the second
// ClientHello goes out.
func (hc *halfConn) clearCipher() {
	hc.cipher = nil
	hc.suite = nil
	hc.trafficSecret = nil
	for i := range hc.seq {
		hc.seq[i] = 0
	}
}

// nextKeys rotates to the next generation of traffic keys per RFC 8446,
// Section 7.2, for KeyUpdate and sequence exhaustion.
func (hc *halfConn) nextKeys() error {
	nextSecret, err := hc.suite.nextTrafficSecret(hc.trafficSecret)
	if err != nil {
		return err
	}
	return hc.setTrafficSecret(hc.suite, nextSecret)
}

// errSeqOverflow is mapped to internal_error: not enough sequence numbers
// were left to keep writing, and rotation did not happen in time.
var errSeqOverflow error = alertInternalError

// incSeq increments the sequence number.
func (hc *halfConn) incSeq() error {
	for i := 7; i >= 0; i-- {
		hc.seq[i]++
		if hc.seq[i] != 0 {
			return nil
		}
	}
	// Sequence number wrapped: the peer and we would reuse a nonce. The
	// protocol requires rekeying or closing long before this point.
	return errSeqOverflow
}

// seqNearingOverflow reports whether the sequence number is close enough to
// 2^64-1 that a KeyUpdate must be initiated before further writes.
func (hc *halfConn) seqNearingOverflow() bool {
	return hc.seq[0] == 0xff && hc.seq[1] == 0xff && hc.seq[2] == 0xff &&
		hc.seq[3] == 0xff && hc.seq[4] == 0xff && hc.seq[5] == 0xff &&
		hc.seq[6] == 0xff && hc.seq[7] >= 0xf0
}

// decrypt authenticates and decrypts a TLSCiphertext record, returning the
// inner plaintext and true content type. Before the first key change it
// passes records through unchanged.
func (hc *halfConn) decrypt(record []byte) ([]byte, recordType, error) {
	var plaintext []byte
	typ := recordType(record[0])
	payload := record[recordHeaderLen:]

	if hc.cipher == nil {
		return payload, typ, nil
	}

	if typ != recordTypeApplicationData {
		// Everything after the first key change is wrapped, except the
		// compatibility ChangeCipherSpec which the caller filters first.
		return nil, 0, alertUnexpectedMessage
	}
	if len(payload) > maxCiphertext {
		return nil, 0, alertRecordOverflow
	}

	nonce := hc.seq[:]
	additionalData := record[:recordHeaderLen]

	var err error
	plaintext, err = hc.cipher.Open(payload[:0], nonce, payload, additionalData)
	if err != nil {
		return nil, 0, alertBadRecordMAC
	}
	if len(plaintext) > maxPlaintext+1 {
		return nil, 0, alertRecordOverflow
	}

	// Remove the zero padding and pick out the inner content type.
	// RFC 8446, Section 5.4.
	i := len(plaintext) - 1
	for i >= 0 && plaintext[i] == 0 {
		i--
	}
	if i < 0 {
		// A record with no content type is forbidden.
		return nil, 0, alertUnexpectedMessage
	}
	typ = recordType(plaintext[i])
	plaintext = plaintext[:i]

	if err := hc.incSeq(); err != nil {
		return nil, 0, err
	}
	return plaintext, typ, nil
}

// sliceForAppend extends the input slice by n bytes. head is the full
// extended slice, while tail is the appended part.
func sliceForAppend(in []byte, n int) (head, tail []byte) {
	if total := len(in) + n; cap(in) >= total {
		head = in[:total]
	} else {
		head = make([]byte, total)
		copy(head, in)
	}
	tail = head[len(in):]
	return
}

// encrypt seals a record. record contains the header, payload the inner
// plaintext already carrying the true content type as its final byte when a
// cipher is active.
func (hc *halfConn) encrypt(record, payload []byte) ([]byte, error) {
	if hc.cipher == nil {
		record = append(record, payload...)
		byteorder.BEPutUint16(record[3:], uint16(len(record)-recordHeaderLen))
		return record, nil
	}

	nonce := hc.seq[:]
	record, dst := sliceForAppend(record, len(payload)+hc.cipher.Overhead())

	// The AAD is the TLSCiphertext header with the final length filled in.
	byteorder.BEPutUint16(record[3:], uint16(len(record)-recordHeaderLen))
	additionalData := record[:recordHeaderLen]

	hc.cipher.Seal(dst[:0], nonce, payload, additionalData)

	if err := hc.incSeq(); err != nil {
		return nil, err
	}
	return record, nil
}
