package tls13

import (
	"crypto"
	"encoding"
	"hash"

	tlserrors "github.com/lodestone-net/tls13/errors"
)

// The transcript hash covers every handshake message byte in wire order.
// Three operations beyond plain Write are needed: appending a marshaled
// message, snapshotting the state for PSK binder computation (clone + extend,
// never rewind), and the HelloRetryRequest substitution that replaces the
// buffered ClientHello1 with a synthetic message_hash message.
// RFC 8446, Sections 4.4.1 and 4.2.11.2.

// transcriptMsg marshals msg and feeds it to the transcript.
func transcriptMsg(msg handshakeMessage, transcript hash.Hash) error {
	data, err := msg.marshal()
	if err != nil {
		return err
	}
	transcript.Write(data)
	return nil
}

// cloneHash makes a deep copy of a running hash so binders can be computed
// over a truncated ClientHello without disturbing the live transcript.
// Returns nil if the hash does not support serialization; the standard SHA-2
// implementations all do.
func cloneHash(in hash.Hash, h crypto.Hash) hash.Hash {
	marshaler, ok := in.(encoding.BinaryMarshaler)
	if !ok {
		return nil
	}
	state, err := marshaler.MarshalBinary()
	if err != nil {
		return nil
	}
	out := h.New()
	unmarshaler, ok := out.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil
	}
	if err := unmarshaler.UnmarshalBinary(state); err != nil {
		return nil
	}
	return out
}

// substituteMessageHash replaces the transcript contents with the synthetic
//
//	message_hash || 00 00 || Hash.length || Hash(previous contents)
//
// message used after HelloRetryRequest. RFC 8446, Section 4.4.1.
func substituteMessageHash(transcript hash.Hash) {
	chHash := transcript.Sum(nil)
	transcript.Reset()
	transcript.Write([]byte{typeMessageHash, 0, 0, uint8(len(chHash))})
	transcript.Write(chHash)
}

// computePSKBinders computes the binder for each offered identity over the
// truncated ClientHello, cloning the live transcript rather than rewinding
// it. The caller patches the results into the hello with updateBinders.
func computePSKBinders(hello *clientHelloMsg, suite *cipherSuiteTLS13, binderKey []byte, transcript hash.Hash) ([][]byte, error) {
	truncated, err := hello.marshalWithoutBinders()
	if err != nil {
		return nil, err
	}
	binders := make([][]byte, 0, len(hello.pskBinders))
	for range hello.pskBinders {
		t := cloneHash(transcript, suite.hash)
		if t == nil {
			return nil, tlserrors.New("tls: internal error: failed to clone hash").AtError()
		}
		t.Write(truncated)
		binder, err := suite.finishedHash(binderKey, t)
		if err != nil {
			return nil, err
		}
		binders = append(binders, binder)
	}
	return binders, nil
}
