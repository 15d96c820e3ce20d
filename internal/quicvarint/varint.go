// Package quicvarint encodes and decodes the variable-length integers of
// RFC 9000, Section 16.
package quicvarint

import (
	"io"

	tlserrors "github.com/lodestone-net/tls13/errors"
)

// ErrNonMinimalEncoding is returned by Read when a varint is encoded using
// more bytes than necessary.
var ErrNonMinimalEncoding = tlserrors.New("quic: varint uses non-minimal encoding").AtError()

// ErrValueTooLarge is returned when a value exceeds the maximum QUIC varint
// (2^62-1).
var ErrValueTooLarge = tlserrors.New("quic: value exceeds maximum varint (2^62-1)").AtError()

const (
	// Min is the minimum value allowed for a QUIC varint.
	Min = 0

	// Max is the maximum allowed value for a QUIC varint (2^62-1).
	Max = maxVarInt8

	maxVarInt1 = 63
	maxVarInt2 = 16383
	maxVarInt4 = 1073741823
	maxVarInt8 = 4611686018427387903
)

// IsValidVarint reports whether i can be encoded as a QUIC variable-length
// integer, i.e. whether it is in the range [0, 2^62-1].
func IsValidVarint(i uint64) bool {
	return i <= maxVarInt8
}

// Read reads a number in the QUIC varint format from r, rejecting
// non-minimal encodings as required by RFC 9000 Section 16.
func Read(r io.ByteReader) (uint64, error) {
	firstByte, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	// the first two bits of the first byte encode the length
	numBytes := 1 << ((firstByte & 0xc0) >> 6)
	b1 := firstByte & (0xff - 0xc0)
	if numBytes == 1 {
		return uint64(b1), nil
	}
	b2, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if numBytes == 2 {
		val := uint64(b2) + uint64(b1)<<8
		if val < 64 {
			return 0, ErrNonMinimalEncoding
		}
		return val, nil
	}
	b3, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	b4, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if numBytes == 4 {
		val := uint64(b4) + uint64(b3)<<8 + uint64(b2)<<16 + uint64(b1)<<24
		if val < 16384 {
			return 0, ErrNonMinimalEncoding
		}
		return val, nil
	}
	b5, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	b6, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	b7, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	b8, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	val := uint64(b8) + uint64(b7)<<8 + uint64(b6)<<16 + uint64(b5)<<24 +
		uint64(b4)<<32 + uint64(b3)<<40 + uint64(b2)<<48 + uint64(b1)<<56
	if val < 1073741824 {
		return 0, ErrNonMinimalEncoding
	}
	return val, nil
}

// ReadLenient reads a number in the QUIC varint format from r, accepting any
// of the four encodings regardless of whether it is minimal. Peers are not
// required to produce minimal forms, so the wire decoders use this.
func ReadLenient(r io.ByteReader) (uint64, error) {
	firstByte, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	numBytes := 1 << ((firstByte & 0xc0) >> 6)
	b1 := firstByte & (0xff - 0xc0)
	if numBytes == 1 {
		return uint64(b1), nil
	}
	b2, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if numBytes == 2 {
		return uint64(b2) + uint64(b1)<<8, nil
	}
	b3, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	b4, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	if numBytes == 4 {
		return uint64(b4) + uint64(b3)<<8 + uint64(b2)<<16 + uint64(b1)<<24, nil
	}
	b5, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	b6, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	b7, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	b8, err := r.ReadByte()
	if err != nil {
		return 0, err
	}
	return uint64(b8) + uint64(b7)<<8 + uint64(b6)<<16 + uint64(b5)<<24 +
		uint64(b4)<<32 + uint64(b3)<<40 + uint64(b2)<<48 + uint64(b1)<<56, nil
}

// Append appends i in the QUIC varint format, using the shortest encoding
// that fits. Returns ErrValueTooLarge if i > Max.
func Append(b []byte, i uint64) ([]byte, error) {
	if i <= maxVarInt1 {
		return append(b, uint8(i)), nil
	}
	if i <= maxVarInt2 {
		return append(b, uint8(i>>8)|0x40, uint8(i)), nil
	}
	if i <= maxVarInt4 {
		return append(b, uint8(i>>24)|0x80, uint8(i>>16), uint8(i>>8), uint8(i)), nil
	}
	if i <= maxVarInt8 {
		return append(b,
			uint8(i>>56)|0xc0, uint8(i>>48), uint8(i>>40), uint8(i>>32),
			uint8(i>>24), uint8(i>>16), uint8(i>>8), uint8(i)), nil
	}
	return nil, ErrValueTooLarge
}

// Len determines the number of bytes that Append will use for i.
// Returns ErrValueTooLarge if i > Max.
func Len(i uint64) (int, error) {
	if i <= maxVarInt1 {
		return 1, nil
	}
	if i <= maxVarInt2 {
		return 2, nil
	}
	if i <= maxVarInt4 {
		return 4, nil
	}
	if i <= maxVarInt8 {
		return 8, nil
	}
	return 0, ErrValueTooLarge
}
