package quicvarint

import (
	"bytes"
	"testing"
)

// Vectors from RFC 9000, Appendix A.1.
var rfc9000Vectors = []struct {
	encoded []byte
	value   uint64
}{
	{[]byte{0x25}, 37},
	{[]byte{0x40, 0x25}, 37}, // non-minimal 2-byte form
	{[]byte{0x7b, 0xbd}, 15293},
	{[]byte{0x9d, 0x7f, 0x3e, 0x7d}, 494878333},
	{[]byte{0xc2, 0x19, 0x7c, 0x5e, 0xff, 0x14, 0xe8, 0x8c}, 151288809941952652},
}

func TestReadLenient(t *testing.T) {
	for _, v := range rfc9000Vectors {
		got, err := ReadLenient(bytes.NewReader(v.encoded))
		if err != nil {
			t.Fatalf("ReadLenient(%x): %v", v.encoded, err)
		}
		if got != v.value {
			t.Errorf("ReadLenient(%x) = %d, want %d", v.encoded, got, v.value)
		}
	}
}

func TestReadRejectsNonMinimal(t *testing.T) {
	nonMinimal := [][]byte{
		{0x40, 0x25},                                     // 37 in 2 bytes
		{0x80, 0x00, 0x00, 0x25},                         // 37 in 4 bytes
		{0xc0, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x25}, // 37 in 8 bytes
	}
	for _, encoded := range nonMinimal {
		if _, err := Read(bytes.NewReader(encoded)); err != ErrNonMinimalEncoding {
			t.Errorf("Read(%x): err = %v, want ErrNonMinimalEncoding", encoded, err)
		}
	}

	// Minimal forms still pass.
	for _, v := range rfc9000Vectors {
		if len(v.encoded) == 2 && v.value == 37 {
			continue
		}
		got, err := Read(bytes.NewReader(v.encoded))
		if err != nil {
			t.Fatalf("Read(%x): %v", v.encoded, err)
		}
		if got != v.value {
			t.Errorf("Read(%x) = %d, want %d", v.encoded, got, v.value)
		}
	}
}

func TestAppendShortestForm(t *testing.T) {
	cases := []struct {
		value uint64
		size  int
	}{
		{0, 1},
		{63, 1},
		{64, 2},
		{16383, 2},
		{16384, 4},
		{1073741823, 4},
		{1073741824, 8},
		{4611686018427387903, 8},
	}
	for _, c := range cases {
		encoded, err := Append(nil, c.value)
		if err != nil {
			t.Fatalf("Append(%d): %v", c.value, err)
		}
		if len(encoded) != c.size {
			t.Errorf("Append(%d) used %d bytes, want %d", c.value, len(encoded), c.size)
		}
		l, err := Len(c.value)
		if err != nil {
			t.Fatal(err)
		}
		if l != len(encoded) {
			t.Errorf("Len(%d) = %d, but Append produced %d bytes", c.value, l, len(encoded))
		}
		decoded, err := Read(bytes.NewReader(encoded))
		if err != nil {
			t.Fatalf("Read(Append(%d)): %v", c.value, err)
		}
		if decoded != c.value {
			t.Errorf("round trip of %d gave %d", c.value, decoded)
		}
	}
}

func TestValueTooLarge(t *testing.T) {
	if _, err := Append(nil, Max+1); err != ErrValueTooLarge {
		t.Errorf("Append(Max+1): err = %v, want ErrValueTooLarge", err)
	}
	if _, err := Len(Max + 1); err != ErrValueTooLarge {
		t.Errorf("Len(Max+1): err = %v, want ErrValueTooLarge", err)
	}
	if IsValidVarint(Max + 1) {
		t.Error("IsValidVarint(Max+1) = true")
	}
	if !IsValidVarint(Max) {
		t.Error("IsValidVarint(Max) = false")
	}
}

func TestReadTruncated(t *testing.T) {
	for _, encoded := range [][]byte{{0x40}, {0x80, 0x01}, {0xc0, 1, 2, 3}} {
		if _, err := ReadLenient(bytes.NewReader(encoded)); err == nil {
			t.Errorf("ReadLenient(%x) accepted a truncated varint", encoded)
		}
	}
}
