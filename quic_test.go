package tls13

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTransportParametersRoundTrip(t *testing.T) {
	p := &TransportParameters{}
	p.Add(0x00, []byte{0xde, 0xad})                  // original_destination_connection_id
	p.Add(0x04, []byte{0x80, 0x10, 0x00, 0x00})      // initial_max_data
	p.Add(0x0f, nil)                                 // empty value
	p.Add(27, []byte("grease me"))                   // reserved id
	p.Add(4611686018427387903, []byte{0x01})         // 8-byte varint id

	body, err := p.marshal()
	require.NoError(t, err)

	length, err := p.length()
	require.NoError(t, err)
	require.Equal(t, length, len(body), "length() must match the encoded size")

	parsed, err := parseTransportParameters(body)
	require.NoError(t, err)
	require.Len(t, parsed.Params, 5)
	for i, want := range p.Params {
		assert.Equal(t, want.ID, parsed.Params[i].ID)
		assert.Equal(t, []byte(want.Value), []byte(parsed.Params[i].Value))
	}

	// Re-encoding reproduces the wire image, GREASE ids included.
	body2, err := parsed.marshal()
	require.NoError(t, err)
	assert.Equal(t, body, body2)
}

func TestTransportParametersGrease(t *testing.T) {
	assert.True(t, TransportParameter{ID: 27}.IsGrease())
	assert.True(t, TransportParameter{ID: 27 + 31}.IsGrease())
	assert.True(t, TransportParameter{ID: 27 + 31*100}.IsGrease())
	assert.False(t, TransportParameter{ID: 0x04}.IsGrease())
	assert.False(t, TransportParameter{ID: 28}.IsGrease())
}

func TestTransportParametersTruncated(t *testing.T) {
	p := &TransportParameters{}
	p.Add(0x04, []byte{1, 2, 3, 4})
	body, err := p.marshal()
	require.NoError(t, err)

	for n := 1; n < len(body); n++ {
		_, err := parseTransportParameters(body[:n])
		assert.Error(t, err, "truncation to %d bytes accepted", n)
	}
}

func TestTransportParametersNonMinimalVarint(t *testing.T) {
	// id 4 encoded in the 2-byte form: decoders accept any form.
	body := []byte{0x40, 0x04, 0x01, 0xff}
	parsed, err := parseTransportParameters(body)
	require.NoError(t, err)
	require.Len(t, parsed.Params, 1)
	assert.Equal(t, uint64(4), parsed.Params[0].ID)
	assert.Equal(t, []byte{0xff}, parsed.Params[0].Value)
}

func TestTransportParametersGet(t *testing.T) {
	p := &TransportParameters{}
	p.Add(1, []byte("one"))
	p.Add(2, []byte("two"))

	v, ok := p.Get(2)
	require.True(t, ok)
	assert.Equal(t, []byte("two"), v)

	_, ok = p.Get(99)
	assert.False(t, ok)
}
