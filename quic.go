package tls13

import (
	"bytes"

	tlserrors "github.com/lodestone-net/tls13/errors"
	"github.com/lodestone-net/tls13/internal/quicvarint"
)

// A TransportParameter is a single QUIC transport parameter: an id and an
// opaque value, both carried in the quic_transport_parameters extension as
// RFC 9000 variable-length integers. RFC 9001, Section 8.2.
type TransportParameter struct {
	ID    uint64
	Value []byte
}

// IsGrease reports whether the parameter id is a reserved (GREASE) value,
// 27 + 31*N per RFC 9000, Section 18.1.
func (p TransportParameter) IsGrease() bool {
	return p.ID >= 27 && (p.ID-27)%31 == 0
}

// TransportParameters is the ordered list of parameters carried in the
// quic_transport_parameters extension. Unknown and GREASE ids are preserved
// on decode and re-emitted on encode; interpretation is the QUIC layer's
// concern.
type TransportParameters struct {
	Params []TransportParameter
}

// Add appends a parameter.
func (p *TransportParameters) Add(id uint64, value []byte) {
	p.Params = append(p.Params, TransportParameter{ID: id, Value: value})
}

// Get returns the value of the first parameter with the given id.
func (p *TransportParameters) Get(id uint64) ([]byte, bool) {
	for _, param := range p.Params {
		if param.ID == id {
			return param.Value, true
		}
	}
	return nil, false
}

// length returns the encoded size in bytes.
func (p *TransportParameters) length() (int, error) {
	var n int
	for _, param := range p.Params {
		idLen, err := quicvarint.Len(param.ID)
		if err != nil {
			return 0, err
		}
		valLen, err := quicvarint.Len(uint64(len(param.Value)))
		if err != nil {
			return 0, err
		}
		n += idLen + valLen + len(param.Value)
	}
	return n, nil
}

// marshal encodes the parameter list as (id, length, value) varint triples.
func (p *TransportParameters) marshal() ([]byte, error) {
	size, err := p.length()
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, size)
	for _, param := range p.Params {
		out, err = quicvarint.Append(out, param.ID)
		if err != nil {
			return nil, err
		}
		out, err = quicvarint.Append(out, uint64(len(param.Value)))
		if err != nil {
			return nil, err
		}
		out = append(out, param.Value...)
	}
	return out, nil
}

var errTransportParamsTruncated = tlserrors.New("tls: quic_transport_parameters truncated").AtError()

// parseTransportParameters decodes an extension body. Any varint form is
// accepted; a length running past the body is an error.
func parseTransportParameters(data []byte) (*TransportParameters, error) {
	p := &TransportParameters{}
	r := bytes.NewReader(data)
	for r.Len() > 0 {
		id, err := quicvarint.ReadLenient(r)
		if err != nil {
			return nil, errTransportParamsTruncated
		}
		length, err := quicvarint.ReadLenient(r)
		if err != nil {
			return nil, errTransportParamsTruncated
		}
		if uint64(r.Len()) < length {
			return nil, errTransportParamsTruncated
		}
		var value []byte
		if length > 0 {
			value = make([]byte, length)
			if _, err := r.Read(value); err != nil {
				return nil, errTransportParamsTruncated
			}
		}
		p.Params = append(p.Params, TransportParameter{ID: id, Value: value})
	}
	return p, nil
}
