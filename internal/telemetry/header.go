package telemetry

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the size of the fragment header that prefixes every datagram.
const HeaderLen = 8

// Header is the decoded fragment header.
//
//	offset  size  field
//	0       1     system_id
//	1       2     total_fragments (big-endian)
//	3       2     fragment_index  (big-endian, 1-based)
//	5       1     sub_type
//	6       2     reserved
type Header struct {
	SystemID       uint8
	TotalFragments uint16
	FragmentIndex  uint16
	SubType        uint8
	Reserved       uint16
}

// DecodeHeader parses the first HeaderLen bytes of a datagram.
// Datagrams shorter than HeaderLen return ErrMalformedDatagram.
func DecodeHeader(datagram []byte) (Header, error) {
	if len(datagram) < HeaderLen {
		return Header{}, fmt.Errorf("%w: %d bytes, need %d", ErrMalformedDatagram, len(datagram), HeaderLen)
	}
	return Header{
		SystemID:       datagram[0],
		TotalFragments: binary.BigEndian.Uint16(datagram[1:3]),
		FragmentIndex:  binary.BigEndian.Uint16(datagram[3:5]),
		SubType:        datagram[5],
		Reserved:       binary.BigEndian.Uint16(datagram[6:8]),
	}, nil
}

// AppendTo appends the wire encoding of h to b.
func (h Header) AppendTo(b []byte) []byte {
	b = append(b, h.SystemID)
	b = binary.BigEndian.AppendUint16(b, h.TotalFragments)
	b = binary.BigEndian.AppendUint16(b, h.FragmentIndex)
	b = append(b, h.SubType)
	return binary.BigEndian.AppendUint16(b, h.Reserved)
}

func (h Header) String() string {
	return fmt.Sprintf("sys=0x%02x sub=0x%02x total=%d index=%d", h.SystemID, h.SubType, h.TotalFragments, h.FragmentIndex)
}

// Fragment splits frame into wire datagrams of at most payloadLen payload
// bytes each, numbered from 1. It is the sending-side counterpart of
// Reassembly and is used to build replay fixtures.
func Fragment(systemID, subType uint8, frame []byte, payloadLen int) ([][]byte, error) {
	if payloadLen <= 0 {
		return nil, fmt.Errorf("payload length must be positive, got %d", payloadLen)
	}
	n := (len(frame) + payloadLen - 1) / payloadLen
	if n == 0 {
		n = 1
	}
	if n > 0xffff {
		return nil, fmt.Errorf("frame of %d bytes needs %d fragments, max %d", len(frame), n, 0xffff)
	}

	out := make([][]byte, 0, n)
	for i := 0; i < n; i++ {
		start := i * payloadLen
		end := min(start+payloadLen, len(frame))
		h := Header{
			SystemID:       systemID,
			TotalFragments: uint16(n),
			FragmentIndex:  uint16(i + 1),
			SubType:        subType,
		}
		d := make([]byte, 0, HeaderLen+end-start)
		d = h.AppendTo(d)
		d = append(d, frame[start:end]...)
		out = append(out, d)
	}
	return out, nil
}
