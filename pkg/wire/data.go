package wire

import (
	"encoding/binary"
	"fmt"
	"math"
)

// GraphSystem is the GraphID reserved for system and control messages.
const GraphSystem uint32 = 0

// DataMessage carries an application payload on a channel between two
// nodes.
//
// Layout, little-endian:
//
//	[u32 GraphID][u32 XID]
//	[u32 len(Service)][Service]
//	[u32 len(Channel)][Channel]
//	[u32 len(Payload)][Payload]
//
// Routes is never encoded, it only restricts where a local publish goes.
type DataMessage struct {
	GraphID uint32
	XID     uint32
	Service string
	Channel string
	Payload []byte
	Routes  []string
}

// Valid reports whether the message can be dispatched.
func (m *DataMessage) Valid() bool {
	return m.Service != "" && m.Channel != "" && m.XID > 0
}

// EncodedLen returns the size of the encoded message.
func (m *DataMessage) EncodedLen() int {
	return 4*5 + len(m.Service) + len(m.Channel) + len(m.Payload)
}

// MarshalBinary encodes the message, Routes excluded.
func (m *DataMessage) MarshalBinary() ([]byte, error) {
	return m.AppendBinary(make([]byte, 0, m.EncodedLen()))
}

// AppendBinary appends the encoded message to buf.
func (m *DataMessage) AppendBinary(buf []byte) ([]byte, error) {
	if !isASCII(m.Service) || !isASCII(m.Channel) {
		return nil, ErrNonASCII
	}
	if uint64(len(m.Payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: payload of %d bytes", ErrFieldTooLarge, len(m.Payload))
	}

	buf = binary.LittleEndian.AppendUint32(buf, m.GraphID)
	buf = binary.LittleEndian.AppendUint32(buf, m.XID)
	buf = appendString32(buf, m.Service)
	buf = appendString32(buf, m.Channel)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(m.Payload)))
	buf = append(buf, m.Payload...)
	return buf, nil
}

// UnmarshalBinary decodes buf into m. The payload is copied so buf can be
// reused by the caller.
func (m *DataMessage) UnmarshalBinary(buf []byte) error {
	r := reader{buf: buf}

	graphID, err := r.u32()
	if err != nil {
		return err
	}
	xid, err := r.u32()
	if err != nil {
		return err
	}
	service, err := r.string32()
	if err != nil {
		return fmt.Errorf("%w: service", err)
	}
	channel, err := r.string32()
	if err != nil {
		return fmt.Errorf("%w: channel", err)
	}
	payloadLen, err := r.u32()
	if err != nil {
		return fmt.Errorf("%w: payload length", err)
	}
	payload, err := r.bytes(uint64(payloadLen))
	if err != nil {
		return fmt.Errorf("%w: payload", err)
	}
	if r.remaining() > 0 {
		return ErrTrailingBytes
	}

	*m = DataMessage{
		GraphID: graphID,
		XID:     xid,
		Service: service,
		Channel: channel,
		Payload: append(make([]byte, 0, len(payload)), payload...),
	}
	return nil
}

// DecodeData is a convenience wrapper around UnmarshalBinary.
func DecodeData(buf []byte) (*DataMessage, error) {
	msg := &DataMessage{}
	if err := msg.UnmarshalBinary(buf); err != nil {
		return nil, err
	}
	return msg, nil
}

func appendString32(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] > 0x7F {
			return false
		}
	}
	return true
}

type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) bytes(n uint64) ([]byte, error) {
	if n > uint64(r.remaining()) {
		return nil, ErrTruncated
	}
	out := r.buf[r.off : r.off+int(n)]
	r.off += int(n)
	return out, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.bytes(2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) string32() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(uint64(n))
	if err != nil {
		return "", err
	}
	if !isASCII(string(b)) {
		return "", ErrNonASCII
	}
	return string(b), nil
}
