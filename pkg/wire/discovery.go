package wire

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// DiscoveryState is the handshake step a DiscoveryMessage belongs to.
type DiscoveryState uint8

const (
	StateConnect           DiscoveryState = 0
	StateRegister          DiscoveryState = 1
	StateGetInputChannels  DiscoveryState = 2
	StateGetOutputChannels DiscoveryState = 3
	StateError             DiscoveryState = 255
)

func (s DiscoveryState) String() string {
	switch s {
	case StateConnect:
		return "connect"
	case StateRegister:
		return "register"
	case StateGetInputChannels:
		return "get_input_channels"
	case StateGetOutputChannels:
		return "get_output_channels"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Encoding selects the layout of an encoded DiscoveryMessage. It is
// always the first byte of the buffer.
type Encoding uint8

const (
	// EncodingFlat is [state u8][port u16][len(host) u8][host][len(payload) u64][payload].
	EncodingFlat Encoding = 0
	// EncodingStructured uses the protobuf wire format.
	EncodingStructured Encoding = 1
)

func (e Encoding) String() string {
	switch e {
	case EncodingFlat:
		return "flat"
	case EncodingStructured:
		return "structured"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(e))
	}
}

// ParseEncoding accepts "flat" and "structured".
func ParseEncoding(s string) (Encoding, error) {
	switch s {
	case "flat", "":
		return EncodingFlat, nil
	case "structured":
		return EncodingStructured, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedEncoding, s)
}

// Field numbers of the structured encoding.
const (
	fieldState   protowire.Number = 1
	fieldPort    protowire.Number = 2
	fieldHost    protowire.Number = 3
	fieldPayload protowire.Number = 4
)

// DiscoveryMessage is exchanged between a node and the discovery service.
// Payload is either a comma separated list of channel names (node to
// service) or a JSON channel directory (service to node).
type DiscoveryMessage struct {
	State      DiscoveryState
	HostServer string
	Port       uint16
	Payload    string
}

// Address is the host:port the message advertises.
func (m *DiscoveryMessage) Address() string {
	return JoinAddr(m.HostServer, m.Port)
}

func (m *DiscoveryMessage) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("state", m.State.String()),
		slog.String("host", m.HostServer),
		slog.Int("port", int(m.Port)),
		slog.Int("payload_len", len(m.Payload)),
	)
}

// Encode serializes m with the requested encoding.
func (m *DiscoveryMessage) Encode(enc Encoding) ([]byte, error) {
	if !isASCII(m.HostServer) || !isASCII(m.Payload) {
		return nil, ErrNonASCII
	}

	switch enc {
	case EncodingFlat:
		if len(m.HostServer) > math.MaxUint8 {
			return nil, fmt.Errorf("%w: host of %d bytes", ErrFieldTooLarge, len(m.HostServer))
		}
		buf := make([]byte, 0, 1+1+2+1+len(m.HostServer)+8+len(m.Payload))
		buf = append(buf, byte(EncodingFlat), byte(m.State))
		buf = binary.LittleEndian.AppendUint16(buf, m.Port)
		buf = append(buf, byte(len(m.HostServer)))
		buf = append(buf, m.HostServer...)
		buf = binary.LittleEndian.AppendUint64(buf, uint64(len(m.Payload)))
		buf = append(buf, m.Payload...)
		return buf, nil

	case EncodingStructured:
		buf := []byte{byte(EncodingStructured)}
		buf = protowire.AppendTag(buf, fieldState, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.State))
		buf = protowire.AppendTag(buf, fieldPort, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Port))
		buf = protowire.AppendTag(buf, fieldHost, protowire.BytesType)
		buf = protowire.AppendString(buf, m.HostServer)
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendString(buf, m.Payload)
		return buf, nil
	}

	return nil, fmt.Errorf("%w: %d", ErrUnsupportedEncoding, uint8(enc))
}

// DecodeDiscovery dispatches on the leading encoding byte and returns the
// message along with the encoding it used, so replies can mirror it.
func DecodeDiscovery(buf []byte) (*DiscoveryMessage, Encoding, error) {
	if len(buf) == 0 {
		return nil, 0, ErrEmptyBuffer
	}

	enc := Encoding(buf[0])
	var (
		msg *DiscoveryMessage
		err error
	)
	switch enc {
	case EncodingFlat:
		msg, err = decodeFlat(buf[1:])
	case EncodingStructured:
		msg, err = decodeStructured(buf[1:])
	default:
		return nil, enc, fmt.Errorf("%w: %d", ErrUnsupportedEncoding, uint8(enc))
	}
	if err != nil {
		return nil, enc, err
	}
	return msg, enc, nil
}

func decodeFlat(buf []byte) (*DiscoveryMessage, error) {
	r := reader{buf: buf}

	state, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("%w: state", err)
	}
	port, err := r.u16()
	if err != nil {
		return nil, fmt.Errorf("%w: port", err)
	}
	hostLen, err := r.u8()
	if err != nil {
		return nil, fmt.Errorf("%w: host length", err)
	}
	host, err := r.bytes(uint64(hostLen))
	if err != nil {
		return nil, fmt.Errorf("%w: host", err)
	}
	payloadLen, err := r.u64()
	if err != nil {
		return nil, fmt.Errorf("%w: payload length", err)
	}
	payload, err := r.bytes(payloadLen)
	if err != nil {
		return nil, fmt.Errorf("%w: payload", err)
	}
	if r.remaining() > 0 {
		return nil, ErrTrailingBytes
	}
	if !isASCII(string(host)) || !isASCII(string(payload)) {
		return nil, ErrNonASCII
	}

	return &DiscoveryMessage{
		State:      DiscoveryState(state),
		Port:       port,
		HostServer: string(host),
		Payload:    string(payload),
	}, nil
}

func decodeStructured(buf []byte) (*DiscoveryMessage, error) {
	msg := &DiscoveryMessage{}
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, protowire.ParseError(n))
		}
		buf = buf[n:]

		switch {
		case num == fieldState && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: state: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			if v > math.MaxUint8 {
				return nil, fmt.Errorf("%w: state %d out of range", ErrInvalidMessage, v)
			}
			msg.State = DiscoveryState(v)
			buf = buf[n:]
		case num == fieldPort && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: port: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			if v > math.MaxUint16 {
				return nil, fmt.Errorf("%w: port %d out of range", ErrInvalidMessage, v)
			}
			msg.Port = uint16(v)
			buf = buf[n:]
		case num == fieldHost && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: host: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			msg.HostServer = v
			buf = buf[n:]
		case num == fieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: payload: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			msg.Payload = v
			buf = buf[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, fmt.Errorf("%w: %w", ErrInvalidMessage, protowire.ParseError(n))
			}
			buf = buf[n:]
		}
	}

	if !isASCII(msg.HostServer) || !isASCII(msg.Payload) {
		return nil, ErrNonASCII
	}
	return msg, nil
}
