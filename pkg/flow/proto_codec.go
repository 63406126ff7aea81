package flow

import (
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ProtoCodec encodes protobuf messages. The allocator builds the empty
// message Unmarshal fills in.
type ProtoCodec[Msg proto.Message] struct {
	allocator func() Msg
}

// NewProtoCodec panics if allocator is nil.
func NewProtoCodec[Msg proto.Message](allocator func() Msg) ProtoCodec[Msg] {
	if allocator == nil {
		panic("flow: a proto codec needs an allocator")
	}
	return ProtoCodec[Msg]{
		allocator: allocator,
	}
}

func (c ProtoCodec[Msg]) Marshal(msg Msg) ([]byte, error) {
	return proto.Marshal(msg)
}

func (c ProtoCodec[Msg]) Unmarshal(buf []byte) (Msg, error) {
	allocated := c.allocator()
	if err := proto.Unmarshal(buf, allocated); err != nil {
		var zero Msg
		return zero, fmt.Errorf("%w: %w", ErrDecode, err)
	}
	return allocated, nil
}
