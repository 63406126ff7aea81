package flow

// BytesCodec passes payloads through untouched.
type BytesCodec struct {
	copyBuffers bool
}

var _ Codec[[]byte] = BytesCodec{}

// NewBytesCodec returns a codec which copies buffers in both directions
// when localCopy is set, so neither side can alias the other's memory.
func NewBytesCodec(localCopy bool) BytesCodec {
	return BytesCodec{
		copyBuffers: localCopy,
	}
}

func (c BytesCodec) Marshal(buf []byte) ([]byte, error) {
	return c.process(buf), nil
}

func (c BytesCodec) Unmarshal(buf []byte) ([]byte, error) {
	return c.process(buf), nil
}

func (c BytesCodec) process(buf []byte) []byte {
	if !c.copyBuffers {
		return buf
	}
	cloned := make([]byte, len(buf))
	copy(cloned, buf)
	return cloned
}
