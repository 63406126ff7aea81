package wire

import (
	"encoding/binary"
	"fmt"
)

// LengthPrefixSize is the width of the frame header: an unsigned
// little-endian payload length. A zero length is a keep-alive.
const LengthPrefixSize = 4

// DefaultMaxMessageSize bounds the payload a single frame may announce.
const DefaultMaxMessageSize = 4 << 20

// Frame prefixes msg with its length.
func Frame(msg []byte) []byte {
	buf := make([]byte, LengthPrefixSize, LengthPrefixSize+len(msg))
	binary.LittleEndian.PutUint32(buf, uint32(len(msg)))
	return append(buf, msg...)
}

// KeepAlive returns an empty frame.
func KeepAlive() []byte {
	return make([]byte, LengthPrefixSize)
}

// Framer reassembles frames out of an arbitrarily chunked byte stream. It
// implements io.Writer so a connection can be copied straight into it.
//
// A Framer is not safe for concurrent use: one reader feeds it.
type Framer struct {
	// MessageArrived receives every non-empty frame, in stream order. The
	// slice is owned by the callee.
	MessageArrived func([]byte)
	// KeepAliveArrived is optional.
	KeepAliveArrived func()
	// FrameDropped is optional. It receives an error wrapping
	// ErrFrameTooLarge for every frame skipped for announcing more than
	// the maximum size.
	FrameDropped func(error)

	maxSize uint32
	buf     []byte
	// bytes of an oversized frame still to skip.
	skip    uint64
	dropped uint64
}

// NewFramer creates a Framer skipping frames bigger than maxSize. Zero
// means DefaultMaxMessageSize.
func NewFramer(maxSize uint32, onMessage func([]byte)) *Framer {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	return &Framer{
		MessageArrived: onMessage,
		maxSize:        maxSize,
	}
}

// Write consumes p and fires one event per completed frame. A frame
// announcing more than the maximum size is skipped without being
// buffered, and the frames after it are still delivered.
func (f *Framer) Write(p []byte) (int, error) {
	f.buf = append(f.buf, p...)

	for len(f.buf) > 0 {
		if f.skip > 0 {
			n := uint64(len(f.buf))
			if n > f.skip {
				n = f.skip
			}
			f.buf = f.buf[n:]
			f.skip -= n
			continue
		}
		if len(f.buf) < LengthPrefixSize {
			break
		}

		size := binary.LittleEndian.Uint32(f.buf)
		if size > f.maxSize {
			f.buf = f.buf[LengthPrefixSize:]
			f.skip = uint64(size)
			f.dropped++
			if f.FrameDropped != nil {
				f.FrameDropped(fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, f.maxSize))
			}
			continue
		}

		end := LengthPrefixSize + int(size)
		if len(f.buf) < end {
			break
		}

		if size == 0 {
			if f.KeepAliveArrived != nil {
				f.KeepAliveArrived()
			}
		} else if f.MessageArrived != nil {
			msg := make([]byte, size)
			copy(msg, f.buf[LengthPrefixSize:end])
			f.MessageArrived(msg)
		}
		f.buf = f.buf[end:]
	}

	// Release the backing array once fully drained.
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return len(p), nil
}

// Buffered returns how many bytes of an incomplete frame are pending.
func (f *Framer) Buffered() int {
	return len(f.buf)
}

// Dropped returns how many oversized frames were skipped.
func (f *Framer) Dropped() uint64 {
	return f.dropped
}
