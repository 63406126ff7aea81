package wire

import "errors"

var (
	ErrTruncated           = errors.New("wire: buffer ended before the message was complete")
	ErrTrailingBytes       = errors.New("wire: unexpected bytes after the message")
	ErrNonASCII            = errors.New("wire: strings must only contain ASCII characters")
	ErrFieldTooLarge       = errors.New("wire: field exceeds what the layout can encode")
	ErrUnsupportedEncoding = errors.New("wire: unsupported encoding")
	ErrInvalidMessage      = errors.New("wire: invalid message")
	ErrFrameTooLarge       = errors.New("wire: frame exceeds the maximum message size")
	ErrEmptyBuffer         = errors.New("wire: empty buffer")
)
