package flow

import "errors"

var (
	ErrFlowClosed = errors.New("flow closed")
	ErrDecode     = errors.New("flow: could not decode payload")
)

// Codec turns typed values into the opaque Payload of a data message and
// back. Implementations must be safe for concurrent use.
type Codec[T any] interface {
	Marshal(T) ([]byte, error)
	Unmarshal([]byte) (T, error)
}

// Subscriber receives the values flowing on a channel.
//
// Values arriving on different connections may be delivered concurrently.
// Nothing is delivered after Complete.
type Subscriber[T any] interface {
	Deliver(T)
	DeliverError(error)
	Complete()
}

// Envelope is a decoded payload along with the metadata of the data
// message that carried it.
type Envelope[T any] struct {
	Value   T
	GraphID uint32
	XID     uint32
	Service string
	Channel string
}

// Funcs adapts plain functions to a Subscriber. Nil fields are ignored.
type Funcs[T any] struct {
	OnNext     func(T)
	OnError    func(error)
	OnComplete func()
}

var _ Subscriber[int] = Funcs[int]{}

func (f Funcs[T]) Deliver(v T) {
	if f.OnNext != nil {
		f.OnNext(v)
	}
}

func (f Funcs[T]) DeliverError(err error) {
	if f.OnError != nil {
		f.OnError(err)
	}
}

func (f Funcs[T]) Complete() {
	if f.OnComplete != nil {
		f.OnComplete()
	}
}
