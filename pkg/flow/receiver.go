package flow

import (
	"context"
	"sync"
)

// Receiver is a Subscriber buffering what it is given so a goroutine can
// consume it at its own pace with Recv.
//
// When the buffer is full, new values are dropped and counted: a slow
// consumer must never stall the connection feeding it.
type Receiver[T any] struct {
	readCh  chan T
	errCh   chan error
	closeCh chan struct{}

	// handle Complete sync.
	err     error
	dropped uint64
	lk      sync.Mutex
}

var _ Subscriber[int] = (*Receiver[int])(nil)

func NewReceiver[T any](bufferSize uint) *Receiver[T] {
	return &Receiver[T]{
		readCh:  make(chan T, bufferSize),
		errCh:   make(chan error, 1),
		closeCh: make(chan struct{}),
	}
}

// Recv blocks until a value is available, the context is done, or the
// subscription completed and its buffer is drained.
func (r *Receiver[T]) Recv(ctx context.Context) (result T, err error) {
	// Buffered values, then pending errors, win over completion.
	select {
	case elem := <-r.readCh:
		return elem, nil
	default:
	}
	select {
	case err := <-r.errCh:
		return result, err
	default:
	}

	select {
	case <-ctx.Done():
		return result, ctx.Err()
	case elem := <-r.readCh:
		return elem, nil
	case err := <-r.errCh:
		return result, err
	case <-r.closeCh:
		select {
		case elem := <-r.readCh:
			return elem, nil
		default:
		}
		r.lk.Lock()
		defer r.lk.Unlock()
		return result, r.err
	}
}

// Dropped returns how many values were discarded because the buffer was
// full.
func (r *Receiver[T]) Dropped() uint64 {
	r.lk.Lock()
	defer r.lk.Unlock()
	return r.dropped
}

func (r *Receiver[T]) Deliver(v T) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.err != nil {
		return
	}
	select {
	case r.readCh <- v:
	default:
		r.dropped++
	}
}

// DeliverError surfaces err on the next Recv. Only the latest pending
// error is kept.
func (r *Receiver[T]) DeliverError(err error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.err != nil {
		return
	}
	select {
	case <-r.errCh:
	default:
	}
	r.errCh <- err
}

func (r *Receiver[T]) Complete() {
	r.lk.Lock()
	defer r.lk.Unlock()
	if r.err != nil {
		return
	}
	r.err = ErrFlowClosed
	close(r.closeCh)
}
