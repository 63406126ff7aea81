package meshline

import (
	"io"
	"slices"
	"sync"

	"github.com/raskyld/meshline/pkg/flow"
	"github.com/raskyld/meshline/pkg/wire"
)

// Subscription is the handle returned when subscribing to an input
// channel. Closing it stops deliveries and completes the subscriber.
type Subscription struct {
	id   uint64
	in   *inputChannel
	once sync.Once
}

var _ io.Closer = (*Subscription)(nil)

// Channel is the input channel the subscription listens to.
func (sub *Subscription) Channel() string {
	return sub.in.name
}

// Unsubscribe is idempotent.
func (sub *Subscription) Unsubscribe() {
	sub.once.Do(func() {
		if s := sub.in.remove(sub.id); s != nil {
			s.Complete()
		}
	})
}

func (sub *Subscription) Close() error {
	sub.Unsubscribe()
	return nil
}

// inputChannel is the local delivery target of a channel: the list of its
// subscribers.
type inputChannel struct {
	name string

	lk     sync.RWMutex
	subs   map[uint64]flow.Subscriber[*wire.DataMessage]
	order  []uint64
	nextID uint64
	closed bool
}

func newInputChannel(name string) *inputChannel {
	return &inputChannel{
		name: name,
		subs: make(map[uint64]flow.Subscriber[*wire.DataMessage]),
	}
}

func (in *inputChannel) add(s flow.Subscriber[*wire.DataMessage]) (*Subscription, error) {
	in.lk.Lock()
	defer in.lk.Unlock()
	if in.closed {
		return nil, ErrNodeClosed
	}
	in.nextID++
	in.subs[in.nextID] = s
	in.order = append(in.order, in.nextID)
	return &Subscription{id: in.nextID, in: in}, nil
}

func (in *inputChannel) remove(id uint64) flow.Subscriber[*wire.DataMessage] {
	in.lk.Lock()
	defer in.lk.Unlock()
	s, has := in.subs[id]
	if !has {
		return nil
	}
	delete(in.subs, id)
	in.order = slices.DeleteFunc(in.order, func(v uint64) bool { return v == id })
	return s
}

// snapshot returns the subscribers in subscription order.
func (in *inputChannel) snapshot() []flow.Subscriber[*wire.DataMessage] {
	in.lk.RLock()
	defer in.lk.RUnlock()
	subs := make([]flow.Subscriber[*wire.DataMessage], 0, len(in.order))
	for _, id := range in.order {
		subs = append(subs, in.subs[id])
	}
	return subs
}

// close completes every subscriber and refuses new ones.
func (in *inputChannel) close() {
	in.lk.Lock()
	if in.closed {
		in.lk.Unlock()
		return
	}
	in.closed = true
	subs := make([]flow.Subscriber[*wire.DataMessage], 0, len(in.order))
	for _, id := range in.order {
		subs = append(subs, in.subs[id])
	}
	in.subs = make(map[uint64]flow.Subscriber[*wire.DataMessage])
	in.order = nil
	in.lk.Unlock()

	for _, s := range subs {
		s.Complete()
	}
}
