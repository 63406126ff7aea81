package meshline

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/raskyld/meshline/pkg/flow"
	"github.com/raskyld/meshline/pkg/wire"
	"github.com/stretchr/testify/require"
)

type staticRoutes struct {
	lk      sync.Mutex
	routes  map[string][]string
	evicted []string
}

func (s *staticRoutes) OutputRoute(channel string) []string {
	s.lk.Lock()
	defer s.lk.Unlock()
	return slices.Clone(s.routes[channel])
}

func (s *staticRoutes) OutputChannelRoutes() map[string][]string {
	s.lk.Lock()
	defer s.lk.Unlock()
	return maps.Clone(s.routes)
}

func (s *staticRoutes) Evict(addr string) bool {
	s.lk.Lock()
	defer s.lk.Unlock()
	found := false
	for channel, addrs := range s.routes {
		if slices.Contains(addrs, addr) {
			found = true
			s.routes[channel] = slices.DeleteFunc(slices.Clone(addrs), func(a string) bool { return a == addr })
		}
	}
	if found {
		s.evicted = append(s.evicted, addr)
	}
	return found
}

func (s *staticRoutes) Evicted() []string {
	s.lk.Lock()
	defer s.lk.Unlock()
	return slices.Clone(s.evicted)
}

// peer is a consumer node reduced to a listener decoding data messages.
type peer struct {
	addr     string
	messages chan *wire.DataMessage

	lk    sync.Mutex
	conns []*Transport
}

func newPeer(t *testing.T, ctx context.Context, name string) *peer {
	t.Helper()
	ln, addr := listen(t)
	p := &peer{addr: addr, messages: make(chan *wire.DataMessage, 64)}
	cfg := fastTransportConfig(name, newCountingSink())
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			tr := AcceptTransport(ctx, conn, cfg, func(_ *Transport, frame []byte) {
				msg, err := wire.DecodeData(frame)
				if err == nil {
					p.messages <- msg
				}
			})
			p.lk.Lock()
			p.conns = append(p.conns, tr)
			p.lk.Unlock()
		}
	}()
	return p
}

func (p *peer) connCount() int {
	p.lk.Lock()
	defer p.lk.Unlock()
	return len(p.conns)
}

func (p *peer) hangUp() {
	p.lk.Lock()
	defer p.lk.Unlock()
	for _, tr := range p.conns {
		_ = tr.Close()
	}
}

func (p *peer) expect(t *testing.T) *wire.DataMessage {
	t.Helper()
	select {
	case msg := <-p.messages:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatalf("%s never received a message", p.addr)
		return nil
	}
}

func newTestRouter(t *testing.T, ctx context.Context, routes RouteResolver, sink *countingSink) *Router {
	t.Helper()
	r := newRouter(routerConfig{
		self:   "127.0.0.1:9000",
		trCfg:  fastTransportConfig("router", sink),
		logger: newTestLogger("router"),
		msink:  sink,
	}, routes)
	_, err := r.registerInput("orders")
	require.NoError(t, err)
	require.NoError(t, r.registerOutput("prices"))
	r.start(ctx)
	t.Cleanup(r.close)
	return r
}

func TestRouterForwardFansOut(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peers := []*peer{newPeer(t, ctx, "p1"), newPeer(t, ctx, "p2"), newPeer(t, ctx, "p3")}
	routes := &staticRoutes{routes: map[string][]string{}}
	for _, p := range peers {
		routes.routes["prices"] = append(routes.routes["prices"], p.addr)
	}
	r := newTestRouter(t, ctx, routes, newCountingSink())

	xid := r.NextXID()
	sent := r.Forward(&wire.DataMessage{GraphID: 1, XID: xid, Channel: "prices", Payload: []byte(`{"close":42}`)})
	require.Equal(t, len(peers), sent)

	for _, p := range peers {
		msg := p.expect(t)
		require.Equal(t, xid, msg.XID)
		require.Equal(t, uint32(1), msg.GraphID)
		require.Equal(t, "127.0.0.1:9000", msg.Service)
		require.Equal(t, "prices", msg.Channel)
		require.Equal(t, `{"close":42}`, string(msg.Payload))
	}
	require.Equal(t, len(peers), r.Connections("prices"))
	require.Len(t, r.Transports(), len(peers))

	// Transports are reused.
	require.Equal(t, len(peers), r.Forward(&wire.DataMessage{GraphID: 1, XID: r.NextXID(), Channel: "prices"}))
	require.Len(t, r.Transports(), len(peers))
}

func TestRouterForwardRestrictedRoutes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p1, p2 := newPeer(t, ctx, "p1"), newPeer(t, ctx, "p2")
	routes := &staticRoutes{routes: map[string][]string{"prices": {p1.addr, p2.addr}}}
	r := newTestRouter(t, ctx, routes, newCountingSink())

	msg := &wire.DataMessage{GraphID: 1, XID: r.NextXID(), Channel: "prices", Routes: []string{p2.addr}}
	require.Equal(t, 1, r.Forward(msg))
	require.Equal(t, msg.XID, p2.expect(t).XID)
	require.Never(t, func() bool { return len(p1.messages) > 0 }, 100*time.Millisecond, 10*time.Millisecond)

	// Routes outside of the known consumers are ignored.
	msg = &wire.DataMessage{GraphID: 1, XID: r.NextXID(), Channel: "prices", Routes: []string{"127.0.0.1:1"}}
	require.Equal(t, 0, r.Forward(msg))
}

func TestRouterForwardWithoutRoute(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newCountingSink()
	r := newTestRouter(t, ctx, &staticRoutes{routes: map[string][]string{}}, sink)

	require.Equal(t, 0, r.Forward(&wire.DataMessage{GraphID: 1, XID: r.NextXID(), Channel: "prices"}))
	require.Equal(t, float32(1), sink.Counter(MetricRouterDroppedCount))
}

func TestRouterForwardBeforeStart(t *testing.T) {
	r := newRouter(routerConfig{logger: newTestLogger("router")}, &staticRoutes{routes: map[string][]string{"prices": {"127.0.0.1:1"}}})
	require.Equal(t, 0, r.Forward(&wire.DataMessage{GraphID: 1, XID: 1, Channel: "prices"}))
}

func TestRouterDialFailureEvicts(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dead := unusedAddr(t)
	routes := &staticRoutes{routes: map[string][]string{"prices": {dead}}}
	r := newTestRouter(t, ctx, routes, newCountingSink())

	require.Equal(t, 0, r.Forward(&wire.DataMessage{GraphID: 1, XID: r.NextXID(), Channel: "prices"}))
	require.Equal(t, []string{dead}, routes.Evicted())
	require.Empty(t, routes.OutputRoute("prices"))
}

func TestRouterForwardDialsOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newPeer(t, ctx, "p1")
	dead := unusedAddr(t)
	routes := &staticRoutes{routes: map[string][]string{"prices": {dead, p.addr}}}
	sink := newCountingSink()
	r := newTestRouter(t, ctx, routes, sink)

	xid := r.NextXID()
	require.Equal(t, 1, r.Forward(&wire.DataMessage{GraphID: 1, XID: xid, Channel: "prices"}))
	require.Equal(t, xid, p.expect(t).XID)
	// One attempt per consumer, retries are left to the discovery loop.
	require.Equal(t, float32(2), sink.Counter(MetricTransportDialCount))
	require.Equal(t, []string{dead}, routes.Evicted())
}

func TestRouterForwardTooLarge(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newPeer(t, ctx, "p1")
	routes := &staticRoutes{routes: map[string][]string{"prices": {p.addr}}}
	sink := newCountingSink()
	r := newTestRouter(t, ctx, routes, sink)

	big := &wire.DataMessage{GraphID: 1, XID: r.NextXID(), Channel: "prices", Payload: make([]byte, wire.DefaultMaxMessageSize+1)}
	require.Equal(t, 0, r.Forward(big))
	require.Equal(t, float32(1), sink.Counter(MetricRouterDroppedCount))
	require.Empty(t, r.Transports())

	// The consumer is still reachable afterwards.
	xid := r.NextXID()
	require.Equal(t, 1, r.Forward(&wire.DataMessage{GraphID: 1, XID: xid, Channel: "prices", Payload: []byte("ok")}))
	require.Equal(t, xid, p.expect(t).XID)
	require.Empty(t, routes.Evicted())
}

func TestRouterForwardDuringReconcile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for round := 0; round < 20; round++ {
		p := newPeer(t, ctx, "p1")
		routes := &staticRoutes{routes: map[string][]string{"prices": {p.addr}}}
		r := newTestRouter(t, ctx, routes, newCountingSink())

		done := make(chan struct{})
		go func() {
			defer close(done)
			r.Reconcile(ctx)
		}()

		xid := r.NextXID()
		require.Equal(t, 1, r.Forward(&wire.DataMessage{GraphID: 1, XID: xid, Channel: "prices"}), "round %d", round)
		require.Equal(t, xid, p.expect(t).XID)
		<-done

		require.Len(t, r.Transports(), 1)
		require.Equal(t, 1, r.Connections("prices"))
		require.Empty(t, routes.Evicted())
	}
}

func TestRouterSweepRemovesDeadTransports(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p := newPeer(t, ctx, "p1")
	routes := &staticRoutes{routes: map[string][]string{"prices": {p.addr}}}
	sink := newCountingSink()
	r := newTestRouter(t, ctx, routes, sink)

	require.Equal(t, 1, r.Forward(&wire.DataMessage{GraphID: 1, XID: r.NextXID(), Channel: "prices"}))
	p.expect(t)
	require.Equal(t, 0, r.Sweep())

	require.Eventually(t, func() bool { return p.connCount() == 1 }, time.Second, 5*time.Millisecond)
	p.hangUp()
	require.Eventually(t, func() bool {
		return r.Sweep() == 1 || len(r.Transports()) == 0
	}, 2*time.Second, 20*time.Millisecond)
	require.Empty(t, r.Transports())
	require.Equal(t, []string{p.addr}, routes.Evicted())
	require.Equal(t, float32(1), sink.Counter(MetricRouterEvictedCount))

	// Dropped until rediscovered.
	require.Equal(t, 0, r.Forward(&wire.DataMessage{GraphID: 1, XID: r.NextXID(), Channel: "prices"}))
}

func TestRouterReconcile(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p1, p2 := newPeer(t, ctx, "p1"), newPeer(t, ctx, "p2")
	routes := &staticRoutes{routes: map[string][]string{"prices": {p1.addr, p2.addr}}}
	r := newTestRouter(t, ctx, routes, newCountingSink())

	require.Equal(t, 0, r.Connections("prices"))
	r.Reconcile(ctx)
	require.Equal(t, 2, r.Connections("prices"))
	require.Len(t, r.Peers("prices"), 2)

	// Transports dialed ahead outlive the reconciliation.
	require.Never(t, func() bool {
		return r.Connections("prices") < 2
	}, 200*time.Millisecond, 20*time.Millisecond)
}

func TestRouterDeliver(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sink := newCountingSink()
	r := newTestRouter(t, ctx, &staticRoutes{}, sink)
	from := newTransport("127.0.0.1:9999", false, fastTransportConfig("from", sink), nil)

	var (
		lk       sync.Mutex
		received []uint32
		errs     []error
	)
	_, err := r.Subscribe("orders", flow.Funcs[*wire.DataMessage]{
		OnNext: func(*wire.DataMessage) { panic("boom") },
		OnError: func(err error) {
			lk.Lock()
			defer lk.Unlock()
			errs = append(errs, err)
		},
	})
	require.NoError(t, err)
	sub, err := r.Subscribe("orders", flow.Funcs[*wire.DataMessage]{
		OnNext: func(msg *wire.DataMessage) {
			lk.Lock()
			defer lk.Unlock()
			received = append(received, msg.XID)
		},
	})
	require.NoError(t, err)
	require.Equal(t, "orders", sub.Channel())

	_, err = r.Subscribe("unknown", flow.Funcs[*wire.DataMessage]{})
	require.ErrorIs(t, err, ErrUnknownInput)

	frame := func(msg *wire.DataMessage) []byte {
		buf, err := msg.MarshalBinary()
		require.NoError(t, err)
		return buf
	}

	r.Deliver(from, frame(&wire.DataMessage{GraphID: 1, XID: 7, Service: "127.0.0.1:9999", Channel: "orders"}))
	r.Deliver(from, frame(&wire.DataMessage{GraphID: 1, XID: 8, Service: "127.0.0.1:9999", Channel: "nobody"}))
	r.Deliver(from, []byte{1, 2, 3})

	lk.Lock()
	require.Equal(t, []uint32{7}, received)
	require.Len(t, errs, 1)
	var perr *PanicError
	require.True(t, errors.As(errs[0], &perr))
	require.Equal(t, "boom", perr.Value)
	require.ErrorIs(t, errs[0], ErrSubscriber)
	lk.Unlock()

	require.Equal(t, float32(2), sink.Counter(MetricRouterDroppedCount))
	require.Equal(t, float32(1), sink.Counter(MetricRouterDeliveredCount))

	sub.Unsubscribe()
	sub.Unsubscribe()
	r.Deliver(from, frame(&wire.DataMessage{GraphID: 1, XID: 9, Service: "127.0.0.1:9999", Channel: "orders"}))
	lk.Lock()
	require.Equal(t, []uint32{7}, received)
	lk.Unlock()
}

func TestRouterRegistrationSealed(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r := newTestRouter(t, ctx, &staticRoutes{}, newCountingSink())
	_, err := r.registerInput("late")
	require.ErrorIs(t, err, ErrRegistrationClosed)
	require.ErrorIs(t, r.registerOutput("late"), ErrRegistrationClosed)
	require.Equal(t, []string{"orders"}, r.InputChannels())
	require.Equal(t, []string{"prices"}, r.OutputChannels())
}

func TestRouterNextXID(t *testing.T) {
	r := newRouter(routerConfig{}, &staticRoutes{})
	r.xid.Store(^uint32(0) - 1)
	require.Equal(t, ^uint32(0), r.NextXID())
	require.Equal(t, uint32(1), r.NextXID(), "zero is skipped on wrap around")
}

func TestRouterCloseCompletesSubscribers(t *testing.T) {
	r := newRouter(routerConfig{logger: newTestLogger("router")}, &staticRoutes{})
	_, err := r.registerInput("orders")
	require.NoError(t, err)

	completed := make(chan struct{})
	_, err = r.Subscribe("orders", flow.Funcs[*wire.DataMessage]{
		OnComplete: func() { close(completed) },
	})
	require.NoError(t, err)

	r.close()
	select {
	case <-completed:
	case <-time.After(time.Second):
		t.Fatal("subscriber was not completed")
	}
	_, err = r.Subscribe("orders", flow.Funcs[*wire.DataMessage]{})
	require.ErrorIs(t, err, ErrNodeClosed)
}
