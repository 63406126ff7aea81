package meshline

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshline/pkg/flow"
	"github.com/raskyld/meshline/pkg/wire"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

// RouteResolver tells the Router where the consumers of an output channel
// are. DiscoveryStateMachine implements it.
type RouteResolver interface {
	OutputRoute(channel string) []string
	OutputChannelRoutes() map[string][]string
	// Evict forgets addr until rediscovery reports it again.
	Evict(addr string) bool
}

var _ RouteResolver = (*DiscoveryStateMachine)(nil)

type routerConfig struct {
	self         string
	trCfg        *TransportConfig
	dialRate     rate.Limit
	dialBurst    int
	reconcileMax int
	logger       *slog.Logger
	msink        metrics.MetricSink
	labels       []metrics.Label
}

// Router owns the channel registries of a node and its live transports.
// Inbound data messages are dispatched to the subscribers of their
// channel, local publications are forwarded to every consumer the
// RouteResolver knows about.
type Router struct {
	cfg    routerConfig
	routes RouteResolver
	logger *slog.Logger
	msink  metrics.MetricSink

	// registries, written before the node starts.
	regLk     sync.RWMutex
	inputs    map[string]*inputChannel
	outputs   map[string]struct{}
	lifecycle context.Context

	// live transports keyed by remote address.
	connLk   sync.Mutex
	conns    map[string]*Transport
	limiters map[string]*rate.Limiter

	// dials in flight keyed by remote address.
	dials singleflight.Group
	// publishCfg dials a single time so a publication never waits for
	// the retries of an unreachable consumer.
	publishCfg *TransportConfig

	xid atomic.Uint32
}

func newRouter(cfg routerConfig, routes RouteResolver) *Router {
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if cfg.msink == nil {
		cfg.msink = &metrics.BlackholeSink{}
	}
	if cfg.trCfg == nil {
		def := DefaultTransportConfig()
		cfg.trCfg = &def
	}
	if cfg.dialRate == 0 {
		cfg.dialRate = rate.Every(time.Second)
	}
	if cfg.dialBurst <= 0 {
		cfg.dialBurst = 1
	}
	if cfg.reconcileMax <= 0 {
		cfg.reconcileMax = 8
	}

	publishCfg := cfg.trCfg.normalize()
	publishCfg.DialRetries = 1

	r := &Router{
		cfg:        cfg,
		publishCfg: &publishCfg,
		routes:     routes,
		logger:     cfg.logger.With(LabelComponent.L("router")),
		msink:      cfg.msink,
		inputs:     make(map[string]*inputChannel),
		outputs:    make(map[string]struct{}),
		conns:      make(map[string]*Transport),
		limiters:   make(map[string]*rate.Limiter),
	}
	// Seed from the clock so restarted nodes do not reuse recent ids.
	r.xid.Store(uint32(time.Now().UnixMilli()))
	return r
}

// NextXID returns a fresh correlation id, never zero.
func (r *Router) NextXID() uint32 {
	for {
		if id := r.xid.Add(1); id != 0 {
			return id
		}
	}
}

func (r *Router) registerInput(name string) (*inputChannel, error) {
	r.regLk.Lock()
	defer r.regLk.Unlock()
	if r.lifecycle != nil {
		return nil, ErrRegistrationClosed
	}
	in, has := r.inputs[name]
	if !has {
		in = newInputChannel(name)
		r.inputs[name] = in
	}
	return in, nil
}

func (r *Router) registerOutput(name string) error {
	r.regLk.Lock()
	defer r.regLk.Unlock()
	if r.lifecycle != nil {
		return ErrRegistrationClosed
	}
	r.outputs[name] = struct{}{}
	return nil
}

// InputChannels lists the registered input channel names.
func (r *Router) InputChannels() []string {
	r.regLk.RLock()
	defer r.regLk.RUnlock()
	names := make([]string, 0, len(r.inputs))
	for name := range r.inputs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// OutputChannels lists the registered output channel names.
func (r *Router) OutputChannels() []string {
	r.regLk.RLock()
	defer r.regLk.RUnlock()
	names := make([]string, 0, len(r.outputs))
	for name := range r.outputs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// start seals the registries and binds lazily created transports to ctx.
func (r *Router) start(ctx context.Context) {
	r.regLk.Lock()
	defer r.regLk.Unlock()
	r.lifecycle = ctx
}

func (r *Router) context() context.Context {
	r.regLk.RLock()
	defer r.regLk.RUnlock()
	return r.lifecycle
}

func (r *Router) input(name string) *inputChannel {
	r.regLk.RLock()
	defer r.regLk.RUnlock()
	return r.inputs[name]
}

// Subscribe attaches s to a registered input channel.
func (r *Router) Subscribe(channel string, s flow.Subscriber[*wire.DataMessage]) (*Subscription, error) {
	in := r.input(channel)
	if in == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInput, channel)
	}
	return in.add(s)
}

// Deliver is the FrameHandler of every transport of the node. It runs on
// the receive loop of t, so messages of one transport are dispatched in
// arrival order.
func (r *Router) Deliver(t *Transport, frame []byte) {
	msg, err := wire.DecodeData(frame)
	if err != nil {
		r.drop("malformed", "", slog.LevelWarn, LabelRemoteAddr.L(t.RemoteAddr()), LabelError.L(err))
		return
	}
	if !msg.Valid() {
		r.drop("invalid", msg.Channel, slog.LevelWarn, LabelRemoteAddr.L(t.RemoteAddr()), LabelXID.L(msg.XID))
		return
	}

	in := r.input(msg.Channel)
	if in == nil {
		r.drop("unknown_channel", msg.Channel, slog.LevelWarn, LabelRemoteAddr.L(t.RemoteAddr()))
		return
	}

	for _, s := range in.snapshot() {
		r.dispatch(in.name, s, msg)
	}
	r.msink.IncrCounterWithLabels(MetricRouterDeliveredCount, 1, withLabels(r.cfg.labels, LabelChannel.M(in.name)))
}

// dispatch isolates subscribers from each other: a panic is reported to
// the subscriber that raised it and the fan-out goes on.
func (r *Router) dispatch(channel string, s flow.Subscriber[*wire.DataMessage], msg *wire.DataMessage) {
	defer func() {
		if v := recover(); v != nil {
			perr := &PanicError{Value: v}
			r.logger.Error("router: subscriber panicked", LabelChannel.L(channel), LabelError.L(perr))
			func() {
				defer func() { _ = recover() }()
				s.DeliverError(perr)
			}()
		}
	}()
	s.Deliver(msg)
}

// Forward sends msg to every consumer of its channel, or to the ones
// listed in msg.Routes when set. It returns how many transports accepted
// the message. Unroutable messages are logged and dropped.
//
// Live transports are written to first. Consumers without one are dialed
// concurrently, joining a dial already in flight for the same address,
// and Forward waits at most one dial timeout for them.
func (r *Router) Forward(msg *wire.DataMessage) int {
	ctx := r.context()
	if ctx == nil || ctx.Err() != nil {
		r.drop("not_running", msg.Channel, slog.LevelDebug)
		return 0
	}

	addrs := r.routes.OutputRoute(msg.Channel)
	if len(msg.Routes) > 0 {
		addrs = slices.DeleteFunc(addrs, func(addr string) bool {
			return !slices.Contains(msg.Routes, addr)
		})
	}
	if len(addrs) == 0 {
		r.drop("no_route", msg.Channel, slog.LevelWarn, LabelXID.L(msg.XID), LabelError.L(ErrNoRoute))
		return 0
	}

	msg.Service = r.cfg.self
	if !msg.Valid() {
		r.drop("invalid", msg.Channel, slog.LevelWarn, LabelXID.L(msg.XID))
		return 0
	}
	buf, err := msg.MarshalBinary()
	if err != nil {
		r.drop("encode", msg.Channel, slog.LevelWarn, LabelError.L(err))
		return 0
	}
	// Consumers skip frames above their limit, so it is not worth sending.
	if len(buf) > int(r.publishCfg.MaxMessageSize) {
		r.drop("too_large", msg.Channel, slog.LevelWarn, LabelXID.L(msg.XID),
			LabelError.L(fmt.Errorf("%w: %d > %d", wire.ErrFrameTooLarge, len(buf), r.publishCfg.MaxMessageSize)))
		return 0
	}

	var (
		sent    atomic.Int32
		pending []string
	)
	send := func(t *Transport, addr string) {
		if err := t.Send(buf); err != nil {
			r.drop("transport", msg.Channel, slog.LevelWarn, LabelRemoteAddr.L(addr), LabelError.L(err))
			return
		}
		sent.Add(1)
	}
	for _, addr := range addrs {
		t, err := r.live(addr)
		switch {
		case err != nil:
			r.drop("transport", msg.Channel, slog.LevelWarn, LabelRemoteAddr.L(addr), LabelError.L(err))
		case t != nil:
			send(t, addr)
		default:
			pending = append(pending, addr)
		}
	}

	if len(pending) > 0 {
		wait, cancel := context.WithTimeout(ctx, r.publishCfg.DialTimeout)
		var g errgroup.Group
		for _, addr := range pending {
			g.Go(func() error {
				t, err := r.transportFor(wait, addr, r.publishCfg)
				if err != nil {
					r.drop("transport", msg.Channel, slog.LevelWarn, LabelRemoteAddr.L(addr), LabelError.L(err))
					return nil
				}
				send(t, addr)
				return nil
			})
		}
		_ = g.Wait()
		cancel()
	}

	n := int(sent.Load())
	r.msink.IncrCounterWithLabels(MetricRouterForwardedCount, float32(n), withLabels(r.cfg.labels, LabelChannel.M(msg.Channel)))
	return n
}

// live returns the connected transport of addr, or nil when there is
// none. A transport found dead is removed, its address evicted from the
// routes, and an error returned so the address is not redialed before
// rediscovery.
func (r *Router) live(addr string) (*Transport, error) {
	r.connLk.Lock()
	t, has := r.conns[addr]
	if !has {
		r.connLk.Unlock()
		return nil, nil
	}
	if t.State() == StateConnected {
		r.connLk.Unlock()
		return t, nil
	}
	delete(r.conns, addr)
	r.gauge()
	r.connLk.Unlock()
	r.evict(t, t.Err())
	return nil, fmt.Errorf("%w: %w", ErrTransportClosed, t.Err())
}

// transportFor returns the live transport of addr or dials it. Concurrent
// callers share one dial per address; ctx only bounds how long this caller
// waits for it. Transports always live as long as the router.
func (r *Router) transportFor(ctx context.Context, addr string, cfg *TransportConfig) (*Transport, error) {
	if t, err := r.live(addr); t != nil || err != nil {
		return t, err
	}
	life := r.context()
	if life == nil {
		return nil, fmt.Errorf("%w: router not started", ErrTransportClosed)
	}

	ch := r.dials.DoChan(addr, func() (any, error) {
		return r.dial(life, addr, cfg)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Transport), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %w", ErrDialFailed, addr, ctx.Err())
	}
}

// dial runs inside the flight of addr. Only fresh attempts are throttled.
func (r *Router) dial(ctx context.Context, addr string, cfg *TransportConfig) (*Transport, error) {
	r.connLk.Lock()
	// A flight that just landed may have connected it.
	if t, has := r.conns[addr]; has && t.State() == StateConnected {
		r.connLk.Unlock()
		return t, nil
	}
	limiter, has := r.limiters[addr]
	if !has {
		limiter = rate.NewLimiter(r.cfg.dialRate, r.cfg.dialBurst)
		r.limiters[addr] = limiter
	}
	r.connLk.Unlock()

	if !limiter.Allow() {
		return nil, ErrDialThrottled
	}

	t, err := DialTransport(ctx, addr, cfg, r.Deliver)
	if err != nil {
		if r.routes.Evict(addr) {
			r.logger.Info("router: route evicted after dial failure", LabelRemoteAddr.L(addr))
		}
		return nil, err
	}

	r.connLk.Lock()
	if existing, has := r.conns[addr]; has && existing.State() == StateConnected {
		r.connLk.Unlock()
		_ = t.Close()
		return existing, nil
	}
	r.conns[addr] = t
	r.gauge()
	r.connLk.Unlock()

	r.logger.Debug("router: connected", LabelRemoteAddr.L(addr))
	return t, nil
}

// adopt tracks an inbound transport.
func (r *Router) adopt(t *Transport) {
	r.connLk.Lock()
	defer r.connLk.Unlock()
	if old, has := r.conns[t.RemoteAddr()]; has && old != t {
		go func() { _ = old.Close() }()
	}
	r.conns[t.RemoteAddr()] = t
	r.gauge()
}

// Sweep probes every transport and removes the dead ones. It returns how
// many were removed.
func (r *Router) Sweep() int {
	r.connLk.Lock()
	live := make(map[string]*Transport, len(r.conns))
	for addr, t := range r.conns {
		live[addr] = t
	}
	r.connLk.Unlock()

	removed := 0
	for addr, t := range live {
		if t.Alive() {
			continue
		}

		r.connLk.Lock()
		if r.conns[addr] == t {
			delete(r.conns, addr)
			r.gauge()
		}
		r.connLk.Unlock()

		r.evict(t, t.Err())
		removed++
	}
	return removed
}

func (r *Router) evict(t *Transport, cause error) {
	_ = t.Close()
	r.msink.IncrCounterWithLabels(MetricRouterEvictedCount, 1, r.cfg.labels)

	attrs := []any{LabelRemoteAddr.L(t.RemoteAddr()), LabelTransportID.L(t.ID())}
	if cause != nil {
		attrs = append(attrs, LabelReason.L(cause.Error()))
	}
	// Inbound transports are keyed by socket address, never routed to.
	if t.Outbound() && r.routes.Evict(t.RemoteAddr()) {
		attrs = append(attrs, slog.Bool("route_evicted", true))
	}
	r.logger.Info("router: transport removed", attrs...)
}

// runMonitor sweeps dead transports every interval until ctx is done.
func (r *Router) runMonitor(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("shutdown: connection monitor")
			return nil
		case <-ticker.C:
			if removed := r.Sweep(); removed > 0 {
				r.logger.Debug("router: sweep completed", slog.Int("removed", removed))
			}
		}
	}
}

// Reconcile connects ahead of time to every consumer of the declared
// outputs, so the first publication does not pay for the dial.
func (r *Router) Reconcile(ctx context.Context) {
	seen := make(map[string]struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.reconcileMax)
	for _, addrs := range r.routes.OutputChannelRoutes() {
		for _, addr := range addrs {
			if _, done := seen[addr]; done {
				continue
			}
			seen[addr] = struct{}{}
			g.Go(func() error {
				if _, err := r.transportFor(gctx, addr, r.cfg.trCfg); err != nil {
					r.logger.Debug("router: could not connect ahead", LabelRemoteAddr.L(addr), LabelError.L(err))
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

// Connections counts the live transports toward the consumers of an
// output channel.
func (r *Router) Connections(channel string) int {
	addrs := r.routes.OutputRoute(channel)
	r.connLk.Lock()
	defer r.connLk.Unlock()
	count := 0
	for _, addr := range addrs {
		if t, has := r.conns[addr]; has && t.State() == StateConnected {
			count++
		}
	}
	return count
}

// Transports returns a snapshot of the live map.
func (r *Router) Transports() []*Transport {
	r.connLk.Lock()
	defer r.connLk.Unlock()
	out := make([]*Transport, 0, len(r.conns))
	for _, t := range r.conns {
		out = append(out, t)
	}
	return out
}

// close drops every transport and completes every subscriber.
func (r *Router) close() {
	r.connLk.Lock()
	conns := r.conns
	r.conns = make(map[string]*Transport)
	r.gauge()
	r.connLk.Unlock()

	for _, t := range conns {
		_ = t.Close()
	}

	r.regLk.RLock()
	inputs := make([]*inputChannel, 0, len(r.inputs))
	for _, in := range r.inputs {
		inputs = append(inputs, in)
	}
	r.regLk.RUnlock()
	for _, in := range inputs {
		in.close()
	}
}

// gauge must be called with connLk held.
func (r *Router) gauge() {
	r.msink.SetGaugeWithLabels(MetricRouterConnections, float32(len(r.conns)), r.cfg.labels)
}

func (r *Router) drop(reason, channel string, level slog.Level, attrs ...any) {
	labels := withLabels(r.cfg.labels, LabelReason.M(reason))
	if channel != "" {
		labels = append(labels, LabelChannel.M(channel))
	}
	r.msink.IncrCounterWithLabels(MetricRouterDroppedCount, 1, labels)
	r.logger.Log(context.Background(), level, "router: message dropped",
		append([]any{LabelReason.L(reason), LabelChannel.L(channel)}, attrs...)...)
}
