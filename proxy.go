package meshline

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshline/pkg/flow"
	"github.com/raskyld/meshline/pkg/wire"
)

// DefaultGraphID is stamped on publications when none is configured.
const DefaultGraphID uint32 = 1

// ChannelMetrics is a point in time view of a proxy's counters. They are
// informative only, nothing is throttled on them.
type ChannelMetrics struct {
	Name        string
	Connections int
	Sent        uint64
	Received    uint64
	Errors      uint64
}

type proxyConfig struct {
	graphID uint32
}

// ProxyOption to pass to `NewProxy`
type ProxyOption func(*proxyConfig)

// WithGraphID tags publications with the pipeline they belong to.
func WithGraphID(id uint32) ProxyOption {
	return func(c *proxyConfig) {
		c.graphID = id
	}
}

// Proxy is the typed publish/subscribe handle of a channel pair. Either
// side can be empty: a proxy with only an output cannot subscribe, one
// with only an input cannot publish.
type Proxy[T any] struct {
	input   string
	output  string
	codec   flow.Codec[T]
	graphID uint32
	router  *Router

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	sent     atomic.Uint64
	received atomic.Uint64
	errors   atomic.Uint64

	lk   sync.Mutex
	subs []*Subscription
}

// NewProxy declares input and output on n, which must not be started yet.
// A nil codec means JSON.
func NewProxy[T any](n *Node, input, output string, codec flow.Codec[T], opts ...ProxyOption) (*Proxy[T], error) {
	if input == "" && output == "" {
		return nil, ErrNoChannel
	}
	for _, name := range []string{input, output} {
		if name != "" && !ValidateChannelName(name) {
			return nil, fmt.Errorf("%w: %q", ErrChannelNameInvalid, name)
		}
	}
	if codec == nil {
		codec = flow.NewJsonCodec[T]()
	}

	cfg := proxyConfig{graphID: DefaultGraphID}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, err := n.declare(input, output); err != nil {
		return nil, err
	}

	p := &Proxy[T]{
		input:   input,
		output:  output,
		codec:   codec,
		graphID: cfg.graphID,
		router:  n.router,
		msink:   n.msink,
	}
	p.labels = withLabels(n.config.metricLabels, LabelChannel.M(p.Name()))
	p.logger = n.logger.With(LabelComponent.L("proxy"), LabelChannel.L(p.Name()))
	return p, nil
}

// Name is the output channel, or the input one for subscribe-only
// proxies.
func (p *Proxy[T]) Name() string {
	if p.output != "" {
		return p.output
	}
	return p.input
}

func (p *Proxy[T]) Input() string {
	return p.input
}

func (p *Proxy[T]) Output() string {
	return p.output
}

// Publish sends payload to every consumer of the output channel and
// returns how many peers it was queued for. Failures are logged and
// counted, never returned.
func (p *Proxy[T]) Publish(payload T) int {
	return p.publish(payload, nil)
}

// PublishTo restricts Publish to the given consumer addresses.
func (p *Proxy[T]) PublishTo(payload T, addrs ...string) int {
	if len(addrs) == 0 {
		p.fail("no_destination", nil)
		return 0
	}
	return p.publish(payload, addrs)
}

func (p *Proxy[T]) publish(payload T, routes []string) int {
	if p.output == "" {
		p.fail("no_output", ErrNoChannel)
		return 0
	}

	buf, err := p.codec.Marshal(payload)
	if err != nil {
		p.fail("encode", err)
		return 0
	}

	msg := &wire.DataMessage{
		GraphID: p.graphID,
		XID:     p.router.NextXID(),
		Channel: p.output,
		Payload: buf,
		Routes:  routes,
	}
	sent := p.router.Forward(msg)
	if sent > 0 {
		p.sent.Add(uint64(sent))
		p.msink.IncrCounterWithLabels(MetricChannelSentCount, float32(sent), p.labels)
	}
	return sent
}

// Subscribe calls onNext with every payload arriving on the input channel.
// onError receives decode failures and panics of onNext. It may be nil.
func (p *Proxy[T]) Subscribe(onNext func(T), onError func(error)) (*Subscription, error) {
	return p.SubscribeWith(flow.Funcs[flow.Envelope[T]]{
		OnNext: func(env flow.Envelope[T]) {
			onNext(env.Value)
		},
		OnError: onError,
	})
}

// SubscribeEnvelope is Subscribe with the message metadata.
func (p *Proxy[T]) SubscribeEnvelope(onNext func(flow.Envelope[T]), onError func(error)) (*Subscription, error) {
	return p.SubscribeWith(flow.Funcs[flow.Envelope[T]]{
		OnNext:  onNext,
		OnError: onError,
	})
}

// SubscribeWith attaches a full Subscriber, for instance a flow.Receiver.
func (p *Proxy[T]) SubscribeWith(sub flow.Subscriber[flow.Envelope[T]]) (*Subscription, error) {
	if p.input == "" {
		return nil, ErrNoChannel
	}
	handle, err := p.router.Subscribe(p.input, &proxySubscriber[T]{proxy: p, sub: sub})
	if err != nil {
		return nil, err
	}

	p.lk.Lock()
	p.subs = append(p.subs, handle)
	p.lk.Unlock()
	return handle, nil
}

// Close unsubscribes every subscription made through p.
func (p *Proxy[T]) Close() error {
	p.lk.Lock()
	subs := p.subs
	p.subs = nil
	p.lk.Unlock()

	for _, sub := range subs {
		sub.Unsubscribe()
	}
	return nil
}

func (p *Proxy[T]) Metrics() ChannelMetrics {
	m := ChannelMetrics{
		Name:     p.Name(),
		Sent:     p.sent.Load(),
		Received: p.received.Load(),
		Errors:   p.errors.Load(),
	}
	if p.output != "" {
		m.Connections = p.router.Connections(p.output)
	}
	return m
}

func (p *Proxy[T]) fail(reason string, err error) {
	p.errors.Add(1)
	p.msink.IncrCounterWithLabels(MetricChannelErrorCount, 1, withLabels(p.labels, LabelReason.M(reason)))
	if err != nil {
		p.logger.Warn("proxy: failure", LabelReason.L(reason), LabelError.L(err))
	} else {
		p.logger.Warn("proxy: failure", LabelReason.L(reason))
	}
}

// proxySubscriber decodes data messages for one typed subscriber.
type proxySubscriber[T any] struct {
	proxy *Proxy[T]
	sub   flow.Subscriber[flow.Envelope[T]]
}

func (ps *proxySubscriber[T]) Deliver(msg *wire.DataMessage) {
	value, err := ps.proxy.codec.Unmarshal(msg.Payload)
	if err != nil {
		ps.DeliverError(fmt.Errorf("%w: xid %d: %w", flow.ErrDecode, msg.XID, err))
		return
	}

	ps.proxy.received.Add(1)
	ps.proxy.msink.IncrCounterWithLabels(MetricChannelReceivedCount, 1, ps.proxy.labels)

	defer func() {
		if v := recover(); v != nil {
			ps.DeliverError(&PanicError{Value: v})
		}
	}()
	ps.sub.Deliver(flow.Envelope[T]{
		Value:   value,
		GraphID: msg.GraphID,
		XID:     msg.XID,
		Service: msg.Service,
		Channel: msg.Channel,
	})
}

func (ps *proxySubscriber[T]) DeliverError(err error) {
	ps.proxy.fail("subscriber", err)
	ps.sub.DeliverError(err)
}

func (ps *proxySubscriber[T]) Complete() {
	ps.sub.Complete()
}
