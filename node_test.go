package meshline

import (
	"context"
	"testing"
	"time"

	"github.com/raskyld/meshline/pkg/flow"
	"github.com/raskyld/meshline/pkg/wire"
	"github.com/stretchr/testify/require"
)

type closePrice struct {
	Symbol string  `json:"symbol"`
	Close  float64 `json:"close"`
}

func startDiscovery(t *testing.T, ctx context.Context) *DiscoveryServer {
	t.Helper()
	server, err := NewDiscoveryServer(
		WithServerListenOn("127.0.0.1:0"),
		WithServerLog(testLogHandler("discovery")),
		WithServerMetricSink(newCountingSink()),
	)
	require.NoError(t, err)
	go func() { _ = server.Serve(ctx) }()
	t.Cleanup(func() { _ = server.Close() })
	return server
}

func createNode(t *testing.T, name, discovery string, opts ...Option) *Node {
	t.Helper()
	base := []Option{
		WithNodeName(name),
		WithListenOn("127.0.0.1", 0),
		WithDiscoveryService(discovery),
		WithLog(testLogHandler(name)),
		WithMetricSink(newCountingSink()),
		WithRefreshInterval(20 * time.Millisecond),
		WithMonitorInterval(50 * time.Millisecond),
		WithRetryDelay(20 * time.Millisecond),
		WithDialRetries(2),
		WithDialTimeout(500 * time.Millisecond),
		WithProbeTimeout(200 * time.Millisecond),
	}
	n, err := Create(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Shutdown() })
	return n
}

func waitRegistered(t *testing.T, nodes ...*Node) {
	t.Helper()
	for _, n := range nodes {
		select {
		case <-n.Registered():
		case <-time.After(5 * time.Second):
			t.Fatalf("node %s never registered", n.Addr())
		}
	}
}

func TestNodeClosePrices(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startDiscovery(t, ctx)
	producer := createNode(t, "producer", server.Addr())
	consumer := createNode(t, "consumer", server.Addr(), WithDiscoveryEncoding(wire.EncodingStructured))

	prices, err := NewProxy[closePrice](producer, "", "closeprice", nil, WithGraphID(7))
	require.NoError(t, err)
	raw, err := NewProxy[[]byte](producer, "", "closeprice", flow.NewBytesCodec(false))
	require.NoError(t, err)
	input, err := NewProxy[closePrice](consumer, "closeprice", "", nil)
	require.NoError(t, err)

	receiver := flow.NewReceiver[flow.Envelope[closePrice]](16)
	_, err = input.SubscribeWith(receiver)
	require.NoError(t, err)

	_, err = prices.Subscribe(func(closePrice) {}, nil)
	require.ErrorIs(t, err, ErrNoChannel)

	require.NoError(t, producer.Start(ctx))
	require.NoError(t, consumer.Start(ctx))
	waitRegistered(t, producer, consumer)

	// Consumers are connected ahead of the first publication.
	require.Eventually(t, func() bool {
		return producer.Router().Connections("closeprice") == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.Equal(t, []string{consumer.Addr()}, producer.Discovery().OutputRoute("closeprice"))
	require.Equal(t, []string{producer.Addr()}, consumer.Discovery().InputRoute("closeprice"))

	require.Equal(t, 1, prices.Publish(closePrice{Symbol: "ACME", Close: 42.5}))

	recvCtx, recvCancel := context.WithTimeout(ctx, 5*time.Second)
	defer recvCancel()
	env, err := receiver.Recv(recvCtx)
	require.NoError(t, err)
	require.Equal(t, closePrice{Symbol: "ACME", Close: 42.5}, env.Value)
	require.Equal(t, uint32(7), env.GraphID)
	require.NotZero(t, env.XID)
	require.Equal(t, producer.Addr(), env.Service)
	require.Equal(t, "closeprice", env.Channel)

	// Undecodable payloads reach the subscriber as errors.
	require.Equal(t, 1, raw.Publish([]byte("not json")))
	_, err = receiver.Recv(recvCtx)
	require.ErrorIs(t, err, flow.ErrDecode)

	require.Equal(t, ChannelMetrics{Name: "closeprice", Connections: 1, Sent: 1}, prices.Metrics())
	require.Eventually(t, func() bool {
		m := input.Metrics()
		return m.Received == 1 && m.Errors == 1
	}, time.Second, 10*time.Millisecond)

	// Once the consumer left, publications are dropped.
	require.NoError(t, consumer.Shutdown())
	require.Eventually(t, func() bool {
		return prices.Publish(closePrice{Symbol: "ACME", Close: 43}) == 0
	}, 5*time.Second, 20*time.Millisecond)

	_, err = receiver.Recv(recvCtx)
	require.ErrorIs(t, err, flow.ErrFlowClosed)
}

func TestNodePublishWithoutConsumer(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server := startDiscovery(t, ctx)
	n := createNode(t, "alone", server.Addr())
	p, err := NewProxy[closePrice](n, "", "closeprice", nil)
	require.NoError(t, err)
	require.NoError(t, n.Start(ctx))
	waitRegistered(t, n)

	require.Equal(t, 0, p.Publish(closePrice{Symbol: "ACME"}))
	require.Equal(t, 0, p.PublishTo(closePrice{Symbol: "ACME"}))
	require.Equal(t, uint64(0), p.Metrics().Sent)
	require.Equal(t, uint64(1), p.Metrics().Errors)
}

func TestNodeLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	_, err := Create(WithListenOn("127.0.0.1", 0))
	require.ErrorIs(t, err, ErrInvalidCfg)
	require.ErrorIs(t, err, ErrNoDiscoveryService)

	_, err = Create(WithDiscoveryService("nope"))
	require.ErrorIs(t, err, ErrInvalidCfg)

	n := createNode(t, "lifecycle", unusedAddr(t))

	_, err = NewProxy[closePrice](n, "", "", nil)
	require.ErrorIs(t, err, ErrNoChannel)
	_, err = NewProxy[closePrice](n, "close price", "", nil)
	require.ErrorIs(t, err, ErrChannelNameInvalid)

	require.NoError(t, n.Start(ctx))
	require.ErrorIs(t, n.Start(ctx), ErrNodeStarted)
	_, err = NewProxy[closePrice](n, "late", "", nil)
	require.ErrorIs(t, err, ErrRegistrationClosed)

	require.NoError(t, n.Shutdown())
	require.NoError(t, n.Shutdown())
	require.NoError(t, n.Wait())
	select {
	case <-n.Done():
	default:
		t.Fatal("done not closed after shutdown")
	}
	_, err = NewProxy[closePrice](n, "later", "", nil)
	require.ErrorIs(t, err, ErrNodeClosed)
	require.ErrorIs(t, n.Start(ctx), ErrNodeClosed)
}

func TestValidateChannelName(t *testing.T) {
	require.True(t, ValidateChannelName("closeprice"))
	require.True(t, ValidateChannelName("prices.close_v2-eu"))
	require.False(t, ValidateChannelName(""))
	require.False(t, ValidateChannelName("a,b"))
	require.False(t, ValidateChannelName("é"))
	long := make([]byte, MaxChannelNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	require.False(t, ValidateChannelName(string(long)))
}
