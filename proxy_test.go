package meshline

import (
	"errors"
	"testing"

	"github.com/raskyld/meshline/pkg/flow"
	"github.com/raskyld/meshline/pkg/wire"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockSubscriber struct {
	m mock.Mock
}

func (s *MockSubscriber) Deliver(env flow.Envelope[closePrice]) {
	s.m.Called(env)
}

func (s *MockSubscriber) DeliverError(err error) {
	s.m.Called(err)
}

func (s *MockSubscriber) Complete() {
	s.m.Called()
}

func newTestProxy() *Proxy[closePrice] {
	return &Proxy[closePrice]{
		input:  "closeprice",
		codec:  flow.NewJsonCodec[closePrice](),
		logger: newTestLogger("proxy"),
		msink:  newCountingSink(),
	}
}

func TestProxySubscriberDecodes(t *testing.T) {
	p := newTestProxy()
	sub := &MockSubscriber{}
	ps := &proxySubscriber[closePrice]{proxy: p, sub: sub}

	sub.m.On("Deliver", flow.Envelope[closePrice]{
		Value:   closePrice{Symbol: "AAPL", Close: 123.45},
		GraphID: 3,
		XID:     99,
		Service: "10.0.0.1:7001",
		Channel: "closeprice",
	}).Once()
	sub.m.On("Complete").Once()

	ps.Deliver(&wire.DataMessage{
		GraphID: 3,
		XID:     99,
		Service: "10.0.0.1:7001",
		Channel: "closeprice",
		Payload: []byte(`{"symbol":"AAPL","close":123.45}`),
	})
	ps.Complete()

	sub.m.AssertExpectations(t)
	require.Equal(t, uint64(1), p.Metrics().Received)
	require.Equal(t, uint64(0), p.Metrics().Errors)
}

func TestProxySubscriberDecodeError(t *testing.T) {
	p := newTestProxy()
	sub := &MockSubscriber{}
	ps := &proxySubscriber[closePrice]{proxy: p, sub: sub}

	sub.m.On("DeliverError", mock.MatchedBy(func(err error) bool {
		return errors.Is(err, flow.ErrDecode)
	})).Once()

	ps.Deliver(&wire.DataMessage{GraphID: 1, XID: 1, Service: "s", Channel: "closeprice", Payload: []byte("{")})

	sub.m.AssertExpectations(t)
	sub.m.AssertNotCalled(t, "Deliver", mock.Anything)
	require.Equal(t, uint64(0), p.Metrics().Received)
	require.Equal(t, uint64(1), p.Metrics().Errors)
}

func TestProxySubscriberPanic(t *testing.T) {
	p := newTestProxy()
	sub := &MockSubscriber{}
	ps := &proxySubscriber[closePrice]{proxy: p, sub: sub}

	sub.m.On("Deliver", mock.Anything).Panic("handler bug").Once()
	sub.m.On("DeliverError", mock.MatchedBy(func(err error) bool {
		var perr *PanicError
		return errors.As(err, &perr) && errors.Is(err, ErrSubscriber)
	})).Once()

	require.NotPanics(t, func() {
		ps.Deliver(&wire.DataMessage{GraphID: 1, XID: 1, Service: "s", Channel: "closeprice", Payload: []byte(`{}`)})
	})
	sub.m.AssertExpectations(t)
	require.Equal(t, uint64(1), p.Metrics().Errors)
}

func TestProxyPublishWithoutOutput(t *testing.T) {
	p := newTestProxy()
	require.Equal(t, 0, p.Publish(closePrice{Symbol: "AAPL"}))
	require.Equal(t, uint64(1), p.Metrics().Errors)
	require.Equal(t, "closeprice", p.Name())
}

func TestProxyEncodeError(t *testing.T) {
	p := &Proxy[chan int]{
		output: "closeprice",
		codec:  flow.NewJsonCodec[chan int](),
		logger: newTestLogger("proxy"),
		msink:  newCountingSink(),
		router: newRouter(routerConfig{}, &staticRoutes{}),
	}
	require.Equal(t, 0, p.Publish(make(chan int)))
	require.Equal(t, uint64(1), p.Metrics().Errors)
}
