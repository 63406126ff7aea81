package meshline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshline/pkg/wire"
)

// discoveryClient keeps one connection to the discovery service open and
// walks the DiscoveryStateMachine through it. Closing that connection
// unregisters the node, so it is only dropped on failure.
type discoveryClient struct {
	addr     string
	encoding wire.Encoding
	dsm      *DiscoveryStateMachine
	trCfg    *TransportConfig

	refreshInterval time.Duration
	responseTimeout time.Duration
	retryDelay      time.Duration

	logger *slog.Logger
	msink  metrics.MetricSink
	labels []metrics.Label

	// onRound runs after each completed round, from the discovery loop.
	onRound func(context.Context)
}

func (dc *discoveryClient) run(ctx context.Context) error {
	var (
		tr      *Transport
		replies chan *wire.DiscoveryMessage
	)
	defer func() {
		if tr != nil {
			_ = tr.Close()
		}
	}()

	for ctx.Err() == nil {
		if tr == nil || tr.State() != StateConnected {
			if tr != nil {
				_ = tr.Close()
				tr = nil
			}
			dc.dsm.Reset()

			replies = make(chan *wire.DiscoveryMessage, 4)
			newTr, err := DialTransport(ctx, dc.addr, dc.trCfg, dc.handleFrame(replies))
			if err != nil {
				dc.fail("dial", err)
				sleepCtx(ctx, dc.retryDelay)
				continue
			}
			tr = newTr
			dc.logger.Info("discovery: connected to the discovery service")
		}

		completed, err := dc.step(ctx, tr, replies)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			dc.fail("round", err)
			_ = tr.Close()
			tr = nil
			sleepCtx(ctx, dc.retryDelay)
			continue
		}

		if completed {
			dc.msink.IncrCounterWithLabels(MetricDiscoveryRoundCount, 1, dc.labels)
			dc.logger.Debug(
				"discovery: round completed",
				slog.Any("inputs", dc.dsm.InputChannelRoutes()),
				slog.Any("outputs", dc.dsm.OutputChannelRoutes()),
			)
			if dc.onRound != nil {
				dc.onRound(ctx)
			}
			sleepCtx(ctx, dc.refreshInterval)
		}
	}

	dc.logger.Info("shutdown: discovery loop")
	return nil
}

// step sends the request of the current state and applies the reply.
func (dc *discoveryClient) step(ctx context.Context, tr *Transport, replies <-chan *wire.DiscoveryMessage) (bool, error) {
	req := dc.dsm.Next()
	buf, err := req.Encode(dc.encoding)
	if err != nil {
		return false, err
	}
	if err := tr.Send(buf); err != nil {
		return false, err
	}

	timer := time.NewTimer(dc.responseTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-tr.Done():
		return false, fmt.Errorf("%w: %w", ErrTransportClosed, tr.Err())
	case <-timer.C:
		return false, fmt.Errorf("%w: %s", ErrResponseTimeout, req.State)
	case reply := <-replies:
		dc.logger.Debug("discovery: reply received", LabelMessage.L(reply))
		return dc.dsm.Receive(reply)
	}
}

func (dc *discoveryClient) handleFrame(replies chan<- *wire.DiscoveryMessage) FrameHandler {
	return func(_ *Transport, frame []byte) {
		msg, enc, err := wire.DecodeDiscovery(frame)
		if err != nil {
			dc.msink.IncrCounterWithLabels(MetricDiscoveryErrorCount, 1, withLabels(dc.labels, LabelReason.M("malformed")))
			dc.logger.Warn("discovery: discarding malformed reply", LabelEncoding.L(enc.String()), LabelError.L(err))
			return
		}
		select {
		case replies <- msg:
		default:
			dc.logger.Warn("discovery: discarding unexpected reply", LabelMessage.L(msg))
		}
	}
}

func (dc *discoveryClient) fail(reason string, err error) {
	dc.msink.IncrCounterWithLabels(MetricDiscoveryErrorCount, 1, withLabels(dc.labels, LabelReason.M(reason)))
	dc.logger.Warn(
		"discovery: failed, will retry",
		LabelReason.L(reason),
		LabelState.L(dc.dsm.State().String()),
		LabelError.L(err),
	)
}

// sleepCtx returns false if ctx ended first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
