package meshline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshline/pkg/wire"
)

const receiveBufferSize = 32 << 10

// TransportState is where a Transport stands in its lifecycle. A
// Transport never goes back to Connecting once Disconnected: a new one
// has to be created.
type TransportState int32

const (
	StateDisconnected TransportState = iota
	StateConnecting
	StateConnected
)

func (s TransportState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// TransportConfig controls every Transport created by a node.
type TransportConfig struct {
	// DialTimeout bounds a single connection attempt.
	DialTimeout time.Duration

	// DialRetries is how many attempts are made before giving up. The
	// Transport never reconnects on its own after that.
	DialRetries int

	// RetryDelay is the fixed pause between two attempts.
	RetryDelay time.Duration

	// ProbeTimeout bounds the keep-alive write of a liveness probe.
	ProbeTimeout time.Duration

	// WriteTimeout bounds each frame written by the send loop. Zero
	// disables it.
	WriteTimeout time.Duration

	// SendQueueSize is the capacity of the outbound queue.
	SendQueueSize int

	// MaxMessageSize is the biggest frame accepted from the remote.
	// Bigger frames are skipped and the connection stays open.
	MaxMessageSize uint32

	// MetricsLabels to add to every metrics emitted by a Transport.
	MetricLabels []metrics.Label

	// MetricSink to use for emitting metrics.
	MetricSink metrics.MetricSink

	// LogHandler to use for emitting structured logs.
	LogHandler slog.Handler
}

// DefaultTransportConfig mirrors the option defaults of a node.
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		DialTimeout:    5 * time.Second,
		DialRetries:    3,
		RetryDelay:     time.Second,
		ProbeTimeout:   2 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  1024,
		MaxMessageSize: wire.DefaultMaxMessageSize,
	}
}

func (cfg *TransportConfig) normalize() TransportConfig {
	def := DefaultTransportConfig()
	out := *cfg
	if out.DialTimeout <= 0 {
		out.DialTimeout = def.DialTimeout
	}
	if out.DialRetries <= 0 {
		out.DialRetries = def.DialRetries
	}
	if out.RetryDelay < 0 {
		out.RetryDelay = def.RetryDelay
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = def.ProbeTimeout
	}
	if out.SendQueueSize <= 0 {
		out.SendQueueSize = def.SendQueueSize
	}
	if out.MaxMessageSize == 0 {
		out.MaxMessageSize = def.MaxMessageSize
	}
	if out.MetricSink == nil {
		out.MetricSink = metrics.Default()
	}
	return out
}

// FrameHandler receives every frame read by a Transport, from its receive
// loop, in arrival order. It must not call Close on the Transport.
type FrameHandler func(t *Transport, frame []byte)

// Transport is one framed TCP connection with a remote address.
type Transport struct {
	id       string
	addr     string
	outbound bool
	cfg      TransportConfig
	logger   *slog.Logger
	msink    metrics.MetricSink
	labels   []metrics.Label
	onFrame  FrameHandler

	state    atomic.Int32
	lastSeen atomic.Int64
	conn     net.Conn

	// serialise writes of the send loop and the probe.
	wlk sync.Mutex

	sendCh chan []byte

	closeOnce sync.Once
	closeCh   chan struct{}
	closeErr  error
	wg        sync.WaitGroup
}

func newTransport(addr string, outbound bool, cfg *TransportConfig, onFrame FrameHandler) *Transport {
	c := cfg.normalize()
	t := &Transport{
		id:       uuid.NewString(),
		addr:     addr,
		outbound: outbound,
		cfg:      c,
		msink:    c.MetricSink,
		labels:   withLabels(c.MetricLabels, LabelRemoteAddr.M(addr), LabelDirection.M(direction(outbound))),
		onFrame:  onFrame,
		sendCh:   make(chan []byte, c.SendQueueSize),
		closeCh:  make(chan struct{}),
	}

	var handler slog.Handler
	if c.LogHandler != nil {
		handler = c.LogHandler
	} else {
		handler = slog.Default().Handler()
	}
	t.logger = slog.New(handler).With(
		LabelComponent.L("transport"),
		LabelTransportID.L(t.id),
		LabelRemoteAddr.L(addr),
		LabelDirection.L(direction(outbound)),
	)
	return t
}

func direction(outbound bool) string {
	if outbound {
		return "outbound"
	}
	return "inbound"
}

// DialTransport connects to addr, retrying a bounded number of times.
// The returned Transport is Connected and runs until ctx is done, an I/O
// error occurs, or Close is called.
func DialTransport(ctx context.Context, addr string, cfg *TransportConfig, onFrame FrameHandler) (*Transport, error) {
	t := newTransport(addr, true, cfg, onFrame)
	t.state.Store(int32(StateConnecting))

	dialer := net.Dialer{Timeout: t.cfg.DialTimeout}
	var lastErr error
	for attempt := 1; attempt <= t.cfg.DialRetries; attempt++ {
		t.msink.IncrCounterWithLabels(MetricTransportDialCount, 1, t.labels)
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			t.start(ctx, conn)
			return t, nil
		}

		lastErr = err
		t.msink.IncrCounterWithLabels(MetricTransportDialErrorCount, 1, t.labels)
		t.logger.Debug("transport: dial failed", LabelAttempt.L(attempt), LabelError.L(err))

		if attempt == t.cfg.DialRetries {
			break
		}
		select {
		case <-ctx.Done():
			t.state.Store(int32(StateDisconnected))
			return nil, fmt.Errorf("%w: %s: %w", ErrDialFailed, addr, ctx.Err())
		case <-time.After(t.cfg.RetryDelay):
		}
	}

	t.state.Store(int32(StateDisconnected))
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrDialFailed, addr, t.cfg.DialRetries, lastErr)
}

// AcceptTransport wraps an inbound connection. It is keyed by the remote
// socket address.
func AcceptTransport(ctx context.Context, conn net.Conn, cfg *TransportConfig, onFrame FrameHandler) *Transport {
	t := newTransport(conn.RemoteAddr().String(), false, cfg, onFrame)
	t.start(ctx, conn)
	return t
}

func (t *Transport) start(ctx context.Context, conn net.Conn) {
	t.conn = conn
	t.lastSeen.Store(time.Now().UnixNano())
	t.state.Store(int32(StateConnected))
	t.logger.Debug("transport: connected", LabelLocalAddr.L(conn.LocalAddr().String()))

	t.wg.Add(3)
	go t.handleCancel(ctx)
	go t.handleReceive()
	go t.handleSend()
}

func (t *Transport) ID() string {
	return t.id
}

// RemoteAddr is the key of the Transport: the dialed address for outbound
// transports, the remote socket address for inbound ones.
func (t *Transport) RemoteAddr() string {
	return t.addr
}

func (t *Transport) Outbound() bool {
	return t.outbound
}

func (t *Transport) State() TransportState {
	return TransportState(t.state.Load())
}

// LastSeen is the last time bytes were read from the remote.
func (t *Transport) LastSeen() time.Time {
	return time.Unix(0, t.lastSeen.Load())
}

// Done is closed once the Transport is Disconnected.
func (t *Transport) Done() <-chan struct{} {
	return t.closeCh
}

// Err returns why the Transport disconnected, nil while it is not.
func (t *Transport) Err() error {
	select {
	case <-t.closeCh:
		return t.closeErr
	default:
		return nil
	}
}

// Send enqueues msg, which is framed by the send loop. It never blocks:
// a full queue drops the message.
func (t *Transport) Send(msg []byte) error {
	if t.State() != StateConnected {
		return ErrTransportClosed
	}
	select {
	case <-t.closeCh:
		return ErrTransportClosed
	case t.sendCh <- msg:
		return nil
	default:
		t.msink.IncrCounterWithLabels(MetricTransportOutErrorCount, 1, withLabels(t.labels, LabelReason.M("queue_full")))
		return ErrSendQueueFull
	}
}

// Alive probes the connection by writing a keep-alive frame with a
// deadline. Any failure disconnects the Transport. A remote that closed
// its side is caught by the receive loop reading EOF.
func (t *Transport) Alive() bool {
	if t.State() != StateConnected {
		return false
	}

	t.wlk.Lock()
	err := t.conn.SetWriteDeadline(time.Now().Add(t.cfg.ProbeTimeout))
	if err == nil {
		_, err = t.conn.Write(wire.KeepAlive())
	}
	t.wlk.Unlock()

	if err != nil {
		t.msink.IncrCounterWithLabels(MetricTransportProbeErrorCount, 1, t.labels)
		t.closeWith(fmt.Errorf("%w: %w", ErrProbeFailed, err))
		return false
	}
	return t.State() == StateConnected
}

// Close disconnects and waits for the loops to return. Messages still
// queued are discarded.
func (t *Transport) Close() error {
	t.closeWith(ErrTransportClosed)
	t.wg.Wait()
	return nil
}

func (t *Transport) closeWith(cause error) {
	t.closeOnce.Do(func() {
		t.closeErr = cause
		t.state.Store(int32(StateDisconnected))
		close(t.closeCh)
		if t.conn != nil {
			_ = t.conn.Close()
		}
		t.msink.IncrCounterWithLabels(MetricTransportClosedCount, 1, t.labels)

		if errors.Is(cause, ErrTransportClosed) || errors.Is(cause, context.Canceled) {
			t.logger.Debug("transport: closed", LabelReason.L(cause.Error()))
		} else {
			t.logger.Info("transport: disconnected", LabelReason.L(cause.Error()))
		}
	})
}

func (t *Transport) write(frame []byte) error {
	t.wlk.Lock()
	defer t.wlk.Unlock()

	var deadline time.Time
	if t.cfg.WriteTimeout > 0 {
		deadline = time.Now().Add(t.cfg.WriteTimeout)
	}
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	_, err := t.conn.Write(frame)
	return err
}

func (t *Transport) handleCancel(ctx context.Context) {
	defer t.wg.Done()
	select {
	case <-ctx.Done():
		t.closeWith(ctx.Err())
	case <-t.closeCh:
	}
}

func (t *Transport) handleSend() {
	defer t.wg.Done()
	for {
		select {
		case <-t.closeCh:
			return
		case msg := <-t.sendCh:
			if err := t.write(wire.Frame(msg)); err != nil {
				t.msink.IncrCounterWithLabels(MetricTransportOutErrorCount, 1, withLabels(t.labels, LabelReason.M("write")))
				t.closeWith(err)
				return
			}
			t.msink.IncrCounterWithLabels(MetricTransportOutMessages, 1, t.labels)
			t.msink.IncrCounterWithLabels(MetricTransportOutBytes, float32(len(msg)+wire.LengthPrefixSize), t.labels)
		}
	}
}

func (t *Transport) handleReceive() {
	defer t.wg.Done()

	framer := wire.NewFramer(t.cfg.MaxMessageSize, func(frame []byte) {
		t.msink.IncrCounterWithLabels(MetricTransportInMessages, 1, t.labels)
		if t.onFrame != nil {
			t.onFrame(t, frame)
		}
	})
	framer.FrameDropped = func(err error) {
		t.msink.IncrCounterWithLabels(MetricTransportInDroppedCount, 1, t.labels)
		t.logger.Warn("oversized frame skipped", LabelError.L(err))
	}

	buf := make([]byte, receiveBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if n > 0 {
			t.lastSeen.Store(time.Now().UnixNano())
			t.msink.IncrCounterWithLabels(MetricTransportInBytes, float32(n), t.labels)
			// Never fails: oversized frames are skipped.
			_, _ = framer.Write(buf[:n])
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = fmt.Errorf("remote closed the connection: %w", err)
			}
			t.closeWith(err)
			return
		}
	}
}

func (t *Transport) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("id", t.id),
		slog.String("remote_addr", t.addr),
		slog.Bool("outbound", t.outbound),
		slog.String("state", t.State().String()),
	)
}
