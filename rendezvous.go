package meshline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshline/pkg/wire"
)

type serverConfig struct {
	listenAddr   string
	firstPort    uint16
	trCfg        TransportConfig
	logHandler   slog.Handler
	metricLabels []metrics.Label
}

// ServerOption to pass to `NewDiscoveryServer`
type ServerOption func(*serverConfig) error

// WithServerListenOn is the TCP address nodes connect to.
func WithServerListenOn(addr string) ServerOption {
	return func(c *serverConfig) error {
		c.listenAddr = addr
		return nil
	}
}

// WithFirstPort is where port assignment starts for nodes registering
// without a port.
func WithFirstPort(port uint16) ServerOption {
	return func(c *serverConfig) error {
		c.firstPort = port
		return nil
	}
}

func WithServerLog(handler slog.Handler) ServerOption {
	return func(c *serverConfig) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

func WithServerMetricSink(ms metrics.MetricSink) ServerOption {
	return func(c *serverConfig) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.trCfg.MetricSink = ms
		return nil
	}
}

func WithServerMetricLabels(labels []metrics.Label) ServerOption {
	return func(c *serverConfig) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithServerMaxMessageSize bounds the frames accepted from nodes.
func WithServerMaxMessageSize(size uint32) ServerOption {
	return func(c *serverConfig) error {
		c.trCfg.MaxMessageSize = size
		return nil
	}
}

// DiscoveryServer is the rendezvous point of a mesh. Nodes keep a
// connection open to it, declare their channels and get the channel
// directory back. It never carries data messages.
type DiscoveryServer struct {
	cfg    serverConfig
	logger *slog.Logger
	msink  metrics.MetricSink
	dir    *channelDirectory
	ln     net.Listener

	lk       sync.Mutex
	conns    map[string]*Transport
	shutdown bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewDiscoveryServer(opts ...ServerOption) (*DiscoveryServer, error) {
	s := &DiscoveryServer{
		cfg: serverConfig{
			listenAddr: "127.0.0.1:5000",
			trCfg:      DefaultTransportConfig(),
		},
		conns: make(map[string]*Transport),
	}
	for _, opt := range opts {
		if err := opt(&s.cfg); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}

	if s.cfg.logHandler != nil {
		s.logger = slog.New(s.cfg.logHandler)
	} else {
		s.logger = slog.Default()
	}
	s.logger = s.logger.With(LabelComponent.L("rendezvous"))

	if s.cfg.trCfg.MetricSink == nil {
		s.cfg.trCfg.MetricSink = metrics.Default()
	}
	s.msink = s.cfg.trCfg.MetricSink
	s.dir = newChannelDirectory(s.cfg.firstPort)

	ln, err := net.Listen("tcp", s.cfg.listenAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	s.ln = ln
	return s, nil
}

// Addr is the address the server listens on.
func (s *DiscoveryServer) Addr() string {
	return s.ln.Addr().String()
}

// Serve accepts nodes until ctx is done or Close is called.
func (s *DiscoveryServer) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.lk.Lock()
	if s.shutdown {
		s.lk.Unlock()
		cancel()
		return ErrNodeClosed
	}
	s.cancel = cancel
	// The accept loop counts too, so late connections are waited for.
	s.wg.Add(2)
	s.lk.Unlock()
	defer s.wg.Done()
	defer cancel()

	go func() {
		defer s.wg.Done()
		<-ctx.Done()
		_ = s.ln.Close()
	}()

	s.logger.Info("rendezvous: serving", LabelLocalAddr.L(s.Addr()))
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.logger.Error("rendezvous: accept failed", LabelError.L(err))
			continue
		}
		s.handleConn(ctx, conn)
	}
}

func (s *DiscoveryServer) handleConn(ctx context.Context, conn net.Conn) {
	t := AcceptTransport(ctx, conn, &s.cfg.trCfg, s.handleFrame)

	s.lk.Lock()
	s.conns[t.ID()] = t
	s.lk.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		<-t.Done()

		s.lk.Lock()
		delete(s.conns, t.ID())
		s.lk.Unlock()

		if addr, had := s.dir.disconnect(t.ID()); had {
			s.logger.Info("rendezvous: node left", LabelRemoteAddr.L(addr))
		}
		s.msink.SetGaugeWithLabels(MetricRendezvousNodes, float32(s.dir.nodeCount()), s.cfg.metricLabels)
	}()
}

func (s *DiscoveryServer) handleFrame(t *Transport, frame []byte) {
	req, enc, err := wire.DecodeDiscovery(frame)
	if err != nil {
		s.msink.IncrCounterWithLabels(MetricRendezvousRequestCount, 1, withLabels(s.cfg.metricLabels, LabelState.M("malformed")))
		s.logger.Warn("rendezvous: discarding malformed request", LabelRemoteAddr.L(t.RemoteAddr()), LabelError.L(err))
		return
	}
	s.msink.IncrCounterWithLabels(MetricRendezvousRequestCount, 1, withLabels(s.cfg.metricLabels, LabelState.M(req.State.String())))

	reply := s.dir.process(t.ID(), req)
	if reply.State == wire.StateRegister {
		s.logger.Info("rendezvous: node registered", LabelRemoteAddr.L(reply.Address()))
		s.msink.SetGaugeWithLabels(MetricRendezvousNodes, float32(s.dir.nodeCount()), s.cfg.metricLabels)
	} else if reply.State == wire.StateError {
		s.logger.Warn("rendezvous: rejected request", LabelRemoteAddr.L(t.RemoteAddr()), LabelMessage.L(req))
	}

	buf, err := reply.Encode(enc)
	if err != nil {
		s.logger.Error("rendezvous: could not encode reply", LabelError.L(err))
		return
	}
	if err := t.Send(buf); err != nil {
		s.logger.Warn("rendezvous: could not reply", LabelRemoteAddr.L(t.RemoteAddr()), LabelError.L(err))
	}
}

// Inputs lists the consumers of the channels starting with prefix.
func (s *DiscoveryServer) Inputs(prefix string) wire.Directory {
	return s.dir.Inputs(prefix)
}

// Outputs lists the producers of the channels starting with prefix.
func (s *DiscoveryServer) Outputs(prefix string) wire.Directory {
	return s.dir.Outputs(prefix)
}

// Routes lists the producer to consumer edges of the mesh.
func (s *DiscoveryServer) Routes() []Route {
	return s.dir.Routes()
}

// Close stops accepting, drops every node connection and waits.
func (s *DiscoveryServer) Close() error {
	s.lk.Lock()
	if s.shutdown {
		s.lk.Unlock()
		return nil
	}
	s.shutdown = true
	if s.cancel != nil {
		s.cancel()
	}
	conns := make([]*Transport, 0, len(s.conns))
	for _, t := range s.conns {
		conns = append(conns, t)
	}
	s.lk.Unlock()

	err := s.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}
	for _, t := range conns {
		_ = t.Close()
	}
	s.wg.Wait()
	s.logger.Info("shutdown: rendezvous completed")
	return err
}
