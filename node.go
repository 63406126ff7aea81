package meshline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshline/pkg/wire"
	"golang.org/x/sync/errgroup"
)

const MaxChannelNameLength = 128

var InvalidChannelName = regexp.MustCompile(`[^A-Za-z0-9\-\._]+`)

// ValidateChannelName reports whether name can be declared to the
// discovery service.
func ValidateChannelName(name string) bool {
	return len(name) > 0 && len(name) <= MaxChannelNameLength && !InvalidChannelName.MatchString(name)
}

// Node is one member of the mesh. It listens for peers, keeps itself
// registered with the discovery service and routes data messages between
// its channel proxies and remote nodes.
type Node struct {
	config config
	logger *slog.Logger
	msink  metrics.MetricSink
	id     string

	ln     net.Listener
	dsm    *DiscoveryStateMachine
	router *Router
	disc   *discoveryClient

	// synchronisation
	lk sync.Mutex

	// 2-phase close:
	// phase 1: cancel the lifecycle context, loops stop.
	// phase 2: drop, transports and subscribers are released.
	started  bool
	shutdown bool
	cancel   context.CancelFunc
	group    *errgroup.Group
	doneCh   chan struct{}
}

func Create(opts ...Option) (*Node, error) {
	n := &Node{
		config: defaultConfig(),
		id:     uuid.NewString(),
		doneCh: make(chan struct{}),
	}

	for _, opt := range opts {
		err := opt(&n.config)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
		}
	}
	if n.config.discoveryAddr == "" {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, ErrNoDiscoveryService)
	}
	if n.config.name == "" {
		n.config.name = n.id
	}

	// Logging implementations.
	if n.config.logHandler != nil {
		n.logger = slog.New(n.config.logHandler)
	} else {
		n.logger = slog.Default()
	}
	n.logger = n.logger.With(LabelNodeID.L(n.config.name))

	// Metrics implementations.
	if n.config.trCfg.MetricSink == nil {
		n.config.trCfg.MetricSink = metrics.Default()
	}
	n.msink = n.config.trCfg.MetricSink
	n.config.metricLabels = withLabels(n.config.metricLabels, LabelNodeID.M(n.config.name))
	n.config.trCfg.MetricLabels = n.config.metricLabels

	ln, err := net.Listen("tcp", net.JoinHostPort(n.config.bindAddr, strconv.Itoa(n.config.bindPort)))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCfg, err)
	}
	n.ln = ln

	host, err := advertiseHost(n.config.advertiseHost, ln.Addr())
	if err != nil {
		_ = ln.Close()
		return nil, err
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)

	n.dsm = NewDiscoveryStateMachine(host, port)
	n.router = newRouter(routerConfig{
		self:      n.dsm.Address(),
		trCfg:     &n.config.trCfg,
		dialRate:  n.config.dialRate,
		dialBurst: n.config.dialBurst,
		logger:    n.logger,
		msink:     n.msink,
		labels:    n.config.metricLabels,
	}, n.dsm)
	n.disc = &discoveryClient{
		addr:            n.config.discoveryAddr,
		encoding:        n.config.encoding,
		dsm:             n.dsm,
		trCfg:           &n.config.trCfg,
		refreshInterval: n.config.refreshInterval,
		responseTimeout: n.config.responseTimeout,
		retryDelay:      n.config.trCfg.RetryDelay,
		logger:          n.logger.With(LabelComponent.L("discovery")),
		msink:           n.msink,
		labels:          n.config.metricLabels,
		onRound:         n.router.Reconcile,
	}

	n.logger.Info("node created", LabelLocalAddr.L(n.Addr()))
	return n, nil
}

func advertiseHost(configured string, bound net.Addr) (string, error) {
	if configured != "" {
		return configured, nil
	}
	tcpAddr, ok := bound.(*net.TCPAddr)
	if ok && !tcpAddr.IP.IsUnspecified() {
		return tcpAddr.IP.String(), nil
	}
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return "", fmt.Errorf("%w: %w", ErrAdvertiseUnresolved, err)
	}
	return hostname, nil
}

// ID is unique per process run.
func (n *Node) ID() string {
	return n.id
}

// Addr is the host:port other nodes reach this one at.
func (n *Node) Addr() string {
	return n.dsm.Address()
}

// Router gives access to the live transports and raw subscriptions.
func (n *Node) Router() *Router {
	return n.router
}

// Discovery exposes the resolved route tables.
func (n *Node) Discovery() *DiscoveryStateMachine {
	return n.dsm
}

// Registered is closed once the node completed its first discovery round.
func (n *Node) Registered() <-chan struct{} {
	return n.dsm.Registered()
}

// Done is closed once Shutdown completed.
func (n *Node) Done() <-chan struct{} {
	return n.doneCh
}

// declare registers channels, which is only allowed before Start.
func (n *Node) declare(input, output string) (*inputChannel, error) {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return nil, ErrNodeClosed
	}
	if n.started {
		return nil, ErrRegistrationClosed
	}

	var in *inputChannel
	if input != "" {
		var err error
		if in, err = n.router.registerInput(input); err != nil {
			return nil, err
		}
		n.dsm.DeclareInput(input)
	}
	if output != "" {
		if err := n.router.registerOutput(output); err != nil {
			return nil, err
		}
		n.dsm.DeclareOutput(output)
	}
	return in, nil
}

// Start runs the accept loop, the discovery loop and the connection
// monitor until ctx is done or Shutdown is called.
func (n *Node) Start(ctx context.Context) error {
	n.lk.Lock()
	defer n.lk.Unlock()
	if n.shutdown {
		return ErrNodeClosed
	}
	if n.started {
		return ErrNodeStarted
	}
	n.started = true

	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	n.cancel = cancel
	n.group = g
	n.router.start(gctx)

	g.Go(func() error { return n.handleAccept(gctx) })
	g.Go(func() error { return n.disc.run(gctx) })
	g.Go(func() error { return n.router.runMonitor(gctx, n.config.monitorInterval) })
	g.Go(func() error {
		<-gctx.Done()
		_ = n.ln.Close()
		return nil
	})

	n.logger.Info(
		"node started",
		slog.Any("inputs", n.router.InputChannels()),
		slog.Any("outputs", n.router.OutputChannels()),
		slog.String("discovery", n.config.discoveryAddr),
		LabelEncoding.L(n.config.encoding.String()),
	)
	return nil
}

// Wait blocks until the loops started by Start returned.
func (n *Node) Wait() error {
	n.lk.Lock()
	g := n.group
	n.lk.Unlock()
	if g == nil {
		return nil
	}
	return g.Wait()
}

func (n *Node) Shutdown() error {
	// Phase 1: Shutdown notify.
	n.lk.Lock()
	if n.shutdown {
		n.lk.Unlock()
		<-n.doneCh
		return nil
	}
	n.shutdown = true
	cancel := n.cancel
	g := n.group
	n.lk.Unlock()

	start := time.Now()
	n.logger.Info("shutting down...")

	if cancel != nil {
		cancel()
	}
	err := n.ln.Close()
	if errors.Is(err, net.ErrClosed) {
		err = nil
	}

	n.logger.Info("shutdown: wait for sub-tasks to finish")
	if g != nil {
		if gerr := g.Wait(); gerr != nil && !errors.Is(gerr, context.Canceled) {
			err = errors.Join(err, gerr)
		}
	}

	// Phase 2: Drop all resources.
	n.logger.Info("shutdown: release transports and subscribers")
	n.router.close()

	close(n.doneCh)
	n.logger.Info("shutdown: completed", LabelDuration.L(time.Since(start)))
	return err
}

func (n *Node) handleAccept(ctx context.Context) error {
	for {
		conn, err := n.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				n.logger.Info("shutdown: stop accepting peers")
				return nil
			}
			n.logger.Error("accept failed", LabelError.L(err))
			if !sleepCtx(ctx, 50*time.Millisecond) {
				return nil
			}
			continue
		}

		t := AcceptTransport(ctx, conn, &n.config.trCfg, n.router.Deliver)
		n.router.adopt(t)
		n.logger.Debug("peer connected", LabelRemoteAddr.L(t.RemoteAddr()))
	}
}

// Encoding is the discovery message encoding in use.
func (n *Node) Encoding() wire.Encoding {
	return n.config.encoding
}
