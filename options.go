package meshline

import (
	"errors"
	"log/slog"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/raskyld/meshline/pkg/wire"
	"golang.org/x/time/rate"
)

type config struct {
	name          string
	bindAddr      string
	bindPort      int
	advertiseHost string
	discoveryAddr string
	encoding      wire.Encoding

	trCfg           TransportConfig
	monitorInterval time.Duration
	refreshInterval time.Duration
	responseTimeout time.Duration
	dialRate        rate.Limit
	dialBurst       int

	logHandler   slog.Handler
	metricLabels []metrics.Label
}

func defaultConfig() config {
	return config{
		bindAddr:        "0.0.0.0",
		encoding:        wire.EncodingFlat,
		trCfg:           DefaultTransportConfig(),
		monitorInterval: 15 * time.Second,
		refreshInterval: 5 * time.Second,
		responseTimeout: 10 * time.Second,
		dialRate:        rate.Every(time.Second),
		dialBurst:       1,
	}
}

// Option to pass to `Create`
type Option func(*config) error

// WithListenOn specifies the TCP interface peers connect to. A zero port
// lets the system pick one, which is then advertised.
func WithListenOn(addr string, port int) Option {
	return func(c *config) error {
		if port < 0 || port > 65535 {
			return errors.New("port out of range")
		}
		c.bindAddr = addr
		c.bindPort = port
		return nil
	}
}

// WithAdvertiseHost overrides the host other nodes use to reach this one.
// It defaults to the listen address, or the hostname when listening on
// every interface.
func WithAdvertiseHost(host string) Option {
	return func(c *config) error {
		c.advertiseHost = host
		return nil
	}
}

// WithDiscoveryService is the host:port of the discovery service. It is
// required.
func WithDiscoveryService(addr string) Option {
	return func(c *config) error {
		if _, _, err := wire.SplitAddr(addr); err != nil {
			return err
		}
		c.discoveryAddr = addr
		return nil
	}
}

// WithDiscoveryEncoding selects how discovery messages are encoded.
func WithDiscoveryEncoding(enc wire.Encoding) Option {
	return func(c *config) error {
		if enc != wire.EncodingFlat && enc != wire.EncodingStructured {
			return wire.ErrUnsupportedEncoding
		}
		c.encoding = enc
		return nil
	}
}

// WithNodeName is only used in logs and metrics.
func WithNodeName(name string) Option {
	return func(c *config) error {
		c.name = name
		return nil
	}
}

// WithLog specifies which `slog.Handler` to use.
func WithLog(handler slog.Handler) Option {
	return func(c *config) error {
		c.logHandler = handler
		c.trCfg.LogHandler = handler
		return nil
	}
}

// WithMetricLabels adds static labels to all metrics produced by the node.
func WithMetricLabels(labels []metrics.Label) Option {
	return func(c *config) error {
		c.metricLabels = labels
		c.trCfg.MetricLabels = labels
		return nil
	}
}

// WithMetricSink allows you to chose how to collect the metrics emitted by
// your node.
func WithMetricSink(ms metrics.MetricSink) Option {
	return func(c *config) error {
		if ms == nil {
			ms = &metrics.BlackholeSink{}
		}
		c.trCfg.MetricSink = ms
		return nil
	}
}

// WithDialTimeout controls how much time we are willing to wait for a
// remote node to answer a single connection attempt.
func WithDialTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 5 * time.Second
		}
		c.trCfg.DialTimeout = timeout
		return nil
	}
}

// WithDialRetries bounds the connection attempts toward a peer or the
// discovery service.
func WithDialRetries(retries int) Option {
	return func(c *config) error {
		if retries <= 0 {
			retries = 3
		}
		c.trCfg.DialRetries = retries
		return nil
	}
}

// WithRetryDelay is the pause between connection attempts and between
// failed discovery rounds.
func WithRetryDelay(delay time.Duration) Option {
	return func(c *config) error {
		if delay < 0 {
			return errors.New("negative retry delay")
		}
		c.trCfg.RetryDelay = delay
		return nil
	}
}

// WithProbeTimeout bounds the keep-alive write of a liveness probe.
func WithProbeTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout == 0 {
			timeout = 2 * time.Second
		}
		c.trCfg.ProbeTimeout = timeout
		return nil
	}
}

// WithMonitorInterval controls how often dead connections are swept.
func WithMonitorInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			interval = 15 * time.Second
		}
		c.monitorInterval = interval
		return nil
	}
}

// WithRefreshInterval is the pause between two discovery rounds once the
// node is registered.
func WithRefreshInterval(interval time.Duration) Option {
	return func(c *config) error {
		if interval <= 0 {
			interval = 5 * time.Second
		}
		c.refreshInterval = interval
		return nil
	}
}

// WithResponseTimeout bounds the wait for a discovery reply.
func WithResponseTimeout(timeout time.Duration) Option {
	return func(c *config) error {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.responseTimeout = timeout
		return nil
	}
}

// WithSendQueueSize is the capacity of each transport outbound queue.
// Publications beyond it are dropped.
func WithSendQueueSize(size int) Option {
	return func(c *config) error {
		if size <= 0 {
			size = 1024
		}
		c.trCfg.SendQueueSize = size
		return nil
	}
}

// WithMaxMessageSize bounds the frames accepted from peers.
func WithMaxMessageSize(size uint32) Option {
	return func(c *config) error {
		if size == 0 {
			size = wire.DefaultMaxMessageSize
		}
		c.trCfg.MaxMessageSize = size
		return nil
	}
}

// WithDialRate throttles lazy connections toward a single peer.
func WithDialRate(limit rate.Limit, burst int) Option {
	return func(c *config) error {
		if limit <= 0 || burst <= 0 {
			return errors.New("dial rate and burst must be positive")
		}
		c.dialRate = limit
		c.dialBurst = burst
		return nil
	}
}
