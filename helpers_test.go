package meshline

import (
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-metrics"
	"github.com/stretchr/testify/require"
)

func testLogHandler(emitter string) slog.Handler {
	return slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level:     slog.LevelDebug,
		AddSource: true,
	}).WithAttrs([]slog.Attr{
		{Key: "emitter", Value: slog.StringValue(emitter)},
	})
}

// countingSink records counters by key, labels ignored.
type countingSink struct {
	*metrics.BlackholeSink

	lk       sync.Mutex
	counters map[string]float32
}

func newCountingSink() *countingSink {
	return &countingSink{
		BlackholeSink: &metrics.BlackholeSink{},
		counters:      make(map[string]float32),
	}
}

func (s *countingSink) IncrCounter(key []string, val float32) {
	s.IncrCounterWithLabels(key, val, nil)
}

func (s *countingSink) IncrCounterWithLabels(key []string, val float32, _ []metrics.Label) {
	s.lk.Lock()
	defer s.lk.Unlock()
	s.counters[strings.Join(key, ".")] += val
}

func (s *countingSink) Counter(key []string) float32 {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.counters[strings.Join(key, ".")]
}

// listen returns a loopback listener and its address.
func listen(t *testing.T) (net.Listener, string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	return ln, ln.Addr().String()
}

// unusedAddr returns an address nothing listens on.
func unusedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())
	return addr
}

func fastTransportConfig(emitter string, sink metrics.MetricSink) *TransportConfig {
	cfg := DefaultTransportConfig()
	cfg.DialTimeout = 500 * time.Millisecond
	cfg.DialRetries = 2
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.ProbeTimeout = 200 * time.Millisecond
	cfg.MetricSink = sink
	cfg.LogHandler = testLogHandler(emitter)
	return &cfg
}

func newTestLogger(emitter string) *slog.Logger {
	return slog.New(testLogHandler(emitter))
}
