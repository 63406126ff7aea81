// Package config loads the settings of the meshline command: an optional
// .env file, then a TOML file, then MESHLINE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hashicorp/go-metrics"
	"github.com/joho/godotenv"
	"github.com/raskyld/meshline"
	"github.com/raskyld/meshline/pkg/wire"
)

const EnvPrefix = "MESHLINE_"

var ErrInvalid = errors.New("config: invalid")

// Config of both the node and the discovery service commands.
type Config struct {
	LogLevel  slog.Level
	LogFormat string

	NodeName        string
	ListenHost      string
	ListenPort      int
	AdvertiseHost   string
	DiscoveryAddr   string
	Encoding        wire.Encoding
	Inputs          []string
	Outputs         []string
	RefreshInterval time.Duration
	MonitorInterval time.Duration
	ResponseTimeout time.Duration
	DialTimeout     time.Duration
	DialRetries     int
	RetryDelay      time.Duration
	ProbeTimeout    time.Duration
	SendQueueSize   int
	MaxMessageSize  uint32

	ServerListen string
	FirstPort    uint16
	HTTPListen   string
}

func Default() Config {
	tr := meshline.DefaultTransportConfig()
	return Config{
		LogLevel:        slog.LevelInfo,
		LogFormat:       "text",
		ListenHost:      "0.0.0.0",
		DiscoveryAddr:   "127.0.0.1:5000",
		Encoding:        wire.EncodingFlat,
		RefreshInterval: 5 * time.Second,
		MonitorInterval: 15 * time.Second,
		ResponseTimeout: 10 * time.Second,
		DialTimeout:     tr.DialTimeout,
		DialRetries:     tr.DialRetries,
		RetryDelay:      tr.RetryDelay,
		ProbeTimeout:    tr.ProbeTimeout,
		SendQueueSize:   tr.SendQueueSize,
		MaxMessageSize:  tr.MaxMessageSize,
		ServerListen:    "127.0.0.1:5000",
		FirstPort:       meshline.DefaultFirstPort,
		HTTPListen:      "127.0.0.1:8080",
	}
}

type fileConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`

	Node struct {
		Name            string   `toml:"name"`
		ListenHost      string   `toml:"listen_host"`
		ListenPort      int      `toml:"listen_port"`
		AdvertiseHost   string   `toml:"advertise_host"`
		Discovery       string   `toml:"discovery"`
		Encoding        string   `toml:"encoding"`
		Inputs          []string `toml:"inputs"`
		Outputs         []string `toml:"outputs"`
		RefreshInterval string   `toml:"refresh_interval"`
		MonitorInterval string   `toml:"monitor_interval"`
		ResponseTimeout string   `toml:"response_timeout"`
		DialTimeout     string   `toml:"dial_timeout"`
		DialRetries     int      `toml:"dial_retries"`
		RetryDelay      string   `toml:"retry_delay"`
		ProbeTimeout    string   `toml:"probe_timeout"`
		SendQueueSize   int      `toml:"send_queue_size"`
		MaxMessageSize  uint32   `toml:"max_message_size"`
	} `toml:"node"`

	Discovery struct {
		Listen     string `toml:"listen"`
		FirstPort  uint16 `toml:"first_port"`
		HTTPListen string `toml:"http_listen"`
	} `toml:"discovery"`
}

// Load builds the configuration. path is the TOML file, it may be empty.
// dotenv files are loaded first, ".env" when none is given, missing ones
// being ignored. They never override variables already set.
func Load(path string, dotenv ...string) (Config, error) {
	if len(dotenv) == 0 {
		dotenv = []string{".env"}
	}
	for _, file := range dotenv {
		if err := godotenv.Load(file); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", file, err)
		}
	}

	cfg := Default()
	if path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.overlayEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) overlayFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %s", ErrInvalid, undecoded[0])
	}

	if meta.IsDefined("log_level") {
		if err := cfg.LogLevel.UnmarshalText([]byte(raw.LogLevel)); err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
	}
	if meta.IsDefined("log_format") {
		cfg.LogFormat = strings.TrimSpace(raw.LogFormat)
	}

	if meta.IsDefined("node", "name") {
		cfg.NodeName = strings.TrimSpace(raw.Node.Name)
	}
	if meta.IsDefined("node", "listen_host") {
		cfg.ListenHost = strings.TrimSpace(raw.Node.ListenHost)
	}
	if meta.IsDefined("node", "listen_port") {
		cfg.ListenPort = raw.Node.ListenPort
	}
	if meta.IsDefined("node", "advertise_host") {
		cfg.AdvertiseHost = strings.TrimSpace(raw.Node.AdvertiseHost)
	}
	if meta.IsDefined("node", "discovery") {
		cfg.DiscoveryAddr = strings.TrimSpace(raw.Node.Discovery)
	}
	if meta.IsDefined("node", "encoding") {
		enc, err := wire.ParseEncoding(raw.Node.Encoding)
		if err != nil {
			return fmt.Errorf("parse encoding: %w", err)
		}
		cfg.Encoding = enc
	}
	if meta.IsDefined("node", "inputs") {
		cfg.Inputs = normalizeChannels(raw.Node.Inputs)
	}
	if meta.IsDefined("node", "outputs") {
		cfg.Outputs = normalizeChannels(raw.Node.Outputs)
	}

	durations := []struct {
		key string
		raw string
		dst *time.Duration
	}{
		{"refresh_interval", raw.Node.RefreshInterval, &cfg.RefreshInterval},
		{"monitor_interval", raw.Node.MonitorInterval, &cfg.MonitorInterval},
		{"response_timeout", raw.Node.ResponseTimeout, &cfg.ResponseTimeout},
		{"dial_timeout", raw.Node.DialTimeout, &cfg.DialTimeout},
		{"retry_delay", raw.Node.RetryDelay, &cfg.RetryDelay},
		{"probe_timeout", raw.Node.ProbeTimeout, &cfg.ProbeTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined("node", d.key) {
			continue
		}
		parsed, err := time.ParseDuration(strings.TrimSpace(d.raw))
		if err != nil {
			return fmt.Errorf("parse %s: %w", d.key, err)
		}
		*d.dst = parsed
	}

	if meta.IsDefined("node", "dial_retries") {
		cfg.DialRetries = raw.Node.DialRetries
	}
	if meta.IsDefined("node", "send_queue_size") {
		cfg.SendQueueSize = raw.Node.SendQueueSize
	}
	if meta.IsDefined("node", "max_message_size") {
		cfg.MaxMessageSize = raw.Node.MaxMessageSize
	}

	if meta.IsDefined("discovery", "listen") {
		cfg.ServerListen = strings.TrimSpace(raw.Discovery.Listen)
	}
	if meta.IsDefined("discovery", "first_port") {
		cfg.FirstPort = raw.Discovery.FirstPort
	}
	if meta.IsDefined("discovery", "http_listen") {
		cfg.HTTPListen = strings.TrimSpace(raw.Discovery.HTTPListen)
	}
	return nil
}

func (cfg *Config) overlayEnv() error {
	env := func(name string) (string, bool) {
		v, ok := os.LookupEnv(EnvPrefix + name)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := env("LOG_LEVEL"); ok {
		if err := cfg.LogLevel.UnmarshalText([]byte(v)); err != nil {
			return fmt.Errorf("parse %sLOG_LEVEL: %w", EnvPrefix, err)
		}
	}
	if v, ok := env("LOG_FORMAT"); ok {
		cfg.LogFormat = v
	}
	if v, ok := env("NODE_NAME"); ok {
		cfg.NodeName = v
	}
	if v, ok := env("LISTEN_HOST"); ok {
		cfg.ListenHost = v
	}
	if v, ok := env("LISTEN_PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse %sLISTEN_PORT: %w", EnvPrefix, err)
		}
		cfg.ListenPort = port
	}
	if v, ok := env("ADVERTISE_HOST"); ok {
		cfg.AdvertiseHost = v
	}
	if v, ok := env("DISCOVERY"); ok {
		cfg.DiscoveryAddr = v
	}
	if v, ok := env("ENCODING"); ok {
		enc, err := wire.ParseEncoding(v)
		if err != nil {
			return fmt.Errorf("parse %sENCODING: %w", EnvPrefix, err)
		}
		cfg.Encoding = enc
	}
	if v, ok := env("INPUTS"); ok {
		cfg.Inputs = wire.SplitChannels(v)
	}
	if v, ok := env("OUTPUTS"); ok {
		cfg.Outputs = wire.SplitChannels(v)
	}
	if v, ok := env("DISCOVERY_LISTEN"); ok {
		cfg.ServerListen = v
	}
	if v, ok := env("FIRST_PORT"); ok {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("parse %sFIRST_PORT: %w", EnvPrefix, err)
		}
		cfg.FirstPort = uint16(port)
	}
	if v, ok := env("HTTP_LISTEN"); ok {
		cfg.HTTPListen = v
	}
	return nil
}

// Validate reports the first invalid setting.
func (cfg Config) Validate() error {
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return fmt.Errorf("%w: log format %q, expected text or json", ErrInvalid, cfg.LogFormat)
	}
	if cfg.ListenPort < 0 || cfg.ListenPort > 65535 {
		return fmt.Errorf("%w: listen port %d", ErrInvalid, cfg.ListenPort)
	}
	if _, _, err := wire.SplitAddr(cfg.DiscoveryAddr); err != nil {
		return fmt.Errorf("%w: discovery address: %w", ErrInvalid, err)
	}
	for _, name := range slices.Concat(cfg.Inputs, cfg.Outputs) {
		if !meshline.ValidateChannelName(name) {
			return fmt.Errorf("%w: %w: %q", ErrInvalid, meshline.ErrChannelNameInvalid, name)
		}
	}
	positive := map[string]time.Duration{
		"refresh_interval": cfg.RefreshInterval,
		"monitor_interval": cfg.MonitorInterval,
		"response_timeout": cfg.ResponseTimeout,
		"dial_timeout":     cfg.DialTimeout,
		"probe_timeout":    cfg.ProbeTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, key)
		}
	}
	if cfg.RetryDelay < 0 {
		return fmt.Errorf("%w: retry_delay must not be negative", ErrInvalid)
	}
	if cfg.DialRetries <= 0 {
		return fmt.Errorf("%w: dial_retries must be positive", ErrInvalid)
	}
	if cfg.SendQueueSize <= 0 {
		return fmt.Errorf("%w: send_queue_size must be positive", ErrInvalid)
	}
	return nil
}

// LogHandler builds the slog.Handler described by the configuration.
func (cfg Config) LogHandler(w io.Writer) slog.Handler {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	if cfg.LogFormat == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return slog.NewTextHandler(w, opts)
}

// NodeOptions converts the configuration for meshline.Create.
func (cfg Config) NodeOptions(handler slog.Handler, sink metrics.MetricSink) []meshline.Option {
	opts := []meshline.Option{
		meshline.WithListenOn(cfg.ListenHost, cfg.ListenPort),
		meshline.WithDiscoveryService(cfg.DiscoveryAddr),
		meshline.WithDiscoveryEncoding(cfg.Encoding),
		meshline.WithRefreshInterval(cfg.RefreshInterval),
		meshline.WithMonitorInterval(cfg.MonitorInterval),
		meshline.WithResponseTimeout(cfg.ResponseTimeout),
		meshline.WithDialTimeout(cfg.DialTimeout),
		meshline.WithDialRetries(cfg.DialRetries),
		meshline.WithRetryDelay(cfg.RetryDelay),
		meshline.WithProbeTimeout(cfg.ProbeTimeout),
		meshline.WithSendQueueSize(cfg.SendQueueSize),
		meshline.WithMaxMessageSize(cfg.MaxMessageSize),
	}
	if cfg.NodeName != "" {
		opts = append(opts, meshline.WithNodeName(cfg.NodeName))
	}
	if cfg.AdvertiseHost != "" {
		opts = append(opts, meshline.WithAdvertiseHost(cfg.AdvertiseHost))
	}
	if handler != nil {
		opts = append(opts, meshline.WithLog(handler))
	}
	if sink != nil {
		opts = append(opts, meshline.WithMetricSink(sink))
	}
	return opts
}

// ServerOptions converts the configuration for meshline.NewDiscoveryServer.
func (cfg Config) ServerOptions(handler slog.Handler, sink metrics.MetricSink) []meshline.ServerOption {
	opts := []meshline.ServerOption{
		meshline.WithServerListenOn(cfg.ServerListen),
		meshline.WithFirstPort(cfg.FirstPort),
		meshline.WithServerMaxMessageSize(cfg.MaxMessageSize),
	}
	if handler != nil {
		opts = append(opts, meshline.WithServerLog(handler))
	}
	if sink != nil {
		opts = append(opts, meshline.WithServerMetricSink(sink))
	}
	return opts
}

func normalizeChannels(in []string) []string {
	return wire.SplitChannels(strings.Join(in, ","))
}
