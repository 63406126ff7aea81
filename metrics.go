package meshline

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricTransportInBytes         = []string{"meshline", "transport", "in", "bytes"}
	MetricTransportInMessages      = []string{"meshline", "transport", "in", "messages"}
	MetricTransportInDroppedCount  = []string{"meshline", "transport", "in", "dropped", "count"}
	MetricTransportOutBytes        = []string{"meshline", "transport", "out", "bytes"}
	MetricTransportOutMessages     = []string{"meshline", "transport", "out", "messages"}
	MetricTransportOutErrorCount   = []string{"meshline", "transport", "out", "error", "count"}
	MetricTransportDialCount       = []string{"meshline", "transport", "dial", "count"}
	MetricTransportDialErrorCount  = []string{"meshline", "transport", "dial", "error", "count"}
	MetricTransportProbeErrorCount = []string{"meshline", "transport", "probe", "error", "count"}
	MetricTransportClosedCount     = []string{"meshline", "transport", "closed", "count"}
	MetricRouterDeliveredCount     = []string{"meshline", "router", "delivered", "count"}
	MetricRouterDroppedCount       = []string{"meshline", "router", "dropped", "count"}
	MetricRouterForwardedCount     = []string{"meshline", "router", "forwarded", "count"}
	MetricRouterEvictedCount       = []string{"meshline", "router", "evicted", "count"}
	MetricRouterConnections        = []string{"meshline", "router", "connections"}
	MetricDiscoveryRoundCount      = []string{"meshline", "discovery", "round", "count"}
	MetricDiscoveryErrorCount      = []string{"meshline", "discovery", "error", "count"}
	MetricRendezvousRequestCount   = []string{"meshline", "rendezvous", "request", "count"}
	MetricRendezvousNodes          = []string{"meshline", "rendezvous", "nodes"}
	MetricChannelSentCount         = []string{"meshline", "channel", "sent", "count"}
	MetricChannelReceivedCount     = []string{"meshline", "channel", "received", "count"}
	MetricChannelErrorCount        = []string{"meshline", "channel", "error", "count"}
)

type TelemetryLabel string

var (
	LabelError       TelemetryLabel = "error"
	LabelChannel     TelemetryLabel = "channel"
	LabelDirection   TelemetryLabel = "direction"
	LabelRemoteAddr  TelemetryLabel = "remote_addr"
	LabelLocalAddr   TelemetryLabel = "local_addr"
	LabelTransportID TelemetryLabel = "transport_id"
	LabelNodeID      TelemetryLabel = "node_id"
	LabelState       TelemetryLabel = "state"
	LabelEncoding    TelemetryLabel = "encoding"
	LabelReason      TelemetryLabel = "reason"
	LabelXID         TelemetryLabel = "xid"
	LabelAttempt     TelemetryLabel = "attempt"
	LabelDuration    TelemetryLabel = "duration"
	LabelComponent   TelemetryLabel = "component"
	LabelMessage     TelemetryLabel = "message"
)

func (lab TelemetryLabel) M(val string) metrics.Label {
	return metrics.Label{Name: string(lab), Value: val}
}

func (lab TelemetryLabel) L(val any) slog.Attr {
	return slog.Attr{
		Key:   string(lab),
		Value: slog.AnyValue(val),
	}
}

func withLabels(base []metrics.Label, extra ...metrics.Label) []metrics.Label {
	labels := make([]metrics.Label, 0, len(base)+len(extra))
	labels = append(labels, base...)
	return append(labels, extra...)
}
