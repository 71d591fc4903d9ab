package quicchan

import "github.com/raskyld/fibre"

var (
	MetricBytesIn              = []string{"fibre", "quic", "stream", "in", "bytes"}
	MetricBytesOut             = []string{"fibre", "quic", "stream", "out", "bytes"}
	MetricStreamOpenCount      = []string{"fibre", "quic", "stream", "open", "count"}
	MetricStreamOpenErrorCount = []string{"fibre", "quic", "stream", "open", "error", "count"}
	MetricStreamAcceptCount    = []string{"fibre", "quic", "stream", "accept", "count"}
	MetricConnEstCount         = []string{"fibre", "quic", "connection", "established", "count"}
	MetricConnErrorCount       = []string{"fibre", "quic", "connection", "error", "count"}
	MetricUDPBufferSizeBytes   = []string{"fibre", "quic", "udp", "buffer", "size", "bytes"}
)

var (
	LabelPeerAddr fibre.TelemetryLabel = "peer_addr"
	LabelPeerName fibre.TelemetryLabel = "peer_name"
	LabelStreamID fibre.TelemetryLabel = "stream_id"
)
