package fibre

import (
	"log/slog"

	"github.com/hashicorp/go-metrics"
)

var (
	MetricTasksFlushed       = []string{"fibre", "dispatch", "tasks", "out", "count"}
	MetricTasksReceived      = []string{"fibre", "dispatch", "tasks", "in", "count"}
	MetricFlushRounds        = []string{"fibre", "dispatch", "rounds", "count"}
	MetricTaskBufferGrowth   = []string{"fibre", "dispatch", "buffer", "growth", "count"}
	MetricProtocolViolations = []string{"fibre", "dispatch", "violation", "count"}
	MetricCallStarted        = []string{"fibre", "call", "started", "count"}
	MetricCallCompleted      = []string{"fibre", "call", "completed", "count"}
	MetricCallFailed         = []string{"fibre", "call", "failed", "count"}
	MetricLocalHandles       = []string{"fibre", "handles", "local", "live"}
	MetricRemoteObjects      = []string{"fibre", "objects", "remote", "live"}
	MetricObjectsLost        = []string{"fibre", "objects", "lost", "count"}
	MetricMemoryInUseBytes   = []string{"fibre", "memory", "in_use", "bytes"}
)

type TelemetryLabel string

var (
	LabelError     TelemetryLabel = "error"
	LabelStatus    TelemetryLabel = "status"
	LabelHandle    TelemetryLabel = "handle"
	LabelInterface TelemetryLabel = "interface"
	LabelFunction  TelemetryLabel = "function"
	LabelTaskType  TelemetryLabel = "task_type"
	LabelDomain    TelemetryLabel = "domain"
	LabelVersion   TelemetryLabel = "version"
	LabelDuration  TelemetryLabel = "duration"
	LabelCount     TelemetryLabel = "count"
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
