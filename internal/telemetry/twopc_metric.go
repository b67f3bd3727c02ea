package internaltelemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// TwoPCMetrics holds all the metric instruments for the cross-shard commit
// coordination core.
type TwoPCMetrics struct {
	CoordinatorsCreatedCounter  metric.Int64Counter
	ActiveCoordinatorsUpDown    metric.Int64UpDownCounter
	CommitDecisionsCounter      metric.Int64Counter
	RemoteCommandsCounter       metric.Int64Counter
	LocalDispatchesCounter      metric.Int64Counter
	RemoteCommandLatencyHistoMs metric.Int64Histogram
}

// NewTwoPCMetrics creates and registers all the metrics for the commit
// coordination core.
func NewTwoPCMetrics(meter metric.Meter) (*TwoPCMetrics, error) {
	coordinatorsCreated, err := meter.Int64Counter(
		"torvusdb.twopc.coordinators.created_total",
		metric.WithDescription("Total number of transaction coordinators created."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	activeCoordinators, err := meter.Int64UpDownCounter(
		"torvusdb.twopc.coordinators.active",
		metric.WithDescription("Number of coordinators currently registered in the catalog."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	commitDecisions, err := meter.Int64Counter(
		"torvusdb.twopc.decisions_total",
		metric.WithDescription("Total number of commit/abort decisions reached."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	remoteCommands, err := meter.Int64Counter(
		"torvusdb.twopc.remote_commands_total",
		metric.WithDescription("Total number of commands dispatched to remote shards."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	localDispatches, err := meter.Int64Counter(
		"torvusdb.twopc.local_dispatches_total",
		metric.WithDescription("Total number of commands short-circuited to the local shard."),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	remoteCommandLatency, err := meter.Int64Histogram(
		"torvusdb.twopc.remote_command.duration",
		metric.WithDescription("The latency of remote shard commands."),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &TwoPCMetrics{
		CoordinatorsCreatedCounter:  coordinatorsCreated,
		ActiveCoordinatorsUpDown:    activeCoordinators,
		CommitDecisionsCounter:      commitDecisions,
		RemoteCommandsCounter:       remoteCommands,
		LocalDispatchesCounter:      localDispatches,
		RemoteCommandLatencyHistoMs: remoteCommandLatency,
	}, nil
}
