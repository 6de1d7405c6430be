package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the aegis metric instruments.
type Metrics struct {
	TaskDuration       metric.Float64Histogram
	TaskFailures       metric.Int64Counter
	SessionCost        metric.Float64Counter
	CheckpointsWritten metric.Int64Counter
	GateBlocks         metric.Int64Counter
	ApprovalWaits      metric.Float64Histogram
	ActiveSessions     metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("aegis.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskFailures, err = meter.Int64Counter("aegis.task.failures",
		metric.WithDescription("Total failed task executions"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionCost, err = meter.Float64Counter("aegis.session.cost",
		metric.WithDescription("Accumulated session cost in USD"),
	)
	if err != nil {
		return nil, err
	}

	m.CheckpointsWritten, err = meter.Int64Counter("aegis.checkpoints.written",
		metric.WithDescription("Total checkpoints written"),
	)
	if err != nil {
		return nil, err
	}

	m.GateBlocks, err = meter.Int64Counter("aegis.gate.blocks",
		metric.WithDescription("Total gate evaluations ending in BLOCKED"),
	)
	if err != nil {
		return nil, err
	}

	m.ApprovalWaits, err = meter.Float64Histogram("aegis.approval.wait",
		metric.WithDescription("Time spent waiting for human decisions in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveSessions, err = meter.Int64UpDownCounter("aegis.sessions.active",
		metric.WithDescription("Number of sessions currently running"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
