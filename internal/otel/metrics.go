package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all fieldsync metrics instruments.
type Metrics struct {
	CycleDuration    metric.Float64Histogram
	OpsSynced        metric.Int64Counter
	OpsFailed        metric.Int64Counter
	OpsConflicted    metric.Int64Counter
	OpsQuarantined   metric.Int64Counter
	ChecksumFailures metric.Int64Counter
	RetriesScheduled metric.Int64Counter
	QueueDepth       metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.CycleDuration, err = meter.Float64Histogram("fieldsync.cycle.duration",
		metric.WithDescription("Sync cycle duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.OpsSynced, err = meter.Int64Counter("fieldsync.ops.synced",
		metric.WithDescription("Operations confirmed applied by the remote service"),
	)
	if err != nil {
		return nil, err
	}

	m.OpsFailed, err = meter.Int64Counter("fieldsync.ops.failed",
		metric.WithDescription("Operations that exhausted their retry budget"),
	)
	if err != nil {
		return nil, err
	}

	m.OpsConflicted, err = meter.Int64Counter("fieldsync.ops.conflicted",
		metric.WithDescription("Operations held for manual conflict resolution"),
	)
	if err != nil {
		return nil, err
	}

	m.OpsQuarantined, err = meter.Int64Counter("fieldsync.ops.quarantined",
		metric.WithDescription("Operations quarantined for schema violations"),
	)
	if err != nil {
		return nil, err
	}

	m.ChecksumFailures, err = meter.Int64Counter("fieldsync.checksum.failures",
		metric.WithDescription("Post-cycle batch checksum mismatches"),
	)
	if err != nil {
		return nil, err
	}

	m.RetriesScheduled, err = meter.Int64Counter("fieldsync.retries.scheduled",
		metric.WithDescription("Transient failures rescheduled with backoff"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("fieldsync.queue.depth",
		metric.WithDescription("Operations currently awaiting transmission"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
