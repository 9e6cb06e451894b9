package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Hive metric instruments.
type Metrics struct {
	EventsAppended    metric.Int64Counter
	ProjectionErrors  metric.Int64Counter
	StreamRequests    metric.Float64Histogram
	StreamSubscribers metric.Int64UpDownCounter
	EmbedDuration     metric.Float64Histogram
	EmbedFailures     metric.Int64Counter
	ImportErrors      metric.Int64Counter
	FlushDuration     metric.Float64Histogram
	SessionsIndexed   metric.Int64Counter
	WalSizeBytes      metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.EventsAppended, err = meter.Int64Counter("hive.events.appended",
		metric.WithDescription("Events appended to the ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.ProjectionErrors, err = meter.Int64Counter("hive.projections.errors",
		metric.WithDescription("Projection update failures"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamRequests, err = meter.Float64Histogram("hive.stream.request.duration",
		metric.WithDescription("Stream server request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.StreamSubscribers, err = meter.Int64UpDownCounter("hive.stream.subscribers",
		metric.WithDescription("Currently connected live-tail subscribers"),
	)
	if err != nil {
		return nil, err
	}

	m.EmbedDuration, err = meter.Float64Histogram("hive.embed.duration",
		metric.WithDescription("Embedding service call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.EmbedFailures, err = meter.Int64Counter("hive.embed.failures",
		metric.WithDescription("Embedding service call failures"),
	)
	if err != nil {
		return nil, err
	}

	m.ImportErrors, err = meter.Int64Counter("hive.import.errors",
		metric.WithDescription("Malformed lines encountered during JSONL import"),
	)
	if err != nil {
		return nil, err
	}

	m.FlushDuration, err = meter.Float64Histogram("hive.flush.duration",
		metric.WithDescription("JSONL flush duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SessionsIndexed, err = meter.Int64Counter("hive.sessions.indexed",
		metric.WithDescription("Transcript files indexed"),
	)
	if err != nil {
		return nil, err
	}

	m.WalSizeBytes, err = meter.Int64UpDownCounter("hive.wal.size_bytes",
		metric.WithDescription("Size of the SQLite WAL side file in bytes"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
