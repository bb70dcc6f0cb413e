package stats

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"assistantsync.app/pkg/models"
)

const meterName = "assistantsync.app/pkg/stats"

const (
	resultHit  = "hit"
	resultMiss = "miss"
)

// Instruments mirrors aggregator updates to OpenTelemetry.
// Subjects are deliberately not attributes: they are unbounded.
type Instruments struct {
	lookups      metric.Int64Counter
	writes       metric.Int64Counter
	itemsWritten metric.Int64Counter
	responseTime metric.Float64Histogram
}

// NewInstruments registers the aggregator's instruments on meter.
func NewInstruments(meter metric.Meter) (*Instruments, error) {
	lookups, err := meter.Int64Counter(
		"sync.cache.lookups",
		metric.WithDescription("Cache reads by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	writes, err := meter.Int64Counter(
		"sync.cache.writes",
		metric.WithDescription("Cache Store writes by update type"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, err
	}

	itemsWritten, err := meter.Int64Counter(
		"sync.cache.items_written",
		metric.WithDescription("Items carried by cache writes"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	responseTime, err := meter.Float64Histogram(
		"sync.cache.response_time_ms",
		metric.WithDescription("Resolve latency in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	return &Instruments{
		lookups:      lookups,
		writes:       writes,
		itemsWritten: itemsWritten,
		responseTime: responseTime,
	}, nil
}

// defaultInstruments binds to the global meter provider, a no-op unless one is installed.
func defaultInstruments() *Instruments {
	inst, err := NewInstruments(otel.Meter(meterName))
	if err != nil {
		// the global provider only fails on invalid names
		panic(err)
	}
	return inst
}

func (i *Instruments) lookup(result string, latencyMs float64) {
	opt := metric.WithAttributes(attribute.String("result", result))
	ctx := context.Background()
	i.lookups.Add(ctx, 1, opt)
	i.responseTime.Record(ctx, latencyMs, opt)
}

func (i *Instruments) write(updateType models.UpdateType, itemCount int) {
	opt := metric.WithAttributes(attribute.String("update_type", string(updateType)))
	ctx := context.Background()
	i.writes.Add(ctx, 1, opt)
	i.itemsWritten.Add(ctx, int64(itemCount), opt)
}
