package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes ledger instruments.
type Metrics struct {
	grants         metric.Int64Counter
	grantedUnits   metric.Int64Counter
	consumes       metric.Int64Counter
	consumedUnits  metric.Int64Counter
	quotaDenied    metric.Int64Counter
	idempotentHits metric.Int64Counter
	orderEvents    metric.Int64Counter
	exchanges      metric.Int64Counter
	merges         metric.Int64Counter
	ledgerEntries  metric.Int64Counter
	eventsDelivery metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the ledger instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "billable"
	}
	meter := provider.Meter(name)

	m := &Metrics{}
	counters := []struct {
		dst  *metric.Int64Counter
		name string
	}{
		{&m.grants, "billable_grants_total"},
		{&m.grantedUnits, "billable_granted_units_total"},
		{&m.consumes, "billable_consumes_total"},
		{&m.consumedUnits, "billable_consumed_units_total"},
		{&m.quotaDenied, "billable_quota_denied_total"},
		{&m.idempotentHits, "billable_idempotent_replays_total"},
		{&m.orderEvents, "billable_order_transitions_total"},
		{&m.exchanges, "billable_exchanges_total"},
		{&m.merges, "billable_merges_total"},
		{&m.ledgerEntries, "billable_ledger_entries_total"},
		{&m.eventsDelivery, "billable_events_delivered_total"},
	}
	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}
	return m, nil
}

// NewNop returns instruments bound to a no-op provider.
func NewNop() *Metrics {
	m, _ := New(Config{}, noop.NewMeterProvider())
	return m
}

// RecordGrant counts one grant call and the units it credited.
func (m *Metrics) RecordGrant(ctx context.Context, actionType string, units int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("action_type", strings.TrimSpace(actionType)))
	m.grants.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.grantedUnits.Add(ctx, units, metric.WithAttributes(attrs...))
}

// RecordConsume counts one successful consume call.
func (m *Metrics) RecordConsume(ctx context.Context, productType string, units int64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("product_type", strings.TrimSpace(productType)))
	m.consumes.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.consumedUnits.Add(ctx, units, metric.WithAttributes(attrs...))
}

// RecordQuotaDenied counts consume or exchange calls rejected for insufficient balance.
func (m *Metrics) RecordQuotaDenied(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.quotaDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordIdempotentReplay counts calls answered from a stored result.
func (m *Metrics) RecordIdempotentReplay(ctx context.Context, operation string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("operation", strings.TrimSpace(operation)))
	m.idempotentHits.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOrderTransition counts order status changes.
func (m *Metrics) RecordOrderTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from", strings.TrimSpace(from)),
		attribute.String("to", strings.TrimSpace(to)),
	)
	m.orderEvents.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordExchange counts completed exchanges.
func (m *Metrics) RecordExchange(ctx context.Context) {
	if m == nil {
		return
	}
	m.exchanges.Add(ctx, 1)
}

// RecordMerge counts completed account merges.
func (m *Metrics) RecordMerge(ctx context.Context) {
	if m == nil {
		return
	}
	m.merges.Add(ctx, 1)
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, direction, actionType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("direction", strings.TrimSpace(direction)),
		attribute.String("action_type", strings.TrimSpace(actionType)),
	)
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordEventDelivery counts outbox deliveries by outcome.
func (m *Metrics) RecordEventDelivery(ctx context.Context, eventType, status string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("event_type", strings.TrimSpace(eventType)),
		attribute.String("status", strings.TrimSpace(status)),
	)
	m.eventsDelivery.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"action_type":  {},
	"product_type": {},
	"operation":    {},
	"direction":    {},
	"from":         {},
	"to":           {},
	"event_type":   {},
	"status":       {},
	"reason":       {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
