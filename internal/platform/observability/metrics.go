package observability

import (
	"context"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const meterName = "github.com/rewards-hub/api/internal/platform/observability"

// Metrics records business and authentication counters through OpenTelemetry.
type Metrics struct {
	meter  metric.Meter
	logger *zap.Logger

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
}

// NewMetrics builds a recorder on the given meter, or the global provider when nil.
func NewMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.GetMeterProvider().Meter(meterName)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Metrics{meter: meter, logger: logger, counters: make(map[string]metric.Int64Counter)}
}

// Incr adds one to the counter called name, e.g. "orders.placed".
func (m *Metrics) Incr(ctx context.Context, name string, attrs map[string]string) {
	counter, ok := m.counter(name)
	if !ok {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(sortedAttributes(attrs)...))
}

// RecordVerification counts authentication outcomes per verifier kind.
func (m *Metrics) RecordVerification(ctx context.Context, kind string, success bool, reason string) {
	counter, ok := m.counter("auth.verifications")
	if !ok {
		return
	}
	counter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.Bool("success", success),
		attribute.String("reason", reason),
	))
}

func (m *Metrics) counter(name string) (metric.Int64Counter, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if counter, ok := m.counters[name]; ok {
		return counter, true
	}
	counter, err := m.meter.Int64Counter("rewards." + name)
	if err != nil {
		m.logger.Warn("observability: register counter failed", zap.String("counter", name), zap.Error(err))
		return nil, false
	}
	m.counters[name] = counter
	return counter, true
}

func sortedAttributes(attrs map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(attrs))
	for key := range attrs {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, key := range keys {
		out = append(out, attribute.String(key, attrs[key]))
	}
	return out
}
