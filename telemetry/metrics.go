package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// MetricInstruments caches metric instruments so hot paths do not pay
// instrument creation on every record.
type MetricInstruments struct {
	meter      metric.Meter
	counters   map[string]metric.Int64Counter
	histograms map[string]metric.Float64Histogram
	mu         sync.RWMutex
}

// NewMetricInstruments creates a new instrument cache backed by the global
// meter provider.
func NewMetricInstruments(meterName string) *MetricInstruments {
	return &MetricInstruments{
		meter:      otel.Meter(meterName),
		counters:   make(map[string]metric.Int64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

// RecordCounter increments a counter metric
func (m *MetricInstruments) RecordCounter(ctx context.Context, name string, value int64, opts ...metric.AddOption) error {
	m.mu.RLock()
	counter, exists := m.counters[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if counter, exists = m.counters[name]; !exists {
			var err error
			counter, err = m.meter.Int64Counter(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create counter %s: %w", name, err)
			}
			m.counters[name] = counter
		}
		m.mu.Unlock()
	}

	counter.Add(ctx, value, opts...)
	return nil
}

// RecordHistogram records a value in a distribution
func (m *MetricInstruments) RecordHistogram(ctx context.Context, name string, value float64, opts ...metric.RecordOption) error {
	m.mu.RLock()
	hist, exists := m.histograms[name]
	m.mu.RUnlock()

	if !exists {
		m.mu.Lock()
		if hist, exists = m.histograms[name]; !exists {
			var err error
			hist, err = m.meter.Float64Histogram(name)
			if err != nil {
				m.mu.Unlock()
				return fmt.Errorf("failed to create histogram %s: %w", name, err)
			}
			m.histograms[name] = hist
		}
		m.mu.Unlock()
	}

	hist.Record(ctx, value, opts...)
	return nil
}

var defaultInstruments = NewMetricInstruments("gwi")

// Counter increments a counter by 1. Labels are key-value pairs.
// Example: Counter(ctx, "gwi.jobs.claimed", "type", "autopilot")
func Counter(ctx context.Context, name string, labels ...string) {
	Add(ctx, name, 1, labels...)
}

// Add increments a counter by value
func Add(ctx context.Context, name string, value int64, labels ...string) {
	_ = defaultInstruments.RecordCounter(ctx, name, value, metric.WithAttributes(toAttributes(labels)...))
}

// Histogram records a value in a distribution
func Histogram(ctx context.Context, name string, value float64, labels ...string) {
	_ = defaultInstruments.RecordHistogram(ctx, name, value, metric.WithAttributes(toAttributes(labels)...))
}

// Duration records elapsed time since start in milliseconds.
// Example:
//
//	start := time.Now()
//	defer telemetry.Duration(ctx, "gwi.phase.duration_ms", start, "phase", "analyze")
func Duration(ctx context.Context, name string, start time.Time, labels ...string) {
	Histogram(ctx, name, float64(time.Since(start).Milliseconds()), labels...)
}

// RecordError counts an error occurrence with type classification
func RecordError(ctx context.Context, name string, errorType string, labels ...string) {
	Counter(ctx, name, append(labels, "error_type", errorType)...)
}

// toAttributes converts variadic key-value pairs to attributes.
// A trailing key without a value is dropped.
func toAttributes(labels []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(labels)/2)
	for i := 0; i+1 < len(labels); i += 2 {
		attrs = append(attrs, attribute.String(labels[i], labels[i+1]))
	}
	return attrs
}
