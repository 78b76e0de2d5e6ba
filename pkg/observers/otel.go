package observers

import (
	"context"
	"sort"
	"sync"

	"github.com/harunnryd/livetag/pkg/frames"
	"github.com/harunnryd/livetag/pkg/metrics"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelObserver forwards metrics events to OpenTelemetry instruments. Per-session
// identifiers are dropped from attributes to keep series cardinality bounded.
type OTelObserver struct {
	meter  metric.Meter
	prefix string

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
}

func NewOTelObserver(meter metric.Meter, prefix string) *OTelObserver {
	return &OTelObserver{
		meter:      meter,
		prefix:     prefix,
		counters:   make(map[string]metric.Float64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
	}
}

func (o *OTelObserver) RecordEvent(ev metrics.MetricsEvent) {
	if o == nil || o.meter == nil || ev.Name == "" {
		return
	}
	ctx := context.Background()
	opt := metric.WithAttributes(attributesFor(ev.Tags)...)
	name := o.prefix + ev.Name

	switch ev.Type {
	case metrics.EventGauge:
		if g := o.gauge(name); g != nil {
			g.Record(ctx, ev.Value, opt)
		}
	case metrics.EventHistogram:
		if h := o.histogram(name); h != nil {
			h.Record(ctx, ev.Value, opt)
		}
	default:
		v := ev.Value
		if v <= 0 {
			v = 1
		}
		if c := o.counter(name); c != nil {
			c.Add(ctx, v, opt)
		}
	}
}

func (o *OTelObserver) counter(name string) metric.Float64Counter {
	o.mu.Lock()
	defer o.mu.Unlock()
	if c, ok := o.counters[name]; ok {
		return c
	}
	c, err := o.meter.Float64Counter(name)
	if err != nil {
		return nil
	}
	o.counters[name] = c
	return c
}

func (o *OTelObserver) gauge(name string) metric.Float64Gauge {
	o.mu.Lock()
	defer o.mu.Unlock()
	if g, ok := o.gauges[name]; ok {
		return g
	}
	g, err := o.meter.Float64Gauge(name)
	if err != nil {
		return nil
	}
	o.gauges[name] = g
	return g
}

func (o *OTelObserver) histogram(name string) metric.Float64Histogram {
	o.mu.Lock()
	defer o.mu.Unlock()
	if h, ok := o.histograms[name]; ok {
		return h
	}
	h, err := o.meter.Float64Histogram(name)
	if err != nil {
		return nil
	}
	o.histograms[name] = h
	return h
}

var perSession = map[string]bool{
	frames.MetaStreamID:   true,
	frames.MetaSessionID:  true,
	frames.MetaTraceID:    true,
	frames.MetaRemoteAddr: true,
}

func attributesFor(tags map[string]string) []attribute.KeyValue {
	keys := make([]string, 0, len(tags))
	for k := range tags {
		if !perSession[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := make([]attribute.KeyValue, 0, len(keys))
	for _, k := range keys {
		out = append(out, attribute.String(k, tags[k]))
	}
	return out
}

var _ metrics.Observer = (*OTelObserver)(nil)
