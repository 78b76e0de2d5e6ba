package metrics

import "time"

// EventType tells aggregating observers how to fold an event's Value.
type EventType string

const (
	// EventCounter adds Value (1 when zero) to a monotonic sum.
	EventCounter EventType = "counter"
	// EventGauge replaces the last observed Value.
	EventGauge EventType = "gauge"
	// EventHistogram records Value as one sample of a distribution.
	EventHistogram EventType = "histogram"
)

type MetricsEvent struct {
	Name   string
	Type   EventType
	Time   time.Time
	Value  float64
	Tags   map[string]string
	Fields map[string]any
}

type Observer interface {
	RecordEvent(ev MetricsEvent)
}

type NoopObserver struct{}

func (NoopObserver) RecordEvent(MetricsEvent) {}

// Count is a shorthand for a counter increment of one.
func Count(obs Observer, name string, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Type: EventCounter, Time: time.Now(), Value: 1, Tags: tags})
}

// Add increments the counter name by value.
func Add(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Type: EventCounter, Time: time.Now(), Value: value, Tags: tags})
}

// Gauge records the current value of name.
func Gauge(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Type: EventGauge, Time: time.Now(), Value: value, Tags: tags})
}

// Observe records one histogram sample.
func Observe(obs Observer, name string, value float64, tags map[string]string) {
	if obs == nil {
		return
	}
	obs.RecordEvent(MetricsEvent{Name: name, Type: EventHistogram, Time: time.Now(), Value: value, Tags: tags})
}
