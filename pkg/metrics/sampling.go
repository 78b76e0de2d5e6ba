package metrics

import (
	"math"
	"sync"
	"sync/atomic"
)

// SamplingObserver thins histogram samples, one stride per event name so a
// busy stage does not starve a quiet one. Counters and gauges always pass
// through so sums and current values stay exact.
type SamplingObserver struct {
	inner  Observer
	stride uint64 // 0 drops every sample
	seen   sync.Map
}

func NewSamplingObserver(inner Observer, rate float64) *SamplingObserver {
	rate = math.Max(0, math.Min(1, rate))
	var stride uint64
	if rate > 0 {
		stride = max(uint64(math.Round(1/rate)), 1)
	}
	return &SamplingObserver{inner: inner, stride: stride}
}

// Stride is the number of histogram samples per forwarded one.
func (s *SamplingObserver) Stride() uint64 { return s.stride }

func (s *SamplingObserver) RecordEvent(ev MetricsEvent) {
	if ev.Type != EventHistogram || s.stride == 1 {
		s.inner.RecordEvent(ev)
		return
	}
	if s.stride == 0 {
		return
	}
	v, _ := s.seen.LoadOrStore(ev.Name, new(atomic.Uint64))
	if v.(*atomic.Uint64).Add(1)%s.stride == 0 {
		s.inner.RecordEvent(ev)
	}
}
