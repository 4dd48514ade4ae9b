package metrics

import "testing"

func BenchmarkProcessStartsInc(b *testing.B) {
	m := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.ProcessStarts.Inc()
	}
}

func BenchmarkActionsEnqueuedWithLabelValues(b *testing.B) {
	m := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.ActionsEnqueued.WithLabelValues("start").Inc()
	}
}

func BenchmarkBootstrapSet(b *testing.B) {
	m := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.Bootstrap.Set(float64(i % 100))
	}
}

func BenchmarkActionDurationObserve(b *testing.B) {
	m := New()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.ActionDuration.WithLabelValues("start").Observe(0.25)
	}
}

func BenchmarkProcessStartsIncParallel(b *testing.B) {
	m := New()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			m.ProcessStarts.Inc()
		}
	})
}

func BenchmarkRegistryGather(b *testing.B) {
	m := New()
	m.ProcessStarts.Inc()
	m.Bootstrap.Set(50)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_, _ = m.Registry.Gather()
	}
}
