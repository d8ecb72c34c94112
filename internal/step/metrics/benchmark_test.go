package metrics

import (
	"testing"
	"time"
)

func BenchmarkContext_MarkSucc(b *testing.B) {
	c := newTestContext()
	_ = c.Start()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		c.MarkSucc(4096, time.Duration(i%1000)*time.Microsecond, 50*time.Microsecond)
	}
}

func BenchmarkContext_MarkSucc_Parallel(b *testing.B) {
	c := newTestContext()
	_ = c.Start()

	b.ReportAllocs()
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			c.MarkSucc(4096, time.Millisecond, 50*time.Microsecond)
		}
	})
}

func BenchmarkContext_RefreshLastSnapshot(b *testing.B) {
	c := newTestContext()
	_ = c.Start()
	for i := 0; i < 10000; i++ {
		c.MarkSucc(4096, time.Duration(i)*time.Microsecond, time.Microsecond)
	}

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = c.RefreshLastSnapshot()
	}
}
