package dipstick

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/valyala/fastrand"
)

// makeStats records a fixed workload against a fresh bucket, advances the
// clock by three seconds and publishes with the given strategy.
func makeStats(t *testing.T, stats StatsFn) map[string]MetricValue {
	t.Helper()
	fake := clockwork.NewFakeClock()
	previous := SetClock(fake)
	defer SetClock(previous)

	metrics := NewAtomicBucket().Named("test")
	if stats != nil {
		metrics.Stats(stats)
	}

	counter := NewCounter(metrics, "counter_a")
	counterB := NewCounter(metrics, "counter_b")
	timer := NewTimer(metrics, "timer_a")
	gauge := NewGauge(metrics, "gauge_a")
	level := NewLevel(metrics, "level_a")
	marker := NewMarker(metrics, "marker_a")

	marker.Mark()
	marker.Mark()
	marker.Mark()

	counter.Count(10)
	counter.Count(20)

	counterB.Count(9)
	counterB.Count(18)
	counterB.Count(3)

	timer.IntervalUs(10_000_000)
	timer.IntervalUs(20_000_000)

	gauge.Value(10)
	gauge.Value(20)

	level.Adjust(789)
	level.Adjust(-7789)
	level.Adjust(77788)

	fake.Advance(3 * time.Second)

	out := NewStatsMap()
	if err := metrics.FlushTo(out); err != nil {
		t.Fatalf("unexpected flush error: %s", err)
	}
	return out.IntoMap()
}

func TestAggregateAllStats(t *testing.T) {
	m := makeStats(t, StatsAll)
	f := func(name string, expected MetricValue) {
		t.Helper()
		if v, ok := m[name]; !ok || v != expected {
			t.Fatalf("unexpected value for %q; got %d (present: %v); want %d", name, v, ok, expected)
		}
	}
	f("test.counter_a.count", 2)
	f("test.counter_a.sum", 30)
	f("test.counter_a.mean", 15)
	f("test.counter_a.min", 10)
	f("test.counter_a.max", 20)
	f("test.counter_a.rate", 10)

	f("test.counter_b.count", 3)
	f("test.counter_b.sum", 30)
	f("test.counter_b.mean", 10)
	f("test.counter_b.min", 3)
	f("test.counter_b.max", 18)
	f("test.counter_b.rate", 10)

	f("test.timer_a.count", 2)
	f("test.timer_a.sum", 30_000_000)
	f("test.timer_a.min", 10_000_000)
	f("test.timer_a.max", 20_000_000)
	f("test.timer_a.mean", 15_000_000)
	f("test.timer_a.rate", 1)

	f("test.gauge_a.mean", 15)
	f("test.gauge_a.min", 10)
	f("test.gauge_a.max", 20)

	f("test.level_a.count", 3)
	f("test.level_a.sum", 70788)
	f("test.level_a.mean", 23596)
	f("test.level_a.min", -7000)
	f("test.level_a.max", 70788)

	f("test.marker_a.count", 3)
	f("test.marker_a.rate", 1)
}

func TestAggregateSummary(t *testing.T) {
	m := makeStats(t, StatsSummary)
	f := func(name string, expected MetricValue) {
		t.Helper()
		if v, ok := m[name]; !ok || v != expected {
			t.Fatalf("unexpected value for %q; got %d (present: %v); want %d", name, v, ok, expected)
		}
	}
	f("test.counter_a", 30)
	f("test.counter_b", 30)
	f("test.level_a", 23596)
	f("test.timer_a", 30_000_000)
	f("test.gauge_a", 15)
	f("test.marker_a", 3)
}

func TestAggregateDefaultStatsIsSummary(t *testing.T) {
	m := makeStats(t, nil)
	if v := m["test.counter_a"]; v != 30 {
		t.Fatalf("unexpected default stats value; got %d; want 30", v)
	}
}

func TestAggregateAverage(t *testing.T) {
	m := makeStats(t, StatsAverage)
	f := func(name string, expected MetricValue) {
		t.Helper()
		if v, ok := m[name]; !ok || v != expected {
			t.Fatalf("unexpected value for %q; got %d (present: %v); want %d", name, v, ok, expected)
		}
	}
	f("test.counter_a", 15)
	f("test.counter_b", 10)
	f("test.level_a", 23596)
	f("test.timer_a", 15_000_000)
	f("test.gauge_a", 15)
	f("test.marker_a", 3)
}

func TestAggregateNoDataEmitsNothing(t *testing.T) {
	metrics := NewAtomicBucket().Named("test")
	NewCounter(metrics, "untouched")

	out := NewStatsMap()
	if err := metrics.FlushTo(out); err != nil {
		t.Fatalf("unexpected flush error: %s", err)
	}
	if out.Len() != 0 {
		t.Fatalf("unexpected stats emitted without data: %v", out.IntoMap())
	}
}

func TestAggregatePercentiles(t *testing.T) {
	metrics := NewAtomicBucket().Named("test")
	metrics.Stats(StatsAll)
	metrics.Percentiles(50, 90, 99.9)

	pct := NewPercentile(metrics, "lag")
	pct.Record(42)

	out := NewStatsMap()
	if err := metrics.FlushTo(out); err != nil {
		t.Fatalf("unexpected flush error: %s", err)
	}
	m := out.IntoMap()
	// a single sample is returned for every configured rank
	for _, name := range []string{"test.lag.p50", "test.lag.p90", "test.lag.p99_9"} {
		if v, ok := m[name]; !ok || v != 42 {
			t.Fatalf("unexpected value for %q; got %d (present: %v); want 42", name, v, ok)
		}
	}
	if v := m["test.lag.count"]; v != 1 {
		t.Fatalf("unexpected sample count; got %d; want 1", v)
	}
}

func TestAggregatePercentileRankSelection(t *testing.T) {
	metrics := NewAtomicBucket().Named("test")
	metrics.Stats(StatsAll)
	metrics.Percentiles(0, 50, 90, 99)

	pct := NewPercentile(metrics, "lag")
	for _, v := range []MetricValue{7, 1, 9, 3, 10, 2, 8, 5, 4, 6} {
		pct.Record(v)
	}

	out := NewStatsMap()
	if err := metrics.FlushTo(out); err != nil {
		t.Fatalf("unexpected flush error: %s", err)
	}
	m := out.IntoMap()
	// sorted samples are 1..10; rank selects position ⌊rank·len/100⌋
	f := func(name string, expected MetricValue) {
		t.Helper()
		if v, ok := m[name]; !ok || v != expected {
			t.Fatalf("unexpected value for %q; got %d (present: %v); want %d", name, v, ok, expected)
		}
	}
	f("test.lag.p0", 1)
	f("test.lag.p50", 6)
	f("test.lag.p90", 10)
	f("test.lag.p99", 10)
	f("test.lag.count", 10)
	f("test.lag.min", 1)
	f("test.lag.max", 10)
	f("test.lag.mean", 6) // 55/10 rounded
}

func TestAggregatePercentileRankClamped(t *testing.T) {
	metrics := NewAtomicBucket().Named("test")
	metrics.Stats(StatsAll)
	metrics.Percentiles(50, 100)

	pct := NewPercentile(metrics, "size")
	for _, v := range []MetricValue{40, 10, 30, 20} {
		pct.Record(v)
	}

	out := NewStatsMap()
	if err := metrics.FlushTo(out); err != nil {
		t.Fatalf("unexpected flush error: %s", err)
	}
	m := out.IntoMap()
	if v := m["test.size.p50"]; v != 30 {
		t.Fatalf("unexpected p50; got %d; want 30", v)
	}
	// rank 100 lands past the end and is clamped to the last sample
	if v := m["test.size.p100"]; v != 40 {
		t.Fatalf("unexpected p100; got %d; want 40", v)
	}
}

func TestAggregatePercentileWindowCleared(t *testing.T) {
	metrics := NewAtomicBucket().Named("test")
	metrics.Stats(StatsAll)
	metrics.Percentiles(99)

	pct := NewPercentile(metrics, "lag")
	pct.Record(1000)
	if err := metrics.FlushTo(NewStatsMap()); err != nil {
		t.Fatalf("unexpected flush error: %s", err)
	}

	// samples do not leak across windows
	pct.Record(5)
	out := NewStatsMap()
	if err := metrics.FlushTo(out); err != nil {
		t.Fatalf("unexpected flush error: %s", err)
	}
	if v, _ := out.Get("test.lag.p99"); v != 5 {
		t.Fatalf("previous window's samples leaked; got p99 %d; want 5", v)
	}
}

func TestAggregateConcurrentCounter(t *testing.T) {
	metrics := NewAtomicBucket().Named("test")
	metrics.Stats(StatsAll)
	counter := NewCounter(metrics, "hits")

	const goroutines = 8
	const writes = 1000
	totals := make([]MetricValue, goroutines)
	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			var rng fastrand.RNG
			rng.Seed(uint32(g + 1))
			for i := 0; i < writes; i++ {
				v := MetricValue(rng.Uint32n(100)) + 1
				totals[g] += v
				counter.Count(v)
			}
		}(g)
	}
	wg.Wait()

	var expected MetricValue
	for _, total := range totals {
		expected += total
	}

	out := NewStatsMap()
	if err := metrics.FlushTo(out); err != nil {
		t.Fatalf("unexpected flush error: %s", err)
	}
	m := out.IntoMap()
	if m["test.hits.count"] != goroutines*writes {
		t.Fatalf("unexpected count; got %d; want %d", m["test.hits.count"], goroutines*writes)
	}
	if m["test.hits.sum"] != expected {
		t.Fatalf("unexpected sum; got %d; want %d", m["test.hits.sum"], expected)
	}
	if m["test.hits.min"] < 1 || m["test.hits.min"] > 100 {
		t.Fatalf("min out of input range: %d", m["test.hits.min"])
	}
	if m["test.hits.max"] < m["test.hits.min"] || m["test.hits.max"] > 100 {
		t.Fatalf("max out of input range: %d", m["test.hits.max"])
	}
}

func TestAggregateDrain(t *testing.T) {
	out := NewStatsMap()
	metrics := NewAtomicBucket().Named("app")
	metrics.Drain(out)

	counter := NewCounter(metrics, "requests")
	counter.Count(7)
	if err := metrics.Flush(); err != nil {
		t.Fatalf("unexpected flush error: %s", err)
	}
	if v, ok := out.Get("app.requests"); !ok || v != 7 {
		t.Fatalf("unexpected drained value; got %d (present: %v); want 7", v, ok)
	}
}

func TestAggregateDefaultDrain(t *testing.T) {
	out := NewStatsMap()
	SetDefaultDrain(out)
	defer UnsetDefaultDrain()

	metrics := NewAtomicBucket().Named("dflt")
	NewMarker(metrics, "beat").Mark()
	if err := metrics.Flush(); err != nil {
		t.Fatalf("unexpected flush error: %s", err)
	}
	if v, ok := out.Get("dflt.beat"); !ok || v != 1 {
		t.Fatalf("unexpected default-drained value; got %d (present: %v); want 1", v, ok)
	}
}

func TestAggregatePurgeUnheldMetrics(t *testing.T) {
	metrics := NewAtomicBucket().Named("tmp")
	metrics.Drain(NewStatsMap())

	held := NewCounter(metrics, "held")
	defer runtime.KeepAlive(held)
	func() {
		NewMarker(metrics, "dropped").Mark()
	}()
	held.Count(1)

	deadline := time.Now().Add(5 * time.Second)
	for {
		runtime.GC()
		if err := metrics.Flush(); err != nil {
			t.Fatalf("unexpected flush error: %s", err)
		}
		metrics.inner.mu.RLock()
		_, droppedPresent := metrics.inner.metrics["tmp.dropped"]
		_, heldPresent := metrics.inner.metrics["tmp.held"]
		metrics.inner.mu.RUnlock()
		if !droppedPresent {
			if !heldPresent {
				t.Fatalf("held metric was purged")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Skipf("unheld metric not collected in time")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
