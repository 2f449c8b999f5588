package dipstick

import (
	"fmt"
	"testing"
)

// countingScope counts metric definitions, to observe cache hits and misses.
type countingScope struct {
	defined map[string]int
}

func (c *countingScope) NewMetric(name MetricName, _ InputKind) *InputMetric {
	if c.defined == nil {
		c.defined = make(map[string]int)
	}
	c.defined[name.Join(".")]++
	return NewInputMetric(ForgeID("counting", name), func(MetricValue, Labels) {})
}

func (c *countingScope) Flush() error {
	return nil
}

func TestCacheReturnsSameHandle(t *testing.T) {
	target := &countingScope{}
	cached := Cached(target, 8)

	m1 := cached.NewMetric(NameFrom("hot"), KindCounter)
	m2 := cached.NewMetric(NameFrom("hot"), KindCounter)
	if m1 != m2 {
		t.Fatalf("identical lookups returned different handles; got %p and %p", m1, m2)
	}
	if n := target.defined["hot"]; n != 1 {
		t.Fatalf("metric defined %d times on the wrapped scope; want 1", n)
	}
}

func TestCacheDistinguishesKinds(t *testing.T) {
	target := &countingScope{}
	cached := Cached(target, 8)

	m1 := cached.NewMetric(NameFrom("dual"), KindCounter)
	m2 := cached.NewMetric(NameFrom("dual"), KindTimer)
	if m1 == m2 {
		t.Fatalf("lookups of different kinds returned the same handle")
	}
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	target := &countingScope{}
	cached := Cached(target, 2)

	cached.NewMetric(NameFrom("foo"), KindCounter)
	cached.NewMetric(NameFrom("bar"), KindCounter)

	// promote foo, then overflow: bar is the tail
	cached.NewMetric(NameFrom("foo"), KindCounter)
	cached.NewMetric(NameFrom("baz"), KindCounter)

	cached.NewMetric(NameFrom("foo"), KindCounter)
	cached.NewMetric(NameFrom("bar"), KindCounter)

	f := func(name string, expected int) {
		t.Helper()
		if n := target.defined[name]; n != expected {
			t.Fatalf("metric %q defined %d times on the wrapped scope; want %d", name, n, expected)
		}
	}
	f("foo", 1) // never evicted, repeatedly promoted
	f("baz", 1)
	f("bar", 2) // evicted by baz, redefined on last access
}

func TestCacheKeepsRecentlyReferencedKeys(t *testing.T) {
	target := &countingScope{}
	const capacity = 16
	cached := Cached(target, capacity)

	hot := cached.NewMetric(NameFrom("hot"), KindCounter)
	for i := 0; i < capacity-1; i++ {
		cached.NewMetric(NameFrom(fmt.Sprintf("cold_%d", i)), KindCounter)
		if m := cached.NewMetric(NameFrom("hot"), KindCounter); m != hot {
			t.Fatalf("hot key evicted after %d distinct insertions", i+1)
		}
	}
}

func TestCachePrefix(t *testing.T) {
	target := &countingScope{}
	cached := Cached(target, 8).AddName("app")
	cached.NewMetric(NameFrom("leaf"), KindCounter)
	if n := target.defined["app.leaf"]; n != 1 {
		t.Fatalf("prefixed metric not defined; defined names: %v", target.defined)
	}
}
