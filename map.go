package dipstick

import "sync"

// StatsMap receives metric or stats values into a map, every received value
// replacing the previous one for the same name. Useful as a bucket drain for
// tests and custom publishing code.
type StatsMap struct {
	attributes
	inner *statsMapInner
}

type statsMapInner struct {
	mu     sync.RWMutex
	values map[string]MetricValue
}

// NewStatsMap makes an empty stats map.
func NewStatsMap() *StatsMap {
	return &StatsMap{
		attributes: newAttributes(),
		inner:      &statsMapInner{values: make(map[string]MetricValue)},
	}
}

// AddName appends a name to the map's namespace.
// Returns a clone of the map, sharing the same values, with the updated names.
func (m *StatsMap) AddName(name string) *StatsMap {
	cloned := *m
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// Metrics opens the map as a thread-safe scope.
func (m *StatsMap) Metrics() InputScope {
	return m
}

// NewScope opens the map as an output scope.
func (m *StatsMap) NewScope() OutputScope {
	return m
}

// NewMetric returns a handle storing each written value under the metric's name.
func (m *StatsMap) NewMetric(name MetricName, _ InputKind) *InputMetric {
	name = m.prefixAppend(name)
	key := name.Join(".")
	inner := m.inner
	return NewInputMetric(ForgeID("map", name), func(value MetricValue, _ Labels) {
		inner.mu.Lock()
		inner.values[key] = value
		inner.mu.Unlock()
	})
}

// Flush only notifies flush listeners; values are visible as soon as they
// are written.
func (m *StatsMap) Flush() error {
	m.notifyFlushListeners()
	return nil
}

// Get returns the last value received for the name.
func (m *StatsMap) Get(name string) (MetricValue, bool) {
	m.inner.mu.RLock()
	value, ok := m.inner.values[name]
	m.inner.mu.RUnlock()
	return value, ok
}

// Len returns the number of distinct metric names received.
func (m *StatsMap) Len() int {
	m.inner.mu.RLock()
	defer m.inner.mu.RUnlock()
	return len(m.inner.values)
}

// IntoMap extracts a copy of the received values.
func (m *StatsMap) IntoMap() map[string]MetricValue {
	m.inner.mu.RLock()
	defer m.inner.mu.RUnlock()
	values := make(map[string]MetricValue, len(m.inner.values))
	for k, v := range m.inner.values {
		values[k] = v
	}
	return values
}
