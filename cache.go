package dipstick

import (
	"strconv"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedScope memoizes metric handles from the wrapped scope in a fixed-size
// LRU cache. This can provide performance benefits for metrics that are
// dynamically named at runtime on each access. Caching is useless if all
// metrics are declared in advance and referenced by long-lived variables.
type CachedScope struct {
	attributes
	target InputScope
	cache  *lru.Cache[string, *InputMetric]
}

// Cached wraps a scope with a metric handle cache of the given capacity.
func Cached(target InputScope, maxSize int) *CachedScope {
	cache, err := lru.New[string, *InputMetric](maxSize)
	if err != nil {
		panic("BUG: invalid metric cache size: " + err.Error())
	}
	return &CachedScope{
		attributes: newAttributes(),
		target:     target,
		cache:      cache,
	}
}

// AddName appends a name to the scope's namespace.
// Returns a clone of the scope with the updated names.
func (c *CachedScope) AddName(name string) *CachedScope {
	cloned := *c
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// NewMetric returns the cached handle for the name and kind, or defines the
// metric on the wrapped scope and caches the new handle, evicting the least
// recently used entry when full.
func (c *CachedScope) NewMetric(name MetricName, kind InputKind) *InputMetric {
	name = c.prefixAppend(name)
	key := strconv.Itoa(int(kind)) + "|" + name.Join(".")
	if metric, ok := c.cache.Get(key); ok {
		return metric
	}
	metric := c.target.NewMetric(name, kind)
	c.cache.Add(key, metric)
	return metric
}

// Flush flushes the wrapped scope.
func (c *CachedScope) Flush() error {
	c.notifyFlushListeners()
	return c.target.Flush()
}
