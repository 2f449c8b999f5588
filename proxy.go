package dipstick

import (
	"runtime"
	"sync"
	"sync/atomic"
	"weak"
)

// Proxy is a dynamic dispatch point decoupling metric definition from backend
// configuration. Metrics may be declared before a concrete backend has been
// selected, possibly from libraries, and the backend may be replaced on the
// fly at runtime. Each metric is routed to the target bound at the nearest
// ancestor namespace, or discarded if no ancestor has a bound target.
type Proxy struct {
	attributes
	inner *proxyInner
}

// proxyMetric is the stub behind every declared metric, holding an
// atomically swappable pair of bound target metric and the length of the
// ancestor namespace that supplied the binding (0 when unbound).
type proxyMetric struct {
	name   MetricName
	kind   InputKind
	target atomic.Pointer[proxyTarget]
}

type proxyTarget struct {
	metric *InputMetric
	depth  int
}

type proxyEntry struct {
	id     uint64
	metric weak.Pointer[proxyMetric]
}

type proxyTargetEntry struct {
	ns    MetricName
	scope InputScope
}

type proxyInner struct {
	mu sync.RWMutex
	// namespaces can target one, many or no metrics
	targets map[string]*proxyTargetEntry
	// weakly-held stubs; the last part of each key is the metric's short name
	metrics map[string]*proxyEntry
	nextID  uint64
}

// The default proxy root, usable by all libraries and apps.
// Libraries should create their metrics into subspaces of this.
// Applications should configure on startup where proxied metrics should go.
var rootProxy = NewProxy()

// DefaultProxy returns the default proxy root.
func DefaultProxy() *Proxy {
	return rootProxy
}

// SetDefaultTarget binds the default proxy root to the target scope.
func SetDefaultTarget(target InputScope) {
	rootProxy.SetTarget(target)
}

// UnsetDefaultTarget removes the binding of the default proxy root.
func UnsetDefaultTarget() {
	rootProxy.UnsetTarget()
}

// NewProxy makes a new private proxy root, separate from the default tree.
// Since downstream code may not know about its existence, it must be
// configured independently; most uses should go through DefaultProxy.
func NewProxy() *Proxy {
	return &Proxy{
		attributes: newAttributes(),
		inner: &proxyInner{
			targets: make(map[string]*proxyTargetEntry),
			metrics: make(map[string]*proxyEntry),
		},
	}
}

// AddName appends a name to the proxy's namespace.
// Returns a clone of the proxy, sharing the same tree, with the updated names.
func (p *Proxy) AddName(name string) *Proxy {
	cloned := *p
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// Named replaces the proxy's namespace with a single name.
func (p *Proxy) Named(name string) *Proxy {
	cloned := *p
	cloned.naming = NameFrom(name)
	return &cloned
}

// SetTarget binds this proxy's namespace to the target scope.
// Declared metrics within the namespace are rebound to the new target unless
// they are already bound to a deeper namespace.
func (p *Proxy) SetTarget(target InputScope) {
	p.inner.setTarget(p.naming, target)
}

// UnsetTarget removes the binding of this proxy's namespace.
// Metrics bound at this namespace are rebound to the next-shorter bound
// ancestor, or to the void sink if there is none.
func (p *Proxy) UnsetTarget() {
	p.inner.unsetTarget(p.naming)
}

// NewMetric looks up or creates a proxy stub for the requested metric.
// The returned handle forwards writes to whatever target the stub is
// currently bound to, through a single atomic pointer load.
func (p *Proxy) NewMetric(name MetricName, kind InputKind) *InputMetric {
	name = p.prefixAppend(name)
	key := name.Join(".")

	inner := p.inner
	inner.mu.Lock()
	var pm *proxyMetric
	if entry := inner.metrics[key]; entry != nil {
		pm = entry.metric.Value()
	}
	if pm == nil {
		// not found or expired, define new
		targetScope, depth := inner.effectiveTargetLocked(name)
		pm = &proxyMetric{name: name, kind: kind}
		pm.target.Store(&proxyTarget{
			metric: targetScope.NewMetric(name, kind),
			depth:  depth,
		})
		inner.nextID++
		inner.metrics[key] = &proxyEntry{id: inner.nextID, metric: weak.Make(pm)}
		runtime.AddCleanup(pm, inner.dropMetric, proxyDrop{key: key, id: inner.nextID})
	}
	inner.mu.Unlock()

	return NewInputMetric(ForgeID("proxy", name), func(value MetricValue, labels Labels) {
		pm.target.Load().metric.Write(value, labels)
	})
}

// Flush flushes the target bound at this proxy's namespace or, failing that,
// at its nearest bound ancestor. Does nothing if none is bound.
func (p *Proxy) Flush() error {
	p.notifyFlushListeners()
	p.inner.mu.RLock()
	target, _, bound := p.inner.lookupTargetLocked(p.naming)
	p.inner.mu.RUnlock()
	if !bound {
		return nil
	}
	return target.Flush()
}

// metricCount returns the number of live stub entries, for tests.
func (p *Proxy) metricCount() int {
	p.inner.mu.RLock()
	defer p.inner.mu.RUnlock()
	return len(p.inner.metrics)
}

type proxyDrop struct {
	key string
	id  uint64
}

// dropMetric removes a stub's registry entry once its last handle is gone.
func (inner *proxyInner) dropMetric(drop proxyDrop) {
	inner.mu.Lock()
	defer inner.mu.Unlock()
	entry := inner.metrics[drop.key]
	if entry == nil {
		panic("BUG: proxy metric drop removed nothing")
	}
	if entry.id == drop.id {
		delete(inner.metrics, drop.key)
	}
}

// effectiveTargetLocked finds the deepest bound namespace that contains the
// name, falling back on the void sink at depth 0.
func (inner *proxyInner) effectiveTargetLocked(name MetricName) (InputScope, int) {
	if target, depth, bound := inner.lookupTargetLocked(name); bound {
		return target, depth
	}
	return noMetricScope, 0
}

func (inner *proxyInner) lookupTargetLocked(name MetricName) (InputScope, int, bool) {
	for ns := name; ; ns = ns.parent() {
		if entry := inner.targets[ns.Join(".")]; entry != nil {
			return entry.scope, ns.Len(), true
		}
		if ns.Len() == 0 {
			return nil, 0, false
		}
	}
}

func (inner *proxyInner) setTarget(ns MetricName, target InputScope) {
	inner.mu.Lock()
	defer inner.mu.Unlock()
	inner.targets[ns.Join(".")] = &proxyTargetEntry{ns: ns, scope: target}
	inner.rebindLocked(ns, target, ns.Len())
}

func (inner *proxyInner) unsetTarget(ns MetricName) {
	inner.mu.Lock()
	defer inner.mu.Unlock()
	if _, bound := inner.targets[ns.Join(".")]; !bound {
		// nothing to do
		return
	}
	delete(inner.targets, ns.Join("."))
	upTarget, upDepth := inner.effectiveTargetLocked(ns)
	inner.rebindLocked(ns, upTarget, upDepth)
}

// rebindLocked points every metric within the namespace at the given target,
// except metrics already bound to a deeper namespace.
func (inner *proxyInner) rebindLocked(ns MetricName, target InputScope, depth int) {
	for _, entry := range inner.metrics {
		pm := entry.metric.Value()
		if pm == nil {
			// expired, left for its cleanup to collect
			continue
		}
		if !pm.name.IsWithin(ns) {
			continue
		}
		if pm.target.Load().depth > ns.Len() {
			// targeted by a deeper namespace, leave undisturbed
			continue
		}
		pm.target.Store(&proxyTarget{
			metric: target.NewMetric(pm.name, pm.kind),
			depth:  depth,
		})
	}
}
