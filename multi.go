package dipstick

// MultiInput opens scopes from multiple inputs at a time.
type MultiInput struct {
	attributes
	inputs []Input
}

// NewMultiInput makes a new multi-input dispatcher with no targets.
func NewMultiInput() *MultiInput {
	return &MultiInput{attributes: newAttributes()}
}

// AddInput returns a clone of the dispatcher with the input added to the list.
func (m *MultiInput) AddInput(input Input) *MultiInput {
	cloned := *m
	cloned.inputs = append(append([]Input(nil), m.inputs...), input)
	return &cloned
}

// AddName appends a name to the dispatcher's namespace.
// Returns a clone of the dispatcher with the updated names.
func (m *MultiInput) AddName(name string) *MultiInput {
	cloned := *m
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// Metrics opens a scope on every input.
func (m *MultiInput) Metrics() InputScope {
	scope := &MultiScope{attributes: m.attributes}
	for _, input := range m.inputs {
		scope.scopes = append(scope.scopes, input.Metrics())
	}
	return scope
}

// MultiScope dispatches metric values to a list of scopes.
// The dispatcher's own prefix applies once, before each child's prefixes.
type MultiScope struct {
	attributes
	scopes []InputScope
}

// NewMultiScope makes a new multi-scope dispatcher with no target scopes.
func NewMultiScope() *MultiScope {
	return &MultiScope{attributes: newAttributes()}
}

// AddTarget returns a clone of the dispatcher with the scope added to the list.
func (m *MultiScope) AddTarget(scope InputScope) *MultiScope {
	cloned := *m
	cloned.scopes = append(append([]InputScope(nil), m.scopes...), scope)
	return &cloned
}

// AddName appends a name to the dispatcher's namespace.
// Returns a clone of the dispatcher with the updated names.
func (m *MultiScope) AddName(name string) *MultiScope {
	cloned := *m
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// Named replaces the dispatcher's namespace with a single name.
func (m *MultiScope) Named(name string) *MultiScope {
	cloned := *m
	cloned.naming = NameFrom(name)
	return &cloned
}

// NewMetric defines the metric on every target scope and returns a composite
// handle that writes to all of them on every call.
func (m *MultiScope) NewMetric(name MetricName, kind InputKind) *InputMetric {
	name = m.prefixAppend(name)
	metrics := make([]*InputMetric, 0, len(m.scopes))
	for _, scope := range m.scopes {
		metrics = append(metrics, scope.NewMetric(name, kind))
	}
	return NewInputMetric(ForgeID("multi", name), func(value MetricValue, labels Labels) {
		for _, metric := range metrics {
			metric.Write(value, labels)
		}
	})
}

// Flush flushes every target scope in order, returning the first error, if any.
func (m *MultiScope) Flush() error {
	m.notifyFlushListeners()
	var firstErr error
	for _, scope := range m.scopes {
		if err := scope.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
