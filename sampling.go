package dipstick

// SampledScope forwards a random fraction of recorded values to the wrapped
// scope, reducing data volume at the cost of precision. Like the other
// pipeline stages it composes with any target; sample the expensive side of
// a pipeline, e.g. Sampled over Queued over a backend scope.
type SampledScope struct {
	attributes
	target InputScope
}

// Sampled wraps the scope with the given sampling policy.
func Sampled(target InputScope, sampling Sampling) *SampledScope {
	attrs := newAttributes()
	attrs.sampling = sampling
	return &SampledScope{attributes: attrs, target: target}
}

// AddName appends a name to the scope's namespace.
// Returns a clone of the scope with the updated names.
func (s *SampledScope) AddName(name string) *SampledScope {
	cloned := *s
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// NewMetric defines the metric on the wrapped scope and returns a handle
// that drops rejected samples before they reach it.
func (s *SampledScope) NewMetric(name MetricName, kind InputKind) *InputMetric {
	name = s.prefixAppend(name)
	return sampleMetric(s.Sampling(), s.target.NewMetric(name, kind))
}

// Flush flushes the wrapped scope.
func (s *SampledScope) Flush() error {
	s.notifyFlushListeners()
	return s.target.Flush()
}

// sampleMetric applies a sampling policy to a metric handle.
// The integer threshold is precomputed at metric definition time; the
// accept check takes no locks on the recording path.
func sampleMetric(sampling Sampling, metric *InputMetric) *InputMetric {
	rate, random := sampling.Rate()
	if !random {
		return metric
	}
	intRate := toIntRate(rate)
	return NewInputMetric(metric.ID(), func(value MetricValue, labels Labels) {
		if acceptSample(intRate) {
			metric.Write(value, labels)
		}
	})
}
