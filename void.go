package dipstick

// Void discards all metrics. It identifies an uninitialized metric config
// and serves as the default target of unbound proxies and bucket drains.
type Void struct{}

// NewVoid makes a metrics discarder.
func NewVoid() Void {
	return Void{}
}

// Metrics opens a discarding scope.
func (Void) Metrics() InputScope {
	return voidScope{}
}

// NewScope opens a discarding scope.
func (Void) NewScope() OutputScope {
	return voidScope{}
}

type voidScope struct{}

func (voidScope) NewMetric(name MetricName, _ InputKind) *InputMetric {
	return NewInputMetric(ForgeID("void", name), func(MetricValue, Labels) {})
}

func (voidScope) Flush() error {
	return nil
}

// The reference instance identifying an unconfigured metric scope.
var noMetricScope InputScope = voidScope{}
