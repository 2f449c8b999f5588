package dipstick

import "strings"

// MetricName is the name of a metric, including the possible namespaces
// in which it was defined. The last part is the metric's short name,
// everything before it is the namespace.
//
// Names are value types: operations return new names, they never mutate
// a name shared with other holders.
type MetricName struct {
	parts []string
}

// NameFrom makes a single-part metric name.
// The string is taken as-is, it is not split on separators.
func NameFrom(part string) MetricName {
	if part == "" {
		panic("BUG: empty metric name")
	}
	return MetricName{parts: []string{part}}
}

// NameParts makes a metric name from the given parts, first part outermost.
func NameParts(parts ...string) MetricName {
	for _, p := range parts {
		if p == "" {
			panic("BUG: empty metric name part")
		}
	}
	return MetricName{parts: append([]string(nil), parts...)}
}

// Len returns the number of parts in the name.
func (n MetricName) Len() int {
	return len(n.parts)
}

// IsEmpty returns true if the name has no parts.
func (n MetricName) IsEmpty() bool {
	return len(n.parts) == 0
}

// Short returns the metric's short name (the last part) as a new single-part name.
func (n MetricName) Short() MetricName {
	if len(n.parts) == 0 {
		panic("BUG: short name of empty metric name")
	}
	return MetricName{parts: []string{n.parts[len(n.parts)-1]}}
}

// Append inserts the given namespace parts before the short name,
// extending the name's namespace.
func (n MetricName) Append(ns MetricName) MetricName {
	if len(ns.parts) == 0 {
		return n
	}
	if len(n.parts) == 0 {
		return MetricName{parts: append([]string(nil), ns.parts...)}
	}
	offset := len(n.parts) - 1
	parts := make([]string, 0, len(n.parts)+len(ns.parts))
	parts = append(parts, n.parts[:offset]...)
	parts = append(parts, ns.parts...)
	parts = append(parts, n.parts[offset:]...)
	return MetricName{parts: parts}
}

// Prepend inserts the given namespace parts at the front of the name.
func (n MetricName) Prepend(ns MetricName) MetricName {
	if len(ns.parts) == 0 {
		return n
	}
	parts := make([]string, 0, len(n.parts)+len(ns.parts))
	parts = append(parts, ns.parts...)
	parts = append(parts, n.parts...)
	return MetricName{parts: parts}
}

// WithPart returns a copy of the name with one more part appended at the end.
func (n MetricName) WithPart(part string) MetricName {
	if part == "" {
		panic("BUG: empty metric name part")
	}
	parts := make([]string, 0, len(n.parts)+1)
	parts = append(parts, n.parts...)
	parts = append(parts, part)
	return MetricName{parts: parts}
}

// WithSuffix appends a suffix to the short name, as used by statistics
// that derive multiple values from a single metric.
func (n MetricName) WithSuffix(suffix string) MetricName {
	return n.WithPart(suffix)
}

// parent returns the name with the last part removed.
// Returns an empty name once all parts are consumed.
func (n MetricName) parent() MetricName {
	if len(n.parts) == 0 {
		return n
	}
	return MetricName{parts: n.parts[:len(n.parts)-1]}
}

// IsWithin returns true if this name is equal to or more specific than
// the given namespace, e.g. `a.b.c` is within `a.b` but `a.d.c` is not.
func (n MetricName) IsWithin(ns MetricName) bool {
	if len(n.parts) < len(ns.parts) {
		return false
	}
	for i, part := range ns.parts {
		if part != n.parts[i] {
			return false
		}
	}
	return true
}

// Equal returns true if both names have the same parts in the same order.
func (n MetricName) Equal(other MetricName) bool {
	if len(n.parts) != len(other.parts) {
		return false
	}
	for i, part := range other.parts {
		if part != n.parts[i] {
			return false
		}
	}
	return true
}

// Join combines the name parts into a single string using the given separator.
func (n MetricName) Join(separator string) string {
	return strings.Join(n.parts, separator)
}

func (n MetricName) String() string {
	return n.Join(".")
}
