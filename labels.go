package dipstick

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// Labels is an immutable reference table of key / value string pairs that may
// be used on output for additional metric context.
//
// Mutating operations return a new Labels value, copy-on-write style, so a
// Labels captured by a metric write can never be altered afterwards.
type Labels struct {
	pairs map[string]string
}

// NoLabels is the empty label set passed on writes that carry no per-value context.
var NoLabels = Labels{}

// LabelsFrom builds a label set from the given map.
func LabelsFrom(pairs map[string]string) Labels {
	if len(pairs) == 0 {
		return Labels{}
	}
	cloned := make(map[string]string, len(pairs))
	for k, v := range pairs {
		cloned[k] = v
	}
	return Labels{pairs: cloned}
}

// Set returns a new label set with the key set to the given value.
func (l Labels) Set(key, value string) Labels {
	pairs := make(map[string]string, len(l.pairs)+1)
	for k, v := range l.pairs {
		pairs[k] = v
	}
	pairs[key] = value
	return Labels{pairs: pairs}
}

// Unset returns a new label set without the given key.
// Returns the same set if the key was not present.
func (l Labels) Unset(key string) Labels {
	if _, ok := l.pairs[key]; !ok {
		return l
	}
	pairs := make(map[string]string, len(l.pairs)-1)
	for k, v := range l.pairs {
		if k != key {
			pairs[k] = v
		}
	}
	if len(pairs) == 0 {
		return Labels{}
	}
	return Labels{pairs: pairs}
}

// Lookup searches for a label value by key.
// Value-scope labels are searched first, then the current goroutine's labels,
// then the application-wide labels.
func (l Labels) Lookup(key string) (string, bool) {
	if v, ok := l.pairs[key]; ok {
		return v, true
	}
	if v, ok := ThreadLabels.Get(key); ok {
		return v, true
	}
	return AppLabels.Get(key)
}

// IsEmpty returns true if no value-scope pairs are set.
func (l Labels) IsEmpty() bool {
	return len(l.pairs) == 0
}

// SaveContext freezes the current goroutine-scope and application-scope
// labels into the value-scope pairs so the full context survives handoff to
// another goroutine (e.g. a queue worker). Value-scope pairs take precedence.
func (l Labels) SaveContext() Labels {
	thread := ThreadLabels.Export()
	app := AppLabels.Export()
	if thread.IsEmpty() && app.IsEmpty() {
		return l
	}
	pairs := make(map[string]string, len(l.pairs)+len(thread.pairs)+len(app.pairs))
	for k, v := range app.pairs {
		pairs[k] = v
	}
	for k, v := range thread.pairs {
		pairs[k] = v
	}
	for k, v := range l.pairs {
		pairs[k] = v
	}
	return Labels{pairs: pairs}
}

// LabelScope identifies a store to which metric labels can be attached.
type LabelScope int

const (
	// AppLabels handles metric labels for the whole application.
	AppLabels LabelScope = iota
	// ThreadLabels handles metric labels for the current goroutine.
	// Goroutine-scoped labels are not reclaimed when the goroutine exits;
	// the goroutine that sets them should unset them when done.
	ThreadLabels
)

var (
	appLabelsLock sync.RWMutex
	appLabels     = Labels{}

	goroutineLabels sync.Map // goroutine id -> Labels
)

// Set installs a value for the key in the scope, replacing any previous value.
func (s LabelScope) Set(key, value string) {
	switch s {
	case AppLabels:
		appLabelsLock.Lock()
		appLabels = appLabels.Set(key, value)
		appLabelsLock.Unlock()
	case ThreadLabels:
		id := goroutineID()
		current, _ := goroutineLabels.Load(id)
		labels, _ := current.(Labels)
		goroutineLabels.Store(id, labels.Set(key, value))
	}
}

// Unset removes a value for the key in the scope.
// Has no effect if the key was not set.
func (s LabelScope) Unset(key string) {
	switch s {
	case AppLabels:
		appLabelsLock.Lock()
		appLabels = appLabels.Unset(key)
		appLabelsLock.Unlock()
	case ThreadLabels:
		id := goroutineID()
		current, ok := goroutineLabels.Load(id)
		if !ok {
			return
		}
		labels := current.(Labels).Unset(key)
		if labels.IsEmpty() {
			goroutineLabels.Delete(id)
		} else {
			goroutineLabels.Store(id, labels)
		}
	}
}

// Get retrieves a value for the key in this scope only.
func (s LabelScope) Get(key string) (string, bool) {
	switch s {
	case AppLabels:
		appLabelsLock.RLock()
		v, ok := appLabels.pairs[key]
		appLabelsLock.RUnlock()
		return v, ok
	case ThreadLabels:
		current, ok := goroutineLabels.Load(goroutineID())
		if !ok {
			return "", false
		}
		v, ok := current.(Labels).pairs[key]
		return v, ok
	}
	return "", false
}

// Export freezes the scope's current label values for usage at a later time.
func (s LabelScope) Export() Labels {
	switch s {
	case AppLabels:
		appLabelsLock.RLock()
		labels := appLabels
		appLabelsLock.RUnlock()
		return labels
	case ThreadLabels:
		current, ok := goroutineLabels.Load(goroutineID())
		if !ok {
			return Labels{}
		}
		return current.(Labels)
	}
	return Labels{}
}

var goroutinePrefix = []byte("goroutine ")

// goroutineID parses the current goroutine id from the runtime stack header.
func goroutineID() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	header := bytes.TrimPrefix(buf[:n], goroutinePrefix)
	end := bytes.IndexByte(header, ' ')
	if end < 0 {
		panic("BUG: unparseable goroutine stack header")
	}
	id, err := strconv.ParseUint(string(header[:end]), 10, 64)
	if err != nil {
		panic("BUG: unparseable goroutine id: " + err.Error())
	}
	return id
}
