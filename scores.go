package dipstick

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
)

// Stat identifies a summary statistic computed over an aggregation window.
type Stat uint8

const (
	// StatCount is the number of values recorded during the window.
	StatCount Stat = iota
	// StatSum is the sum of recorded values.
	StatSum
	// StatMean is the average of recorded values.
	StatMean
	// StatMax is the highest recorded value (or running sum, for levels).
	StatMax
	// StatMin is the lowest recorded value (or running sum, for levels).
	StatMin
	// StatRate is the count or sum per second, depending on the metric kind.
	StatRate
	// StatPercentile is a ranked sample value.
	StatPercentile
)

// Score is one statistic extracted from a scoreboard snapshot.
// Count, Sum, Max and Min carry Value; Mean and Rate carry Float;
// Percentile carries both Rank and Value.
type Score struct {
	Stat  Stat
	Value MetricValue
	Float float64
	Rank  float64
}

// scoreboard accumulates count, sum, min and max for a single metric under
// concurrent writers, without locking. Percentile metrics additionally retain
// samples in a mutex-guarded reservoir. Kind is immutable after creation.
type scoreboard struct {
	kind InputKind

	hit atomic.Int64
	sum atomic.Int64
	max atomic.Int64
	min atomic.Int64

	// percentile kind only
	sampleLock  sync.Mutex
	samples     []MetricValue
	percentiles []float64
}

func newScoreboard(kind InputKind, percentiles []float64) *scoreboard {
	s := &scoreboard{kind: kind}
	s.max.Store(math.MinInt64)
	s.min.Store(math.MaxInt64)
	if kind == KindPercentile {
		s.percentiles = percentiles
	}
	return s
}

func (s *scoreboard) metricKind() InputKind {
	return s.kind
}

// update records a new value. Wait-free for hit and sum, lock-free for min
// and max; percentile samples take the reservoir lock.
func (s *scoreboard) update(value MetricValue) {
	s.hit.Add(1)
	switch s.kind {
	case KindMarker:
	case KindLevel:
		// Level min & max apply to the _sum_ of values.
		// Only the sum prior to this update is available without another
		// load, so min & max trail behind by one operation; the slack is
		// picked up by comparing against the final sum upon snapshot.
		prevSum := s.sum.Add(value) - value
		swapIfGreater(&s.max, prevSum)
		swapIfLesser(&s.min, prevSum)
	case KindPercentile:
		s.sum.Add(value)
		swapIfGreater(&s.max, value)
		swapIfLesser(&s.min, value)
		s.sampleLock.Lock()
		s.samples = append(s.samples, value)
		s.sampleLock.Unlock()
	default:
		// gauges are non-cumulative, but the sum still feeds the mean
		s.sum.Add(value)
		swapIfGreater(&s.max, value)
		swapIfLesser(&s.min, value)
	}
}

// snapshot resets the scores to their initial values and returns the previous
// hit, sum, max and min. Returns false if no values were recorded.
func (s *scoreboard) snapshot() (hit, sum, max, min MetricValue, ok bool) {
	// read count AND sum before testing for data to reduce concurrent discrepancies
	hit = s.hit.Swap(0)
	sum = s.sum.Swap(0)

	if hit == 0 {
		return 0, 0, 0, 0, false
	}

	max = s.max.Swap(math.MinInt64)
	min = s.min.Swap(math.MaxInt64)

	if s.kind == KindLevel {
		// min & max trail behind by one operation, compare one
		// last time against the final sum
		if sum > max {
			max = sum
		}
		if sum < min {
			min = sum
		}
	}
	return hit, sum, max, min, true
}

// reset maps the window's raw scores (if any) to applicable statistics.
func (s *scoreboard) reset(durationSeconds float64) []Score {
	hit, sum, max, min, ok := s.snapshot()
	if !ok {
		return nil
	}

	var scores []Score
	count := func() { scores = append(scores, Score{Stat: StatCount, Value: hit}) }
	sums := func() { scores = append(scores, Score{Stat: StatSum, Value: sum}) }
	maxMinMean := func() {
		scores = append(scores,
			Score{Stat: StatMax, Value: max},
			Score{Stat: StatMin, Value: min},
			Score{Stat: StatMean, Float: float64(sum) / float64(hit)})
	}

	switch s.kind {
	case KindMarker:
		count()
		scores = append(scores, Score{Stat: StatRate, Float: float64(hit) / durationSeconds})
	case KindGauge:
		maxMinMean()
	case KindTimer:
		count()
		sums()
		maxMinMean()
		// timer rate uses the COUNT of timer calls per second (not the sum)
		scores = append(scores, Score{Stat: StatRate, Float: float64(hit) / durationSeconds})
	case KindCounter, KindLevel:
		count()
		sums()
		maxMinMean()
		// counter rate uses the SUM of values per second (e.g. to get bytes/s)
		scores = append(scores, Score{Stat: StatRate, Float: float64(sum) / durationSeconds})
	case KindPercentile:
		count()
		maxMinMean()
		scores = append(scores, s.resetPercentiles()...)
	}
	return scores
}

// resetPercentiles takes the window's retained samples, sorts them and
// selects each configured rank by position `min(len-1, ⌊rank·len/100⌋)`,
// with a monotonic cursor across successive ranks.
func (s *scoreboard) resetPercentiles() []Score {
	s.sampleLock.Lock()
	samples := s.samples
	s.samples = nil
	s.sampleLock.Unlock()
	if len(samples) == 0 {
		return nil
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

	scores := make([]Score, 0, len(s.percentiles))
	cursor := 0
	for _, rank := range s.percentiles {
		i := int(rank * float64(len(samples)) / 100.0)
		if i > len(samples)-1 {
			i = len(samples) - 1
		}
		if i < cursor {
			i = cursor
		}
		cursor = i
		scores = append(scores, Score{
			Stat:  StatPercentile,
			Rank:  rank,
			Value: samples[i],
		})
	}
	return scores
}

// swapIfGreater spins until the counter holds at least the new value
// or a concurrent update clearly won.
func swapIfGreater(counter *atomic.Int64, newValue int64) {
	current := counter.Load()
	for newValue > current {
		if counter.CompareAndSwap(current, newValue) {
			break
		}
		current = counter.Load()
	}
}

// swapIfLesser spins until the counter holds at most the new value
// or a concurrent update clearly won.
func swapIfLesser(counter *atomic.Int64, newValue int64) {
	current := counter.Load()
	for newValue < current {
		if counter.CompareAndSwap(current, newValue) {
			break
		}
		current = counter.Load()
	}
}
