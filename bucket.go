package dipstick

import (
	"math"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// StatsFn transforms an aggregated score into a publishable statistic,
// or discards it by returning false.
type StatsFn func(kind InputKind, name MetricName, score Score) (InputKind, MetricName, MetricValue, bool)

// StatsAll is a predefined export strategy reporting all aggregated stats for
// all metric kinds. Resulting stats are named by appending a short suffix to
// each metric's name.
func StatsAll(kind InputKind, name MetricName, score Score) (InputKind, MetricName, MetricValue, bool) {
	switch score.Stat {
	case StatCount:
		return KindCounter, name.WithSuffix("count"), score.Value, true
	case StatSum:
		return kind, name.WithSuffix("sum"), score.Value, true
	case StatMean:
		return kind, name.WithSuffix("mean"), MetricValue(math.Round(score.Float)), true
	case StatMax:
		return KindGauge, name.WithSuffix("max"), score.Value, true
	case StatMin:
		return KindGauge, name.WithSuffix("min"), score.Value, true
	case StatRate:
		return KindGauge, name.WithSuffix("rate"), MetricValue(math.Round(score.Float)), true
	case StatPercentile:
		return KindGauge, name.WithSuffix(rankSuffix(score.Rank)), score.Value, true
	}
	return kind, name, 0, false
}

// StatsSummary is a predefined single-stat-per-metric export strategy:
//   - Counters and Timers each export their sum
//   - Markers each export their hit count
//   - Gauges, Levels and Percentiles each export their mean
//
// Since there is only one stat per metric there is no risk of collision,
// and so exported stats copy their metric's name.
func StatsSummary(kind InputKind, name MetricName, score Score) (InputKind, MetricName, MetricValue, bool) {
	switch kind {
	case KindMarker:
		if score.Stat == StatCount {
			return KindCounter, name, score.Value, true
		}
	case KindCounter, KindTimer:
		if score.Stat == StatSum {
			return kind, name, score.Value, true
		}
	default:
		if score.Stat == StatMean {
			return KindGauge, name, MetricValue(math.Round(score.Float)), true
		}
	}
	return kind, name, 0, false
}

// StatsAverage is a predefined export strategy reporting the average value of
// every non-marker metric. Markers export their hit count instead.
// Exported stats copy their metric's name.
func StatsAverage(kind InputKind, name MetricName, score Score) (InputKind, MetricName, MetricValue, bool) {
	if kind == KindMarker {
		if score.Stat == StatCount {
			return KindCounter, name, score.Value, true
		}
		return kind, name, 0, false
	}
	if score.Stat == StatMean {
		return KindGauge, name, MetricValue(math.Round(score.Float)), true
	}
	return kind, name, 0, false
}

// rankSuffix names a percentile stat, e.g. p50, p99 or p99_9.
func rankSuffix(rank float64) string {
	formatted := strconv.FormatFloat(rank, 'f', -1, 64)
	return "p" + strings.ReplaceAll(formatted, ".", "_")
}

var defaultPercentiles = []float64{50, 90, 99}

// Process-wide defaults for buckets that have no stats or drain of their own.
var (
	defaultStatsLock sync.RWMutex
	defaultStats     StatsFn = StatsSummary

	defaultDrainLock sync.RWMutex
	defaultDrain     Output = NewVoid()
)

// SetDefaultStats replaces the default statistics strategy of all buckets
// that have none of their own.
func SetDefaultStats(stats StatsFn) {
	defaultStatsLock.Lock()
	defaultStats = stats
	defaultStatsLock.Unlock()
}

// UnsetDefaultStats reverts the default statistics strategy to StatsSummary.
func UnsetDefaultStats() {
	SetDefaultStats(StatsSummary)
}

// SetDefaultDrain installs a new receiver for the statistics of all buckets
// that have no drain of their own, replacing any previous receiver.
func SetDefaultDrain(drain Output) {
	defaultDrainLock.Lock()
	defaultDrain = drain
	defaultDrainLock.Unlock()
}

// UnsetDefaultDrain reverts the default bucket drain to the void output.
func UnsetDefaultDrain() {
	SetDefaultDrain(NewVoid())
}

var periodLengthName = NameFrom("_period_length")

// AtomicBucket aggregates recorded values into per-metric scoreboards and,
// on flush, derives statistics over the elapsed window and writes them to
// its drain.
type AtomicBucket struct {
	attributes
	inner *bucketInner
}

type bucketEntry struct {
	name  MetricName
	board *scoreboard
	// number of live handles held by callers; entries with no
	// handles left are purged after publication
	refs atomic.Int64
}

type bucketInner struct {
	mu              sync.RWMutex
	metrics         map[string]*bucketEntry
	periodStart     TimeHandle
	stats           StatsFn
	drain           Output
	publishMetadata bool
	percentiles     []float64
}

// NewAtomicBucket builds a new aggregating bucket.
func NewAtomicBucket() *AtomicBucket {
	return &AtomicBucket{
		attributes: newAttributes(),
		inner: &bucketInner{
			metrics:     make(map[string]*bucketEntry),
			periodStart: Now(),
			percentiles: defaultPercentiles,
		},
	}
}

// Named replaces the bucket's namespace with a single name.
func (b *AtomicBucket) Named(name string) *AtomicBucket {
	cloned := *b
	cloned.naming = NameFrom(name)
	return &cloned
}

// AddName appends a name to the bucket's namespace.
// Returns a clone of the bucket with the updated names.
func (b *AtomicBucket) AddName(name string) *AtomicBucket {
	cloned := *b
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// Stats sets this bucket's statistics strategy.
func (b *AtomicBucket) Stats(stats StatsFn) {
	b.inner.mu.Lock()
	b.inner.stats = stats
	b.inner.mu.Unlock()
}

// UnsetStats reverts this bucket to the process-wide default statistics strategy.
func (b *AtomicBucket) UnsetStats() {
	b.inner.mu.Lock()
	b.inner.stats = nil
	b.inner.mu.Unlock()
}

// Drain sets this bucket's flush target.
func (b *AtomicBucket) Drain(drain Output) {
	b.inner.mu.Lock()
	b.inner.drain = drain
	b.inner.mu.Unlock()
}

// UnsetDrain reverts this bucket to the process-wide default drain.
func (b *AtomicBucket) UnsetDrain() {
	b.inner.mu.Lock()
	b.inner.drain = nil
	b.inner.mu.Unlock()
}

// Percentiles sets the ranks published for percentile metrics declared afterwards.
func (b *AtomicBucket) Percentiles(ranks ...float64) {
	for _, rank := range ranks {
		if rank < 0 || rank > 100 {
			panic("BUG: percentile rank must be in the range [0..100]")
		}
	}
	b.inner.mu.Lock()
	b.inner.percentiles = ranks
	b.inner.mu.Unlock()
}

// PublishMetadata makes the bucket append a synthetic `_period_length` timer
// carrying the window duration in milliseconds to every publication.
func (b *AtomicBucket) PublishMetadata(enabled bool) {
	b.inner.mu.Lock()
	b.inner.publishMetadata = enabled
	b.inner.mu.Unlock()
}

// FlushEvery publishes the bucket's statistics at regular intervals.
// The task is owned by the bucket and cancelled when the bucket is closed.
func (b *AtomicBucket) FlushEvery(period time.Duration) *CancelHandle {
	handle := FlushEvery(b, period)
	b.ownTask(handle)
	return handle
}

// NewMetric looks up or creates the scoreboard for the requested metric.
func (b *AtomicBucket) NewMetric(name MetricName, kind InputKind) *InputMetric {
	name = b.prefixAppend(name)
	key := name.Join(".")

	b.inner.mu.RLock()
	entry := b.inner.metrics[key]
	b.inner.mu.RUnlock()
	if entry == nil {
		b.inner.mu.Lock()
		entry = b.inner.metrics[key]
		if entry == nil {
			entry = &bucketEntry{
				name:  name,
				board: newScoreboard(kind, b.inner.percentiles),
			}
			b.inner.metrics[key] = entry
		}
		b.inner.mu.Unlock()
	}

	entry.refs.Add(1)
	board := entry.board
	metric := NewInputMetric(ForgeID("bucket", name), func(value MetricValue, _ Labels) {
		board.update(value)
	})
	runtime.AddCleanup(metric, func(e *bucketEntry) { e.refs.Add(-1) }, entry)
	return metric
}

// Flush takes a snapshot of aggregated values and resets them, computes
// statistics using the assigned or default strategy, and writes them to the
// assigned or default drain. Published ad-hoc metrics whose handles are no
// longer held are then purged.
func (b *AtomicBucket) Flush() error {
	b.notifyFlushListeners()

	b.inner.mu.Lock()
	defer b.inner.mu.Unlock()

	drain := b.inner.drain
	if drain == nil {
		defaultDrainLock.RLock()
		drain = defaultDrain
		defaultDrainLock.RUnlock()
	}
	scope := drain.NewScope()
	if err := b.flushToLocked(scope); err != nil {
		return err
	}

	// all metrics published; purge entries the caller no longer holds
	for key, entry := range b.inner.metrics {
		if entry.refs.Load() <= 0 {
			delete(b.inner.metrics, key)
		}
	}
	return nil
}

// FlushTo immediately publishes the bucket's statistics to the specified scope.
func (b *AtomicBucket) FlushTo(target OutputScope) error {
	b.inner.mu.Lock()
	defer b.inner.mu.Unlock()
	return b.flushToLocked(target)
}

type bucketSnapshot struct {
	name   MetricName
	kind   InputKind
	scores []Score
}

func (b *AtomicBucket) flushToLocked(target OutputScope) error {
	now := Now()
	durationSeconds := float64(b.inner.periodStart.ElapsedUs()) / 1e6
	b.inner.periodStart = now

	keys := make([]string, 0, len(b.inner.metrics))
	for key := range b.inner.metrics {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var snapshot []bucketSnapshot
	for _, key := range keys {
		entry := b.inner.metrics[key]
		if scores := entry.board.reset(durationSeconds); scores != nil {
			snapshot = append(snapshot, bucketSnapshot{
				name:   entry.name,
				kind:   entry.board.metricKind(),
				scores: scores,
			})
		}
	}
	if len(snapshot) == 0 {
		// no data was collected for this period
		return nil
	}

	if b.inner.publishMetadata {
		snapshot = append(snapshot, bucketSnapshot{
			name:   periodLengthName,
			kind:   KindTimer,
			scores: []Score{{Stat: StatSum, Value: MetricValue(durationSeconds * 1000.0)}},
		})
	}

	stats := b.inner.stats
	if stats == nil {
		defaultStatsLock.RLock()
		stats = defaultStats
		defaultStatsLock.RUnlock()
	}

	for _, metric := range snapshot {
		for _, score := range metric.scores {
			if kind, name, value, ok := stats(metric.kind, metric.name, score); ok {
				target.NewMetric(name, kind).Write(value, NoLabels)
			}
		}
	}
	return target.Flush()
}
