package dipstick

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Text writes metric values as formatted lines to an io.Writer.
// The writer is shared between scopes opened from the output.
type Text struct {
	attributes
	format LineFormat
	sink   *textSink
}

type textSink struct {
	mu  sync.Mutex
	out io.Writer
}

// TextWriteTo makes a text output writing to the given writer.
func TextWriteTo(out io.Writer) *Text {
	return &Text{
		attributes: newAttributes(),
		format:     SimpleFormat{},
		sink:       &textSink{out: out},
	}
}

// Stdout makes a text output writing to standard output.
func Stdout() *Text {
	return TextWriteTo(os.Stdout)
}

// Stderr makes a text output writing to standard error.
func Stderr() *Text {
	return TextWriteTo(os.Stderr)
}

// Formatting returns a clone of the output using the given line format.
func (t *Text) Formatting(format LineFormat) *Text {
	cloned := *t
	cloned.format = format
	return &cloned
}

// AddName appends a name to the output's namespace.
// Returns a clone of the output with the updated names.
func (t *Text) AddName(name string) *Text {
	cloned := *t
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// Named replaces the output's namespace with a single name.
func (t *Text) Named(name string) *Text {
	cloned := *t
	cloned.naming = NameFrom(name)
	return &cloned
}

// Sampled returns a clone of the output recording values at the given rate.
func (t *Text) Sampled(sampling Sampling) *Text {
	cloned := *t
	cloned.sampling = sampling
	return &cloned
}

// Buffered returns a clone of the output using the given buffering strategy.
func (t *Text) Buffered(buffering Buffering) *Text {
	cloned := *t
	cloned.buffering = buffering
	return &cloned
}

// NewScope opens a new text scope.
func (t *Text) NewScope() OutputScope {
	return &TextScope{
		attributes: t.attributes,
		output:     t,
	}
}

// TextScope formats and writes metric values for a text output.
// When buffered, formatted entries accumulate until Flush or Close.
type TextScope struct {
	attributes
	entries [][]byte
	output  *Text
}

// NewMetric builds the metric's line template and returns the printing handle.
func (s *TextScope) NewMetric(name MetricName, kind InputKind) *InputMetric {
	name = s.prefixPrepend(name)
	template := s.output.format.Template(name, kind)

	if s.isBuffered() {
		return sampleMetric(s.Sampling(), NewInputMetric(ForgeID("text", name), func(value MetricValue, labels Labels) {
			buffer := &bytes.Buffer{}
			if err := template.Print(buffer, value, labels.Lookup); err != nil {
				logger.Debug().Err(err).Msg("could not format text metric")
				return
			}
			s.entries = append(s.entries, buffer.Bytes())
		}))
	}
	return sampleMetric(s.Sampling(), NewInputMetric(ForgeID("text", name), func(value MetricValue, labels Labels) {
		buffer := &bytes.Buffer{}
		if err := template.Print(buffer, value, labels.Lookup); err != nil {
			logger.Debug().Err(err).Msg("could not format text metric")
			return
		}
		sink := s.output.sink
		sink.mu.Lock()
		_, err := sink.out.Write(buffer.Bytes())
		sink.mu.Unlock()
		if err != nil {
			logger.Debug().Err(err).Msg("could not write text metric")
		}
	}))
}

// Flush writes any buffered entries to the output writer.
func (s *TextScope) Flush() error {
	s.notifyFlushListeners()
	if len(s.entries) == 0 {
		return nil
	}
	sink := s.output.sink
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, entry := range s.entries {
		if _, err := sink.out.Write(entry); err != nil {
			return err
		}
	}
	s.entries = s.entries[:0]
	return nil
}

// Close flushes any remaining buffered entries.
func (s *TextScope) Close() error {
	if err := s.Flush(); err != nil {
		logger.Warn().Err(err).Msg("could not flush text metrics on close")
		return err
	}
	return nil
}

// Log writes metric values as lines of the given logger.
// Unlike Text, the log output is safe for concurrent use without adapters.
type Log struct {
	attributes
	format LineFormat
	log    zerolog.Logger
	level  zerolog.Level
}

// LogWriteTo makes a metrics output logging through the given logger, at info level.
func LogWriteTo(log zerolog.Logger) *Log {
	return &Log{
		attributes: newAttributes(),
		format:     SimpleFormat{},
		log:        log,
		level:      zerolog.InfoLevel,
	}
}

// Formatting returns a clone of the output using the given line format.
func (l *Log) Formatting(format LineFormat) *Log {
	cloned := *l
	cloned.format = format
	return &cloned
}

// AddName appends a name to the output's namespace.
// Returns a clone of the output with the updated names.
func (l *Log) AddName(name string) *Log {
	cloned := *l
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// Level returns a clone of the output logging at the given level.
func (l *Log) Level(level zerolog.Level) *Log {
	cloned := *l
	cloned.level = level
	return &cloned
}

// Metrics opens a new logging scope.
func (l *Log) Metrics() InputScope {
	return &logScope{attributes: l.attributes, output: l}
}

type logScope struct {
	attributes
	output *Log
}

func (s *logScope) NewMetric(name MetricName, kind InputKind) *InputMetric {
	name = s.prefixPrepend(name)
	template := s.output.format.Template(name, kind)
	log := s.output.log
	level := s.output.level
	return NewInputMetric(ForgeID("log", name), func(value MetricValue, labels Labels) {
		buffer := &bytes.Buffer{}
		if err := template.Print(buffer, value, labels.Lookup); err != nil {
			logger.Debug().Err(err).Msg("could not format log metric")
			return
		}
		log.WithLevel(level).Msg(string(bytes.TrimRight(buffer.Bytes(), "\n")))
	})
}

func (s *logScope) Flush() error {
	s.notifyFlushListeners()
	return nil
}
