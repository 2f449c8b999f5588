package dipstick

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
)

// Use a safe maximum size for UDP to prevent fragmentation.
const maxUDPPayload = 576

// Statsd holds a datagram (UDP) socket to a statsd server.
// The socket is shared between scopes opened from the input.
type Statsd struct {
	attributes
	conn *net.UDPConn
}

// StatsdSendTo makes a statsd input sending to the server at the address and
// port provided. The socket is connected once; sends are best-effort and
// never block the recording path on transport failures.
func StatsdSendTo(address string) (*Statsd, error) {
	addr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return nil, fmt.Errorf("cannot resolve statsd address %q: %w", address, err)
	}
	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("cannot open statsd socket: %w", err)
	}
	return &Statsd{attributes: newAttributes(), conn: conn}, nil
}

// AddName appends a name to the input's namespace.
// Returns a clone of the input with the updated names.
func (s *Statsd) AddName(name string) *Statsd {
	cloned := *s
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// Named replaces the input's namespace with a single name.
func (s *Statsd) Named(name string) *Statsd {
	cloned := *s
	cloned.naming = NameFrom(name)
	return &cloned
}

// Sampled returns a clone of the input recording values at the given rate.
func (s *Statsd) Sampled(sampling Sampling) *Statsd {
	cloned := *s
	cloned.sampling = sampling
	return &cloned
}

// Buffered returns a clone of the input using the given buffering strategy.
// Buffered scopes pack multiple lines per datagram, up to the UDP payload limit.
func (s *Statsd) Buffered(buffering Buffering) *Statsd {
	cloned := *s
	cloned.buffering = buffering
	return &cloned
}

// Metrics opens a new statsd scope.
func (s *Statsd) Metrics() InputScope {
	return &StatsdScope{
		attributes: s.attributes,
		buffer:     &statsdBuffer{},
		conn:       s.conn,
	}
}

// StatsdScope formats and sends metric values to a statsd server.
type StatsdScope struct {
	attributes
	buffer *statsdBuffer
	conn   *net.UDPConn
}

type statsdBuffer struct {
	mu    sync.Mutex
	lines strings.Builder
}

type statsdMetric struct {
	prefix string
	suffix string
	scale  MetricValue
}

// NewMetric precomputes the metric's line fragments and sampling threshold
// and returns the sending handle.
func (s *StatsdScope) NewMetric(name MetricName, kind InputKind) *InputMetric {
	prefix := s.prefixPrepend(name).Join(".") + ":"

	var suffix strings.Builder
	suffix.WriteByte('|')
	switch kind {
	case KindMarker, KindCounter:
		suffix.WriteString("c")
	case KindTimer:
		suffix.WriteString("ms")
	default:
		suffix.WriteString("g")
	}

	var scale MetricValue = 1
	if kind == KindTimer {
		// timers are in µs, statsd wants ms
		scale = 1000
	}

	id := ForgeID("statsd", name)

	if rate, random := s.Sampling().Rate(); random {
		fmt.Fprintf(&suffix, "|@%g", rate)
		intRate := toIntRate(rate)
		metric := statsdMetric{prefix: prefix, suffix: suffix.String(), scale: scale}
		return NewInputMetric(id, func(value MetricValue, _ Labels) {
			if acceptSample(intRate) {
				s.print(metric, value)
			}
		})
	}

	metric := statsdMetric{prefix: prefix, suffix: suffix.String(), scale: scale}
	return NewInputMetric(id, func(value MetricValue, _ Labels) {
		s.print(metric, value)
	})
}

func (s *StatsdScope) print(metric statsdMetric, value MetricValue) {
	valueStr := strconv.FormatInt(value/metric.scale, 10)
	entryLen := len(metric.prefix) + len(valueStr) + len(metric.suffix) + 1
	if entryLen > maxUDPPayload {
		statsdOversize.Mark()
		logger.Debug().Str("metric", metric.prefix).Msg("statsd entry does not fit in a datagram")
		return
	}

	buffer := s.buffer
	buffer.mu.Lock()
	defer buffer.mu.Unlock()
	if buffer.lines.Len()+entryLen > maxUDPPayload {
		// datagram is nearly full, make room
		if err := s.flushLocked(); err != nil {
			logger.Debug().Err(err).Msg("could not send to statsd")
		}
	}
	buffer.lines.WriteString(metric.prefix)
	buffer.lines.WriteString(valueStr)
	buffer.lines.WriteString(metric.suffix)
	buffer.lines.WriteByte('\n')

	if !s.isBuffered() {
		if err := s.flushLocked(); err != nil {
			logger.Debug().Err(err).Msg("could not send to statsd")
		}
	}
}

// Flush sends any packed lines in their own datagram.
func (s *StatsdScope) Flush() error {
	s.notifyFlushListeners()
	s.buffer.mu.Lock()
	defer s.buffer.mu.Unlock()
	return s.flushLocked()
}

func (s *StatsdScope) flushLocked() error {
	if s.buffer.lines.Len() == 0 {
		return nil
	}
	payload := s.buffer.lines.String()
	s.buffer.lines.Reset()
	size, err := s.conn.Write([]byte(payload))
	if err != nil {
		statsdSendErr.Mark()
		return err
	}
	statsdSentBytes.Count(MetricValue(size))
	return nil
}

// Close flushes any remaining packed lines and cancels owned tasks.
func (s *StatsdScope) Close() error {
	if err := s.Flush(); err != nil {
		logger.Warn().Err(err).Msg("could not flush statsd metrics on close")
		return err
	}
	return s.attributes.Close()
}
