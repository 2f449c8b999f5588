package dipstick

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/jpillora/backoff"
)

// Its hard to see how a single scope could get more metrics than this.
const graphiteFlushThreshold = 64 * 1024

// errNotConnected is returned while the retry socket sits out its
// reconnection backoff window; no system call is attempted.
var errNotConnected = errors.New("graphite: not connected")

// Graphite holds a reconnecting TCP socket to a graphite server.
// The socket is shared between scopes opened from the output.
type Graphite struct {
	attributes
	socket *retrySocket
}

// GraphiteSendTo makes a graphite output sending to the server at the address
// and port provided. The address must resolve; a first connection attempt is
// made at once, and a failed or lost connection is re-established on later
// writes with bounded exponential backoff.
func GraphiteSendTo(address string) (*Graphite, error) {
	socket, err := newRetrySocket(address)
	if err != nil {
		return nil, fmt.Errorf("cannot open graphite socket: %w", err)
	}
	return &Graphite{attributes: newAttributes(), socket: socket}, nil
}

// AddName appends a name to the output's namespace.
// Returns a clone of the output with the updated names.
func (g *Graphite) AddName(name string) *Graphite {
	cloned := *g
	cloned.naming = cloned.naming.WithPart(name)
	return &cloned
}

// Named replaces the output's namespace with a single name.
func (g *Graphite) Named(name string) *Graphite {
	cloned := *g
	cloned.naming = NameFrom(name)
	return &cloned
}

// Sampled returns a clone of the output recording values at the given rate.
func (g *Graphite) Sampled(sampling Sampling) *Graphite {
	cloned := *g
	cloned.sampling = sampling
	return &cloned
}

// Buffered returns a clone of the output using the given buffering strategy.
func (g *Graphite) Buffered(buffering Buffering) *Graphite {
	cloned := *g
	cloned.buffering = buffering
	return &cloned
}

// NewScope opens a new graphite scope.
func (g *Graphite) NewScope() OutputScope {
	return &GraphiteScope{
		attributes: g.attributes,
		output:     g,
	}
}

// GraphiteScope formats and sends metric values to a graphite server.
type GraphiteScope struct {
	attributes
	buffer bytes.Buffer
	output *Graphite
}

type graphiteMetric struct {
	prefix string
	scale  MetricValue
}

// NewMetric precomputes the metric's line prefix and returns the sending handle.
func (s *GraphiteScope) NewMetric(name MetricName, kind InputKind) *InputMetric {
	prefix := s.prefixPrepend(name).Join(".") + " "

	var scale MetricValue = 1
	if kind == KindTimer {
		// timers are in µs, but graphite is given milliseconds
		scale = 1000
	}

	metric := graphiteMetric{prefix: prefix, scale: scale}
	return sampleMetric(s.Sampling(), NewInputMetric(ForgeID("graphite", name), func(value MetricValue, _ Labels) {
		s.print(metric, value)
	}))
}

func (s *GraphiteScope) print(metric graphiteMetric, value MetricValue) {
	timestamp := clock().Now().Unix()
	s.buffer.WriteString(metric.prefix)
	s.buffer.WriteString(strconv.FormatInt(value/metric.scale, 10))
	s.buffer.WriteByte(' ')
	s.buffer.WriteString(strconv.FormatInt(timestamp, 10))
	s.buffer.WriteByte('\n')

	if s.buffer.Len() > graphiteFlushThreshold {
		graphiteOverflow.Mark()
		logger.Warn().Int("threshold", graphiteFlushThreshold).Msg("graphite buffer size exceeded")
		if err := s.flushInner(); err != nil {
			logger.Debug().Err(err).Msg("could not send to graphite")
		}
		return
	}

	if !s.isBuffered() {
		if err := s.flushInner(); err != nil {
			logger.Debug().Err(err).Msg("could not send to graphite")
		}
	}
}

// Flush sends any buffered lines over the socket.
func (s *GraphiteScope) Flush() error {
	s.notifyFlushListeners()
	return s.flushInner()
}

func (s *GraphiteScope) flushInner() error {
	if s.buffer.Len() == 0 {
		return nil
	}
	if err := s.output.socket.WriteAll(s.buffer.Bytes()); err != nil {
		graphiteSendErr.Mark()
		logger.Debug().Err(err).Msg("failed to send buffer to graphite")
		return err
	}
	graphiteSentBytes.Count(MetricValue(s.buffer.Len()))
	s.buffer.Reset()
	return nil
}

// Close flushes any remaining buffered lines.
func (s *GraphiteScope) Close() error {
	if err := s.Flush(); err != nil {
		logger.Warn().Err(err).Msg("could not flush graphite metrics on close")
		return err
	}
	return nil
}

// retrySocket is a TCP socket that reconnects automatically with bounded
// exponential backoff. While the backoff window is open, writes fail fast
// with errNotConnected instead of attempting the system call.
type retrySocket struct {
	mu      sync.Mutex
	address string
	conn    net.Conn
	nextTry time.Time
	backoff *backoff.Backoff
}

func newRetrySocket(address string) (*retrySocket, error) {
	if _, err := net.ResolveTCPAddr("tcp", address); err != nil {
		return nil, err
	}
	s := &retrySocket{
		address: address,
		backoff: &backoff.Backoff{
			Min:    50 * time.Millisecond,
			Max:    10 * time.Second,
			Factor: 2,
		},
	}
	// try early connect, failure only starts the backoff
	s.mu.Lock()
	if err := s.tryConnect(); err != nil {
		logger.Debug().Err(err).Str("address", address).Msg("graphite not connected yet")
	}
	s.mu.Unlock()
	return s, nil
}

// tryConnect dials unless already connected or inside the backoff window.
// Callers must hold the socket lock.
func (s *retrySocket) tryConnect() error {
	if s.conn != nil {
		return nil
	}
	if clockNow := time.Now(); clockNow.Before(s.nextTry) {
		return errNotConnected
	}
	conn, err := net.DialTimeout("tcp", s.address, 5*time.Second)
	if err != nil {
		s.setBackoff(err)
		return err
	}
	s.backoff.Reset()
	s.conn = conn
	logger.Debug().Str("address", s.address).Msg("connected to graphite")
	return nil
}

func (s *retrySocket) setBackoff(err error) {
	delay := s.backoff.Duration()
	s.nextTry = time.Now().Add(delay)
	logger.Debug().Err(err).Dur("retry_in", delay).Str("address", s.address).
		Msg("graphite connection failed, backing off")
}

// WriteAll writes the whole buffer or fails, scheduling a reconnection.
func (s *retrySocket) WriteAll(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.tryConnect(); err != nil {
		return err
	}
	if _, err := s.conn.Write(payload); err != nil {
		_ = s.conn.Close()
		s.conn = nil
		s.setBackoff(err)
		return err
	}
	return nil
}
