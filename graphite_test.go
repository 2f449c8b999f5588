package dipstick

import (
	"bufio"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// graphiteListener binds a local TCP socket and collects received lines.
func graphiteListener(t *testing.T) (string, chan string) {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = listener.Close() })

	lines := make(chan string, 16)
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				close(lines)
				return
			}
			go func(conn net.Conn) {
				scanner := bufio.NewScanner(conn)
				for scanner.Scan() {
					lines <- scanner.Text()
				}
			}(conn)
		}
	}()
	return listener.Addr().String(), lines
}

func receiveLine(t *testing.T, lines chan string) string {
	t.Helper()
	select {
	case line := <-lines:
		return line
	case <-time.After(5 * time.Second):
		t.Fatalf("no line received")
		return ""
	}
}

func TestGraphiteLineFormat(t *testing.T) {
	address, lines := graphiteListener(t)
	graphite, err := GraphiteSendTo(address)
	require.NoError(t, err)
	scope := graphite.Named("myapp").NewScope()

	before := time.Now().Unix()
	NewCounter(asInput(scope), "requests").Count(12)
	after := time.Now().Unix()

	fields := strings.Fields(receiveLine(t, lines))
	require.Len(t, fields, 3)
	require.Equal(t, "myapp.requests", fields[0])
	require.Equal(t, "12", fields[1])
	stamp, err := strconv.ParseInt(fields[2], 10, 64)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stamp, before)
	require.LessOrEqual(t, stamp, after)
}

func TestGraphiteTimerEmitsMilliseconds(t *testing.T) {
	address, lines := graphiteListener(t)
	graphite, err := GraphiteSendTo(address)
	require.NoError(t, err)
	scope := graphite.NewScope()

	NewTimer(asInput(scope), "latency").IntervalUs(2_000)
	fields := strings.Fields(receiveLine(t, lines))
	require.Equal(t, "latency", fields[0])
	require.Equal(t, "2", fields[1])
}

func TestGraphiteBufferedFlush(t *testing.T) {
	address, lines := graphiteListener(t)
	graphite, err := GraphiteSendTo(address)
	require.NoError(t, err)
	scope := graphite.Buffered(Buffering{Mode: Unlimited}).NewScope()

	counter := NewCounter(asInput(scope), "batched")
	counter.Count(1)
	counter.Count(2)
	select {
	case line := <-lines:
		t.Fatalf("buffered scope sent before flush: %q", line)
	case <-time.After(100 * time.Millisecond):
	}

	require.NoError(t, scope.Flush())
	require.True(t, strings.HasPrefix(receiveLine(t, lines), "batched 1 "))
	require.True(t, strings.HasPrefix(receiveLine(t, lines), "batched 2 "))
}

func TestGraphiteRespectsSampling(t *testing.T) {
	address, lines := graphiteListener(t)
	graphite, err := GraphiteSendTo(address)
	require.NoError(t, err)
	scope := graphite.Sampled(SamplingRandom(0.0)).NewScope()

	counter := NewCounter(asInput(scope), "silent")
	for i := 0; i < 1000; i++ {
		counter.Count(1)
	}
	select {
	case line := <-lines:
		t.Fatalf("unexpected line at sampling rate 0.0: %q", line)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestGraphiteRetryBackoffWindow(t *testing.T) {
	// reserve a port, then close it so connections are refused
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	address := listener.Addr().String()
	require.NoError(t, listener.Close())

	socket, err := newRetrySocket(address)
	require.NoError(t, err)

	// the constructor's early attempt already failed and opened the window;
	// writes inside the window fail fast without a connection attempt
	err = socket.WriteAll([]byte("nope\n"))
	require.True(t, errors.Is(err, errNotConnected), "unexpected error inside backoff window: %v", err)

	// after the window, the next write attempts to reconnect again
	time.Sleep(60 * time.Millisecond)
	err = socket.WriteAll([]byte("nope\n"))
	require.Error(t, err)
	require.False(t, errors.Is(err, errNotConnected), "expected a real dial error, got %v", err)
}

// asInput treats a single-threaded scope as an input scope for the typed
// constructors; single-goroutine tests need no locking adapter.
func asInput(scope OutputScope) InputScope {
	return scope
}
