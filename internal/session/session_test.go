package session

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quote_stream/internal/bus"
	"quote_stream/internal/domain"
	"quote_stream/internal/infra"
	"quote_stream/internal/wire"
)

func fastConfig() Config {
	return Config{
		PollInterval:    10 * time.Millisecond,
		MonitorInterval: 20 * time.Millisecond,
		Timeout:         150 * time.Millisecond,
	}
}

// udpPair returns the subscriber socket and a session socket connected to it.
func udpPair(t *testing.T) (peer, conn *net.UDPConn) {
	t.Helper()
	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })

	conn, err = net.DialUDP("udp", nil, peer.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)
	return peer, conn
}

func waitDone(t *testing.T, s *Session, within time.Duration) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(within):
		t.Fatalf("session did not stop within %v", within)
	}
}

func readQuote(t *testing.T, peer *net.UDPConn) domain.Quote {
	t.Helper()
	buf := make([]byte, wire.MaxDatagramSize)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	for {
		n, _, err := peer.ReadFromUDP(buf)
		require.NoError(t, err)
		if wire.IsPong(buf[:n]) {
			continue
		}
		q, err := wire.DecodeQuote(buf[:n])
		require.NoError(t, err)
		return q
	}
}

func TestSession_ForwardsOnlySubscribedTickers(t *testing.T) {
	m := infra.NewMetrics()
	b := bus.New(10)
	peer, conn := udpPair(t)

	s := New(conn, b.Subscribe(), []string{"aapl"}, fastConfig(), infra.NopLogger(), m)
	s.Start()
	defer func() {
		s.Stop()
		waitDone(t, s, time.Second)
	}()

	b.Publish(domain.NewQuote("TSLA", 200, 10, 1))
	b.Publish(domain.NewQuote("AAPL", 150.25, 1000, 2))

	q := readQuote(t, peer)
	assert.Equal(t, "AAPL", q.Ticker)
	assert.Equal(t, 150.25, q.Price)
	assert.Equal(t, uint64(2), q.Timestamp)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.QuotesForwarded))
}

func TestSession_AnswersPing(t *testing.T) {
	m := infra.NewMetrics()
	b := bus.New(10)
	peer, conn := udpPair(t)

	s := New(conn, b.Subscribe(), []string{"AAPL"}, fastConfig(), infra.NopLogger(), m)
	s.Start()
	defer func() {
		s.Stop()
		waitDone(t, s, time.Second)
	}()

	before := s.LastContact()
	time.Sleep(5 * time.Millisecond)

	_, err := peer.WriteToUDP([]byte("ping\n"), s.LocalAddr().(*net.UDPAddr))
	require.NoError(t, err)

	buf := make([]byte, 16)
	require.NoError(t, peer.SetReadDeadline(time.Now().Add(time.Second)))
	n, _, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
	assert.True(t, s.LastContact().After(before))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HeartbeatsReceived))
}

func TestSession_HeartbeatTimeout(t *testing.T) {
	m := infra.NewMetrics()
	b := bus.New(10)
	_, conn := udpPair(t)

	cfg := fastConfig()
	var closed atomic.Bool
	start := time.Now()
	s := New(conn, b.Subscribe("AAPL"), []string{"AAPL"}, cfg, infra.NopLogger(), m,
		WithOnClose(func(*Session) { closed.Store(true) }))

	assert.Equal(t, 1, b.Len())
	s.Start()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveSessions))

	// The stop flag is raised within a monitor interval of the threshold and
	// every duty has exited within a further poll interval.
	const slack = 100 * time.Millisecond
	var stoppedAt time.Time
	select {
	case <-s.sig.SoftStopChan():
		stoppedAt = time.Now()
	case <-time.After(time.Second):
		t.Fatal("stop flag not raised within 1s")
	}
	assert.True(t, s.Stopped())
	waitDone(t, s, cfg.PollInterval+slack)
	doneAt := time.Now()

	assert.GreaterOrEqual(t, stoppedAt.Sub(start), cfg.Timeout)
	assert.LessOrEqual(t, stoppedAt.Sub(start), cfg.Timeout+cfg.MonitorInterval+slack)
	assert.LessOrEqual(t, doneAt.Sub(start), cfg.Timeout+cfg.MonitorInterval+cfg.PollInterval+slack)

	assert.True(t, s.Stopped())
	assert.Equal(t, StopTimeout, s.Reason())
	assert.True(t, closed.Load())
	assert.Equal(t, 0, b.Len(), "subscription released")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SessionTimeouts))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveSessions))

	// Publishing after teardown reaches nobody.
	b.Publish(domain.NewQuote("AAPL", 1, 1, 1))
}

func TestSession_HeartbeatKeepsAlive(t *testing.T) {
	b := bus.New(10)
	peer, conn := udpPair(t)

	s := New(conn, b.Subscribe(), []string{"AAPL"}, fastConfig(), infra.NopLogger(), infra.NewMetrics())
	s.Start()

	target := s.LocalAddr().(*net.UDPAddr)
	for range 15 {
		_, err := peer.WriteToUDP(wire.Ping, target)
		require.NoError(t, err)
		time.Sleep(30 * time.Millisecond)
	}
	assert.False(t, s.Stopped(), "pinged session must stay alive past the timeout")
	assert.Equal(t, StopNone, s.Reason())

	// Silence ends it.
	waitDone(t, s, time.Second)
	assert.Equal(t, StopTimeout, s.Reason())
}

func TestSession_Stop(t *testing.T) {
	b := bus.New(10)
	_, conn := udpPair(t)

	cfg := fastConfig()
	cfg.Timeout = time.Hour
	s := New(conn, b.Subscribe(), []string{"AAPL"}, cfg, infra.NopLogger(), infra.NewMetrics())
	s.Start()
	s.Start()

	s.Stop()
	waitDone(t, s, time.Second)
	assert.Equal(t, StopShutdown, s.Reason())

	// First reason wins.
	s.halt(StopTimeout)
	assert.Equal(t, StopShutdown, s.Reason())
}

func TestSession_BusClosed(t *testing.T) {
	b := bus.New(10)
	_, conn := udpPair(t)

	cfg := fastConfig()
	cfg.Timeout = time.Hour
	s := New(conn, b.Subscribe(), []string{"AAPL"}, cfg, infra.NopLogger(), infra.NewMetrics())
	s.Start()

	b.Close()
	waitDone(t, s, time.Second)
	assert.Equal(t, StopShutdown, s.Reason())
}

func TestSession_SocketError(t *testing.T) {
	b := bus.New(10)
	_, conn := udpPair(t)

	cfg := fastConfig()
	cfg.Timeout = time.Hour
	s := New(conn, b.Subscribe(), []string{"AAPL"}, cfg, infra.NopLogger(), infra.NewMetrics())
	s.Start()

	require.NoError(t, conn.Close())
	waitDone(t, s, time.Second)
	assert.Equal(t, StopSocketError, s.Reason())
	assert.Equal(t, 0, b.Len())
}

func TestStopReason_String(t *testing.T) {
	assert.Equal(t, "running", StopNone.String())
	assert.Equal(t, "timeout", StopTimeout.String())
	assert.Equal(t, "socket_error", StopSocketError.String())
	assert.Equal(t, "shutdown", StopShutdown.String())
}
