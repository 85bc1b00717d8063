package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/miller79/pooledhttp/internal/config"
)

// testServer accepts connections and keeps them open until closed.
type testServer struct {
	listener net.Listener
	mu       sync.Mutex
	conns    []net.Conn
	done     chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	s := &testServer{listener: listener, done: make(chan struct{})}
	go s.acceptLoop()
	t.Cleanup(s.Close)
	return s
}

func (s *testServer) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, conn)
		s.mu.Unlock()
	}
}

func (s *testServer) dest() Destination {
	addr := s.listener.Addr().(*net.TCPAddr)
	return Destination{Host: "127.0.0.1", Port: addr.Port}
}

// CloseAccepted closes every server-side connection, simulating a peer
// that went away while the client side sat idle.
func (s *testServer) CloseAccepted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.conns {
		_ = c.Close()
	}
	s.conns = nil
}

func (s *testServer) Close() {
	select {
	case <-s.done:
		return
	default:
		close(s.done)
	}
	_ = s.listener.Close()
	s.CloseAccepted()
}

func tcpDial(ctx context.Context, dest Destination) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, "tcp", dest.Addr())
}

func newTestPool(t *testing.T, opts Options) *Pool {
	t.Helper()

	if opts.Name == "" {
		opts.Name = t.Name()
	}
	if opts.MaxConnections == 0 {
		opts.MaxConnections = 4
	}
	if opts.Dial == nil {
		opts.Dial = tcpDial
	}

	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	_, err := New(Options{MaxConnections: 0, Dial: tcpDial})
	assert.ErrorIs(t, err, config.ErrConfigInvalid)

	_, err = New(Options{MaxConnections: 1})
	assert.ErrorIs(t, err, config.ErrConfigInvalid)
}

func TestOptionsFromPolicy(t *testing.T) {
	t.Parallel()

	policy := config.DefaultPolicy()
	opts := OptionsFromPolicy(policy)

	assert.Equal(t, policy.MaxConnections, opts.MaxConnections)
	assert.Equal(t, policy.MaxIdleTime, opts.MaxIdleTime)
	assert.Equal(t, policy.MaxLifeTime, opts.MaxLifeTime)
	assert.Equal(t, policy.PendingAcquireTimeout, opts.PendingAcquireTimeout)
	assert.Equal(t, policy.SweepInterval(), opts.SweepInterval)
	assert.NotNil(t, opts.Dial)
}

func TestPool_AcquireReleaseReuse(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	p := newTestPool(t, Options{})

	c1, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	assert.Equal(t, StateActive, c1.State())

	p.Release(c1, true)
	assert.Equal(t, StateIdle, c1.State())

	c2, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)

	assert.Equal(t, c1.ID(), c2.ID())
	assert.Equal(t, c1.Generation(), c2.Generation())

	p.Release(c2, true)
}

func TestPool_MaxConnectionsBoundUnderLoad(t *testing.T) {
	t.Parallel()

	const maxConns = 4

	server := newTestServer(t)
	p := newTestPool(t, Options{
		MaxConnections:        maxConns,
		PendingAcquireTimeout: 2 * time.Second,
	})

	var inFlight atomic.Int64
	var peak atomic.Int64
	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			c, err := p.Acquire(context.Background(), server.dest())
			if err != nil {
				return
			}
			n := inFlight.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			inFlight.Add(-1)
			p.Release(c, true)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(maxConns))
	assert.LessOrEqual(t, p.Stats().Open, maxConns)
}

func TestPool_ExhaustedAfterBoundedWait(t *testing.T) {
	t.Parallel()

	const wait = 100 * time.Millisecond

	server := newTestServer(t)
	p := newTestPool(t, Options{
		MaxConnections:        2,
		PendingAcquireTimeout: wait,
	})

	c1, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)

	start := time.Now()
	_, err = p.Acquire(context.Background(), server.dest())
	elapsed := time.Since(start)

	assert.ErrorIs(t, err, ErrPoolExhausted)
	assert.GreaterOrEqual(t, elapsed, wait)
	assert.Less(t, elapsed, 10*wait)

	p.Release(c1, true)
	p.Release(c2, true)
}

func TestPool_IdleExpiredNeverHandedOut(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	p := newTestPool(t, Options{MaxIdleTime: 30 * time.Millisecond})

	c1, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	gen1 := c1.Generation()
	p.Release(c1, true)

	time.Sleep(80 * time.Millisecond)

	c2, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	defer p.Release(c2, true)

	assert.NotEqual(t, gen1, c2.Generation())
	assert.Equal(t, StateEvicted, c1.State())
}

func TestPool_SweepRemovesExpiredIdle(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	p := newTestPool(t, Options{
		MaxIdleTime:   30 * time.Millisecond,
		SweepInterval: 10 * time.Millisecond,
	})

	c1, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	gen1 := c1.Generation()
	p.Release(c1, true)

	require.Eventually(t, func() bool {
		stats := p.Stats()
		return stats.Idle == 0 && stats.Open == 0
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, StateEvicted, c1.State())

	c2, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	defer p.Release(c2, true)

	assert.Greater(t, c2.Generation(), gen1)
}

func TestPool_LifetimeCeiling(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	p := newTestPool(t, Options{MaxLifeTime: 40 * time.Millisecond})

	c1, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	gen1 := c1.Generation()

	time.Sleep(60 * time.Millisecond)

	// A clean release past the lifetime ceiling closes the connection
	// instead of pooling it.
	p.Release(c1, true)
	assert.Equal(t, StateEvicted, c1.State())
	assert.Equal(t, 0, p.Stats().Idle)

	c2, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	defer p.Release(c2, true)

	assert.NotEqual(t, gen1, c2.Generation())
}

func TestPool_DirtyReleaseDiscards(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	p := newTestPool(t, Options{})

	c1, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)

	p.Release(c1, false)

	assert.Equal(t, StateEvicted, c1.State())
	stats := p.Stats()
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 0, stats.Open)
}

func TestPool_StaleConnectionNotReused(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	p := newTestPool(t, Options{})

	c1, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	gen1 := c1.Generation()
	p.Release(c1, true)

	// Peer goes away while the connection is idle.
	server.CloseAccepted()
	time.Sleep(20 * time.Millisecond)

	c2, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	defer p.Release(c2, true)

	assert.NotEqual(t, gen1, c2.Generation())
	assert.Equal(t, StateKeepAliveFailed, c1.State())
}

func TestPool_CapacityFreesIdleOfOtherDestination(t *testing.T) {
	t.Parallel()

	serverA := newTestServer(t)
	serverB := newTestServer(t)
	p := newTestPool(t, Options{
		MaxConnections:        1,
		PendingAcquireTimeout: 500 * time.Millisecond,
	})

	c1, err := p.Acquire(context.Background(), serverA.dest())
	require.NoError(t, err)
	p.Release(c1, true)

	// The single slot is held by an idle connection to A; acquiring B
	// frees it rather than failing.
	c2, err := p.Acquire(context.Background(), serverB.dest())
	require.NoError(t, err)
	defer p.Release(c2, true)

	assert.Equal(t, serverB.dest().Key(), c2.Destination().Key())
	assert.Equal(t, StateEvicted, c1.State())
}

func TestPool_AcquireContextCanceled(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	p := newTestPool(t, Options{
		MaxConnections:        1,
		PendingAcquireTimeout: 5 * time.Second,
	})

	c1, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	defer p.Release(c1, true)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = p.Acquire(ctx, server.dest())
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_DialError(t *testing.T) {
	t.Parallel()

	p := newTestPool(t, Options{
		Dial: func(ctx context.Context, dest Destination) (net.Conn, error) {
			return nil, errors.New("connection refused")
		},
	})

	_, err := p.Acquire(context.Background(), Destination{Host: "127.0.0.1", Port: 1})
	require.Error(t, err)

	// The reserved slot is freed on dial failure.
	assert.Equal(t, 0, p.Stats().Open)
}

func TestPool_CloseEvictsIdleAndRejectsAcquire(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	p := newTestPool(t, Options{SweepInterval: 10 * time.Millisecond})

	c1, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	p.Release(c1, true)

	p.Close()

	assert.Equal(t, StateEvicted, c1.State())

	_, err = p.Acquire(context.Background(), server.dest())
	assert.ErrorIs(t, err, ErrPoolClosed)

	// Close is idempotent.
	p.Close()
}

func TestPool_ReleaseAfterClose(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	p := newTestPool(t, Options{})

	c1, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)

	p.Close()
	p.Release(c1, true)

	assert.Equal(t, StateEvicted, c1.State())
	assert.Equal(t, 0, p.Stats().Idle)
}

func TestPool_Stats(t *testing.T) {
	t.Parallel()

	server := newTestServer(t)
	p := newTestPool(t, Options{MaxConnections: 8})

	c1, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)
	c2, err := p.Acquire(context.Background(), server.dest())
	require.NoError(t, err)

	stats := p.Stats()
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, 0, stats.Idle)
	assert.Equal(t, 8, stats.MaxConnections)

	p.Release(c1, true)
	p.Release(c2, true)

	stats = p.Stats()
	assert.Equal(t, 2, stats.Open)
	assert.Equal(t, 2, stats.Idle)
}
