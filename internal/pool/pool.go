// Package pool implements a connection pool with idle and lifetime
// eviction, bounded pending-acquire waits, and stale-connection
// detection. The idle set is the only shared mutable state and every
// mutation happens under a single mutex, so a connection can never be
// handed to two callers at once.
package pool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/miller79/pooledhttp/internal/config"
	"github.com/miller79/pooledhttp/internal/observability"
)

// Options configures a Pool.
type Options struct {
	// Name labels the pool in logs and metrics.
	Name string

	// MaxConnections bounds concurrently open connections across all
	// destinations.
	MaxConnections int

	// MaxIdleTime is the idle eviction threshold.
	MaxIdleTime time.Duration

	// MaxLifeTime is the hard connection age ceiling.
	MaxLifeTime time.Duration

	// PendingAcquireTimeout bounds the wait for a free slot when the
	// pool is saturated.
	PendingAcquireTimeout time.Duration

	// SweepInterval is the background eviction period. Zero disables the
	// sweeper (expiry is still enforced at acquire and release time).
	SweepInterval time.Duration

	// Dial opens new connections.
	Dial DialFunc

	// Logger receives pool lifecycle events.
	Logger observability.Logger
}

// OptionsFromPolicy derives pool options from a resolved policy.
func OptionsFromPolicy(policy config.Policy) Options {
	return Options{
		Name:                  "default",
		MaxConnections:        policy.MaxConnections,
		MaxIdleTime:           policy.MaxIdleTime,
		MaxLifeTime:           policy.MaxLifeTime,
		PendingAcquireTimeout: policy.PendingAcquireTimeout,
		SweepInterval:         policy.SweepInterval(),
		Dial:                  NewDialFunc(policy, nil),
	}
}

// Pool is a bounded connection pool keyed by destination.
type Pool struct {
	opts   Options
	logger observability.Logger

	// slots holds one token per open connection.
	slots chan struct{}

	gen atomic.Uint64

	mu     sync.Mutex
	idle   map[string][]*Conn
	closed bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

// New creates a pool and starts its background eviction sweep.
func New(opts Options) (*Pool, error) {
	if opts.MaxConnections <= 0 {
		return nil, fmt.Errorf("%w: max connections must be positive", config.ErrConfigInvalid)
	}
	if opts.Dial == nil {
		return nil, fmt.Errorf("%w: dial function is required", config.ErrConfigInvalid)
	}
	if opts.Name == "" {
		opts.Name = "default"
	}
	logger := opts.Logger
	if logger == nil {
		logger = observability.NopLogger()
	}

	p := &Pool{
		opts:      opts,
		logger:    logger.With(observability.String("pool", opts.Name)),
		slots:     make(chan struct{}, opts.MaxConnections),
		idle:      make(map[string][]*Conn),
		sweepStop: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}

	if opts.SweepInterval > 0 {
		go p.sweepLoop()
	} else {
		close(p.sweepDone)
	}

	p.logger.Info("connection pool created",
		observability.Int("max_connections", opts.MaxConnections),
		observability.Duration("max_idle_time", opts.MaxIdleTime),
		observability.Duration("max_life_time", opts.MaxLifeTime),
		observability.Duration("sweep_interval", opts.SweepInterval),
	)

	return p, nil
}

// Acquire returns a connection to the destination: an idle one that is
// neither idle-expired, life-expired, nor stale, or a freshly dialed
// one. When the pool is saturated it waits at most the pending-acquire
// timeout for a slot, then fails with ErrPoolExhausted.
func (p *Pool) Acquire(ctx context.Context, dest Destination) (*Conn, error) {
	start := time.Now()

	for {
		c, err := p.popIdle(dest.Key())
		if err != nil {
			return nil, err
		}
		if c == nil {
			break
		}

		now := time.Now()
		switch {
		case c.lifeExpired(now, p.opts.MaxLifeTime):
			p.destroy(c, evictReasonLifetime)
		case c.idleExpired(now, p.opts.MaxIdleTime):
			p.destroy(c, evictReasonIdle)
		case c.stale():
			p.destroy(c, evictReasonKeepAliveFailed)
		default:
			c.setState(StateActive)
			p.recordAcquire(acquireResultReuse, start)
			return c, nil
		}
	}

	if err := p.reserveSlot(ctx); err != nil {
		switch err {
		case ErrPoolExhausted:
			p.recordAcquire(acquireResultExhausted, start)
		default:
			p.recordAcquire(acquireResultCanceled, start)
		}
		return nil, err
	}

	nc, err := p.opts.Dial(ctx, dest)
	if err != nil {
		p.freeSlot()
		p.recordAcquire(acquireResultDialError, start)
		return nil, fmt.Errorf("dial %s: %w", dest.Addr(), err)
	}

	c := newConn(nc, dest, p.gen.Add(1))
	c.setState(StateActive)
	poolConnectionsOpen.WithLabelValues(p.opts.Name).Inc()
	p.recordAcquire(acquireResultNew, start)

	p.logger.Debug("connection opened",
		observability.String("conn_id", c.ID()),
		observability.Int64("generation", int64(c.Generation())),
		observability.String("destination", dest.Key()),
	)

	return c, nil
}

// Release returns a connection to the pool. Connections whose protocol
// state is not known-clean are closed, never reused. Clean connections
// past their lifetime ceiling are closed as well.
func (p *Pool) Release(c *Conn, clean bool) {
	if c == nil {
		return
	}
	if !clean {
		p.destroy(c, evictReasonDirty)
		return
	}

	now := time.Now()
	if c.lifeExpired(now, p.opts.MaxLifeTime) {
		p.destroy(c, evictReasonLifetime)
		return
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.destroy(c, evictReasonShutdown)
		return
	}
	c.touch(now)
	c.setState(StateIdle)
	key := c.Destination().Key()
	p.idle[key] = append(p.idle[key], c)
	p.mu.Unlock()

	poolConnectionsIdle.WithLabelValues(p.opts.Name).Inc()
}

// Close shuts the pool down and closes all idle connections. Active
// connections are closed as they are released.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var conns []*Conn
	for key, list := range p.idle {
		conns = append(conns, list...)
		delete(p.idle, key)
	}
	p.mu.Unlock()

	if p.opts.SweepInterval > 0 {
		close(p.sweepStop)
		<-p.sweepDone
	}

	for _, c := range conns {
		poolConnectionsIdle.WithLabelValues(p.opts.Name).Dec()
		p.destroy(c, evictReasonShutdown)
	}

	p.logger.Info("connection pool closed")
}

// Stats reports current pool occupancy.
type Stats struct {
	Name           string `json:"name"`
	Open           int    `json:"open"`
	Idle           int    `json:"idle"`
	MaxConnections int    `json:"max_connections"`
}

// Stats returns a snapshot of pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	idle := 0
	for _, list := range p.idle {
		idle += len(list)
	}
	p.mu.Unlock()

	return Stats{
		Name:           p.opts.Name,
		Open:           len(p.slots),
		Idle:           idle,
		MaxConnections: p.opts.MaxConnections,
	}
}

// popIdle removes the most recently used idle connection for the key.
func (p *Pool) popIdle(key string) (*Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}
	list := p.idle[key]
	if len(list) == 0 {
		return nil, nil
	}
	c := list[len(list)-1]
	p.idle[key] = list[:len(list)-1]
	poolConnectionsIdle.WithLabelValues(p.opts.Name).Dec()
	return c, nil
}

// reserveSlot claims capacity for a new connection. When saturated it
// first tries to free the least recently used idle connection of any
// destination, then waits up to the pending-acquire timeout.
func (p *Pool) reserveSlot(ctx context.Context) error {
	select {
	case p.slots <- struct{}{}:
		return nil
	default:
	}

	if c := p.stealIdle(); c != nil {
		p.destroy(c, evictReasonCapacity)
	}

	timeout := p.opts.PendingAcquireTimeout
	if timeout <= 0 {
		timeout = config.DefaultPendingAcquireTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return ErrPoolExhausted
	case <-ctx.Done():
		return ctx.Err()
	}
}

// stealIdle removes the least recently used idle connection across all
// destinations, or nil if every connection is active.
func (p *Pool) stealIdle() *Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	var oldestKey string
	var oldestIdx int
	var oldest *Conn
	for key, list := range p.idle {
		for i, c := range list {
			if oldest == nil || c.LastUsed().Before(oldest.LastUsed()) {
				oldest, oldestKey, oldestIdx = c, key, i
			}
		}
	}
	if oldest == nil {
		return nil
	}
	list := p.idle[oldestKey]
	p.idle[oldestKey] = append(list[:oldestIdx], list[oldestIdx+1:]...)
	poolConnectionsIdle.WithLabelValues(p.opts.Name).Dec()
	return oldest
}

func (p *Pool) freeSlot() {
	select {
	case <-p.slots:
	default:
	}
}

// destroy closes a connection, frees its slot, and records the
// eviction. Keep-alive failures get their own terminal state; every
// other reason is a plain eviction.
func (p *Pool) destroy(c *Conn, reason string) {
	if reason == evictReasonKeepAliveFailed {
		c.setState(StateKeepAliveFailed)
	} else {
		c.setState(StateEvicted)
	}
	c.close()
	p.freeSlot()
	poolConnectionsOpen.WithLabelValues(p.opts.Name).Dec()
	poolEvictionsTotal.WithLabelValues(p.opts.Name, reason).Inc()

	p.logger.Debug("connection closed",
		observability.String("conn_id", c.ID()),
		observability.String("reason", reason),
	)
}

// sweepLoop periodically evicts expired idle connections.
func (p *Pool) sweepLoop() {
	defer close(p.sweepDone)

	ticker := time.NewTicker(p.opts.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.sweepStop:
			return
		case <-ticker.C:
			p.sweep(time.Now())
		}
	}
}

// sweep removes idle connections that exceeded the idle threshold or
// lifetime ceiling.
func (p *Pool) sweep(now time.Time) {
	type victim struct {
		conn   *Conn
		reason string
	}
	var victims []victim

	p.mu.Lock()
	for key, list := range p.idle {
		kept := list[:0]
		for _, c := range list {
			switch {
			case c.lifeExpired(now, p.opts.MaxLifeTime):
				victims = append(victims, victim{c, evictReasonLifetime})
			case c.idleExpired(now, p.opts.MaxIdleTime):
				victims = append(victims, victim{c, evictReasonIdle})
			default:
				kept = append(kept, c)
			}
		}
		if len(kept) == 0 {
			delete(p.idle, key)
		} else {
			p.idle[key] = kept
		}
	}
	p.mu.Unlock()

	for _, v := range victims {
		poolConnectionsIdle.WithLabelValues(p.opts.Name).Dec()
		p.destroy(v.conn, v.reason)
	}

	if len(victims) > 0 {
		p.logger.Debug("eviction sweep completed",
			observability.Int("evicted", len(victims)),
		)
	}
}

func (p *Pool) recordAcquire(result string, start time.Time) {
	poolAcquireTotal.WithLabelValues(p.opts.Name, result).Inc()
	poolAcquireWaitSeconds.WithLabelValues(p.opts.Name).Observe(time.Since(start).Seconds())
}
