package pool

import (
	"bufio"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// State represents the lifecycle state of a pooled connection.
type State int32

const (
	// StateNew indicates the connection has been dialed but not yet used.
	StateNew State = iota

	// StateActive indicates the connection is checked out of the pool.
	StateActive

	// StateIdle indicates the connection is parked in the idle set.
	StateIdle

	// StateEvicted is terminal: the connection aged out or was discarded.
	StateEvicted

	// StateKeepAliveFailed is terminal: the peer stopped answering.
	StateKeepAliveFailed
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StateIdle:
		return "idle"
	case StateEvicted:
		return "evicted"
	case StateKeepAliveFailed:
		return "keepalive_failed"
	default:
		return "unknown"
	}
}

// Destination identifies a logical connection target.
type Destination struct {
	Host string
	Port int

	// TLS indicates the connection should be wrapped in TLS.
	TLS bool

	// ServerName overrides the TLS SNI name; defaults to Host.
	ServerName string
}

// Addr returns the dialable host:port address.
func (d Destination) Addr() string {
	return net.JoinHostPort(d.Host, fmt.Sprintf("%d", d.Port))
}

// Key returns the identity under which connections to this destination
// are pooled.
func (d Destination) Key() string {
	if d.TLS {
		return "tls://" + d.Addr()
	}
	return "tcp://" + d.Addr()
}

// TLSServerName returns the SNI name to present during the handshake.
func (d Destination) TLSServerName() string {
	if d.ServerName != "" {
		return d.ServerName
	}
	return d.Host
}

// Conn is a single pooled connection. It is handed to exactly one caller
// at a time; the pool's mutex guarantees an idle connection is never
// acquired twice.
type Conn struct {
	id         string
	generation uint64
	dest       Destination
	nc         net.Conn
	br         *bufio.Reader
	createdAt  time.Time
	lastUsed   atomic.Int64
	state      atomic.Int32
}

func newConn(nc net.Conn, dest Destination, generation uint64) *Conn {
	now := time.Now()
	c := &Conn{
		id:         uuid.NewString(),
		generation: generation,
		dest:       dest,
		nc:         nc,
		br:         bufio.NewReader(nc),
		createdAt:  now,
	}
	c.lastUsed.Store(now.UnixNano())
	c.state.Store(int32(StateNew))
	return c
}

// ID returns the unique connection identifier.
func (c *Conn) ID() string {
	return c.id
}

// Generation returns the pool-wide creation sequence number.
func (c *Conn) Generation() uint64 {
	return c.generation
}

// Destination returns the connection's target.
func (c *Conn) Destination() Destination {
	return c.dest
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// CreatedAt returns the dial time.
func (c *Conn) CreatedAt() time.Time {
	return c.createdAt
}

// LastUsed returns the last release time.
func (c *Conn) LastUsed() time.Time {
	return time.Unix(0, c.lastUsed.Load())
}

func (c *Conn) touch(now time.Time) {
	c.lastUsed.Store(now.UnixNano())
}

// Age returns how long the connection has existed.
func (c *Conn) Age(now time.Time) time.Duration {
	return now.Sub(c.createdAt)
}

// IdleFor returns how long the connection has been unused.
func (c *Conn) IdleFor(now time.Time) time.Duration {
	return now.Sub(c.LastUsed())
}

// idleExpired reports whether the connection exceeded the idle threshold.
func (c *Conn) idleExpired(now time.Time, maxIdle time.Duration) bool {
	return maxIdle > 0 && c.IdleFor(now) > maxIdle
}

// lifeExpired reports whether the connection exceeded its lifetime
// ceiling.
func (c *Conn) lifeExpired(now time.Time, maxLife time.Duration) bool {
	return maxLife > 0 && c.Age(now) > maxLife
}

// NetConn returns the underlying network connection. Reads must go
// through Reader so buffered bytes are not lost.
func (c *Conn) NetConn() net.Conn {
	return c.nc
}

// Reader returns the buffered reader over the connection.
func (c *Conn) Reader() *bufio.Reader {
	return c.br
}

// Write writes to the underlying connection.
func (c *Conn) Write(p []byte) (int, error) {
	return c.nc.Write(p)
}

// SetDeadline sets the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	return c.nc.SetDeadline(t)
}

// SetReadDeadline sets the read deadline.
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.nc.SetReadDeadline(t)
}

// stale reports whether an idle connection is no longer usable: the
// peer closed it, the kernel declared it dead after failed keep-alive
// probes, or it has unexpected readable data. An idle HTTP/1.1 peer
// must not send anything, so any readable byte marks the connection
// dirty.
func (c *Conn) stale() bool {
	if c.br.Buffered() > 0 {
		return true
	}
	return connCheck(c.nc) != nil
}

func (c *Conn) close() {
	_ = c.nc.Close()
}
