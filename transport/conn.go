// Package transport provides the raw connection primitives the pool is built
// on: dialing (plain TCP or TLS), read-notification modes, ownership hand-off,
// and asynchronous transport events.
//
// The key abstraction is the read mode. While a connection sits idle in the
// pool, nobody is performing request I/O on it, but the pool still needs to
// learn about three things: the peer closing the connection, a transport
// error, and bytes arriving when none are expected (a broken idle connection).
// ReadActiveOnce parks a watcher goroutine on a 1-byte read to detect exactly
// those:
//
//	idle conn ── watcher blocked on Read ──┬─ n > 0  → UnexpectedData
//	                                       ├─ EOF    → Closed
//	                                       └─ error  → Error
//
// Before a connection is handed to a caller the pool switches it to
// ReadDisabled, which stops the watcher and guarantees the caller is the only
// reader from that point on.
package transport

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

// ReadMode controls who is allowed to read from a connection.
type ReadMode int

const (
	// ReadDisabled: no watcher; the owner performs all I/O.
	ReadDisabled ReadMode = iota
	// ReadActiveOnce: a watcher goroutine blocks on a single read and turns
	// the result into one Event. Used for idle pooled connections.
	ReadActiveOnce
)

// EventKind classifies asynchronous transport notifications.
type EventKind int

const (
	EventClosed         EventKind = iota // peer closed the connection
	EventError                           // read failed with a non-EOF error
	EventUnexpectedData                  // bytes arrived while the conn was idle
)

func (k EventKind) String() string {
	switch k {
	case EventClosed:
		return "closed"
	case EventError:
		return "error"
	case EventUnexpectedData:
		return "unexpected_data"
	}
	return "unknown"
}

// Event is an asynchronous notification about a connection the pool still
// owns in ReadActiveOnce mode.
type Event struct {
	Conn *Conn
	Kind EventKind
	Err  error // set for EventError
}

// EventSink receives transport events. The pool installs one per connection
// when it first registers the connection.
type EventSink func(Event)

var connID atomic.Uint64

// Conn is an opaque handle to one underlying network connection. All state
// transitions (read mode, ownership, close) go through the Transport that
// created it; callers only use ID, NetConn and the net.Addr accessors.
type Conn struct {
	id     uint64
	nc     net.Conn
	secure bool

	mu        sync.Mutex
	closed    bool
	epoch     uint64        // bumped on every read-mode change; stale watcher wakeups check it
	watchDone chan struct{} // non-nil while a watcher goroutine is parked
	sink      EventSink
}

// NewConn wraps an established network connection in a pool handle.
func NewConn(nc net.Conn, secure bool) *Conn {
	return &Conn{
		id:     connID.Add(1),
		nc:     nc,
		secure: secure,
	}
}

// ID returns the handle's process-unique identifier.
func (c *Conn) ID() uint64 { return c.id }

// Secure reports whether the connection is TLS-wrapped.
func (c *Conn) Secure() bool { return c.secure }

// NetConn exposes the underlying connection for request I/O. Only the current
// owner may use it, and only while the read mode is ReadDisabled.
func (c *Conn) NetConn() net.Conn { return c.nc }

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// SetEventSink installs the receiver for asynchronous events. It must be set
// before the first switch to ReadActiveOnce.
func (c *Conn) SetEventSink(sink EventSink) {
	c.mu.Lock()
	c.sink = sink
	c.mu.Unlock()
}

// Notify delivers an asynchronous transport notification to the current event
// sink. Transport implementations call it from their watcher goroutines;
// tests use it to simulate transport signals.
func (c *Conn) Notify(kind EventKind, err error) {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink(Event{Conn: c, Kind: kind, Err: err})
	}
}

// setReadMode switches the watcher on or off.
//
// Disabling must be synchronous: when it returns, the watcher goroutine has
// exited and will not emit a stale event, and the read deadline has been
// cleared so the new owner can do request I/O. The epoch counter resolves the
// race where the watcher's read completes concurrently with the disable — the
// watcher re-checks the epoch under the lock before emitting anything.
func (c *Conn) setReadMode(mode ReadMode) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return net.ErrClosed
	}
	c.epoch++

	switch mode {
	case ReadDisabled:
		done := c.watchDone
		c.watchDone = nil
		c.mu.Unlock()
		if done != nil {
			// Wake the parked read, then wait for the watcher to exit.
			c.nc.SetReadDeadline(time.Now())
			<-done
			c.nc.SetReadDeadline(time.Time{})
		}
		return nil

	case ReadActiveOnce:
		if c.watchDone != nil {
			// Already armed; keep the existing watcher.
			c.epoch--
			c.mu.Unlock()
			return nil
		}
		done := make(chan struct{})
		c.watchDone = done
		epoch := c.epoch
		c.mu.Unlock()
		go c.watch(epoch, done)
		return nil
	}
	c.mu.Unlock()
	return errors.New("transport: unknown read mode")
}

// watch is the single-shot idle watcher. It blocks on a 1-byte read and maps
// the outcome to an Event, unless the read mode changed while it was blocked.
func (c *Conn) watch(epoch uint64, done chan struct{}) {
	defer close(done)

	buf := make([]byte, 1)
	n, err := c.nc.Read(buf)

	c.mu.Lock()
	if c.epoch != epoch || c.closed {
		// Read mode changed (or conn closed) while we were parked — whatever
		// we read belongs to the new regime, not to us.
		c.mu.Unlock()
		return
	}
	c.watchDone = nil
	sink := c.sink
	c.mu.Unlock()

	if sink == nil {
		return
	}
	switch {
	case n > 0:
		sink(Event{Conn: c, Kind: EventUnexpectedData})
	case errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed):
		sink(Event{Conn: c, Kind: EventClosed})
	case err != nil:
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			// Deadline wakeup from a concurrent disable; the epoch check
			// above normally catches this, this is the fallback.
			return
		}
		sink(Event{Conn: c, Kind: EventError, Err: err})
	}
}

// close tears the connection down. Idempotent.
func (c *Conn) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.epoch++ // invalidate any parked watcher
	c.mu.Unlock()
	return c.nc.Close()
}
