// Package pool implements the endpoint connection pool: one Pool owns every
// reusable transport connection to a single destination (host, port, secure)
// and serializes acquisition, release, expiry and teardown for many
// concurrent callers.
//
// All mutable state is owned by a single goroutine and reached only through
// one mailbox channel — no operation ever observes interleaved partial state:
//
//	Acquire ──┐
//	Release ──┤
//	Discard ──┼──→ mailbox ──→ run() goroutine ──→ live map + FIFO idle queue
//	events  ──┤                 (exclusive owner)
//	expiry  ──┘
//
// Capacity accounting deliberately includes checked-out connections: a
// connection handed to a caller keeps its entry in the live map (timer
// cancelled) until the caller releases or discards it. A caller that does
// neither leaks its slot permanently — the pool has no visibility into a
// checked-out connection, since it disables its own read notifications
// before the hand-off.
package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"endpool/transport"
)

// DefaultConnectTimeout is used when an Acquire passes no connect timeout.
const DefaultConnectTimeout = 15 * time.Second

const mailboxSize = 64

// Config fixes a pool's destination and limits at construction. It is never
// mutated afterwards.
type Config struct {
	Host   string
	Port   int
	Secure bool

	// MaxConns caps the total number of live connections, idle and
	// checked-out together. Must be positive.
	MaxConns int

	// IdleTimeout evicts connections that sit idle longer than this.
	// Zero disables idle expiry.
	IdleTimeout time.Duration

	// ConnectTimeout is the default dial timeout for Acquire calls that
	// pass none. Zero means DefaultConnectTimeout.
	ConnectTimeout time.Duration

	// Transport overrides the connection primitives. Nil means the
	// production TCP/TLS transport.
	Transport transport.Transport

	// Logger receives pool diagnostics. Nil means no logging.
	Logger *zap.Logger
}

// Stats is a consistent snapshot of the pool's bookkeeping.
type Stats struct {
	Live int // connections counted against capacity (idle + checked out)
	Idle int // connections currently available for reuse
}

// Pool is the per-destination connection pool. Create with New; a Pool is
// dead after Shutdown and cannot be restarted.
type Pool struct {
	cfg    Config
	tr     transport.Transport
	log    *zap.Logger
	reqs   chan any
	done   chan struct{}
	closed atomic.Bool
}

// Mailbox message types. Exactly one run() goroutine consumes these; every
// state mutation in this package happens while handling one of them.
type (
	acquireMsg struct {
		ctx     context.Context // doubles as the caller's identity for the hand-off
		opts    transport.DialOptions
		timeout time.Duration
		reply   chan acquireResult
	}
	acquireResult struct {
		conn *transport.Conn
		err  error
	}
	releaseMsg struct{ conn *transport.Conn }
	discardMsg struct{ conn *transport.Conn }
	expireMsg  struct {
		conn  *transport.Conn
		token uint64
	}
	eventMsg    struct{ ev transport.Event }
	statsMsg    struct{ reply chan Stats }
	shutdownMsg struct{}
)

// New validates cfg and starts the pool's owner goroutine.
func New(cfg Config) (*Pool, error) {
	if cfg.MaxConns <= 0 {
		return nil, errInvalidMaxConns
	}
	if cfg.Transport == nil {
		cfg.Transport = transport.NewTCP()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	p := &Pool{
		cfg:  cfg,
		tr:   cfg.Transport,
		log:  cfg.Logger.Named("pool").With(zap.String("host", cfg.Host), zap.Int("port", cfg.Port)),
		reqs: make(chan any, mailboxSize),
		done: make(chan struct{}),
	}
	go p.run()
	return p, nil
}

// Acquire obtains a connection, reusing the oldest idle one or opening a new
// one when capacity allows. ctx is the caller's identity: if it is cancelled
// when the hand-off is attempted, Acquire returns ErrNoDestination and the
// connection stays pooled. With capacity exhausted and nothing idle it
// returns ErrRetryLater immediately — the pool never waits for a slot.
// Dial failures are returned as *transport.ConnectError.
//
// On success the caller owns the connection exclusively and must end with
// exactly one Release or Discard.
func (p *Pool) Acquire(ctx context.Context, opts transport.DialOptions, connectTimeout time.Duration) (*transport.Conn, error) {
	if p.closed.Load() {
		return nil, ErrPoolClosed
	}
	if connectTimeout <= 0 {
		connectTimeout = p.cfg.ConnectTimeout
	}
	msg := acquireMsg{
		ctx:     ctx,
		opts:    opts,
		timeout: connectTimeout,
		reply:   make(chan acquireResult, 1),
	}
	select {
	case p.reqs <- msg:
	case <-p.done:
		return nil, ErrPoolClosed
	}
	select {
	case res := <-msg.reply:
		return res.conn, res.err
	case <-p.done:
		return nil, ErrPoolClosed
	}
}

// Release returns a checked-out connection for reuse. Fire-and-forget. Also
// accepts a handle the pool has never seen, which registers it (this is how
// freshly dialed connections enter the bookkeeping).
func (p *Pool) Release(c *transport.Conn) {
	p.post(releaseMsg{conn: c})
}

// Discard signals that a connection is unusable. Fire-and-forget and
// idempotent: unknown or already-discarded handles are ignored.
func (p *Pool) Discard(c *transport.Conn) {
	p.post(discardMsg{conn: c})
}

// Stats returns a snapshot taken on the owner goroutine, so it is consistent
// with respect to every other operation. Returns zeros after Shutdown.
func (p *Pool) Stats() Stats {
	msg := statsMsg{reply: make(chan Stats, 1)}
	select {
	case p.reqs <- msg:
	case <-p.done:
		return Stats{}
	}
	select {
	case s := <-msg.reply:
		return s
	case <-p.done:
		return Stats{}
	}
}

// Shutdown closes every live connection — including checked-out ones, which
// are closed from under their holders — and stops the owner goroutine. Safe
// to call more than once; it returns after the state is released.
func (p *Pool) Shutdown() {
	if !p.closed.CompareAndSwap(false, true) {
		<-p.done
		return
	}
	select {
	case p.reqs <- shutdownMsg{}:
	case <-p.done:
		return
	}
	<-p.done
}

// post delivers a fire-and-forget message, dropping it if the pool died.
func (p *Pool) post(m any) {
	select {
	case p.reqs <- m:
	case <-p.done:
	}
}

// postEvent is the EventSink installed on every registered connection.
// It runs on transport watcher goroutines.
func (p *Pool) postEvent(ev transport.Event) {
	p.post(eventMsg{ev: ev})
}

// entry is a connection's slot in the live map. timer and token are set only
// while the connection is idle with expiry enabled; a checked-out connection
// keeps its entry (holding its capacity slot) with both cleared.
type entry struct {
	timer *time.Timer
	token uint64
}

// poolState is owned by run() and never escapes it.
type poolState struct {
	p    *Pool
	live map[*transport.Conn]*entry
	idle []*transport.Conn // FIFO: append at tail, pop at head
	seq  uint64            // generation token source for expiry timers
}

// run is the single serialization point. It processes one message at a time;
// the dial inside an acquire is the only blocking step, during which every
// other caller queues behind it (a deliberate simplicity trade-off).
func (p *Pool) run() {
	s := &poolState{
		p:    p,
		live: make(map[*transport.Conn]*entry),
	}
	for {
		switch m := (<-p.reqs).(type) {
		case acquireMsg:
			conn, err := s.acquire(m)
			m.reply <- acquireResult{conn: conn, err: err}
		case releaseMsg:
			s.store(m.conn)
		case discardMsg:
			s.discard(m.conn, "discard")
		case expireMsg:
			s.expire(m.conn, m.token)
		case eventMsg:
			s.transportEvent(m.ev)
		case statsMsg:
			m.reply <- Stats{Live: len(s.live), Idle: len(s.idle)}
		case shutdownMsg:
			s.shutdown()
			close(p.done)
			return
		}
	}
}

// acquire implements the acquisition algorithm:
//
//  1. Idle connection available → hand it off (FIFO head). A lost hand-off
//     race requeues it at the tail and reports ErrNoDestination; a corrupt
//     connection is dropped and the whole algorithm retried.
//  2. Nothing idle, capacity left → dial synchronously, register the new
//     connection, then retry step 1 (it is found idle and handed off).
//  3. Nothing idle, capacity exhausted → ErrRetryLater, state untouched.
func (s *poolState) acquire(m acquireMsg) (*transport.Conn, error) {
	if len(s.idle) > 0 {
		c := s.idle[0]
		s.idle = s.idle[1:]

		// Stop our own read notifications before the caller becomes the
		// reader. From here until release we are blind to this connection.
		s.p.tr.SetReadMode(c, transport.ReadDisabled)

		err := s.p.tr.TransferOwnership(c, m.ctx)
		switch {
		case err == nil:
			// Checked out: timer cancelled, entry retained so the
			// connection keeps counting against capacity.
			s.cancelTimer(s.live[c])
			s.p.log.Debug("reusing idle connection", zap.Uint64("conn", c.ID()))
			return c, nil

		case errors.Is(err, transport.ErrTargetUnreachable):
			// The caller is gone. Requeue at the tail — not the head — so a
			// stuck caller costs one FIFO position instead of starving the
			// queue. State is otherwise unchanged.
			s.p.tr.SetReadMode(c, transport.ReadActiveOnce)
			s.idle = append(s.idle, c)
			return nil, ErrNoDestination

		default:
			// Corrupt idle connection; drop it and keep going so it cannot
			// block progress.
			s.p.log.Warn("dropping corrupt idle connection",
				zap.Uint64("conn", c.ID()), zap.Error(err))
			s.discard(c, "transfer failed")
			return s.acquire(m)
		}
	}

	if len(s.live) < s.p.cfg.MaxConns {
		c, err := s.p.tr.Connect(s.p.cfg.Host, s.p.cfg.Port, m.opts, m.timeout, s.p.cfg.Secure)
		if err != nil {
			// Classified dial failure, surfaced verbatim; no state change.
			return nil, err
		}
		s.p.log.Debug("opened new connection", zap.Uint64("conn", c.ID()))
		s.store(c)
		return s.acquire(m)
	}

	return nil, ErrRetryLater
}

// store registers a connection as idle: arms a fresh expiry timer (unless
// disabled), re-enables single-shot read notification, and appends to the
// idle tail. Works for both returning and previously-unknown handles.
func (s *poolState) store(c *transport.Conn) {
	e, known := s.live[c]
	if !known {
		e = &entry{}
		s.live[c] = e
		c.SetEventSink(s.p.postEvent)
	}
	s.cancelTimer(e)

	if d := s.p.cfg.IdleTimeout; d > 0 {
		s.seq++
		token := s.seq
		e.token = token
		e.timer = time.AfterFunc(d, func() {
			s.p.post(expireMsg{conn: c, token: token})
		})
	}

	s.p.tr.SetReadMode(c, transport.ReadActiveOnce)
	if !s.inIdle(c) {
		s.idle = append(s.idle, c)
	}
}

// discard removes a connection entirely: timer cancelled, underlying
// connection closed, erased from both the live map and the idle queue.
// No-op for unknown handles.
func (s *poolState) discard(c *transport.Conn, reason string) {
	e, ok := s.live[c]
	if !ok {
		return
	}
	s.cancelTimer(e)
	s.p.tr.Close(c)
	delete(s.live, c)
	s.removeIdle(c)
	s.p.log.Debug("discarded connection",
		zap.Uint64("conn", c.ID()), zap.String("reason", reason))
}

// expire handles a fired idle timer. The token guards the race where the
// timer fired concurrently with its cancellation: a stale token means the
// connection was reacquired (or re-released) in the meantime, and the firing
// is silently absorbed instead of discarding a connection somebody is using.
func (s *poolState) expire(c *transport.Conn, token uint64) {
	e, ok := s.live[c]
	if !ok || e.token != token {
		return
	}
	s.discard(c, "idle timeout")
}

// transportEvent reacts to closed/error/unexpected-data notifications. Once
// an idle connection is no longer trustworthy the cause does not matter —
// every event funnels into discard. Events for connections that are no
// longer idle are stale (the conn was handed off while the notification was
// in flight) and are absorbed.
func (s *poolState) transportEvent(ev transport.Event) {
	if !s.inIdle(ev.Conn) {
		return
	}
	s.p.log.Debug("transport event on idle connection",
		zap.Uint64("conn", ev.Conn.ID()),
		zap.String("event", ev.Kind.String()),
		zap.Error(ev.Err))
	s.discard(ev.Conn, ev.Kind.String())
}

// shutdown closes everything. Checked-out connections are closed from under
// their holders — a documented last resort, not a negotiated hand-off.
func (s *poolState) shutdown() {
	for c, e := range s.live {
		s.cancelTimer(e)
		s.p.tr.Close(c)
	}
	s.live = nil
	s.idle = nil
	s.p.log.Debug("pool shut down")
}

// cancelTimer disarms an entry's expiry timer. Stopping the timer may lose
// the race with its own firing; clearing the token makes the queued firing a
// no-op, so no drain is needed.
func (s *poolState) cancelTimer(e *entry) {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.token = 0
}

func (s *poolState) inIdle(c *transport.Conn) bool {
	for _, ic := range s.idle {
		if ic == c {
			return true
		}
	}
	return false
}

func (s *poolState) removeIdle(c *transport.Conn) {
	for i, ic := range s.idle {
		if ic == c {
			s.idle = append(s.idle[:i], s.idle[i+1:]...)
			return
		}
	}
}
