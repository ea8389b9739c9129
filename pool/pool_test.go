package pool

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"endpool/transport"
)

// stubTransport implements transport.Transport without real sockets, so the
// pool's bookkeeping can be tested deterministically. Connections are
// net.Pipe ends; read modes are recorded but no watcher ever runs.
type stubTransport struct {
	mu           sync.Mutex
	dialed       int
	dialErr      error
	transferErrs []error // scripted results for successive TransferOwnership calls
	closed       map[uint64]bool
	modes        map[uint64]transport.ReadMode
}

func newStubTransport() *stubTransport {
	return &stubTransport{
		closed: make(map[uint64]bool),
		modes:  make(map[uint64]transport.ReadMode),
	}
}

func (s *stubTransport) Connect(host string, port int, opts transport.DialOptions, timeout time.Duration, secure bool) (*transport.Conn, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dialErr != nil {
		return nil, s.dialErr
	}
	s.dialed++
	client, _ := net.Pipe()
	return transport.NewConn(client, secure), nil
}

func (s *stubTransport) SetReadMode(c *transport.Conn, mode transport.ReadMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes[c.ID()] = mode
	return nil
}

func (s *stubTransport) TransferOwnership(c *transport.Conn, target transport.Identity) error {
	select {
	case <-target.Done():
		return transport.ErrTargetUnreachable
	default:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.transferErrs) > 0 {
		err := s.transferErrs[0]
		s.transferErrs = s.transferErrs[1:]
		return err
	}
	return nil
}

func (s *stubTransport) Close(c *transport.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed[c.ID()] = true
	return c.NetConn().Close()
}

func (s *stubTransport) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dialed
}

func (s *stubTransport) isClosed(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed[id]
}

func (s *stubTransport) mode(id uint64) transport.ReadMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.modes[id]
}

func (s *stubTransport) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, closed := range s.closed {
		if closed {
			n++
		}
	}
	return n
}

func newTestPool(t *testing.T, tr transport.Transport, maxConns int, idleTimeout time.Duration) *Pool {
	t.Helper()
	p, err := New(Config{
		Host:        "127.0.0.1",
		Port:        80,
		MaxConns:    maxConns,
		IdleTimeout: idleTimeout,
		Transport:   tr,
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(p.Shutdown)
	return p
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	if _, err := New(Config{MaxConns: 0}); err == nil {
		t.Fatal("expect error for MaxConns=0")
	}
}

// Capacity exhaustion and recovery: two slots fill up, a third
// acquire gets the retry signal without state change, and releasing one
// connection makes it reusable.
func TestCapacityExhaustionAndRecovery(t *testing.T) {
	tr := newStubTransport()
	p := newTestPool(t, tr, 2, 5*time.Second)
	ctx := context.Background()

	s1, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if s1 == s2 {
		t.Fatal("expect two distinct connections")
	}

	if _, err := p.Acquire(ctx, transport.DialOptions{}, 0); !errors.Is(err, ErrRetryLater) {
		t.Fatalf("expect ErrRetryLater, got %v", err)
	}
	if st := p.Stats(); st.Live != 2 || st.Idle != 0 {
		t.Fatalf("state changed by failed acquire: %+v", st)
	}

	p.Release(s1)
	if st := p.Stats(); st.Live != 2 || st.Idle != 1 {
		t.Fatalf("expect live=2 idle=1, got %+v", st)
	}

	got, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != s1.ID() {
		t.Fatalf("expect reuse of released conn %d, got %d", s1.ID(), got.ID())
	}
	if tr.dialCount() != 2 {
		t.Fatalf("expect 2 dials, got %d", tr.dialCount())
	}
	if st := p.Stats(); st.Idle != 0 {
		t.Fatalf("expect empty idle queue, got %+v", st)
	}
}

// Idle connections are handed out oldest-released-first.
func TestFIFOReuse(t *testing.T) {
	tr := newStubTransport()
	p := newTestPool(t, tr, 3, 0)
	ctx := context.Background()

	var conns []*transport.Conn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx, transport.DialOptions{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		p.Release(c)
	}

	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx, transport.DialOptions{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		if c.ID() != conns[i].ID() {
			t.Fatalf("position %d: expect conn %d, got %d", i, conns[i].ID(), c.ID())
		}
	}
}

// Discarding unknown or already-discarded handles changes nothing.
func TestDiscardIdempotent(t *testing.T) {
	tr := newStubTransport()
	p := newTestPool(t, tr, 2, 0)
	ctx := context.Background()

	c, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	p.Discard(c)
	p.Discard(c) // second discard: no-op
	if st := p.Stats(); st.Live != 0 || st.Idle != 0 {
		t.Fatalf("expect empty pool, got %+v", st)
	}

	// A handle the pool has never seen.
	client, _ := net.Pipe()
	stranger := transport.NewConn(client, false)
	p.Discard(stranger)
	if st := p.Stats(); st.Live != 0 || st.Idle != 0 {
		t.Fatalf("discard of unknown handle changed state: %+v", st)
	}
}

// An idle connection not reacquired within the idle timeout is evicted,
// and the freed slot admits a brand-new connection.
func TestIdleExpiry(t *testing.T) {
	tr := newStubTransport()
	p := newTestPool(t, tr, 1, 50*time.Millisecond)
	ctx := context.Background()

	c, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(c)

	deadline := time.Now().Add(2 * time.Second)
	for p.Stats().Live != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("idle connection not expired, stats %+v", p.Stats())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Capacity is free again: next acquire dials fresh.
	c2, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if c2.ID() == c.ID() {
		t.Fatal("expect a new connection, got the expired one")
	}
	if tr.dialCount() != 2 {
		t.Fatalf("expect 2 dials, got %d", tr.dialCount())
	}
}

// Reacquiring cancels the expiry timer: a connection checked out past the
// idle timeout must not be discarded from under its holder.
func TestReacquireCancelsExpiry(t *testing.T) {
	tr := newStubTransport()
	p := newTestPool(t, tr, 1, 60*time.Millisecond)
	ctx := context.Background()

	c, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(c)

	if _, err := p.Acquire(ctx, transport.DialOptions{}, 0); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)
	if st := p.Stats(); st.Live != 1 {
		t.Fatalf("checked-out conn was discarded by stale timer: %+v", st)
	}
	if tr.closedCount() != 0 {
		t.Fatal("checked-out conn was closed")
	}
}

// Ownership-transfer race: the caller vanished exactly at
// hand-off time; the connection goes back to the tail of the queue.
func TestTransferRaceRequeuesAtTail(t *testing.T) {
	tr := newStubTransport()
	p := newTestPool(t, tr, 2, 0)
	ctx := context.Background()

	a, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(a)
	p.Release(b) // queue: [a, b]

	gone, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := p.Acquire(gone, transport.DialOptions{}, 0); !errors.Is(err, ErrNoDestination) {
		t.Fatalf("expect ErrNoDestination, got %v", err)
	}
	if st := p.Stats(); st.Live != 2 || st.Idle != 2 {
		t.Fatalf("expect state unchanged (live=2 idle=2), got %+v", st)
	}
	if tr.mode(a.ID()) != transport.ReadActiveOnce {
		t.Fatal("requeued conn must have its read notification restored")
	}

	// a lost one FIFO position: queue is now [b, a].
	got, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != b.ID() {
		t.Fatalf("expect head %d after requeue, got %d", b.ID(), got.ID())
	}
	got2, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got2.ID() != a.ID() {
		t.Fatalf("expect requeued conn %d at tail, got %d", a.ID(), got2.ID())
	}
}

// A corrupt idle connection must not block progress: the pool drops it and
// transparently retries with the next candidate.
func TestCorruptIdleConnRetried(t *testing.T) {
	tr := newStubTransport()
	p := newTestPool(t, tr, 2, 0)
	ctx := context.Background()

	a, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	b, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(a)
	p.Release(b)

	tr.mu.Lock()
	tr.transferErrs = []error{errors.New("socket gone bad")}
	tr.mu.Unlock()

	got, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	if got.ID() != b.ID() {
		t.Fatalf("expect fallback to conn %d, got %d", b.ID(), got.ID())
	}
	if st := p.Stats(); st.Live != 1 {
		t.Fatalf("expect corrupt conn dropped, got %+v", st)
	}
	if !tr.isClosed(a.ID()) {
		t.Fatal("corrupt conn was not closed")
	}
}

// Dial failures are surfaced verbatim, without touching pool state.
func TestConnectErrorSurfaced(t *testing.T) {
	tr := newStubTransport()
	dialErr := &transport.ConnectError{Kind: transport.ConnectTimeout, Err: errors.New("i/o timeout")}
	tr.dialErr = dialErr

	p := newTestPool(t, tr, 2, 0)
	_, err := p.Acquire(context.Background(), transport.DialOptions{}, 0)
	var ce *transport.ConnectError
	if !errors.As(err, &ce) || ce.Kind != transport.ConnectTimeout {
		t.Fatalf("expect connect timeout error, got %v", err)
	}
	if st := p.Stats(); st.Live != 0 || st.Idle != 0 {
		t.Fatalf("failed connect mutated state: %+v", st)
	}
}

// Transport events (closed / error / unexpected data) on an idle connection
// all funnel into discard.
func TestTransportEventDiscardsIdleConn(t *testing.T) {
	for _, kind := range []transport.EventKind{
		transport.EventClosed,
		transport.EventError,
		transport.EventUnexpectedData,
	} {
		t.Run(kind.String(), func(t *testing.T) {
			tr := newStubTransport()
			p := newTestPool(t, tr, 1, 0)

			c, err := p.Acquire(context.Background(), transport.DialOptions{}, 0)
			if err != nil {
				t.Fatal(err)
			}
			p.Release(c)

			c.Notify(kind, errors.New("transport says so"))
			if st := p.Stats(); st.Live != 0 || st.Idle != 0 {
				t.Fatalf("expect conn discarded on %s, got %+v", kind, st)
			}
			if !tr.isClosed(c.ID()) {
				t.Fatal("conn not closed")
			}
		})
	}
}

// A notification that was already in flight when the connection got handed
// off must not discard the now-checked-out connection.
func TestStaleEventForCheckedOutConnAbsorbed(t *testing.T) {
	tr := newStubTransport()
	p := newTestPool(t, tr, 1, 0)
	ctx := context.Background()

	c, err := p.Acquire(ctx, transport.DialOptions{}, 0)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(c)
	if _, err := p.Acquire(ctx, transport.DialOptions{}, 0); err != nil {
		t.Fatal(err)
	}

	c.Notify(transport.EventClosed, nil)
	if st := p.Stats(); st.Live != 1 {
		t.Fatalf("stale event discarded a checked-out conn: %+v", st)
	}
	if tr.closedCount() != 0 {
		t.Fatal("checked-out conn was closed by stale event")
	}
}

// Shutdown under load: checked-out connections are closed from
// under their holders; afterwards the pool refuses new work.
func TestShutdownClosesEverything(t *testing.T) {
	tr := newStubTransport()
	p, err := New(Config{
		Host:      "127.0.0.1",
		Port:      80,
		MaxConns:  3,
		Transport: tr,
	})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	var conns []*transport.Conn
	for i := 0; i < 3; i++ {
		c, err := p.Acquire(ctx, transport.DialOptions{}, 0)
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}
	p.Release(conns[2]) // two checked out, one idle

	p.Shutdown()
	if n := tr.closedCount(); n != 3 {
		t.Fatalf("expect 3 closed connections, got %d", n)
	}

	if _, err := p.Acquire(ctx, transport.DialOptions{}, 0); !errors.Is(err, ErrPoolClosed) {
		t.Fatalf("expect ErrPoolClosed, got %v", err)
	}
	p.Release(conns[0]) // must not panic or block
	p.Shutdown()        // idempotent
}

// Many workers hammering acquire/release never push
// the live count above capacity.
func TestConcurrentAcquireRelease(t *testing.T) {
	tr := newStubTransport()
	const maxConns = 4
	p := newTestPool(t, tr, maxConns, time.Second)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				c, err := p.Acquire(ctx, transport.DialOptions{}, 0)
				if errors.Is(err, ErrRetryLater) {
					continue
				}
				if err != nil {
					t.Errorf("acquire: %v", err)
					return
				}
				if st := p.Stats(); st.Live > maxConns {
					t.Errorf("capacity invariant violated: %+v", st)
				}
				p.Release(c)
			}
		}()
	}
	wg.Wait()

	if st := p.Stats(); st.Live > maxConns || st.Idle > st.Live {
		t.Fatalf("invariant violated after load: %+v", st)
	}
}
