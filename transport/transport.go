package transport

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"
)

// Identity represents the prospective owner of a connection during hand-off.
// A context.Context satisfies it: once Done is closed the caller is gone and
// the transfer must fail with ErrTargetUnreachable.
type Identity interface {
	Done() <-chan struct{}
}

// ErrTargetUnreachable is returned by TransferOwnership when the target
// caller disappeared before the hand-off completed.
var ErrTargetUnreachable = errors.New("transport: transfer target unreachable")

// ConnectErrorKind classifies dial failures for the acquiring caller.
type ConnectErrorKind int

const (
	// ConnectSystemTimeout: the OS gave up (ETIMEDOUT from the TCP stack).
	ConnectSystemTimeout ConnectErrorKind = iota
	// ConnectTimeout: the caller-supplied connect timeout elapsed.
	ConnectTimeout
	// ConnectOther: any other dial failure (refused, unreachable, TLS, ...).
	ConnectOther
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ConnectSystemTimeout:
		return "system timeout"
	case ConnectTimeout:
		return "timeout"
	}
	return "other"
}

// ConnectError is a classified dial failure. The pool surfaces it verbatim to
// the caller that triggered the connect.
type ConnectError struct {
	Kind ConnectErrorKind
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("transport: connect failed (%s): %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// DialOptions tune a single connect attempt.
type DialOptions struct {
	// KeepAlive sets the TCP keep-alive period; zero keeps the net.Dialer
	// default, negative disables it.
	KeepAlive time.Duration
	// NoDelay disables Nagle's algorithm on the new connection.
	NoDelay bool
	// TLSConfig overrides the config used when dialing a secure destination.
	// Nil means a default config with ServerName set to the host.
	TLSConfig *tls.Config
}

// Transport is the capability set the pool consumes. The pool never touches
// net.Conn directly; everything goes through these five operations plus the
// asynchronous events delivered via each Conn's EventSink.
type Transport interface {
	// Connect opens a connection to host:port, TLS-wrapped when secure is
	// set. Failures are returned as *ConnectError.
	Connect(host string, port int, opts DialOptions, timeout time.Duration, secure bool) (*Conn, error)

	// SetReadMode switches the connection's read-notification mode.
	SetReadMode(c *Conn, mode ReadMode) error

	// TransferOwnership moves exclusive read/write rights to target. On
	// ErrTargetUnreachable the connection is untouched and still pool-owned;
	// on any other error the connection must be considered corrupt.
	TransferOwnership(c *Conn, target Identity) error

	// Close tears the connection down. Idempotent.
	Close(c *Conn) error
}

// TCP is the production Transport: plain TCP or TLS over TCP.
type TCP struct{}

// NewTCP returns the default TCP/TLS transport.
func NewTCP() *TCP { return &TCP{} }

// Connect dials the destination, optionally wrapping in TLS, and classifies
// any failure. TLS handshaking is covered by the same timeout as the dial.
func (t *TCP) Connect(host string, port int, opts DialOptions, timeout time.Duration, secure bool) (*Conn, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	dialer := &net.Dialer{Timeout: timeout, KeepAlive: opts.KeepAlive}

	var nc net.Conn
	var err error
	if secure {
		cfg := opts.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{ServerName: host}
		}
		nc, err = tls.DialWithDialer(dialer, "tcp", addr, cfg)
	} else {
		nc, err = dialer.Dial("tcp", addr)
	}
	if err != nil {
		return nil, classifyDialError(err)
	}

	if opts.NoDelay {
		if tc, ok := nc.(*net.TCPConn); ok {
			tc.SetNoDelay(true)
		}
	}
	return NewConn(nc, secure), nil
}

// classifyDialError maps a dial failure onto the three kinds callers care
// about. Order matters: an OS-level ETIMEDOUT also satisfies net.Error's
// Timeout, so it is checked first.
func classifyDialError(err error) *ConnectError {
	if errors.Is(err, syscall.ETIMEDOUT) {
		return &ConnectError{Kind: ConnectSystemTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &ConnectError{Kind: ConnectTimeout, Err: err}
	}
	return &ConnectError{Kind: ConnectOther, Err: err}
}

func (t *TCP) SetReadMode(c *Conn, mode ReadMode) error {
	return c.setReadMode(mode)
}

// TransferOwnership is a capability-narrowing step, not an OS-level transfer:
// the pool has already disabled its own read notifications, so marking the
// transfer complete makes the target the only reader. The check-then-return
// is atomic from the pool's point of view because the pool serializes all
// calls into the transport for a given connection.
func (t *TCP) TransferOwnership(c *Conn, target Identity) error {
	select {
	case <-target.Done():
		return ErrTargetUnreachable
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return fmt.Errorf("transport: transfer on closed connection: %w", net.ErrClosed)
	}
	return nil
}

func (t *TCP) Close(c *Conn) error {
	return c.close()
}
