// Package manager supervises one connection pool per destination. Request
// workers ask it for the pool matching a (host, port, secure) triple; the
// manager creates pools lazily and tears all of them down on Shutdown.
package manager

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"endpool/pool"
	"endpool/transport"
)

// Destination identifies one pool's target.
type Destination struct {
	Host   string
	Port   int
	Secure bool
}

// Option tunes the manager at construction.
type Option func(*Manager)

// WithLogger sets the logger handed down to every pool.
func WithLogger(log *zap.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithTransport overrides the transport handed down to every pool.
func WithTransport(tr transport.Transport) Option {
	return func(m *Manager) { m.tr = tr }
}

// WithPoolLimits sets the per-pool capacity and idle timeout.
// idleTimeout zero disables idle expiry.
func WithPoolLimits(maxConns int, idleTimeout time.Duration) Option {
	return func(m *Manager) {
		m.maxConns = maxConns
		m.idleTimeout = idleTimeout
	}
}

// WithConnectTimeout sets the default dial timeout for every pool.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *Manager) { m.connectTimeout = d }
}

// Manager owns the destination → pool mapping. All methods are safe for
// concurrent use.
type Manager struct {
	mu    sync.RWMutex
	pools map[Destination]*pool.Pool

	maxConns       int
	idleTimeout    time.Duration
	connectTimeout time.Duration
	tr             transport.Transport
	log            *zap.Logger
}

// New creates a manager with the given per-pool defaults.
func New(opts ...Option) *Manager {
	m := &Manager{
		pools:       make(map[Destination]*pool.Pool),
		maxConns:    4,
		idleTimeout: 30 * time.Second,
		log:         zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Pool returns the pool for dest, creating it on first use.
func (m *Manager) Pool(dest Destination) (*pool.Pool, error) {
	// Fast path: pool already exists.
	m.mu.RLock()
	p, ok := m.pools[dest]
	m.mu.RUnlock()
	if ok {
		return p, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-checked: another worker may have created it while we upgraded
	// the lock.
	if p, ok = m.pools[dest]; ok {
		return p, nil
	}

	p, err := pool.New(pool.Config{
		Host:           dest.Host,
		Port:           dest.Port,
		Secure:         dest.Secure,
		MaxConns:       m.maxConns,
		IdleTimeout:    m.idleTimeout,
		ConnectTimeout: m.connectTimeout,
		Transport:      m.tr,
		Logger:         m.log,
	})
	if err != nil {
		return nil, err
	}
	m.log.Info("created pool",
		zap.String("host", dest.Host),
		zap.Int("port", dest.Port),
		zap.Bool("secure", dest.Secure))
	m.pools[dest] = p
	return p, nil
}

// Drop shuts down and forgets the pool for dest, if any. The next Pool call
// for the same destination starts fresh.
func (m *Manager) Drop(dest Destination) {
	m.mu.Lock()
	p, ok := m.pools[dest]
	delete(m.pools, dest)
	m.mu.Unlock()
	if ok {
		p.Shutdown()
	}
}

// Len returns the number of live pools.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.pools)
}

// Shutdown tears down every pool. The manager itself stays usable; new pools
// can be created afterwards.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[Destination]*pool.Pool)
	m.mu.Unlock()

	for dest, p := range pools {
		p.Shutdown()
		m.log.Info("shut down pool",
			zap.String("host", dest.Host),
			zap.Int("port", dest.Port))
	}
}
