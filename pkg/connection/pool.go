// Package connection provides a thread-safe TCP connection pool that manages
// and reuses connections to multiple remote hosts. The coordinator uses it to
// keep warm connections to every participant node.
package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// PooledConn wraps a net.Conn with a reference to the pool it came from.
// Close returns it for reuse; Discard removes it for good.
type PooledConn struct {
	net.Conn
	pool *hostPool
}

// Close returns the connection to the pool without closing the underlying
// TCP connection. Use Discard for connections that saw an IO error.
func (c *PooledConn) Close() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already released")
	}
	c.pool.put(c.Conn)
	c.pool = nil
	return nil
}

// Discard closes the underlying TCP connection and frees its pool slot, so a
// replacement can be dialed. Call it instead of Close after any IO error:
// a half-dead connection returned to the pool poisons later calls.
func (c *PooledConn) Discard() error {
	if c.pool == nil {
		return fmt.Errorf("connection is already released")
	}
	pool := c.pool
	c.pool = nil
	return pool.discard(c.Conn)
}

// hostPool manages the connections for a single remote address.
type hostPool struct {
	mu       sync.Mutex
	conns    chan net.Conn
	factory  func() (net.Conn, error)
	maxSize  int
	numConns int // connections currently alive, pooled or handed out
	closed   bool
	address  string
}

// Manager keeps one hostPool per remote address.
type Manager struct {
	mu      sync.RWMutex
	pools   map[string]*hostPool
	maxSize int
	timeout time.Duration
}

// NewManager creates a pool manager. maxSize caps the open connections per
// host and timeout bounds the dial for new ones.
func NewManager(maxSize int, timeout time.Duration) *Manager {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Manager{
		pools:   make(map[string]*hostPool),
		maxSize: maxSize,
		timeout: timeout,
	}
}

// Get retrieves a connection for the address, dialing one if the pool is not
// at capacity and blocking for a returned connection otherwise.
func (m *Manager) Get(address string) (*PooledConn, error) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()

	if !ok {
		m.mu.Lock()
		pool, ok = m.pools[address]
		if !ok {
			pool = &hostPool{
				conns: make(chan net.Conn, m.maxSize),
				factory: func() (net.Conn, error) {
					return net.DialTimeout("tcp", address, m.timeout)
				},
				maxSize: m.maxSize,
				address: address,
			}
			m.pools[address] = pool
		}
		m.mu.Unlock()
	}

	conn, err := pool.get()
	if err != nil {
		return nil, err
	}
	return &PooledConn{Conn: conn, pool: pool}, nil
}

// Stats reports the live and idle connection counts for one host.
func (m *Manager) Stats(address string) (open, idle int) {
	m.mu.RLock()
	pool, ok := m.pools[address]
	m.mu.RUnlock()
	if !ok {
		return 0, 0
	}
	pool.mu.Lock()
	defer pool.mu.Unlock()
	return pool.numConns, len(pool.conns)
}

// Close shuts down the manager and closes every pooled connection.
// Connections currently handed out are closed by their holders.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, pool := range m.pools {
		pool.close()
	}
	m.pools = make(map[string]*hostPool)
}

func (p *hostPool) get() (net.Conn, error) {
	select {
	case conn, ok := <-p.conns:
		if !ok {
			return nil, fmt.Errorf("pool for %s is closed", p.address)
		}
		return conn, nil
	default:
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool for %s is closed", p.address)
	}
	if p.numConns < p.maxSize {
		conn, err := p.factory()
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("dial %s: %w", p.address, err)
		}
		p.numConns++
		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	// At capacity: wait for a connection to come back.
	conn, ok := <-p.conns
	if !ok {
		return nil, fmt.Errorf("pool for %s is closed", p.address)
	}
	return conn, nil
}

// put runs under the pool mutex so it can never race close: sends only hit
// an open channel.
func (p *hostPool) put(conn net.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		p.numConns--
		conn.Close()
		return
	}
	select {
	case p.conns <- conn:
	default:
		// More returns than slots; drop the extra connection.
		p.numConns--
		conn.Close()
	}
}

func (p *hostPool) discard(conn net.Conn) error {
	p.mu.Lock()
	p.numConns--
	p.mu.Unlock()
	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (p *hostPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.conns)
	for conn := range p.conns {
		conn.Close()
	}
	p.numConns = 0
}
