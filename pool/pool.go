package pool

import (
	"net"
	"sync"
	"time"

	"go.uber.org/multierr"

	"chunkcast/pkg/logger"
)

// Conn is a pooled TCP connection to one peer. While checked out it belongs
// exclusively to the caller; the pool only ever hands an idle connection to
// a single checkout.
type Conn struct {
	net.Conn
	addr     string
	lastUsed time.Time
}

func (c *Conn) PeerAddr() string { return c.addr }

// Pool keeps idle persistent connections per peer address so one TCP setup
// is amortized over many chunk requests.
type Pool struct {
	mu     sync.Mutex
	idle   map[string][]*Conn
	closed bool

	dialTimeout time.Duration
	idleAfter   time.Duration

	started bool
	quitCh  chan struct{}
	doneCh  chan struct{}
}

func New(dialTimeout, idleAfter time.Duration) *Pool {
	return &Pool{
		idle:        make(map[string][]*Conn),
		dialTimeout: dialTimeout,
		idleAfter:   idleAfter,
		quitCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Checkout hands out an idle connection to addr if a usable one exists,
// otherwise dials a new one. It never blocks waiting for a return; at worst
// it opens another socket.
func (p *Pool) Checkout(addr string) (*Conn, error) {
	p.mu.Lock()
	for {
		conns := p.idle[addr]
		n := len(conns)
		if n == 0 {
			break
		}
		conn := conns[n-1]
		p.idle[addr] = conns[:n-1]

		// Recency is the usability probe: a connection idle past the
		// threshold may have been dropped by the far side, so it is closed
		// rather than risked on a request.
		if time.Since(conn.lastUsed) > p.idleAfter {
			conn.Conn.Close()
			continue
		}

		p.mu.Unlock()
		return conn, nil
	}
	p.mu.Unlock()

	raw, err := net.DialTimeout("tcp", addr, p.dialTimeout)
	if err != nil {
		return nil, err
	}
	logger.Sugar.Debugf("[Pool] new connection to %s", addr)
	return &Conn{Conn: raw, addr: addr, lastUsed: time.Now()}, nil
}

// Return gives a connection back. healthy=false means the caller saw a
// failure mid-exchange; the connection is closed instead of re-idled so a
// broken socket never poisons the pool.
func (p *Pool) Return(conn *Conn, healthy bool) {
	if conn == nil {
		return
	}
	if !healthy {
		conn.Conn.Close()
		return
	}

	conn.lastUsed = time.Now()
	p.mu.Lock()
	if p.closed {
		// Nothing will ever clean a connection idled after Close.
		p.mu.Unlock()
		conn.Conn.Close()
		return
	}
	p.idle[conn.addr] = append(p.idle[conn.addr], conn)
	p.mu.Unlock()
}

// StartCleaner evicts idle connections past the idle threshold on every
// interval until Stop.
func (p *Pool) StartCleaner(interval time.Duration) {
	p.started = true
	go func() {
		defer close(p.doneCh)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-p.quitCh:
				return
			case <-ticker.C:
				if n := p.cleanOnce(time.Now()); n > 0 {
					logger.Sugar.Debugf("[Pool] closed %d idle connections", n)
				}
			}
		}
	}()
}

// cleanOnce closes and removes every idle connection unused since before
// now-idleAfter, returning how many were closed.
func (p *Pool) cleanOnce(now time.Time) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	closed := 0
	for addr, conns := range p.idle {
		kept := conns[:0]
		for _, conn := range conns {
			if now.Sub(conn.lastUsed) > p.idleAfter {
				conn.Conn.Close()
				closed++
			} else {
				kept = append(kept, conn)
			}
		}
		if len(kept) == 0 {
			delete(p.idle, addr)
		} else {
			p.idle[addr] = kept
		}
	}
	return closed
}

// IdleCount reports the idle connections currently pooled for addr.
func (p *Pool) IdleCount(addr string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle[addr])
}

// Close stops the cleaner and closes every idle connection.
func (p *Pool) Close() error {
	select {
	case <-p.quitCh:
	default:
		close(p.quitCh)
	}
	if p.started {
		<-p.doneCh
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true

	var err error
	for addr, conns := range p.idle {
		for _, conn := range conns {
			err = multierr.Append(err, conn.Conn.Close())
		}
		delete(p.idle, addr)
	}
	return err
}
