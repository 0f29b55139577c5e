// Package connpool implements the keyed upstream connection pool: a
// fixed-size flat slot array (not a map), keyed by canonicalised
// (host, port), with keep-alive reuse and idle-timeout eviction.
//
// Grounded on the flat-array slot design in
// original_source/src/components/connection_pool.c
// (connection_pool_get/connection_pool_return/connection_pool_cleanup),
// and on the idle-channel/semaphore pool shape in
// _examples/mick-25-streamnzb/pkg/usenet/nntp/pool.go for the
// borrow/return/sweep/shutdown API surface.
package connpool

import (
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/text/cases"
)

var fold = cases.Fold()

// Metrics is the subset of counters the pool reports; a no-op
// implementation is used when New is given nil metrics.
type Metrics interface {
	PoolBorrowHit()
	PoolBorrowMiss()
	PoolDial()
	PoolClose()
}

type noopMetrics struct{}

func (noopMetrics) PoolBorrowHit()  {}
func (noopMetrics) PoolBorrowMiss() {}
func (noopMetrics) PoolDial()       {}
func (noopMetrics) PoolClose()      {}

// slot is one position in the pool's flat table.
type slot struct {
	conn       net.Conn
	host       string // canonicalised (folded) host
	port       int
	lastUsedAt time.Time
	inUse      bool
	// generation is a monotonically increasing label stamped on each new
	// occupant of the slot; nothing reads it, and it has no effect on
	// semantics.
	generation uint64
}

// Pool is the fixed-capacity connection pool described in spec.md §4.2.
type Pool struct {
	mu              sync.Mutex
	slots           []slot
	keepAliveWindow time.Duration
	nextGen         uint64
	metrics         Metrics
}

// New builds a Pool with a fixed number of slots.
func New(size int, keepAliveWindow time.Duration, metrics Metrics) *Pool {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Pool{
		slots:           make([]slot, size),
		keepAliveWindow: keepAliveWindow,
		metrics:         metrics,
	}
}

func canonicalHost(host string) string {
	return fold.String(host)
}

// Key formats a canonical (host, port) pair for logging.
func Key(host string, port int) string {
	return fmt.Sprintf("%s:%d", canonicalHost(host), port)
}

// Borrow returns an idle socket for (host, port) if one exists within
// the keep-alive window, marking it in_use. Returns (nil, false) if no
// such slot exists — a normal signal for the caller to dial fresh,
// per spec.md §4.2.
func (p *Pool) Borrow(host string, port int) (net.Conn, bool) {
	host = canonicalHost(host)

	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	for i := range p.slots {
		s := &p.slots[i]
		if s.conn == nil || s.inUse {
			continue
		}
		if s.host != host || s.port != port {
			continue
		}
		if now.Sub(s.lastUsedAt) > p.keepAliveWindow {
			continue
		}
		s.inUse = true
		s.lastUsedAt = now
		p.metrics.PoolBorrowHit()
		return s.conn, true
	}
	p.metrics.PoolBorrowMiss()
	return nil, false
}

// Adopt registers a freshly dialled connection as borrowed, so a
// subsequent Return can place it back into the pool. Call this
// immediately after a successful dial on a Borrow miss.
func (p *Pool) Adopt(conn net.Conn, host string, port int) {
	host = canonicalHost(host)
	p.metrics.PoolDial()

	p.mu.Lock()
	defer p.mu.Unlock()

	for i := range p.slots {
		s := &p.slots[i]
		if s.conn == nil {
			p.nextGen++
			s.conn = conn
			s.host = host
			s.port = port
			s.inUse = true
			s.lastUsedAt = time.Now()
			s.generation = p.nextGen
			return
		}
	}
	// No free slot to track this connection in; it is still usable by
	// the caller. A keep-alive Return places it in a slot that has freed
	// up by then, or closes it if none has (spec.md §4.2 "else closes the
	// socket").
}

// Return releases a borrowed connection. If keepAlive is false, or no
// free slot is available to retain it, the connection is closed.
func (p *Pool) Return(conn net.Conn, host string, port int, keepAlive bool) {
	host = canonicalHost(host)

	p.mu.Lock()

	if !keepAlive {
		p.removeByConn(conn)
		p.mu.Unlock()
		p.metrics.PoolClose()
		_ = conn.Close()
		return
	}

	for i := range p.slots {
		s := &p.slots[i]
		if s.conn == conn {
			s.inUse = false
			s.lastUsedAt = time.Now()
			s.host = host
			s.port = port
			p.mu.Unlock()
			return
		}
	}

	for i := range p.slots {
		s := &p.slots[i]
		if s.conn == nil {
			p.nextGen++
			s.conn = conn
			s.host = host
			s.port = port
			s.inUse = false
			s.lastUsedAt = time.Now()
			s.generation = p.nextGen
			p.mu.Unlock()
			return
		}
	}

	p.mu.Unlock()
	p.metrics.PoolClose()
	_ = conn.Close()
}

// removeByConn clears the slot holding conn, if any. Caller holds mu.
func (p *Pool) removeByConn(conn net.Conn) {
	for i := range p.slots {
		if p.slots[i].conn == conn {
			p.slots[i] = slot{}
			return
		}
	}
}

// SweepIdle closes and frees any idle slot older than the keep-alive
// window. Returns the number of slots freed.
func (p *Pool) SweepIdle() int {
	p.mu.Lock()
	var toClose []net.Conn
	now := time.Now()
	for i := range p.slots {
		s := &p.slots[i]
		if s.conn == nil || s.inUse {
			continue
		}
		if now.Sub(s.lastUsedAt) > p.keepAliveWindow {
			toClose = append(toClose, s.conn)
			p.slots[i] = slot{}
		}
	}
	p.mu.Unlock()

	for _, c := range toClose {
		p.metrics.PoolClose()
		_ = c.Close()
	}
	return len(toClose)
}

// Destroy closes every slot's connection and clears the table.
func (p *Pool) Destroy() {
	p.mu.Lock()
	var toClose []net.Conn
	for i := range p.slots {
		if p.slots[i].conn != nil {
			toClose = append(toClose, p.slots[i].conn)
			p.slots[i] = slot{}
		}
	}
	p.mu.Unlock()

	for _, c := range toClose {
		_ = c.Close()
	}
}

// Stats returns slot occupancy.
func (p *Pool) Stats() (total, inUse int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range p.slots {
		if p.slots[i].conn != nil {
			total++
			if p.slots[i].inUse {
				inUse++
			}
		}
	}
	return total, inUse
}
