package dhash

import (
	"time"

	"github.com/pkg/errors"
)

// Pool is the connection pool of §4.6: keyed primarily by peer
// (ip:object_port) since every caller addresses a peer that way, with
// a reverse index so a closed Conn can be evicted without a linear
// scan. All methods run on the owning Engine's single goroutine.
type Pool struct {
	byPeer  map[string]*Conn
	peerOf  map[*Conn]string
}

var errIdleConnection = errors.New("dhash: connection idle past inactivity timeout")

// NewPool returns an empty connection pool.
func NewPool() *Pool {
	return &Pool{
		byPeer: make(map[string]*Conn),
		peerOf: make(map[*Conn]string),
	}
}

// Get returns the pooled connection to peer, if one is open.
func (p *Pool) Get(peer string) (*Conn, bool) {
	c, ok := p.byPeer[peer]
	return c, ok
}

// Add registers c under peer, for both outbound connections opened
// lazily on first use and inbound connections registered on accept.
func (p *Pool) Add(peer string, c *Conn) {
	p.byPeer[peer] = c
	p.peerOf[c] = peer
}

// Remove evicts c from the pool, e.g. once its onClosed callback fires.
func (p *Pool) Remove(c *Conn) {
	if peer, ok := p.peerOf[c]; ok {
		delete(p.peerOf, c)
		if p.byPeer[peer] == c {
			delete(p.byPeer, peer)
		}
	}
}

// ReapIdle closes and removes every connection idle longer than
// threshold, returning the closed connections so the caller can fail
// their in-flight transactions without waiting on the async onClosed
// notification Close also triggers.
func (p *Pool) ReapIdle(threshold time.Duration) []*Conn {
	var reaped []*Conn
	for peer, c := range p.byPeer {
		if c.IdleSince() > threshold {
			reaped = append(reaped, c)
			delete(p.byPeer, peer)
			delete(p.peerOf, c)
		}
	}
	for _, c := range reaped {
		c.Close(errIdleConnection)
	}
	return reaped
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int { return len(p.byPeer) }
