package dhash

import (
	"encoding/binary"
	"io"
	"net"
	"sync"
	"time"
)

// Conn wraps a single DHash stream connection with the length-prefixed
// record framer of §4.6: a 4-byte big-endian length followed by that
// many bytes of DHash message. Unlike the original's non-blocking
// reactor with explicit send/receive state machines, this adapts the
// same two independent state machines into two goroutines doing
// blocking I/O — idiomatic Go for a per-connection worker, while
// preserving the spec's independence between send and receive paths
// and the shared last-activity clock that idle-reaping depends on.
type Conn struct {
	nc   net.Conn
	peer string // "ip:objectPort", used by the pool's secondary index

	onMessage func(*Conn, *Message)
	onClosed  func(*Conn, error)

	sendCh chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	mu           sync.Mutex
	lastActivity time.Time
}

// NewConn wraps nc. onMessage is invoked once per complete record
// received; onClosed is invoked exactly once when the connection's
// goroutines exit, for any reason.
func NewConn(nc net.Conn, peer string, onMessage func(*Conn, *Message), onClosed func(*Conn, error)) *Conn {
	c := &Conn{
		nc:           nc,
		peer:         peer,
		onMessage:    onMessage,
		onClosed:     onClosed,
		sendCh:       make(chan []byte, 32),
		closed:       make(chan struct{}),
		lastActivity: time.Now(),
	}
	go c.writeLoop()
	go c.readLoop()
	return c
}

// Send enqueues msg for transmission; encoding happens on the caller's
// goroutine, writing on the connection's own writer goroutine.
func (c *Conn) Send(msg *Message) error {
	payload, err := msg.Encode()
	if err != nil {
		return err
	}
	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	select {
	case c.sendCh <- frame:
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case frame := <-c.sendCh:
			if _, err := c.nc.Write(frame); err != nil {
				c.Close(err)
				return
			}
			c.touch()
		case <-c.closed:
			return
		}
	}
}

func (c *Conn) readLoop() {
	var lenBuf [4]byte
	for {
		if _, err := io.ReadFull(c.nc, lenBuf[:]); err != nil {
			c.Close(err)
			return
		}
		c.touch()
		n := binary.BigEndian.Uint32(lenBuf[:])
		body := make([]byte, n)
		if _, err := io.ReadFull(c.nc, body); err != nil {
			c.Close(err)
			return
		}
		c.touch()

		msg, err := DecodeMessage(body)
		if err != nil {
			continue // malformed record: drop, keep reading
		}
		if c.onMessage != nil {
			c.onMessage(c, msg)
		}
	}
}

func (c *Conn) touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

// IdleSince reports how long it has been since any byte was read or
// written on this connection.
func (c *Conn) IdleSince() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.lastActivity)
}

// Close tears the connection down and invokes onClosed exactly once,
// on its own goroutine so a caller already running on the owning
// engine's loop (e.g. an idle-reap sweep) never deadlocks submitting
// the close notification back onto that same loop.
func (c *Conn) Close(cause error) {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.nc.Close()
		if c.onClosed != nil {
			go c.onClosed(c, cause)
		}
	})
}
