package dhash

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func testConnPair(t *testing.T) (*Conn, *Conn) {
	t.Helper()
	client, server := net.Pipe()
	a := NewConn(client, "peer-a", func(c *Conn, m *Message) {}, func(c *Conn, err error) {})
	b := NewConn(server, "peer-b", func(c *Conn, m *Message) {}, func(c *Conn, err error) {})
	t.Cleanup(func() {
		a.Close(nil)
		b.Close(nil)
	})
	return a, b
}

func TestPoolAddGetRemove(t *testing.T) {
	p := NewPool()
	a, _ := testConnPair(t)

	_, ok := p.Get("10.0.0.1:9002")
	require.False(t, ok)

	p.Add("10.0.0.1:9002", a)
	got, ok := p.Get("10.0.0.1:9002")
	require.True(t, ok)
	require.Same(t, a, got)
	require.Equal(t, 1, p.Len())

	p.Remove(a)
	_, ok = p.Get("10.0.0.1:9002")
	require.False(t, ok)
	require.Equal(t, 0, p.Len())
}

func TestPoolReapIdleClosesAndReturnsStale(t *testing.T) {
	p := NewPool()
	a, _ := testConnPair(t)
	p.Add("10.0.0.1:9002", a)

	time.Sleep(20 * time.Millisecond)
	reaped := p.ReapIdle(5 * time.Millisecond)
	require.Len(t, reaped, 1)
	require.Same(t, a, reaped[0])
	require.Equal(t, 0, p.Len())
}

func TestPoolReapIdleKeepsFreshConnections(t *testing.T) {
	p := NewPool()
	a, _ := testConnPair(t)
	p.Add("10.0.0.1:9002", a)

	reaped := p.ReapIdle(time.Second)
	require.Len(t, reaped, 0)
	require.Equal(t, 1, p.Len())
}
