// Package mocknet provides an in-memory duplex net.Conn pair for
// testing protocol code without a real socket.
package mocknet

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

type addr struct{}

func (addr) Network() string { return "tcp" }
func (addr) String() string  { return "0.0.0.0" }

// Conn is a net.Conn backed by two in-memory byte queues: one fed by
// Write/read by Read (the "local" side), and one fed by RemoteWrite/read
// by RemoteRead (the "remote" side). Remote returns an io.ReadWriter view
// of the remote side for test helpers that want to read what was written
// locally and write what the local side should read.
type Conn struct {
	mu         sync.Mutex
	cond       *sync.Cond
	toLocal    bytes.Buffer // written by RemoteWrite, read by Read
	toRemote   bytes.Buffer // written by Write, read by RemoteRead
	closed     bool
	readDdl    time.Time
	remoteSide *remote
}

// NewMockConnection creates a new, open, empty Conn.
func NewMockConnection() *Conn {
	c := &Conn{}
	c.cond = sync.NewCond(&c.mu)
	c.remoteSide = &remote{c: c}
	return c
}

// Remote returns an io.ReadWriter that reads what Write produced and
// writes into what Read will consume — the other end of the pipe.
func (c *Conn) Remote() io.ReadWriter { return c.remoteSide }

type remote struct{ c *Conn }

func (r *remote) Read(p []byte) (int, error)  { return r.c.RemoteRead(p) }
func (r *remote) Write(p []byte) (int, error) { return r.c.RemoteWrite(p) }

// RemoteWrite injects bytes as if the remote peer sent them; they become
// available to Read.
func (c *Conn) RemoteWrite(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("mocknet: connection closed")
	}
	n, _ := c.toLocal.Write(p)
	c.cond.Broadcast()
	return n, nil
}

// RemoteRead reads bytes that the local side wrote via Write.
func (c *Conn) RemoteRead(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.toRemote.Len() == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.toRemote.Len() == 0 {
		return 0, io.EOF
	}
	return c.toRemote.Read(p)
}

// Read implements net.Conn. It blocks until data is available, the
// connection is closed (returns io.EOF), or the read deadline passes
// (returns a timeout net.Error).
func (c *Conn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.toLocal.Len() == 0 && !c.closed {
		if !c.readDdl.IsZero() {
			if d := time.Until(c.readDdl); d <= 0 {
				return 0, timeoutError{}
			} else {
				// release the lock while waiting for either data or the deadline
				timer := time.AfterFunc(d, func() {
					c.mu.Lock()
					c.cond.Broadcast()
					c.mu.Unlock()
				})
				c.cond.Wait()
				timer.Stop()
				if c.toLocal.Len() == 0 && !c.closed && !c.readDdl.IsZero() && time.Now().After(c.readDdl) {
					return 0, timeoutError{}
				}
				continue
			}
		}
		c.cond.Wait()
	}
	if c.toLocal.Len() == 0 {
		return 0, io.EOF
	}
	return c.toLocal.Read(p)
}

// Write implements net.Conn.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, errors.New("mocknet: connection closed")
	}
	n, _ := c.toRemote.Write(p)
	c.cond.Broadcast()
	return n, nil
}

// Close implements net.Conn; it unblocks all pending reads with io.EOF.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.cond.Broadcast()
	return nil
}

func (c *Conn) LocalAddr() net.Addr  { return addr{} }
func (c *Conn) RemoteAddr() net.Addr { return addr{} }

func (c *Conn) SetDeadline(t time.Time) error {
	c.SetReadDeadline(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readDdl = t
	c.cond.Broadcast()
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error { return nil }

type timeoutError struct{}

func (timeoutError) Error() string   { return "mocknet: i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }
