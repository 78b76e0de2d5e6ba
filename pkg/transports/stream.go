package transports

import (
	"bufio"
	"net"
	"sync"

	"github.com/google/uuid"
)

// StreamConn adapts a byte stream connection. Lines are written with a
// trailing newline and flushed one by one.
type StreamConn struct {
	id   string
	conn net.Conn

	mu   sync.Mutex
	w    *bufio.Writer
	once sync.Once
	err  error
}

func NewStreamConn(conn net.Conn) *StreamConn {
	return &StreamConn{
		id:   uuid.NewString(),
		conn: conn,
		w:    bufio.NewWriter(conn),
	}
}

func (c *StreamConn) ID() string         { return c.id }
func (c *StreamConn) RemoteAddr() string { return c.conn.RemoteAddr().String() }

func (c *StreamConn) Read(p []byte) (int, error) { return c.conn.Read(p) }

func (c *StreamConn) WriteLine(line string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.w.WriteString(line); err != nil {
		return err
	}
	if err := c.w.WriteByte('\n'); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *StreamConn) Close() error {
	c.once.Do(func() { c.err = c.conn.Close() })
	return c.err
}
