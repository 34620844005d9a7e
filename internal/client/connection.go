package client

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// stompProtocols are offered as WebSocket subprotocols during the handshake.
var stompProtocols = []string{"v12.stomp", "v11.stomp", "v10.stomp"}

// Connection turns a client WebSocket into the byte stream a STOMP session
// reads and writes. Every Write goes out as one text message; Read drains
// inbound messages in order.
type Connection struct {
	conn net.Conn
	r    io.Reader

	rmu        sync.Mutex
	readBuffer []byte

	wmu sync.Mutex

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// Dial performs the WebSocket handshake with rawURL.
func Dial(ctx context.Context, rawURL string, timeout time.Duration) (*Connection, error) {
	d := ws.Dialer{Timeout: timeout, Protocols: stompProtocols}
	conn, br, _, err := d.Dial(ctx, rawURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to server: %w", err)
	}
	return NewConnection(conn, br), nil
}

// NewConnection wraps an upgraded client connection. br holds any bytes the
// server sent right after the handshake and may be nil.
func NewConnection(conn net.Conn, br *bufio.Reader) *Connection {
	c := &Connection{conn: conn, r: conn, done: make(chan struct{})}
	if br != nil {
		c.r = br
	}
	return c
}

func (c *Connection) Read(p []byte) (int, error) {
	c.rmu.Lock()
	defer c.rmu.Unlock()

	for len(c.readBuffer) == 0 {
		data, _, err := wsutil.ReadServerData(readWriter{Reader: c.r, w: c})
		if err != nil {
			c.markDone()
			return 0, err
		}
		c.readBuffer = data
	}

	n := copy(p, c.readBuffer)
	c.readBuffer = c.readBuffer[n:]
	return n, nil
}

func (c *Connection) Write(data []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if err := wsutil.WriteClientText(c.conn, data); err != nil {
		return 0, err
	}
	return len(data), nil
}

// Close sends a normal closure and closes the socket. Repeated calls return
// the first result.
func (c *Connection) Close() error {
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		body := ws.NewCloseFrameBody(ws.StatusNormalClosure, "")
		_ = wsutil.WriteClientMessage(c.conn, ws.OpClose, body)
		c.wmu.Unlock()

		c.closeErr = c.conn.Close()
		c.markDone()
	})
	return c.closeErr
}

// Done is closed once the connection can no longer be read from.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

func (c *Connection) markDone() {
	c.doneOnce.Do(func() { close(c.done) })
}

// readWriter lets wsutil answer pings through the write lock.
type readWriter struct {
	io.Reader
	w *Connection
}

func (rw readWriter) Write(p []byte) (int, error) {
	rw.w.wmu.Lock()
	defer rw.w.wmu.Unlock()
	return rw.w.conn.Write(p)
}

// EndpointURL joins baseURL and the handshake path, mapping http(s) to ws(s).
func EndpointURL(baseURL, endpoint string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", fmt.Errorf("failed to parse base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q in base url", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("base url %q has no host", baseURL)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(endpoint, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
