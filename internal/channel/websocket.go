package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	DefaultPingInterval = 30 * time.Second
	DefaultPongWait     = 60 * time.Second
)

// WebsocketDialer dials the push endpoint with gorilla/websocket. Live
// connections are pinged every PingInterval; a read that sees neither a
// message nor a pong for PongWait fails, so a half-open peer ends in a
// reconnect.
type WebsocketDialer struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	PingInterval time.Duration
	PongWait     time.Duration
}

func NewWebsocketDialer(header http.Header) *WebsocketDialer {
	return &WebsocketDialer{
		Dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		Header:       header,
		PingInterval: DefaultPingInterval,
		PongWait:     DefaultPongWait,
	}
}

func (d *WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, resp, err := d.Dialer.DialContext(ctx, url, d.Header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	c := &wsConn{conn: conn, wait: d.PongWait, done: make(chan struct{})}
	if c.wait > 0 {
		c.extend()
		conn.SetPongHandler(func(string) error {
			c.extend()
			return nil
		})
	}
	if d.PingInterval > 0 {
		go c.ping(d.PingInterval)
	}
	return c, nil
}

type wsConn struct {
	conn *websocket.Conn
	wait time.Duration
	done chan struct{}
	once sync.Once
}

func (c *wsConn) extend() {
	_ = c.conn.SetReadDeadline(time.Now().Add(c.wait))
}

func (c *wsConn) ping(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-t.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(every)); err != nil {
				return
			}
		}
	}
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	_, data, err := c.conn.ReadMessage()
	if err == nil && c.wait > 0 {
		c.extend()
	}
	return data, err
}

func (c *wsConn) WriteMessage(data []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.once.Do(func() { close(c.done) })
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
