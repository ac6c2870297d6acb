package wstransport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"hearthsync/transport"
)

// channel is a websocket-backed transport.DataChannel.
type channel struct {
	label   string
	maxSize int64

	mu        sync.Mutex
	conn      *websocket.Conn
	open      bool
	closing   bool
	onOpen    func()
	onMessage func([]byte)
	onClose   func()

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	notify    func(remote bool)
}

func newChannel(label string, maxSize int64, notify func(remote bool)) *channel {
	return &channel{
		label:   label,
		maxSize: maxSize,
		done:    make(chan struct{}),
		notify:  notify,
	}
}

func (c *channel) Label() string {
	return c.label
}

func (c *channel) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

func (c *channel) Send(data []byte) error {
	c.mu.Lock()
	conn := c.conn
	open := c.open
	c.mu.Unlock()
	if !open || conn == nil {
		return transport.ErrChannelClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(true)
		return err
	}
	return nil
}

func (c *channel) OnOpen(fn func()) {
	c.mu.Lock()
	c.onOpen = fn
	open := c.open
	c.mu.Unlock()
	if open && fn != nil {
		fn()
	}
}

func (c *channel) OnMessage(fn func([]byte)) {
	c.mu.Lock()
	c.onMessage = fn
	c.mu.Unlock()
}

func (c *channel) OnClose(fn func()) {
	c.mu.Lock()
	c.onClose = fn
	c.mu.Unlock()
}

func (c *channel) Close() error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
	c.shutdown(false)
	return nil
}

// attach binds conn and marks the channel open.
func (c *channel) attach(conn *websocket.Conn) {
	conn.SetReadLimit(c.maxSize)

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		_ = conn.Close()
		return
	}
	c.conn = conn
	c.open = true
	fn := c.onOpen
	c.mu.Unlock()

	if fn != nil {
		fn()
	}
}

// start begins the read and keepalive pumps.
func (c *channel) start() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return
	}
	go c.readPump(conn)
	go c.pingPump(conn)
}

func (c *channel) readPump(conn *websocket.Conn) {
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.shutdown(true)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))

		c.mu.Lock()
		fn := c.onMessage
		c.mu.Unlock()
		if fn != nil {
			fn(data)
		}
	}
}

func (c *channel) pingPump(conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(true)
				return
			}
		}
	}
}

func (c *channel) shutdown(remote bool) {
	c.closeOnce.Do(func() {
		close(c.done)

		c.mu.Lock()
		conn := c.conn
		wasOpen := c.open
		c.open = false
		remote = remote && !c.closing
		fn := c.onClose
		c.mu.Unlock()

		if conn != nil {
			if !remote {
				c.writeMu.Lock()
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
					time.Now().Add(time.Second))
				c.writeMu.Unlock()
			}
			_ = conn.Close()
		}

		if wasOpen && fn != nil {
			fn()
		}
		if c.notify != nil {
			c.notify(remote)
		}
	})
}
