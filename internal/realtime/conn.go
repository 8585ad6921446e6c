package realtime

import (
	"errors"
	"sync"

	"github.com/Adithya-Monish-Kumar-K/Course-QA-Platform/pkg/config"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

var (
	errQueueFull  = errors.New("outbound queue full")
	errConnClosed = errors.New("connection closed")
)

// conn is the WebSocket Handle. Its writer goroutine is the only one that
// writes data frames; Send only enqueues.
type conn struct {
	ws     *websocket.Conn
	cfg    config.RealtimeConfig
	clock  clockwork.Clock
	send   chan []byte
	done   chan struct{}
	exited chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newConn(ws *websocket.Conn, cfg config.RealtimeConfig, clock clockwork.Clock) *conn {
	c := &conn{
		ws:     ws,
		cfg:    cfg,
		clock:  clock,
		send:   make(chan []byte, cfg.SendQueueSize),
		done:   make(chan struct{}),
		exited: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *conn) Send(msg []byte) error {
	select {
	case <-c.done:
		return errConnClosed
	default:
	}
	select {
	case c.send <- msg:
		return nil
	default:
		return errQueueFull
	}
}

// Close asks the writer to send a close frame with code and reason and shut
// the socket. Only the first call takes effect. A zero code skips the frame.
func (c *conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

// wait blocks until the writer goroutine has exited and the socket is closed.
func (c *conn) wait() {
	<-c.exited
}

func (c *conn) writeLoop() {
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
		close(c.exited)
	}()

	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(c.clock.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.Close(0, "")
				return
			}
		case <-ticker.Chan():
			deadline := c.clock.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.Close(0, "")
				return
			}
		case <-c.done:
			c.flush()
			if c.closeCode != 0 {
				frame := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				_ = c.ws.WriteControl(websocket.CloseMessage, frame, c.clock.Now().Add(c.cfg.WriteTimeout))
			}
			return
		}
	}
}

// flush writes whatever is already queued, so a reply enqueued just before
// a graceful close still reaches the client. Evicted slow subscribers and
// broken sockets get nothing more.
func (c *conn) flush() {
	if c.closeCode == 0 || c.closeCode == websocket.CloseTryAgainLater {
		return
	}
	for {
		select {
		case msg := <-c.send:
			_ = c.ws.SetWriteDeadline(c.clock.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		default:
			return
		}
	}
}

// extendRead pushes the read deadline out by the pong timeout.
func (c *conn) extendRead() {
	_ = c.ws.SetReadDeadline(c.clock.Now().Add(c.cfg.PongTimeout))
}
