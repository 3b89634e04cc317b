package ws

import (
	"errors"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

const (
	// writeWait bounds a single frame write.
	writeWait = 10 * time.Second

	// sendBuffer is the per-connection outbound queue. Streams can burst
	// chunks faster than slow clients drain them.
	sendBuffer = 64
)

var errConnClosed = errors.New("ws: connection closed")

// connection wraps a websocket with a single writer goroutine. gorilla
// connections allow only one concurrent writer, so every outbound frame is
// funneled through the send channel and the writer alone closes the socket.
//
// Frame production happens on the handler goroutine only: it enqueues with
// writeFrame and hands the channel over with finish when the read side is
// done. interrupt is the one cross-goroutine entry point, restricted to the
// concurrency-safe control-message methods.
type connection struct {
	ws   *websocket.Conn
	send chan []byte
	done chan struct{}
}

func newConnection(ws *websocket.Conn) *connection {
	c := &connection{
		ws:   ws,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *connection) writeLoop() {
	defer func() {
		_ = c.ws.Close()
		close(c.done)
	}()

	for data := range c.send {
		if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
			return
		}
		if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}

	// Producer finished cleanly: queued frames are out, say goodbye.
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// writeFrame serializes and enqueues one frame. It fails once the writer
// has exited or the client stops draining its queue.
func (c *connection) writeFrame(frame serverFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return errConnClosed
	case <-time.After(writeWait):
		return errConnClosed
	}
}

// finish flushes queued frames and closes the socket. Must be called
// exactly once, by the producing goroutine, after its last writeFrame.
func (c *connection) finish() {
	close(c.send)
	<-c.done
}

// interrupt nudges the connection toward termination from another
// goroutine: a close control frame for the client, an expired read
// deadline so the blocked read loop returns promptly.
func (c *connection) interrupt() {
	deadline := time.Now().Add(writeWait)
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), deadline)
	_ = c.ws.SetReadDeadline(time.Now())
}
