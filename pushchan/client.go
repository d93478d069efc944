package pushchan

import (
	"sync"
	"time"

	"github.com/chronicler-app/chronicler/events"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// client is one connected dashboard socket. All writes funnel through the
// outbound channel so the writer goroutine is the only conn writer.
type client struct {
	hub      *Hub
	conn     *websocket.Conn
	out      chan Message
	done     chan struct{}
	stopOnce sync.Once
}

func newClient(h *Hub, conn *websocket.Conn) *client {
	return &client{
		hub:  h,
		conn: conn,
		out:  make(chan Message, 64),
		done: make(chan struct{}),
	}
}

// run serves the connection: a writer goroutine, a bus relay, a periodic
// metrics push, and the inbound read loop. It returns when the socket
// closes, removing the client from the hub.
func (c *client) run() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()

	var busCh, cancelSub = c.hub.Bus.Subscribe(events.KindAll)
	defer cancelSub()

	go c.writeLoop()
	go c.relayLoop(busCh)

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.WithField("err", err).Debug("push channel read failed")
			}
			return
		}
		c.hub.handleRequest(c, msg)
	}
}

func (c *client) relayLoop(busCh <-chan events.Event) {
	var ticker = time.NewTicker(metricsPushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-busCh:
			if !ok {
				return
			}
			c.send(Message{Type: "event", Payload: ev})
		case <-ticker.C:
			var latest, ok = c.hub.Sampler.Latest()
			if ok {
				c.send(Message{Type: "metrics", Payload: latest})
			}
		}
	}
}

func (c *client) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			msg.Timestamp = time.Now().UTC()
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.close()
				return
			}
		}
	}
}

// send enqueues without blocking; a wedged client loses messages rather
// than stalling publishers.
func (c *client) send(msg Message) {
	select {
	case c.out <- msg:
	default:
	}
}

func (c *client) close() {
	c.stopOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
