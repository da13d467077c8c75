package network

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"voidlink/auth"
	"voidlink/router"
)

// clientConn is one connected client. A single goroutine reads command
// frames; a second pumps router deliveries out. Writes share a mutex so
// responses and pushed messages never interleave mid-frame.
type clientConn struct {
	id     string
	conn   net.Conn
	server *Server

	writeMu sync.Mutex

	mu      sync.Mutex
	session *auth.Session

	closeOnce sync.Once
	done      chan struct{}
}

func newClientConn(conn net.Conn, server *Server) *clientConn {
	return &clientConn{
		id:     uuid.NewString(),
		conn:   conn,
		server: server,
		done:   make(chan struct{}),
	}
}

func (c *clientConn) run() {
	defer c.cleanup()

	logrus.WithFields(logrus.Fields{
		"conn_id": c.id,
		"remote":  c.conn.RemoteAddr().String(),
	}).Info("connection opened")

	for {
		payload, err := ReadFrameWithTimeout(c.conn, c.server.deps.IdleTimeout)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logrus.WithFields(logrus.Fields{
					"conn_id": c.id,
					"error":   err.Error(),
				}).Debug("read loop ended")
			}
			return
		}

		frame, err := DecodeFrame(payload)
		if err != nil {
			c.sendError("", CodeBadRequest, "malformed frame", "")
			continue
		}

		c.dispatch(frame)

		select {
		case <-c.done:
			return
		default:
		}
	}
}

// cleanup tears down everything this connection holds: its session, its
// message subscription, and its in-flight transfers, which pause so the
// client can resume later.
func (c *clientConn) cleanup() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.conn.Close()

		c.mu.Lock()
		session := c.session
		c.session = nil
		c.mu.Unlock()

		c.server.deps.Router.Unsubscribe(c.id)
		c.server.deps.Sessions.InvalidateConn(c.id)
		if session != nil {
			c.server.deps.Engine.PauseOwned(session.Username)
			logrus.WithFields(logrus.Fields{
				"conn_id":  c.id,
				"username": session.Username,
			}).Info("connection closed")
		} else {
			logrus.WithField("conn_id", c.id).Info("connection closed")
		}
	})
}

// kick is handed to the router; it fires when this connection's
// delivery queue overflows.
func (c *clientConn) kick() {
	logrus.WithField("conn_id", c.id).Warn("kicking slow consumer")
	c.cleanup()
}

// attachSession records the authenticated session and starts the
// delivery pump for pushed messages.
func (c *clientConn) attachSession(session *auth.Session) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	queue := c.server.deps.Router.Subscribe(session.Username, c.id, c.kick)
	go c.deliveryPump(queue)
}

func (c *clientConn) currentSession() *auth.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *clientConn) deliveryPump(queue <-chan router.Delivery) {
	for {
		select {
		case <-c.done:
			return
		case delivery, ok := <-queue:
			if !ok {
				return
			}
			push := MessageDelivery{
				MessageID: delivery.MessageID,
				Context:   delivery.Context,
				RoomID:    delivery.RoomID,
				Sender:    delivery.Sender,
				Recipient: delivery.Recipient,
				Text:      delivery.Text,
				Timestamp: delivery.Timestamp,
			}
			if err := c.sendSealed(TypeMessageDelivery, push); err != nil {
				logrus.WithFields(logrus.Fields{
					"conn_id": c.id,
					"error":   err.Error(),
				}).Debug("delivery write failed")
				c.cleanup()
				return
			}
		}
	}
}

func (c *clientConn) writeFrame(frame Frame) error {
	data, err := EncodeFrame(frame)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return WriteFrame(c.conn, data)
}
