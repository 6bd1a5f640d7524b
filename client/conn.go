package client

import (
	"context"
	"encoding/json"
	"time"

	"github.com/AlexKarpov98/webui/models"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// handshake runs the connect/connected exchange before the pumps start, so
// it may use the connection directly.
func (c *Client) handshake(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.conn.SetWriteDeadline(deadline)
	c.conn.SetReadDeadline(deadline)
	defer func() {
		c.conn.SetWriteDeadline(time.Time{})
		c.conn.SetReadDeadline(time.Time{})
	}()

	if err := c.conn.WriteJSON(models.NewConnectRequest()); err != nil {
		return errors.Wrap(err, "send connect")
	}

	for {
		var in models.Incoming
		if err := c.conn.ReadJSON(&in); err != nil {
			c.logger.Error("Handshake read failed", "error", err)
			return errors.Wrapf(ErrHandshakeFailed, "read: %v", err)
		}
		switch in.Msg {
		case models.MsgConnected:
			c.session = in.Session
			return nil
		case models.MsgFailed:
			c.logger.Error("Middleware refused protocol version", "version", models.ProtocolVersion)
			return ErrHandshakeFailed
		default:
			c.logger.Debug("Ignoring frame received during handshake", "msg", in.Msg)
		}
	}
}

// readPump is the only reader of the connection. Any read error ends the
// connection and fails everything outstanding.
func (c *Client) readPump() {
	defer func() {
		close(c.readDone)
		c.logger.Debug("WebSocket readPump finished")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetPongHandler(func(string) error {
		c.logger.Debug("Received pong from middleware")
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Error("Error reading message from WebSocket", "error", err)
			} else {
				c.logger.Info("WebSocket connection closed", "error", err)
			}
			c.shutdown(err)
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}

		var in models.Incoming
		if err := json.Unmarshal(message, &in); err != nil {
			c.logger.Error("Failed to unmarshal middleware message", "error", err, "message", string(message))
			continue
		}
		c.dispatch(&in)
	}
}

func (c *Client) dispatch(in *models.Incoming) {
	switch {
	case in.Msg == models.MsgResult || in.Msg == models.MsgError:
		c.resolve(in)
	case in.Msg.IsEvent():
		c.metrics.events.Inc(1)
		c.mux.Publish(in.Event())
	case in.Msg == models.MsgNoSub:
		c.refuse(in)
	case in.Msg == models.MsgPing:
		if err := c.send(context.Background(), models.PingRequest{ID: in.RequestID(), Msg: models.MsgPong}); err != nil {
			c.logger.Debug("Could not answer ping", "error", err)
		}
	case in.Msg == models.MsgPong || in.Msg == models.MsgReady:
	default:
		c.logger.Debug("Ignoring unknown message", "msg", in.Msg)
	}
}

func (c *Client) resolve(in *models.Incoming) {
	id := in.RequestID()
	call, ok := c.pending.take(id)
	if !ok {
		c.logger.Debug("Response for unknown or expired call", "id", id)
		return
	}
	if in.Error != nil {
		apiErr := *in.Error
		apiErr.Method = call.method
		call.resolve(nil, &apiErr)
		return
	}
	if in.Msg == models.MsgError {
		call.resolve(nil, &models.ApiError{Method: call.method, Reason: "middleware returned an error without details"})
		return
	}
	call.resolve(in.Result, nil)
}

// refuse ends the topic a nosub frame answers. A nosub for an id that is no
// longer registered acknowledges an unsub.
func (c *Client) refuse(in *models.Incoming) {
	id := in.RequestID()
	var reason error
	if in.Error != nil {
		apiErr := *in.Error
		reason = &apiErr
	}
	if !c.mux.Refuse(id, reason) {
		c.logger.Debug("Subscription ended", "id", id)
	}
}

// writePump is the only writer of the connection. It also keeps the
// session alive with protocol pings and websocket ping frames.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
		c.logger.Debug("WebSocket writePump finished")
	}()

	for {
		select {
		case message := <-c.outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("WebSocket message write error", "error", err)
				c.shutdown(err)
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error("Error sending ping", "error", err)
				c.shutdown(err)
				return
			}
			ping, _ := json.Marshal(models.PingRequest{ID: uuid.NewString(), Msg: models.MsgPing})
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				c.logger.Error("Error sending protocol ping", "error", err)
				c.shutdown(err)
				return
			}
		case <-c.closed:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			if err != nil {
				c.logger.Debug("Error sending close message during shutdown", "error", err)
				return
			}
			// Give the middleware a moment to echo the close frame.
			select {
			case <-c.readDone:
			case <-time.After(closeGracePeriod):
			}
			return
		}
	}
}
