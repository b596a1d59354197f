package http

import (
	"errors"
	"net/http"
	"sync"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict origins once browser devices are served by the relay
	CheckOrigin: func(r *http.Request) bool { return true },
}

const sendBuffer = 256

var (
	errClientClosed = errors.New("client closed")
	errSendBuffer   = errors.New("send buffer full")
)

// WSClient is one device connection. All writes go through writePump.
type WSClient struct {
	user   domain.UserID
	device domain.DeviceID
	conn   *websocket.Conn
	send   chan ws.Frame
	done   chan struct{}
	once   sync.Once
}

func newWSClient(user domain.UserID, device domain.DeviceID, conn *websocket.Conn) *WSClient {
	return &WSClient{
		user:   user,
		device: device,
		conn:   conn,
		send:   make(chan ws.Frame, sendBuffer),
		done:   make(chan struct{}),
	}
}

func (c *WSClient) UserID() domain.UserID {
	return c.user
}

func (c *WSClient) DeviceID() domain.DeviceID {
	return c.device
}

func (c *WSClient) Deliver(msg domain.Message) error {
	return c.enqueue(ws.Frame{Op: ws.OpMsg, Msg: &msg})
}

func (c *WSClient) enqueue(f ws.Frame) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- f:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errSendBuffer
	}
}

func (c *WSClient) Close() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *WSClient) writePump() {
	for {
		select {
		case f := <-c.send:
			if err := c.conn.WriteJSON(f); err != nil {
				log.Debug().Err(err).Str("device_id", c.device.String()).Msg("Write failed")
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// ServeWS upgrades a device connection. The device names itself with the
// X-User-ID and X-Device-ID headers, or the user and device query
// parameters for browsers.
func (h *RelayHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	user := domain.UserID(r.Header.Get(ws.HeaderUserID))
	if user == "" {
		user = domain.UserID(r.URL.Query().Get("user"))
	}
	device := domain.DeviceID(r.Header.Get(ws.HeaderDeviceID))
	if device == "" {
		device = domain.DeviceID(r.URL.Query().Get("device"))
	}
	if user == "" {
		http.Error(w, "missing user id", http.StatusBadRequest)
		return
	}
	if device == "" {
		device = domain.NewDeviceID()
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := newWSClient(user, device, conn)
	l := log.With().Str("user_id", user.String()).Str("device_id", device.String()).Logger()
	l.Info().Msg("New client connected")

	go client.writePump()
	h.Hub.Register(client)

	defer func() {
		l.Info().Msg("Client disconnected")
		h.Hub.Unregister(client)
		client.Close()
	}()

	pending, err := h.Messages.DeliverPending(r.Context(), user)
	if err != nil {
		l.Error().Err(err).Msg("Failed to load queued messages")
	}
	for _, msg := range pending {
		if err := client.Deliver(msg); err != nil {
			l.Error().Err(err).Str("message_id", msg.ID.String()).Msg("Failed to deliver queued message")
		}
	}

	for {
		var f ws.Frame
		if err := conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.Error().Err(err).Msg("Unexpected close error")
			}
			break
		}

		ack := ws.Frame{Op: ws.OpAck, Ref: f.Ref}
		switch f.Op {
		case ws.OpSend:
			if f.Msg == nil {
				ack.Error = "missing message"
				break
			}
			id, err := h.Messages.SendMessage(r.Context(), user, device, *f.Msg)
			if err != nil {
				l.Error().Err(err).Msg("Failed to process message")
				ack.Error = err.Error()
			}
			ack.ID = id
		case ws.OpUpdate:
			ack.ID = f.ID
			if err := h.Messages.UpdateMessage(r.Context(), user, f.ID, f.Ext); err != nil {
				l.Warn().Err(err).Str("message_id", f.ID.String()).Msg("Failed to update message")
				ack.Error = err.Error()
			}
		default:
			ack.Error = "unknown op " + string(f.Op)
		}

		if err := client.enqueue(ack); err != nil {
			l.Error().Err(err).Msg("Failed to ack")
			break
		}
	}
}
