package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var ErrTransportClosed = errors.New("relay connection closed")

type subscriber struct {
	ch   chan domain.Message
	done chan struct{}
	once sync.Once
}

// Transport is the device side of a relay connection. It implements
// port.MessageTransport.
type Transport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu     sync.Mutex
	acks   map[string]chan Frame
	subs   map[*subscriber]struct{}
	closed bool

	done chan struct{}
}

// Dial connects to the relay websocket endpoint at url as device of user.
func Dial(ctx context.Context, url string, user domain.UserID, device domain.DeviceID) (*Transport, error) {
	header := http.Header{}
	header.Set(HeaderUserID, user.String())
	header.Set(HeaderDeviceID, device.String())

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial relay %s: %w", url, err)
	}

	t := &Transport{
		conn: conn,
		acks: make(map[string]chan Frame),
		subs: make(map[*subscriber]struct{}),
		done: make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *Transport) Send(ctx context.Context, msg domain.Message) (domain.MessageID, error) {
	ack, err := t.request(ctx, Frame{Op: OpSend, Msg: &msg})
	if err != nil {
		return "", err
	}
	return ack.ID, nil
}

func (t *Transport) UpdateMessage(ctx context.Context, id domain.MessageID, ext map[string]any) error {
	_, err := t.request(ctx, Frame{Op: OpUpdate, ID: id, Ext: ext})
	return err
}

func (t *Transport) Subscribe() (<-chan domain.Message, func()) {
	sub := &subscriber{
		ch:   make(chan domain.Message, 64),
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	cancel := func() {
		sub.once.Do(func() {
			t.mu.Lock()
			delete(t.subs, sub)
			t.mu.Unlock()
			close(sub.done)
		})
	}
	return sub.ch, cancel
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.writeMu.Lock()
	t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	t.writeMu.Unlock()
	err := t.conn.Close()
	<-t.done
	return err
}

func (t *Transport) request(ctx context.Context, f Frame) (Frame, error) {
	f.Ref = uuid.New().String()
	reply := make(chan Frame, 1)

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return Frame{}, ErrTransportClosed
	}
	t.acks[f.Ref] = reply
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		delete(t.acks, f.Ref)
		t.mu.Unlock()
	}()

	deadline, _ := ctx.Deadline()
	if err := t.write(f, deadline); err != nil {
		return Frame{}, err
	}

	select {
	case ack := <-reply:
		if ack.Error != "" {
			return ack, fmt.Errorf("relay rejected %s: %s", f.Op, ack.Error)
		}
		return ack, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	case <-t.done:
		return Frame{}, ErrTransportClosed
	}
}

// write sends one frame. A zero deadline means none.
func (t *Transport) write(f Frame, deadline time.Time) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.conn.SetWriteDeadline(deadline)
	if err := t.conn.WriteJSON(f); err != nil {
		return fmt.Errorf("write %s frame: %w", f.Op, err)
	}
	return nil
}

func (t *Transport) readLoop() {
	defer close(t.done)
	for {
		var f Frame
		if err := t.conn.ReadJSON(&f); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("Relay connection lost")
			}
			return
		}

		switch f.Op {
		case OpAck:
			t.mu.Lock()
			reply, ok := t.acks[f.Ref]
			t.mu.Unlock()
			if ok {
				reply <- f
			}
		case OpMsg:
			if f.Msg != nil {
				t.dispatch(*f.Msg)
			}
		default:
			log.Warn().Str("op", string(f.Op)).Msg("Unknown frame from relay")
		}
	}
}

func (t *Transport) dispatch(msg domain.Message) {
	t.mu.Lock()
	subs := make([]*subscriber, 0, len(t.subs))
	for sub := range t.subs {
		subs = append(subs, sub)
	}
	t.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.ch <- msg:
		case <-sub.done:
		}
	}
}
