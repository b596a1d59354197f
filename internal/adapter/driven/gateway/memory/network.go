package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
)

// Network is an in-process chat layer: every attached device gets a
// Transport, and messages are routed between them the way the relay does,
// carbon copies to the sender's other devices included.
type Network struct {
	mu       sync.Mutex
	devices  map[domain.UserID]map[domain.DeviceID]*Transport
	history  map[domain.MessageID]domain.Message
	queued   map[domain.UserID][]domain.Message
	sent     []domain.Message
	dropFunc func(domain.Message) bool
	now      func() time.Time
}

func NewNetwork() *Network {
	return &Network{
		devices: make(map[domain.UserID]map[domain.DeviceID]*Transport),
		history: make(map[domain.MessageID]domain.Message),
		queued:  make(map[domain.UserID][]domain.Message),
		now:     time.Now,
	}
}

// SetClock replaces time.Now for accept and queue times.
func (n *Network) SetClock(now func() time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.now = now
}

// Attach signs device of user in and returns its transport.
func (n *Network) Attach(user domain.UserID, device domain.DeviceID) *Transport {
	n.mu.Lock()
	defer n.mu.Unlock()

	t := &Transport{
		net:    n,
		user:   user,
		device: device,
		subs:   make(map[*subscriber]struct{}),
	}
	if n.devices[user] == nil {
		n.devices[user] = make(map[domain.DeviceID]*Transport)
	}
	n.devices[user][device] = t
	return t
}

// Detach signs a device out. Later messages for it are not delivered.
func (n *Network) Detach(t *Transport) {
	n.mu.Lock()
	defer n.mu.Unlock()

	devices := n.devices[t.user]
	if devices[t.device] == t {
		delete(devices, t.device)
	}
}

// DropWhen makes the network silently lose every message fn matches.
func (n *Network) DropWhen(fn func(domain.Message) bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.dropFunc = fn
}

// Sent returns every message handed to the network, in order.
func (n *Network) Sent() []domain.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]domain.Message, len(n.sent))
	copy(out, n.sent)
	return out
}

// Message returns a stored text message.
func (n *Network) Message(id domain.MessageID) (domain.Message, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	msg, ok := n.history[id]
	return msg, ok
}

func (n *Network) route(msg domain.Message, fromDevice domain.DeviceID) {
	n.mu.Lock()
	msg.SentAt = n.now().UTC()
	n.sent = append(n.sent, msg)
	if msg.Kind == domain.KindText {
		n.history[msg.ID] = msg
	}
	if n.dropFunc != nil && n.dropFunc(msg) {
		n.mu.Unlock()
		return
	}

	var targets []*Transport
	for id, t := range n.devices[msg.To] {
		if msg.To == msg.From && id == fromDevice {
			continue
		}
		targets = append(targets, t)
	}
	if len(targets) == 0 && msg.Delivery == domain.DeliveryPersisted {
		n.queued[msg.To] = append(n.queued[msg.To], msg)
	}
	if msg.To != msg.From {
		for id, t := range n.devices[msg.From] {
			if id != fromDevice {
				targets = append(targets, t)
			}
		}
	}
	n.mu.Unlock()

	for _, t := range targets {
		t.deliver(msg)
	}
}

func (n *Network) drain(user domain.UserID) []domain.Message {
	n.mu.Lock()
	defer n.mu.Unlock()
	msgs := n.queued[user]
	delete(n.queued, user)
	now := n.now()
	for i := range msgs {
		msgs[i].QueuedFor = now.Sub(msgs[i].SentAt)
	}
	return msgs
}

func (n *Network) update(user domain.UserID, id domain.MessageID, ext map[string]any) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	msg, ok := n.history[id]
	if !ok {
		return fmt.Errorf("update %s: %w", id, domain.ErrMessageNotFound)
	}
	if msg.From != user {
		return fmt.Errorf("update %s: %w", id, domain.ErrNotMessageOwner)
	}
	merged := make(map[string]any, len(msg.Ext)+len(ext))
	for k, v := range msg.Ext {
		merged[k] = v
	}
	for k, v := range ext {
		merged[k] = v
	}
	msg.Ext = merged
	n.history[id] = msg
	return nil
}

type subscriber struct {
	ch   chan domain.Message
	done chan struct{}
	once sync.Once
}

// Transport is one device on a Network. It implements
// port.MessageTransport.
type Transport struct {
	net    *Network
	user   domain.UserID
	device domain.DeviceID

	mu      sync.Mutex
	subs    map[*subscriber]struct{}
	sendErr error
}

// FailSends makes every later Send return err. A nil err restores sending.
func (t *Transport) FailSends(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sendErr = err
}

func (t *Transport) Send(ctx context.Context, msg domain.Message) (domain.MessageID, error) {
	t.mu.Lock()
	err := t.sendErr
	t.mu.Unlock()
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	msg.From = t.user
	if msg.ID == "" {
		msg.ID = domain.NewMessageID()
	}
	t.net.route(msg, t.device)
	return msg.ID, nil
}

func (t *Transport) UpdateMessage(ctx context.Context, id domain.MessageID, ext map[string]any) error {
	return t.net.update(t.user, id, ext)
}

// Subscribe also hands the first subscriber whatever was queued for the
// user while none of its devices was attached.
func (t *Transport) Subscribe() (<-chan domain.Message, func()) {
	sub := &subscriber{
		ch:   make(chan domain.Message, 256),
		done: make(chan struct{}),
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()

	for _, msg := range t.net.drain(t.user) {
		sub.ch <- msg
	}

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

func (t *Transport) deliver(msg domain.Message) {
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
