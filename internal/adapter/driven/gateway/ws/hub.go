package ws

import (
	"context"
	"errors"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

var ErrHubStopped = errors.New("hub stopped")

type routeRequest struct {
	msg        domain.Message
	fromDevice domain.DeviceID
	reply      chan int
}

type metrics struct {
	routed      *prometheus.CounterVec
	undelivered *prometheus.CounterVec
	devices     prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		routed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yacall",
			Subsystem: "relay",
			Name:      "deliveries_total",
			Help:      "Messages handed to a connected device, carbon copies included.",
		}, []string{"delivery"}),
		undelivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "yacall",
			Subsystem: "relay",
			Name:      "undelivered_total",
			Help:      "Messages whose recipient had no device online.",
		}, []string{"delivery"}),
		devices: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "yacall",
			Subsystem: "relay",
			Name:      "devices_connected",
			Help:      "Devices currently connected to the relay.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.routed, m.undelivered, m.devices)
	}
	return m
}

// Hub tracks the connected devices of every user and routes messages to
// them. It implements port.RealTimeGateway.
type Hub struct {
	users      map[domain.UserID]map[domain.DeviceID]Client
	route      chan routeRequest
	register   chan Client
	unregister chan Client
	quit       chan struct{}
	metrics    *metrics
}

// NewHub creates a hub whose metrics are registered on reg. A nil reg keeps
// them unregistered.
func NewHub(reg prometheus.Registerer) *Hub {
	return &Hub{
		users:      make(map[domain.UserID]map[domain.DeviceID]Client),
		route:      make(chan routeRequest),
		register:   make(chan Client),
		unregister: make(chan Client),
		quit:       make(chan struct{}),
		metrics:    newMetrics(reg),
	}
}

// Route delivers msg to every online device of msg.To and copies it to the
// sender's other devices. It returns how many devices of msg.To got it.
func (h *Hub) Route(ctx context.Context, msg domain.Message, fromDevice domain.DeviceID) (int, error) {
	req := routeRequest{msg: msg, fromDevice: fromDevice, reply: make(chan int, 1)}
	select {
	case h.route <- req:
	case <-h.quit:
		return 0, ErrHubStopped
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case n := <-req.reply:
		return n, nil
	case <-h.quit:
		return 0, ErrHubStopped
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.quit:
			for _, devices := range h.users {
				for _, client := range devices {
					client.Close()
				}
			}
			h.users = make(map[domain.UserID]map[domain.DeviceID]Client)
			h.metrics.devices.Set(0)
			return

		case client := <-h.register:
			devices, ok := h.users[client.UserID()]
			if !ok {
				devices = make(map[domain.DeviceID]Client)
				h.users[client.UserID()] = devices
			}
			if old, ok := devices[client.DeviceID()]; ok && old != client {
				old.Close()
			} else {
				h.metrics.devices.Inc()
			}
			devices[client.DeviceID()] = client
			log.Info().Str("user_id", client.UserID().String()).Str("device_id", client.DeviceID().String()).Msg("Client registered")

		case client := <-h.unregister:
			h.remove(client)

		case req := <-h.route:
			req.reply <- h.deliver(req.msg, req.fromDevice)
		}
	}
}

func (h *Hub) deliver(msg domain.Message, fromDevice domain.DeviceID) int {
	delivery := string(msg.Delivery)
	delivered := 0
	for id, client := range h.users[msg.To] {
		if msg.To == msg.From && id == fromDevice {
			continue
		}
		if h.push(client, msg) {
			delivered++
			h.metrics.routed.WithLabelValues(delivery).Inc()
		}
	}
	if msg.To != msg.From {
		for id, client := range h.users[msg.From] {
			if id == fromDevice {
				continue
			}
			if h.push(client, msg) {
				h.metrics.routed.WithLabelValues(delivery).Inc()
			}
		}
	}
	if delivered == 0 {
		h.metrics.undelivered.WithLabelValues(delivery).Inc()
		log.Debug().Str("message_id", msg.ID.String()).Str("to", msg.To.String()).Str("delivery", delivery).Msg("No device online")
	}
	return delivered
}

func (h *Hub) push(client Client, msg domain.Message) bool {
	if err := client.Deliver(msg); err != nil {
		log.Error().Err(err).Str("user_id", client.UserID().String()).Str("device_id", client.DeviceID().String()).Msg("Error sending message")
		h.remove(client)
		return false
	}
	return true
}

func (h *Hub) remove(client Client) {
	devices, ok := h.users[client.UserID()]
	if !ok || devices[client.DeviceID()] != client {
		return
	}
	delete(devices, client.DeviceID())
	if len(devices) == 0 {
		delete(h.users, client.UserID())
	}
	client.Close()
	h.metrics.devices.Dec()
	log.Info().Str("user_id", client.UserID().String()).Str("device_id", client.DeviceID().String()).Msg("Client unregistered")
}

func (h *Hub) Register(c Client) {
	select {
	case h.register <- c:
	case <-h.quit:
		c.Close()
	}
}

func (h *Hub) Unregister(c Client) {
	select {
	case h.unregister <- c:
	case <-h.quit:
	}
}

func (h *Hub) Stop() {
	close(h.quit)
}
